package router

import (
	"net/http"
	"strings"
)

const serviceTokenHeader = "X-Service-Token"

// requireServiceToken enforces a shared token on service-to-service
// endpoints. When expected is empty, the endpoints are shut off rather than
// left open.
func requireServiceToken(expected string) func(http.Handler) http.Handler {
	expected = strings.TrimSpace(expected)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := strings.TrimSpace(r.Header.Get(serviceTokenHeader))
			if expected == "" || token == "" || token != expected {
				http.Error(w, "invalid service token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
