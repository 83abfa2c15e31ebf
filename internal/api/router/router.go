package router

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	httpmiddleware "github.com/civicdialog/interview-api/internal/http/middleware"
	"github.com/civicdialog/interview-api/internal/interview"
	"github.com/civicdialog/interview-api/pkg/logging"
)

// ConfigInvalidator drops a bill's cached interview config. Implemented by
// billconfig.CachedStore; the external config editor calls it after edits.
type ConfigInvalidator interface {
	Invalidate(ctx context.Context, billID string) error
}

// Config holds router configuration
type Config struct {
	Logger           *logging.Logger
	InterviewHandler *interview.Handler
	Invalidator      ConfigInvalidator

	UserJWTSecret      string
	ServiceToken       string
	MetricsHandler     http.Handler
	CORSAllowedOrigins []string
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Public endpoints
	r.Group(func(public chi.Router) {
		public.Get("/health", healthCheck)
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		// The CTA endpoint is called by the chat surface on the user's
		// behalf; it carries no interview state and needs no user identity.
		if cfg.InterviewHandler != nil {
			public.Post("/interview/cta", cfg.InterviewHandler.DetectCta)
		}
	})

	// User-authenticated interview endpoints
	if cfg.InterviewHandler != nil && cfg.UserJWTSecret != "" {
		r.Group(func(authed chi.Router) {
			authed.Use(httpmiddleware.UserJWT(cfg.UserJWTSecret))
			authed.Post("/interview/sessions", cfg.InterviewHandler.CreateSession)
			authed.Post("/interview/sessions/{sessionID}/turn", cfg.InterviewHandler.Turn)
			authed.Post("/interview/complete", cfg.InterviewHandler.Complete)
		})
	}

	// Service-to-service endpoints for the external config editor
	if cfg.Invalidator != nil {
		r.Route("/internal", func(internal chi.Router) {
			internal.Use(requireServiceToken(cfg.ServiceToken))
			internal.Post("/configs/{billID}/invalidate", invalidateConfig(cfg.Invalidator, cfg.Logger))
		})
	}

	return r
}

func healthCheck(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func invalidateConfig(inv ConfigInvalidator, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		billID := chi.URLParam(r, "billID")
		if billID == "" {
			http.Error(w, "missing bill id", http.StatusBadRequest)
			return
		}
		if err := inv.Invalidate(r.Context(), billID); err != nil {
			if logger != nil {
				logger.Error("config invalidation failed", "bill_id", billID, "error", err)
			}
			http.Error(w, "invalidation failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
