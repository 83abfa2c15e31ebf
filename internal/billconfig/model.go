// Package billconfig resolves per-bill interview configuration.
//
// Configs are authored by an external operator surface; this service reads
// them and never writes. A session captures the config id it started with, so
// later edits do not retroactively change an in-flight interview.
package billconfig

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrConfigNotFound is returned when no enabled config exists for a bill.
	// Callers treat this as a precondition failure, never an empty default.
	ErrConfigNotFound = errors.New("interview config not found")
)

// InterviewConfig controls whether and how a bill's structured interview runs.
type InterviewConfig struct {
	ID           uuid.UUID `json:"id"`
	BillID       string    `json:"bill_id"`
	Enabled      bool      `json:"enabled"`
	Instructions string    `json:"instructions"`
	CreatedAt    time.Time `json:"created_at"`
}
