// Package bills exposes read-only bill metadata used to ground generation prompts.
package bills

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrBillNotFound is returned when no bill exists for the id.
var ErrBillNotFound = errors.New("bill not found")

// Bill is the metadata the assistant grounds its judgments on.
// Bill rows are authored by an external admin surface; this service only reads them.
type Bill struct {
	ID        string
	Title     string
	Summary   string
	CreatedAt time.Time
}

// Store reads bill metadata from the relational database.
type Store struct {
	db *sql.DB
}

// NewStore creates a bill metadata store.
func NewStore(db *sql.DB) *Store {
	if db == nil {
		panic("bills: db required")
	}
	return &Store{db: db}
}

// Get fetches a bill by id.
func (s *Store) Get(ctx context.Context, billID string) (*Bill, error) {
	query := `
		SELECT id, title, summary, created_at
		FROM bills
		WHERE id = $1
	`
	var bill Bill
	err := s.db.QueryRowContext(ctx, query, billID).Scan(
		&bill.ID,
		&bill.Title,
		&bill.Summary,
		&bill.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBillNotFound
		}
		return nil, fmt.Errorf("bills: select failed: %w", err)
	}
	return &bill, nil
}
