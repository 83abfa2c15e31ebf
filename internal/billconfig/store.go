package billconfig

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store resolves interview configs.
type Store interface {
	// Get returns the config for a bill. ErrConfigNotFound means the
	// interview feature is disabled for that bill.
	Get(ctx context.Context, billID string) (*InterviewConfig, error)
	// GetByID loads a config regardless of bill, used to cross-validate a
	// session's captured config id at completion time.
	GetByID(ctx context.Context, configID uuid.UUID) (*InterviewConfig, error)
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore reads interview configs from the relational database.
type PostgresStore struct {
	pool rowQuerier
}

// NewPostgresStore initializes a store backed by pgxpool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	if pool == nil {
		panic("billconfig: pgx pool required")
	}
	return &PostgresStore{pool: pool}
}

func newPostgresStoreWithExec(q rowQuerier) *PostgresStore {
	if q == nil {
		panic("billconfig: querier required")
	}
	return &PostgresStore{pool: q}
}

// Get returns the newest config for a bill, or ErrConfigNotFound.
func (s *PostgresStore) Get(ctx context.Context, billID string) (*InterviewConfig, error) {
	query := `
		SELECT id, bill_id, enabled, instructions, created_at
		FROM interview_configs
		WHERE bill_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	return s.scanConfig(s.pool.QueryRow(ctx, query, billID))
}

// GetByID fetches a config by its id.
func (s *PostgresStore) GetByID(ctx context.Context, configID uuid.UUID) (*InterviewConfig, error) {
	query := `
		SELECT id, bill_id, enabled, instructions, created_at
		FROM interview_configs
		WHERE id = $1
	`
	return s.scanConfig(s.pool.QueryRow(ctx, query, configID))
}

func (s *PostgresStore) scanConfig(row pgx.Row) (*InterviewConfig, error) {
	var cfg InterviewConfig
	err := row.Scan(&cfg.ID, &cfg.BillID, &cfg.Enabled, &cfg.Instructions, &cfg.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConfigNotFound
		}
		return nil, fmt.Errorf("billconfig: select failed: %w", err)
	}
	return &cfg, nil
}
