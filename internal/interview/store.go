package interview

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const pgUniqueViolation = "23505"

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store persists interview sessions, the append-only message log, and reports.
// All mutual exclusion lives in database constraints, never in process memory,
// so concurrently running service instances stay correct.
type Store struct {
	db     querier
	tracer trace.Tracer
}

// NewStore creates a store backed by pgxpool.
func NewStore(pool *pgxpool.Pool) *Store {
	if pool == nil {
		panic("interview: pgx pool required")
	}
	return &Store{
		db:     pool,
		tracer: otel.Tracer("civicdialog.internal.interview.store"),
	}
}

func newStoreWithExec(q querier) *Store {
	if q == nil {
		panic("interview: querier required")
	}
	return &Store{
		db:     q,
		tracer: otel.Tracer("civicdialog.internal.interview.store"),
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	query := `
		SELECT id, bill_id, interview_config_id, user_id, status, created_at
		FROM interview_sessions
		WHERE id = $1
	`
	return s.scanSession(s.db.QueryRow(ctx, query, id))
}

// FindActiveSession looks up the active session for the exact
// (bill, config, user) tuple. At most one can exist.
func (s *Store) FindActiveSession(ctx context.Context, billID string, configID uuid.UUID, userID string) (*Session, error) {
	query := `
		SELECT id, bill_id, interview_config_id, user_id, status, created_at
		FROM interview_sessions
		WHERE bill_id = $1 AND interview_config_id = $2 AND user_id = $3 AND status = 'active'
	`
	return s.scanSession(s.db.QueryRow(ctx, query, billID, configID, userID))
}

// CreateSession inserts a new active session. A unique-violation means a
// concurrent call for the same tuple won the race; callers re-read the winner.
func (s *Store) CreateSession(ctx context.Context, billID string, configID uuid.UUID, userID string) (*Session, error) {
	sess := &Session{
		ID:       uuid.New(),
		BillID:   billID,
		ConfigID: configID,
		UserID:   userID,
		Status:   StatusActive,
	}
	query := `
		INSERT INTO interview_sessions (id, bill_id, interview_config_id, user_id, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`
	err := s.db.QueryRow(ctx, query, sess.ID, billID, configID, userID, StatusActive).Scan(&sess.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, err
		}
		return nil, fmt.Errorf("interview: insert session: %w", err)
	}
	return sess, nil
}

// AppendMessage records one turn with the next sequence number. The insert is
// guarded by the session's status in the same statement, so a closed session
// can never gain a message.
func (s *Store) AppendMessage(ctx context.Context, sessionID uuid.UUID, role, content string) (*Message, error) {
	ctx, span := s.tracer.Start(ctx, "interview.store.append_message")
	defer span.End()

	msg := &Message{
		ID:        uuid.New(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
	}
	query := `
		INSERT INTO interview_messages (id, session_id, role, content, sequence)
		SELECT $1, s.id, $2, $3,
			COALESCE((SELECT MAX(sequence) FROM interview_messages WHERE session_id = s.id), 0) + 1
		FROM interview_sessions s
		WHERE s.id = $4 AND s.status = 'active'
		RETURNING sequence, created_at
	`
	err := s.db.QueryRow(ctx, query, msg.ID, role, content, sessionID).Scan(&msg.Sequence, &msg.CreatedAt)
	if err == nil {
		return msg, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		span.RecordError(err)
		return nil, fmt.Errorf("interview: append message: %w", err)
	}

	// No row inserted: the session is either missing or closed.
	sess, getErr := s.GetSession(ctx, sessionID)
	if getErr != nil {
		return nil, getErr
	}
	if sess.Status != StatusActive {
		return nil, ErrSessionClosed
	}
	return nil, fmt.Errorf("interview: append message: %w", err)
}

// ListMessages returns a session's transcript in append order.
func (s *Store) ListMessages(ctx context.Context, sessionID uuid.UUID) ([]Message, error) {
	ctx, span := s.tracer.Start(ctx, "interview.store.list_messages")
	defer span.End()

	query := `
		SELECT id, session_id, role, content, sequence, created_at
		FROM interview_messages
		WHERE session_id = $1
		ORDER BY sequence ASC
	`
	rows, err := s.db.Query(ctx, query, sessionID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("interview: list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &msg.Sequence, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("interview: scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// GetReportBySession fetches the session's report if one exists.
func (s *Store) GetReportBySession(ctx context.Context, sessionID uuid.UUID) (*Report, error) {
	query := `
		SELECT id, session_id, bill_id, role, content, created_at
		FROM interview_reports
		WHERE session_id = $1
	`
	var rep Report
	err := s.db.QueryRow(ctx, query, sessionID).Scan(
		&rep.ID, &rep.SessionID, &rep.BillID, &rep.Role, &rep.Content, &rep.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errReportNotFound
		}
		return nil, fmt.Errorf("interview: get report: %w", err)
	}
	return &rep, nil
}

// SaveReportAndComplete persists the report and flips the session to
// completed as one transaction: both effects happen or neither does. The
// status compare-and-swap is the cross-instance mutual exclusion; losing it
// returns errAlreadyCompleted so the caller can hand back the winner's report.
func (s *Store) SaveReportAndComplete(ctx context.Context, sessionID uuid.UUID, billID string, role RespondentRole, content string) (rep *Report, err error) {
	ctx, span := s.tracer.Start(ctx, "interview.store.save_report_and_complete")
	defer span.End()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("interview: begin completion tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	ct, err := tx.Exec(ctx, `
		UPDATE interview_sessions
		SET status = 'completed'
		WHERE id = $1 AND status = 'active'
	`, sessionID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("interview: complete session: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return nil, errAlreadyCompleted
	}

	rep = &Report{
		ID:        uuid.New(),
		SessionID: sessionID,
		BillID:    billID,
		Role:      role,
		Content:   content,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO interview_reports (id, session_id, bill_id, role, content)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, rep.ID, sessionID, billID, role, content).Scan(&rep.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errAlreadyCompleted
		}
		span.RecordError(err)
		return nil, fmt.Errorf("interview: insert report: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("interview: commit completion tx: %w", err)
	}
	return rep, nil
}

func (s *Store) scanSession(row pgx.Row) (*Session, error) {
	var sess Session
	err := row.Scan(&sess.ID, &sess.BillID, &sess.ConfigID, &sess.UserID, &sess.Status, &sess.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("interview: select session: %w", err)
	}
	return &sess, nil
}
