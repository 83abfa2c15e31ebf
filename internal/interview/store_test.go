package interview

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func sessionRows(sess *Session) *pgxmock.Rows {
	return pgxmock.NewRows([]string{"id", "bill_id", "interview_config_id", "user_id", "status", "created_at"}).
		AddRow(sess.ID, sess.BillID, sess.ConfigID, sess.UserID, sess.Status, sess.CreatedAt)
}

func TestCreateSession(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := newStoreWithExec(mock)
	configID := uuid.New()

	mock.ExpectQuery("INSERT INTO interview_sessions").
		WithArgs(pgxmock.AnyArg(), "bill-1", configID, "user-1", StatusActive).
		WillReturnRows(pgxmock.NewRows([]string{"created_at"}).AddRow(time.Now().UTC()))

	sess, err := store.CreateSession(context.Background(), "bill-1", configID, "user-1")
	if err != nil {
		t.Fatalf("create session failed: %v", err)
	}
	if sess.Status != StatusActive {
		t.Errorf("expected active session, got %s", sess.Status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateSessionUniqueViolationSurfaces(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := newStoreWithExec(mock)
	configID := uuid.New()

	mock.ExpectQuery("INSERT INTO interview_sessions").
		WithArgs(pgxmock.AnyArg(), "bill-1", configID, "user-1", StatusActive).
		WillReturnError(&pgconn.PgError{Code: pgUniqueViolation})

	_, err = store.CreateSession(context.Background(), "bill-1", configID, "user-1")
	if !isUniqueViolation(err) {
		t.Fatalf("expected unique violation to surface, got %v", err)
	}
}

func TestAppendMessageAssignsSequence(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := newStoreWithExec(mock)
	sessionID := uuid.New()

	mock.ExpectQuery("INSERT INTO interview_messages").
		WithArgs(pgxmock.AnyArg(), RoleUser, "私は医療従事者です", sessionID).
		WillReturnRows(pgxmock.NewRows([]string{"sequence", "created_at"}).AddRow(int32(3), time.Now().UTC()))

	msg, err := store.AppendMessage(context.Background(), sessionID, RoleUser, "私は医療従事者です")
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if msg.Sequence != 3 {
		t.Errorf("expected sequence 3, got %d", msg.Sequence)
	}
}

func TestAppendMessageClosedSession(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := newStoreWithExec(mock)
	sessionID := uuid.New()

	mock.ExpectQuery("INSERT INTO interview_messages").
		WithArgs(pgxmock.AnyArg(), RoleUser, "late message", sessionID).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT id, bill_id, interview_config_id").
		WithArgs(sessionID).
		WillReturnRows(sessionRows(&Session{
			ID:       sessionID,
			BillID:   "bill-1",
			ConfigID: uuid.New(),
			UserID:   "user-1",
			Status:   StatusCompleted,
		}))

	_, err = store.AppendMessage(context.Background(), sessionID, RoleUser, "late message")
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestAppendMessageMissingSession(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := newStoreWithExec(mock)
	sessionID := uuid.New()

	mock.ExpectQuery("INSERT INTO interview_messages").
		WithArgs(pgxmock.AnyArg(), RoleUser, "hello", sessionID).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT id, bill_id, interview_config_id").
		WithArgs(sessionID).
		WillReturnError(pgx.ErrNoRows)

	_, err = store.AppendMessage(context.Background(), sessionID, RoleUser, "hello")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestListMessagesPreservesOrder(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := newStoreWithExec(mock)
	sessionID := uuid.New()
	now := time.Now().UTC()

	rows := pgxmock.NewRows([]string{"id", "session_id", "role", "content", "sequence", "created_at"}).
		AddRow(uuid.New(), sessionID, RoleUser, "first", int32(1), now).
		AddRow(uuid.New(), sessionID, RoleAssistant, "second", int32(2), now).
		AddRow(uuid.New(), sessionID, RoleUser, "third", int32(3), now)
	mock.ExpectQuery("SELECT id, session_id, role, content, sequence").
		WithArgs(sessionID).WillReturnRows(rows)

	messages, err := store.ListMessages(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	for i, msg := range messages {
		if msg.Sequence != int32(i+1) {
			t.Errorf("message %d out of order: sequence %d", i, msg.Sequence)
		}
	}
}

func TestSaveReportAndComplete(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := newStoreWithExec(mock)
	sessionID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE interview_sessions").
		WithArgs(sessionID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery("INSERT INTO interview_reports").
		WithArgs(pgxmock.AnyArg(), sessionID, "bill-1", RoleSubjectExpert, "report body").
		WillReturnRows(pgxmock.NewRows([]string{"created_at"}).AddRow(time.Now().UTC()))
	mock.ExpectCommit()

	rep, err := store.SaveReportAndComplete(context.Background(), sessionID, "bill-1", RoleSubjectExpert, "report body")
	if err != nil {
		t.Fatalf("completion failed: %v", err)
	}
	if rep.Role != RoleSubjectExpert || rep.Content != "report body" {
		t.Fatalf("unexpected report: %#v", rep)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSaveReportAndCompleteLosesRace(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := newStoreWithExec(mock)
	sessionID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE interview_sessions").
		WithArgs(sessionID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	_, err = store.SaveReportAndComplete(context.Background(), sessionID, "bill-1", RoleGeneralCitizen, "body")
	if !errors.Is(err, errAlreadyCompleted) {
		t.Fatalf("expected errAlreadyCompleted, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetReportBySessionMiss(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := newStoreWithExec(mock)
	sessionID := uuid.New()

	mock.ExpectQuery("SELECT id, session_id, bill_id, role, content").
		WithArgs(sessionID).WillReturnError(pgx.ErrNoRows)

	_, err = store.GetReportBySession(context.Background(), sessionID)
	if !errors.Is(err, errReportNotFound) {
		t.Fatalf("expected errReportNotFound, got %v", err)
	}
}

func TestFindActiveSession(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := newStoreWithExec(mock)
	configID := uuid.New()
	sess := &Session{
		ID:        uuid.New(),
		BillID:    "bill-1",
		ConfigID:  configID,
		UserID:    "user-1",
		Status:    StatusActive,
		CreatedAt: time.Now().UTC(),
	}

	mock.ExpectQuery("SELECT id, bill_id, interview_config_id").
		WithArgs("bill-1", configID, "user-1").
		WillReturnRows(sessionRows(sess))

	found, err := store.FindActiveSession(context.Background(), "bill-1", configID, "user-1")
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if found.ID != sess.ID {
		t.Fatalf("unexpected session: %#v", found)
	}
}
