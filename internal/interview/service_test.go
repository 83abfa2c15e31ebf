package interview

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicdialog/interview-api/internal/billconfig"
	"github.com/civicdialog/interview-api/internal/llm"
	"github.com/civicdialog/interview-api/pkg/logging"
)

// memStore is an in-memory stand-in for the pgx store. It reproduces the
// database constraints the real store relies on: the single-active-session
// rule, the status guard on append, and the completion compare-and-swap.
type memStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	messages map[uuid.UUID][]Message
	reports  map[uuid.UUID]*Report

	// test hooks, invoked with the lock held
	beforeCreate func()
	beforeSave   func()
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[uuid.UUID]*Session),
		messages: make(map[uuid.UUID][]Message),
		reports:  make(map[uuid.UUID]*Report),
	}
}

func (m *memStore) insert(sess Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.ID] = &sess
}

func (m *memStore) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

func (m *memStore) FindActiveSession(ctx context.Context, billID string, configID uuid.UUID, userID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findActiveLocked(billID, configID, userID)
}

func (m *memStore) findActiveLocked(billID string, configID uuid.UUID, userID string) (*Session, error) {
	for _, sess := range m.sessions {
		if sess.BillID == billID && sess.ConfigID == configID && sess.UserID == userID && sess.Status == StatusActive {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, ErrSessionNotFound
}

func (m *memStore) CreateSession(ctx context.Context, billID string, configID uuid.UUID, userID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.beforeCreate != nil {
		m.beforeCreate()
		m.beforeCreate = nil
	}
	if _, err := m.findActiveLocked(billID, configID, userID); err == nil {
		return nil, &pgconn.PgError{Code: pgUniqueViolation}
	}
	sess := &Session{
		ID:       uuid.New(),
		BillID:   billID,
		ConfigID: configID,
		UserID:   userID,
		Status:   StatusActive,
	}
	m.sessions[sess.ID] = sess
	cp := *sess
	return &cp, nil
}

func (m *memStore) AppendMessage(ctx context.Context, sessionID uuid.UUID, role, content string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if sess.Status != StatusActive {
		return nil, ErrSessionClosed
	}
	msg := Message{
		ID:        uuid.New(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Sequence:  int32(len(m.messages[sessionID]) + 1),
	}
	m.messages[sessionID] = append(m.messages[sessionID], msg)
	return &msg, nil
}

func (m *memStore) ListMessages(ctx context.Context, sessionID uuid.UUID) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.messages[sessionID]))
	copy(out, m.messages[sessionID])
	return out, nil
}

func (m *memStore) GetReportBySession(ctx context.Context, sessionID uuid.UUID) (*Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rep, ok := m.reports[sessionID]
	if !ok {
		return nil, errReportNotFound
	}
	cp := *rep
	return &cp, nil
}

func (m *memStore) SaveReportAndComplete(ctx context.Context, sessionID uuid.UUID, billID string, role RespondentRole, content string) (*Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.beforeSave != nil {
		m.beforeSave()
		m.beforeSave = nil
	}
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if sess.Status != StatusActive {
		return nil, errAlreadyCompleted
	}
	if _, exists := m.reports[sessionID]; exists {
		return nil, errAlreadyCompleted
	}
	sess.Status = StatusCompleted
	rep := &Report{
		ID:        uuid.New(),
		SessionID: sessionID,
		BillID:    billID,
		Role:      role,
		Content:   content,
	}
	m.reports[sessionID] = rep
	cp := *rep
	return &cp, nil
}

// completeLocked lets tests play the concurrent winner from inside a hook.
func (m *memStore) completeLocked(sessionID uuid.UUID, rep Report) {
	m.sessions[sessionID].Status = StatusCompleted
	m.reports[sessionID] = &rep
}

// stubConfigs is a fixed-map billconfig.Store.
type stubConfigs struct {
	byID   map[uuid.UUID]*billconfig.InterviewConfig
	byBill map[string]*billconfig.InterviewConfig
	err    error
}

func (s *stubConfigs) Get(ctx context.Context, billID string) (*billconfig.InterviewConfig, error) {
	if s.err != nil {
		return nil, s.err
	}
	cfg, ok := s.byBill[billID]
	if !ok {
		return nil, billconfig.ErrConfigNotFound
	}
	return cfg, nil
}

func (s *stubConfigs) GetByID(ctx context.Context, configID uuid.UUID) (*billconfig.InterviewConfig, error) {
	if s.err != nil {
		return nil, s.err
	}
	cfg, ok := s.byID[configID]
	if !ok {
		return nil, billconfig.ErrConfigNotFound
	}
	return cfg, nil
}

func singleConfig(cfg *billconfig.InterviewConfig) *stubConfigs {
	return &stubConfigs{
		byID:   map[uuid.UUID]*billconfig.InterviewConfig{cfg.ID: cfg},
		byBill: map[string]*billconfig.InterviewConfig{cfg.BillID: cfg},
	}
}

// scriptedClient replays canned completions in order, repeating the last one.
type scriptedClient struct {
	responses []string
	err       error
	calls     int
	requests  []llm.Request
}

func (c *scriptedClient) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	c.calls++
	c.requests = append(c.requests, req)
	if c.err != nil {
		return llm.Response{}, c.err
	}
	i := c.calls - 1
	if i >= len(c.responses) {
		i = len(c.responses) - 1
	}
	return llm.Response{Text: c.responses[i]}, nil
}

func testConfig(billID string) *billconfig.InterviewConfig {
	return &billconfig.InterviewConfig{
		ID:           uuid.New(),
		BillID:       billID,
		Enabled:      true,
		Instructions: "法案への立場と具体的な経験を深掘りしてください。",
	}
}

func TestCreateOrResumeCreatesSession(t *testing.T) {
	store := newMemStore()
	cfg := testConfig("bill-1")
	svc := NewService(store, singleConfig(cfg), nil, "", logging.Default())

	sess, history, err := svc.CreateOrResume(context.Background(), "bill-1", cfg.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, sess.Status)
	assert.Equal(t, "user-1", sess.UserID)
	assert.Empty(t, history)
}

func TestCreateOrResumeReturnsExistingWithHistory(t *testing.T) {
	store := newMemStore()
	cfg := testConfig("bill-1")
	svc := NewService(store, singleConfig(cfg), nil, "", logging.Default())

	first, _, err := svc.CreateOrResume(context.Background(), "bill-1", cfg.ID, "user-1")
	require.NoError(t, err)
	_, err = store.AppendMessage(context.Background(), first.ID, RoleAssistant, "この法案についてどうお考えですか")
	require.NoError(t, err)
	_, err = store.AppendMessage(context.Background(), first.ID, RoleUser, "医療現場で働いているので影響があります")
	require.NoError(t, err)

	second, history, err := svc.CreateOrResume(context.Background(), "bill-1", cfg.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	require.Len(t, history, 2)
	assert.Equal(t, int32(1), history[0].Sequence)
	assert.Equal(t, int32(2), history[1].Sequence)
}

func TestCreateOrResumeConfigAbsent(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, &stubConfigs{}, nil, "", logging.Default())

	_, _, err := svc.CreateOrResume(context.Background(), "bill-1", uuid.New(), "user-1")
	assert.ErrorIs(t, err, billconfig.ErrConfigNotFound)
}

func TestCreateOrResumeConfigMismatch(t *testing.T) {
	store := newMemStore()
	cfg := testConfig("bill-other")
	svc := NewService(store, singleConfig(cfg), nil, "", logging.Default())

	_, _, err := svc.CreateOrResume(context.Background(), "bill-1", cfg.ID, "user-1")
	assert.ErrorIs(t, err, ErrConfigMismatch)
}

func TestCreateOrResumeConfigDisabled(t *testing.T) {
	store := newMemStore()
	cfg := testConfig("bill-1")
	cfg.Enabled = false
	svc := NewService(store, singleConfig(cfg), nil, "", logging.Default())

	_, _, err := svc.CreateOrResume(context.Background(), "bill-1", cfg.ID, "user-1")
	assert.ErrorIs(t, err, ErrConfigMismatch)
}

func TestCreateOrResumeLosesCreateRace(t *testing.T) {
	store := newMemStore()
	cfg := testConfig("bill-1")
	svc := NewService(store, singleConfig(cfg), nil, "", logging.Default())

	winner := Session{
		ID:       uuid.New(),
		BillID:   "bill-1",
		ConfigID: cfg.ID,
		UserID:   "user-1",
		Status:   StatusActive,
	}
	// The winner lands between our existence check and our insert.
	store.beforeCreate = func() {
		store.sessions[winner.ID] = &winner
	}

	sess, _, err := svc.CreateOrResume(context.Background(), "bill-1", cfg.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, winner.ID, sess.ID, "loser must resume the winner's session")
}

func TestAppendValidatesInput(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, &stubConfigs{}, nil, "", logging.Default())

	_, err := svc.Append(context.Background(), uuid.New(), "user-1", "moderator", "hello")
	assert.ErrorIs(t, err, ErrInvalidTurnRole)

	_, err = svc.Append(context.Background(), uuid.New(), "user-1", RoleUser, "   ")
	assert.ErrorIs(t, err, ErrEmptyTurnContent)
}

func TestAppendHidesForeignSessions(t *testing.T) {
	store := newMemStore()
	cfg := testConfig("bill-1")
	svc := NewService(store, singleConfig(cfg), nil, "", logging.Default())

	sess, _, err := svc.CreateOrResume(context.Background(), "bill-1", cfg.ID, "user-1")
	require.NoError(t, err)

	_, err = svc.Append(context.Background(), sess.ID, "user-2", RoleUser, "intrusion")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestAppendRejectsClosedSession(t *testing.T) {
	store := newMemStore()
	cfg := testConfig("bill-1")
	svc := NewService(store, singleConfig(cfg), nil, "", logging.Default())

	sess, _, err := svc.CreateOrResume(context.Background(), "bill-1", cfg.ID, "user-1")
	require.NoError(t, err)
	store.sessions[sess.ID].Status = StatusCompleted

	_, err = svc.Append(context.Background(), sess.ID, "user-1", RoleUser, "too late")
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestTurnAppendsUserAndAssistant(t *testing.T) {
	store := newMemStore()
	cfg := testConfig("bill-1")
	client := &scriptedClient{responses: []string{"具体的にはどのような影響がありますか？"}}
	svc := NewService(store, singleConfig(cfg), client, "test-model", logging.Default())

	sess, _, err := svc.CreateOrResume(context.Background(), "bill-1", cfg.ID, "user-1")
	require.NoError(t, err)

	turn, err := svc.Turn(context.Background(), sess.ID, "user-1", "介護の仕事をしています")
	require.NoError(t, err)
	require.Len(t, turn, 2)
	assert.Equal(t, RoleUser, turn[0].Role)
	assert.Equal(t, RoleAssistant, turn[1].Role)
	assert.Equal(t, int32(1), turn[0].Sequence)
	assert.Equal(t, int32(2), turn[1].Sequence)

	require.Len(t, client.requests, 1)
	require.NotEmpty(t, client.requests[0].System)
	assert.Equal(t, cfg.Instructions, client.requests[0].System[0])
}

func TestTurnSurfacesBackendError(t *testing.T) {
	store := newMemStore()
	cfg := testConfig("bill-1")
	client := &scriptedClient{err: errors.New("backend down")}
	svc := NewService(store, singleConfig(cfg), client, "test-model", logging.Default())

	sess, _, err := svc.CreateOrResume(context.Background(), "bill-1", cfg.ID, "user-1")
	require.NoError(t, err)

	_, err = svc.Turn(context.Background(), sess.ID, "user-1", "こんにちは")
	require.Error(t, err)

	// The user's message is durable even when the reply fails.
	history, err := store.ListMessages(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, RoleUser, history[0].Role)
}
