package interview

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/civicdialog/interview-api/internal/billconfig"
	"github.com/civicdialog/interview-api/internal/llm"
	"github.com/civicdialog/interview-api/pkg/logging"
)

// sessionStore is the slice of Store the lifecycle manager needs. Narrow so
// tests can drop in an in-memory fake.
type sessionStore interface {
	GetSession(ctx context.Context, id uuid.UUID) (*Session, error)
	FindActiveSession(ctx context.Context, billID string, configID uuid.UUID, userID string) (*Session, error)
	CreateSession(ctx context.Context, billID string, configID uuid.UUID, userID string) (*Session, error)
	AppendMessage(ctx context.Context, sessionID uuid.UUID, role, content string) (*Message, error)
	ListMessages(ctx context.Context, sessionID uuid.UUID) ([]Message, error)
}

// Service manages interview session lifecycle: create-or-resume, turn
// handling, and the append-only transcript. It holds no session state in
// memory; every instance of the process is equivalent.
type Service struct {
	store   sessionStore
	configs billconfig.Store
	client  llm.Client
	modelID string
	log     *logging.Logger
}

// NewService wires the lifecycle manager.
func NewService(store sessionStore, configs billconfig.Store, client llm.Client, modelID string, log *logging.Logger) *Service {
	if log == nil {
		log = logging.Default()
	}
	return &Service{
		store:   store,
		configs: configs,
		client:  client,
		modelID: modelID,
		log:     log.Component("interview.service"),
	}
}

// CreateOrResume returns the caller's active session for the (bill, config)
// pair with its full ordered history, creating one if none exists. Concurrent
// duplicate creates resolve through the partial unique index: the loser
// re-reads the winner's row.
func (s *Service) CreateOrResume(ctx context.Context, billID string, configID uuid.UUID, userID string) (*Session, []Message, error) {
	if err := s.validateConfig(ctx, billID, configID); err != nil {
		return nil, nil, err
	}

	sess, err := s.store.FindActiveSession(ctx, billID, configID, userID)
	if err == nil {
		return s.withHistory(ctx, sess)
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, nil, err
	}

	sess, err = s.store.CreateSession(ctx, billID, configID, userID)
	if err != nil {
		if isUniqueViolation(err) {
			s.log.Info("lost session create race, resuming winner",
				"bill_id", billID, "user_id", userID)
			sess, err = s.store.FindActiveSession(ctx, billID, configID, userID)
			if err != nil {
				return nil, nil, err
			}
			return s.withHistory(ctx, sess)
		}
		return nil, nil, err
	}
	return sess, nil, nil
}

// Append records one turn on the caller's session. Ownership is checked
// before the write; a foreign session is indistinguishable from a missing one.
func (s *Service) Append(ctx context.Context, sessionID uuid.UUID, userID, role, content string) (*Message, error) {
	if role != RoleUser && role != RoleAssistant {
		return nil, ErrInvalidTurnRole
	}
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyTurnContent
	}
	if _, err := s.ownedSession(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	return s.store.AppendMessage(ctx, sessionID, role, content)
}

// Turn appends the user's message, asks the generation backend for the next
// interviewer question using the config's instructions plus the transcript so
// far, and appends the reply. Both messages are returned in order.
func (s *Service) Turn(ctx context.Context, sessionID uuid.UUID, userID, content string) ([]Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyTurnContent
	}
	sess, err := s.ownedSession(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	cfg, err := s.configs.GetByID(ctx, sess.ConfigID)
	if err != nil {
		return nil, err
	}

	userMsg, err := s.store.AppendMessage(ctx, sessionID, RoleUser, content)
	if err != nil {
		return nil, err
	}

	history, err := s.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Complete(ctx, llm.Request{
		Model:       s.modelID,
		System:      []string{cfg.Instructions},
		Messages:    toChatMessages(history),
		MaxTokens:   1024,
		Temperature: 0.7,
	})
	if err != nil {
		return nil, fmt.Errorf("interview: interviewer turn: %w", err)
	}
	reply := strings.TrimSpace(resp.Text)
	if reply == "" {
		return nil, fmt.Errorf("interview: interviewer turn: %w", errEmptyCompletion)
	}

	assistantMsg, err := s.store.AppendMessage(ctx, sessionID, RoleAssistant, reply)
	if err != nil {
		return nil, err
	}
	return []Message{*userMsg, *assistantMsg}, nil
}

// validateConfig resolves the config and checks it is usable for the bill.
// Absence surfaces as billconfig.ErrConfigNotFound; a config that belongs to
// another bill, or is disabled, is ErrConfigMismatch.
func (s *Service) validateConfig(ctx context.Context, billID string, configID uuid.UUID) error {
	cfg, err := s.configs.GetByID(ctx, configID)
	if err != nil {
		return err
	}
	if cfg.BillID != billID || !cfg.Enabled {
		return ErrConfigMismatch
	}
	return nil
}

func (s *Service) ownedSession(ctx context.Context, sessionID uuid.UUID, userID string) (*Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (s *Service) withHistory(ctx context.Context, sess *Session) (*Session, []Message, error) {
	history, err := s.store.ListMessages(ctx, sess.ID)
	if err != nil {
		return nil, nil, err
	}
	return sess, history, nil
}

func toChatMessages(messages []Message) []llm.ChatMessage {
	out := make([]llm.ChatMessage, 0, len(messages))
	for _, m := range messages {
		role := llm.ChatRoleUser
		if m.Role == RoleAssistant {
			role = llm.ChatRoleAssistant
		}
		out = append(out, llm.ChatMessage{Role: role, Content: m.Content})
	}
	return out
}
