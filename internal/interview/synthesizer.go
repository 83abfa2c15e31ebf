package interview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/civicdialog/interview-api/internal/billconfig"
	"github.com/civicdialog/interview-api/internal/llm"
	"github.com/civicdialog/interview-api/internal/observability/metrics"
	"github.com/civicdialog/interview-api/pkg/logging"
)

// Transcript bounds for the synthesis prompt. Newest messages win when the
// transcript exceeds either bound.
const (
	maxPromptMessages = 200
	maxPromptRunes    = 24000
)

const synthesizerSystemPrompt = `あなたは法案に関する市民インタビューの分析者です。
インタビューの書き起こし全体を読み、次のJSONのみを出力してください。

{"role": "<subject_expert|work_related|daily_life_affected|general_citizen>", "report": "<構造化レポート本文>"}

role はインタビュー対象者と法案の関係を表します:
- subject_expert: 法案の主題分野の専門家
- work_related: 職業上影響を受ける
- daily_life_affected: 日常生活で影響を受ける
- general_citizen: 上記に当てはまらない一般市民

report には対象者の立場、主な論点、具体的な経験や根拠を日本語でまとめてください。
JSON以外のテキストを出力してはいけません。`

// reportStore is the slice of Store the synthesizer needs.
type reportStore interface {
	GetSession(ctx context.Context, id uuid.UUID) (*Session, error)
	ListMessages(ctx context.Context, sessionID uuid.UUID) ([]Message, error)
	GetReportBySession(ctx context.Context, sessionID uuid.UUID) (*Report, error)
	SaveReportAndComplete(ctx context.Context, sessionID uuid.UUID, billID string, role RespondentRole, content string) (*Report, error)
}

// SynthesizerConfig bounds the generation loop.
type SynthesizerConfig struct {
	Model          string
	MaxAttempts    int
	BaseDelay      time.Duration
	AttemptTimeout time.Duration
}

// Synthesizer turns a finished interview into a role-classified report and
// completes the session exactly once. Generation failures leave the session
// active so the caller can retry; the transactional write is never retried.
type Synthesizer struct {
	store   reportStore
	configs billconfig.Store
	client  llm.Client
	cfg     SynthesizerConfig
	metrics *metrics.InterviewMetrics
	log     *logging.Logger

	// sleep is replaced in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSynthesizer wires the completion path.
func NewSynthesizer(store reportStore, configs billconfig.Store, client llm.Client, cfg SynthesizerConfig, m *metrics.InterviewMetrics, log *logging.Logger) *Synthesizer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 60 * time.Second
	}
	if log == nil {
		log = logging.Default()
	}
	return &Synthesizer{
		store:   store,
		configs: configs,
		client:  client,
		cfg:     cfg,
		metrics: m,
		log:     log.Component("interview.synthesizer"),
		sleep:   sleepCtx,
	}
}

// Complete synthesizes and persists the session's report. Calling it again
// after success returns the stored report unchanged.
func (s *Synthesizer) Complete(ctx context.Context, sessionID, configID uuid.UUID, billID, userID string) (*Report, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, ErrSessionNotFound
	}
	if sess.BillID != billID || sess.ConfigID != configID {
		return nil, ErrSessionMismatch
	}

	// Idempotence guard: a completed session already has its report.
	rep, err := s.store.GetReportBySession(ctx, sessionID)
	if err == nil {
		return rep, nil
	}
	if !errors.Is(err, errReportNotFound) {
		return nil, err
	}

	transcript, err := s.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(transcript) == 0 {
		return nil, ErrInsufficientData
	}

	cfg, err := s.configs.GetByID(ctx, sess.ConfigID)
	if err != nil {
		return nil, err
	}

	role, content, err := s.generate(ctx, cfg, transcript)
	if err != nil {
		s.metrics.ObserveCompletion("generation_failed")
		return nil, err
	}

	// Once generation succeeded the write must not be lost to a cancelled
	// request: complete it on a detached context.
	persistCtx := context.WithoutCancel(ctx)
	rep, err = s.store.SaveReportAndComplete(persistCtx, sessionID, billID, role, content)
	if err != nil {
		if errors.Is(err, errAlreadyCompleted) {
			s.log.Info("completion race lost, returning existing report", "session_id", sessionID)
			s.metrics.ObserveCompletion("already_completed")
			return s.store.GetReportBySession(persistCtx, sessionID)
		}
		s.metrics.ObserveCompletion("persistence_failed")
		return nil, err
	}
	s.metrics.ObserveCompletion("completed")
	return rep, nil
}

// generate runs the bounded retry loop around the structured synthesis call.
func (s *Synthesizer) generate(ctx context.Context, cfg *billconfig.InterviewConfig, transcript []Message) (RespondentRole, string, error) {
	prompt := buildSynthesisPrompt(cfg, transcript)
	delay := s.cfg.BaseDelay

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := s.sleep(ctx, delay); err != nil {
				return "", "", fmt.Errorf("interview: synthesis aborted: %w", err)
			}
			delay *= 2
		}

		role, content, err := s.generateOnce(ctx, prompt)
		if err == nil {
			return role, content, nil
		}
		lastErr = err
		s.log.Warn("report generation attempt failed",
			"attempt", attempt, "max_attempts", s.cfg.MaxAttempts, "error", err)
	}
	return "", "", fmt.Errorf("%w: %v", ErrGenerationFailed, lastErr)
}

func (s *Synthesizer) generateOnce(ctx context.Context, prompt string) (RespondentRole, string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
	defer cancel()

	start := time.Now()
	resp, err := s.client.Complete(attemptCtx, llm.Request{
		Model:       s.cfg.Model,
		System:      []string{synthesizerSystemPrompt},
		Messages:    []llm.ChatMessage{{Role: llm.ChatRoleUser, Content: prompt}},
		MaxTokens:   4096,
		Temperature: 0.2,
	})
	s.metrics.ObserveGenerationAttempt(time.Since(start).Seconds())
	if err != nil {
		return "", "", err
	}
	return parseSynthesisPayload(resp.Text)
}

// parseSynthesisPayload extracts {role, report} from the backend reply. An
// unparsable payload is a failed attempt; a parsable payload with an unknown
// role falls back to general_citizen.
func parseSynthesisPayload(raw string) (RespondentRole, string, error) {
	content := strings.TrimSpace(raw)
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		content = content[start : end+1]
	}

	var payload struct {
		Role   string `json:"role"`
		Report string `json:"report"`
	}
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return "", "", fmt.Errorf("synthesis payload parse: %w", err)
	}
	if strings.TrimSpace(payload.Report) == "" {
		return "", "", errors.New("synthesis payload missing report")
	}

	role := RespondentRole(payload.Role)
	if !role.Valid() {
		role = RoleGeneralCitizen
	}
	return role, payload.Report, nil
}

func buildSynthesisPrompt(cfg *billconfig.InterviewConfig, transcript []Message) string {
	var b strings.Builder
	if strings.TrimSpace(cfg.Instructions) != "" {
		b.WriteString("インタビュー設計:\n")
		b.WriteString(cfg.Instructions)
		b.WriteString("\n\n")
	}
	b.WriteString("書き起こし:\n")
	b.WriteString(renderTranscript(transcript))
	return b.String()
}

// renderTranscript flattens the ordered message log, keeping the newest
// messages when the transcript exceeds the prompt bounds.
func renderTranscript(messages []Message) string {
	if len(messages) > maxPromptMessages {
		messages = messages[len(messages)-maxPromptMessages:]
	}

	lines := make([]string, 0, len(messages))
	total := 0
	// Walk backwards so the newest messages survive the rune budget.
	for i := len(messages) - 1; i >= 0; i-- {
		line := messages[i].Role + ": " + messages[i].Content
		n := len([]rune(line))
		if total+n > maxPromptRunes && len(lines) > 0 {
			break
		}
		lines = append(lines, line)
		total += n
	}

	// Restore chronological order.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return strings.Join(lines, "\n")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
