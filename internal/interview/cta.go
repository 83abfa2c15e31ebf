package interview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/civicdialog/interview-api/internal/billconfig"
	"github.com/civicdialog/interview-api/internal/bills"
	"github.com/civicdialog/interview-api/internal/llm"
	"github.com/civicdialog/interview-api/internal/observability/metrics"
	"github.com/civicdialog/interview-api/pkg/logging"
)

const ctaSystemPrompt = `あなたは法案に関する市民対話サービスの判定器です。
一般チャットの会話を読み、ユーザーを構造化インタビューに招待すべきか判定し、
次のJSONのみを出力してください。

{"show_interview_cta": <true|false>, "reason": "<not_relevant|already_invited|low_engagement|accepted>"}

- not_relevant: 会話が対象法案と関係がない
- already_invited: この会話で既に招待済み
- low_engagement: 関心や関与が浅く招待に適さない
- accepted: 招待を表示すべき

JSON以外のテキストを出力してはいけません。`

// billReader is the slice of the bills store the detector grounds prompts on.
type billReader interface {
	Get(ctx context.Context, billID string) (*bills.Bill, error)
}

// Detector decides whether the general chat should surface an interview
// invitation. Backend trouble of any kind produces the fail-closed default:
// the chat surface must never break because this feature is degraded.
type Detector struct {
	bills   billReader
	configs billconfig.Store
	client  llm.Client
	modelID string
	timeout time.Duration
	metrics *metrics.InterviewMetrics
	log     *logging.Logger
}

// NewDetector wires the CTA detector.
func NewDetector(billStore billReader, configs billconfig.Store, client llm.Client, modelID string, timeout time.Duration, m *metrics.InterviewMetrics, log *logging.Logger) *Detector {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = logging.Default()
	}
	return &Detector{
		bills:   billStore,
		configs: configs,
		client:  client,
		modelID: modelID,
		timeout: timeout,
		metrics: m,
		log:     log.Component("interview.cta"),
	}
}

// Detect judges the conversation. Malformed input is the caller's error and
// surfaces as such; everything downstream of validation fails closed.
func (d *Detector) Detect(ctx context.Context, turns []ChatTurn, billID string) (CtaDecision, error) {
	if len(turns) == 0 {
		return CtaDecision{}, ErrNoMessages
	}
	for _, turn := range turns {
		if err := turn.Validate(); err != nil {
			return CtaDecision{}, err
		}
	}

	start := time.Now()
	decision := d.detect(ctx, turns, billID)
	d.metrics.ObserveCtaDecision(decision.ShowInterviewCta, string(decision.Reason), time.Since(start).Seconds())
	return decision, nil
}

func (d *Detector) detect(ctx context.Context, turns []ChatTurn, billID string) CtaDecision {
	failClosed := CtaDecision{ShowInterviewCta: false, Reason: CtaReasonNotRelevant}

	// No bill, no interview to invite to.
	if strings.TrimSpace(billID) == "" {
		return failClosed
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	cfg, err := d.configs.Get(ctx, billID)
	if err != nil {
		if !errors.Is(err, billconfig.ErrConfigNotFound) {
			d.log.Warn("cta config lookup failed", "bill_id", billID, "error", err)
		}
		return failClosed
	}
	if !cfg.Enabled {
		return failClosed
	}

	bill, err := d.bills.Get(ctx, billID)
	if err != nil {
		d.log.Warn("cta bill lookup failed", "bill_id", billID, "error", err)
		return failClosed
	}

	resp, err := d.client.Complete(ctx, llm.Request{
		Model:       d.modelID,
		System:      []string{ctaSystemPrompt},
		Messages:    []llm.ChatMessage{{Role: llm.ChatRoleUser, Content: buildCtaPrompt(bill, cfg, turns)}},
		MaxTokens:   128,
		Temperature: 0,
	})
	if err != nil {
		d.log.Warn("cta backend call failed", "bill_id", billID, "error", err)
		return failClosed
	}

	decision, err := parseCtaPayload(resp.Text)
	if err != nil {
		d.log.Warn("cta payload rejected", "bill_id", billID, "error", err)
		return failClosed
	}
	return decision
}

// parseCtaPayload validates the backend's decision against the closed schema.
// Anything off-schema is rejected so an undecidable reply can never show the
// invitation.
func parseCtaPayload(raw string) (CtaDecision, error) {
	content := strings.TrimSpace(raw)
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		content = content[start : end+1]
	}

	var decision CtaDecision
	if err := json.Unmarshal([]byte(content), &decision); err != nil {
		return CtaDecision{}, fmt.Errorf("cta payload parse: %w", err)
	}
	if !decision.Reason.Valid() {
		return CtaDecision{}, fmt.Errorf("cta payload reason %q outside schema", decision.Reason)
	}
	return decision, nil
}

func buildCtaPrompt(bill *bills.Bill, cfg *billconfig.InterviewConfig, turns []ChatTurn) string {
	var b strings.Builder
	b.WriteString("対象法案: ")
	b.WriteString(bill.Title)
	b.WriteString("\n概要: ")
	b.WriteString(bill.Summary)
	if strings.TrimSpace(cfg.Instructions) != "" {
		b.WriteString("\nインタビュー設計: ")
		b.WriteString(cfg.Instructions)
	}
	b.WriteString("\n\n会話:\n")
	for _, turn := range turns {
		b.WriteString(turn.Role)
		b.WriteString(": ")
		b.WriteString(turn.Content)
		b.WriteString("\n")
	}
	return b.String()
}
