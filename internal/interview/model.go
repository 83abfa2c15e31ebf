// Package interview implements the structured-interview core: session
// lifecycle, the durable message log, CTA detection for the general chat, and
// one-shot report synthesis at completion.
package interview

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Session status values. A session is born active and flips to completed
// exactly once; afterwards it is immutable.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
)

// Message roles within an interview session.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// RespondentRole classifies the interviewee's relationship to the bill.
// The set is closed; adding a role is a data migration, not a runtime switch.
type RespondentRole string

const (
	RoleSubjectExpert     RespondentRole = "subject_expert"
	RoleWorkRelated       RespondentRole = "work_related"
	RoleDailyLifeAffected RespondentRole = "daily_life_affected"
	RoleGeneralCitizen    RespondentRole = "general_citizen"
)

// Valid reports whether the role is one of the four fixed personas.
func (r RespondentRole) Valid() bool {
	switch r {
	case RoleSubjectExpert, RoleWorkRelated, RoleDailyLifeAffected, RoleGeneralCitizen:
		return true
	}
	return false
}

// Session is a bounded, resumable interview conversation scoped to one bill
// and the interview config it started with.
type Session struct {
	ID        uuid.UUID `json:"id"`
	BillID    string    `json:"bill_id"`
	ConfigID  uuid.UUID `json:"interview_config_id"`
	UserID    string    `json:"user_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one turn in a session's transcript. Messages are append-only;
// sequence is strictly increasing per session and authoritative for ordering.
type Message struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Sequence  int32     `json:"sequence"`
	CreatedAt time.Time `json:"created_at"`
}

// Report is the structured output produced exactly once per session.
type Report struct {
	ID        uuid.UUID      `json:"id"`
	SessionID uuid.UUID      `json:"session_id"`
	BillID    string         `json:"bill_id"`
	Role      RespondentRole `json:"role"`
	Content   string         `json:"content"`
	CreatedAt time.Time      `json:"created_at"`
}

// CtaReason is the closed enumeration of CTA decision reasons.
type CtaReason string

const (
	CtaReasonNotRelevant    CtaReason = "not_relevant"
	CtaReasonAlreadyInvited CtaReason = "already_invited"
	CtaReasonLowEngagement  CtaReason = "low_engagement"
	CtaReasonAccepted       CtaReason = "accepted"
)

// Valid reports whether the reason belongs to the closed enumeration.
func (r CtaReason) Valid() bool {
	switch r {
	case CtaReasonNotRelevant, CtaReasonAlreadyInvited, CtaReasonLowEngagement, CtaReasonAccepted:
		return true
	}
	return false
}

// CtaDecision is the gateway's verdict on whether to invite the user into a
// structured interview. It is ephemeral and never persisted.
type CtaDecision struct {
	ShowInterviewCta bool      `json:"show_interview_cta"`
	Reason           CtaReason `json:"reason"`
}

// ChatTurn is one turn of the general chat handed to the CTA detector. The
// general chat transcript is owned by the chat surface, not by this service.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Validate checks the turn's shape. A bad shape is caller error, surfaced as
// a validation failure rather than absorbed by the fail-closed default.
func (t ChatTurn) Validate() error {
	if t.Role != RoleUser && t.Role != RoleAssistant {
		return ErrInvalidTurnRole
	}
	if strings.TrimSpace(t.Content) == "" {
		return ErrEmptyTurnContent
	}
	return nil
}
