package interview

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/civicdialog/interview-api/internal/billconfig"
	"github.com/civicdialog/interview-api/internal/identity"
	"github.com/civicdialog/interview-api/pkg/logging"
)

// SessionService is the lifecycle surface the handler depends on.
type SessionService interface {
	CreateOrResume(ctx context.Context, billID string, configID uuid.UUID, userID string) (*Session, []Message, error)
	Turn(ctx context.Context, sessionID uuid.UUID, userID, content string) ([]Message, error)
}

// Completer finishes a session and returns its report.
type Completer interface {
	Complete(ctx context.Context, sessionID, configID uuid.UUID, billID, userID string) (*Report, error)
}

// CtaDetector judges whether the general chat should show the invitation.
type CtaDetector interface {
	Detect(ctx context.Context, turns []ChatTurn, billID string) (CtaDecision, error)
}

// Handler exposes the interview API over HTTP.
type Handler struct {
	sessions  SessionService
	completer Completer
	detector  CtaDetector
	logger    *logging.Logger
}

// NewHandler creates the interview HTTP handler.
func NewHandler(sessions SessionService, completer Completer, detector CtaDetector, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		sessions:  sessions,
		completer: completer,
		detector:  detector,
		logger:    logger.Component("interview.handler"),
	}
}

type detectCtaRequest struct {
	Messages []ChatTurn `json:"messages"`
	BillID   string     `json:"bill_id"`
}

// DetectCta handles POST /interview/cta. Only caller mistakes produce
// non-200 responses; internal trouble answers with the fail-closed default.
func (h *Handler) DetectCta(w http.ResponseWriter, r *http.Request) {
	var req detectCtaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	decision, err := h.detector.Detect(r.Context(), req.Messages, req.BillID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

type createSessionRequest struct {
	BillID   string `json:"bill_id"`
	ConfigID string `json:"config_id"`
}

type sessionResponse struct {
	Session  *Session  `json:"session"`
	Messages []Message `json:"messages"`
}

// CreateSession handles POST /interview/sessions: create-or-resume for the
// authenticated caller.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := identity.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.BillID == "" || req.ConfigID == "" {
		writeError(w, http.StatusBadRequest, "bill_id and config_id are required")
		return
	}
	configID, err := uuid.Parse(req.ConfigID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "config_id must be a uuid")
		return
	}

	sess, history, err := h.sessions.CreateOrResume(r.Context(), req.BillID, configID, userID)
	if err != nil {
		h.respondServiceError(w, err, "create session")
		return
	}
	if history == nil {
		history = []Message{}
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: sess, Messages: history})
}

type turnRequest struct {
	Content string `json:"content"`
}

type turnResponse struct {
	Messages []Message `json:"messages"`
}

// Turn handles POST /interview/sessions/{sessionID}/turn: one user message
// in, the interviewer's next question out.
func (h *Handler) Turn(w http.ResponseWriter, r *http.Request) {
	userID, ok := identity.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "session id must be a uuid")
		return
	}

	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	messages, err := h.sessions.Turn(r.Context(), sessionID, userID, req.Content)
	if err != nil {
		h.respondServiceError(w, err, "interview turn")
		return
	}
	writeJSON(w, http.StatusOK, turnResponse{Messages: messages})
}

type completeRequest struct {
	SessionID string `json:"session_id"`
	ConfigID  string `json:"interview_config_id"`
	BillID    string `json:"bill_id"`
}

type completeResponse struct {
	Report *Report `json:"report"`
}

// Complete handles POST /interview/complete. Repeating the call after
// success returns the same report with the same status code.
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	userID, ok := identity.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" || req.ConfigID == "" || req.BillID == "" {
		writeError(w, http.StatusBadRequest, "session_id, interview_config_id and bill_id are required")
		return
	}
	sessionID, err := uuid.Parse(req.SessionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "session_id must be a uuid")
		return
	}
	configID, err := uuid.Parse(req.ConfigID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "interview_config_id must be a uuid")
		return
	}

	report, err := h.completer.Complete(r.Context(), sessionID, configID, req.BillID, userID)
	if err != nil {
		h.respondServiceError(w, err, "complete session")
		return
	}
	writeJSON(w, http.StatusOK, completeResponse{Report: report})
}

// respondServiceError maps domain sentinels onto HTTP statuses.
func (h *Handler) respondServiceError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, ErrInvalidTurnRole), errors.Is(err, ErrEmptyTurnContent):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, billconfig.ErrConfigNotFound):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrConfigMismatch), errors.Is(err, ErrSessionMismatch), errors.Is(err, ErrSessionClosed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrInsufficientData):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrGenerationFailed):
		h.logger.Error("generation backend exhausted retries", "op", op, "error", err)
		writeError(w, http.StatusBadGateway, "report generation failed, retry later")
	default:
		h.logger.Error("request failed", "op", op, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
