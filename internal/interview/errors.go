package interview

import "errors"

var (
	// ErrInvalidTurnRole is returned when a chat turn carries an unknown role.
	ErrInvalidTurnRole = errors.New("turn role must be user or assistant")

	// ErrEmptyTurnContent is returned when a chat turn has no content.
	ErrEmptyTurnContent = errors.New("turn content is required")

	// ErrNoMessages is returned when CTA detection is invoked on an empty chat.
	ErrNoMessages = errors.New("at least one message is required")

	// ErrSessionNotFound is returned when no session exists for the id and caller.
	ErrSessionNotFound = errors.New("interview session not found")

	// ErrSessionClosed is returned on append to a completed session.
	ErrSessionClosed = errors.New("interview session is completed")

	// ErrSessionMismatch is returned when the caller-supplied bill or config id
	// disagrees with the session record. Never reconciled silently.
	ErrSessionMismatch = errors.New("session does not match supplied bill or config")

	// ErrConfigMismatch is returned when a config does not belong to the bill
	// it was supplied for, or is disabled.
	ErrConfigMismatch = errors.New("interview config does not apply to bill")

	// ErrInsufficientData is returned when completion is attempted on an
	// empty transcript. Generation is never invoked on no evidence.
	ErrInsufficientData = errors.New("transcript is empty")

	// ErrGenerationFailed is returned after the generation backend exhausted
	// its bounded retries or kept returning unparsable structured output.
	ErrGenerationFailed = errors.New("report generation failed")

	// errAlreadyCompleted signals that a concurrent completion won the
	// status compare-and-swap; the caller re-reads the winner's report.
	errAlreadyCompleted = errors.New("session already completed")

	// errReportNotFound is the store-level miss for report lookups.
	errReportNotFound = errors.New("report not found")

	// errEmptyCompletion marks a backend reply with no usable text.
	errEmptyCompletion = errors.New("backend returned empty completion")
)
