// Package coorderr provides the typed error vocabulary of the coordination
// core. Every failure that crosses a component boundary carries one of the
// codes below plus an opaque request id for log correlation.
package coorderr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Error codes as constants
const (
	CodeSessionNotFound   = "SESSION_NOT_FOUND"
	CodeSessionExpired    = "SESSION_EXPIRED"
	CodeActorNotJoined    = "ACTOR_NOT_JOINED"
	CodeSequenceGap       = "SEQUENCE_GAP"
	CodeContention        = "CONTENTION"
	CodeValidation        = "VALIDATION"
	CodeBackendUnavail    = "BACKEND_UNAVAILABLE"
	CodeTimeout           = "TIMEOUT"
	CodeCheckpointPending = "CHECKPOINT_PENDING"
	CodeGraphFailure      = "GRAPH_COLLABORATOR_FAILURE"
	CodeUnknownAgent      = "UNKNOWN_AGENT"
	CodeDuplicateAgent    = "DUPLICATE_AGENT"
	CodeQueueFull         = "QUEUE_FULL"
	CodeShuttingDown      = "SHUTTING_DOWN"
)

// CoordError represents a coordination-core error with additional context.
type CoordError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
	Err       error  `json:"-"`
}

// Error implements the error interface.
func (e *CoordError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *CoordError) Unwrap() error {
	return e.Err
}

// New creates a CoordError with the given code and message.
func New(code, message string) *CoordError {
	return &CoordError{
		Code:      code,
		Message:   message,
		RequestID: uuid.New().String(),
	}
}

// Wrap creates a CoordError wrapping an underlying cause.
func Wrap(code, message string, err error) *CoordError {
	return &CoordError{
		Code:      code,
		Message:   message,
		RequestID: uuid.New().String(),
		Err:       err,
	}
}

// SessionNotFound creates a SESSION_NOT_FOUND error for a session id.
func SessionNotFound(sessionID string) *CoordError {
	return New(CodeSessionNotFound, fmt.Sprintf("session %q not found", sessionID))
}

// SessionExpired creates a SESSION_EXPIRED error for a session id.
func SessionExpired(sessionID string) *CoordError {
	return New(CodeSessionExpired, fmt.Sprintf("session %q has expired", sessionID))
}

// ActorNotJoined creates an ACTOR_NOT_JOINED error.
func ActorNotJoined(sessionID, agentID string) *CoordError {
	return New(CodeActorNotJoined, fmt.Sprintf("agent %q is not a member of session %q", agentID, sessionID))
}

// UnknownAgent creates an UNKNOWN_AGENT error.
func UnknownAgent(agentID string) *CoordError {
	return New(CodeUnknownAgent, fmt.Sprintf("agent %q is not registered", agentID))
}

// DuplicateAgent creates a DUPLICATE_AGENT error.
func DuplicateAgent(agentID string) *CoordError {
	return New(CodeDuplicateAgent, fmt.Sprintf("agent %q is already registered", agentID))
}

// Validation creates a VALIDATION error.
func Validation(message string) *CoordError {
	return New(CodeValidation, message)
}

// ShuttingDown creates a SHUTTING_DOWN error.
func ShuttingDown() *CoordError {
	return New(CodeShuttingDown, "coordinator is shutting down")
}

// CodeOf extracts the error code, or empty string for untyped errors.
func CodeOf(err error) string {
	var ce *CoordError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	return CodeOf(err) == code
}

// retryAttempts bounds the local-recovery policy for transient backend
// errors before they surface to the caller.
const retryAttempts = 3

// Retry runs fn up to three times with exponential backoff while it keeps
// failing with BACKEND_UNAVAILABLE. Any other error, and the final backend
// error, are returned as-is.
func Retry(ctx context.Context, baseDelay time.Duration, fn func() error) error {
	var err error
	delay := baseDelay
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = fn()
		if err == nil || !Is(err, CodeBackendUnavail) {
			return err
		}
		if attempt == retryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return Wrap(CodeTimeout, "retry aborted", ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
