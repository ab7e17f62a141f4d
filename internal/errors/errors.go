package errors

import (
	stderrors "errors"
	"fmt"
)

/*
LEARNING: TYPED ERRORS AT MESSAGE BOUNDARIES

Every inbound websocket message is handled by a function that returns an error
instead of panicking. When the error is a *CollabError the code travels back to
the client in the `error` reply, so the UI can tell a stale client apart from a
bad operation.

Errors only ever go back to the client that sent the request.
*/

// ErrorCode identifies a class of collaboration failure.
type ErrorCode string

const (
	ErrUnknownClient         ErrorCode = "UNKNOWN_CLIENT"
	ErrMalformedOperation    ErrorCode = "MALFORMED_OPERATION"
	ErrMalformedMessage      ErrorCode = "MALFORMED_MESSAGE"
	ErrChunkRebalanceFailure ErrorCode = "CHUNK_REBALANCE_FAILURE"
	ErrSendFailure           ErrorCode = "SEND_FAILURE"
	ErrGenerationFailure     ErrorCode = "GENERATION_FAILURE"
	ErrGenerationInProgress  ErrorCode = "GENERATION_IN_PROGRESS"
	ErrSessionNotFound       ErrorCode = "SESSION_NOT_FOUND"
	ErrContextNotFound       ErrorCode = "CONTEXT_NOT_FOUND"
	ErrInternal              ErrorCode = "INTERNAL"
)

// CollabError is a structured error with a code and optional details.
type CollabError struct {
	Code    ErrorCode
	Message string
	Details map[string]any
	Err     error
}

func (e *CollabError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CollabError) Unwrap() error {
	return e.Err
}

// NewUnknownClient is returned when a message references a client that is not in the session.
func NewUnknownClient(clientID string) *CollabError {
	return &CollabError{
		Code:    ErrUnknownClient,
		Message: fmt.Sprintf("unknown client: %s", clientID),
		Details: map[string]any{"client_id": clientID},
	}
}

// NewMalformedOperation is returned for operations that fail validation.
func NewMalformedOperation(msg string) *CollabError {
	return &CollabError{
		Code:    ErrMalformedOperation,
		Message: msg,
	}
}

// NewMalformedMessage is returned when a wire message cannot be decoded.
func NewMalformedMessage(msg string, err error) *CollabError {
	return &CollabError{
		Code:    ErrMalformedMessage,
		Message: msg,
		Err:     err,
	}
}

// NewChunkRebalanceFailure reports a document whose chunk invariants broke during rebalance.
func NewChunkRebalanceFailure(filePath string, err error) *CollabError {
	return &CollabError{
		Code:    ErrChunkRebalanceFailure,
		Message: fmt.Sprintf("chunk rebalance failed for %s", filePath),
		Details: map[string]any{"file_path": filePath},
		Err:     err,
	}
}

// NewSendFailure wraps a transport error for a single recipient.
func NewSendFailure(clientID string, err error) *CollabError {
	return &CollabError{
		Code:    ErrSendFailure,
		Message: fmt.Sprintf("send to %s failed", clientID),
		Details: map[string]any{"client_id": clientID},
		Err:     err,
	}
}

// NewGenerationFailure is returned when the AI callback errors or returns nothing.
func NewGenerationFailure(contextID string, err error) *CollabError {
	msg := "generation returned an empty response"
	if err != nil {
		msg = fmt.Sprintf("generation failed: %v", err)
	}
	return &CollabError{
		Code:    ErrGenerationFailure,
		Message: msg,
		Details: map[string]any{"context_id": contextID},
		Err:     err,
	}
}

// NewGenerationInProgress rejects a second concurrent generation on one context.
func NewGenerationInProgress(contextID string) *CollabError {
	return &CollabError{
		Code:    ErrGenerationInProgress,
		Message: fmt.Sprintf("a response is already being generated for context %s", contextID),
		Details: map[string]any{"context_id": contextID},
	}
}

func NewSessionNotFound(sessionID string) *CollabError {
	return &CollabError{
		Code:    ErrSessionNotFound,
		Message: fmt.Sprintf("session not found: %s", sessionID),
		Details: map[string]any{"session_id": sessionID},
	}
}

func NewContextNotFound(contextID string) *CollabError {
	return &CollabError{
		Code:    ErrContextNotFound,
		Message: fmt.Sprintf("AI context not found: %s", contextID),
		Details: map[string]any{"context_id": contextID},
	}
}

// NewInternal wraps an unexpected error.
func NewInternal(err error) *CollabError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &CollabError{
		Code:    ErrInternal,
		Message: msg,
		Err:     err,
	}
}

// Is reports whether err (or anything it wraps) is a CollabError with the given code.
func Is(err error, code ErrorCode) bool {
	var cErr *CollabError
	if stderrors.As(err, &cErr) {
		return cErr.Code == code
	}
	return false
}

// CodeOf returns the code carried by err, or ErrInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	var cErr *CollabError
	if stderrors.As(err, &cErr) {
		return cErr.Code
	}
	return ErrInternal
}
