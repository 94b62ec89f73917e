// Package apperr defines the closed error taxonomy surfaced by the gateway.
// Every error that reaches a client carries exactly one Code; internal
// wrapping uses the standard errors package so classification survives
// fmt.Errorf("%w") chains.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies one member of the closed error taxonomy.
type Code string

const (
	// Input errors (client).
	CodeMissingField         Code = "MISSING_FIELD"
	CodeInvalidField         Code = "INVALID_FIELD"
	CodeUnsupportedMediaType Code = "UNSUPPORTED_MEDIA_TYPE"
	CodePayloadTooLarge      Code = "PAYLOAD_TOO_LARGE"
	CodeInvalidImage         Code = "INVALID_IMAGE"

	// Auth errors (client).
	CodeNoSessionToken Code = "NO_SESSION_TOKEN"
	CodeInvalidSession Code = "INVALID_SESSION"
	CodeSessionExpired Code = "SESSION_EXPIRED"

	// Throttling (client).
	CodeRateLimited Code = "RATE_LIMITED"

	// Upstream errors (server, recoverable).
	CodeToolUnavailable   Code = "TOOL_UNAVAILABLE"
	CodeToolTimeout       Code = "TOOL_TIMEOUT"
	CodeToolReturnedError Code = "TOOL_RETURNED_ERROR"
	CodeLLMUnavailable    Code = "LLM_UNAVAILABLE"
	CodeLLMTimeout        Code = "LLM_TIMEOUT"

	// System errors (server, non-recoverable for this request).
	CodeConfiguration Code = "CONFIGURATION_ERROR"
	CodeInternal      Code = "INTERNAL_ERROR"
)

// Error is a typed gateway error. Details never carry PHI; they are still
// scrubbed again at the HTTP boundary.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a typed error with no cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a typed error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// WithDetails returns a copy of e carrying extra structured context.
func (e *Error) WithDetails(details map[string]any) *Error {
	clone := *e
	clone.Details = details
	return &clone
}

// CodeOf extracts the taxonomy code from an error chain. Untyped errors
// classify as CodeInternal.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// Message extracts the client-facing message from an error chain without
// the cause detail appended by Error().
func Message(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return "internal error"
}

// Details extracts structured context from an error chain, if any.
func Details(err error) map[string]any {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Details
	}
	return nil
}

// IsRecoverable reports whether the code names a partial upstream failure
// the orchestrator may absorb without failing the request.
func IsRecoverable(code Code) bool {
	switch code {
	case CodeToolUnavailable, CodeToolTimeout, CodeToolReturnedError,
		CodeLLMUnavailable, CodeLLMTimeout:
		return true
	}
	return false
}

// HTTPStatus maps a code onto the response status for the HTTP surface.
func HTTPStatus(code Code) int {
	switch code {
	case CodeMissingField, CodeInvalidField, CodeInvalidImage:
		return http.StatusBadRequest
	case CodeUnsupportedMediaType:
		return http.StatusUnsupportedMediaType
	case CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeNoSessionToken, CodeInvalidSession, CodeSessionExpired:
		return http.StatusUnauthorized
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
