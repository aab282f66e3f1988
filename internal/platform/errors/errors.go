// Package errors maps relay failures onto HTTP responses.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType is the category rendered to clients and used as a log key.
type ErrorType string

const (
	TypeValidation  ErrorType = "validation"
	TypeNotFound    ErrorType = "not_found"
	TypeRateLimited ErrorType = "rate_limited"
	TypeUnavailable ErrorType = "unavailable"
	TypeInternal    ErrorType = "internal"
)

var statusByType = map[ErrorType]int{
	TypeValidation:  http.StatusBadRequest,
	TypeNotFound:    http.StatusNotFound,
	TypeRateLimited: http.StatusTooManyRequests,
	TypeUnavailable: http.StatusServiceUnavailable,
	TypeInternal:    http.StatusInternalServerError,
}

// Error is an HTTP-facing failure. Cause is logged but never rendered.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]any
}

func New(t ErrorType, message string, cause error) *Error {
	return &Error{Type: t, Message: message, Cause: cause, Context: make(map[string]any)}
}

// FromStatus builds an Error for a status code raised outside the handlers,
// such as echo's router or a middleware.
func FromStatus(code int, message string, cause error) *Error {
	switch code {
	case http.StatusBadRequest:
		return New(TypeValidation, message, cause)
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return New(TypeNotFound, message, cause)
	case http.StatusTooManyRequests:
		return New(TypeRateLimited, message, cause)
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return New(TypeUnavailable, message, cause)
	default:
		return New(TypeInternal, message, cause)
	}
}

func ValidationError(message string) *Error {
	return New(TypeValidation, message, nil)
}

func RateLimitedError(message string) *Error {
	return New(TypeRateLimited, message, nil)
}

// UnavailableError reports a dependency the relay cannot reach right now.
// Clients are expected to retry later.
func UnavailableError(message string, cause error) *Error {
	return New(TypeUnavailable, message, cause)
}

func InternalError(message string, cause error) *Error {
	return New(TypeInternal, message, cause)
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) HTTPStatus() int {
	if status, ok := statusByType[e.Type]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WithContext adds a field to the rendered response and the error log line.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// ErrorResponse is the JSON body of every error response.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Type    ErrorType      `json:"type"`
	Context map[string]any `json:"context,omitempty"`
}

func (e *Error) ToResponse() ErrorResponse {
	return ErrorResponse{Error: e.Message, Type: e.Type, Context: e.Context}
}

// AsStructuredError finds an *Error in err's chain, or wraps err as internal.
func AsStructuredError(err error) *Error {
	if err == nil {
		return nil
	}

	var structuredErr *Error
	if errors.As(err, &structuredErr) {
		return structuredErr
	}
	return InternalError("internal server error", err)
}
