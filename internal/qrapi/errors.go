package qrapi

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors callers classify with errors.Is.
var (
	ErrUnauthorized        = errors.New("qrapi: unauthorized")
	ErrAttemptLimitReached = errors.New("qrapi: attempt limit reached")
	ErrNetwork             = errors.New("qrapi: network failure")
)

// APIError is a non-success HTTP response from the backend.
type APIError struct {
	StatusCode int
	// Message is the server-provided reason, empty when the body had none.
	Message string

	kind error
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("qrapi: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("qrapi: HTTP %d: %s", e.StatusCode, e.Message)
}

// Unwrap exposes the classified sentinel, if any.
func (e *APIError) Unwrap() error {
	return e.kind
}

// ServerMessage returns the backend's reason for err, or "" when there is none.
func ServerMessage(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return ""
}

func newAPIError(status int, message string) *APIError {
	e := &APIError{StatusCode: status, Message: message}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		e.kind = ErrUnauthorized
	}
	return e
}
