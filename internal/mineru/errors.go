package mineru

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for OCR service failures. Callers use errors.Is to branch
// on the category without parsing messages.
var (
	// ErrTokenMissing indicates the configured API token is empty.
	ErrTokenMissing = errors.New("mineru: api token is empty")

	// ErrTokenMasked indicates the configured token is a masked placeholder
	// (for example "****abcd") rather than a real credential.
	ErrTokenMasked = errors.New("mineru: api token looks masked")

	// ErrUnauthorized indicates the service rejected the API token.
	ErrUnauthorized = errors.New("mineru: unauthorized")

	// ErrRateLimited indicates the service returned HTTP 429.
	ErrRateLimited = errors.New("mineru: rate limited")

	// ErrServerError indicates a 5xx response from the service.
	ErrServerError = errors.New("mineru: server error")

	// ErrPollTimeout indicates a batch did not reach completion within the
	// configured poll timeout.
	ErrPollTimeout = errors.New("mineru: batch poll timed out")
)

// APIError is a structured error for failed OCR service calls. It carries the
// HTTP status, the application-level result code when the body parsed, and
// wraps the matching sentinel so errors.Is works on the category.
type APIError struct {
	// StatusCode is the HTTP status of the response.
	StatusCode int

	// Code is the application-level result code from the response body.
	// Zero means success at that level, so a nonzero value with a 2xx
	// status marks a request the service accepted but refused.
	Code int

	// Message carries the service's error text when available.
	Message string

	// Err is the underlying sentinel error, if the status maps to one.
	Err error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("mineru: api error code=%d: %s", e.Code, e.Message)
	}

	if e.Message != "" {
		return fmt.Sprintf("mineru: HTTP %d: %s", e.StatusCode, e.Message)
	}

	return fmt.Sprintf("mineru: HTTP %d", e.StatusCode)
}

// Unwrap returns the underlying sentinel error for errors.Is checks.
func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to the matching sentinel error.
// Returns nil for codes with no specific mapping.
func classifyStatus(statusCode int) error {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return ErrUnauthorized
	case statusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case statusCode >= http.StatusInternalServerError:
		return ErrServerError
	default:
		return nil
	}
}

// isRetryableStatus reports whether an upload PUT that failed with the given
// status should be retried. Throttling and server-side failures are
// transient; every other status is terminal for the file.
func isRetryableStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || statusCode >= http.StatusInternalServerError
}
