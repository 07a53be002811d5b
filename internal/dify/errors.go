package dify

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Sentinel errors for knowledge-base service failures. Callers use errors.Is
// to branch on the category without parsing messages.
var (
	// ErrKeyMissing indicates the configured API key is empty.
	ErrKeyMissing = errors.New("dify: api key is empty")

	// ErrKeyMasked indicates the configured key is a masked placeholder
	// (for example "****abcd") rather than a real credential.
	ErrKeyMasked = errors.New("dify: api key looks masked")

	// ErrUnauthorized indicates the service rejected the API key.
	ErrUnauthorized = errors.New("dify: unauthorized")

	// ErrRateLimited indicates the service returned HTTP 429.
	ErrRateLimited = errors.New("dify: rate limited")

	// ErrServerError indicates a 5xx response from the service.
	ErrServerError = errors.New("dify: server error")

	// ErrDatasetNotFound indicates the configured dataset name does not
	// exist. Datasets are never created automatically.
	ErrDatasetNotFound = errors.New("dify: dataset not found")

	// ErrEmptyDocument indicates a document had no text to upload.
	ErrEmptyDocument = errors.New("dify: document text is empty")
)

// APIError is a structured error for failed knowledge-base calls. It carries
// the HTTP status and wraps the matching sentinel so errors.Is works on the
// category.
type APIError struct {
	// StatusCode is the HTTP status of the response.
	StatusCode int

	// Message carries the service's error text when available.
	Message string

	// Err is the underlying sentinel error, if the status maps to one.
	Err error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("dify: HTTP %d: %s", e.StatusCode, e.Message)
	}

	return fmt.Sprintf("dify: HTTP %d", e.StatusCode)
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

// readErrorBody captures a bounded amount of an error response body for
// diagnostics.
func readErrorBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(bytes.TrimSpace(data)) == 0 {
		return ""
	}

	return string(bytes.TrimSpace(data))
}
