// Package zotero provides a JSON-RPC client for the reference-manager
// bridge: collection listing, scope expansion, and attachment collection.
package zotero

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, zotero.ErrServerError) to check.
var (
	ErrNotFound    = errors.New("zotero: not found")
	ErrServerError = errors.New("zotero: bridge server error")
)

// BridgeError wraps a sentinel error with the HTTP status code and response
// body returned by the bridge.
type BridgeError struct {
	StatusCode int
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *BridgeError) Error() string {
	return fmt.Sprintf("zotero: bridge HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *BridgeError) Unwrap() error {
	return e.Err
}

// RPCError is a JSON-RPC level error returned in a response envelope.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("zotero: rpc error %d: %s", e.Code, e.Message)
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for codes without a dedicated sentinel.
func classifyStatus(code int) error {
	switch {
	case code == http.StatusNotFound:
		return ErrNotFound
	case code >= http.StatusInternalServerError:
		return ErrServerError
	default:
		return nil
	}
}
