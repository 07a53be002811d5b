// Package testutil hosts in-process fakes of the three upstream services
// the pipeline talks to: the reference-manager bridge, the OCR service, and
// the knowledge-base API. End-to-end tests point the runtime config at the
// fakes and drive the real pipeline without network access or credentials.
// The fakes answer every request from in-memory fixtures and reach terminal
// states on the first poll, so a full run completes without sleeping.
//
// Only stdlib is used here to keep the fakes independent of the client
// packages they stand in for.
package testutil

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// writeJSON encodes v as the response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

// pageWindow clips [offset, offset+limit) to a list of the given length.
// A non-positive limit means everything from offset on.
func pageWindow(length, offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}

	if offset > length {
		offset = length
	}

	end := length
	if limit > 0 && offset+limit < length {
		end = offset + limit
	}

	return offset, end
}

// stringArg reads a string argument from a decoded JSON object.
func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)

	return s
}

// intArg reads an integer argument from a decoded JSON object. JSON numbers
// decode as float64.
func intArg(args map[string]any, key string, fallback int) int {
	f, ok := args[key].(float64)
	if !ok {
		return fallback
	}

	return int(f)
}

// queryInt reads an integer query parameter.
func queryInt(r *http.Request, key string, fallback int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return fallback
	}

	return n
}
