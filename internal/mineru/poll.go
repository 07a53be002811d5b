package mineru

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Extraction states reported by the service. Everything else counts as
// still in flight.
const (
	stateDone   = "done"
	stateFailed = "failed"
)

// BatchResult is one entry of the extract-results response.
type BatchResult struct {
	// DataID echoes the task key the file was uploaded under.
	DataID string `json:"data_id"`

	// State is the extraction state, "done" and "failed" being terminal.
	State string `json:"state"`

	// FileName is the name the file was uploaded as.
	FileName string `json:"file_name"`

	// FullZipURL points at the result archive for done files.
	FullZipURL string `json:"full_zip_url"`

	// ErrMsg carries the failure reason for failed files.
	ErrMsg string `json:"err_msg"`
}

// PollBatch waits until a batch finishes and returns its results. Completion
// is decided in order of preference: every expected key terminal, then the
// terminal count reaching expectedCount, then every reported result being
// terminal. Zero expectedCount and empty expectedKeys disable their checks.
// The poll gives up with ErrPollTimeout once the configured timeout passes.
func (c *Client) PollBatch(ctx context.Context, batchID string, expectedCount int, expectedKeys []string) ([]BatchResult, error) {
	token, err := validateToken(c.apiToken)
	if err != nil {
		return nil, err
	}

	var keySet map[string]bool

	if len(expectedKeys) > 0 {
		keySet = make(map[string]bool, len(expectedKeys))
		for _, k := range expectedKeys {
			keySet[k] = true
		}
	}

	c.logger.Info("polling batch",
		slog.String("batch_id", batchID),
		slog.Int("expected", expectedCount))

	start := time.Now()

	for {
		if elapsed := time.Since(start); elapsed > c.pollTimeout {
			return nil, fmt.Errorf("%w: batch %s did not finish within %s", ErrPollTimeout, batchID, c.pollTimeout)
		}

		results, err := c.fetchBatchResults(ctx, token, batchID)
		if err != nil {
			return nil, err
		}

		if len(results) == 0 {
			c.logger.Warn("batch reports no results yet", slog.String("batch_id", batchID))

			if err := c.sleepFunc(ctx, pollInterval); err != nil {
				return nil, fmt.Errorf("mineru: poll batch %s: %w", batchID, err)
			}

			continue
		}

		c.logger.Info("batch state",
			slog.String("batch_id", batchID),
			slog.Any("states", stateCounts(results)))

		switch {
		case keySet != nil:
			if terminalKeysCover(results, keySet) {
				return results, nil
			}
		case expectedCount > 0:
			if terminalCount(results) >= expectedCount {
				return results, nil
			}
		}

		if allTerminal(results) {
			return results, nil
		}

		if err := c.sleepFunc(ctx, pollInterval); err != nil {
			return nil, fmt.Errorf("mineru: poll batch %s: %w", batchID, err)
		}
	}
}

// fetchBatchResults performs one extract-results request.
func (c *Client) fetchBatchResults(ctx context.Context, token, batchID string) ([]BatchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, pollRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/extract-results/batch/"+batchID, nil)
	if err != nil {
		return nil, fmt.Errorf("mineru: create poll request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mineru: poll batch %s: %w", batchID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    readErrorBody(resp.Body),
			Err:        classifyStatus(resp.StatusCode),
		}
	}

	var body struct {
		Data struct {
			ExtractResult []BatchResult `json:"extract_result"`
		} `json:"data"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("mineru: decode poll response: %w", err)
	}

	return body.Data.ExtractResult, nil
}

func isTerminalState(state string) bool {
	return state == stateDone || state == stateFailed
}

// terminalKeysCover reports whether every expected key appears among the
// terminal results.
func terminalKeysCover(results []BatchResult, keys map[string]bool) bool {
	seen := make(map[string]bool, len(keys))

	for _, r := range results {
		if isTerminalState(r.State) && keys[r.DataID] {
			seen[r.DataID] = true
		}
	}

	return len(seen) == len(keys)
}

func terminalCount(results []BatchResult) int {
	n := 0

	for _, r := range results {
		if isTerminalState(r.State) {
			n++
		}
	}

	return n
}

func allTerminal(results []BatchResult) bool {
	for _, r := range results {
		if !isTerminalState(r.State) {
			return false
		}
	}

	return true
}

// stateCounts tallies results per state for progress logging.
func stateCounts(results []BatchResult) map[string]int {
	counts := make(map[string]int)

	for _, r := range results {
		state := r.State
		if state == "" {
			state = "unknown"
		}

		counts[state]++
	}

	return counts
}
