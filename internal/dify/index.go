package dify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Indexing states reported by the service. Everything else counts as still
// in flight.
const (
	indexingCompleted = "completed"
	indexingError     = "error"
)

// indexingDoc is one entry of the indexing-status response.
type indexingDoc struct {
	ID                string `json:"id"`
	IndexingStatus    string `json:"indexing_status"`
	TotalSegments     int    `json:"total_segments"`
	CompletedSegments int    `json:"completed_segments"`
	Error             string `json:"error"`
}

type indexingVerdict int

const (
	verdictPending indexingVerdict = iota
	verdictSuccess
	verdictFailed
)

// WaitForIndexing polls a batch's indexing status until it succeeds, fails,
// or the configured max wait passes. Success requires every document to be
// completed with all of its segments indexed; a batch that completes with
// zero segments counts as failed, because nothing would ever be retrievable
// from it. Status query errors are tolerated and retried. The returned
// error is non-nil only when the context is canceled.
func (c *Client) WaitForIndexing(ctx context.Context, datasetID, batch string) (bool, error) {
	if strings.TrimSpace(batch) == "" {
		return false, nil
	}

	key, err := validateKey(c.cfg.APIKey)
	if err != nil {
		return false, err
	}

	deadline := time.Now().Add(c.cfg.IndexMaxWait)

	for time.Now().Before(deadline) {
		switch c.checkIndexing(ctx, key, datasetID, batch) {
		case verdictSuccess:
			return true, nil
		case verdictFailed:
			return false, nil
		}

		if err := c.sleepFunc(ctx, indexPollInterval); err != nil {
			return false, fmt.Errorf("dify: wait for indexing of batch %s: %w", batch, err)
		}
	}

	// One more look: the batch may have finished during the final wait.
	if c.checkIndexing(ctx, key, datasetID, batch) == verdictSuccess {
		return true, nil
	}

	c.logger.Warn("indexing wait timed out",
		slog.String("batch", batch),
		slog.Duration("max_wait", c.cfg.IndexMaxWait))

	return false, nil
}

// checkIndexing performs one indexing-status request and evaluates it.
// Query failures count as pending so a flaky status endpoint cannot fail a
// batch that is still being indexed.
func (c *Client) checkIndexing(ctx context.Context, key, datasetID, batch string) indexingVerdict {
	var body struct {
		Data []indexingDoc `json:"data"`
	}

	rawURL := fmt.Sprintf("%s/datasets/%s/documents/%s/indexing-status", c.baseURL, datasetID, batch)
	if err := c.getJSON(ctx, key, rawURL, "fetch indexing status", statusRequestTimeout, &body); err != nil {
		c.logger.Warn("indexing status query failed",
			slog.String("batch", batch),
			slog.String("error", err.Error()))

		return verdictPending
	}

	return c.evaluateIndexing(batch, body.Data)
}

// evaluateIndexing classifies a status snapshot for the whole batch.
func (c *Client) evaluateIndexing(batch string, docs []indexingDoc) indexingVerdict {
	if len(docs) == 0 {
		return verdictPending
	}

	for _, d := range docs {
		if d.IndexingStatus == indexingError {
			c.logger.Error("indexing reported an error",
				slog.String("batch", batch),
				slog.String("document_id", d.ID),
				slog.String("error", d.Error))

			return verdictFailed
		}
	}

	for _, d := range docs {
		if d.IndexingStatus != indexingCompleted {
			return verdictPending
		}
	}

	for _, d := range docs {
		if d.TotalSegments <= 0 || d.CompletedSegments != d.TotalSegments {
			c.logger.Error("indexing completed without all segments",
				slog.String("batch", batch),
				slog.String("document_id", d.ID),
				slog.Int("total_segments", d.TotalSegments),
				slog.Int("completed_segments", d.CompletedSegments))

			return verdictFailed
		}
	}

	return verdictSuccess
}
