package mineru

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-retry"
)

// File is one attachment queued for OCR, identified by its stable task key.
type File struct {
	// Path is the absolute path of the attachment on disk.
	Path string

	// TaskKey identifies the file across the whole run and becomes the
	// data_id the service echoes back in results.
	TaskKey string
}

type fileEntry struct {
	Name   string `json:"name"`
	DataID string `json:"data_id"`
}

type uploadURLRequest struct {
	Files        []fileEntry `json:"files"`
	ModelVersion string      `json:"model_version"`
}

// UploadBatch negotiates upload URLs for one batch and PUTs every file that
// passes local validation. It returns the service-assigned batch ID, the
// files that made it up, and per-file failure reasons keyed by task key.
// Only whole-batch conditions (oversized batch, URL negotiation failure,
// URL count mismatch) surface as an error.
func (c *Client) UploadBatch(ctx context.Context, files []File) (string, []File, map[string]string, error) {
	if _, err := validateToken(c.apiToken); err != nil {
		return "", nil, nil, err
	}

	if len(files) > maxBatchSize {
		return "", nil, nil, fmt.Errorf("mineru: batch size %d exceeds limit %d", len(files), maxBatchSize)
	}

	failures := make(map[string]string)
	valid := make([]File, 0, len(files))

	for _, f := range files {
		if err := validateFileSize(f.Path); err != nil {
			c.logger.Error("pre-upload validation failed",
				slog.String("file", filepath.Base(f.Path)),
				slog.String("error", err.Error()))

			failures[f.TaskKey] = fmt.Sprintf("validation failed: %v", err)

			continue
		}

		valid = append(valid, f)
	}

	if len(valid) == 0 {
		c.logger.Warn("batch skipped: no files passed pre-upload validation",
			slog.Int("rejected", len(failures)))

		return "", nil, failures, nil
	}

	entries := make([]fileEntry, 0, len(valid))
	for _, f := range valid {
		entries = append(entries, fileEntry{Name: filepath.Base(f.Path), DataID: f.TaskKey})
	}

	batchID, urls, err := c.requestUploadURLs(ctx, entries)
	if err != nil {
		return "", nil, nil, err
	}

	if len(urls) != len(valid) {
		return "", nil, nil, fmt.Errorf("mineru: got %d upload urls for %d files", len(urls), len(valid))
	}

	c.logger.Info("uploading batch",
		slog.String("batch_id", batchID),
		slog.Int("files", len(valid)))

	var uploaded []File

	for i, uploadURL := range urls {
		f := valid[i]

		if err := c.uploadFile(ctx, uploadURL, f.Path); err != nil {
			if ctx.Err() != nil {
				return batchID, uploaded, failures, fmt.Errorf("mineru: upload batch: %w", ctx.Err())
			}

			c.logger.Error("upload failed",
				slog.String("file", filepath.Base(f.Path)),
				slog.String("error", err.Error()))

			failures[f.TaskKey] = err.Error()

			continue
		}

		c.logger.Debug("upload complete", slog.String("file", filepath.Base(f.Path)))

		uploaded = append(uploaded, f)
	}

	c.logger.Info("batch upload finished",
		slog.String("batch_id", batchID),
		slog.Int("uploaded", len(uploaded)),
		slog.Int("failed", len(failures)))

	return batchID, uploaded, failures, nil
}

// validateFileSize rejects files over the service's per-file limit before
// any bytes are sent. A stat failure counts as a validation failure.
func validateFileSize(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	if info.Size() > maxFileSizeBytes {
		return fmt.Errorf("file too large: %s (%d bytes > %d)", filepath.Base(path), info.Size(), maxFileSizeBytes)
	}

	return nil
}

// requestUploadURLs asks the service for one presigned upload URL per entry
// and returns the batch ID that groups them.
func (c *Client) requestUploadURLs(ctx context.Context, entries []fileEntry) (string, []string, error) {
	if entries == nil {
		entries = []fileEntry{}
	}

	payload, err := json.Marshal(uploadURLRequest{Files: entries, ModelVersion: c.modelVersion})
	if err != nil {
		return "", nil, fmt.Errorf("mineru: encode upload url request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, urlRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/file-urls/batch", bytes.NewReader(payload))
	if err != nil {
		return "", nil, fmt.Errorf("mineru: create upload url request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("mineru: request upload urls: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    readErrorBody(resp.Body),
			Err:        classifyStatus(resp.StatusCode),
		}
	}

	var body struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			BatchID  string   `json:"batch_id"`
			FileURLs []string `json:"file_urls"`
		} `json:"data"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", nil, fmt.Errorf("mineru: decode upload url response: %w", err)
	}

	if body.Code != 0 {
		return "", nil, &APIError{
			StatusCode: resp.StatusCode,
			Code:       body.Code,
			Message:    fmt.Sprintf("file-urls/batch failed: %s", body.Msg),
		}
	}

	return body.Data.BatchID, body.Data.FileURLs, nil
}

// uploadFile PUTs one file to its presigned URL. Connection failures,
// throttling, and server errors are retried on a fixed schedule; any other
// HTTP status fails the file immediately.
func (c *Client) uploadFile(ctx context.Context, uploadURL, path string) error {
	backoff := retry.WithMaxRetries(maxUploadAttempts-1, scheduleBackoff(c.retrySchedule))

	attempt := 0

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			c.logger.Warn("retrying upload",
				slog.String("file", filepath.Base(path)),
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", maxUploadAttempts))
		}

		return c.putFile(ctx, uploadURL, path)
	})
	if err != nil {
		if attempt >= maxUploadAttempts {
			return fmt.Errorf("mineru: upload %s failed after %d attempts: %w", filepath.Base(path), attempt, err)
		}

		return fmt.Errorf("mineru: upload %s failed: %w", filepath.Base(path), err)
	}

	return nil
}

// putFile performs a single PUT attempt. It wraps transient failures in
// retry.RetryableError so the caller's retry loop can tell them apart from
// terminal ones.
func (c *Client) putFile(ctx context.Context, uploadURL, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", filepath.Base(path), err)
	}

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, f)
	if err != nil {
		return fmt.Errorf("creating upload request: %w", err)
	}

	req.ContentLength = info.Size()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ctx.Err()
		}

		return retry.RetryableError(fmt.Errorf("upload transport error: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}

	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Message:    readErrorBody(resp.Body),
		Err:        classifyStatus(resp.StatusCode),
	}

	if isRetryableStatus(resp.StatusCode) {
		return retry.RetryableError(apiErr)
	}

	return apiErr
}

// scheduleBackoff returns a backoff that walks a fixed wait schedule and
// stops once the schedule is exhausted.
func scheduleBackoff(schedule []time.Duration) retry.Backoff {
	idx := 0

	return retry.BackoffFunc(func() (time.Duration, bool) {
		if idx >= len(schedule) {
			return 0, true
		}

		d := schedule[idx]
		idx++

		return d, false
	})
}

// readErrorBody extracts a short error snippet from a response body.
func readErrorBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(bytes.TrimSpace(data)) == 0 {
		return ""
	}

	return string(bytes.TrimSpace(data))
}
