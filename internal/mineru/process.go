package mineru

import (
	"context"
	"fmt"
	"log/slog"
)

// ProcessFiles runs the full OCR round trip for the given files: slice into
// batches, upload, poll, download, extract. Documents come back in result
// order; every file that did not produce one has a failure reason under its
// task key. A failing batch never aborts the ones after it, only context
// cancellation stops the run early.
func (c *Client) ProcessFiles(ctx context.Context, files []File) ([]Document, map[string]string, error) {
	var docs []Document

	failures := make(map[string]string)

	if len(files) == 0 {
		return docs, failures, nil
	}

	totalBatches := (len(files) + maxBatchSize - 1) / maxBatchSize

	for start := 0; start < len(files); start += maxBatchSize {
		if err := ctx.Err(); err != nil {
			return docs, failures, fmt.Errorf("mineru: process files: %w", err)
		}

		end := start + maxBatchSize
		if end > len(files) {
			end = len(files)
		}

		batch := files[start:end]
		batchNum := start/maxBatchSize + 1

		c.logger.Info("processing batch",
			slog.Int("batch", batchNum),
			slog.Int("total_batches", totalBatches),
			slog.Int("files", len(batch)))

		batchID, uploaded, uploadFailures, err := c.UploadBatch(ctx, batch)
		if err != nil {
			if ctx.Err() != nil {
				return docs, failures, fmt.Errorf("mineru: process files: %w", ctx.Err())
			}

			c.logger.Error("batch upload failed",
				slog.Int("batch", batchNum),
				slog.String("error", err.Error()))

			for _, f := range batch {
				failures[f.TaskKey] = fmt.Sprintf("upload error: %v", err)
			}

			continue
		}

		for key, reason := range uploadFailures {
			failures[key] = fmt.Sprintf("upload error: %s", reason)
		}

		if len(uploaded) == 0 {
			c.logger.Warn("batch produced no uploads, skipping poll", slog.Int("batch", batchNum))

			continue
		}

		expectedKeys := make([]string, 0, len(uploaded))
		for _, f := range uploaded {
			expectedKeys = append(expectedKeys, f.TaskKey)
		}

		results, err := c.PollBatch(ctx, batchID, len(uploaded), expectedKeys)
		if err != nil {
			if ctx.Err() != nil {
				return docs, failures, fmt.Errorf("mineru: process files: %w", ctx.Err())
			}

			c.logger.Error("batch poll failed",
				slog.Int("batch", batchNum),
				slog.String("batch_id", batchID),
				slog.String("error", err.Error()))

			for _, f := range uploaded {
				failures[f.TaskKey] = fmt.Sprintf("poll/download error: %v", err)
			}

			continue
		}

		batchDocs, downloadFailures, err := c.DownloadMarkdown(ctx, results)
		if err != nil {
			return docs, failures, fmt.Errorf("mineru: process files: %w", err)
		}

		docs = append(docs, batchDocs...)

		for key, reason := range downloadFailures {
			failures[key] = reason
		}

		c.logger.Info("batch finished",
			slog.Int("batch", batchNum),
			slog.Int("succeeded", len(batchDocs)),
			slog.Int("failed", len(downloadFailures)))
	}

	c.logger.Info("ocr run finished",
		slog.Int("documents", len(docs)),
		slog.Int("failures", len(failures)))

	return docs, failures, nil
}
