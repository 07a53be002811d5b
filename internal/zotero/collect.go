package zotero

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// supportedExtensions are the attachment formats the OCR service accepts.
var supportedExtensions = map[string]bool{
	".pdf":  true,
	".doc":  true,
	".docx": true,
	".ppt":  true,
	".pptx": true,
	".png":  true,
	".jpg":  true,
	".jpeg": true,
}

// File is one collected attachment: its absolute path on disk and the task
// key ("itemKey#index") that identifies it through the pipeline.
type File struct {
	Path    string
	TaskKey string
}

// CollectOptions controls a CollectFiles run.
type CollectOptions struct {
	// CollectionKeys scopes collection to the given collections.
	// Empty means the whole library.
	CollectionKeys []string

	// Recursive expands the scope to descendant collections.
	Recursive bool

	// PageSize is the item-query page size.
	PageSize int

	// SkipItemKeys holds base item keys whose documents already exist in the
	// target dataset; their attachments are not collected.
	SkipItemKeys map[string]bool
}

// CollectFiles enumerates items in the selected scope and resolves their
// local attachment paths. The result preserves collection order; duplicate
// paths across items are discarded, first occurrence wins. Per-item failures
// are logged and skipped, never fatal.
func (c *Client) CollectFiles(ctx context.Context, opts CollectOptions) ([]File, error) {
	pageSize := opts.PageSize
	if pageSize < 1 {
		pageSize = defaultItemPageSize
	}

	var (
		items []json.RawMessage
		err   error
	)

	if len(opts.CollectionKeys) > 0 {
		items, err = c.collectScopedItems(ctx, opts.CollectionKeys, opts.Recursive, pageSize)
	} else {
		items, err = c.searchAllItems(ctx, pageSize)
	}

	if err != nil {
		return nil, err
	}

	var (
		files            []File
		skippedProcessed int
	)

	seenPaths := make(map[string]bool)

	for _, raw := range items {
		key := entryKey(raw)
		if key == "" {
			c.logger.Warn("skipping item with empty key")
			continue
		}

		if opts.SkipItemKeys[key] {
			skippedProcessed++
			continue
		}

		paths, err := c.attachmentPaths(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("zotero: collect files: %w", ctx.Err())
			}

			c.logger.Warn("fetching item attachments failed",
				slog.String("item_key", key),
				slog.String("error", err.Error()),
			)

			continue
		}

		sort.Strings(paths)

		for idx, p := range paths {
			if seenPaths[p] {
				continue
			}

			seenPaths[p] = true

			files = append(files, File{Path: p, TaskKey: fmt.Sprintf("%s#%d", key, idx)})
		}
	}

	c.logger.Info("collected attachment files",
		slog.Int("files", len(files)),
		slog.Int("skipped_processed", skippedProcessed),
	)

	return files, nil
}

// collectScopedItems gathers items from the given collections, expanding
// descendants when recursive, deduplicated by item key.
func (c *Client) collectScopedItems(ctx context.Context, collectionKeys []string, recursive bool, pageSize int) ([]json.RawMessage, error) {
	effective := c.expandScope(ctx, collectionKeys, recursive)

	c.logger.Info("expanded collection scope",
		slog.Int("input", len(collectionKeys)),
		slog.Int("effective", len(effective)),
		slog.Bool("recursive", recursive),
	)

	var items []json.RawMessage

	seen := make(map[string]bool)

	for _, collKey := range effective {
		page, err := c.collectionItems(ctx, collKey, pageSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("zotero: collection items: %w", ctx.Err())
			}

			c.logger.Warn("listing collection items failed",
				slog.String("collection_key", collKey),
				slog.String("error", err.Error()),
			)

			continue
		}

		for _, raw := range page {
			key := entryKey(raw)
			if key == "" || seen[key] {
				continue
			}

			seen[key] = true

			items = append(items, raw)
		}
	}

	c.logger.Info("collected deduplicated items",
		slog.Int("collections", len(effective)),
		slog.Int("items", len(items)),
	)

	return items, nil
}

// expandScope expands collection keys to include all descendant collections
// via breadth-first traversal. The result is deduplicated and preserves
// discovery order. Subcollection lookup failures are logged and skipped.
func (c *Client) expandScope(ctx context.Context, collectionKeys []string, recursive bool) []string {
	effective := make([]string, 0, len(collectionKeys))
	seen := make(map[string]bool, len(collectionKeys))

	for _, key := range collectionKeys {
		if key == "" || seen[key] {
			continue
		}

		seen[key] = true

		effective = append(effective, key)
	}

	if !recursive {
		return effective
	}

	queue := append([]string(nil), effective...)

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		subs, err := c.listSubcollections(ctx, current, defaultCollectionPageSize)
		if err != nil {
			c.logger.Warn("listing subcollections failed",
				slog.String("collection_key", current),
				slog.String("error", err.Error()),
			)

			continue
		}

		for _, sub := range subs {
			key := entryKey(sub)
			if key == "" || seen[key] {
				continue
			}

			seen[key] = true

			effective = append(effective, key)
			queue = append(queue, key)
		}
	}

	return effective
}

// attachmentPaths resolves the local file paths of an item's supported
// attachments. Unsupported formats and files missing on disk are skipped
// with a warning.
func (c *Client) attachmentPaths(ctx context.Context, itemKey string) ([]string, error) {
	result, err := c.callTool(ctx, "get_item_details", map[string]any{"itemKey": itemKey})
	if err != nil {
		return nil, err
	}

	var details struct {
		Attachments []struct {
			FilePath string `json:"filePath"`
			Path     string `json:"path"`
		} `json:"attachments"`
	}

	if err := json.Unmarshal(unwrapContent(result), &details); err != nil {
		return nil, fmt.Errorf("zotero: decode item details for %s: %w", itemKey, err)
	}

	if len(details.Attachments) == 0 {
		c.logger.Warn("item has no attachments", slog.String("item_key", itemKey))
		return nil, nil
	}

	var paths []string

	for _, att := range details.Attachments {
		filePath := att.FilePath
		if filePath == "" {
			filePath = att.Path
		}

		if filePath == "" {
			c.logger.Warn("attachment missing file path", slog.String("item_key", itemKey))
			continue
		}

		ext := strings.ToLower(filepath.Ext(filePath))
		if !supportedExtensions[ext] {
			c.logger.Warn("skipping unsupported attachment format",
				slog.String("ext", ext),
				slog.String("path", filePath),
			)

			continue
		}

		info, err := os.Stat(filePath)
		if err != nil || info.IsDir() {
			c.logger.Warn("attachment file missing on disk", slog.String("path", filePath))
			continue
		}

		paths = append(paths, filePath)
	}

	return paths, nil
}
