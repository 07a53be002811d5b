package runtimecfg

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch folds external edits of the config file back into the provider.
// The parent directory is watched because editors and atomic writers replace
// the file by rename; the provider's own writes are recognized by content
// hash and skipped. Blocks until ctx is cancelled.
func (p *Provider) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("runtimecfg: creating watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(p.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("runtimecfg: watching %s: %w", dir, err)
	}

	p.logger.Info("watching runtime config for external edits", slog.String("path", p.path))

	target := filepath.Clean(p.path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case fsEvent, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(fsEvent.Name) != target {
				continue
			}

			if !fsEvent.Has(fsnotify.Write) && !fsEvent.Has(fsnotify.Create) {
				continue
			}

			p.reloadExternal()

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			p.logger.Warn("runtime config watcher error", slog.String("error", watchErr.Error()))
		}
	}
}

// reloadExternal re-reads the file and replaces the snapshot when the
// content was not written by this provider. External edits bump the version
// like any other update unless the file itself carries a higher one.
func (p *Provider) reloadExternal() {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		p.logger.Warn("runtime config reload failed",
			slog.String("path", p.path),
			slog.String("error", err.Error()),
		)

		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	sum := sha256.Sum256(raw)
	if sum == p.lastSaved {
		return
	}

	version, data, err := decodePersisted(raw)
	if err != nil {
		p.logger.Warn("runtime config external edit unreadable, keeping current",
			slog.String("error", err.Error()),
		)

		return
	}

	snap := Defaults()
	overlayData(&snap, data)
	p.snap = snap

	if version > p.version {
		p.version = version
	} else {
		p.version++
	}

	p.lastSaved = sum

	p.logger.Info("runtime config reloaded after external edit", slog.Int("version", p.version))
}
