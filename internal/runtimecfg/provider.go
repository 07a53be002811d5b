package runtimecfg

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	stdsync "sync"
)

const (
	configFilePermissions = 0o644
	configDirPermissions  = 0o755
)

// persistedConfig is the on-disk shape of the runtime configuration.
type persistedConfig struct {
	Version int                       `json:"version"`
	Data    map[string]map[string]any `json:"data"`
}

// Provider is the single owner of the runtime configuration. All reads take
// a value copy of the snapshot; all mutations happen under the provider lock
// and persist atomically before returning.
type Provider struct {
	mu        stdsync.Mutex
	path      string
	logger    *slog.Logger
	snap      Snapshot
	version   int
	lastSaved [sha256.Size]byte
}

// NewProvider loads the runtime configuration from path, or initializes it
// on first start: defaults are seeded from envFile (when the file exists),
// stamped version 1, and persisted. A corrupt file is logged and replaced
// with defaults at version 0.
func NewProvider(path, envFile string, logger *slog.Logger) (*Provider, error) {
	p := &Provider{path: path, logger: logger, snap: Defaults()}

	raw, err := os.ReadFile(path)

	switch {
	case err == nil:
		p.loadBytes(raw)

		return p, nil
	case errors.Is(err, os.ErrNotExist):
		applied := 0
		if envFile != "" {
			applied = p.applyEnvFile(envFile)
		}

		p.version = 1

		if err := p.saveLocked(); err != nil {
			return nil, err
		}

		p.logger.Info("runtime config initialized",
			slog.String("path", path),
			slog.Int("env_keys_imported", applied),
		)

		return p, nil
	default:
		return nil, fmt.Errorf("runtimecfg: reading %s: %w", path, err)
	}
}

// Path returns the location of the persisted configuration file.
func (p *Provider) Path() string {
	return p.path
}

// loadBytes decodes raw file content into the snapshot. Decode failures keep
// the defaults so a damaged file never blocks startup.
func (p *Provider) loadBytes(raw []byte) {
	version, data, err := decodePersisted(raw)
	if err != nil {
		p.logger.Warn("runtime config unreadable, using defaults",
			slog.String("path", p.path),
			slog.String("error", err.Error()),
		)

		return
	}

	overlayData(&p.snap, data)
	p.version = version
	p.lastSaved = sha256.Sum256(raw)
}

// decodePersisted accepts both the {version, data} envelope and the legacy
// bare data map (which reads as version 0).
func decodePersisted(raw []byte) (int, map[string]map[string]any, error) {
	var pc persistedConfig
	if err := json.Unmarshal(raw, &pc); err != nil {
		return 0, nil, fmt.Errorf("runtimecfg: decoding config: %w", err)
	}

	if pc.Data != nil {
		return pc.Version, pc.Data, nil
	}

	var bare map[string]map[string]any
	if err := json.Unmarshal(raw, &bare); err != nil {
		return 0, nil, fmt.Errorf("runtimecfg: decoding legacy config: %w", err)
	}

	return 0, bare, nil
}

// Snapshot returns a value copy of the current configuration and its version.
func (p *Provider) Snapshot() (Snapshot, int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.snap, p.version
}

// Version returns the current configuration version.
func (p *Provider) Version() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.version
}

// Masked returns the wire representation with sensitive values masked,
// plus the version.
func (p *Provider) Masked() (map[string]map[string]any, int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return maskedData(&p.snap), p.version
}

// Update merges known keys from patch into the configuration, coercing every
// value by schema, bumps the version, and persists. A sensitive field whose
// incoming value equals the masked form of its stored value is left
// untouched, so echoing a masked GET back through PUT cannot destroy a
// secret.
func (p *Provider) Update(patch map[string]map[string]any) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, cat := range categories {
		fields, ok := patch[cat.Name]
		if !ok {
			continue
		}

		for i := range cat.Fields {
			f := &cat.Fields[i]

			v, ok := fields[f.Key]
			if !ok {
				continue
			}

			if f.Sensitive {
				if s, isStr := v.(string); isStr {
					if cur, curStr := f.get(&p.snap).(string); curStr && s == MaskValue(cur) {
						continue
					}
				}
			}

			f.set(&p.snap, f.coerce(v))
		}
	}

	p.version++

	if err := p.saveLocked(); err != nil {
		return p.version, err
	}

	p.logger.Info("runtime config updated", slog.Int("version", p.version))

	return p.version, nil
}

// Reset restores every field to its schema default, bumps the version, and
// persists.
func (p *Provider) Reset() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.snap = Defaults()
	p.version++

	if err := p.saveLocked(); err != nil {
		return p.version, err
	}

	p.logger.Info("runtime config reset to defaults", slog.Int("version", p.version))

	return p.version, nil
}

// ImportEnv applies recognized keys from a .env file, bumps the version, and
// persists. Returns the number of keys applied and the new version.
func (p *Provider) ImportEnv(path string) (int, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	applied := p.applyEnvFile(path)
	p.version++

	if err := p.saveLocked(); err != nil {
		return applied, p.version, err
	}

	p.logger.Info("runtime config imported from env file",
		slog.String("path", path),
		slog.Int("keys_applied", applied),
		slog.Int("version", p.version),
	)

	return applied, p.version, nil
}

// applyEnvFile parses path and assigns every recognized key through schema
// coercion. A missing or unreadable file applies nothing. Callers hold the
// lock or own the provider exclusively.
func (p *Provider) applyEnvFile(path string) int {
	pairs, err := parseEnvFile(path)
	if err != nil {
		p.logger.Debug("env file not imported",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return 0
	}

	applied := 0

	for key, value := range pairs {
		fp, ok := envKeyMap[key]
		if !ok {
			continue
		}

		f := fieldIndex[fp]
		f.set(&p.snap, f.coerce(value))
		applied++
	}

	return applied
}

// saveLocked persists the current snapshot atomically. Callers hold the lock.
func (p *Provider) saveLocked() error {
	pc := persistedConfig{Version: p.version, Data: snapshotData(&p.snap)}

	raw, err := json.MarshalIndent(pc, "", "  ")
	if err != nil {
		return fmt.Errorf("runtimecfg: encoding config: %w", err)
	}

	raw = append(raw, '\n')

	if err := atomicWriteFile(p.path, raw); err != nil {
		return fmt.Errorf("runtimecfg: saving %s: %w", p.path, err)
	}

	p.lastSaved = sha256.Sum256(raw)

	return nil
}

// atomicWriteFile writes data to a temporary file in the same directory as
// path, then renames it to the target path. This prevents partial writes
// from corrupting the file on crash. Parent directories are created as
// needed.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".runtime-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	// Clean up the temp file on any error path.
	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, configFilePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	succeeded = true

	return nil
}
