// Package dify implements the client for the Dify knowledge-base service:
// dataset discovery, remote document indexes, document upload by text or
// file with configurable process rules, and indexing-status polling.
package dify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"
)

// DefaultBaseURL is the hosted endpoint of the knowledge-base service.
const DefaultBaseURL = "https://api.dify.ai/v1"

// Document forms and the dataset runtime mode that steer upload handling.
const (
	// DocFormText marks plain-text datasets, eligible for create-by-text
	// uploads.
	DocFormText = "text_model"

	// DocFormHierarchical marks parent/child datasets, which need explicit
	// chunk rules and file uploads.
	DocFormHierarchical = "hierarchical_model"

	// RuntimeModePipeline marks datasets driven by a published pipeline,
	// which only accept file uploads.
	RuntimeModePipeline = "rag_pipeline"
)

const (
	defaultIndexMaxWait = 1800 * time.Second

	// indexPollInterval is the fixed wait between indexing-status polls.
	indexPollInterval = 10 * time.Second

	// pageSize is the page size for dataset and document listings.
	pageSize = 100

	listRequestTimeout   = 30 * time.Second
	statusRequestTimeout = 30 * time.Second
	uploadTextTimeout    = 60 * time.Second
	uploadFileTimeout    = 120 * time.Second
	healthProbeTimeout   = 15 * time.Second
)

// maskedKeyRe matches keys of the shape produced by credential masking: a
// run of asterisks followed by the last four characters.
var maskedKeyRe = regexp.MustCompile(`^\*+[^*]{4}$`)

// Config holds the knowledge-base settings captured from the runtime
// configuration at task start. The segmentation fields are sent as-is; their
// defaults live in the runtime configuration, not here.
type Config struct {
	// BaseURL overrides the service endpoint. Empty means DefaultBaseURL.
	BaseURL string

	// APIKey authenticates every request. Validated before use.
	APIKey string

	// DatasetName is the knowledge base documents are added to. The
	// dataset must already exist.
	DatasetName string

	// PipelineFile optionally points at a pipeline export whose chunker
	// settings take precedence over the segmentation fields below.
	PipelineFile string

	// ProcessMode selects the process rule: "automatic" or "custom".
	ProcessMode string

	// Segmentation settings for the custom process rule.
	SegmentSeparator string
	SegmentMaxTokens int
	ChunkOverlap     int

	// Parent/child settings applied when the dataset stores hierarchical
	// documents.
	ParentMode        string
	SubchunkSeparator string
	SubchunkMaxTokens int
	SubchunkOverlap   int

	// Pre-processing toggles for the custom process rule.
	RemoveExtraSpaces bool
	RemoveURLsEmails  bool

	// IndexMaxWait bounds the indexing-status poll per batch. Zero means
	// 1800 seconds.
	IndexMaxWait time.Duration

	// DocForm forces the document form when the dataset does not report
	// one. Empty lets the dataset value or the text default win.
	DocForm string

	// DocLanguage is passed through on uploads when set.
	DocLanguage string

	// UploadDelay is the pause after each document submission.
	UploadDelay time.Duration
}

// Client talks to the knowledge-base service. Create one with NewClient.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	// sleepFunc is called to wait between polls and uploads. Defaults to
	// timeSleep. Tests replace it to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error

	// overrides caches the chunker settings from the pipeline export.
	// Loaded once on first use.
	overridesOnce sync.Once
	overrides     ruleOverrides
}

// NewClient creates a knowledge-base client. A nil httpClient falls back to
// a plain client without a global timeout; every call sets a per-request
// deadline instead. A nil logger falls back to slog.Default().
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	if logger == nil {
		logger = slog.Default()
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	if cfg.IndexMaxWait <= 0 {
		cfg.IndexMaxWait = defaultIndexMaxWait
	}

	if cfg.UploadDelay < 0 {
		cfg.UploadDelay = 0
	}

	return &Client{
		cfg:        cfg,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
		sleepFunc:  timeSleep,
	}
}

// validateKey checks that the configured API key is usable and returns it
// trimmed. A masked placeholder that leaked back out of a config dump is
// rejected so it never reaches the service.
func validateKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: set it in the runtime configuration or import it from .env", ErrKeyMissing)
	}

	if maskedKeyRe.MatchString(key) {
		return "", fmt.Errorf("%w: re-enter the real key or import it from .env", ErrKeyMasked)
	}

	return key, nil
}

// CheckConnection probes the service with a one-entry dataset listing. The
// listing exercises both reachability and key acceptance without touching
// any dataset content.
func (c *Client) CheckConnection(ctx context.Context) error {
	key, err := validateKey(c.cfg.APIKey)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	if _, err := c.fetchDatasetPage(ctx, key, 1, 1); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return fmt.Errorf("dify: api key rejected: %w", err)
		}

		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return fmt.Errorf("dify: dataset listing failed: %w", err)
		}

		return fmt.Errorf("dify: service unreachable: %w", err)
	}

	return nil
}

// getJSON performs an authenticated GET against the service and decodes the
// JSON response into out. op names the operation for error messages.
func (c *Client) getJSON(ctx context.Context, key, rawURL, op string, timeout time.Duration, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("dify: %s: %w", op, err)
	}

	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("dify: %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    readErrorBody(resp.Body),
			Err:        classifyStatus(resp.StatusCode),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("dify: %s: decode response: %w", op, err)
	}

	return nil
}

// marshalJSON encodes v without HTML escaping so separator strings such as
// "<!--split-->" reach the service byte-for-byte.
func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer

	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// timeSleep waits for the given duration or until the context is canceled.
// It is the default sleepFunc for Client.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
