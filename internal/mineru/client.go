// Package mineru implements the client for the MinerU OCR service: batch
// upload-URL negotiation, PUT uploads with bounded retries, result polling,
// and download plus extraction of the produced Markdown archives.
package mineru

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// DefaultBaseURL is the production endpoint of the OCR service.
const DefaultBaseURL = "https://mineru.net/api/v4"

// DefaultAssetOutputDir is where extracted image assets land when the runtime
// configuration does not name a directory.
var DefaultAssetOutputDir = filepath.Join("outputs", "mineru_assets")

const (
	defaultModelVersion = "vlm"
	defaultPollTimeout  = 7200 * time.Second

	// maxBatchSize is the service-side cap on files per batch.
	maxBatchSize = 200

	// maxFileSizeBytes is the service-side cap on a single upload.
	maxFileSizeBytes = 200 << 20

	// pollInterval is the fixed wait between extract-result polls.
	pollInterval = 30 * time.Second

	urlRequestTimeout  = 60 * time.Second
	healthProbeTimeout = 15 * time.Second
	uploadTimeout      = 600 * time.Second
	pollRequestTimeout = 30 * time.Second
	downloadTimeout    = 120 * time.Second
)

// maskedTokenRe matches tokens of the shape produced by credential masking:
// a run of asterisks followed by the last four characters.
var maskedTokenRe = regexp.MustCompile(`^\*+[^*]{4}$`)

// Config holds the OCR service settings captured from the runtime
// configuration at task start. Zero values fall back to service defaults.
type Config struct {
	// BaseURL overrides the service endpoint. Empty means DefaultBaseURL.
	BaseURL string

	// APIToken authenticates every request. Validated before use.
	APIToken string

	// ModelVersion selects the extraction model. Empty means "vlm".
	ModelVersion string

	// PollTimeout bounds how long a single batch may stay unfinished.
	PollTimeout time.Duration

	// AssetOutputDir is the root directory for extracted image assets.
	AssetOutputDir string
}

// Client talks to the OCR service. Create one with NewClient.
type Client struct {
	baseURL        string
	apiToken       string
	modelVersion   string
	pollTimeout    time.Duration
	assetOutputDir string
	httpClient     *http.Client
	logger         *slog.Logger

	// sleepFunc is called to wait between polls. Defaults to timeSleep.
	// Tests replace it to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error

	// retrySchedule holds the waits between upload attempts.
	retrySchedule []time.Duration
}

// uploadRetrySchedule is the fixed backoff ladder for upload PUTs.
var uploadRetrySchedule = []time.Duration{2 * time.Second, 8 * time.Second, 32 * time.Second}

// maxUploadAttempts bounds how often a single file PUT is tried.
const maxUploadAttempts = 3

// NewClient creates an OCR service client. A nil httpClient falls back to a
// plain client without a global timeout; every call sets a per-request
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

	modelVersion := strings.TrimSpace(cfg.ModelVersion)
	if modelVersion == "" {
		modelVersion = defaultModelVersion
	}

	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = defaultPollTimeout
	}

	assetOutputDir := strings.TrimSpace(cfg.AssetOutputDir)
	if assetOutputDir == "" {
		assetOutputDir = DefaultAssetOutputDir
	}

	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		apiToken:       cfg.APIToken,
		modelVersion:   modelVersion,
		pollTimeout:    pollTimeout,
		assetOutputDir: assetOutputDir,
		httpClient:     httpClient,
		logger:         logger,
		sleepFunc:      timeSleep,
		retrySchedule:  uploadRetrySchedule,
	}
}

// validateToken checks that the configured token is usable and returns it
// trimmed. A masked placeholder that leaked back out of a config dump is
// rejected so it never reaches the service.
func validateToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w: set it in the runtime configuration or import it from .env", ErrTokenMissing)
	}

	if maskedTokenRe.MatchString(token) {
		return "", fmt.Errorf("%w: re-enter the real token or import it from .env", ErrTokenMasked)
	}

	return token, nil
}

// CheckConnection probes the service with an empty upload-URL request. Any
// HTTP response other than an authentication failure proves the service is
// reachable and the token was accepted; the empty probe itself is expected
// to be refused at the API level.
func (c *Client) CheckConnection(ctx context.Context) error {
	if _, err := validateToken(c.apiToken); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	_, _, err := c.requestUploadURLs(ctx, nil)
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrUnauthorized) {
		return fmt.Errorf("mineru: token rejected: %w", err)
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return nil
	}

	return fmt.Errorf("mineru: service unreachable: %w", err)
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
