package mineru

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedEntry struct {
	Name   string `json:"name"`
	DataID string `json:"data_id"`
}

type recordedURLRequest struct {
	Files        []recordedEntry `json:"files"`
	ModelVersion string          `json:"model_version"`
}

// fakeService implements enough of the OCR service for upload and process
// tests: URL negotiation, presigned PUT slots, result polling, and archive
// downloads.
type fakeService struct {
	t   *testing.T
	srv *httptest.Server

	mu          sync.Mutex
	batchID     string
	urlRequests []recordedURLRequest
	urlCode     int
	urlMsg      string
	urlCount    int // -1 means one URL per requested file
	putBodies   map[string][]byte
	putStatuses map[string][]int
	putCounts   map[string]int
	polls       [][]BatchResult
	pollCount   int
	zips        map[string][]byte
}

func newFakeService(t *testing.T) *fakeService {
	t.Helper()

	fs := &fakeService{
		t:           t,
		batchID:     "batch-1",
		urlCount:    -1,
		putBodies:   make(map[string][]byte),
		putStatuses: make(map[string][]int),
		putCounts:   make(map[string]int),
		zips:        make(map[string][]byte),
	}

	fs.srv = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(fs.srv.Close)

	return fs
}

func (fs *fakeService) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/file-urls/batch":
		fs.handleURLRequest(w, r)
	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/put/"):
		fs.handlePut(w, r)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/extract-results/batch/"):
		fs.handlePoll(w)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/zips/"):
		fs.handleZip(w, r)
	default:
		fs.t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		http.NotFound(w, r)
	}
}

func (fs *fakeService) handleURLRequest(w http.ResponseWriter, r *http.Request) {
	var req recordedURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fs.t.Errorf("decoding url request: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	fs.mu.Lock()
	fs.urlRequests = append(fs.urlRequests, req)
	code, msg := fs.urlCode, fs.urlMsg
	count := fs.urlCount
	fs.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")

	if code != 0 {
		_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "msg": msg})

		return
	}

	if count < 0 {
		count = len(req.Files)
	}

	urls := make([]string, 0, count)
	for i := 0; i < count; i++ {
		urls = append(urls, fmt.Sprintf("%s/put/%d", fs.srv.URL, i))
	}

	_ = json.NewEncoder(w).Encode(map[string]any{
		"code": 0,
		"data": map[string]any{"batch_id": fs.batchID, "file_urls": urls},
	})
}

func (fs *fakeService) handlePut(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		fs.t.Errorf("reading put body: %v", err)
	}

	fs.mu.Lock()
	fs.putCounts[r.URL.Path]++

	status := http.StatusOK
	if queue := fs.putStatuses[r.URL.Path]; len(queue) > 0 {
		status = queue[0]
		fs.putStatuses[r.URL.Path] = queue[1:]
	}

	if status == http.StatusOK {
		fs.putBodies[r.URL.Path] = body
	}
	fs.mu.Unlock()

	w.WriteHeader(status)
}

func (fs *fakeService) handlePoll(w http.ResponseWriter) {
	fs.mu.Lock()

	idx := fs.pollCount
	if idx >= len(fs.polls) {
		idx = len(fs.polls) - 1
	}

	var results []BatchResult
	if idx >= 0 {
		results = fs.polls[idx]
	}

	fs.pollCount++
	fs.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code": 0,
		"data": map[string]any{"extract_result": results},
	})
}

func (fs *fakeService) handleZip(w http.ResponseWriter, r *http.Request) {
	fs.mu.Lock()
	data, ok := fs.zips[r.URL.Path]
	fs.mu.Unlock()

	if !ok {
		http.NotFound(w, r)

		return
	}

	_, _ = w.Write(data)
}

func (fs *fakeService) urlRequestCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return len(fs.urlRequests)
}

func (fs *fakeService) recordedURLRequests() []recordedURLRequest {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return append([]recordedURLRequest(nil), fs.urlRequests...)
}

func (fs *fakeService) putBody(path string) []byte {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return fs.putBodies[path]
}

func (fs *fakeService) putCount(path string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return fs.putCounts[path]
}

func (fs *fakeService) pollCalls() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return fs.pollCount
}

func (fs *fakeService) zipURL(name string) string {
	return fs.srv.URL + "/zips/" + name
}

// writeAttachment creates a file with the given content and returns its path.
func writeAttachment(t *testing.T, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestUploadBatch_HappyPath(t *testing.T) {
	t.Parallel()

	fs := newFakeService(t)
	dir := t.TempDir()

	files := []File{
		{Path: writeAttachment(t, dir, "paper.pdf", "pdf-bytes-a"), TaskKey: "ITEM1#0"},
		{Path: writeAttachment(t, dir, "slides.pptx", "pptx-bytes-b"), TaskKey: "ITEM2#0"},
	}

	c := newTestClient(t, fs.srv.URL)

	batchID, uploaded, failures, err := c.UploadBatch(context.Background(), files)

	require.NoError(t, err)
	assert.Equal(t, "batch-1", batchID)
	assert.Equal(t, files, uploaded)
	assert.Empty(t, failures)

	requests := fs.recordedURLRequests()
	require.Len(t, requests, 1)
	assert.Equal(t, []recordedEntry{
		{Name: "paper.pdf", DataID: "ITEM1#0"},
		{Name: "slides.pptx", DataID: "ITEM2#0"},
	}, requests[0].Files)
	assert.Equal(t, "vlm", requests[0].ModelVersion)

	assert.Equal(t, []byte("pdf-bytes-a"), fs.putBody("/put/0"))
	assert.Equal(t, []byte("pptx-bytes-b"), fs.putBody("/put/1"))
}

func TestUploadBatch_BatchTooLarge(t *testing.T) {
	t.Parallel()

	fs := newFakeService(t)

	files := make([]File, maxBatchSize+1)
	for i := range files {
		files[i] = File{Path: fmt.Sprintf("/nope/%d.pdf", i), TaskKey: fmt.Sprintf("K%d#0", i)}
	}

	c := newTestClient(t, fs.srv.URL)

	_, _, _, err := c.UploadBatch(context.Background(), files)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds limit")
	assert.Equal(t, 0, fs.urlRequestCount())
}

func TestUploadBatch_ValidationFailureSkipsFile(t *testing.T) {
	t.Parallel()

	fs := newFakeService(t)
	dir := t.TempDir()

	files := []File{
		{Path: filepath.Join(dir, "missing.pdf"), TaskKey: "GONE#0"},
		{Path: writeAttachment(t, dir, "ok.pdf", "content"), TaskKey: "OK#0"},
	}

	c := newTestClient(t, fs.srv.URL)

	batchID, uploaded, failures, err := c.UploadBatch(context.Background(), files)

	require.NoError(t, err)
	assert.Equal(t, "batch-1", batchID)
	assert.Equal(t, []File{files[1]}, uploaded)

	require.Contains(t, failures, "GONE#0")
	assert.Contains(t, failures["GONE#0"], "validation failed")

	// Only the valid file was negotiated and uploaded.
	requests := fs.recordedURLRequests()
	require.Len(t, requests, 1)
	require.Len(t, requests[0].Files, 1)
	assert.Equal(t, "OK#0", requests[0].Files[0].DataID)
}

func TestUploadBatch_AllInvalidSkipsRequest(t *testing.T) {
	t.Parallel()

	fs := newFakeService(t)
	dir := t.TempDir()

	files := []File{
		{Path: filepath.Join(dir, "a.pdf"), TaskKey: "A#0"},
		{Path: filepath.Join(dir, "b.pdf"), TaskKey: "B#0"},
	}

	c := newTestClient(t, fs.srv.URL)

	batchID, uploaded, failures, err := c.UploadBatch(context.Background(), files)

	require.NoError(t, err)
	assert.Empty(t, batchID)
	assert.Empty(t, uploaded)
	assert.Len(t, failures, 2)
	assert.Equal(t, 0, fs.urlRequestCount())
}

func TestUploadBatch_URLCountMismatch(t *testing.T) {
	t.Parallel()

	fs := newFakeService(t)
	fs.urlCount = 1

	dir := t.TempDir()

	files := []File{
		{Path: writeAttachment(t, dir, "a.pdf", "a"), TaskKey: "A#0"},
		{Path: writeAttachment(t, dir, "b.pdf", "b"), TaskKey: "B#0"},
	}

	c := newTestClient(t, fs.srv.URL)

	_, _, _, err := c.UploadBatch(context.Background(), files)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 upload urls for 2 files")
}

func TestUploadBatch_APIRefusal(t *testing.T) {
	t.Parallel()

	fs := newFakeService(t)
	fs.urlCode = -500
	fs.urlMsg = "quota exhausted"

	dir := t.TempDir()
	files := []File{{Path: writeAttachment(t, dir, "a.pdf", "a"), TaskKey: "A#0"}}

	c := newTestClient(t, fs.srv.URL)

	_, _, _, err := c.UploadBatch(context.Background(), files)

	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, -500, apiErr.Code)
	assert.Contains(t, apiErr.Message, "quota exhausted")
}

func TestUploadBatch_RetriesTransientPutFailures(t *testing.T) {
	t.Parallel()

	fs := newFakeService(t)
	fs.putStatuses["/put/0"] = []int{http.StatusInternalServerError, http.StatusTooManyRequests}

	dir := t.TempDir()
	files := []File{{Path: writeAttachment(t, dir, "a.pdf", "retry-me"), TaskKey: "A#0"}}

	c := newTestClient(t, fs.srv.URL)

	_, uploaded, failures, err := c.UploadBatch(context.Background(), files)

	require.NoError(t, err)
	assert.Len(t, uploaded, 1)
	assert.Empty(t, failures)
	assert.Equal(t, 3, fs.putCount("/put/0"))
	assert.Equal(t, []byte("retry-me"), fs.putBody("/put/0"))
}

func TestUploadBatch_TerminalPutFailureDoesNotRetry(t *testing.T) {
	t.Parallel()

	fs := newFakeService(t)
	fs.putStatuses["/put/0"] = []int{http.StatusBadRequest}

	dir := t.TempDir()
	files := []File{{Path: writeAttachment(t, dir, "a.pdf", "x"), TaskKey: "A#0"}}

	c := newTestClient(t, fs.srv.URL)

	_, uploaded, failures, err := c.UploadBatch(context.Background(), files)

	require.NoError(t, err)
	assert.Empty(t, uploaded)
	assert.Equal(t, 1, fs.putCount("/put/0"))

	require.Contains(t, failures, "A#0")
	assert.Contains(t, failures["A#0"], "HTTP 400")
}

func TestUploadBatch_RetriesExhausted(t *testing.T) {
	t.Parallel()

	fs := newFakeService(t)
	fs.putStatuses["/put/0"] = []int{
		http.StatusServiceUnavailable,
		http.StatusServiceUnavailable,
		http.StatusServiceUnavailable,
	}

	dir := t.TempDir()
	files := []File{{Path: writeAttachment(t, dir, "a.pdf", "x"), TaskKey: "A#0"}}

	c := newTestClient(t, fs.srv.URL)

	_, uploaded, failures, err := c.UploadBatch(context.Background(), files)

	require.NoError(t, err)
	assert.Empty(t, uploaded)
	assert.Equal(t, maxUploadAttempts, fs.putCount("/put/0"))

	require.Contains(t, failures, "A#0")
	assert.Contains(t, failures["A#0"], "after 3 attempts")
}

func TestUploadBatch_MissingToken(t *testing.T) {
	t.Parallel()

	c := NewClient(Config{APIToken: " "}, nil, testLogger(t))

	_, _, _, err := c.UploadBatch(context.Background(), []File{{Path: "/x.pdf", TaskKey: "X#0"}})

	require.ErrorIs(t, err, ErrTokenMissing)
}

func TestValidateFileSize_TooLarge(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "big.pdf")

	require.NoError(t, os.WriteFile(path, []byte("tiny"), 0o600))
	require.NoError(t, os.Truncate(path, maxFileSizeBytes+1))

	err := validateFileSize(path)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "file too large")
	assert.Contains(t, err.Error(), "big.pdf")
}

func TestScheduleBackoff_WalksScheduleThenStops(t *testing.T) {
	t.Parallel()

	b := scheduleBackoff(uploadRetrySchedule)

	d, stop := b.Next()
	assert.False(t, stop)
	assert.Equal(t, uploadRetrySchedule[0], d)

	d, stop = b.Next()
	assert.False(t, stop)
	assert.Equal(t, uploadRetrySchedule[1], d)

	d, stop = b.Next()
	assert.False(t, stop)
	assert.Equal(t, uploadRetrySchedule[2], d)

	_, stop = b.Next()
	assert.True(t, stop)
}
