// Package e2e drives the whole stack through the HTTP control plane: the
// real runtime config, progress ledger, task manager, pipeline runner, and
// API server, talking to the in-process fakes from testutil instead of the
// three remote services. Runs complete in milliseconds because the fakes
// answer every poll with a terminal state.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jadechjin/zotero-mineru-dify/internal/httpapi"
	"github.com/jadechjin/zotero-mineru-dify/internal/pipeline"
	"github.com/jadechjin/zotero-mineru-dify/internal/progress"
	"github.com/jadechjin/zotero-mineru-dify/internal/runtimecfg"
	"github.com/jadechjin/zotero-mineru-dify/internal/task"
	"github.com/jadechjin/zotero-mineru-dify/testutil"
)

const (
	ocrToken    = "fake-ocr-token"
	ragKey      = "fake-rag-key"
	datasetName = "Zotero Literature"

	taskDeadline = 15 * time.Second
)

type testLogWriter struct {
	t *testing.T
}

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))

	return len(p), nil
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(testLogWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// stack is one fully wired deployment backed by fake upstreams.
type stack struct {
	bridge *testutil.FakeBridge
	ocr    *testutil.FakeOCR
	rag    *testutil.FakeRAG

	provider *runtimecfg.Provider
	ledger   *progress.Ledger
	manager  *task.Manager
	api      *httptest.Server
}

// newStack starts the three fakes and the control plane, pointing the
// runtime config at the fakes. The upload delay is zeroed and figure
// summaries are disabled so a run never sleeps or dials out.
func newStack(t *testing.T) *stack {
	t.Helper()

	logger := testLogger(t)
	dir := t.TempDir()

	bridge := testutil.NewFakeBridge()
	t.Cleanup(bridge.Close)

	ocr := testutil.NewFakeOCR(ocrToken)
	t.Cleanup(ocr.Close)

	rag := testutil.NewFakeRAG(datasetName, ragKey)
	t.Cleanup(rag.Close)

	provider, err := runtimecfg.NewProvider(filepath.Join(dir, "config.json"), "", logger)
	require.NoError(t, err)

	_, err = provider.Update(map[string]map[string]any{
		"zotero": {"mcp_url": bridge.URL()},
		"mineru": {
			"base_url":         ocr.URL(),
			"api_token":        ocrToken,
			"asset_output_dir": filepath.Join(dir, "assets"),
		},
		"dify": {
			"base_url":     rag.URL(),
			"api_key":      ragKey,
			"dataset_name": datasetName,
			"upload_delay": 0,
		},
		"image_summary": {"enabled": false},
	})
	require.NoError(t, err)

	ledger, err := progress.NewLedger(filepath.Join(dir, "progress.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })

	manager := task.NewManager(2, logger)
	runner := pipeline.NewRunner(ledger, nil, logger)

	api := httptest.NewServer(httpapi.NewServer(manager, provider, runner.Run, nil, logger, httpapi.Options{}).Handler())
	t.Cleanup(api.Close)

	return &stack{
		bridge:   bridge,
		ocr:      ocr,
		rag:      rag,
		provider: provider,
		ledger:   ledger,
		manager:  manager,
		api:      api,
	}
}

func (s *stack) url(path string) string {
	return s.api.URL + "/api/v1" + path
}

// startRun creates a task over the API and returns its id. body follows the
// create endpoint's schema; nil starts an unscoped run.
func (s *stack) startRun(t *testing.T, body any) string {
	t.Helper()

	status, resp := postJSON(t, s.url("/tasks"), body)
	require.Equal(t, http.StatusCreated, status)

	id, _ := resp["task_id"].(string)
	require.NotEmpty(t, id)

	return id
}

// waitForTask polls the task until it reaches a terminal status and returns
// the final detail document.
func (s *stack) waitForTask(t *testing.T, id string) map[string]any {
	t.Helper()

	deadline := time.Now().Add(taskDeadline)

	for {
		status, resp := getJSON(t, s.url("/tasks/"+id))
		require.Equal(t, http.StatusOK, status)

		data, _ := resp["data"].(map[string]any)

		state, _ := data["status"].(string)
		if task.Status(state).Terminal() {
			return data
		}

		if time.Now().After(deadline) {
			t.Fatalf("task %s still %q after %s", id, state, taskDeadline)
		}

		time.Sleep(10 * time.Millisecond)
	}
}

func (s *stack) taskEvents(t *testing.T, id string) []map[string]any {
	t.Helper()

	status, resp := getJSON(t, s.url("/tasks/"+id+"/events"))
	require.Equal(t, http.StatusOK, status)

	return objectList(resp["data"])
}

func (s *stack) taskFiles(t *testing.T, id string) []map[string]any {
	t.Helper()

	status, resp := getJSON(t, s.url("/tasks/"+id+"/files"))
	require.Equal(t, http.StatusOK, status)

	return objectList(resp["data"])
}

func objectList(v any) []map[string]any {
	raw, _ := v.([]any)

	list := make([]map[string]any, 0, len(raw))

	for _, entry := range raw {
		obj, _ := entry.(map[string]any)
		list = append(list, obj)
	}

	return list
}

func eventTags(events []map[string]any) []string {
	tags := make([]string, 0, len(events))

	for _, ev := range events {
		tag, _ := ev["event"].(string)
		tags = append(tags, tag)
	}

	return tags
}

func postJSON(t *testing.T, url string, body any) (int, map[string]any) {
	t.Helper()

	var reader io.Reader

	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, reader)
	require.NoError(t, err)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return doJSON(t, req)
}

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	require.NoError(t, err)

	return doJSON(t, req)
}

func doJSON(t *testing.T, req *http.Request) (int, map[string]any) {
	t.Helper()

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))

	return resp.StatusCode, decoded
}

// writeAttachment drops a placeholder PDF under dir and returns its path.
func writeAttachment(t *testing.T, dir, name string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4\n"+name+"\n"), 0o644))

	return path
}
