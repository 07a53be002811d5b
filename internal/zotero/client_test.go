package zotero

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLogger returns a debug-level logger that writes to t.Log,
// so all activity appears in CI output.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// testLogWriter adapts testing.T to io.Writer for slog.
type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

// bridgeHTTPError makes a tool handler answer with a bare HTTP status.
type bridgeHTTPError struct {
	status int
}

// bridgeRPCError makes a tool handler answer with a JSON-RPC error envelope.
type bridgeRPCError struct {
	code    int
	message string
}

// toolHandler produces the inner payload for one bridge tool invocation.
type toolHandler func(args map[string]any) any

// fakeBridge is a minimal JSON-RPC bridge. tools/list always succeeds;
// tools/call dispatches on the tool name and wraps the handler's payload in
// the text-content envelope.
type fakeBridge struct {
	t     *testing.T
	tools map[string]toolHandler

	mu    sync.Mutex
	calls []string
}

func newFakeBridge(t *testing.T, tools map[string]toolHandler) (*fakeBridge, *httptest.Server) {
	t.Helper()

	b := &fakeBridge{t: t, tools: tools}
	srv := httptest.NewServer(http.HandlerFunc(b.handle))
	t.Cleanup(srv.Close)

	return b, srv
}

func (b *fakeBridge) handle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string `json:"method"`
		Params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		} `json:"params"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		b.t.Errorf("decoding bridge request: %v", err)
		w.WriteHeader(http.StatusBadRequest)

		return
	}

	if req.Method == "tools/list" {
		writeRPCResult(w, map[string]any{"tools": []any{}})
		return
	}

	b.mu.Lock()
	b.calls = append(b.calls, req.Params.Name)
	b.mu.Unlock()

	handler, ok := b.tools[req.Params.Name]
	if !ok {
		b.t.Errorf("unexpected tool call: %s", req.Params.Name)
		writeRPCResult(w, nil)

		return
	}

	switch v := handler(req.Params.Arguments).(type) {
	case bridgeHTTPError:
		w.WriteHeader(v.status)
	case bridgeRPCError:
		writeRPCError(w, v.code, v.message)
	default:
		writeTextResult(w, v)
	}
}

func (b *fakeBridge) callCount(tool string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0

	for _, c := range b.calls {
		if c == tool {
			n++
		}
	}

	return n
}

func writeRPCResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": 1, "result": result})
}

func writeRPCError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"error":   map[string]any{"code": code, "message": message},
	})
}

// writeTextResult wraps payload in the bridge's text-content envelope.
func writeTextResult(w http.ResponseWriter, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}

	writeRPCResult(w, map[string]any{
		"content": []map[string]any{{"type": "text", "text": string(data)}},
	})
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()

	return NewClient(url, nil, testLogger(t))
}

func TestCheckConnection_OK(t *testing.T) {
	t.Parallel()

	_, srv := newFakeBridge(t, nil)
	c := newTestClient(t, srv.URL)

	require.NoError(t, c.CheckConnection(context.Background()))
}

func TestCheckConnection_HTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv.URL)
	err := c.CheckConnection(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServerError)

	var bridgeErr *BridgeError
	require.ErrorAs(t, err, &bridgeErr)
	assert.Equal(t, http.StatusInternalServerError, bridgeErr.StatusCode)
}

func TestCheckConnection_RPCError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeRPCError(w, -32601, "method not found")
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv.URL)
	err := c.CheckConnection(context.Background())
	require.Error(t, err)

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32601, rpcErr.Code)
}

func TestCheckConnection_Unreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	c := newTestClient(t, srv.URL)
	require.Error(t, c.CheckConnection(context.Background()))
}

func TestListCollections_SinglePage(t *testing.T) {
	t.Parallel()

	_, srv := newFakeBridge(t, map[string]toolHandler{
		"get_collections": func(args map[string]any) any {
			assert.Equal(t, "complete", args["mode"])

			return map[string]any{"collections": []map[string]any{
				{"key": "AAA", "name": "Papers", "depth": 0},
				{"key": "BBB", "name": "Drafts", "depth": 1, "parent_key": "AAA"},
			}}
		},
	})

	c := newTestClient(t, srv.URL)
	cols, err := c.ListCollections(context.Background(), "complete", 100)
	require.NoError(t, err)
	require.Len(t, cols, 2)
	assert.Equal(t, Collection{Key: "AAA", Name: "Papers"}, cols[0])
	assert.Equal(t, Collection{Key: "BBB", Name: "Drafts", Depth: 1, ParentKey: "AAA"}, cols[1])
}

func TestListCollections_Paginates(t *testing.T) {
	t.Parallel()

	all := []map[string]any{
		{"key": "AAA", "name": "One"},
		{"key": "BBB", "name": "Two"},
		{"key": "CCC", "name": "Three"},
	}

	bridge, srv := newFakeBridge(t, map[string]toolHandler{
		"get_collections": func(args map[string]any) any {
			offset := int(args["offset"].(float64))
			limit := int(args["limit"].(float64))

			end := offset + limit
			if end > len(all) {
				end = len(all)
			}

			if offset >= len(all) {
				return map[string]any{"collections": []map[string]any{}}
			}

			return map[string]any{"collections": all[offset:end]}
		},
	})

	c := newTestClient(t, srv.URL)
	cols, err := c.ListCollections(context.Background(), "standard", 2)
	require.NoError(t, err)
	require.Len(t, cols, 3)
	assert.Equal(t, "CCC", cols[2].Key)
	// Second page was short, so no third request was made.
	assert.Equal(t, 2, bridge.callCount("get_collections"))
}

func TestListCollections_BareListPayload(t *testing.T) {
	t.Parallel()

	_, srv := newFakeBridge(t, map[string]toolHandler{
		"get_collections": func(map[string]any) any {
			return []map[string]any{{"key": "AAA", "name": "One"}}
		},
	})

	c := newTestClient(t, srv.URL)
	cols, err := c.ListCollections(context.Background(), "standard", 100)
	require.NoError(t, err)
	require.Len(t, cols, 1)
	assert.Equal(t, "AAA", cols[0].Key)
}

func TestListCollections_DataWrapper(t *testing.T) {
	t.Parallel()

	_, srv := newFakeBridge(t, map[string]toolHandler{
		"get_collections": func(map[string]any) any {
			return map[string]any{"data": map[string]any{
				"collections": []map[string]any{{"key": "AAA", "name": "One"}},
			}}
		},
	})

	c := newTestClient(t, srv.URL)
	cols, err := c.ListCollections(context.Background(), "standard", 100)
	require.NoError(t, err)
	require.Len(t, cols, 1)
	assert.Equal(t, "AAA", cols[0].Key)
}

func TestListCollections_MalformedEntrySkipped(t *testing.T) {
	t.Parallel()

	_, srv := newFakeBridge(t, map[string]toolHandler{
		"get_collections": func(map[string]any) any {
			return []any{42, map[string]any{"key": "BBB", "name": "Two"}}
		},
	})

	c := newTestClient(t, srv.URL)
	cols, err := c.ListCollections(context.Background(), "standard", 100)
	require.NoError(t, err)
	require.Len(t, cols, 1)
	assert.Equal(t, "BBB", cols[0].Key)
}

func TestPaginate_GuardStops(t *testing.T) {
	t.Parallel()

	bridge, srv := newFakeBridge(t, map[string]toolHandler{
		"get_collections": func(map[string]any) any {
			// Always a full page: a remote that never terminates pagination.
			return []map[string]any{{"key": "AAA", "name": "Loop"}}
		},
	})

	c := newTestClient(t, srv.URL)
	cols, err := c.ListCollections(context.Background(), "standard", 1)
	require.NoError(t, err)
	assert.Len(t, cols, maxPagesGuard)
	assert.Equal(t, maxPagesGuard, bridge.callCount("get_collections"))
}

func TestUnwrapContent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "bare payload in text",
			input:    `{"content":[{"type":"text","text":"[1,2]"}]}`,
			expected: `[1,2]`,
		},
		{
			name:     "data wrapper unwrapped",
			input:    `{"content":[{"type":"text","text":"{\"data\":{\"items\":[]}}"}]}`,
			expected: `{"items":[]}`,
		},
		{
			name:     "no content passes through",
			input:    `{"items":[1]}`,
			expected: `{"items":[1]}`,
		},
		{
			name:     "invalid inner json passes through",
			input:    `{"content":[{"type":"text","text":"not json"}]}`,
			expected: `{"content":[{"type":"text","text":"not json"}]}`,
		},
		{
			name:     "non-object content entry passes through",
			input:    `{"content":[5]}`,
			expected: `{"content":[5]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := unwrapContent(json.RawMessage(tt.input))
			assert.JSONEq(t, tt.expected, string(got))
		})
	}
}

func TestExtractList(t *testing.T) {
	t.Parallel()

	count := func(data string, candidates ...string) int {
		return len(extractList(json.RawMessage(data), candidates...))
	}

	assert.Equal(t, 2, count(`[1,2]`, "results"))
	assert.Equal(t, 3, count(`{"results":[1,2,3]}`, "results", "items"))
	assert.Equal(t, 1, count(`{"items":[1]}`, "results", "items"))
	// Null candidate values are skipped in favor of later keys.
	assert.Equal(t, 2, count(`{"results":null,"items":[1,2]}`, "results", "items"))
	assert.Equal(t, 0, count(`{"other":[1]}`, "results", "items"))
	assert.Equal(t, 0, count(`"scalar"`, "results"))
}

func TestEntryKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "AAA", entryKey(json.RawMessage(`"AAA"`)))
	assert.Equal(t, "BBB", entryKey(json.RawMessage(`{"key":"BBB","name":"x"}`)))
	assert.Equal(t, "", entryKey(json.RawMessage(`{"name":"x"}`)))
	assert.Equal(t, "", entryKey(json.RawMessage(`42`)))
}
