package dify

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLogger returns a logger that writes through t.Log.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

// noopSleep is a sleep function that returns immediately, for fast tests.
func noopSleep(_ context.Context, _ time.Duration) error {
	return nil
}

// newTestClient builds a client pointed at the given URL with no real
// sleeps.
func newTestClient(t *testing.T, url string) *Client {
	t.Helper()

	c := NewClient(Config{
		BaseURL:     url,
		APIKey:      "test-key-1234",
		DatasetName: "Research Papers",
		ProcessMode: "custom",
	}, http.DefaultClient, testLogger(t))

	c.sleepFunc = noopSleep

	return c
}

func TestNewClient_Defaults(t *testing.T) {
	t.Parallel()

	c := NewClient(Config{APIKey: "abc", UploadDelay: -time.Second}, nil, nil)

	assert.Equal(t, DefaultBaseURL, c.baseURL)
	assert.Equal(t, defaultIndexMaxWait, c.cfg.IndexMaxWait)
	assert.Equal(t, time.Duration(0), c.cfg.UploadDelay)
	assert.NotNil(t, c.httpClient)
	assert.NotNil(t, c.logger)
}

func TestNewClient_TrimsBaseURL(t *testing.T) {
	t.Parallel()

	c := NewClient(Config{BaseURL: "https://rag.example.com/v1/", APIKey: "abc"}, nil, nil)

	assert.Equal(t, "https://rag.example.com/v1", c.baseURL)
}

func TestValidateKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		key     string
		want    string
		wantErr error
	}{
		{name: "valid", key: "dataset-abc123", want: "dataset-abc123"},
		{name: "trimmed", key: "  dataset-abc123  ", want: "dataset-abc123"},
		{name: "empty", key: "", wantErr: ErrKeyMissing},
		{name: "whitespace only", key: "   ", wantErr: ErrKeyMissing},
		{name: "masked", key: "******abcd", wantErr: ErrKeyMasked},
		{name: "masked short", key: "*wxyz", wantErr: ErrKeyMasked},
		{name: "asterisks inside are fine", key: "ab**cd1234", want: "ab**cd1234"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := validateKey(tt.key)

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheckConnection_OK(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/datasets", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("page"))
		assert.Equal(t, "1", r.URL.Query().Get("limit"))
		assert.Equal(t, "Bearer test-key-1234", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[],"has_more":false}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	require.NoError(t, c.CheckConnection(context.Background()))
}

func TestCheckConnection_KeyRejected(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	err := c.CheckConnection(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Contains(t, err.Error(), "api key rejected")
}

func TestCheckConnection_ServerErrorReported(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream gone", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	err := c.CheckConnection(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServerError)
	assert.Contains(t, err.Error(), "dataset listing failed")
}

func TestCheckConnection_Unreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {}))
	srv.Close()

	c := newTestClient(t, srv.URL)

	err := c.CheckConnection(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
}

func TestCheckConnection_MissingKey(t *testing.T) {
	t.Parallel()

	c := NewClient(Config{APIKey: ""}, nil, testLogger(t))

	require.ErrorIs(t, c.CheckConnection(context.Background()), ErrKeyMissing)
}

func TestCheckConnection_MaskedKey(t *testing.T) {
	t.Parallel()

	c := NewClient(Config{APIKey: "********1234"}, nil, testLogger(t))

	require.ErrorIs(t, c.CheckConnection(context.Background()), ErrKeyMasked)
}

func TestMarshalJSON_KeepsAngleBrackets(t *testing.T) {
	t.Parallel()

	data, err := marshalJSON(map[string]string{"separator": "<!--split-->"})

	require.NoError(t, err)
	assert.Equal(t, `{"separator":"<!--split-->"}`, string(data))
}
