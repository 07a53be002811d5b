package httpapi

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func configCategory(t *testing.T, resp map[string]any, name string) map[string]any {
	t.Helper()

	data, ok := resp["data"].(map[string]any)
	require.True(t, ok)

	cat, ok := data[name].(map[string]any)
	require.True(t, ok)

	return cat
}

func TestGetConfig_Defaults(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, 1)

	status, resp := doRequest(t, http.MethodGet, env.url("/config"), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, resp["success"])
	assert.EqualValues(t, 1, resp["version"])

	zotero := configCategory(t, resp, "zotero")
	assert.Equal(t, "http://127.0.0.1:23120/mcp", zotero["mcp_url"])
}

func TestUpdateConfig_MasksSensitiveValues(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, 1)

	status, resp := doRequest(t, http.MethodPut, env.url("/config"),
		map[string]any{"dify": map[string]any{"api_key": "sk-test-1234"}})
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 2, resp["version"])

	dify := configCategory(t, resp, "dify")
	assert.Equal(t, "******1234", dify["api_key"])

	snap, _ := env.provider.Snapshot()
	assert.Equal(t, "sk-test-1234", snap.Dify.APIKey)
}

func TestUpdateConfig_MaskedEchoKeepsSecret(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, 1)

	status, _ := doRequest(t, http.MethodPut, env.url("/config"),
		map[string]any{"mineru": map[string]any{"api_token": "tok-87654321"}})
	require.Equal(t, http.StatusOK, status)

	// Echo the masked GET payload straight back.
	_, resp := doRequest(t, http.MethodGet, env.url("/config"), nil)
	status, _ = doRequest(t, http.MethodPut, env.url("/config"), resp["data"])
	require.Equal(t, http.StatusOK, status)

	snap, _ := env.provider.Snapshot()
	assert.Equal(t, "tok-87654321", snap.MinerU.APIToken)
}

func TestUpdateConfig_RejectsNonObject(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, 1)

	status, resp := doRequest(t, http.MethodPut, env.url("/config"), []any{"nope"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, "request body must be a JSON object of categories", resp["error"])
}

func TestConfigSchema(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, 1)

	status, resp := doRequest(t, http.MethodGet, env.url("/config/schema"), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, resp["success"])

	schema, ok := resp["schema"].(map[string]any)
	require.True(t, ok)

	zotero, ok := schema["zotero"].([]any)
	require.True(t, ok)
	assert.NotEmpty(t, zotero)

	labels, ok := resp["category_labels"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Zotero Bridge", labels["zotero"])
	assert.Equal(t, "Dify Knowledge Base", labels["dify"])
}

func TestImportEnv(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, 1)

	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile,
		[]byte("DIFY_API_KEY=\"sk-import-zz99\"\nZOTERO_COLLECTION_PAGE_SIZE=120\n"), 0o644))

	status, resp := doRequest(t, http.MethodPost, env.url("/config/import-env"),
		map[string]any{"path": envFile})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, resp["success"])

	dify := configCategory(t, resp, "dify")
	assert.Equal(t, "******zz99", dify["api_key"])

	snap, _ := env.provider.Snapshot()
	assert.Equal(t, "sk-import-zz99", snap.Dify.APIKey)
	assert.Equal(t, 120, snap.Zotero.CollectionPageSize)
}

func TestImportEnv_MissingFileImportsNothing(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, 1)

	// A missing env file is not an error, it just applies no keys.
	status, resp := doRequest(t, http.MethodPost, env.url("/config/import-env"),
		map[string]any{"path": filepath.Join(t.TempDir(), "absent.env")})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, resp["success"])
	assert.EqualValues(t, 2, resp["version"])

	snap, _ := env.provider.Snapshot()
	assert.Empty(t, snap.Dify.APIKey)
}

func TestResetConfig(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, 1)

	status, _ := doRequest(t, http.MethodPut, env.url("/config"),
		map[string]any{"zotero": map[string]any{"mcp_url": "http://elsewhere:9999/mcp"}})
	require.Equal(t, http.StatusOK, status)

	status, resp := doRequest(t, http.MethodPost, env.url("/config/reset"), nil)
	require.Equal(t, http.StatusOK, status)

	zotero := configCategory(t, resp, "zotero")
	assert.Equal(t, "http://127.0.0.1:23120/mcp", zotero["mcp_url"])
	assert.EqualValues(t, 3, resp["version"])
}
