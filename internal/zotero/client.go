package zotero

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	// defaultTimeout bounds a single JSON-RPC round trip.
	defaultTimeout = 30 * time.Second

	// healthProbeTimeout bounds the liveness check.
	healthProbeTimeout = 5 * time.Second

	// maxPagesGuard caps pagination loops against buggy remotes that never
	// return a short page.
	maxPagesGuard = 500

	defaultCollectionPageSize = 100
	defaultItemPageSize       = 50
)

// listPayloadKeys are the wrapper keys under which the bridge may nest a
// list payload.
var listPayloadKeys = []string{"results", "items", "collections", "subcollections"}

// Client is a JSON-RPC client for the reference-manager bridge.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a bridge client. baseURL is the full JSON-RPC endpoint.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// call executes one JSON-RPC request and returns the raw result.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	payload := rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("zotero: encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("zotero: create %s request: %w", method, err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("zotero: call %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		errBody, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		return nil, &BridgeError{
			StatusCode: resp.StatusCode,
			Message:    string(errBody),
			Err:        classifyStatus(resp.StatusCode),
		}
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("zotero: decode %s response: %w", method, err)
	}

	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	return rpcResp.Result, nil
}

// callTool invokes a named bridge tool through tools/call.
func (c *Client) callTool(ctx context.Context, tool string, arguments map[string]any) (json.RawMessage, error) {
	return c.call(ctx, "tools/call", map[string]any{"name": tool, "arguments": arguments})
}

// CheckConnection verifies the bridge is reachable and answering JSON-RPC.
// Used by the health endpoint and the CLI preflight check.
func (c *Client) CheckConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	if _, err := c.call(ctx, "tools/list", nil); err != nil {
		return err
	}

	return nil
}

// unwrapContent extracts the inner JSON payload from a tools/call result.
// Results follow the pattern {"content":[{"type":"text","text":"<json>"}]};
// the inner JSON may be the payload itself or wrapped as {"data": ...}.
// Anything that does not match the pattern is returned unchanged.
func unwrapContent(result json.RawMessage) json.RawMessage {
	var envelope struct {
		Content []struct {
			Text *string `json:"text"`
		} `json:"content"`
	}

	if err := json.Unmarshal(result, &envelope); err != nil {
		return result
	}

	if len(envelope.Content) == 0 || envelope.Content[0].Text == nil {
		return result
	}

	inner := json.RawMessage(*envelope.Content[0].Text)
	if !json.Valid(inner) {
		return result
	}

	var wrapper struct {
		Data json.RawMessage `json:"data"`
	}

	if err := json.Unmarshal(inner, &wrapper); err == nil && wrapper.Data != nil {
		return wrapper.Data
	}

	return inner
}

// extractList pulls a JSON array out of data: either data itself, or the
// first candidate key holding an array value.
func extractList(data json.RawMessage, candidates ...string) []json.RawMessage {
	var direct []json.RawMessage
	if err := json.Unmarshal(data, &direct); err == nil {
		return direct
	}

	var object map[string]json.RawMessage
	if err := json.Unmarshal(data, &object); err != nil {
		return nil
	}

	for _, key := range candidates {
		var list []json.RawMessage
		if err := json.Unmarshal(object[key], &list); err == nil && list != nil {
			return list
		}
	}

	return nil
}

// entryKey returns the item or collection key from a raw list entry, which
// the bridge may deliver as an object with a "key" field or as a bare string.
func entryKey(raw json.RawMessage) string {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}

	var asObject struct {
		Key string `json:"key"`
	}

	if err := json.Unmarshal(raw, &asObject); err == nil {
		return asObject.Key
	}

	return ""
}

// paginate drives an offset/limit loop over a bridge tool, collecting raw
// list entries until a short page, an empty page, or the page guard.
func (c *Client) paginate(ctx context.Context, tool string, args map[string]any, pageSize int, candidates ...string) ([]json.RawMessage, error) {
	if pageSize < 1 {
		pageSize = 1
	}

	var all []json.RawMessage

	offset := 0

	for page := 0; page < maxPagesGuard; page++ {
		callArgs := map[string]any{"limit": pageSize, "offset": offset}
		for k, v := range args {
			callArgs[k] = v
		}

		result, err := c.callTool(ctx, tool, callArgs)
		if err != nil {
			return nil, err
		}

		items := extractList(unwrapContent(result), candidates...)
		if len(items) == 0 {
			return all, nil
		}

		all = append(all, items...)

		if len(items) < pageSize {
			return all, nil
		}

		offset += pageSize
	}

	c.logger.Warn("pagination guard hit, results may be incomplete",
		slog.String("tool", tool),
		slog.Int("pages", maxPagesGuard),
	)

	return all, nil
}

// Collection is one entry of the flattened collection tree. Depth and
// ParentKey are populated by the bridge in "complete" mode.
type Collection struct {
	Key       string `json:"key"`
	Name      string `json:"name"`
	Depth     int    `json:"depth"`
	ParentKey string `json:"parent_key,omitempty"`
}

// ListCollections fetches all collections, handling pagination. Mode
// "complete" returns a depth-annotated flattened tree; "standard" returns
// top-level collections only.
func (c *Client) ListCollections(ctx context.Context, mode string, pageSize int) ([]Collection, error) {
	if pageSize < 1 {
		pageSize = defaultCollectionPageSize
	}

	raw, err := c.paginate(ctx, "get_collections", map[string]any{"mode": mode}, pageSize, listPayloadKeys...)
	if err != nil {
		return nil, err
	}

	collections := make([]Collection, 0, len(raw))

	for _, entry := range raw {
		var col Collection
		if err := json.Unmarshal(entry, &col); err != nil {
			c.logger.Warn("skipping malformed collection entry", slog.String("error", err.Error()))
			continue
		}

		collections = append(collections, col)
	}

	return collections, nil
}

// listSubcollections fetches direct subcollections of a collection.
func (c *Client) listSubcollections(ctx context.Context, collectionKey string, pageSize int) ([]json.RawMessage, error) {
	return c.paginate(ctx, "get_subcollections",
		map[string]any{"collectionKey": collectionKey}, pageSize, listPayloadKeys...)
}

// collectionItems fetches all items of a collection.
func (c *Client) collectionItems(ctx context.Context, collectionKey string, pageSize int) ([]json.RawMessage, error) {
	return c.paginate(ctx, "get_collection_items",
		map[string]any{"collectionKey": collectionKey}, pageSize, listPayloadKeys...)
}

// searchAllItems fetches every item in the library through search_library.
func (c *Client) searchAllItems(ctx context.Context, pageSize int) ([]json.RawMessage, error) {
	items, err := c.paginate(ctx, "search_library",
		map[string]any{"q": ""}, pageSize, "results", "items")
	if err != nil {
		return nil, err
	}

	c.logger.Info("fetched library items", slog.Int("items", len(items)))

	return items, nil
}
