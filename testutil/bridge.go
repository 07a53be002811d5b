package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
)

// BridgeCollection is one node of the fake library's collection tree.
type BridgeCollection struct {
	Key   string
	Name  string
	Depth int
}

// BridgeItem is one library item together with its attachment paths on
// disk. Tests create the attachment files themselves, usually under a
// temporary directory.
type BridgeItem struct {
	Key         string
	Attachments []string
}

// FakeBridge serves the reference-manager JSON-RPC surface from in-memory
// fixtures. Tool results are wrapped in the text-content envelope the real
// bridge produces, with the payload nested under a "data" key.
type FakeBridge struct {
	srv *httptest.Server

	mu              sync.Mutex
	collections     []BridgeCollection
	subcollections  map[string][]BridgeCollection
	collectionItems map[string][]BridgeItem
	items           map[string]BridgeItem
	libraryKeys     []string
	calls           map[string]int
}

// NewFakeBridge starts the fake on a loopback listener.
func NewFakeBridge() *FakeBridge {
	b := &FakeBridge{
		subcollections:  make(map[string][]BridgeCollection),
		collectionItems: make(map[string][]BridgeItem),
		items:           make(map[string]BridgeItem),
		calls:           make(map[string]int),
	}

	b.srv = httptest.NewServer(http.HandlerFunc(b.handle))

	return b
}

// URL is the JSON-RPC endpoint.
func (b *FakeBridge) URL() string { return b.srv.URL }

// Close shuts the listener down.
func (b *FakeBridge) Close() { b.srv.Close() }

// AddLibraryItem registers an item visible to whole-library search. Items
// added to collections are not implicitly searchable; register them here
// too when a test runs without a collection scope.
func (b *FakeBridge) AddLibraryItem(item BridgeItem) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[item.Key] = item
	b.libraryKeys = append(b.libraryKeys, item.Key)
}

// AddCollection registers a top-level collection and its direct items.
func (b *FakeBridge) AddCollection(col BridgeCollection, items ...BridgeItem) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.collections = append(b.collections, col)
	b.addItems(col.Key, items)
}

// AddSubcollection links child under parentKey and registers the child's
// direct items. The child also appears in the flattened collection listing.
func (b *FakeBridge) AddSubcollection(parentKey string, child BridgeCollection, items ...BridgeItem) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.collections = append(b.collections, child)
	b.subcollections[parentKey] = append(b.subcollections[parentKey], child)
	b.addItems(child.Key, items)
}

func (b *FakeBridge) addItems(collectionKey string, items []BridgeItem) {
	for _, item := range items {
		b.items[item.Key] = item
		b.collectionItems[collectionKey] = append(b.collectionItems[collectionKey], item)
	}
}

// Calls returns how often a tool (or top-level method) has been invoked.
func (b *FakeBridge) Calls(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.calls[name]
}

func (b *FakeBridge) handle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     any    `json:"id"`
		Method string `json:"method"`
		Params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		} `json:"params"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls[req.Method]++

	if req.Method == "tools/list" {
		writeRPCResult(w, req.ID, map[string]any{"tools": []any{}})

		return
	}

	if req.Method != "tools/call" {
		writeRPCError(w, req.ID, "method not found: "+req.Method)

		return
	}

	b.calls[req.Params.Name]++

	args := req.Params.Arguments

	switch req.Params.Name {
	case "get_collections":
		writeToolResult(w, req.ID, listPayload("collections", collectionEntries(b.collections), args))
	case "get_subcollections":
		children := b.subcollections[stringArg(args, "collectionKey")]
		writeToolResult(w, req.ID, listPayload("subcollections", collectionEntries(children), args))
	case "get_collection_items":
		items := b.collectionItems[stringArg(args, "collectionKey")]
		writeToolResult(w, req.ID, listPayload("items", itemEntries(items), args))
	case "search_library":
		writeToolResult(w, req.ID, listPayload("results", keyEntries(b.libraryKeys), args))
	case "get_item_details":
		writeToolResult(w, req.ID, b.itemDetails(stringArg(args, "itemKey")))
	default:
		writeRPCError(w, req.ID, "unknown tool: "+req.Params.Name)
	}
}

// itemDetails builds the attachment listing for one item. Unknown keys get
// an empty attachment list, which the collector skips with a warning.
func (b *FakeBridge) itemDetails(itemKey string) map[string]any {
	item, ok := b.items[itemKey]
	if !ok {
		return map[string]any{"attachments": []any{}}
	}

	attachments := make([]map[string]any, 0, len(item.Attachments))

	for _, path := range item.Attachments {
		attachments = append(attachments, map[string]any{"filePath": path})
	}

	return map[string]any{"attachments": attachments}
}

// listPayload applies the offset/limit paging arguments and nests the page
// under the given wrapper key.
func listPayload(key string, entries []map[string]any, args map[string]any) map[string]any {
	offset := intArg(args, "offset", 0)
	limit := intArg(args, "limit", 0)

	start, end := pageWindow(len(entries), offset, limit)

	return map[string]any{key: entries[start:end]}
}

func collectionEntries(cols []BridgeCollection) []map[string]any {
	entries := make([]map[string]any, 0, len(cols))

	for _, c := range cols {
		entries = append(entries, map[string]any{"key": c.Key, "name": c.Name, "depth": c.Depth})
	}

	return entries
}

func itemEntries(items []BridgeItem) []map[string]any {
	entries := make([]map[string]any, 0, len(items))

	for _, item := range items {
		entries = append(entries, map[string]any{"key": item.Key})
	}

	return entries
}

func keyEntries(keys []string) []map[string]any {
	entries := make([]map[string]any, 0, len(keys))

	for _, key := range keys {
		entries = append(entries, map[string]any{"key": key})
	}

	return entries
}

func writeRPCResult(w http.ResponseWriter, id, result any) {
	writeJSON(w, http.StatusOK, map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func writeRPCError(w http.ResponseWriter, id any, message string) {
	writeJSON(w, http.StatusOK, map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]any{"code": -32601, "message": message},
	})
}

// writeToolResult wraps a tool payload the way the bridge does: one text
// content block whose text is the JSON payload under a "data" key.
func writeToolResult(w http.ResponseWriter, id, payload any) {
	inner, err := json.Marshal(map[string]any{"data": payload})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)

		return
	}

	writeRPCResult(w, id, map[string]any{
		"content": []map[string]any{{"type": "text", "text": string(inner)}},
	})
}
