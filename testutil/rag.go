package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
)

// UploadedDocument is one document received by the fake knowledge base.
// ByFile marks documents that arrived through the multipart endpoint.
type UploadedDocument struct {
	Name   string
	Text   string
	ByFile bool
}

// FakeRAG serves the knowledge-base API for a single dataset: the listing,
// the dataset detail, the document name index, text and file document
// creation, and indexing status. Indexing completes on the first status
// check unless a name is marked to fail.
type FakeRAG struct {
	srv       *httptest.Server
	key       string
	datasetID string
	name      string

	mu         sync.Mutex
	docForm    string
	existing   []string
	uploaded   []UploadedDocument
	batchByID  map[string]string
	failSubmit map[string]bool
	failIndex  map[string]bool
	batchSeq   int
}

// NewFakeRAG starts the fake with one dataset of the given name. key is the
// bearer key it requires.
func NewFakeRAG(datasetName, key string) *FakeRAG {
	f := &FakeRAG{
		key:        key,
		datasetID:  "ds-0001",
		name:       datasetName,
		docForm:    "text_model",
		batchByID:  make(map[string]string),
		failSubmit: make(map[string]bool),
		failIndex:  make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /datasets", f.handleList)
	mux.HandleFunc("GET /datasets/{id}", f.handleDetail)
	mux.HandleFunc("GET /datasets/{id}/documents", f.handleDocuments)
	mux.HandleFunc("POST /datasets/{id}/document/create-by-text", f.handleCreateByText)
	mux.HandleFunc("POST /datasets/{id}/document/create-by-file", f.handleCreateByFile)
	mux.HandleFunc("GET /datasets/{id}/documents/{batch}/indexing-status", f.handleIndexingStatus)

	f.srv = httptest.NewServer(mux)

	return f
}

// URL is the API base URL.
func (f *FakeRAG) URL() string { return f.srv.URL }

// Close shuts the listener down.
func (f *FakeRAG) Close() { f.srv.Close() }

// DatasetID is the identifier of the single dataset the fake serves.
func (f *FakeRAG) DatasetID() string { return f.datasetID }

// SetDocForm switches the dataset's document form, "text_model" by default.
func (f *FakeRAG) SetDocForm(form string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.docForm = form
}

// SeedDocument adds a pre-existing remote document name, as if an earlier
// run had uploaded it.
func (f *FakeRAG) SeedDocument(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.existing = append(f.existing, name)
}

// FailSubmission makes creating a document of that name return a server
// error.
func (f *FakeRAG) FailSubmission(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failSubmit[name] = true
}

// FailIndexing leaves a document of that name stuck in the error state.
func (f *FakeRAG) FailIndexing(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failIndex[name] = true
}

// Documents returns the uploads received so far in arrival order.
func (f *FakeRAG) Documents() []UploadedDocument {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]UploadedDocument{}, f.uploaded...)
}

func (f *FakeRAG) authorized(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("Authorization") != "Bearer "+f.key {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "unauthorized"})

		return false
	}

	return true
}

func (f *FakeRAG) knownDataset(w http.ResponseWriter, r *http.Request) bool {
	if r.PathValue("id") != f.datasetID {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "dataset not found"})

		return false
	}

	return true
}

func (f *FakeRAG) handleList(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(w, r) {
		return
	}

	data := []map[string]any{}
	if queryInt(r, "page", 1) <= 1 {
		data = append(data, map[string]any{"id": f.datasetID, "name": f.name})
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": data, "has_more": false})
}

func (f *FakeRAG) handleDetail(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(w, r) || !f.knownDataset(w, r) {
		return
	}

	f.mu.Lock()
	form := f.docForm
	f.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"id":                 f.datasetID,
		"name":               f.name,
		"doc_form":           form,
		"runtime_mode":       "",
		"indexing_technique": "high_quality",
	})
}

func (f *FakeRAG) handleDocuments(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(w, r) || !f.knownDataset(w, r) {
		return
	}

	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 20)

	f.mu.Lock()

	names := append([]string{}, f.existing...)
	for _, doc := range f.uploaded {
		names = append(names, doc.Name)
	}

	f.mu.Unlock()

	start, end := pageWindow(len(names), (page-1)*limit, limit)

	data := make([]map[string]any, 0, end-start)

	for i, name := range names[start:end] {
		data = append(data, map[string]any{
			"id":   fmt.Sprintf("doc-%04d", start+i+1),
			"name": name,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":     data,
		"has_more": end < len(names),
		"total":    len(names),
	})
}

func (f *FakeRAG) handleCreateByText(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(w, r) || !f.knownDataset(w, r) {
		return
	}

	var body struct {
		Name string `json:"name"`
		Text string `json:"text"`
	}

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": err.Error()})

		return
	}

	f.acceptDocument(w, UploadedDocument{Name: body.Name, Text: body.Text})
}

func (f *FakeRAG) handleCreateByFile(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(w, r) || !f.knownDataset(w, r) {
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": err.Error()})

		return
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"message": err.Error()})

		return
	}

	f.acceptDocument(w, UploadedDocument{Name: header.Filename, Text: string(raw), ByFile: true})
}

func (f *FakeRAG) acceptDocument(w http.ResponseWriter, doc UploadedDocument) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failSubmit[doc.Name] {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"message": "document creation failed"})

		return
	}

	f.batchSeq++
	batch := fmt.Sprintf("batch-%04d", f.batchSeq)

	f.uploaded = append(f.uploaded, doc)
	f.batchByID[batch] = doc.Name

	writeJSON(w, http.StatusOK, map[string]any{
		"batch":    batch,
		"document": map[string]any{"id": fmt.Sprintf("doc-%04d", f.batchSeq)},
	})
}

func (f *FakeRAG) handleIndexingStatus(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(w, r) || !f.knownDataset(w, r) {
		return
	}

	batch := r.PathValue("batch")

	f.mu.Lock()
	name, ok := f.batchByID[batch]
	failed := f.failIndex[name]
	f.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "unknown batch " + batch})

		return
	}

	doc := map[string]any{
		"id":                 "doc-" + batch,
		"indexing_status":    "completed",
		"total_segments":     2,
		"completed_segments": 2,
	}

	if failed {
		doc = map[string]any{
			"id":              "doc-" + batch,
			"indexing_status": "error",
			"error":           "index build failed",
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": []any{doc}})
}
