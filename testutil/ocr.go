package testutil

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
)

// FakeOCR serves the document-parsing API: batch upload-URL issuance, the
// file PUTs, extract-result polling, and the result archives. Every file is
// terminal on the first poll. Result archives carry a single full.md entry
// and no image assets.
type FakeOCR struct {
	srv   *httptest.Server
	token string

	mu       sync.Mutex
	markdown map[string]string
	failures map[string]string
	batches  map[string][]ocrEntry
	uploads  map[string]int
	nameByID map[string]string
	batchSeq int
}

type ocrEntry struct {
	name   string
	dataID string
}

// NewFakeOCR starts the fake. token is the bearer token it requires on the
// batch and poll endpoints.
func NewFakeOCR(token string) *FakeOCR {
	f := &FakeOCR{
		token:    token,
		markdown: make(map[string]string),
		failures: make(map[string]string),
		batches:  make(map[string][]ocrEntry),
		uploads:  make(map[string]int),
		nameByID: make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /file-urls/batch", f.handleBatch)
	mux.HandleFunc("PUT /upload/{batch}/{index}", f.handleUpload)
	mux.HandleFunc("GET /extract-results/batch/{batch}", f.handleResults)
	mux.HandleFunc("GET /zip/{dataID}", f.handleArchive)

	f.srv = httptest.NewServer(mux)

	return f
}

// URL is the API base URL.
func (f *FakeOCR) URL() string { return f.srv.URL }

// Close shuts the listener down.
func (f *FakeOCR) Close() { f.srv.Close() }

// SetMarkdown fixes the Markdown the service extracts for a file name.
// Files without an entry get a short placeholder document.
func (f *FakeOCR) SetMarkdown(fileName, markdown string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.markdown[fileName] = markdown
}

// FailFile makes extraction of fileName end in the failed state with the
// given reason.
func (f *FakeOCR) FailFile(fileName, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failures[fileName] = reason
}

// UploadedBytes returns how many bytes were uploaded for a data ID, zero
// when no upload arrived.
func (f *FakeOCR) UploadedBytes(dataID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.uploads[dataID]
}

func (f *FakeOCR) authorized(r *http.Request) bool {
	return r.Header.Get("Authorization") == "Bearer "+f.token
}

func (f *FakeOCR) handleBatch(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"code": 401, "msg": "unauthorized"})

		return
	}

	var body struct {
		Files []struct {
			Name   string `json:"name"`
			DataID string `json:"data_id"`
		} `json:"files"`
		ModelVersion string `json:"model_version"`
	}

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"code": -1, "msg": err.Error()})

		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.batchSeq++
	batchID := fmt.Sprintf("batch-%04d", f.batchSeq)

	urls := make([]string, 0, len(body.Files))

	for i, file := range body.Files {
		f.batches[batchID] = append(f.batches[batchID], ocrEntry{name: file.Name, dataID: file.DataID})
		f.nameByID[file.DataID] = file.Name
		urls = append(urls, fmt.Sprintf("%s/upload/%s/%d", f.srv.URL, batchID, i))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"code": 0,
		"msg":  "ok",
		"data": map[string]any{"batch_id": batchID, "file_urls": urls},
	})
}

func (f *FakeOCR) handleUpload(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("batch")
	index, err := strconv.Atoi(r.PathValue("index"))

	f.mu.Lock()
	defer f.mu.Unlock()

	entries := f.batches[batchID]
	if err != nil || index < 0 || index >= len(entries) {
		http.Error(w, "unknown upload slot", http.StatusNotFound)

		return
	}

	n, err := io.Copy(io.Discard, r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)

		return
	}

	f.uploads[entries[index].dataID] = int(n)

	w.WriteHeader(http.StatusOK)
}

func (f *FakeOCR) handleResults(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"code": 401, "msg": "unauthorized"})

		return
	}

	batchID := r.PathValue("batch")

	f.mu.Lock()
	defer f.mu.Unlock()

	entries, ok := f.batches[batchID]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"code": -1, "msg": "unknown batch " + batchID})

		return
	}

	results := make([]map[string]any, 0, len(entries))

	for _, e := range entries {
		if reason, failed := f.failures[e.name]; failed {
			results = append(results, map[string]any{
				"data_id":   e.dataID,
				"state":     "failed",
				"file_name": e.name,
				"err_msg":   reason,
			})

			continue
		}

		results = append(results, map[string]any{
			"data_id":      e.dataID,
			"state":        "done",
			"file_name":    e.name,
			"full_zip_url": f.srv.URL + "/zip/" + url.PathEscape(e.dataID),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"code": 0,
		"msg":  "ok",
		"data": map[string]any{"extract_result": results},
	})
}

func (f *FakeOCR) handleArchive(w http.ResponseWriter, r *http.Request) {
	dataID := r.PathValue("dataID")

	f.mu.Lock()
	name := f.nameByID[dataID]
	markdown, ok := f.markdown[name]
	f.mu.Unlock()

	if !ok {
		markdown = "# " + name + "\n\nExtracted placeholder text.\n"
	}

	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)

	entry, err := zw.Create("full.md")
	if err == nil {
		_, err = entry.Write([]byte(markdown))
	}

	if closeErr := zw.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "application/zip")
	_, _ = w.Write(buf.Bytes())
}
