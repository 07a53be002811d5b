package dify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"strings"
)

// Document is one Markdown document queued for upload.
type Document struct {
	// ItemKey is the source item key used in the document name prefix.
	// Partition children share their parent's key.
	ItemKey string

	// TaskKey identifies the document within the run: the item key, or
	// "KEY#partN" for partition children.
	TaskKey string

	// FileName is the attachment or part file the Markdown came from.
	FileName string

	// Text is the Markdown payload.
	Text string
}

// Progress event kinds emitted during UploadAll.
const (
	EventSubmitOK       = "submit_ok"
	EventSubmitFailed   = "submit_failed"
	EventIndexWaitBegin = "index_wait_begin"
	EventIndexOK        = "index_ok"
	EventIndexFailed    = "index_failed"
)

// ProgressEvent reports one upload milestone to the caller.
type ProgressEvent struct {
	// Kind is one of the Event constants.
	Kind string

	// TaskKey identifies the document the event is about. Empty for
	// batch-level events such as the index-wait transition.
	TaskKey string

	// Batch is the service-side batch id, when one exists.
	Batch string

	// Reason carries the failure detail for failed events.
	Reason string
}

// ProgressFunc receives upload milestones. Nil is valid and drops them.
type ProgressFunc func(ProgressEvent)

func notify(progress ProgressFunc, ev ProgressEvent) {
	if progress != nil {
		progress(ev)
	}
}

// UploadResult reports the outcome of an UploadAll run, keyed by TaskKey.
type UploadResult struct {
	// Uploaded holds the documents whose batches finished indexing.
	Uploaded []string

	// Failed holds the documents rejected at submit or failed to index.
	Failed []string
}

// MarkdownDocName builds the dataset document name for an item's Markdown:
// the bracketed item key, the file's stem, and a ".md" suffix. The runner
// uses the same names to reconcile its ledger against the remote dataset,
// so the shape must stay stable across versions.
func MarkdownDocName(itemKey, fileName string) string {
	base := strings.TrimSpace(fileName)
	if base == "" {
		base = "document"
	}

	if ext := filepath.Ext(base); ext != "" && ext != base {
		base = base[:len(base)-len(ext)]
	}

	base = strings.TrimSpace(base)
	if base == "" {
		base = "document"
	}

	return fmt.Sprintf("[%s] %s.md", itemKey, base)
}

// uploadPayload is the JSON body of create-by-text, and the "data" form
// field of create-by-file (which omits name and text).
type uploadPayload struct {
	Name              string      `json:"name,omitempty"`
	Text              string      `json:"text,omitempty"`
	IndexingTechnique string      `json:"indexing_technique"`
	ProcessRule       processRule `json:"process_rule"`
	DocForm           string      `json:"doc_form,omitempty"`
	DocLanguage       string      `json:"doc_language,omitempty"`
}

// UploadDocument submits one document and returns its batch id. The upload
// path depends on the dataset: plain text datasets take create-by-text,
// while hierarchical and pipeline-driven datasets need the Markdown wrapped
// in a multipart file upload.
func (c *Client) UploadDocument(ctx context.Context, datasetID string, doc Document, docForm, runtimeMode string) (string, error) {
	key, err := validateKey(c.cfg.APIKey)
	if err != nil {
		return "", err
	}

	if strings.TrimSpace(doc.Text) == "" {
		c.logger.Error("document text is empty, skipping upload",
			slog.String("item_key", doc.ItemKey),
			slog.String("file_name", doc.FileName))

		return "", fmt.Errorf("%w: [%s] %s", ErrEmptyDocument, doc.ItemKey, doc.FileName)
	}

	docName := MarkdownDocName(doc.ItemKey, doc.FileName)

	resolvedForm := strings.TrimSpace(docForm)
	if resolvedForm == "" {
		resolvedForm = strings.TrimSpace(c.cfg.DocForm)
	}

	if resolvedForm == "" {
		resolvedForm = DocFormText
	}

	runtimeMode = strings.TrimSpace(runtimeMode)

	var batch string

	if resolvedForm == DocFormText && runtimeMode != RuntimeModePipeline {
		batch, err = c.uploadByText(ctx, key, datasetID, docName, doc.Text, resolvedForm)
	} else {
		if runtimeMode == RuntimeModePipeline {
			c.logger.Info("dataset runs a published pipeline, uploading as file",
				slog.String("name", docName))
		} else {
			c.logger.Warn("dataset doc form requires file upload",
				slog.String("doc_form", resolvedForm),
				slog.String("name", docName))
		}

		batch, err = c.uploadByFile(ctx, key, datasetID, docName, doc.Text, resolvedForm)
	}

	if err != nil {
		c.logger.Error("upload failed",
			slog.String("name", docName),
			slog.String("error", err.Error()))

		return "", err
	}

	c.logger.Info("document uploaded",
		slog.String("name", docName),
		slog.String("batch", batch))

	return batch, nil
}

func (c *Client) uploadByText(ctx context.Context, key, datasetID, docName, text, docForm string) (string, error) {
	payload, err := marshalJSON(uploadPayload{
		Name:              docName,
		Text:              text,
		IndexingTechnique: "high_quality",
		ProcessRule:       c.buildProcessRule(docForm),
		DocForm:           docForm,
		DocLanguage:       strings.TrimSpace(c.cfg.DocLanguage),
	})
	if err != nil {
		return "", fmt.Errorf("dify: encode upload payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, uploadTextTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/datasets/"+datasetID+"/document/create-by-text", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("dify: create upload request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Type", "application/json")

	return c.doUpload(req, "create document by text")
}

// quoteEscaper escapes the document name for the multipart filename field.
var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func (c *Client) uploadByFile(ctx context.Context, key, datasetID, docName, text, docForm string) (string, error) {
	payload, err := marshalJSON(uploadPayload{
		IndexingTechnique: "high_quality",
		ProcessRule:       c.buildProcessRule(docForm),
		DocForm:           docForm,
		DocLanguage:       strings.TrimSpace(c.cfg.DocLanguage),
	})
	if err != nil {
		return "", fmt.Errorf("dify: encode upload payload: %w", err)
	}

	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(docName)))
	header.Set("Content-Type", "text/markdown")

	part, err := mw.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("dify: build multipart body: %w", err)
	}

	if _, err := part.Write([]byte(text)); err != nil {
		return "", fmt.Errorf("dify: build multipart body: %w", err)
	}

	if err := mw.WriteField("data", string(payload)); err != nil {
		return "", fmt.Errorf("dify: build multipart body: %w", err)
	}

	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("dify: build multipart body: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, uploadFileTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/datasets/"+datasetID+"/document/create-by-file", &buf)
	if err != nil {
		return "", fmt.Errorf("dify: create upload request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	return c.doUpload(req, "create document by file")
}

// doUpload sends a prepared upload request and extracts the batch id.
func (c *Client) doUpload(req *http.Request, op string) (string, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("dify: %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &APIError{
			StatusCode: resp.StatusCode,
			Message:    readErrorBody(resp.Body),
			Err:        classifyStatus(resp.StatusCode),
		}
	}

	var out struct {
		Batch string `json:"batch"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("dify: %s: decode response: %w", op, err)
	}

	return out.Batch, nil
}

// UploadAll submits every document and then waits for each accepted batch
// to finish indexing. The returned result assigns every input task key to
// exactly one of Uploaded or Failed. A non-nil error means the run was cut
// short by cancellation; the result still covers the documents handled so
// far.
func (c *Client) UploadAll(ctx context.Context, datasetID string, docs []Document, info DatasetInfo, progress ProgressFunc) (UploadResult, error) {
	var result UploadResult

	if _, err := validateKey(c.cfg.APIKey); err != nil {
		return result, err
	}

	datasetDocForm := strings.TrimSpace(info.DocForm)
	configuredDocForm := strings.TrimSpace(c.cfg.DocForm)

	effectiveDocForm := datasetDocForm
	if effectiveDocForm == "" {
		effectiveDocForm = configuredDocForm
	}

	if effectiveDocForm == "" {
		effectiveDocForm = DocFormText
	}

	if datasetDocForm != "" && configuredDocForm != "" && datasetDocForm != configuredDocForm {
		c.logger.Warn("configured doc form differs from dataset, using the dataset value",
			slog.String("configured", configuredDocForm),
			slog.String("dataset", datasetDocForm))
	}

	if effectiveDocForm == DocFormHierarchical {
		c.logger.Warn("dataset stores hierarchical documents, indexing results decide success")
	}

	type pendingBatch struct {
		taskKey string
		batch   string
	}

	var pending []pendingBatch

	for _, doc := range docs {
		batch, err := c.UploadDocument(ctx, datasetID, doc, effectiveDocForm, info.RuntimeMode)

		switch {
		case err != nil:
			if ctx.Err() != nil {
				return result, fmt.Errorf("dify: upload documents: %w", ctx.Err())
			}

			result.Failed = append(result.Failed, doc.TaskKey)
			notify(progress, ProgressEvent{Kind: EventSubmitFailed, TaskKey: doc.TaskKey, Reason: err.Error()})
		case strings.TrimSpace(batch) == "":
			result.Failed = append(result.Failed, doc.TaskKey)
			notify(progress, ProgressEvent{Kind: EventSubmitFailed, TaskKey: doc.TaskKey, Reason: "no batch id in response"})
		default:
			pending = append(pending, pendingBatch{taskKey: doc.TaskKey, batch: batch})
			notify(progress, ProgressEvent{Kind: EventSubmitOK, TaskKey: doc.TaskKey, Batch: batch})
		}

		if c.cfg.UploadDelay > 0 {
			if err := c.sleepFunc(ctx, c.cfg.UploadDelay); err != nil {
				return result, fmt.Errorf("dify: upload documents: %w", err)
			}
		}
	}

	c.logger.Info("submit finished",
		slog.Int("accepted", len(pending)),
		slog.Int("rejected", len(result.Failed)))

	notify(progress, ProgressEvent{Kind: EventIndexWaitBegin})
	c.logger.Info("waiting for indexing", slog.Int("batches", len(pending)))

	for _, p := range pending {
		ok, err := c.WaitForIndexing(ctx, datasetID, p.batch)
		if err != nil {
			return result, err
		}

		if ok {
			result.Uploaded = append(result.Uploaded, p.taskKey)
			notify(progress, ProgressEvent{Kind: EventIndexOK, TaskKey: p.taskKey, Batch: p.batch})
		} else {
			result.Failed = append(result.Failed, p.taskKey)
			notify(progress, ProgressEvent{Kind: EventIndexFailed, TaskKey: p.taskKey, Batch: p.batch, Reason: "indexing did not complete"})
			c.logger.Error("indexing failed",
				slog.String("task_key", p.taskKey),
				slog.String("batch", p.batch))
		}
	}

	return result, nil
}
