// Package pipeline drives one ingestion task end to end: source collection,
// OCR parsing, Markdown cleanup, split marker insertion, the upload-size
// partition, and the final knowledge-base upload with its indexing wait.
// Each stage reports task events and per-file states as it runs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/jadechjin/zotero-mineru-dify/internal/dify"
	"github.com/jadechjin/zotero-mineru-dify/internal/mdclean"
	"github.com/jadechjin/zotero-mineru-dify/internal/mineru"
	"github.com/jadechjin/zotero-mineru-dify/internal/progress"
	"github.com/jadechjin/zotero-mineru-dify/internal/splitter"
	"github.com/jadechjin/zotero-mineru-dify/internal/task"
	"github.com/jadechjin/zotero-mineru-dify/internal/zotero"
)

// sourceClient walks the reference manager for attachment files.
type sourceClient interface {
	CheckConnection(ctx context.Context) error
	CollectFiles(ctx context.Context, opts zotero.CollectOptions) ([]zotero.File, error)
}

// ocrClient turns attachment files into Markdown documents.
type ocrClient interface {
	ProcessFiles(ctx context.Context, files []mineru.File) ([]mineru.Document, map[string]string, error)
}

// ragClient resolves the target dataset and uploads documents into it.
type ragClient interface {
	FindDataset(ctx context.Context) (dify.Dataset, error)
	GetDatasetInfo(ctx context.Context, datasetID string) (dify.DatasetInfo, error)
	FetchNameIndex(ctx context.Context, datasetID string) (dify.NameIndex, error)
	UploadAll(ctx context.Context, datasetID string, docs []dify.Document, info dify.DatasetInfo, progress dify.ProgressFunc) (dify.UploadResult, error)
}

// docCleaner applies the Markdown cleaning rules and figure rewrites.
type docCleaner interface {
	CleanAll(ctx context.Context, docs []mineru.Document) ([]mineru.Document, mdclean.Aggregate)
}

// docSplitter inserts split markers and partitions oversized documents.
type docSplitter interface {
	SplitAll(docs []mineru.Document) ([]mineru.Document, splitter.Aggregate)
	PartitionForUpload(docs []mineru.Document) ([]splitter.UploadDoc, splitter.PartitionStats)
}

// Runner executes ingestion tasks. Service clients are built per run from
// the task's configuration snapshot, so concurrent tasks with different
// settings never share client state. A nil ledger disables the local
// processed-record hints; the remote name index still prevents duplicates.
type Runner struct {
	ledger     *progress.Ledger
	httpClient *http.Client
	logger     *slog.Logger

	newSource   func(baseURL string) sourceClient
	newOCR      func(cfg mineru.Config) ocrClient
	newRAG      func(cfg dify.Config) ragClient
	newCleaner  func(cfg mdclean.Config, vision mdclean.VisionConfig) docCleaner
	newSplitter func(cfg splitter.Config) docSplitter
}

// NewRunner returns a Runner wired to the real service clients. The ledger
// and logger may be nil.
func NewRunner(ledger *progress.Ledger, httpClient *http.Client, logger *slog.Logger) *Runner {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	r := &Runner{ledger: ledger, httpClient: httpClient, logger: logger}

	r.newSource = func(baseURL string) sourceClient {
		return zotero.NewClient(baseURL, r.httpClient, r.logger)
	}
	r.newOCR = func(cfg mineru.Config) ocrClient {
		return mineru.NewClient(cfg, r.httpClient, r.logger)
	}
	r.newRAG = func(cfg dify.Config) ragClient {
		return dify.NewClient(cfg, r.httpClient, r.logger)
	}
	r.newCleaner = func(cfg mdclean.Config, vision mdclean.VisionConfig) docCleaner {
		return mdclean.NewCleaner(cfg, vision, r.httpClient, r.logger)
	}
	r.newSplitter = func(cfg splitter.Config) docSplitter {
		return splitter.NewSplitter(cfg, r.logger)
	}

	return r
}

// errCancelled aborts the stage flow once the task or its context was
// cancelled.
var errCancelled = errors.New("pipeline: cancelled")

// Run executes the whole pipeline for one task and always leaves it in a
// terminal state. It satisfies task.RunFunc.
func (r *Runner) Run(ctx context.Context, t *task.Task) {
	if !t.MarkRunning() {
		return
	}

	log := r.logger.With(slog.String("task_id", t.ID))

	t.AddEvent(task.LevelInfo, task.StageInit, "task_started", "pipeline started")
	log.Info("pipeline started", slog.Int("collections", len(t.CollectionKeys)))

	err := r.run(ctx, t, log)
	if err == nil {
		return
	}

	if errors.Is(err, errCancelled) || ctx.Err() != nil || t.CancelRequested() {
		// A no-op when the manager already finished the task on cancel;
		// this covers cancellation arriving through the context alone.
		t.Finish(task.StatusCancelled, "", task.LevelWarn, "task_cancelled", "task cancelled")
		log.Warn("pipeline cancelled")

		return
	}

	t.Finish(task.StatusFailed, err.Error(), task.LevelError, "pipeline_error", err.Error())
	log.Error("pipeline failed", slog.String("error", err.Error()))
}

func (r *Runner) run(ctx context.Context, t *task.Task, log *slog.Logger) error {
	cfg := t.Config

	if err := checkCancel(ctx, t); err != nil {
		return err
	}

	// Source collection: connectivity, dataset resolution and ledger
	// reconciliation come first, then the attachment walk itself.
	t.SetStage(task.StageSourceCollect)
	t.AddEvent(task.LevelInfo, task.StageSourceCollect, "stage_enter", "collecting source attachments")

	source := r.newSource(cfg.Zotero.MCPURL)
	if err := source.CheckConnection(ctx); err != nil {
		return fmt.Errorf("pipeline: source bridge unreachable: %w", err)
	}

	rag := r.newRAG(ragConfig(cfg))

	dataset, err := rag.FindDataset(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: resolve dataset: %w", err)
	}

	info, err := rag.GetDatasetInfo(ctx, dataset.ID)
	if err != nil {
		log.Warn("dataset info unavailable, uploads fall back to defaults",
			slog.String("dataset_id", dataset.ID),
			slog.String("error", err.Error()))

		info = dify.DatasetInfo{ID: dataset.ID}
	}

	index, err := rag.FetchNameIndex(ctx, dataset.ID)
	if err != nil {
		return fmt.Errorf("pipeline: fetch remote name index: %w", err)
	}

	t.AddEvent(task.LevelInfo, task.StageSourceCollect, "dataset_doc_total",
		fmt.Sprintf("target dataset holds %d documents", index.Total))

	r.reconcileLedger(ctx, t, log, dataset.ID, index)

	files, err := source.CollectFiles(ctx, zotero.CollectOptions{
		CollectionKeys: t.CollectionKeys,
		Recursive:      cfg.Zotero.CollectionRecursive,
		PageSize:       cfg.Zotero.CollectionPageSize,
		SkipItemKeys:   r.skipSet(ctx, log, dataset.ID, index),
	})
	if err != nil {
		return fmt.Errorf("pipeline: collect files: %w", err)
	}

	if len(files) == 0 {
		t.Finish(task.StatusSucceeded, "", task.LevelInfo, "no_files", "no new files to process")
		log.Info("no new files to process")

		return nil
	}

	names := make([]string, len(files))
	nameByKey := make(map[string]string, len(files))

	for i, f := range files {
		names[i] = filepath.Base(f.Path)
		nameByKey[f.TaskKey] = names[i]
	}

	t.InitFiles(names)
	t.AddEvent(task.LevelInfo, task.StageSourceCollect, "files_collected",
		fmt.Sprintf("collected %d attachment files", len(files)))

	if err := checkCancel(ctx, t); err != nil {
		return err
	}

	// OCR: batch submit plus result polling, failures recorded per file.
	t.SetStage(task.StageOCRUpload)
	t.AddEvent(task.LevelInfo, task.StageOCRUpload, "stage_enter",
		fmt.Sprintf("parsing %d files", len(files)))

	ocrFiles := make([]mineru.File, len(files))
	for i, f := range files {
		ocrFiles[i] = mineru.File{Path: f.Path, TaskKey: f.TaskKey}
	}

	docs, ocrFailures, err := r.newOCR(ocrConfig(cfg)).ProcessFiles(ctx, ocrFiles)
	if err != nil {
		return fmt.Errorf("pipeline: parse files: %w", err)
	}

	t.SetStage(task.StageOCRPoll)

	for key, reason := range ocrFailures {
		r.markFailed(ctx, log, key, dataset.ID, progress.StageMineru, reason)
		t.SetFileState(nameByKey[key], task.FileFailed, task.StageOCRPoll, reason)
	}

	parsed := len(docs)

	t.AddEvent(task.LevelInfo, task.StageOCRPoll, "ocr_done",
		fmt.Sprintf("parsing finished: %d succeeded, %d failed", parsed, len(ocrFailures)))

	if err := checkCancel(ctx, t); err != nil {
		return err
	}

	if parsed == 0 {
		t.Finish(task.StatusFailed, "no file parsed successfully",
			task.LevelWarn, "no_results", "no file parsed successfully")
		log.Warn("no file parsed successfully", slog.Int("failed", len(ocrFailures)))

		return nil
	}

	// Markdown cleanup. Files skipped by request drop out before any
	// further work is spent on them.
	docs = dropSkippedDocs(t, docs)

	t.SetStage(task.StageClean)
	t.AddEvent(task.LevelInfo, task.StageClean, "stage_enter", "cleaning parsed markdown")

	docs, cleanAgg := r.newCleaner(cleanConfig(cfg), visionConfig(cfg)).CleanAll(ctx, docs)

	t.AddEvent(task.LevelInfo, task.StageClean, "clean_done",
		fmt.Sprintf("cleaning finished: %d chars in, %d chars out", cleanAgg.TotalOriginal, cleanAgg.TotalCleaned))

	if cleanAgg.ImageSummary.Enabled {
		t.SetStat("image_summary", map[string]int{
			"total_images":  cleanAgg.ImageSummary.TotalImages,
			"ai_attempted":  cleanAgg.ImageSummary.AIAttempted,
			"ai_succeeded":  cleanAgg.ImageSummary.AISucceeded,
			"ai_failed":     cleanAgg.ImageSummary.AIFailed,
			"fallback_used": cleanAgg.ImageSummary.FallbackUsed,
		})
	}

	if err := checkCancel(ctx, t); err != nil {
		return err
	}

	// Split markers, then the mandatory upload-size partition.
	t.SetStage(task.StageSmartSplit)

	split := r.newSplitter(splitConfig(cfg))

	if cfg.SmartSplit.Enabled {
		t.AddEvent(task.LevelInfo, task.StageSmartSplit, "stage_enter", "inserting split markers")

		var splitAgg splitter.Aggregate

		docs, splitAgg = split.SplitAll(docs)

		t.AddEvent(task.LevelInfo, task.StageSmartSplit, "split_done",
			fmt.Sprintf("split finished: %d markers across %d files", splitAgg.TotalSplits, splitAgg.FileCount))
	} else {
		t.AddEvent(task.LevelInfo, task.StageSmartSplit, "skipped", "smart split disabled")
	}

	uploadDocs, partStats := split.PartitionForUpload(docs)

	if partStats.SplitSourceFiles > 0 {
		t.AddEvent(task.LevelInfo, task.StageSmartSplit, "upload_partition",
			fmt.Sprintf("%d oversized files partitioned into %d parts",
				partStats.SplitSourceFiles, partStats.TotalParts))
		t.SetStat("upload_partition", map[string]int{
			"split_files":  partStats.SplitSourceFiles,
			"total_parts":  partStats.TotalParts,
			"heading_cuts": partStats.HeadingCuts,
			"hard_cuts":    partStats.HardCuts,
		})
	}

	if err := checkCancel(ctx, t); err != nil {
		return err
	}

	// Upload and indexing. Skip requests may have arrived while earlier
	// stages ran, so enforce them once more.
	uploadDocs = dropSkippedUploads(t, uploadDocs)

	t.SetStage(task.StageUpload)
	t.AddEvent(task.LevelInfo, task.StageUpload, "stage_enter",
		fmt.Sprintf("uploading %d documents", len(uploadDocs)))

	ragDocs := make([]dify.Document, len(uploadDocs))
	for i, ud := range uploadDocs {
		ragDocs[i] = dify.Document{
			ItemKey:  baseItemKey(ud.TaskKey),
			TaskKey:  ud.TaskKey,
			FileName: ud.FileName,
			Text:     ud.Text,
		}
	}

	result, err := rag.UploadAll(ctx, dataset.ID, ragDocs, info, func(ev dify.ProgressEvent) {
		if ev.Kind == dify.EventIndexWaitBegin {
			t.SetStage(task.StageIndex)
			t.AddEvent(task.LevelInfo, task.StageIndex, "index_wait", "waiting for document indexing")
		}
	})
	if err != nil {
		return fmt.Errorf("pipeline: upload documents: %w", err)
	}

	uploaded, failed := r.settleOutcomes(ctx, t, log, dataset.ID, uploadDocs, result)

	t.AddEvent(task.LevelInfo, t.Stage(), "upload_done",
		fmt.Sprintf("upload finished: %d succeeded, %d failed", len(uploaded), len(failed)))

	t.SetStage(task.StageFinalize)

	ocrFailed := 0

	for key := range ocrFailures {
		if !t.Skipped(nameByKey[key]) {
			ocrFailed++
		}
	}

	summary := fmt.Sprintf("pipeline finished: parsed %d/%d files, uploaded %d/%d documents",
		parsed, len(files), len(uploaded), len(uploaded)+len(failed))

	switch {
	case ocrFailed == 0 && len(failed) == 0:
		t.Finish(task.StatusSucceeded, "", task.LevelInfo, "task_finished", summary)
	case len(uploaded) > 0:
		t.Finish(task.StatusPartialSucceeded, "", task.LevelInfo, "task_finished", summary)
	default:
		t.Finish(task.StatusFailed, "all files failed", task.LevelError, "task_finished", summary)
	}

	log.Info("pipeline finished",
		slog.Int("parsed", parsed),
		slog.Int("collected", len(files)),
		slog.Int("uploaded", len(uploaded)),
		slog.Int("upload_failed", len(failed)))

	return nil
}

// checkCancel runs between stages; a cancelled task stops before the next
// stage starts.
func checkCancel(ctx context.Context, t *task.Task) error {
	if ctx.Err() != nil || t.CancelRequested() {
		return errCancelled
	}

	return nil
}

// reconcileLedger clears contradictory and stale local records before the
// collector consults them. Ledger trouble never stops a run.
func (r *Runner) reconcileLedger(ctx context.Context, t *task.Task, log *slog.Logger, datasetID string, index dify.NameIndex) {
	if r.ledger == nil {
		return
	}

	cleaned, err := r.ledger.CleanConflicts(ctx, datasetID)

	switch {
	case err != nil:
		log.Warn("progress conflict cleanup failed", slog.String("error", err.Error()))
	case cleaned > 0:
		t.AddEvent(task.LevelWarn, task.StageSourceCollect, "progress_conflict_cleaned",
			fmt.Sprintf("%d conflicting processed records cleared for retry", cleaned))
	}

	purged, reason, err := r.ledger.ReconcileRemote(ctx, datasetID, index)
	if err != nil {
		log.Warn("progress reconciliation failed", slog.String("error", err.Error()))

		return
	}

	switch {
	case purged > 0 && reason == progress.ReasonEmptyDataset:
		t.AddEvent(task.LevelWarn, task.StageSourceCollect, "stale_processed_cleaned",
			fmt.Sprintf("target dataset is empty, purged %d local processed records for re-upload", purged))
	case purged > 0:
		t.AddEvent(task.LevelWarn, task.StageSourceCollect, "stale_processed_cleaned",
			fmt.Sprintf("purged %d local processed records absent from the remote index", purged))
	case reason == progress.ReasonNoPrefixedKey:
		t.AddEvent(task.LevelInfo, task.StageSourceCollect, "remote_name_index_unavailable",
			"remote document names carry no item key prefix, name cleanup skipped")
	}
}

// skipSet unions the item keys already present remotely with the local
// processed records that survived reconciliation.
func (r *Runner) skipSet(ctx context.Context, log *slog.Logger, datasetID string, index dify.NameIndex) map[string]bool {
	skip := make(map[string]bool, len(index.ItemKeys))
	for key := range index.ItemKeys {
		skip[key] = true
	}

	if r.ledger == nil {
		return skip
	}

	processed, err := r.ledger.ProcessedKeys(ctx, datasetID)
	if err != nil {
		log.Warn("reading processed records failed", slog.String("error", err.Error()))

		return skip
	}

	for key := range processed {
		skip[key] = true
	}

	return skip
}

// settleOutcomes folds per-document upload results back onto the collected
// files. A partitioned file succeeds only when every part finished
// indexing; any failed part fails the whole file. Skipped files get
// neither a mark nor a file state.
func (r *Runner) settleOutcomes(ctx context.Context, t *task.Task, log *slog.Logger, datasetID string, uploadDocs []splitter.UploadDoc, result dify.UploadResult) (uploaded, failed []string) {
	okKeys := make(map[string]bool, len(result.Uploaded))
	for _, k := range result.Uploaded {
		okKeys[k] = true
	}

	badKeys := make(map[string]bool, len(result.Failed))
	for _, k := range result.Failed {
		badKeys[k] = true
	}

	type outcome struct {
		fileName string
		total    int
		ok       int
	}

	order := make([]string, 0, len(uploadDocs))
	outcomes := make(map[string]*outcome, len(uploadDocs))

	for _, ud := range uploadDocs {
		parentKey := ud.TaskKey
		name := ud.FileName

		if ud.ParentTaskKey != "" {
			parentKey = ud.ParentTaskKey
			name = ud.SourceFileName
		}

		o := outcomes[parentKey]
		if o == nil {
			o = &outcome{fileName: name}
			outcomes[parentKey] = o
			order = append(order, parentKey)
		}

		o.total++

		if okKeys[ud.TaskKey] && !badKeys[ud.TaskKey] {
			o.ok++
		}
	}

	for _, parentKey := range order {
		o := outcomes[parentKey]
		if t.Skipped(o.fileName) {
			continue
		}

		if o.ok == o.total {
			uploaded = append(uploaded, parentKey)
			r.markProcessed(ctx, log, parentKey, datasetID, o.fileName)
			t.SetFileState(o.fileName, task.FileSucceeded, task.StageIndex, "")

			continue
		}

		reason := "upload or indexing failed"
		if o.total > 1 {
			reason = fmt.Sprintf("upload or indexing failed for %d of %d parts", o.total-o.ok, o.total)
		}

		failed = append(failed, parentKey)
		r.markFailed(ctx, log, parentKey, datasetID, progress.StageDify, reason)
		t.SetFileState(o.fileName, task.FileFailed, task.StageUpload, reason)
	}

	return uploaded, failed
}

func (r *Runner) markProcessed(ctx context.Context, log *slog.Logger, taskKey, datasetID, fileName string) {
	if r.ledger == nil {
		return
	}

	if err := r.ledger.MarkProcessed(ctx, taskKey, datasetID, fileName); err != nil {
		log.Warn("recording processed mark failed",
			slog.String("task_key", taskKey),
			slog.String("error", err.Error()))
	}
}

func (r *Runner) markFailed(ctx context.Context, log *slog.Logger, taskKey, datasetID, stage, reason string) {
	if r.ledger == nil {
		return
	}

	if err := r.ledger.MarkFailed(ctx, taskKey, datasetID, stage, reason); err != nil {
		log.Warn("recording failure mark failed",
			slog.String("task_key", taskKey),
			slog.String("error", err.Error()))
	}
}

// dropSkippedDocs removes documents whose file was skipped by request.
func dropSkippedDocs(t *task.Task, docs []mineru.Document) []mineru.Document {
	kept := docs[:0]

	for _, d := range docs {
		if t.Skipped(d.FileName) {
			continue
		}

		kept = append(kept, d)
	}

	return kept
}

// dropSkippedUploads removes upload documents whose source file was
// skipped by request.
func dropSkippedUploads(t *task.Task, docs []splitter.UploadDoc) []splitter.UploadDoc {
	kept := docs[:0]

	for _, d := range docs {
		if t.Skipped(sourceName(d)) {
			continue
		}

		kept = append(kept, d)
	}

	return kept
}

// sourceName names the collected file an upload document came from.
func sourceName(d splitter.UploadDoc) string {
	if d.SourceFileName != "" {
		return d.SourceFileName
	}

	return d.FileName
}

// baseItemKey strips the "#index" and "#partN" suffixes a task key
// carries, leaving the source item key.
func baseItemKey(taskKey string) string {
	base, _, _ := strings.Cut(taskKey, "#")

	return base
}
