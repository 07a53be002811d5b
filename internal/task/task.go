// Package task implements the ingestion task model: lifecycle status, stage
// progression, per-file states, the append-only event log, and the manager
// that owns task registration, bounded admission, and cooperative
// cancellation.
package task

import (
	"strings"
	stdsync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/jadechjin/zotero-mineru-dify/internal/runtimecfg"
)

// Status is the lifecycle state of a task. Transitions are monotonic toward
// a terminal value; once terminal, status and stage never change again.
type Status string

const (
	StatusQueued           Status = "queued"
	StatusRunning          Status = "running"
	StatusSucceeded        Status = "succeeded"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
	StatusPartialSucceeded Status = "partial_succeeded"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusPartialSucceeded:
		return true
	default:
		return false
	}
}

// Stage identifies a pipeline phase. Stages advance strictly forward;
// cancellation or error freezes the task at its current stage.
type Stage string

const (
	StageInit          Stage = "init"
	StageSourceCollect Stage = "source_collect"
	StageOCRUpload     Stage = "ocr_upload"
	StageOCRPoll       Stage = "ocr_poll"
	StageClean         Stage = "clean"
	StageSmartSplit    Stage = "smart_split"
	StageUpload        Stage = "upload"
	StageIndex         Stage = "index"
	StageFinalize      Stage = "finalize"
)

// stageOrder drives the forward-only stage guard.
var stageOrder = map[Stage]int{
	StageInit:          0,
	StageSourceCollect: 1,
	StageOCRUpload:     2,
	StageOCRPoll:       3,
	StageClean:         4,
	StageSmartSplit:    5,
	StageUpload:        6,
	StageIndex:         7,
	StageFinalize:      8,
}

// FileStatus is the per-file lifecycle state. Succeeded, failed, and skipped
// are terminal; skipped is only entered by explicit user request.
type FileStatus string

const (
	FilePending    FileStatus = "pending"
	FileProcessing FileStatus = "processing"
	FileSucceeded  FileStatus = "succeeded"
	FileFailed     FileStatus = "failed"
	FileSkipped    FileStatus = "skipped"
)

// Terminal reports whether the file status is final.
func (s FileStatus) Terminal() bool {
	switch s {
	case FileSucceeded, FileFailed, FileSkipped:
		return true
	default:
		return false
	}
}

// FileState tracks one collected attachment through the pipeline.
type FileState struct {
	Name   string     `json:"filename"`
	Status FileStatus `json:"status"`
	Stage  Stage      `json:"stage"`
	Error  string     `json:"error,omitempty"`
}

// Level is the severity of an event record.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is one append-only log record. Sequence numbers start at 1 and are
// strictly increasing per task; timestamps are Unix seconds.
type Event struct {
	Seq     int64   `json:"seq"`
	TS      float64 `json:"ts"`
	Level   Level   `json:"level"`
	Stage   Stage   `json:"stage"`
	Tag     string  `json:"event"`
	Message string  `json:"message"`
}

// Summary is the list-view projection of a task.
type Summary struct {
	TaskID         string         `json:"task_id"`
	Status         Status         `json:"status"`
	Stage          Stage          `json:"stage"`
	CreatedAt      float64        `json:"created_at"`
	StartedAt      *float64       `json:"started_at"`
	FinishedAt     *float64       `json:"finished_at"`
	CollectionKeys []string       `json:"collection_keys"`
	ConfigVersion  int            `json:"config_version"`
	Error          string         `json:"error,omitempty"`
	Stats          map[string]any `json:"stats"`
}

// Detail is the single-task projection: the summary plus per-file states.
type Detail struct {
	Summary
	Files []FileState `json:"files"`
}

// timeNow is swapped in tests for deterministic timestamps.
var timeNow = time.Now

// Task is one ingestion run. All mutable fields are guarded by mu; mutators
// silently drop writes once the task is terminal, which keeps the status and
// stage invariants intact even when the runner races a cancellation.
type Task struct {
	ID             string
	CollectionKeys []string
	Config         *runtimecfg.Snapshot
	ConfigVersion  int

	mu         stdsync.Mutex
	status     Status
	stage      Stage
	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time
	errMsg     string
	files      []FileState
	fileIdx    map[string]int // filename -> first index in files
	events     []Event
	seq        int64
	stats      map[string]any
	skip       map[string]struct{}
	cancel     bool
}

func newTask(keys []string, cfg *runtimecfg.Snapshot, version int) *Task {
	return &Task{
		ID:             newTaskID(),
		CollectionKeys: keys,
		Config:         cfg,
		ConfigVersion:  version,
		status:         StatusQueued,
		stage:          StageInit,
		createdAt:      timeNow(),
		fileIdx:        make(map[string]int),
		stats:          make(map[string]any),
		skip:           make(map[string]struct{}),
	}
}

func newTaskID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Status returns the current lifecycle status.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.status
}

// Stage returns the current pipeline stage.
func (t *Task) Stage() Stage {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.stage
}

// MarkRunning transitions queued -> running and stamps the start time.
// Returns false if the task is not queued.
func (t *Task) MarkRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != StatusQueued {
		return false
	}

	t.status = StatusRunning
	t.startedAt = timeNow()

	return true
}

// SetStage advances the stage. Backward moves and writes after a terminal
// status are dropped.
func (t *Task) SetStage(stage Stage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status.Terminal() {
		return false
	}

	if stageOrder[stage] <= stageOrder[t.stage] && stage != t.stage {
		return false
	}

	t.stage = stage

	return true
}

// AddEvent appends an event unless the task is already terminal.
func (t *Task) AddEvent(level Level, stage Stage, tag, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status.Terminal() {
		return
	}

	t.appendEventLocked(level, stage, tag, message)
}

func (t *Task) appendEventLocked(level Level, stage Stage, tag, message string) {
	t.seq++
	t.events = append(t.events, Event{
		Seq:     t.seq,
		TS:      unixSeconds(timeNow()),
		Level:   level,
		Stage:   stage,
		Tag:     tag,
		Message: message,
	})
}

// Finish moves the task to a terminal status, stamps the finish time, and
// appends the closing event in the same critical section. Returns false when
// the task was already terminal, in which case nothing is recorded.
func (t *Task) Finish(status Status, errMsg string, level Level, tag, message string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status.Terminal() {
		return false
	}

	t.appendEventLocked(level, t.stage, tag, message)
	t.status = status
	t.errMsg = errMsg
	t.finishedAt = timeNow()

	return true
}

// Events returns a copy of all events with sequence numbers greater than
// afterSeq, in order.
func (t *Task) Events(afterSeq int64) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Event, 0, len(t.events))

	for _, ev := range t.events {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}

	return out
}

// InitFiles registers the collected filenames as pending file states. When
// two attachments share a basename, lookups resolve to the first occurrence.
func (t *Task) InitFiles(names []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, name := range names {
		if _, ok := t.fileIdx[name]; !ok {
			t.fileIdx[name] = len(t.files)
		}

		t.files = append(t.files, FileState{Name: name, Status: FilePending})
	}
}

// SetFileState updates the named file's status, stage, and error text.
// Writes to a file already in a terminal state are dropped, so a skip
// request cannot be overridden by a later pipeline update.
func (t *Task) SetFileState(name string, status FileStatus, stage Stage, errMsg string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.fileIdx[name]
	if !ok {
		return false
	}

	if t.files[idx].Status.Terminal() {
		return false
	}

	t.files[idx].Status = status
	t.files[idx].Stage = stage
	t.files[idx].Error = errMsg

	return true
}

// SkipFile marks a not-yet-terminal file as skipped and adds it to the skip
// set consulted by the runner before the clean and upload stages.
func (t *Task) SkipFile(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.fileIdx[name]
	if !ok {
		return ErrUnknownFile
	}

	if t.files[idx].Status.Terminal() {
		return ErrFileTerminal
	}

	t.files[idx].Status = FileSkipped
	t.skip[name] = struct{}{}

	return nil
}

// Skipped reports whether the named file has been skipped.
func (t *Task) Skipped(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.skip[name]

	return ok
}

// SkipSet returns a copy of the skip set.
func (t *Task) SkipSet() map[string]struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]struct{}, len(t.skip))
	for name := range t.skip {
		out[name] = struct{}{}
	}

	return out
}

// Files returns a copy of the per-file states in collection order.
func (t *Task) Files() []FileState {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]FileState, len(t.files))
	copy(out, t.files)

	return out
}

// SetStat records a named runtime statistic surfaced in the task summary.
func (t *Task) SetStat(key string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats[key] = value
}

// RequestCancel sets the cooperative cancel flag. The runner observes it at
// stage boundaries; the manager separately transitions the task status.
func (t *Task) RequestCancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cancel = true
}

// CancelRequested reports whether cancellation has been requested.
func (t *Task) CancelRequested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.cancel
}

// Error returns the terminal error string, empty unless the task failed.
func (t *Task) Error() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.errMsg
}

// Summary builds the list-view projection. File counts and runtime
// statistics are merged into a single stats map; skipped files are counted
// separately and never as failures.
func (t *Task) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.summaryLocked()
}

func (t *Task) summaryLocked() Summary {
	var succeeded, failed, pending, skipped int

	for _, f := range t.files {
		switch f.Status {
		case FileSucceeded:
			succeeded++
		case FileFailed:
			failed++
		case FileSkipped:
			skipped++
		case FilePending, FileProcessing:
			pending++
		}
	}

	stats := map[string]any{
		"total":     len(t.files),
		"succeeded": succeeded,
		"failed":    failed,
		"pending":   pending,
		"skipped":   skipped,
	}

	for k, v := range t.stats {
		stats[k] = v
	}

	keys := make([]string, len(t.CollectionKeys))
	copy(keys, t.CollectionKeys)

	return Summary{
		TaskID:         t.ID,
		Status:         t.status,
		Stage:          t.stage,
		CreatedAt:      unixSeconds(t.createdAt),
		StartedAt:      unixSecondsPtr(t.startedAt),
		FinishedAt:     unixSecondsPtr(t.finishedAt),
		CollectionKeys: keys,
		ConfigVersion:  t.ConfigVersion,
		Error:          t.errMsg,
		Stats:          stats,
	}
}

// Detail builds the single-task projection including file states.
func (t *Task) Detail() Detail {
	t.mu.Lock()
	defer t.mu.Unlock()

	files := make([]FileState, len(t.files))
	copy(files, t.files)

	return Detail{Summary: t.summaryLocked(), Files: files}
}

func unixSeconds(ts time.Time) float64 {
	return float64(ts.UnixNano()) / float64(time.Second)
}

func unixSecondsPtr(ts time.Time) *float64 {
	if ts.IsZero() {
		return nil
	}

	v := unixSeconds(ts)

	return &v
}
