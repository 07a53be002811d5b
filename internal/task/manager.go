package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	stdsync "sync"

	"github.com/jadechjin/zotero-mineru-dify/internal/runtimecfg"
)

var (
	// ErrBusy is returned by Create when the number of queued plus running
	// tasks has reached the concurrency cap.
	ErrBusy = errors.New("task: concurrency limit reached")

	// ErrNotFound is returned for an unknown task id.
	ErrNotFound = errors.New("task: not found")

	// ErrNotCancellable is returned when cancelling a task that is neither
	// queued nor running.
	ErrNotCancellable = errors.New("task: not cancellable")

	// ErrNotQueued is returned by Start for a task that already ran.
	ErrNotQueued = errors.New("task: not queued")

	// ErrUnknownFile is returned by skip-file for a filename the task never
	// collected.
	ErrUnknownFile = errors.New("task: unknown file")

	// ErrFileTerminal is returned by skip-file for a file that already
	// reached a terminal state.
	ErrFileTerminal = errors.New("task: file already terminal")
)

// RunFunc executes one task. The context is cancelled when the task is
// cancelled or the manager shuts down; the function owns all status and
// stage transitions except the panic fallback.
type RunFunc func(ctx context.Context, t *Task)

// Manager owns task registration and admission. Every mutation of the
// registry is serialized under the manager lock; per-task mutations are
// serialized by the task's own lock.
type Manager struct {
	mu            stdsync.Mutex
	tasks         map[string]*Task
	order         []string
	cancels       map[string]context.CancelFunc
	maxConcurrent int
	logger        *slog.Logger
}

// NewManager creates a manager admitting at most maxConcurrent tasks in the
// queued or running states. Values below one fall back to one.
func NewManager(maxConcurrent int, logger *slog.Logger) *Manager {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	return &Manager{
		tasks:         make(map[string]*Task),
		cancels:       make(map[string]context.CancelFunc),
		maxConcurrent: maxConcurrent,
		logger:        logger,
	}
}

// Create registers a new queued task carrying the collection scope and the
// immutable config snapshot. Returns ErrBusy when the cap is reached.
func (m *Manager) Create(collectionKeys []string, cfg *runtimecfg.Snapshot, version int) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := 0

	for _, t := range m.tasks {
		switch t.Status() {
		case StatusQueued, StatusRunning:
			active++
		}
	}

	if active >= m.maxConcurrent {
		return nil, ErrBusy
	}

	t := newTask(collectionKeys, cfg, version)
	m.tasks[t.ID] = t
	m.order = append(m.order, t.ID)

	m.logger.Info("task created",
		slog.String("task_id", t.ID),
		slog.Int("collections", len(collectionKeys)),
		slog.Int("config_version", version),
	)

	return t, nil
}

// Start launches the run function for a queued task in its own goroutine.
// A panic in the run function fails the task with the panic message; the
// stack is logged.
func (m *Manager) Start(id string, run RunFunc) error {
	m.mu.Lock()

	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}

	if t.Status() != StatusQueued {
		m.mu.Unlock()
		return ErrNotQueued
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancels[id] = cancel
	m.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("task panicked",
					slog.String("task_id", id),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				t.Finish(StatusFailed, fmt.Sprintf("internal error: %v", r),
					LevelError, "task_error", fmt.Sprintf("internal error: %v", r))
			}

			m.mu.Lock()
			delete(m.cancels, id)
			m.mu.Unlock()

			cancel()
		}()

		run(ctx, t)
	}()

	return nil
}

// Get returns the task for id.
func (m *Manager) Get(id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}

	return t, nil
}

// List returns summaries of all tasks in creation order.
func (m *Manager) List() []Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Summary, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.tasks[id].Summary())
	}

	return out
}

// Cancel requests cooperative cancellation of a queued or running task and
// immediately transitions it to cancelled. The runner's context is cancelled
// so in-flight I/O unwinds; its own terminal transition then becomes a no-op.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()

	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}

	cancel := m.cancels[id]
	m.mu.Unlock()

	switch t.Status() {
	case StatusQueued, StatusRunning:
	default:
		return ErrNotCancellable
	}

	t.RequestCancel()
	t.Finish(StatusCancelled, "", LevelInfo, "task_cancelled", "cancellation requested")

	if cancel != nil {
		cancel()
	}

	m.logger.Info("task cancelled", slog.String("task_id", id))

	return nil
}

// SkipFile marks a not-yet-terminal file of the task as skipped.
func (m *Manager) SkipFile(id, filename string) error {
	t, err := m.Get(id)
	if err != nil {
		return err
	}

	if err := t.SkipFile(filename); err != nil {
		return err
	}

	t.AddEvent(LevelInfo, t.Stage(), "file_skipped", fmt.Sprintf("file skipped by request: %s", filename))

	m.logger.Info("file skipped",
		slog.String("task_id", id),
		slog.String("filename", filename),
	)

	return nil
}

// Events returns the task's events with sequence numbers greater than
// afterSeq.
func (m *Manager) Events(id string, afterSeq int64) ([]Event, error) {
	t, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	return t.Events(afterSeq), nil
}
