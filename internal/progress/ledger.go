// Package progress persists per-attachment pipeline outcomes in an embedded
// SQLite database. The ledger is an optimization hint, not a source of truth:
// collection skips union it with the remote document index, and reconciliation
// purges entries the remote dataset no longer backs.
package progress

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".

	"github.com/jadechjin/zotero-mineru-dify/internal/dify"
)

// Record kinds stored in the records table.
const (
	KindProcessed = "processed"
	KindFailed    = "failed"
)

// Stage labels recorded with failures.
const (
	StageMineru = "mineru"
	StageDify   = "dify"
)

// Reasons returned by ReconcileRemote.
const (
	// ReasonEmptyDataset means the remote dataset held no documents, so every
	// processed record for it was purged.
	ReasonEmptyDataset = "empty-dataset"

	// ReasonNoPrefixedKey means no remote document name carried an item-key
	// prefix, so name-based reconciliation was skipped.
	ReasonNoPrefixedKey = "no-prefixed-item-key"

	// ReasonNameIndex means processed records were checked one by one against
	// the remote name index.
	ReasonNameIndex = "name-index"
)

const walJournalSizeLimit = 67108864 // 64 MiB WAL journal size limit

// Ledger stores processed and failed attachment records. A task key may hold
// one row of each kind per dataset: upload failures do not erase an earlier
// processed mark, the conflict cleaner does that on the next run.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
	stmts  ledgerStatements
}

type ledgerStatements struct {
	markProcessed   *sql.Stmt
	clearFailed     *sql.Stmt
	markFailed      *sql.Stmt
	processedKeys   *sql.Stmt
	listProcessed   *sql.Stmt
	deleteProcessed *sql.Stmt
	purgeProcessed  *sql.Stmt
	cleanConflicts  *sql.Stmt
}

// --- SQL query constants ---

const (
	sqlMarkProcessed = `INSERT INTO records
		(task_key, dataset_id, kind, file_name, stage, reason, updated_at)
		VALUES (?, ?, 'processed', ?, '', '', ?)
		ON CONFLICT(task_key, dataset_id, kind) DO UPDATE
		SET file_name = excluded.file_name, updated_at = excluded.updated_at`

	sqlClearFailed = `DELETE FROM records
		WHERE task_key = ? AND dataset_id = ? AND kind = 'failed'`

	sqlMarkFailed = `INSERT INTO records
		(task_key, dataset_id, kind, file_name, stage, reason, updated_at)
		VALUES (?, ?, 'failed', '', ?, ?, ?)
		ON CONFLICT(task_key, dataset_id, kind) DO UPDATE
		SET stage = excluded.stage, reason = excluded.reason,
			updated_at = excluded.updated_at`

	sqlProcessedKeys = `SELECT task_key FROM records
		WHERE dataset_id = ? AND kind = 'processed'`

	sqlListProcessed = `SELECT task_key, file_name FROM records
		WHERE dataset_id = ? AND kind = 'processed'`

	sqlDeleteProcessed = `DELETE FROM records
		WHERE task_key = ? AND dataset_id = ? AND kind = 'processed'`

	sqlPurgeProcessed = `DELETE FROM records
		WHERE dataset_id = ? AND kind = 'processed'`

	sqlCleanConflicts = `DELETE FROM records
		WHERE dataset_id = ? AND kind = 'processed' AND task_key IN (
			SELECT task_key FROM records
			WHERE dataset_id = ? AND kind = 'failed' AND stage = 'dify')`
)

// NewLedger opens the database at dbPath, applies migrations, and prepares
// all repeated statements. Use ":memory:" for tests.
func NewLedger(dbPath string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("opening progress ledger", slog.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("progress: open sqlite: %w", err)
	}

	// Single connection: serializes writers and keeps every statement on the
	// same in-memory database under ":memory:".
	db.SetMaxOpenConns(1)

	if err := setPragmas(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	l := &Ledger{db: db, logger: logger}

	if err := l.prepareStatements(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("progress: prepare statements: %w", err)
	}

	logger.Info("progress ledger ready", slog.String("path", dbPath))

	return l, nil
}

// setPragmas configures SQLite for WAL mode.
func setPragmas(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	pragmas := []struct {
		sql  string
		desc string
	}{
		{"PRAGMA journal_mode = WAL", "WAL mode"},
		{"PRAGMA synchronous = NORMAL", "synchronous NORMAL"},
		{fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit), "journal size limit"},
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.sql); err != nil {
			return fmt.Errorf("progress: set pragma %s: %w", p.desc, err)
		}

		logger.Debug("pragma set", slog.String("pragma", p.desc))
	}

	return nil
}

// stmtDef maps a SQL string to the prepared statement pointer it should
// populate.
type stmtDef struct {
	dest **sql.Stmt
	sql  string
	name string
}

func (l *Ledger) prepareStatements(ctx context.Context) error {
	defs := []stmtDef{
		{&l.stmts.markProcessed, sqlMarkProcessed, "markProcessed"},
		{&l.stmts.clearFailed, sqlClearFailed, "clearFailed"},
		{&l.stmts.markFailed, sqlMarkFailed, "markFailed"},
		{&l.stmts.processedKeys, sqlProcessedKeys, "processedKeys"},
		{&l.stmts.listProcessed, sqlListProcessed, "listProcessed"},
		{&l.stmts.deleteProcessed, sqlDeleteProcessed, "deleteProcessed"},
		{&l.stmts.purgeProcessed, sqlPurgeProcessed, "purgeProcessed"},
		{&l.stmts.cleanConflicts, sqlCleanConflicts, "cleanConflicts"},
	}

	for i := range defs {
		stmt, err := l.db.PrepareContext(ctx, defs[i].sql)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", defs[i].name, err)
		}

		*defs[i].dest = stmt
	}

	return nil
}

// MarkProcessed records a successful upload for taskKey in the dataset and
// drops any failed row the same pair carried.
func (l *Ledger) MarkProcessed(ctx context.Context, taskKey, datasetID, fileName string) error {
	l.logger.Debug("marking processed",
		slog.String("task_key", taskKey), slog.String("dataset_id", datasetID))

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("progress: begin mark processed: %w", err)
	}

	now := time.Now().UnixNano()

	if _, execErr := tx.StmtContext(ctx, l.stmts.markProcessed).ExecContext(ctx, taskKey, datasetID, fileName, now); execErr != nil {
		rollbackErr := tx.Rollback()
		return fmt.Errorf("progress: mark processed %s: %w (rollback: %v)", taskKey, execErr, rollbackErr)
	}

	if _, execErr := tx.StmtContext(ctx, l.stmts.clearFailed).ExecContext(ctx, taskKey, datasetID); execErr != nil {
		rollbackErr := tx.Rollback()
		return fmt.Errorf("progress: clear failed %s: %w (rollback: %v)", taskKey, execErr, rollbackErr)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("progress: commit mark processed: %w", err)
	}

	return nil
}

// MarkFailed records a failure for taskKey in the dataset. An existing
// processed row stays untouched; the next run's CleanConflicts resolves the
// pair in favor of a retry.
func (l *Ledger) MarkFailed(ctx context.Context, taskKey, datasetID, stage, reason string) error {
	l.logger.Debug("marking failed",
		slog.String("task_key", taskKey),
		slog.String("dataset_id", datasetID),
		slog.String("stage", stage))

	_, err := l.stmts.markFailed.ExecContext(ctx, taskKey, datasetID, stage, reason, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("progress: mark failed %s: %w", taskKey, err)
	}

	return nil
}

// ProcessedKeys returns the base item keys of every processed record for the
// dataset. Task keys compose the item key with "#"-separated suffixes, so a
// single uploaded part marks its whole item as processed.
func (l *Ledger) ProcessedKeys(ctx context.Context, datasetID string) (map[string]bool, error) {
	rows, err := l.stmts.processedKeys.QueryContext(ctx, datasetID)
	if err != nil {
		return nil, fmt.Errorf("progress: processed keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]bool)

	for rows.Next() {
		var taskKey string
		if err := rows.Scan(&taskKey); err != nil {
			return nil, fmt.Errorf("progress: scan processed key: %w", err)
		}

		keys[baseItemKey(taskKey)] = true
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("progress: iterate processed keys: %w", err)
	}

	return keys, nil
}

// CleanConflicts removes processed rows that also carry an upload-stage
// failure in the same dataset, so those attachments are retried. Returns the
// number of rows removed.
func (l *Ledger) CleanConflicts(ctx context.Context, datasetID string) (int, error) {
	result, err := l.stmts.cleanConflicts.ExecContext(ctx, datasetID, datasetID)
	if err != nil {
		return 0, fmt.Errorf("progress: clean conflicts: %w", err)
	}

	affected, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		l.logger.Warn("could not read rows affected", slog.String("error", rowsErr.Error()))
	}

	if affected > 0 {
		l.logger.Info("cleaned conflicting processed records",
			slog.String("dataset_id", datasetID), slog.Int64("count", affected))
	}

	return int(affected), nil
}

// ReconcileRemote checks processed records against the remote document index
// and purges rows the dataset no longer backs. It returns the purge count and
// the reason that drove the decision.
//
// An empty dataset purges every processed record for it. A dataset whose
// document names carry no item-key prefix cannot be matched, so nothing is
// purged. Otherwise a record survives when either its expected document name
// or its base item key is present remotely.
func (l *Ledger) ReconcileRemote(ctx context.Context, datasetID string, index dify.NameIndex) (int, string, error) {
	if index.Total == 0 {
		result, err := l.stmts.purgeProcessed.ExecContext(ctx, datasetID)
		if err != nil {
			return 0, "", fmt.Errorf("progress: purge processed: %w", err)
		}

		affected, rowsErr := result.RowsAffected()
		if rowsErr != nil {
			l.logger.Warn("could not read rows affected", slog.String("error", rowsErr.Error()))
		}

		l.logPurged(datasetID, int(affected), ReasonEmptyDataset)

		return int(affected), ReasonEmptyDataset, nil
	}

	if len(index.ItemKeys) == 0 {
		return 0, ReasonNoPrefixedKey, nil
	}

	stale, err := l.staleProcessedKeys(ctx, datasetID, index)
	if err != nil {
		return 0, "", err
	}

	if len(stale) == 0 {
		return 0, ReasonNameIndex, nil
	}

	if err := l.deleteProcessedKeys(ctx, datasetID, stale); err != nil {
		return 0, "", err
	}

	l.logPurged(datasetID, len(stale), ReasonNameIndex)

	return len(stale), ReasonNameIndex, nil
}

// staleProcessedKeys collects processed task keys whose expected document
// name and base item key are both absent from the remote index.
func (l *Ledger) staleProcessedKeys(ctx context.Context, datasetID string, index dify.NameIndex) ([]string, error) {
	rows, err := l.stmts.listProcessed.QueryContext(ctx, datasetID)
	if err != nil {
		return nil, fmt.Errorf("progress: list processed: %w", err)
	}
	defer rows.Close()

	var stale []string

	for rows.Next() {
		var taskKey, fileName string
		if err := rows.Scan(&taskKey, &fileName); err != nil {
			return nil, fmt.Errorf("progress: scan processed row: %w", err)
		}

		itemKey := baseItemKey(taskKey)
		if index.HasName(dify.MarkdownDocName(itemKey, fileName)) {
			continue
		}

		if index.HasItemKey(itemKey) {
			continue
		}

		stale = append(stale, taskKey)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("progress: iterate processed rows: %w", err)
	}

	return stale, nil
}

// deleteProcessedKeys removes the given processed rows in one transaction.
func (l *Ledger) deleteProcessedKeys(ctx context.Context, datasetID string, taskKeys []string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("progress: begin purge: %w", err)
	}

	stmt := tx.StmtContext(ctx, l.stmts.deleteProcessed)

	for _, taskKey := range taskKeys {
		if _, execErr := stmt.ExecContext(ctx, taskKey, datasetID); execErr != nil {
			rollbackErr := tx.Rollback()
			return fmt.Errorf("progress: delete processed %s: %w (rollback: %v)", taskKey, execErr, rollbackErr)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("progress: commit purge: %w", err)
	}

	return nil
}

func (l *Ledger) logPurged(datasetID string, count int, reason string) {
	if count == 0 {
		return
	}

	l.logger.Info("purged stale processed records",
		slog.String("dataset_id", datasetID),
		slog.Int("count", count),
		slog.String("reason", reason))
}

// DatasetStatus aggregates the ledger rows of one dataset.
type DatasetStatus struct {
	DatasetID string    `json:"dataset_id"`
	Processed int       `json:"processed"`
	Failed    int       `json:"failed"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FailureRecord is one remembered attachment failure.
type FailureRecord struct {
	TaskKey   string    `json:"task_key"`
	DatasetID string    `json:"dataset_id"`
	Stage     string    `json:"stage"`
	Reason    string    `json:"reason"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DatasetStatuses summarizes every dataset the ledger has seen, ordered by
// dataset id. Status reads run once per invocation, so they query the
// database directly instead of going through a prepared statement.
func (l *Ledger) DatasetStatuses(ctx context.Context) ([]DatasetStatus, error) {
	const query = `SELECT dataset_id,
			COUNT(CASE WHEN kind = 'processed' THEN 1 END),
			COUNT(CASE WHEN kind = 'failed' THEN 1 END),
			MAX(updated_at)
		FROM records GROUP BY dataset_id ORDER BY dataset_id`

	rows, err := l.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("progress: dataset statuses: %w", err)
	}
	defer rows.Close()

	var statuses []DatasetStatus

	for rows.Next() {
		var (
			s       DatasetStatus
			updated int64
		)

		if err := rows.Scan(&s.DatasetID, &s.Processed, &s.Failed, &updated); err != nil {
			return nil, fmt.Errorf("progress: scan dataset status: %w", err)
		}

		s.UpdatedAt = time.Unix(0, updated)
		statuses = append(statuses, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("progress: iterate dataset statuses: %w", err)
	}

	return statuses, nil
}

// RecentFailures returns the newest failure records across all datasets,
// newest first, capped at limit.
func (l *Ledger) RecentFailures(ctx context.Context, limit int) ([]FailureRecord, error) {
	if limit < 1 {
		return nil, nil
	}

	const query = `SELECT task_key, dataset_id, stage, reason, updated_at
		FROM records WHERE kind = 'failed'
		ORDER BY updated_at DESC, task_key LIMIT ?`

	rows, err := l.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("progress: recent failures: %w", err)
	}
	defer rows.Close()

	var failures []FailureRecord

	for rows.Next() {
		var (
			f       FailureRecord
			updated int64
		)

		if err := rows.Scan(&f.TaskKey, &f.DatasetID, &f.Stage, &f.Reason, &updated); err != nil {
			return nil, fmt.Errorf("progress: scan failure record: %w", err)
		}

		f.UpdatedAt = time.Unix(0, updated)
		failures = append(failures, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("progress: iterate failure records: %w", err)
	}

	return failures, nil
}

// Close closes all prepared statements and the database connection.
func (l *Ledger) Close() error {
	l.logger.Info("closing progress ledger")

	stmts := []*sql.Stmt{
		l.stmts.markProcessed, l.stmts.clearFailed, l.stmts.markFailed,
		l.stmts.processedKeys, l.stmts.listProcessed,
		l.stmts.deleteProcessed, l.stmts.purgeProcessed, l.stmts.cleanConflicts,
	}

	var errs []string

	for _, stmt := range stmts {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
	}

	if err := l.db.Close(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("progress: close ledger: %s", strings.Join(errs, "; "))
	}

	return nil
}

// baseItemKey strips the "#"-separated suffixes a task key composes onto the
// item key.
func baseItemKey(taskKey string) string {
	key, _, _ := strings.Cut(taskKey, "#")
	return key
}
