// Package frontier implements the durable URL queue and result cache
// backing a check job. One SQLite database per job id is the single
// source of truth for task state; every mutating operation is a
// transaction, so a crash between steps never loses or double-claims a
// task.
package frontier

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // sqlite driver

	"github.com/avelieva/linksentry/internal/check"
	"github.com/avelieva/linksentry/internal/manifest"
)

var (
	// ErrEmpty signals that no pending tasks remain and no claims are
	// outstanding. It is a completion sentinel, not a failure.
	ErrEmpty = errors.New("frontier: empty")
	// ErrBusy signals that nothing is claimable right now but claims
	// are still outstanding; recursion may add more pending tasks.
	ErrBusy = errors.New("frontier: no pending task, claims outstanding")
	// ErrJobOpen signals a duplicate open of a live job id.
	ErrJobOpen = errors.New("frontier: job already open")
	// ErrCorrupt signals an unreadable on-disk store.
	ErrCorrupt = errors.New("frontier: store unreadable")
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	url        TEXT NOT NULL,
	parent_url TEXT NOT NULL DEFAULT '',
	depth      INTEGER NOT NULL DEFAULT 0,
	state      TEXT NOT NULL DEFAULT 'pending',
	claimed_by TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_url ON tasks(url);
CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);

CREATE TABLE IF NOT EXISTS results (
	url          TEXT PRIMARY KEY,
	task_id      INTEGER NOT NULL,
	parent_url   TEXT NOT NULL DEFAULT '',
	valid        INTEGER NOT NULL DEFAULT 1,
	warnings     TEXT NOT NULL DEFAULT '[]',
	info         TEXT NOT NULL DEFAULT '[]',
	check_time   REAL NOT NULL DEFAULT 0,
	size         INTEGER NOT NULL DEFAULT -1,
	content_type TEXT NOT NULL DEFAULT '',
	depth        INTEGER NOT NULL DEFAULT 0,
	extern       INTEGER NOT NULL DEFAULT 0,
	checked_at   TEXT NOT NULL
);
`

// openJobs guards against two orchestrators sharing one job id within
// the process.
var openJobs = struct {
	mu  sync.Mutex
	ids map[string]struct{}
}{ids: make(map[string]struct{})}

func register(jobID string) error {
	openJobs.mu.Lock()
	defer openJobs.mu.Unlock()
	if _, ok := openJobs.ids[jobID]; ok {
		return fmt.Errorf("%w: %s", ErrJobOpen, jobID)
	}
	openJobs.ids[jobID] = struct{}{}
	return nil
}

func unregister(jobID string) {
	openJobs.mu.Lock()
	defer openJobs.mu.Unlock()
	delete(openJobs.ids, jobID)
}

// Frontier is a durable work queue plus result cache for one job id.
type Frontier struct {
	jobID string
	path  string
	db    *sql.DB

	// mu serializes mutating transactions; SQLite allows one writer.
	mu     sync.Mutex
	closed bool
}

// Open opens the durable store for jobID under dir, creating an empty
// one if none exists. A fresh start is simply an open of a new job id.
// It fails with ErrJobOpen when the job id is already held, and with
// ErrCorrupt when an existing file is unreadable.
func Open(dir, jobID string) (*Frontier, error) {
	if jobID == "" {
		return nil, errors.New("frontier: job id is required")
	}
	if err := register(jobID); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		unregister(jobID)
		return nil, fmt.Errorf("frontier: create data dir: %w", err)
	}
	path := Path(dir, jobID)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		unregister(jobID)
		return nil, fmt.Errorf("frontier: open %s: %w", path, err)
	}
	f := &Frontier{jobID: jobID, path: path, db: db}
	if err := f.init(); err != nil {
		_ = db.Close()
		unregister(jobID)
		return nil, err
	}
	return f, nil
}

// Path returns the on-disk location of the store for jobID. Stores are
// content-addressed by the job id string.
func Path(dir, jobID string) string {
	return filepath.Join(dir, jobID+".db")
}

// Exists reports whether a durable store exists for jobID under dir.
func Exists(dir, jobID string) bool {
	_, err := os.Stat(Path(dir, jobID))
	return err == nil
}

func (f *Frontier) init() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := f.db.Exec(p); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCorrupt, f.path, err)
		}
	}
	if _, err := f.db.Exec(schema); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, f.path, err)
	}
	var stored string
	err := f.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := f.db.Exec(
			`INSERT OR REPLACE INTO meta (key, value) VALUES ('schema_version', ?)`,
			fmt.Sprint(schemaVersion),
		); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCorrupt, f.path, err)
		}
	case err != nil:
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, f.path, err)
	case stored != fmt.Sprint(schemaVersion):
		return fmt.Errorf("%w: %s: schema version %s", ErrCorrupt, f.path, stored)
	}
	return nil
}

// JobID returns the job this frontier belongs to.
func (f *Frontier) JobID() string {
	return f.jobID
}

// SetManifest persists the job manifest for later resume validation.
func (f *Frontier) SetManifest(ctx context.Context, m manifest.Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("frontier: marshal manifest: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO meta (key, value) VALUES ('manifest', ?)`, string(data),
	); err != nil {
		return fmt.Errorf("frontier: store manifest: %w", err)
	}
	return nil
}

// Manifest loads the persisted manifest. The second return value is
// false when none has been stored yet (a brand-new frontier).
func (f *Frontier) Manifest(ctx context.Context) (manifest.Manifest, bool, error) {
	var raw string
	err := f.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'manifest'`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return manifest.Manifest{}, false, nil
	}
	if err != nil {
		return manifest.Manifest{}, false, fmt.Errorf("frontier: load manifest: %w", err)
	}
	var m manifest.Manifest
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return manifest.Manifest{}, false, fmt.Errorf("%w: %s: bad manifest: %v", ErrCorrupt, f.path, err)
	}
	return m, true, nil
}

// Enqueue adds url as a pending task. Duplicate URLs are ignored; the
// boolean reports whether a new task was created.
func (f *Frontier) Enqueue(ctx context.Context, url, parentURL string, depth int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, err := f.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO tasks (url, parent_url, depth, state, created_at)
		 VALUES (?, ?, ?, 'pending', ?)`,
		url, parentURL, depth, now(),
	)
	if err != nil {
		return false, fmt.Errorf("frontier: enqueue %s: %w", url, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("frontier: enqueue %s: %w", url, err)
	}
	return n > 0, nil
}

// EnqueueSeeds adds the seed URLs at depth 0 inside one transaction.
func (f *Frontier) EnqueueSeeds(ctx context.Context, urls []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("frontier: begin seed tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, u := range urls {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO tasks (url, parent_url, depth, state, created_at)
			 VALUES (?, '', 0, 'pending', ?)`,
			u, now(),
		); err != nil {
			return fmt.Errorf("frontier: enqueue seed %s: %w", u, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("frontier: commit seeds: %w", err)
	}
	return nil
}

// ClaimNext atomically selects the oldest pending task (FIFO by
// discovery order), transitions it to in_progress and records the
// claiming worker. It returns ErrEmpty when the frontier is drained and
// ErrBusy when nothing is pending but claims are still outstanding.
func (f *Frontier) ClaimNext(ctx context.Context, workerID string) (check.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return check.Task{}, fmt.Errorf("frontier: begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var task check.Task
	err = tx.QueryRowContext(ctx,
		`SELECT id, url, parent_url, depth FROM tasks
		 WHERE state = 'pending' ORDER BY id ASC LIMIT 1`,
	).Scan(&task.ID, &task.URL, &task.ParentURL, &task.Depth)
	if errors.Is(err, sql.ErrNoRows) {
		var inProgress int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM tasks WHERE state = 'in_progress'`,
		).Scan(&inProgress); err != nil {
			return check.Task{}, fmt.Errorf("frontier: count in-progress: %w", err)
		}
		if inProgress > 0 {
			return check.Task{}, ErrBusy
		}
		return check.Task{}, ErrEmpty
	}
	if err != nil {
		return check.Task{}, fmt.Errorf("frontier: select pending: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET state = 'in_progress', claimed_by = ?, updated_at = ?
		 WHERE id = ? AND state = 'pending'`,
		workerID, now(), task.ID,
	)
	if err != nil {
		return check.Task{}, fmt.Errorf("frontier: claim task %d: %w", task.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return check.Task{}, fmt.Errorf("frontier: task %d claimed concurrently", task.ID)
	}
	if err := tx.Commit(); err != nil {
		return check.Task{}, fmt.Errorf("frontier: commit claim: %w", err)
	}
	task.State = check.TaskInProgress
	task.ClaimedBy = workerID
	return task, nil
}

// Complete atomically marks the task done and persists its result
// record. Both writes land in the same transaction so an observer never
// sees a done task without a result.
func (f *Frontier) Complete(ctx context.Context, url string, rec check.Record) error {
	warnings, err := json.Marshal(emptyToList(rec.Warnings))
	if err != nil {
		return fmt.Errorf("frontier: marshal warnings: %w", err)
	}
	info, err := json.Marshal(emptyToList(rec.Info))
	if err != nil {
		return fmt.Errorf("frontier: marshal info: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("frontier: begin complete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var taskID int64
	if err := tx.QueryRowContext(ctx,
		`SELECT id FROM tasks WHERE url = ? AND state = 'in_progress'`, url,
	).Scan(&taskID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("frontier: complete %s: task not in progress", url)
		}
		return fmt.Errorf("frontier: complete %s: %w", url, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET state = 'done', claimed_by = NULL, updated_at = ? WHERE id = ?`,
		now(), taskID,
	); err != nil {
		return fmt.Errorf("frontier: mark done %s: %w", url, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO results
		 (url, task_id, parent_url, valid, warnings, info, check_time,
		  size, content_type, depth, extern, checked_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		url, taskID, rec.ParentURL, boolToInt(rec.Valid), string(warnings), string(info),
		rec.CheckTime, rec.Size, rec.ContentType, rec.Depth, boolToInt(rec.External),
		rec.CheckedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("frontier: persist result %s: %w", url, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("frontier: commit complete: %w", err)
	}
	return nil
}

// RequeueInProgress moves every in-progress task back to pending in one
// transaction, for pause or crash recovery. It returns the number of
// tasks requeued.
func (f *Frontier) RequeueInProgress(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, err := f.db.ExecContext(ctx,
		`UPDATE tasks SET state = 'pending', claimed_by = NULL, updated_at = ?
		 WHERE state = 'in_progress'`,
		now(),
	)
	if err != nil {
		return 0, fmt.Errorf("frontier: requeue in-progress: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("frontier: requeue in-progress: %w", err)
	}
	return n, nil
}

// Counts returns the current pending/in-progress/done tallies.
func (f *Frontier) Counts(ctx context.Context) (check.Counts, error) {
	var c check.Counts
	rows, err := f.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM tasks GROUP BY state`,
	)
	if err != nil {
		return c, fmt.Errorf("frontier: counts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return c, fmt.Errorf("frontier: scan counts: %w", err)
		}
		switch check.TaskState(state) {
		case check.TaskPending:
			c.Pending = n
		case check.TaskInProgress:
			c.InProgress = n
		case check.TaskDone:
			c.Done = n
		}
	}
	if err := rows.Err(); err != nil {
		return c, fmt.Errorf("frontier: counts: %w", err)
	}
	return c, nil
}

// Results loads every persisted result record in discovery order, for
// reloading an observer view on resume.
func (f *Frontier) Results(ctx context.Context) ([]check.Record, error) {
	rows, err := f.db.QueryContext(ctx,
		`SELECT url, parent_url, valid, warnings, info, check_time,
		        size, content_type, depth, extern, checked_at
		 FROM results ORDER BY task_id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("frontier: load results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []check.Record
	for rows.Next() {
		var rec check.Record
		var valid, extern int
		var warnings, info, checkedAt string
		if err := rows.Scan(
			&rec.URL, &rec.ParentURL, &valid, &warnings, &info, &rec.CheckTime,
			&rec.Size, &rec.ContentType, &rec.Depth, &extern, &checkedAt,
		); err != nil {
			return nil, fmt.Errorf("frontier: scan result: %w", err)
		}
		rec.Valid = valid != 0
		rec.External = extern != 0
		if err := json.Unmarshal([]byte(warnings), &rec.Warnings); err != nil {
			return nil, fmt.Errorf("%w: %s: bad warnings for %s", ErrCorrupt, f.path, rec.URL)
		}
		if err := json.Unmarshal([]byte(info), &rec.Info); err != nil {
			return nil, fmt.Errorf("%w: %s: bad info for %s", ErrCorrupt, f.path, rec.URL)
		}
		if ts, err := time.Parse(time.RFC3339Nano, checkedAt); err == nil {
			rec.CheckedAt = ts
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("frontier: load results: %w", err)
	}
	return out, nil
}

// Close releases the database handle and the job id. The on-disk state
// is retained for a later resume.
func (f *Frontier) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	unregister(f.jobID)
	if err := f.db.Close(); err != nil {
		return fmt.Errorf("frontier: close: %w", err)
	}
	return nil
}

// Delete closes the store and removes its files; no resume is possible
// afterwards.
func (f *Frontier) Delete() error {
	if err := f.Close(); err != nil {
		return err
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		path := f.path + suffix
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("frontier: remove %s: %w", path, err)
		}
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func emptyToList(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
