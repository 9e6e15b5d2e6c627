// Package history records completed-session summaries and their result
// rows for later retrieval and trend analysis. It is independent of any
// in-flight job.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/avelieva/linksentry/internal/check"
)

// ErrNotFound signals that the requested session does not exist.
var ErrNotFound = errors.New("history: session not found")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	job_id        TEXT NOT NULL DEFAULT '',
	seeds         TEXT NOT NULL DEFAULT '[]',
	started_at    TEXT NOT NULL,
	duration_ms   INTEGER NOT NULL DEFAULT 0,
	total         INTEGER NOT NULL DEFAULT 0,
	valid_count   INTEGER NOT NULL DEFAULT 0,
	error_count   INTEGER NOT NULL DEFAULT 0,
	warning_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);

CREATE TABLE IF NOT EXISTS results (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id   TEXT NOT NULL,
	url          TEXT NOT NULL,
	parent_url   TEXT NOT NULL DEFAULT '',
	valid        INTEGER NOT NULL DEFAULT 1,
	warnings     TEXT NOT NULL DEFAULT '[]',
	info         TEXT NOT NULL DEFAULT '[]',
	check_time   REAL NOT NULL DEFAULT 0,
	size         INTEGER NOT NULL DEFAULT -1,
	content_type TEXT NOT NULL DEFAULT '',
	depth        INTEGER NOT NULL DEFAULT 0,
	extern       INTEGER NOT NULL DEFAULT 0,
	checked_at   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_results_session ON results(session_id);
`

// Session is one stored summary row.
type Session struct {
	ID           string        `json:"id"`
	JobID        string        `json:"job_id"`
	SeedURLs     []string      `json:"seed_urls"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Total        int           `json:"total"`
	ValidCount   int           `json:"valid_count"`
	ErrorCount   int           `json:"error_count"`
	WarningCount int           `json:"warning_count"`
}

// TrendBucket aggregates one day's error totals.
type TrendBucket struct {
	Day    string `json:"day"`
	Errors int64  `json:"errors"`
	Total  int64  `json:"total"`
}

// Store persists session history in a single SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the history database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("history: create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("history: open %s: %w", path, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// SaveSession stores the summary and its result rows in one
// transaction; partial writes are never observable. It returns the
// session id, generating one when the summary carries none.
func (s *Store) SaveSession(ctx context.Context, sum check.Summary, results []check.Record) (string, error) {
	sessionID := sum.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	seeds, err := json.Marshal(sum.SeedURLs)
	if err != nil {
		return "", fmt.Errorf("history: marshal seeds: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("history: begin save tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions
		 (id, job_id, seeds, started_at, duration_ms, total, valid_count, error_count, warning_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, sum.JobID, string(seeds),
		sum.StartedAt.UTC().Format(time.RFC3339Nano), sum.Duration.Milliseconds(),
		sum.Total, sum.ValidCount, sum.ErrorCount, sum.WarningCount,
	); err != nil {
		return "", fmt.Errorf("history: insert session: %w", err)
	}

	for _, rec := range results {
		warnings, err := json.Marshal(rec.Warnings)
		if err != nil {
			return "", fmt.Errorf("history: marshal warnings: %w", err)
		}
		info, err := json.Marshal(rec.Info)
		if err != nil {
			return "", fmt.Errorf("history: marshal info: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO results
			 (session_id, url, parent_url, valid, warnings, info, check_time,
			  size, content_type, depth, extern, checked_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sessionID, rec.URL, rec.ParentURL, boolToInt(rec.Valid),
			string(warnings), string(info), rec.CheckTime, rec.Size,
			rec.ContentType, rec.Depth, boolToInt(rec.External),
			rec.CheckedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return "", fmt.Errorf("history: insert result: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("history: commit save: %w", err)
	}
	return sessionID, nil
}

// ListSessions returns up to limit summaries, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, seeds, started_at, duration_ms, total,
		        valid_count, error_count, warning_count
		 FROM sessions ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("history: list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: list sessions: %w", err)
	}
	return out, nil
}

// GetSession loads a single summary or returns ErrNotFound.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, job_id, seeds, started_at, duration_ms, total,
		        valid_count, error_count, warning_count
		 FROM sessions WHERE id = ?`,
		sessionID,
	)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return sess, err
}

// SessionResults returns the full result sequence for one session, or
// an empty slice when the session is unknown.
func (s *Store) SessionResults(ctx context.Context, sessionID string) ([]check.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT url, parent_url, valid, warnings, info, check_time,
		        size, content_type, depth, extern, checked_at
		 FROM results WHERE session_id = ? ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("history: session results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []check.Record{}
	for rows.Next() {
		var rec check.Record
		var valid, extern int
		var warnings, info, checkedAt string
		if err := rows.Scan(
			&rec.URL, &rec.ParentURL, &valid, &warnings, &info, &rec.CheckTime,
			&rec.Size, &rec.ContentType, &rec.Depth, &extern, &checkedAt,
		); err != nil {
			return nil, fmt.Errorf("history: scan result: %w", err)
		}
		rec.Valid = valid != 0
		rec.External = extern != 0
		_ = json.Unmarshal([]byte(warnings), &rec.Warnings)
		_ = json.Unmarshal([]byte(info), &rec.Info)
		if ts, err := time.Parse(time.RFC3339Nano, checkedAt); err == nil {
			rec.CheckedAt = ts
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: session results: %w", err)
	}
	return out, nil
}

// Trend aggregates error counts per day over the trailing window.
// Sessions whose seed list contains no URL matching urlPattern
// (substring match) are excluded. Buckets are keyed by the session's
// start date and returned oldest first.
func (s *Store) Trend(ctx context.Context, urlPattern string, days int) ([]TrendBucket, error) {
	if days <= 0 {
		days = 30
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(time.RFC3339Nano)
	query := `SELECT date(started_at) AS day, SUM(error_count), SUM(total)
	          FROM sessions WHERE started_at >= ?`
	args := []any{cutoff}
	if urlPattern != "" {
		query += ` AND seeds LIKE ?`
		args = append(args, "%"+urlPattern+"%")
	}
	query += ` GROUP BY day ORDER BY day ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: trend: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TrendBucket
	for rows.Next() {
		var b TrendBucket
		if err := rows.Scan(&b.Day, &b.Errors, &b.Total); err != nil {
			return nil, fmt.Errorf("history: scan trend: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: trend: %w", err)
	}
	return out, nil
}

// DeleteSession removes the summary and all its result rows in one
// transaction. Deleting an unknown id is a no-op.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history: begin delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM results WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("history: delete results: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("history: delete session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("history: commit delete: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("history: close: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var seeds, startedAt string
	var durationMs int64
	if err := row.Scan(
		&sess.ID, &sess.JobID, &seeds, &startedAt, &durationMs,
		&sess.Total, &sess.ValidCount, &sess.ErrorCount, &sess.WarningCount,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, err
		}
		return Session{}, fmt.Errorf("history: scan session: %w", err)
	}
	if err := json.Unmarshal([]byte(seeds), &sess.SeedURLs); err != nil {
		return Session{}, fmt.Errorf("history: bad seeds for %s: %w", sess.ID, err)
	}
	if ts, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
		sess.StartedAt = ts
	}
	sess.Duration = time.Duration(durationMs) * time.Millisecond
	return sess, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
