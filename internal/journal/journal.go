package journal

import (
	"fmt"
	"log/slog"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jmoiron/sqlx"
	"github.com/opine/edgesync/internal/db"
	"github.com/opine/edgesync/internal/transfer"
)

const schema = `
CREATE TABLE IF NOT EXISTS transfer_jobs (
    id TEXT PRIMARY KEY,
    rule TEXT NOT NULL,
    full_sync INTEGER NOT NULL,
    paths INTEGER NOT NULL,
    bytes INTEGER NOT NULL,
    outcome TEXT NOT NULL,
    reason TEXT NOT NULL,
    attempt INTEGER NOT NULL,
    started_at TEXT NOT NULL, -- fixed-width RFC3339 so text order is time order
    finished_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_rule_finished ON transfer_jobs(rule, finished_at);

CREATE TABLE IF NOT EXISTS pending_paths (
    rule TEXT NOT NULL,
    path TEXT NOT NULL,
    failed_at TEXT NOT NULL,
    PRIMARY KEY (rule, path)
);
`

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Entry is one recorded transfer job.
type Entry struct {
	ID         string    `db:"id"`
	Rule       string    `db:"rule"`
	Full       bool      `db:"full_sync"`
	Paths      int       `db:"paths"`
	Bytes      int64     `db:"bytes"`
	Outcome    string    `db:"outcome"`
	Reason     string    `db:"reason"`
	Attempt    int       `db:"attempt"`
	StartedAt  time.Time `db:"-"`
	FinishedAt time.Time `db:"-"`
}

type dbEntry struct {
	Entry
	StartedAt  string `db:"started_at"`
	FinishedAt string `db:"finished_at"`
}

// Stats aggregates a rule's history.
type Stats struct {
	Succeeded int   `db:"succeeded"`
	Failed    int   `db:"failed"`
	Bytes     int64 `db:"bytes"`
}

// Journal persists transfer outcomes and the paths whose last transfer
// failed, so they are retried with the rule's next batch even after a
// restart.
type Journal struct {
	db   *sqlx.DB
	path string
}

// Open opens (creating if needed) the journal at path. An empty path keeps
// the journal in memory.
func Open(path string) (*Journal, error) {
	opts := []db.SqliteOption{db.WithMaxOpenConns(1)}
	if path != "" {
		opts = append(opts, db.WithPath(path))
	}
	conn, err := db.NewSqliteDB(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}
	return &Journal{db: conn, path: path}, nil
}

func (j *Journal) Close() error {
	if err := j.db.Close(); err != nil {
		slog.Error("failed to close journal", "path", j.path, "error", err)
		return err
	}
	return nil
}

// Record stores a finished job.
func (j *Journal) Record(r *transfer.Result) error {
	if r == nil {
		return fmt.Errorf("cannot record nil result")
	}
	row := dbEntry{
		Entry: Entry{
			ID:      r.JobID,
			Rule:    r.Rule,
			Full:    r.Full,
			Paths:   len(r.Paths),
			Bytes:   r.BytesTransferred,
			Outcome: string(r.Outcome),
			Reason:  r.Reason,
			Attempt: r.Attempt,
		},
		StartedAt:  r.StartedAt.UTC().Format(timeLayout),
		FinishedAt: r.FinishedAt.UTC().Format(timeLayout),
	}
	_, err := j.db.NamedExec(`
		INSERT OR REPLACE INTO transfer_jobs
			(id, rule, full_sync, paths, bytes, outcome, reason, attempt, started_at, finished_at)
		VALUES
			(:id, :rule, :full_sync, :paths, :bytes, :outcome, :reason, :attempt, :started_at, :finished_at)`, row)
	if err != nil {
		return fmt.Errorf("failed to record job %s: %w", r.JobID, err)
	}
	return nil
}

// Recent returns up to n jobs of rule, newest first.
func (j *Journal) Recent(rule string, n int) ([]Entry, error) {
	var rows []dbEntry
	err := j.db.Select(&rows, `
		SELECT id, rule, full_sync, paths, bytes, outcome, reason, attempt, started_at, finished_at
		FROM transfer_jobs WHERE rule = ? ORDER BY finished_at DESC LIMIT ?`, rule, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs for %s: %w", rule, err)
	}

	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		e := row.Entry
		e.StartedAt, _ = time.Parse(timeLayout, row.StartedAt)
		e.FinishedAt, _ = time.Parse(timeLayout, row.FinishedAt)
		entries = append(entries, e)
	}
	return entries, nil
}

// Stats returns success/failure counts and total bytes for rule.
func (j *Journal) Stats(rule string) (Stats, error) {
	var s Stats
	err := j.db.Get(&s, `
		SELECT
			COALESCE(SUM(CASE WHEN outcome = 'succeeded' THEN 1 ELSE 0 END), 0) AS succeeded,
			COALESCE(SUM(CASE WHEN outcome = 'failed' THEN 1 ELSE 0 END), 0) AS failed,
			COALESCE(SUM(bytes), 0) AS bytes
		FROM transfer_jobs WHERE rule = ?`, rule)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to query stats for %s: %w", rule, err)
	}
	return s, nil
}

// AddPending marks paths of rule as waiting for a retry.
func (j *Journal) AddPending(rule string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	now := time.Now().UTC().Format(timeLayout)

	tx, err := j.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, p := range paths {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO pending_paths (rule, path, failed_at) VALUES (?, ?, ?)`, rule, p, now); err != nil {
			return fmt.Errorf("failed to add pending path %s: %w", p, err)
		}
	}
	return tx.Commit()
}

// Pending returns the paths of rule waiting for a retry.
func (j *Journal) Pending(rule string) (mapset.Set[string], error) {
	var paths []string
	if err := j.db.Select(&paths, `SELECT path FROM pending_paths WHERE rule = ?`, rule); err != nil {
		return nil, fmt.Errorf("failed to query pending paths for %s: %w", rule, err)
	}
	return mapset.NewSet(paths...), nil
}

// ClearPending removes paths of rule from the retry set. A nil paths clears
// every pending path of the rule.
func (j *Journal) ClearPending(rule string, paths []string) error {
	if paths == nil {
		_, err := j.db.Exec(`DELETE FROM pending_paths WHERE rule = ?`, rule)
		return err
	}

	tx, err := j.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, p := range paths {
		if _, err := tx.Exec(`DELETE FROM pending_paths WHERE rule = ? AND path = ?`, rule, p); err != nil {
			return fmt.Errorf("failed to clear pending path %s: %w", p, err)
		}
	}
	return tx.Commit()
}
