// Package journal keeps a queryable history of pipeline runs, rollups and
// baseline seeding operations in a SQL database.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver
)

// Dialect selects placeholder syntax.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// Run kinds.
const (
	KindRun          = "run"
	KindRollup       = "rollup"
	KindSeedBaseline = "seed-baseline"
)

// ErrNotFound is returned for unknown run ids.
var ErrNotFound = errors.New("journal: run not found")

// Run is one journal row.
type Run struct {
	RunID        string          `json:"run_id"`
	Kind         string          `json:"kind"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	Status       string          `json:"status"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	SnapshotDate string          `json:"snapshot_date,omitempty"`
	Detail       json.RawMessage `json:"detail,omitempty"`
}

// StatusRunning marks a run that has begun but not finished.
const StatusRunning = "running"

const schema = `
CREATE TABLE IF NOT EXISTS evidence_runs (
	run_id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP,
	status TEXT NOT NULL,
	error_kind TEXT NOT NULL DEFAULT '',
	snapshot_date TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '{}'
);
`

// Journal implements run history over database/sql.
type Journal struct {
	db      *sql.DB
	dialect Dialect
	clock   func() time.Time
}

// New wraps an open database.
func New(db *sql.DB, dialect Dialect) *Journal {
	return &Journal{db: db, dialect: dialect, clock: time.Now}
}

// Open connects with the named driver and applies the schema.
func Open(ctx context.Context, driver, dsn string) (*Journal, error) {
	var d Dialect
	switch driver {
	case "sqlite":
		d = SQLite
	case "postgres":
		d = Postgres
	default:
		return nil, fmt.Errorf("journal: unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	if d == SQLite {
		// One writer; avoids SQLITE_BUSY between pooled connections.
		db.SetMaxOpenConns(1)
	}
	j := New(db, d)
	if err := j.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

// Init creates the table.
func (j *Journal) Init(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("journal: migrate: %w", err)
	}
	return nil
}

// Close closes the database.
func (j *Journal) Close() error { return j.db.Close() }

// rebind rewrites ? placeholders as $n for postgres.
func (j *Journal) rebind(query string) string {
	if j.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Begin records the start of a run.
func (j *Journal) Begin(ctx context.Context, runID, kind string) error {
	_, err := j.db.ExecContext(ctx, j.rebind(
		`INSERT INTO evidence_runs (run_id, kind, started_at, status) VALUES (?, ?, ?, ?)`),
		runID, kind, j.clock().UTC(), StatusRunning)
	if err != nil {
		return fmt.Errorf("journal: begin %s: %w", runID, err)
	}
	return nil
}

// Finish records the outcome of a run.
func (j *Journal) Finish(ctx context.Context, runID, status, errorKind, snapshotDate string, detail any) error {
	payload := []byte("{}")
	if detail != nil {
		b, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("journal: encode detail: %w", err)
		}
		payload = b
	}
	res, err := j.db.ExecContext(ctx, j.rebind(
		`UPDATE evidence_runs SET finished_at = ?, status = ?, error_kind = ?, snapshot_date = ?, detail = ? WHERE run_id = ?`),
		j.clock().UTC(), status, errorKind, snapshotDate, string(payload), runID)
	if err != nil {
		return fmt.Errorf("journal: finish %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return nil
}

// Recent returns the most recent runs, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx, j.rebind(
		`SELECT run_id, kind, started_at, finished_at, status, error_kind, snapshot_date, detail
		FROM evidence_runs ORDER BY started_at DESC, run_id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("journal: recent: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r        Run
			finished sql.NullTime
			detail   string
		)
		if err := rows.Scan(&r.RunID, &r.Kind, &r.StartedAt, &finished, &r.Status, &r.ErrorKind, &r.SnapshotDate, &detail); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		r.Detail = json.RawMessage(detail)
		out = append(out, r)
	}
	return out, rows.Err()
}
