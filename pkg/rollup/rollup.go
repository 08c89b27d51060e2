// Package rollup stacks the tabular evidence of every snapshot in an ISO week
// or calendar month into one table per artifact.
package rollup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tbowman01/shared-github-actions/pkg/audit"
	"github.com/tbowman01/shared-github-actions/pkg/evidence"
	"github.com/tbowman01/shared-github-actions/pkg/ledger"
	"github.com/tbowman01/shared-github-actions/pkg/lock"
	"github.com/tbowman01/shared-github-actions/pkg/publish"
)

// Cadence is a rollup period length.
type Cadence string

const (
	Weekly  Cadence = "weekly"
	Monthly Cadence = "monthly"
)

// DateColumn is prepended to every aggregate table.
const DateColumn = "snapshot_date"

var (
	weekKeyRe  = regexp.MustCompile(`^\d{4}-W(0[1-9]|[1-4]\d|5[0-3])$`)
	monthKeyRe = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)
)

// ParseCadence parses "weekly" or "monthly".
func ParseCadence(s string) (Cadence, error) {
	switch Cadence(s) {
	case Weekly, Monthly:
		return Cadence(s), nil
	}
	return "", fmt.Errorf("unknown rollup period %q (want weekly or monthly)", s)
}

// PeriodKey returns the period key of t.
func PeriodKey(c Cadence, t time.Time) string {
	if c == Monthly {
		return evidence.MonthKey(t)
	}
	return evidence.WeekKey(t)
}

// ValidKey reports whether key is well formed for the cadence.
func ValidKey(c Cadence, key string) bool {
	if c == Monthly {
		return monthKeyRe.MatchString(key)
	}
	return weekKeyRe.MatchString(key)
}

// Contains reports whether a snapshot date falls in the period.
func Contains(c Cadence, key, date string) bool {
	t, err := evidence.ParseDateKey(date)
	if err != nil {
		return false
	}
	return PeriodKey(c, t) == key
}

// Result summarizes one rollup computation.
type Result struct {
	Cadence   Cadence                  `json:"cadence"`
	Key       string                   `json:"key"`
	Snapshots []string                 `json:"snapshots"`
	Artifacts []publish.RollupArtifact `json:"artifacts"`
	Dir       string                   `json:"dir"`
}

// Aggregator computes rollups from a ledger.
type Aggregator struct {
	ledger  *ledger.Ledger
	locker  lock.Locker
	audit   audit.Logger
	workers int
	logger  *slog.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLocker overrides the per-period lock.
func WithLocker(l lock.Locker) Option { return func(a *Aggregator) { a.locker = l } }

// WithAudit sets the audit sink.
func WithAudit(l audit.Logger) Option { return func(a *Aggregator) { a.audit = l } }

// WithWorkers bounds parallel snapshot reads.
func WithWorkers(n int) Option { return func(a *Aggregator) { a.workers = n } }

// New creates an Aggregator over l.
func New(l *ledger.Ledger, opts ...Option) *Aggregator {
	a := &Aggregator{
		ledger:  l,
		locker:  lock.NewFileLock(l.LocksDir(), lock.DefaultTTL),
		audit:   audit.Nop{},
		workers: 4,
		logger:  slog.Default().With("component", "rollup"),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.workers < 1 {
		a.workers = 1
	}
	return a
}

type snapshotTables struct {
	date   string
	tables map[string]*evidence.Table
}

// Run recomputes the rollup of one period and replaces any previous rollup of
// that period wholesale. Identical snapshots yield byte-identical output.
func (a *Aggregator) Run(ctx context.Context, c Cadence, key string) (*Result, error) {
	op := fmt.Sprintf("rollup %s %s", c, key)
	if !ValidKey(c, key) {
		return nil, evidence.E(evidence.KindConfig, op, fmt.Errorf("invalid %s key %q", c, key))
	}

	lease, err := lock.Acquire(ctx, a.locker, fmt.Sprintf("rollup-%s-%s", c, key))
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			a.logger.WarnContext(ctx, "release rollup lock", "error", rerr)
		}
	}()

	all, err := a.ledger.Dates()
	if err != nil {
		return nil, evidence.E(evidence.KindLedgerCommit, op, err)
	}
	var dates []string
	for _, d := range all {
		if Contains(c, key, d) {
			dates = append(dates, d)
		}
	}

	snaps, err := a.read(ctx, dates)
	if err != nil {
		return nil, evidence.E(evidence.KindLedgerCommit, op, err)
	}

	res, err := a.write(ctx, c, key, snaps)
	if err != nil {
		return nil, evidence.E(evidence.KindLedgerCommit, op, err)
	}
	meta := map[string]any{"snapshots": res.Snapshots, "artifacts": len(res.Artifacts)}
	if err := a.audit.Record(ctx, audit.EventLedger, audit.ActionRollup, "rollups/"+string(c)+"/"+key, meta); err != nil {
		a.logger.WarnContext(ctx, "audit record failed", "error", err)
	}
	a.logger.InfoContext(ctx, "rollup committed", "cadence", c, "key", key, "snapshots", len(dates), "artifacts", len(res.Artifacts))
	return res, nil
}

// read loads the tables of every snapshot in parallel. Committed snapshots are
// immutable, so reads need no coordination with a concurrent pipeline run.
func (a *Aggregator) read(ctx context.Context, dates []string) ([]snapshotTables, error) {
	out := make([]snapshotTables, len(dates))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i, date := range dates {
		i, date := i, date
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			names, err := a.ledger.TableNames(date)
			if err != nil {
				return fmt.Errorf("%s: %w", date, err)
			}
			st := snapshotTables{date: date, tables: make(map[string]*evidence.Table, len(names))}
			for _, n := range names {
				t, err := a.ledger.ReadTable(date, n)
				if err != nil {
					return fmt.Errorf("%s/%s: %w", date, n, err)
				}
				st.tables[n] = t
			}
			out[i] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *Aggregator) write(ctx context.Context, c Cadence, key string, snaps []snapshotTables) (*Result, error) {
	res := &Result{Cadence: c, Key: key, Snapshots: []string{}, Artifacts: []publish.RollupArtifact{}}
	for _, s := range snaps {
		res.Snapshots = append(res.Snapshots, s.date)
	}

	staging, err := a.ledger.NewStagingDir(fmt.Sprintf("rollup-%s-%s", c, key))
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(staging) //nolint:errcheck // gone after publish

	for _, name := range artifactNames(snaps) {
		agg, count := stack(name, snaps)
		data, err := agg.EncodeCSV()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		file := name + ".csv"
		if err := os.WriteFile(filepath.Join(staging, file), data, 0o640); err != nil { //nolint:gosec // staging dir
			return nil, err
		}
		res.Artifacts = append(res.Artifacts, publish.RollupArtifact{Name: name, File: file, Rows: len(agg.Rows), Snapshots: count})
	}

	idx := publish.RollupIndexDoc{Cadence: string(c), Key: key, Snapshots: res.Snapshots, Artifacts: res.Artifacts}
	js, err := idx.JSON()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(staging, publish.IndexJSON), js, 0o640); err != nil { //nolint:gosec // staging dir
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(staging, publish.IndexMarkdown), idx.Markdown(), 0o640); err != nil { //nolint:gosec // staging dir
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res.Dir = a.ledger.RollupDir(string(c), key)
	if err := a.ledger.PublishDir(staging, res.Dir); err != nil {
		return nil, err
	}
	return res, nil
}

func artifactNames(snaps []snapshotTables) []string {
	seen := make(map[string]struct{})
	for _, s := range snaps {
		for n := range s.tables {
			seen[n] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// stack concatenates one artifact's rows across snapshots in the given order,
// prefixed with the snapshot date. Columns are matched by name; the column set
// is the union in order of first appearance. Snapshots lacking the artifact
// are skipped. It returns the table and the number of contributing snapshots.
func stack(name string, snaps []snapshotTables) (*evidence.Table, int) {
	var columns []string
	known := make(map[string]bool)
	count := 0
	for _, s := range snaps {
		t, ok := s.tables[name]
		if !ok {
			continue
		}
		count++
		for _, col := range t.Columns {
			if !known[col] {
				known[col] = true
				columns = append(columns, col)
			}
		}
	}

	out := &evidence.Table{Columns: append([]string{DateColumn}, columns...), Rows: [][]string{}}
	for _, s := range snaps {
		t, ok := s.tables[name]
		if !ok {
			continue
		}
		for _, row := range t.Rows {
			out.Rows = append(out.Rows, append([]string{s.date}, t.Project(row, columns)...))
		}
	}
	return out, count
}
