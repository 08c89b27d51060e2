package rollup

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbowman01/shared-github-actions/pkg/evidence"
	"github.com/tbowman01/shared-github-actions/pkg/ledger"
	"github.com/tbowman01/shared-github-actions/pkg/lock"
)

func commit(t *testing.T, l *ledger.Ledger, date string, tables map[string]*evidence.Table) {
	t.Helper()
	day, err := evidence.ParseDateKey(date)
	require.NoError(t, err)
	st, err := l.Stage(evidence.NewMetadata(day, "run-"+date))
	require.NoError(t, err)
	for name, tbl := range tables {
		data, err := tbl.EncodeCSV()
		require.NoError(t, err)
		require.NoError(t, st.WriteFile(ledger.TablePath(name), data))
	}
	_, err = st.Commit(context.Background())
	require.NoError(t, err)
}

func members(logins ...string) *evidence.Table {
	t := &evidence.Table{Columns: []string{"login", "role"}}
	for _, l := range logins {
		t.Rows = append(t.Rows, []string{l, "member"})
	}
	return t
}

// 2025-08-04..2025-08-10 is ISO week 32; 2025-08-11 starts week 33.
func seededLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(t.TempDir())
	require.NoError(t, err)
	commit(t, l, "2025-08-03", map[string]*evidence.Table{"org_members": members("old")})
	commit(t, l, "2025-08-04", map[string]*evidence.Table{
		"org_members":       members("amy", "bob"),
		"dependabot_alerts": {Columns: []string{"number", "severity"}, Rows: [][]string{{"7", "high"}}},
	})
	commit(t, l, "2025-08-06", map[string]*evidence.Table{
		// Column order changed and a column added upstream.
		"org_members": {Columns: []string{"role", "login", "mfa"}, Rows: [][]string{{"admin", "amy", "true"}}},
	})
	commit(t, l, "2025-08-11", map[string]*evidence.Table{"org_members": members("next")})
	return l
}

func read(t *testing.T, dir, file string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, file))
	require.NoError(t, err)
	return string(data)
}

func TestRun_WeeklyStacksChronologically(t *testing.T) {
	l := seededLedger(t)
	res, err := New(l).Run(context.Background(), Weekly, "2025-W32")
	require.NoError(t, err)

	assert.Equal(t, []string{"2025-08-04", "2025-08-06"}, res.Snapshots)
	assert.Equal(t,
		"snapshot_date,login,role,mfa\n"+
			"2025-08-04,amy,member,\n"+
			"2025-08-04,bob,member,\n"+
			"2025-08-06,amy,admin,true\n",
		read(t, res.Dir, "org_members.csv"))

	// Missing in 2025-08-06: skipped, not an error.
	assert.Equal(t, "snapshot_date,number,severity\n2025-08-04,7,high\n", read(t, res.Dir, "dependabot_alerts.csv"))
	require.Len(t, res.Artifacts, 2)
	assert.Equal(t, "dependabot_alerts", res.Artifacts[0].Name)
	assert.Equal(t, 1, res.Artifacts[0].Snapshots)
	assert.Equal(t, 3, res.Artifacts[1].Rows)

	assert.Contains(t, read(t, res.Dir, "INDEX.md"), "# Weekly rollup 2025-W32")
}

func TestRun_IdempotentByteForByte(t *testing.T) {
	l := seededLedger(t)
	agg := New(l)

	first, err := agg.Run(context.Background(), Weekly, "2025-W32")
	require.NoError(t, err)
	snapshot := map[string]string{}
	for _, f := range []string{"org_members.csv", "dependabot_alerts.csv", "index.json", "INDEX.md"} {
		snapshot[f] = read(t, first.Dir, f)
	}

	second, err := agg.Run(context.Background(), Weekly, "2025-W32")
	require.NoError(t, err)
	for f, want := range snapshot {
		assert.Equal(t, want, read(t, second.Dir, f), f)
	}
	entries, err := os.ReadDir(second.Dir)
	require.NoError(t, err)
	assert.Len(t, entries, 4)
}

func TestRun_Monthly(t *testing.T) {
	l := seededLedger(t)
	res, err := New(l).Run(context.Background(), Monthly, "2025-08")
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-08-03", "2025-08-04", "2025-08-06", "2025-08-11"}, res.Snapshots)
}

func TestRun_EmptyPeriod(t *testing.T) {
	l := seededLedger(t)
	res, err := New(l).Run(context.Background(), Monthly, "2024-01")
	require.NoError(t, err)
	assert.Empty(t, res.Snapshots)
	assert.Contains(t, read(t, res.Dir, "INDEX.md"), "No snapshots")
}

func TestRun_InvalidKey(t *testing.T) {
	l := seededLedger(t)
	for _, tc := range []struct {
		c   Cadence
		key string
	}{{Weekly, "2025-08"}, {Weekly, "2025-W54"}, {Monthly, "2025-13"}, {Monthly, "2025-W32"}} {
		_, err := New(l).Run(context.Background(), tc.c, tc.key)
		assert.True(t, evidence.IsKind(err, evidence.KindConfig), "%s %s", tc.c, tc.key)
	}
}

func TestRun_RefusesConcurrentSamePeriod(t *testing.T) {
	l := seededLedger(t)
	locker := lock.NewFileLock(l.LocksDir(), time.Minute)
	lease, err := locker.Acquire(context.Background(), "rollup-weekly-2025-W32")
	require.NoError(t, err)
	defer lease.Release(context.Background()) //nolint:errcheck

	_, err = New(l, WithLocker(locker)).Run(context.Background(), Weekly, "2025-W32")
	assert.True(t, evidence.IsKind(err, evidence.KindLedgerBusy))

	// A different period is independent.
	_, err = New(l, WithLocker(locker)).Run(context.Background(), Weekly, "2025-W33")
	assert.NoError(t, err)
}

func TestRun_UnusableLockDirIsLedgerCommitError(t *testing.T) {
	l := seededLedger(t)
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	_, err := New(l, WithLocker(lock.NewFileLock(filepath.Join(blocker, "locks"), time.Minute))).
		Run(context.Background(), Weekly, "2025-W32")
	assert.True(t, evidence.IsKind(err, evidence.KindLedgerCommit))
}

func TestParseCadenceAndPeriodKey(t *testing.T) {
	c, err := ParseCadence("monthly")
	require.NoError(t, err)
	assert.Equal(t, Monthly, c)
	_, err = ParseCadence("daily")
	assert.Error(t, err)

	// 2024-12-30 belongs to ISO week 1 of 2025.
	day := time.Date(2024, 12, 30, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "2025-W01", PeriodKey(Weekly, day))
	assert.Equal(t, "2024-12", PeriodKey(Monthly, day))
	assert.True(t, Contains(Weekly, "2025-W01", "2024-12-30"))
}

func TestStack_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	build := func(rowsPerDay []int) []snapshotTables {
		var snaps []snapshotTables
		for i, n := range rowsPerDay {
			date := time.Date(2025, 8, 4+i%7, 0, 0, 0, 0, time.UTC).Format("2006-01-02")
			st := snapshotTables{date: date, tables: map[string]*evidence.Table{}}
			if n%4 != 0 {
				tbl := &evidence.Table{Columns: []string{"k", "v"}}
				for r := 0; r < n; r++ {
					tbl.Rows = append(tbl.Rows, []string{date, string(rune('a' + r%26))})
				}
				st.tables["a"] = tbl
			}
			snaps = append(snaps, st)
		}
		return snaps
	}

	properties.Property("row count is the sum over contributing snapshots", prop.ForAll(
		func(rowsPerDay []int) bool {
			snaps := build(rowsPerDay)
			out, _ := stack("a", snaps)
			want := 0
			for _, s := range snaps {
				if t, ok := s.tables["a"]; ok {
					want += len(t.Rows)
				}
			}
			return len(out.Rows) == want
		},
		gen.SliceOfN(7, gen.IntRange(0, 9)),
	))

	properties.Property("recomputation is byte-identical", prop.ForAll(
		func(rowsPerDay []int) bool {
			snaps := build(rowsPerDay)
			a, _ := stack("a", snaps)
			b, _ := stack("a", snaps)
			ea, err1 := a.EncodeCSV()
			eb, err2 := b.EncodeCSV()
			return err1 == nil && err2 == nil && bytes.Equal(ea, eb)
		},
		gen.SliceOfN(7, gen.IntRange(0, 9)),
	))

	properties.TestingRun(t)
}
