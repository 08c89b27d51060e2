package ledger

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbowman01/shared-github-actions/pkg/controlmap"
	"github.com/tbowman01/shared-github-actions/pkg/evidence"
)

func meta(date string) evidence.Metadata {
	t, _ := evidence.ParseDateKey(date)
	return evidence.NewMetadata(t.Add(6*time.Hour), "run-"+date)
}

func openLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	return l
}

func sampleCollection() *evidence.Collection {
	coll := evidence.NewCollection()
	coll.Add(&evidence.Artifact{
		Name:    "org_members",
		Records: []map[string]any{{"login": "amy"}, {"login": "zoe"}},
		Table:   &evidence.Table{Columns: []string{"login"}, Rows: [][]string{{"amy"}, {"zoe"}}},
	})
	coll.Add(&evidence.Artifact{
		Name:    "repo_collaborators",
		Records: []map[string]any{{"login": "amy", "role_name": "admin"}},
		Table:   &evidence.Table{Columns: []string{"login", "role_name"}, Rows: [][]string{{"amy", "admin"}}},
	})
	coll.Skip("sso_authorizations", "HTTP 404")
	return coll
}

func commitSnapshot(t *testing.T, l *Ledger, date string, extra map[string]string) *Manifest {
	t.Helper()
	st, err := l.Stage(meta(date))
	require.NoError(t, err)
	require.NoError(t, st.WriteCollection(sampleCollection()))
	for p, body := range extra {
		require.NoError(t, st.WriteFile(p, []byte(body)))
	}
	m, err := st.Commit(context.Background())
	require.NoError(t, err)
	return m
}

func TestCommit_PublishesSnapshotAndLatest(t *testing.T) {
	l := openLedger(t)
	m := commitSnapshot(t, l, "2025-08-08", nil)

	dates, err := l.Dates()
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-08-08"}, dates)

	target, err := l.LatestTarget()
	require.NoError(t, err)
	assert.Equal(t, "2025-08-08", target)

	latest, err := l.Latest()
	require.NoError(t, err)
	assert.Equal(t, "2025-08-08", latest.Date)
	assert.Equal(t, "2025-W32", latest.ISOWeek)
	assert.Equal(t, "2025-08", latest.ISOMonth)

	data, err := os.ReadFile(filepath.Join(l.Root(), "latest", "artifacts", "org_members.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"login": "amy"`)

	assert.NotEmpty(t, m.MerkleRoot)
	var paths []string
	for _, e := range m.Files {
		paths = append(paths, e.Path)
	}
	assert.Equal(t, []string{
		"artifacts/org_members.json",
		"artifacts/repo_collaborators.json",
		"collection.json",
		"tables/org_members.csv",
		"tables/repo_collaborators.csv",
	}, paths)

	staged, err := os.ReadDir(filepath.Join(l.Root(), stagingDir))
	require.NoError(t, err)
	assert.Empty(t, staged)
}

func TestStage_InvisibleUntilCommit(t *testing.T) {
	l := openLedger(t)
	st, err := l.Stage(meta("2025-08-08"))
	require.NoError(t, err)
	require.NoError(t, st.WriteCollection(sampleCollection()))

	dates, err := l.Dates()
	require.NoError(t, err)
	assert.Empty(t, dates)
	_, err = l.Latest()
	assert.ErrorIs(t, err, ErrNoSnapshot)

	require.NoError(t, st.Abort())
	_, err = os.Stat(st.Dir())
	assert.True(t, os.IsNotExist(err))
}

func TestCommit_SameDateReplacesOnlyThatDate(t *testing.T) {
	l := openLedger(t)
	commitSnapshot(t, l, "2025-08-07", map[string]string{"note.txt": "first"})
	before, err := os.ReadFile(filepath.Join(l.SnapshotDir("2025-08-07"), "note.txt"))
	require.NoError(t, err)

	commitSnapshot(t, l, "2025-08-08", map[string]string{"note.txt": "run one", "stale.txt": "x"})
	commitSnapshot(t, l, "2025-08-08", map[string]string{"note.txt": "run two"})

	got, err := os.ReadFile(filepath.Join(l.SnapshotDir("2025-08-08"), "note.txt"))
	require.NoError(t, err)
	assert.Equal(t, "run two", string(got))
	_, err = os.Stat(filepath.Join(l.SnapshotDir("2025-08-08"), "stale.txt"))
	assert.True(t, os.IsNotExist(err), "replaced wholesale, not merged")

	after, err := os.ReadFile(filepath.Join(l.SnapshotDir("2025-08-07"), "note.txt"))
	require.NoError(t, err)
	assert.Equal(t, before, after)

	dates, err := l.Dates()
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-08-07", "2025-08-08"}, dates)
}

func TestStage_RefusesSupersededDate(t *testing.T) {
	l := openLedger(t)
	commitSnapshot(t, l, "2025-08-08", nil)

	_, err := l.Stage(meta("2025-08-01"))
	require.Error(t, err)
	assert.True(t, evidence.IsKind(err, evidence.KindLedgerCommit))
	assert.Equal(t, evidence.ExitLedgerCommit, evidence.ExitCode(err))

	target, err := l.LatestTarget()
	require.NoError(t, err)
	assert.Equal(t, "2025-08-08", target)
}

func TestCommit_CancelledLeavesLatestUntouched(t *testing.T) {
	l := openLedger(t)
	commitSnapshot(t, l, "2025-08-08", nil)

	st, err := l.Stage(meta("2025-08-09"))
	require.NoError(t, err)
	require.NoError(t, st.WriteCollection(sampleCollection()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = st.Commit(ctx)
	require.Error(t, err)
	assert.True(t, evidence.IsKind(err, evidence.KindLedgerCommit))

	latest, err := l.Latest()
	require.NoError(t, err)
	assert.Equal(t, "2025-08-08", latest.Date)
	_, err = os.Stat(l.SnapshotDir("2025-08-09"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(st.Dir())
	assert.True(t, os.IsNotExist(err), "staging cleaned up")
}

func TestStaging_RejectsEscapingPaths(t *testing.T) {
	l := openLedger(t)
	st, err := l.Stage(meta("2025-08-08"))
	require.NoError(t, err)
	defer st.Abort() //nolint:errcheck

	assert.Error(t, st.WriteFile("../outside.txt", []byte("x")))
	assert.Error(t, st.WriteFile("/etc/passwd", []byte("x")))
	assert.Error(t, st.WriteFile(ManifestFile, []byte("{}")))
	assert.Error(t, st.Copy("artifacts/missing.json", "controls/x/y.json"))
}

func TestWriteControls_CopiesAreIndependentAndTraceable(t *testing.T) {
	l := openLedger(t)
	coll := sampleCollection()
	mapper := controlmap.NewMapper([]*controlmap.Table{
		{Framework: "nist-800-53", Version: "1.0.0", Controls: map[string][]string{
			"AC-2": {"org_members.*", "repo_collaborators.*"},
			"AU-6": {},
		}},
		{Framework: "cmmc-l2", Version: "1.0.0", Controls: map[string][]string{
			"AC.L2-3.1.1": {"org_members.*"},
		}},
	})
	mapped := mapper.Map(coll.FileNames())

	st, err := l.Stage(meta("2025-08-08"))
	require.NoError(t, err)
	require.NoError(t, st.WriteCollection(coll))
	require.NoError(t, st.WriteControls(mapped))
	_, err = st.Commit(context.Background())
	require.NoError(t, err)

	dir := l.SnapshotDir("2025-08-08")
	raw, err := os.ReadFile(filepath.Join(dir, "artifacts", "org_members.json"))
	require.NoError(t, err)
	for _, p := range []string{
		"controls/nist-800-53/AC-2/AC-2__org_members.json",
		"controls/cmmc-l2/AC.L2-3.1.1/AC.L2-3.1.1__org_members.json",
	} {
		copied, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(p)))
		require.NoError(t, err)
		assert.Equal(t, raw, copied, p)
	}
	entries, err := os.ReadDir(filepath.Join(dir, "controls", "nist-800-53", "AC-2"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	auditCSV, err := os.ReadFile(filepath.Join(dir, "controls", "nist-800-53", AuditFile))
	require.NoError(t, err)
	assert.Equal(t, "control_id,source,destination\n"+
		"AC-2,artifacts/org_members.json,controls/nist-800-53/AC-2/AC-2__org_members.json\n"+
		"AC-2,artifacts/repo_collaborators.json,controls/nist-800-53/AC-2/AC-2__repo_collaborators.json\n",
		string(auditCSV))

	controls, err := os.ReadFile(filepath.Join(dir, "controls", "nist-800-53", ControlsFile))
	require.NoError(t, err)
	assert.Contains(t, string(controls), `"id": "AU-6"`)
}

func TestVerify(t *testing.T) {
	l := openLedger(t)
	commitSnapshot(t, l, "2025-08-08", map[string]string{"note.txt": "hello"})

	r, err := l.Verify("2025-08-08")
	require.NoError(t, err)
	assert.True(t, r.OK())
	assert.Equal(t, 6, r.Files)

	dir := l.SnapshotDir("2025-08-08")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "note.txt"), []byte("tampered"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "injected.txt"), []byte("x"), 0o600))
	require.NoError(t, os.Remove(filepath.Join(dir, "tables", "org_members.csv")))

	r, err = l.Verify("2025-08-08")
	require.NoError(t, err)
	assert.False(t, r.OK())
	assert.Equal(t, []string{"note.txt"}, r.Mismatched)
	assert.Equal(t, []string{"injected.txt"}, r.Extra)
	assert.Equal(t, []string{"tables/org_members.csv"}, r.Missing)
	assert.True(t, r.RootOK)
}

func TestProve(t *testing.T) {
	l := openLedger(t)
	m := commitSnapshot(t, l, "2025-08-08", map[string]string{"note.txt": "hello"})

	for _, e := range m.Files {
		in, err := l.Prove("2025-08-08", e.Path)
		require.NoError(t, err)
		assert.True(t, in.OK(), e.Path)
		assert.Equal(t, m.MerkleRoot, in.Proof.Root)
		assert.Equal(t, e.Digest, in.Entry.Digest)
	}

	_, err := l.Prove("2025-08-08", "absent.json")
	assert.Error(t, err)

	dir := l.SnapshotDir("2025-08-08")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "note.txt"), []byte("tampered"), 0o600))
	in, err := l.Prove("2025-08-08", "note.txt")
	require.NoError(t, err)
	assert.False(t, in.FileOK)
	assert.True(t, in.ProofOK)

	m.MerkleRoot = strings.Repeat("0", 64)
	data, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), data, 0o600))
	_, err = l.Prove("2025-08-08", ManifestFile)
	assert.Error(t, err, "the manifest is not a leaf of its own tree")
	in, err = l.Prove("2025-08-08", ArtifactPath("org_members.json"))
	require.NoError(t, err)
	assert.False(t, in.ProofOK)
}

func TestReadTable(t *testing.T) {
	l := openLedger(t)
	commitSnapshot(t, l, "2025-08-08", nil)

	names, err := l.TableNames("2025-08-08")
	require.NoError(t, err)
	assert.Equal(t, []string{"org_members", "repo_collaborators"}, names)

	tbl, err := l.ReadTable("2025-08-08", "repo_collaborators")
	require.NoError(t, err)
	assert.Equal(t, []string{"login", "role_name"}, tbl.Columns)
	assert.Equal(t, [][]string{{"amy", "admin"}}, tbl.Rows)
}

func TestPublishDir_ReplacesWholesale(t *testing.T) {
	l := openLedger(t)
	dst := l.RollupDir("weekly", "2025-W32")

	for _, name := range []string{"a.csv", "b.csv"} {
		src, err := l.NewStagingDir("rollup")
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(src, name), []byte(name), 0o600))
		require.NoError(t, l.PublishDir(src, dst))
	}
	entries, err := os.ReadDir(dst)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b.csv", entries[0].Name())

	keys, err := l.RollupKeys("weekly")
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-W32"}, keys)
}
