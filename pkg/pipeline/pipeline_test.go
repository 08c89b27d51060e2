package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbowman01/shared-github-actions/pkg/audit"
	"github.com/tbowman01/shared-github-actions/pkg/collector"
	"github.com/tbowman01/shared-github-actions/pkg/drift"
	"github.com/tbowman01/shared-github-actions/pkg/evidence"
	"github.com/tbowman01/shared-github-actions/pkg/journal"
	"github.com/tbowman01/shared-github-actions/pkg/ledger"
	"github.com/tbowman01/shared-github-actions/pkg/lock"
	"github.com/tbowman01/shared-github-actions/pkg/objectstore"
	"github.com/tbowman01/shared-github-actions/pkg/platform"
	"github.com/tbowman01/shared-github-actions/pkg/posture"
	"github.com/tbowman01/shared-github-actions/pkg/publish"
	"github.com/tbowman01/shared-github-actions/pkg/retry"
	"github.com/tbowman01/shared-github-actions/pkg/rollup"
)

const rulesetName = "evidence-branch-protection-ruleset"

const nistTable = `version: "1.0.0"
framework: nist-800-53
controls:
  AC-2:
    - org_members.*
    - repo_collaborators.*
  IA-2(1):
    - sso_authorizations.*
  RA-5:
    - dependabot_alerts.*
  AU-6: []
`

const cmmcTable = `version: "1.1.0"
framework: cmmc-l2
controls:
  AC.L2-3.1.1:
    - org_members.*
    - teams.*
  CM.L2-3.4.5:
    - branch_protection.*
    - rulesets.*
`

// fakePlatform serves the Source Platform API endpoints the default catalog
// and the drift detector read.
type fakePlatform struct {
	mu       sync.Mutex
	unsigned bool
	forced   map[string]int
	requests atomic.Int64
}

func (f *fakePlatform) ruleset() map[string]any {
	rules := []any{
		map[string]any{"type": "non_fast_forward"},
		map[string]any{"type": "pull_request", "parameters": map[string]any{"required_approving_review_count": 1}},
	}
	if !f.unsigned {
		rules = append(rules, map[string]any{"type": "required_signatures"})
	}
	return map[string]any{
		"id":          991,
		"name":        rulesetName,
		"target":      "branch",
		"enforcement": "active",
		"updated_at":  time.Now().Format(time.RFC3339),
		"conditions": map[string]any{"ref_name": map[string]any{
			"include": []any{"refs/heads/evidence"}, "exclude": []any{},
		}},
		"rules":         rules,
		"bypass_actors": []any{map[string]any{"actor_id": 4242, "actor_type": "Integration", "bypass_mode": "always"}},
	}
}

func (f *fakePlatform) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.requests.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()

	if code, ok := f.forced[r.URL.Path]; ok {
		w.WriteHeader(code)
		_, _ = w.Write([]byte(`{"message":"forced failure"}`))
		return
	}
	var body any
	switch r.URL.Path {
	case "/orgs/acme/members":
		if r.URL.Query().Get("filter") == "2fa_disabled" {
			body = []any{}
		} else {
			body = []any{
				map[string]any{"login": "amy", "id": 1, "type": "User", "site_admin": false},
				map[string]any{"login": "zoe", "id": 2, "type": "User", "site_admin": false},
			}
		}
	case "/orgs/acme/credential-authorizations":
		body = []any{map[string]any{"login": "amy", "credential_type": "personal access token", "scopes": []any{"repo"}}}
	case "/orgs/acme/teams":
		body = []any{map[string]any{"slug": "core", "name": "Core", "privacy": "closed"}}
	case "/repos/acme/app/collaborators":
		body = []any{map[string]any{"login": "amy", "id": 1, "role_name": "admin", "permissions": map[string]any{"admin": true}}}
	case "/repos/acme/app/teams":
		body = []any{map[string]any{"slug": "core", "name": "Core", "permission": "push"}}
	case "/repos/acme/app/branches/main/protection":
		body = map[string]any{"required_signatures": map[string]any{"enabled": !f.unsigned}}
	case "/repos/acme/app/rulesets":
		body = []any{map[string]any{"id": 991, "name": rulesetName, "target": "branch", "enforcement": "active", "source_type": "Repository"}}
	case "/repos/acme/app/rulesets/991":
		body = f.ruleset()
	case "/repos/acme/app/dependabot/alerts":
		body = []any{map[string]any{
			"number": 7, "state": "open",
			"dependency":        map[string]any{"package": map[string]any{"ecosystem": "npm", "name": "lodash"}},
			"security_advisory": map[string]any{"ghsa_id": "GHSA-xxxx", "severity": "high"},
			"created_at":        "2025-08-01T00:00:00Z",
		}}
	case "/repos/acme/app/pulls":
		body = []any{}
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Not Found"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func (f *fakePlatform) set(fn func(f *fakePlatform)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type harness struct {
	api      *fakePlatform
	ledger   *ledger.Ledger
	now      time.Time
	audit    *bytes.Buffer
	settings Settings
	deps     Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	api := &fakePlatform{forced: map[string]int{}}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	client, err := platform.NewClient(platform.Config{BaseURL: srv.URL, Token: "t", RPS: 1000, Burst: 1000})
	require.NoError(t, err)
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger"))
	require.NoError(t, err)

	dir := t.TempDir()
	nist := filepath.Join(dir, "nist.yaml")
	cmmc := filepath.Join(dir, "cmmc.yaml")
	require.NoError(t, os.WriteFile(nist, []byte(nistTable), 0o600))
	require.NoError(t, os.WriteFile(cmmc, []byte(cmmcTable), 0o600))

	r := retry.New(retry.Policy{BaseMs: 1, MaxMs: 1, MaxAttempts: 2})
	r.Sleep = func(context.Context, time.Duration) error { return nil }

	h := &harness{
		api:    api,
		ledger: l,
		now:    time.Date(2025, 8, 8, 6, 0, 0, 0, time.UTC),
		audit:  &bytes.Buffer{},
	}
	h.settings = Settings{
		MappingFiles: []string{nist, cmmc},
		Target:       collector.Target{Org: "acme", Repo: "app", Branch: "main", PRLookback: 10},
		Drift: drift.Config{
			Owner:    "acme",
			Repo:     "app",
			Ruleset:  rulesetName,
			Baseline: rulesetName,
			Pipeline: drift.Identity{ActorType: "Integration", ActorID: "4242"},
		},
		Timeout: time.Minute,
	}
	h.deps = Deps{
		Ledger:  l,
		Source:  client,
		Policy:  client,
		Audit:   audit.NewLoggerWithWriter(h.audit),
		Retrier: r,
		Clock:   func() time.Time { return h.now },
	}
	return h
}

func (h *harness) pipeline(t *testing.T) *Pipeline {
	t.Helper()
	p, err := New(context.Background(), h.settings, h.deps)
	require.NoError(t, err)
	return p
}

func (h *harness) seed(t *testing.T) drift.Baseline {
	t.Helper()
	b, err := h.pipeline(t).SeedBaseline(context.Background(), drift.SeedOptions{Actor: "ops@acme"})
	require.NoError(t, err)
	return b
}

func TestRun_BaselineThenDriftFailsClosed(t *testing.T) {
	h := newHarness(t)
	b := h.seed(t)
	p := h.pipeline(t)

	res := p.Run(context.Background())
	require.NoError(t, res.Err)
	assert.Equal(t, StatusCommitted, res.Status)
	assert.Equal(t, evidence.ExitOK, res.ExitCode())
	assert.Equal(t, "2025-08-08", res.Date)
	assert.Equal(t, drift.VerdictVerified, res.Drift.Status)
	assert.Equal(t, b.Hash, res.Drift.BaselineHash)

	target, err := h.ledger.LatestTarget()
	require.NoError(t, err)
	assert.Equal(t, "2025-08-08", target)

	// An admin drops the required-signature rule.
	h.api.set(func(f *fakePlatform) { f.unsigned = true })
	h.now = h.now.Add(24 * time.Hour)

	res = p.Run(context.Background())
	assert.Equal(t, StatusDriftDetected, res.Status)
	assert.Equal(t, evidence.ExitDrift, res.ExitCode())
	assert.Equal(t, b.Hash, res.Detail["baseline_hash"])
	assert.NotEqual(t, b.Hash, res.Detail["live_hash"])
	assert.Empty(t, res.Date)

	target, err = h.ledger.LatestTarget()
	require.NoError(t, err)
	assert.Equal(t, "2025-08-08", target)
	latest, err := h.ledger.Latest()
	require.NoError(t, err)
	assert.Equal(t, "2025-08-08", latest.Date)
	dates, err := h.ledger.Dates()
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-08-08"}, dates)

	assert.Contains(t, h.audit.String(), audit.ActionDriftDetected)
}

func TestRun_ControlFanOut(t *testing.T) {
	h := newHarness(t)
	res := h.pipeline(t).Run(context.Background())
	require.NoError(t, res.Err)

	dir := h.ledger.SnapshotDir(res.Date)
	entries, err := os.ReadDir(filepath.Join(dir, "controls", "nist-800-53", "AC-2"))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"AC-2__org_members.json", "AC-2__repo_collaborators.json"}, names)

	orig, err := h.ledger.ReadSnapshotFile(res.Date, "artifacts/org_members.json")
	require.NoError(t, err)
	cp, err := h.ledger.ReadSnapshotFile(res.Date, "controls/nist-800-53/AC-2/AC-2__org_members.json")
	require.NoError(t, err)
	assert.Equal(t, orig, cp)

	auditCSV, err := h.ledger.ReadSnapshotFile(res.Date, "controls/nist-800-53/mapping_audit.csv")
	require.NoError(t, err)
	assert.Contains(t, string(auditCSV), "AC-2,artifacts/org_members.json,controls/nist-800-53/AC-2/AC-2__org_members.json")

	var summary posture.Summary
	require.NoError(t, h.ledger.ReadPosture(res.Date, &summary))
	require.Len(t, summary.Frameworks, 2)
	assert.Equal(t, "cmmc-l2", summary.Frameworks[0].Framework)
	assert.Equal(t, []string{"AU-6"}, summary.Frameworks[1].PendingControls)

	for _, f := range []string{ledger.OSCALFile, publish.IndexJSON, publish.IndexMarkdown, ledger.ManifestFile} {
		_, err := h.ledger.ReadSnapshotFile(res.Date, f)
		assert.NoError(t, err, f)
	}
	report, err := h.ledger.Verify(res.Date)
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, res.MerkleRoot, report.MerkleRoot)
	assert.Contains(t, h.audit.String(), audit.ActionSnapshot)
}

func TestRun_BootstrapWithoutBaseline(t *testing.T) {
	h := newHarness(t)
	res := h.pipeline(t).Run(context.Background())
	require.NoError(t, res.Err)
	assert.Equal(t, drift.VerdictBootstrap, res.Drift.Status)
	assert.Empty(t, res.Drift.BaselineHash)
}

func TestRun_GuardrailViolationAbortsEvenWithoutBaseline(t *testing.T) {
	h := newHarness(t)
	h.api.set(func(f *fakePlatform) { f.unsigned = true })

	res := h.pipeline(t).Run(context.Background())
	assert.Equal(t, StatusDriftDetected, res.Status)
	assert.Equal(t, evidence.ExitDrift, res.ExitCode())
	_, err := h.ledger.LatestTarget()
	assert.ErrorIs(t, err, ledger.ErrNoSnapshot)
	assert.Contains(t, h.audit.String(), audit.ActionGuardrail)
}

func TestRun_OptionalArtifactDegrades(t *testing.T) {
	h := newHarness(t)
	h.api.set(func(f *fakePlatform) { f.forced["/orgs/acme/credential-authorizations"] = http.StatusNotFound })

	res := h.pipeline(t).Run(context.Background())
	require.NoError(t, res.Err)
	assert.Equal(t, StatusCommitted, res.Status)
	require.NotEmpty(t, res.Warnings)
	assert.Equal(t, "sso_authorizations", res.Warnings[0].Artifact)

	_, err := h.ledger.ReadSnapshotFile(res.Date, "artifacts/sso_authorizations.json")
	assert.Error(t, err)

	var summary posture.Summary
	require.NoError(t, h.ledger.ReadPosture(res.Date, &summary))
	for _, a := range summary.Artifacts {
		if a.Name == "sso_authorizations" {
			assert.False(t, a.Present)
		}
	}
}

func TestRun_MandatoryFailureWritesNothing(t *testing.T) {
	h := newHarness(t)
	h.api.set(func(f *fakePlatform) { f.forced["/orgs/acme/members"] = http.StatusBadGateway })

	res := h.pipeline(t).Run(context.Background())
	assert.Equal(t, StatusCollectionFailed, res.Status)
	assert.Equal(t, evidence.ExitCollection, res.ExitCode())
	assert.Equal(t, "org_members", res.Detail["artifact"])
	assert.Equal(t, true, res.Detail["transient"])

	dates, err := h.ledger.Dates()
	require.NoError(t, err)
	assert.Empty(t, dates)
	staging, err := os.ReadDir(filepath.Join(h.ledger.Root(), ".staging"))
	require.NoError(t, err)
	assert.Empty(t, staging)
}

func TestRun_InvalidMappingAbortsBeforeAnyFetch(t *testing.T) {
	h := newHarness(t)
	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("framework: x\ncontrols: {}\n"), 0o600))
	h.settings.MappingFiles = append(h.settings.MappingFiles, bad)

	res := h.pipeline(t).Run(context.Background())
	assert.Equal(t, StatusMappingInvalid, res.Status)
	assert.Equal(t, evidence.ExitConfiguration, res.ExitCode())
	assert.Zero(t, h.api.requests.Load())
}

func TestRun_BusyWhenLockHeld(t *testing.T) {
	h := newHarness(t)
	lease, err := lock.NewFileLock(h.ledger.LocksDir(), time.Hour).Acquire(context.Background(), RunLockKey)
	require.NoError(t, err)
	defer func() { _ = lease.Release(context.Background()) }()

	res := h.pipeline(t).Run(context.Background())
	assert.Equal(t, StatusBusy, res.Status)
	assert.Equal(t, evidence.ExitLedgerBusy, res.ExitCode())
	assert.Zero(t, h.api.requests.Load())
}

func TestRun_UnusableLockDirIsLedgerCommitFailure(t *testing.T) {
	h := newHarness(t)
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))
	h.deps.Locker = lock.NewFileLock(filepath.Join(blocker, "locks"), time.Hour)

	res := h.pipeline(t).Run(context.Background())
	assert.Equal(t, evidence.ExitLedgerCommit, res.ExitCode())
	assert.Zero(t, h.api.requests.Load())

	_, err := h.pipeline(t).SeedBaseline(context.Background(), drift.SeedOptions{Actor: "ops@acme"})
	assert.True(t, evidence.IsKind(err, evidence.KindLedgerCommit))
}

func TestRun_SameDayRerunIsIdempotent(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(t)

	first := p.Run(context.Background())
	require.NoError(t, first.Err)
	files := []string{
		"artifacts/org_members.json",
		"tables/org_members.csv",
		"controls/nist-800-53/mapping_audit.csv",
		"controls/cmmc-l2/controls.json",
		ledger.PostureFile,
		ledger.OSCALFile,
	}
	before := map[string][]byte{}
	for _, f := range files {
		data, err := h.ledger.ReadSnapshotFile(first.Date, f)
		require.NoError(t, err, f)
		before[f] = data
	}

	h.now = h.now.Add(3 * time.Hour)
	second := p.Run(context.Background())
	require.NoError(t, second.Err)
	assert.Equal(t, first.Date, second.Date)
	for _, f := range files {
		data, err := h.ledger.ReadSnapshotFile(second.Date, f)
		require.NoError(t, err, f)
		assert.Equal(t, string(before[f]), string(data), f)
	}
	dates, err := h.ledger.Dates()
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-08-08"}, dates)
}

func TestRun_PriorSnapshotUnchangedByLaterRun(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(t)
	first := p.Run(context.Background())
	require.NoError(t, first.Err)
	m1, err := h.ledger.ReadManifest(first.Date)
	require.NoError(t, err)

	h.now = h.now.Add(48 * time.Hour)
	require.NoError(t, p.Run(context.Background()).Err)

	m2, err := h.ledger.ReadManifest(first.Date)
	require.NoError(t, err)
	assert.Equal(t, m1, m2)
	report, err := h.ledger.Verify(first.Date)
	require.NoError(t, err)
	assert.True(t, report.OK())
}

func TestRun_VerificationDoc(t *testing.T) {
	h := newHarness(t)
	doc := filepath.Join(t.TempDir(), "VERIFICATION.md")
	body := "# Verification\n\nintro\n\n" + publish.BeginMarker + "\nold\n" + publish.EndMarker + "\n\nfooter\n"
	require.NoError(t, os.WriteFile(doc, []byte(body), 0o644))
	h.settings.VerificationDoc = doc

	res := h.pipeline(t).Run(context.Background())
	require.NoError(t, res.Err)
	assert.True(t, res.DocUpdated)

	data, err := os.ReadFile(doc)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "# Verification\n\nintro\n\n"))
	assert.True(t, strings.HasSuffix(string(data), "\n\nfooter\n"))
	assert.NotContains(t, string(data), "\nold\n")
	assert.Equal(t, 1, strings.Count(string(data), publish.BeginMarker))
}

func TestRun_MalformedVerificationDocIsConfigError(t *testing.T) {
	h := newHarness(t)
	doc := filepath.Join(t.TempDir(), "VERIFICATION.md")
	require.NoError(t, os.WriteFile(doc, []byte("no markers here\n"), 0o644))
	h.settings.VerificationDoc = doc

	res := h.pipeline(t).Run(context.Background())
	assert.Equal(t, StatusConfigInvalid, res.Status)
	assert.Equal(t, evidence.ExitConfiguration, res.ExitCode())
	assert.Zero(t, h.api.requests.Load())
}

func TestRun_JournalAndReplica(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j, err := journal.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer func() { _ = j.Close() }()
	store, err := objectstore.NewFileStore(t.TempDir())
	require.NoError(t, err)
	h.deps.Journal = j
	h.deps.Replica = objectstore.NewReplicator(store, 2)

	res := h.pipeline(t).Run(ctx)
	require.NoError(t, res.Err)
	require.NotNil(t, res.Replica)
	assert.Equal(t, res.Files+2, res.Replica.Uploaded)

	latest, err := store.Get(ctx, objectstore.LatestKey)
	require.NoError(t, err)
	assert.Contains(t, string(latest), res.Date)

	runs, err := j.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, res.RunID, runs[0].RunID)
	assert.Equal(t, journal.KindRun, runs[0].Kind)
	assert.Equal(t, string(StatusCommitted), runs[0].Status)
	assert.Equal(t, res.Date, runs[0].SnapshotDate)
}

func TestRollup_WeeklyFromPipeline(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(t)
	require.NoError(t, p.Run(context.Background()).Err)
	h.now = h.now.Add(24 * time.Hour)
	require.NoError(t, p.Run(context.Background()).Err)

	out, err := p.Rollup(context.Background(), rollup.Weekly, "")
	require.NoError(t, err)
	assert.Equal(t, "2025-W32", out.Key)
	assert.Equal(t, []string{"2025-08-08", "2025-08-09"}, out.Snapshots)

	table, err := os.ReadFile(filepath.Join(out.Dir, "org_members.csv"))
	require.NoError(t, err)
	assert.Equal(t, 5, strings.Count(string(table), "\n"), string(table))
}

func TestSeedBaseline_RefusesOverwriteWithoutForce(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	_, err := h.pipeline(t).SeedBaseline(context.Background(), drift.SeedOptions{Actor: "ops@acme"})
	require.Error(t, err)
	assert.Equal(t, evidence.ExitConfiguration, evidence.ExitCode(err))

	b, err := h.pipeline(t).SeedBaseline(context.Background(),
		drift.SeedOptions{Actor: "ops@acme", Force: true, Reason: "rotated pipeline app"})
	require.NoError(t, err)
	assert.Equal(t, 1, b.Reseeds)
	assert.Contains(t, h.audit.String(), audit.ActionBaselineReseeded)
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, StatusCommitted, StatusOf(nil))
	assert.Equal(t, StatusDriftDetected, StatusOf(evidence.E(evidence.KindDriftDetected, "x", nil)))
	assert.Equal(t, StatusMappingInvalid, StatusOf(evidence.E(evidence.KindMappingConfig, "x", nil)))
	assert.Equal(t, StatusLedgerFailed, StatusOf(evidence.E(evidence.KindLedgerCommit, "x", nil)))
	assert.Equal(t, StatusBusy, StatusOf(evidence.E(evidence.KindLedgerBusy, "x", nil)))
	assert.Equal(t, StatusCollectionFailed, StatusOf(evidence.E(evidence.KindTransientFetch, "x", nil)))
}
