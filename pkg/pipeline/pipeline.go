// Package pipeline composes the collector, mapper, drift detector, ledger and
// publisher into a single fail-closed run.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/tbowman01/shared-github-actions/pkg/audit"
	"github.com/tbowman01/shared-github-actions/pkg/collector"
	"github.com/tbowman01/shared-github-actions/pkg/controlmap"
	"github.com/tbowman01/shared-github-actions/pkg/drift"
	"github.com/tbowman01/shared-github-actions/pkg/evidence"
	"github.com/tbowman01/shared-github-actions/pkg/journal"
	"github.com/tbowman01/shared-github-actions/pkg/ledger"
	"github.com/tbowman01/shared-github-actions/pkg/lock"
	"github.com/tbowman01/shared-github-actions/pkg/objectstore"
	"github.com/tbowman01/shared-github-actions/pkg/observability"
	"github.com/tbowman01/shared-github-actions/pkg/posture"
	"github.com/tbowman01/shared-github-actions/pkg/publish"
	"github.com/tbowman01/shared-github-actions/pkg/retry"
	"github.com/tbowman01/shared-github-actions/pkg/rollup"
)

// RunLockKey serializes pipeline runs and baseline seeding per ledger.
const RunLockKey = "run"

// Settings are the static inputs of a pipeline.
type Settings struct {
	MappingFiles    []string
	Target          collector.Target
	Drift           drift.Config
	Guardrails      []drift.Guardrail
	VerificationDoc string
	Timeout         time.Duration
}

// Deps are the collaborators of a pipeline. Journal and Replica are optional.
type Deps struct {
	Ledger    *ledger.Ledger
	Source    collector.Source
	Policy    drift.PolicySource
	Locker    lock.Locker
	Journal   *journal.Journal
	Replica   *objectstore.Replicator
	Audit     audit.Logger
	Telemetry *observability.Provider
	Retrier   *retry.Retrier
	Catalog   []collector.Spec
	Clock     func() time.Time
}

// Pipeline runs one evidence pass, rollups and baseline seeding.
type Pipeline struct {
	settings  Settings
	ledger    *ledger.Ledger
	locker    lock.Locker
	journal   *journal.Journal
	replica   *objectstore.Replicator
	audit     audit.Logger
	telemetry *observability.Provider
	collector *collector.Collector
	detector  *drift.Detector
	clock     func() time.Time
	logger    *slog.Logger
}

// New assembles a pipeline.
func New(ctx context.Context, s Settings, d Deps) (*Pipeline, error) {
	if d.Ledger == nil || d.Source == nil || d.Policy == nil {
		return nil, evidence.E(evidence.KindConfig, "build pipeline", errors.New("ledger, source and policy source are required"))
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Audit == nil {
		d.Audit = audit.Nop{}
	}
	if d.Retrier == nil {
		d.Retrier = retry.New(retry.DefaultPolicy())
	}
	if d.Locker == nil {
		d.Locker = lock.NewFileLock(d.Ledger.LocksDir(), lock.DefaultTTL)
	}
	if d.Telemetry == nil {
		tp, err := observability.New(ctx, &observability.Config{})
		if err != nil {
			return nil, err
		}
		d.Telemetry = tp
	}
	rules := s.Guardrails
	if rules == nil {
		rules = drift.DefaultGuardrails
	}
	guards, err := drift.NewGuardrails(rules)
	if err != nil {
		return nil, evidence.E(evidence.KindConfig, "compile guardrails", err)
	}

	copts := []collector.Option{
		collector.WithRetrier(d.Retrier),
		collector.WithMetrics(d.Telemetry),
		collector.WithClock(d.Clock),
	}
	if d.Catalog != nil {
		copts = append(copts, collector.WithCatalog(d.Catalog))
	}

	return &Pipeline{
		settings:  s,
		ledger:    d.Ledger,
		locker:    d.Locker,
		journal:   d.Journal,
		replica:   d.Replica,
		audit:     d.Audit,
		telemetry: d.Telemetry,
		collector: collector.New(d.Source, s.Target, copts...),
		detector: drift.NewDetector(d.Policy, drift.NewBaselineStore(d.Ledger.BaselineDir()), guards, s.Drift,
			drift.WithRetrier(d.Retrier),
			drift.WithAudit(d.Audit),
			drift.WithClock(d.Clock),
		),
		clock:  d.Clock,
		logger: slog.Default().With("component", "pipeline"),
	}, nil
}

// Ledger returns the ledger the pipeline writes to.
func (p *Pipeline) Ledger() *ledger.Ledger { return p.ledger }

// Journal returns the run journal, nil when disabled.
func (p *Pipeline) Journal() *journal.Journal { return p.journal }

// Run executes one full pass. It never panics on pipeline failures; the
// outcome, including the error kind, is carried by the Result.
func (p *Pipeline) Run(ctx context.Context) *Result {
	res := &Result{RunID: uuid.NewString(), StartedAt: p.clock().UTC()}
	if audit.ActorFrom(ctx) == "system" {
		ctx = audit.WithActor(ctx, "pipeline:"+p.settings.Drift.Pipeline.ActorID)
	}
	if p.settings.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.settings.Timeout)
		defer cancel()
	}
	logger := p.logger.With("run_id", res.RunID)
	logger.InfoContext(ctx, "pipeline run started")
	p.journalBegin(ctx, res.RunID, journal.KindRun)

	if err := p.run(ctx, res, logger); err != nil {
		res.fail(err)
	} else {
		res.Status = StatusCommitted
	}
	res.FinishedAt = p.clock().UTC()

	bg := context.WithoutCancel(ctx)
	p.telemetry.RecordRun(bg, journal.KindRun, string(res.Status))
	if res.Status == StatusDriftDetected {
		p.telemetry.RecordDrift(bg, p.settings.Drift.Baseline)
	}
	p.journalFinish(bg, res.RunID, res.Status, res.Err, res.Date, res)

	if res.Err != nil {
		logger.ErrorContext(ctx, "pipeline run failed",
			"status", res.Status, "kind", res.ErrorKind, "error", res.Err, "exit_code", res.ExitCode())
	} else {
		logger.InfoContext(ctx, "pipeline run committed",
			"date", res.Date, "files", res.Files, "warnings", len(res.Warnings))
	}
	return res
}

func (p *Pipeline) run(ctx context.Context, res *Result, logger *slog.Logger) error {
	lease, err := lock.Acquire(ctx, p.locker, RunLockKey)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			logger.WarnContext(ctx, "run lock release failed", "error", rerr)
		}
	}()

	// Preflight: nothing is fetched until mappings, the verification document
	// and the protection policy all check out.
	sctx, end := p.telemetry.StartStage(ctx, "preflight")
	tables, err := controlmap.LoadTables(p.settings.MappingFiles)
	if err == nil {
		err = p.checkVerificationDoc()
	}
	var verdict *drift.Verdict
	if err == nil {
		verdict, err = p.detector.Check(sctx)
	}
	end(err)
	if err != nil {
		return err
	}
	res.Drift = verdict

	sctx, end = p.telemetry.StartStage(ctx, "collect")
	coll, err := p.collector.Collect(sctx)
	end(err)
	if err != nil {
		return err
	}
	res.Warnings = append(res.Warnings, coll.Warnings...)

	_, end = p.telemetry.StartStage(ctx, "map")
	mapped := controlmap.NewMapper(tables).Map(coll.FileNames())
	end(nil)

	meta := evidence.NewMetadata(p.clock(), res.RunID)
	summary := posture.Build(meta.Date, coll, mapped, posture.Drift{
		Status:       string(verdict.Status),
		Baseline:     verdict.Baseline,
		BaselineHash: verdict.BaselineHash,
		LiveHash:     verdict.LiveHash,
	})

	sctx, end = p.telemetry.StartStage(ctx, "commit")
	m, err := p.commit(sctx, meta, coll, mapped, summary)
	end(err)
	if err != nil {
		return err
	}
	res.Date = meta.Date
	res.MerkleRoot = m.MerkleRoot
	res.Files = len(m.Files)
	if err := p.audit.Record(ctx, audit.EventLedger, audit.ActionSnapshot, "snapshot/"+meta.Date, map[string]any{
		"run_id":      res.RunID,
		"merkle_root": m.MerkleRoot,
		"files":       len(m.Files),
		"drift":       verdict.Status,
	}); err != nil {
		logger.WarnContext(ctx, "audit record failed", "error", err)
	}

	// The snapshot is committed; what follows only degrades to warnings.
	sctx, end = p.telemetry.StartStage(ctx, "publish")
	res.Warnings = append(res.Warnings, p.publish(sctx, res, summary)...)
	end(nil)
	return nil
}

func (p *Pipeline) commit(ctx context.Context, meta evidence.Metadata, coll *evidence.Collection, mapped *controlmap.Result, summary posture.Summary) (*ledger.Manifest, error) {
	st, err := p.ledger.Stage(meta)
	if err != nil {
		return nil, err
	}
	defer func() { _ = st.Abort() }()

	index := publish.BuildSnapshotIndex(meta, summary, mapped)
	indexJSON, err := index.JSON()
	if err != nil {
		return nil, ledgerErr("render index", err)
	}
	steps := []struct {
		op string
		fn func() error
	}{
		{"write collection", func() error { return st.WriteCollection(coll) }},
		{"write controls", func() error { return st.WriteControls(mapped) }},
		{"write posture", func() error { return st.WriteJSON(ledger.PostureFile, summary) }},
		{"write oscal", func() error { return st.WriteJSON(ledger.OSCALFile, posture.OSCAL(meta.Date, mapped)) }},
		{"write index", func() error { return st.WriteFile(publish.IndexJSON, indexJSON) }},
		{"write index", func() error { return st.WriteFile(publish.IndexMarkdown, index.Markdown()) }},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			return nil, ledgerErr(s.op, err)
		}
	}
	return st.Commit(ctx)
}

func (p *Pipeline) publish(ctx context.Context, res *Result, summary posture.Summary) []evidence.Warning {
	var warnings []evidence.Warning
	if p.replica != nil {
		rep, err := p.replica.Replicate(ctx, p.ledger, res.Date)
		if err != nil {
			p.logger.WarnContext(ctx, "snapshot replication failed", "date", res.Date, "error", err)
			warnings = append(warnings, evidence.Warning{Stage: "replicate", Message: err.Error()})
		} else {
			res.Replica = rep
		}
	}
	if doc := p.settings.VerificationDoc; doc != "" {
		changed, err := publish.UpdateVerificationDoc(doc, publish.StatusBlock(summary))
		if err != nil {
			p.logger.WarnContext(ctx, "verification document not updated", "path", doc, "error", err)
			warnings = append(warnings, evidence.Warning{Stage: "publish", Message: err.Error()})
		}
		res.DocUpdated = changed
	}
	return warnings
}

// checkVerificationDoc rejects a document whose markers are malformed before
// any evidence is collected.
func (p *Pipeline) checkVerificationDoc() error {
	doc := p.settings.VerificationDoc
	if doc == "" {
		return nil
	}
	data, err := os.ReadFile(doc) //nolint:gosec // operator-configured document
	if err == nil {
		_, err = publish.ReplaceBlock(string(data), publish.BeginMarker, publish.EndMarker, "")
	}
	if err != nil {
		return evidence.E(evidence.KindConfig, "check verification document", err).WithDetail("path", doc)
	}
	return nil
}

// Rollup recomputes the rollup of one period. An empty key selects the
// period containing the current time.
func (p *Pipeline) Rollup(ctx context.Context, c rollup.Cadence, key string, opts ...rollup.Option) (*rollup.Result, error) {
	if key == "" {
		key = rollup.PeriodKey(c, p.clock())
	}
	runID := uuid.NewString()
	p.journalBegin(ctx, runID, journal.KindRollup)

	opts = append([]rollup.Option{rollup.WithLocker(p.locker), rollup.WithAudit(p.audit)}, opts...)
	sctx, end := p.telemetry.StartStage(ctx, "rollup")
	out, err := rollup.New(p.ledger, opts...).Run(sctx, c, key)
	end(err)

	status := Status("rolled_up")
	if err != nil {
		status = StatusOf(err)
	}
	bg := context.WithoutCancel(ctx)
	p.telemetry.RecordRun(bg, journal.KindRollup, string(status))
	p.journalFinish(bg, runID, status, err, "", map[string]any{"cadence": c, "key": key})
	return out, err
}

// SeedBaseline captures the live protection policy as the trusted baseline.
// It holds the run lock so a seed never interleaves with a run.
func (p *Pipeline) SeedBaseline(ctx context.Context, opts drift.SeedOptions) (drift.Baseline, error) {
	runID := uuid.NewString()
	p.journalBegin(ctx, runID, journal.KindSeedBaseline)

	b, err := func() (drift.Baseline, error) {
		lease, err := lock.Acquire(ctx, p.locker, RunLockKey)
		if err != nil {
			return drift.Baseline{}, err
		}
		defer func() { _ = lease.Release(context.WithoutCancel(ctx)) }()
		return p.detector.Seed(ctx, opts)
	}()

	status := Status("seeded")
	if err != nil {
		status = StatusOf(err)
	}
	p.journalFinish(context.WithoutCancel(ctx), runID, status, err, "", map[string]any{
		"baseline": p.settings.Drift.Baseline,
		"actor":    opts.Actor,
		"reason":   opts.Reason,
		"force":    opts.Force,
		"hash":     b.Hash,
	})
	return b, err
}

func (p *Pipeline) journalBegin(ctx context.Context, runID, kind string) {
	if p.journal == nil {
		return
	}
	if err := p.journal.Begin(ctx, runID, kind); err != nil {
		p.logger.WarnContext(ctx, "journal begin failed", "run_id", runID, "error", err)
	}
}

func (p *Pipeline) journalFinish(ctx context.Context, runID string, status Status, runErr error, date string, detail any) {
	if p.journal == nil {
		return
	}
	if err := p.journal.Finish(ctx, runID, string(status), string(evidence.KindOf(runErr)), date, detail); err != nil {
		p.logger.WarnContext(ctx, "journal finish failed", "run_id", runID, "error", err)
	}
}

func ledgerErr(op string, err error) error {
	if evidence.KindOf(err) != "" {
		return err
	}
	return evidence.E(evidence.KindLedgerCommit, op, err)
}
