package drift

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tbowman01/shared-github-actions/pkg/audit"
	"github.com/tbowman01/shared-github-actions/pkg/canonicalize"
	"github.com/tbowman01/shared-github-actions/pkg/evidence"
	"github.com/tbowman01/shared-github-actions/pkg/platform"
	"github.com/tbowman01/shared-github-actions/pkg/retry"
)

// PolicySource fetches the live ruleset detail document.
type PolicySource interface {
	Ruleset(ctx context.Context, owner, repo, name string) (map[string]any, error)
}

// Config names the guarded policy and the identity allowed to bypass it.
type Config struct {
	Owner    string
	Repo     string
	Ruleset  string
	Baseline string
	Pipeline Identity
}

// VerdictStatus is the outcome of a passing preflight.
type VerdictStatus string

const (
	VerdictBootstrap VerdictStatus = "bootstrap"
	VerdictVerified  VerdictStatus = "verified"
)

// Verdict is the result of a passing drift preflight.
type Verdict struct {
	Status       VerdictStatus `json:"status"`
	Baseline     string        `json:"baseline"`
	BaselineHash string        `json:"baseline_hash,omitempty"`
	LiveHash     string        `json:"live_hash"`
	Scheme       string        `json:"canonicalization"`
	CheckedAt    time.Time     `json:"checked_at"`
}

// SeedOptions controls the privileged seeding operation.
type SeedOptions struct {
	Actor  string
	Reason string
	Force  bool
}

// Detector runs the drift preflight and the seeding operation.
type Detector struct {
	source  PolicySource
	store   *BaselineStore
	guards  *Guardrails
	cfg     Config
	retrier *retry.Retrier
	audit   audit.Logger
	clock   func() time.Time
	logger  *slog.Logger
}

// Option configures a Detector.
type Option func(*Detector)

// WithRetrier sets the retry policy for the live policy fetch.
func WithRetrier(r *retry.Retrier) Option { return func(d *Detector) { d.retrier = r } }

// WithAudit sets the audit sink.
func WithAudit(l audit.Logger) Option { return func(d *Detector) { d.audit = l } }

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option { return func(d *Detector) { d.clock = clock } }

// NewDetector creates a Detector.
func NewDetector(src PolicySource, store *BaselineStore, guards *Guardrails, cfg Config, opts ...Option) *Detector {
	d := &Detector{
		source:  src,
		store:   store,
		guards:  guards,
		cfg:     cfg,
		retrier: retry.New(retry.DefaultPolicy()),
		audit:   audit.Nop{},
		clock:   time.Now,
		logger:  slog.Default().With("component", "drift"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Live fetches and projects the live policy. A missing ruleset is drift: the
// protection was removed.
func (d *Detector) Live(ctx context.Context) (Policy, string, error) {
	var raw map[string]any
	err := d.retrier.Do(ctx, "ruleset "+d.cfg.Ruleset, func(ctx context.Context) error {
		var ferr error
		raw, ferr = d.source.Ruleset(ctx, d.cfg.Owner, d.cfg.Repo, d.cfg.Ruleset)
		return ferr
	})
	if errors.Is(err, platform.ErrNotFound) {
		return Policy{}, "", evidence.E(evidence.KindDriftDetected, "drift preflight", err).
			WithDetail("baseline", d.cfg.Baseline).
			WithDetail("reason", "protection ruleset missing")
	}
	if err != nil {
		return Policy{}, "", evidence.E(evidence.KindCollection, "fetch protection policy", err).
			WithDetail("ruleset", d.cfg.Ruleset)
	}
	p, err := FromRuleset(raw)
	if err != nil {
		return Policy{}, "", evidence.E(evidence.KindDriftDetected, "drift preflight", err)
	}
	hash, err := p.Hash()
	if err != nil {
		return Policy{}, "", evidence.E(evidence.KindDriftDetected, "drift preflight", err)
	}
	return p, hash, nil
}

// Check is the pre-flight gate. It fails closed: any hash mismatch or guardrail
// violation is a DriftDetectedError. Only a missing baseline is tolerated.
func (d *Detector) Check(ctx context.Context) (*Verdict, error) {
	live, hash, err := d.Live(ctx)
	if err != nil {
		d.reportDrift(ctx, err)
		return nil, err
	}
	violations := d.guards.Evaluate(live, d.cfg.Pipeline)

	verdict := &Verdict{
		Baseline:  d.cfg.Baseline,
		LiveHash:  hash,
		Scheme:    canonicalize.SchemeV1,
		CheckedAt: d.clock().UTC(),
	}

	base, err := d.store.Load(d.cfg.Baseline)
	switch {
	case errors.Is(err, ErrBaselineNotFound):
		verdict.Status = VerdictBootstrap
	case err != nil:
		return nil, evidence.E(evidence.KindConfig, "load baseline", err)
	default:
		verdict.BaselineHash = base.Hash
		if base.Hash != hash {
			derr := evidence.E(evidence.KindDriftDetected, "drift preflight",
				fmt.Errorf("policy %q hash %s differs from baseline %s", d.cfg.Ruleset, short(hash), short(base.Hash))).
				WithDetail("baseline", d.cfg.Baseline).
				WithDetail("baseline_hash", base.Hash).
				WithDetail("live_hash", hash).
				WithDetail("changes", Diff(base.Policy, live))
			if len(violations) > 0 {
				derr = derr.WithDetail("violations", violations)
			}
			d.reportDrift(ctx, derr)
			return nil, derr
		}
		verdict.Status = VerdictVerified
	}

	if len(violations) > 0 {
		names := make([]string, len(violations))
		for i, v := range violations {
			names[i] = v.Guardrail
		}
		gerr := evidence.E(evidence.KindDriftDetected, "drift preflight",
			fmt.Errorf("ledger protection guardrails violated: %s", strings.Join(names, ", "))).
			WithDetail("baseline", d.cfg.Baseline).
			WithDetail("live_hash", hash).
			WithDetail("violations", violations)
		d.logger.ErrorContext(ctx, "guardrail violated", "violations", names, "live_hash", hash)
		_ = d.audit.Record(ctx, audit.EventSecurity, audit.ActionGuardrail, "ruleset/"+d.cfg.Ruleset, gerr.Detail)
		return nil, gerr
	}

	if verdict.Status == VerdictBootstrap {
		d.logger.WarnContext(ctx, "no baseline seeded; proceeding in bootstrap state",
			"baseline", d.cfg.Baseline, "live_hash", hash)
	} else {
		d.logger.InfoContext(ctx, "protection policy matches baseline", "baseline", d.cfg.Baseline, "hash", hash)
	}
	return verdict, nil
}

func (d *Detector) reportDrift(ctx context.Context, err error) {
	if !evidence.IsKind(err, evidence.KindDriftDetected) {
		return
	}
	var detail map[string]any
	var e *evidence.Error
	if errors.As(err, &e) {
		detail = e.Detail
	}
	d.logger.ErrorContext(ctx, "POLICY DRIFT DETECTED", "baseline", d.cfg.Baseline, "error", err)
	_ = d.audit.Record(ctx, audit.EventSecurity, audit.ActionDriftDetected, "baseline/"+d.cfg.Baseline, detail)
}

// Seed captures the live policy as the trusted baseline. It refuses to replace
// an existing baseline unless opts.Force is set, and refuses to trust a policy
// that already violates the guardrails.
func (d *Detector) Seed(ctx context.Context, opts SeedOptions) (Baseline, error) {
	const op = "seed baseline"
	if strings.TrimSpace(opts.Actor) == "" {
		return Baseline{}, evidence.E(evidence.KindConfig, op, errors.New("actor is required"))
	}

	exists := d.store.Exists(d.cfg.Baseline)
	prev, err := d.store.Load(d.cfg.Baseline)
	if err != nil && !errors.Is(err, ErrBaselineNotFound) && !opts.Force {
		return Baseline{}, evidence.E(evidence.KindConfig, op, err)
	}
	if exists && !opts.Force {
		return Baseline{}, evidence.E(evidence.KindConfig, op,
			fmt.Errorf("baseline %q already seeded at %s; re-seeding requires force", d.cfg.Baseline, prev.SeededAt.Format(time.RFC3339)))
	}
	if exists && strings.TrimSpace(opts.Reason) == "" {
		return Baseline{}, evidence.E(evidence.KindConfig, op, errors.New("re-seeding requires a reason"))
	}

	live, hash, err := d.Live(ctx)
	if err != nil {
		return Baseline{}, err
	}
	if v := d.guards.Evaluate(live, d.cfg.Pipeline); len(v) > 0 {
		return Baseline{}, evidence.E(evidence.KindDriftDetected, op,
			fmt.Errorf("live policy violates %d guardrail(s); refusing to trust it", len(v))).
			WithDetail("violations", v)
	}

	b := Baseline{
		Name:     d.cfg.Baseline,
		Hash:     hash,
		Scheme:   canonicalize.SchemeV1,
		Policy:   live,
		SeededAt: d.clock().UTC(),
		SeededBy: opts.Actor,
		Reason:   opts.Reason,
	}
	action := audit.ActionBaselineSeeded
	if exists {
		b.Reseeds = prev.Reseeds + 1
		action = audit.ActionBaselineReseeded
	}
	if err := d.store.Save(b); err != nil {
		return Baseline{}, evidence.E(evidence.KindLedgerCommit, op, err)
	}

	meta := map[string]any{"hash": hash, "reason": opts.Reason, "reseed_count": b.Reseeds}
	if exists {
		meta["previous_hash"] = prev.Hash
	}
	ctx = audit.WithActor(ctx, opts.Actor)
	if err := d.audit.Record(ctx, audit.EventOperator, action, "baseline/"+b.Name, meta); err != nil {
		d.logger.WarnContext(ctx, "audit record failed", "error", err)
	}
	d.logger.InfoContext(ctx, "baseline seeded", "baseline", b.Name, "hash", hash, "actor", opts.Actor, "reseed_count", b.Reseeds)
	return b, nil
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
