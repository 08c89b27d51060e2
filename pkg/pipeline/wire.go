package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tbowman01/shared-github-actions/pkg/audit"
	"github.com/tbowman01/shared-github-actions/pkg/collector"
	"github.com/tbowman01/shared-github-actions/pkg/config"
	"github.com/tbowman01/shared-github-actions/pkg/drift"
	"github.com/tbowman01/shared-github-actions/pkg/evidence"
	"github.com/tbowman01/shared-github-actions/pkg/journal"
	"github.com/tbowman01/shared-github-actions/pkg/ledger"
	"github.com/tbowman01/shared-github-actions/pkg/lock"
	"github.com/tbowman01/shared-github-actions/pkg/objectstore"
	"github.com/tbowman01/shared-github-actions/pkg/observability"
	"github.com/tbowman01/shared-github-actions/pkg/platform"
	"github.com/tbowman01/shared-github-actions/pkg/retry"
	"github.com/tbowman01/shared-github-actions/pkg/rollup"
)

// Locker builds the configured run-lock backend for a ledger.
func Locker(cfg *config.Config, l *ledger.Ledger) (lock.Locker, error) {
	switch cfg.Lock.Backend {
	case "", "file":
		return lock.NewFileLock(l.LocksDir(), cfg.Lock.TTL), nil
	case "redis":
		return lock.NewRedisLockFromAddr(cfg.Lock.RedisAddr, cfg.Lock.RedisPassword, cfg.Lock.RedisDB, cfg.Lock.TTL), nil
	default:
		return nil, evidence.E(evidence.KindConfig, "build locker", errors.New("unknown lock backend "+cfg.Lock.Backend))
	}
}

// OpenJournal opens the configured run journal, or returns nil when disabled.
func OpenJournal(ctx context.Context, cfg *config.Config) (*journal.Journal, error) {
	if cfg.Journal.Driver == "" || cfg.Journal.Driver == "none" {
		return nil, nil
	}
	j, err := journal.Open(ctx, cfg.Journal.Driver, cfg.Journal.DSN)
	if err != nil {
		return nil, evidence.E(evidence.KindConfig, "open journal", err)
	}
	return j, nil
}

// FromConfig wires a pipeline and its collaborators from configuration. The
// returned close function flushes telemetry and closes the journal.
func FromConfig(ctx context.Context, cfg *config.Config) (*Pipeline, func(), error) {
	if err := cfg.Validate(config.ScopePipeline); err != nil {
		return nil, nil, err
	}
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Pipeline, func(), error) {
		closeAll()
		return nil, nil, err
	}

	l, err := ledger.Open(cfg.LedgerRoot)
	if err != nil {
		return fail(evidence.E(evidence.KindConfig, "open ledger", err))
	}
	client, err := platform.NewClient(platform.Config{
		BaseURL: cfg.Platform.APIURL,
		Token:   cfg.Platform.Token,
		RPS:     cfg.Platform.RPS,
		Burst:   cfg.Platform.Burst,
		Timeout: cfg.Platform.Timeout,
	})
	if err != nil {
		return fail(evidence.E(evidence.KindConfig, "build platform client", err))
	}
	locker, err := Locker(cfg, l)
	if err != nil {
		return fail(err)
	}

	tel, err := observability.New(ctx, &observability.Config{
		ServiceName:    "evidence-archiver",
		ServiceVersion: "1.0.0",
		Environment:    "production",
		OTLPEndpoint:   cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		Enabled:        cfg.Telemetry.Enabled,
		SampleRate:     cfg.Telemetry.SampleRate,
		BatchTimeout:   observability.DefaultConfig().BatchTimeout,
	})
	if err != nil {
		return fail(evidence.E(evidence.KindConfig, "init telemetry", err))
	}
	closers = append(closers, func() { _ = tel.Shutdown(context.WithoutCancel(ctx)) })

	j, err := OpenJournal(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	if j != nil {
		closers = append(closers, func() { _ = j.Close() })
	}

	var replica *objectstore.Replicator
	store, err := objectstore.New(ctx, cfg.Storage)
	if err != nil {
		return fail(evidence.E(evidence.KindConfig, "build replica store", err))
	}
	if store != nil {
		replica = objectstore.NewReplicator(store, 4)
	}

	r := retry.New(retry.Policy{
		BaseMs:      cfg.Retry.BaseMs,
		MaxMs:       cfg.Retry.MaxMs,
		MaxJitterMs: cfg.Retry.MaxJitterMs,
		MaxAttempts: cfg.Retry.MaxAttempts,
	})

	p, err := New(ctx, Settings{
		MappingFiles: cfg.MappingFiles,
		Target: collector.Target{
			Org:        cfg.Platform.Org,
			Repo:       cfg.Platform.Repo,
			Branch:     cfg.Platform.Branch,
			PRLookback: cfg.Platform.PRLookback,
		},
		Drift: drift.Config{
			Owner:    cfg.Platform.Org,
			Repo:     cfg.Platform.Repo,
			Ruleset:  cfg.Drift.Ruleset,
			Baseline: cfg.Drift.BaselineName,
			Pipeline: drift.Identity{
				ActorType: cfg.Drift.PipelineActorType,
				ActorID:   cfg.Drift.PipelineActorID,
			},
		},
		VerificationDoc: cfg.VerificationDoc,
		Timeout:         cfg.RunTimeout,
	}, Deps{
		Ledger:    l,
		Source:    client,
		Policy:    client,
		Locker:    locker,
		Journal:   j,
		Replica:   replica,
		Audit:     audit.NewLogger(),
		Telemetry: tel,
		Retrier:   r,
	})
	if err != nil {
		return fail(err)
	}
	slog.Default().With("component", "pipeline").DebugContext(ctx, "pipeline wired",
		"ledger", l.Root(), "lock", cfg.Lock.Backend, "journal", cfg.Journal.Driver, "replica", cfg.Storage.Type)
	return p, closeAll, nil
}

// RollupFromConfig recomputes one rollup period using only the ledger side
// of the configuration; it never contacts the Source Platform API.
func RollupFromConfig(ctx context.Context, cfg *config.Config, c rollup.Cadence, key string) (*rollup.Result, error) {
	if err := cfg.Validate(config.ScopeLedger); err != nil {
		return nil, err
	}
	l, err := ledger.Open(cfg.LedgerRoot)
	if err != nil {
		return nil, evidence.E(evidence.KindConfig, "open ledger", err)
	}
	locker, err := Locker(cfg, l)
	if err != nil {
		return nil, err
	}
	j, err := OpenJournal(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if j != nil {
		defer func() { _ = j.Close() }()
	}
	tel, err := observability.New(ctx, &observability.Config{})
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		ledger:    l,
		locker:    locker,
		journal:   j,
		audit:     audit.NewLogger(),
		telemetry: tel,
		clock:     time.Now,
		logger:    slog.Default().With("component", "pipeline"),
	}
	return p.Rollup(ctx, c, key)
}
