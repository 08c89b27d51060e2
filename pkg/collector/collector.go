// Package collector fetches raw evidence from the Source Platform API and turns
// each artifact into its raw and tabular forms.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tbowman01/shared-github-actions/pkg/evidence"
	"github.com/tbowman01/shared-github-actions/pkg/retry"
)

// Metrics receives per-artifact fetch outcomes.
type Metrics interface {
	RecordFetch(ctx context.Context, artifact string, d time.Duration, err error)
}

type nopMetrics struct{}

func (nopMetrics) RecordFetch(context.Context, string, time.Duration, error) {}

// Collector runs every catalog entry against a Source.
type Collector struct {
	source  Source
	target  Target
	catalog []Spec
	retrier *retry.Retrier
	metrics Metrics
	clock   func() time.Time
	logger  *slog.Logger
}

// Option customizes a Collector.
type Option func(*Collector)

// WithCatalog replaces the default artifact catalog.
func WithCatalog(specs []Spec) Option { return func(c *Collector) { c.catalog = specs } }

// WithRetrier sets the retry behaviour for transient failures.
func WithRetrier(r *retry.Retrier) Option { return func(c *Collector) { c.retrier = r } }

// WithMetrics attaches a fetch metrics sink.
func WithMetrics(m Metrics) Option { return func(c *Collector) { c.metrics = m } }

// WithClock injects the clock used for fetch timestamps.
func WithClock(clock func() time.Time) Option { return func(c *Collector) { c.clock = clock } }

// New creates a Collector.
func New(src Source, target Target, opts ...Option) *Collector {
	c := &Collector{
		source:  src,
		target:  target,
		catalog: DefaultCatalog(),
		retrier: retry.New(retry.DefaultPolicy()),
		metrics: nopMetrics{},
		clock:   time.Now,
		logger:  slog.Default().With("component", "collector"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect fetches every artifact. A mandatory artifact that cannot be fetched
// aborts with a CollectionError; optional ones are recorded as absent.
func (c *Collector) Collect(ctx context.Context) (*evidence.Collection, error) {
	coll := evidence.NewCollection()
	for _, spec := range c.catalog {
		art, err := c.fetch(ctx, spec)
		if err == nil {
			coll.Add(art)
			continue
		}
		if ctx.Err() != nil {
			return nil, evidence.E(evidence.KindCollection, "collect "+spec.Name, ctx.Err())
		}
		if spec.Optional {
			c.logger.WarnContext(ctx, "optional artifact unavailable", "artifact", spec.Name, "error", err)
			coll.Skip(spec.Name, err.Error())
			continue
		}
		c.logger.ErrorContext(ctx, "mandatory artifact unavailable", "artifact", spec.Name, "error", err)
		return nil, evidence.E(evidence.KindCollection, "collect "+spec.Name, err).
			WithDetail("artifact", spec.Name).
			WithDetail("transient", retry.IsTransient(err))
	}
	return coll, nil
}

func (c *Collector) fetch(ctx context.Context, spec Spec) (*evidence.Artifact, error) {
	start := c.clock()
	var records []map[string]any
	err := c.retrier.Do(ctx, spec.Name, func(ctx context.Context) error {
		var ferr error
		records, ferr = spec.Fetch(ctx, c.source, c.target)
		return ferr
	})
	c.metrics.RecordFetch(ctx, spec.Name, c.clock().Sub(start), err)
	if err != nil {
		return nil, err
	}

	table, err := Flatten(spec, records)
	if err != nil {
		return nil, fmt.Errorf("flatten: %w", err)
	}
	c.logger.InfoContext(ctx, "artifact collected", "artifact", spec.Name, "records", len(records))
	return &evidence.Artifact{
		Name:      spec.Name,
		FetchedAt: start.UTC(),
		Optional:  spec.Optional,
		Records:   records,
		Table:     table,
	}, nil
}
