package main

import (
	"context"
	"flag"
	"io"

	"github.com/tbowman01/shared-github-actions/pkg/config"
	"github.com/tbowman01/shared-github-actions/pkg/drift"
	"github.com/tbowman01/shared-github-actions/pkg/evidence"
	"github.com/tbowman01/shared-github-actions/pkg/pipeline"
)

func runRunCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	if err := cmd.Parse(args); err != nil {
		return evidence.ExitConfiguration
	}

	cfg, err := loadConfig(config.ScopePipeline, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	p, closeFn, err := pipeline.FromConfig(ctx, cfg)
	if err != nil {
		return fail(stderr, err)
	}
	defer closeFn()

	res := p.Run(ctx)
	printJSON(stdout, res)
	return res.ExitCode()
}

func runSeedCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("seed-baseline", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var opts drift.SeedOptions
	cmd.StringVar(&opts.Actor, "actor", "", "Operator identity recorded in the audit trail (REQUIRED)")
	cmd.StringVar(&opts.Reason, "reason", "", "Why the baseline is being (re)seeded; required with --force")
	cmd.BoolVar(&opts.Force, "force", false, "Replace an existing baseline")
	if err := cmd.Parse(args); err != nil {
		return evidence.ExitConfiguration
	}
	if opts.Actor == "" {
		return usageError(stderr, "--actor is required")
	}

	cfg, err := loadConfig(config.ScopePipeline, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	p, closeFn, err := pipeline.FromConfig(ctx, cfg)
	if err != nil {
		return fail(stderr, err)
	}
	defer closeFn()

	b, err := p.SeedBaseline(ctx, opts)
	if err != nil {
		return fail(stderr, err)
	}
	printJSON(stdout, map[string]any{
		"baseline":     b.Name,
		"hash":         b.Hash,
		"scheme":       b.Scheme,
		"seeded_at":    b.SeededAt,
		"seeded_by":    b.SeededBy,
		"reseed_count": b.Reseeds,
	})
	return evidence.ExitOK
}
