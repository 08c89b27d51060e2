package main

import (
	"context"
	"flag"
	"io"

	"github.com/tbowman01/shared-github-actions/pkg/config"
	"github.com/tbowman01/shared-github-actions/pkg/evidence"
	"github.com/tbowman01/shared-github-actions/pkg/pipeline"
	"github.com/tbowman01/shared-github-actions/pkg/rollup"
)

func runRollupCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("rollup", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var period, key string
	cmd.StringVar(&period, "period", "", "Rollup cadence: weekly or monthly (REQUIRED)")
	cmd.StringVar(&key, "key", "", "Period key (YYYY-Www or YYYY-MM); defaults to the current period")
	if err := cmd.Parse(args); err != nil {
		return evidence.ExitConfiguration
	}
	cadence, err := rollup.ParseCadence(period)
	if err != nil {
		return usageError(stderr, "%v", err)
	}
	if key != "" && !rollup.ValidKey(cadence, key) {
		return usageError(stderr, "invalid %s key %q", cadence, key)
	}

	cfg, err := loadConfig(config.ScopeLedger, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	res, err := pipeline.RollupFromConfig(ctx, cfg, cadence, key)
	if err != nil {
		return fail(stderr, err)
	}
	printJSON(stdout, res)
	return evidence.ExitOK
}
