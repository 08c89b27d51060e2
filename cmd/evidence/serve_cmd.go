package main

import (
	"context"
	"flag"
	"io"
	"log/slog"

	"github.com/tbowman01/shared-github-actions/pkg/config"
	"github.com/tbowman01/shared-github-actions/pkg/evidence"
	"github.com/tbowman01/shared-github-actions/pkg/pipeline"
	"github.com/tbowman01/shared-github-actions/pkg/server"
)

func runServeCmd(ctx context.Context, args []string, _, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	addr := cmd.String("addr", "", "Listen address (overrides SERVER_ADDR)")
	if err := cmd.Parse(args); err != nil {
		return evidence.ExitConfiguration
	}

	cfg, err := loadConfig(config.ScopePipeline, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	p, closeFn, err := pipeline.FromConfig(ctx, cfg)
	if err != nil {
		return fail(stderr, err)
	}
	defer closeFn()

	tokens := server.NewTokenValidator(cfg.Server.JWTSecret)
	if tokens == nil {
		slog.Warn("TRIGGER_JWT_SECRET not set; POST /v1/runs will reject every request")
	}
	srv := server.New(p, p.Ledger(), server.WithJournal(p.Journal()), server.WithTokenValidator(tokens))
	if err := srv.ListenAndServe(ctx, cfg.Server.Addr); err != nil {
		return fail(stderr, evidence.E(evidence.KindConfig, "serve", err))
	}
	return evidence.ExitOK
}
