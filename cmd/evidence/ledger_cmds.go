package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"path/filepath"

	"github.com/tbowman01/shared-github-actions/pkg/archive"
	"github.com/tbowman01/shared-github-actions/pkg/config"
	"github.com/tbowman01/shared-github-actions/pkg/controlmap"
	"github.com/tbowman01/shared-github-actions/pkg/evidence"
	"github.com/tbowman01/shared-github-actions/pkg/ledger"
)

func runValidateMappingsCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("validate-mappings", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	if err := cmd.Parse(args); err != nil {
		return evidence.ExitConfiguration
	}

	files := cmd.Args()
	if len(files) == 0 {
		cfg, err := loadConfig(config.ScopeLedger, stderr)
		if err != nil {
			return fail(stderr, err)
		}
		files = cfg.MappingFiles
	}
	tables, err := controlmap.LoadTables(files)
	if err != nil {
		return fail(stderr, err)
	}
	for _, t := range tables {
		_, _ = fmt.Fprintf(stdout, "%s %s: %d controls\n", t.Framework, t.Version, len(t.Controls))
	}
	return evidence.ExitOK
}

// openLedger opens the configured ledger for read-only commands.
func openLedger(stderr io.Writer) (*ledger.Ledger, error) {
	cfg, err := loadConfig(config.ScopeLedger, stderr)
	if err != nil {
		return nil, err
	}
	l, err := ledger.Open(cfg.LedgerRoot)
	if err != nil {
		return nil, evidence.E(evidence.KindConfig, "open ledger", err)
	}
	return l, nil
}

// resolveDate defaults an empty date to the newest snapshot.
func resolveDate(l *ledger.Ledger, date string) (string, error) {
	if date != "" {
		if _, err := evidence.ParseDateKey(date); err != nil {
			return "", evidence.E(evidence.KindConfig, "parse date", err)
		}
		return date, nil
	}
	m, err := l.Latest()
	if errors.Is(err, ledger.ErrNoSnapshot) {
		return "", evidence.E(evidence.KindConfig, "resolve date", err)
	}
	return m.Date, err
}

func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var date, bundle, file string
	cmd.StringVar(&date, "date", "", "Snapshot date (YYYY-MM-DD); defaults to the latest")
	cmd.StringVar(&bundle, "bundle", "", "Verify an exported .tar.zst bundle instead of the ledger")
	cmd.StringVar(&file, "file", "", "Print and check the merkle inclusion proof of one snapshot file")
	if err := cmd.Parse(args); err != nil {
		return evidence.ExitConfiguration
	}

	if bundle != "" {
		m, err := archive.VerifyFile(bundle)
		if errors.Is(err, archive.ErrTampered) {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return evidence.ExitLedgerCommit
		}
		if err != nil {
			return usageError(stderr, "bundle %s: %v", bundle, err)
		}
		printJSON(stdout, map[string]any{"date": m.Snapshot.Date, "files": len(m.Files), "merkle_root": m.MerkleRoot, "ok": true})
		return evidence.ExitOK
	}

	l, err := openLedger(stderr)
	if err != nil {
		return fail(stderr, err)
	}
	date, err = resolveDate(l, date)
	if err != nil {
		return fail(stderr, err)
	}
	if file != "" {
		in, err := l.Prove(date, file)
		if err != nil {
			return usageError(stderr, "snapshot %s: %v", date, err)
		}
		printJSON(stdout, in)
		if !in.OK() {
			return evidence.ExitLedgerCommit
		}
		return evidence.ExitOK
	}
	report, err := l.Verify(date)
	if err != nil {
		return usageError(stderr, "snapshot %s: %v", date, err)
	}
	printJSON(stdout, report)
	if !report.OK() {
		return evidence.ExitLedgerCommit
	}
	return evidence.ExitOK
}

func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var date, out string
	cmd.StringVar(&date, "date", "", "Snapshot date (YYYY-MM-DD); defaults to the latest")
	cmd.StringVar(&out, "out", "", "Output path; defaults to <date>"+archive.Extension)
	if err := cmd.Parse(args); err != nil {
		return evidence.ExitConfiguration
	}

	l, err := openLedger(stderr)
	if err != nil {
		return fail(stderr, err)
	}
	date, err = resolveDate(l, date)
	if err != nil {
		return fail(stderr, err)
	}
	if out == "" {
		out = date + archive.Extension
	}
	m, err := archive.ExportFile(l, date, out)
	if errors.Is(err, archive.ErrTampered) {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return evidence.ExitLedgerCommit
	}
	if err != nil {
		return fail(stderr, err)
	}
	abs, _ := filepath.Abs(out)
	printJSON(stdout, map[string]any{"date": date, "files": len(m.Files), "merkle_root": m.MerkleRoot, "out": abs})
	return evidence.ExitOK
}
