// Command evidence archives compliance evidence into the dated ledger and
// guards the evidence branch against protection-policy drift.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tbowman01/shared-github-actions/pkg/config"
	"github.com/tbowman01/shared-github-actions/pkg/evidence"
)

const version = "1.0.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return evidence.ExitConfiguration
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[1] {
	case "run":
		return runRunCmd(ctx, args[2:], stdout, stderr)
	case "seed-baseline":
		return runSeedCmd(ctx, args[2:], stdout, stderr)
	case "rollup":
		return runRollupCmd(ctx, args[2:], stdout, stderr)
	case "validate-mappings":
		return runValidateMappingsCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "serve", "server":
		return runServeCmd(ctx, args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintln(stdout, "evidence", version)
		return evidence.ExitOK
	case "help", "--help", "-h":
		printUsage(stdout)
		return evidence.ExitOK
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return evidence.ExitConfiguration
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "evidence", version)
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "USAGE:")
	_, _ = fmt.Fprintln(w, "  evidence <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "COMMANDS:")
	printCommand(w, "run", "Collect, map and commit today's snapshot")
	printCommand(w, "seed-baseline", "Trust the live protection policy (--actor, --reason, --force)")
	printCommand(w, "rollup", "Recompute a rollup (--period weekly|monthly, --key)")
	printCommand(w, "validate-mappings", "Validate control mapping tables")
	printCommand(w, "verify", "Verify a snapshot (--date), one file's inclusion proof (--file) or a bundle (--bundle)")
	printCommand(w, "export", "Export a snapshot as .tar.zst (--date, --out)")
	printCommand(w, "serve", "Serve the manual trigger and ledger endpoints")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "EXIT CODES:")
	_, _ = fmt.Fprintln(w, "  0 ok, 1 collection, 2 drift, 3 configuration, 4 ledger commit, 5 ledger busy")
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %-18s %s\n", name, desc)
}

// loadConfig reads the environment, installs the configured logger and
// validates the parts the command needs.
func loadConfig(scope config.Scope, stderr io.Writer) (*config.Config, error) {
	cfg := config.Load()
	slog.SetDefault(cfg.NewLogger(stderr))
	if err := cfg.Validate(scope); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fail reports err and maps it to its exit code.
func fail(stderr io.Writer, err error) int {
	_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
	return evidence.ExitCode(err)
}

func usageError(stderr io.Writer, format string, a ...any) int {
	_, _ = fmt.Fprintf(stderr, "Error: "+format+"\n", a...)
	return evidence.ExitConfiguration
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
