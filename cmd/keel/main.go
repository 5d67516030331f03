// Command keel is the operator surface of the evidence ledger: chain
// verification, drift doctoring, evidence lookup, and budget checks.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/strataos/keel/pkg/config"
	"github.com/strataos/keel/pkg/mirror"
	"github.com/strataos/keel/pkg/observability"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
//
// Exit codes: 0 = success, 1 = check failed, 2 = usage or runtime error.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "init":
		return runInitCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "doctor":
		return runDoctorCmd(args[2:], stdout, stderr)
	case "evidence":
		if len(args) < 3 || args[2] != "show" {
			_, _ = fmt.Fprintln(stderr, "Usage: keel evidence show <reference> [--json]")
			return 2
		}
		return runEvidenceShowCmd(args[3:], stdout, stderr)
	case "budget-check":
		return runBudgetCheckCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "keel - capability-gated evidence ledger")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "USAGE:")
	_, _ = fmt.Fprintln(w, "  keel <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "COMMANDS:")
	_, _ = fmt.Fprintln(w, "  init                      Initialize ledger roots and genesis entries")
	_, _ = fmt.Fprintln(w, "  verify [--kind k]         Verify hash-chain integrity")
	_, _ = fmt.Fprintln(w, "  doctor [--reconcile]      Detect (and optionally repair) mirror drift")
	_, _ = fmt.Fprintln(w, "  evidence show <reference> Resolve and verify one ledger entry")
	_, _ = fmt.Fprintln(w, "  budget-check --stage <f>  Evaluate a stage plan against the budget")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Configuration via KEEL_* environment variables; see pkg/config.")
}

// newTelemetry builds the OTLP provider when KEEL_OTLP_ENDPOINT is set, a
// disabled no-op provider otherwise. The returned stop flushes exporters.
func newTelemetry(cfg *config.Config, stderr io.Writer) (*observability.Provider, func()) {
	tcfg := observability.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		tcfg.OTLPEndpoint = cfg.OTLPEndpoint
		tcfg.Enabled = true
	}
	p, err := observability.New(context.Background(), tcfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Warning: telemetry disabled: %v\n", err)
		p, _ = observability.New(context.Background(), &observability.Config{})
		return p, func() {}
	}
	return p, func() { _ = p.Shutdown(context.Background()) }
}

// openMirror builds the mirror from the environment configuration.
func openMirror(cfg *config.Config) (*mirror.Mirror, error) {
	seed, err := config.DecodeMasterSeed(cfg.MasterSeedHex)
	if err != nil {
		return nil, err
	}
	return mirror.New(mirror.Config{
		PrimaryRoot: cfg.PrimaryRoot,
		AuditRoot:   cfg.AuditRoot,
	}, seed)
}
