package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"path/filepath"

	"github.com/strataos/keel/pkg/config"
	"github.com/strataos/keel/pkg/guardian"
	"github.com/strataos/keel/pkg/ledger"
	"github.com/strataos/keel/pkg/store"
)

// runBudgetCheckCmd evaluates one stage plan file against the telemetry
// budget and prints the recorded decision.
func runBudgetCheckCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("budget-check", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var stageFile string
	var jsonOutput bool
	cmd.StringVar(&stageFile, "stage", "", "Path to the stage plan file (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Print the decision as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if stageFile == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --stage is required")
		return 2
	}

	plan, err := config.LoadStagePlan(stageFile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	cfg := config.Load()
	m, err := openMirror(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	obs, stop := newTelemetry(cfg, stderr)
	defer stop()
	m.WithTelemetry(obs)

	telemetry, cleanup, err := telemetryStore(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer cleanup()

	g, err := guardian.New(telemetry, m, cfg.GuardianLimits)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	g.WithMetrics(obs)

	decision, err := g.Evaluate(context.Background(), plan)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	// Keep the reference index current with the decision just appended, so
	// evidence show resolves it without a manual rebuild.
	if idx, ierr := store.Open(cfg.IndexPath); ierr == nil {
		if rerr := idx.Rebuild(context.Background(), m); rerr != nil {
			_, _ = fmt.Fprintf(stderr, "Warning: index refresh failed: %v\n", rerr)
		}
		_ = idx.Close()
	} else {
		_, _ = fmt.Fprintf(stderr, "Warning: index refresh failed: %v\n", ierr)
	}

	snapshot := filepath.Join(cfg.PrimaryRoot, ledger.KindBudgetDecision.FileName())
	if jsonOutput {
		data, _ := json.MarshalIndent(decision, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "Stage:        %s\n", decision.StageID)
	_, _ = fmt.Fprintf(stdout, "Action:       %s\n", decision.Action)
	_, _ = fmt.Fprintf(stdout, "Window:       %d events, mean %.0f tokens, mean %.0fms latency\n",
		decision.Trigger.WindowSize, decision.Trigger.MeanTokens, decision.Trigger.MeanLatencyMillis)
	if len(decision.AffectedTasks) > 0 {
		_, _ = fmt.Fprintf(stdout, "Dropped:      %v\n", decision.AffectedTasks)
		_, _ = fmt.Fprintf(stdout, "Projection:   %.0f tokens\n", decision.ProjectedTokens)
	}
	_, _ = fmt.Fprintf(stdout, "Ledger:       %s\n", snapshot)
	return 0
}

// telemetryStore picks the Postgres window when a DSN is configured, the
// in-memory ring otherwise.
func telemetryStore(cfg *config.Config) (guardian.Store, func(), error) {
	if cfg.TelemetryDSN == "" {
		return guardian.NewMemoryStore(cfg.GuardianLimits.WindowSize), func() {}, nil
	}
	db, err := sql.Open("postgres", cfg.TelemetryDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open telemetry store: %w", err)
	}
	return guardian.NewPostgresStore(db), func() { _ = db.Close() }, nil
}
