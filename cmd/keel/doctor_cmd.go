package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/strataos/keel/pkg/config"
)

// runDoctorCmd compares the primary and audit trees per kind, reports drift,
// and with --reconcile backfills mirrors that are a strict prefix of the
// primary. Divergent mirrors are reported, never overwritten.
func runDoctorCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("doctor", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var reconcile bool
	cmd.BoolVar(&reconcile, "reconcile", false, "Backfill mirror files that trail the primary")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	m, err := openMirror(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if reconcile {
		n, err := m.Reconcile()
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: reconcile: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintf(stdout, "Reconciled %d mirror lines\n", n)
	}

	report, err := m.Doctor()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if report.Clean() {
		_, _ = fmt.Fprintf(stdout, "Mirror clean: %d kinds checked\n", report.CheckedKinds)
		return 0
	}
	for _, issue := range report.Issues {
		_, _ = fmt.Fprintf(stdout, "DRIFT %-16s %s: %s\n", issue.Kind, issue.Type, issue.Detail)
	}
	return 1
}
