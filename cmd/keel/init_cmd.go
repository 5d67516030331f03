package main

import (
	"context"
	"fmt"
	"io"

	"github.com/strataos/keel/pkg/config"
	"github.com/strataos/keel/pkg/ledger"
	"github.com/strataos/keel/pkg/store"
)

// runInitCmd creates both ledger roots, writes genesis entries for every
// kind, and builds the reference index.
func runInitCmd(_ []string, stdout, stderr io.Writer) int {
	cfg := config.Load()

	m, err := openMirror(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	idx, err := store.Open(cfg.IndexPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = idx.Close() }()

	if err := idx.Rebuild(context.Background(), m); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	_, _ = fmt.Fprintf(stdout, "Initialized ledger at %s (mirror %s)\n", cfg.PrimaryRoot, cfg.AuditRoot)
	for _, kind := range ledger.AllKinds {
		_, _ = fmt.Fprintf(stdout, "  %-16s %d entries\n", kind, m.Len(kind))
	}
	_, _ = fmt.Fprintf(stdout, "Reference index at %s\n", cfg.IndexPath)
	return 0
}
