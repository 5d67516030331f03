package main

import (
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/strataos/keel/pkg/config"
	"github.com/strataos/keel/pkg/crypto"
	"github.com/strataos/keel/pkg/ledger"
)

// runVerifyCmd walks every chain (or one, with --kind) and reports the first
// break per kind.
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var kindFlag string
	cmd.StringVar(&kindFlag, "kind", "", "Verify only this entry kind")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	m, err := openMirror(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	kinds := ledger.AllKinds
	if kindFlag != "" {
		k := ledger.Kind(kindFlag)
		if !k.Valid() {
			_, _ = fmt.Fprintf(stderr, "Error: unknown kind %q\n", kindFlag)
			return 2
		}
		kinds = []ledger.Kind{k}
	}

	failed := false
	for _, kind := range kinds {
		if err := m.VerifyKind(kind); err != nil {
			failed = true
			var cbreak *crypto.ChainBreakError
			if errors.As(err, &cbreak) {
				_, _ = fmt.Fprintf(stdout, "FAIL  %-16s broken at index %d: %s\n", kind, cbreak.Index, cbreak.Reason)
			} else {
				_, _ = fmt.Fprintf(stdout, "FAIL  %-16s %v\n", kind, err)
			}
			continue
		}
		_, _ = fmt.Fprintf(stdout, "OK    %-16s %d entries\n", kind, m.Len(kind))
	}
	if failed {
		return 1
	}
	return 0
}
