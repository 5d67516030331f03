package mirror

import (
	"fmt"
	"os"

	"github.com/strataos/keel/pkg/canonicalize"
	"github.com/strataos/keel/pkg/ledger"
)

// IssueType classifies a drift finding.
type IssueType string

const (
	IssueMissingGenesis    IssueType = "missing_genesis"
	IssueMissingMirrorFile IssueType = "missing_mirror_file"
	IssueLineCountMismatch IssueType = "line_count_mismatch"
	IssueContentMismatch   IssueType = "content_mismatch"
)

// DriftIssue is one divergence between a primary ledger file and its mirror.
type DriftIssue struct {
	Kind   ledger.Kind `json:"kind"`
	Type   IssueType   `json:"type"`
	Detail string      `json:"detail"`
}

// DriftReport summarizes a full primary-versus-mirror comparison.
type DriftReport struct {
	CheckedKinds int          `json:"checked_kinds"`
	Issues       []DriftIssue `json:"issues"`
}

// Clean reports whether no drift was found.
func (r DriftReport) Clean() bool { return len(r.Issues) == 0 }

// Doctor compares primary and mirror files for every kind: missing genesis
// entries, line-count mismatches, and content-hash mismatches on the shared
// prefix. It takes each kind's append lock briefly so it never races a
// writer mid-line.
func (m *Mirror) Doctor() (DriftReport, error) {
	report := DriftReport{CheckedKinds: len(ledger.AllKinds)}

	for _, kind := range ledger.AllKinds {
		issues, err := m.inspectKind(kind)
		if err != nil {
			return DriftReport{}, err
		}
		report.Issues = append(report.Issues, issues...)
	}
	return report, nil
}

func (m *Mirror) inspectKind(kind ledger.Kind) ([]DriftIssue, error) {
	ch := m.chains[kind]
	ch.mu.Lock()
	defer ch.mu.Unlock()

	primary, err := readLines(m.primaryPath(kind))
	if err != nil {
		return nil, err
	}
	audit, err := readLines(m.auditPath(kind))
	if err != nil {
		return nil, err
	}

	var issues []DriftIssue
	if len(primary) == 0 {
		issues = append(issues, DriftIssue{
			Kind:   kind,
			Type:   IssueMissingGenesis,
			Detail: "primary file has no genesis entry",
		})
		return issues, nil
	}
	if len(audit) == 0 {
		issues = append(issues, DriftIssue{
			Kind:   kind,
			Type:   IssueMissingMirrorFile,
			Detail: "audit mirror file is missing or empty",
		})
		return issues, nil
	}
	if len(primary) != len(audit) {
		issues = append(issues, DriftIssue{
			Kind:   kind,
			Type:   IssueLineCountMismatch,
			Detail: fmt.Sprintf("primary has %d lines, mirror has %d", len(primary), len(audit)),
		})
	}

	shared := len(primary)
	if len(audit) < shared {
		shared = len(audit)
	}
	for i := 0; i < shared; i++ {
		if canonicalize.HashBytes(primary[i]) != canonicalize.HashBytes(audit[i]) {
			issues = append(issues, DriftIssue{
				Kind:   kind,
				Type:   IssueContentMismatch,
				Detail: fmt.Sprintf("line %d differs between primary and mirror", i),
			})
			break
		}
	}
	return issues, nil
}

// Reconcile backfills mirror files that are a strict prefix of their
// primary, appending the missing suffix lines. Divergent content is reported
// by Doctor but never rewritten here: the primary is authoritative and
// repair of a corrupted mirror line requires explicit operator action.
// Returns the number of lines backfilled.
func (m *Mirror) Reconcile() (int, error) {
	backfilled := 0
	for _, kind := range ledger.AllKinds {
		n, err := m.reconcileKind(kind)
		if err != nil {
			return backfilled, err
		}
		backfilled += n
	}
	return backfilled, nil
}

func (m *Mirror) reconcileKind(kind ledger.Kind) (int, error) {
	ch := m.chains[kind]
	ch.mu.Lock()
	defer ch.mu.Unlock()

	primary, err := readLines(m.primaryPath(kind))
	if err != nil {
		return 0, err
	}
	audit, err := readLines(m.auditPath(kind))
	if err != nil {
		return 0, err
	}
	if len(audit) >= len(primary) {
		return 0, nil
	}
	for i := range audit {
		if canonicalize.HashBytes(primary[i]) != canonicalize.HashBytes(audit[i]) {
			return 0, fmt.Errorf("mirror: kind %s diverges at line %d; refusing to backfill", kind, i)
		}
	}

	n := 0
	for _, line := range primary[len(audit):] {
		if err := appendLine(m.auditPath(kind), line); err != nil {
			return n, fmt.Errorf("mirror: backfill kind %s: %w", kind, err)
		}
		n++
	}
	return n, nil
}

func readLines(path string) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("mirror: read %s: %w", path, err)
	}

	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines, nil
}
