package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strataos/keel/pkg/ledger"
)

func TestDoctorCleanAfterInit(t *testing.T) {
	m := newTestMirror(t)

	report, err := m.Doctor()
	require.NoError(t, err)
	assert.True(t, report.Clean())
	assert.Equal(t, len(ledger.AllKinds), report.CheckedKinds)
}

func TestDoctorDetectsMissingMirrorLines(t *testing.T) {
	dir := t.TempDir()
	auditRoot := filepath.Join(dir, "audit")
	m, err := New(Config{PrimaryRoot: filepath.Join(dir, "ledger"), AuditRoot: auditRoot}, testSeed)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := m.Append(ctx, ledger.KindPipelineEvent, "", json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
	}

	// Simulate a mirror that lost its last two lines.
	path := filepath.Join(auditRoot, ledger.KindPipelineEvent.FileName())
	lines, err := readLines(path)
	require.NoError(t, err)
	require.Len(t, lines, 4)
	truncated := append(append([]byte{}, lines[0]...), '\n')
	truncated = append(truncated, lines[1]...)
	truncated = append(truncated, '\n')
	require.NoError(t, os.WriteFile(path, truncated, 0600))

	report, err := m.Doctor()
	require.NoError(t, err)
	require.False(t, report.Clean())

	found := false
	for _, issue := range report.Issues {
		if issue.Kind == ledger.KindPipelineEvent && issue.Type == IssueLineCountMismatch {
			found = true
		}
	}
	assert.True(t, found, "expected line count mismatch for pipeline_event, got %+v", report.Issues)
}

func TestDoctorDetectsMissingGenesis(t *testing.T) {
	dir := t.TempDir()
	primaryRoot := filepath.Join(dir, "ledger")
	m, err := New(Config{PrimaryRoot: primaryRoot, AuditRoot: filepath.Join(dir, "audit")}, testSeed)
	require.NoError(t, err)

	// Blow away one primary file entirely.
	require.NoError(t, os.Remove(filepath.Join(primaryRoot, ledger.KindRelocation.FileName())))

	report, err := m.Doctor()
	require.NoError(t, err)
	require.False(t, report.Clean())
	assert.Equal(t, IssueMissingGenesis, report.Issues[0].Type)
	assert.Equal(t, ledger.KindRelocation, report.Issues[0].Kind)
}

func TestDoctorDetectsContentMismatch(t *testing.T) {
	dir := t.TempDir()
	auditRoot := filepath.Join(dir, "audit")
	m, err := New(Config{PrimaryRoot: filepath.Join(dir, "ledger"), AuditRoot: auditRoot}, testSeed)
	require.NoError(t, err)

	_, err = m.Append(context.Background(), ledger.KindSecurityScan, "", json.RawMessage(`{"scan":1}`))
	require.NoError(t, err)

	// Corrupt one byte of the mirror's second line.
	path := filepath.Join(auditRoot, ledger.KindSecurityScan.FileName())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-10] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0600))

	report, err := m.Doctor()
	require.NoError(t, err)
	require.False(t, report.Clean())

	found := false
	for _, issue := range report.Issues {
		if issue.Kind == ledger.KindSecurityScan && issue.Type == IssueContentMismatch {
			found = true
		}
	}
	assert.True(t, found)
}

func TestReconcileBackfillsMirror(t *testing.T) {
	dir := t.TempDir()
	auditRoot := filepath.Join(dir, "audit")
	m, err := New(Config{PrimaryRoot: filepath.Join(dir, "ledger"), AuditRoot: auditRoot}, testSeed)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := m.Append(ctx, ledger.KindBudgetDecision, "", json.RawMessage(fmt.Sprintf(`{"d":%d}`, i)))
		require.NoError(t, err)
	}

	// Drop the mirror's last three lines.
	path := filepath.Join(auditRoot, ledger.KindBudgetDecision.FileName())
	lines, err := readLines(path)
	require.NoError(t, err)
	require.Len(t, lines, 5)
	keep := append(append([]byte{}, lines[0]...), '\n')
	keep = append(keep, lines[1]...)
	keep = append(keep, '\n')
	require.NoError(t, os.WriteFile(path, keep, 0600))

	n, err := m.Reconcile()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	report, err := m.Doctor()
	require.NoError(t, err)
	assert.True(t, report.Clean())

	mirrored, err := m.ReadMirrorChain(ledger.KindBudgetDecision)
	require.NoError(t, err)
	primary, err := m.ReadChain(ledger.KindBudgetDecision)
	require.NoError(t, err)
	assert.Equal(t, primary, mirrored)
}

func TestReconcileRefusesDivergentMirror(t *testing.T) {
	dir := t.TempDir()
	auditRoot := filepath.Join(dir, "audit")
	m, err := New(Config{PrimaryRoot: filepath.Join(dir, "ledger"), AuditRoot: auditRoot}, testSeed)
	require.NoError(t, err)

	_, err = m.Append(context.Background(), ledger.KindDocumentation, "", json.RawMessage(`{"doc":"x"}`))
	require.NoError(t, err)

	// Divergent first line plus a shorter file: backfill must refuse.
	path := filepath.Join(auditRoot, ledger.KindDocumentation.FileName())
	require.NoError(t, os.WriteFile(path, []byte(`{"kind":"corrupt"}`+"\n"), 0600))

	_, err = m.Reconcile()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "diverges")
}
