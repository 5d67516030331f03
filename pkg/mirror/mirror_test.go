package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strataos/keel/pkg/crypto"
	"github.com/strataos/keel/pkg/ledger"
)

var testSeed = []byte("test-master-seed")

func newTestMirror(t *testing.T) *Mirror {
	t.Helper()
	dir := t.TempDir()
	m, err := New(Config{
		PrimaryRoot: filepath.Join(dir, "ledger"),
		AuditRoot:   filepath.Join(dir, "audit"),
	}, testSeed)
	require.NoError(t, err)
	return m
}

func TestNewWritesGenesisPerKind(t *testing.T) {
	m := newTestMirror(t)

	for _, kind := range ledger.AllKinds {
		entries, err := m.ReadChain(kind)
		require.NoError(t, err)
		require.Len(t, entries, 1, "kind %s should have a genesis entry", kind)
		assert.Equal(t, ledger.GenesisSignature, entries[0].SignedOperation.PreviousSignature)

		mirrored, err := m.ReadMirrorChain(kind)
		require.NoError(t, err)
		assert.Equal(t, entries, mirrored)
	}
}

func TestAppendChainsEntries(t *testing.T) {
	m := newTestMirror(t)
	ctx := context.Background()

	var prev string
	for i := 0; i < 5; i++ {
		e, err := m.Append(ctx, ledger.KindPipelineEvent, "", json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)))
		require.NoError(t, err)
		if i > 0 {
			assert.Equal(t, prev, e.SignedOperation.PreviousSignature)
		}
		prev = e.SignedOperation.Signature
	}

	require.NoError(t, m.VerifyKind(ledger.KindPipelineEvent))
	assert.Equal(t, 6, m.Len(ledger.KindPipelineEvent)) // genesis + 5
	assert.Equal(t, prev, m.Head(ledger.KindPipelineEvent))
}

// countingTelemetry captures RecordAppend calls.
type countingTelemetry struct {
	mu    sync.Mutex
	kinds []string
}

func (c *countingTelemetry) RecordAppend(_ context.Context, kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kinds = append(c.kinds, kind)
}

func TestAppendCountsEntries(t *testing.T) {
	m := newTestMirror(t)
	counter := &countingTelemetry{}
	m.WithTelemetry(counter)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.Append(ctx, ledger.KindPipelineEvent, "", json.RawMessage(`{}`))
		require.NoError(t, err)
	}
	_, err := m.Append(ctx, ledger.KindTaskDispatch, "", json.RawMessage(`{}`))
	require.NoError(t, err)

	assert.Equal(t,
		[]string{"pipeline_event", "pipeline_event", "pipeline_event", "task_dispatch"},
		counter.kinds)
}

func TestAppendRejectsUnknownKind(t *testing.T) {
	m := newTestMirror(t)
	_, err := m.Append(context.Background(), ledger.Kind("bogus"), "", nil)
	var malformed *ledger.MalformedEntryError
	require.ErrorAs(t, err, &malformed)
}

func TestAppendHonorsCancellationBeforeSigning(t *testing.T) {
	m := newTestMirror(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	before := m.Len(ledger.KindTaskDispatch)
	_, err := m.Append(ctx, ledger.KindTaskDispatch, "", json.RawMessage(`{}`))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, before, m.Len(ledger.KindTaskDispatch), "cancelled append must have no side effects")
}

func TestMirrorEquivalenceAfterAppends(t *testing.T) {
	dir := t.TempDir()
	primaryRoot := filepath.Join(dir, "ledger")
	auditRoot := filepath.Join(dir, "audit")
	m, err := New(Config{PrimaryRoot: primaryRoot, AuditRoot: auditRoot}, testSeed)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		_, err := m.Append(ctx, ledger.KindSecurityScan, "", json.RawMessage(fmt.Sprintf(`{"scan":%d}`, i)))
		require.NoError(t, err)
	}

	p, err := os.ReadFile(filepath.Join(primaryRoot, ledger.KindSecurityScan.FileName()))
	require.NoError(t, err)
	a, err := os.ReadFile(filepath.Join(auditRoot, ledger.KindSecurityScan.FileName()))
	require.NoError(t, err)
	assert.Equal(t, p, a, "primary and mirror must be byte-identical")
}

func TestPartialMirrorFailure(t *testing.T) {
	dir := t.TempDir()
	auditRoot := filepath.Join(dir, "audit")
	m, err := New(Config{PrimaryRoot: filepath.Join(dir, "ledger"), AuditRoot: auditRoot}, testSeed)
	require.NoError(t, err)

	// Break the mirror path after initialization.
	require.NoError(t, os.RemoveAll(auditRoot))
	require.NoError(t, os.WriteFile(auditRoot, []byte("not a directory"), 0600))

	entry, err := m.Append(context.Background(), ledger.KindRelocation, "", json.RawMessage(`{"move":"a"}`))
	var partial *PartialMirrorError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, ledger.KindRelocation, partial.Kind)
	assert.Equal(t, 1, partial.Offset) // line 0 is genesis

	// Primary retained the entry; the chain is still intact.
	entries, err := m.ReadChain(ledger.KindRelocation)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, entry.SignedOperation.Signature, entries[1].SignedOperation.Signature)
	require.NoError(t, m.VerifyKind(ledger.KindRelocation))
}

func TestTimestampsMonotonicWithinWriter(t *testing.T) {
	m := newTestMirror(t)

	// A clock that jumps backwards must not produce decreasing timestamps.
	times := []time.Time{
		time.UnixMilli(2000),
		time.UnixMilli(1000),
		time.UnixMilli(3000),
	}
	i := 0
	m.WithClock(func() time.Time {
		t := times[i%len(times)]
		i++
		return t
	})

	ctx := context.Background()
	var last int64
	for j := 0; j < 3; j++ {
		e, err := m.Append(ctx, ledger.KindDocumentation, "", json.RawMessage(`{}`))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, e.Timestamp, last)
		last = e.Timestamp
	}
}

func TestReopenRecoversHead(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{PrimaryRoot: filepath.Join(dir, "ledger"), AuditRoot: filepath.Join(dir, "audit")}

	m1, err := New(cfg, testSeed)
	require.NoError(t, err)
	e, err := m1.Append(context.Background(), ledger.KindStageReceipt, "root-1", json.RawMessage(`{"stage":"s1"}`))
	require.NoError(t, err)

	m2, err := New(cfg, testSeed)
	require.NoError(t, err)
	assert.Equal(t, e.SignedOperation.Signature, m2.Head(ledger.KindStageReceipt))
	assert.Equal(t, 2, m2.Len(ledger.KindStageReceipt))

	// The recovered writer continues the same chain.
	_, err = m2.Append(context.Background(), ledger.KindStageReceipt, "root-2", json.RawMessage(`{"stage":"s2"}`))
	require.NoError(t, err)
	require.NoError(t, m2.VerifyKind(ledger.KindStageReceipt))
}

func TestConcurrentAppendsKeepChainValid(t *testing.T) {
	m := newTestMirror(t)
	ctx := context.Background()

	const writers = 8
	const perWriter = 10

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := m.Append(ctx, ledger.KindInferenceMetric, "", json.RawMessage(fmt.Sprintf(`{"w":%d,"i":%d}`, w, i)))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	require.NoError(t, m.VerifyKind(ledger.KindInferenceMetric))
	assert.Equal(t, 1+writers*perWriter, m.Len(ledger.KindInferenceMetric))
}

func TestVerifyKindDetectsTamperedFile(t *testing.T) {
	dir := t.TempDir()
	primaryRoot := filepath.Join(dir, "ledger")
	m, err := New(Config{PrimaryRoot: primaryRoot, AuditRoot: filepath.Join(dir, "audit")}, testSeed)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := m.Append(context.Background(), ledger.KindAutoFixAction, "", json.RawMessage(fmt.Sprintf(`{"fix":%d}`, i)))
		require.NoError(t, err)
	}

	// Tamper with entry 2's payload on disk.
	path := filepath.Join(primaryRoot, ledger.KindAutoFixAction.FileName())
	entries, err := m.ReadChain(ledger.KindAutoFixAction)
	require.NoError(t, err)
	entries[2].Payload = json.RawMessage(`{"fix":"evil"}`)
	var buf []byte
	for _, e := range entries {
		line, err := json.Marshal(e)
		require.NoError(t, err)
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	require.NoError(t, os.WriteFile(path, buf, 0600))

	err = m.VerifyKind(ledger.KindAutoFixAction)
	var brk *crypto.ChainBreakError
	require.ErrorAs(t, err, &brk)
	assert.Equal(t, 2, brk.Index)
}
