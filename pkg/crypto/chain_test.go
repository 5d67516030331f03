package crypto

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strataos/keel/pkg/ledger"
)

func buildChain(t *testing.T, cs *ChainSigner, kind ledger.Kind, n int) []ledger.Entry {
	t.Helper()

	entries := make([]ledger.Entry, 0, n)
	prev := ledger.GenesisSignature
	for i := 0; i < n; i++ {
		payload := json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i))
		ts := int64(1700000000000 + i)
		op, err := cs.Sign(fmt.Sprintf("op-%d", i), kind, payload, ts, prev)
		require.NoError(t, err)

		entries = append(entries, ledger.Entry{
			Kind:            kind,
			Timestamp:       ts,
			Payload:         payload,
			SignedOperation: op,
		})
		prev = op.Signature
	}
	return entries
}

func TestSignDeterministic(t *testing.T) {
	s, err := DeriveKindSigner([]byte("seed"), "pipeline_event")
	require.NoError(t, err)
	cs := NewChainSigner(s)

	a, err := cs.Sign("op-1", ledger.KindPipelineEvent, json.RawMessage(`{"x":1}`), 1700000000000, ledger.GenesisSignature)
	require.NoError(t, err)
	b, err := cs.Sign("op-1", ledger.KindPipelineEvent, json.RawMessage(`{"x":1}`), 1700000000000, ledger.GenesisSignature)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, s.KeyID(), a.KeyID)
	assert.Equal(t, a.Hash, a.Record.Hash)
}

func TestVerifyChainSucceeds(t *testing.T) {
	s, err := NewEd25519Signer("k1")
	require.NoError(t, err)
	cs := NewChainSigner(s)
	ring := NewKeyRing()
	ring.Add(s)

	entries := buildChain(t, cs, ledger.KindStageReceipt, 10)
	require.NoError(t, VerifyChain(entries, ring))

	// Any prefix verifies independently.
	require.NoError(t, VerifyChain(entries[:4], ring))
	require.NoError(t, VerifyChain(nil, ring))
}

func TestVerifyChainDetectsPayloadMutation(t *testing.T) {
	s, err := NewEd25519Signer("k1")
	require.NoError(t, err)
	cs := NewChainSigner(s)
	ring := NewKeyRing()
	ring.Add(s)

	for i := 0; i < 6; i++ {
		entries := buildChain(t, cs, ledger.KindTaskDispatch, 6)
		entries[i].Payload = json.RawMessage(`{"seq":-1}`)

		err := VerifyChain(entries, ring)
		var brk *ChainBreakError
		require.ErrorAs(t, err, &brk)
		assert.Equal(t, i, brk.Index)
	}
}

func TestVerifyChainDetectsBrokenLinkage(t *testing.T) {
	s, err := NewEd25519Signer("k1")
	require.NoError(t, err)
	cs := NewChainSigner(s)
	ring := NewKeyRing()
	ring.Add(s)

	entries := buildChain(t, cs, ledger.KindSecurityScan, 10)
	entries[5].SignedOperation.PreviousSignature = "corrupted"

	err = VerifyChain(entries, ring)
	var brk *ChainBreakError
	require.ErrorAs(t, err, &brk)
	assert.Equal(t, 5, brk.Index)
}

func TestVerifyChainDetectsForgedSignature(t *testing.T) {
	s, err := NewEd25519Signer("k1")
	require.NoError(t, err)
	forger, err := NewEd25519Signer("k1") // same id, different key
	require.NoError(t, err)

	cs := NewChainSigner(s)
	ring := NewKeyRing()
	ring.Add(s)

	entries := buildChain(t, cs, ledger.KindAutoFixAction, 3)

	// Re-sign entry 2 with a different key under the same key id.
	op := entries[2].SignedOperation
	forged, err := forger.Sign(chainMessage(op.Hash, op.PreviousSignature))
	require.NoError(t, err)
	entries[2].SignedOperation.Signature = forged

	err = VerifyChain(entries, ring)
	var brk *ChainBreakError
	require.ErrorAs(t, err, &brk)
	assert.Equal(t, 2, brk.Index)
	assert.Contains(t, brk.Reason, "signature")
}

func TestVerifyChainAcrossKeyRotation(t *testing.T) {
	// Two signers, entries carry their key ids; the ring holds the history.
	old, err := NewEd25519Signer("k-2025")
	require.NoError(t, err)
	cur, err := NewEd25519Signer("k-2026")
	require.NoError(t, err)
	ring := NewKeyRing()
	ring.Add(old)
	ring.Add(cur)

	entries := buildChain(t, NewChainSigner(old), ledger.KindInferenceMetric, 3)
	prev := entries[len(entries)-1].SignedOperation.Signature

	csNew := NewChainSigner(cur)
	payload := json.RawMessage(`{"seq":3}`)
	op, err := csNew.Sign("op-3", ledger.KindInferenceMetric, payload, 1700000000100, prev)
	require.NoError(t, err)
	entries = append(entries, ledger.Entry{
		Kind:            ledger.KindInferenceMetric,
		Timestamp:       1700000000100,
		Payload:         payload,
		SignedOperation: op,
	})

	require.NoError(t, VerifyChain(entries, ring))

	// Removing the old key invalidates the prefix signed under it.
	ring.Remove("k-2025")
	err = VerifyChain(entries, ring)
	var brk *ChainBreakError
	require.ErrorAs(t, err, &brk)
	assert.Equal(t, 0, brk.Index)
}
