package ledger

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEntry() Entry {
	return Entry{
		Kind:      KindStageReceipt,
		Timestamp: 1700000000000,
		Reference: "abc123",
		Payload:   json.RawMessage(`{"workflow_id":"wf-1"}`),
		SignedOperation: SignedOperation{
			Record: OperationRecord{
				OperationID: "op-1",
				Kind:        KindStageReceipt,
				Hash:        "deadbeef",
			},
			Hash:              "deadbeef",
			Signature:         "sig-1",
			KeyID:             "stage_receipt-k1",
			PreviousSignature: GenesisSignature,
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	e := sampleEntry()

	data, err := Encode(e)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, e.Kind, got.Kind)
	assert.Equal(t, e.Timestamp, got.Timestamp)
	assert.Equal(t, e.Reference, got.Reference)
	assert.JSONEq(t, string(e.Payload), string(got.Payload))
	assert.Equal(t, e.SignedOperation, got.SignedOperation)
}

func TestEncodeCanonical(t *testing.T) {
	e := sampleEntry()
	a, err := Encode(e)
	require.NoError(t, err)
	b, err := Encode(e)
	require.NoError(t, err)
	assert.Equal(t, a, b, "encoding must be byte-stable")
}

func TestDecodeUnknownKind(t *testing.T) {
	e := sampleEntry()
	e.Kind = Kind("quantum_flux")
	e.SignedOperation.Record.Kind = e.Kind
	raw, err := json.Marshal(e)
	require.NoError(t, err)

	_, err = Decode(raw)
	var malformed *MalformedEntryError
	require.ErrorAs(t, err, &malformed)
	assert.Contains(t, malformed.Reason, "quantum_flux")
}

func TestDecodeMissingSignature(t *testing.T) {
	e := sampleEntry()
	e.SignedOperation.Signature = ""
	raw, err := json.Marshal(e)
	require.NoError(t, err)

	_, err = Decode(raw)
	var malformed *MalformedEntryError
	require.ErrorAs(t, err, &malformed)
}

func TestDecodePreservesUnknownPayloadBytes(t *testing.T) {
	e := sampleEntry()
	e.Payload = json.RawMessage(`{"future_field":{"nested":true},"v":99}`)
	data, err := Encode(e)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.JSONEq(t, string(e.Payload), string(got.Payload))
}

func TestOperationHashDeterministic(t *testing.T) {
	h1, err := OperationHash("op-1", KindPipelineEvent, json.RawMessage(`{"a":1}`), 1700000000000)
	require.NoError(t, err)
	h2, err := OperationHash("op-1", KindPipelineEvent, json.RawMessage(`{"a":1}`), 1700000000000)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestOperationHashSensitivity(t *testing.T) {
	base, err := OperationHash("op-1", KindPipelineEvent, json.RawMessage(`{"a":1}`), 1700000000000)
	require.NoError(t, err)

	otherPayload, err := OperationHash("op-1", KindPipelineEvent, json.RawMessage(`{"a":2}`), 1700000000000)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherPayload)

	otherTime, err := OperationHash("op-1", KindPipelineEvent, json.RawMessage(`{"a":1}`), 1700000000001)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherTime)
}

func TestKindFileNames(t *testing.T) {
	assert.Equal(t, "stage_receipts.log", KindStageReceipt.FileName())
	assert.Equal(t, "budget_guardian.log", KindBudgetDecision.FileName())
	assert.Equal(t, "relocation.log", KindRelocation.FileName())

	for _, k := range AllKinds {
		assert.True(t, k.Valid())
		assert.NotEmpty(t, k.FileName())
	}
	assert.False(t, Kind("nope").Valid())
}
