// Package ledger defines the wire and storage shape of the immutable
// evidence ledger: the entry codec, the closed set of entry kinds, and the
// signed operation record that hash-chains entries together.
//
// Encoding is canonical (RFC 8785) so that hashes computed independently by
// writers and auditors agree byte for byte. Payloads are opaque to the codec:
// unknown payload bytes are preserved verbatim so old readers survive ledger
// upgrades.
package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/strataos/keel/pkg/canonicalize"
)

// GenesisSignature is the sentinel previous_signature carried by the first
// entry of every logical ledger.
const GenesisSignature = "genesis"

// OperationRecord identifies one privileged operation attested by the ledger.
type OperationRecord struct {
	OperationID string `json:"operation_id"`
	Kind        Kind   `json:"kind"`
	Hash        string `json:"hash"`
}

// SignedOperation wraps an OperationRecord with chain integrity metadata.
//
// Signature covers Hash under the ledger signing key identified by KeyID;
// PreviousSignature is the signature of the immediately preceding entry in
// the same logical ledger (GenesisSignature for the first entry).
type SignedOperation struct {
	Record            OperationRecord `json:"record"`
	Hash              string          `json:"hash"`
	Signature         string          `json:"signature"`
	KeyID             string          `json:"key_id,omitempty"`
	PreviousSignature string          `json:"previous_signature"`
}

// Entry is one immutable record in the append-only ledger. Once written it
// is never mutated or reordered; corrections are new entries referencing the
// original.
type Entry struct {
	Kind            Kind            `json:"kind"`
	Timestamp       int64           `json:"timestamp"` // wall-clock milliseconds
	Reference       string          `json:"reference,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	SignedOperation SignedOperation `json:"signed_operation"`
}

// MalformedEntryError reports an entry that cannot be decoded or fails
// structural validation.
type MalformedEntryError struct {
	Reason string
}

func (e *MalformedEntryError) Error() string {
	return "ledger: malformed entry: " + e.Reason
}

// OperationHash computes the hash the chain signer signs: the canonical
// digest of (operation_id, kind, payload, timestamp). Deterministic across
// implementations.
func OperationHash(operationID string, kind Kind, payload json.RawMessage, timestamp int64) (string, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	input := struct {
		OperationID string          `json:"operation_id"`
		Kind        Kind            `json:"kind"`
		Payload     json.RawMessage `json:"payload"`
		Timestamp   int64           `json:"timestamp"`
	}{operationID, kind, payload, timestamp}

	h, err := canonicalize.CanonicalHash(input)
	if err != nil {
		return "", fmt.Errorf("ledger: operation hash: %w", err)
	}
	return h, nil
}

// Encode serializes an entry to its canonical single-line JSON form.
func Encode(e Entry) ([]byte, error) {
	if err := validate(e); err != nil {
		return nil, err
	}
	out, err := canonicalize.JCS(e)
	if err != nil {
		return nil, fmt.Errorf("ledger: encode: %w", err)
	}
	return out, nil
}

// Decode parses a single-line JSON entry. Unknown payload fields are
// preserved byte for byte in Payload; only structural requirements are
// enforced here.
func Decode(data []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, &MalformedEntryError{Reason: err.Error()}
	}
	if err := validate(e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func validate(e Entry) error {
	if !e.Kind.Valid() {
		return &MalformedEntryError{Reason: fmt.Sprintf("unrecognized kind %q", e.Kind)}
	}
	if e.Timestamp <= 0 {
		return &MalformedEntryError{Reason: "missing timestamp"}
	}
	op := e.SignedOperation
	if op.Record.OperationID == "" {
		return &MalformedEntryError{Reason: "missing operation_id"}
	}
	if op.Record.Kind != e.Kind {
		return &MalformedEntryError{Reason: "record kind does not match entry kind"}
	}
	if op.Hash == "" || op.Signature == "" {
		return &MalformedEntryError{Reason: "missing signature material"}
	}
	if op.PreviousSignature == "" {
		return &MalformedEntryError{Reason: "missing previous_signature"}
	}
	return nil
}
