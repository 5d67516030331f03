package crypto

import (
	"encoding/json"
	"fmt"

	"github.com/strataos/keel/pkg/ledger"
)

// ChainBreakError reports the first position at which a ledger chain fails
// verification. Entries before Index remain valid for audit; entries at and
// after Index are invalidated.
type ChainBreakError struct {
	Index  int
	Reason string
}

func (e *ChainBreakError) Error() string {
	return fmt.Sprintf("crypto: chain break at index %d: %s", e.Index, e.Reason)
}

// ChainSigner produces SignedOperation records whose signatures link each
// entry to its predecessor. Signing is deterministic given identical inputs
// and key; a signing failure aborts the calling operation so nothing is ever
// written unsigned.
type ChainSigner struct {
	signer Signer
}

// NewChainSigner wraps a Signer for chain use.
func NewChainSigner(s Signer) *ChainSigner {
	return &ChainSigner{signer: s}
}

// KeyID returns the id of the underlying signing key.
func (cs *ChainSigner) KeyID() string {
	return cs.signer.KeyID()
}

// chainMessage is the exact byte sequence a chain signature covers: the
// operation hash bound to the predecessor's signature.
func chainMessage(hash, previousSignature string) []byte {
	msg := make([]byte, 0, len(hash)+1+len(previousSignature))
	msg = append(msg, hash...)
	msg = append(msg, 0)
	msg = append(msg, previousSignature...)
	return msg
}

// Sign computes the operation hash over (operation_id, kind, payload,
// timestamp) and signs it bound to previousSignature.
func (cs *ChainSigner) Sign(operationID string, kind ledger.Kind, payload json.RawMessage, timestamp int64, previousSignature string) (ledger.SignedOperation, error) {
	hash, err := ledger.OperationHash(operationID, kind, payload, timestamp)
	if err != nil {
		return ledger.SignedOperation{}, err
	}
	sig, err := cs.signer.Sign(chainMessage(hash, previousSignature))
	if err != nil {
		return ledger.SignedOperation{}, fmt.Errorf("crypto: chain sign: %w", err)
	}
	return ledger.SignedOperation{
		Record: ledger.OperationRecord{
			OperationID: operationID,
			Kind:        kind,
			Hash:        hash,
		},
		Hash:              hash,
		Signature:         sig,
		KeyID:             cs.signer.KeyID(),
		PreviousSignature: previousSignature,
	}, nil
}

// VerifyChain walks an ordered sequence of entries from one logical ledger,
// recomputing each operation hash and checking previous_signature linkage
// and the signature itself against ring. The first break is returned as a
// ChainBreakError; breaks are reported, never silently repaired.
func VerifyChain(entries []ledger.Entry, ring *KeyRing) error {
	prev := ledger.GenesisSignature
	for i, e := range entries {
		op := e.SignedOperation

		hash, err := ledger.OperationHash(op.Record.OperationID, e.Kind, e.Payload, e.Timestamp)
		if err != nil {
			return &ChainBreakError{Index: i, Reason: err.Error()}
		}
		if hash != op.Hash || hash != op.Record.Hash {
			return &ChainBreakError{Index: i, Reason: "operation hash mismatch"}
		}
		if op.PreviousSignature != prev {
			return &ChainBreakError{Index: i, Reason: "previous_signature does not match predecessor"}
		}
		if !ring.Verify(op.KeyID, chainMessage(hash, op.PreviousSignature), op.Signature) {
			return &ChainBreakError{Index: i, Reason: "signature verification failed"}
		}
		prev = op.Signature
	}
	return nil
}
