// Package mirror persists signed ledger entries to a primary index path and
// a mirrored audit path, one append-only line-delimited JSON file per kind.
//
// Appends within one kind are serialized under a per-kind lock so that
// previous_signature chaining is well defined; appends across kinds are
// independent. The primary write is authoritative and never rolled back: a
// mirror failure after a successful primary write surfaces as a
// PartialMirrorError, and the storage doctor reconciles the drift out of
// band.
package mirror

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strataos/keel/pkg/crypto"
	"github.com/strataos/keel/pkg/ledger"
)

// Config locates the two storage roots. Root substitution is the only
// environment-dependent behavior here: the same layout serves a live
// workspace or a relocated snapshot.
type Config struct {
	PrimaryRoot string
	AuditRoot   string
}

// PartialMirrorError reports a mirror write that failed after the primary
// write succeeded. The primary entry is retained; Offset is the line number
// (zero-based) of the entry that is missing from the mirror.
type PartialMirrorError struct {
	Kind   ledger.Kind
	Offset int
	Err    error
}

func (e *PartialMirrorError) Error() string {
	return fmt.Sprintf("mirror: partial mirror failure for kind %s at offset %d: %v", e.Kind, e.Offset, e.Err)
}

func (e *PartialMirrorError) Unwrap() error { return e.Err }

// Telemetry counts successful appends. Satisfied by
// observability.Provider; nil disables counting.
type Telemetry interface {
	RecordAppend(ctx context.Context, kind string)
}

// kindChain holds the mutable chain state for one logical ledger.
type kindChain struct {
	mu     sync.Mutex
	signer *crypto.ChainSigner
	head   string // signature of the last written entry
	lines  int    // entries written to the primary file
	lastTS int64  // enforces non-decreasing timestamps within this writer
}

// Mirror is the dual-write ledger store.
type Mirror struct {
	cfg       Config
	clock     func() time.Time
	ring      *crypto.KeyRing
	chains    map[ledger.Kind]*kindChain
	telemetry Telemetry
}

// New opens (or initializes) the ledger at the configured roots. Per-kind
// signing keys are derived from masterSeed; a genesis entry is written to
// any kind whose primary file does not yet exist.
func New(cfg Config, masterSeed []byte) (*Mirror, error) {
	if cfg.PrimaryRoot == "" || cfg.AuditRoot == "" {
		return nil, fmt.Errorf("mirror: both primary and audit roots are required")
	}
	for _, root := range []string{cfg.PrimaryRoot, cfg.AuditRoot} {
		if err := os.MkdirAll(root, 0700); err != nil {
			return nil, fmt.Errorf("mirror: create root %s: %w", root, err)
		}
	}

	m := &Mirror{
		cfg:    cfg,
		clock:  time.Now,
		ring:   crypto.NewKeyRing(),
		chains: make(map[ledger.Kind]*kindChain, len(ledger.AllKinds)),
	}
	for _, kind := range ledger.AllKinds {
		signer, err := crypto.DeriveKindSigner(masterSeed, kind.String())
		if err != nil {
			return nil, err
		}
		m.ring.Add(signer)
		m.chains[kind] = &kindChain{signer: crypto.NewChainSigner(signer), head: ledger.GenesisSignature}
	}
	if err := m.recover(); err != nil {
		return nil, err
	}
	return m, nil
}

// WithClock overrides the clock, for tests.
func (m *Mirror) WithClock(clock func() time.Time) *Mirror {
	m.clock = clock
	return m
}

// WithTelemetry attaches an append counter.
func (m *Mirror) WithTelemetry(t Telemetry) *Mirror {
	m.telemetry = t
	return m
}

// Ring returns the key ring holding this ledger's verification keys.
func (m *Mirror) Ring() *crypto.KeyRing { return m.ring }

// recover restores per-kind head state from existing primary files and
// writes genesis entries for kinds initialized for the first time.
func (m *Mirror) recover() error {
	for _, kind := range ledger.AllKinds {
		entries, err := readEntries(m.primaryPath(kind))
		if err != nil {
			return err
		}
		ch := m.chains[kind]
		if len(entries) == 0 {
			if err := m.writeGenesis(kind); err != nil {
				return err
			}
			continue
		}
		last := entries[len(entries)-1]
		ch.head = last.SignedOperation.Signature
		ch.lines = len(entries)
		ch.lastTS = last.Timestamp
	}
	return nil
}

func (m *Mirror) writeGenesis(kind ledger.Kind) error {
	payload, err := json.Marshal(map[string]string{"event": "genesis", "kind": kind.String()})
	if err != nil {
		return fmt.Errorf("mirror: genesis payload: %w", err)
	}
	_, err = m.appendEntry(context.Background(), m.chains[kind], kind, "", payload)
	return err
}

// Append signs payload into the kind's chain and writes it to the primary
// file, then the mirror, as one logical operation. On PartialMirrorError the
// returned entry is valid and durably recorded in the primary.
//
// Cancellation is honored before signing only; once a SignedOperation
// exists, the write always runs to completion.
func (m *Mirror) Append(ctx context.Context, kind ledger.Kind, reference string, payload json.RawMessage) (ledger.Entry, error) {
	if !kind.Valid() {
		return ledger.Entry{}, &ledger.MalformedEntryError{Reason: fmt.Sprintf("unrecognized kind %q", kind)}
	}
	if err := ctx.Err(); err != nil {
		return ledger.Entry{}, fmt.Errorf("mirror: append cancelled before signing: %w", err)
	}
	return m.appendEntry(ctx, m.chains[kind], kind, reference, payload)
}

func (m *Mirror) appendEntry(ctx context.Context, ch *kindChain, kind ledger.Kind, reference string, payload json.RawMessage) (ledger.Entry, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ts := m.clock().UnixMilli()
	if ts < ch.lastTS {
		ts = ch.lastTS
	}

	op, err := ch.signer.Sign(uuid.NewString(), kind, payload, ts, ch.head)
	if err != nil {
		return ledger.Entry{}, err
	}
	entry := ledger.Entry{
		Kind:            kind,
		Timestamp:       ts,
		Reference:       reference,
		Payload:         payload,
		SignedOperation: op,
	}
	line, err := ledger.Encode(entry)
	if err != nil {
		return ledger.Entry{}, err
	}

	if err := appendLine(m.primaryPath(kind), line); err != nil {
		return ledger.Entry{}, fmt.Errorf("mirror: primary write for kind %s: %w", kind, err)
	}
	offset := ch.lines
	ch.head = op.Signature
	ch.lines++
	ch.lastTS = ts
	if m.telemetry != nil {
		m.telemetry.RecordAppend(ctx, kind.String())
	}

	if err := appendLine(m.auditPath(kind), line); err != nil {
		return entry, &PartialMirrorError{Kind: kind, Offset: offset, Err: err}
	}
	return entry, nil
}

// Head returns the signature of the last entry in the kind's chain.
func (m *Mirror) Head(kind ledger.Kind) string {
	ch, ok := m.chains[kind]
	if !ok {
		return ""
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.head
}

// Len returns the number of entries (genesis included) in the kind's
// primary file.
func (m *Mirror) Len(kind ledger.Kind) int {
	ch, ok := m.chains[kind]
	if !ok {
		return 0
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.lines
}

// ReadChain returns all entries of a kind from the primary file, in append
// order.
func (m *Mirror) ReadChain(kind ledger.Kind) ([]ledger.Entry, error) {
	if !kind.Valid() {
		return nil, &ledger.MalformedEntryError{Reason: fmt.Sprintf("unrecognized kind %q", kind)}
	}
	return readEntries(m.primaryPath(kind))
}

// ReadMirrorChain returns all entries of a kind from the audit mirror.
func (m *Mirror) ReadMirrorChain(kind ledger.Kind) ([]ledger.Entry, error) {
	if !kind.Valid() {
		return nil, &ledger.MalformedEntryError{Reason: fmt.Sprintf("unrecognized kind %q", kind)}
	}
	return readEntries(m.auditPath(kind))
}

// VerifyKind chain-verifies the primary file of one kind against the
// mirror's key ring.
func (m *Mirror) VerifyKind(kind ledger.Kind) error {
	entries, err := m.ReadChain(kind)
	if err != nil {
		return err
	}
	return crypto.VerifyChain(entries, m.ring)
}

func (m *Mirror) primaryPath(kind ledger.Kind) string {
	return filepath.Join(m.cfg.PrimaryRoot, kind.FileName())
}

func (m *Mirror) auditPath(kind ledger.Kind) string {
	return filepath.Join(m.cfg.AuditRoot, kind.FileName())
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func readEntries(path string) ([]ledger.Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("mirror: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var entries []ledger.Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		e, err := ledger.Decode(line)
		if err != nil {
			return nil, fmt.Errorf("mirror: %s line %d: %w", path, len(entries), err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("mirror: scan %s: %w", path, err)
	}
	return entries, nil
}
