// Package store maintains the reference index: a SQLite lookup table from an
// entry's reference to its position in the ledger, so `evidence show` can
// resolve a reference without scanning every log file.
//
// The index is derived state. The JSONL ledger stays authoritative, and the
// index can be rebuilt from it at any time.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/strataos/keel/pkg/ledger"

	_ "modernc.org/sqlite"
)

// ErrReferenceNotFound is returned when a reference has no index row.
var ErrReferenceNotFound = errors.New("store: reference not found")

// IndexEntry locates one ledger entry by reference.
type IndexEntry struct {
	Reference   string      `json:"reference"`
	Kind        ledger.Kind `json:"kind"`
	Offset      int         `json:"offset"`
	OperationID string      `json:"operation_id"`
}

// ChainReader is the slice of the mirror the index rebuilds from.
type ChainReader interface {
	ReadChain(kind ledger.Kind) ([]ledger.Entry, error)
}

// Index is the SQLite-backed reference index.
type Index struct {
	db *sql.DB
}

// Open opens (or creates) the index database at path and runs migrations.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open index %s: %w", path, err)
	}
	return NewIndex(db)
}

// NewIndex wraps an existing database handle and runs migrations.
func NewIndex(db *sql.DB) (*Index, error) {
	idx := &Index{db: db}
	if err := idx.migrate(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *Index) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS reference_index (
        reference TEXT NOT NULL,
        kind TEXT NOT NULL,
        offset INTEGER NOT NULL,
        operation_id TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS reference_index_ref ON reference_index (reference);`
	_, err := idx.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("store: migrate index: %w", err)
	}
	return nil
}

// Record indexes one appended entry. Entries without a reference are not
// indexed; they remain reachable by chain scan.
func (idx *Index) Record(ctx context.Context, e ledger.Entry, offset int) error {
	if e.Reference == "" {
		return nil
	}
	_, err := idx.db.ExecContext(ctx,
		"INSERT INTO reference_index (reference, kind, offset, operation_id) VALUES (?, ?, ?, ?)",
		e.Reference, string(e.Kind), offset, e.SignedOperation.Record.OperationID)
	if err != nil {
		return fmt.Errorf("store: index reference %q: %w", e.Reference, err)
	}
	return nil
}

// Lookup resolves a reference to its ledger position. When the same
// reference was recorded more than once, the most recent row wins.
func (idx *Index) Lookup(ctx context.Context, reference string) (IndexEntry, error) {
	row := idx.db.QueryRowContext(ctx,
		"SELECT reference, kind, offset, operation_id FROM reference_index WHERE reference = ? ORDER BY rowid DESC LIMIT 1",
		reference)

	var e IndexEntry
	var kind string
	err := row.Scan(&e.Reference, &kind, &e.Offset, &e.OperationID)
	if err == sql.ErrNoRows {
		return IndexEntry{}, ErrReferenceNotFound
	}
	if err != nil {
		return IndexEntry{}, fmt.Errorf("store: lookup %q: %w", reference, err)
	}
	e.Kind = ledger.Kind(kind)
	return e, nil
}

// Rebuild drops all rows and re-derives the index from the ledger chains.
func (idx *Index) Rebuild(ctx context.Context, reader ChainReader) error {
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin rebuild: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM reference_index"); err != nil {
		return fmt.Errorf("store: clear index: %w", err)
	}
	for _, kind := range ledger.AllKinds {
		entries, err := reader.ReadChain(kind)
		if err != nil {
			return fmt.Errorf("store: read %s chain: %w", kind, err)
		}
		for offset, e := range entries {
			if e.Reference == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO reference_index (reference, kind, offset, operation_id) VALUES (?, ?, ?, ?)",
				e.Reference, string(e.Kind), offset, e.SignedOperation.Record.OperationID); err != nil {
				return fmt.Errorf("store: reindex %q: %w", e.Reference, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit rebuild: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (idx *Index) Close() error {
	return idx.db.Close()
}
