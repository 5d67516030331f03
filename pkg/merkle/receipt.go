// Package merkle builds stage receipts: Merkle trees over the per-task leaf
// hashes of one completed workflow stage.
//
// Trees are stored as arena-indexed levels rather than linked nodes:
// levels[0] holds the leaf hashes and each subsequent level holds the
// pairwise hashes of the level below. A level with an odd node count pairs
// its last node with itself ("duplicate-last" padding) — at every level, not
// only the first. This policy is load-bearing for cross-implementation
// compatibility and is verified by the receipt's self-check.
package merkle

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/strataos/keel/pkg/canonicalize"
	"github.com/strataos/keel/pkg/ledger"
)

// Domain separation prefixes keep leaf and interior hashes from colliding.
const (
	leafPrefix = "keel:receipt:leaf:v1"
	nodePrefix = "keel:receipt:node:v1"
)

// TaskOutcome is one completed task's contribution to a stage receipt, in
// execution-dispatch order.
type TaskOutcome struct {
	TaskHash     string `json:"task_hash"`
	ArtifactHash string `json:"artifact_hash"`
}

// Leaf is one leaf of the receipt tree.
type Leaf struct {
	Index        int    `json:"index"`
	Hash         string `json:"hash"`
	TaskHash     string `json:"task_hash"`
	ArtifactHash string `json:"artifact_hash"`
}

// StageReceipt summarizes the tasks of one workflow stage under a single
// Merkle root. Recomputing the tree from Leaves must reproduce MerkleRoot
// exactly; that is the receipt's self-verification property.
type StageReceipt struct {
	WorkflowID string     `json:"workflow_id"`
	StageID    string     `json:"stage_id"`
	StageType  string     `json:"stage_type"`
	Leaves     []Leaf     `json:"leaves"`
	Levels     [][]string `json:"levels"`
	MerkleRoot string     `json:"merkle_root"`
}

// EmptyRoot is the well-defined root of a zero-task stage: the hash of the
// empty string, never null.
func EmptyRoot() string {
	return canonicalize.HashBytes(nil)
}

// BuildStageReceipt constructs the receipt for one stage. Outcome order
// matters for reproducibility of the root, not for verification correctness.
func BuildStageReceipt(workflowID, stageID, stageType string, outcomes []TaskOutcome) *StageReceipt {
	r := &StageReceipt{
		WorkflowID: workflowID,
		StageID:    stageID,
		StageType:  stageType,
	}
	if len(outcomes) == 0 {
		r.MerkleRoot = EmptyRoot()
		return r
	}

	r.Leaves = make([]Leaf, len(outcomes))
	level := make([]string, len(outcomes))
	for i, o := range outcomes {
		h := leafHash(o, i)
		r.Leaves[i] = Leaf{Index: i, Hash: h, TaskHash: o.TaskHash, ArtifactHash: o.ArtifactHash}
		level[i] = h
	}

	r.Levels = append(r.Levels, level)
	for len(level) > 1 {
		level = nextLevel(level)
		r.Levels = append(r.Levels, level)
	}
	r.MerkleRoot = level[0]
	return r
}

// Verify recomputes the tree from Leaves and checks every stored level and
// the root. Mismatches are reported, never repaired.
func (r *StageReceipt) Verify() error {
	if len(r.Leaves) == 0 {
		if r.MerkleRoot != EmptyRoot() {
			return fmt.Errorf("merkle: empty receipt root mismatch")
		}
		return nil
	}

	level := make([]string, len(r.Leaves))
	for i, leaf := range r.Leaves {
		if leaf.Index != i {
			return fmt.Errorf("merkle: leaf %d carries index %d", i, leaf.Index)
		}
		h := leafHash(TaskOutcome{TaskHash: leaf.TaskHash, ArtifactHash: leaf.ArtifactHash}, i)
		if h != leaf.Hash {
			return fmt.Errorf("merkle: leaf %d hash mismatch", i)
		}
		level[i] = h
	}

	levels := [][]string{level}
	for len(level) > 1 {
		level = nextLevel(level)
		levels = append(levels, level)
	}
	if len(levels) != len(r.Levels) {
		return fmt.Errorf("merkle: expected %d levels, receipt has %d", len(levels), len(r.Levels))
	}
	for i := range levels {
		if len(levels[i]) != len(r.Levels[i]) {
			return fmt.Errorf("merkle: level %d width mismatch", i)
		}
		for j := range levels[i] {
			if levels[i][j] != r.Levels[i][j] {
				return fmt.Errorf("merkle: level %d node %d mismatch", i, j)
			}
		}
	}
	if level[0] != r.MerkleRoot {
		return fmt.Errorf("merkle: root mismatch: computed %s, stored %s", level[0], r.MerkleRoot)
	}
	return nil
}

// Appender is the slice of the dual-write mirror the receipt builder needs.
type Appender interface {
	Append(ctx context.Context, kind ledger.Kind, reference string, payload json.RawMessage) (ledger.Entry, error)
}

// Record wraps the receipt into a stage_receipt ledger entry, referenced by
// its Merkle root, and appends it through the mirror.
func Record(ctx context.Context, sink Appender, r *StageReceipt) (ledger.Entry, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("merkle: marshal receipt: %w", err)
	}
	return sink.Append(ctx, ledger.KindStageReceipt, r.MerkleRoot, payload)
}

func leafHash(o TaskOutcome, index int) string {
	var buf bytes.Buffer
	buf.WriteString(leafPrefix)
	buf.WriteByte(0)
	buf.WriteString(o.TaskHash)
	buf.WriteByte(0)
	buf.WriteString(o.ArtifactHash)
	buf.WriteByte(0)
	buf.WriteString(strconv.Itoa(index))
	return sha256Hex(buf.Bytes())
}

func nextLevel(hashes []string) []string {
	count := len(hashes)
	if count%2 != 0 {
		hashes = append(hashes, hashes[count-1])
		count++
	}
	next := make([]string, count/2)
	for i := 0; i < count; i += 2 {
		next[i/2] = nodeHash(hashes[i], hashes[i+1])
	}
	return next
}

func nodeHash(left, right string) string {
	var buf bytes.Buffer
	buf.WriteString(nodePrefix)
	buf.WriteByte(0)
	buf.Write(hexToBytes(left))
	buf.Write(hexToBytes(right))
	return sha256Hex(buf.Bytes())
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func hexToBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}
