package merkle

import (
	"fmt"
)

// ProofStep is one sibling on the path from a leaf to the root. Side names
// where the sibling sits relative to the running hash: "L" or "R".
type ProofStep struct {
	Side        string `json:"side"`
	SiblingHash string `json:"sibling_hash"`
}

// InclusionProof demonstrates that one leaf is part of a receipt tree.
type InclusionProof struct {
	LeafIndex  int         `json:"leaf_index"`
	LeafHash   string      `json:"leaf_hash"`
	MerkleRoot string      `json:"merkle_root"`
	Path       []ProofStep `json:"path"`
}

// Prove builds the inclusion proof for the leaf at index. Duplicate-last
// padding means an odd tail node's sibling is itself.
func (r *StageReceipt) Prove(index int) (InclusionProof, error) {
	if index < 0 || index >= len(r.Leaves) {
		return InclusionProof{}, fmt.Errorf("merkle: leaf index %d out of range [0,%d)", index, len(r.Leaves))
	}

	proof := InclusionProof{
		LeafIndex:  index,
		LeafHash:   r.Leaves[index].Hash,
		MerkleRoot: r.MerkleRoot,
	}

	pos := index
	for _, level := range r.Levels[:len(r.Levels)-1] {
		sibling := pos ^ 1
		side := "R"
		if pos%2 == 1 {
			side = "L"
		}
		if sibling >= len(level) {
			// Odd tail: paired with itself.
			sibling = pos
		}
		proof.Path = append(proof.Path, ProofStep{Side: side, SiblingHash: level[sibling]})
		pos /= 2
	}
	return proof, nil
}

// VerifyInclusion replays the proof path and compares the result against
// expectedRoot (and the root embedded in the proof).
func VerifyInclusion(proof InclusionProof, expectedRoot string) bool {
	if expectedRoot != "" && proof.MerkleRoot != expectedRoot {
		return false
	}

	current := proof.LeafHash
	for _, step := range proof.Path {
		if step.Side == "L" {
			current = nodeHash(step.SiblingHash, current)
		} else {
			current = nodeHash(current, step.SiblingHash)
		}
	}
	return current == proof.MerkleRoot
}
