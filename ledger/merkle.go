package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
)

// Domain separation prefixes keep leaf and interior hashes from colliding and
// version the hashing scheme.
const (
	leafPrefix = "agentpay:ledger:leaf:v1"
	nodePrefix = "agentpay:ledger:node:v1"
)

// ProofStep is one sibling on the path from a leaf to the root. Left reports
// whether the sibling sits to the left of the running hash.
type ProofStep struct {
	Hash string `json:"hash"`
	Left bool   `json:"left"`
}

// LeafHash hashes a canonical entry payload into a leaf.
func LeafHash(payload []byte) []byte {
	h := sha256.New()
	h.Write([]byte(leafPrefix))
	h.Write(payload)
	return h.Sum(nil)
}

func nodeHash(left, right []byte) []byte {
	h := sha256.New()
	h.Write([]byte(nodePrefix))
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

// MerkleRoot folds the ordered leaves into a root. Odd nodes are promoted
// unchanged. An empty ledger has an empty root.
func MerkleRoot(leaves [][]byte) []byte {
	if len(leaves) == 0 {
		return nil
	}
	level := make([][]byte, len(leaves))
	copy(level, leaves)
	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, nodeHash(level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}

// MerkleProof builds the sibling path for the leaf at index.
func MerkleProof(leaves [][]byte, index int) []ProofStep {
	if index < 0 || index >= len(leaves) {
		return nil
	}
	proof := make([]ProofStep, 0)
	level := make([][]byte, len(leaves))
	copy(level, leaves)
	pos := index
	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, nodeHash(level[i], level[i+1]))
		}
		sibling := pos ^ 1
		if sibling < len(level) {
			proof = append(proof, ProofStep{
				Hash: hex.EncodeToString(level[sibling]),
				Left: sibling < pos,
			})
		}
		pos /= 2
		level = next
	}
	return proof
}

// VerifyProof replays the proof from the leaf and compares against root.
func VerifyProof(leaf []byte, proof []ProofStep, root []byte) bool {
	running := append([]byte(nil), leaf...)
	for _, step := range proof {
		sibling, err := hex.DecodeString(step.Hash)
		if err != nil {
			return false
		}
		if step.Left {
			running = nodeHash(sibling, running)
		} else {
			running = nodeHash(running, sibling)
		}
	}
	return bytes.Equal(running, root)
}
