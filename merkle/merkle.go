// Package merkle implements the sorted-pair keccak256 Merkle tree used
// for oracle rewards snapshots. Internal nodes hash their children in
// ascending byte order, so proofs carry no left/right position bits.
// Leaves are double-hashed (keccak256 of the keccak256 of the ABI-encoded
// record) to prevent a 64-byte leaf encoding from colliding with an
// internal node preimage.
package merkle

import (
	"bytes"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
)

var (
	ErrNoLeaves     = errors.New("merkle: tree requires at least one leaf")
	ErrLeafNotFound = errors.New("merkle: leaf not in tree")
)

// keccak256 computes the Keccak-256 hash of the concatenation of data.
func keccak256(data ...[]byte) []byte {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	return d.Sum(nil)
}

// hashPair hashes two nodes in ascending byte order.
func hashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return common.BytesToHash(keccak256(a[:], b[:]))
}

// HashRewardsLeaf computes the snapshot leaf for one vault:
// keccak256(keccak256(abi.encode(vault, reward, unlockedMevReward))).
// reward is encoded as a two's-complement int256 word, unlockedMevReward
// as an unsigned word.
func HashRewardsLeaf(vault common.Address, reward *big.Int, unlockedMevReward *uint256.Int) common.Hash {
	var buf [96]byte
	copy(buf[12:32], vault.Bytes())
	copy(buf[32:64], math.U256Bytes(new(big.Int).Set(reward)))
	mev := unlockedMevReward.Bytes32()
	copy(buf[64:96], mev[:])
	return common.BytesToHash(keccak256(keccak256(buf[:])))
}

// VerifyProof reports whether proof links leaf to root. An empty proof
// is valid exactly when the leaf is the root (single-leaf tree).
func VerifyProof(root, leaf common.Hash, proof []common.Hash) bool {
	node := leaf
	for _, sibling := range proof {
		node = hashPair(node, sibling)
	}
	return node == root
}

// Tree is a complete in-memory sorted-pair Merkle tree. It is how the
// oracle committee (and the tests) derive the root and per-vault proofs
// that the keeper later verifies. The tree is immutable after New.
type Tree struct {
	// levels[0] holds the leaves; the last level holds the root.
	levels [][]common.Hash
}

// New builds a tree over the given leaves. Duplicate leaves are allowed;
// ProofFor resolves them by index.
func New(leaves []common.Hash) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrNoLeaves
	}

	levels := make([][]common.Hash, 0, 8)
	level := make([]common.Hash, len(leaves))
	copy(level, leaves)
	levels = append(levels, level)

	for len(level) > 1 {
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i+1 < len(level); i += 2 {
			next = append(next, hashPair(level[i], level[i+1]))
		}
		if len(level)%2 == 1 {
			// Odd node is promoted to the next level unchanged.
			next = append(next, level[len(level)-1])
		}
		levels = append(levels, next)
		level = next
	}
	return &Tree{levels: levels}, nil
}

// Root returns the tree root.
func (t *Tree) Root() common.Hash {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// NumLeaves returns the number of leaves in the tree.
func (t *Tree) NumLeaves() int {
	return len(t.levels[0])
}

// ProofFor returns the proof for the leaf at the given index.
func (t *Tree) ProofFor(index int) ([]common.Hash, error) {
	if index < 0 || index >= len(t.levels[0]) {
		return nil, ErrLeafNotFound
	}

	var proof []common.Hash
	for depth := 0; depth < len(t.levels)-1; depth++ {
		level := t.levels[depth]
		sibling := index ^ 1
		if sibling < len(level) {
			proof = append(proof, level[sibling])
		}
		// A promoted odd node keeps its position at the end of the
		// next level; paired nodes halve their index.
		index /= 2
		if sibling >= len(level) {
			index = len(t.levels[depth+1]) - 1
		}
	}
	return proof, nil
}

// ProofForLeaf returns the proof for the first occurrence of leaf.
func (t *Tree) ProofForLeaf(leaf common.Hash) ([]common.Hash, error) {
	for i, l := range t.levels[0] {
		if l == leaf {
			return t.ProofFor(i)
		}
	}
	return nil, ErrLeafNotFound
}
