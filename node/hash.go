package node

import (
	"github.com/ethereum/go-ethereum/crypto"
)

// OrderedHash computes the canonical digest administrators sign when
// authorizing a servers-set-change: Keccak256 over the ascending-sorted,
// concatenated NodeIds of set. Two sets containing the same members always
// hash identically regardless of the order they were collected in.
func OrderedHash(set Set) [32]byte {
	ordered := NewSet(set...)
	buf := make([]byte, 0, len(ordered)*len(NodeId{}))
	for _, id := range ordered {
		buf = append(buf, id[:]...)
	}
	return crypto.Keccak256Hash(buf)
}
