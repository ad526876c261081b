// Package node defines the opaque identifiers shared by every component of
// the servers-set-change engine: NodeId, KeyId and SessionId. All three are
// fixed-size byte arrays so they can be used as map keys and compared with
// ==, and all three sort in the canonical ascending order the spec requires
// for ordered-hash computation and deterministic plan generation.
package node

import (
	"bytes"
	"encoding/hex"
	"sort"
)

// NodeId is a compressed secp256k1 public key identifying a cluster member.
type NodeId [33]byte

func (id NodeId) String() string {
	return hex.EncodeToString(id[:4]) + "…"
}

// Less reports whether id sorts strictly before other in ascending order.
func (id NodeId) Less(other NodeId) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// KeyId identifies a shared secret (one per document/key the cluster holds).
type KeyId [32]byte

func (id KeyId) String() string {
	return hex.EncodeToString(id[:4]) + "…"
}

// SessionId identifies an administrative or per-key session.
type SessionId [32]byte

func (id SessionId) String() string {
	return hex.EncodeToString(id[:4]) + "…"
}

// Set is an ascending-sorted, duplicate-free collection of NodeIds. The zero
// value is an empty set. Set is never mutated in place by the exported
// helpers below; each returns a new Set.
type Set []NodeId

// NewSet builds a Set from an unordered, possibly duplicated slice.
func NewSet(ids ...NodeId) Set {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[NodeId]struct{}, len(ids))
	s := make(Set, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		s = append(s, id)
	}
	sort.Slice(s, func(i, j int) bool { return s[i].Less(s[j]) })
	return s
}

// Contains reports whether id is a member of the set.
func (s Set) Contains(id NodeId) bool {
	i := sort.Search(len(s), func(i int) bool { return !s[i].Less(id) })
	return i < len(s) && s[i] == id
}

// Union returns the sorted union of s and other.
func (s Set) Union(other Set) Set {
	out := make([]NodeId, 0, len(s)+len(other))
	out = append(out, s...)
	out = append(out, other...)
	return NewSet(out...)
}

// Without returns s minus every id present in other.
func (s Set) Without(other Set) Set {
	out := make([]NodeId, 0, len(s))
	for _, id := range s {
		if !other.Contains(id) {
			out = append(out, id)
		}
	}
	return NewSet(out...)
}

// Intersect returns the sorted intersection of s and other.
func (s Set) Intersect(other Set) Set {
	out := make([]NodeId, 0, len(s))
	for _, id := range s {
		if other.Contains(id) {
			out = append(out, id)
		}
	}
	return NewSet(out...)
}

// First returns the smallest NodeId in the set. Panics if the set is empty;
// callers that schedule sub-session masters must only call this on a
// non-empty set of nodes reporting a key (guaranteed by construction in
// jobs.UnknownSessionsJob).
func (s Set) First() NodeId {
	return s[0]
}

// Equal reports whether two sets contain exactly the same NodeIds.
func (s Set) Equal(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}
