// Package keystorage defines the persistence boundary for DocumentKeyShares
// and ships an in-memory implementation suitable for tests and for small
// deployments. Real deployments are expected to provide their own
// KeyStorage backed by a database; this package treats that as an external
// collaborator, matching the spec's framing of key storage as outside the
// session logic's concerns.
package keystorage

import (
	"fmt"
	"sync"

	"github.com/vbaranov/parity/node"
	"github.com/vbaranov/parity/share"
)

// KeyStorage is the per-key_id persistence interface every session depends
// on. Implementations must make the Insert/Update/Remove triple atomic with
// respect to a single key_id — concurrent callers touching different keys
// must never block one another.
type KeyStorage interface {
	Get(id node.KeyId) (share.DocumentKeyShare, error)
	Insert(id node.KeyId, s share.DocumentKeyShare) error
	Update(id node.KeyId, s share.DocumentKeyShare) error
	Remove(id node.KeyId) error
	// Iterate calls fn for every key currently stored, stopping early if fn
	// returns false. Used by ssc.Session to build the unknown-sessions
	// inventory without holding a global lock for the whole scan.
	Iterate(fn func(id node.KeyId, s share.DocumentKeyShare) bool)
}

// ErrNotFound is returned by Get/Update/Remove when id has no share stored.
var ErrNotFound = fmt.Errorf("keystorage: key not found")

// shard is one lock-protected bucket of the sharded in-memory map. Sharding
// by key_id means two unrelated sessions touching two different keys never
// contend on the same mutex, matching the spec's "insert/update/remove is
// atomic per key_id" requirement without serializing the whole store.
type shard struct {
	mu   sync.RWMutex
	data map[node.KeyId]share.DocumentKeyShare
}

const shardCount = 32

// InMemory is a sharded, mutex-guarded KeyStorage. It never persists to
// disk; production deployments provide their own KeyStorage.
type InMemory struct {
	shards [shardCount]*shard
}

// NewInMemory constructs an empty in-memory KeyStorage.
func NewInMemory() *InMemory {
	s := &InMemory{}
	for i := range s.shards {
		s.shards[i] = &shard{data: make(map[node.KeyId]share.DocumentKeyShare)}
	}
	return s
}

func (s *InMemory) shardFor(id node.KeyId) *shard {
	return s.shards[id[0]%shardCount]
}

func (s *InMemory) Get(id node.KeyId) (share.DocumentKeyShare, error) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	v, ok := sh.data[id]
	if !ok {
		return share.DocumentKeyShare{}, ErrNotFound
	}
	return v.Clone(), nil
}

func (s *InMemory) Insert(id node.KeyId, v share.DocumentKeyShare) error {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.data[id]; exists {
		return fmt.Errorf("keystorage: key %s already exists", id)
	}
	sh.data[id] = v.Clone()
	return nil
}

func (s *InMemory) Update(id node.KeyId, v share.DocumentKeyShare) error {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.data[id]; !exists {
		return ErrNotFound
	}
	sh.data[id] = v.Clone()
	return nil
}

func (s *InMemory) Remove(id node.KeyId) error {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.data[id]; !exists {
		return ErrNotFound
	}
	delete(sh.data, id)
	return nil
}

func (s *InMemory) Iterate(fn func(id node.KeyId, v share.DocumentKeyShare) bool) {
	for _, sh := range s.shards {
		sh.mu.RLock()
		keys := make([]node.KeyId, 0, len(sh.data))
		vals := make([]share.DocumentKeyShare, 0, len(sh.data))
		for k, v := range sh.data {
			keys = append(keys, k)
			vals = append(vals, v)
		}
		sh.mu.RUnlock()
		for i := range keys {
			if !fn(keys[i], vals[i]) {
				return
			}
		}
	}
}
