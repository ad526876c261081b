package jobs

import (
	"sync"

	"github.com/vbaranov/parity/keystorage"
	"github.com/vbaranov/parity/node"
	"github.com/vbaranov/parity/share"
)

// UnknownSessionsJob is the work dissemination phase a ConsensusSession runs
// once its access round is established: the master asks every node which
// keys it holds, so it can build a full inventory of who holds what before
// scheduling per-key share-change sub-sessions.
type UnknownSessionsJob struct {
	mu sync.Mutex

	isMaster bool
	store    keystorage.KeyStorage // slave side only
	self     node.NodeId

	expected int
	received map[node.NodeId]bool
	result   map[node.KeyId]node.Set
}

// NewUnknownSessionsOnMaster builds the master-side aggregator, expecting
// one response from each of expectedResponders before it considers itself
// Finished.
func NewUnknownSessionsOnMaster(expectedResponders int) *UnknownSessionsJob {
	return &UnknownSessionsJob{
		isMaster: true,
		expected: expectedResponders,
		received: make(map[node.NodeId]bool, expectedResponders),
		result:   make(map[node.KeyId]node.Set),
	}
}

// NewUnknownSessionsOnSlave builds the slave-side job, backed by store to
// answer requests about which keys this node holds.
func NewUnknownSessionsOnSlave(self node.NodeId, store keystorage.KeyStorage) *UnknownSessionsJob {
	return &UnknownSessionsJob{isMaster: false, self: self, store: store}
}

// BuildResponse answers an UnknownSessionsRequest: for every key this node
// holds, report the set of nodes recorded in that key's id_numbers — the
// node's own knowledge of who else holds a share of it.
func (j *UnknownSessionsJob) BuildResponse() map[node.KeyId]node.Set {
	out := make(map[node.KeyId]node.Set)
	j.store.Iterate(func(id node.KeyId, s share.DocumentKeyShare) bool {
		holders := make([]node.NodeId, 0, len(s.IdNumbers))
		for holder := range s.IdNumbers {
			holders = append(holders, holder)
		}
		out[id] = node.NewSet(holders...)
		return true
	})
	return out
}

// AddResponse merges a slave's reported key sets into the master's
// inventory: a key's recorded holder set is the union of every node's
// report of it (some nodes may only know a subset of the true holder set).
func (j *UnknownSessionsJob) AddResponse(from node.NodeId, keySets map[node.KeyId]node.Set) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.received[from] {
		return
	}
	j.received[from] = true
	for keyId, holders := range keySets {
		j.result[keyId] = j.result[keyId].Union(holders)
	}
}

// Finished reports whether every expected responder has reported in.
func (j *UnknownSessionsJob) Finished() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.received) >= j.expected
}

// Result returns the aggregated key->holders inventory. Only meaningful
// once Finished reports true.
func (j *UnknownSessionsJob) Result() map[node.KeyId]node.Set {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make(map[node.KeyId]node.Set, len(j.result))
	for k, v := range j.result {
		out[k] = v
	}
	return out
}
