// Package sessionsqueue provides the finite, one-shot iterator an SSC
// session drains to schedule its per-key share-change sub-sessions: first
// the keys the master already knew about locally (Known), then whatever
// the Unknown-Sessions-Job inventory turned up that the master hadn't
// already seen (Unknown).
package sessionsqueue

import (
	"sync"

	"github.com/vbaranov/parity/node"
)

// Kind distinguishes how a queued session's OLD holder set was discovered.
type Kind int

const (
	// Known: the master already held this key locally and knows its
	// holders directly from its own key storage.
	Known Kind = iota
	// Unknown: the master learned of this key only through the
	// Unknown-Sessions-Job inventory run during the consensus phase.
	Unknown
)

func (k Kind) String() string {
	if k == Known {
		return "Known"
	}
	return "Unknown"
}

// QueuedSession is one key awaiting a share-change sub-session.
type QueuedSession struct {
	KeyId  node.KeyId
	Kind   Kind
	OldSet node.Set
}

// Queue is a finite, not-restartable iterator over QueuedSessions. Once
// built from NewQueue its contents are fixed — a servers-set-change session
// never re-scans for new keys mid-flight, since that would mean reasoning
// about consensus over a node set that changed underneath it.
type Queue struct {
	mu    sync.Mutex
	items []QueuedSession
	pos   int
}

// NewQueue builds a Queue from the master's own key inventory (known) and
// the aggregated Unknown-Sessions-Job result (discovered). Keys present in
// known are never duplicated even if they also appear in discovered.
func NewQueue(known map[node.KeyId]node.Set, discovered map[node.KeyId]node.Set) *Queue {
	items := make([]QueuedSession, 0, len(known)+len(discovered))

	knownKeys := make([]node.KeyId, 0, len(known))
	for k := range known {
		knownKeys = append(knownKeys, k)
	}
	sortKeyIds(knownKeys)
	for _, k := range knownKeys {
		items = append(items, QueuedSession{KeyId: k, Kind: Known, OldSet: known[k]})
	}

	discoveredKeys := make([]node.KeyId, 0, len(discovered))
	for k := range discovered {
		if _, isKnown := known[k]; isKnown {
			continue
		}
		discoveredKeys = append(discoveredKeys, k)
	}
	sortKeyIds(discoveredKeys)
	for _, k := range discoveredKeys {
		items = append(items, QueuedSession{KeyId: k, Kind: Unknown, OldSet: discovered[k]})
	}

	return &Queue{items: items}
}

func sortKeyIds(ids []node.KeyId) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && lessKeyId(ids[j], ids[j-1]); j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

func lessKeyId(a, b node.KeyId) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Next returns the next queued session, or ok=false once the queue is
// drained. Next is never restartable: a drained Queue stays drained.
func (q *Queue) Next() (QueuedSession, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pos >= len(q.items) {
		return QueuedSession{}, false
	}
	item := q.items[q.pos]
	q.pos++
	return item, true
}

// Remaining reports how many sessions are still left to schedule.
func (q *Queue) Remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.pos
}

// Len reports the total number of sessions this queue was built with.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
