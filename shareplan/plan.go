// Package shareplan computes, for a single key, how to get its current
// holder set from OLD to the cluster-wide NEW set: which holders move their
// share to a new node in one step, which new nodes need a share added from
// scratch, and which old holders are simply dropped. It is a pure function
// with no side effects, so it is also where servers-set-change's
// determinism property lives — the same (old, new) pair always produces
// the same ChangePlan, regardless of how the sets were collected or in
// what order their members were discovered.
package shareplan

import (
	"sort"

	"github.com/vbaranov/parity/node"
)

// ChangePlan is what a single key's share-change sub-session needs to
// execute: a set of direct moves (an old holder hands its share to a node
// that wasn't previously a holder), a set of pure additions (a new node
// gets a freshly split share with no corresponding removal), and a set of
// pure removals (an old holder's share is simply discarded).
type ChangePlan struct {
	Moves   map[node.NodeId]node.NodeId // source -> destination
	Adds    node.Set
	Removes node.Set
}

// IsEmpty reports whether the plan has no work to do at all.
func (p ChangePlan) IsEmpty() bool {
	return len(p.Moves) == 0 && len(p.Adds) == 0 && len(p.Removes) == 0
}

// Plan computes the ChangePlan moving a key's holder set from oldForKey to
// newSet. Moves are formed by pairing the ascending-sorted nodes being
// dropped with the ascending-sorted nodes being added, one-to-one, up to
// the length of the shorter list; any surplus on either side becomes a pure
// Add or a pure Remove. The ascending pairing is what makes the result
// deterministic across nodes computing the same plan independently.
func Plan(oldForKey node.Set, newSet node.Set) (ChangePlan, error) {
	toRemove := sortedDiff(oldForKey, newSet)
	toAdd := sortedDiff(newSet, oldForKey)

	pairs := len(toRemove)
	if len(toAdd) < pairs {
		pairs = len(toAdd)
	}

	plan := ChangePlan{
		Moves: make(map[node.NodeId]node.NodeId, pairs),
	}
	for i := 0; i < pairs; i++ {
		plan.Moves[toRemove[i]] = toAdd[i]
	}
	if len(toRemove) > pairs {
		plan.Removes = node.NewSet(toRemove[pairs:]...)
	}
	if len(toAdd) > pairs {
		plan.Adds = node.NewSet(toAdd[pairs:]...)
	}
	return plan, nil
}

// sortedDiff returns the ascending-sorted members of a that are not in b.
func sortedDiff(a, b node.Set) []node.NodeId {
	diff := a.Without(b)
	out := make([]node.NodeId, len(diff))
	copy(out, diff)
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
