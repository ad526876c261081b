package ssc_test

import (
	"testing"

	"github.com/vbaranov/parity/keystorage"
	"github.com/vbaranov/parity/metrics"
	"github.com/vbaranov/parity/node"
	"github.com/vbaranov/parity/ssc"
	"github.com/vbaranov/parity/sscerr"
	"github.com/vbaranov/parity/transport"
	"github.com/vbaranov/parity/wire"
)

// newTestSession builds a bare Session for exercising Process's replay
// guard directly, independent of any consensus/scheduling state — every
// test here uses *wire.ServersSetChangeCompleted, whose handler
// (s.complete()) runs cleanly regardless of what else the session has or
// hasn't done yet.
func newTestSession(t *testing.T, self, master node.NodeId, allNodes node.Set) *ssc.Session {
	t.Helper()
	store := keystorage.NewInMemory()
	meta := ssc.SessionMeta{Id: node.SessionId{3}, SelfNodeId: self, MasterNodeId: master, Threshold: 1}
	cl := transport.NewDummyClusterNetwork(allNodes...)[self]
	return ssc.NewSession(meta, cl, store, allNodes, nil, 1, ssc.DefaultConfig, metrics.NewNoop())
}

// TestProcessRejectsStaleNonceAfterFresherOneSeen exercises Process's
// (session_id, nonce) guard: once a sender's nonce has been seen, anything
// lower from the same sender is rejected, even though the message itself
// would otherwise be perfectly valid.
func TestProcessRejectsStaleNonceAfterFresherOneSeen(t *testing.T) {
	a, b := nodeID(1), nodeID(2)
	allNodes := node.NewSet(a, b)
	sess := newTestSession(t, b, a, allNodes)

	fresh := &wire.ServersSetChangeCompleted{
		Envelope: wire.Envelope{SessionId: node.SessionId{3}, Nonce: 5},
	}
	if err := sess.Process(a, fresh); err != nil {
		t.Fatalf("did not expect the first, freshest-seen nonce to be rejected: %v", err)
	}

	stale := &wire.ServersSetChangeCompleted{
		Envelope: wire.Envelope{SessionId: node.SessionId{3}, Nonce: 3},
	}
	err := sess.Process(a, stale)
	if err == nil {
		t.Fatalf("expected a stale nonce from the same sender to be rejected")
	}
	if kind, ok := sscerr.KindOf(err); !ok || kind != sscerr.ReplayProtection {
		t.Fatalf("expected ReplayProtection, got %v", err)
	}
}

// TestProcessRejectsMismatchedSessionIdBeforeNonceCheck covers the other
// half of Process's guard: a message tagged for a different session_id is
// rejected outright, and — critically — its nonce must never be recorded
// against the sender, or a later, correctly-tagged message with a lower
// nonce would be wrongly rejected as a replay.
func TestProcessRejectsMismatchedSessionIdBeforeNonceCheck(t *testing.T) {
	a, b := nodeID(1), nodeID(2)
	allNodes := node.NewSet(a, b)
	sess := newTestSession(t, b, a, allNodes)

	wrongSession := &wire.ServersSetChangeCompleted{
		Envelope: wire.Envelope{SessionId: node.SessionId{99}, Nonce: 100},
	}
	err := sess.Process(a, wrongSession)
	if err == nil {
		t.Fatalf("expected a message tagged for a different session to be rejected")
	}
	if kind, ok := sscerr.KindOf(err); !ok || kind != sscerr.InvalidMessage {
		t.Fatalf("expected InvalidMessage, got %v", err)
	}

	correct := &wire.ServersSetChangeCompleted{
		Envelope: wire.Envelope{SessionId: node.SessionId{3}, Nonce: 1},
	}
	if err := sess.Process(a, correct); err != nil {
		t.Fatalf("expected the correctly-tagged low nonce to be accepted, since the rejected message's nonce must never have been recorded: %v", err)
	}
}

// TestProcessTracksNonceIndependentlyPerSender covers the per-sender scope
// of the guard: one sender's high nonce must never block a different
// sender's lower one.
func TestProcessTracksNonceIndependentlyPerSender(t *testing.T) {
	a, b, c := nodeID(1), nodeID(2), nodeID(3)
	allNodes := node.NewSet(a, b, c)
	sess := newTestSession(t, b, a, allNodes)

	fromA := &wire.ServersSetChangeCompleted{Envelope: wire.Envelope{SessionId: node.SessionId{3}, Nonce: 9}}
	if err := sess.Process(a, fromA); err != nil {
		t.Fatalf("unexpected error from a's message: %v", err)
	}
	fromC := &wire.ServersSetChangeCompleted{Envelope: wire.Envelope{SessionId: node.SessionId{3}, Nonce: 1}}
	if err := sess.Process(c, fromC); err != nil {
		t.Fatalf("expected c's low nonce to be accepted independently of a's higher one: %v", err)
	}
}
