package sharechange_test

import (
	"testing"

	"github.com/renproject/secp256k1"

	"github.com/vbaranov/parity/keystorage"
	"github.com/vbaranov/parity/metrics"
	"github.com/vbaranov/parity/node"
	"github.com/vbaranov/parity/share"
	"github.com/vbaranov/parity/sharechange"
	"github.com/vbaranov/parity/transport"
	"github.com/vbaranov/parity/wire"
)

func nodeID(b byte) node.NodeId {
	var id node.NodeId
	id[0] = b
	return id
}

// pumpMoveMessages drains every cluster's inbox, dispatching each message to
// the matching session, until no cluster makes further progress. A single
// move pair can generate several rounds of confirm broadcasts, so this loops
// rather than draining each inbox just once.
func pumpMoveMessages(t *testing.T, clusters map[node.NodeId]*transport.DummyCluster, sessions map[node.NodeId]*sharechange.MoveSession) {
	t.Helper()
	for {
		progressed := false
		for id, cl := range clusters {
			from, msg, ok := cl.TakeMessage()
			if !ok {
				continue
			}
			progressed = true
			m, ok := msg.(*wire.ServersSetChangeShareMoveMessage)
			if !ok {
				t.Fatalf("unexpected message type %T", msg)
			}
			sess := sessions[id]
			switch m.Variant {
			case wire.ShareMoveVariantRequest:
				sess.OnShareMoveRequest(m.Request.SharesToMove)
			case wire.ShareMoveVariantMove:
				sess.OnShareMove(from, m.Move.Share)
			case wire.ShareMoveVariantConfirm:
				sess.OnShareMoveConfirmation(from)
			}
		}
		if !progressed {
			return
		}
	}
}

func TestMoveSessionRelocatesShareFromSourceToDestination(t *testing.T) {
	a, b, c := nodeID(1), nodeID(2), nodeID(3)
	keyA := node.KeyId{7}
	sessionID := node.SessionId{1}

	clusters := transport.NewDummyClusterNetwork(a, b, c)

	storeA := keystorage.NewInMemory()
	storeB := keystorage.NewInMemory()
	storeC := keystorage.NewInMemory()
	original := share.DocumentKeyShare{
		Author:    a,
		Threshold: 1,
		IdNumbers: map[node.NodeId]secp256k1.Fn{a: secp256k1.RandomFn(), b: secp256k1.RandomFn()},
	}
	if err := storeA.Insert(keyA, original); err != nil {
		t.Fatalf("seed storeA: %v", err)
	}

	metaFor := func(self node.NodeId) sharechange.Meta {
		return sharechange.Meta{KeyId: keyA, SessionId: sessionID, SelfNodeId: self, MasterNodeId: a}
	}

	sessA := sharechange.NewMoveSession(metaFor(a), clusters[a], storeA, 1, metrics.NewNoop())
	sessB := sharechange.NewMoveSession(metaFor(b), clusters[b], storeB, 1, metrics.NewNoop())
	sessC := sharechange.NewMoveSession(metaFor(c), clusters[c], storeC, 1, metrics.NewNoop())

	oldSet := node.NewSet(a, b)
	newSet := node.NewSet(b, c)
	sessA.SetConsensusOutput(oldSet, newSet)

	if err := sessA.Initialize(); err != nil {
		t.Fatalf("initialize master: %v", err)
	}

	sessions := map[node.NodeId]*sharechange.MoveSession{a: sessA, b: sessB, c: sessC}
	pumpMoveMessages(t, clusters, sessions)

	for id, sess := range sessions {
		if err := sess.Wait(); err != nil {
			t.Fatalf("node %s did not finish cleanly: %v", id, err)
		}
	}

	if _, err := storeA.Get(keyA); err == nil {
		t.Fatalf("expected the source's local share to be removed once moved")
	}
	moved, err := storeC.Get(keyA)
	if err != nil {
		t.Fatalf("expected the destination to hold the moved share: %v", err)
	}
	if _, stillHasSource := moved.IdNumbers[a]; stillHasSource {
		t.Fatalf("expected the source's id_numbers entry to be rewritten away")
	}
	if _, hasDest := moved.IdNumbers[c]; !hasDest {
		t.Fatalf("expected the destination's own id_numbers entry to be installed")
	}
}

func TestMoveSessionRejectsEmptyPlan(t *testing.T) {
	a := nodeID(1)
	clusters := transport.NewDummyClusterNetwork(a)
	store := keystorage.NewInMemory()
	meta := sharechange.Meta{KeyId: node.KeyId{1}, SessionId: node.SessionId{1}, SelfNodeId: a, MasterNodeId: a}
	sess := sharechange.NewMoveSession(meta, clusters[a], store, 1, metrics.NewNoop())

	same := node.NewSet(a)
	sess.SetConsensusOutput(same, same)
	if err := sess.Initialize(); err == nil {
		t.Fatalf("expected initializing a share-move session with nothing to move to fail")
	}
}
