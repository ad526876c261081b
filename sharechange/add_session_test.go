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

func pumpAddMessages(t *testing.T, clusters map[node.NodeId]*transport.DummyCluster, sessions map[node.NodeId]*sharechange.AddSession) {
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
				holders := make([]node.NodeId, 0, len(m.Request.SharesToMove))
				for src := range m.Request.SharesToMove {
					holders = append(holders, src)
				}
				sess.OnShareAddRequest(node.NewSet(holders...))
			case wire.ShareMoveVariantMove:
				sess.OnShareAdd(m.Move.Share)
			case wire.ShareMoveVariantConfirm:
				sess.OnConfirmation(from)
			}
		}
		if !progressed {
			return
		}
	}
}

func TestAddSessionInstallsFreshSharesOnEveryNewHolder(t *testing.T) {
	b, c := nodeID(2), nodeID(3)
	keyA := node.KeyId{7}
	sessionID := node.SessionId{1}

	clusters := transport.NewDummyClusterNetwork(b, c)
	storeB := keystorage.NewInMemory()
	storeC := keystorage.NewInMemory()

	metaFor := func(self node.NodeId) sharechange.Meta {
		return sharechange.Meta{KeyId: keyA, SessionId: sessionID, SelfNodeId: self, MasterNodeId: b}
	}
	sessB := sharechange.NewAddSession(metaFor(b), clusters[b], storeB, 1, metrics.NewNoop())
	sessC := sharechange.NewAddSession(metaFor(c), clusters[c], storeC, 1, metrics.NewNoop())

	oldSet := node.NewSet()
	newSet := node.NewSet(b, c)
	sessB.SetConsensusOutput(oldSet, newSet)

	newShareFor := func(target node.NodeId) (share.DocumentKeyShare, error) {
		return share.DocumentKeyShare{
			Author:    b,
			Threshold: 1,
			IdNumbers: map[node.NodeId]secp256k1.Fn{target: secp256k1.RandomFn()},
		}, nil
	}
	if err := sessB.Initialize(newShareFor); err != nil {
		t.Fatalf("initialize master: %v", err)
	}

	sessions := map[node.NodeId]*sharechange.AddSession{b: sessB, c: sessC}
	pumpAddMessages(t, clusters, sessions)

	for id, sess := range sessions {
		if err := sess.Wait(); err != nil {
			t.Fatalf("node %s did not finish cleanly: %v", id, err)
		}
	}

	if _, err := storeB.Get(keyA); err != nil {
		t.Fatalf("expected the master's own add to be installed locally: %v", err)
	}
	if _, err := storeC.Get(keyA); err != nil {
		t.Fatalf("expected the remote new holder's share to arrive over the network: %v", err)
	}
}

func TestAddSessionRejectsPlanWithNoAdds(t *testing.T) {
	b := nodeID(2)
	clusters := transport.NewDummyClusterNetwork(b)
	store := keystorage.NewInMemory()
	meta := sharechange.Meta{KeyId: node.KeyId{1}, SessionId: node.SessionId{1}, SelfNodeId: b, MasterNodeId: b}
	sess := sharechange.NewAddSession(meta, clusters[b], store, 1, metrics.NewNoop())

	same := node.NewSet(b)
	sess.SetConsensusOutput(same, same)
	err := sess.Initialize(func(node.NodeId) (share.DocumentKeyShare, error) {
		t.Fatalf("newShareFor should never be called when there is nothing to add")
		return share.DocumentKeyShare{}, nil
	})
	if err == nil {
		t.Fatalf("expected initializing an add session with an empty Adds set to fail")
	}
}
