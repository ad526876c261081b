package ssc_test

import (
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/renproject/secp256k1"

	"github.com/vbaranov/parity/keystorage"
	"github.com/vbaranov/parity/metrics"
	"github.com/vbaranov/parity/node"
	"github.com/vbaranov/parity/share"
	"github.com/vbaranov/parity/ssc"
	"github.com/vbaranov/parity/sscerr"
	"github.com/vbaranov/parity/transport"
	"github.com/vbaranov/parity/wire"
)

func nodeID(b byte) node.NodeId {
	var id node.NodeId
	id[0] = b
	return id
}

// runPump drains cl and hands every message it sees to sess.Process, until
// told to stop. It is the test-only stand-in for the message loop
// cmd/ssc-node's dispatchLoop runs in production.
func runPump(done <-chan struct{}, cl *transport.DummyCluster, sess *ssc.Session) {
	for {
		select {
		case <-done:
			for {
				from, msg, ok := cl.TakeMessage()
				if !ok {
					return
				}
				sess.Process(from, msg)
			}
		default:
		}
		from, msg, ok := cl.TakeMessage()
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		sess.Process(from, msg)
	}
}

func startPumps(clusters map[node.NodeId]*transport.DummyCluster, sessions map[node.NodeId]*ssc.Session) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	for id, cl := range clusters {
		wg.Add(1)
		go func(cl *transport.DummyCluster, sess *ssc.Session) {
			defer wg.Done()
			runPump(done, cl, sess)
		}(cl, sessions[id])
	}
	return func() {
		close(done)
		wg.Wait()
	}
}

// clusterTriple builds a 3-node DummyCluster network and a matching set of
// ssc.Session objects sharing adminPub as their administrator key.
func clusterTriple(t *testing.T, adminPub []byte, allNodes node.Set, stores map[node.NodeId]*keystorage.InMemory, master node.NodeId) (map[node.NodeId]*transport.DummyCluster, map[node.NodeId]*ssc.Session) {
	t.Helper()
	clusters := transport.NewDummyClusterNetwork(allNodes...)
	sessions := make(map[node.NodeId]*ssc.Session, len(allNodes))
	for _, id := range allNodes {
		meta := ssc.SessionMeta{Id: node.SessionId{1}, SelfNodeId: id, MasterNodeId: master, Threshold: 1}
		sess := ssc.NewSession(meta, clusters[id], stores[id], allNodes, adminPub, 1, ssc.DefaultConfig, metrics.NewNoop())
		if id != master {
			sess.InitializeAsSlave()
		}
		sessions[id] = sess
	}
	return clusters, sessions
}

func TestSessionCompletesFullRoundWithNoOpKey(t *testing.T) {
	a, b, c := nodeID(1), nodeID(2), nodeID(3)
	allNodes := node.NewSet(a, b, c)

	admin, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate admin key: %v", err)
	}
	adminPub := crypto.FromECDSAPub(&admin.PublicKey)
	sigOld, _ := share.Sign(admin, node.OrderedHash(allNodes))
	sigNew, _ := share.Sign(admin, node.OrderedHash(allNodes))

	storeA := keystorage.NewInMemory()
	storeB := keystorage.NewInMemory()
	storeC := keystorage.NewInMemory()
	keyA := node.KeyId{7}
	if err := storeA.Insert(keyA, share.DocumentKeyShare{
		Author:    a,
		Threshold: 2,
		IdNumbers: map[node.NodeId]secp256k1.Fn{a: secp256k1.RandomFn(), b: secp256k1.RandomFn(), c: secp256k1.RandomFn()},
	}); err != nil {
		t.Fatalf("seed storeA: %v", err)
	}
	stores := map[node.NodeId]*keystorage.InMemory{a: storeA, b: storeB, c: storeC}

	clusters, sessions := clusterTriple(t, adminPub, allNodes, stores, a)
	stop := startPumps(clusters, sessions)
	defer stop()

	if err := sessions[a].Initialize(allNodes, allNodes, sigOld, sigNew); err != nil {
		t.Fatalf("initialize master: %v", err)
	}

	for _, id := range []node.NodeId{a, b, c} {
		if err := sessions[id].Wait(); err != nil {
			t.Fatalf("node %s did not finish cleanly: %v", id, err)
		}
		if sessions[id].State() != ssc.Finished {
			t.Fatalf("expected node %s to reach Finished, got %v", id, sessions[id].State())
		}
	}
}

func TestSessionFailsWhenSlaveRejectsForgedSignature(t *testing.T) {
	a, b, c := nodeID(1), nodeID(2), nodeID(3)
	allNodes := node.NewSet(a, b, c)

	admin, _ := crypto.GenerateKey()
	adminPub := crypto.FromECDSAPub(&admin.PublicKey)
	imposter, _ := crypto.GenerateKey()
	sigOld, _ := share.Sign(imposter, node.OrderedHash(allNodes))
	sigNew, _ := share.Sign(imposter, node.OrderedHash(allNodes))

	stores := map[node.NodeId]*keystorage.InMemory{a: keystorage.NewInMemory(), b: keystorage.NewInMemory(), c: keystorage.NewInMemory()}
	clusters, sessions := clusterTriple(t, adminPub, allNodes, stores, a)
	stop := startPumps(clusters, sessions)
	defer stop()

	if err := sessions[a].Initialize(allNodes, allNodes, sigOld, sigNew); err != nil {
		t.Fatalf("initialize master: %v", err)
	}

	if err := sessions[a].Wait(); err == nil {
		t.Fatalf("expected the master to surface the slaves' rejection as a terminal error")
	} else if kind, ok := sscerr.KindOf(err); !ok || kind != sscerr.AccessDenied {
		t.Fatalf("expected AccessDenied, got %v", err)
	}
}

func TestSessionRejectsInitializeOnSlave(t *testing.T) {
	a, b := nodeID(1), nodeID(2)
	allNodes := node.NewSet(a, b)
	store := keystorage.NewInMemory()
	meta := ssc.SessionMeta{Id: node.SessionId{1}, SelfNodeId: b, MasterNodeId: a, Threshold: 1}
	sess := ssc.NewSession(meta, transport.NewDummyClusterNetwork(a, b)[b], store, allNodes, nil, 1, ssc.DefaultConfig, metrics.NewNoop())

	var zeroSig share.Signature
	err := sess.Initialize(allNodes, allNodes, zeroSig, zeroSig)
	if err == nil {
		t.Fatalf("expected Initialize to be rejected on a non-master session")
	}
	if kind, ok := sscerr.KindOf(err); !ok || kind != sscerr.InvalidStateForRequest {
		t.Fatalf("expected InvalidStateForRequest, got %v", err)
	}
}

func TestWireServersSetChangeShareMoveMessageCarriesKeyId(t *testing.T) {
	// Guards the message-routing assumption onShareMoveMessage relies on:
	// every sub-session message is tagged with the key_id it belongs to.
	msg := &wire.ServersSetChangeShareMoveMessage{
		Envelope: wire.Envelope{SessionId: node.SessionId{1}, Nonce: 1},
		KeyId:    node.KeyId{5},
		Variant:  wire.ShareMoveVariantConfirm,
	}
	if msg.KeyId != (node.KeyId{5}) {
		t.Fatalf("expected KeyId to round-trip through the struct literal")
	}
}
