package ssc_test

import (
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/renproject/secp256k1"

	"github.com/vbaranov/parity/keystorage"
	"github.com/vbaranov/parity/metrics"
	"github.com/vbaranov/parity/node"
	"github.com/vbaranov/parity/share"
	"github.com/vbaranov/parity/ssc"
	"github.com/vbaranov/parity/sscerr"
	"github.com/vbaranov/parity/transport"
)

func adminKeyAndSigs(t *testing.T, oldSet, newSet node.Set) (adminPub []byte, sigOld, sigNew share.Signature) {
	t.Helper()
	admin, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate admin key: %v", err)
	}
	adminPub = crypto.FromECDSAPub(&admin.PublicKey)
	sigOld, err = share.Sign(admin, node.OrderedHash(oldSet))
	if err != nil {
		t.Fatalf("sign old set: %v", err)
	}
	sigNew, err = share.Sign(admin, node.OrderedHash(newSet))
	if err != nil {
		t.Fatalf("sign new set: %v", err)
	}
	return adminPub, sigOld, sigNew
}

func waitAll(t *testing.T, sessions map[node.NodeId]*ssc.Session) {
	t.Helper()
	for id, sess := range sessions {
		if err := sess.Wait(); err != nil {
			t.Fatalf("node %s did not finish cleanly: %v", id, err)
		}
		if sess.State() != ssc.Finished {
			t.Fatalf("expected node %s to reach Finished, got %v", id, sess.State())
		}
	}
}

// TestE2EAddOneNode covers a new node joining the cluster and receiving a
// key it never held: the admin-session master holds the key itself (Known),
// drives the AddSession locally, and every other OLD/NEW participant mirrors
// it well enough to answer the new holder's confirm broadcast.
func TestE2EAddOneNode(t *testing.T) {
	a, b, c, d := nodeID(1), nodeID(2), nodeID(3), nodeID(4)
	oldCluster := node.NewSet(a, b, c)
	newCluster := node.NewSet(a, b, c, d)
	allNodes := newCluster

	adminPub, sigOld, sigNew := adminKeyAndSigs(t, oldCluster, newCluster)

	keyA := node.KeyId{7}
	storeA := keystorage.NewInMemory()
	if err := storeA.Insert(keyA, share.DocumentKeyShare{
		Author:    a,
		Threshold: 2,
		IdNumbers: map[node.NodeId]secp256k1.Fn{a: secp256k1.RandomFn(), b: secp256k1.RandomFn(), c: secp256k1.RandomFn()},
	}); err != nil {
		t.Fatalf("seed storeA: %v", err)
	}
	stores := map[node.NodeId]*keystorage.InMemory{
		a: storeA, b: keystorage.NewInMemory(), c: keystorage.NewInMemory(), d: keystorage.NewInMemory(),
	}

	clusters, sessions := clusterTriple(t, adminPub, allNodes, stores, a)
	stop := startPumps(clusters, sessions)
	defer stop()

	if err := sessions[a].Initialize(oldCluster, newCluster, sigOld, sigNew); err != nil {
		t.Fatalf("initialize master: %v", err)
	}
	waitAll(t, sessions)

	moved, err := stores[d].Get(keyA)
	if err != nil {
		t.Fatalf("expected the new node to receive the key: %v", err)
	}
	if _, ok := moved.IdNumbers[d]; !ok {
		t.Fatalf("expected the installed share to carry the new holder's own id_numbers entry")
	}
}

// TestE2EAddWithMasterAsDelegatingParticipant covers the admin-session
// master being a brand-new holder of a key it had never heard of: the key
// is Unknown to the master, so the driver is the smallest reporting OLD
// holder rather than the master itself, and the master must build its own
// local mirror (rather than nothing at all) to receive its share.
func TestE2EAddWithMasterAsDelegatingParticipant(t *testing.T) {
	a, b, c := nodeID(1), nodeID(2), nodeID(3)
	allNodes := node.NewSet(a, b, c)

	adminPub, sigOld, sigNew := adminKeyAndSigs(t, allNodes, allNodes)

	keyX := node.KeyId{9}
	storeB := keystorage.NewInMemory()
	storeC := keystorage.NewInMemory()
	sh := share.DocumentKeyShare{
		Author:    b,
		Threshold: 1,
		IdNumbers: map[node.NodeId]secp256k1.Fn{b: secp256k1.RandomFn(), c: secp256k1.RandomFn()},
	}
	if err := storeB.Insert(keyX, sh); err != nil {
		t.Fatalf("seed storeB: %v", err)
	}
	if err := storeC.Insert(keyX, sh); err != nil {
		t.Fatalf("seed storeC: %v", err)
	}
	stores := map[node.NodeId]*keystorage.InMemory{a: keystorage.NewInMemory(), b: storeB, c: storeC}

	clusters, sessions := clusterTriple(t, adminPub, allNodes, stores, a)
	stop := startPumps(clusters, sessions)
	defer stop()

	if err := sessions[a].Initialize(allNodes, allNodes, sigOld, sigNew); err != nil {
		t.Fatalf("initialize master: %v", err)
	}
	waitAll(t, sessions)

	if _, err := stores[a].Get(keyX); err != nil {
		t.Fatalf("expected the delegating master to install its own share: %v", err)
	}
}

// TestE2EMoveSwapsHolder covers a direct source-to-destination relocation:
// one OLD holder leaves the cluster and one NEW node takes its place, so
// shareplan.Plan pairs them into a single Move rather than an Add+Remove.
func TestE2EMoveSwapsHolder(t *testing.T) {
	a, b, c, d := nodeID(1), nodeID(2), nodeID(3), nodeID(4)
	oldCluster := node.NewSet(a, b, c)
	newCluster := node.NewSet(a, b, d)
	allNodes := node.NewSet(a, b, c, d)

	adminPub, sigOld, sigNew := adminKeyAndSigs(t, oldCluster, newCluster)

	keyA := node.KeyId{11}
	original := share.DocumentKeyShare{
		Author:    a,
		Threshold: 2,
		IdNumbers: map[node.NodeId]secp256k1.Fn{a: secp256k1.RandomFn(), b: secp256k1.RandomFn(), c: secp256k1.RandomFn()},
	}
	storeA, storeB, storeC := keystorage.NewInMemory(), keystorage.NewInMemory(), keystorage.NewInMemory()
	for _, st := range []*keystorage.InMemory{storeA, storeB, storeC} {
		if err := st.Insert(keyA, original); err != nil {
			t.Fatalf("seed store: %v", err)
		}
	}
	stores := map[node.NodeId]*keystorage.InMemory{a: storeA, b: storeB, c: storeC, d: keystorage.NewInMemory()}

	clusters, sessions := clusterTriple(t, adminPub, allNodes, stores, a)
	stop := startPumps(clusters, sessions)
	defer stop()

	if err := sessions[a].Initialize(oldCluster, newCluster, sigOld, sigNew); err != nil {
		t.Fatalf("initialize master: %v", err)
	}
	waitAll(t, sessions)

	if _, err := stores[c].Get(keyA); err == nil {
		t.Fatalf("expected the replaced holder's local share to be removed")
	}
	moved, err := stores[d].Get(keyA)
	if err != nil {
		t.Fatalf("expected the new holder to receive the moved share: %v", err)
	}
	if _, stillSource := moved.IdNumbers[c]; stillSource {
		t.Fatalf("expected the source's id_numbers entry to be rewritten away")
	}
	if _, isDest := moved.IdNumbers[d]; !isDest {
		t.Fatalf("expected the destination's own id_numbers entry to be installed")
	}
}

// TestE2ERemoveOnlyDropsHolder covers a node leaving the cluster with no
// replacement: shareplan.Plan has nothing to pair it against, so it is a
// pure Remove.
func TestE2ERemoveOnlyDropsHolder(t *testing.T) {
	a, b, c := nodeID(1), nodeID(2), nodeID(3)
	oldCluster := node.NewSet(a, b, c)
	newCluster := node.NewSet(a, b)
	allNodes := oldCluster

	adminPub, sigOld, sigNew := adminKeyAndSigs(t, oldCluster, newCluster)

	keyA := node.KeyId{13}
	original := share.DocumentKeyShare{
		Author:    a,
		Threshold: 1,
		IdNumbers: map[node.NodeId]secp256k1.Fn{a: secp256k1.RandomFn(), b: secp256k1.RandomFn(), c: secp256k1.RandomFn()},
	}
	storeA, storeB, storeC := keystorage.NewInMemory(), keystorage.NewInMemory(), keystorage.NewInMemory()
	for _, st := range []*keystorage.InMemory{storeA, storeB, storeC} {
		if err := st.Insert(keyA, original); err != nil {
			t.Fatalf("seed store: %v", err)
		}
	}
	stores := map[node.NodeId]*keystorage.InMemory{a: storeA, b: storeB, c: storeC}

	clusters, sessions := clusterTriple(t, adminPub, allNodes, stores, a)
	stop := startPumps(clusters, sessions)
	defer stop()

	if err := sessions[a].Initialize(oldCluster, newCluster, sigOld, sigNew); err != nil {
		t.Fatalf("initialize master: %v", err)
	}
	waitAll(t, sessions)

	if _, err := stores[c].Get(keyA); err == nil {
		t.Fatalf("expected the removed holder's local share to be dropped")
	}
	if _, err := stores[a].Get(keyA); err != nil {
		t.Fatalf("expected an untouched holder to keep its share: %v", err)
	}
	if _, err := stores[b].Get(keyA); err != nil {
		t.Fatalf("expected an untouched holder to keep its share: %v", err)
	}
}

// TestE2EMissingAdminSignatureDeniesAccess covers a proposal carrying no
// administrator signature at all (the zero Signature), as distinct from one
// carrying a signature from the wrong key — both must be rejected by
// AccessJob.CheckAccess, but this exercises the "absent" rather than
// "forged" input class.
func TestE2EMissingAdminSignatureDeniesAccess(t *testing.T) {
	a, b, c := nodeID(1), nodeID(2), nodeID(3)
	allNodes := node.NewSet(a, b, c)

	admin, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate admin key: %v", err)
	}
	adminPub := crypto.FromECDSAPub(&admin.PublicKey)
	var zeroSig share.Signature

	stores := map[node.NodeId]*keystorage.InMemory{a: keystorage.NewInMemory(), b: keystorage.NewInMemory(), c: keystorage.NewInMemory()}
	clusters, sessions := clusterTriple(t, adminPub, allNodes, stores, a)
	stop := startPumps(clusters, sessions)
	defer stop()

	if err := sessions[a].Initialize(allNodes, allNodes, zeroSig, zeroSig); err != nil {
		t.Fatalf("initialize master: %v", err)
	}

	if err := sessions[a].Wait(); err == nil {
		t.Fatalf("expected the missing signature to be rejected")
	} else if kind, ok := sscerr.KindOf(err); !ok || kind != sscerr.AccessDenied {
		t.Fatalf("expected AccessDenied, got %v", err)
	}
}

// maxGaugeSink is a recording metrics.Sink that tracks the highest value
// ever reported for one stat, letting a test observe a gauge's peak instead
// of just its final value.
type maxGaugeSink struct {
	mu   sync.Mutex
	stat string
	max  int64
}

func (s *maxGaugeSink) Inc(stat string, value int64, rate float32) error { return nil }

func (s *maxGaugeSink) Gauge(stat string, value int64, rate float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stat == s.stat && value > s.max {
		s.max = value
	}
	return nil
}

func (s *maxGaugeSink) Timing(stat string, delta int64, rate float32) error { return nil }

func (s *maxGaugeSink) observedMax() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.max
}

// TestE2EBoundedConcurrencyAcrossManyKeys covers spec'd scheduling at
// scale: the master holds far more keys than Config.MaxActiveSessions
// allows to run concurrently, and scheduleNext must never let the in-flight
// count exceed that bound while still draining every key to completion.
func TestE2EBoundedConcurrencyAcrossManyKeys(t *testing.T) {
	const numKeys = 200

	a, b, c := nodeID(1), nodeID(2), nodeID(3)
	oldCluster := node.NewSet(a)
	newCluster := node.NewSet(a, b, c)
	allNodes := newCluster

	adminPub, sigOld, sigNew := adminKeyAndSigs(t, oldCluster, newCluster)

	storeA := keystorage.NewInMemory()
	keyIds := make([]node.KeyId, numKeys)
	for i := 0; i < numKeys; i++ {
		var kid node.KeyId
		kid[0], kid[1] = byte(i), byte(i>>8)
		keyIds[i] = kid
		if err := storeA.Insert(kid, share.DocumentKeyShare{
			Author:    a,
			Threshold: 1,
			IdNumbers: map[node.NodeId]secp256k1.Fn{a: secp256k1.RandomFn()},
		}); err != nil {
			t.Fatalf("seed storeA key %d: %v", i, err)
		}
	}
	stores := map[node.NodeId]*keystorage.InMemory{a: storeA, b: keystorage.NewInMemory(), c: keystorage.NewInMemory()}

	clusters := transport.NewDummyClusterNetwork(allNodes...)
	sink := &maxGaugeSink{stat: "ssc.sessions.active"}
	masterMetrics := metrics.NewClient(sink, "ssc")

	sessions := make(map[node.NodeId]*ssc.Session, len(allNodes))
	for _, id := range allNodes {
		meta := ssc.SessionMeta{Id: node.SessionId{2}, SelfNodeId: id, MasterNodeId: a, Threshold: 1}
		m := masterMetrics
		if id != a {
			m = metrics.NewNoop()
		}
		sess := ssc.NewSession(meta, clusters[id], stores[id], allNodes, adminPub, 1, ssc.DefaultConfig, m)
		if id != a {
			sess.InitializeAsSlave()
		}
		sessions[id] = sess
	}

	stop := startPumps(clusters, sessions)
	defer stop()

	if err := sessions[a].Initialize(oldCluster, newCluster, sigOld, sigNew); err != nil {
		t.Fatalf("initialize master: %v", err)
	}
	waitAll(t, sessions)

	for _, kid := range keyIds {
		if _, err := stores[b].Get(kid); err != nil {
			t.Fatalf("expected node b to hold every added key, missing %v: %v", kid, err)
		}
		if _, err := stores[c].Get(kid); err != nil {
			t.Fatalf("expected node c to hold every added key, missing %v: %v", kid, err)
		}
	}

	if observed := sink.observedMax(); observed > int64(ssc.DefaultConfig.MaxActiveSessions) {
		t.Fatalf("scheduler exceeded its concurrency bound: observed %d active, limit %d", observed, ssc.DefaultConfig.MaxActiveSessions)
	}
}
