// Command ssc-node runs one cluster member's servers-set-change engine: it
// listens for wire messages from its peers, drives an ssc.Session through
// to completion, and exits once the session is Finished.
package main

import (
	"crypto/ecdsa"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/vbaranov/parity/keystorage"
	"github.com/vbaranov/parity/metrics"
	"github.com/vbaranov/parity/node"
	"github.com/vbaranov/parity/share"
	"github.com/vbaranov/parity/ssc"
	"github.com/vbaranov/parity/transport"
)

func main() {
	var (
		listenAddr = flag.String("listen", ":6120", "address to accept peer connections on")
		keyFile    = flag.String("keyfile", "", "hex-encoded ECDSA private key file identifying this node")
		genKey     = flag.Bool("gen-key", false, "print a freshly generated hex private key and exit")
		peersFlag  = flag.String("peers", "", "comma-separated nodeid=addr pairs for every other cluster member")
		adminPub   = flag.String("admin-pub", "", "hex-encoded uncompressed administrator public key")
		master     = flag.Bool("master", false, "run as the servers-set-change master")
		oldSetFlag = flag.String("old-set", "", "comma-separated hex NodeIds making up OLD_SET (master only)")
		newSetFlag = flag.String("new-set", "", "comma-separated hex NodeIds making up NEW_SET (master only)")
		sigOldFlag = flag.String("sig-old", "", "hex-encoded administrator signature over OLD_SET's ordered hash (master only)")
		sigNewFlag = flag.String("sig-new", "", "hex-encoded administrator signature over NEW_SET's ordered hash (master only)")
		threshold  = flag.Uint("threshold", 0, "Shamir threshold for this cluster")
	)
	flag.Parse()

	if *genKey {
		priv, err := crypto.GenerateKey()
		if err != nil {
			log.Fatalf("generate key: %v", err)
		}
		fmt.Println(hex.EncodeToString(crypto.FromECDSA(priv)))
		return
	}

	priv := loadOrFail(*keyFile)
	self := nodeIdFromKey(priv)
	log.Printf("self node id: %s", hex.EncodeToString(self[:]))

	peerAddrs, allNodes := parsePeers(*peersFlag, self)
	adminPubBytes, err := hex.DecodeString(*adminPub)
	if err != nil {
		log.Fatalf("admin-pub: %v", err)
	}

	keyStorage := keystorage.NewInMemory()
	m := metrics.NewNoop()
	cluster := transport.NewNetCluster(self, peerAddrs, nil)
	if err := cluster.Listen(*listenAddr, resolveFromAddrs(peerAddrs)); err != nil {
		log.Fatalf("listen: %v", err)
	}

	meta := ssc.SessionMeta{
		Id:           newRandomSessionId(),
		SelfNodeId:   self,
		MasterNodeId: self,
		Threshold:    uint32(*threshold),
	}
	if !*master {
		meta.MasterNodeId = firstPeer(allNodes, self)
	}

	session := ssc.NewSession(meta, cluster, keyStorage, allNodes, adminPubBytes, 1, ssc.DefaultConfig, m)

	go dispatchLoop(cluster, session)

	if *master {
		oldSet := parseNodeSet(*oldSetFlag)
		newSet := parseNodeSet(*newSetFlag)
		sigOld := parseSignature(*sigOldFlag)
		sigNew := parseSignature(*sigNewFlag)
		if err := session.Initialize(oldSet, newSet, sigOld, sigNew); err != nil {
			log.Fatalf("initialize: %v", err)
		}
	} else {
		session.InitializeAsSlave()
	}

	if err := session.Wait(); err != nil {
		log.Fatalf("servers-set-change failed: %v", err)
	}
	log.Printf("servers-set-change completed")
}

// dispatchLoop feeds every message the cluster has taken delivery of into
// the session, retrying on sscerr.TooEarlyForRequest rather than dropping it
// (the one retryable error kind, per the session's own Process contract):
// such a message goes back to the end of the incoming queue.
func dispatchLoop(cluster *transport.NetCluster, session *ssc.Session) {
	for {
		from, msg, ok := cluster.TakeMessage()
		if !ok {
			continue
		}
		if err := session.Process(from, msg); err != nil {
			var sscErr *ssc.Error
			if asSscError(err, &sscErr) && sscErr.Retryable() {
				cluster.Deliver(from, msg)
				continue
			}
			log.Printf("process %T from %s: %v", msg, from, err)
		}
	}
}

func asSscError(err error, out **ssc.Error) bool {
	e, ok := err.(*ssc.Error)
	if ok {
		*out = e
	}
	return ok
}

func loadOrFail(path string) *ecdsa.PrivateKey {
	if path == "" {
		log.Fatalf("missing -keyfile (use -gen-key to create one)")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("read keyfile: %v", err)
	}
	priv, err := crypto.HexToECDSA(strings.TrimSpace(string(raw)))
	if err != nil {
		log.Fatalf("parse keyfile: %v", err)
	}
	return priv
}

func nodeIdFromKey(priv *ecdsa.PrivateKey) node.NodeId {
	compressed := crypto.CompressPubkey(&priv.PublicKey)
	var id node.NodeId
	copy(id[:], compressed)
	return id
}

func parsePeers(spec string, self node.NodeId) (map[node.NodeId]string, node.Set) {
	addrs := make(map[node.NodeId]string)
	ids := []node.NodeId{self}
	if spec == "" {
		return addrs, node.NewSet(ids...)
	}
	for _, pair := range strings.Split(spec, ",") {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			log.Fatalf("invalid -peers entry %q, want nodeid=addr", pair)
		}
		id := mustParseNodeId(parts[0])
		addrs[id] = parts[1]
		ids = append(ids, id)
	}
	return addrs, node.NewSet(ids...)
}

func resolveFromAddrs(addrs map[node.NodeId]string) func(net.Addr) node.NodeId {
	byAddr := make(map[string]node.NodeId, len(addrs))
	for id, addr := range addrs {
		byAddr[addr] = id
	}
	return func(remote net.Addr) node.NodeId {
		return byAddr[remote.String()]
	}
}

func firstPeer(all node.Set, self node.NodeId) node.NodeId {
	for _, id := range all {
		if id != self {
			return id
		}
	}
	return self
}

func parseNodeSet(spec string) node.Set {
	if spec == "" {
		return nil
	}
	var ids []node.NodeId
	for _, s := range strings.Split(spec, ",") {
		ids = append(ids, mustParseNodeId(s))
	}
	return node.NewSet(ids...)
}

func mustParseNodeId(s string) node.NodeId {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil || len(b) != len(node.NodeId{}) {
		log.Fatalf("invalid node id %q: must be %d hex-encoded bytes", s, len(node.NodeId{}))
	}
	var id node.NodeId
	copy(id[:], b)
	return id
}

func parseSignature(s string) share.Signature {
	var sig share.Signature
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil || len(b) != len(sig) {
		log.Fatalf("invalid signature %q: must be %d hex-encoded bytes", s, len(sig))
	}
	copy(sig[:], b)
	return sig
}

// newRandomSessionId derives a session id from a fresh key pair rather than
// math/rand or time, so two nodes started back-to-back never collide and no
// seeding is required.
func newRandomSessionId() node.SessionId {
	priv, err := crypto.GenerateKey()
	if err != nil {
		log.Fatalf("session id: %v", err)
	}
	digest := crypto.Keccak256(crypto.FromECDSA(priv))
	var id node.SessionId
	copy(id[:], digest)
	return id
}
