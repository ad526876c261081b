package sharechange

import (
	"sync"
	"time"

	"github.com/vbaranov/parity/keystorage"
	"github.com/vbaranov/parity/metrics"
	"github.com/vbaranov/parity/node"
	"github.com/vbaranov/parity/share"
	"github.com/vbaranov/parity/shareplan"
	"github.com/vbaranov/parity/sscerr"
	"github.com/vbaranov/parity/transport"
	"github.com/vbaranov/parity/wire"
)

// AddSession installs a freshly split share on a set of brand-new holders —
// nodes present in NEW but absent from OLD, left over once shareplan.Plan
// has paired off as many moves as it could. Computing the new share's
// polynomial content is outside this session's concerns (see share.Sign/
// share.ComputeJointSecret and their "external collaborator" framing); the
// session only carries whatever DocumentKeyShare the master hands it to the
// node(s) in Adds.
type AddSession struct {
	core *moveCore

	mu   sync.Mutex
	cond *sync.Cond
	data addData
}

type addData struct {
	state State

	oldSet node.Set
	newSet node.Set

	nodesToAdd             node.Set
	confirmationsRemaining int
	confirmedFrom          map[node.NodeId]bool

	err *sscerr.Error
}

// NewAddSession builds a share-add sub-session for keyId.
func NewAddSession(meta Meta, cluster transport.Cluster, keyStorage keystorage.KeyStorage, nonce uint64, m *metrics.Client) *AddSession {
	s := &AddSession{
		core: &moveCore{meta: meta, cluster: cluster, keyStorage: keyStorage, metrics: m, nonce: nonce},
		data: addData{state: ConsensusEstablishing, confirmedFrom: make(map[node.NodeId]bool)},
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// SetConsensusOutput records OLD/NEW for this sub-session.
func (s *AddSession) SetConsensusOutput(oldSet, newSet node.Set) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.oldSet, s.data.newSet = oldSet, newSet
}

// Initialize computes the plan's Adds set and, on the master, builds and
// sends each new holder its DocumentKeyShare fragment. newShareFor is
// called once per node being added — it is the caller's hook into the
// actual Shamir-share-splitting math (an external collaborator), keeping
// this session's own logic free of cryptographic detail.
func (s *AddSession) Initialize(newShareFor func(target node.NodeId) (share.DocumentKeyShare, error)) error {
	start := time.Now()
	defer metrics.Since(s.core.metrics, "add.initialize", start)
	s.mu.Lock()
	if !s.core.meta.isMaster() {
		s.mu.Unlock()
		return sscerr.New(sscerr.InvalidStateForRequest, nil)
	}
	if s.data.state != ConsensusEstablishing {
		s.mu.Unlock()
		return sscerr.New(sscerr.InvalidStateForRequest, nil)
	}
	plan, err := shareplan.Plan(s.data.oldSet, s.data.newSet)
	if err != nil {
		s.mu.Unlock()
		return sscerr.New(sscerr.InvalidMessage, err)
	}
	if len(plan.Adds) == 0 {
		s.mu.Unlock()
		return sscerr.New(sscerr.InvalidMessage, nil)
	}
	s.data.nodesToAdd = plan.Adds
	s.data.confirmationsRemaining = len(plan.Adds)
	s.data.state = WaitingForMoveConfirmation
	s.mu.Unlock()

	req := &wire.ServersSetChangeShareMoveMessage{
		Envelope: wire.Envelope{SessionId: s.core.meta.SessionId, Nonce: s.core.nonce},
		KeyId:    s.core.meta.KeyId,
		Variant:  wire.ShareMoveVariantRequest,
		Request:  wire.ShareMoveRequest{SharesToMove: addMapToSelf(plan.Adds)},
	}
	if err := s.core.cluster.Broadcast(req); err != nil {
		logger.Warningf("key %s: broadcast share-add request failed: %v", s.core.meta.KeyId, err)
	}

	for _, target := range plan.Adds {
		keyShare, err := newShareFor(target)
		if err != nil {
			return sscerr.New(sscerr.InvalidMessage, err)
		}
		msg := &wire.ServersSetChangeShareMoveMessage{
			Envelope: wire.Envelope{SessionId: s.core.meta.SessionId, Nonce: s.core.nonce},
			KeyId:    s.core.meta.KeyId,
			Variant:  wire.ShareMoveVariantMove,
			Move:     wire.ShareMove{Share: keyShare},
		}
		if target == s.core.meta.SelfNodeId {
			if err := s.install(keyShare); err != nil {
				return err
			}
			continue
		}
		if err := s.core.cluster.Send(target, msg); err != nil {
			return sscerr.New(sscerr.NodeOffline, err)
		}
	}
	return nil
}

// addMapToSelf encodes an Adds set as a SharesToMove-shaped map with every
// added node mapping to itself, the same reuse of the ShareMoveRequest wire
// shape RemoveSession's removalMapToSelf uses for its own announcement.
func addMapToSelf(adds node.Set) map[node.NodeId]node.NodeId {
	m := make(map[node.NodeId]node.NodeId, len(adds))
	for _, id := range adds {
		m[id] = id
	}
	return m
}

// OnShareAddRequest handles any participant receiving the master's Adds
// announcement before any share content arrives: it is what moves a
// passively-built sub-session out of ConsensusEstablishing, so that the
// eventual OnShareAdd/OnConfirmation calls it receives have a
// confirmationsRemaining to count against. A node not among nodesToAdd
// still needs this transition to answer the confirm broadcast every add
// target's install triggers.
func (s *AddSession) OnShareAddRequest(nodesToAdd node.Set) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.state != ConsensusEstablishing {
		return sscerr.New(sscerr.InvalidStateForRequest, nil)
	}
	s.data.nodesToAdd = nodesToAdd
	s.data.confirmationsRemaining = len(nodesToAdd)
	s.data.state = WaitingForMoveConfirmation
	return nil
}

// OnShareAdd handles the target node receiving its freshly split share.
func (s *AddSession) OnShareAdd(keyShare share.DocumentKeyShare) error {
	return s.install(keyShare)
}

func (s *AddSession) install(keyShare share.DocumentKeyShare) error {
	if err := s.core.keyStorage.Insert(s.core.meta.KeyId, keyShare); err != nil {
		return sscerr.New(sscerr.KeyStorage, err)
	}
	confirm := &wire.ServersSetChangeShareMoveMessage{
		Envelope: wire.Envelope{SessionId: s.core.meta.SessionId, Nonce: s.core.nonce},
		KeyId:    s.core.meta.KeyId,
		Variant:  wire.ShareMoveVariantConfirm,
	}
	if err := s.core.cluster.Broadcast(confirm); err != nil {
		logger.Warningf("key %s: broadcast share-add confirm failed: %v", s.core.meta.KeyId, err)
	}
	return s.OnConfirmation(s.core.meta.SelfNodeId)
}

// OnConfirmation handles any node's ShareMoveConfirm broadcast for this add.
func (s *AddSession) OnConfirmation(from node.NodeId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.state != WaitingForMoveConfirmation {
		return sscerr.New(sscerr.InvalidStateForRequest, nil)
	}
	if s.data.confirmedFrom[from] {
		return sscerr.New(sscerr.ReplayProtection, nil)
	}
	s.data.confirmedFrom[from] = true
	if len(s.data.confirmedFrom) >= s.data.confirmationsRemaining {
		s.data.state = Finished
		s.core.metrics.Inc("add.completed", 1)
		s.cond.Broadcast()
	}
	return nil
}

// Wait blocks until the sub-session reaches Finished, returning its error.
func (s *AddSession) Wait() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.data.state != Finished {
		s.cond.Wait()
	}
	if s.data.err != nil {
		return s.data.err
	}
	return nil
}

// State returns the sub-session's current state.
func (s *AddSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.state
}
