package sharechange

import (
	"sync"
	"time"

	"github.com/vbaranov/parity/keystorage"
	"github.com/vbaranov/parity/metrics"
	"github.com/vbaranov/parity/node"
	"github.com/vbaranov/parity/shareplan"
	"github.com/vbaranov/parity/sscerr"
	"github.com/vbaranov/parity/transport"
	"github.com/vbaranov/parity/wire"
)

// RemoveSession drops a key's share on nodes present in OLD but absent from
// NEW, left over once shareplan.Plan has paired off as many moves as it
// could. Every remaining holder also rewrites its own id_numbers to drop
// the removed node, since a removed holder's coordinate is no longer part
// of the live polynomial.
type RemoveSession struct {
	core *moveCore

	mu   sync.Mutex
	cond *sync.Cond
	data removeData
}

type removeData struct {
	state State

	oldSet node.Set
	newSet node.Set

	nodesToRemove          node.Set
	confirmationsRemaining int
	confirmedFrom          map[node.NodeId]bool

	err *sscerr.Error
}

// NewRemoveSession builds a share-remove sub-session for keyId.
func NewRemoveSession(meta Meta, cluster transport.Cluster, keyStorage keystorage.KeyStorage, nonce uint64, m *metrics.Client) *RemoveSession {
	s := &RemoveSession{
		core: &moveCore{meta: meta, cluster: cluster, keyStorage: keyStorage, metrics: m, nonce: nonce},
		data: removeData{state: ConsensusEstablishing, confirmedFrom: make(map[node.NodeId]bool)},
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// SetConsensusOutput records OLD/NEW for this sub-session.
func (s *RemoveSession) SetConsensusOutput(oldSet, newSet node.Set) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.oldSet, s.data.newSet = oldSet, newSet
}

// Initialize computes the plan's Removes set and broadcasts a
// ServersSetChangeShareRemoveMessage naming them; every surviving holder
// (including the master, if it survives) rewrites its local id_numbers and
// confirms, and every removed node drops its own share and confirms.
func (s *RemoveSession) Initialize() error {
	start := time.Now()
	defer metrics.Since(s.core.metrics, "remove.initialize", start)
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
	if len(plan.Removes) == 0 {
		s.mu.Unlock()
		return sscerr.New(sscerr.InvalidMessage, nil)
	}
	s.data.nodesToRemove = plan.Removes
	s.data.confirmationsRemaining = len(s.data.oldSet.Without(plan.Removes)) + len(plan.Removes)
	s.data.state = WaitingForMoveConfirmation
	s.mu.Unlock()

	req := &wire.ServersSetChangeShareMoveMessage{
		Envelope: wire.Envelope{SessionId: s.core.meta.SessionId, Nonce: s.core.nonce},
		KeyId:    s.core.meta.KeyId,
		Variant:  wire.ShareMoveVariantRequest,
		Request:  wire.ShareMoveRequest{SharesToMove: removalMapToSelf(plan.Removes)},
	}
	if err := s.core.cluster.Broadcast(req); err != nil {
		logger.Warningf("key %s: broadcast share-remove request failed: %v", s.core.meta.KeyId, err)
	}
	return s.OnShareRemoveRequest(plan.Removes)
}

// removalMapToSelf encodes a Removes set as a SharesToMove-shaped map with
// every removed node mapping to itself, reusing the ShareMoveRequest wire
// shape rather than introducing a distinct message type for what is, on the
// wire, the same "which nodes are affected" announcement.
func removalMapToSelf(removes node.Set) map[node.NodeId]node.NodeId {
	m := make(map[node.NodeId]node.NodeId, len(removes))
	for _, id := range removes {
		m[id] = id
	}
	return m
}

// OnShareRemoveRequest handles any participant receiving the master's
// removal announcement: a removed node drops its share, a surviving node
// rewrites its id_numbers to drop the removed peers.
func (s *RemoveSession) OnShareRemoveRequest(nodesToRemove node.Set) error {
	s.mu.Lock()
	if s.data.state != ConsensusEstablishing && s.data.state != WaitingForMoveConfirmation {
		s.mu.Unlock()
		return sscerr.New(sscerr.InvalidStateForRequest, nil)
	}
	s.data.nodesToRemove = nodesToRemove
	s.data.state = WaitingForMoveConfirmation
	s.mu.Unlock()

	if nodesToRemove.Contains(s.core.meta.SelfNodeId) {
		if err := s.core.keyStorage.Remove(s.core.meta.KeyId); err != nil {
			return sscerr.New(sscerr.KeyStorage, err)
		}
	} else {
		keyShare, err := s.core.keyStorage.Get(s.core.meta.KeyId)
		if err != nil {
			return sscerr.New(sscerr.KeyStorage, err)
		}
		rewritten := keyShare.Clone()
		for _, removed := range nodesToRemove {
			delete(rewritten.IdNumbers, removed)
		}
		if err := s.core.keyStorage.Update(s.core.meta.KeyId, rewritten); err != nil {
			return sscerr.New(sscerr.KeyStorage, err)
		}
	}

	confirm := &wire.ServersSetChangeShareMoveMessage{
		Envelope: wire.Envelope{SessionId: s.core.meta.SessionId, Nonce: s.core.nonce},
		KeyId:    s.core.meta.KeyId,
		Variant:  wire.ShareMoveVariantConfirm,
	}
	if err := s.core.cluster.Broadcast(confirm); err != nil {
		logger.Warningf("key %s: broadcast share-remove confirm failed: %v", s.core.meta.KeyId, err)
	}
	return s.OnConfirmation(s.core.meta.SelfNodeId)
}

// OnConfirmation handles any node's ShareMoveConfirm broadcast for this removal.
func (s *RemoveSession) OnConfirmation(from node.NodeId) error {
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
		s.core.metrics.Inc("remove.completed", 1)
		s.cond.Broadcast()
	}
	return nil
}

// Wait blocks until the sub-session reaches Finished, returning its error.
func (s *RemoveSession) Wait() error {
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
func (s *RemoveSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.state
}
