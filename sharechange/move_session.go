// Package sharechange implements the three per-key share-change
// sub-sessions a servers-set-change schedules: MoveSession (an old holder
// hands its share directly to a new node), AddSession (a new node receives
// a freshly split share with no corresponding removal) and RemoveSession
// (an old holder's share is simply discarded). All three share the same
// consensus-then-execute-then-confirm shape; only the payload each message
// carries differs.
package sharechange

import (
	"sync"
	"time"

	logging "github.com/op/go-logging"

	"github.com/vbaranov/parity/keystorage"
	"github.com/vbaranov/parity/metrics"
	"github.com/vbaranov/parity/node"
	"github.com/vbaranov/parity/share"
	"github.com/vbaranov/parity/shareplan"
	"github.com/vbaranov/parity/sscerr"
	"github.com/vbaranov/parity/transport"
	"github.com/vbaranov/parity/wire"
)

var logger = logging.MustGetLogger("sharechange")

// State is one of the states a MoveSession moves through.
type State int

const (
	ConsensusEstablishing State = iota
	WaitingForMoveConfirmation
	Finished
)

func (s State) String() string {
	switch s {
	case ConsensusEstablishing:
		return "ConsensusEstablishing"
	case WaitingForMoveConfirmation:
		return "WaitingForMoveConfirmation"
	case Finished:
		return "Finished"
	default:
		return "Unknown"
	}
}

// Meta carries the identity fields common to every share-change sub-session.
type Meta struct {
	KeyId        node.KeyId
	SessionId    node.SessionId
	SelfNodeId   node.NodeId
	MasterNodeId node.NodeId
}

func (m Meta) isMaster() bool { return m.SelfNodeId == m.MasterNodeId }

// moveCore holds MoveSession's immutable fields — never touched after
// construction, so it is safe to read from any goroutine without locking.
type moveCore struct {
	meta       Meta
	cluster    transport.Cluster
	keyStorage keystorage.KeyStorage
	metrics    *metrics.Client
	nonce      uint64
}

// moveData holds MoveSession's mutable fields, guarded by MoveSession.mu.
type moveData struct {
	state State

	oldSet node.Set
	newSet node.Set

	sharesToMove map[node.NodeId]node.NodeId // source -> destination
	confirmationsRemaining int
	confirmedFrom          map[node.NodeId]bool

	err *sscerr.Error
}

// MoveSession drives the relocation of one key's share from a set of old
// holders directly to a set of new nodes. It is built once OLD/NEW is known
// for this key — handed down from the parent ssc.Session's already-
// established consensus via SetConsensusOutput. It has no access round of
// its own and never checks administrator signatures.
type MoveSession struct {
	core *moveCore

	mu   sync.Mutex
	cond *sync.Cond
	data moveData
}

// NewMoveSession builds a share-move sub-session for keyId.
func NewMoveSession(meta Meta, cluster transport.Cluster, keyStorage keystorage.KeyStorage, nonce uint64, m *metrics.Client) *MoveSession {
	s := &MoveSession{
		core: &moveCore{meta: meta, cluster: cluster, keyStorage: keyStorage, metrics: m, nonce: nonce},
		data: moveData{state: ConsensusEstablishing, confirmedFrom: make(map[node.NodeId]bool)},
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// SetConsensusOutput records the OLD/NEW sets this sub-session will plan
// against, as established by the parent SSC session's own consensus round.
// This is the only path: a per-key sub-session does not run consensus on
// its own.
func (s *MoveSession) SetConsensusOutput(oldSet, newSet node.Set) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.oldSet, s.data.newSet = oldSet, newSet
}

// Initialize is called on the master once consensus output is set: it
// computes the share plan, validates it, and disseminates
// ServersSetChangeShareMoveMessage/Request to every node holding an OLD or
// NEW stake in this key, then moves this node's own share if it is a
// source.
func (s *MoveSession) Initialize() error {
	start := time.Now()
	defer metrics.Since(s.core.metrics, "move.initialize", start)
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
	existing, getErr := s.core.keyStorage.Get(s.core.meta.KeyId)
	var idNumbers map[node.NodeId]share.Scalar
	if getErr == nil {
		idNumbers = existing.IdNumbers
	}
	if err := checkSharesToMove(plan.Moves, s.core.meta.SelfNodeId, idNumbers); err != nil {
		s.mu.Unlock()
		return err
	}
	s.data.sharesToMove = plan.Moves
	s.data.confirmationsRemaining = len(plan.Moves)
	s.data.state = WaitingForMoveConfirmation
	s.mu.Unlock()

	req := &wire.ServersSetChangeShareMoveMessage{
		Envelope: wire.Envelope{SessionId: s.core.meta.SessionId, Nonce: s.core.nonce},
		KeyId:    s.core.meta.KeyId,
		Variant:  wire.ShareMoveVariantRequest,
		Request:  wire.ShareMoveRequest{SharesToMove: plan.Moves},
	}
	if err := s.core.cluster.Broadcast(req); err != nil {
		logger.Warningf("key %s: broadcast share-move request failed: %v", s.core.meta.KeyId, err)
	}
	return s.moveOwnShareIfSource(plan.Moves)
}

// OnShareMoveRequest handles any participant receiving the master's
// ServersSetChangeShareMoveMessage carrying the plan; it validates the plan
// and, if this node is a source in it, performs its own move.
func (s *MoveSession) OnShareMoveRequest(sharesToMove map[node.NodeId]node.NodeId) error {
	s.mu.Lock()
	if s.data.state != ConsensusEstablishing {
		s.mu.Unlock()
		return sscerr.New(sscerr.InvalidStateForRequest, nil)
	}
	existing, getErr := s.core.keyStorage.Get(s.core.meta.KeyId)
	var idNumbers map[node.NodeId]share.Scalar
	if getErr == nil {
		idNumbers = existing.IdNumbers
	}
	if err := checkSharesToMove(sharesToMove, s.core.meta.SelfNodeId, idNumbers); err != nil {
		s.mu.Unlock()
		return err
	}
	s.data.sharesToMove = sharesToMove
	s.data.confirmationsRemaining = len(sharesToMove)
	s.data.state = WaitingForMoveConfirmation
	s.mu.Unlock()
	return s.moveOwnShareIfSource(sharesToMove)
}

// moveOwnShareIfSource sends this node's share directly to its destination
// if this node is a source in sharesToMove, removing the local copy once
// sent.
func (s *MoveSession) moveOwnShareIfSource(sharesToMove map[node.NodeId]node.NodeId) error {
	dest, isSource := sharesToMove[s.core.meta.SelfNodeId]
	if !isSource {
		return nil
	}
	keyShare, err := s.core.keyStorage.Get(s.core.meta.KeyId)
	if err != nil {
		return sscerr.New(sscerr.KeyStorage, err)
	}
	msg := &wire.ServersSetChangeShareMoveMessage{
		Envelope: wire.Envelope{SessionId: s.core.meta.SessionId, Nonce: s.core.nonce},
		KeyId:    s.core.meta.KeyId,
		Variant:  wire.ShareMoveVariantMove,
		Move:     wire.ShareMove{Share: keyShare},
	}
	if err := s.core.cluster.Send(dest, msg); err != nil {
		return sscerr.New(sscerr.NodeOffline, err)
	}
	if err := s.core.keyStorage.Remove(s.core.meta.KeyId); err != nil {
		return sscerr.New(sscerr.KeyStorage, err)
	}
	return s.broadcastConfirmation()
}

// OnShareMove handles a destination node receiving the actual share
// content from a source: it rewrites id_numbers to replace the source with
// itself, installs the share, and confirms.
func (s *MoveSession) OnShareMove(from node.NodeId, incoming share.DocumentKeyShare) error {
	s.mu.Lock()
	if s.data.state != WaitingForMoveConfirmation {
		s.mu.Unlock()
		return sscerr.New(sscerr.InvalidStateForRequest, nil)
	}
	s.mu.Unlock()

	rewritten := incoming.Clone()
	if scalar, ok := rewritten.IdNumbers[from]; ok {
		delete(rewritten.IdNumbers, from)
		rewritten.IdNumbers[s.core.meta.SelfNodeId] = scalar
	}
	if err := s.core.keyStorage.Insert(s.core.meta.KeyId, rewritten); err != nil {
		return sscerr.New(sscerr.KeyStorage, err)
	}
	return s.broadcastConfirmation()
}

func (s *MoveSession) broadcastConfirmation() error {
	confirm := &wire.ServersSetChangeShareMoveMessage{
		Envelope: wire.Envelope{SessionId: s.core.meta.SessionId, Nonce: s.core.nonce},
		KeyId:    s.core.meta.KeyId,
		Variant:  wire.ShareMoveVariantConfirm,
	}
	if err := s.core.cluster.Broadcast(confirm); err != nil {
		logger.Warningf("key %s: broadcast share-move confirm failed: %v", s.core.meta.KeyId, err)
	}
	return s.OnShareMoveConfirmation(s.core.meta.SelfNodeId)
}

// OnShareMoveConfirmation handles any node's ShareMoveConfirm broadcast;
// once every expected confirmation has arrived the sub-session completes.
func (s *MoveSession) OnShareMoveConfirmation(from node.NodeId) error {
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
		s.completeLocked(nil)
	}
	return nil
}

func (s *MoveSession) completeLocked(err *sscerr.Error) {
	s.data.state = Finished
	s.data.err = err
	if err != nil {
		s.core.metrics.Inc("move.failed", 1)
	} else {
		s.core.metrics.Inc("move.completed", 1)
	}
	s.cond.Broadcast()
}

// CompleteSession forces the sub-session to Finished with err (nil for
// success); used when a terminal error arrives out-of-band (e.g. a
// NodeOffline detected by the parent ssc.Session).
func (s *MoveSession) CompleteSession(err *sscerr.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.state == Finished {
		return
	}
	s.completeLocked(err)
}

// Wait blocks until the sub-session reaches Finished, returning its error.
func (s *MoveSession) Wait() error {
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
func (s *MoveSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.state
}

// checkSharesToMove validates a proposed move plan before it is acted on:
//   - it must not be empty (an empty plan means there is nothing to move,
//     and the caller should never have started a MoveSession at all)
//   - every source must be a current holder of the key (sources ⊆ id_numbers)
//   - no destination may already be a current holder (destinations ∩
//     id_numbers = ∅): a node already holding a share can't also receive one
//   - no node may appear as both a source and a destination
//   - destinations must be pairwise distinct (a node cannot receive two shares)
//
// idNumbers is this node's own view of the key's current holders; it is nil
// when this node has no local copy of the key at all, in which case the
// membership checks above are skipped (this node has no authoritative view
// to check against) but self is still barred from appearing as a source,
// since it would have nothing to move.
func checkSharesToMove(sharesToMove map[node.NodeId]node.NodeId, self node.NodeId, idNumbers map[node.NodeId]share.Scalar) error {
	if len(sharesToMove) == 0 {
		return sscerr.New(sscerr.InvalidMessage, nil)
	}
	_, selfKnown := idNumbers[self]
	destinations := make(map[node.NodeId]bool, len(sharesToMove))
	for src, dst := range sharesToMove {
		if selfKnown {
			if _, holds := idNumbers[src]; !holds {
				return sscerr.New(sscerr.InvalidMessage, nil)
			}
			if _, holds := idNumbers[dst]; holds {
				return sscerr.New(sscerr.InvalidMessage, nil)
			}
		}
		if _, isAlsoSource := sharesToMove[dst]; isAlsoSource {
			return sscerr.New(sscerr.InvalidMessage, nil)
		}
		if destinations[dst] {
			return sscerr.New(sscerr.InvalidMessage, nil)
		}
		destinations[dst] = true
	}
	if !selfKnown {
		if _, isSource := sharesToMove[self]; isSource {
			return sscerr.New(sscerr.InvalidMessage, nil)
		}
	}
	return nil
}
