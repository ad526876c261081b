// Package ssc implements the top-level servers-set-change driver: it
// establishes consensus on the OLD/NEW node sets an administrator
// authorized, builds an inventory of every key in the cluster, and
// schedules a bounded number of per-key share-change sub-sessions
// (sharechange.MoveSession/AddSession/RemoveSession) until every key has
// been moved onto the new node set.
package ssc

import (
	"sync"

	logging "github.com/op/go-logging"
	"github.com/renproject/secp256k1"

	"github.com/vbaranov/parity/jobs"
	"github.com/vbaranov/parity/keystorage"
	"github.com/vbaranov/parity/metrics"
	"github.com/vbaranov/parity/node"
	"github.com/vbaranov/parity/share"
	"github.com/vbaranov/parity/sharechange"
	"github.com/vbaranov/parity/sessionsqueue"
	"github.com/vbaranov/parity/shareplan"
	"github.com/vbaranov/parity/sscerr"
	"github.com/vbaranov/parity/transport"
	"github.com/vbaranov/parity/wire"
)

var logger = logging.MustGetLogger("ssc")

// State is one of the two states a Session moves through.
type State int

const (
	// GatheringUnknownSessions covers both the consensus round and the
	// scheduling/execution of per-key sub-sessions — the original
	// implementation keeps a single state for this whole span, since from
	// an external observer's perspective the session is "still working"
	// throughout.
	GatheringUnknownSessions State = iota
	Finished
)

func (s State) String() string {
	if s == Finished {
		return "Finished"
	}
	return "GatheringUnknownSessions"
}

// SessionMeta identifies a servers-set-change session and this node's role
// in it.
type SessionMeta struct {
	Id           node.SessionId
	SelfNodeId   node.NodeId
	MasterNodeId node.NodeId
	Threshold    uint32
}

func (m SessionMeta) isMaster() bool { return m.SelfNodeId == m.MasterNodeId }

// ShareChangeSession is the common surface every per-key sub-session
// (sharechange.MoveSession/AddSession/RemoveSession) exposes to Session.
type ShareChangeSession interface {
	Wait() error
}

// initRecord is the SessionInitializationData bookkeeping entry: which node
// was asked to run a key's sub-session, and how many confirmations are
// still outstanding before Session considers that key's scheduling settled.
type initRecord struct {
	master                 node.NodeId
	confirmationsRemaining int
}

type sessionCore struct {
	meta        SessionMeta
	cluster     transport.Cluster
	keyStorage  keystorage.KeyStorage
	allNodesSet node.Set
	adminPublic []byte
	nonce       uint64
	cfg         Config
	metrics     *metrics.Client
}

type sessionData struct {
	state State

	consensus *jobs.ConsensusSession
	newSet    node.Set

	queue             *sessionsqueue.Queue
	initState         map[node.KeyId]*initRecord
	activeSessions    map[node.KeyId]ShareChangeSession
	delegatedSessions map[node.KeyId]node.NodeId

	// seenNonces holds the highest nonce observed so far from each sender,
	// for the (session_id, nonce) replay check in Process.
	seenNonces map[node.NodeId]uint64

	result *sscerr.Error
}

// Session is the per-node view of one servers-set-change. Exactly one node
// (MasterNodeId) drives scheduling; every node runs a Session to track
// consensus and to run whatever per-key sub-sessions it is asked to.
type Session struct {
	core *sessionCore

	mu   sync.Mutex
	cond *sync.Cond
	data sessionData
}

// NewSession builds a Session. cfg's zero-value fields fall back to
// DefaultConfig.
func NewSession(meta SessionMeta, cluster transport.Cluster, keyStorage keystorage.KeyStorage, allNodesSet node.Set, adminPublic []byte, nonce uint64, cfg Config, m *metrics.Client) *Session {
	s := &Session{
		core: &sessionCore{
			meta: meta, cluster: cluster, keyStorage: keyStorage,
			allNodesSet: allNodesSet, adminPublic: adminPublic, nonce: nonce,
			cfg: cfg.withDefaults(), metrics: m,
		},
		data: sessionData{
			state:             GatheringUnknownSessions,
			initState:         make(map[node.KeyId]*initRecord),
			activeSessions:    make(map[node.KeyId]ShareChangeSession),
			delegatedSessions: make(map[node.KeyId]node.NodeId),
			seenNonces:        make(map[node.NodeId]uint64),
		},
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.state
}

// Wait blocks until the session reaches Finished, returning its terminal error.
func (s *Session) Wait() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.data.state != Finished {
		s.cond.Wait()
	}
	if s.data.result != nil {
		return s.data.result
	}
	return nil
}

// Initialize starts the session on the master: it builds the consensus
// round over oldSet/newSet (authorized by the administrator's signatures)
// and broadcasts the access request to every other node.
func (s *Session) Initialize(oldSet, newSet node.Set, sigOld, sigNew share.Signature) error {
	if !s.core.meta.isMaster() {
		return sscerr.New(sscerr.InvalidStateForRequest, nil)
	}
	access := jobs.NewAccessOnMaster(s.core.adminPublic, oldSet, newSet, sigOld, sigNew)
	unknown := jobs.NewUnknownSessionsOnMaster(len(s.core.allNodesSet) - 1)
	consensus := jobs.NewMasterSession(s.core.allNodesSet, access, unknown)

	s.mu.Lock()
	s.data.consensus = consensus
	s.data.newSet = newSet
	s.mu.Unlock()

	if err := consensus.Initialize(); err != nil {
		return s.fail(err.(*sscerr.Error))
	}

	req := &wire.ConsensusShareChangeRequest{
		Envelope: wire.Envelope{SessionId: s.core.meta.Id, Nonce: s.core.nonce},
		OldSet:   oldSet, NewSet: newSet, SigOld: sigOld, SigNew: sigNew,
	}
	if err := s.core.cluster.Broadcast(req); err != nil {
		logger.Warningf("session %s: broadcast consensus request failed: %v", s.core.meta.Id, err)
	}
	return s.tryAdvanceConsensus()
}

// InitializeAsSlave prepares a slave's Session to receive the master's
// consensus and job-dissemination messages.
func (s *Session) InitializeAsSlave() {
	access := jobs.NewAccessOnSlave(s.core.adminPublic)
	unknown := jobs.NewUnknownSessionsOnSlave(s.core.meta.SelfNodeId, s.core.keyStorage)
	consensus := jobs.NewSlaveSession(s.core.allNodesSet, access, unknown)
	s.mu.Lock()
	s.data.consensus = consensus
	s.mu.Unlock()
}

// tryAdvanceConsensus checks whether the access round has just become
// established and, if so, kicks off the Unknown-Sessions-Job dissemination
// round (scheduling itself starts downstream of this, in onInventoryReady;
// the supplemented "re-trigger the scheduling loop" logic is in
// onDelegateResponse).
func (s *Session) tryAdvanceConsensus() error {
	s.mu.Lock()
	consensus := s.data.consensus
	s.mu.Unlock()
	if consensus == nil {
		return nil
	}
	if consensus.State() != jobs.ConsensusEstablished {
		return nil
	}
	self := s.core.meta.SelfNodeId
	return consensus.DisseminateJobs(self, func(to node.NodeId) error {
		return s.core.cluster.Send(to, &wire.UnknownSessionsRequest{
			Envelope: wire.Envelope{SessionId: s.core.meta.Id, Nonce: s.core.nonce},
		})
	})
}

// Process is the single entry point a message loop calls for every message
// addressed to this session. Errors the session raises itself are
// *sscerr.Error; a failure to send a reply is returned as the transport
// reported it. Callers should re-queue the message and retry later if the
// error is an *sscerr.Error whose Retryable() is true. Invariant
// 4's (session_id, nonce) replay check runs first, ahead of any handler:
// a message tagged for a different session_id, or carrying an older nonce
// than one already seen from that sender, is rejected without touching any
// state. Each sub-protocol (ConsensusSession's votesFor,
// MoveSession/AddSession/RemoveSession's confirmedFrom) additionally rejects
// a second report from the same node for the same round, but that is
// duplicate-vote rejection, not a substitute for the nonce check.
func (s *Session) Process(from node.NodeId, msg wire.Message) error {
	if msg.SessionID() != s.core.meta.Id {
		return sscerr.New(sscerr.InvalidMessage, nil)
	}
	if err := s.checkReplay(from, msg.SessionNonce()); err != nil {
		return err
	}
	switch m := msg.(type) {
	case *wire.ConsensusShareChangeRequest:
		return s.onConsensusRequest(from, m)
	case *wire.ConsensusShareChangeResponse:
		return s.onConsensusResponse(from, m)
	case *wire.UnknownSessionsRequest:
		return s.onUnknownSessionsRequest(from, m)
	case *wire.UnknownSessionsResponse:
		return s.onUnknownSessionsResponse(from, m)
	case *wire.InitializeShareChangeSession:
		return s.onInitializeShareChangeSession(from, m)
	case *wire.ConfirmShareChangeSessionInitialization:
		return s.onConfirmInitialization(from, m)
	case *wire.ServersSetChangeDelegateResponse:
		return s.onDelegateResponse(from, m)
	case *wire.ServersSetChangeShareMoveMessage:
		return s.onShareMoveMessage(from, m)
	case *wire.ServersSetChangeCompleted:
		return s.onCompleted(from, m)
	case *wire.ServersSetChangeError:
		return s.onRemoteError(from, m)
	default:
		return sscerr.New(sscerr.InvalidMessage, nil)
	}
}

// checkReplay enforces the (session_id, nonce) guard: nonce must be at least
// as high as the last one seen from from, since within one session
// incarnation a sender's nonce never decreases.
func (s *Session) checkReplay(from node.NodeId, nonce uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.data.seenNonces[from]; ok && nonce < last {
		return sscerr.New(sscerr.ReplayProtection, nil)
	}
	s.data.seenNonces[from] = nonce
	return nil
}

func (s *Session) onConsensusRequest(from node.NodeId, m *wire.ConsensusShareChangeRequest) error {
	s.mu.Lock()
	consensus := s.data.consensus
	s.mu.Unlock()
	if consensus == nil {
		return sscerr.New(sscerr.TooEarlyForRequest, nil)
	}
	err := consensus.OnPartialRequest(m.OldSet, m.NewSet, m.SigOld, m.SigNew)
	resp := &wire.ConsensusShareChangeResponse{
		Envelope: wire.Envelope{SessionId: s.core.meta.Id, Nonce: s.core.nonce},
		Accepted: err == nil,
	}
	if err != nil {
		resp.Reason = err.Error()
	} else {
		s.mu.Lock()
		s.data.newSet = m.NewSet
		s.mu.Unlock()
	}
	if sendErr := s.core.cluster.Send(from, resp); sendErr != nil {
		logger.Warningf("session %s: send consensus response to %s failed: %v", s.core.meta.Id, from, sendErr)
	}
	if err != nil {
		return err
	}
	return nil
}

func (s *Session) onConsensusResponse(from node.NodeId, m *wire.ConsensusShareChangeResponse) error {
	s.mu.Lock()
	consensus := s.data.consensus
	s.mu.Unlock()
	if consensus == nil {
		return sscerr.New(sscerr.InvalidStateForRequest, nil)
	}
	if err := consensus.OnPartialResponse(from, m.Accepted, m.Reason); err != nil {
		return s.fail(err.(*sscerr.Error))
	}
	return s.tryAdvanceConsensus()
}

func (s *Session) onUnknownSessionsRequest(from node.NodeId, m *wire.UnknownSessionsRequest) error {
	s.mu.Lock()
	consensus := s.data.consensus
	s.mu.Unlock()
	if consensus == nil {
		return sscerr.New(sscerr.TooEarlyForRequest, nil)
	}
	resp, err := consensus.OnJobRequest()
	if err != nil {
		return err.(*sscerr.Error)
	}
	out := &wire.UnknownSessionsResponse{
		Envelope: wire.Envelope{SessionId: s.core.meta.Id, Nonce: s.core.nonce},
		KeySets:  resp,
	}
	return s.core.cluster.Send(from, out)
}

func (s *Session) onUnknownSessionsResponse(from node.NodeId, m *wire.UnknownSessionsResponse) error {
	s.mu.Lock()
	consensus := s.data.consensus
	s.mu.Unlock()
	if consensus == nil {
		return sscerr.New(sscerr.InvalidStateForRequest, nil)
	}
	if err := consensus.OnJobResponse(from, m.KeySets); err != nil {
		return err.(*sscerr.Error)
	}
	if consensus.State() == jobs.Finished {
		return s.onInventoryReady()
	}
	return nil
}

// onInventoryReady builds the sessions queue from the master's own key
// storage (Known) plus whatever the Unknown-Sessions-Job turned up
// (Unknown), then starts scheduling.
func (s *Session) onInventoryReady() error {
	known := make(map[node.KeyId]node.Set)
	s.core.keyStorage.Iterate(func(id node.KeyId, sh share.DocumentKeyShare) bool {
		holders := make([]node.NodeId, 0, len(sh.IdNumbers))
		for holder := range sh.IdNumbers {
			holders = append(holders, holder)
		}
		known[id] = node.NewSet(holders...)
		return true
	})

	s.mu.Lock()
	consensus := s.data.consensus
	s.mu.Unlock()
	discovered, _ := consensus.Result()

	queue := sessionsqueue.NewQueue(known, discovered)
	s.mu.Lock()
	s.data.queue = queue
	s.mu.Unlock()

	return s.scheduleNext()
}

// scheduleNext pops as many queued sessions as the concurrency budget
// allows, starting each locally or delegating it to the node that reported
// holding the key.
func (s *Session) scheduleNext() error {
	for {
		s.mu.Lock()
		slots := s.core.cfg.MaxActiveSessions - len(s.data.activeSessions) - len(s.data.delegatedSessions)
		if slots <= 0 {
			s.mu.Unlock()
			return nil
		}
		qs, ok := s.data.queue.Next()
		newSet := s.data.newSet
		s.mu.Unlock()
		if !ok {
			return s.maybeComplete()
		}
		if err := s.startOrDelegate(qs, newSet); err != nil {
			logger.Warningf("session %s: scheduling key %s failed: %v", s.core.meta.Id, qs.KeyId, err)
		}
	}
}

// reportActiveGauge publishes the scheduler's current concurrency in use
// against Config.MaxActiveSessions, the same "sessions.active" gauge
// complete() already zeroes out — this lets an operator (or a test) watch
// the bounded-concurrency invariant scheduleNext enforces instead of just
// trusting it.
func (s *Session) reportActiveGauge() {
	s.mu.Lock()
	n := len(s.data.activeSessions) + len(s.data.delegatedSessions)
	s.mu.Unlock()
	s.core.metrics.Gauge("sessions.active", int64(n))
}

// startOrDelegate runs spec §4.7 step 3: it picks the node that will
// actively drive this key's sub-session (itself for a Known key, or the
// first reported OLD holder for an Unknown one) and disseminates
// InitializeShareChangeSession to every other OLD/NEW participant so each
// builds a matching sub-session object before any share-move traffic
// arrives — the driver gets one that actively runs the protocol, everyone
// else gets a passive mirror. confirmationsRemaining is seeded from the
// real size of that participant set, not a fixed count. The admin-session
// master itself can be a participant (e.g. an Unknown key's Add target)
// without being the chosen driver; it then needs its own local mirror the
// same as any other non-driving participant, just built directly instead of
// over the wire.
func (s *Session) startOrDelegate(qs sessionsqueue.QueuedSession, newSet node.Set) error {
	subMaster := s.core.meta.SelfNodeId
	if qs.Kind == sessionsqueue.Unknown {
		subMaster = qs.OldSet.First()
	}

	self := s.core.meta.SelfNodeId
	participants := qs.OldSet.Union(newSet)
	others := participants.Without(node.NewSet(self))

	s.mu.Lock()
	if len(others) > 0 {
		s.data.initState[qs.KeyId] = &initRecord{master: subMaster, confirmationsRemaining: len(others)}
	}
	if subMaster != self {
		s.data.delegatedSessions[qs.KeyId] = subMaster
	}
	s.mu.Unlock()
	s.reportActiveGauge()

	for _, to := range others {
		msg := &wire.InitializeShareChangeSession{
			Envelope: wire.Envelope{SessionId: s.core.meta.Id, Nonce: s.core.nonce},
			KeyId:    qs.KeyId, OldSet: qs.OldSet, NewSet: newSet, Driver: subMaster,
		}
		if err := s.core.cluster.Send(to, msg); err != nil {
			logger.Warningf("session %s: notify %s for key %s failed: %v", s.core.meta.Id, to, qs.KeyId, err)
		}
	}

	switch {
	case subMaster == self:
		return s.startLocal(qs, newSet)
	case participants.Contains(self):
		return s.startMirror(qs.KeyId, qs.OldSet, newSet, subMaster)
	default:
		return nil
	}
}

func (s *Session) startLocal(qs sessionsqueue.QueuedSession, newSet node.Set) error {
	plan, err := shareplan.Plan(qs.OldSet, newSet)
	if err != nil {
		return sscerr.New(sscerr.InvalidMessage, err)
	}
	meta := sharechange.Meta{
		KeyId: qs.KeyId, SessionId: s.core.meta.Id,
		SelfNodeId: s.core.meta.SelfNodeId, MasterNodeId: s.core.meta.SelfNodeId,
	}
	var sub ShareChangeSession
	switch {
	case len(plan.Moves) > 0:
		mv := sharechange.NewMoveSession(meta, s.core.cluster, s.core.keyStorage, s.core.nonce, s.core.metrics)
		mv.SetConsensusOutput(qs.OldSet, newSet)
		if err := mv.Initialize(); err != nil {
			return err
		}
		sub = mv
	case len(plan.Adds) > 0:
		add := sharechange.NewAddSession(meta, s.core.cluster, s.core.keyStorage, s.core.nonce, s.core.metrics)
		add.SetConsensusOutput(qs.OldSet, newSet)
		if err := add.Initialize(s.deriveNewShare(qs.KeyId)); err != nil {
			return err
		}
		sub = add
	case len(plan.Removes) > 0:
		rm := sharechange.NewRemoveSession(meta, s.core.cluster, s.core.keyStorage, s.core.nonce, s.core.metrics)
		rm.SetConsensusOutput(qs.OldSet, newSet)
		if err := rm.Initialize(); err != nil {
			return err
		}
		sub = rm
	default:
		return s.onSubSessionDone(qs.KeyId, nil)
	}

	s.mu.Lock()
	s.data.activeSessions[qs.KeyId] = sub
	s.mu.Unlock()
	s.core.metrics.Inc("sub_sessions.started", 1)
	s.reportActiveGauge()

	go func() {
		err := sub.Wait()
		s.onSubSessionDone(qs.KeyId, err)
	}()
	return nil
}

// startMirror builds a passive copy of a key's sub-session on a node that
// holds an OLD or NEW stake in it but was not chosen to drive the change.
// It never calls the sub-session's own Initialize, so it never broadcasts
// anything itself; it only answers the driver's traffic, routed to it the
// same way a driven sub-session's traffic is (onShareMoveMessage).
func (s *Session) startMirror(keyId node.KeyId, oldSet, newSet node.Set, driver node.NodeId) error {
	plan, err := shareplan.Plan(oldSet, newSet)
	if err != nil {
		return sscerr.New(sscerr.InvalidMessage, err)
	}
	if plan.IsEmpty() {
		return nil
	}
	meta := sharechange.Meta{
		KeyId: keyId, SessionId: s.core.meta.Id,
		SelfNodeId: s.core.meta.SelfNodeId, MasterNodeId: driver,
	}
	var sub ShareChangeSession
	switch {
	case len(plan.Moves) > 0:
		mv := sharechange.NewMoveSession(meta, s.core.cluster, s.core.keyStorage, s.core.nonce, s.core.metrics)
		mv.SetConsensusOutput(oldSet, newSet)
		sub = mv
	case len(plan.Adds) > 0:
		add := sharechange.NewAddSession(meta, s.core.cluster, s.core.keyStorage, s.core.nonce, s.core.metrics)
		add.SetConsensusOutput(oldSet, newSet)
		sub = add
	default:
		rm := sharechange.NewRemoveSession(meta, s.core.cluster, s.core.keyStorage, s.core.nonce, s.core.metrics)
		rm.SetConsensusOutput(oldSet, newSet)
		sub = rm
	}

	s.mu.Lock()
	s.data.activeSessions[keyId] = sub
	s.mu.Unlock()
	s.reportActiveGauge()

	go func() {
		err := sub.Wait()
		s.mu.Lock()
		delete(s.data.activeSessions, keyId)
		s.mu.Unlock()
		s.reportActiveGauge()
		if err != nil {
			logger.Warningf("session %s: mirrored key %s finished with error: %v", s.core.meta.Id, keyId, err)
		}
		// The admin-session master can itself hold a mirror (it is a
		// participant in a key it did not drive); its completion must be
		// able to unblock maybeComplete the same as a driven key's does. On
		// any other node this is a harmless no-op, since a non-master never
		// builds a queue.
		if cerr := s.maybeComplete(); cerr != nil {
			logger.Warningf("session %s: maybeComplete after mirrored key %s failed: %v", s.core.meta.Id, keyId, cerr)
		}
	}()
	return nil
}

// deriveNewShare is the hook AddSession.Initialize uses to obtain the
// DocumentKeyShare a brand-new holder should install. Computing the actual
// polynomial evaluation for a new point is outside this session's
// concerns, matching the spec's framing of share reconstruction as an
// external collaborator; the new holder gets a copy of this node's own
// share.DocumentKeyShare (secret share included, unchanged) with a random
// id_numbers entry added for the target if it has none. The other holders'
// id_numbers are not extended.
func (s *Session) deriveNewShare(keyId node.KeyId) func(node.NodeId) (share.DocumentKeyShare, error) {
	return func(target node.NodeId) (share.DocumentKeyShare, error) {
		existing, err := s.core.keyStorage.Get(keyId)
		if err != nil {
			return share.DocumentKeyShare{}, sscerr.New(sscerr.KeyStorage, err)
		}
		fresh := existing.Clone()
		if _, ok := fresh.IdNumbers[target]; !ok {
			fresh.IdNumbers[target] = secp256k1.RandomFn()
		}
		return fresh, nil
	}
}

// onSubSessionDone is called once a locally-run sub-session finishes (err
// is nil on success). On the admin-session master this resumes scheduling;
// on a node that was driving a delegated key on the master's behalf, it
// reports the outcome back instead, since that node has no scheduling queue
// of its own to resume.
func (s *Session) onSubSessionDone(keyId node.KeyId, err error) error {
	s.mu.Lock()
	delete(s.data.activeSessions, keyId)
	s.mu.Unlock()
	s.reportActiveGauge()

	if !s.core.meta.isMaster() {
		resp := &wire.ServersSetChangeDelegateResponse{
			Envelope: wire.Envelope{SessionId: s.core.meta.Id, Nonce: s.core.nonce},
			KeyId:    keyId, Success: err == nil,
		}
		if err != nil {
			resp.Reason = err.Error()
		}
		if sendErr := s.core.cluster.Send(s.core.meta.MasterNodeId, resp); sendErr != nil {
			logger.Warningf("session %s: report delegated key %s result failed: %v", s.core.meta.Id, keyId, sendErr)
		}
		return nil
	}

	if err != nil {
		logger.Errorf("session %s: key %s failed: %v", s.core.meta.Id, keyId, err)
		if e, ok := err.(*sscerr.Error); ok {
			return s.fail(e)
		}
		return s.fail(sscerr.New(sscerr.InvalidMessage, err))
	}
	s.core.metrics.Inc("sub_sessions.completed", 1)
	return s.scheduleNext()
}

// onInitializeShareChangeSession handles this node being asked (by the
// admin-session master) to build a key's sub-session: as the active Driver
// if it was chosen to run the protocol, or as a passive mirror otherwise.
func (s *Session) onInitializeShareChangeSession(from node.NodeId, m *wire.InitializeShareChangeSession) error {
	var err error
	if m.Driver == s.core.meta.SelfNodeId {
		err = s.startLocal(sessionsqueue.QueuedSession{KeyId: m.KeyId, OldSet: m.OldSet}, m.NewSet)
	} else {
		err = s.startMirror(m.KeyId, m.OldSet, m.NewSet, m.Driver)
	}
	if err != nil {
		return err
	}
	ack := &wire.ConfirmShareChangeSessionInitialization{
		Envelope: wire.Envelope{SessionId: s.core.meta.Id, Nonce: s.core.nonce},
		KeyId:    m.KeyId,
	}
	return s.core.cluster.Send(from, ack)
}

func (s *Session) onConfirmInitialization(from node.NodeId, m *wire.ConfirmShareChangeSessionInitialization) error {
	s.mu.Lock()
	rec, ok := s.data.initState[m.KeyId]
	s.mu.Unlock()
	if !ok {
		return sscerr.New(sscerr.InvalidStateForRequest, nil)
	}
	s.mu.Lock()
	rec.confirmationsRemaining--
	if rec.confirmationsRemaining <= 0 {
		delete(s.data.initState, m.KeyId)
	}
	s.mu.Unlock()
	return nil
}

// onDelegateResponse handles the admin-session master learning the outcome
// of a session it delegated away. Per the supplemented re-triggering
// behavior, once the delegation is removed scheduling resumes, whatever else
// is still active or delegated: the freed slot may take another queued key,
// and an empty queue with nothing left running completes the session.
func (s *Session) onDelegateResponse(from node.NodeId, m *wire.ServersSetChangeDelegateResponse) error {
	s.mu.Lock()
	delete(s.data.delegatedSessions, m.KeyId)
	delete(s.data.initState, m.KeyId)
	s.mu.Unlock()
	s.reportActiveGauge()
	if !m.Success {
		return s.fail(sscerr.Newf(sscerr.InvalidMessage, "delegated key %s failed on %s: %s", m.KeyId, from, m.Reason))
	}
	return s.scheduleNext()
}

func (s *Session) onShareMoveMessage(from node.NodeId, m *wire.ServersSetChangeShareMoveMessage) error {
	s.mu.Lock()
	sub, ok := s.data.activeSessions[m.KeyId]
	s.mu.Unlock()
	if !ok {
		return sscerr.New(sscerr.TooEarlyForRequest, nil)
	}
	switch t := sub.(type) {
	case *sharechange.MoveSession:
		switch m.Variant {
		case wire.ShareMoveVariantRequest:
			return t.OnShareMoveRequest(m.Request.SharesToMove)
		case wire.ShareMoveVariantMove:
			return t.OnShareMove(from, m.Move.Share)
		case wire.ShareMoveVariantConfirm:
			return t.OnShareMoveConfirmation(from)
		}
	case *sharechange.AddSession:
		switch m.Variant {
		case wire.ShareMoveVariantRequest:
			holders := make([]node.NodeId, 0, len(m.Request.SharesToMove))
			for src := range m.Request.SharesToMove {
				holders = append(holders, src)
			}
			return t.OnShareAddRequest(node.NewSet(holders...))
		case wire.ShareMoveVariantMove:
			return t.OnShareAdd(m.Move.Share)
		case wire.ShareMoveVariantConfirm:
			return t.OnConfirmation(from)
		}
	case *sharechange.RemoveSession:
		switch m.Variant {
		case wire.ShareMoveVariantRequest:
			holders := make([]node.NodeId, 0, len(m.Request.SharesToMove))
			for src := range m.Request.SharesToMove {
				holders = append(holders, src)
			}
			return t.OnShareRemoveRequest(node.NewSet(holders...))
		case wire.ShareMoveVariantConfirm:
			return t.OnConfirmation(from)
		}
	}
	return sscerr.New(sscerr.InvalidMessage, nil)
}

func (s *Session) onCompleted(from node.NodeId, m *wire.ServersSetChangeCompleted) error {
	return s.complete()
}

func (s *Session) onRemoteError(from node.NodeId, m *wire.ServersSetChangeError) error {
	return s.fail(sscerr.Newf(sscerr.InvalidMessage, "node %s reported: %s", from, m.Reason))
}

// maybeComplete finishes the session once the queue is drained and no
// sub-session is still active or delegated (spec §4.7 step 7).
func (s *Session) maybeComplete() error {
	s.mu.Lock()
	done := s.data.queue != nil && s.data.queue.Remaining() == 0 &&
		len(s.data.activeSessions) == 0 && len(s.data.delegatedSessions) == 0
	s.mu.Unlock()
	if !done {
		return nil
	}
	return s.complete()
}

func (s *Session) complete() error {
	s.mu.Lock()
	if s.data.state == Finished {
		s.mu.Unlock()
		return nil
	}
	s.data.state = Finished
	s.cond.Broadcast()
	s.mu.Unlock()

	if s.core.meta.isMaster() {
		msg := &wire.ServersSetChangeCompleted{
			Envelope: wire.Envelope{SessionId: s.core.meta.Id, Nonce: s.core.nonce},
		}
		if err := s.core.cluster.Broadcast(msg); err != nil {
			logger.Warningf("session %s: broadcast completion failed: %v", s.core.meta.Id, err)
		}
	}
	s.core.metrics.Gauge("sessions.active", 0)
	logger.Infof("session %s completed", s.core.meta.Id)
	return nil
}

// fail records a terminal error and, on the master, broadcasts it. No
// rollback is attempted — recovery is by running a new servers-set-change.
func (s *Session) fail(err *sscerr.Error) error {
	s.mu.Lock()
	if s.data.state == Finished {
		s.mu.Unlock()
		return err
	}
	s.data.state = Finished
	s.data.result = err
	s.cond.Broadcast()
	s.mu.Unlock()

	if s.core.meta.isMaster() {
		msg := &wire.ServersSetChangeError{
			Envelope: wire.Envelope{SessionId: s.core.meta.Id, Nonce: s.core.nonce},
			Reason:   err.Error(),
		}
		if sendErr := s.core.cluster.Broadcast(msg); sendErr != nil {
			logger.Warningf("session %s: broadcast error failed: %v", s.core.meta.Id, sendErr)
		}
	}
	logger.Errorf("session %s failed: %v", s.core.meta.Id, err)
	return err
}
