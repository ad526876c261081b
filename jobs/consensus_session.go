package jobs

import (
	"sync"

	logging "github.com/op/go-logging"

	"github.com/vbaranov/parity/node"
	"github.com/vbaranov/parity/share"
	"github.com/vbaranov/parity/sscerr"
)

var logger = logging.MustGetLogger("jobs")

// State is one of the states a ConsensusSession moves through. Unlike
// sharechange/ssc's state machines this one never needs a "waiting for
// move confirmation"-style third phase: once consensus is established the
// optional job dissemination round runs to completion and the session is
// Finished.
type State int

const (
	WaitingForInit State = iota
	EstablishingConsensus
	ConsensusEstablished
	Finished
)

func (s State) String() string {
	switch s {
	case WaitingForInit:
		return "WaitingForInit"
	case EstablishingConsensus:
		return "EstablishingConsensus"
	case ConsensusEstablished:
		return "ConsensusEstablished"
	case Finished:
		return "Finished"
	default:
		return "Unknown"
	}
}

// JobResponse is the payload type OnJobRequest produces and OnJobResponse
// consumes (the request DisseminateJobs sends carries no payload): only
// UnknownSessionsJob implements this hand-off, so the shape is concrete
// rather than a speculative generic parameter nothing else would ever
// instantiate.
type JobResponse = map[node.KeyId]node.Set

// ConsensusSession establishes that every reachable node agrees on an
// administrator-authorized OLD/NEW node set (via AccessJob), then — if a
// work job was supplied — disseminates it and aggregates the results. The
// admin-session (ssc.Session) supplies an UnknownSessionsJob; a per-key
// share-change sub-session supplies none, since it only needs the access
// round.
type ConsensusSession struct {
	core *consensusCore

	mu   sync.Mutex
	cond *sync.Cond
	data consensusData
}

type consensusCore struct {
	isMaster bool
	allNodes node.Set
	access   *AccessJob
	job      *UnknownSessionsJob // nil when no dissemination round is needed
}

type consensusData struct {
	state State

	votesFor    map[node.NodeId]bool
	votesNeeded int

	jobResult JobResponse
	err       *sscerr.Error
}

// NewMasterSession builds the master side of a ConsensusSession. job may be
// nil if this consensus round needs no dissemination phase.
func NewMasterSession(allNodes node.Set, access *AccessJob, job *UnknownSessionsJob) *ConsensusSession {
	s := &ConsensusSession{
		core: &consensusCore{isMaster: true, allNodes: allNodes, access: access, job: job},
		data: consensusData{
			state:       WaitingForInit,
			votesFor:    make(map[node.NodeId]bool),
			votesNeeded: len(allNodes) - 1, // everyone but self
		},
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// NewSlaveSession builds the slave side of a ConsensusSession.
func NewSlaveSession(allNodes node.Set, access *AccessJob, job *UnknownSessionsJob) *ConsensusSession {
	s := &ConsensusSession{
		core: &consensusCore{isMaster: false, allNodes: allNodes, access: access, job: job},
		data: consensusData{state: WaitingForInit},
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// State returns the session's current state.
func (s *ConsensusSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.state
}

// Initialize transitions a master into EstablishingConsensus. The caller is
// responsible for actually broadcasting the ConsensusShareChangeRequest
// built from Access()'s OldSet/NewSet/SigOld/SigNew — ConsensusSession
// itself never touches a transport.
func (s *ConsensusSession) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.core.isMaster {
		return sscerr.New(sscerr.InvalidStateForRequest, nil)
	}
	if s.data.state != WaitingForInit {
		return sscerr.New(sscerr.InvalidStateForRequest, nil)
	}
	s.data.state = EstablishingConsensus
	if s.data.votesNeeded <= 0 {
		s.data.state = ConsensusEstablished
	}
	return nil
}

// Access returns the job backing this session's access round.
func (s *ConsensusSession) Access() *AccessJob { return s.core.access }

// Job returns the work job backing this session's dissemination round, or
// nil if this consensus round has none.
func (s *ConsensusSession) Job() *UnknownSessionsJob { return s.core.job }

// OnPartialRequest handles a slave receiving the master's
// ConsensusShareChangeRequest: it runs CheckAccess and reports whether this
// node accepts the proposed sets.
func (s *ConsensusSession) OnPartialRequest(oldSet, newSet node.Set, sigOld, sigNew share.Signature) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.core.isMaster {
		return sscerr.New(sscerr.InvalidStateForRequest, nil)
	}
	if s.data.state != WaitingForInit {
		return sscerr.New(sscerr.InvalidStateForRequest, nil)
	}
	if err := s.core.access.CheckAccess(oldSet, newSet, sigOld, sigNew, s.core.allNodes); err != nil {
		s.data.state = Finished
		s.data.err = err.(*sscerr.Error)
		s.cond.Broadcast()
		return err
	}
	s.data.state = ConsensusEstablished
	s.cond.Broadcast()
	return nil
}

// OnPartialResponse handles the master receiving a slave's vote. Once every
// expected slave has voted, consensus is established and — if a work job
// was supplied — the caller should proceed to DisseminateJobs.
func (s *ConsensusSession) OnPartialResponse(from node.NodeId, accepted bool, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.core.isMaster {
		return sscerr.New(sscerr.InvalidStateForRequest, nil)
	}
	if s.data.state != EstablishingConsensus {
		return sscerr.New(sscerr.InvalidStateForRequest, nil)
	}
	if s.data.votesFor[from] {
		return sscerr.New(sscerr.ReplayProtection, nil)
	}
	s.data.votesFor[from] = true
	if !accepted {
		s.data.state = Finished
		s.data.err = sscerr.Newf(sscerr.AccessDenied, "node %s rejected access: %s", from, reason)
		s.cond.Broadcast()
		return s.data.err
	}
	if len(s.data.votesFor) >= s.data.votesNeeded {
		s.data.state = ConsensusEstablished
		logger.Infof("consensus established over %d nodes", len(s.core.allNodes))
		if s.core.job == nil {
			s.data.state = Finished
		}
		s.cond.Broadcast()
	}
	return nil
}

// ConsensusReached blocks until the access round finishes (successfully or
// not), returning the resulting error (nil on success).
func (s *ConsensusSession) ConsensusReached() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.data.state == WaitingForInit || s.data.state == EstablishingConsensus {
		s.cond.Wait()
	}
	if s.data.err != nil {
		return s.data.err
	}
	return nil
}

// DisseminateJobs calls send once for every node other than self, once
// consensus has been established and this session has a work job to
// disseminate. send is the caller's transport hook (ConsensusSession never
// touches a transport.Cluster directly); it is expected to deliver an
// UnknownSessionsRequest to to. A session with no work job has nothing to
// disseminate and DisseminateJobs is a no-op.
func (s *ConsensusSession) DisseminateJobs(self node.NodeId, send func(to node.NodeId) error) error {
	s.mu.Lock()
	if !s.core.isMaster || s.core.job == nil {
		s.mu.Unlock()
		return nil
	}
	if s.data.state != ConsensusEstablished {
		s.mu.Unlock()
		return sscerr.New(sscerr.InvalidStateForRequest, nil)
	}
	nodes := s.core.allNodes
	s.mu.Unlock()

	for _, to := range nodes {
		if to == self {
			continue
		}
		if err := send(to); err != nil {
			logger.Warningf("job dissemination to %s failed: %v", to, err)
		}
	}
	return nil
}

// OnJobRequest handles a slave receiving an UnknownSessionsRequest: it
// answers from its own UnknownSessionsJob.
func (s *ConsensusSession) OnJobRequest() (JobResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.core.isMaster || s.core.job == nil {
		return nil, sscerr.New(sscerr.InvalidStateForRequest, nil)
	}
	if s.data.state != ConsensusEstablished {
		return nil, sscerr.New(sscerr.TooEarlyForRequest, nil)
	}
	return s.core.job.BuildResponse(), nil
}

// OnJobResponse handles the master receiving a slave's UnknownSessionsResponse.
// Once every expected slave has reported, the session transitions to
// Finished and Result becomes available.
func (s *ConsensusSession) OnJobResponse(from node.NodeId, resp JobResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.core.isMaster || s.core.job == nil {
		return sscerr.New(sscerr.InvalidStateForRequest, nil)
	}
	if s.data.state != ConsensusEstablished {
		return sscerr.New(sscerr.InvalidStateForRequest, nil)
	}
	s.core.job.AddResponse(from, resp)
	if s.core.job.Finished() {
		s.data.jobResult = s.core.job.Result()
		s.data.state = Finished
		s.cond.Broadcast()
	}
	return nil
}

// Wait blocks until the session reaches Finished, returning its terminal error.
func (s *ConsensusSession) Wait() error {
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

// Result returns the aggregated work-job result, if this session had one.
func (s *ConsensusSession) Result() (JobResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.err != nil {
		return nil, s.data.err
	}
	return s.data.jobResult, nil
}
