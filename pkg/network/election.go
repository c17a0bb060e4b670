package network

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/buildnet/buildnet/pkg/log"
	"github.com/buildnet/buildnet/pkg/metrics"
	"github.com/buildnet/buildnet/pkg/types"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// ElectionState is one state in the Bully state machine.
type ElectionState string

const (
	StateIdle                  ElectionState = "idle"
	StateElectionInProgress    ElectionState = "election_in_progress"
	StateWaitingForCoordinator ElectionState = "waiting_for_coordinator"
	StateFollower              ElectionState = "follower"
	StateCoordinator           ElectionState = "coordinator"
)

type electionMsg struct {
	ElectionID  string `msgpack:"election_id"`
	CandidateID string `msgpack:"candidate_id"`
	Priority    uint64 `msgpack:"priority"`
}

type voteMsg struct {
	ElectionID string `msgpack:"election_id"`
	VoterID    string `msgpack:"voter_id"`
}

type coordinatorAnnounceMsg struct {
	ElectionID      string         `msgpack:"election_id"`
	CoordinatorID   string         `msgpack:"coordinator_id"`
	CoordinatorInfo types.NodeInfo `msgpack:"coordinator_info"`
}

// ElectionConfig controls the Bully state machine's timeouts.
type ElectionConfig struct {
	ElectionTimeout    time.Duration
	CoordinatorTimeout time.Duration
	Cooldown           time.Duration
}

// DefaultElectionConfig returns sensible defaults.
func DefaultElectionConfig() ElectionConfig {
	return ElectionConfig{
		ElectionTimeout:    3 * time.Second,
		CoordinatorTimeout: 6 * time.Second,
		Cooldown:           2 * time.Second,
	}
}

// PriorityFunc assigns a comparable election priority to a node; higher
// wins. The default is primarily capability-based, with a hash of the
// node ID as tiebreaker.
type PriorityFunc func(types.NodeInfo) uint64

// DefaultPriority packs a node's capability count into the high 16 bits and
// an FNV-1a hash of its ID into the low 48 bits. A node advertising more
// capabilities always outranks one advertising fewer; among nodes with the
// same capability count, the ID hash breaks the tie. Capability count is a
// coarse proxy for capability score — nodes are expected to advertise the
// same vocabulary of capability strings, so more of them means more
// overlap with whatever the cluster values.
func DefaultPriority(info types.NodeInfo) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(info.ID))
	idHash := h.Sum64()

	capScore := uint64(len(info.Capabilities))
	if capScore > 0xFFFF {
		capScore = 0xFFFF
	}
	return capScore<<48 | (idHash & 0xFFFFFFFFFFFF)
}

// Election implements the Bully leader-election state machine, driven by
// Envelopes delivered through a Transport and peers known via a Registry.
// The election module never holds the registry lock across I/O: it
// snapshots peers with Registry.List, then sends.
type Election struct {
	selfInfo  func() types.NodeInfo
	registry  *Registry
	transport *Transport
	priority  PriorityFunc
	cfg       ElectionConfig

	mu             sync.Mutex
	state          ElectionState
	electionID     string
	votesReceived  map[string]bool
	lastElectionAt time.Time
	timeoutTimer   *time.Timer
	onCoordinator  func(types.NodeInfo)
}

// NewElection constructs an Election for the local node. The election
// updates Registry.SetLeader itself; a callback for coordinator changes
// can be added with OnCoordinatorChange.
func NewElection(selfInfo func() types.NodeInfo, registry *Registry, transport *Transport, priority PriorityFunc, cfg ElectionConfig) *Election {
	if priority == nil {
		priority = DefaultPriority
	}
	return &Election{
		selfInfo:  selfInfo,
		registry:  registry,
		transport: transport,
		priority:  priority,
		cfg:       cfg,
		state:     StateIdle,
	}
}

// OnCoordinatorChange installs a callback fired whenever this node learns
// of a (possibly new) coordinator, including itself.
func (e *Election) OnCoordinatorChange(fn func(types.NodeInfo)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onCoordinator = fn
}

// RegisterHandlers wires this Election's message handlers into transport.
func (e *Election) RegisterHandlers() {
	e.transport.RegisterHandler(MsgElection, e.handleElectionEnvelope)
	e.transport.RegisterHandler(MsgVote, e.handleVoteEnvelope)
	e.transport.RegisterHandler(MsgCoordinatorAnnounce, e.handleCoordinatorAnnounceEnvelope)
}

// State returns the election state machine's current state.
func (e *Election) State() ElectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// StartElection begins a new election unless one was started within the
// last Cooldown.
func (e *Election) StartElection() {
	e.mu.Lock()
	if time.Since(e.lastElectionAt) < e.cfg.Cooldown {
		e.mu.Unlock()
		return
	}
	electionID := uuid.New().String()
	e.electionID = electionID
	e.state = StateElectionInProgress
	e.votesReceived = make(map[string]bool)
	e.lastElectionAt = time.Now()
	e.mu.Unlock()

	metrics.ElectionsTotal.Inc()

	self := e.selfInfo()
	myPriority := e.priority(self)
	higher := e.higherPriorityPeers(myPriority)

	body, _ := msgpack.Marshal(&electionMsg{ElectionID: electionID, CandidateID: self.ID, Priority: myPriority})
	for _, p := range higher {
		e.sendTo(p, MsgElection, body)
	}

	log.Logger.Debug().Str("election_id", electionID).Int("higher_priority_peers", len(higher)).Msg("network: election started")

	time.AfterFunc(e.cfg.ElectionTimeout, func() { e.onElectionTimeout(electionID) })
}

// higherPriorityPeers snapshots the registry (no lock held during I/O)
// and returns peers with priority strictly greater than mine.
func (e *Election) higherPriorityPeers(myPriority uint64) []PeerRecord {
	all := e.registry.List()
	var higher []PeerRecord
	for _, p := range all {
		if e.priority(p.Info) > myPriority {
			higher = append(higher, p)
		}
	}
	return higher
}

func (e *Election) sendTo(p PeerRecord, kind MessageKind, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.transport.Send(ctx, p.Info.ID, p.Info.Address, kind, body); err != nil {
		log.Logger.Debug().Err(err).Str("peer_id", p.Info.ID).Msg("network: election message send failed")
	}
}

func (e *Election) onElectionTimeout(electionID string) {
	e.mu.Lock()
	if e.electionID != electionID || e.state != StateElectionInProgress {
		e.mu.Unlock()
		return
	}
	gotResponses := len(e.votesReceived) > 0
	e.mu.Unlock()

	if !gotResponses {
		e.becomeCoordinator(electionID)
		return
	}

	e.mu.Lock()
	e.state = StateWaitingForCoordinator
	e.mu.Unlock()

	time.AfterFunc(e.cfg.CoordinatorTimeout, func() { e.onCoordinatorTimeout(electionID) })
}

func (e *Election) becomeCoordinator(electionID string) {
	e.mu.Lock()
	if e.electionID != electionID {
		e.mu.Unlock()
		return
	}
	e.state = StateCoordinator
	e.mu.Unlock()

	self := e.selfInfo()
	e.registry.SetLeader(self.ID)
	e.notifyCoordinator(self)

	body, _ := msgpack.Marshal(&coordinatorAnnounceMsg{ElectionID: electionID, CoordinatorID: self.ID, CoordinatorInfo: self})
	for _, p := range e.registry.List() {
		e.sendTo(p, MsgCoordinatorAnnounce, body)
	}
	log.Logger.Info().Str("election_id", electionID).Msg("network: became coordinator")
}

func (e *Election) onCoordinatorTimeout(electionID string) {
	e.mu.Lock()
	if e.electionID != electionID || e.state != StateWaitingForCoordinator {
		e.mu.Unlock()
		return
	}
	e.state = StateIdle
	e.mu.Unlock()
	log.Logger.Warn().Str("election_id", electionID).Msg("network: coordinator announce timed out, returning to idle")
}

// handleElectionEnvelope handles an inbound Election message.
func (e *Election) handleElectionEnvelope(from string, body []byte) ([]byte, bool) {
	var msg electionMsg
	if err := msgpack.Unmarshal(body, &msg); err != nil {
		return nil, false
	}

	self := e.selfInfo()
	myPriority := e.priority(self)
	if msg.Priority < myPriority {
		// Lower-priority challenger: vote for ourselves and start our own
		// election.
		voteBody, _ := msgpack.Marshal(&voteMsg{ElectionID: msg.ElectionID, VoterID: self.ID})
		if p, ok := e.registry.Get(from); ok {
			e.sendTo(p, MsgVote, voteBody)
		}
		e.StartElection()
	}
	return nil, false
}

// handleVoteEnvelope records a Vote responder for the current election.
func (e *Election) handleVoteEnvelope(from string, body []byte) ([]byte, bool) {
	var msg voteMsg
	if err := msgpack.Unmarshal(body, &msg); err != nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateElectionInProgress && e.electionID == msg.ElectionID {
		if e.votesReceived == nil {
			e.votesReceived = make(map[string]bool)
		}
		e.votesReceived[msg.VoterID] = true
	}
	return nil, false
}

// handleCoordinatorAnnounceEnvelope handles an inbound CoordinatorAnnounce:
// transitions to Follower and records the new coordinator, regardless of
// current state (a node may learn of a coordinator without having run its
// own election).
func (e *Election) handleCoordinatorAnnounceEnvelope(from string, body []byte) ([]byte, bool) {
	var msg coordinatorAnnounceMsg
	if err := msgpack.Unmarshal(body, &msg); err != nil {
		return nil, false
	}

	e.mu.Lock()
	e.state = StateFollower
	e.mu.Unlock()

	e.registry.SetLeader(msg.CoordinatorID)
	e.registry.Upsert(msg.CoordinatorInfo, DiscoveryBootstrap)
	e.notifyCoordinator(msg.CoordinatorInfo)
	log.Logger.Info().Str("coordinator_id", msg.CoordinatorID).Msg("network: observed new coordinator")
	return nil, false
}

func (e *Election) notifyCoordinator(info types.NodeInfo) {
	e.mu.Lock()
	fn := e.onCoordinator
	e.mu.Unlock()
	if fn != nil {
		fn(info)
	}
}

// CoordinatorLost clears this node's view of the leader and starts a new
// election, the Follower/Coordinator to Idle transition taken on missed
// leader heartbeats.
func (e *Election) CoordinatorLost() {
	e.mu.Lock()
	e.state = StateIdle
	e.mu.Unlock()
	e.registry.SetLeader("")
	e.StartElection()
}
