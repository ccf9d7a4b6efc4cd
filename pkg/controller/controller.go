package controller

import (
	"context"
	"sync"

	"github.com/cuemby/emberdb/pkg/group"
	"github.com/cuemby/emberdb/pkg/log"
	"github.com/cuemby/emberdb/pkg/metrics"
	"github.com/cuemby/emberdb/pkg/replog"
	"github.com/cuemby/emberdb/pkg/wire"
)

// Config constructs a Controller.
type Config struct {
	LocalAddress string
	MemberID     uint64
	State        *replog.StateLog
	Group        *group.GroupFile
	Listener     EventListener
	Acceptor     ControlMessageAcceptor
	// OnData is invoked for every ordinary (non-control) replicated entry
	// once it has been committed (covered by the commit index), so an
	// embedder applying it to its own state never observes an entry that
	// could still be overwritten by a diverging leader. Optional.
	OnData func(term, index uint64, payload []byte)
}

// Controller is one peer's Raft-style replication core.
type Controller struct {
	localAddress string
	memberID     uint64

	state *replog.StateLog
	roster *group.GroupFile
	channel wire.Channel
	sched *wire.Scheduler

	listener EventListener
	acceptor ControlMessageAcceptor
	onData   func(term, index uint64, payload []byte)

	mu            sync.RWMutex
	role          Role
	currentTerm   uint64
	votedFor      uint64
	leaderAddress string
	electionValidated int

	electionTask    *wire.Task
	missingDataTask *wire.Task

	// leader-only replication state, reset on becoming leader.
	matchIndex     map[string]uint64
	syncMatchIndex map[string]uint64

	// applyMu guards pending/appliedThru, the commit-gated apply queue:
	// entries land in pending as soon as they're written, and only move
	// through applyCommitted once the commit index covers them.
	applyMu     sync.Mutex
	pending     []pendingApply
	appliedThru uint64

	closed bool
}

// New constructs a Controller in the OBSERVER role; call Start once its
// Channel has been attached via SetChannel.
func New(cfg Config) *Controller {
	listener := cfg.Listener
	if listener == nil {
		listener = NopEventListener{}
	}
	acceptor := cfg.Acceptor
	if acceptor == nil {
		acceptor = func([]byte) bool { return true }
	}
	return &Controller{
		localAddress: cfg.LocalAddress,
		memberID:     cfg.MemberID,
		state:        cfg.State,
		roster:       cfg.Group,
		listener:     listener,
		acceptor:     acceptor,
		onData:       cfg.OnData,
		sched:        wire.NewScheduler(),
		role:         RoleObserver,
	}
}

// SetChannel attaches the transport. Must be called before Start.
func (c *Controller) SetChannel(ch wire.Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channel = ch
}

// Start transitions the controller into the FOLLOWER role and begins the
// election timer.
func (c *Controller) Start() {
	c.mu.Lock()
	c.role = RoleFollower
	c.mu.Unlock()
	metrics.ControllerRole.Set(float64(RoleFollower))
	c.resetElectionTimerLocked()
	c.scheduleMissingData()
}

// Stop cancels background tasks and waits for in-flight ones to finish.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.closed = true
	if c.electionTask != nil {
		c.electionTask.Cancel()
	}
	if c.missingDataTask != nil {
		c.missingDataTask.Cancel()
	}
	c.mu.Unlock()
	c.sched.Close()
}

// Role returns the current raft role.
func (c *Controller) Role() Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

// Term returns the current election term.
func (c *Controller) Term() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentTerm
}

// LeaderAddress returns the last known leader address, if any.
func (c *Controller) LeaderAddress() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.leaderAddress, c.leaderAddress != ""
}

func (c *Controller) localMemberRole() group.Role {
	for _, m := range c.roster.Members() {
		if m.MemberID == c.memberID {
			return m.Role
		}
	}
	return group.RoleObserver
}

// votingPeers returns the addresses of every NORMAL or STANDBY member
// other than the local one: the consensus peer set.
func (c *Controller) votingPeers() []string {
	var peers []string
	for _, m := range c.roster.Members() {
		if m.MemberID == c.memberID || !m.Role.Votes() {
			continue
		}
		peers = append(peers, m.Address)
	}
	return peers
}

func (c *Controller) resetElectionTimerLocked() {
	if c.electionTask != nil {
		c.electionTask.Cancel()
	}
	if c.closed {
		return
	}
	timeout := wire.RandomTimeout(ElectionTimeoutMin, ElectionTimeoutMax)
	c.electionTask = c.sched.Schedule(timeout, c.onElectionTimeout)
}

func (c *Controller) resetElectionTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetElectionTimerLocked()
}

// onElectionTimeout fires when no current-term leader message has
// arrived within the randomized window. A positive election-validated
// counter defers the election by one tick; only NORMAL members may
// become candidates.
func (c *Controller) onElectionTimeout() {
	c.mu.Lock()
	if c.closed || c.role == RoleLeader {
		c.mu.Unlock()
		return
	}
	if c.electionValidated > 0 {
		c.electionValidated--
		c.mu.Unlock()
		c.resetElectionTimer()
		return
	}
	if c.localMemberRole() != group.RoleNormal {
		c.mu.Unlock()
		c.resetElectionTimer()
		return
	}
	c.mu.Unlock()
	c.startElection()
}

// startElection increments the term, votes for self, and solicits votes
// from every consensus peer, becoming leader on majority grant.
func (c *Controller) startElection() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.role = RoleCandidate
	c.currentTerm++
	c.votedFor = c.memberID
	term := c.currentTerm
	c.resetElectionTimerLocked()
	c.mu.Unlock()

	metrics.ElectionsTotal.Inc()
	metrics.ControllerRole.Set(float64(RoleCandidate))
	metrics.ControllerTerm.Set(float64(term))
	log.WithComponent("controller").Info().Uint64("term", term).Msg("starting election")

	peers := c.votingPeers()
	highestTerm, highestPos := c.state.HighestTerm()

	granted := 1 // vote for self
	total := len(peers) + 1
	needed := total/2 + 1

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, peer := range peers {
		wg.Add(1)
		go func(peer string) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), ElectionTimeoutMin)
			defer cancel()
			reply, err := c.sendRequestVote(ctx, peer, term, highestTerm, highestPos)
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if reply.Term > term {
				c.stepDown(reply.Term)
				return
			}
			if reply.Granted {
				granted++
			}
		}(peer)
	}
	wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.role != RoleCandidate || c.currentTerm != term {
		return
	}
	if granted >= needed {
		c.becomeLeaderLocked()
	}
}

// stepDown reverts to FOLLOWER upon observing a higher term.
func (c *Controller) stepDown(term uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stepDownLocked(term)
}

func (c *Controller) stepDownLocked(term uint64) {
	if term < c.currentTerm {
		return
	}
	prevRole := c.role
	c.currentTerm = term
	c.votedFor = 0
	c.role = RoleFollower
	metrics.ControllerRole.Set(float64(RoleFollower))
	metrics.ControllerTerm.Set(float64(term))
	if prevRole != RoleFollower {
		c.listener.OnRoleChange(prevRole, RoleFollower, term)
	}
	c.resetElectionTimerLocked()
	if prevRole == RoleLeader {
		// Anything this node wrote as leader but never got to quorum may
		// be overwritten by whoever leads term. Drop it unapplied; a
		// future leader resupplies whatever actually gets committed.
		c.discardPending()
	}
}

func (c *Controller) becomeLeaderLocked() {
	prevRole := c.role
	c.role = RoleLeader
	c.leaderAddress = c.localAddress
	c.matchIndex = make(map[string]uint64)
	c.syncMatchIndex = make(map[string]uint64)
	if c.missingDataTask != nil {
		c.missingDataTask.Cancel()
		c.missingDataTask = nil
	}
	metrics.ControllerRole.Set(float64(RoleLeader))
	log.WithComponent("controller").Info().Uint64("term", c.currentTerm).Msg("won election")
	c.listener.OnRoleChange(prevRole, RoleLeader, c.currentTerm)

	term := c.currentTerm
	go func() {
		if _, err := c.Replicate(nil); err != nil {
			log.WithComponent("controller").Warn().Err(err).Msg("leadership affirmation broadcast failed")
		}
		_ = term
	}()
}

// AffirmLeadership re-broadcasts an empty write-data, used after a group
// change to quickly re-establish timers on every peer.
func (c *Controller) AffirmLeadership() error {
	if c.Role() != RoleLeader {
		return nil
	}
	_, err := c.Replicate(nil)
	return err
}
