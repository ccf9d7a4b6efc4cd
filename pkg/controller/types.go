package controller

import "time"

// Role is this peer's current position in the role machine. Numbering
// matches the controller_role metric (observer < follower < candidate <
// leader).
type Role int

const (
	RoleObserver Role = iota
	RoleFollower
	RoleCandidate
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleObserver:
		return "OBSERVER"
	case RoleFollower:
		return "FOLLOWER"
	case RoleCandidate:
		return "CANDIDATE"
	case RoleLeader:
		return "LEADER"
	default:
		return "UNKNOWN"
	}
}

// Timing constants governing election and missing-data retry cadence.
const (
	ElectionTimeoutMin  = 200 * time.Millisecond
	ElectionTimeoutMax  = 300 * time.Millisecond
	MissingDataMin      = 400 * time.Millisecond
	MissingDataMax      = 600 * time.Millisecond
	MissingDataRateLimit = time.Millisecond

	JoinTimeout       = 2 * time.Second
	SnapshotReplyTimeout = 2 * time.Second
	ConnectTimeout    = 500 * time.Millisecond
)

// ControlMessageAcceptor is supplied by the embedder to decide whether a
// proposed control message (a membership change) should be accepted onto
// the replicated log at all, before it is ever broadcast.
type ControlMessageAcceptor func(message []byte) bool

// EventListener lets an embedder observe background-task failures and
// role transitions, reported via an event-listener interface rather than
// a panic or a swallowed error.
type EventListener interface {
	OnRoleChange(from, to Role, term uint64)
	OnBackgroundTaskError(task string, err error)
}

// NopEventListener discards every event; the zero value is ready to use.
type NopEventListener struct{}

func (NopEventListener) OnRoleChange(Role, Role, uint64)        {}
func (NopEventListener) OnBackgroundTaskError(string, error)    {}
