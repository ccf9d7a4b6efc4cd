package controller

import "errors"

var (
	// ErrNotLeader is returned by leader-only operations when called on a
	// follower or candidate.
	ErrNotLeader = errors.New("controller: not leader")
	// ErrNoLeader is returned when no leader is currently known, e.g. a
	// join request arriving mid-election.
	ErrNoLeader = errors.New("controller: no leader known")
	// ErrStopped is returned by operations attempted after Stop.
	ErrStopped = errors.New("controller: stopped")
	// ErrJoinTimeout is returned when a GroupJoiner exhausts every seed
	// without being admitted.
	ErrJoinTimeout = errors.New("controller: join timed out")
	// ErrNoConsensus is returned when a quorum of peers cannot be
	// reached to complete an operation.
	ErrNoConsensus = errors.New("controller: no consensus reachable")
)
