package controller

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/emberdb/pkg/wire"
)

func TestApplyThroughCommitGatesOnCommitIndex(t *testing.T) {
	var applied []uint64
	c := &Controller{onData: func(term, index uint64, payload []byte) {
		applied = append(applied, index)
	}}

	c.enqueuePending(1, 0, wrapData([]byte("a")))  // ends at 2
	c.enqueuePending(1, 2, wrapData([]byte("bb"))) // ends at 5
	c.enqueuePending(1, 5, wrapData([]byte("c")))  // ends at 7

	c.applyThroughCommit(2)
	require.Equal(t, []uint64{0}, applied)

	c.applyThroughCommit(4)
	require.Equal(t, []uint64{0}, applied, "entry at index 2 ends at 5, not yet covered by commit=4")

	c.applyThroughCommit(7)
	require.Equal(t, []uint64{0, 2, 5}, applied)
}

func TestApplyThroughCommitAppliesEachEntryAtMostOnce(t *testing.T) {
	var applied []uint64
	c := &Controller{onData: func(term, index uint64, payload []byte) {
		applied = append(applied, index)
	}}

	c.enqueuePending(1, 0, wrapData([]byte("a")))
	c.applyThroughCommit(10)
	c.applyThroughCommit(10)
	require.Equal(t, []uint64{0}, applied)
}

func TestDiscardPendingDropsUnappliedEntries(t *testing.T) {
	var applied []uint64
	c := &Controller{onData: func(term, index uint64, payload []byte) {
		applied = append(applied, index)
	}}

	c.enqueuePending(1, 0, wrapData([]byte("a")))
	c.discardPending()
	c.applyThroughCommit(100)
	require.Empty(t, applied)
}

func TestStepDownFromLeaderDiscardsUnquorumedPending(t *testing.T) {
	var applied []uint64
	c := &Controller{
		role:     RoleLeader,
		listener: NopEventListener{},
		sched:    wire.NewScheduler(),
		onData: func(term, index uint64, payload []byte) {
			applied = append(applied, index)
		},
	}
	t.Cleanup(c.sched.Close)
	c.enqueuePending(1, 0, wrapData([]byte("a")))

	c.mu.Lock()
	c.stepDownLocked(2)
	c.mu.Unlock()

	c.applyThroughCommit(100)
	require.Empty(t, applied, "a diverging leader's write must never surface before it is known committed")
}
