package controller

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/emberdb/pkg/group"
	"github.com/cuemby/emberdb/pkg/replog"
	"github.com/cuemby/emberdb/pkg/wire"
)

func newTestController(t *testing.T, net *wire.LoopbackNetwork, address string, memberID uint64) *Controller {
	t.Helper()
	dir := t.TempDir()
	state, err := replog.Open(replog.Config{Dir: dir, Base: "data"})
	require.NoError(t, err)
	t.Cleanup(func() { state.Close() })

	roster, err := group.New(filepath.Join(dir, "group.conf"), 1, memberID, address)
	require.NoError(t, err)

	ctrl := New(Config{LocalAddress: address, MemberID: memberID, State: state, Group: roster})
	ch := wire.NewLoopbackChannel(net, address, ctrl.HandleFrame)
	ctrl.SetChannel(ch)
	t.Cleanup(ctrl.Stop)
	return ctrl
}

func TestMedianOfQuorum(t *testing.T) {
	require.Equal(t, uint64(5), medianOf([]uint64{9, 5, 1}))
	require.Equal(t, uint64(5), medianOf([]uint64{9, 7, 5, 3, 1}))
	require.Equal(t, uint64(9), medianOf([]uint64{9, 7}))
}

func TestControlMessageEncodeRoundTrip(t *testing.T) {
	msg := group.ControlMessage{Op: group.OpJoin, Version: 4, Nonce: "abc", Address: "10.0.0.5:9000"}
	decoded, err := decodeControlMessage(encodeControlMessage(msg))
	require.NoError(t, err)
	require.Equal(t, msg, decoded)
}

func TestSingleNodeClusterElectsSelfLeader(t *testing.T) {
	net := wire.NewLoopbackNetwork()
	ctrl := newTestController(t, net, "node-a:9000", 1)
	ctrl.Start()

	require.Eventually(t, func() bool {
		return ctrl.Role() == RoleLeader
	}, time.Second, 5*time.Millisecond)
}

func TestSingleNodeReplicateAdvancesCommit(t *testing.T) {
	net := wire.NewLoopbackNetwork()
	ctrl := newTestController(t, net, "node-a:9000", 1)
	ctrl.Start()

	require.Eventually(t, func() bool { return ctrl.Role() == RoleLeader }, time.Second, 5*time.Millisecond)

	_, err := ctrl.Replicate([]byte("row-1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return ctrl.CommitIndex() > 0 }, time.Second, 5*time.Millisecond)
}

func TestHandleRequestVoteGrantsOnValidTerm(t *testing.T) {
	net := wire.NewLoopbackNetwork()
	ctrl := newTestController(t, net, "node-a:9000", 1)
	ctrl.Start()

	req := wire.RequestVote{Term: 100, CandidateID: 2, HighestTerm: 0, HighestPosition: 0}
	frame, err := ctrl.handleRequestVote(wire.Frame{Opcode: wire.OpRequestVote, Payload: req.Encode()})
	require.NoError(t, err)

	reply, err := wire.DecodeRequestVoteReply(frame.Payload)
	require.NoError(t, err)
	require.True(t, reply.Granted)
	require.Equal(t, uint64(100), reply.Term)
}

func TestHandleRequestVoteRejectsStaleTerm(t *testing.T) {
	net := wire.NewLoopbackNetwork()
	ctrl := newTestController(t, net, "node-a:9000", 1)
	ctrl.Start()
	ctrl.startElection() // bumps currentTerm to 1 and votes for self

	req := wire.RequestVote{Term: 0, CandidateID: 2}
	frame, err := ctrl.handleRequestVote(wire.Frame{Opcode: wire.OpRequestVote, Payload: req.Encode()})
	require.NoError(t, err)

	reply, err := wire.DecodeRequestVoteReply(frame.Payload)
	require.NoError(t, err)
	require.False(t, reply.Granted)
}
