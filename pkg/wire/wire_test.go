package wire

import (
	"bufio"
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	f := Frame{Opcode: OpWriteData, Payload: WriteData{PrevTerm: 1, Term: 2, Index: 3, HighestIdx: 4, CommitIndex: 2, Bytes: []byte("row")}.Encode()}
	require.NoError(t, WriteFrame(&buf, f))

	got, err := ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, OpWriteData, got.Opcode)

	msg, err := DecodeWriteData(got.Payload)
	require.NoError(t, err)
	require.Equal(t, uint64(1), msg.PrevTerm)
	require.Equal(t, uint64(3), msg.Index)
	require.Equal(t, []byte("row"), msg.Bytes)
}

func TestRequestVoteReplyGrantBit(t *testing.T) {
	encoded := RequestVoteReply{Term: 7, Granted: true}.Encode()
	decoded, err := DecodeRequestVoteReply(encoded)
	require.NoError(t, err)
	require.Equal(t, uint64(7), decoded.Term)
	require.True(t, decoded.Granted)

	encoded = RequestVoteReply{Term: 7, Granted: false}.Encode()
	decoded, err = DecodeRequestVoteReply(encoded)
	require.NoError(t, err)
	require.False(t, decoded.Granted)
}

func TestJoinReplyVariants(t *testing.T) {
	joined := JoinReply{Kind: OpJoined, Term: 3, Index: 9, GroupFile: []byte("version = 1\n")}
	decoded, err := DecodeJoinReply(joined.Encode())
	require.NoError(t, err)
	require.Equal(t, OpJoined, decoded.Kind)
	require.Equal(t, []byte("version = 1\n"), decoded.GroupFile)

	addr := JoinReply{Kind: OpAddress, LeaderAddress: "10.0.0.1:9000"}
	decoded, err = DecodeJoinReply(addr.Encode())
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:9000", decoded.LeaderAddress)

	errReply := JoinReply{Kind: OpError, Error: NoLeader}
	decoded, err = DecodeJoinReply(errReply.Encode())
	require.NoError(t, err)
	require.Equal(t, NoLeader, decoded.Error)
}

func TestLoopbackChannelRoutesToHandler(t *testing.T) {
	net := NewLoopbackNetwork()
	var received Frame
	NewLoopbackChannel(net, "node-b", func(ctx context.Context, from string, f Frame) (Frame, error) {
		received = f
		return Frame{Opcode: OpNop}, nil
	})
	a := NewLoopbackChannel(net, "node-a", func(ctx context.Context, from string, f Frame) (Frame, error) {
		return Frame{Opcode: OpNop}, nil
	})

	reply, err := a.Send(context.Background(), "node-b", Frame{Opcode: OpRequestVote, Payload: []byte("x")})
	require.NoError(t, err)
	require.Equal(t, OpNop, reply.Opcode)
	require.Equal(t, OpRequestVote, received.Opcode)
}

func TestLoopbackNetworkPartition(t *testing.T) {
	net := NewLoopbackNetwork()
	NewLoopbackChannel(net, "node-b", func(ctx context.Context, from string, f Frame) (Frame, error) {
		return Frame{Opcode: OpNop}, nil
	})
	a := NewLoopbackChannel(net, "node-a", func(ctx context.Context, from string, f Frame) (Frame, error) {
		return Frame{Opcode: OpNop}, nil
	})

	net.SetDown("node-b", true)
	_, err := a.Send(context.Background(), "node-b", Frame{Opcode: OpNop})
	require.Error(t, err)

	net.SetDown("node-b", false)
	_, err = a.Send(context.Background(), "node-b", Frame{Opcode: OpNop})
	require.NoError(t, err)
}

func TestSchedulerRunsAfterDelay(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	var fired int32
	s.Schedule(10*time.Millisecond, func() { atomic.StoreInt32(&fired, 1) })

	require.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, time.Millisecond)
}

func TestSchedulerCancel(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	var fired int32
	task := s.Schedule(50*time.Millisecond, func() { atomic.StoreInt32(&fired, 1) })
	require.True(t, task.Cancel())

	time.Sleep(80 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&fired))
}

func TestSchedulerCloseRejectsNewTasks(t *testing.T) {
	s := NewScheduler()
	s.Close()

	var fired int32
	task := s.Schedule(time.Millisecond, func() { atomic.StoreInt32(&fired, 1) })
	require.False(t, task.Cancel())

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&fired))
}
