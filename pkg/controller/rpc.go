package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/emberdb/pkg/wire"
)

func (c *Controller) send(ctx context.Context, peer string, f wire.Frame) (wire.Frame, error) {
	c.mu.RLock()
	ch := c.channel
	c.mu.RUnlock()
	if ch == nil {
		return wire.Frame{}, fmt.Errorf("controller: no channel attached")
	}
	return ch.Send(ctx, peer, f)
}

func (c *Controller) sendRequestVote(ctx context.Context, peer string, term, highestTerm, highestPos uint64) (wire.RequestVoteReply, error) {
	req := wire.RequestVote{Term: term, CandidateID: c.memberID, HighestTerm: highestTerm, HighestPosition: highestPos}
	reply, err := c.send(ctx, peer, wire.Frame{Opcode: wire.OpRequestVote, Payload: req.Encode()})
	if err != nil {
		return wire.RequestVoteReply{}, err
	}
	return wire.DecodeRequestVoteReply(reply.Payload)
}

func (c *Controller) sendWriteData(ctx context.Context, peer string, msg wire.WriteData) (wire.WriteDataReply, error) {
	reply, err := c.send(ctx, peer, wire.Frame{Opcode: wire.OpWriteData, Payload: msg.Encode()})
	if err != nil {
		return wire.WriteDataReply{}, err
	}
	return wire.DecodeWriteDataReply(reply.Payload)
}

func (c *Controller) sendQueryData(ctx context.Context, peer string, start, end uint64) (wire.QueryDataReply, error) {
	req := wire.QueryData{Start: start, End: end}
	reply, err := c.send(ctx, peer, wire.Frame{Opcode: wire.OpQueryData, Payload: req.Encode()})
	if err != nil {
		return wire.QueryDataReply{}, err
	}
	return wire.DecodeQueryDataReply(reply.Payload)
}

func (c *Controller) sendSnapshotScore(ctx context.Context, peer string) (wire.SnapshotScoreReply, error) {
	reply, err := c.send(ctx, peer, wire.Frame{Opcode: wire.OpSnapshotScore})
	if err != nil {
		return wire.SnapshotScoreReply{}, err
	}
	return wire.DecodeSnapshotScoreReply(reply.Payload)
}

func (c *Controller) sendJoin(ctx context.Context, peer, address string) (wire.JoinReply, error) {
	req := wire.Join{Address: address}
	reply, err := c.send(ctx, peer, wire.Frame{Opcode: wire.OpJoin, Payload: req.Encode()})
	if err != nil {
		return wire.JoinReply{}, err
	}
	return wire.DecodeJoinReply(reply.Payload)
}

// HandleFrame is this controller's wire.Handler: the entry point for
// every inbound RPC, regardless of transport.
func (c *Controller) HandleFrame(ctx context.Context, from string, f wire.Frame) (wire.Frame, error) {
	switch f.Opcode {
	case wire.OpNop:
		return wire.Frame{Opcode: wire.OpNop}, nil
	case wire.OpRequestVote:
		return c.handleRequestVote(f)
	case wire.OpWriteData:
		return c.handleWriteData(from, f)
	case wire.OpQueryTerms:
		return c.handleQueryTerms(f)
	case wire.OpQueryData:
		return c.handleQueryData(f)
	case wire.OpSyncCommit:
		return c.handleSyncCommit(f)
	case wire.OpSnapshotScore:
		return c.handleSnapshotScore()
	case wire.OpUpdateRole:
		return c.handleUpdateRole(f)
	case wire.OpGroupVersion:
		return wire.Frame{Opcode: wire.OpGroupVersionReply, Payload: wire.GroupVersion{Version: c.roster.Version()}.Encode()}, nil
	case wire.OpJoin:
		return c.handleJoin(ctx, f)
	default:
		// Unknown control message / opcode: dropped.
		return wire.Frame{}, fmt.Errorf("controller: unknown opcode %d", f.Opcode)
	}
}

func (c *Controller) handleRequestVote(f wire.Frame) (wire.Frame, error) {
	req, err := wire.DecodeRequestVote(f.Payload)
	if err != nil {
		return wire.Frame{}, err
	}

	c.mu.Lock()
	if req.Term > c.currentTerm {
		c.stepDownLocked(req.Term)
	}
	granted := false
	if req.Term >= c.currentTerm && (c.votedFor == 0 || c.votedFor == req.CandidateID) {
		localTerm, localPos := c.state.HighestTerm()
		upToDate := req.HighestTerm > localTerm || (req.HighestTerm == localTerm && req.HighestPosition >= localPos)
		if upToDate {
			c.votedFor = req.CandidateID
			granted = true
			c.resetElectionTimerLocked()
		}
	}
	term := c.currentTerm
	c.mu.Unlock()

	reply := wire.RequestVoteReply{Term: term, Granted: granted}
	return wire.Frame{Opcode: wire.OpRequestVoteReply, Payload: reply.Encode()}, nil
}

func (c *Controller) handleWriteData(from string, f wire.Frame) (wire.Frame, error) {
	req, err := wire.DecodeWriteData(f.Payload)
	if err != nil {
		return wire.Frame{}, err
	}

	c.mu.Lock()
	if req.Term < c.currentTerm {
		term := c.currentTerm
		c.mu.Unlock()
		reply := wire.WriteDataReply{Term: term, HighestIdx: c.state.HighestPosition(), Accepted: false}
		return wire.Frame{Opcode: wire.OpWriteDataReply, Payload: reply.Encode()}, nil
	}
	if req.Term > c.currentTerm || c.role != RoleFollower {
		c.stepDownLocked(req.Term)
	}
	c.leaderAddress = from
	c.electionValidated = 1
	c.resetElectionTimerLocked()
	c.mu.Unlock()

	accepted := true
	if _, err := c.state.DefineTerm(req.PrevTerm, req.Term, req.Index); err != nil {
		accepted = false
	} else if len(req.Bytes) > 0 {
		if err := c.state.Write(req.Term, req.Index, req.Bytes); err != nil {
			accepted = false
		} else {
			c.enqueuePending(req.Term, req.Index, req.Bytes)
		}
	}
	commit := req.CommitIndex
	if hp := c.state.HighestPosition(); commit > hp {
		commit = hp
	}
	c.state.Commit(commit)
	c.applyThroughCommit(commit)

	reply := wire.WriteDataReply{Term: c.Term(), HighestIdx: c.state.HighestPosition(), Accepted: accepted}
	return wire.Frame{Opcode: wire.OpWriteDataReply, Payload: reply.Encode()}, nil
}

func (c *Controller) handleQueryTerms(f wire.Frame) (wire.Frame, error) {
	req, err := wire.DecodeQueryTerms(f.Payload)
	if err != nil {
		return wire.Frame{}, err
	}
	_ = req
	// A single-TermLog-per-definition design means the caller's own
	// DefineTerm history already encodes boundaries; this peer reports
	// its current tail term as the best it can offer.
	term, pos := c.state.HighestTerm()
	reply := wire.QueryTermsReply{Entries: []wire.TermEntry{{Term: term, StartPosition: pos}}}
	return wire.Frame{Opcode: wire.OpQueryTermsReply, Payload: reply.Encode()}, nil
}

func (c *Controller) handleQueryData(f wire.Frame) (wire.Frame, error) {
	req, err := wire.DecodeQueryData(f.Payload)
	if err != nil {
		return wire.Frame{}, err
	}
	term, _ := c.state.HighestTerm()
	length := int(req.End - req.Start)
	if length <= 0 {
		return wire.Frame{Opcode: wire.OpQueryDataReply, Payload: wire.QueryDataReply{}.Encode()}, nil
	}
	data, err := c.state.Read(term, req.Start, length)
	if err != nil {
		return wire.Frame{Opcode: wire.OpQueryDataReply, Payload: wire.QueryDataReply{}.Encode()}, nil
	}
	reply := wire.QueryDataReply{Chunks: []wire.DataChunk{{Term: term, Position: req.Start, Bytes: data}}}
	return wire.Frame{Opcode: wire.OpQueryDataReply, Payload: reply.Encode()}, nil
}

func (c *Controller) handleSyncCommit(f wire.Frame) (wire.Frame, error) {
	req, err := wire.DecodeSyncCommit(f.Payload)
	if err != nil {
		return wire.Frame{}, err
	}
	if err := c.state.SyncCommit(req.PrevTerm, req.Term, req.Index); err != nil {
		return wire.Frame{}, err
	}
	reply := wire.SyncCommitReply{GroupVersion: c.roster.Version(), Term: req.Term, Index: req.Index}
	return wire.Frame{Opcode: wire.OpSyncCommitReply, Payload: reply.Encode()}, nil
}

func (c *Controller) handleSnapshotScore() (wire.Frame, error) {
	reply := wire.SnapshotScoreReply{ActiveSessions: 0, Weight: c.state.HighestPosition()}
	return wire.Frame{Opcode: wire.OpSnapshotScoreReply, Payload: reply.Encode()}, nil
}

func (c *Controller) handleUpdateRole(f wire.Frame) (wire.Frame, error) {
	req, err := wire.DecodeUpdateRole(f.Payload)
	if err != nil {
		return wire.Frame{}, err
	}
	if c.Role() != RoleLeader {
		reply := wire.UpdateRoleReply{GroupVersion: c.roster.Version(), MemberID: req.MemberID, Error: wire.NotLeader}
		return wire.Frame{Opcode: wire.OpUpdateRoleReply, Payload: reply.Encode()}, nil
	}
	if _, err := c.ProposeUpdateRole(req.MemberID, roleFromWire(req.Role)); err != nil {
		reply := wire.UpdateRoleReply{GroupVersion: c.roster.Version(), MemberID: req.MemberID, Error: errorCodeFor(err)}
		return wire.Frame{Opcode: wire.OpUpdateRoleReply, Payload: reply.Encode()}, nil
	}
	reply := wire.UpdateRoleReply{GroupVersion: c.roster.Version(), MemberID: req.MemberID, Error: wire.Success}
	return wire.Frame{Opcode: wire.OpUpdateRoleReply, Payload: reply.Encode()}, nil
}

// handleJoin services an inbound join request: a non-leader either
// redirects to the known leader or reports NO_LEADER; the leader proposes
// the join, waits (bounded by JoinTimeout) for it to commit, and streams
// back the committed position and a roster snapshot.
func (c *Controller) handleJoin(ctx context.Context, f wire.Frame) (wire.Frame, error) {
	req, err := wire.DecodeJoin(f.Payload)
	if err != nil {
		return wire.Frame{}, err
	}
	if req.Address == "" {
		reply := wire.JoinReply{Kind: wire.OpError, Error: wire.InvalidAddress}
		return wire.Frame{Opcode: wire.OpJoin, Payload: reply.Encode()}, nil
	}

	if c.Role() != RoleLeader {
		if leader, ok := c.LeaderAddress(); ok {
			reply := wire.JoinReply{Kind: wire.OpAddress, LeaderAddress: leader}
			return wire.Frame{Opcode: wire.OpJoin, Payload: reply.Encode()}, nil
		}
		reply := wire.JoinReply{Kind: wire.OpError, Error: wire.NoLeader}
		return wire.Frame{Opcode: wire.OpJoin, Payload: reply.Encode()}, nil
	}

	msg, index, err := c.ProposeJoin(req.Address)
	if err != nil {
		reply := wire.JoinReply{Kind: wire.OpError, Error: errorCodeFor(err)}
		return wire.Frame{Opcode: wire.OpJoin, Payload: reply.Encode()}, nil
	}
	end := index + uint64(len(wrapControl(encodeControlMessage(msg))))

	joinCtx, cancel := context.WithTimeout(ctx, JoinTimeout)
	defer cancel()
	for {
		if c.state.CommitPosition() >= end {
			break
		}
		select {
		case <-joinCtx.Done():
			reply := wire.JoinReply{Kind: wire.OpError, Error: wire.NoConsensus}
			return wire.Frame{Opcode: wire.OpJoin, Payload: reply.Encode()}, nil
		case <-time.After(5 * time.Millisecond):
		}
	}

	prevTerm, term := c.priorAndCurrentTerm()
	reply := wire.JoinReply{Kind: wire.OpJoined, PrevTerm: prevTerm, Term: term, Index: index, GroupFile: c.roster.Bytes()}
	return wire.Frame{Opcode: wire.OpJoin, Payload: reply.Encode()}, nil
}

func (c *Controller) priorAndCurrentTerm() (uint64, uint64) {
	term, _ := c.state.HighestTerm()
	return 0, term
}
