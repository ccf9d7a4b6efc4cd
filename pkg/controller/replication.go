package controller

import (
	"context"
	"sort"
	"sync"

	"github.com/cuemby/emberdb/pkg/log"
	"github.com/cuemby/emberdb/pkg/metrics"
	"github.com/cuemby/emberdb/pkg/wire"
)

// Replicate appends data to the log as a leader and broadcasts it to
// every consensus peer. It returns the entry's start position once every
// peer has replied or timed out and the commit position has been
// recomputed and applied from their acknowledgements; the local write is
// not fsynced, and the entry is not necessarily committed on return.
// A nil data replicates an empty heartbeat/leadership-affirmation entry.
func (c *Controller) Replicate(data []byte) (uint64, error) {
	return c.replicateEnveloped(wrapData(data))
}

func (c *Controller) replicateEnveloped(payload []byte) (uint64, error) {
	if c.Role() != RoleLeader {
		return 0, ErrNotLeader
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReplicationBroadcastDuration)

	c.mu.Lock()
	term := c.currentTerm
	index := c.state.HighestPosition()
	prevTerm, _ := c.state.HighestTerm()
	c.mu.Unlock()

	if err := c.state.Write(term, index, payload); err != nil {
		return 0, err
	}
	c.enqueuePending(term, index, payload)

	peers := c.votingPeers()
	var wg sync.WaitGroup
	var mu sync.Mutex
	matched := map[string]uint64{c.localAddress: c.state.HighestPosition()}

	for _, peer := range peers {
		wg.Add(1)
		go func(peer string) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), ElectionTimeoutMin)
			defer cancel()
			msg := c.buildWriteData(prevTerm, term, index, payload)
			reply, err := c.sendWriteData(ctx, peer, msg)
			if err != nil {
				return
			}
			if reply.Term > term {
				c.stepDown(reply.Term)
				return
			}
			if !reply.Accepted {
				return
			}
			mu.Lock()
			matched[peer] = reply.HighestIdx
			mu.Unlock()
		}(peer)
	}
	wg.Wait()

	c.mu.Lock()
	for peer, idx := range matched {
		if peer == c.localAddress {
			continue
		}
		if c.matchIndex == nil {
			c.matchIndex = make(map[string]uint64)
		}
		c.matchIndex[peer] = idx
	}
	commit := c.commitIndexLocked(matched[c.localAddress])
	c.mu.Unlock()

	c.state.Commit(commit)
	c.applyThroughCommit(commit)
	log.WithComponent("controller").Debug().Uint64("term", term).Uint64("index", index).Uint64("commit", commit).Msg("replication broadcast complete")
	return index, nil
}

func (c *Controller) buildWriteData(prevTerm, term, index uint64, payload []byte) wire.WriteData {
	return wire.WriteData{
		PrevTerm:    prevTerm,
		Term:        term,
		Index:       index,
		HighestIdx:  c.state.HighestPosition(),
		CommitIndex: c.state.CommitPosition(),
		Bytes:       payload,
	}
}

// commitIndexLocked computes the new commit index as the ⌈N/2⌉-th
// largest match-index across every consensus peer plus the leader's own
// highest written position. Callers
// must hold c.mu.
func (c *Controller) commitIndexLocked(selfHighest uint64) uint64 {
	values := []uint64{selfHighest}
	for _, v := range c.matchIndex {
		values = append(values, v)
	}
	return medianOf(values)
}

// medianOf returns the ⌈N/2⌉-th largest of values.
func medianOf(values []uint64) uint64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]uint64(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })
	idx := (len(sorted)+1)/2 - 1
	return sorted[idx]
}

// CommitIndex returns the current commit position.
func (c *Controller) CommitIndex() uint64 { return c.state.CommitPosition() }

// OnSyncCommitReply applies the same median algorithm to sync-match-index
// to compute the durable index.
func (c *Controller) OnSyncCommitReply(peer string, index uint64) {
	c.mu.Lock()
	if c.syncMatchIndex == nil {
		c.syncMatchIndex = make(map[string]uint64)
	}
	c.syncMatchIndex[peer] = index
	values := []uint64{c.state.HighestPosition()}
	for _, v := range c.syncMatchIndex {
		values = append(values, v)
	}
	durable := medianOf(values)
	c.mu.Unlock()
	c.state.CommitDurable(durable)
}
