package controller

import (
	"context"
	"math/rand"

	"github.com/cuemby/emberdb/pkg/log"
	"github.com/cuemby/emberdb/pkg/metrics"
	"github.com/cuemby/emberdb/pkg/wire"
)

// scheduleMissingData arms the next missing-data repair cycle. A leader
// never runs this task; becomeLeaderLocked cancels it on transition.
func (c *Controller) scheduleMissingData() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.role == RoleLeader {
		return
	}
	delay := wire.RandomTimeout(MissingDataMin, MissingDataMax)
	c.missingDataTask = c.sched.Schedule(delay, c.runMissingDataCycle)
}

// runMissingDataCycle computes the ranges of the replicated log this peer
// has not yet received, fetches each from a random peer, and reschedules
// itself regardless of outcome.
func (c *Controller) runMissingDataCycle() {
	defer c.scheduleMissingData()

	if c.Role() == RoleLeader {
		return
	}
	peers := c.votingPeers()
	if len(peers) == 0 {
		return
	}

	metrics.MissingDataRepairsTotal.Inc()
	var ranges [][2]uint64
	c.state.CheckForMissingData(0, func(start, end uint64) {
		ranges = append(ranges, [2]uint64{start, end})
	})

	for _, r := range ranges {
		peer := peers[rand.Intn(len(peers))]
		c.repairRange(peer, r[0], r[1])
	}
}

func (c *Controller) repairRange(peer string, start, end uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), ElectionTimeoutMax)
	defer cancel()
	reply, err := c.sendQueryData(ctx, peer, start, end)
	if err != nil {
		c.listener.OnBackgroundTaskError("missing-data", err)
		return
	}
	for _, chunk := range reply.Chunks {
		if _, err := c.state.DefineTerm(0, chunk.Term, chunk.Position); err != nil {
			log.WithComponent("controller").Debug().Err(err).Msg("missing-data repair: term already defined")
		}
		if err := c.state.Write(chunk.Term, chunk.Position, chunk.Bytes); err != nil {
			c.listener.OnBackgroundTaskError("missing-data", err)
			return
		}
	}
}
