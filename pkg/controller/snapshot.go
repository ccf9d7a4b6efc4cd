package controller

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"

	"github.com/cuemby/emberdb/pkg/log"
	"github.com/cuemby/emberdb/pkg/metrics"
)

// SnapshotSource produces a full point-in-time copy of the local
// database for streaming to a requester, alongside the replicated-log
// position it is consistent as of.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (r io.Reader, prevTerm, term, position uint64, err error)
}

// SnapshotSink consumes a streamed snapshot and installs it locally.
// RequestSnapshot hands it the dialed connection directly; it does not
// truncate the local log to the snapshot's position first.
type SnapshotSink interface {
	ApplySnapshot(ctx context.Context, r io.Reader) error
}

// SnapshotDialer opens the direct, out-of-band connection a snapshot
// transfer streams over (bypassing the request/reply Channel, since a
// snapshot can be arbitrarily large). The default dials a TCP address.
type SnapshotDialer func(ctx context.Context, address string) (io.ReadWriteCloser, error)

func defaultSnapshotDialer(ctx context.Context, address string) (io.ReadWriteCloser, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", address)
}

// scoredPeer is one snapshot-score poll result.
type scoredPeer struct {
	address        string
	activeSessions uint64
	weight         uint64
}

// RequestSnapshot polls every consensus peer for its fitness to serve a
// snapshot, picks the best (fewest active sessions, then highest weight,
// then a random tie-break), and streams the transfer into sink.
func (c *Controller) RequestSnapshot(ctx context.Context, dialer SnapshotDialer, sink SnapshotSink) error {
	if dialer == nil {
		dialer = defaultSnapshotDialer
	}
	peers := c.votingPeers()
	if len(peers) == 0 {
		metrics.SnapshotTransfersTotal.WithLabelValues("follower", "no_peers").Inc()
		return ErrNoConsensus
	}

	var scored []scoredPeer
	for _, peer := range peers {
		scoreCtx, cancel := context.WithTimeout(ctx, SnapshotReplyTimeout)
		reply, err := c.sendSnapshotScore(scoreCtx, peer)
		cancel()
		if err != nil {
			continue
		}
		scored = append(scored, scoredPeer{address: peer, activeSessions: reply.ActiveSessions, weight: reply.Weight})
	}
	if len(scored) == 0 {
		metrics.SnapshotTransfersTotal.WithLabelValues("follower", "unreachable").Inc()
		return ErrNoConsensus
	}

	best := pickBestSnapshotPeer(scored)

	connectCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	conn, err := dialer(connectCtx, best.address)
	cancel()
	if err != nil {
		metrics.SnapshotTransfersTotal.WithLabelValues("follower", "dial_failed").Inc()
		return fmt.Errorf("controller: dial snapshot peer %s: %w", best.address, err)
	}
	defer conn.Close()

	log.WithComponent("controller").Info().Str("peer", best.address).Msg("starting snapshot transfer")
	if err := sink.ApplySnapshot(ctx, conn); err != nil {
		metrics.SnapshotTransfersTotal.WithLabelValues("follower", "failed").Inc()
		return err
	}
	metrics.SnapshotTransfersTotal.WithLabelValues("follower", "success").Inc()
	return nil
}

func pickBestSnapshotPeer(scored []scoredPeer) scoredPeer {
	best := scored[0]
	var ties []scoredPeer
	ties = append(ties, best)
	for _, s := range scored[1:] {
		switch {
		case s.activeSessions < best.activeSessions || (s.activeSessions == best.activeSessions && s.weight > best.weight):
			best = s
			ties = []scoredPeer{s}
		case s.activeSessions == best.activeSessions && s.weight == best.weight:
			ties = append(ties, s)
		}
	}
	if len(ties) > 1 {
		return ties[rand.Intn(len(ties))]
	}
	return best
}

// ServeSnapshot is invoked on the serving side once a requester has
// connected; it writes source's current snapshot stream to conn.
func (c *Controller) ServeSnapshot(ctx context.Context, source SnapshotSource, conn io.Writer) error {
	r, _, _, _, err := source.Snapshot(ctx)
	if err != nil {
		metrics.SnapshotTransfersTotal.WithLabelValues("leader", "failed").Inc()
		return err
	}
	if _, err := io.Copy(conn, r); err != nil {
		metrics.SnapshotTransfersTotal.WithLabelValues("leader", "failed").Inc()
		return err
	}
	metrics.SnapshotTransfersTotal.WithLabelValues("leader", "success").Inc()
	return nil
}
