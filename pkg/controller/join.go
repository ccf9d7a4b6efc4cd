package controller

import (
	"context"
	"fmt"

	"github.com/cuemby/emberdb/pkg/wire"
)

// GroupJoiner drives a prospective member's admission: contact each seed
// in turn, following OP_ADDRESS redirects to the current leader, until
// either admitted (OP_JOINED) or every seed is exhausted.
type GroupJoiner struct {
	channel      wire.Channel
	localAddress string
}

// NewGroupJoiner builds a joiner that sends join requests over ch,
// identifying itself as localAddress.
func NewGroupJoiner(ch wire.Channel, localAddress string) *GroupJoiner {
	return &GroupJoiner{channel: ch, localAddress: localAddress}
}

// Join contacts seeds in order, following at most one redirect per seed,
// and returns the OP_JOINED reply on success.
func (j *GroupJoiner) Join(ctx context.Context, seeds []string) (wire.JoinReply, error) {
	var lastErr error
	for _, seed := range seeds {
		reply, err := j.tryJoin(ctx, seed)
		if err != nil {
			lastErr = err
			continue
		}
		switch reply.Kind {
		case wire.OpJoined:
			return reply, nil
		case wire.OpAddress:
			redirected, err := j.tryJoin(ctx, reply.LeaderAddress)
			if err != nil {
				lastErr = err
				continue
			}
			if redirected.Kind == wire.OpJoined {
				return redirected, nil
			}
			lastErr = fmt.Errorf("controller: join redirect to %s failed: %s", reply.LeaderAddress, redirected.Error)
		case wire.OpError:
			lastErr = fmt.Errorf("controller: join refused by %s: %s", seed, reply.Error)
		}
	}
	if lastErr != nil {
		return wire.JoinReply{}, fmt.Errorf("%w: %v", ErrJoinTimeout, lastErr)
	}
	return wire.JoinReply{}, ErrJoinTimeout
}

func (j *GroupJoiner) tryJoin(ctx context.Context, address string) (wire.JoinReply, error) {
	connectCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()
	req := wire.Join{Address: j.localAddress}
	frame, err := j.channel.Send(connectCtx, address, wire.Frame{Opcode: wire.OpJoin, Payload: req.Encode()})
	if err != nil {
		return wire.JoinReply{}, err
	}
	return wire.DecodeJoinReply(frame.Payload)
}
