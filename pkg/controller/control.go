package controller

import (
	"encoding/binary"
	"errors"

	"github.com/cuemby/emberdb/pkg/group"
	"github.com/cuemby/emberdb/pkg/log"
	"github.com/cuemby/emberdb/pkg/wire"
)

// Every replicated log entry is prefixed with a one-byte envelope tag so
// a follower applying committed entries can tell ordinary data writes
// from membership control messages sharing the same log.
const (
	envelopeData    byte = 0
	envelopeControl byte = 1
)

func wrapData(b []byte) []byte {
	return append([]byte{envelopeData}, b...)
}

func wrapControl(b []byte) []byte {
	return append([]byte{envelopeControl}, b...)
}

// encodeControlMessage serializes a group.ControlMessage as an op byte
// followed by fixed 8-byte little-endian fields (strings carry an 8-byte
// length prefix, unlike pkg/wire's 4-byte one), kept local to this package
// since the format is a controller/group concern, not a group-file concern.
func encodeControlMessage(m group.ControlMessage) []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, byte(m.Op))
	buf = appendUint64(buf, m.Version)
	buf = appendString(buf, m.Nonce)
	buf = appendString(buf, m.Address)
	buf = appendUint64(buf, m.MemberID)
	buf = append(buf, byte(m.NewRole))
	return buf
}

func decodeControlMessage(buf []byte) (group.ControlMessage, error) {
	var m group.ControlMessage
	if len(buf) < 1 {
		return m, errors.New("controller: empty control message")
	}
	m.Op = group.ControlOp(buf[0])
	rest := buf[1:]
	var ok bool
	m.Version, rest, ok = readUint64(rest)
	if !ok {
		return m, errors.New("controller: truncated control message")
	}
	m.Nonce, rest, ok = readString(rest)
	if !ok {
		return m, errors.New("controller: truncated control message")
	}
	m.Address, rest, ok = readString(rest)
	if !ok {
		return m, errors.New("controller: truncated control message")
	}
	m.MemberID, rest, ok = readUint64(rest)
	if !ok {
		return m, errors.New("controller: truncated control message")
	}
	if len(rest) < 1 {
		return m, errors.New("controller: truncated control message")
	}
	m.NewRole = group.Role(rest[0])
	return m, nil
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendUint64(buf, uint64(len(s)))
	return append(buf, s...)
}

func readUint64(buf []byte) (uint64, []byte, bool) {
	if len(buf) < 8 {
		return 0, buf, false
	}
	return binary.LittleEndian.Uint64(buf[:8]), buf[8:], true
}

func readString(buf []byte) (string, []byte, bool) {
	n, rest, ok := readUint64(buf)
	if !ok || uint64(len(rest)) < n {
		return "", buf, false
	}
	return string(rest[:n]), rest[n:], true
}

// pendingApply is one written-but-not-yet-committed log entry awaiting
// applyThroughCommit.
type pendingApply struct {
	term    uint64
	index   uint64
	payload []byte
}

// enqueuePending records a just-written entry for later, commit-gated
// application. It must not be applied yet: the entry could still be
// overwritten if this node's term loses the election or a diverging
// leader's write wins the log-matching race.
func (c *Controller) enqueuePending(term, index uint64, payload []byte) {
	c.applyMu.Lock()
	c.pending = append(c.pending, pendingApply{term: term, index: index, payload: payload})
	c.applyMu.Unlock()
}

// applyThroughCommit applies every pending entry whose end position falls
// at or before commit, in log order, each exactly once. Entries still
// ahead of commit are left queued.
func (c *Controller) applyThroughCommit(commit uint64) {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()
	i := 0
	for ; i < len(c.pending); i++ {
		entry := c.pending[i]
		end := entry.index + uint64(len(entry.payload))
		if end > commit {
			break
		}
		if end > c.appliedThru {
			c.applyCommitted(entry.term, entry.index, entry.payload)
			c.appliedThru = end
		}
	}
	c.pending = c.pending[i:]
}

// discardPending drops every entry still awaiting commit, without
// applying them.
func (c *Controller) discardPending() {
	c.applyMu.Lock()
	c.pending = nil
	c.applyMu.Unlock()
}

// applyCommitted inspects one committed log entry and, if it carries a
// control envelope, applies it to the roster and schedules a quick
// leadership affirmation broadcast on group change. Callers must only
// invoke this once an entry is known committed (via applyThroughCommit);
// it performs no commit check of its own.
func (c *Controller) applyCommitted(term, index uint64, data []byte) {
	if len(data) == 0 {
		return
	}
	if data[0] != envelopeControl {
		if data[0] == envelopeData && c.onData != nil {
			c.onData(term, index, data[1:])
		}
		return
	}
	msg, err := decodeControlMessage(data[1:])
	if err != nil {
		log.WithComponent("controller").Warn().Err(err).Msg("dropping malformed control message")
		return
	}
	if err := c.roster.Apply(msg); err != nil {
		log.WithComponent("controller").Warn().Err(err).Uint64("index", index).Msg("control message apply failed")
		return
	}
	log.WithComponent("controller").Info().Uint64("term", term).Uint64("index", index).Msg("control message committed")
	go func() { _ = c.AffirmLeadership() }()
}

// ProposeJoin is the leader-side half of a member join: it builds the
// control message, replicates it, and returns once the replicated log
// has accepted the write (not necessarily committed yet — callers await
// commit via the group file's callback or a subsequent poll).
func (c *Controller) ProposeJoin(address string) (group.ControlMessage, uint64, error) {
	if c.Role() != RoleLeader {
		return group.ControlMessage{}, 0, ErrNotLeader
	}
	msg, err := c.roster.ProposeJoin(address, nil)
	if err != nil {
		return group.ControlMessage{}, 0, err
	}
	payload := wrapControl(encodeControlMessage(msg))
	if !c.acceptor(payload) {
		return group.ControlMessage{}, 0, errors.New("controller: control message rejected by acceptor")
	}
	index, err := c.replicateEnveloped(payload)
	if err != nil {
		return group.ControlMessage{}, 0, err
	}
	return msg, index, nil
}

// ProposeUpdateRole is the leader-side half of a role change.
func (c *Controller) ProposeUpdateRole(memberID uint64, role group.Role) (uint64, error) {
	if c.Role() != RoleLeader {
		return 0, ErrNotLeader
	}
	msg, err := c.roster.ProposeUpdateRole(memberID, role, nil)
	if err != nil {
		return 0, err
	}
	payload := wrapControl(encodeControlMessage(msg))
	return c.replicateEnveloped(payload)
}

// ProposeRemovePeer is the leader-side half of a member removal.
func (c *Controller) ProposeRemovePeer(memberID uint64) (uint64, error) {
	if c.Role() != RoleLeader {
		return 0, ErrNotLeader
	}
	msg, err := c.roster.ProposeRemovePeer(memberID, nil)
	if err != nil {
		return 0, err
	}
	payload := wrapControl(encodeControlMessage(msg))
	return c.replicateEnveloped(payload)
}

func roleFromWire(b byte) group.Role { return group.Role(b) }

func errorCodeFor(err error) wire.ErrorCode {
	switch {
	case errors.Is(err, group.ErrUnknownMember):
		return wire.UnknownMember
	case errors.Is(err, group.ErrVersionConflict):
		return wire.VersionMismatch
	case errors.Is(err, ErrNotLeader):
		return wire.NotLeader
	default:
		return wire.UnknownOperation
	}
}
