package group

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/cuemby/emberdb/pkg/log"
)

// Callback is invoked once a proposed control message has been applied,
// with a snapshot of the roster taken while still holding the roster's
// read lock.
type Callback func(snapshot []Member)

// GroupFile is the versioned membership roster. It is safe for concurrent
// use; Propose* and Apply* may be called from different goroutines (the
// proposer and the replicated-log applier).
type GroupFile struct {
	path string

	mu            sync.RWMutex
	version       uint64
	groupID       uint64
	localMemberID uint64
	members       map[uint64]Member

	cbMu      sync.Mutex
	callbacks map[ControlMessage]Callback
}

// New creates a brand-new single-member roster (the bootstrap node) and
// persists it at path.
func New(path string, groupID, localMemberID uint64, localAddress string) (*GroupFile, error) {
	g := &GroupFile{
		path:          path,
		groupID:       groupID,
		localMemberID: localMemberID,
		version:       1,
		members: map[uint64]Member{
			localMemberID: {MemberID: localMemberID, Address: localAddress, Role: RoleNormal},
		},
		callbacks: make(map[ControlMessage]Callback),
	}
	g.mu.Lock()
	err := g.persistLocked()
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return g, nil
}

// Open loads path, recovering via the write-new/rename-old/rename-new/
// delete-old convention: if path is missing but path.old exists, a crash
// occurred between the rename-away and rename-in; path.old is restored.
// If localMemberID is 0 and the file is empty, New should be used instead.
func Open(path string, groupID, localMemberID uint64) (*GroupFile, error) {
	if err := recoverFile(path); err != nil {
		return nil, err
	}
	g := &GroupFile{
		path:          path,
		groupID:       groupID,
		localMemberID: localMemberID,
		members:       make(map[uint64]Member),
		callbacks:     make(map[ControlMessage]Callback),
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return g, nil
		}
		return nil, err
	}
	if err := g.parse(buf); err != nil {
		return nil, err
	}
	return g, nil
}

// recoverFile implements the 3-way crash recovery: a live file always
// wins; otherwise a leftover .old is the last known-good state.
func recoverFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		_ = os.Remove(path + ".new")
		_ = os.Remove(path + ".old")
		return nil
	}
	oldPath := path + ".old"
	if _, err := os.Stat(oldPath); err == nil {
		if err := os.Rename(oldPath, path); err != nil {
			return fmt.Errorf("group: restore from .old: %w", err)
		}
		log.WithComponent("group").Warn().Str("path", path).Msg("recovered group file from .old after crash")
	}
	_ = os.Remove(path + ".new")
	return nil
}

func (g *GroupFile) parse(buf []byte) error {
	scanner := bufio.NewScanner(strings.NewReader(string(buf)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("group: malformed line %q: %w", line, ErrCorrupt)
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		switch {
		case key == "version":
			v, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return fmt.Errorf("group: version: %w", ErrCorrupt)
			}
			g.version = v
		case key == "groupId":
			v, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return fmt.Errorf("group: groupId: %w", ErrCorrupt)
			}
			g.groupID = v
		case strings.HasPrefix(key, "member."):
			idStr := strings.TrimPrefix(key, "member.")
			id, err := strconv.ParseUint(idStr, 10, 64)
			if err != nil {
				return fmt.Errorf("group: member id %q: %w", idStr, ErrCorrupt)
			}
			fields := strings.SplitN(value, "|", 2)
			if len(fields) != 2 {
				return fmt.Errorf("group: member value %q: %w", value, ErrCorrupt)
			}
			role, ok := ParseRole(fields[1])
			if !ok {
				return fmt.Errorf("group: member role %q: %w", fields[1], ErrCorrupt)
			}
			g.members[id] = Member{MemberID: id, Address: fields[0], Role: role}
		}
	}
	return scanner.Err()
}

func (g *GroupFile) encodeLocked() []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "version = %d\n", g.version)
	fmt.Fprintf(&b, "groupId = %d\n", g.groupID)
	ids := make([]uint64, 0, len(g.members))
	for id := range g.members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		m := g.members[id]
		fmt.Fprintf(&b, "member.%d = %s|%s\n", id, m.Address, m.Role)
	}
	return []byte(b.String())
}

// persistLocked writes the roster atomically: path.new, then path renamed
// to path.old, then path.new renamed to path, then path.old removed.
// Callers must hold g.mu for writing.
func (g *GroupFile) persistLocked() error {
	newPath := g.path + ".new"
	oldPath := g.path + ".old"
	if err := os.WriteFile(newPath, g.encodeLocked(), 0o644); err != nil {
		return fmt.Errorf("group: write new: %w", err)
	}
	if _, err := os.Stat(g.path); err == nil {
		if err := os.Rename(g.path, oldPath); err != nil {
			return fmt.Errorf("group: rotate old: %w", err)
		}
	}
	if err := os.Rename(newPath, g.path); err != nil {
		return fmt.Errorf("group: install new: %w", err)
	}
	_ = os.Remove(oldPath)
	return nil
}

// Version returns the roster's current version.
func (g *GroupFile) Version() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.version
}

// GroupID returns the roster's group identifier, as persisted under the
// "groupId" key.
func (g *GroupFile) GroupID() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.groupID
}

// LocalMemberID returns the member id this instance identifies as.
func (g *GroupFile) LocalMemberID() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.localMemberID
}

// AdoptBytes saves buf (a roster snapshot received from a join reply) to
// path and opens it, inferring the local member id by matching
// localAddress against the roster's members. Used by a joining node,
// which does not know its own assigned member id until it sees the
// roster the leader committed its join against.
func AdoptBytes(path string, buf []byte, localAddress string) (*GroupFile, error) {
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return nil, fmt.Errorf("group: write adopted roster: %w", err)
	}
	g, err := Open(path, 0, 0)
	if err != nil {
		return nil, err
	}
	m, ok := g.memberByAddress(localAddress)
	if !ok {
		return nil, fmt.Errorf("group: adopted roster has no member at %s", localAddress)
	}
	g.localMemberID = m.MemberID
	return g, nil
}

// Members returns a snapshot of the current roster, sorted by member id.
func (g *GroupFile) Members() []Member {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.snapshotLocked()
}

// Bytes returns the properties-file encoding of the current roster, for
// streaming to a newly joined peer.
func (g *GroupFile) Bytes() []byte {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.encodeLocked()
}

func (g *GroupFile) snapshotLocked() []Member {
	out := make([]Member, 0, len(g.members))
	for _, m := range g.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MemberID < out[j].MemberID })
	return out
}

func (g *GroupFile) memberByAddress(address string) (Member, bool) {
	for _, m := range g.members {
		if m.Address == address {
			return m, true
		}
	}
	return Member{}, false
}

// ProposeJoin builds a join control message for address at the roster's
// current version. If cb is non-nil, it is registered against the exact
// returned message and invoked once ApplyJoin processes it.
func (g *GroupFile) ProposeJoin(address string, cb Callback) (ControlMessage, error) {
	g.mu.RLock()
	if _, ok := g.memberByAddress(address); ok {
		g.mu.RUnlock()
		return ControlMessage{}, ErrAlreadyMember
	}
	msg := ControlMessage{
		Op:      OpJoin,
		Version: g.version,
		Nonce:   uuid.NewString(),
		Address: address,
	}
	g.mu.RUnlock()
	g.register(msg, cb)
	return msg, nil
}

// ProposeUpdateRole builds a role-change control message.
func (g *GroupFile) ProposeUpdateRole(memberID uint64, role Role, cb Callback) (ControlMessage, error) {
	g.mu.RLock()
	if _, ok := g.members[memberID]; !ok {
		g.mu.RUnlock()
		return ControlMessage{}, ErrUnknownMember
	}
	msg := ControlMessage{
		Op:       OpUpdateRole,
		Version:  g.version,
		Nonce:    uuid.NewString(),
		MemberID: memberID,
		NewRole:  role,
	}
	g.mu.RUnlock()
	g.register(msg, cb)
	return msg, nil
}

// ProposeRemovePeer builds a removal control message. Removing the local
// member is always rejected: a node cannot vote itself out of its own
// roster view.
func (g *GroupFile) ProposeRemovePeer(memberID uint64, cb Callback) (ControlMessage, error) {
	if memberID == g.localMemberID {
		return ControlMessage{}, ErrCannotRemoveSelf
	}
	g.mu.RLock()
	if _, ok := g.members[memberID]; !ok {
		g.mu.RUnlock()
		return ControlMessage{}, ErrUnknownMember
	}
	msg := ControlMessage{
		Op:       OpRemovePeer,
		Version:  g.version,
		Nonce:    uuid.NewString(),
		MemberID: memberID,
	}
	g.mu.RUnlock()
	g.register(msg, cb)
	return msg, nil
}

func (g *GroupFile) register(msg ControlMessage, cb Callback) {
	if cb == nil {
		return
	}
	g.cbMu.Lock()
	g.callbacks[msg] = cb
	g.cbMu.Unlock()
}

func (g *GroupFile) takeCallback(msg ControlMessage) Callback {
	g.cbMu.Lock()
	defer g.cbMu.Unlock()
	cb := g.callbacks[msg]
	delete(g.callbacks, msg)
	return cb
}

// Apply mutates the roster per msg, once the replicated log has committed
// it at the given version, persists the result, and invokes any callback
// registered for this exact message while holding the roster's read lock
// so the callback can safely read a consistent snapshot.
func (g *GroupFile) Apply(msg ControlMessage) error {
	g.mu.Lock()
	if msg.Version != g.version {
		g.mu.Unlock()
		return fmt.Errorf("group: apply at version %d, roster at %d: %w", msg.Version, g.version, ErrVersionConflict)
	}

	switch msg.Op {
	case OpJoin:
		if _, ok := g.memberByAddress(msg.Address); ok {
			g.mu.Unlock()
			return ErrAlreadyMember
		}
		newID := g.version + 1
		g.members[newID] = Member{MemberID: newID, Address: msg.Address, Role: RoleObserver}
	case OpUpdateRole:
		m, ok := g.members[msg.MemberID]
		if !ok {
			g.mu.Unlock()
			return ErrUnknownMember
		}
		m.Role = msg.NewRole
		g.members[msg.MemberID] = m
	case OpRemovePeer:
		if msg.MemberID == g.localMemberID {
			g.mu.Unlock()
			return ErrCannotRemoveSelf
		}
		if _, ok := g.members[msg.MemberID]; !ok {
			g.mu.Unlock()
			return ErrUnknownMember
		}
		delete(g.members, msg.MemberID)
	default:
		g.mu.Unlock()
		return fmt.Errorf("group: unknown control op %d", msg.Op)
	}

	g.version++
	if err := g.persistLocked(); err != nil {
		g.mu.Unlock()
		return err
	}
	log.WithComponent("group").Info().Uint64("version", g.version).Int("op", int(msg.Op)).Msg("group file updated")
	snapshot := g.snapshotLocked()
	g.mu.Unlock()

	if cb := g.takeCallback(msg); cb != nil {
		g.mu.RLock()
		cb(snapshot)
		g.mu.RUnlock()
	}
	return nil
}
