package undo

import (
	"encoding/binary"
	"fmt"

	"github.com/cuemby/emberdb/pkg/metrics"
)

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

// ensureContext pushes an OpIndexSwitch and/or OpActiveKey marker if the
// active index or key differs from what the stack last recorded.
func (l *Log) ensureContext(indexID uint64, key []byte) error {
	l.mu.Lock()
	needIndex := !l.haveIndex || l.activeIndexID != indexID
	needKey := key != nil && (!l.haveKey || string(l.activeKey) != string(key))
	l.mu.Unlock()

	if needIndex {
		if err := l.push(OpIndexSwitch, appendUvarint(nil, indexID)); err != nil {
			return err
		}
		l.mu.Lock()
		l.activeIndexID = indexID
		l.haveIndex = true
		l.mu.Unlock()
	}
	if needKey {
		if err := l.push(OpActiveKey, key); err != nil {
			return err
		}
		l.mu.Lock()
		l.activeKey = append([]byte(nil), key...)
		l.haveKey = true
		l.mu.Unlock()
	}
	return nil
}

// PushUninsert records that key was newly inserted into indexID so a
// rollback deletes it.
func (l *Log) PushUninsert(indexID uint64, key []byte) error {
	if err := l.ensureContext(indexID, nil); err != nil {
		return err
	}
	return l.push(OpUninsert, key)
}

// PushUnupdate records the pre-image (key, value) of an update so a
// rollback restores it.
func (l *Log) PushUnupdate(indexID uint64, key, value []byte) error {
	return l.pushKV(indexID, OpUnupdate, key, value)
}

// PushUndelete records the pre-image (key, value) of a delete so a
// rollback restores it.
func (l *Log) PushUndelete(indexID uint64, key, value []byte) error {
	return l.pushKV(indexID, OpUndelete, key, value)
}

// PushUndeleteFragmented is PushUndelete for a value that was relocated to
// the fragmented-value trash table.
func (l *Log) PushUndeleteFragmented(indexID uint64, key, value []byte) error {
	return l.pushKV(indexID, OpUndeleteFragmented, key, value)
}

func (l *Log) pushKV(indexID uint64, op Opcode, key, value []byte) error {
	if err := l.ensureContext(indexID, nil); err != nil {
		return err
	}
	payload := appendUvarint(nil, uint64(len(key)))
	payload = append(payload, key...)
	payload = append(payload, value...)
	return l.push(op, payload)
}

func decodeKV(payload []byte) (key, value []byte, err error) {
	n, vlen := binary.Uvarint(payload)
	if vlen <= 0 || int(n)+vlen > len(payload) {
		return nil, nil, fmt.Errorf("undo: kv entry: %w", ErrCorrupt)
	}
	key = payload[vlen : vlen+int(n)]
	value = payload[vlen+int(n):]
	return key, value, nil
}

// PushUncreate records a value-accessor create so a rollback deletes it.
func (l *Log) PushUncreate(indexID uint64, key []byte) error {
	if err := l.ensureContext(indexID, key); err != nil {
		return err
	}
	return l.push(OpUncreate, nil)
}

// PushUnextend records a value-accessor extend so a rollback restores the
// prior length.
func (l *Log) PushUnextend(indexID uint64, key []byte, priorLength uint64) error {
	if err := l.ensureContext(indexID, key); err != nil {
		return err
	}
	return l.push(OpUnextend, appendUvarint(nil, priorLength))
}

// PushUnalloc records a value-accessor page allocation so a rollback frees
// the page back to the page manager.
func (l *Log) PushUnalloc(indexID uint64, key []byte, pageID uint64) error {
	if err := l.ensureContext(indexID, key); err != nil {
		return err
	}
	return l.push(OpUnalloc, appendUvarint(nil, pageID))
}

// PushUnwrite records a partial value-accessor write's overwritten bytes
// so a rollback restores them.
func (l *Log) PushUnwrite(indexID uint64, key []byte, offset uint64, old []byte) error {
	if err := l.ensureContext(indexID, key); err != nil {
		return err
	}
	payload := appendUvarint(nil, offset)
	payload = append(payload, old...)
	return l.push(OpUnwrite, payload)
}

// PushCustom dispatches to a caller-registered handler identified by id at
// rollback or recovery time.
func (l *Log) PushCustom(handlerID uint64, payload []byte) error {
	p := appendUvarint(nil, handlerID)
	p = append(p, payload...)
	return l.push(OpCustom, p)
}

// PushLockExclusive / PushLockUpgradable are no-ops at runtime; recovery
// uses them to know which locks to re-acquire.
func (l *Log) PushLockExclusive() error  { return l.push(OpLockExclusive, nil) }
func (l *Log) PushLockUpgradable() error { return l.push(OpLockUpgradable, nil) }

// PushPrepare marks the two-phase-commit boundary.
func (l *Log) PushPrepare() error { return l.push(OpPrepare, nil) }

// ScopeEnter pushes a scope marker and returns a savepoint identifying the
// log length just before it, so a later ScopeRollback can unwind exactly
// this scope's entries (the marker itself included).
func (l *Log) ScopeEnter() (Savepoint, error) {
	l.mu.Lock()
	sp := Savepoint(l.length)
	l.mu.Unlock()
	if err := l.push(OpScopeEnter, nil); err != nil {
		return 0, err
	}
	return sp, nil
}

// ScopeCommit pushes a marker that preserves every entry beneath it for an
// eventual higher-scope rollback.
func (l *Log) ScopeCommit() error {
	return l.push(OpScopeCommit, nil)
}

// ScopeRollback pops and undoes entries until the log's length is at or
// below sp, dispatching each opcode's undo action via actions.
func (l *Log) ScopeRollback(sp Savepoint, actions Actions) error {
	for {
		l.mu.Lock()
		length := l.length
		l.mu.Unlock()
		if length <= int(sp) {
			return nil
		}

		l.mu.Lock()
		op, payload, err := l.pop()
		l.mu.Unlock()
		if err != nil {
			return err
		}
		if err := l.dispatch(op, payload, actions); err != nil {
			return err
		}
	}
}

// RollbackAll unwinds the entire log from its current length to empty.
func (l *Log) RollbackAll(actions Actions) error {
	metrics.UndoLogDepth.Observe(float64(l.Len()))
	if err := l.ScopeRollback(0, actions); err != nil {
		return err
	}
	metrics.RollbacksTotal.Inc()
	return nil
}

// RollbackToPrepare unwinds entries down to (but not past) the most recent
// OpPrepare marker, used by two-phase-commit abort after prepare.
func (l *Log) RollbackToPrepare(actions Actions) error {
	for {
		l.mu.Lock()
		if l.length == 0 {
			l.mu.Unlock()
			return ErrNoPrepareMarker
		}
		op, payload, err := l.pop()
		l.mu.Unlock()
		if err != nil {
			return err
		}
		if op == OpPrepare {
			return nil
		}
		if err := l.dispatch(op, payload, actions); err != nil {
			return err
		}
	}
}

func (l *Log) dispatch(op Opcode, payload []byte, a Actions) error {
	switch op {
	case OpScopeEnter, OpScopeCommit, OpPrepare, OpLockExclusive, OpLockUpgradable:
		return nil
	case OpIndexSwitch:
		v, n := binary.Uvarint(payload)
		if n <= 0 {
			return ErrCorrupt
		}
		l.mu.Lock()
		l.activeIndexID = v
		l.haveIndex = true
		l.mu.Unlock()
		return nil
	case OpActiveKey:
		l.mu.Lock()
		l.activeKey = append([]byte(nil), payload...)
		l.haveKey = true
		l.mu.Unlock()
		return nil
	case OpUninsert:
		return a.Uninsert(l.currentIndex(), payload)
	case OpUnupdate, OpUndelete:
		key, value, err := decodeKV(payload)
		if err != nil {
			return err
		}
		return a.UnupdateOrUndelete(l.currentIndex(), key, value)
	case OpUndeleteFragmented:
		key, value, err := decodeKV(payload)
		if err != nil {
			return err
		}
		return a.UndeleteFragmented(l.currentIndex(), key, value)
	case OpUncreate:
		return a.Uncreate(l.currentIndex(), l.currentKey())
	case OpUnextend:
		v, n := binary.Uvarint(payload)
		if n <= 0 {
			return ErrCorrupt
		}
		return a.Unextend(l.currentIndex(), l.currentKey(), v)
	case OpUnalloc:
		v, n := binary.Uvarint(payload)
		if n <= 0 {
			return ErrCorrupt
		}
		return a.Unalloc(l.currentIndex(), l.currentKey(), v)
	case OpUnwrite:
		off, n := binary.Uvarint(payload)
		if n <= 0 {
			return ErrCorrupt
		}
		return a.Unwrite(l.currentIndex(), l.currentKey(), off, payload[n:])
	case OpCustom:
		id, n := binary.Uvarint(payload)
		if n <= 0 {
			return ErrCorrupt
		}
		h, ok := a.Custom[id]
		if !ok {
			return ErrNoCustomHandler
		}
		return h(payload[n:])
	case OpLogCopy, OpLogRef, OpLogCopyCommitted, OpLogRefCommitted:
		return nil
	default:
		return fmt.Errorf("undo: unknown opcode %d: %w", op, ErrCorrupt)
	}
}

func (l *Log) currentIndex() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.activeIndexID
}

func (l *Log) currentKey() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.activeKey
}

// Commit marks the log committed: its checkpoint-descriptor opcode
// translates LOG_COPY -> LOG_COPY_C and LOG_REF -> LOG_REF_C so a
// master-log recovery knows this transaction was live-committed at
// checkpoint time. The log's own entries are unaffected; only its
// checkpoint descriptor (translated by MasterLog.Checkpoint) uses it.
func (l *Log) Commit() {
	l.mu.Lock()
	l.committed = true
	l.mu.Unlock()
	metrics.UndoLogDepth.Observe(float64(l.Len()))
}

// Committed reports whether Commit has been called.
func (l *Log) Committed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.committed
}

// Truncate discards the entire log without running any undo action,
// called once a commit's ghosts have been cleaned up.
func (l *Log) Truncate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.promoted {
		id := l.topPageID
		for id != 0 {
			buf, err := l.pm.ReadPage(id)
			if err != nil {
				return err
			}
			_, lower, err := readUndoPageHeader(buf)
			if err != nil {
				return err
			}
			if err := l.pm.Delete(id, false); err != nil {
				return err
			}
			id = lower
		}
		l.promoted = false
		l.topPageID = 0
		l.topOffset = l.pageSize
	}
	l.buf = l.buf[:0]
	l.frames = l.frames[:0]
	l.length = 0
	return nil
}
