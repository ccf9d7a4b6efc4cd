package undo

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cuemby/emberdb/pkg/log"
	"github.com/cuemby/emberdb/pkg/page"
)

// inlineCopyLimit bounds how large a log can be before Checkpoint prefers
// a LOG_REF pointer over copying its bytes inline into the master log.
const inlineCopyLimit = 256

// MasterLog is the process-wide registry of every active transaction's
// undo Log, guarded by the owning database's commit lock. At checkpoint
// it writes one
// descriptor per active, non-empty log into its own backing Log;
// recovery walks that backing Log to reconstruct per-transaction logs.
type MasterLog struct {
	mu     sync.Mutex
	active map[uint64]*Log
	pm     *page.Manager
	self   *Log
}

// NewMasterLog creates an empty master log backed by pm.
func NewMasterLog(pm *page.Manager) *MasterLog {
	return &MasterLog{active: make(map[uint64]*Log), pm: pm, self: New(pm, 0)}
}

// Register adds l to the set of logs a checkpoint will describe.
func (ml *MasterLog) Register(l *Log) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	ml.active[l.TxnID] = l
}

// Unregister removes l, called once its transaction has fully committed
// or rolled back and its entries are truncated.
func (ml *MasterLog) Unregister(l *Log) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	delete(ml.active, l.TxnID)
}

// describe builds this log's checkpoint descriptor: LOG_COPY with the
// inline buffer's bytes if small and not yet promoted, otherwise LOG_REF
// pointing at the current top page and offset.
func (l *Log) describe() (Opcode, []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.promoted && len(l.buf) <= inlineCopyLimit {
		return OpLogCopy, append([]byte(nil), l.buf...)
	}
	payload := appendUvarint(nil, uint64(l.topPageID))
	payload = appendUvarint(payload, uint64(l.topOffset))
	return OpLogRef, payload
}

// Checkpoint writes one descriptor per active, non-empty registered log.
// The caller must hold the owning database's commit lock exclusive, since
// this walks and mutates the shared master log.
func (ml *MasterLog) Checkpoint() error {
	ml.mu.Lock()
	snapshot := make([]*Log, 0, len(ml.active))
	for _, l := range ml.active {
		snapshot = append(snapshot, l)
	}
	ml.mu.Unlock()

	for _, l := range snapshot {
		if l.Len() == 0 {
			continue
		}
		op, body := l.describe()
		if l.Committed() {
			op = op.committedTranslation()
		}
		payload := appendUvarint(nil, l.TxnID)
		payload = append(payload, body...)
		if err := ml.self.push(op, payload); err != nil {
			return fmt.Errorf("undo: checkpoint txn %d: %w", l.TxnID, err)
		}
	}
	log.WithComponent("undo").Debug().Int("txns", len(snapshot)).Msg("checkpoint wrote master log descriptors")
	return nil
}

// masterDescriptor is one decoded checkpoint record.
type masterDescriptor struct {
	txnID     uint64
	committed bool
	inline    []byte  // set for LOG_COPY[_COMMITTED]
	pageID    page.ID // set for LOG_REF[_COMMITTED]
	offset    int
	isRef     bool
}

func decodeDescriptor(op Opcode, payload []byte) (masterDescriptor, error) {
	txnID, n := binary.Uvarint(payload)
	if n <= 0 {
		return masterDescriptor{}, fmt.Errorf("undo: master descriptor txn id: %w", ErrCorrupt)
	}
	rest := payload[n:]
	d := masterDescriptor{txnID: txnID}
	switch op {
	case OpLogCopy, OpLogCopyCommitted:
		d.committed = op == OpLogCopyCommitted
		d.inline = rest
	case OpLogRef, OpLogRefCommitted:
		d.committed = op == OpLogRefCommitted
		d.isRef = true
		pid, m := binary.Uvarint(rest)
		if m <= 0 {
			return masterDescriptor{}, fmt.Errorf("undo: master descriptor page ref: %w", ErrCorrupt)
		}
		off, m2 := binary.Uvarint(rest[m:])
		if m2 <= 0 {
			return masterDescriptor{}, fmt.Errorf("undo: master descriptor offset: %w", ErrCorrupt)
		}
		d.pageID = page.ID(pid)
		d.offset = int(off)
	default:
		return masterDescriptor{}, fmt.Errorf("undo: unexpected master opcode %d: %w", op, ErrCorrupt)
	}
	return d, nil
}

// Descriptors drains the master log's own stack (LIFO, most recent
// checkpoint entry first) and returns every decoded descriptor. Used by
// Recover to reconstruct per-transaction logs.
func (ml *MasterLog) Descriptors() ([]masterDescriptor, error) {
	var out []masterDescriptor
	for {
		ml.self.mu.Lock()
		if ml.self.length == 0 {
			ml.self.mu.Unlock()
			break
		}
		op, payload, err := ml.self.pop()
		ml.self.mu.Unlock()
		if err != nil {
			return nil, err
		}
		d, err := decodeDescriptor(op, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
