package undo

import (
	"encoding/binary"

	"github.com/cuemby/emberdb/pkg/lock"
	"github.com/cuemby/emberdb/pkg/page"
)

// LockRequest is one lock recovery decided must be re-acquired, derived
// from an OpLockExclusive/OpLockUpgradable marker plus whatever active
// index/key the stack had recorded at that point.
type LockRequest struct {
	IndexID uint64
	Key     []byte
	Mode    lock.Mode
}

// RecoveredTxn is the result of reconstructing and walking one
// transaction's undo log during recovery.
type RecoveredTxn struct {
	TxnID      uint64
	Committed  bool
	HasTrash   bool
	HasPrepare bool
	Locks      []LockRequest
}

// GhostDeleter removes the B-tree ghost for (indexID, key), invoked by
// Recover for every delete-class entry in a committed log.
type GhostDeleter func(indexID uint64, key []byte) error

// Recover reconstructs every transaction described by the master log's
// checkpoint descriptors, walks each one's entries oldest-to-newest so
// every index/key marker is seen before the entries it applies to
// (deleting ghosts for committed delete-class entries via deleteGhost and
// collecting lock markers in acquisition order), and returns one
// RecoveredTxn per transaction id. The master log itself is left empty
// once this returns.
func (ml *MasterLog) Recover(deleteGhost GhostDeleter) (map[uint64]*RecoveredTxn, error) {
	descriptors, err := ml.Descriptors()
	if err != nil {
		return nil, err
	}

	out := make(map[uint64]*RecoveredTxn, len(descriptors))
	for _, d := range descriptors {
		entries, err := decodeDescriptorEntries(ml.pm, d)
		if err != nil {
			return nil, err
		}

		txn := &RecoveredTxn{TxnID: d.txnID, Committed: d.committed}
		var activeIndex uint64
		var activeKey []byte
		haveIndex, haveKey := false, false
		locks := make([]LockRequest, 0)

		// entries are newest-first; walk them oldest-first.
		for i := len(entries) - 1; i >= 0; i-- {
			e := entries[i]
			switch e.Op {
			case OpIndexSwitch:
				v, n := binary.Uvarint(e.Payload)
				if n > 0 {
					activeIndex, haveIndex = v, true
				}
			case OpActiveKey:
				activeKey, haveKey = e.Payload, true
			case OpPrepare:
				txn.HasPrepare = true
			case OpUndelete, OpUndeleteFragmented:
				txn.HasTrash = true
				if d.committed {
					key, _, err := decodeKV(e.Payload)
					if err != nil {
						return nil, err
					}
					idx := activeIndex
					if !haveIndex {
						idx = 0
					}
					if err := deleteGhost(idx, key); err != nil {
						return nil, err
					}
				}
			case OpLockExclusive, OpLockUpgradable:
				mode := lock.Upgradable
				if e.Op == OpLockExclusive {
					mode = lock.Exclusive
				}
				key := append([]byte(nil), activeKey...)
				if !haveKey {
					key = nil
				}
				locks = append(locks, LockRequest{IndexID: activeIndex, Key: key, Mode: mode})
			}
		}

		txn.Locks = locks
		out[d.txnID] = txn
	}
	return out, nil
}

// decodeDescriptorEntries returns a descriptor's entries ordered
// newest-first.
func decodeDescriptorEntries(pm *page.Manager, d masterDescriptor) ([]Entry, error) {
	if !d.isRef {
		entries, err := decodeEntriesForward(d.inline)
		if err != nil {
			return nil, err
		}
		reverse(entries)
		return entries, nil
	}
	return walkPageChain(pm, d.pageID)
}

func decodeEntriesForward(buf []byte) ([]Entry, error) {
	var out []Entry
	off := 0
	for off < len(buf) {
		op, payload, consumed, err := decodeEntry(buf[off:])
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Op: op, Payload: payload})
		off += consumed
	}
	return out, nil
}

func reverse(entries []Entry) {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
}

// walkPageChain reads a page chain top-to-bottom, yielding entries
// newest-first: each page's header topOffset marks its newest remaining
// entry, and bytes toward the page's end are progressively older; the
// chain continues into the next-lower page once a page is exhausted.
func walkPageChain(pm *page.Manager, topPageID page.ID) ([]Entry, error) {
	var out []Entry
	id := topPageID
	for id != 0 {
		buf, err := pm.ReadPage(id)
		if err != nil {
			return nil, err
		}
		top, lower, err := readUndoPageHeader(buf)
		if err != nil {
			return nil, err
		}
		off := int(top)
		for off < pm.PageSize() {
			op, payload, consumed, err := decodeEntry(buf[off:])
			if err != nil {
				return nil, err
			}
			out = append(out, Entry{Op: op, Payload: payload})
			off += consumed
		}
		id = lower
	}
	return out, nil
}
