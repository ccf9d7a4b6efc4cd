package undo

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cuemby/emberdb/pkg/log"
	"github.com/cuemby/emberdb/pkg/metrics"
	"github.com/cuemby/emberdb/pkg/page"
)

const (
	pageHeaderSize = 1 + 1 + 2 + 8 // type, reserved, top-offset, lower-node-id
	pageHeaderType = 1
	initialBufSize = 128
)

// frame records enough to locate and replay one pushed entry without
// re-parsing the whole stack: its opcode, its total encoded length, and
// where it lives (inline buffer tail, or a specific page's data area).
type frame struct {
	op     Opcode
	length int
	pageID page.ID // zero if inline
}

// Log is one transaction's compensating-action stack. The caller is
// expected to hold the owning database's commit lock shared for the
// duration of any Push call.
type Log struct {
	mu sync.Mutex

	pm       *page.Manager
	pageSize int
	TxnID    uint64

	buf    []byte // inline growing buffer, valid while !promoted
	frames []frame
	length int // total encoded bytes, the savepoint unit

	promoted  bool
	topPageID page.ID
	topOffset int // within topPageID; pageSize when that page is empty

	activeIndexID uint64
	haveIndex     bool
	activeKey     []byte
	haveKey       bool

	committed  bool
	hasTrash   bool
	hasPrepare bool
}

// New creates a fresh, empty undo log for a transaction.
func New(pm *page.Manager, txnID uint64) *Log {
	pageSize := page.DefaultPageSize
	if pm != nil {
		pageSize = pm.PageSize()
	}
	return &Log{pm: pm, pageSize: pageSize, TxnID: txnID, buf: make([]byte, 0, initialBufSize)}
}

// Len reports the log's current encoded length in bytes, the unit
// ScopeEnter's savepoints are measured in.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.length
}

// HasTrash reports whether any delete-class or fragmented-undelete entry
// has ever been pushed; set on the transaction returned by recovery.
func (l *Log) HasTrash() bool { return l.hasTrash }

// HasPrepare reports whether an OpPrepare marker has been pushed.
func (l *Log) HasPrepare() bool { return l.hasPrepare }

func encodeEntry(op Opcode, payload []byte) []byte {
	if !op.HasPayload() {
		return []byte{byte(op)}
	}
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(payload)))
	out := make([]byte, 0, 1+n+len(payload))
	out = append(out, byte(op))
	out = append(out, lenBuf[:n]...)
	out = append(out, payload...)
	return out
}

func decodeEntry(data []byte) (Opcode, []byte, int, error) {
	if len(data) == 0 {
		return 0, nil, 0, fmt.Errorf("undo: empty entry: %w", ErrCorrupt)
	}
	op := Opcode(data[0])
	if !op.HasPayload() {
		return op, nil, 1, nil
	}
	n, varintLen := binary.Uvarint(data[1:])
	if varintLen <= 0 {
		return 0, nil, 0, fmt.Errorf("undo: bad length varint: %w", ErrCorrupt)
	}
	start := 1 + varintLen
	end := start + int(n)
	if end > len(data) {
		return 0, nil, 0, fmt.Errorf("undo: payload truncated: %w", ErrCorrupt)
	}
	return op, data[start:end], end, nil
}

// push is the low-level stack operation shared by every PushXxx helper.
func (l *Log) push(op Opcode, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if op.IsDeleteClass() {
		l.hasTrash = true
	}
	if op == OpPrepare {
		l.hasPrepare = true
	}

	encoded := encodeEntry(op, payload)
	if !l.promoted && l.length+len(encoded) > l.pageSize/2 {
		if err := l.promote(); err != nil {
			return err
		}
	}
	if !l.promoted {
		l.buf = append(l.buf, encoded...)
		l.frames = append(l.frames, frame{op: op, length: len(encoded)})
		l.length += len(encoded)
		return nil
	}
	return l.pushPage(op, encoded)
}

// promote moves the current inline buffer's entries into a freshly
// allocated page chain, then clears the inline buffer. Entries are
// replayed through pushPage in original order so the page-chain's
// top-grows-downward invariant holds from the first entry onward.
func (l *Log) promote() error {
	old := l.buf
	l.buf = nil
	l.promoted = true
	l.topPageID = 0
	l.topOffset = l.pageSize
	l.frames = l.frames[:0]
	l.length = 0

	off := 0
	for off < len(old) {
		op, _, consumed, err := decodeEntry(old[off:])
		if err != nil {
			return err
		}
		if err := l.pushPage(op, old[off:off+consumed]); err != nil {
			return err
		}
		off += consumed
	}
	metrics.UndoLogPromotionsTotal.Inc()
	log.WithComponent("undo").Debug().Uint64("txn", l.TxnID).Msg("undo log promoted to page chain")
	return nil
}

// pushPage writes one already-encoded entry into the page chain, growing
// a new page if the current top page has no room.
func (l *Log) pushPage(op Opcode, encoded []byte) error {
	if len(encoded) > l.pageSize-pageHeaderSize {
		return fmt.Errorf("undo: entry of %d bytes exceeds page capacity %d: %w", len(encoded), l.pageSize-pageHeaderSize, ErrCorrupt)
	}
	if l.topPageID == 0 || l.topOffset-len(encoded) < pageHeaderSize {
		if err := l.allocTopPage(l.topPageID); err != nil {
			return err
		}
	}
	buf, err := l.pm.ReadPage(l.topPageID)
	if err != nil {
		return err
	}
	newTop := l.topOffset - len(encoded)
	copy(buf[newTop:l.topOffset], encoded)
	l.topOffset = newTop
	writeUndoPageHeader(buf, uint16(l.topOffset), lowerNodeOf(buf))
	if err := l.pm.WritePage(l.topPageID, buf); err != nil {
		return err
	}
	l.frames = append(l.frames, frame{op: op, length: len(encoded), pageID: l.topPageID})
	l.length += len(encoded)
	return nil
}

// allocTopPage allocates a new top page chained below lowerID.
func (l *Log) allocTopPage(lowerID page.ID) error {
	id, err := l.pm.Allocate(true)
	if err != nil {
		return fmt.Errorf("undo: allocate chain page: %w", err)
	}
	buf := make([]byte, l.pageSize)
	writeUndoPageHeader(buf, uint16(l.pageSize), lowerID)
	if err := l.pm.WritePage(id, buf); err != nil {
		return err
	}
	l.topPageID = id
	l.topOffset = l.pageSize
	return nil
}

func writeUndoPageHeader(buf []byte, topOffset uint16, lowerNodeID page.ID) {
	buf[0] = pageHeaderType
	buf[1] = 0
	binary.LittleEndian.PutUint16(buf[2:4], topOffset)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(lowerNodeID))
}

func readUndoPageHeader(buf []byte) (topOffset uint16, lowerNodeID page.ID, err error) {
	if len(buf) < pageHeaderSize || buf[0] != pageHeaderType {
		return 0, 0, fmt.Errorf("undo: page header: %w", ErrCorrupt)
	}
	return binary.LittleEndian.Uint16(buf[2:4]), page.ID(binary.LittleEndian.Uint64(buf[4:12])), nil
}

func lowerNodeOf(buf []byte) page.ID {
	return page.ID(binary.LittleEndian.Uint64(buf[4:12]))
}

// pop removes and decodes the most recently pushed entry. Callers must
// hold l.mu.
func (l *Log) pop() (Opcode, []byte, error) {
	if len(l.frames) == 0 {
		return 0, nil, ErrEmptyRollback
	}
	f := l.frames[len(l.frames)-1]
	l.frames = l.frames[:len(l.frames)-1]
	l.length -= f.length

	if f.pageID == 0 {
		start := len(l.buf) - f.length
		op, payload, _, err := decodeEntry(l.buf[start:])
		if err != nil {
			return 0, nil, err
		}
		l.buf = l.buf[:start]
		return op, payload, nil
	}

	buf, err := l.pm.ReadPage(f.pageID)
	if err != nil {
		return 0, nil, err
	}
	top, lowerID, err := readUndoPageHeader(buf)
	if err != nil {
		return 0, nil, err
	}
	op, payload, consumed, err := decodeEntry(buf[top:])
	if err != nil {
		return 0, nil, err
	}
	newTop := int(top) + consumed
	if newTop >= l.pageSize {
		// Page fully drained: free it and drop to the chain's next page.
		if err := l.pm.Delete(f.pageID, false); err != nil {
			return 0, nil, err
		}
		l.topPageID = lowerID
		if lowerID != 0 {
			lb, err := l.pm.ReadPage(lowerID)
			if err != nil {
				return 0, nil, err
			}
			lt, _, err := readUndoPageHeader(lb)
			if err != nil {
				return 0, nil, err
			}
			l.topOffset = int(lt)
		} else {
			l.topOffset = l.pageSize
		}
	} else {
		writeUndoPageHeader(buf, uint16(newTop), lowerID)
		if err := l.pm.WritePage(f.pageID, buf); err != nil {
			return 0, nil, err
		}
		l.topOffset = newTop
	}
	return op, payload, nil
}
