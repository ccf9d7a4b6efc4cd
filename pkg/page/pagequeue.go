package page

import (
	"encoding/binary"
	"fmt"
)

// nodeHeaderSize is the framing at the front of every queue spill page:
// the id of the next (older) node in the chain, followed by the number of
// valid entries packed into the rest of the page.
const nodeHeaderSize = 8 + 4 + 4 // next ID, count, reserved

// Header is the 44-byte on-disk representation of a Queue's persisted
// state, embedded three times (regular, recycle, reserve) in the
// page-manager header.
type Header struct {
	HeadID     ID
	HeadOffset uint32 // index of the next unread entry within the head node
	TailID     ID
	TailOffset uint32 // index of the next free slot within the tail node
	Count      uint64 // total entries across the on-disk chain
	Removed    uint64 // entries popped since the chain was last compacted
	_reserved  uint32
}

// Encode writes h in its fixed 44-byte layout.
func (h Header) Encode() []byte {
	buf := make([]byte, queueHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(h.HeadID))
	binary.LittleEndian.PutUint32(buf[8:12], h.HeadOffset)
	binary.LittleEndian.PutUint64(buf[12:20], uint64(h.TailID))
	binary.LittleEndian.PutUint32(buf[20:24], h.TailOffset)
	binary.LittleEndian.PutUint64(buf[24:32], h.Count)
	binary.LittleEndian.PutUint64(buf[32:40], h.Removed)
	binary.LittleEndian.PutUint32(buf[40:44], h._reserved)
	return buf
}

// DecodeHeader parses a 44-byte Header.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < queueHeaderSize {
		return Header{}, fmt.Errorf("page: queue header: %w", ErrCorrupt)
	}
	return Header{
		HeadID:     ID(binary.LittleEndian.Uint64(buf[0:8])),
		HeadOffset: binary.LittleEndian.Uint32(buf[8:12]),
		TailID:     ID(binary.LittleEndian.Uint64(buf[12:20])),
		TailOffset: binary.LittleEndian.Uint32(buf[20:24]),
		Count:      binary.LittleEndian.Uint64(buf[24:32]),
		Removed:    binary.LittleEndian.Uint64(buf[32:40]),
		_reserved:  binary.LittleEndian.Uint32(buf[40:44]),
	}, nil
}

// node is the decoded form of one on-disk spill page: a next-node
// back-pointer (0 meaning none, since id 0 is a header slot and can never
// be a node) plus a dense run of page ids.
type node struct {
	next    ID
	entries []ID
}

func nodeCapacity(pageSize int) int {
	return (pageSize - nodeHeaderSize) / 8
}

func encodeNode(n node, pageSize int) []byte {
	buf := make([]byte, pageSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(n.next))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(n.entries)))
	off := nodeHeaderSize
	for _, id := range n.entries {
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(id))
		off += 8
	}
	return buf
}

func decodeNode(buf []byte) (node, error) {
	if len(buf) < nodeHeaderSize {
		return node{}, fmt.Errorf("page: queue node: %w", ErrCorrupt)
	}
	next := ID(binary.LittleEndian.Uint64(buf[0:8]))
	count := binary.LittleEndian.Uint32(buf[8:12])
	cap := nodeCapacity(len(buf))
	if int(count) > cap {
		return node{}, fmt.Errorf("page: queue node count %d exceeds capacity %d: %w", count, cap, ErrCorrupt)
	}
	entries := make([]ID, count)
	off := nodeHeaderSize
	for i := range entries {
		entries[i] = ID(binary.LittleEndian.Uint64(buf[off : off+8]))
		off += 8
	}
	return node{next: next, entries: entries}, nil
}

// Queue is one of PageManager's three free-page lists (regular, recycle,
// reserve): an in-memory hot append buffer backed by a persisted linked
// list of spill node pages, each holding a dense run of free page ids.
//
// Pop drains the hot buffer first (no I/O), then the on-disk chain
// starting at Header.HeadID. Push always appends to the hot buffer; once
// the hot buffer grows past one node's worth of entries it spills the
// oldest entries into a node page, unless the caller is in an
// allocation-free context, in which case the spill is deferred and the
// entries stay buffered.
type Queue struct {
	name   string
	array  *Array
	header Header
	hot    []ID

	// upperBound is set by PageManager.CompactionEnd on the reserve queue:
	// the old total page count, above which entries are eligible for
	// CompactionReclaim regardless of the compaction target.
	upperBound uint64
}

func newQueue(name string, array *Array, header Header) *Queue {
	return &Queue{name: name, array: array, header: header}
}

// Name identifies the queue for metrics labeling (regular, recycle, reserve).
func (q *Queue) Name() string { return q.name }

// Header returns the queue's current persisted-state header. It covers
// only the on-disk node chain; entries still in the hot buffer are not
// included.
func (q *Queue) Header() Header { return q.header }

// Len reports the total number of free pages the queue currently tracks,
// in memory and on disk combined.
func (q *Queue) Len() int {
	return len(q.hot) + int(q.header.Count-q.header.Removed)
}

// PushHot appends id to the in-memory hot buffer without touching disk.
// Used for pages freed and immediately re-eligible within the same
// transaction.
func (q *Queue) PushHot(id ID) {
	q.hot = append(q.hot, id)
}

// Push appends id to the queue, spilling the oldest hot entries to a disk
// node once the hot buffer exceeds one node's capacity. If allocFree is
// true and a spill would require allocating a new node page, the push
// still succeeds into the hot buffer but the spill is skipped; callers in
// allocation-free contexts must tolerate an unbounded hot buffer until a
// later non-allocFree call drains it.
func (q *Queue) Push(id ID, allocFree bool) error {
	q.hot = append(q.hot, id)
	cap := nodeCapacity(q.array.PageSize())
	if len(q.hot) <= cap {
		return nil
	}
	if allocFree {
		return nil
	}
	return q.spill()
}

// spill writes one full node's worth of the oldest hot entries to a new
// disk node, prepending it to the chain.
func (q *Queue) spill() error {
	cap := nodeCapacity(q.array.PageSize())
	batch := q.hot[:cap]
	q.hot = append([]ID(nil), q.hot[cap:]...)

	nodeID, err := q.array.Extend(1)
	if err != nil {
		return fmt.Errorf("page: spill %s queue: %w", q.name, err)
	}
	n := node{next: q.header.HeadID, entries: batch}
	if err := q.array.WritePage(nodeID, encodeNode(n, q.array.PageSize())); err != nil {
		return err
	}
	q.header.HeadID = nodeID
	q.header.HeadOffset = 0
	q.header.Count += uint64(len(batch))
	if q.header.TailID == 0 {
		q.header.TailID = nodeID
	}
	return nil
}

// PopHot removes and returns one entry from the in-memory hot buffer, if
// any. This is allocate policy step 1: free, no write.
func (q *Queue) PopHot() (ID, bool) {
	if len(q.hot) == 0 {
		return 0, false
	}
	id := q.hot[len(q.hot)-1]
	q.hot = q.hot[:len(q.hot)-1]
	return id, true
}

// PopDisk removes and returns one entry from the on-disk chain, reading
// and rewriting the head node as needed. This is allocate policy steps 2
// and 3 (recycle queue, then regular queue).
func (q *Queue) PopDisk() (ID, bool, error) {
	for q.header.HeadID != 0 {
		buf, err := q.array.ReadPage(q.header.HeadID)
		if err != nil {
			return 0, false, err
		}
		n, err := decodeNode(buf)
		if err != nil {
			return 0, false, err
		}
		if int(q.header.HeadOffset) < len(n.entries) {
			id := n.entries[len(n.entries)-1-int(q.header.HeadOffset)]
			q.header.HeadOffset++
			q.header.Removed++
			if int(q.header.HeadOffset) == len(n.entries) {
				// Head node exhausted: advance to the next node. The
				// emptied node page itself becomes free.
				exhausted := q.header.HeadID
				q.header.HeadID = n.next
				q.header.HeadOffset = 0
				if n.next == 0 {
					q.header.TailID = 0
				}
				q.hot = append(q.hot, exhausted)
			}
			return id, true, nil
		}
		// Defensive: offset beyond entries means an empty node wasn't
		// unlinked; skip it.
		q.header.HeadID = n.next
		q.header.HeadOffset = 0
	}
	return 0, false, nil
}
