package page

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/emberdb/pkg/lock"
	"github.com/cuemby/emberdb/pkg/log"
	"github.com/cuemby/emberdb/pkg/metrics"
)

// headerFrameSize is a manager header slot's footprint: a generation
// counter followed by the fixed managerHeaderSize payload.
const headerFrameSize = 8 + managerHeaderSize

// Manager allocates, deletes and recycles pages on top of an Array, and
// orchestrates compaction across the three PageQueue free lists (regular,
// recycle, reserve). Header state is flushed to whichever of slots 0/1 was
// not most recently valid, so a crash mid-flush always leaves one slot
// intact.
type Manager struct {
	mu sync.Mutex

	array *Array

	regular *Queue
	recycle *Queue
	reserve *Queue // non-nil only while compacting

	totalPageCount uint64
	pageLimit      uint64 // 0 = unbounded
	lastSlot       ID     // slot written by the most recent flush

	compacting       atomic.Bool
	compactionTarget uint64
	compactionStart  time.Time
}

// Config controls Manager construction.
type Config struct {
	PageSize  int
	PageLimit uint64 // 0 = unbounded
}

// OpenManager opens (or creates) the page array at path and reconstructs
// manager state from whichever header slot carries the higher generation.
func OpenManager(path string, cfg Config) (*Manager, error) {
	pageSize := cfg.PageSize
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	arr, err := OpenArray(path, pageSize)
	if err != nil {
		return nil, err
	}

	m := &Manager{array: arr, pageLimit: cfg.PageLimit, totalPageCount: arr.Count()}
	if err := m.loadHeader(); err != nil {
		arr.Close()
		return nil, err
	}
	log.WithComponent("page").Info().Uint64("pages", m.totalPageCount).Msg("page manager opened")
	return m, nil
}

// loadHeader reads both header slots and adopts the one with the higher
// generation counter, or initializes fresh empty queues if neither slot
// has ever been written.
func (m *Manager) loadHeader() error {
	var best *managerHeader
	var bestSlot ID
	for _, slot := range []ID{HeaderSlotA, HeaderSlotB} {
		buf, err := m.array.ReadPage(slot)
		if err != nil {
			continue
		}
		if len(buf) < headerFrameSize {
			continue
		}
		gen := binary.LittleEndian.Uint64(buf[0:8])
		if gen == 0 {
			continue
		}
		h, err := decodeManagerHeader(buf[8:headerFrameSize])
		if err != nil {
			continue
		}
		h.generation = gen
		if best == nil || gen > best.generation {
			best = &h
			bestSlot = slot
		}
	}
	if best == nil {
		m.regular = newQueue("regular", m.array, Header{})
		m.recycle = newQueue("recycle", m.array, Header{})
		m.lastSlot = HeaderSlotB // next flush targets slot A
		return nil
	}
	m.totalPageCount = best.totalPageCount
	m.regular = newQueue("regular", m.array, best.regular)
	m.recycle = newQueue("recycle", m.array, best.recycle)
	m.lastSlot = bestSlot
	return nil
}

type managerHeader struct {
	generation     uint64
	totalPageCount uint64
	regular        Header
	recycle        Header
	reserve        Header
}

func decodeManagerHeader(buf []byte) (managerHeader, error) {
	if len(buf) < managerHeaderSize {
		return managerHeader{}, fmt.Errorf("page: manager header: %w", ErrCorrupt)
	}
	h := managerHeader{totalPageCount: binary.LittleEndian.Uint64(buf[0:8])}
	off := 8
	var err error
	if h.regular, err = DecodeHeader(buf[off : off+queueHeaderSize]); err != nil {
		return managerHeader{}, err
	}
	off += queueHeaderSize
	if h.recycle, err = DecodeHeader(buf[off : off+queueHeaderSize]); err != nil {
		return managerHeader{}, err
	}
	off += queueHeaderSize
	if h.reserve, err = DecodeHeader(buf[off : off+queueHeaderSize]); err != nil {
		return managerHeader{}, err
	}
	return h, nil
}

// flushHeader writes the current manager state to whichever slot was not
// most recently valid, bumping the generation counter.
func (m *Manager) flushHeader() error {
	target := HeaderSlotA
	if m.lastSlot == HeaderSlotA {
		target = HeaderSlotB
	}
	buf := make([]byte, m.array.PageSize())
	gen := uint64(1)
	if prev, err := m.array.ReadPage(m.lastSlot); err == nil && len(prev) >= 8 {
		gen = binary.LittleEndian.Uint64(prev[0:8]) + 1 // one past the most recent slot
	}
	binary.LittleEndian.PutUint64(buf[0:8], gen)
	body := buf[8:headerFrameSize]
	binary.LittleEndian.PutUint64(body[0:8], m.totalPageCount)
	off := 8
	copy(body[off:off+queueHeaderSize], m.regular.Header().Encode())
	off += queueHeaderSize
	copy(body[off:off+queueHeaderSize], m.recycle.Header().Encode())
	off += queueHeaderSize
	var reserveHeader Header
	if m.reserve != nil {
		reserveHeader = m.reserve.Header()
	}
	copy(body[off:off+queueHeaderSize], reserveHeader.Encode())

	if err := m.array.WritePage(target, buf); err != nil {
		return fmt.Errorf("page: flush header: %w", err)
	}
	m.lastSlot = target
	return nil
}

// PageSize returns the fixed page size backing this manager.
func (m *Manager) PageSize() int { return m.array.PageSize() }

// ReadPage reads the raw contents of a page previously returned by
// Allocate. Used by callers (UndoLog, StateLog snapshotting) that manage
// their own page-chain formats on top of pages the manager hands out.
func (m *Manager) ReadPage(id ID) ([]byte, error) { return m.array.ReadPage(id) }

// WritePage writes the raw contents of a page previously returned by
// Allocate.
func (m *Manager) WritePage(id ID, buf []byte) error { return m.array.WritePage(id, buf) }

// TotalPageCount reports the logical page count as of the last flush or
// in-memory mutation (growth, compaction-end).
func (m *Manager) TotalPageCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalPageCount
}

// Compacting reports whether a compaction is currently in progress. A
// single write to clear this flag is compaction's abort linearization
// point.
func (m *Manager) Compacting() bool {
	return m.compacting.Load()
}

// QueueDepths reports each free-list queue's current length, keyed by
// queue name ("regular", "recycle", "reserve"), for metrics.Stats
// reporting. The reserve queue is omitted while no compaction is active.
func (m *Manager) QueueDepths() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	depths := map[string]int{
		m.regular.Name(): m.regular.Len(),
		m.recycle.Name(): m.recycle.Len(),
	}
	if m.reserve != nil {
		depths[m.reserve.Name()] = m.reserve.Len()
	}
	return depths
}

// Allocate implements the five-step allocate policy: hot recycle buffer,
// on-disk recycle queue, regular queue (on-disk chain, then its in-memory
// buffer), reserve steal (only when
// compaction permits and the caller is not itself compaction bookkeeping),
// then grow the array by one page.
//
// unlimitedGrowth overrides PageLimit for this call; the page manager uses
// it for its own bookkeeping pages (queue spill nodes) during commit so
// user transactions never observe a false cache-exhausted failure caused
// by internal housekeeping.
func (m *Manager) Allocate(unlimitedGrowth bool) (ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocateLocked(unlimitedGrowth)
}

func (m *Manager) allocateLocked(unlimitedGrowth bool) (ID, error) {
	if id, ok := m.recycle.PopHot(); ok {
		metrics.PagesRecycledTotal.Inc()
		return id, nil
	}
	if id, ok, err := m.recycle.PopDisk(); err != nil {
		return 0, err
	} else if ok {
		metrics.PagesRecycledTotal.Inc()
		return id, nil
	}
	if id, ok, err := m.regular.PopDisk(); err != nil {
		return 0, err
	} else if ok {
		metrics.PagesAllocatedTotal.Inc()
		return id, nil
	}
	if id, ok := m.regular.PopHot(); ok {
		metrics.PagesAllocatedTotal.Inc()
		return id, nil
	}
	if m.reserve != nil && !m.compacting.Load() {
		if id, ok, err := m.reserve.PopDisk(); err != nil {
			return 0, err
		} else if ok {
			metrics.PagesAllocatedTotal.Inc()
			return id, nil
		}
	}
	if m.pageLimit != 0 && !unlimitedGrowth && m.totalPageCount >= m.pageLimit {
		return 0, ErrCacheExhausted
	}
	id, err := m.array.Extend(1)
	if err != nil {
		return 0, fmt.Errorf("page: allocate: %w", err)
	}
	m.totalPageCount = uint64(id) + 1
	metrics.PagesAllocatedTotal.Inc()
	return id, nil
}

// Delete returns id to a free queue: the reserve queue if id falls in the
// active compaction zone, otherwise the regular (delete) queue. If
// allocFree is true, the call never allocates a spill node page mid-delete
// (used when the caller holds locks that forbid reentrant I/O); the entry
// is buffered in the queue's hot list instead and spilled on a later call.
func (m *Manager) Delete(id ID, allocFree bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.route(id, allocFree, false)
}

// Recycle returns id to the recycle queue unless it falls in the active
// compaction zone, in which case it goes to the reserve queue like Delete.
func (m *Manager) Recycle(id ID, allocFree bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.route(id, allocFree, true)
}

func (m *Manager) route(id ID, allocFree, recycle bool) error {
	if m.compacting.Load() && uint64(id) >= m.compactionTarget && m.reserve != nil {
		err := m.reserve.Push(id, allocFree)
		if err == nil {
			metrics.FreeQueueDepth.WithLabelValues("reserve").Set(float64(m.reserve.Len()))
		}
		return err
	}
	q := m.regular
	label := "regular"
	if recycle {
		q = m.recycle
		label = "recycle"
	}
	if err := q.Push(id, allocFree); err != nil {
		return err
	}
	metrics.FreeQueueDepth.WithLabelValues(label).Set(float64(q.Len()))
	metrics.PagesDeletedTotal.Inc()
	return nil
}

// Flush persists the header and hot-buffer spills that allocFree deferred.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range []*Queue{m.regular, m.recycle, m.reserve} {
		if q == nil {
			continue
		}
		for len(q.hot) > nodeCapacity(q.array.PageSize()) {
			if err := q.spill(); err != nil {
				return err
			}
		}
	}
	return m.flushHeader()
}

// Close flushes the header and releases the backing array.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.flushHeader(); err != nil {
		return err
	}
	return m.array.Close()
}

// --- Compaction ---

// CompactionStart allocates an initial reserve-queue (implicit, empty at
// this point), publishes it, and records the target page count below
// which no page may be relocated.
func (m *Manager) CompactionStart(targetPageCount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.compacting.Load() {
		return ErrCompactionInProgress
	}
	if targetPageCount >= m.totalPageCount {
		return fmt.Errorf("page: compaction target %d not below total %d", targetPageCount, m.totalPageCount)
	}
	m.reserve = newQueue("reserve", m.array, Header{})
	m.compactionTarget = targetPageCount
	m.compactionStart = time.Now()
	m.compacting.Store(true)
	log.WithComponent("page").Info().Uint64("target", targetPageCount).Msg("compaction started")
	return nil
}

// CompactionScanFreeList drains both the regular and recycle free lists,
// re-routing any page at or above the compaction target into the reserve
// queue. cl is taken shared periodically so long scans yield to other
// writers on contention; locker identifies this goroutine's reentrant
// hold.
func (m *Manager) CompactionScanFreeList(cl *lock.CommitLock, locker *lock.Locker) error {
	if !m.compacting.Load() {
		return ErrCompactionNotStarted
	}
	const yieldEvery = 256
	scanned := 0
	for _, q := range []*Queue{m.regular, m.recycle} {
		// Visit exactly the entries present at scan-start. Below-target
		// entries are held in a local slice and pushed back after the pass;
		// pushing them straight back would let PopHot return them again.
		m.mu.Lock()
		remaining := q.Len()
		m.mu.Unlock()

		var keep []ID
		requeue := func() error {
			m.mu.Lock()
			defer m.mu.Unlock()
			for _, id := range keep {
				if err := q.Push(id, false); err != nil {
					return err
				}
			}
			return nil
		}
		for remaining > 0 {
			m.mu.Lock()
			if !m.compacting.Load() {
				m.mu.Unlock()
				return requeue() // aborted mid-scan
			}
			id, ok, err := q.PopDisk()
			if !ok && err == nil {
				id, ok = q.PopHot()
			}
			if err != nil {
				m.mu.Unlock()
				return err
			}
			if !ok {
				m.mu.Unlock()
				break
			}
			remaining--
			var pushErr error
			if uint64(id) >= m.compactionTarget {
				pushErr = m.reserve.Push(id, false)
			} else {
				keep = append(keep, id)
			}
			m.mu.Unlock()
			if pushErr != nil {
				return pushErr
			}
			scanned++
			if scanned%yieldEvery == 0 && cl != nil {
				cl.ReleaseShared(locker)
				cl.AcquireShared(locker)
			}
		}
		if err := requeue(); err != nil {
			return err
		}
	}
	return nil
}

// CompactionVerify checks that the reserve queue covers every page id in
// [target, total).
func (m *Manager) CompactionVerify() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.compacting.Load() {
		return ErrCompactionNotStarted
	}
	want := m.totalPageCount - m.compactionTarget
	have := uint64(m.reserve.Len())
	if have < want {
		return ErrCompactionVerifyFailed
	}
	return nil
}

// CompactionEnd commits the new (lower) total page count and clears the
// in-flight reserve queue's role as a relocation staging area, demoting
// it to an ordinary free queue bounded above by the old total. It acquires
// cl exclusively itself for the commit; this is the one place compaction
// takes the commit lock exclusive.
func (m *Manager) CompactionEnd(cl *lock.CommitLock, locker *lock.Locker) error {
	if err := m.CompactionVerify(); err != nil {
		// Abort: clear compacting cheaply, leave everything in place.
		m.compacting.Store(false)
		m.mu.Lock()
		m.reserve = nil
		m.mu.Unlock()
		return err
	}
	cl.AcquireExclusive(locker)
	defer cl.ReleaseExclusive(locker)

	m.mu.Lock()
	defer m.mu.Unlock()
	oldTotal := m.totalPageCount
	m.totalPageCount = m.compactionTarget
	m.reserve.upperBound = oldTotal
	m.compacting.Store(false)
	metrics.CompactionsTotal.Inc()
	metrics.CompactionDuration.Observe(time.Since(m.compactionStart).Seconds())
	log.WithComponent("page").Info().Uint64("new_total", m.totalPageCount).Msg("compaction ended")
	return m.flushHeader()
}

// CompactionReclaim drains the reserve queue, folding its entries back
// into the regular free queue now that compaction has committed.
func (m *Manager) CompactionReclaim() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reserve == nil {
		return nil
	}
	for {
		id, ok, err := m.reserve.PopDisk()
		if err != nil {
			return err
		}
		if !ok {
			if id, ok = m.reserve.PopHot(); !ok {
				break
			}
		}
		if err := m.regular.Push(id, false); err != nil {
			return err
		}
	}
	m.reserve = nil
	return nil
}

// TruncatePages physically shrinks the backing array to the current
// logical total page count, the final compaction step.
func (m *Manager) TruncatePages() error {
	m.mu.Lock()
	total := m.totalPageCount
	m.mu.Unlock()
	return m.array.Truncate(total)
}
