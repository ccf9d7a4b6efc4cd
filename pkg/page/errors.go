package page

import "errors"

var (
	// ErrCacheExhausted is returned when a page must be allocated but no
	// evictable or free candidate exists and the backing array cannot grow
	// (page limit reached). Transient: the caller may retry after freeing
	// space.
	ErrCacheExhausted = errors.New("page: cache exhausted")

	// ErrInvalidPage is returned on read/write of a page id outside
	// [0, count).
	ErrInvalidPage = errors.New("page: invalid page id")

	// ErrCorrupt indicates a page header or on-disk structure failed a
	// consistency check during recovery. Fatal: the caller should close
	// the database.
	ErrCorrupt = errors.New("page: corrupt structure")

	// ErrCompactionInProgress is returned by CompactionStart when a
	// compaction is already running.
	ErrCompactionInProgress = errors.New("page: compaction already in progress")

	// ErrCompactionNotStarted is returned by compaction steps invoked out
	// of order.
	ErrCompactionNotStarted = errors.New("page: compaction not started")

	// ErrCompactionVerifyFailed is returned by CompactionVerify when the
	// reserve queue does not yet cover the full truncation zone.
	ErrCompactionVerifyFailed = errors.New("page: compaction verify failed, reserve queue incomplete")

	// ErrAllocationDeferred names a spill deferred in an allocation-free
	// context. No current code path returns it: Queue.Push with allocFree
	// set keeps the entry in the hot buffer and returns nil, and the spill
	// happens on a later non-allocFree Push or on Manager.Flush.
	ErrAllocationDeferred = errors.New("page: queue spill deferred, allocation-free context")
)
