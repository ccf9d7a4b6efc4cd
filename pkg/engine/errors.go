package engine

import "errors"

// Sentinel errors for the facade level. Sub-package errors
// (lock.ErrTimeout, page.ErrCacheExhausted, ...) are returned to callers
// wrapped with %w rather than translated, so callers match them with
// errors.Is against the sub-package sentinel; none of the sentinels below
// is an alias for one of them.
var (
	// ErrClosed is returned by BeginTxn once Close has been called.
	ErrClosed = errors.New("engine: database closed")

	// ErrCorrupt names a page header, undo opcode, or replicated-log
	// segment that failed a consistency check. Database itself never
	// returns it and does not close itself on corruption; the sub-packages
	// report corruption through their own ErrCorrupt sentinels.
	ErrCorrupt = errors.New("engine: corrupt database")

	// ErrTxnDone is returned by Commit or Rollback called a second time,
	// or by any Txn method called after either has returned.
	ErrTxnDone = errors.New("engine: transaction already finished")

	// ErrKeyNotFound is returned by Get and Delete when the key is absent
	// from the named index.
	ErrKeyNotFound = errors.New("engine: key not found")

	// ErrNotLeader mirrors controller.ErrNotLeader for callers that only
	// import pkg/engine.
	ErrNotLeader = errors.New("engine: not leader")
)
