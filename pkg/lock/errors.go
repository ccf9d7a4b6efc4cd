package lock

import "errors"

// Sentinel errors returned by CommitLock and LockManager acquire paths.
// Callers should compare with errors.Is.
var (
	// ErrTimeout is returned when an acquire deadline elapses before the
	// lock becomes available. Lock state is left untouched.
	ErrTimeout = errors.New("lock: acquire timed out")

	// ErrDeadlock is returned when a wait-queue cycle is detected.
	ErrDeadlock = errors.New("lock: deadlock detected")

	// ErrInterrupted is returned when a context is canceled while waiting.
	ErrInterrupted = errors.New("lock: acquire interrupted")

	// ErrClosed is returned when a lock's owning bucket has been closed.
	ErrClosed = errors.New("lock: bucket closed")

	// ErrIllegalUpgrade is returned when an upgrade is requested under a
	// rule that forbids it from the locker's current mode.
	ErrIllegalUpgrade = errors.New("lock: illegal upgrade")
)
