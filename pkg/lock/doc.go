/*
Package lock implements emberdb's concurrency substrate: a CommitLock
latch biased toward shared acquirers, and a striped LockManager of
reentrant per-row locks.

# CommitLock

CommitLock is a single database-wide latch. Shared acquires are wait-free
unless an exclusive request is pending, in which case a first-time (non-
reentrant) shared acquirer waits on a gate channel until the exclusive
holder releases. A goroutine already holding shared may always re-enter
shared, and may acquire exclusive without deadlocking itself: its existing
shared holds are transferred into the release counters at the moment it
becomes the exclusive owner, so its own contribution never blocks its own
wait for "no other holders".

Exclusive acquire polls an acquire/release counter pair (sharded across 32
cache-line-padded counters to avoid contention) with exponential backoff,
starting at 1us and capping at 500ms, until the sums match — meaning no
shared holder remains outside of the exclusive owner itself.

# LockManager

LockManager stripes row locks across 16x the CPU count hashtable buckets
(LockHT), each guarded by its own mutex and condition variable. A lock is
identified by (index-id, key) and created lazily on first acquire; it is
removed from its bucket once its holder set and wait counters are all
empty.

Three modes are supported: Shared (reference-counted), Upgradable (single
owner, admits concurrent Shared) and Exclusive (single owner, no
concurrent holder of any mode). An UpgradeRule configures which holders may
promote Shared to Upgradable/Exclusive directly: Strict requires an
existing Upgradable hold, Lenient allows a sole Shared holder to promote,
and Unchecked trusts the caller.

Every Locker obtained from NewLocker doubles as the row-lock "owned" stack:
LockManager.ReleaseAll unwinds every lock a transaction holds, in reverse
acquisition order, exactly once per commit or rollback.

# Ghosts and recovery

A Lock may carry a GhostRef, an optional (page, position) back-reference to
a logically-deleted B-tree entry whose physical removal is deferred until
commit. RecoverLock reinserts lock state reconstructed from the undo log
during crash recovery, merging toward Exclusive and preserving any ghost.
*/
package lock
