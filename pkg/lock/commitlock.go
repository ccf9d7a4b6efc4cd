// Package lock implements emberdb's concurrency substrate: a database-wide
// CommitLock biased toward shared acquirers, and a striped LockManager of
// reentrant row locks with SHARED, UPGRADABLE and EXCLUSIVE modes.
package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/emberdb/pkg/log"
	"github.com/cuemby/emberdb/pkg/metrics"
)

const (
	commitLockShards  = 32
	startingBackoff    = time.Microsecond
	maxBackoff         = 500 * time.Millisecond
	backoffFactor      = 2
)

// paddedCounter pads a uint64 to its own cache line so that concurrent
// shards don't false-share.
type paddedCounter struct {
	v   uint64
	_pad [56]byte
}

// Locker is an owned handle representing one cooperating goroutine's
// (typically one transaction's) reentrant hold on a CommitLock. Where the
// source language keeps the reentry counter in thread-local storage, here
// the caller owns an explicit handle and threads it through every acquire
// and release call.
type Locker struct {
	shard uint32

	sharedDepth     int32
	exclTransferred int32
	exclusiveDepth  int32
	exclusiveSince  time.Time

	// owned is the row locks this locker currently holds through a
	// LockManager, in acquisition order, so rollback/commit can unwind or
	// transfer them without a separate index.
	owned []heldLock
}

var lockerSeq uint32

// NewLocker allocates a handle for one transaction or goroutine to use
// across all of its CommitLock acquire/release calls.
func NewLocker() *Locker {
	return &Locker{shard: atomic.AddUint32(&lockerSeq, 1) % commitLockShards}
}

// CommitLock is a per-database latch. Concurrent shared acquires are
// wait-free unless an exclusive request is pending; at most one goroutine
// holds exclusive at a time; a goroutine already holding shared may re-enter
// shared or acquire exclusive without deadlocking itself.
type CommitLock struct {
	acquire [commitLockShards]paddedCounter
	release [commitLockShards]paddedCounter

	gateMu sync.Mutex
	gate   chan struct{} // non-nil while an exclusive request is pending or held

	exclusiveMu sync.Mutex // serializes exclusive acquirers
	owner       atomic.Pointer[Locker]
}

// NewCommitLock returns a ready-to-use CommitLock.
func NewCommitLock() *CommitLock {
	return &CommitLock{}
}

func (cl *CommitLock) acquireSum() uint64 {
	var sum uint64
	for i := range cl.acquire {
		sum += atomic.LoadUint64(&cl.acquire[i].v)
	}
	return sum
}

func (cl *CommitLock) releaseSum() uint64 {
	var sum uint64
	for i := range cl.release {
		sum += atomic.LoadUint64(&cl.release[i].v)
	}
	return sum
}

func (cl *CommitLock) currentGate() chan struct{} {
	cl.gateMu.Lock()
	g := cl.gate
	cl.gateMu.Unlock()
	return g
}

// AcquireShared acquires the lock in shared mode, blocking uninterruptibly
// if an exclusive request is pending and this locker has no prior hold.
func (cl *CommitLock) AcquireShared(l *Locker) {
	_ = cl.acquireSharedCtx(context.Background(), l, false, 0)
}

// AcquireSharedInterruptible acquires the lock in shared mode, returning
// ErrInterrupted if ctx is canceled while waiting on a pending exclusive
// request.
func (cl *CommitLock) AcquireSharedInterruptible(ctx context.Context, l *Locker) error {
	return cl.acquireSharedCtx(ctx, l, false, 0)
}

// TryAcquireShared acquires the lock in shared mode, returning ErrTimeout if
// it cannot do so within timeout.
func (cl *CommitLock) TryAcquireShared(l *Locker, timeout time.Duration) error {
	return cl.acquireSharedCtx(context.Background(), l, true, timeout)
}

// AcquireSharedUnchecked acquires the lock in shared mode without waiting on
// a pending exclusive request. Used by internal bookkeeping paths (such as
// page-manager reentrant I/O during commit) that must never block behind an
// exclusive acquirer they themselves are cooperating with.
func (cl *CommitLock) AcquireSharedUnchecked(l *Locker) {
	cl.registerShared(l)
}

func (cl *CommitLock) acquireSharedCtx(ctx context.Context, l *Locker, useTimeout bool, timeout time.Duration) error {
	if l.sharedDepth > 0 {
		// Reentrant: no wait, but the level is counted like any other so
		// that ReleaseShared's per-level release keeps the sums balanced.
		cl.registerShared(l)
		return nil
	}
	if cl.owner.Load() == l {
		// This locker already holds exclusive; shared re-entry is free.
		l.sharedDepth++
		l.exclTransferred++
		return nil
	}

	if gate := cl.currentGate(); gate != nil {
		if useTimeout {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			select {
			case <-gate:
			case <-timer.C:
				return ErrTimeout
			}
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return ErrInterrupted
			}
		}
	}

	cl.registerShared(l)
	return nil
}

func (cl *CommitLock) registerShared(l *Locker) {
	atomic.AddUint64(&cl.acquire[l.shard].v, 1)
	l.sharedDepth++
}

// ReleaseShared releases one level of shared hold acquired via any of the
// AcquireShared* methods.
func (cl *CommitLock) ReleaseShared(l *Locker) {
	l.sharedDepth--
	if l.exclTransferred > l.sharedDepth {
		// This level was never reflected in the global counters, either
		// because it was acquired while l already held exclusive, or because
		// it was transferred away when l became the exclusive owner.
		l.exclTransferred = l.sharedDepth
		return
	}
	atomic.AddUint64(&cl.release[l.shard].v, 1)
}

// AcquireExclusive acquires the lock exclusively. If l already holds
// exclusive, this is a reentrant no-op beyond a depth increment.
func (cl *CommitLock) AcquireExclusive(l *Locker) {
	if cl.owner.Load() == l {
		l.exclusiveDepth++
		return
	}

	cl.exclusiveMu.Lock()

	cl.gateMu.Lock()
	cl.gate = make(chan struct{})
	cl.gateMu.Unlock()

	cl.owner.Store(l)

	// Transfer any shared hold this locker already has so it does not
	// block its own exclusive wait.
	transferable := l.sharedDepth - l.exclTransferred
	if transferable > 0 {
		atomic.AddUint64(&cl.release[l.shard].v, uint64(transferable))
		l.exclTransferred = l.sharedDepth
	}

	backoff := startingBackoff
	for cl.acquireSum() != cl.releaseSum() {
		time.Sleep(backoff)
		backoff *= backoffFactor
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	l.exclusiveDepth = 1
	l.exclusiveSince = time.Now()
	log.WithComponent("lock").Debug().Msg("commit lock exclusive acquired")
}

// ReleaseExclusive releases one level of exclusive hold.
func (cl *CommitLock) ReleaseExclusive(l *Locker) {
	l.exclusiveDepth--
	if l.exclusiveDepth > 0 {
		return
	}

	metrics.CommitLockExclusiveDuration.Observe(time.Since(l.exclusiveSince).Seconds())
	cl.owner.Store(nil)

	cl.gateMu.Lock()
	gate := cl.gate
	cl.gate = nil
	cl.gateMu.Unlock()
	close(gate)

	cl.exclusiveMu.Unlock()
}
