package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/emberdb/pkg/metrics"
)

// lockState is the runtime state of a single row lock. All fields are
// guarded by the owning LockHT's mutex, per the bucket-mutex policy: the
// bucket mutex is held whenever a Lock's state or wait counters are
// examined or mutated.
type lockState struct {
	key Key

	sharedCount int32 // number of distinct shared holders (by refcount)
	mode        Mode  // Shared is the zero value and means "no exclusive/upgradable owner"
	hasOwner    bool  // true once an Upgradable or Exclusive owner is set
	owner       *Locker
	ownerDepth  int32 // reentry depth of owner's Upgradable/Exclusive hold

	holders map[*Locker]int32 // shared hold depth per locker, for reentry and upgrade checks

	waitingExclusive int32 // goroutines waiting for Upgradable or Exclusive
	waitingShared    int32 // goroutines waiting for Shared behind a writer

	ghost *GhostRef
}

func (ls *lockState) empty() bool {
	return ls.sharedCount == 0 && !ls.hasOwner && ls.waitingExclusive == 0 && ls.waitingShared == 0 && ls.ghost == nil
}

// waitRecord tracks what a blocked goroutine is waiting for, used by the
// lightweight deadlock detector.
type waitRecord struct {
	locker *Locker
	target *lockState
}

// LockHT is one stripe of the striped lock table: an open-chain hashtable
// of row locks guarded by its own mutex, plus a generation stamp that is
// negative while the bucket is closed. Stable (non-negative) stamps let callers that
// only need an existence probe avoid taking the mutex.
type LockHT struct {
	mu    sync.Mutex
	cond  *sync.Cond
	locks map[Key]*lockState
	stamp int64

	closed      bool
	hiddenOwner *Locker // transferred exclusive locks point here after Close

	waiting map[*Locker]*waitRecord // global-to-this-bucket wait graph
}

func newLockHT() *LockHT {
	ht := &LockHT{
		locks:       make(map[Key]*lockState),
		waiting:     make(map[*Locker]*waitRecord),
		hiddenOwner: &Locker{},
	}
	ht.cond = sync.NewCond(&ht.mu)
	return ht
}

// Stamp returns the current generation stamp. A negative value means the
// bucket has been closed and any optimistic probe must not trust it.
func (ht *LockHT) Stamp() int64 {
	return atomic.LoadInt64(&ht.stamp)
}

func (ht *LockHT) beginMutation() {
	atomic.StoreInt64(&ht.stamp, -(ht.Stamp() + 1))
}

func (ht *LockHT) endMutation() {
	atomic.StoreInt64(&ht.stamp, -ht.Stamp())
}

func (ht *LockHT) getOrCreate(key Key) *lockState {
	ls, ok := ht.locks[key]
	if !ok {
		ls = &lockState{key: key, holders: make(map[*Locker]int32)}
		ht.locks[key] = ls
	}
	return ls
}

func (ht *LockHT) releaseIfEmpty(ls *lockState) {
	if ls.empty() {
		delete(ht.locks, ls.key)
	}
}

// detectCycle walks the wait graph starting from the goroutine that
// currently holds or is waiting on target, looking for a path back to
// requester. Called with ht.mu held.
func (ht *LockHT) detectCycle(requester *Locker, target *lockState) bool {
	visited := make(map[*Locker]bool)
	var blocker *Locker
	if target.hasOwner {
		blocker = target.owner
	}
	for blocker != nil && !visited[blocker] {
		if blocker == requester {
			return true
		}
		visited[blocker] = true
		wr, ok := ht.waiting[blocker]
		if !ok {
			break
		}
		if wr.target.hasOwner {
			blocker = wr.target.owner
		} else {
			blocker = nil
		}
	}
	return false
}

// acquireWait blocks on ht.cond until cond() returns true, ctx is done, or
// the optional deadline elapses. Returns the terminal error, if any. The
// caller must hold ht.mu; acquireWait releases and reacquires it across
// each ht.cond.Wait() the usual sync.Cond way.
//
// cond.Wait() only wakes on a Broadcast/Signal, so a deadline or ctx
// cancellation needs its own wakeup: a timer and a context-watcher
// goroutine each call ht.cond.Broadcast() when they fire, the standard way
// to layer a deadline onto a condition variable wait.
func (ht *LockHT) acquireWait(ctx context.Context, deadline time.Time, hasDeadline bool, l *Locker, target *lockState, cond func() bool) error {
	if cond() {
		return nil
	}
	ht.waiting[l] = &waitRecord{locker: l, target: target}
	defer delete(ht.waiting, l)

	if ht.detectCycle(l, target) {
		metrics.DeadlocksTotal.Inc()
		return ErrDeadlock
	}

	if hasDeadline && !deadline.IsZero() {
		timer := time.AfterFunc(time.Until(deadline), ht.cond.Broadcast)
		defer timer.Stop()
	}
	if done := ctx.Done(); done != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-done:
				ht.cond.Broadcast()
			case <-stop:
			}
		}()
	}

	for !cond() {
		if ht.closed {
			return ErrClosed
		}
		if hasDeadline && !deadline.IsZero() && time.Now().After(deadline) {
			return ErrTimeout
		}
		select {
		case <-ctx.Done():
			return ErrInterrupted
		default:
		}
		ht.cond.Wait()
	}
	return nil
}

// Len returns the number of distinct keys this stripe currently tracks.
func (ht *LockHT) Len() int {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	return len(ht.locks)
}

// Close transfers any exclusive locks in this stripe to a hidden, never-
// acquirable locker, clears all other locks, and empties wait queues. Any
// goroutine currently blocked observes ErrClosed and returns.
func (ht *LockHT) Close() {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	ht.closed = true
	ht.beginMutation()
	for key, ls := range ht.locks {
		if ls.hasOwner && ls.mode == Exclusive {
			ls.owner = ht.hiddenOwner
			continue
		}
		delete(ht.locks, key)
	}
	ht.cond.Broadcast()
}
