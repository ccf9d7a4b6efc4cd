package lock

import (
	"context"
	"hash/maphash"
	"runtime"
	"time"

	"github.com/cuemby/emberdb/pkg/metrics"
)

// heldLock records one row lock a Locker currently holds, so it can be
// released, upgraded, or transferred in bulk without a separate index.
type heldLock struct {
	ht   *LockHT
	ls   *lockState
	mode Mode
}

// LockManager is a striped hashtable of row locks keyed by (index-id, key).
// The stripe count defaults to 16x the number of CPUs, rounded up to a
// power of two; the top bits of a stable 64-bit hash select the stripe.
type LockManager struct {
	stripes []*LockHT
	shift   uint
	seed    maphash.Seed
	rule    UpgradeRule
}

// NewLockManager creates a LockManager with the given upgrade rule and the
// default stripe count.
func NewLockManager(rule UpgradeRule) *LockManager {
	return NewLockManagerStripes(rule, 16*runtime.NumCPU())
}

// NewLockManagerStripes creates a LockManager with an explicit minimum
// stripe count, rounded up to a power of two.
func NewLockManagerStripes(rule UpgradeRule, minStripes int) *LockManager {
	n := 1
	for n < minStripes {
		n <<= 1
	}
	lm := &LockManager{
		stripes: make([]*LockHT, n),
		shift:   64 - uint(bitlen(n-1)),
		seed:    maphash.MakeSeed(),
		rule:    rule,
	}
	for i := range lm.stripes {
		lm.stripes[i] = newLockHT()
	}
	return lm
}

func bitlen(n int) int {
	b := 0
	for n > 0 {
		b++
		n >>= 1
	}
	return b
}

func (lm *LockManager) hash(key Key) uint64 {
	var h maphash.Hash
	h.SetSeed(lm.seed)
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(key.IndexID >> (8 * i))
	}
	h.Write(buf[:])
	h.WriteString(key.Rowkey)
	return h.Sum64()
}

func (lm *LockManager) stripeFor(key Key) *LockHT {
	h := lm.hash(key)
	return lm.stripes[h>>lm.shift]
}

// acquireOptions bundles the optional deadline/context forms every Acquire*
// method accepts.
type acquireOptions struct {
	ctx        context.Context
	hasTimeout bool
	deadline   time.Time
}

func defaultOpts() acquireOptions {
	return acquireOptions{ctx: context.Background()}
}

// AcquireShared acquires key in SHARED mode for l, blocking uninterruptibly.
func (lm *LockManager) AcquireShared(l *Locker, key Key) (Result, error) {
	return lm.acquireShared(l, key, defaultOpts())
}

// AcquireSharedTimeout acquires key in SHARED mode, returning ErrTimeout if
// the deadline elapses first.
func (lm *LockManager) AcquireSharedTimeout(l *Locker, key Key, timeout time.Duration) (Result, error) {
	o := defaultOpts()
	o.hasTimeout = true
	o.deadline = time.Now().Add(timeout)
	return lm.acquireShared(l, key, o)
}

func (lm *LockManager) acquireShared(l *Locker, key Key, o acquireOptions) (Result, error) {
	ht := lm.stripeFor(key)
	ht.mu.Lock()
	defer ht.mu.Unlock()

	if ht.closed {
		return 0, ErrClosed
	}

	ls := ht.getOrCreate(key)

	if depth, ok := ls.holders[l]; ok {
		ls.holders[l] = depth + 1
		metrics.LockAcquiresTotal.WithLabelValues("shared", "owned").Inc()
		return Owned, nil
	}
	if ls.hasOwner && ls.owner == l {
		// Already Upgradable or Exclusive: shared is implied, but no
		// separate holder entry is recorded.
		metrics.LockAcquiresTotal.WithLabelValues("shared", "owned").Inc()
		return Owned, nil
	}

	timer := metrics.NewTimer()
	cond := func() bool {
		return !(ls.hasOwner && ls.mode == Exclusive) && ls.waitingExclusive == 0
	}
	if !cond() {
		ls.waitingShared++
		err := ht.acquireWait(o.ctx, o.deadline, o.hasTimeout, l, ls, cond)
		ls.waitingShared--
		if err != nil {
			timer.ObserveDurationVec(metrics.LockWaitDuration, "shared")
			metrics.LockAcquiresTotal.WithLabelValues("shared", "failed").Inc()
			return 0, err
		}
	}

	ls.sharedCount++
	ls.holders[l] = 1
	l.owned = append(l.owned, heldLock{ht: ht, ls: ls, mode: Shared})
	timer.ObserveDurationVec(metrics.LockWaitDuration, "shared")
	metrics.LockAcquiresTotal.WithLabelValues("shared", "acquired").Inc()
	return Acquired, nil
}

// AcquireUpgradable acquires key in UPGRADABLE mode for l, blocking
// uninterruptibly.
func (lm *LockManager) AcquireUpgradable(l *Locker, key Key) (Result, error) {
	return lm.acquireUpgradable(l, key, defaultOpts())
}

// AcquireUpgradableTimeout acquires key in UPGRADABLE mode, returning
// ErrTimeout if the deadline elapses first.
func (lm *LockManager) AcquireUpgradableTimeout(l *Locker, key Key, timeout time.Duration) (Result, error) {
	o := defaultOpts()
	o.hasTimeout = true
	o.deadline = time.Now().Add(timeout)
	return lm.acquireUpgradable(l, key, o)
}

// AcquireUpgradableContext acquires key in UPGRADABLE mode, returning
// ErrInterrupted if ctx is done first.
func (lm *LockManager) AcquireUpgradableContext(ctx context.Context, l *Locker, key Key) (Result, error) {
	o := defaultOpts()
	o.ctx = ctx
	return lm.acquireUpgradable(l, key, o)
}

func (lm *LockManager) acquireUpgradable(l *Locker, key Key, o acquireOptions) (Result, error) {
	ht := lm.stripeFor(key)
	ht.mu.Lock()
	defer ht.mu.Unlock()

	if ht.closed {
		return 0, ErrClosed
	}
	ls := ht.getOrCreate(key)

	if ls.hasOwner && ls.owner == l {
		ls.ownerDepth++
		return Owned, nil
	}

	timer := metrics.NewTimer()
	cond := func() bool { return !ls.hasOwner }
	if !cond() {
		ls.waitingExclusive++
		err := ht.acquireWait(o.ctx, o.deadline, o.hasTimeout, l, ls, cond)
		ls.waitingExclusive--
		if err != nil {
			metrics.LockAcquiresTotal.WithLabelValues("upgradable", "failed").Inc()
			return 0, err
		}
	}

	promoted := ls.holders[l] > 0

	ls.hasOwner = true
	ls.owner = l
	ls.mode = Upgradable
	ls.ownerDepth = 1
	l.owned = append(l.owned, heldLock{ht: ht, ls: ls, mode: Upgradable})

	timer.ObserveDurationVec(metrics.LockWaitDuration, "upgradable")
	metrics.LockAcquiresTotal.WithLabelValues("upgradable", "acquired").Inc()
	if promoted {
		return Upgraded, nil
	}
	return Acquired, nil
}

// AcquireExclusive acquires key in EXCLUSIVE mode for l, blocking
// uninterruptibly. l must already hold Upgradable, or the UpgradeRule must
// permit promotion directly from whatever mode l currently holds (or
// none).
func (lm *LockManager) AcquireExclusive(l *Locker, key Key) (Result, error) {
	return lm.acquireExclusive(l, key, defaultOpts())
}

// AcquireExclusiveTimeout acquires key in EXCLUSIVE mode, returning
// ErrTimeout if the deadline elapses first.
func (lm *LockManager) AcquireExclusiveTimeout(l *Locker, key Key, timeout time.Duration) (Result, error) {
	o := defaultOpts()
	o.hasTimeout = true
	o.deadline = time.Now().Add(timeout)
	return lm.acquireExclusive(l, key, o)
}

// AcquireExclusiveContext acquires key in EXCLUSIVE mode, returning
// ErrInterrupted if ctx is done first.
func (lm *LockManager) AcquireExclusiveContext(ctx context.Context, l *Locker, key Key) (Result, error) {
	o := defaultOpts()
	o.ctx = ctx
	return lm.acquireExclusive(l, key, o)
}

func (lm *LockManager) acquireExclusive(l *Locker, key Key, o acquireOptions) (Result, error) {
	ht := lm.stripeFor(key)
	ht.mu.Lock()
	defer ht.mu.Unlock()

	if ht.closed {
		return 0, ErrClosed
	}
	ls := ht.getOrCreate(key)

	if ls.hasOwner && ls.owner == l && ls.mode == Exclusive {
		ls.ownerDepth++
		return Owned, nil
	}

	alreadyUpgradable := ls.hasOwner && ls.owner == l && ls.mode == Upgradable
	sharedDepth, holdsShared := ls.holders[l]

	if !alreadyUpgradable {
		switch lm.rule {
		case Strict:
			return 0, ErrIllegalUpgrade
		case Lenient:
			if !(holdsShared && ls.sharedCount == 1) {
				return 0, ErrIllegalUpgrade
			}
		case Unchecked:
			// any holder (or non-holder) may proceed
		}
	}

	timer := metrics.NewTimer()
	cond := func() bool {
		others := ls.sharedCount
		if holdsShared {
			others--
		}
		return (!ls.hasOwner || ls.owner == l) && others == 0
	}
	if !cond() {
		ls.waitingExclusive++
		err := ht.acquireWait(o.ctx, o.deadline, o.hasTimeout, l, ls, cond)
		ls.waitingExclusive--
		if err != nil {
			metrics.LockAcquiresTotal.WithLabelValues("exclusive", "failed").Inc()
			return 0, err
		}
	}

	if holdsShared {
		delete(ls.holders, l)
		ls.sharedCount -= sharedDepth
	}

	wasUpgradable := alreadyUpgradable
	ls.hasOwner = true
	ls.owner = l
	ls.mode = Exclusive
	ls.ownerDepth = 1
	if !wasUpgradable {
		l.owned = append(l.owned, heldLock{ht: ht, ls: ls, mode: Exclusive})
	} else {
		for i := range l.owned {
			if l.owned[i].ls == ls {
				l.owned[i].mode = Exclusive
			}
		}
	}

	timer.ObserveDurationVec(metrics.LockWaitDuration, "exclusive")
	metrics.LockAcquiresTotal.WithLabelValues("exclusive", "acquired").Inc()
	return Acquired, nil
}

// SetGhost attaches a ghost back-reference to the lock for key, consumed by
// the commit path to physically remove a logically-deleted entry.
func (lm *LockManager) SetGhost(key Key, ref *GhostRef) {
	ht := lm.stripeFor(key)
	ht.mu.Lock()
	defer ht.mu.Unlock()
	ls := ht.getOrCreate(key)
	ls.ghost = ref
}

// Ghost returns the ghost back-reference attached to key, if any.
func (lm *LockManager) Ghost(key Key) *GhostRef {
	ht := lm.stripeFor(key)
	ht.mu.Lock()
	defer ht.mu.Unlock()
	if ls, ok := ht.locks[key]; ok {
		return ls.ghost
	}
	return nil
}

// ReleaseAll releases every lock l currently holds, in reverse acquisition
// order, as done at transaction rollback or commit.
func (lm *LockManager) ReleaseAll(l *Locker) {
	for i := len(l.owned) - 1; i >= 0; i-- {
		lm.release(l, l.owned[i])
	}
	l.owned = l.owned[:0]
}

func (lm *LockManager) release(l *Locker, hl heldLock) {
	ht := hl.ht
	ls := hl.ls
	ht.mu.Lock()
	defer ht.mu.Unlock()

	switch hl.mode {
	case Shared:
		if depth, ok := ls.holders[l]; ok {
			if depth > 1 {
				ls.holders[l] = depth - 1
			} else {
				delete(ls.holders, l)
				ls.sharedCount--
			}
		}
	case Upgradable, Exclusive:
		if ls.hasOwner && ls.owner == l {
			ls.ownerDepth--
			if ls.ownerDepth <= 0 {
				ls.hasOwner = false
				ls.owner = nil
			}
		}
	}

	ht.releaseIfEmpty(ls)
	ht.cond.Broadcast()
}

// RecoverLock inserts a lock for key into the table if absent, merging
// toward exclusive if either the existing or incoming hold is exclusive,
// and preserving any ghost frame. Used to reconstruct lock state from the
// undo log during crash recovery.
func (lm *LockManager) RecoverLock(l *Locker, key Key, mode Mode, ghost *GhostRef) {
	ht := lm.stripeFor(key)
	ht.mu.Lock()
	defer ht.mu.Unlock()

	ls := ht.getOrCreate(key)
	if ghost != nil {
		ls.ghost = ghost
	}

	if mode == Exclusive || (ls.hasOwner && ls.mode == Exclusive) {
		ls.hasOwner = true
		ls.owner = l
		ls.mode = Exclusive
		ls.ownerDepth++
		l.owned = append(l.owned, heldLock{ht: ht, ls: ls, mode: Exclusive})
		return
	}
	if mode == Upgradable {
		ls.hasOwner = true
		ls.owner = l
		ls.mode = Upgradable
		ls.ownerDepth++
		l.owned = append(l.owned, heldLock{ht: ht, ls: ls, mode: Upgradable})
		return
	}
	ls.sharedCount++
	ls.holders[l] = ls.holders[l] + 1
	l.owned = append(l.owned, heldLock{ht: ht, ls: ls, mode: Shared})
}

// StripesHeld returns the number of stripes currently tracking at least
// one lock, for metrics.Stats reporting.
func (lm *LockManager) StripesHeld() int {
	n := 0
	for _, ht := range lm.stripes {
		if ht.Len() > 0 {
			n++
		}
	}
	return n
}

// Close shuts down every stripe: exclusive locks transfer to a hidden
// locker that can never acquire again, every other lock is cleared, and all
// wait queues are emptied.
func (lm *LockManager) Close() {
	for _, ht := range lm.stripes {
		ht.Close()
	}
}
