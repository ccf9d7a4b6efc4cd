package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitLockSharedReentrant(t *testing.T) {
	cl := NewCommitLock()
	l := NewLocker()

	cl.AcquireShared(l)
	cl.AcquireShared(l)
	assert.EqualValues(t, 2, l.sharedDepth)

	cl.ReleaseShared(l)
	cl.ReleaseShared(l)
	assert.EqualValues(t, 0, l.sharedDepth)
}

func TestCommitLockExclusiveExcludesShared(t *testing.T) {
	cl := NewCommitLock()
	excl := NewLocker()
	cl.AcquireExclusive(excl)

	var acquired int32
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		reader := NewLocker()
		cl.AcquireShared(reader)
		atomic.StoreInt32(&acquired, 1)
		cl.ReleaseShared(reader)
	}()

	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&acquired), "shared acquire must block while exclusive is held")

	cl.ReleaseExclusive(excl)
	wg.Wait()
	assert.EqualValues(t, 1, atomic.LoadInt32(&acquired))
}

func TestCommitLockExclusiveReentrant(t *testing.T) {
	cl := NewCommitLock()
	l := NewLocker()
	cl.AcquireExclusive(l)
	cl.AcquireExclusive(l)
	cl.ReleaseExclusive(l)
	cl.ReleaseExclusive(l)

	// Lock should be fully released: a second locker can now take exclusive.
	done := make(chan struct{})
	go func() {
		other := NewLocker()
		cl.AcquireExclusive(other)
		cl.ReleaseExclusive(other)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("exclusive lock never released")
	}
}

func TestCommitLockSelfReentrantAcquireExclusiveWhileSharedHeld(t *testing.T) {
	cl := NewCommitLock()
	l := NewLocker()

	cl.AcquireShared(l)
	cl.AcquireExclusive(l) // must not deadlock against its own shared hold
	cl.AcquireShared(l)    // nested shared while exclusive owner
	cl.ReleaseShared(l)
	cl.ReleaseExclusive(l)
	cl.ReleaseShared(l)

	assert.EqualValues(t, 0, l.sharedDepth)
	assert.EqualValues(t, 0, l.exclusiveDepth)
}

func TestCommitLockStarvationFreedom(t *testing.T) {
	cl := NewCommitLock()
	stop := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reader := NewLocker()
			for {
				select {
				case <-stop:
					return
				default:
				}
				cl.AcquireShared(reader)
				cl.ReleaseShared(reader)
			}
		}()
	}

	excl := NewLocker()
	done := make(chan struct{})
	go func() {
		cl.AcquireExclusive(excl)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("exclusive acquirer starved for 5s under shared churn")
	}
	cl.ReleaseExclusive(excl)
	close(stop)
	wg.Wait()
}

func TestCommitLockTryAcquireSharedTimesOut(t *testing.T) {
	cl := NewCommitLock()
	excl := NewLocker()
	cl.AcquireExclusive(excl)
	defer cl.ReleaseExclusive(excl)

	reader := NewLocker()
	err := cl.TryAcquireShared(reader, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestCommitLockInterruptibleSharedCanceled(t *testing.T) {
	cl := NewCommitLock()
	excl := NewLocker()
	cl.AcquireExclusive(excl)
	defer cl.ReleaseExclusive(excl)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	reader := NewLocker()
	err := cl.AcquireSharedInterruptible(ctx, reader)
	require.ErrorIs(t, err, ErrInterrupted)
}
