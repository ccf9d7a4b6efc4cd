package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(k string) Key {
	return Key{IndexID: 1, Rowkey: k}
}

func TestLockManagerSharedConcurrent(t *testing.T) {
	lm := NewLockManagerStripes(Strict, 4)
	a := NewLocker()
	b := NewLocker()

	res, err := lm.AcquireShared(a, testKey("x"))
	require.NoError(t, err)
	assert.Equal(t, Acquired, res)

	res, err = lm.AcquireShared(b, testKey("x"))
	require.NoError(t, err)
	assert.Equal(t, Acquired, res)

	lm.ReleaseAll(a)
	lm.ReleaseAll(b)
}

func TestLockManagerSharedReentrant(t *testing.T) {
	lm := NewLockManagerStripes(Strict, 4)
	a := NewLocker()

	res, err := lm.AcquireShared(a, testKey("x"))
	require.NoError(t, err)
	assert.Equal(t, Acquired, res)

	res, err = lm.AcquireShared(a, testKey("x"))
	require.NoError(t, err)
	assert.Equal(t, Owned, res)

	lm.ReleaseAll(a)
}

func TestLockManagerExclusiveExcludesShared(t *testing.T) {
	lm := NewLockManagerStripes(Strict, 4)
	writer := NewLocker()

	_, err := lm.AcquireUpgradable(writer, testKey("x"))
	require.NoError(t, err)
	res, err := lm.AcquireExclusive(writer, testKey("x"))
	require.NoError(t, err)
	assert.Equal(t, Acquired, res)

	var acquired bool
	var mu sync.Mutex
	done := make(chan struct{})
	go func() {
		reader := NewLocker()
		_, _ = lm.AcquireShared(reader, testKey("x"))
		mu.Lock()
		acquired = true
		mu.Unlock()
		lm.ReleaseAll(reader)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.False(t, acquired)
	mu.Unlock()

	lm.ReleaseAll(writer)
	<-done
}

func TestLockManagerStrictUpgradeRule(t *testing.T) {
	lm := NewLockManagerStripes(Strict, 4)
	a := NewLocker()

	_, err := lm.AcquireShared(a, testKey("x"))
	require.NoError(t, err)

	_, err = lm.AcquireExclusive(a, testKey("x"))
	require.ErrorIs(t, err, ErrIllegalUpgrade)

	lm.ReleaseAll(a)
}

func TestLockManagerLenientUpgradeRule(t *testing.T) {
	lm := NewLockManagerStripes(Lenient, 4)
	a := NewLocker()

	_, err := lm.AcquireShared(a, testKey("x"))
	require.NoError(t, err)

	res, err := lm.AcquireExclusive(a, testKey("x"))
	require.NoError(t, err)
	assert.Equal(t, Acquired, res)

	lm.ReleaseAll(a)
}

func TestLockManagerUpgradableAdmitsSharedButNotSecondUpgradable(t *testing.T) {
	lm := NewLockManagerStripes(Strict, 4)
	owner := NewLocker()
	_, err := lm.AcquireUpgradable(owner, testKey("x"))
	require.NoError(t, err)

	reader := NewLocker()
	res, err := lm.AcquireShared(reader, testKey("x"))
	require.NoError(t, err)
	assert.Equal(t, Acquired, res)

	second := NewLocker()
	done := make(chan struct{})
	go func() {
		_, _ = lm.AcquireUpgradable(second, testKey("x"))
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("second upgradable acquirer should block while owner held")
	default:
	}

	lm.ReleaseAll(owner)
	<-done
	lm.ReleaseAll(second)
	lm.ReleaseAll(reader)
}

func TestLockManagerGhostRoundTrip(t *testing.T) {
	lm := NewLockManagerStripes(Strict, 4)
	key := testKey("ghost")
	ref := &GhostRef{PageID: 42, Position: 3}
	lm.SetGhost(key, ref)

	got := lm.Ghost(key)
	require.NotNil(t, got)
	assert.Equal(t, ref.PageID, got.PageID)
	assert.Equal(t, ref.Position, got.Position)
}

func TestLockManagerCloseTransfersExclusiveToHiddenLocker(t *testing.T) {
	lm := NewLockManagerStripes(Strict, 4)
	owner := NewLocker()
	_, err := lm.AcquireUpgradable(owner, testKey("x"))
	require.NoError(t, err)
	_, err = lm.AcquireExclusive(owner, testKey("x"))
	require.NoError(t, err)

	lm.Close()

	other := NewLocker()
	_, err = lm.AcquireShared(other, testKey("x"))
	require.ErrorIs(t, err, ErrClosed)
}

func TestLockManagerSharedTimeoutFiresWithoutRelease(t *testing.T) {
	lm := NewLockManagerStripes(Strict, 4)
	owner := NewLocker()
	_, err := lm.AcquireUpgradable(owner, testKey("x"))
	require.NoError(t, err)
	_, err = lm.AcquireExclusive(owner, testKey("x"))
	require.NoError(t, err)

	reader := NewLocker()
	start := time.Now()
	_, err = lm.AcquireSharedTimeout(reader, testKey("x"), 30*time.Millisecond)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, elapsed, 500*time.Millisecond)

	lm.ReleaseAll(owner)
}

func TestLockManagerUpgradableTimeoutFiresWithoutRelease(t *testing.T) {
	lm := NewLockManagerStripes(Strict, 4)
	owner := NewLocker()
	_, err := lm.AcquireUpgradable(owner, testKey("x"))
	require.NoError(t, err)

	second := NewLocker()
	start := time.Now()
	_, err = lm.AcquireUpgradableTimeout(second, testKey("x"), 30*time.Millisecond)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, elapsed, 500*time.Millisecond)

	lm.ReleaseAll(owner)
}

func TestLockManagerExclusiveContextCanceledFiresWithoutRelease(t *testing.T) {
	lm := NewLockManagerStripes(Unchecked, 4)
	owner := NewLocker()
	_, err := lm.AcquireExclusive(owner, testKey("x"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	second := NewLocker()
	start := time.Now()
	_, err = lm.AcquireExclusiveContext(ctx, second, testKey("x"))
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrInterrupted)
	assert.Less(t, elapsed, 500*time.Millisecond)

	lm.ReleaseAll(owner)
}

func TestLockManagerRecoverLockMergesTowardExclusive(t *testing.T) {
	lm := NewLockManagerStripes(Strict, 4)
	key := testKey("recovered")
	l := NewLocker()
	ghost := &GhostRef{PageID: 1, Position: 1}

	lm.RecoverLock(l, key, Exclusive, ghost)
	got := lm.Ghost(key)
	require.NotNil(t, got)
	assert.EqualValues(t, 1, got.PageID)

	// The recovered hold is Exclusive: another locker cannot even share it.
	_, err := lm.AcquireSharedTimeout(NewLocker(), key, 10*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}
