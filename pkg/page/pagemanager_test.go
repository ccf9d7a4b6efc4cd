package page

import (
	"path/filepath"
	"testing"

	"github.com/cuemby/emberdb/pkg/lock"
	"github.com/stretchr/testify/require"
)

func openTestManager(t *testing.T) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.db")
	m, err := OpenManager(path, Config{PageSize: DefaultPageSize})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestManagerAllocateGrows(t *testing.T) {
	m := openTestManager(t)
	id, err := m.Allocate(false)
	require.NoError(t, err)
	require.Equal(t, ID(FirstAllocatableID), id)

	id2, err := m.Allocate(false)
	require.NoError(t, err)
	require.Equal(t, ID(FirstAllocatableID+1), id2)
}

func TestManagerDeleteThenAllocateRecyclesFromRegular(t *testing.T) {
	m := openTestManager(t)
	id, err := m.Allocate(false)
	require.NoError(t, err)

	require.NoError(t, m.Delete(id, false))
	// Nothing else allocated since: next Allocate should return the same
	// page back out of the regular queue's in-memory buffer (step 3 of the
	// allocate policy).
	got, err := m.Allocate(false)
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func TestManagerRecycleHotBuffer(t *testing.T) {
	m := openTestManager(t)
	id, err := m.Allocate(false)
	require.NoError(t, err)
	require.NoError(t, m.Recycle(id, false))

	got, err := m.Allocate(false)
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func TestManagerPageLimitExhausted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	m, err := OpenManager(path, Config{PageSize: DefaultPageSize, PageLimit: uint64(FirstAllocatableID) + 1})
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Allocate(false)
	require.NoError(t, err)

	_, err = m.Allocate(false)
	require.ErrorIs(t, err, ErrCacheExhausted)

	// Internal bookkeeping may override the limit.
	_, err = m.Allocate(true)
	require.NoError(t, err)
}

// TestManagerCompaction exercises a 1000-page database with 200 free
// pages, compacted down to a target of 800.
func TestManagerCompaction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	m, err := OpenManager(path, Config{PageSize: DefaultPageSize})
	require.NoError(t, err)
	defer m.Close()

	// Grow to 1000 pages total, then free the top 200 via Delete so they
	// land in the regular queue.
	for uint64(m.TotalPageCount()) < 1000 {
		_, err := m.Allocate(false)
		require.NoError(t, err)
	}
	for id := ID(800); id < 1000; id++ {
		require.NoError(t, m.Delete(id, false))
	}

	require.NoError(t, m.CompactionStart(800))
	require.True(t, m.Compacting())

	cl := lock.NewCommitLock()
	locker := lock.NewLocker()
	require.NoError(t, m.CompactionScanFreeList(cl, locker))
	require.NoError(t, m.CompactionVerify())
	require.NoError(t, m.CompactionEnd(cl, locker))
	require.False(t, m.Compacting())
	require.Equal(t, uint64(800), m.TotalPageCount())

	require.NoError(t, m.CompactionReclaim())
	require.NoError(t, m.TruncatePages())
	require.Equal(t, uint64(800), m.array.Count())
}

func TestManagerCompactionVerifyFailsWithoutScan(t *testing.T) {
	m := openTestManager(t)
	for uint64(m.TotalPageCount()) < 10 {
		_, err := m.Allocate(false)
		require.NoError(t, err)
	}
	require.NoError(t, m.CompactionStart(5))
	cl := lock.NewCommitLock()
	locker := lock.NewLocker()
	err := m.CompactionEnd(cl, locker)
	require.ErrorIs(t, err, ErrCompactionVerifyFailed)
	require.False(t, m.Compacting())
}
