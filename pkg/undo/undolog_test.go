package undo

import (
	"path/filepath"
	"testing"

	"github.com/cuemby/emberdb/pkg/page"
	"github.com/stretchr/testify/require"
)

func openTestPM(t *testing.T) *page.Manager {
	t.Helper()
	pm, err := page.OpenManager(filepath.Join(t.TempDir(), "data.db"), page.Config{PageSize: page.DefaultPageSize})
	require.NoError(t, err)
	t.Cleanup(func() { pm.Close() })
	return pm
}

func noopActions() Actions {
	return Actions{
		Uninsert:           func(uint64, []byte) error { return nil },
		UnupdateOrUndelete: func(uint64, []byte, []byte) error { return nil },
		UndeleteFragmented: func(uint64, []byte, []byte) error { return nil },
		Uncreate:           func(uint64, []byte) error { return nil },
		Unextend:           func(uint64, []byte, uint64) error { return nil },
		Unalloc:            func(uint64, []byte, uint64) error { return nil },
		Unwrite:            func(uint64, []byte, uint64, []byte) error { return nil },
	}
}

func TestPushRollbackInline(t *testing.T) {
	pm := openTestPM(t)
	l := New(pm, 1)

	var gotKey []byte
	actions := noopActions()
	actions.Uninsert = func(indexID uint64, key []byte) error {
		require.Equal(t, uint64(7), indexID)
		gotKey = key
		return nil
	}

	require.NoError(t, l.PushUninsert(7, []byte("k1")))
	require.NoError(t, l.RollbackAll(actions))
	require.Equal(t, []byte("k1"), gotKey)
	require.Equal(t, 0, l.Len())
}

func TestScopeRollbackUnwindsOnlyInnerScope(t *testing.T) {
	pm := openTestPM(t)
	l := New(pm, 1)

	var undone []string
	actions := noopActions()
	actions.Uninsert = func(_ uint64, key []byte) error {
		undone = append(undone, string(key))
		return nil
	}

	require.NoError(t, l.PushUninsert(1, []byte("outer")))
	sp, err := l.ScopeEnter()
	require.NoError(t, err)
	require.NoError(t, l.PushUninsert(1, []byte("inner")))

	require.NoError(t, l.ScopeRollback(sp, actions))
	require.Equal(t, []string{"inner"}, undone)
	require.True(t, l.Len() > 0) // "outer" entry (plus index marker) remains
}

func TestPromotionToPageChain(t *testing.T) {
	pm := openTestPM(t)
	l := New(pm, 1)

	big := make([]byte, page.DefaultPageSize-1200) // exceeds half a page, fits in one page's data area
	require.NoError(t, l.PushUninsert(1, big))
	require.True(t, l.promoted)

	var gotKey []byte
	actions := noopActions()
	actions.Uninsert = func(_ uint64, key []byte) error {
		gotKey = key
		return nil
	}
	require.NoError(t, l.RollbackAll(actions))
	require.Equal(t, big, gotKey)
}

// TestRecoveryDeletesGhostsForDeleteClassOnly covers a scope-enter, an
// uninsert, and an undelete, marked committed, then recovered. Only the
// committed delete-class entry (undelete/undelete-fragmented are the
// delete-class opcodes; uninsert is not) should trigger a ghost deletion.
func TestRecoveryDeletesGhostsForDeleteClassOnly(t *testing.T) {
	pm := openTestPM(t)
	ml := NewMasterLog(pm)

	l := New(pm, 42)
	ml.Register(l)
	_, err := l.ScopeEnter()
	require.NoError(t, err)
	require.NoError(t, l.PushUninsert(7, []byte{1}))
	require.NoError(t, l.PushUndelete(7, []byte{2}, []byte{3}))
	l.Commit()

	require.NoError(t, ml.Checkpoint())

	var deleted [][]byte
	txns, err := ml.Recover(func(indexID uint64, key []byte) error {
		require.Equal(t, uint64(7), indexID)
		deleted = append(deleted, key)
		return nil
	})
	require.NoError(t, err)

	txn, ok := txns[42]
	require.True(t, ok)
	require.True(t, txn.Committed)
	require.True(t, txn.HasTrash)
	require.Len(t, deleted, 1)
	require.Equal(t, []byte{2}, deleted[0])
}

func TestRecoveryCollectsLocksInAcquisitionOrder(t *testing.T) {
	pm := openTestPM(t)
	ml := NewMasterLog(pm)

	l := New(pm, 1)
	ml.Register(l)
	require.NoError(t, l.ensureContext(1, []byte("a")))
	require.NoError(t, l.PushLockExclusive())
	require.NoError(t, l.ensureContext(1, []byte("b")))
	require.NoError(t, l.PushLockUpgradable())
	l.Commit()

	require.NoError(t, ml.Checkpoint())
	txns, err := ml.Recover(func(uint64, []byte) error { return nil })
	require.NoError(t, err)

	txn := txns[1]
	require.Len(t, txn.Locks, 2)
	require.Equal(t, []byte("a"), txn.Locks[0].Key)
	require.Equal(t, []byte("b"), txn.Locks[1].Key)
}
