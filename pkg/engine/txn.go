package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/emberdb/pkg/controller"
	"github.com/cuemby/emberdb/pkg/lock"
	enginelog "github.com/cuemby/emberdb/pkg/log"
	"github.com/cuemby/emberdb/pkg/metrics"
	"github.com/cuemby/emberdb/pkg/undo"
)

// Txn is one transaction against a Database: a row-lock Locker handle and
// an undo Log. Every write acquires the row lock before pushing its undo
// entry. A Txn is not safe for concurrent use by multiple goroutines.
type Txn struct {
	db      *Database
	locker  *lock.Locker
	log     *undo.Log
	started time.Time

	mu        sync.Mutex
	mutations map[mutKey]mutation
	done      bool
}

// Get returns the current value of key in the named index, honoring this
// transaction's own uncommitted writes before falling through to the
// shared index. Callers needing only a consistency read without a write
// intent should still call Get under a Shared lock; Put/Delete acquire
// Exclusive automatically.
func (t *Txn) Get(indexID uint64, key string) ([]byte, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	if m, ok := t.mutations[mutKey{IndexID: indexID, Key: key}]; ok {
		t.mu.Unlock()
		if m.Op == mutDelete {
			return nil, ErrKeyNotFound
		}
		return m.Value, nil
	}
	t.mu.Unlock()

	if _, err := t.db.lm.AcquireShared(t.locker, lock.Key{IndexID: indexID, Rowkey: key}); err != nil {
		return nil, fmt.Errorf("engine: acquire row lock: %w", err)
	}
	v, ok := t.db.indexFor(indexID).get(key)
	if !ok {
		return nil, ErrKeyNotFound
	}
	return v, nil
}

// Put inserts or updates key in the named index. Only the current leader
// accepts writes, matching the single-writer replication model.
func (t *Txn) Put(indexID uint64, key string, value []byte) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if err := t.requireLeader(); err != nil {
		return err
	}
	rowKey := lock.Key{IndexID: indexID, Rowkey: key}
	if err := t.acquireWrite(rowKey); err != nil {
		return err
	}

	ix := t.db.indexFor(indexID)
	old, existed := ix.get(key)
	if existed {
		if err := t.log.PushUnupdate(indexID, []byte(key), old); err != nil {
			return fmt.Errorf("engine: push undo: %w", err)
		}
	} else {
		if err := t.log.PushUninsert(indexID, []byte(key)); err != nil {
			return fmt.Errorf("engine: push undo: %w", err)
		}
	}
	ix.set(key, value)

	t.mu.Lock()
	t.mutations[mutKey{IndexID: indexID, Key: key}] = mutation{Op: mutPut, IndexID: indexID, Key: key, Value: value}
	t.mu.Unlock()
	return nil
}

// Delete removes key from the named index. The row is logically ghosted
// immediately so any later Get within this transaction observes it gone;
// the physical removal is deferred to Commit.
func (t *Txn) Delete(indexID uint64, key string) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if err := t.requireLeader(); err != nil {
		return err
	}
	rowKey := lock.Key{IndexID: indexID, Rowkey: key}
	if err := t.acquireWrite(rowKey); err != nil {
		return err
	}

	ix := t.db.indexFor(indexID)
	old, existed := ix.get(key)
	if !existed {
		return ErrKeyNotFound
	}
	if err := t.log.PushUndelete(indexID, []byte(key), old); err != nil {
		return fmt.Errorf("engine: push undo: %w", err)
	}
	ix.markGhost(key)

	t.mu.Lock()
	t.mutations[mutKey{IndexID: indexID, Key: key}] = mutation{Op: mutDelete, IndexID: indexID, Key: key}
	t.mu.Unlock()
	return nil
}

func (t *Txn) acquireWrite(key lock.Key) error {
	if _, err := t.db.lm.AcquireUpgradable(t.locker, key); err != nil {
		return fmt.Errorf("engine: acquire row lock: %w", err)
	}
	if _, err := t.db.lm.AcquireExclusive(t.locker, key); err != nil {
		return fmt.Errorf("engine: acquire row lock: %w", err)
	}
	return nil
}

func (t *Txn) requireLeader() error {
	if t.db.ctrl == nil || t.db.ctrl.Role() != controller.RoleLeader {
		return ErrNotLeader
	}
	return nil
}

func (t *Txn) checkOpen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxnDone
	}
	return nil
}

// Commit replicates this transaction's mutations to the cluster and makes
// them visible: the leader has already applied them to the shared index
// under row-exclusive lock, so Commit's replicated entry exists to bring
// every peer's index up to date, per controller.Controller's OnData
// dispatch.
func (t *Txn) Commit() error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return ErrTxnDone
	}
	muts := make([]mutation, 0, len(t.mutations))
	for _, m := range t.mutations {
		muts = append(muts, m)
	}
	t.done = true
	t.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TransactionDuration)

	if len(muts) > 0 {
		if _, err := t.db.ctrl.Replicate(encodeMutations(muts)); err != nil {
			t.mu.Lock()
			t.done = false
			t.mu.Unlock()
			return fmt.Errorf("engine: replicate commit: %w", err)
		}
		for _, m := range muts {
			if m.Op == mutDelete {
				t.db.indexFor(m.IndexID).purge(m.Key)
			}
		}
	}

	t.log.Commit()
	if err := t.log.Truncate(); err != nil {
		enginelog.WithComponent("engine").Warn().Err(err).Msg("truncating undo log after commit")
	}
	t.db.ml.Unregister(t.log)
	t.db.lm.ReleaseAll(t.locker)
	t.db.cl.ReleaseShared(t.locker)

	metrics.TransactionsTotal.WithLabelValues("committed").Inc()
	return nil
}

// Rollback undoes every entry this transaction pushed, via the same
// Actions dispatch pkg/undo's recovery path uses, and releases its locks.
func (t *Txn) Rollback() error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return ErrTxnDone
	}
	t.done = true
	t.mu.Unlock()

	actions := undo.Actions{
		Uninsert: func(indexID uint64, key []byte) error {
			t.db.indexFor(indexID).removeInserted(string(key))
			return nil
		},
		UnupdateOrUndelete: func(indexID uint64, key, value []byte) error {
			t.db.indexFor(indexID).set(string(key), value)
			return nil
		},
		UndeleteFragmented: func(indexID uint64, key, value []byte) error {
			t.db.indexFor(indexID).set(string(key), value)
			return nil
		},
		Uncreate: func(uint64, []byte) error { return nil },
		Unextend: func(uint64, []byte, uint64) error { return nil },
		Unalloc:  func(uint64, []byte, uint64) error { return nil },
		Unwrite:  func(uint64, []byte, uint64, []byte) error { return nil },
	}

	if err := t.log.RollbackAll(actions); err != nil {
		return fmt.Errorf("engine: rollback: %w", err)
	}
	if err := t.log.Truncate(); err != nil {
		return fmt.Errorf("engine: truncate after rollback: %w", err)
	}
	t.db.ml.Unregister(t.log)
	t.db.lm.ReleaseAll(t.locker)
	t.db.cl.ReleaseShared(t.locker)

	metrics.TransactionsTotal.WithLabelValues("rolled_back").Inc()
	return nil
}
