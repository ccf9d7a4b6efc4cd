// Package integration exercises pkg/engine end to end: bootstrap, join,
// replicated commits, and rollback, the way pkg/controller's own tests
// exercise the Raft-style core in isolation over a LoopbackNetwork.
package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/emberdb/pkg/controller"
	"github.com/cuemby/emberdb/pkg/engine"
	"github.com/cuemby/emberdb/pkg/wire"
)

const testIndexID = 1

func openNode(t *testing.T, net *wire.LoopbackNetwork, memberID uint64, address string) *engine.Database {
	t.Helper()
	dir := t.TempDir()
	db, err := engine.Open(engine.Config{
		MemberID:           memberID,
		LocalAddress:       address,
		DataDir:            dir,
		PageSize:           4096,
		CheckpointInterval: -1, // disabled; tests checkpoint explicitly
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func attach(net *wire.LoopbackNetwork, db *engine.Database, address string) {
	ch := wire.NewLoopbackChannel(net, address, db.HandleFrame)
	db.SetChannel(ch)
}

func TestBootstrapElectsSelfLeader(t *testing.T) {
	net := wire.NewLoopbackNetwork()
	db := openNode(t, net, 1, "node-a:9000")
	require.NoError(t, db.Bootstrap(1))
	attach(net, db, "node-a:9000")

	require.Eventually(t, func() bool {
		return db.ControllerRole() == int(controller.RoleLeader)
	}, time.Second, 5*time.Millisecond)
}

func TestPutGetCommitRoundTrip(t *testing.T) {
	net := wire.NewLoopbackNetwork()
	db := openNode(t, net, 1, "node-a:9000")
	require.NoError(t, db.Bootstrap(1))
	attach(net, db, "node-a:9000")

	require.Eventually(t, func() bool {
		return db.ControllerRole() == int(controller.RoleLeader)
	}, time.Second, 5*time.Millisecond)

	txn, err := db.BeginTxn()
	require.NoError(t, err)
	require.NoError(t, txn.Put(testIndexID, "widget-1", []byte("red")))
	require.NoError(t, txn.Commit())

	readTxn, err := db.BeginTxn()
	require.NoError(t, err)
	v, err := readTxn.Get(testIndexID, "widget-1")
	require.NoError(t, err)
	require.Equal(t, []byte("red"), v)
	require.NoError(t, readTxn.Commit())
}

func TestDeleteRemovesKeyAfterCommit(t *testing.T) {
	net := wire.NewLoopbackNetwork()
	db := openNode(t, net, 1, "node-a:9000")
	require.NoError(t, db.Bootstrap(1))
	attach(net, db, "node-a:9000")
	require.Eventually(t, func() bool { return db.ControllerRole() == int(controller.RoleLeader) }, time.Second, 5*time.Millisecond)

	writeTxn, err := db.BeginTxn()
	require.NoError(t, err)
	require.NoError(t, writeTxn.Put(testIndexID, "widget-2", []byte("blue")))
	require.NoError(t, writeTxn.Commit())

	delTxn, err := db.BeginTxn()
	require.NoError(t, err)
	require.NoError(t, delTxn.Delete(testIndexID, "widget-2"))
	require.NoError(t, delTxn.Commit())

	readTxn, err := db.BeginTxn()
	require.NoError(t, err)
	_, err = readTxn.Get(testIndexID, "widget-2")
	require.ErrorIs(t, err, engine.ErrKeyNotFound)
	require.NoError(t, readTxn.Rollback())
}

func TestRollbackDiscardsUncommittedWrite(t *testing.T) {
	net := wire.NewLoopbackNetwork()
	db := openNode(t, net, 1, "node-a:9000")
	require.NoError(t, db.Bootstrap(1))
	attach(net, db, "node-a:9000")
	require.Eventually(t, func() bool { return db.ControllerRole() == int(controller.RoleLeader) }, time.Second, 5*time.Millisecond)

	txn, err := db.BeginTxn()
	require.NoError(t, err)
	require.NoError(t, txn.Put(testIndexID, "widget-3", []byte("green")))
	require.NoError(t, txn.Rollback())

	readTxn, err := db.BeginTxn()
	require.NoError(t, err)
	_, err = readTxn.Get(testIndexID, "widget-3")
	require.ErrorIs(t, err, engine.ErrKeyNotFound)
	require.NoError(t, readTxn.Rollback())
}

func TestWriteRejectedWhenNotLeader(t *testing.T) {
	net := wire.NewLoopbackNetwork()
	db := openNode(t, net, 1, "node-a:9000")
	require.NoError(t, db.Bootstrap(1))
	// Deliberately not attaching a channel: the controller never starts
	// its election timer, so it stays at RoleObserver.

	txn, err := db.BeginTxn()
	require.NoError(t, err)
	err = txn.Put(testIndexID, "widget-4", []byte("x"))
	require.ErrorIs(t, err, engine.ErrNotLeader)
	require.NoError(t, txn.Rollback())
}

func TestJoinReplicatesExistingRosterAndFutureWrites(t *testing.T) {
	net := wire.NewLoopbackNetwork()
	leader := openNode(t, net, 1, "node-a:9000")
	require.NoError(t, leader.Bootstrap(1))
	attach(net, leader, "node-a:9000")
	require.Eventually(t, func() bool { return leader.ControllerRole() == int(controller.RoleLeader) }, time.Second, 5*time.Millisecond)

	txn, err := leader.BeginTxn()
	require.NoError(t, err)
	require.NoError(t, txn.Put(testIndexID, "pre-join", []byte("v1")))
	require.NoError(t, txn.Commit())

	follower := openNode(t, net, 0, "node-b:9001")
	joinCh := wire.NewLoopbackChannel(net, "node-b:9001", follower.HandleFrame)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, follower.Join(ctx, joinCh, []string{"node-a:9000"}))
	follower.SetChannel(joinCh)

	require.Eventually(t, func() bool {
		return follower.Roster().Version() == leader.Roster().Version()
	}, time.Second, 5*time.Millisecond)

	txn2, err := leader.BeginTxn()
	require.NoError(t, err)
	require.NoError(t, txn2.Put(testIndexID, "post-join", []byte("v2")))
	require.NoError(t, txn2.Commit())

	require.Eventually(t, func() bool {
		return follower.ReplogCommitIndex() >= leader.ReplogCommitIndex()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCheckpointSucceedsWithActiveTransaction(t *testing.T) {
	net := wire.NewLoopbackNetwork()
	db := openNode(t, net, 1, "node-a:9000")
	require.NoError(t, db.Bootstrap(1))
	attach(net, db, "node-a:9000")
	require.Eventually(t, func() bool { return db.ControllerRole() == int(controller.RoleLeader) }, time.Second, 5*time.Millisecond)

	txn, err := db.BeginTxn()
	require.NoError(t, err)
	require.NoError(t, txn.Put(testIndexID, "widget-5", []byte("y")))

	require.NoError(t, db.Checkpoint())
	require.NoError(t, txn.Commit())
}
