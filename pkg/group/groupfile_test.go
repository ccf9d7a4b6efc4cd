package group

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewAndOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "group.conf")
	g, err := New(path, 1, 1, "127.0.0.1:9000")
	require.NoError(t, err)
	require.Equal(t, uint64(1), g.Version())

	reopened, err := Open(path, 1, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), reopened.Version())
	members := reopened.Members()
	require.Len(t, members, 1)
	require.Equal(t, "127.0.0.1:9000", members[0].Address)
	require.Equal(t, RoleNormal, members[0].Role)
}

func TestProposeJoinApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "group.conf")
	g, err := New(path, 1, 1, "127.0.0.1:9000")
	require.NoError(t, err)

	var called []Member
	msg, err := g.ProposeJoin("127.0.0.1:9001", func(snapshot []Member) {
		called = snapshot
	})
	require.NoError(t, err)

	require.NoError(t, g.Apply(msg))
	require.Equal(t, uint64(2), g.Version())
	require.Len(t, called, 2)

	members := g.Members()
	require.Len(t, members, 2)
	require.Equal(t, uint64(2), members[1].MemberID)
	require.Equal(t, RoleObserver, members[1].Role)
}

func TestApplyStaleVersionConflicts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "group.conf")
	g, err := New(path, 1, 1, "127.0.0.1:9000")
	require.NoError(t, err)

	msg, err := g.ProposeJoin("127.0.0.1:9001", nil)
	require.NoError(t, err)
	require.NoError(t, g.Apply(msg))

	require.ErrorIs(t, g.Apply(msg), ErrVersionConflict)
}

func TestProposeRemovePeerRejectsSelf(t *testing.T) {
	path := filepath.Join(t.TempDir(), "group.conf")
	g, err := New(path, 1, 1, "127.0.0.1:9000")
	require.NoError(t, err)

	_, err = g.ProposeRemovePeer(1, nil)
	require.ErrorIs(t, err, ErrCannotRemoveSelf)
}

func TestUpdateRoleAndRemovePeer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "group.conf")
	g, err := New(path, 1, 1, "127.0.0.1:9000")
	require.NoError(t, err)

	joinMsg, err := g.ProposeJoin("127.0.0.1:9001", nil)
	require.NoError(t, err)
	require.NoError(t, g.Apply(joinMsg))

	roleMsg, err := g.ProposeUpdateRole(2, RoleNormal, nil)
	require.NoError(t, err)
	require.NoError(t, g.Apply(roleMsg))
	members := g.Members()
	require.Equal(t, RoleNormal, members[1].Role)

	removeMsg, err := g.ProposeRemovePeer(2, nil)
	require.NoError(t, err)
	require.NoError(t, g.Apply(removeMsg))
	require.Len(t, g.Members(), 1)
}

// TestRecoverFromOldAfterCrash: a crash between renaming the live file to
// .old and renaming .new into place must restore .old, so the next Open
// sees the pre-crash roster and a
// re-proposal at the recovered version succeeds.
func TestRecoverFromOldAfterCrash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "group.conf")
	g, err := New(path, 1, 1, "127.0.0.1:9000")
	require.NoError(t, err)
	preCrashVersion := g.Version()

	// Simulate the crash window: live file renamed away to .old, but the
	// .new file never got renamed into place (or was never written).
	require.NoError(t, os.Rename(path, path+".old"))
	require.NoFileExists(t, path)

	recovered, err := Open(path, 1, 1)
	require.NoError(t, err)
	require.Equal(t, preCrashVersion, recovered.Version())
	require.FileExists(t, path)
	require.NoFileExists(t, path + ".old")

	msg, err := recovered.ProposeJoin("127.0.0.1:9002", nil)
	require.NoError(t, err)
	require.Equal(t, preCrashVersion, msg.Version)
	require.NoError(t, recovered.Apply(msg))
	require.Equal(t, preCrashVersion+1, recovered.Version())
}
