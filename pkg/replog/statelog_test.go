package replog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStateLog(t *testing.T) *StateLog {
	t.Helper()
	s, err := Open(Config{Dir: t.TempDir(), Base: "data"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMissingDataDetection covers a gap opened mid-log by a dropped write.
func TestMissingDataDetection(t *testing.T) {
	s := openTestStateLog(t)

	_, err := s.DefineTerm(0, 1, 0)
	require.NoError(t, err)
	require.NoError(t, s.Write(1, 0, make([]byte, 100)))

	_, err = s.DefineTerm(1, 2, 500)
	require.NoError(t, err)
	require.NoError(t, s.Write(2, 500, make([]byte, 10)))

	_, err = s.DefineTerm(2, 2, 600)
	require.NoError(t, err)
	require.NoError(t, s.Write(2, 600, make([]byte, 10)))

	var ranges [][2]uint64
	contiguous := s.CheckForMissingData(100, func(start, end uint64) {
		ranges = append(ranges, [2]uint64{start, end})
	})

	require.Equal(t, uint64(100), contiguous)
	require.Equal(t, [][2]uint64{{100, 500}, {510, 600}}, ranges)
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := openTestStateLog(t)
	_, err := s.DefineTerm(0, 1, 0)
	require.NoError(t, err)

	payload := []byte("hello emberdb")
	require.NoError(t, s.Write(1, 0, payload))

	got, err := s.Read(1, 0, len(payload))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestDefineTermBelowCommitPositionConflicts(t *testing.T) {
	s := openTestStateLog(t)
	_, err := s.DefineTerm(0, 1, 0)
	require.NoError(t, err)
	require.NoError(t, s.Write(1, 0, make([]byte, 100)))
	s.Commit(50)

	_, err = s.DefineTerm(0, 2, 20)
	require.ErrorIs(t, err, ErrCommitConflict)
}

func TestPositionsMonotoneAndOrdered(t *testing.T) {
	s := openTestStateLog(t)
	_, err := s.DefineTerm(0, 1, 0)
	require.NoError(t, err)
	require.NoError(t, s.Write(1, 0, make([]byte, 10)))

	s.Commit(5)
	require.True(t, s.CommitDurable(3))
	require.Equal(t, uint64(3), s.DurablePosition())
	require.LessOrEqual(t, s.DurablePosition(), s.CommitPosition())
	require.LessOrEqual(t, s.CommitPosition(), s.HighestPosition())
}

// TestRaftFigure7Convergence: a leader with terms [1,1,1,4,4,5,5,6,6,6]
// writing term 8 at position 10 must be able to overwrite a diverging
// follower's positions 10..11.
func TestRaftFigure7Convergence(t *testing.T) {
	leader := openTestStateLog(t)
	one := byte(1)
	terms := []uint64{1, 1, 1, 4, 4, 5, 5, 6, 6, 6}
	prev := uint64(0)
	for i, term := range terms {
		if i == 0 || terms[i-1] != term {
			_, err := leader.DefineTerm(prev, term, uint64(i))
			require.NoError(t, err)
		}
		require.NoError(t, leader.Write(term, uint64(i), []byte{one}))
		prev = term
	}
	_, err := leader.DefineTerm(6, 8, 10)
	require.NoError(t, err)
	require.NoError(t, leader.Write(8, 10, []byte{one}))

	follower := openTestStateLog(t)
	// Follower diverged: positions 0..9 match the leader's terms, but it
	// has extra entries at term 7, positions 10..11.
	prev = 0
	for i, term := range terms {
		if i == 0 || terms[i-1] != term {
			_, err := follower.DefineTerm(prev, term, uint64(i))
			require.NoError(t, err)
		}
		require.NoError(t, follower.Write(term, uint64(i), []byte{one}))
		prev = term
	}
	_, err = follower.DefineTerm(6, 7, 10)
	require.NoError(t, err)
	require.NoError(t, follower.Write(7, 10, []byte{one, one}))

	// Leader repairs the divergence: redefine term 8 at position 10,
	// which truncates the follower's term-7 tail.
	_, err = follower.DefineTerm(6, 8, 10)
	require.NoError(t, err)
	require.NoError(t, follower.Write(8, 10, []byte{one}))

	require.Equal(t, uint64(11), follower.HighestPosition())
	ft, ok := follower.CurrentTerm()
	require.True(t, ok)
	require.Equal(t, uint64(8), ft.Term)
}
