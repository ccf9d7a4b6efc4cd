package replog

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/emberdb/pkg/log"
	"github.com/cuemby/emberdb/pkg/metrics"
)

// StateLog is the collection of TermLog segments that make up one peer's
// replicated log, ordered by start position. The global commit/durable
// positions are kept in memory only; StateLog does not read or write the
// Metadata file.
type StateLog struct {
	mu sync.Mutex

	dir     string
	base    string
	segSize int64

	terms []*TermLog // sorted by StartPosition

	commitPosition  uint64
	durablePosition uint64
}

// Config controls StateLog construction.
type Config struct {
	Dir         string
	Base        string
	SegmentSize int64
}

// Open returns an empty StateLog over cfg.Dir; it does not scan the
// directory. Segment files already on disk for a term are picked up only
// when DefineTerm names that term again, from its start position onward.
func Open(cfg Config) (*StateLog, error) {
	segSize := cfg.SegmentSize
	if segSize == 0 {
		segSize = DefaultSegmentSize
	}
	s := &StateLog{dir: cfg.Dir, base: cfg.Base, segSize: segSize}
	return s, nil
}

// CurrentTerm returns the highest-numbered term currently defined, or
// (0, false) if the log is empty.
func (s *StateLog) CurrentTerm() (*TermLog, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.terms) == 0 {
		return nil, false
	}
	return s.terms[len(s.terms)-1], true
}

// HighestPosition returns the highest known written position across every
// term, the upper bound for replication (commit-position <=
// highest-position <= written-position).
func (s *StateLog) HighestPosition() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.terms) == 0 {
		return 0
	}
	last := s.terms[len(s.terms)-1]
	return last.WritePosition()
}

// HighestTerm returns the term number and write position of the log's
// tail, used for the Raft up-to-date vote comparison (highest-term,
// highest-position).
func (s *StateLog) HighestTerm() (term, position uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.terms) == 0 {
		return 0, 0
	}
	last := s.terms[len(s.terms)-1]
	return last.Term, last.WritePosition()
}

// termCoveringLocked returns the term whose [StartPosition, EndPosition)
// range contains position. Callers must hold s.mu.
func (s *StateLog) termCoveringLocked(position uint64) *TermLog {
	for i := len(s.terms) - 1; i >= 0; i-- {
		t := s.terms[i]
		if position >= t.StartPosition && position < t.EndPosition {
			return t
		}
	}
	return nil
}

// DefineTerm creates a new TermLog covering [startPosition, Infinity),
// enforcing define-term rules: the previous term must match whatever
// currently covers startPosition-1 (or nothing must cover it yet); a
// higher term may truncate a lower term's tail but never below the
// commit position; defining below the commit position is a commit
// conflict; an empty lower term at or after startPosition may be
// superseded outright.
func (s *StateLog) DefineTerm(prevTerm, term, startPosition uint64) (*TermLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if startPosition < s.commitPosition {
		return nil, fmt.Errorf("replog: define term %d at %d below commit position %d: %w", term, startPosition, s.commitPosition, ErrCommitConflict)
	}
	if startPosition > 0 {
		if covering := s.termCoveringLocked(startPosition - 1); covering != nil && covering.Term != prevTerm {
			return nil, fmt.Errorf("replog: prev-term %d does not match term %d covering position %d: %w", prevTerm, covering.Term, startPosition-1, ErrCommitConflict)
		}
	}

	kept := s.terms[:0]
	for _, t := range s.terms {
		switch {
		case t.StartPosition >= startPosition:
			if t.Term >= term {
				return nil, fmt.Errorf("replog: define term %d cannot supersede term %d at %d: %w", term, t.Term, t.StartPosition, ErrCommitConflict)
			}
			if t.WritePosition() == t.StartPosition {
				continue // empty term at/after startPosition: drop outright
			}
			if t.StartPosition < s.commitPosition {
				return nil, ErrCommitConflict
			}
			continue // non-empty but fully superseded and not below commit: drop
		case t.EndPosition > startPosition:
			t.setEndPosition(startPosition)
			kept = append(kept, t)
		default:
			kept = append(kept, t)
		}
	}
	s.terms = kept

	nt, err := openTermLog(s.dir, s.base, s.segSize, prevTerm, term, startPosition)
	if err != nil {
		return nil, err
	}
	s.terms = append(s.terms, nt)
	sort.Slice(s.terms, func(i, j int) bool { return s.terms[i].StartPosition < s.terms[j].StartPosition })
	log.WithComponent("replog").Info().Uint64("term", term).Uint64("start", startPosition).Msg("term defined")
	return nt, nil
}

// Write appends data to the named term at position.
func (s *StateLog) Write(term, position uint64, data []byte) error {
	s.mu.Lock()
	t := s.termAtLocked(term, position)
	s.mu.Unlock()
	if t == nil {
		return ErrTermNotFound
	}
	return t.Write(position, data)
}

// Read returns length bytes from the named term at position.
func (s *StateLog) Read(term, position uint64, length int) ([]byte, error) {
	s.mu.Lock()
	t := s.termAtLocked(term, position)
	s.mu.Unlock()
	if t == nil {
		return nil, ErrTermNotFound
	}
	return t.Read(position, length)
}

func (s *StateLog) termAtLocked(term, position uint64) *TermLog {
	for _, t := range s.terms {
		if t.Term == term && position >= t.StartPosition && position < t.EndPosition {
			return t
		}
	}
	return nil
}

// Commit advances the durable-commit target.
func (s *StateLog) Commit(idx uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx > s.commitPosition {
		s.commitPosition = idx
		metrics.ReplogCommitIndex.Set(float64(idx))
	}
}

// CommitPosition returns the current commit-position mark.
func (s *StateLog) CommitPosition() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitPosition
}

// SyncCommit forces an fsync of the named term's segments up to idx and
// records the synced position for durable-quorum computation.
func (s *StateLog) SyncCommit(prevTerm, term, idx uint64) error {
	s.mu.Lock()
	var t *TermLog
	for _, candidate := range s.terms {
		if candidate.Term == term {
			t = candidate
		}
	}
	s.mu.Unlock()
	if t == nil {
		return ErrTermNotFound
	}
	return t.SyncCommit(idx)
}

// CommitDurable marks that a quorum has fsynced up to idx; returns true if
// the durable mark advanced.
func (s *StateLog) CommitDurable(idx uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx > s.durablePosition {
		s.durablePosition = idx
		metrics.ReplogDurableIndex.Set(float64(idx))
		return true
	}
	return false
}

// DurablePosition returns the current durable-commit mark.
func (s *StateLog) DurablePosition() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.durablePosition
}

// CheckForMissingData walks the terms in start-position order from `from`
// and reports every gap where writes have not filled in, invoking
// collector(start, end) for each. It returns the contiguous position: the
// highest byte such that every preceding byte from `from` onward is known
// present. Once a gap is seen, later ranges (even in higher terms) are
// still reported, but they no longer advance the contiguous position.
func (s *StateLog) CheckForMissingData(from uint64, collector func(start, end uint64)) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos := from
	contiguous := from
	sawGap := false
	gaps := 0
	for _, t := range s.terms {
		if t.StartPosition > pos {
			collector(pos, t.StartPosition)
			gaps++
			sawGap = true
			pos = t.StartPosition
		}
		if wp := t.WritePosition(); wp > pos {
			pos = wp
		}
		if !sawGap {
			contiguous = pos
		}
	}
	metrics.ReplogMissingRanges.Set(float64(gaps))
	return contiguous
}

// MissingRangeCount returns the number of gaps CheckForMissingData would
// report from position from, without re-running any repair logic. Used
// for metrics.Stats reporting.
func (s *StateLog) MissingRangeCount(from uint64) int {
	n := 0
	s.CheckForMissingData(from, func(uint64, uint64) { n++ })
	return n
}

// Compact deletes segment files entirely before position across every
// term; segments partially covered are retained.
func (s *StateLog) Compact(position uint64) error {
	s.mu.Lock()
	terms := append([]*TermLog(nil), s.terms...)
	s.mu.Unlock()
	for _, t := range terms {
		if err := t.compact(position); err != nil {
			return err
		}
	}
	return nil
}

// Close releases every term's open segment handles.
func (s *StateLog) Close() error {
	s.mu.Lock()
	terms := append([]*TermLog(nil), s.terms...)
	s.mu.Unlock()
	var firstErr error
	for _, t := range terms {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
