package replog

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cuemby/emberdb/pkg/log"
)

// Infinity is the sentinel end-position for a term that has not yet been
// closed by a later term's definition.
const Infinity = math.MaxUint64

// DefaultSegmentSize bounds how large a single segment file is allowed to
// grow before a new one is created.
const DefaultSegmentSize = 64 << 20

// segment is one on-disk chunk of a TermLog's byte range, named
// "<base>.<term>.<file-start-position>".
type segment struct {
	startPosition uint64
	path          string
	file          *os.File
	size          int64
}

// TermLog is a per-term append-only log: a sequence of segment files
// covering the half-open byte range [StartPosition, EndPosition).
type TermLog struct {
	mu sync.Mutex

	dir     string
	base    string
	segSize int64

	Term          uint64
	PrevTerm      uint64
	StartPosition uint64
	EndPosition   uint64 // Infinity until a later term closes it

	segments        []*segment
	writePos        uint64 // contiguous-write position
	highestDurable  uint64
	commitPos       uint64
}

func segmentPath(dir, base string, term, startPosition uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%d.%d", base, term, startPosition))
}

func newTermLog(dir, base string, segSize int64, prevTerm, term, startPosition uint64) *TermLog {
	return &TermLog{
		dir: dir, base: base, segSize: segSize,
		Term: term, PrevTerm: prevTerm, StartPosition: startPosition, EndPosition: Infinity,
		writePos: startPosition, highestDurable: startPosition, commitPos: startPosition,
	}
}

// openTermLog reconstructs a TermLog from whatever segment files already
// exist on disk for term at or after startPosition.
func openTermLog(dir, base string, segSize int64, prevTerm, term, startPosition uint64) (*TermLog, error) {
	t := newTermLog(dir, base, segSize, prevTerm, term, startPosition)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return nil, err
	}
	prefix := fmt.Sprintf("%s.%d.", base, term)
	var starts []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
			continue
		}
		var sp uint64
		if _, err := fmt.Sscanf(name[len(prefix):], "%d", &sp); err == nil && sp >= startPosition {
			starts = append(starts, sp)
		}
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	pos := startPosition
	for _, sp := range starts {
		path := segmentPath(dir, base, term, sp)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		t.segments = append(t.segments, &segment{startPosition: sp, path: path, size: info.Size()})
		pos = sp + uint64(info.Size())
	}
	t.writePos = pos
	t.highestDurable = pos
	t.commitPos = startPosition
	return t, nil
}

// WritePosition reports the highest contiguously-written byte position.
func (t *TermLog) WritePosition() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writePos
}

// Closed reports whether a later term has bounded this one's range.
func (t *TermLog) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.EndPosition != Infinity
}

// tailSegment returns the current tail segment, opening a new one if none
// exists yet or the current tail is full.
func (t *TermLog) tailSegment() (*segment, error) {
	if len(t.segments) > 0 {
		s := t.segments[len(t.segments)-1]
		if s.size < t.segSize {
			if s.file == nil {
				f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE, 0o644)
				if err != nil {
					return nil, err
				}
				s.file = f
			}
			return s, nil
		}
	}
	start := t.writePos
	s := &segment{startPosition: start, path: segmentPath(t.dir, t.base, t.Term, start)}
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	s.file = f
	t.segments = append(t.segments, s)
	return s, nil
}

// Write appends data at position, which must equal the term's current
// write position (writes are strictly append-only). Rolls to a new
// segment once the tail exceeds segSize.
func (t *TermLog) Write(position uint64, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if position != t.writePos {
		return ErrNonContiguousWrite
	}
	if t.EndPosition != Infinity && position+uint64(len(data)) > t.EndPosition {
		return fmt.Errorf("replog: write past term end position %d: %w", t.EndPosition, ErrOutOfRange)
	}
	off := 0
	for off < len(data) {
		s, err := t.tailSegment()
		if err != nil {
			return err
		}
		room := t.segSize - s.size
		n := int64(len(data) - off)
		if n > room {
			n = room
		}
		if n == 0 {
			// Segment reported full but tailSegment didn't roll; force it.
			s.size = t.segSize
			continue
		}
		if _, err := s.file.WriteAt(data[off:off+int(n)], s.size); err != nil {
			return fmt.Errorf("replog: write segment %s: %w", s.path, err)
		}
		s.size += n
		off += int(n)
	}
	t.writePos = position + uint64(len(data))
	return nil
}

// Read returns length bytes starting at position, which must satisfy
// position+length <= the term's current write position.
func (t *TermLog) Read(position uint64, length int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if position < t.StartPosition || position+uint64(length) > t.writePos {
		return nil, ErrOutOfRange
	}
	out := make([]byte, 0, length)
	remaining := length
	pos := position
	for remaining > 0 {
		s := t.segmentFor(pos)
		if s == nil {
			return nil, fmt.Errorf("replog: no segment covers position %d: %w", pos, ErrCorrupt)
		}
		if s.file == nil {
			f, err := os.Open(s.path)
			if err != nil {
				return nil, err
			}
			s.file = f
		}
		segOff := pos - s.startPosition
		avail := s.size - int64(segOff)
		n := int64(remaining)
		if n > avail {
			n = avail
		}
		buf := make([]byte, n)
		if _, err := s.file.ReadAt(buf, int64(segOff)); err != nil {
			return nil, fmt.Errorf("replog: read segment %s: %w", s.path, err)
		}
		out = append(out, buf...)
		pos += uint64(n)
		remaining -= int(n)
	}
	return out, nil
}

func (t *TermLog) segmentFor(position uint64) *segment {
	for _, s := range t.segments {
		if position >= s.startPosition && position < s.startPosition+uint64(s.size) {
			return s
		}
	}
	return nil
}

// SyncCommit fsyncs every segment covering up to idx and records the
// synced position, used for durable-quorum computation.
func (t *TermLog) SyncCommit(idx uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.segments {
		if s.file == nil || s.startPosition >= idx {
			continue
		}
		if err := s.file.Sync(); err != nil {
			return err
		}
	}
	if idx > t.highestDurable {
		t.highestDurable = idx
	}
	return nil
}

// CommitDurable marks that a quorum has fsynced up to idx. Returns true if
// the durable mark advanced.
func (t *TermLog) CommitDurable(idx uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx > t.commitPos {
		t.commitPos = idx
		return true
	}
	return false
}

// HighestDurable reports this term's locally-fsynced position.
func (t *TermLog) HighestDurable() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.highestDurable
}

// CommitPosition reports this term's durable-commit mark.
func (t *TermLog) CommitPosition() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.commitPos
}

// setEndPosition bounds the term's range, called when a later term
// supersedes its tail. Callers must already hold the owning StateLog's
// lock and have verified the new bound is not below the commit position.
func (t *TermLog) setEndPosition(pos uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.EndPosition = pos
	if t.writePos > pos {
		t.writePos = pos
	}
}

// compact deletes every segment file entirely below position, retaining
// any segment partially covered.
func (t *TermLog) compact(position uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.segments[:0]
	for _, s := range t.segments {
		end := s.startPosition + uint64(s.size)
		if end <= position {
			if s.file != nil {
				s.file.Close()
			}
			if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
				return err
			}
			continue
		}
		kept = append(kept, s)
	}
	t.segments = kept
	if len(t.segments) > 0 && t.segments[0].startPosition > t.StartPosition {
		t.StartPosition = t.segments[0].startPosition
	}
	log.WithComponent("replog").Debug().Uint64("term", t.Term).Uint64("position", position).Msg("compacted term log")
	return nil
}

// Close releases every open segment file handle.
func (t *TermLog) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for _, s := range t.segments {
		if s.file == nil {
			continue
		}
		if err := s.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
