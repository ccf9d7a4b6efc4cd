package replog

import "errors"

var (
	// ErrCommitConflict is returned when a term-define or write targets a
	// position below the current commit position, or otherwise conflicts
	// with already-committed state. Non-fatal: the caller resyncs or
	// steps down.
	ErrCommitConflict = errors.New("replog: commit conflict")

	// ErrOutOfRange is returned when a read or write falls outside a
	// term's defined [startPosition, endPosition) range, or a read
	// extends past the log's known-written position.
	ErrOutOfRange = errors.New("replog: position out of range")

	// ErrNonContiguousWrite is returned when Write's position does not
	// equal the term's current write position.
	ErrNonContiguousWrite = errors.New("replog: non-contiguous write")

	// ErrCorrupt indicates a segment or metadata file failed a
	// consistency check. Fatal.
	ErrCorrupt = errors.New("replog: corrupt structure")

	// ErrTermNotFound is returned when an operation names a term with no
	// matching TermLog.
	ErrTermNotFound = errors.New("replog: term not found")
)
