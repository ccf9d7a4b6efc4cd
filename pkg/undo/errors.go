package undo

import "errors"

var (
	// ErrCorrupt indicates a page header or opcode was invalid during a
	// stack walk or recovery. Fatal: the caller should close the
	// database.
	ErrCorrupt = errors.New("undo: corrupt structure")

	// ErrNoCustomHandler is returned when an OpCustom entry's handler id
	// has no registered Actions.Custom entry.
	ErrNoCustomHandler = errors.New("undo: no handler registered for custom entry")

	// ErrEmptyRollback is returned when an entry is popped from an empty
	// log. ScopeRollback with a savepoint at or beyond the log's current
	// length pops nothing and returns nil.
	ErrEmptyRollback = errors.New("undo: savepoint exceeds log length")

	// ErrNoPrepareMarker is returned by RollbackToPrepare when the log
	// contains no OpPrepare entry.
	ErrNoPrepareMarker = errors.New("undo: no prepare marker in log")
)
