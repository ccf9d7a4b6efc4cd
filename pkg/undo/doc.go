// Package undo implements emberdb's per-transaction undo log: a stack of
// compensating actions used to roll a transaction back or to recover it
// after a crash.
//
// # Growth and promotion
//
// A fresh Log accumulates entries in an in-memory buffer that doubles from
// an initial 128 bytes. Once the buffer would exceed half the database
// page size, the log promotes itself to a page-backed singly-linked chain:
// each page's header carries the id of the next-lower (older) page and the
// offset of the first valid entry. New entries are written growing
// downward from the high end of the page, so popping the most recent entry
// never needs a separate index — the entry is fully self-describing via
// its opcode and varint-encoded payload length.
//
// # Scopes
//
// ScopeEnter pushes a marker and returns a savepoint; ScopeRollback pops
// and undoes entries down to that savepoint; ScopeCommit pushes a marker
// that preserves the entries beneath it for an eventual higher-scope
// rollback.
//
// # Checkpoint and recovery
//
// At checkpoint, every active Log registers a descriptor (inline copy or a
// pointer to its top page) with the process-wide MasterLog. On recovery,
// the master log is walked and each transaction's entries are
// reconstructed and walked oldest-first: ghosts belonging to committed
// delete-class entries are removed, and the lock markers are returned as
// lock requests in acquisition order. Recover does not itself acquire
// those locks or truncate the transaction's log.
package undo
