// Package replog implements emberdb's replication log: a StateLog
// collection of per-term, segmented, append-only TermLogs.
//
// Each term is identified by a monotonically increasing term number and
// covers a half-open byte range [startPosition, endPosition). Bytes are
// physically stored in fixed-size segment files named
// "<base>.<term>.<file-start-position>"; a new segment is created once the
// tail file would exceed the configured segment size.
//
// StateLog tracks, across all terms, a monotone "contiguous position" —
// the highest byte such that every preceding byte is known to be present
// — and exposes CheckForMissingData to enumerate the gaps beyond it, used
// both by crash recovery and by the controller's missing-data repair
// task.
//
// Metadata reads and writes term metadata (current term, voted-for
// candidate, commit and durable positions) as a small fixed-record file,
// written atomically via the same rename-based recipe as the group file.
// StateLog does not use it: its positions are held in memory only.
package replog
