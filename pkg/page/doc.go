// Package page implements emberdb's page-structured storage layer: a
// fixed-size block device (PageArray), three persisted free-page queues
// (PageQueue) and the allocator/compactor that sits on top of them
// (PageManager).
//
// # Layout
//
// Page ids 0 and 1 are reserved for two alternating header slots holding
// the page-manager header: the total page count and the three PageQueue
// headers (regular, recycle, reserve). Writers alternate between slot 0
// and slot 1 on every header flush and stamp a generation counter, so a
// crash mid-write always leaves one slot fully intact; recovery picks
// whichever slot has the higher generation and a header that decodes;
// slots carry no checksum.
//
// # Allocation policy
//
// Allocate tries, in order: the recycle queue's in-memory append buffer
// (free, no I/O), the recycle queue's on-disk node chain, the regular
// queue's on-disk node chain and then its in-memory buffer, a steal from
// the reserve queue if the
// caller permits it, and finally growing the backing array by one page.
//
// # Compaction
//
// Compaction relocates every live page at or above a target page count
// into the low part of the file so the file can be truncated. It
// proceeds through five steps - start, scan-free-list, verify, end,
// reclaim - each implemented as its own PageManager method so a caller
// can interleave them with other work and abort cleanly by clearing the
// compacting flag before compaction-end.
package page
