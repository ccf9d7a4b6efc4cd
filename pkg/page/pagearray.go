package page

import (
	"fmt"
	"os"
	"sync"

	"github.com/cuemby/emberdb/pkg/log"
)

// Array is a fixed-size block device: a file treated as a dense array of
// equal-size pages, addressable by ID and growable or truncatable one page
// at a time.
type Array struct {
	mu       sync.RWMutex
	file     *os.File
	pageSize int
	count    uint64 // pages currently backed by the file
}

// OpenArray opens path, creating it if absent, and reports the page count
// implied by the file's current length. A newly created file starts at
// FirstAllocatableID pages so header slots 0 and 1 always exist.
func OpenArray(path string, pageSize int) (*Array, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("page: open array: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("page: stat array: %w", err)
	}

	a := &Array{file: f, pageSize: pageSize}
	if info.Size() == 0 {
		if err := f.Truncate(int64(FirstAllocatableID) * int64(pageSize)); err != nil {
			f.Close()
			return nil, fmt.Errorf("page: initialize array: %w", err)
		}
		a.count = uint64(FirstAllocatableID)
	} else {
		a.count = uint64(info.Size()) / uint64(pageSize)
	}
	log.WithComponent("page").Debug().Str("path", path).Uint64("pages", a.count).Msg("page array opened")
	return a, nil
}

// PageSize returns the fixed size of every page in the array.
func (a *Array) PageSize() int {
	return a.pageSize
}

// Count returns the number of pages currently backed by the file.
func (a *Array) Count() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.count
}

// ReadPage reads the full contents of page id into a freshly allocated
// buffer.
func (a *Array) ReadPage(id ID) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if uint64(id) >= a.count {
		return nil, ErrInvalidPage
	}
	buf := make([]byte, a.pageSize)
	if _, err := a.file.ReadAt(buf, int64(id)*int64(a.pageSize)); err != nil {
		return nil, fmt.Errorf("page: read %d: %w", id, err)
	}
	return buf, nil
}

// WritePage writes buf (which must be exactly PageSize bytes) to page id.
func (a *Array) WritePage(id ID, buf []byte) error {
	a.mu.RLock()
	count := a.count
	a.mu.RUnlock()
	if uint64(id) >= count {
		return ErrInvalidPage
	}
	if len(buf) != a.pageSize {
		return fmt.Errorf("page: write %d: buffer is %d bytes, want %d", id, len(buf), a.pageSize)
	}
	if _, err := a.file.WriteAt(buf, int64(id)*int64(a.pageSize)); err != nil {
		return fmt.Errorf("page: write %d: %w", id, err)
	}
	return nil
}

// Extend grows the backing file by n pages and returns the id of the first
// new page.
func (a *Array) Extend(n uint64) (ID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	first := ID(a.count)
	newCount := a.count + n
	if err := a.file.Truncate(int64(newCount) * int64(a.pageSize)); err != nil {
		return 0, fmt.Errorf("page: extend array: %w", err)
	}
	a.count = newCount
	return first, nil
}

// Truncate shrinks the array to count pages, physically discarding
// everything above it. Used by compaction-end's truncate-pages step.
func (a *Array) Truncate(count uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if count > a.count {
		return fmt.Errorf("page: truncate to %d exceeds current count %d", count, a.count)
	}
	if err := a.file.Truncate(int64(count) * int64(a.pageSize)); err != nil {
		return fmt.Errorf("page: truncate array: %w", err)
	}
	a.count = count
	return nil
}

// Sync flushes the backing file to stable storage.
func (a *Array) Sync() error {
	return a.file.Sync()
}

// Close releases the backing file handle.
func (a *Array) Close() error {
	return a.file.Close()
}
