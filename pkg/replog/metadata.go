package replog

import (
	"encoding/binary"
	"fmt"
	"os"
)

// metadataRecordSize is the fixed on-disk record: current-term,
// voted-for, commit-position, durable-position, each a little-endian u64.
const metadataRecordSize = 8 * 4

// Metadata is the small atomically-renamed file holding term persistence
// state, so a crash never leaves an invalid (current-term, voted-for)
// pair.
type Metadata struct {
	CurrentTerm     uint64
	VotedFor        uint64 // 0 means "no vote cast this term"
	CommitPosition  uint64
	DurablePosition uint64
}

func (m Metadata) encode() []byte {
	buf := make([]byte, metadataRecordSize)
	binary.LittleEndian.PutUint64(buf[0:8], m.CurrentTerm)
	binary.LittleEndian.PutUint64(buf[8:16], m.VotedFor)
	binary.LittleEndian.PutUint64(buf[16:24], m.CommitPosition)
	binary.LittleEndian.PutUint64(buf[24:32], m.DurablePosition)
	return buf
}

func decodeMetadata(buf []byte) (Metadata, error) {
	if len(buf) != metadataRecordSize {
		return Metadata{}, fmt.Errorf("replog: metadata record: %w", ErrCorrupt)
	}
	return Metadata{
		CurrentTerm:     binary.LittleEndian.Uint64(buf[0:8]),
		VotedFor:        binary.LittleEndian.Uint64(buf[8:16]),
		CommitPosition:  binary.LittleEndian.Uint64(buf[16:24]),
		DurablePosition: binary.LittleEndian.Uint64(buf[24:32]),
	}, nil
}

// LoadMetadata reads path, falling back to an empty Metadata if it does
// not yet exist.
func LoadMetadata(path string) (Metadata, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Metadata{}, nil
		}
		return Metadata{}, err
	}
	return decodeMetadata(buf)
}

// SaveMetadata writes m to path atomically: write path.new, rename path
// to path.old, rename path.new to path, delete path.old.
func SaveMetadata(path string, m Metadata) error {
	newPath := path + ".new"
	oldPath := path + ".old"
	if err := os.WriteFile(newPath, m.encode(), 0o644); err != nil {
		return fmt.Errorf("replog: write metadata: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, oldPath); err != nil {
			return fmt.Errorf("replog: rotate metadata: %w", err)
		}
	}
	if err := os.Rename(newPath, path); err != nil {
		return fmt.Errorf("replog: install metadata: %w", err)
	}
	_ = os.Remove(oldPath)
	return nil
}
