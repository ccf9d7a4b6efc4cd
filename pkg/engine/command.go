package engine

import (
	"encoding/binary"
	"errors"
)

// mutOp tags a single row mutation inside a replicated command batch.
type mutOp byte

const (
	mutPut mutOp = iota
	mutDelete
)

// mutKey identifies one row within a Txn's pending mutation set, keyed so
// a second Put/Delete on the same row during the same transaction
// collapses to the latest intent instead of replicating twice.
type mutKey struct {
	IndexID uint64
	Key     string
}

// mutation is one row write or delete, replicated to every peer as part
// of a Txn.Commit batch and applied locally by Database.applyReplicated.
type mutation struct {
	Op      mutOp
	IndexID uint64
	Key     string
	Value   []byte
}

// encodeMutations serializes a batch as a varint count followed by
// varint-length-prefixed fields (pkg/controller's control messages use
// fixed 8-byte little-endian fields instead), kept local to this package
// since the batch format is an engine concern, not a wire-level one.
func encodeMutations(muts []mutation) []byte {
	buf := make([]byte, 0, 64*len(muts))
	buf = appendUvarint(buf, uint64(len(muts)))
	for _, m := range muts {
		buf = append(buf, byte(m.Op))
		buf = appendUvarint(buf, m.IndexID)
		buf = appendBytes(buf, []byte(m.Key))
		buf = appendBytes(buf, m.Value)
	}
	return buf
}

func decodeMutations(buf []byte) ([]mutation, error) {
	n, buf, ok := readUvarint(buf)
	if !ok {
		return nil, errors.New("engine: truncated mutation batch")
	}
	muts := make([]mutation, 0, n)
	for i := uint64(0); i < n; i++ {
		if len(buf) < 1 {
			return nil, errors.New("engine: truncated mutation op")
		}
		op := mutOp(buf[0])
		buf = buf[1:]

		var indexID uint64
		indexID, buf, ok = readUvarint(buf)
		if !ok {
			return nil, errors.New("engine: truncated mutation index id")
		}
		var keyBytes, value []byte
		keyBytes, buf, ok = readBytes(buf)
		if !ok {
			return nil, errors.New("engine: truncated mutation key")
		}
		value, buf, ok = readBytes(buf)
		if !ok {
			return nil, errors.New("engine: truncated mutation value")
		}
		muts = append(muts, mutation{Op: op, IndexID: indexID, Key: string(keyBytes), Value: value})
	}
	return muts, nil
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

func readUvarint(buf []byte) (uint64, []byte, bool) {
	v, n := binary.Uvarint(buf)
	if n <= 0 {
		return 0, buf, false
	}
	return v, buf[n:], true
}

func appendBytes(buf, b []byte) []byte {
	buf = appendUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

func readBytes(buf []byte) ([]byte, []byte, bool) {
	n, rest, ok := readUvarint(buf)
	if !ok || uint64(len(rest)) < n {
		return nil, buf, false
	}
	return rest[:n], rest[n:], true
}
