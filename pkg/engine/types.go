package engine

import "time"

// Config controls Open. It extends a manager-style NodeID/BindAddr/DataDir
// shape with the knobs the lower-level components expose: page size and
// page limit, lock stripe count and upgrade rule, and replication segment
// size.
type Config struct {
	// MemberID identifies this node in the replicated group roster. The
	// bootstrap node is always member 1.
	MemberID uint64
	// LocalAddress is how peers dial this node's Channel.
	LocalAddress string
	// DataDir holds the page array file, undo pages, group file, and
	// state-log segment directory.
	DataDir string

	PageSize  int
	PageLimit uint64

	LockStripes int // 0 = default (16 x NumCPU)
	UpgradeRule int // lock.Strict / lock.Lenient / lock.Unchecked; 0 = Strict

	SegmentSize int64 // 0 = replog.DefaultSegmentSize

	// CheckpointInterval schedules automatic master-log checkpoints; 0
	// selects a 30-second default and a negative value disables the
	// background ticker (callers may still call Checkpoint directly).
	CheckpointInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.CheckpointInterval == 0 {
		c.CheckpointInterval = 30 * time.Second
	}
	return c
}
