package lock

// Mode is a row lock mode.
type Mode int

const (
	// Shared admits any number of concurrent holders.
	Shared Mode = iota
	// Upgradable admits concurrent Shared holders but reserves the sole
	// right to upgrade to Exclusive.
	Upgradable
	// Exclusive admits no concurrent holder of any mode.
	Exclusive
)

func (m Mode) String() string {
	switch m {
	case Shared:
		return "SHARED"
	case Upgradable:
		return "UPGRADABLE"
	case Exclusive:
		return "EXCLUSIVE"
	default:
		return "UNKNOWN"
	}
}

// UpgradeRule controls which holders may upgrade a Shared lock to
// Upgradable or Exclusive without first releasing it.
type UpgradeRule int

const (
	// Strict allows upgrade only from a lock already held Upgradable.
	Strict UpgradeRule = iota
	// Lenient allows a sole Shared holder to promote directly.
	Lenient
	// Unchecked allows any holder to promote, trusting the caller.
	Unchecked
)

// Result classifies the outcome of an acquire call.
type Result int

const (
	// Acquired means the lock was newly granted.
	Acquired Result = iota
	// Owned means the locker already held a compatible or stronger mode.
	Owned
	// Upgraded means a held Shared lock was promoted.
	Upgraded
)

func (r Result) String() string {
	switch r {
	case Acquired:
		return "ACQUIRED"
	case Owned:
		return "OWNED"
	case Upgraded:
		return "UPGRADED"
	default:
		return "UNKNOWN"
	}
}

// GhostRef is an optional back-reference carried by a Lock to the
// logically-deleted but not yet physically-removed B-tree entry it guards.
// The commit path consumes it to perform the physical removal.
type GhostRef struct {
	PageID   uint64
	Position int
}

// Key identifies a row lock by its owning index and encoded key.
type Key struct {
	IndexID uint64
	Rowkey  string
}
