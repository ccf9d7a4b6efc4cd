/*
Package log provides structured logging for emberdb using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions for
common logging patterns. All logs include timestamps and support filtering by
severity level for production debugging.

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all emberdb packages
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)
  - Fatal: Critical errors (process exits)

Configuration:
  - Level: Filter messages below threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (stdout, file)

Context Loggers:
  - WithComponent: Add component name to all logs
  - WithTxnID: Add transaction id context
  - WithPeerID: Add replication peer id context
  - WithTerm: Add election term context

# Usage

Initializing the Logger:

	import "github.com/cuemby/emberdb/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component Loggers:

	lockLog := log.WithComponent("lock")
	lockLog.Debug().Msg("acquiring exclusive commit lock")

	ctrlLog := log.WithComponent("controller").
		With().Uint64("term", term).Logger()
	ctrlLog.Info().Msg("became leader")

# Integration Points

This package is used by:

  - pkg/lock: commit lock exclusive acquisition
  - pkg/page: manager open, compaction start and end
  - pkg/undo: scope promotion, master-log checkpoint
  - pkg/replog: term definition, compaction
  - pkg/group: group file recovery and updates
  - pkg/controller: election transitions, control messages, replication,
    snapshot transfer
  - pkg/engine: warnings
  - pkg/wire: handler errors

All of them obtain their logger through WithComponent.

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance
  - Initialized once at application start
  - Accessible from all packages without passing

Context Logger Pattern:
  - Create child loggers with context fields (txn_id, peer_id, term)
  - Pass context loggers to functions
  - Avoids repetitive field specification
*/
package log
