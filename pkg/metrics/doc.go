/*
Package metrics provides Prometheus metrics collection and exposition for
emberdb.

The metrics package defines and registers all emberdb metrics using the
Prometheus client library, providing observability into lock contention,
page allocation, undo log growth, replication progress, and controller role.
Metrics are exposed via an HTTP endpoint for scraping by Prometheus servers.

# Metric Categories

Lock manager:
  - emberdb_lock_acquires_total{mode,result}: acquire attempts by mode and outcome
  - emberdb_lock_wait_duration_seconds{mode}: time spent waiting to acquire
  - emberdb_lock_stripes_held: hashtable stripes currently holding a lock
  - emberdb_deadlocks_total: deadlocks detected
  - emberdb_commit_lock_exclusive_duration_seconds: commit lock exclusive hold time

Page manager:
  - emberdb_pages_allocated_total, emberdb_pages_deleted_total,
    emberdb_pages_recycled_total
  - emberdb_free_queue_depth{queue}: regular/recycle/reserve queue depths
  - emberdb_compactions_total, emberdb_compaction_duration_seconds

Undo log:
  - emberdb_undo_log_depth_bytes: size at commit/rollback
  - emberdb_undo_log_promotions_total: inline-buffer to page-chain promotions
  - emberdb_rollbacks_total

Replication:
  - emberdb_replog_commit_index, emberdb_replog_durable_index
  - emberdb_replog_missing_ranges

Controller:
  - emberdb_controller_role, emberdb_controller_term
  - emberdb_elections_total
  - emberdb_replication_broadcast_duration_seconds
  - emberdb_missing_data_repairs_total
  - emberdb_snapshot_transfers_total{role,result}

Engine:
  - emberdb_transactions_total{outcome}, emberdb_transaction_duration_seconds

# Usage

	import "github.com/cuemby/emberdb/pkg/metrics"

	timer := metrics.NewTimer()
	// ... commit transaction ...
	timer.ObserveDuration(metrics.TransactionDuration)
	metrics.TransactionsTotal.WithLabelValues("committed").Inc()

	http.Handle("/metrics", metrics.Handler())

A Collector periodically samples slower-changing state (queue depths,
controller role, replication indexes) from anything implementing Stats:

	c := metrics.NewCollector(db)
	c.Start()
	defer c.Stop()

# Design Patterns

Package Init Registration:
  - All metrics registered in init(), MustRegister panics on duplicate
  - No runtime registration needed

Label Discipline:
  - Only bounded-cardinality labels (mode, result, role, queue, outcome)
  - No transaction ids, peer addresses, or timestamps as labels

# See Also

  - Prometheus documentation: https://prometheus.io/docs/
  - Prometheus client library: https://github.com/prometheus/client_golang
*/
package metrics
