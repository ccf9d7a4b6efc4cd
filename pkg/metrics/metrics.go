package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Lock manager metrics
	LockAcquiresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emberdb_lock_acquires_total",
			Help: "Total number of row lock acquire attempts by requested mode and result",
		},
		[]string{"mode", "result"},
	)

	LockWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "emberdb_lock_wait_duration_seconds",
			Help:    "Time spent waiting to acquire a row lock",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	LockHTStripesHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "emberdb_lock_stripes_held",
			Help: "Number of lock hashtable stripes currently holding at least one lock",
		},
	)

	DeadlocksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emberdb_deadlocks_total",
			Help: "Total number of deadlocks detected by the lock manager",
		},
	)

	CommitLockExclusiveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "emberdb_commit_lock_exclusive_duration_seconds",
			Help:    "Time the database-wide commit lock was held exclusively",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Page manager metrics
	PagesAllocatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emberdb_pages_allocated_total",
			Help: "Total number of pages allocated from the page manager",
		},
	)

	PagesDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emberdb_pages_deleted_total",
			Help: "Total number of pages returned to a free queue",
		},
	)

	PagesRecycledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emberdb_pages_recycled_total",
			Help: "Total number of pages reused from the recycle queue",
		},
	)

	FreeQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "emberdb_free_queue_depth",
			Help: "Number of pages currently queued by free-list queue",
		},
		[]string{"queue"},
	)

	CompactionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emberdb_compactions_total",
			Help: "Total number of background compaction passes completed",
		},
	)

	CompactionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "emberdb_compaction_duration_seconds",
			Help:    "Time taken for a background compaction pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Undo log metrics
	UndoLogDepth = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "emberdb_undo_log_depth_bytes",
			Help:    "Size in bytes of a transaction's undo log at commit or rollback",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		},
	)

	UndoLogPromotionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emberdb_undo_log_promotions_total",
			Help: "Total number of undo logs promoted from inline buffer to page chain",
		},
	)

	RollbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emberdb_rollbacks_total",
			Help: "Total number of transaction rollbacks",
		},
	)

	// Replication log metrics
	ReplogCommitIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "emberdb_replog_commit_index",
			Help: "Highest log position known to be committed",
		},
	)

	ReplogDurableIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "emberdb_replog_durable_index",
			Help: "Highest log position fsynced to the local term log",
		},
	)

	ReplogMissingRanges = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "emberdb_replog_missing_ranges",
			Help: "Number of missing data ranges currently tracked by the local state log",
		},
	)

	// Controller metrics
	ControllerRole = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "emberdb_controller_role",
			Help: "Current controller role (0 = observer, 1 = follower, 2 = candidate, 3 = leader)",
		},
	)

	ControllerTerm = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "emberdb_controller_term",
			Help: "Current election term",
		},
	)

	ElectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emberdb_elections_total",
			Help: "Total number of elections started by this peer",
		},
	)

	ReplicationBroadcastDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "emberdb_replication_broadcast_duration_seconds",
			Help:    "Time taken to broadcast a log entry to the group and reach quorum",
			Buckets: prometheus.DefBuckets,
		},
	)

	MissingDataRepairsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emberdb_missing_data_repairs_total",
			Help: "Total number of missing-data repair cycles initiated",
		},
	)

	SnapshotTransfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emberdb_snapshot_transfers_total",
			Help: "Total number of snapshot transfers by role and result",
		},
		[]string{"role", "result"},
	)

	// Transaction / engine metrics
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emberdb_transactions_total",
			Help: "Total number of transactions by outcome",
		},
		[]string{"outcome"},
	)

	TransactionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "emberdb_transaction_duration_seconds",
			Help:    "Time from transaction begin to commit or rollback",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(LockAcquiresTotal)
	prometheus.MustRegister(LockWaitDuration)
	prometheus.MustRegister(LockHTStripesHeld)
	prometheus.MustRegister(DeadlocksTotal)
	prometheus.MustRegister(CommitLockExclusiveDuration)

	prometheus.MustRegister(PagesAllocatedTotal)
	prometheus.MustRegister(PagesDeletedTotal)
	prometheus.MustRegister(PagesRecycledTotal)
	prometheus.MustRegister(FreeQueueDepth)
	prometheus.MustRegister(CompactionsTotal)
	prometheus.MustRegister(CompactionDuration)

	prometheus.MustRegister(UndoLogDepth)
	prometheus.MustRegister(UndoLogPromotionsTotal)
	prometheus.MustRegister(RollbacksTotal)

	prometheus.MustRegister(ReplogCommitIndex)
	prometheus.MustRegister(ReplogDurableIndex)
	prometheus.MustRegister(ReplogMissingRanges)

	prometheus.MustRegister(ControllerRole)
	prometheus.MustRegister(ControllerTerm)
	prometheus.MustRegister(ElectionsTotal)
	prometheus.MustRegister(ReplicationBroadcastDuration)
	prometheus.MustRegister(MissingDataRepairsTotal)
	prometheus.MustRegister(SnapshotTransfersTotal)

	prometheus.MustRegister(TransactionsTotal)
	prometheus.MustRegister(TransactionDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
