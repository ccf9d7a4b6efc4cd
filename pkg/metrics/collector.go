package metrics

import "time"

// Stats is implemented by engine.Database to expose a periodic snapshot of
// internal counters without pulling pkg/metrics into every subsystem's
// hot path. Collector polls it on a fixed interval.
type Stats interface {
	FreeQueueDepths() map[string]int
	LockStripesHeld() int
	ControllerRole() int
	ControllerTerm() uint64
	ReplogCommitIndex() uint64
	ReplogDurableIndex() uint64
	ReplogMissingRangeCount() int
}

// Collector periodically samples a Stats source into the package-level
// Prometheus gauges.
type Collector struct {
	source Stats
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector for source.
func NewCollector(source Stats) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a background goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	for queue, depth := range c.source.FreeQueueDepths() {
		FreeQueueDepth.WithLabelValues(queue).Set(float64(depth))
	}

	LockHTStripesHeld.Set(float64(c.source.LockStripesHeld()))

	ControllerRole.Set(float64(c.source.ControllerRole()))
	ControllerTerm.Set(float64(c.source.ControllerTerm()))

	ReplogCommitIndex.Set(float64(c.source.ReplogCommitIndex()))
	ReplogDurableIndex.Set(float64(c.source.ReplogDurableIndex()))
	ReplogMissingRanges.Set(float64(c.source.ReplogMissingRangeCount()))
}
