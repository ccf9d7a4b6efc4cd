package engine

import (
	"time"

	"github.com/cuemby/emberdb/pkg/log"
)

// checkpointLoop drives Database.Checkpoint on a fixed interval, the same
// ticker-plus-stop-channel shape metrics.Collector uses for its own
// background sampling loop.
type checkpointLoop struct {
	stopCh chan struct{}
}

func startCheckpointLoop(db *Database, interval time.Duration) *checkpointLoop {
	if interval <= 0 {
		return nil
	}
	cl := &checkpointLoop{stopCh: make(chan struct{})}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := db.Checkpoint(); err != nil {
					log.WithComponent("engine").Warn().Err(err).Msg("periodic checkpoint failed")
				}
			case <-cl.stopCh:
				return
			}
		}
	}()
	return cl
}

func (cl *checkpointLoop) stop() {
	if cl == nil {
		return
	}
	close(cl.stopCh)
}
