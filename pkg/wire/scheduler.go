package wire

import (
	"math/rand"
	"sync"
	"time"
)

// RandomTimeout returns a duration uniformly distributed in [min, max),
// used for election timeouts and missing-data repair polling so peers
// do not all fire in lockstep.
func RandomTimeout(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// Task is a handle to one scheduled, cancellable delayed call.
type Task struct {
	mu     sync.Mutex
	timer  *time.Timer
	active bool
	wg     *sync.WaitGroup
}

// Cancel stops the task if it has not yet fired. It returns false if the
// task already fired or was already cancelled. A successful cancel
// releases the scheduler's wait-group slot immediately, since the
// callback goroutine will now never run.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return false
	}
	t.active = false
	stopped := t.timer.Stop()
	if stopped && t.wg != nil {
		t.wg.Done()
	}
	return stopped
}

// Scheduler runs delayed one-shot callbacks, each on its own goroutine
// started by time.AfterFunc; the number of concurrent callbacks is not
// bounded. Tasks are tracked so Close can wait for them before the
// scheduler itself is torn down.
type Scheduler struct {
	mu       sync.Mutex
	closed   bool
	wg       sync.WaitGroup
	shutdown chan struct{}
}

// NewScheduler creates a ready-to-use Scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{shutdown: make(chan struct{})}
}

// Schedule runs fn after delay on its own goroutine, unless cancelled or
// the scheduler is closed first. A closed scheduler rejects new tasks
// silently, returning a Task whose Cancel is a no-op.
func (s *Scheduler) Schedule(delay time.Duration, fn func()) *Task {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &Task{}
	}
	s.wg.Add(1)
	s.mu.Unlock()

	t := &Task{active: true, wg: &s.wg}
	t.timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		fired := t.active
		t.active = false
		t.mu.Unlock()
		if !fired {
			return
		}
		defer s.wg.Done()
		select {
		case <-s.shutdown:
			return
		default:
		}
		fn()
	})
	return t
}

// Close prevents new tasks from being scheduled and waits until every
// task that has not been cancelled has fired and returned. Callbacks of
// tasks still pending at Close fire at their scheduled time, observe
// shutdown and return without calling fn, so Close can block for up to
// the longest remaining delay.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.shutdown)
	s.mu.Unlock()
	s.wg.Wait()
}
