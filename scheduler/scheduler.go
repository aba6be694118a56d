// Package scheduler implements a periodic task runner created lazily
// on first schedule. Each scheduled task gets its own goroutine that
// runs a round function on a fixed delay, except that a round
// reporting it has not yet caught up to the tip is retried
// immediately, bounded by a small minimum delay so a large backlog
// doesn't spin the CPU.
//
// A single goroutine per task reads a cancellation channel in a loop,
// with Close draining and joining every running task.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/time/rate"
)

// MinRoundDelay bounds how fast consecutive not-reached-tip rounds may
// fire when a task is catching up on a backlog.
const MinRoundDelay = 10 * time.Millisecond

// RoundFunc runs one round of a scheduled task. reachedTip signals
// whether the task has caught up to its source's current tip; when
// false the Scheduler retries immediately (bounded by MinRoundDelay)
// instead of waiting out the full inter-round delay.
type RoundFunc func() (reachedTip bool, err error)

type taskHandle struct {
	cancel                chan struct{}
	done                  chan struct{}
	mayInterruptIfRunning bool
}

// Scheduler runs named periodic tasks, one goroutine each.
type Scheduler struct {
	mu     sync.Mutex
	tasks  map[string]*taskHandle
	logger log.Logger
	closed bool
}

// New creates a Scheduler. A nil logger defaults to a no-op logger.
func New(logger log.Logger) *Scheduler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Scheduler{tasks: make(map[string]*taskHandle), logger: logger}
}

// Schedule starts (or, if name is already scheduled, is a no-op for) a
// periodic task that runs fn with inter-round delay.
func (s *Scheduler) Schedule(name string, delay time.Duration, fn RoundFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, exists := s.tasks[name]; exists {
		return
	}

	h := &taskHandle{
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.tasks[name] = h
	go s.run(name, delay, fn, h)
}

func (s *Scheduler) run(name string, delay time.Duration, fn RoundFunc, h *taskHandle) {
	defer close(h.done)

	limiter := rate.NewLimiter(rate.Every(MinRoundDelay), 1)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-h.cancel:
			return
		case <-timer.C:
		}

		reachedTip, err := fn()
		if err != nil {
			level.Error(s.logger).Log("msg", "scheduled round failed", "task", name, "err", err)
		}

		select {
		case <-h.cancel:
			return
		default:
		}

		if reachedTip {
			timer.Reset(delay)
			continue
		}

		// Behind: catch up immediately, but never faster than
		// MinRoundDelay between rounds.
		_ = limiter.Wait(context.Background())
		timer.Reset(0)
	}
}

// Cancel stops the named task. The cursor/state the task was
// maintaining is left exactly as the last successful round left it.
// When mayInterruptIfRunning is false, Cancel returns without waiting
// for an in-flight round to finish; when true, it blocks until the
// round in progress (if any) reaches its next boundary and exits.
func (s *Scheduler) Cancel(name string, mayInterruptIfRunning bool) {
	s.mu.Lock()
	h, ok := s.tasks[name]
	if ok {
		delete(s.tasks, name)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	select {
	case <-h.cancel:
	default:
		close(h.cancel)
	}
	if mayInterruptIfRunning {
		<-h.done
	}
}

// Close cancels every scheduled task and waits for all of their
// goroutines to exit.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	handles := make([]*taskHandle, 0, len(s.tasks))
	for _, h := range s.tasks {
		handles = append(handles, h)
	}
	s.tasks = make(map[string]*taskHandle)
	s.mu.Unlock()

	for _, h := range handles {
		select {
		case <-h.cancel:
		default:
			close(h.cancel)
		}
	}
	for _, h := range handles {
		<-h.done
	}
}
