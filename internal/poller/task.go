// Package poller runs the fixed-interval job status polls behind the video
// progress indicator and the FAQ clip spinner.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/normanking/avatarchat/internal/metrics"
)

// TickFunc is one poll; returning true ends the loop.
type TickFunc func(ctx context.Context) (done bool)

// Task owns a single poll loop. The zero value is not usable; use NewTask.
type Task struct {
	name     string
	interval time.Duration

	mu   sync.Mutex
	stop chan struct{} // non-nil while a loop is active
	runs int
}

// NewTask creates a task that ticks every interval.
func NewTask(name string, interval time.Duration) *Task {
	return &Task{name: name, interval: interval}
}

// Start runs fn immediately and then every interval until fn reports done,
// Stop is called or ctx ends. Starting an active task is a no-op that
// returns false.
func (t *Task) Start(ctx context.Context, fn TickFunc) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		return false
	}
	stop := make(chan struct{})
	t.stop = stop
	t.runs++
	go t.loop(ctx, stop, fn)
	return true
}

// Stop ends the active loop without waiting for an in-flight tick.
func (t *Task) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop == nil {
		return
	}
	close(t.stop)
	t.stop = nil
}

// Active reports whether a loop is running.
func (t *Task) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stop != nil
}

// Runs returns how many loops were started over the task's lifetime.
func (t *Task) Runs() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runs
}

func (t *Task) loop(ctx context.Context, stop chan struct{}, fn TickFunc) {
	gauge := metrics.ActivePolls.WithLabelValues(t.name)
	gauge.Inc()
	defer gauge.Dec()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		default:
		}
		if fn(ctx) {
			t.finish(stop)
			return
		}

		select {
		case <-stop:
			return
		case <-ctx.Done():
			t.finish(stop)
			return
		case <-ticker.C:
		}
	}
}

// finish marks the task idle if stop still belongs to the active loop.
func (t *Task) finish(stop chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop == stop {
		close(t.stop)
		t.stop = nil
	}
}
