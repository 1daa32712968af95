package conversation

import (
	"sync"
	"time"
)

// inactivity schedules one nudge after nudgeAfter and a close closeAfter
// later. Callbacks receive the generation they were armed with so the owner
// can drop ones that raced with a reset.
type inactivity struct {
	nudgeAfter time.Duration
	closeAfter time.Duration
	onNudge    func(gen uint64)
	onClose    func(gen uint64)

	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

func newInactivity(nudgeAfter, closeAfter time.Duration, onNudge, onClose func(gen uint64)) *inactivity {
	return &inactivity{
		nudgeAfter: nudgeAfter,
		closeAfter: closeAfter,
		onNudge:    onNudge,
		onClose:    onClose,
	}
}

// reset cancels pending timers and arms the nudge again.
func (a *inactivity) reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopLocked()
	gen := a.gen
	a.timer = time.AfterFunc(a.nudgeAfter, func() { a.nudge(gen) })
}

// stop cancels pending timers.
func (a *inactivity) stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopLocked()
}

func (a *inactivity) stopLocked() {
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// current reports whether gen is still armed.
func (a *inactivity) current(gen uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gen == gen
}

func (a *inactivity) nudge(gen uint64) {
	a.mu.Lock()
	if a.gen != gen {
		a.mu.Unlock()
		return
	}
	a.timer = time.AfterFunc(a.closeAfter, func() { a.close(gen) })
	a.mu.Unlock()

	a.onNudge(gen)
}

func (a *inactivity) close(gen uint64) {
	a.mu.Lock()
	if a.gen != gen {
		a.mu.Unlock()
		return
	}
	a.timer = nil
	a.mu.Unlock()

	a.onClose(gen)
}
