package rules

import (
	"sync"
	"time"
)

// debouncer coalesces bursts of calls into leading+trailing fires of fn.
// The leading edge fires immediately on the first call of a quiet period;
// calls during the window set a trailing fire. maxWait bounds starvation
// under a sustained burst.
type debouncer struct {
	interval time.Duration
	maxWait  time.Duration
	fn       func()

	mu          sync.Mutex
	timer       *time.Timer
	windowStart time.Time
	trailing    bool
	stopped     bool
}

func newDebouncer(interval, maxWait time.Duration, fn func()) *debouncer {
	return &debouncer{
		interval: interval,
		maxWait:  maxWait,
		fn:       fn,
	}
}

func (d *debouncer) call() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	now := time.Now()

	if d.timer == nil {
		// Leading edge.
		d.windowStart = now
		d.timer = time.AfterFunc(d.interval, d.fire)
		d.mu.Unlock()
		d.fn()
		return
	}

	d.trailing = true
	wait := d.interval
	if remaining := d.maxWait - now.Sub(d.windowStart); remaining < wait {
		wait = remaining
		if wait < 0 {
			wait = 0
		}
	}
	d.timer.Reset(wait)
	d.mu.Unlock()
}

func (d *debouncer) fire() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	if !d.trailing {
		// Quiet window ended with nothing pending.
		d.timer = nil
		d.mu.Unlock()
		return
	}
	d.trailing = false
	d.windowStart = time.Now()
	d.timer.Reset(d.interval)
	d.mu.Unlock()
	d.fn()
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
