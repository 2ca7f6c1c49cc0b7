package latency

import (
	"sync"
	"time"
)

// DefaultFrameInterval is the refresh cadence used for live statistics.
const DefaultFrameInterval = 100 * time.Millisecond

// Scheduler runs fn once at the next frame boundary and returns a cancel func.
type Scheduler func(fn func()) (cancel func())

// FrameScheduler schedules on a fixed frame interval using time.AfterFunc.
func FrameScheduler(interval time.Duration) Scheduler {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	return func(fn func()) func() {
		t := time.AfterFunc(interval, fn)
		return func() { t.Stop() }
	}
}

// Coalescer collapses any number of Request calls made between two frames
// into a single refresh.
type Coalescer struct {
	mu       sync.Mutex
	schedule Scheduler
	refresh  func()
	pending  bool
	stopped  bool
	cancel   func()
}

func NewCoalescer(schedule Scheduler, refresh func()) *Coalescer {
	return &Coalescer{schedule: schedule, refresh: refresh}
}

// Request marks a refresh as needed. Only the first request after a flush
// schedules work.
func (c *Coalescer) Request() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending || c.stopped {
		return
	}
	c.pending = true
	c.cancel = c.schedule(c.flush)
}

// Pending reports whether a refresh is scheduled.
func (c *Coalescer) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Stop cancels a scheduled refresh and ignores later requests.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.pending = false
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// Restart re-enables a stopped coalescer.
func (c *Coalescer) Restart() {
	c.mu.Lock()
	c.stopped = false
	c.mu.Unlock()
}

func (c *Coalescer) flush() {
	c.mu.Lock()
	if !c.pending || c.stopped {
		c.mu.Unlock()
		return
	}
	c.pending = false
	c.cancel = nil
	c.mu.Unlock()
	c.refresh()
}
