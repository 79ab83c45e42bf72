package window

import (
	"sync"
	"time"
)

// DefaultFrameInterval is one frame at 60Hz.
const DefaultFrameInterval = 16 * time.Millisecond

// FrameDebouncer coalesces a stream of values to at most one per frame. The
// latest offered value always wins; earlier values in the same frame are dropped.
type FrameDebouncer struct {
	mu       sync.Mutex
	interval time.Duration
	now      func() time.Time

	last    time.Time
	fired   bool
	pending int
	waiting bool
}

// NewFrameDebouncer returns a debouncer. A zero interval uses
// DefaultFrameInterval and a nil now uses time.Now.
func NewFrameDebouncer(interval time.Duration, now func() time.Time) *FrameDebouncer {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	if now == nil {
		now = time.Now
	}
	return &FrameDebouncer{interval: interval, now: now}
}

// Offer records v. It returns v and true when a frame boundary has passed since
// the last emitted value; otherwise v is held for Flush or a later Offer.
func (d *FrameDebouncer) Offer(v int) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if !d.fired || now.Sub(d.last) >= d.interval {
		d.emitLocked(now)
		return v, true
	}
	d.pending = v
	d.waiting = true
	return 0, false
}

// Flush emits the held value once its frame has elapsed.
func (d *FrameDebouncer) Flush() (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.waiting {
		return 0, false
	}
	now := d.now()
	if now.Sub(d.last) < d.interval {
		return 0, false
	}
	d.emitLocked(now)
	return d.pending, true
}

// Pending reports whether a value is waiting for the next frame.
func (d *FrameDebouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.waiting
}

// Interval returns the frame length.
func (d *FrameDebouncer) Interval() time.Duration {
	return d.interval
}

func (d *FrameDebouncer) emitLocked(now time.Time) {
	d.last = now
	d.fired = true
	d.waiting = false
}
