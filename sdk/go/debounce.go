package caselinesdk

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of calls into one trailing invocation.
// Each Trigger restarts the delay; the function runs once the calls go
// quiet. Stop cancels a pending invocation, so a save scheduled for a
// record that was just deleted never fires.
type Debouncer struct {
	delay time.Duration

	mu    sync.Mutex
	timer *time.Timer
	fn    func()
}

// NewDebouncer returns a debouncer with the given quiet period.
func NewDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{delay: delay}
}

// Trigger schedules fn to run after the quiet period, replacing any
// invocation still pending.
func (d *Debouncer) Trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fn = fn
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fire)
}

// Stop cancels the pending invocation, if any. It reports whether a
// call was actually cancelled.
func (d *Debouncer) Stop() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer == nil {
		return false
	}
	stopped := d.timer.Stop()
	d.timer = nil
	d.fn = nil
	return stopped
}

// Flush runs the pending invocation immediately instead of waiting out
// the quiet period.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	fn := d.fn
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.fn = nil
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	fn := d.fn
	d.timer = nil
	d.fn = nil
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}
