package router

import (
	"runtime/debug"
	"sync"

	logx "captionrelay/pkg/logx"
)

// dispatcher runs fan-out jobs one at a time, in arrival order. Whoever
// enqueues into an idle dispatcher drains it on their own goroutine; anyone
// arriving while a drain is in progress (including a bus handler publishing
// from inside a dispatch) only enqueues, and the active drainer runs the job
// once the current one has completed.
type dispatcher struct {
	log logx.Logger

	mu       sync.Mutex
	pending  []func()
	draining bool
}

// run reports whether fn was dispatched before run returned.
func (d *dispatcher) run(fn func()) bool {
	d.mu.Lock()
	d.pending = append(d.pending, fn)
	if d.draining {
		d.mu.Unlock()
		return false
	}
	d.draining = true
	for len(d.pending) > 0 {
		next := d.pending[0]
		d.pending[0] = nil
		d.pending = d.pending[1:]
		d.mu.Unlock()
		d.call(next)
		d.mu.Lock()
	}
	d.pending = nil
	d.draining = false
	d.mu.Unlock()
	return true
}

// call keeps a panicking job from leaving the dispatcher marked busy.
func (d *dispatcher) call(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			d.log.Error("dispatch panicked", logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
		}
	}()
	fn()
}

// Pending is the number of accepted events waiting for dispatch.
func (r *Router) Pending() int {
	r.dispatch.mu.Lock()
	defer r.dispatch.mu.Unlock()
	return len(r.dispatch.pending)
}
