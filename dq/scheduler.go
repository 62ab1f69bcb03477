package dq

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// eventHandle is the engine's handle on a scheduled callout (§6 "Callout
// queue"). It wraps a clockwork.Timer so tests can drive the engine with
// a virtual clock instead of real sleeps.
type eventHandle struct {
	timer clockwork.Timer
}

// schedule arms fn to run after delay, on the engine's single logical
// thread (guarded by e.mu). A minimum delay of one millisecond is
// enforced, matching §5's rule that deferred re-entrant calls never run
// with zero delay.
func (e *Engine) schedule(delay time.Duration, fn func()) *eventHandle {
	if delay < time.Millisecond {
		delay = time.Millisecond
	}
	h := &eventHandle{}
	h.timer = e.clock.AfterFunc(delay, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		fn()
	})
	return h
}

// cancel stops a scheduled callout. A nil handle is a no-op.
func (e *Engine) cancel(h *eventHandle) {
	if h == nil || h.timer == nil {
		return
	}
	h.timer.Stop()
}

// reschedule cancels h (if any) and arms fn again after delay, returning
// the new handle. Used when an event is replaced rather than merely
// delayed, since clockwork timers are single-shot once stopped.
func (e *Engine) reschedule(h *eventHandle, delay time.Duration, fn func()) *eventHandle {
	e.cancel(h)
	return e.schedule(delay, fn)
}
