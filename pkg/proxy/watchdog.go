package proxy

import (
	"sync"
	"time"
)

// Watchdog guards a connection against stalled, non-progressing I/O. It
// fires onExpire once if no progress is reported within the idle window
// while armed.
//
// Hook dispatch is unbounded (it may wait on a human decision), so the
// handler disarms the watchdog around it. Disarm nests; the returned rearm
// function must run on every exit path and is safe to call once only.
type Watchdog struct {
	timeout  time.Duration
	onExpire func()

	mu       sync.Mutex
	timer    *time.Timer
	disarmed int
	stopped  bool
}

// NewWatchdog returns an armed watchdog. A zero timeout never fires.
func NewWatchdog(timeout time.Duration, onExpire func()) *Watchdog {
	w := &Watchdog{timeout: timeout, onExpire: onExpire}
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, w.expire)
	}
	return w
}

func (w *Watchdog) expire() {
	w.mu.Lock()
	if w.stopped || w.disarmed > 0 {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()
	w.onExpire()
}

// Notify resets the idle window after I/O progress.
func (w *Watchdog) Notify() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil && !w.stopped && w.disarmed == 0 {
		w.timer.Reset(w.timeout)
	}
}

// Disarm suspends the watchdog and returns the function that rearms it.
// The rearm function is idempotent so deferred and explicit calls on the
// same path cannot double-arm.
func (w *Watchdog) Disarm() (rearm func()) {
	w.mu.Lock()
	w.disarmed++
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			w.disarmed--
			if w.timer != nil && w.disarmed == 0 && !w.stopped {
				w.timer.Reset(w.timeout)
			}
		})
	}
}

// Stop disables the watchdog permanently.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
}
