package dasynq

import "time"

// ClockKind selects which clock a timer is measured against.
type ClockKind int

const (
	// ClockMonotonic is unaffected by wall-clock adjustments; suitable for
	// measuring intervals and timeouts.
	ClockMonotonic ClockKind = iota
	// ClockRealtime tracks wall-clock time and jumps with it; suitable for
	// alarms pinned to a calendar time.
	ClockRealtime
)

func (c ClockKind) String() string {
	if c == ClockRealtime {
		return "realtime"
	}
	return "monotonic"
}

// TimerWatcher delivers a notification each time its deadline elapses. A
// timer with a nonzero interval re-arms itself using the accumulated
// overrun count, so a goroutine busy past one or more ticks is told how
// many it missed rather than being flooded with catch-up events.
type TimerWatcher struct {
	watcherBase

	clock ClockKind

	// handle indexes this watcher's entry in the owning Loop's per-clock
	// deadline queue; meaningless while unregistered.
	handle timerHandle

	interval time.Duration

	// enabled gates dispatch, not accumulation: a disabled periodic timer
	// keeps accumulating expiryCount and reports the total once
	// re-enabled.
	enabled bool

	// expiryCount accumulates the number of intervals that elapsed since
	// the last dispatch, computed from the overrun arithmetic in timer.go.
	expiryCount uint64

	// Callback receives the overrun count (>=1) for this expiry.
	Callback func(l *Loop, expiryCount uint64) Rearm

	Removed func()
}

// NewTimerWatcher constructs an unregistered timer watcher against clock.
func NewTimerWatcher(clock ClockKind) *TimerWatcher {
	return &TimerWatcher{watcherBase: newWatcherBase(WatchTimer), clock: clock, enabled: true}
}

// Enabled reports whether expiries are currently being dispatched.
func (w *TimerWatcher) Enabled() bool { return w.enabled }

// SetEnabled toggles dispatch without removing the timer from its clock's
// queue: a disabled timer keeps accumulating its expiry count, reporting
// the total the next time it's enabled and fires.
func (w *TimerWatcher) SetEnabled(l *Loop, enabled bool) error {
	return l.setTimerEnabled(w, enabled)
}

// Clock reports which clock this timer measures against.
func (w *TimerWatcher) Clock() ClockKind { return w.clock }

// Register adds the watcher to l, unarmed; call SetTimeout or
// SetTimeoutRel to actually schedule it.
func (w *TimerWatcher) Register(l *Loop) error {
	return l.RegisterTimer(w)
}

// Deregister removes the watcher and its kernel-side deadline, if armed.
func (w *TimerWatcher) Deregister(l *Loop) error {
	return l.DeregisterTimer(w)
}

// SetTimeout arms (or re-arms) the timer to first expire at deadline,
// then repeat every interval thereafter. An interval of zero makes this
// a one-shot timer.
func (w *TimerWatcher) SetTimeout(l *Loop, deadline time.Time, interval time.Duration) error {
	return l.setTimer(w, deadline, interval)
}

// SetTimeoutRel arms the timer to first expire after delay, then repeat
// every interval thereafter.
func (w *TimerWatcher) SetTimeoutRel(l *Loop, delay time.Duration, interval time.Duration) error {
	return l.setTimerRel(w, delay, interval)
}

// Stop disarms the timer without deregistering it; it may be re-armed
// later with SetTimeout or SetTimeoutRel.
func (w *TimerWatcher) Stop(l *Loop) error {
	return l.stopTimer(w)
}

func (w *TimerWatcher) dispatch(l *Loop) Rearm {
	count := w.expiryCount
	w.expiryCount = 0
	if w.Callback == nil {
		return DISARM
	}
	return w.Callback(l, count)
}

func (w *TimerWatcher) watchRemoved() {
	if w.Removed != nil {
		w.Removed()
	}
}
