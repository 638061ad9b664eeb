package dasynq

import "time"

// Backend is the pluggable I/O multiplexing contract implemented once per
// platform (epoll on Linux, kqueue on Darwin/BSD, pselect as the portable
// fallback). The dispatch layer (Loop) is the only caller; all methods are
// called with the attention lock held, so a Backend implementation never
// needs its own locking beyond what's necessary to protect its own state
// against the PullEvents goroutine observing concurrent registration.
type Backend interface {
	// AddFDWatch registers fd for flags (In/Out/OneShot). ok is false iff
	// the backend can't watch this descriptor kind and mayEmulate was set;
	// the caller then falls back to emulated (continuously re-queued)
	// readiness instead of treating it as an error.
	AddFDWatch(fd int, w watcher, flags WatchFlags, enabled bool, mayEmulate bool) (ok bool, err error)
	// AddBidiFDWatch registers both halves of a composite watcher. The
	// returned WatchFlags is zero on full success, or the subset (In/Out)
	// that must fall back to emulation.
	AddBidiFDWatch(fd int, w *BidiFdWatcher, flags WatchFlags, mayEmulate bool) (emulate WatchFlags, err error)
	EnableFDWatch(fd int, side WatchFlags) error
	DisableFDWatch(fd int, side WatchFlags) error
	RemoveFDWatch(fd int, side WatchFlags) error

	// AddSignalWatch registers signo; the caller must already have signo
	// blocked in the process signal mask.
	AddSignalWatch(signo int, w *SignalWatcher) error
	RearmSignalWatchNolock(signo int) error
	RemoveSignalWatchNolock(signo int) error

	// AddTimer reserves backend-side resources (if any) for a timer on
	// clock; most backends need nothing here since the kernel timer is
	// shared across all timers on one clock, but the call exists for
	// symmetry with the original contract and so kqueue's EVFILT_TIMER
	// path has a hook to lazily create its kqueue if needed.
	AddTimer(clock ClockKind) error
	// ArmTimer (re)programs the single kernel timer for clock to next
	// expire at deadline, or disarms it if deadline's zero Time.
	ArmTimer(clock ClockKind, deadline time.Time) error
	RemoveTimer(clock ClockKind) error

	// PullEvents drains ready kernel events, dispatching each via the
	// dispatcher supplied at construction. If wait, it blocks until at
	// least one event (or an interrupt) arrives; otherwise it returns
	// immediately when none are pending.
	PullEvents(wait bool) error

	// Interrupt wakes a goroutine currently blocked inside PullEvents(true)
	// from any other goroutine, used by the attention-lock protocol so a
	// mutator can acquire the lock promptly.
	Interrupt() error

	Close() error

	// Feature traits, consulted by the registration layer.
	HasSeparateRWFDWatches() bool
	SupportsChildWatchReservation() bool
	InterruptAfterFDAdd() bool
}

// dispatcher is the upward-facing callback surface a Backend drives while
// inside PullEvents; Loop implements it. All methods are called with no
// locks held by the backend — the dispatcher acquires its own dispatch
// lock internally, matching the contract that receive_fd_event /
// receive_signal / receive_child_stat run "under the dispatch lock".
type dispatcher interface {
	receiveFdEvent(fd int, w watcher, events WatchFlags)
	// receiveSignal reports a signal delivery and returns true if the
	// backend should mask (disable) the signal until it's re-armed.
	receiveSignal(signo int, info SigInfo) bool
	receiveChildStat(pid, status int)
	// receiveTimerExpiry is called once per kernel timer fire; now is the
	// clock reading at the moment of expiry.
	receiveTimerExpiry(clock ClockKind, now time.Time)

	log() loopLogger
}
