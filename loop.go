package dasynq

import (
	"sync"
	"time"
)

// Loop multiplexes file descriptors, signals, child processes, and timers
// through a single Backend, owning watcher lifecycle and the ready-queue
// dispatch protocol described in doc.go.
//
// New wires up the platform-appropriate Backend (epoll on Linux, kqueue on
// Darwin, pselect elsewhere) via newPlatformBackend, implemented once per
// platform file; the two-queue attention/poll-wait protocol lives in
// waitQueue (waitqueue.go).
type Loop struct {
	mu sync.Mutex // dispatch lock: guards readyHead/readyTail, active/deleteme, timer queues

	state *FastState
	wait  *waitQueue

	backend Backend
	logger  loopLogger
	opts    *loopOptions

	fds      *fdRegistry
	signals  *signalRegistry
	children *childRegistry

	timerClocks [2]*timerClock // indexed by ClockKind

	readyHead watcher
	readyTail watcher
}

// New constructs a Loop using the platform-appropriate backend.
func New(opts ...LoopOption) (*Loop, error) {
	cfg := resolveLoopOptions(opts)

	l := &Loop{
		state:    NewFastState(),
		logger:   newLoopLogger(cfg.logger),
		opts:     cfg,
		fds:      newFdRegistry(),
		signals:  newSignalRegistry(),
		children: newChildRegistry(),
	}
	l.timerClocks[ClockMonotonic] = newTimerClock(ClockMonotonic)
	l.timerClocks[ClockRealtime] = newTimerClock(ClockRealtime)
	l.wait = newWaitQueue(l)

	backend, err := newPlatformBackend(l, cfg)
	if err != nil {
		return nil, err
	}
	l.backend = backend

	return l, nil
}

func (l *Loop) timerClock(clock ClockKind) *timerClock { return l.timerClocks[clock] }

// Close shuts the loop down: it does not deregister outstanding watchers
// (the caller is expected to have done so) but releases backend resources.
func (l *Loop) Close() error {
	if !l.state.TransitionAny([]LoopState{StateAwake, StateSleeping}, StateTerminating) {
		l.state.Store(StateTerminating)
	}
	err := l.backend.Close()
	l.state.Store(StateTerminated)
	return err
}

// ---- fd watchers ----

// RegisterFD adds w to watch fd for flags. If the backend can't natively
// watch fd and mayEmulate is true, the watcher is registered as emulated:
// it is treated as permanently ready and re-queued after every dispatch.
func (l *Loop) RegisterFD(w *FdWatcher, fd int, flags WatchFlags, enabled bool, mayEmulate bool) error {
	if err := l.wait.acquireForMutate(); err != nil {
		return err
	}
	defer l.wait.release()
	b := &w.watcherBase
	if b.registered() {
		return ErrAlreadyRegistered
	}

	ok, err := l.backend.AddFDWatch(fd, w, flags, enabled, mayEmulate)
	if err != nil {
		return &BackendError{Op: "AddFDWatch", Err: err}
	}
	if !ok && !mayEmulate {
		return ErrFDUnsupported
	}

	w.fd = fd
	w.watchFlags = flags
	b.loop = l
	b.emulateFD = !ok
	b.emulateEnabled = !ok && enabled
	l.fds.put(fd, w)

	if b.emulateFD && enabled {
		l.mu.Lock()
		b.active = true
		l.queueReady(w)
		l.mu.Unlock()
	}
	return nil
}

func (l *Loop) setFdWatchEnabled(w *FdWatcher, enabled bool) error {
	if err := l.wait.acquireForMutate(); err != nil {
		return err
	}
	defer l.wait.release()
	b := &w.watcherBase
	if !b.registered() {
		return ErrNotRegistered
	}
	if b.emulateFD {
		l.mu.Lock()
		b.emulateEnabled = enabled
		if enabled && !b.active {
			b.active = true
			l.queueReady(w)
		}
		l.mu.Unlock()
		return nil
	}
	var err error
	if enabled {
		err = l.backend.EnableFDWatch(w.fd, w.watchFlags)
	} else {
		err = l.backend.DisableFDWatch(w.fd, w.watchFlags)
	}
	if err != nil {
		return &BackendError{Op: "SetFDWatchEnabled", Err: err}
	}
	return nil
}

// DeregisterFD removes w. Removed fires once any in-flight dispatch
// finishes.
func (l *Loop) DeregisterFD(w *FdWatcher) error {
	if err := l.wait.acquireForMutate(); err != nil {
		return err
	}
	defer l.wait.release()
	b := &w.watcherBase
	if !b.registered() {
		return ErrNotRegistered
	}
	l.fds.remove(w.fd)
	l.issueDelete(w)
	return nil
}

// ---- bidi fd watchers ----

func (l *Loop) RegisterBidiFD(w *BidiFdWatcher, fd int, flags WatchFlags, mayEmulate bool) error {
	if err := l.wait.acquireForMutate(); err != nil {
		return err
	}
	defer l.wait.release()
	b := &w.watcherBase
	if b.registered() {
		return ErrAlreadyRegistered
	}

	emulate, err := l.backend.AddBidiFDWatch(fd, w, flags, mayEmulate)
	if err != nil {
		return &BackendError{Op: "AddBidiFDWatch", Err: err}
	}

	w.fd = fd
	w.watchFlags = flags
	b.loop = l
	b.emulateFD = emulate&In != 0
	w.secondary.loop = l
	w.secondary.emulateFD = emulate&Out != 0

	l.fds.put(fd, w)
	return nil
}

func (l *Loop) setBidiOutEnabled(w *BidiFdWatcher, enabled bool) error {
	if err := l.wait.acquireForMutate(); err != nil {
		return err
	}
	defer l.wait.release()
	return l.setFdSideEnabled(w, Out, enabled)
}

func (l *Loop) setBidiWatches(w *BidiFdWatcher, mask WatchFlags) error {
	if err := l.wait.acquireForMutate(); err != nil {
		return err
	}
	defer l.wait.release()
	if !w.registered() {
		return ErrNotRegistered
	}
	if err := l.setFdSideEnabled(w, In, mask&In != 0); err != nil {
		return err
	}
	return l.setFdSideEnabled(w, Out, mask&Out != 0)
}

func (l *Loop) setFdSideEnabled(w *BidiFdWatcher, side WatchFlags, enabled bool) error {
	if !w.registered() {
		return ErrNotRegistered
	}
	if side == In {
		if w.emulateFD {
			l.mu.Lock()
			w.emulateEnabled = enabled
			if enabled && !w.active {
				w.active = true
				l.queueReady(w)
			}
			l.mu.Unlock()
			return nil
		}
		if enabled {
			if err := l.backend.EnableFDWatch(w.fd, In); err != nil {
				return &BackendError{Op: "EnableFDWatch", Err: err}
			}
			return nil
		}
		if err := l.backend.DisableFDWatch(w.fd, In); err != nil {
			return &BackendError{Op: "DisableFDWatch", Err: err}
		}
		return nil
	}

	if w.secondary.emulateFD {
		l.mu.Lock()
		w.secondary.emulateEnabled = enabled
		if enabled && !w.secondary.active {
			w.secondary.active = true
			l.queueReady(&w.secondary)
		}
		l.mu.Unlock()
		return nil
	}
	if enabled {
		if err := l.backend.EnableFDWatch(w.fd, Out); err != nil {
			return &BackendError{Op: "EnableFDWatch", Err: err}
		}
		return nil
	}
	if err := l.backend.DisableFDWatch(w.fd, Out); err != nil {
		return &BackendError{Op: "DisableFDWatch", Err: err}
	}
	return nil
}

func (l *Loop) DeregisterBidiFD(w *BidiFdWatcher) error {
	if err := l.wait.acquireForMutate(); err != nil {
		return err
	}
	defer l.wait.release()
	if !w.registered() {
		return ErrNotRegistered
	}
	l.fds.remove(w.fd)
	l.issueDelete(w)
	l.issueDelete(&w.secondary)
	return nil
}

// ---- signal watchers ----

func (l *Loop) RegisterSignal(w *SignalWatcher, signo int) error {
	if err := l.wait.acquireForMutate(); err != nil {
		return err
	}
	defer l.wait.release()
	b := &w.watcherBase
	if b.registered() {
		return ErrAlreadyRegistered
	}
	if err := l.backend.AddSignalWatch(signo, w); err != nil {
		return &BackendError{Op: "AddSignalWatch", Err: err}
	}
	w.signo = signo
	b.loop = l
	l.signals.put(signo, w)
	return nil
}

func (l *Loop) DeregisterSignal(w *SignalWatcher) error {
	if err := l.wait.acquireForMutate(); err != nil {
		return err
	}
	defer l.wait.release()
	if !w.registered() {
		return ErrNotRegistered
	}
	l.signals.remove(w.signo)
	l.issueDelete(w)
	return nil
}

// ---- child watchers ----

// reserveChildWatch only records the reservation on w; it makes no
// backend call.
func (l *Loop) reserveChildWatch(w *ChildWatcher) error {
	if !l.backend.SupportsChildWatchReservation() {
		return nil
	}
	w.reserved = true
	return nil
}

func (l *Loop) RegisterChild(w *ChildWatcher, pid int) error {
	if err := l.wait.acquireForMutate(); err != nil {
		return err
	}
	defer l.wait.release()
	b := &w.watcherBase
	if b.registered() {
		return ErrAlreadyRegistered
	}
	w.pid = pid
	w.reservedPid = pid
	b.loop = l
	l.children.put(pid, w)
	return nil
}

func (l *Loop) DeregisterChild(w *ChildWatcher) error {
	if err := l.wait.acquireForMutate(); err != nil {
		return err
	}
	defer l.wait.release()
	if !w.registered() {
		return ErrNotRegistered
	}
	l.children.remove(w.pid)
	l.issueDelete(w)
	return nil
}

// ---- timer watchers ----

func (l *Loop) RegisterTimer(w *TimerWatcher) error {
	if err := l.wait.acquireForMutate(); err != nil {
		return err
	}
	defer l.wait.release()
	b := &w.watcherBase
	if b.registered() {
		return ErrAlreadyRegistered
	}
	tc := l.timerClock(w.clock)
	w.handle = tc.queue.Allocate(w)
	b.loop = l
	return l.backend.AddTimer(w.clock)
}

func (l *Loop) DeregisterTimer(w *TimerWatcher) error {
	if err := l.wait.acquireForMutate(); err != nil {
		return err
	}
	defer l.wait.release()
	if !w.registered() {
		return ErrNotRegistered
	}
	tc := l.timerClock(w.clock)

	l.mu.Lock()
	tc.remove(w)
	l.mu.Unlock()

	tc.queue.Deallocate(w.handle)
	l.issueDelete(w)
	return nil
}

func (l *Loop) setTimer(w *TimerWatcher, deadline time.Time, interval time.Duration) error {
	if err := l.wait.acquireForMutate(); err != nil {
		return err
	}
	defer l.wait.release()
	return l.setTimerLocked(w, deadline, interval)
}

// setTimerLocked is the body of setTimer, shared with setTimerRel, which
// must perform its own deadline arithmetic within the same attention-lock
// acquisition rather than calling setTimer and acquiring it twice.
func (l *Loop) setTimerLocked(w *TimerWatcher, deadline time.Time, interval time.Duration) error {
	if !w.registered() {
		return ErrNotRegistered
	}
	tc := l.timerClock(w.clock)

	l.mu.Lock()
	w.interval = interval
	w.expiryCount = 0
	var becameRoot bool
	if tc.queue.IsQueued(w.handle) {
		becameRoot = tc.queue.SetPriority(w.handle, deadline)
	} else {
		becameRoot = tc.queue.Insert(w.handle, deadline)
	}
	l.mu.Unlock()

	if becameRoot {
		if err := l.backend.ArmTimer(w.clock, deadline); err != nil {
			return &BackendError{Op: "ArmTimer", Err: err}
		}
		l.logger.timerArmed(w.clock)
	}
	return nil
}

func (l *Loop) setTimerRel(w *TimerWatcher, delay time.Duration, interval time.Duration) error {
	if err := l.wait.acquireForMutate(); err != nil {
		return err
	}
	defer l.wait.release()
	return l.setTimerLocked(w, time.Now().Add(delay), interval)
}

func (l *Loop) stopTimer(w *TimerWatcher) error {
	if err := l.wait.acquireForMutate(); err != nil {
		return err
	}
	defer l.wait.release()
	if !w.registered() {
		return ErrNotRegistered
	}
	tc := l.timerClock(w.clock)
	l.mu.Lock()
	tc.remove(w)
	l.mu.Unlock()
	return nil
}

func (l *Loop) setTimerEnabled(w *TimerWatcher, enabled bool) error {
	if err := l.wait.acquireForMutate(); err != nil {
		return err
	}
	defer l.wait.release()
	if !w.registered() {
		return ErrNotRegistered
	}
	l.mu.Lock()
	w.enabled = enabled
	l.mu.Unlock()
	return nil
}

// ---- deletion protocol ----

// issueDelete implements issue_delete: if the watcher is active (queued
// for dispatch or its handler is running), mark it for deferred deletion;
// otherwise remove it from the backend and fire Removed synchronously.
func (l *Loop) issueDelete(w watcher) {
	b := w.base()

	l.mu.Lock()
	if b.active {
		b.deleteme = true
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	l.removeWatcherLocked(w)
	l.finishRemoval(w)
}

// removeWatcherLocked performs the actual backend-side removal for w. It
// must only be called once a watcher is known not to be active.
func (l *Loop) removeWatcherLocked(w watcher) {
	switch ww := w.(type) {
	case *FdWatcher:
		if !ww.emulateFD {
			if err := l.backend.RemoveFDWatch(ww.fd, ww.watchFlags); err != nil {
				l.logger.backendError("RemoveFDWatch", err)
			}
		}
	case *BidiFdWatcher:
		if !ww.emulateFD {
			if err := l.backend.RemoveFDWatch(ww.fd, In); err != nil {
				l.logger.backendError("RemoveFDWatch", err)
			}
		}
	case *bidiSecondary:
		if !ww.emulateFD {
			if err := l.backend.RemoveFDWatch(ww.owner.fd, Out); err != nil {
				l.logger.backendError("RemoveFDWatch", err)
			}
		}
	case *SignalWatcher:
		if err := l.backend.RemoveSignalWatchNolock(ww.signo); err != nil {
			l.logger.backendError("RemoveSignalWatchNolock", err)
		}
	case *ChildWatcher:
		// DeregisterChild has already dropped the registry entry; a REMOVE
		// decision from the handler has not, so drop it here if it is ours.
		if cw, ok := l.children.get(ww.pid); ok && cw == ww {
			l.children.remove(ww.pid)
		}
	case *TimerWatcher:
		// queue membership already removed by DeregisterTimer/stopTimer.
	}
}

// finishRemoval clears the watcher's loop binding and invokes its Removed
// callback, honoring the bidi composite's once-both-sides rule.
func (l *Loop) finishRemoval(w watcher) {
	switch ww := w.(type) {
	case *FdWatcher:
		ww.loop = nil
		ww.watchRemoved()
	case *BidiFdWatcher:
		ww.loop = nil
		ww.readRemoved = true
		ww.watchRemoved()
	case *bidiSecondary:
		ww.loop = nil
		ww.owner.writeRemoved = true
		ww.owner.watchRemoved()
	case *SignalWatcher:
		ww.loop = nil
		ww.watchRemoved()
	case *ChildWatcher:
		ww.loop = nil
		ww.watchRemoved()
	case *TimerWatcher:
		ww.loop = nil
		ww.watchRemoved()
	}
}

// rearmWatcher re-enables the backend filter for w following a REARM
// decision.
func (l *Loop) rearmWatcher(w watcher) {
	switch ww := w.(type) {
	case *FdWatcher:
		if ww.emulateFD {
			l.mu.Lock()
			if ww.emulateEnabled {
				l.queueReady(w)
			}
			l.mu.Unlock()
			return
		}
		if err := l.backend.EnableFDWatch(ww.fd, ww.watchFlags); err != nil {
			l.logger.backendError("EnableFDWatch", err)
		}
	case *BidiFdWatcher:
		if ww.emulateFD {
			l.mu.Lock()
			if ww.emulateEnabled {
				l.queueReady(w)
			}
			l.mu.Unlock()
			return
		}
		if err := l.backend.EnableFDWatch(ww.fd, In); err != nil {
			l.logger.backendError("EnableFDWatch", err)
		}
	case *bidiSecondary:
		if ww.emulateFD {
			l.mu.Lock()
			if ww.emulateEnabled {
				l.queueReady(w)
			}
			l.mu.Unlock()
			return
		}
		if err := l.backend.EnableFDWatch(ww.owner.fd, Out); err != nil {
			l.logger.backendError("EnableFDWatch", err)
		}
	case *SignalWatcher:
		if err := l.backend.RearmSignalWatchNolock(ww.signo); err != nil {
			l.logger.backendError("RearmSignalWatchNolock", err)
		}
	case *ChildWatcher, *TimerWatcher:
		// a child watcher fires once by definition; a timer's next
		// deadline was already re-heaped in receiveTimerExpiry.
	}
}

// disarmWatcher leaves the backend filter disabled after a DISARM
// decision.
func (l *Loop) disarmWatcher(w watcher) {
	switch ww := w.(type) {
	case *FdWatcher:
		if ww.emulateFD {
			l.mu.Lock()
			ww.emulateEnabled = false
			l.mu.Unlock()
			return
		}
		if err := l.backend.DisableFDWatch(ww.fd, ww.watchFlags); err != nil {
			l.logger.backendError("DisableFDWatch", err)
		}
	case *BidiFdWatcher:
		if ww.emulateFD {
			l.mu.Lock()
			ww.emulateEnabled = false
			l.mu.Unlock()
			return
		}
		if err := l.backend.DisableFDWatch(ww.fd, In); err != nil {
			l.logger.backendError("DisableFDWatch", err)
		}
	case *bidiSecondary:
		if ww.emulateFD {
			l.mu.Lock()
			ww.emulateEnabled = false
			l.mu.Unlock()
			return
		}
		if err := l.backend.DisableFDWatch(ww.owner.fd, Out); err != nil {
			l.logger.backendError("DisableFDWatch", err)
		}
	case *SignalWatcher, *ChildWatcher, *TimerWatcher:
		// nothing backend-side to disable short of removal.
	}
}

// ---- run/poll ----

// Run blocks, alternately dispatching ready batches and polling the
// backend, until n batches have been dispatched (n<=0 means unlimited) or
// the loop is closed. The limit counts batches, not individual watchers:
// each batch dispatches every watcher that was ready when it started.
func (l *Loop) Run(n int) error {
	if !l.state.TransitionAny([]LoopState{StateAwake, StateSleeping}, StateRunning) {
		return ErrRunning
	}
	dispatched := 0
	for {
		if s := l.state.Load(); s == StateTerminating || s == StateTerminated {
			return nil
		}
		if l.processEvents() {
			dispatched++
			if n > 0 && dispatched >= n {
				l.state.TryTransition(StateRunning, StateAwake)
				return nil
			}
			continue
		}

		if err := l.wait.acquireForPoll(); err != nil {
			return err
		}
		l.state.TryTransition(StateRunning, StateSleeping)
		err := l.backend.PullEvents(true)
		l.state.TryTransition(StateSleeping, StateRunning)
		l.wait.release()
		if err != nil {
			l.logger.backendError("PullEvents", err)
		}
	}
}

// Poll performs one non-blocking backend poll and dispatches whatever was
// ready, without blocking.
func (l *Loop) Poll() error {
	if err := l.wait.acquireForPoll(); err != nil {
		return err
	}
	err := l.backend.PullEvents(false)
	l.wait.release()
	if err != nil {
		l.logger.backendError("PullEvents", err)
	}
	l.processEvents()
	return nil
}
