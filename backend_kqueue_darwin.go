//go:build darwin

package dasynq

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const (
	timerIdentTimeout = 1 // EVFILT_TIMER ident used for the monotonic clock
	timerIdentRealtime = 2
)

type fdEntry struct {
	primary   watcher
	secondary *bidiSecondary
	armed     WatchFlags
}

// kqueueBackend implements Backend on Darwin/BSD using one kqueue instance
// for fd readiness (EVFILT_READ/EVFILT_WRITE), signal delivery
// (EVFILT_SIGNAL), child termination (SIGCHLD plus a wait4 reap loop; an
// EVFILT_PROC event is handled if one arrives, but none is ever
// registered) and timers (EVFILT_TIMER), plus a self-pipe registered as
// EVFILT_READ for Interrupt.
type kqueueBackend struct {
	d dispatcher

	kq int

	wakeReadFd, wakeWriteFd int

	mu            sync.Mutex
	fds           map[int]*fdEntry
	signals       map[int]*SignalWatcher
	childReapMode ChildReapMode
	useProcFilter bool

	eventBuf []unix.Kevent_t
}

func newPlatformBackend(d dispatcher, cfg *loopOptions) (Backend, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, &BackendError{Op: "Kqueue", Err: err}
	}
	unix.CloseOnExec(kq)

	readFd, writeFd, err := createWakeFd()
	if err != nil {
		unix.Close(kq)
		return nil, &BackendError{Op: "createWakeFd", Err: err}
	}

	b := &kqueueBackend{
		kq:            kq,
		wakeReadFd:    readFd,
		wakeWriteFd:   writeFd,
		fds:           make(map[int]*fdEntry),
		signals:       make(map[int]*SignalWatcher),
		childReapMode: cfg.childReapMode,
		useProcFilter: cfg.childReapMode != ChildReapSoftware,
		eventBuf:      make([]unix.Kevent_t, 256),
		d:             d,
	}

	if err := b.applyChanges([]unix.Kevent_t{{
		Ident:  uint64(readFd),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD | unix.EV_ENABLE,
	}}); err != nil {
		b.Close()
		return nil, &BackendError{Op: "Kevent(wake)", Err: err}
	}

	if err := BlockSignal(int(unix.SIGCHLD)); err != nil {
		b.Close()
		return nil, &BackendError{Op: "BlockSignal(SIGCHLD)", Err: err}
	}
	if err := b.applyChanges([]unix.Kevent_t{{
		Ident:  uint64(unix.SIGCHLD),
		Filter: unix.EVFILT_SIGNAL,
		Flags:  unix.EV_ADD | unix.EV_ENABLE,
	}}); err != nil {
		b.Close()
		return nil, &BackendError{Op: "Kevent(SIGCHLD)", Err: err}
	}

	return b, nil
}

func (b *kqueueBackend) applyChanges(changes []unix.Kevent_t) error {
	_, err := unix.Kevent(b.kq, changes, nil, nil)
	return err
}

func kqueueFlagsFor(flags WatchFlags) []unix.Kevent_t {
	var out []unix.Kevent_t
	if flags&In != 0 {
		out = append(out, unix.Kevent_t{Filter: unix.EVFILT_READ})
	}
	if flags&Out != 0 {
		out = append(out, unix.Kevent_t{Filter: unix.EVFILT_WRITE})
	}
	return out
}

func (b *kqueueBackend) addFDKevents(fd int, flags WatchFlags, enable bool) error {
	var changes []unix.Kevent_t
	action := uint16(unix.EV_ADD)
	if enable {
		action |= unix.EV_ENABLE
	} else {
		action |= unix.EV_DISABLE
	}
	for _, k := range kqueueFlagsFor(flags) {
		k.Ident = uint64(fd)
		k.Flags = action
		changes = append(changes, k)
	}
	if len(changes) == 0 {
		return nil
	}
	return b.applyChanges(changes)
}

func (b *kqueueBackend) toggleFDKevents(fd int, flags WatchFlags, enable bool) error {
	if flags == 0 {
		return nil
	}
	var changes []unix.Kevent_t
	action := uint16(unix.EV_ENABLE)
	if !enable {
		action = unix.EV_DISABLE
	}
	for _, k := range kqueueFlagsFor(flags) {
		k.Ident = uint64(fd)
		k.Flags = action
		changes = append(changes, k)
	}
	return b.applyChanges(changes)
}

func (b *kqueueBackend) removeFDKevents(fd int, flags WatchFlags) error {
	var changes []unix.Kevent_t
	for _, k := range kqueueFlagsFor(flags) {
		k.Ident = uint64(fd)
		k.Flags = unix.EV_DELETE
		changes = append(changes, k)
	}
	if len(changes) == 0 {
		return nil
	}
	return b.applyChanges(changes)
}

func (b *kqueueBackend) AddFDWatch(fd int, w watcher, flags WatchFlags, enabled bool, mayEmulate bool) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	armed := WatchFlags(0)
	if enabled {
		armed = flags
	}
	if err := b.addFDKevents(fd, flags, enabled); err != nil {
		if mayEmulate {
			return false, nil
		}
		return false, &BackendError{Op: "Kevent(ADD)", Err: err}
	}
	b.fds[fd] = &fdEntry{primary: w, armed: armed}
	return true, nil
}

func (b *kqueueBackend) AddBidiFDWatch(fd int, w *BidiFdWatcher, flags WatchFlags, mayEmulate bool) (WatchFlags, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.addFDKevents(fd, flags, true); err != nil {
		if mayEmulate {
			return In | Out, nil
		}
		return 0, &BackendError{Op: "Kevent(ADD)", Err: err}
	}
	b.fds[fd] = &fdEntry{primary: w, secondary: &w.secondary, armed: flags}
	return 0, nil
}

func (b *kqueueBackend) EnableFDWatch(fd int, side WatchFlags) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.fds[fd]
	if !ok {
		return ErrNotRegistered
	}
	e.armed |= side
	if err := b.toggleFDKevents(fd, side, true); err != nil {
		return &BackendError{Op: "Kevent(ENABLE)", Err: err}
	}
	return nil
}

func (b *kqueueBackend) DisableFDWatch(fd int, side WatchFlags) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.fds[fd]
	if !ok {
		return ErrNotRegistered
	}
	e.armed &^= side
	if err := b.toggleFDKevents(fd, side, false); err != nil {
		return &BackendError{Op: "Kevent(DISABLE)", Err: err}
	}
	return nil
}

func (b *kqueueBackend) RemoveFDWatch(fd int, side WatchFlags) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.fds[fd]
	if !ok {
		return nil
	}
	if e.secondary == nil {
		delete(b.fds, fd)
		return b.removeFDKevents(fd, In|Out)
	}
	if err := b.removeFDKevents(fd, side); err != nil {
		return &BackendError{Op: "Kevent(DELETE)", Err: err}
	}
	if side == In {
		e.primary = nil
	} else {
		e.secondary = nil
	}
	if e.primary == nil && e.secondary == nil {
		delete(b.fds, fd)
	}
	return nil
}

func (b *kqueueBackend) AddSignalWatch(signo int, w *SignalWatcher) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signals[signo] = w
	return b.applyChanges([]unix.Kevent_t{{
		Ident:  uint64(signo),
		Filter: unix.EVFILT_SIGNAL,
		Flags:  unix.EV_ADD | unix.EV_ENABLE,
	}})
}

func (b *kqueueBackend) RearmSignalWatchNolock(signo int) error {
	// EVFILT_SIGNAL stays armed across deliveries; nothing to rearm.
	return nil
}

func (b *kqueueBackend) RemoveSignalWatchNolock(signo int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.signals, signo)
	if signo == int(unix.SIGCHLD) {
		// always kept live for the reap path
		return nil
	}
	return b.applyChanges([]unix.Kevent_t{{
		Ident:  uint64(signo),
		Filter: unix.EVFILT_SIGNAL,
		Flags:  unix.EV_DELETE,
	}})
}

func (b *kqueueBackend) AddTimer(clock ClockKind) error { return nil }

func (b *kqueueBackend) ArmTimer(clock ClockKind, deadline time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ident := timerIdentTimeout
	if clock == ClockRealtime {
		ident = timerIdentRealtime
	}
	if deadline.IsZero() {
		return b.applyChanges([]unix.Kevent_t{{
			Ident:  uint64(ident),
			Filter: unix.EVFILT_TIMER,
			Flags:  unix.EV_DELETE,
		}})
	}
	delta := time.Until(deadline)
	if delta < 0 {
		delta = 0
	}
	return b.applyChanges([]unix.Kevent_t{{
		Ident:  uint64(ident),
		Filter: unix.EVFILT_TIMER,
		Flags:  unix.EV_ADD | unix.EV_ENABLE | unix.EV_ONESHOT,
		Fflags: unix.NOTE_NSECONDS,
		Data:   delta.Nanoseconds(),
	}})
}

func (b *kqueueBackend) RemoveTimer(clock ClockKind) error {
	return b.ArmTimer(clock, time.Time{})
}

func (b *kqueueBackend) Interrupt() error {
	return writeWake(b.wakeWriteFd)
}

func (b *kqueueBackend) Close() error {
	closeWakeFd(b.wakeReadFd, b.wakeWriteFd)
	return unix.Close(b.kq)
}

func (b *kqueueBackend) HasSeparateRWFDWatches() bool        { return true }
func (b *kqueueBackend) SupportsChildWatchReservation() bool { return b.useProcFilter }
func (b *kqueueBackend) InterruptAfterFDAdd() bool           { return false }

func (b *kqueueBackend) PullEvents(wait bool) error {
	var ts *unix.Timespec
	if !wait {
		ts = &unix.Timespec{}
	}

	n, err := unix.Kevent(b.kq, nil, b.eventBuf, ts)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return &BackendError{Op: "Kevent(wait)", Err: err}
	}

	for i := 0; i < n; i++ {
		ev := &b.eventBuf[i]
		switch ev.Filter {
		case unix.EVFILT_READ:
			if int(ev.Ident) == b.wakeReadFd {
				drainWake(b.wakeReadFd)
				continue
			}
			b.dispatchFD(int(ev.Ident), In, ev)
		case unix.EVFILT_WRITE:
			b.dispatchFD(int(ev.Ident), Out, ev)
		case unix.EVFILT_SIGNAL:
			b.dispatchSignal(int(ev.Ident))
		case unix.EVFILT_PROC:
			b.dispatchProcExit(int(ev.Ident), int(ev.Data))
		case unix.EVFILT_TIMER:
			if int(ev.Ident) == timerIdentRealtime {
				b.d.receiveTimerExpiry(ClockRealtime, time.Now())
			} else {
				b.d.receiveTimerExpiry(ClockMonotonic, time.Now())
			}
		}
	}
	return nil
}

func (b *kqueueBackend) dispatchFD(fd int, side WatchFlags, ev *unix.Kevent_t) {
	b.mu.Lock()
	e, ok := b.fds[fd]
	b.mu.Unlock()
	if !ok {
		return
	}
	events := side
	if ev.Flags&(unix.EV_EOF|unix.EV_ERROR) != 0 {
		events = In | Out
	}
	if side == In || events&In != 0 {
		if e.primary != nil {
			b.d.receiveFdEvent(fd, e.primary, In)
		}
	}
	if side == Out || events&Out != 0 {
		if e.secondary != nil {
			b.d.receiveFdEvent(fd, e.secondary, Out)
		} else if e.primary != nil && e.secondary == nil && side == Out {
			b.d.receiveFdEvent(fd, e.primary, Out)
		}
	}
}

func (b *kqueueBackend) dispatchSignal(signo int) {
	if signo == int(unix.SIGCHLD) {
		b.reapChildren()
		return
	}
	b.d.receiveSignal(signo, SigInfo{Signo: signo})
}

func (b *kqueueBackend) reapChildren() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		b.d.receiveChildStat(pid, int(ws))
	}
}

// dispatchProcExit handles EVFILT_PROC/NOTE_EXIT delivery for backends that
// support per-pid reservation; exit status isn't carried by the kevent
// itself, so it still falls through to wait4 to collect it.
func (b *kqueueBackend) dispatchProcExit(pid int, fflags int) {
	var ws unix.WaitStatus
	gotPid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
	if err != nil || gotPid != pid {
		return
	}
	b.d.receiveChildStat(pid, int(ws))
}
