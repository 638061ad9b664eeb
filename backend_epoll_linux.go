//go:build linux

package dasynq

import (
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// fdEntry tracks the two independently-enableable interest bits an fd can
// carry: a primary (read) watcher and, for a bidi fd, the embedded
// secondary (write) watcher sharing the same descriptor.
type fdEntry struct {
	primary   watcher
	secondary *bidiSecondary
	armed     WatchFlags // bits currently requested from epoll
}

// epollBackend implements Backend using epoll_wait, signalfd, timerfd and
// an eventfd self-pipe, the native Linux facilities for each of dasynq's
// four event sources.
type epollBackend struct {
	d dispatcher

	epfd int

	wakeReadFd, wakeWriteFd int

	mu      sync.Mutex
	fds     map[int]*fdEntry
	sigset  unix.Sigset_t
	sigfd   int
	timerFd [2]int // indexed by ClockKind; 0 means not yet created

	childReapMode ChildReapMode

	eventBuf []unix.EpollEvent
}

func newPlatformBackend(d dispatcher, cfg *loopOptions) (Backend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, &BackendError{Op: "EpollCreate1", Err: err}
	}

	readFd, writeFd, err := createWakeFd()
	if err != nil {
		_ = unix.Close(epfd)
		return nil, &BackendError{Op: "createWakeFd", Err: err}
	}

	b := &epollBackend{
		epfd:          epfd,
		wakeReadFd:    readFd,
		wakeWriteFd:   writeFd,
		fds:           make(map[int]*fdEntry),
		sigfd:         -1,
		childReapMode: cfg.childReapMode,
		eventBuf:      make([]unix.EpollEvent, 256),
		d:             d,
	}
	b.timerFd[ClockMonotonic] = -1
	b.timerFd[ClockRealtime] = -1

	if err := b.epollAdd(readFd, unix.EPOLLIN, 0); err != nil {
		b.Close()
		return nil, &BackendError{Op: "epollAdd(wake)", Err: err}
	}

	// SIGCHLD is always captured so the software reap loop works
	// regardless of whether any ChildWatcher is registered yet.
	if err := BlockSignal(int(unix.SIGCHLD)); err != nil {
		b.Close()
		return nil, &BackendError{Op: "BlockSignal(SIGCHLD)", Err: err}
	}
	if err := b.ensureSignalFD(); err != nil {
		b.Close()
		return nil, err
	}
	setSignal(&b.sigset, int(unix.SIGCHLD))
	if err := b.updateSignalFD(); err != nil {
		b.Close()
		return nil, err
	}

	return b, nil
}

func epollEventsFor(flags WatchFlags) uint32 {
	var e uint32
	if flags&In != 0 {
		e |= unix.EPOLLIN
	}
	if flags&Out != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func (b *epollBackend) epollAdd(fd int, events uint32, fdTag int) error {
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

func (b *epollBackend) epollMod(fd int, events uint32) error {
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

func (b *epollBackend) epollDel(fd int) error {
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (b *epollBackend) AddFDWatch(fd int, w watcher, flags WatchFlags, enabled bool, mayEmulate bool) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	armed := WatchFlags(0)
	if enabled {
		armed = flags
	}
	err := b.epollAdd(fd, epollEventsFor(armed), 0)
	if err != nil {
		if err == unix.EPERM && mayEmulate {
			return false, nil
		}
		return false, &BackendError{Op: "EpollCtl(ADD)", Err: err}
	}
	b.fds[fd] = &fdEntry{primary: w, armed: armed}
	return true, nil
}

func (b *epollBackend) AddBidiFDWatch(fd int, w *BidiFdWatcher, flags WatchFlags, mayEmulate bool) (WatchFlags, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.epollAdd(fd, epollEventsFor(flags), 0)
	if err != nil {
		if err == unix.EPERM && mayEmulate {
			return In | Out, nil
		}
		return 0, &BackendError{Op: "EpollCtl(ADD)", Err: err}
	}
	b.fds[fd] = &fdEntry{primary: w, secondary: &w.secondary, armed: flags}
	return 0, nil
}

func (b *epollBackend) EnableFDWatch(fd int, side WatchFlags) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.fds[fd]
	if !ok {
		return ErrNotRegistered
	}
	e.armed |= side
	if err := b.epollMod(fd, epollEventsFor(e.armed)); err != nil {
		return &BackendError{Op: "EpollCtl(MOD)", Err: err}
	}
	return nil
}

func (b *epollBackend) DisableFDWatch(fd int, side WatchFlags) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.fds[fd]
	if !ok {
		return ErrNotRegistered
	}
	e.armed &^= side
	if err := b.epollMod(fd, epollEventsFor(e.armed)); err != nil {
		return &BackendError{Op: "EpollCtl(MOD)", Err: err}
	}
	return nil
}

func (b *epollBackend) RemoveFDWatch(fd int, side WatchFlags) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.fds[fd]
	if !ok {
		return nil
	}
	if e.secondary == nil {
		delete(b.fds, fd)
		if err := b.epollDel(fd); err != nil && err != unix.ENOENT {
			return &BackendError{Op: "EpollCtl(DEL)", Err: err}
		}
		return nil
	}
	// bidi: only drop the whole fd once both halves are gone. The caller
	// (Loop.removeWatcherLocked) issues one RemoveFDWatch per half.
	e.armed &^= side
	if side == In {
		e.primary = nil
	} else {
		e.secondary = nil
	}
	if e.primary == nil && e.secondary == nil {
		delete(b.fds, fd)
		if err := b.epollDel(fd); err != nil && err != unix.ENOENT {
			return &BackendError{Op: "EpollCtl(DEL)", Err: err}
		}
		return nil
	}
	return b.epollMod(fd, epollEventsFor(e.armed))
}

func (b *epollBackend) ensureSignalFD() error {
	fd, err := unix.Signalfd(-1, &b.sigset, unix.SFD_CLOEXEC|unix.SFD_NONBLOCK)
	if err != nil {
		return &BackendError{Op: "Signalfd", Err: err}
	}
	b.sigfd = fd
	return b.epollAdd(fd, unix.EPOLLIN, 0)
}

func (b *epollBackend) updateSignalFD() error {
	_, err := unix.Signalfd(b.sigfd, &b.sigset, unix.SFD_CLOEXEC|unix.SFD_NONBLOCK)
	if err != nil {
		return &BackendError{Op: "Signalfd(update)", Err: err}
	}
	return nil
}

func (b *epollBackend) AddSignalWatch(signo int, w *SignalWatcher) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	setSignal(&b.sigset, signo)
	return b.updateSignalFD()
}

func (b *epollBackend) RearmSignalWatchNolock(signo int) error {
	// signalfd delivers each pending signal instance exactly once; there
	// is nothing to re-arm beyond the mask staying in place.
	return nil
}

func (b *epollBackend) RemoveSignalWatchNolock(signo int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	clearSignal(&b.sigset, signo)
	// SIGCHLD stays captured for the reap loop even with no remaining
	// signal watcher for it.
	setSignal(&b.sigset, int(unix.SIGCHLD))
	return b.updateSignalFD()
}

func clearSignal(set *unix.Sigset_t, signo int) {
	bit := uint(signo - 1)
	set.Val[bit/64] &^= 1 << (bit % 64)
}

func (b *epollBackend) AddTimer(clock ClockKind) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timerFd[clock] != -1 {
		return nil
	}
	clockid := unix.CLOCK_MONOTONIC
	if clock == ClockRealtime {
		clockid = unix.CLOCK_REALTIME
	}
	fd, err := unix.TimerfdCreate(clockid, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return &BackendError{Op: "TimerfdCreate", Err: err}
	}
	if err := b.epollAdd(fd, unix.EPOLLIN, 0); err != nil {
		unix.Close(fd)
		return &BackendError{Op: "EpollCtl(ADD timerfd)", Err: err}
	}
	b.timerFd[clock] = fd
	return nil
}

func (b *epollBackend) ArmTimer(clock ClockKind, deadline time.Time) error {
	b.mu.Lock()
	fd := b.timerFd[clock]
	b.mu.Unlock()
	if fd == -1 {
		return nil
	}

	var spec unix.ItimerSpec
	if !deadline.IsZero() {
		// timerfd with TFD_TIMER_ABSTIME interprets Value against the
		// timer's own clock. deadline is a wall-clock time.Time, so for
		// CLOCK_MONOTONIC it is converted to an offset from the current
		// CLOCK_MONOTONIC reading.
		if clock == ClockMonotonic {
			var now unix.Timespec
			if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &now); err != nil {
				return &BackendError{Op: "ClockGettime", Err: err}
			}
			spec.Value = unix.NsecToTimespec(now.Nano() + time.Until(deadline).Nanoseconds())
		} else {
			spec.Value = unix.NsecToTimespec(deadline.UnixNano())
		}
	}
	if err := unix.TimerfdSettime(fd, unix.TFD_TIMER_ABSTIME, &spec, nil); err != nil {
		return &BackendError{Op: "TimerfdSettime", Err: err}
	}
	return nil
}

func (b *epollBackend) RemoveTimer(clock ClockKind) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	fd := b.timerFd[clock]
	if fd == -1 {
		return nil
	}
	b.timerFd[clock] = -1
	b.epollDel(fd)
	return unix.Close(fd)
}

func (b *epollBackend) Interrupt() error {
	return writeWake(b.wakeWriteFd)
}

func (b *epollBackend) Close() error {
	if b.sigfd != -1 {
		unix.Close(b.sigfd)
	}
	for _, fd := range b.timerFd {
		if fd != -1 {
			unix.Close(fd)
		}
	}
	closeWakeFd(b.wakeReadFd, b.wakeWriteFd)
	return unix.Close(b.epfd)
}

func (b *epollBackend) HasSeparateRWFDWatches() bool        { return false }
func (b *epollBackend) SupportsChildWatchReservation() bool { return false }
func (b *epollBackend) InterruptAfterFDAdd() bool            { return false }


// PullEvents waits for and dispatches one batch of kernel-reported
// readiness. A wait of false polls with a zero timeout.
func (b *epollBackend) PullEvents(wait bool) error {
	timeout := 0
	if wait {
		timeout = -1
	}

	n, err := unix.EpollWait(b.epfd, b.eventBuf, timeout)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return &BackendError{Op: "EpollWait", Err: err}
	}

	for i := 0; i < n; i++ {
		ev := b.eventBuf[i]
		fd := int(ev.Fd)

		switch {
		case fd == b.wakeReadFd:
			drainWake(b.wakeReadFd)
		case fd == b.sigfd:
			b.drainSignals()
		case fd == b.timerFd[ClockMonotonic]:
			b.drainTimer(ClockMonotonic)
		case fd == b.timerFd[ClockRealtime]:
			b.drainTimer(ClockRealtime)
		default:
			b.dispatchFDEvent(fd, ev.Events)
		}
	}
	return nil
}

func (b *epollBackend) dispatchFDEvent(fd int, mask uint32) {
	b.mu.Lock()
	e, ok := b.fds[fd]
	b.mu.Unlock()
	if !ok {
		return
	}

	var events WatchFlags
	if mask&unix.EPOLLIN != 0 {
		events |= In
	}
	if mask&unix.EPOLLOUT != 0 {
		events |= Out
	}
	if mask&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		events |= In | Out
	}

	if events&In != 0 && e.primary != nil {
		b.d.receiveFdEvent(fd, e.primary, In)
	}
	if events&Out != 0 {
		if e.secondary != nil {
			b.d.receiveFdEvent(fd, e.secondary, Out)
		} else if e.primary != nil && e.secondary == nil {
			b.d.receiveFdEvent(fd, e.primary, Out)
		}
	}
}

func (b *epollBackend) drainSignals() {
	var info unix.SignalfdSiginfo
	buf := (*[unsafe.Sizeof(info)]byte)(unsafe.Pointer(&info))[:]
	for {
		n, err := unix.Read(b.sigfd, buf)
		if err != nil || n < len(buf) {
			return
		}
		signo := int(info.Signo)
		if signo == int(unix.SIGCHLD) {
			b.reapChildren()
			continue
		}
		b.d.receiveSignal(signo, SigInfo{
			Signo: signo,
			Code:  info.Code,
			PID:   int(info.Pid),
			UID:   int(info.Uid),
		})
	}
}

func (b *epollBackend) reapChildren() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		b.d.receiveChildStat(pid, int(ws))
	}
}

func (b *epollBackend) drainTimer(clock ClockKind) {
	var buf [8]byte
	if _, err := unix.Read(b.timerFd[clock], buf[:]); err != nil {
		return
	}
	b.d.receiveTimerExpiry(clock, time.Now())
}
