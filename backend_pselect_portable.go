//go:build !linux && !darwin && unix

package dasynq

import (
	"os"
	"os/signal"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// pselectBackend is the portable fallback Backend for Unix platforms
// without epoll or kqueue: a single pselect call over read/write fd_sets,
// signals captured through os/signal.Notify instead of a kernel signal
// filter (see signal_portable.go), and timers driven by computing the
// nearest deadline and using it as pselect's timeout rather than a kernel
// timer fd.
type pselectBackend struct {
	d dispatcher

	wakeReadFd, wakeWriteFd int

	mu       sync.Mutex
	readFds  map[int]watcher
	writeFds map[int]*bidiSecondary
	maxFd    int

	sigCh  chan os.Signal
	sigMu  sync.Mutex
	sigSet map[int]*SignalWatcher

	timerDeadline [2]time.Time // indexed by ClockKind; zero means disarmed
}

func newPlatformBackend(d dispatcher, cfg *loopOptions) (Backend, error) {
	readFd, writeFd, err := createWakeFd()
	if err != nil {
		return nil, &BackendError{Op: "createWakeFd", Err: err}
	}

	b := &pselectBackend{
		wakeReadFd:  readFd,
		wakeWriteFd: writeFd,
		readFds:     make(map[int]watcher),
		writeFds:    make(map[int]*bidiSecondary),
		sigCh:       make(chan os.Signal, 16),
		sigSet:      make(map[int]*SignalWatcher),
		d:           d,
	}
	b.maxFd = readFd

	signal.Notify(b.sigCh, unix.SIGCHLD)
	return b, nil
}

func (b *pselectBackend) AddFDWatch(fd int, w watcher, flags WatchFlags, enabled bool, mayEmulate bool) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if enabled {
		b.readFds[fd] = w
	}
	if fd > b.maxFd {
		b.maxFd = fd
	}
	return true, nil
}

func (b *pselectBackend) AddBidiFDWatch(fd int, w *BidiFdWatcher, flags WatchFlags, mayEmulate bool) (WatchFlags, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if flags&In != 0 {
		b.readFds[fd] = w
	}
	if flags&Out != 0 {
		b.writeFds[fd] = &w.secondary
	}
	if fd > b.maxFd {
		b.maxFd = fd
	}
	return 0, nil
}

func (b *pselectBackend) EnableFDWatch(fd int, side WatchFlags) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.lookupFD(fd)
	if !ok {
		return ErrNotRegistered
	}
	if side&In != 0 {
		b.readFds[fd] = w
	}
	if side&Out != 0 {
		if bw, ok := w.(*BidiFdWatcher); ok {
			b.writeFds[fd] = &bw.secondary
		}
	}
	return nil
}

func (b *pselectBackend) DisableFDWatch(fd int, side WatchFlags) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if side&In != 0 {
		delete(b.readFds, fd)
	}
	if side&Out != 0 {
		delete(b.writeFds, fd)
	}
	return nil
}

func (b *pselectBackend) RemoveFDWatch(fd int, side WatchFlags) error {
	return b.DisableFDWatch(fd, side)
}

func (b *pselectBackend) lookupFD(fd int) (watcher, bool) {
	if w, ok := b.readFds[fd]; ok {
		return w, true
	}
	for wfd, sec := range b.writeFds {
		if wfd == fd {
			return sec.owner, true
		}
	}
	return nil, false
}

func (b *pselectBackend) AddSignalWatch(signo int, w *SignalWatcher) error {
	b.sigMu.Lock()
	defer b.sigMu.Unlock()
	b.sigSet[signo] = w
	signal.Notify(b.sigCh, unix.Signal(signo))
	return nil
}

func (b *pselectBackend) RearmSignalWatchNolock(signo int) error { return nil }

func (b *pselectBackend) RemoveSignalWatchNolock(signo int) error {
	b.sigMu.Lock()
	defer b.sigMu.Unlock()
	delete(b.sigSet, signo)
	if signo != int(unix.SIGCHLD) {
		signal.Stop(b.sigCh)
		for s := range b.sigSet {
			signal.Notify(b.sigCh, unix.Signal(s))
		}
		signal.Notify(b.sigCh, unix.SIGCHLD)
	}
	return nil
}

func (b *pselectBackend) AddTimer(clock ClockKind) error { return nil }

func (b *pselectBackend) ArmTimer(clock ClockKind, deadline time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timerDeadline[clock] = deadline
	return nil
}

func (b *pselectBackend) RemoveTimer(clock ClockKind) error {
	return b.ArmTimer(clock, time.Time{})
}

func (b *pselectBackend) Interrupt() error {
	return writeWake(b.wakeWriteFd)
}

func (b *pselectBackend) Close() error {
	signal.Stop(b.sigCh)
	closeWakeFd(b.wakeReadFd, b.wakeWriteFd)
	return nil
}

func (b *pselectBackend) HasSeparateRWFDWatches() bool        { return true }
func (b *pselectBackend) SupportsChildWatchReservation() bool { return false }
func (b *pselectBackend) InterruptAfterFDAdd() bool           { return false }

// nearestDeadline returns the sooner of the two clocks' armed deadlines,
// or zero if neither is armed.
func (b *pselectBackend) nearestDeadline() time.Time {
	var next time.Time
	for _, d := range b.timerDeadline {
		if d.IsZero() {
			continue
		}
		if next.IsZero() || d.Before(next) {
			next = d
		}
	}
	return next
}

func (b *pselectBackend) PullEvents(wait bool) error {
	b.mu.Lock()
	var readSet, writeSet unix.FdSet
	fdAdd(&readSet, b.wakeReadFd)
	for fd := range b.readFds {
		fdAdd(&readSet, fd)
	}
	for fd := range b.writeFds {
		fdAdd(&writeSet, fd)
	}
	maxFd := b.maxFd
	deadline := b.nearestDeadline()
	b.mu.Unlock()

	var ts *unix.Timespec
	if !wait {
		ts = &unix.Timespec{}
	} else if !deadline.IsZero() {
		d := time.Until(deadline)
		if d < 0 {
			d = 0
		}
		spec := unix.NsecToTimespec(d.Nanoseconds())
		ts = &spec
	}

	n, err := unix.Pselect(maxFd+1, &readSet, &writeSet, nil, ts, nil)
	if err != nil {
		if err == unix.EINTR {
			b.drainSignals()
			return nil
		}
		return &BackendError{Op: "Pselect", Err: err}
	}

	b.drainSignals()
	b.checkTimers()

	if n <= 0 {
		return nil
	}

	if fdIsSet(&readSet, b.wakeReadFd) {
		drainWake(b.wakeReadFd)
	}

	b.mu.Lock()
	readHits := make(map[int]watcher, len(b.readFds))
	for fd, w := range b.readFds {
		if fd != b.wakeReadFd && fdIsSet(&readSet, fd) {
			readHits[fd] = w
		}
	}
	writeHits := make(map[int]*bidiSecondary, len(b.writeFds))
	for fd, sec := range b.writeFds {
		if fdIsSet(&writeSet, fd) {
			writeHits[fd] = sec
		}
	}
	b.mu.Unlock()

	for fd, w := range readHits {
		b.d.receiveFdEvent(fd, w, In)
	}
	for fd, sec := range writeHits {
		b.d.receiveFdEvent(fd, sec, Out)
	}
	return nil
}

func (b *pselectBackend) drainSignals() {
	for {
		select {
		case s := <-b.sigCh:
			signo := int(s.(unix.Signal))
			if signo == int(unix.SIGCHLD) {
				b.reapChildren()
				continue
			}
			b.d.receiveSignal(signo, SigInfo{Signo: signo})
		default:
			return
		}
	}
}

func (b *pselectBackend) reapChildren() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		b.d.receiveChildStat(pid, int(ws))
	}
}

func (b *pselectBackend) checkTimers() {
	now := time.Now()
	for clock := range b.timerDeadline {
		b.mu.Lock()
		d := b.timerDeadline[clock]
		b.mu.Unlock()
		if d.IsZero() || d.After(now) {
			continue
		}
		b.d.receiveTimerExpiry(ClockKind(clock), now)
	}
}

func fdAdd(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}
