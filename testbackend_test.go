package dasynq

import (
	"sync"
	"time"
)

// testBackend is a deterministic, in-memory Backend used only by this
// package's tests: fd readiness, signals, and child exits are injected
// directly by a test rather than observed from the kernel, and PullEvents
// drains whatever was injected since the last call instead of blocking on
// a real poll. Timer arming is recorded so tests can assert on it without
// a real clock.
type testBackend struct {
	d dispatcher

	mu sync.Mutex

	fds     map[int]watcher
	writers map[int]*bidiSecondary
	signals map[int]*SignalWatcher

	pendingFD      []pendingFDEvent
	pendingSignal  []pendingSignalEvent
	pendingChild   []pendingChildEvent
	armedDeadline  [2]time.Time
	interruptCalls int
	closed         bool
}

type pendingFDEvent struct {
	fd     int
	events WatchFlags
}

type pendingSignalEvent struct {
	signo int
	info  SigInfo
}

type pendingChildEvent struct {
	pid    int
	status int
}

func newTestBackend(d dispatcher) *testBackend {
	return &testBackend{
		d:       d,
		fds:     make(map[int]watcher),
		writers: make(map[int]*bidiSecondary),
		signals: make(map[int]*SignalWatcher),
	}
}

func (b *testBackend) AddFDWatch(fd int, w watcher, flags WatchFlags, enabled bool, mayEmulate bool) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fds[fd] = w
	return true, nil
}

func (b *testBackend) AddBidiFDWatch(fd int, w *BidiFdWatcher, flags WatchFlags, mayEmulate bool) (WatchFlags, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fds[fd] = w
	b.writers[fd] = &w.secondary
	return 0, nil
}

func (b *testBackend) EnableFDWatch(fd int, side WatchFlags) error  { return nil }
func (b *testBackend) DisableFDWatch(fd int, side WatchFlags) error { return nil }

func (b *testBackend) RemoveFDWatch(fd int, side WatchFlags) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.fds, fd)
	delete(b.writers, fd)
	return nil
}

func (b *testBackend) AddSignalWatch(signo int, w *SignalWatcher) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signals[signo] = w
	return nil
}

func (b *testBackend) RearmSignalWatchNolock(signo int) error { return nil }

func (b *testBackend) RemoveSignalWatchNolock(signo int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.signals, signo)
	return nil
}

func (b *testBackend) AddTimer(clock ClockKind) error { return nil }

func (b *testBackend) ArmTimer(clock ClockKind, deadline time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.armedDeadline[clock] = deadline
	return nil
}

func (b *testBackend) RemoveTimer(clock ClockKind) error {
	return b.ArmTimer(clock, time.Time{})
}

func (b *testBackend) Interrupt() error {
	b.mu.Lock()
	b.interruptCalls++
	b.mu.Unlock()
	return nil
}

func (b *testBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *testBackend) HasSeparateRWFDWatches() bool        { return true }
func (b *testBackend) SupportsChildWatchReservation() bool { return false }
func (b *testBackend) InterruptAfterFDAdd() bool            { return false }

// PullEvents never blocks; it delivers whatever a test has injected via
// injectFDEvent/injectSignal/injectChildExit since the prior call.
func (b *testBackend) PullEvents(wait bool) error {
	b.mu.Lock()
	fdEvents := b.pendingFD
	sigEvents := b.pendingSignal
	childEvents := b.pendingChild
	b.pendingFD = nil
	b.pendingSignal = nil
	b.pendingChild = nil
	b.mu.Unlock()

	for _, e := range fdEvents {
		b.mu.Lock()
		w, ok := b.fds[e.fd]
		sec, hasSec := b.writers[e.fd]
		b.mu.Unlock()
		if !ok {
			continue
		}
		if e.events&In != 0 {
			b.d.receiveFdEvent(e.fd, w, In)
		}
		if e.events&Out != 0 {
			if hasSec {
				b.d.receiveFdEvent(e.fd, sec, Out)
			} else {
				b.d.receiveFdEvent(e.fd, w, Out)
			}
		}
	}
	for _, e := range sigEvents {
		b.d.receiveSignal(e.signo, e.info)
	}
	for _, e := range childEvents {
		b.d.receiveChildStat(e.pid, e.status)
	}
	return nil
}

func (b *testBackend) injectFDEvent(fd int, events WatchFlags) {
	b.mu.Lock()
	b.pendingFD = append(b.pendingFD, pendingFDEvent{fd, events})
	b.mu.Unlock()
}

func (b *testBackend) injectSignal(signo int, info SigInfo) {
	b.mu.Lock()
	b.pendingSignal = append(b.pendingSignal, pendingSignalEvent{signo, info})
	b.mu.Unlock()
}

func (b *testBackend) injectChildExit(pid, status int) {
	b.mu.Lock()
	b.pendingChild = append(b.pendingChild, pendingChildEvent{pid, status})
	b.mu.Unlock()
}

func (b *testBackend) deadlineFor(clock ClockKind) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.armedDeadline[clock]
}

// newTestLoop builds a Loop wired to a testBackend instead of a real
// platform backend, bypassing newPlatformBackend entirely.
func newTestLoop() (*Loop, *testBackend) {
	cfg := resolveLoopOptions(nil)
	l := &Loop{
		state:    NewFastState(),
		logger:   newLoopLogger(nil),
		opts:     cfg,
		fds:      newFdRegistry(),
		signals:  newSignalRegistry(),
		children: newChildRegistry(),
	}
	l.timerClocks[ClockMonotonic] = newTimerClock(ClockMonotonic)
	l.timerClocks[ClockRealtime] = newTimerClock(ClockRealtime)
	l.wait = newWaitQueue(l)

	tb := newTestBackend(l)
	l.backend = tb
	return l, tb
}
