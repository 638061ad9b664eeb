package dasynq

// SigInfo is a portable snapshot of the information captured for a
// delivered signal, written just before dispatch. Not every field is
// populated by every backend: epoll's signalfd and kqueue's EVFILT_SIGNAL
// report different subsets of what POSIX siginfo_t carries, and this
// struct only exposes the fields meaningful across all three backends.
type SigInfo struct {
	Signo int
	Code  int32
	PID   int
	UID   int
	// Status is not set by any backend and is always zero: SIGCHLD is
	// consumed by the child-reap loop, which reports wait statuses to
	// ChildWatchers instead.
	Status int
}

// SignalWatcher delivers notifications for one signal number. The caller
// must block the signal in the process signal mask before registration
// and must not unblock it while the watcher is registered.
type SignalWatcher struct {
	watcherBase

	signo   int
	siginfo SigInfo

	// Callback is invoked with a copy of the captured siginfo and returns
	// the usual Rearm. The loop's receive path reports to the backend
	// whether to mask the signal until re-armed, but no backend acts on
	// that report: the signal stays unmasked between deliveries.
	Callback func(l *Loop, signo int, info SigInfo) Rearm

	Removed func()
}

// NewSignalWatcher constructs an unregistered signal watcher.
func NewSignalWatcher() *SignalWatcher {
	return &SignalWatcher{watcherBase: newWatcherBase(WatchSignal)}
}

// Signo returns the watched signal number, or 0 if unregistered.
func (w *SignalWatcher) Signo() int {
	if !w.registered() {
		return 0
	}
	return w.signo
}

// Register adds this watcher to l for signo. The caller must have
// already blocked signo in the process mask (see BlockSignal).
func (w *SignalWatcher) Register(l *Loop, signo int) error {
	return l.RegisterSignal(w, signo)
}

// Deregister removes the watcher.
func (w *SignalWatcher) Deregister(l *Loop) error {
	return l.DeregisterSignal(w)
}

func (w *SignalWatcher) dispatch(l *Loop) Rearm {
	if w.Callback == nil {
		return DISARM
	}
	return w.Callback(l, w.signo, w.siginfo)
}

func (w *SignalWatcher) watchRemoved() {
	if w.Removed != nil {
		w.Removed()
	}
}
