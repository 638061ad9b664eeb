package dasynq

// ChildWatcher delivers a single notification when a specific PID
// terminates. The caller must not let any other facility reap that PID:
// this watcher, or the loop's background reap loop on its behalf, calls
// waitpid for it.
type ChildWatcher struct {
	watcherBase

	pid          int
	terminated   bool
	status       int
	reserved     bool // Reserve was called on a backend reporting reservation support
	reservedPid  int

	// Callback receives the wait status once the child has terminated.
	Callback func(l *Loop, pid int, status int) Rearm

	Removed func()
}

// NewChildWatcher constructs an unregistered child watcher.
func NewChildWatcher() *ChildWatcher {
	return &ChildWatcher{watcherBase: newWatcherBase(WatchChild)}
}

// Reserve marks the watcher as reserved when the backend reports
// child-watch reservation support, and is a no-op otherwise. It makes no
// backend call and allocates no backend resource; Register after fork
// makes no backend call either.
func (w *ChildWatcher) Reserve(l *Loop) error {
	return l.reserveChildWatch(w)
}

// Register starts watching pid for termination.
func (w *ChildWatcher) Register(l *Loop, pid int) error {
	return l.RegisterChild(w, pid)
}

// Deregister stops watching. It is the caller's responsibility to ensure
// the PID has either already been reaped or will be reaped some other
// way if Deregister is called before termination.
func (w *ChildWatcher) Deregister(l *Loop) error {
	return l.DeregisterChild(w)
}

// Pid returns the watched PID, or 0 if unregistered.
func (w *ChildWatcher) Pid() int {
	if !w.registered() {
		return 0
	}
	return w.pid
}

func (w *ChildWatcher) dispatch(l *Loop) Rearm {
	if w.Callback == nil {
		return REMOVE
	}
	return w.Callback(l, w.pid, w.status)
}

func (w *ChildWatcher) watchRemoved() {
	if w.Removed != nil {
		w.Removed()
	}
}
