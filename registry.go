package dasynq

import (
	"sync"
)

// fdRegistry maps a registered descriptor to the watcher responsible for
// it. The Loop keeps it up to date on registration and deregistration;
// the backends do not consult it, since each keeps its own per-fd table
// for turning a raw fd number back into a watcher.
//
// Unlike a generic map, entries are never garbage-collected behind the
// registry's back: a watcher's lifetime is explicit (Register..Deregister),
// so there is no weak-reference scavenging here, just a locked map.
type fdRegistry struct {
	mu   sync.RWMutex
	byFd map[int]watcher
}

func newFdRegistry() *fdRegistry {
	return &fdRegistry{byFd: make(map[int]watcher)}
}

func (r *fdRegistry) put(fd int, w watcher) {
	r.mu.Lock()
	r.byFd[fd] = w
	r.mu.Unlock()
}

func (r *fdRegistry) remove(fd int) {
	r.mu.Lock()
	delete(r.byFd, fd)
	r.mu.Unlock()
}

func (r *fdRegistry) get(fd int) (watcher, bool) {
	r.mu.RLock()
	w, ok := r.byFd[fd]
	r.mu.RUnlock()
	return w, ok
}

// signalRegistry maps a signal number to its watcher. Only one watcher may
// own a given signal number at a time: POSIX signal delivery has no
// concept of per-listener fan-out the way fd readiness does.
type signalRegistry struct {
	mu   sync.RWMutex
	byNo map[int]*SignalWatcher
}

func newSignalRegistry() *signalRegistry {
	return &signalRegistry{byNo: make(map[int]*SignalWatcher)}
}

func (r *signalRegistry) put(signo int, w *SignalWatcher) {
	r.mu.Lock()
	r.byNo[signo] = w
	r.mu.Unlock()
}

func (r *signalRegistry) remove(signo int) {
	r.mu.Lock()
	delete(r.byNo, signo)
	r.mu.Unlock()
}

func (r *signalRegistry) get(signo int) (*SignalWatcher, bool) {
	r.mu.RLock()
	w, ok := r.byNo[signo]
	r.mu.RUnlock()
	return w, ok
}

// childRegistry maps a watched PID to its watcher, consulted by the
// SIGCHLD + waitpid(WNOHANG) reap loop on backends without a native
// process-exit filter.
type childRegistry struct {
	mu    sync.RWMutex
	byPid map[int]*ChildWatcher
}

func newChildRegistry() *childRegistry {
	return &childRegistry{byPid: make(map[int]*ChildWatcher)}
}

func (r *childRegistry) put(pid int, w *ChildWatcher) {
	r.mu.Lock()
	r.byPid[pid] = w
	r.mu.Unlock()
}

func (r *childRegistry) remove(pid int) {
	r.mu.Lock()
	delete(r.byPid, pid)
	r.mu.Unlock()
}

func (r *childRegistry) get(pid int) (*ChildWatcher, bool) {
	r.mu.RLock()
	w, ok := r.byPid[pid]
	r.mu.RUnlock()
	return w, ok
}

// pids returns a snapshot of all currently watched PIDs. The backends'
// reap loops do not use it: they call wait4(-1, WNOHANG) until no
// terminated child remains.
func (r *childRegistry) pids() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int, 0, len(r.byPid))
	for pid := range r.byPid {
		out = append(out, pid)
	}
	return out
}
