// Package dasynq multiplexes file descriptors, signals, child processes,
// and timers into a single coordinated dispatch loop, usable from either
// single-threaded or multi-threaded clients.
//
// # Architecture
//
// A [Loop] owns the backend-side registration for every watcher and
// mediates all backend mutation under the attention lock. The pluggable
// [Backend] turns kernel readiness notifications (epoll on Linux, kqueue
// on Darwin/BSD, pselect elsewhere) into ready watchers, which the loop
// dispatches in batches. A per-clock timer queue (internal/pqueue) arms a
// single kernel timer to the nearest deadline and synthesizes per-watcher
// expiry counts on wake.
//
// # Watcher lifecycle
//
// Watchers ([FdWatcher], [BidiFdWatcher], [SignalWatcher], [ChildWatcher],
// [TimerWatcher]) are registered with exactly one [Loop] at a time. The
// caller owns watcher storage and must keep it live from registration
// until the watcher's Removed callback fires. Deregistering a watcher
// mid-dispatch is safe: the watcher is marked for deletion and the actual
// removal happens after the in-flight dispatch returns.
//
// # Concurrency
//
// [Loop.Run] and [Loop.Poll] acquire the attention lock (see
// [waitQueue]) before entering the kernel wait, so that at most one
// goroutine is ever blocked inside the backend. Registration methods
// acquire the same lock with priority over pending pollers, so a steady
// stream of polling goroutines cannot starve a goroutine trying to add or
// remove a watch.
//
// # Platform support
//
// epoll on Linux, kqueue on Darwin and the BSDs, and pselect as the
// portable fallback for any other Unix with golang.org/x/sys/unix
// support. There is no Windows backend: Windows has neither epoll, kqueue
// nor a pselect equivalent, and that combination is out of scope per the
// package's non-goals.
package dasynq
