package dasynq

import "errors"

// Sentinel errors returned from the registration and backend layers. Dispatch
// path failures (re-arm, disable, remove after a watcher was accepted) are
// not part of this taxonomy: §7 declares them infallible.
var (
	// ErrAlreadyRegistered is returned by a register call when the watcher
	// is already live with some event loop.
	ErrAlreadyRegistered = errors.New("dasynq: watcher already registered")

	// ErrNotRegistered is returned when deregistering or re-configuring a
	// watcher that isn't currently registered with this loop.
	ErrNotRegistered = errors.New("dasynq: watcher not registered")

	// ErrLoopClosed reports a closed event loop. No function in this
	// package returns it: registration calls do not check whether the
	// loop has been closed.
	ErrLoopClosed = errors.New("dasynq: event loop is closed")

	// ErrFDUnsupported is returned by RegisterFD when the backend cannot
	// natively watch the descriptor (e.g. a regular file under kqueue) and
	// the caller did not opt in to emulation.
	ErrFDUnsupported = errors.New("dasynq: descriptor kind not supported by backend")

	// ErrRunning is returned by Run when it detects a reentrant call from
	// within the loop's own dispatch (e.g. from a watcher handler).
	ErrRunning = errors.New("dasynq: cannot call Run from within the loop")
)

// BackendError wraps a syscall failure surfaced from backend registration.
// It is returned synchronously to the caller, per §7: resource exhaustion
// and similar registration-time failures leave the loop and existing
// watches valid.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return "dasynq: " + e.Op + ": " + e.Err.Error()
}

func (e *BackendError) Unwrap() error {
	return e.Err
}
