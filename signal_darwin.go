//go:build darwin

package dasynq

import "golang.org/x/sys/unix"

// BlockSignal adds signo to the calling thread's blocked-signal mask, as
// required before registering a SignalWatcher for it: EVFILT_SIGNAL only
// delivers signals that the default disposition would otherwise act on,
// and a kqueue consumer must block the signal to stop it from also
// interrupting the process the ordinary way.
func BlockSignal(signo int) error {
	return unix.PthreadSigmask(unix.SIG_BLOCK, sigsetFor(signo), nil)
}

// UnblockSignal reverses BlockSignal. Callers must not do this while a
// SignalWatcher for signo remains registered.
func UnblockSignal(signo int) error {
	return unix.PthreadSigmask(unix.SIG_UNBLOCK, sigsetFor(signo), nil)
}

// sigsetFor builds a single-signal Darwin Sigset_t, a 32-bit bitmask
// indexed by signo-1.
func sigsetFor(signo int) *unix.Sigset_t {
	var set unix.Sigset_t
	set = unix.Sigset_t(uint32(1) << uint(signo-1))
	return &set
}
