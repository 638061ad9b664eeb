//go:build linux

package dasynq

import "golang.org/x/sys/unix"

// BlockSignal adds signo to the calling thread's blocked-signal mask,
// which a SignalWatcher's contract requires before Register: an unblocked
// signal is delivered the ordinary (disruptive) way instead of being
// captured by signalfd.
func BlockSignal(signo int) error {
	var set unix.Sigset_t
	setSignal(&set, signo)
	return unix.PthreadSigmask(unix.SIG_BLOCK, &set, nil)
}

// UnblockSignal reverses BlockSignal. Callers must not do this while a
// SignalWatcher for signo remains registered.
func UnblockSignal(signo int) error {
	var set unix.Sigset_t
	setSignal(&set, signo)
	return unix.PthreadSigmask(unix.SIG_UNBLOCK, &set, nil)
}

// setSignal sets the bit for signo (1-based) in a Linux Sigset_t, which
// is 16 uint64 words of 64 bits each.
func setSignal(set *unix.Sigset_t, signo int) {
	bit := uint(signo - 1)
	set.Val[bit/64] |= 1 << (bit % 64)
}
