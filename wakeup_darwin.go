//go:build darwin

package dasynq

import (
	"syscall"
)

// createWakeFd creates the mechanism used to interrupt a goroutine blocked
// in the backend's kernel wait. Darwin's kqueue has no eventfd equivalent,
// so this falls back to a non-blocking self-pipe: writing a byte to the
// write end wakes a kevent() blocked on EVFILT_READ for the read end.
func createWakeFd() (readFd, writeFd int, err error) {
	var fds [2]int
	if err := syscall.Pipe(fds[:]); err != nil {
		return -1, -1, err
	}
	syscall.CloseOnExec(fds[0])
	syscall.CloseOnExec(fds[1])
	if err := syscall.SetNonblock(fds[0], true); err != nil {
		syscall.Close(fds[0])
		syscall.Close(fds[1])
		return -1, -1, err
	}
	if err := syscall.SetNonblock(fds[1], true); err != nil {
		syscall.Close(fds[0])
		syscall.Close(fds[1])
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}

func closeWakeFd(readFd, writeFd int) {
	_ = syscall.Close(readFd)
	if writeFd != readFd {
		_ = syscall.Close(writeFd)
	}
}

func writeWake(writeFd int) error {
	_, err := syscall.Write(writeFd, []byte{1})
	if err == syscall.EAGAIN {
		return nil
	}
	return err
}

func drainWake(readFd int) {
	var buf [64]byte
	for {
		_, err := syscall.Read(readFd, buf[:])
		if err != nil {
			return
		}
	}
}
