//go:build !linux && !darwin && unix

package dasynq

import (
	"golang.org/x/sys/unix"
)

// createWakeFd creates a non-blocking self-pipe, the portable fallback used
// by the pselect backend to interrupt a blocked Pselect call.
func createWakeFd() (readFd, writeFd int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}

func closeWakeFd(readFd, writeFd int) {
	_ = unix.Close(readFd)
	if writeFd != readFd {
		_ = unix.Close(writeFd)
	}
}

func writeWake(writeFd int) error {
	_, err := unix.Write(writeFd, []byte{1})
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func drainWake(readFd int) {
	var buf [64]byte
	for {
		_, err := unix.Read(readFd, buf[:])
		if err != nil {
			return
		}
	}
}
