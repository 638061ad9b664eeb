//go:build linux

package dasynq

import (
	"golang.org/x/sys/unix"
)

// createWakeFd creates the mechanism used to interrupt a goroutine blocked
// in the backend's kernel wait. On Linux this is a single eventfd used as
// both ends: writing increments its counter, which epoll reports as
// readable.
func createWakeFd() (readFd, writeFd int, err error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return -1, -1, err
	}
	return fd, fd, nil
}

func closeWakeFd(readFd, writeFd int) {
	_ = unix.Close(readFd)
}

// writeWake signals the wake fd once. EAGAIN means a wake-up is already
// pending, which is fine: the reader only needs to observe at least one.
func writeWake(writeFd int) error {
	var buf [8]byte
	buf[7] = 1
	_, err := unix.Write(writeFd, buf[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

// drainWake consumes any pending wake-up(s) on readFd.
func drainWake(readFd int) {
	var buf [8]byte
	for {
		_, err := unix.Read(readFd, buf[:])
		if err != nil {
			return
		}
	}
}
