// Package link implements the framed, file-descriptor-passing duplex
// channel between the proxy and the remote device process: one Channel per
// socket endpoint, and a Link that owns the control and MMIO channels plus
// the event loop that drains them.
package link

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Channel is one socket-pair endpoint: a raw fd and the two locks that
// serialize concurrent senders and receivers. The send and recv locks are
// always distinct and are never held simultaneously by the same goroutine.
type Channel struct {
	fd int

	sendMu sync.Mutex
	recvMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewChannel wraps an already-open, connected socket fd.
func NewChannel(fd int) *Channel {
	return &Channel{fd: fd}
}

// Fd returns the underlying socket file descriptor, e.g. for poll
// registration.
func (c *Channel) Fd() int {
	return c.fd
}

// Close closes the underlying socket. It is safe to call more than once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = unix.Close(c.fd)
	})

	return c.closeErr
}

// probeOpen reports whether fd is currently an open descriptor, mirroring
// the receiver-side fcntl(F_GETFL) probe the wire contract requires before
// an incoming fd is accepted.
func probeOpen(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	return err == nil
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
}

// retryTemporary runs op until it succeeds or fails with an error other
// than EINTR/EAGAIN, matching the codec's indefinite-retry policy for
// those two errno values. Any other error is returned immediately.
func retryTemporary(op func() (int, error)) (int, error) {
	for {
		n, err := op()
		if err == nil {
			return n, nil
		}

		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}

		return n, err
	}
}
