package link

import (
	"golang.org/x/sys/unix"
)

// Events is a bitmask of readiness conditions a Reactor reports.
type Events uint32

const (
	EventReadable Events = 1 << iota
	EventHangup
	EventError
)

// ReadyEvent pairs a registered fd with the readiness conditions observed
// for it in one Wait call.
type ReadyEvent struct {
	Fd     int
	Events Events
}

// Reactor is the minimal poll-source abstraction the Link is built on, per
// the "event loop integration with an external poll source" redesign note:
// register(fd, mask) / wait() -> ready set. The control and MMIO channels
// each register independently.
type Reactor interface {
	Register(fd int, mask Events) error
	Unregister(fd int)
	Wait(timeoutMs int) ([]ReadyEvent, error)
}

// pollReactor is a Reactor backed by unix.Poll, mirroring the readiness
// mask (readable | hangup | error) the original channel's GIOCondition
// poll source used.
type pollReactor struct {
	fds []unix.PollFd
}

// NewPollReactor returns a Reactor backed by poll(2).
func NewPollReactor() Reactor {
	return &pollReactor{}
}

func (r *pollReactor) Register(fd int, mask Events) error {
	var events int16
	if mask&EventReadable != 0 {
		events |= unix.POLLIN
	}

	r.fds = append(r.fds, unix.PollFd{Fd: int32(fd), Events: events})

	return nil
}

func (r *pollReactor) Unregister(fd int) {
	out := r.fds[:0]

	for _, pfd := range r.fds {
		if int(pfd.Fd) != fd {
			out = append(out, pfd)
		}
	}

	r.fds = out
}

func (r *pollReactor) Wait(timeoutMs int) ([]ReadyEvent, error) {
	if len(r.fds) == 0 {
		return nil, nil
	}

	n, err := unix.Poll(r.fds, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}

		return nil, err
	}

	if n == 0 {
		return nil, nil
	}

	var ready []ReadyEvent

	for _, pfd := range r.fds {
		var ev Events

		if pfd.Revents&unix.POLLIN != 0 {
			ev |= EventReadable
		}

		if pfd.Revents&unix.POLLHUP != 0 {
			ev |= EventHangup
		}

		if pfd.Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			ev |= EventError
		}

		if ev != 0 {
			ready = append(ready, ReadyEvent{Fd: int(pfd.Fd), Events: ev})
		}
	}

	return ready, nil
}
