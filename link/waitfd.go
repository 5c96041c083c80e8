package link

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrWaitTimeout is returned by WaitFD.Wait when no notification arrives
// within the poll deadline.
var ErrWaitTimeout = errors.New("link: wait-fd timed out")

const waitPollTimeoutMs = 1000

// sentinelWire is the on-the-wire encoding of the UINT64_MAX failure
// sentinel. It cannot be the literal math.MaxUint64: an eventfd counter's
// maximum legal value is math.MaxUint64-1, and a write of math.MaxUint64
// itself fails with EINVAL. sentinelWire is that maximum legal value,
// reserved so Notify/Wait can round-trip the sentinel verbatim instead of
// through the usual +1/-1 shift.
const sentinelWire = math.MaxUint64 - 1

// WaitFD is the synchronous reply primitive passed alongside a command
// frame so the sender can block for the remote's response without holding
// the channel's recv-lock. The underlying eventfd counter is offset by one
// in both directions: Notify writes value+1, Wait reads back count-1. A
// raw eventfd count of 0 is reserved by the kernel to mean "no writers
// yet", so the shift lets 0 be a legitimate reply value.
type WaitFD struct {
	fd int
}

// NewWaitFD creates a fresh eventfd-backed WaitFD with an initial count of
// zero.
func NewWaitFD() (*WaitFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}

	return &WaitFD{fd: fd}, nil
}

// WrapWaitFD adapts an fd received as ancillary data (the proxy created
// and owns the eventfd; the remote only ever calls Notify on it) into a
// WaitFD.
func WrapWaitFD(fd int) *WaitFD {
	return &WaitFD{fd: fd}
}

// Fd returns the underlying eventfd, e.g. to pass as an ancillary fd in a
// command frame.
func (w *WaitFD) Fd() int {
	return w.fd
}

// Notify wakes a blocked Wait with value v. v == math.MaxUint64 is the
// reserved failure sentinel and round-trips through Wait verbatim instead
// of through the usual +1 shift. The two values just below it cannot be
// carried: math.MaxUint64-2 encodes to sentinelWire and reads back as
// math.MaxUint64, and math.MaxUint64-1 makes the eventfd write fail.
func (w *WaitFD) Notify(v uint64) error {
	enc := v + 1
	if v == math.MaxUint64 {
		enc = sentinelWire
	}

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, enc)

	_, err := retryTemporary(func() (int, error) {
		return unix.Write(w.fd, buf)
	})

	return err
}

// Wait blocks for up to one second for a Notify, returning the notified
// value. On timeout it returns math.MaxUint64 and ErrWaitTimeout, mirroring
// the original's UINT64_MAX sentinel for a remote that never replied.
func (w *WaitFD) Wait() (uint64, error) {
	pfd := []unix.PollFd{{Fd: int32(w.fd), Events: unix.POLLIN}}

	n, err := unix.Poll(pfd, waitPollTimeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return w.Wait()
		}

		return math.MaxUint64, err
	}

	if n == 0 {
		return math.MaxUint64, ErrWaitTimeout
	}

	buf := make([]byte, 8)

	if _, err := retryTemporary(func() (int, error) {
		return unix.Read(w.fd, buf)
	}); err != nil {
		return math.MaxUint64, err
	}

	raw := binary.LittleEndian.Uint64(buf)
	if raw == sentinelWire {
		return math.MaxUint64, nil
	}

	return raw - 1, nil
}

// Close closes the underlying eventfd.
func (w *WaitFD) Close() error {
	return unix.Close(w.fd)
}

// WaitFDPool hands out WaitFDs for in-flight synchronous commands and
// recycles them on release instead of opening a fresh eventfd per request,
// bounding the number of open eventfds to the high-water mark of concurrent
// outstanding waits.
type WaitFDPool struct {
	mu   sync.Mutex
	free []*WaitFD
}

// NewWaitFDPool returns an empty pool.
func NewWaitFDPool() *WaitFDPool {
	return &WaitFDPool{}
}

// Acquire returns a free WaitFD or creates a new one.
func (p *WaitFDPool) Acquire() (*WaitFD, error) {
	p.mu.Lock()
	n := len(p.free)

	if n > 0 {
		w := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()

		return w, nil
	}

	p.mu.Unlock()

	return NewWaitFD()
}

// Release returns w to the pool for reuse.
func (p *WaitFDPool) Release(w *WaitFD) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.free = append(p.free, w)
}

// Drain closes every pooled WaitFD. Outstanding (acquired) WaitFDs are not
// affected.
func (p *WaitFDPool) Drain() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, w := range p.free {
		_ = w.Close()
	}

	p.free = nil
}
