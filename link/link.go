package link

import (
	"context"
	"log/slog"
)

// Verdict is returned by a DispatchFunc to tell the Link's event loop
// whether to keep running or tear the link down. There is no
// handler-level cancellation; Remove is the only teardown path.
type Verdict int

const (
	Continue Verdict = iota
	Remove
)

// DispatchFunc is invoked once per readiness event on either channel. It is
// responsible for draining and processing whatever is ready on ch (normally
// via Recv) and returns Remove on any fatal transport or protocol error, or
// when ev reports a hangup.
type DispatchFunc func(ctx context.Context, l *Link, ch *Channel, ev Events) Verdict

// Kind distinguishes the two channels a Link owns.
type Kind int

const (
	Control Kind = iota
	MMIO
)

// Link owns the control and MMIO channels, the reactor loop, and the
// dispatch callback. It is not restartable: once torn down, a new Link must
// be constructed.
type Link struct {
	Com  *Channel
	Mmio *Channel

	reactor  Reactor
	dispatch DispatchFunc
	log      *slog.Logger

	closed bool
}

// New constructs a Link over the given control and MMIO channels. Both
// channels are registered with the reactor for readable|hangup|error
// independently; a ready event on one never blocks delivery on the other.
func New(com, mmio *Channel, dispatch DispatchFunc, log *slog.Logger) (*Link, error) {
	r := NewPollReactor()

	if err := r.Register(com.Fd(), EventReadable|EventHangup|EventError); err != nil {
		return nil, err
	}

	if err := r.Register(mmio.Fd(), EventReadable|EventHangup|EventError); err != nil {
		return nil, err
	}

	return &Link{
		Com:      com,
		Mmio:     mmio,
		reactor:  r,
		dispatch: dispatch,
		log:      log,
	}, nil
}

// channelFor resolves which owned channel a ready fd belongs to.
func (l *Link) channelFor(fd int) (*Channel, Kind) {
	if fd == l.Com.Fd() {
		return l.Com, Control
	}

	return l.Mmio, MMIO
}

// Run drains ready channels single-threadedly until ctx is canceled or the
// dispatch callback returns Remove. Either way the link tears itself down;
// Run then returns nil after Remove, ctx.Err() after cancellation, and the
// reactor's error if polling fails. Frames are processed strictly FIFO per channel;
// the control and MMIO channels are independent of each other.
func (l *Link) Run(ctx context.Context) error {
	const pollTimeoutMs = 1000

	for {
		select {
		case <-ctx.Done():
			l.teardown()
			return ctx.Err()
		default:
		}

		events, err := l.reactor.Wait(pollTimeoutMs)
		if err != nil {
			l.teardown()
			return err
		}

		for _, e := range events {
			ch, _ := l.channelFor(e.Fd)

			if l.dispatch(ctx, l, ch, e.Events) == Remove {
				l.teardown()
				return nil
			}
		}
	}
}

// teardown closes both channels. It is idempotent.
func (l *Link) teardown() {
	if l.closed {
		return
	}

	l.closed = true

	if err := l.Com.Close(); err != nil {
		l.log.Warn("closing control channel", "error", err)
	}

	if err := l.Mmio.Close(); err != nil {
		l.log.Warn("closing mmio channel", "error", err)
	}
}

// Close tears the link down explicitly, e.g. from outside the Run loop.
func (l *Link) Close() error {
	l.teardown()
	return nil
}
