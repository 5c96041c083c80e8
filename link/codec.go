package link

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/bobuhiro11/remotedev/wire"
)

// Send serializes f onto ch under its send-lock: the fixed header plus
// ancillary SCM_RIGHTS data for f.FDs go out in one sendmsg, immediately
// followed by a plain write of the payload body (out-of-line buffer if
// f.Bytestream, otherwise the inline union). EINTR/EAGAIN are retried
// indefinitely; any other error is logged and the send is abandoned without
// unwinding channel state -- the caller is expected to observe a subsequent
// link failure.
func Send(ch *Channel, f *wire.Frame, log *slog.Logger) error {
	if len(f.FDs) > wire.MaxFDs {
		return fmt.Errorf("%w: %d", wire.ErrTooManyFDs, len(f.FDs))
	}

	hdr := make([]byte, wire.HeaderSize)
	f.Header.PutBinary(hdr)

	var oob []byte
	if len(f.FDs) > 0 {
		oob = unix.UnixRights(f.FDs...)
	}

	ch.sendMu.Lock()
	defer ch.sendMu.Unlock()

	_, _, err := retryTemporarySendmsg(ch.fd, hdr, oob)
	if err != nil {
		log.Error("sendmsg failed, abandoning send", "cmd", f.Cmd, "error", err)
		return nil //nolint:nilerr // abandoned send is observed as a later link failure, not here
	}

	body := f.Inline
	if f.Bytestream {
		body = f.OutOfLine
	}

	if len(body) == 0 {
		return nil
	}

	if _, err := retryTemporary(func() (int, error) {
		n, err := unix.Write(ch.fd, body)
		return n, err
	}); err != nil {
		log.Error("write payload failed, abandoning send", "cmd", f.Cmd, "error", err)
	}

	return nil
}

func retryTemporarySendmsg(fd int, p, oob []byte) (int, int, error) {
	for {
		err := unix.Sendmsg(fd, p, oob, nil, 0)
		if err == nil {
			return len(p), len(oob), nil
		}

		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}

		return 0, 0, err
	}
}

// Recv reads one frame from ch under its recv-lock: the fixed header plus
// ancillary FDs via a single recvmsg, then exactly size bytes of payload
// body. Framing is not self-delimited beyond the fixed header. Recv does
// not check size against the command's payload shape before reading the
// body; wire.Validate, which the caller runs on the returned frame, rejects
// a mismatched size only after it has been read, and the caller treats that
// as a fatal link error.
func Recv(ch *Channel) (*wire.Frame, error) {
	ch.recvMu.Lock()
	defer ch.recvMu.Unlock()

	hdrBuf := make([]byte, wire.HeaderSize)
	oobBuf := make([]byte, unix.CmsgSpace(wire.MaxFDs*4))

	n, oobn, _, _, err := recvmsgRetry(ch.fd, hdrBuf, oobBuf)
	if err != nil {
		return nil, fmt.Errorf("recvmsg: %w", err)
	}

	if n == 0 {
		return nil, ErrHangup
	}

	hdr, err := wire.ParseHeader(hdrBuf[:n])
	if err != nil {
		return nil, err
	}

	f := &wire.Frame{Header: hdr}

	if oobn > 0 {
		fds, err := parseFDs(oobBuf[:oobn])
		if err != nil {
			return nil, err
		}

		f.FDs = fds
	}

	if len(f.FDs) > wire.MaxFDs {
		closeFDs(f.FDs)
		return nil, fmt.Errorf("%w: got %d", wire.ErrTooManyFDs, len(f.FDs))
	}

	for _, fd := range f.FDs {
		if !probeOpen(fd) {
			closeFDs(f.FDs)
			return nil, fmt.Errorf("wire: received closed fd")
		}
	}

	if f.Size > 0 {
		buf := make([]byte, f.Size)

		if _, err := retryTemporary(func() (int, error) {
			return unix.Read(ch.fd, buf)
		}); err != nil {
			closeFDs(f.FDs)
			return nil, fmt.Errorf("read payload: %w", err)
		}

		if f.Bytestream {
			f.OutOfLine = buf
		} else {
			f.Inline = buf
		}
	}

	return f, nil
}

func recvmsgRetry(fd int, p, oob []byte) (n, oobn, flags int, from unix.Sockaddr, err error) {
	for {
		n, oobn, flags, from, err = unix.Recvmsg(fd, p, oob, 0)
		if err == nil {
			return
		}

		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}

		return
	}
}

func parseFDs(oob []byte) ([]int, error) {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parse control message: %w", err)
	}

	var fds []int

	for _, scm := range scms {
		rights, err := unix.ParseUnixRights(&scm)
		if err != nil {
			continue
		}

		fds = append(fds, rights...)
	}

	return fds, nil
}
