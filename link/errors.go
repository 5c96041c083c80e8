package link

import "errors"

var (
	// ErrHangup is returned by Recv when the peer has closed its end.
	ErrHangup = errors.New("link: channel hung up")

	// ErrClosed names a torn-down Link. No function in this package
	// returns it; Link.Close on an already torn-down Link returns nil.
	ErrClosed = errors.New("link: closed")
)
