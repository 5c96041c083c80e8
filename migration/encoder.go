package migration

import (
	"errors"
	"fmt"
	"io"

	"github.com/bobuhiro11/remotedev/device"
)

// Encoder implements dispatch.Migrator over a device.Registry: SaveTo
// captures every Snapshotter device in the registry and streams it out as
// a framed Snapshot message, and LoadFrom consumes such a stream and
// restores it into the same registry.
type Encoder struct {
	Registry *device.Registry
}

// NewEncoder returns an Encoder over reg.
func NewEncoder(reg *device.Registry) *Encoder {
	return &Encoder{Registry: reg}
}

// SaveTo captures the registry's state and writes it to w as a
// MsgSnapshot frame followed by a MsgDone frame. It returns the total
// number of bytes written, the value START_MIG_OUT reports back to its
// caller.
func (e *Encoder) SaveTo(w io.Writer) (int64, error) {
	snap, err := Capture(e.Registry)
	if err != nil {
		return 0, err
	}

	sender := NewSender(w)

	if err := sender.SendSnapshot(snap); err != nil {
		return sender.BytesWritten(), err
	}

	if err := sender.SendDone(); err != nil {
		return sender.BytesWritten(), err
	}

	return sender.BytesWritten(), nil
}

// LoadFrom reads frames from r until MsgDone, restoring every MsgSnapshot
// it sees into the registry.
func (e *Encoder) LoadFrom(r io.Reader) error {
	recv := NewReceiver(r)

	for {
		msgType, payload, err := recv.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return err
		}

		switch msgType {
		case MsgSnapshot:
			snap, err := DecodeSnapshot(payload)
			if err != nil {
				return err
			}

			if err := Restore(e.Registry, snap); err != nil {
				return err
			}
		case MsgDone:
			return nil
		case MsgReady:
			// No action required on the restore side; MsgReady is a
			// source-to-destination handshake signal only.
		default:
			return fmt.Errorf("migration: unknown message type %d", msgType)
		}
	}
}
