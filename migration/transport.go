package migration

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// MsgType identifies the payload carried by one frame of the migration
// stream.
type MsgType uint32

const (
	// MsgSnapshot carries a gob-encoded Snapshot.
	MsgSnapshot MsgType = iota
	// MsgReady signals the destination has finished setup and the source
	// may begin sending. It carries no payload.
	MsgReady
	// MsgDone terminates the stream; everything after MsgSnapshot has
	// been sent. It carries no payload.
	MsgDone
)

const headerSize = 4 + 8 // type (uint32 BE) + length (uint64 BE)

// Sender writes framed migration messages to an underlying io.Writer, one
// START_MIG_OUT io-fd's worth of stream.
type Sender struct {
	w io.Writer
	n int64
}

// NewSender wraps w.
func NewSender(w io.Writer) *Sender {
	return &Sender{w: w}
}

// BytesWritten returns the total number of bytes written across every
// frame sent so far, the value START_MIG_OUT reports back via its wait-fd.
func (s *Sender) BytesWritten() int64 {
	return s.n
}

func (s *Sender) writeFrame(t MsgType, payload []byte) error {
	hdr := make([]byte, headerSize)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(t))
	binary.BigEndian.PutUint64(hdr[4:12], uint64(len(payload)))

	n, err := s.w.Write(hdr)
	s.n += int64(n)

	if err != nil {
		return fmt.Errorf("migration: write frame header: %w", err)
	}

	if len(payload) == 0 {
		return nil
	}

	n, err = s.w.Write(payload)
	s.n += int64(n)

	if err != nil {
		return fmt.Errorf("migration: write frame payload: %w", err)
	}

	return nil
}

// SendSnapshot gob-encodes snap and writes it as a single MsgSnapshot frame.
func (s *Sender) SendSnapshot(snap *Snapshot) error {
	var buf bytes.Buffer

	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return fmt.Errorf("migration: encode snapshot: %w", err)
	}

	return s.writeFrame(MsgSnapshot, buf.Bytes())
}

// SendReady writes a zero-payload MsgReady frame.
func (s *Sender) SendReady() error {
	return s.writeFrame(MsgReady, nil)
}

// SendDone writes a zero-payload MsgDone frame.
func (s *Sender) SendDone() error {
	return s.writeFrame(MsgDone, nil)
}

// Receiver reads framed migration messages from an underlying io.Reader.
type Receiver struct {
	r io.Reader
}

// NewReceiver wraps r.
func NewReceiver(r io.Reader) *Receiver {
	return &Receiver{r: r}
}

// Next reads and returns the next frame's type and payload. It returns an
// error, including io.EOF, if the stream ends before a complete frame is
// available.
func (rc *Receiver) Next() (MsgType, []byte, error) {
	hdr := make([]byte, headerSize)

	if _, err := io.ReadFull(rc.r, hdr); err != nil {
		return 0, nil, fmt.Errorf("migration: read frame header: %w", err)
	}

	msgType := MsgType(binary.BigEndian.Uint32(hdr[0:4]))
	length := binary.BigEndian.Uint64(hdr[4:12])

	if length == 0 {
		return msgType, nil, nil
	}

	payload := make([]byte, length)

	if _, err := io.ReadFull(rc.r, payload); err != nil {
		return 0, nil, fmt.Errorf("migration: read frame payload: %w", err)
	}

	return msgType, payload, nil
}

// DecodeSnapshot gob-decodes a MsgSnapshot frame's payload.
func DecodeSnapshot(payload []byte) (*Snapshot, error) {
	var snap Snapshot

	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&snap); err != nil {
		return nil, fmt.Errorf("migration: decode snapshot: %w", err)
	}

	return &snap, nil
}
