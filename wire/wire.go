// Package wire defines the on-the-wire frame format shared by the link and
// dispatch layers: the command enumeration, the fixed header, and the
// per-command inline payload structs.
//
// Wire format (bit-exact with the header always sent first):
//
//	u32 cmd | u32 bytestream | u64 size | u64 id | u64 sizeID | u8 numFDs | 7 bytes pad
//
// followed by either the command's fixed-size inline payload (bytestream
// false) or exactly `size` bytes of an out-of-line buffer (bytestream true).
// Ancillary data carries 0..MaxFDs file descriptors as a single SCM_RIGHTS
// control message.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Cmd is the wire command tag. The ordinals are part of the wire contract
// and must never be reordered.
type Cmd uint32

const (
	Init Cmd = iota
	GetPCIInfo
	RetPCIInfo
	PCIConfigWrite
	PCIConfigRead
	BarWrite
	BarRead
	MMIOReturn
	SyncSysmem
	SetIRQFD
	DevOpts
	DeviceAdd
	DeviceDel
	DeviceReset
	RemotePing
	StartMigOut
	StartMigIn
	RunstateSet
	cmdMax // sentinel, never sent on the wire
)

func (c Cmd) String() string {
	switch c {
	case Init:
		return "INIT"
	case GetPCIInfo:
		return "GET_PCI_INFO"
	case RetPCIInfo:
		return "RET_PCI_INFO"
	case PCIConfigWrite:
		return "PCI_CONFIG_WRITE"
	case PCIConfigRead:
		return "PCI_CONFIG_READ"
	case BarWrite:
		return "BAR_WRITE"
	case BarRead:
		return "BAR_READ"
	case MMIOReturn:
		return "MMIO_RETURN"
	case SyncSysmem:
		return "SYNC_SYSMEM"
	case SetIRQFD:
		return "SET_IRQFD"
	case DevOpts:
		return "DEV_OPTS"
	case DeviceAdd:
		return "DEVICE_ADD"
	case DeviceDel:
		return "DEVICE_DEL"
	case DeviceReset:
		return "DEVICE_RESET"
	case RemotePing:
		return "REMOTE_PING"
	case StartMigOut:
		return "START_MIG_OUT"
	case StartMigIn:
		return "START_MIG_IN"
	case RunstateSet:
		return "RUNSTATE_SET"
	default:
		return fmt.Sprintf("Cmd(%d)", uint32(c))
	}
}

// Valid reports whether c is one of the closed enumeration of wire commands.
func (c Cmd) Valid() bool {
	return c < cmdMax
}

const (
	// MaxDevices bounds the proxy-assigned device id.
	MaxDevices = 256

	// MaxFDs bounds the number of file descriptors carried by a single frame.
	MaxFDs = 8

	// MaxSysmemRegions bounds the number of guest-RAM regions a single
	// SYNC_SYSMEM frame can describe.
	MaxSysmemRegions = 8

	// HeaderSize is the exact byte length of the fixed header on the wire.
	HeaderSize = 40
)

var (
	// ErrTooManyFDs is returned when a frame carries more than MaxFDs
	// descriptors, either on send or on receive.
	ErrTooManyFDs = errors.New("wire: too many file descriptors")

	// ErrBadPayloadSize is returned when a non-bytestream command's payload
	// does not match that command's fixed inline size.
	ErrBadPayloadSize = errors.New("wire: payload size mismatch")

	// ErrUnknownCmd is returned for any cmd outside the closed enumeration.
	ErrUnknownCmd = errors.New("wire: unknown command")

	// ErrDeviceIDRange is returned when id >= MaxDevices.
	ErrDeviceIDRange = errors.New("wire: device id out of range")

	// ErrBytestreamMismatch is returned when the bytestream flag does not
	// match whether the command carries its payload out-of-line.
	ErrBytestreamMismatch = errors.New("wire: bytestream flag mismatch")
)

// Header is the fixed portion of every frame.
type Header struct {
	Cmd        Cmd
	Bytestream bool
	Size       uint64
	ID         uint64
	SizeID     uint64 // present for wire-layout compatibility; always ignored on receive
	NumFDs     uint8
}

// PutBinary encodes h into the first HeaderSize bytes of b.
func (h Header) PutBinary(b []byte) {
	_ = b[:HeaderSize]

	binary.LittleEndian.PutUint32(b[0:4], uint32(h.Cmd))

	bs := uint32(0)
	if h.Bytestream {
		bs = 1
	}

	binary.LittleEndian.PutUint32(b[4:8], bs)
	binary.LittleEndian.PutUint64(b[8:16], h.Size)
	binary.LittleEndian.PutUint64(b[16:24], h.ID)
	binary.LittleEndian.PutUint64(b[24:32], h.SizeID)
	b[32] = h.NumFDs

	for i := 33; i < HeaderSize; i++ {
		b[i] = 0
	}
}

// ParseHeader decodes a Header from the first HeaderSize bytes of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("wire: short header: %d bytes", len(b))
	}

	return Header{
		Cmd:        Cmd(binary.LittleEndian.Uint32(b[0:4])),
		Bytestream: binary.LittleEndian.Uint32(b[4:8]) != 0,
		Size:       binary.LittleEndian.Uint64(b[8:16]),
		ID:         binary.LittleEndian.Uint64(b[16:24]),
		SizeID:     binary.LittleEndian.Uint64(b[24:32]),
		NumFDs:     b[32],
	}, nil
}

// Frame is a single message exchanged over a Channel: the header, the
// payload (inline or out-of-line depending on Bytestream), and any
// attached file descriptors.
type Frame struct {
	Header

	// Inline holds the fixed-size command-specific payload when
	// Bytestream is false. It is encoded/decoded with the Put*/Parse*
	// helpers for the command's payload struct.
	Inline []byte

	// OutOfLine holds the opaque byte buffer when Bytestream is true.
	// Its length always equals Size.
	OutOfLine []byte

	// FDs holds the file descriptors received as ancillary data. The
	// frame owns these until a handler consumes them; any FD still
	// present when the frame is discarded must be closed by the caller.
	FDs []int
}

// inlineSize returns the expected encoded size of cmd's inline payload, or
// 0 if cmd carries no inline payload at all (including every bytestream
// command, which carries its payload out-of-line instead).
func inlineSize(cmd Cmd) int {
	switch cmd {
	case BarWrite, BarRead:
		return barAccessSize
	case MMIOReturn:
		return mmioReturnSize
	case SetIRQFD:
		return irqfdSize
	case RunstateSet:
		return runstateSize
	case SyncSysmem:
		return sysmemDescriptorSize
	case RetPCIInfo:
		return pciInfoSize
	default:
		return 0
	}
}

// usesBytestream reports whether cmd's payload, when present, travels as an
// out-of-line bytestream buffer rather than as Inline.
func usesBytestream(cmd Cmd) bool {
	switch cmd {
	case PCIConfigWrite, PCIConfigRead, DevOpts, DeviceAdd, DeviceDel:
		return true
	default:
		return false
	}
}

// Validate checks a received frame against the closed command enumeration,
// the device-id bound, and the per-command payload shape, per the wire
// contract. A mismatch is always a fatal link error at the caller.
func Validate(f *Frame) error {
	if !f.Cmd.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownCmd, uint32(f.Cmd))
	}

	if f.ID >= MaxDevices {
		return fmt.Errorf("%w: id=%d", ErrDeviceIDRange, f.ID)
	}

	if len(f.FDs) > MaxFDs {
		return fmt.Errorf("%w: got %d", ErrTooManyFDs, len(f.FDs))
	}

	wantBytestream := usesBytestream(f.Cmd)
	if f.Bytestream != wantBytestream {
		return fmt.Errorf("%w: cmd=%s bytestream=%v", ErrBytestreamMismatch, f.Cmd, f.Bytestream)
	}

	if f.Bytestream {
		if uint64(len(f.OutOfLine)) != f.Size {
			return fmt.Errorf("%w: cmd=%s declared=%d actual=%d", ErrBadPayloadSize, f.Cmd, f.Size, len(f.OutOfLine))
		}

		return nil
	}

	if want := inlineSize(f.Cmd); want > 0 {
		if len(f.Inline) != want {
			return fmt.Errorf("%w: cmd=%s want=%d got=%d", ErrBadPayloadSize, f.Cmd, want, len(f.Inline))
		}
	}

	return nil
}
