// Package stubdevice provides a minimal, fully in-memory Device
// implementation: a 256-byte configuration space, a single BAR backed by a
// byte slice, and interrupt routing recorded but never actually raised. It
// stands in for a real virtio/PCI device in tests and as a reference
// driver registered under the "stub" name at bootstrap.
package stubdevice

import (
	"fmt"

	"github.com/bobuhiro11/remotedev/device"
)

const (
	configSpaceSize = 256
	defaultBarSize  = 8192
)

// Device is a software-only PCI device with one memory BAR.
type Device struct {
	hdr device.Header

	config [configSpaceSize]byte
	bar    []byte

	irqVector    uint32
	irqfd        int
	resamplefd   int
	irqInstalled bool
}

var _ device.Device = (*Device)(nil)

// Options mirrors the reserved-key-stripped option dictionary a DEV_OPTS
// frame supplies for this driver: vendor-id and device-id as decimal
// strings (JSON numbers decode to float64; both forms are accepted).
// BarSize is set only through New; Factory does not read a bar-size
// option, so devices it builds use the default BAR size.
type Options struct {
	VendorID uint16
	DeviceID uint16
	BarSize  int
}

// New constructs a stub device with the given identity and BAR size.
func New(opts Options) *Device {
	if opts.BarSize <= 0 {
		opts.BarSize = defaultBarSize
	}

	d := &Device{
		hdr: device.Header{
			VendorID:   opts.VendorID,
			DeviceID:   opts.DeviceID,
			ClassCode:  [3]uint8{0, 0, 0xff}, // unclassified
			HeaderType: 0,
		},
		bar:        make([]byte, opts.BarSize),
		resamplefd: -1,
	}

	d.config[0] = byte(opts.VendorID)
	d.config[1] = byte(opts.VendorID >> 8)
	d.config[2] = byte(opts.DeviceID)
	d.config[3] = byte(opts.DeviceID >> 8)

	return d
}

// Factory adapts New to the device.Factory interface, reading VendorID and
// DeviceID out of a decoded JSON option map.
func Factory(opts map[string]any) (device.Device, error) {
	var o Options

	if v, ok := opts["vendor-id"]; ok {
		n, err := toUint16(v)
		if err != nil {
			return nil, fmt.Errorf("stubdevice: vendor-id: %w", err)
		}

		o.VendorID = n
	}

	if v, ok := opts["device-id"]; ok {
		n, err := toUint16(v)
		if err != nil {
			return nil, fmt.Errorf("stubdevice: device-id: %w", err)
		}

		o.DeviceID = n
	}

	return New(o), nil
}

func toUint16(v any) (uint16, error) {
	switch n := v.(type) {
	case float64:
		return uint16(n), nil
	case string:
		var u uint16

		if _, err := fmt.Sscanf(n, "%d", &u); err != nil {
			return 0, err
		}

		return u, nil
	default:
		return 0, fmt.Errorf("unsupported option type %T", v)
	}
}

func (d *Device) Header() device.Header {
	return d.hdr
}

func (d *Device) ConfigRead(addr uint32, buf []byte) error {
	if int(addr)+len(buf) > len(d.config) {
		return device.ErrConfigOutOfRange
	}

	copy(buf, d.config[addr:])

	return nil
}

func (d *Device) ConfigWrite(addr uint32, buf []byte) error {
	if int(addr)+len(buf) > len(d.config) {
		return device.ErrConfigOutOfRange
	}

	copy(d.config[addr:], buf)

	return nil
}

func (d *Device) BarRead(bar int, memory bool, addr uint64, size int) (uint64, error) {
	if bar != 0 {
		return 0, fmt.Errorf("%w: bar=%d", device.ErrBarOutOfRange, bar)
	}

	if int(addr)+size > len(d.bar) {
		return 0, device.ErrBarOutOfRange
	}

	var val uint64

	for i := 0; i < size; i++ {
		val |= uint64(d.bar[int(addr)+i]) << (8 * i)
	}

	return val, nil
}

func (d *Device) BarWrite(bar int, memory bool, addr uint64, size int, val uint64) error {
	if bar != 0 {
		return fmt.Errorf("%w: bar=%d", device.ErrBarOutOfRange, bar)
	}

	if int(addr)+size > len(d.bar) {
		return device.ErrBarOutOfRange
	}

	for i := 0; i < size; i++ {
		d.bar[int(addr)+i] = byte(val >> (8 * i))
	}

	return nil
}

func (d *Device) SetIRQFD(vector uint32, irqfd, resamplefd int) error {
	d.irqVector = vector
	d.irqfd = irqfd
	d.resamplefd = resamplefd
	d.irqInstalled = true

	return nil
}

// IRQInstalled reports whether SetIRQFD has been called, for tests.
func (d *Device) IRQInstalled() bool {
	return d.irqInstalled
}

func (d *Device) Reset() error {
	for i := range d.bar {
		d.bar[i] = 0
	}

	d.config = [configSpaceSize]byte{}
	d.config[0] = byte(d.hdr.VendorID)
	d.config[1] = byte(d.hdr.VendorID >> 8)
	d.config[2] = byte(d.hdr.DeviceID)
	d.config[3] = byte(d.hdr.DeviceID >> 8)

	return nil
}

func (d *Device) Close() error {
	return nil
}

var _ device.Snapshotter = (*Device)(nil)

// SnapshotState encodes the device's entire observable state: configuration
// space followed by the BAR contents.
func (d *Device) SnapshotState() ([]byte, error) {
	out := make([]byte, 0, len(d.config)+len(d.bar))
	out = append(out, d.config[:]...)
	out = append(out, d.bar...)

	return out, nil
}

// RestoreState installs a previously captured SnapshotState encoding. The
// BAR is resized to match the captured length if it differs.
func (d *Device) RestoreState(state []byte) error {
	if len(state) < configSpaceSize {
		return fmt.Errorf("stubdevice: snapshot too short: %d bytes", len(state))
	}

	copy(d.config[:], state[:configSpaceSize])

	barBytes := state[configSpaceSize:]
	d.bar = append(d.bar[:0], barBytes...)

	return nil
}
