// Package device defines the emulated-PCI-device model the remote process
// hosts: the Device interface a driver implements, the registry that maps
// proxy-assigned integer ids to live devices, and the string-keyed factory
// that constructs them from DEV_OPTS option blobs.
package device

import "errors"

// ErrBarOutOfRange is returned by a Device's BAR accessor when addr+size
// falls outside the BAR's mapped range.
var ErrBarOutOfRange = errors.New("device: bar access out of range")

// ErrConfigOutOfRange is returned by ConfigRead/ConfigWrite when addr+len
// falls outside the 256-byte configuration space.
var ErrConfigOutOfRange = errors.New("device: config access out of range")

// Header is the subset of PCI configuration-space identity fields the
// GET_PCI_INFO reply and the config-space read/write primitives need.
// Mirrors the standard PCI type 0/1 header layout.
type Header struct {
	VendorID   uint16
	DeviceID   uint16
	ClassCode  [3]uint8
	SubsysID   uint16
	HeaderType uint8
	NumMSIVecs uint32
}

// Device is what a driver implements regardless of how it was constructed.
// One Device occupies one slot in a DeviceRegistry. The remote process
// exclusively owns a Device once registered; the proxy holds only the
// integer id.
type Device interface {
	// Header returns the device's static identity fields, used to answer
	// GET_PCI_INFO and to seed byte 0..63 of configuration space.
	Header() Header

	// ConfigRead reads len(buf) bytes (1, 2, or 4) starting at addr from
	// the device's 256-byte configuration space.
	ConfigRead(addr uint32, buf []byte) error

	// ConfigWrite writes buf starting at addr into configuration space.
	ConfigWrite(addr uint32, buf []byte) error

	// BarRead reads size bytes (1, 2, 4, or 8) at addr within bar's mapped
	// range. memory selects the guest-RAM address space when true, the
	// port I/O address space when false.
	BarRead(bar int, memory bool, addr uint64, size int) (uint64, error)

	// BarWrite writes val, masked to size bytes, at addr within bar's
	// mapped range.
	BarWrite(bar int, memory bool, addr uint64, size int, val uint64) error

	// SetIRQFD installs irqfd (and, if resamplefd >= 0, the resample fd)
	// on the device's interrupt routing for the given vector.
	SetIRQFD(vector uint32, irqfd, resamplefd int) error

	// Reset returns the device to its power-on state.
	Reset() error

	// Close releases any resources the device holds (fds, mappings). It
	// is called once, during DEVICE_DEL or final teardown.
	Close() error
}

// Snapshotter is an optional capability a Device implements to take part
// in migration: SnapshotState returns an opaque encoding of everything
// ConfigRead/BarRead could observe, and RestoreState installs a previously
// captured encoding. A Device that does not implement Snapshotter is
// skipped during migration rather than failing it.
type Snapshotter interface {
	SnapshotState() ([]byte, error)
	RestoreState([]byte) error
}
