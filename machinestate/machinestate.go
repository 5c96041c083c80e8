// Package machinestate stands in for the "host memory-region
// infrastructure" and the coarse I/O-thread lock the wire contract places
// out of scope at its interface: a single mutex-guarded value through
// which every PCI config / BAR / sysmem operation passes, plus the
// mapped-guest-RAM bookkeeping SYNC_SYSMEM feeds.
package machinestate

import (
	"sync"

	"github.com/bobuhiro11/remotedev/device"
	"github.com/bobuhiro11/remotedev/wire"
)

// MachineState serializes every config-space, BAR, and sysmem access
// across all devices behind one mutex, mirroring the original's single
// coarse I/O-thread lock. The lock is always innermost: it is acquired for
// the duration of the host-memory access only and is never held across a
// channel send/recv or a wait-FD poll.
type MachineState struct {
	mu     sync.Mutex
	sysmem *Sysmem
}

// New returns a MachineState with no guest-RAM regions mapped.
func New() *MachineState {
	return &MachineState{sysmem: NewSysmem()}
}

// ConfigRead reads len(buf) bytes at addr from d's configuration space.
func (m *MachineState) ConfigRead(d device.Device, addr uint32, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return d.ConfigRead(addr, buf)
}

// ConfigWrite writes buf at addr into d's configuration space.
func (m *MachineState) ConfigWrite(d device.Device, addr uint32, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return d.ConfigWrite(addr, buf)
}

// BarRead reads size bytes at addr within d's bar. The caller is
// responsible for masking a MEMTX-error sentinel onto the reply; BarRead
// itself returns the underlying device error unchanged.
func (m *MachineState) BarRead(d device.Device, bar int, memory bool, addr uint64, size int) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return d.BarRead(bar, memory, addr, size)
}

// BarWrite writes val, masked to size bytes, at addr within d's bar.
func (m *MachineState) BarWrite(d device.Device, bar int, memory bool, addr uint64, size int, val uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return d.BarWrite(bar, memory, addr, size, val)
}

// Reset returns d to its power-on state under the machine lock.
func (m *MachineState) Reset(d device.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return d.Reset()
}

// SysmemReconfigure replaces the guest-RAM region table from a SYNC_SYSMEM
// descriptor and its accompanying memfds.
func (m *MachineState) SysmemReconfigure(desc wire.SysmemDescriptor, fds []int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.sysmem.Reconfigure(desc, fds)
}

// Sysmem returns the guest-RAM region table for direct translation, e.g.
// by a device implementing DMA against mapped guest memory.
func (m *MachineState) Sysmem() *Sysmem {
	return m.sysmem
}

// Close releases every mapped guest-RAM region.
func (m *MachineState) Close() error {
	return m.sysmem.Close()
}
