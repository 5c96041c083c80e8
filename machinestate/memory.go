package machinestate

import (
	"fmt"
	"sync"
	"syscall"

	"github.com/bobuhiro11/remotedev/wire"
)

// SysmemSlot is one mmap'd guest-RAM region, backed by the memfd carried as
// ancillary data in the owning SYNC_SYSMEM frame.
type SysmemSlot struct {
	GPA    uint64
	Size   uint64
	Offset uint64
	buf    []byte
}

// Sysmem tracks the full set of guest-RAM regions currently mapped, keyed
// by their position in the descriptor. SYNC_SYSMEM does not quiesce
// in-flight DMA; per the wire contract, the proxy alone is responsible for
// guaranteeing no DMA targets a region while it is being reconfigured.
type Sysmem struct {
	mu    sync.Mutex
	slots []*SysmemSlot
	space *AddressSpace
}

// NewSysmem returns an empty guest-RAM region table.
func NewSysmem() *Sysmem {
	return &Sysmem{space: NewAddressSpace("sysmem")}
}

// Reconfigure replaces the entire region table from a SYNC_SYSMEM
// descriptor and its accompanying per-region memfds, in descriptor order.
// Any previously mapped regions are unmapped first.
func (s *Sysmem) Reconfigure(desc wire.SysmemDescriptor, fds []int) error {
	if int(desc.NumRegions) > len(fds) {
		return fmt.Errorf("machinestate: sync_sysmem declares %d regions but carries %d fds",
			desc.NumRegions, len(fds))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.unmapAllLocked()
	s.space.Reset()

	for i := 0; i < int(desc.NumRegions); i++ {
		r := desc.Regions[i]

		buf, err := syscall.Mmap(fds[i], int64(r.Offset), int(r.Size),
			syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
		if err != nil {
			s.unmapAllLocked()
			return fmt.Errorf("machinestate: mmap region %d: %w", i, err)
		}

		if err := s.space.Add(r.GPA, r.Size); err != nil {
			_ = syscall.Munmap(buf)
			s.unmapAllLocked()

			return fmt.Errorf("machinestate: region %d: %w", i, err)
		}

		s.slots = append(s.slots, &SysmemSlot{GPA: r.GPA, Size: r.Size, Offset: r.Offset, buf: buf})
	}

	return nil
}

func (s *Sysmem) unmapAllLocked() {
	for _, slot := range s.slots {
		_ = syscall.Munmap(slot.buf)
	}

	s.slots = nil
}

// Translate returns the host-mapped byte slice backing [gpa, gpa+size), or
// false if no mapped region covers the whole range.
func (s *Sysmem) Translate(gpa, size uint64) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, slot := range s.slots {
		if gpa >= slot.GPA && gpa+size <= slot.GPA+slot.Size {
			off := gpa - slot.GPA
			return slot.buf[off : off+size], true
		}
	}

	return nil, false
}

// Close unmaps every currently mapped region.
func (s *Sysmem) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.unmapAllLocked()

	return nil
}
