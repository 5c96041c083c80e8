package machinestate

import "errors"

var errAddressOverlap = errors.New("machinestate: address range overlaps an existing region")

// AddressSpace tracks a flat list of disjoint [Start, Start+Size) ranges
// within one guest address space (memory or port I/O). It exists to
// validate that SYNC_SYSMEM's regions never overlap before they are
// mapped, standing in for the host memory-region infrastructure the wire
// contract leaves out of scope.
type AddressSpace struct {
	Name    string
	regions []addressRange
}

type addressRange struct {
	start uint64
	size  uint64
}

// NewAddressSpace returns an empty named address space.
func NewAddressSpace(name string) *AddressSpace {
	return &AddressSpace{Name: name}
}

// Add registers [start, start+size) as occupied. It fails if the range
// overlaps any previously added range.
func (a *AddressSpace) Add(start, size uint64) error {
	r := addressRange{start: start, size: size}

	for _, existing := range a.regions {
		if overlaps(existing, r) {
			return errAddressOverlap
		}
	}

	a.regions = append(a.regions, r)

	return nil
}

// Reset clears every registered range.
func (a *AddressSpace) Reset() {
	a.regions = nil
}

// Contains reports whether [addr, addr+size) falls entirely within some
// single registered range.
func (a *AddressSpace) Contains(addr, size uint64) bool {
	for _, r := range a.regions {
		if addr >= r.start && addr+size <= r.start+r.size {
			return true
		}
	}

	return false
}

func overlaps(a, b addressRange) bool {
	return a.start < b.start+b.size && b.start < a.start+a.size
}
