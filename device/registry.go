package device

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrDeviceIDRange names an id outside the current backing slice, using the
// corrected `id >= len` bound rather than the `id > len` off-by-one some
// sources show. No Registry method returns it: Get, Remove and Created
// report an out-of-range id through their bool result instead.
var ErrDeviceIDRange = errors.New("device: id out of range")

// ErrSlotEmpty names an id that is in range but unoccupied. No Registry
// method returns it: Get and Remove report an empty slot through their bool
// result instead.
var ErrSlotEmpty = errors.New("device: slot empty")

// ErrSlotOccupied is returned by Add when id already holds a device.
var ErrSlotOccupied = errors.New("device: slot occupied")

type slot struct {
	dev     Device
	name    string
	created bool
}

// Registry is the sparse array of emulated devices, indexed by the
// proxy-assigned integer id. It grows on demand and never shrinks; deleted
// slots are cleared in place rather than compacted, so surviving ids never
// move.
type Registry struct {
	mu    sync.Mutex
	slots []slot

	creationLatch    atomic.Bool
	creationNotifyMu sync.Mutex
	creationWaiters  []chan struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add installs d at id, growing the backing slice if necessary. It fails if
// id already holds a device.
func (r *Registry) Add(id uint32, d Device) error {
	return r.AddNamed(id, "", d)
}

// AddNamed installs d at id under the given logical name, the same name a
// later DEVICE_DEL looks up by. An empty name is permitted but makes the
// device unreachable via FindByName.
func (r *Registry) AddNamed(id uint32, name string, d Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.growTo(id)

	if r.slots[id].dev != nil {
		return fmt.Errorf("%w: id=%d", ErrSlotOccupied, id)
	}

	r.slots[id] = slot{dev: d, name: name}

	return nil
}

// growTo ensures the backing slice has at least id+1 entries. Caller holds
// mu.
func (r *Registry) growTo(id uint32) {
	if int(id) < len(r.slots) {
		return
	}

	grown := make([]slot, id+1)
	copy(grown, r.slots)
	r.slots = grown
}

// Get returns the device at id. The corrected bound is `id >= len(slots)`,
// not `id > len(slots)`: at id == len(slots) there is no slot at all, and
// the off-by-one form would read one element past the end.
func (r *Registry) Get(id uint32) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if int(id) >= len(r.slots) {
		return nil, false
	}

	s := r.slots[id]

	return s.dev, s.dev != nil
}

// Remove clears id's slot and returns the device that occupied it, if any.
// The slot remains allocated (and reusable by a later Add) but empty.
func (r *Registry) Remove(id uint32) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if int(id) >= len(r.slots) {
		return nil, false
	}

	s := r.slots[id]
	r.slots[id] = slot{}

	return s.dev, s.dev != nil
}

// FindByID looks up a device by its slot id for handlers that key off the
// integer form (the authoritative interpretation per the wire contract).
func (r *Registry) FindByID(id uint32) (Device, bool) {
	return r.Get(id)
}

// FindByName looks up a device by the logical name it was added under, for
// DEVICE_DEL's name-keyed JSON payload.
func (r *Registry) FindByName(name string) (id uint32, d Device, ok bool) {
	if name == "" {
		return 0, nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i, s := range r.slots {
		if s.dev != nil && s.name == name {
			return uint32(i), s.dev, true
		}
	}

	return 0, nil, false
}

// MarkCreated flags id as having completed device creation. It is a no-op
// if id is out of range or empty.
func (r *Registry) MarkCreated(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if int(id) >= len(r.slots) || r.slots[id].dev == nil {
		return
	}

	r.slots[id].created = true
}

// Created reports whether id has completed device creation.
func (r *Registry) Created(id uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if int(id) >= len(r.slots) {
		return false
	}

	return r.slots[id].created
}

// ForEach calls fn once per occupied slot, in ascending id order. fn must
// not call back into the registry; ForEach holds the registry lock for its
// duration.
func (r *Registry) ForEach(fn func(id uint32, name string, d Device)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, s := range r.slots {
		if s.dev != nil {
			fn(uint32(i), s.name, s.dev)
		}
	}
}

// Len returns the current size of the backing slice, not the number of
// occupied slots.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.slots)
}

// MachineCreated reports whether the one-shot machine-creation latch has
// flipped.
func (r *Registry) MachineCreated() bool {
	return r.creationLatch.Load()
}

// LatchMachineCreated flips the machine-creation latch on the first
// successful SET_IRQFD and wakes anyone blocked in WaitMachineCreated.
// Subsequent calls are no-ops.
func (r *Registry) LatchMachineCreated() {
	if !r.creationLatch.CompareAndSwap(false, true) {
		return
	}

	r.creationNotifyMu.Lock()
	waiters := r.creationWaiters
	r.creationWaiters = nil
	r.creationNotifyMu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
}

// WaitMachineCreated blocks until the machine-creation latch flips, or
// returns immediately if it already has.
func (r *Registry) WaitMachineCreated() {
	if r.creationLatch.Load() {
		return
	}

	ch := make(chan struct{})

	r.creationNotifyMu.Lock()

	if r.creationLatch.Load() {
		r.creationNotifyMu.Unlock()
		return
	}

	r.creationWaiters = append(r.creationWaiters, ch)
	r.creationNotifyMu.Unlock()

	<-ch
}
