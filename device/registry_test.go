package device_test

import (
	"sync"
	"testing"
	"time"

	"github.com/bobuhiro11/remotedev/device"
	"github.com/bobuhiro11/remotedev/stubdevice"
)

func TestRegistryAddGetRemove(t *testing.T) {
	t.Parallel()

	r := device.NewRegistry()
	d := stubdevice.New(stubdevice.Options{VendorID: 0x1af4, DeviceID: 0x1000})

	if err := r.Add(3, d); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, ok := r.Get(3)
	if !ok || got != d {
		t.Fatalf("Get(3) = %v, %v; want %v, true", got, ok, d)
	}

	if _, ok := r.Get(4); ok {
		t.Fatalf("Get(4) on empty slot reported ok")
	}

	removed, ok := r.Remove(3)
	if !ok || removed != d {
		t.Fatalf("Remove(3) = %v, %v; want %v, true", removed, ok, d)
	}

	if _, ok := r.Get(3); ok {
		t.Fatalf("Get(3) after Remove reported ok")
	}
}

func TestRegistryGetUsesNonOffByOneBound(t *testing.T) {
	t.Parallel()

	r := device.NewRegistry()
	d := stubdevice.New(stubdevice.Options{})

	if err := r.Add(0, d); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if got := r.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}

	// id == len(slots) must be treated as out of range, not as the slot
	// one past the last valid index.
	if _, ok := r.Get(1); ok {
		t.Fatalf("Get(1) with Len()==1 reported ok")
	}
}

func TestRegistryAddGrowsSparsely(t *testing.T) {
	t.Parallel()

	r := device.NewRegistry()
	d := stubdevice.New(stubdevice.Options{})

	if err := r.Add(5, d); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if got := r.Len(); got != 6 {
		t.Fatalf("Len() = %d, want 6", got)
	}

	for id := uint32(0); id < 5; id++ {
		if _, ok := r.Get(id); ok {
			t.Fatalf("Get(%d) reported ok on unoccupied intermediate slot", id)
		}
	}
}

func TestRegistryAddRejectsOccupiedSlot(t *testing.T) {
	t.Parallel()

	r := device.NewRegistry()

	if err := r.Add(0, stubdevice.New(stubdevice.Options{})); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := r.Add(0, stubdevice.New(stubdevice.Options{})); err == nil {
		t.Fatalf("second Add to occupied slot succeeded")
	}
}

func TestRegistryMarkCreated(t *testing.T) {
	t.Parallel()

	r := device.NewRegistry()

	if err := r.Add(0, stubdevice.New(stubdevice.Options{})); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if r.Created(0) {
		t.Fatalf("Created(0) true before MarkCreated")
	}

	r.MarkCreated(0)

	if !r.Created(0) {
		t.Fatalf("Created(0) false after MarkCreated")
	}
}

func TestRegistryMachineCreationLatchFanOut(t *testing.T) {
	t.Parallel()

	r := device.NewRegistry()

	var wg sync.WaitGroup

	waiters := 4
	wg.Add(waiters)

	for i := 0; i < waiters; i++ {
		go func() {
			defer wg.Done()
			r.WaitMachineCreated()
		}()
	}

	done := make(chan struct{})

	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("waiters returned before latch flipped")
	case <-time.After(20 * time.Millisecond):
	}

	r.LatchMachineCreated()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("waiters did not wake after latch flipped")
	}

	if !r.MachineCreated() {
		t.Fatalf("MachineCreated() false after latch flipped")
	}

	// Idempotent: a second flip must not panic or re-close channels.
	r.LatchMachineCreated()
}
