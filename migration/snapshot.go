// Package migration implements the savevm/loadvm stream the remote process
// hands START_MIG_OUT/START_MIG_IN's io-fd to. The wire contract only
// defines the call site; this package supplies a concrete framed encoding
// of a DeviceRegistry's state, grounded on gokvm's migration.Sender/
// Receiver framing adapted to carry per-device snapshots instead of
// gokvm's own vCPU/VM hardware state.
package migration

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/bobuhiro11/remotedev/device"
)

// DeviceSnapshot is one device's captured state, tagged with its registry
// id and its logical name. Restore matches snapshots to devices by id only;
// the name is carried for error messages and is not used for lookup.
type DeviceSnapshot struct {
	ID     uint32
	Name   string
	Header device.Header
	State  []byte
}

// Snapshot is the entire migration payload: every device in the source
// registry that implements device.Snapshotter, in ascending id order.
type Snapshot struct {
	Devices []DeviceSnapshot
}

// Capture walks reg and gathers a DeviceSnapshot for every occupied slot
// that implements device.Snapshotter, skipping the rest. Captures run
// concurrently across devices via an errgroup.Group so a slow device does not
// stall the others.
func Capture(reg *device.Registry) (*Snapshot, error) {
	type target struct {
		id   uint32
		name string
		snap device.Snapshotter
		hdr  device.Header
	}

	var targets []target

	reg.ForEach(func(id uint32, name string, d device.Device) {
		if s, ok := d.(device.Snapshotter); ok {
			targets = append(targets, target{id: id, name: name, snap: s, hdr: d.Header()})
		}
	})

	out := make([]DeviceSnapshot, len(targets))

	var g errgroup.Group

	for i, tg := range targets {
		i, tg := i, tg

		g.Go(func() error {
			state, err := tg.snap.SnapshotState()
			if err != nil {
				return fmt.Errorf("migration: capture device id=%d name=%q: %w", tg.id, tg.name, err)
			}

			out[i] = DeviceSnapshot{ID: tg.id, Name: tg.name, Header: tg.hdr, State: state}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &Snapshot{Devices: out}, nil
}

// Restore installs every device snapshot whose id still resolves to a
// live, Snapshotter-implementing device in reg. A device that has since
// been removed, or replaced by one that does not implement Snapshotter, is
// skipped rather than failing the whole restore.
func Restore(reg *device.Registry, snap *Snapshot) error {
	for _, ds := range snap.Devices {
		d, ok := reg.Get(ds.ID)
		if !ok {
			continue
		}

		s, ok := d.(device.Snapshotter)
		if !ok {
			continue
		}

		if err := s.RestoreState(ds.State); err != nil {
			return fmt.Errorf("migration: restore device id=%d name=%q: %w", ds.ID, ds.Name, err)
		}
	}

	return nil
}
