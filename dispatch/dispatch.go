// Package dispatch implements the single-threaded command dispatcher: it
// validates every received frame, demultiplexes on the command tag, routes
// device-scoped commands to the device registry, and invokes the handler
// table in handlers.go.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/bobuhiro11/remotedev/device"
	"github.com/bobuhiro11/remotedev/link"
	"github.com/bobuhiro11/remotedev/machinestate"
	"github.com/bobuhiro11/remotedev/wire"
)

// Migrator supplies the savevm/loadvm stream encoding START_MIG_OUT and
// START_MIG_IN hand off to; the wire contract defines only the call site,
// not the stream format.
type Migrator interface {
	SaveTo(w io.Writer) (int64, error)
	LoadFrom(r io.Reader) error
}

// commandsNeedingNoDevice is the set of commands the dispatcher invokes
// without first resolving devices[id].
var commandsNeedingNoDevice = map[wire.Cmd]bool{
	wire.Init:        true,
	wire.DevOpts:     true,
	wire.SyncSysmem:  true,
	wire.RemotePing:  true,
	wire.StartMigIn:  true,
	wire.StartMigOut: true,
	wire.DeviceReset: true,
	wire.DeviceAdd:   true,
	wire.DeviceDel:   true,
}

// Dispatcher holds everything a handler needs: the device registry, the
// factory registry used to construct new devices, the mutex-guarded
// machine state, and an optional migration stream encoder.
type Dispatcher struct {
	Registry  *device.Registry
	Factories *device.FactoryRegistry
	Machine   *machinestate.MachineState
	Migrator  Migrator

	Log *slog.Logger

	pid int
}

// New constructs a Dispatcher over the given collaborators. Migrator may be
// nil; START_MIG_OUT/IN then fail as a device error rather than panicking.
func New(reg *device.Registry, factories *device.FactoryRegistry, machine *machinestate.MachineState, migrator Migrator, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		Registry:  reg,
		Factories: factories,
		Machine:   machine,
		Migrator:  migrator,
		Log:       log,
		pid:       os.Getpid(),
	}
}

// handlerResult records whether a handler's error (if any) is fatal to the
// link, per the taxonomy in the error-handling design: transport/protocol/
// resource errors are fatal, device errors are reported and logged only.
type handlerResult struct {
	fatal bool
	err   error
}

func ok() handlerResult                 { return handlerResult{} }
func deviceErr(err error) handlerResult { return handlerResult{err: err} }
func fatalErr(err error) handlerResult  { return handlerResult{fatal: true, err: err} }

// Handle implements link.DispatchFunc: it is invoked once per readiness
// event on either the control or MMIO channel.
func (d *Dispatcher) Handle(ctx context.Context, l *link.Link, ch *link.Channel, ev link.Events) link.Verdict {
	if ev&(link.EventHangup|link.EventError) != 0 {
		d.Log.Info("channel closed", "hangup", ev&link.EventHangup != 0, "error", ev&link.EventError != 0)
		return link.Remove
	}

	if ev&link.EventReadable == 0 {
		return link.Continue
	}

	f, err := link.Recv(ch)
	if err != nil {
		if errors.Is(err, link.ErrHangup) {
			d.Log.Info("channel hung up on recv")
		} else {
			d.Log.Error("transport error receiving frame", "error", err)
		}

		return link.Remove
	}

	if err := wire.Validate(f); err != nil {
		d.Log.Error("protocol violation, tearing down link", "error", err)
		closeFrameFDs(f)

		return link.Remove
	}

	res := d.dispatch(ctx, l, ch, f)

	if res.err != nil {
		if res.fatal {
			d.Log.Error("fatal handler error, tearing down link", "cmd", f.Cmd, "error", res.err)
		} else {
			d.Log.Warn("device error, reported to proxy", "cmd", f.Cmd, "error", res.err)
		}
	}

	if res.fatal {
		return link.Remove
	}

	return link.Continue
}

func (d *Dispatcher) dispatch(ctx context.Context, l *link.Link, ch *link.Channel, f *wire.Frame) handlerResult {
	var dev device.Device

	if commandsNeedingNoDevice[f.Cmd] {
		dev = nil
	} else {
		found, ok := d.Registry.FindByID(uint32(f.ID))
		if !ok {
			closeFrameFDs(f)
			return fatalErr(fmt.Errorf("dispatch: no device at id=%d for cmd=%s", f.ID, f.Cmd))
		}

		dev = found
	}

	switch f.Cmd {
	case wire.Init:
		return d.handleInit(f)
	case wire.GetPCIInfo:
		return d.handleGetPCIInfo(ch, f, dev)
	case wire.PCIConfigWrite:
		return d.handlePCIConfigWrite(f, dev)
	case wire.PCIConfigRead:
		return d.handlePCIConfigRead(f, dev)
	case wire.BarWrite:
		return d.handleBarWrite(f, dev)
	case wire.BarRead:
		return d.handleBarRead(l, f, dev)
	case wire.SyncSysmem:
		return d.handleSyncSysmem(f)
	case wire.SetIRQFD:
		return d.handleSetIRQFD(f, uint32(f.ID), dev)
	case wire.DevOpts:
		return d.handleDevOpts(f)
	case wire.DeviceAdd:
		return d.handleDeviceAdd(f)
	case wire.DeviceDel:
		return d.handleDeviceDel(f)
	case wire.DeviceReset:
		return d.handleDeviceReset(f, uint32(f.ID))
	case wire.RemotePing:
		return d.handleRemotePing(f)
	case wire.StartMigOut:
		return d.handleStartMigOut(f)
	case wire.StartMigIn:
		return d.handleStartMigIn(f)
	case wire.RunstateSet:
		return d.handleRunstateSet(f)
	default:
		closeFrameFDs(f)
		return fatalErr(fmt.Errorf("dispatch: %w: %s", wire.ErrUnknownCmd, f.Cmd))
	}
}

func closeFrameFDs(f *wire.Frame) {
	for _, fd := range f.FDs {
		_ = closeFD(fd)
	}
}
