package dispatch

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"

	"golang.org/x/sys/unix"

	"github.com/bobuhiro11/remotedev/device"
	"github.com/bobuhiro11/remotedev/link"
	"github.com/bobuhiro11/remotedev/wire"
)

// remoteOK and remoteFail are the notify values the DEV_OPTS handler uses
// to report device-creation outcome to the proxy; the older DEVICE_ADD
// path instead always notifies 1, matching the original source's
// unconditional notify_proxy(wait, 1) (see DESIGN.md).
const (
	remoteOK   = 0
	remoteFail = 1
)

func closeFD(fd int) error {
	return unix.Close(fd)
}

func notifyAndClose(fd int, v uint64) error {
	w := link.WrapWaitFD(fd)
	err := w.Notify(v)
	_ = w.Close()

	return err
}

func (d *Dispatcher) handleInit(f *wire.Frame) handlerResult {
	closeFrameFDs(f)
	return ok()
}

func (d *Dispatcher) handleGetPCIInfo(ch *link.Channel, f *wire.Frame, dev device.Device) handlerResult {
	closeFrameFDs(f)

	hdr := dev.Header()
	info := wire.PCIInfo{
		VendorID:   hdr.VendorID,
		DeviceID:   hdr.DeviceID,
		ClassCode:  uint16(hdr.ClassCode[0]) | uint16(hdr.ClassCode[1])<<8,
		SubsysID:   hdr.SubsysID,
		NumMSIVecs: hdr.NumMSIVecs,
	}

	buf := make([]byte, 12)
	info.PutBinary(buf)

	reply := &wire.Frame{
		Header: wire.Header{Cmd: wire.RetPCIInfo, ID: f.ID, Size: uint64(len(buf))},
		Inline: buf,
	}

	if err := link.Send(ch, reply, d.Log); err != nil {
		return fatalErr(fmt.Errorf("get_pci_info reply: %w", err))
	}

	return ok()
}

func (d *Dispatcher) handlePCIConfigWrite(f *wire.Frame, dev device.Device) handlerResult {
	if !d.Registry.Created(uint32(f.ID)) {
		return deviceErr(fmt.Errorf("pci_config_write: device id=%d not yet created", f.ID))
	}

	conf, err := wire.ParseConfData(f.OutOfLine)
	if err != nil {
		return fatalErr(fmt.Errorf("pci_config_write: %w", err))
	}

	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, conf.Val)

	if err := d.Machine.ConfigWrite(dev, conf.Addr, buf[:conf.Len]); err != nil {
		return deviceErr(fmt.Errorf("pci_config_write: %w", err))
	}

	return ok()
}

func (d *Dispatcher) handlePCIConfigRead(f *wire.Frame, dev device.Device) handlerResult {
	conf, err := wire.ParseConfData(f.OutOfLine)
	if err != nil {
		closeFrameFDs(f)
		return fatalErr(fmt.Errorf("pci_config_read: %w", err))
	}

	if len(f.FDs) < 1 {
		return fatalErr(fmt.Errorf("pci_config_read: missing wait fd"))
	}

	wait := f.FDs[0]

	if !d.Registry.Created(uint32(f.ID)) {
		if err := notifyAndClose(wait, math.MaxUint32); err != nil {
			return fatalErr(fmt.Errorf("pci_config_read: notify: %w", err))
		}

		return deviceErr(fmt.Errorf("pci_config_read: device id=%d not yet created", f.ID))
	}

	buf := make([]byte, 4)

	readErr := d.Machine.ConfigRead(dev, conf.Addr, buf[:conf.Len])

	var val uint32
	if readErr == nil {
		switch conf.Len {
		case 1:
			val = uint32(buf[0])
		case 2:
			val = uint32(binary.LittleEndian.Uint16(buf))
		default:
			val = binary.LittleEndian.Uint32(buf)
		}
	} else {
		val = math.MaxUint32
	}

	if err := notifyAndClose(wait, uint64(val)); err != nil {
		return fatalErr(fmt.Errorf("pci_config_read: notify: %w", err))
	}

	if readErr != nil {
		return deviceErr(fmt.Errorf("pci_config_read: %w", readErr))
	}

	return ok()
}

func (d *Dispatcher) handleBarWrite(f *wire.Frame, dev device.Device) handlerResult {
	if !d.Registry.Created(uint32(f.ID)) {
		return deviceErr(fmt.Errorf("bar_write: device id=%d not yet created", f.ID))
	}

	access := wire.ParseBarAccess(f.Inline)

	if err := d.Machine.BarWrite(dev, 0, access.Memory, access.Addr, int(access.Size), access.Val); err != nil {
		return deviceErr(fmt.Errorf("bar_write: %w", err))
	}

	return ok()
}

func (d *Dispatcher) handleBarRead(l *link.Link, f *wire.Frame, dev device.Device) handlerResult {
	access := wire.ParseBarAccess(f.Inline)

	var (
		val uint64
		err error
	)

	if !d.Registry.Created(uint32(f.ID)) {
		err = fmt.Errorf("bar_read: device id=%d not yet created", f.ID)
	} else {
		val, err = d.Machine.BarRead(dev, 0, access.Memory, access.Addr, int(access.Size))
	}

	reply := wire.MMIOReturnData{Ok: err == nil}
	if err == nil {
		reply.Val = maskToWidth(val, int(access.Size))
	} else {
		reply.Val = math.MaxUint64
	}

	buf := make([]byte, 9)
	reply.PutBinary(buf)

	frame := &wire.Frame{
		Header: wire.Header{Cmd: wire.MMIOReturn, ID: f.ID, Size: uint64(len(buf))},
		Inline: buf,
	}

	if sendErr := link.Send(l.Mmio, frame, d.Log); sendErr != nil {
		return fatalErr(fmt.Errorf("bar_read reply: %w", sendErr))
	}

	if err != nil {
		return deviceErr(err)
	}

	return ok()
}

func maskToWidth(v uint64, size int) uint64 {
	if size >= 8 {
		return v
	}

	return v & ((uint64(1) << (8 * size)) - 1)
}

// handleSyncSysmem replaces the guest-RAM region table with the regions the
// frame describes. It does not quiesce in-flight DMA: nothing here stops a
// device from accessing a region while it is being remapped.
func (d *Dispatcher) handleSyncSysmem(f *wire.Frame) handlerResult {
	desc := wire.ParseSysmemDescriptor(f.Inline)

	err := d.Machine.SysmemReconfigure(desc, f.FDs)

	for _, fd := range f.FDs {
		_ = closeFD(fd)
	}

	if err != nil {
		return fatalErr(fmt.Errorf("sync_sysmem: %w", err))
	}

	return ok()
}

func (d *Dispatcher) handleSetIRQFD(f *wire.Frame, id uint32, dev device.Device) handlerResult {
	irq := wire.ParseIRQFDData(f.Inline)

	if len(f.FDs) < 1 {
		return fatalErr(fmt.Errorf("set_irqfd: missing irqfd"))
	}

	resamplefd := -1
	if len(f.FDs) >= 2 {
		resamplefd = f.FDs[1]
	}

	if err := dev.SetIRQFD(irq.Vector, f.FDs[0], resamplefd); err != nil {
		return deviceErr(fmt.Errorf("set_irqfd: %w", err))
	}

	d.Registry.MarkCreated(id)
	d.Registry.LatchMachineCreated()

	return ok()
}

func decodeOptions(raw []byte) (driver, idStr string, opts map[string]any, err error) {
	if err := json.Unmarshal(raw, &opts); err != nil {
		return "", "", nil, fmt.Errorf("decode options json: %w", err)
	}

	if v, ok := opts["driver"].(string); ok {
		driver = v
	}

	if v, ok := opts["id"].(string); ok {
		idStr = v
	}

	return driver, idStr, opts, nil
}

func (d *Dispatcher) handleDevOpts(f *wire.Frame) handlerResult {
	if len(f.FDs) < 1 {
		return fatalErr(fmt.Errorf("dev_opts: missing wait fd"))
	}

	wait := f.FDs[len(f.FDs)-1]

	driver, idStr, opts, decodeErr := decodeOptions(f.OutOfLine)

	var createErr error

	if decodeErr == nil {
		newDev, err := d.Factories.Create(driver, opts)
		if err != nil {
			createErr = err
		} else if err := d.Registry.AddNamed(uint32(f.ID), idStr, newDev); err != nil {
			createErr = err
		}
	} else {
		createErr = decodeErr
	}

	notifyVal := uint64(remoteOK)
	if createErr != nil {
		notifyVal = remoteFail
	}

	if err := notifyAndClose(wait, notifyVal); err != nil {
		return fatalErr(fmt.Errorf("dev_opts: notify: %w", err))
	}

	if createErr != nil {
		return deviceErr(fmt.Errorf("dev_opts: %w", createErr))
	}

	return ok()
}

func (d *Dispatcher) handleDeviceAdd(f *wire.Frame) handlerResult {
	if len(f.FDs) < 1 {
		return fatalErr(fmt.Errorf("device_add: missing wait fd"))
	}

	wait := f.FDs[len(f.FDs)-1]

	driver, idStr, opts, decodeErr := decodeOptions(f.OutOfLine)

	var createErr error

	if decodeErr == nil {
		newDev, err := d.Factories.Create(driver, opts)
		if err != nil {
			createErr = err
		} else if err := d.Registry.AddNamed(uint32(f.ID), idStr, newDev); err != nil {
			createErr = err
		}
	} else {
		createErr = decodeErr
	}

	// Unconditional notify(wait, 1), matching the original source's
	// process_device_add_msg: the error is logged but never surfaced in
	// the notify value.
	if err := notifyAndClose(wait, 1); err != nil {
		return fatalErr(fmt.Errorf("device_add: notify: %w", err))
	}

	if createErr != nil {
		return deviceErr(fmt.Errorf("device_add: %w", createErr))
	}

	return ok()
}

type deviceDelPayload struct {
	ID string `json:"id"`
}

func (d *Dispatcher) handleDeviceDel(f *wire.Frame) handlerResult {
	if len(f.FDs) < 1 {
		return fatalErr(fmt.Errorf("device_del: missing wait fd"))
	}

	wait := f.FDs[len(f.FDs)-1]

	var payload deviceDelPayload

	delErr := json.Unmarshal(f.OutOfLine, &payload)

	if delErr == nil {
		if id, dev, found := d.Registry.FindByName(payload.ID); found {
			if err := dev.Close(); err != nil {
				delErr = err
			}

			d.Registry.Remove(id)
		} else {
			delErr = fmt.Errorf("device_del: no device named %q", payload.ID)
		}
	}

	if err := notifyAndClose(wait, 1); err != nil {
		return fatalErr(fmt.Errorf("device_del: notify: %w", err))
	}

	if delErr != nil {
		return deviceErr(delErr)
	}

	return ok()
}

func (d *Dispatcher) handleDeviceReset(f *wire.Frame, id uint32) handlerResult {
	dev, found := d.Registry.FindByID(id)

	var err error

	if !found {
		err = fmt.Errorf("device_reset: no device at id=%d", id)
	} else {
		err = d.Machine.Reset(dev)
	}

	if len(f.FDs) >= 1 {
		if notifyErr := notifyAndClose(f.FDs[0], 0); notifyErr != nil {
			return fatalErr(fmt.Errorf("device_reset: notify: %w", notifyErr))
		}
	}

	if err != nil {
		return deviceErr(err)
	}

	return ok()
}

func (d *Dispatcher) handleRemotePing(f *wire.Frame) handlerResult {
	if len(f.FDs) < 1 {
		return fatalErr(fmt.Errorf("remote_ping: missing wait fd"))
	}

	if err := notifyAndClose(f.FDs[0], uint64(d.pid)); err != nil {
		return fatalErr(fmt.Errorf("remote_ping: notify: %w", err))
	}

	return ok()
}

func (d *Dispatcher) handleStartMigOut(f *wire.Frame) handlerResult {
	if len(f.FDs) < 2 {
		closeFrameFDs(f)
		return fatalErr(fmt.Errorf("start_mig_out: expected 2 fds, got %d", len(f.FDs)))
	}

	ioFD, wait := f.FDs[0], f.FDs[1]
	ioFile := os.NewFile(uintptr(ioFD), "mig-out")

	defer ioFile.Close()

	if d.Migrator == nil {
		_ = notifyAndClose(wait, math.MaxUint64)
		return deviceErr(fmt.Errorf("start_mig_out: no migrator configured"))
	}

	n, err := d.Migrator.SaveTo(ioFile)
	if err != nil {
		_ = notifyAndClose(wait, math.MaxUint64)
		return deviceErr(fmt.Errorf("start_mig_out: %w", err))
	}

	if notifyErr := notifyAndClose(wait, uint64(n)); notifyErr != nil {
		return fatalErr(fmt.Errorf("start_mig_out: notify: %w", notifyErr))
	}

	return ok()
}

func (d *Dispatcher) handleStartMigIn(f *wire.Frame) handlerResult {
	if len(f.FDs) < 1 {
		return fatalErr(fmt.Errorf("start_mig_in: missing io fd"))
	}

	ioFile := os.NewFile(uintptr(f.FDs[0]), "mig-in")
	defer ioFile.Close()

	if d.Migrator == nil {
		return deviceErr(fmt.Errorf("start_mig_in: no migrator configured"))
	}

	if err := d.Migrator.LoadFrom(ioFile); err != nil {
		return deviceErr(fmt.Errorf("start_mig_in: %w", err))
	}

	return ok()
}

func (d *Dispatcher) handleRunstateSet(f *wire.Frame) handlerResult {
	_ = wire.ParseRunstateData(f.Inline)

	if len(f.FDs) < 1 {
		return fatalErr(fmt.Errorf("runstate_set: missing wait fd"))
	}

	if err := notifyAndClose(f.FDs[0], 0); err != nil {
		return fatalErr(fmt.Errorf("runstate_set: notify: %w", err))
	}

	return ok()
}
