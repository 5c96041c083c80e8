package dispatch_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/bobuhiro11/remotedev/device"
	"github.com/bobuhiro11/remotedev/dispatch"
	"github.com/bobuhiro11/remotedev/link"
	"github.com/bobuhiro11/remotedev/machinestate"
	"github.com/bobuhiro11/remotedev/stubdevice"
	"github.com/bobuhiro11/remotedev/wire"
)

type testRig struct {
	comA, comB   *link.Channel
	mmioA, mmioB *link.Channel
	l            *link.Link
	d            *dispatch.Dispatcher
	runDone      chan error
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func newRig(t *testing.T) *testRig {
	t.Helper()

	comFDs, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	mmioFDs, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	r := &testRig{
		comA:  link.NewChannel(comFDs[0]),
		comB:  link.NewChannel(comFDs[1]),
		mmioA: link.NewChannel(mmioFDs[0]),
		mmioB: link.NewChannel(mmioFDs[1]),
	}

	reg := device.NewRegistry()
	factories := device.NewFactoryRegistry()
	factories.Register("stub", device.FactoryFunc(stubdevice.Factory))

	r.d = dispatch.New(reg, factories, machinestate.New(), nil, discardLogger())

	l, err := link.New(r.comB, r.mmioB, r.d.Handle, discardLogger())
	require.NoError(t, err)

	r.l = l
	r.runDone = make(chan error, 1)

	go func() { r.runDone <- l.Run(context.Background()) }()

	return r
}

func (r *testRig) close() {
	_ = r.comA.Close()
	_ = r.mmioA.Close()
}

func eventfdPair(t *testing.T) (fd int, w *link.WaitFD) {
	t.Helper()

	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	require.NoError(t, err)

	return fd, link.WrapWaitFD(fd)
}

func TestAddConfigureAndRemoveDevice(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	defer r.close()

	waitFD, wait := eventfdPair(t)

	opts := map[string]any{
		"driver":    "stub",
		"id":        "d0",
		"vendor-id": float64(0x1af4),
		"device-id": float64(0x1000),
	}
	body, err := json.Marshal(opts)
	require.NoError(t, err)

	frame := &wire.Frame{
		Header: wire.Header{Cmd: wire.DevOpts, ID: 7, Bytestream: true, Size: uint64(len(body)), NumFDs: 1},
		OutOfLine: body,
		FDs:       []int{waitFD},
	}

	require.NoError(t, link.Send(r.comA, frame, discardLogger()))

	v, err := wait.Wait()
	require.NoError(t, err)
	require.Equal(t, uint64(0), v) // remoteOK

	r2, w2, err := os.Pipe()
	require.NoError(t, err)
	defer r2.Close()
	defer w2.Close()

	irq := wire.IRQFDData{Vector: 1}
	irqInline := make([]byte, 8)
	irq.PutBinary(irqInline)

	irqFrame := &wire.Frame{
		Header: wire.Header{Cmd: wire.SetIRQFD, ID: 7, Size: uint64(len(irqInline)), NumFDs: 1},
		Inline: irqInline,
		FDs:    []int{int(w2.Fd())},
	}

	require.NoError(t, link.Send(r.comA, irqFrame, discardLogger()))

	// Give the dispatch loop a beat to process SET_IRQFD before DEVICE_DEL.
	time.Sleep(50 * time.Millisecond)

	delWaitFD, delWait := eventfdPair(t)

	delBody, err := json.Marshal(map[string]any{"id": "d0"})
	require.NoError(t, err)

	delFrame := &wire.Frame{
		Header:    wire.Header{Cmd: wire.DeviceDel, Bytestream: true, Size: uint64(len(delBody)), NumFDs: 1},
		OutOfLine: delBody,
		FDs:       []int{delWaitFD},
	}

	require.NoError(t, link.Send(r.comA, delFrame, discardLogger()))

	delV, err := delWait.Wait()
	require.NoError(t, err)
	require.Equal(t, uint64(1), delV)
}

func TestConfigReadReturnsVendorDeviceWord(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	defer r.close()

	waitFD, wait := eventfdPair(t)

	opts := map[string]any{"driver": "stub", "id": "d0", "vendor-id": float64(0x1af4), "device-id": float64(0x1000)}
	body, err := json.Marshal(opts)
	require.NoError(t, err)

	addFrame := &wire.Frame{
		Header:    wire.Header{Cmd: wire.DevOpts, ID: 3, Bytestream: true, Size: uint64(len(body)), NumFDs: 1},
		OutOfLine: body,
		FDs:       []int{waitFD},
	}
	require.NoError(t, link.Send(r.comA, addFrame, discardLogger()))

	_, err = wait.Wait()
	require.NoError(t, err)

	_, w2, err := os.Pipe()
	require.NoError(t, err)
	defer w2.Close()

	irq := wire.IRQFDData{Vector: 1}
	irqInline := make([]byte, 8)
	irq.PutBinary(irqInline)

	irqFrame := &wire.Frame{
		Header: wire.Header{Cmd: wire.SetIRQFD, ID: 3, Size: uint64(len(irqInline)), NumFDs: 1},
		Inline: irqInline,
		FDs:    []int{int(w2.Fd())},
	}
	require.NoError(t, link.Send(r.comA, irqFrame, discardLogger()))

	// Give the dispatch loop a beat to process SET_IRQFD before the config
	// read that depends on it marking the device created.
	time.Sleep(50 * time.Millisecond)

	confWaitFD, confWait := eventfdPair(t)

	conf := wire.ConfData{Addr: 0, Val: 0, Len: 4}

	confFrame := &wire.Frame{
		Header:    wire.Header{Cmd: wire.PCIConfigRead, ID: 3, Bytestream: true, Size: uint64(len(conf.Bytes())), NumFDs: 1},
		OutOfLine: conf.Bytes(),
		FDs:       []int{confWaitFD},
	}
	require.NoError(t, link.Send(r.comA, confFrame, discardLogger()))

	v, err := confWait.Wait()
	require.NoError(t, err)

	want := uint64(0x1af4) | uint64(0x1000)<<16
	require.Equal(t, want, v)
}

func TestBarReadRepliesOnMMIOChannel(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	defer r.close()

	waitFD, wait := eventfdPair(t)

	body, err := json.Marshal(map[string]any{"driver": "stub", "id": "d0"})
	require.NoError(t, err)

	addFrame := &wire.Frame{
		Header:    wire.Header{Cmd: wire.DevOpts, ID: 0, Bytestream: true, Size: uint64(len(body)), NumFDs: 1},
		OutOfLine: body,
		FDs:       []int{waitFD},
	}
	require.NoError(t, link.Send(r.comA, addFrame, discardLogger()))
	_, err = wait.Wait()
	require.NoError(t, err)

	_, w2, err := os.Pipe()
	require.NoError(t, err)
	defer w2.Close()

	irq := wire.IRQFDData{Vector: 1}
	irqInline := make([]byte, 8)
	irq.PutBinary(irqInline)

	irqFrame := &wire.Frame{
		Header: wire.Header{Cmd: wire.SetIRQFD, ID: 0, Size: uint64(len(irqInline)), NumFDs: 1},
		Inline: irqInline,
		FDs:    []int{int(w2.Fd())},
	}
	require.NoError(t, link.Send(r.comA, irqFrame, discardLogger()))

	// Give the dispatch loop a beat to process SET_IRQFD before the bar
	// read that depends on it marking the device created.
	time.Sleep(50 * time.Millisecond)

	access := wire.BarAccess{Memory: true, Addr: 0x1000, Size: 1}
	accessBuf := make([]byte, 21)
	access.PutBinary(accessBuf)

	readFrame := &wire.Frame{
		Header: wire.Header{Cmd: wire.BarRead, ID: 0, Size: uint64(len(accessBuf))},
		Inline: accessBuf,
	}
	require.NoError(t, link.Send(r.comA, readFrame, discardLogger()))

	reply, err := link.Recv(r.mmioA)
	require.NoError(t, err)
	require.Equal(t, wire.MMIOReturn, reply.Cmd)

	mret := wire.ParseMMIOReturnData(reply.Inline)
	require.True(t, mret.Ok)
	require.Equal(t, uint64(0), mret.Val&^0xff)
}

func TestConfigReadShortCircuitsBeforeDeviceCreated(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	defer r.close()

	waitFD, wait := eventfdPair(t)

	opts := map[string]any{"driver": "stub", "id": "d0", "vendor-id": float64(0x1af4), "device-id": float64(0x1000)}
	body, err := json.Marshal(opts)
	require.NoError(t, err)

	addFrame := &wire.Frame{
		Header:    wire.Header{Cmd: wire.DevOpts, ID: 4, Bytestream: true, Size: uint64(len(body)), NumFDs: 1},
		OutOfLine: body,
		FDs:       []int{waitFD},
	}
	require.NoError(t, link.Send(r.comA, addFrame, discardLogger()))

	_, err = wait.Wait()
	require.NoError(t, err)

	// No SET_IRQFD: the device is registered but not yet created, so the
	// config read must short-circuit with the failure sentinel instead of
	// returning the vendor/device word.
	confWaitFD, confWait := eventfdPair(t)

	conf := wire.ConfData{Addr: 0, Val: 0, Len: 4}

	confFrame := &wire.Frame{
		Header:    wire.Header{Cmd: wire.PCIConfigRead, ID: 4, Bytestream: true, Size: uint64(len(conf.Bytes())), NumFDs: 1},
		OutOfLine: conf.Bytes(),
		FDs:       []int{confWaitFD},
	}
	require.NoError(t, link.Send(r.comA, confFrame, discardLogger()))

	v, err := confWait.Wait()
	require.NoError(t, err)
	require.Equal(t, uint64(math.MaxUint32), v)

	// The link itself must survive: it's a device error, not fatal.
	pingWaitFD, pingWait := eventfdPair(t)
	pingFrame := &wire.Frame{
		Header: wire.Header{Cmd: wire.RemotePing, NumFDs: 1},
		FDs:    []int{pingWaitFD},
	}
	require.NoError(t, link.Send(r.comA, pingFrame, discardLogger()))

	_, err = pingWait.Wait()
	require.NoError(t, err)
}

func TestDeviceResetOnUnknownIDIsNonFatal(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	defer r.close()

	resetWaitFD, resetWait := eventfdPair(t)

	resetFrame := &wire.Frame{
		Header: wire.Header{Cmd: wire.DeviceReset, ID: 99, NumFDs: 1},
		FDs:    []int{resetWaitFD},
	}
	require.NoError(t, link.Send(r.comA, resetFrame, discardLogger()))

	_, err := resetWait.Wait()
	require.NoError(t, err)

	// The link must survive a DEVICE_RESET for an id with no registered
	// device: it's a device error, not a fatal one.
	pingWaitFD, pingWait := eventfdPair(t)
	pingFrame := &wire.Frame{
		Header: wire.Header{Cmd: wire.RemotePing, NumFDs: 1},
		FDs:    []int{pingWaitFD},
	}
	require.NoError(t, link.Send(r.comA, pingFrame, discardLogger()))

	_, err = pingWait.Wait()
	require.NoError(t, err)
}

func TestUnknownCommandTearsDownLink(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	defer r.close()

	raw := make([]byte, wire.HeaderSize)
	hdr := wire.Header{Cmd: 0xdead}
	hdr.PutBinary(raw)

	_, err := unix.Write(r.comA.Fd(), raw)
	require.NoError(t, err)

	select {
	case err := <-r.runDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("link did not tear down on unknown command")
	}
}

func TestRemotePingNotifiesOwnPID(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	defer r.close()

	waitFD, wait := eventfdPair(t)

	pingFrame := &wire.Frame{
		Header: wire.Header{Cmd: wire.RemotePing, NumFDs: 1},
		FDs:    []int{waitFD},
	}
	require.NoError(t, link.Send(r.comA, pingFrame, discardLogger()))

	v, err := wait.Wait()
	require.NoError(t, err)
	require.Equal(t, uint64(os.Getpid()), v)
}
