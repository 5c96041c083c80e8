package wire_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bobuhiro11/remotedev/wire"
)

func TestHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []wire.Header{
		{Cmd: wire.Init, Bytestream: false, Size: 0, ID: 0, SizeID: 0, NumFDs: 0},
		{Cmd: wire.BarRead, Bytestream: false, Size: 21, ID: 255, SizeID: 0, NumFDs: 0},
		{Cmd: wire.DevOpts, Bytestream: true, Size: 128, ID: 7, SizeID: 99, NumFDs: 1},
		{Cmd: wire.SyncSysmem, Bytestream: false, Size: 196, ID: 0, SizeID: 0, NumFDs: 8},
	}

	for _, h := range cases {
		b := make([]byte, wire.HeaderSize)
		h.PutBinary(b)

		got, err := wire.ParseHeader(b)
		require.NoError(t, err)
		require.Equal(t, h, got)
	}
}

func TestParseHeaderShort(t *testing.T) {
	t.Parallel()

	_, err := wire.ParseHeader(make([]byte, wire.HeaderSize-1))
	require.Error(t, err)
}

func TestBarAccessRoundTrip(t *testing.T) {
	t.Parallel()

	for _, a := range []wire.BarAccess{
		{Memory: true, Addr: 0x1000, Val: 0, Size: 1},
		{Memory: false, Addr: 0xcfc, Val: 0xdeadbeef, Size: 4},
	} {
		b := make([]byte, 21)
		a.PutBinary(b)
		require.Equal(t, a, wire.ParseBarAccess(b))
	}
}

func TestConfDataRoundTrip(t *testing.T) {
	t.Parallel()

	c := wire.ConfData{Addr: 0, Val: 0, Len: 4}

	got, err := wire.ParseConfData(c.Bytes())
	require.NoError(t, err)
	require.Equal(t, c, got)
}

func TestConfDataBadSize(t *testing.T) {
	t.Parallel()

	_, err := wire.ParseConfData([]byte{1, 2, 3})
	require.ErrorIs(t, err, wire.ErrBadPayloadSize)
}

func TestSysmemDescriptorRoundTrip(t *testing.T) {
	t.Parallel()

	var d wire.SysmemDescriptor

	d.NumRegions = 2
	d.Regions[0] = wire.SysmemRegion{GPA: 0, Size: 1 << 30, Offset: 0}
	d.Regions[1] = wire.SysmemRegion{GPA: 1 << 30, Size: 1 << 20, Offset: 4096}

	b := make([]byte, 4+wire.MaxSysmemRegions*24)
	d.PutBinary(b)

	require.Equal(t, d, wire.ParseSysmemDescriptor(b))
}

func TestValidateUnknownCmd(t *testing.T) {
	t.Parallel()

	f := &wire.Frame{Header: wire.Header{Cmd: wire.Cmd(0xdead)}}
	require.ErrorIs(t, wire.Validate(f), wire.ErrUnknownCmd)
}

func TestValidateDeviceIDRange(t *testing.T) {
	t.Parallel()

	f := &wire.Frame{Header: wire.Header{Cmd: wire.Init, ID: wire.MaxDevices}}
	require.ErrorIs(t, wire.Validate(f), wire.ErrDeviceIDRange)
}

func TestValidateTooManyFDs(t *testing.T) {
	t.Parallel()

	fds := make([]int, wire.MaxFDs+1)
	f := &wire.Frame{Header: wire.Header{Cmd: wire.RemotePing}, FDs: fds}
	require.ErrorIs(t, wire.Validate(f), wire.ErrTooManyFDs)
}

func TestValidateBytestreamMismatch(t *testing.T) {
	t.Parallel()

	f := &wire.Frame{Header: wire.Header{Cmd: wire.DevOpts, Bytestream: false}}
	require.ErrorIs(t, wire.Validate(f), wire.ErrBytestreamMismatch)
}

func TestValidateBarReadInlineSize(t *testing.T) {
	t.Parallel()

	f := &wire.Frame{
		Header: wire.Header{Cmd: wire.BarRead, Bytestream: false},
		Inline: make([]byte, 3),
	}
	require.ErrorIs(t, wire.Validate(f), wire.ErrBadPayloadSize)

	ba := wire.BarAccess{Memory: true, Addr: 0x1000, Size: 4}
	inline := make([]byte, 21)
	ba.PutBinary(inline)

	f.Inline = inline
	require.NoError(t, wire.Validate(f))
}

func TestValidateConfigReadBytestreamSize(t *testing.T) {
	t.Parallel()

	c := wire.ConfData{Addr: 0, Len: 4}
	body := c.Bytes()

	f := &wire.Frame{
		Header: wire.Header{
			Cmd:        wire.PCIConfigRead,
			Bytestream: true,
			Size:       uint64(len(body)),
		},
		OutOfLine: body,
	}
	require.NoError(t, wire.Validate(f))

	f.Size = uint64(len(body)) + 1
	require.ErrorIs(t, wire.Validate(f), wire.ErrBadPayloadSize)
}
