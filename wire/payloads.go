package wire

import "encoding/binary"

// BarAccess is the inline payload for BAR_WRITE and BAR_READ.
type BarAccess struct {
	Memory bool // true: guest-RAM address space, false: port I/O address space
	Addr   uint64
	Val    uint64
	Size   uint32 // access width in bytes: 1, 2, 4, or 8
}

const barAccessSize = 21

// PutBinary encodes a into the first barAccessSize bytes of b.
func (a BarAccess) PutBinary(b []byte) {
	_ = b[:barAccessSize]

	if a.Memory {
		b[0] = 1
	} else {
		b[0] = 0
	}

	binary.LittleEndian.PutUint64(b[1:9], a.Addr)
	binary.LittleEndian.PutUint64(b[9:17], a.Val)
	binary.LittleEndian.PutUint32(b[17:21], a.Size)
}

// ParseBarAccess decodes a BarAccess from b.
func ParseBarAccess(b []byte) BarAccess {
	return BarAccess{
		Memory: b[0] != 0,
		Addr:   binary.LittleEndian.Uint64(b[1:9]),
		Val:    binary.LittleEndian.Uint64(b[9:17]),
		Size:   binary.LittleEndian.Uint32(b[17:21]),
	}
}

// MMIOReturnData is the inline payload of an MMIO_RETURN reply to BAR_READ.
type MMIOReturnData struct {
	Val uint64
	Ok  bool
}

const mmioReturnSize = 9

func (m MMIOReturnData) PutBinary(b []byte) {
	_ = b[:mmioReturnSize]

	binary.LittleEndian.PutUint64(b[0:8], m.Val)

	if m.Ok {
		b[8] = 1
	} else {
		b[8] = 0
	}
}

func ParseMMIOReturnData(b []byte) MMIOReturnData {
	return MMIOReturnData{
		Val: binary.LittleEndian.Uint64(b[0:8]),
		Ok:  b[8] != 0,
	}
}

// IRQFDData is the inline payload for SET_IRQFD. The irqfd and (optional)
// resample fd themselves travel as ancillary data in Frame.FDs, in that
// order.
type IRQFDData struct {
	Vector uint32
	Flags  uint32
}

const irqfdSize = 8

func (d IRQFDData) PutBinary(b []byte) {
	_ = b[:irqfdSize]
	binary.LittleEndian.PutUint32(b[0:4], d.Vector)
	binary.LittleEndian.PutUint32(b[4:8], d.Flags)
}

func ParseIRQFDData(b []byte) IRQFDData {
	return IRQFDData{
		Vector: binary.LittleEndian.Uint32(b[0:4]),
		Flags:  binary.LittleEndian.Uint32(b[4:8]),
	}
}

// RunstateData is the inline payload for RUNSTATE_SET.
type RunstateData struct {
	State uint32
}

const runstateSize = 4

func (d RunstateData) PutBinary(b []byte) {
	_ = b[:runstateSize]
	binary.LittleEndian.PutUint32(b[0:4], d.State)
}

func ParseRunstateData(b []byte) RunstateData {
	return RunstateData{State: binary.LittleEndian.Uint32(b[0:4])}
}

// ConfData is the out-of-line bytestream payload for PCI_CONFIG_WRITE and
// PCI_CONFIG_READ.
type ConfData struct {
	Addr uint32
	Val  uint32
	Len  uint32
}

const confDataSize = 12

func (c ConfData) Bytes() []byte {
	b := make([]byte, confDataSize)
	binary.LittleEndian.PutUint32(b[0:4], c.Addr)
	binary.LittleEndian.PutUint32(b[4:8], c.Val)
	binary.LittleEndian.PutUint32(b[8:12], c.Len)

	return b
}

func ParseConfData(b []byte) (ConfData, error) {
	if len(b) != confDataSize {
		return ConfData{}, ErrBadPayloadSize
	}

	return ConfData{
		Addr: binary.LittleEndian.Uint32(b[0:4]),
		Val:  binary.LittleEndian.Uint32(b[4:8]),
		Len:  binary.LittleEndian.Uint32(b[8:12]),
	}, nil
}

// SysmemRegion describes one guest-RAM region backed by a memfd carried in
// the owning frame's FDs, in array order.
type SysmemRegion struct {
	GPA    uint64 // guest physical address
	Size   uint64
	Offset uint64 // offset into the backing fd
}

const sysmemRegionSize = 24

// SysmemDescriptor is the inline payload for SYNC_SYSMEM.
type SysmemDescriptor struct {
	NumRegions uint32
	Regions    [MaxSysmemRegions]SysmemRegion
}

const sysmemDescriptorSize = 4 + MaxSysmemRegions*sysmemRegionSize

func (d SysmemDescriptor) PutBinary(b []byte) {
	_ = b[:sysmemDescriptorSize]

	binary.LittleEndian.PutUint32(b[0:4], d.NumRegions)

	off := 4
	for _, r := range d.Regions {
		binary.LittleEndian.PutUint64(b[off:off+8], r.GPA)
		binary.LittleEndian.PutUint64(b[off+8:off+16], r.Size)
		binary.LittleEndian.PutUint64(b[off+16:off+24], r.Offset)
		off += sysmemRegionSize
	}
}

func ParseSysmemDescriptor(b []byte) SysmemDescriptor {
	var d SysmemDescriptor

	d.NumRegions = binary.LittleEndian.Uint32(b[0:4])

	off := 4
	for i := range d.Regions {
		d.Regions[i] = SysmemRegion{
			GPA:    binary.LittleEndian.Uint64(b[off : off+8]),
			Size:   binary.LittleEndian.Uint64(b[off+8 : off+16]),
			Offset: binary.LittleEndian.Uint64(b[off+16 : off+24]),
		}
		off += sysmemRegionSize
	}

	return d
}

// PCIInfo is the inline RET_PCI_INFO reply payload to GET_PCI_INFO.
type PCIInfo struct {
	VendorID    uint16
	DeviceID    uint16
	ClassCode   uint16
	SubsysID    uint16
	NumMSIVecs  uint32
}

const pciInfoSize = 12

func (p PCIInfo) PutBinary(b []byte) {
	_ = b[:pciInfoSize]

	binary.LittleEndian.PutUint16(b[0:2], p.VendorID)
	binary.LittleEndian.PutUint16(b[2:4], p.DeviceID)
	binary.LittleEndian.PutUint16(b[4:6], p.ClassCode)
	binary.LittleEndian.PutUint16(b[6:8], p.SubsysID)
	binary.LittleEndian.PutUint32(b[8:12], p.NumMSIVecs)
}

func ParsePCIInfo(b []byte) PCIInfo {
	return PCIInfo{
		VendorID:   binary.LittleEndian.Uint16(b[0:2]),
		DeviceID:   binary.LittleEndian.Uint16(b[2:4]),
		ClassCode:  binary.LittleEndian.Uint16(b[4:6]),
		SubsysID:   binary.LittleEndian.Uint16(b[6:8]),
		NumMSIVecs: binary.LittleEndian.Uint32(b[8:12]),
	}
}
