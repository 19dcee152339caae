package pci

// Type 0 configuration header registers.
const (
	RegVendorID       = 0x00
	RegDeviceID       = 0x02
	RegCommand        = 0x04
	RegStatus         = 0x06
	RegClassRevision  = 0x08
	RegCacheLineSize  = 0x0c
	RegHeaderType     = 0x0e
	RegBAR0           = 0x10
	RegSubsystem      = 0x2c
	RegCapabilityList = 0x34
	RegInterruptLine  = 0x3c

	ConfigSpaceSize         = 0x100
	ExtendedConfigSpaceSize = 0x1000
)

const (
	CommandMemory       = 1 << 1
	CommandBusMaster    = 1 << 2
	StatusCapabilityBit = 1 << 4
)

const (
	CapIDPCIe uint8 = 0x10
	CapIDMSIX uint8 = 0x11
)

const (
	BARCount  = 6
	BARStride = 4

	barSpaceIO     = 0x1
	barMemType64   = 0x4
	barPrefetch    = 0x8
	barMemAttrMask = 0xf
	barIOAttrMask  = 0x3
)

// BARRegister returns the config offset of BAR index.
func BARRegister(index int) uint32 {
	return RegBAR0 + uint32(index)*BARStride
}

// MSI-X capability layout, relative to the capability offset.
const (
	MSIXControlReg = 2
	MSIXTableReg   = 4
	MSIXPBAReg     = 8
)

// MSI-X table entry layout.
const (
	MSIXEntrySize          = 16
	MSIXEntryAddrLow       = 0x0
	MSIXEntryAddrHigh      = 0x4
	MSIXEntryData          = 0x8
	MSIXEntryVectorControl = 0xc

	MSIXVectorMasked = 1 << 0
)

// MSIXControl is the 16-bit MSI-X message control register.
//
//	[10:0] table size minus one
//	[13:11] reserved
//	[14] function mask
//	[15] MSI-X enable
type MSIXControl uint16

const (
	MSIXControlTableSize MSIXControl = 0x07ff
	MSIXControlMaskAll   MSIXControl = 1 << 14
	MSIXControlEnable    MSIXControl = 1 << 15
)

// NewMSIXControl encodes the architecturally visible control value.
func NewMSIXControl(maxEntries int, enabled, masked bool) MSIXControl {
	c := MSIXControl(maxEntries-1) & MSIXControlTableSize
	if enabled {
		c |= MSIXControlEnable
	}
	if masked {
		c |= MSIXControlMaskAll
	}
	return c
}

// TableSize returns the number of table entries declared by the register.
func (c MSIXControl) TableSize() int {
	return int(c&MSIXControlTableSize) + 1
}

func (c MSIXControl) Enabled() bool { return c&MSIXControlEnable != 0 }
func (c MSIXControl) Masked() bool  { return c&MSIXControlMaskAll != 0 }

// BIR is an MSI-X table or PBA offset register: the low 3 bits select a BAR
// and the remaining bits are a byte offset into it.
type BIR uint32

const birMask = 0x7

func NewBIR(bar int, offset uint32) BIR {
	return BIR(offset&^birMask | uint32(bar)&birMask)
}

// BAR returns the BAR index the offset is relative to.
func (b BIR) BAR() int { return int(b & birMask) }

// Offset returns the byte offset into the BAR.
func (b BIR) Offset() uint32 { return uint32(b) &^ birMask }

// MSIXTableSize returns the byte size of a table with n entries.
func MSIXTableSize(n int) uint64 {
	return uint64(n) * MSIXEntrySize
}

// MSIXPBASize returns the byte size of the pending bit array for n entries,
// rounded to whole 64-bit words.
func MSIXPBASize(n int) uint64 {
	return uint64((n+63)/64) * 8
}
