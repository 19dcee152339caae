package vpci

import (
	"fmt"

	"github.com/tinyrange/vpci/internal/devices/pci"
	"github.com/tinyrange/vpci/internal/hv"
)

const (
	guestCommandMask   = pci.CommandMemory | pci.CommandBusMaster | commandINTxDisable
	commandINTxDisable = 1 << 10

	headerTypeMultiFunction = 0x80 << (8 * (pci.RegHeaderType - pci.RegCacheLineSize))
	barAddrMask             = ^uint64(0xf)
)

// guestBAR is a BAR as seen by a guest: the hardware BAR placed at a guest
// address inside one of the emulated windows.
type guestBAR struct {
	hw     pci.BAR
	addr   uint64
	hi     bool // upper half of a 64-bit BAR
	sizing bool
}

func (b *guestBAR) flags() uint32 {
	var f uint32
	if b.hw.Is64 {
		f |= 0x4
	}
	if b.hw.Prefetchable {
		f |= 0x8
	}
	return f
}

func (b *guestBAR) read(uint32) uint32 {
	if b.hi {
		if b.sizing {
			return uint32(^(b.hw.Size - 1) >> 32)
		}
		return uint32(b.addr >> 32)
	}
	if b.sizing {
		return uint32(^(b.hw.Size-1)&barAddrMask) | b.flags()
	}
	return uint32(b.addr&barAddrMask) | b.flags()
}

// write only supports sizing: the guest's BARs are fixed by the host and
// relocation attempts are ignored.
func (b *guestBAR) write(_ uint32, v uint32) {
	b.sizing = v == 0xffff_ffff || (!b.hi && v|0xf == 0xffff_ffff)
}

// guestHeader is the emulated type 0 header of a passed-through device.
type guestHeader struct {
	bars    [pci.BARCount]guestBAR
	command uint16
	intLine uint8
}

// setupGuestHeader places the device's BARs in the guest's windows and
// registers the emulated header. Callers hold the domain write lock and the
// device lock.
func (m *Manager) setupGuestHeader(d *Domain, dev *Device) error {
	hdr := &guestHeader{}

	for i := 0; i < pci.BARCount; i++ {
		hw := dev.bars[i]
		if hw.Size == 0 || hw.IO {
			continue
		}
		alloc := d.mem
		if hw.Prefetchable && hw.Is64 {
			alloc = d.prefetch
		}
		size := hv.AlignUp(hw.Size, 0x1000)
		addr, err := alloc.Allocate(size, size)
		if err != nil {
			return fmt.Errorf("place BAR%d: %w", i, err)
		}
		hdr.bars[i] = guestBAR{hw: hw, addr: addr}
		if hw.Is64 && i+1 < pci.BARCount {
			hdr.bars[i+1] = guestBAR{hw: hw, addr: addr, hi: true}
			i++
		}
	}

	sbdf := dev.SBDF
	hwRead := func(reg uint32, size int) uint32 {
		v, err := m.cfg.ReadConfig(sbdf, reg, size)
		if err != nil {
			return 0xffff_ffff
		}
		return v
	}

	var capPtr uint32
	if dev.msix != nil {
		capPtr = dev.msix.CapOffset
	}

	hwRead32 := func(reg uint32) uint32 { return hwRead(reg, 4) }
	readCommand := func(uint32) uint32 { return uint32(hdr.command) }
	writeCommand := func(reg, v uint32) {
		hdr.command = uint16(v & guestCommandMask)
		cur := hwRead(reg, 2)
		_ = m.cfg.WriteConfig(sbdf, reg, 2, cur&^guestCommandMask|v&guestCommandMask)
	}
	readStatus := func(reg uint32) uint32 {
		v := hwRead(reg, 2) &^ pci.StatusCapabilityBit
		if capPtr != 0 {
			v |= pci.StatusCapabilityBit
		}
		return v
	}
	readHeaderType := func(reg uint32) uint32 { return hwRead(reg, 4) &^ headerTypeMultiFunction }
	readIntLine := func(uint32) uint32 { return uint32(hdr.intLine) }
	writeIntLine := func(_, v uint32) { hdr.intLine = uint8(v) }

	readIDs := hwRead32
	if vf := dev.vf; vf != nil {
		readIDs = ReadValue(vf.ids)
	}

	regs := []Register{
		{Offset: pci.RegVendorID, Size: 4, Read: readIDs},
		{Offset: pci.RegCommand, Size: 2, Read: readCommand, Write: writeCommand},
		{Offset: pci.RegStatus, Size: 2, Read: readStatus},
		{Offset: pci.RegClassRevision, Size: 4, Read: hwRead32},
		{Offset: pci.RegCacheLineSize, Size: 4, Read: readHeaderType},
		{Offset: 0x28, Size: 4, Read: ReadValue(0)},
		{Offset: pci.RegSubsystem, Size: 4, Read: hwRead32},
		{Offset: 0x30, Size: 4, Read: ReadValue(0)},
		{Offset: pci.RegCapabilityList, Size: 1, Read: ReadValue(capPtr)},
		{Offset: 0x35, Size: 1, Read: ReadValue(0)},
		{Offset: 0x36, Size: 2, Read: ReadValue(0)},
		{Offset: 0x38, Size: 4, Read: ReadValue(0)},
		{Offset: pci.RegInterruptLine, Size: 1, Read: readIntLine, Write: writeIntLine},
		{Offset: pci.RegInterruptLine + 1, Size: 1, Read: ReadValue(0)},
		{Offset: pci.RegInterruptLine + 2, Size: 2, Read: ReadValue(0)},
	}

	for i := range hdr.bars {
		b := &hdr.bars[i]
		r := Register{Offset: pci.BARRegister(i), Size: 4, Read: ReadValue(0)}
		if b.hw.Size != 0 {
			r.Read = b.read
			r.Write = b.write
		}
		regs = append(regs, r)
	}

	if x := dev.msix; x != nil {
		regs = append(regs,
			Register{Offset: x.CapOffset, Size: 2, Read: ReadValue(uint32(pci.CapIDMSIX))},
			Register{Offset: x.CapOffset + pci.MSIXTableReg, Size: 4, Read: ReadValue(uint32(x.TableReg))},
			Register{Offset: x.CapOffset + pci.MSIXPBAReg, Size: 4, Read: ReadValue(uint32(x.PBAReg))},
		)
	}

	for _, r := range regs {
		if err := dev.regs.add(r); err != nil {
			return err
		}
	}
	dev.header = hdr
	return nil
}

// barAddr returns where the guest sees BAR index.
func (hdr *guestHeader) barAddr(index int) uint64 {
	return hdr.bars[index].addr
}
