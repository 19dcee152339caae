package vpci

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/vpci/internal/devices/pci"
)

// Device is the vPCI state of one physical function. It outlives
// assignments: the MSI-X block and the hardware BARs discovered while the
// hardware domain owned the device are reused when it moves to a guest.
type Device struct {
	SBDF pci.SBDF

	m *Manager

	mu       sync.Mutex
	owner    *Domain
	guest    pci.SBDF // virtual SBDF while assigned to a guest
	hasGuest bool
	regs     registerSet
	probed   bool
	bars     [pci.BARCount]pci.BAR
	header   *guestHeader
	msix     *MSIX
	vf       *virtualFunction

	// MSI-X table and PBA addresses in the owner's address space.
	tableView uint64
	pbaView   uint64
	trapBase  uint64
	trapped   bool
	mappings  []uint64 // guest bases of BAR mappings
}

// Owner returns the domain the device is currently assigned to.
func (dev *Device) Owner() *Domain {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.owner
}

// GuestSBDF returns the virtual SBDF seen by a guest owner.
func (dev *Device) GuestSBDF() (pci.SBDF, bool) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.guest, dev.hasGuest
}

// MSIX returns the device's MSI-X block, or nil when it has none.
func (dev *Device) MSIX() *MSIX {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.msix
}

// BARs returns the hardware BARs discovered at attach.
func (dev *Device) BARs() [pci.BARCount]pci.BAR {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.bars
}

// AddRegister installs an emulated register.
func (dev *Device) AddRegister(r Register) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if err := dev.regs.add(r); err != nil {
		return fmt.Errorf("vpci: %s: %w", dev.SBDF, err)
	}
	return nil
}

// RemoveRegister removes the register at offset with the given size.
func (dev *Device) RemoveRegister(offset, size uint32) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if err := dev.regs.remove(offset, size); err != nil {
		return fmt.Errorf("vpci: %s: %w", dev.SBDF, err)
	}
	return nil
}

func (dev *Device) logger() *slog.Logger {
	return dev.m.log.With("device", dev.SBDF.String())
}

// read and write run with the device lock held.
func (dev *Device) read(d *Domain, reg, size uint32) uint32 {
	return dev.regs.read(dev.hw(d), reg, size)
}

func (dev *Device) write(d *Domain, reg, size, value uint32) {
	dev.regs.write(dev.hw(d), reg, size, value)
}

func (dev *Device) hw(d *Domain) hardware {
	return hwAccess{
		cfg:     dev.m.cfg,
		sbdf:    dev.SBDF,
		allowed: d.IsHardware(),
		log:     dev.m.log,
	}
}

// hwAccess reaches real configuration space. Only the hardware domain may
// touch registers that are not emulated: other domains read all ones and
// their writes are dropped.
type hwAccess struct {
	cfg     pci.ConfigAccessor
	sbdf    pci.SBDF
	allowed bool
	log     *slog.Logger
}

func (h hwAccess) read(reg, size uint32) uint32 {
	if !h.allowed {
		return 0xffff_ffff
	}
	switch size {
	case 3:
		if reg&1 != 0 {
			return h.read1(reg, 1) | h.read1(reg+1, 2)<<8
		}
		return h.read1(reg, 2) | h.read1(reg+2, 1)<<16
	default:
		return h.read1(reg, size)
	}
}

func (h hwAccess) read1(reg, size uint32) uint32 {
	v, err := h.cfg.ReadConfig(h.sbdf, reg, int(size))
	if err != nil {
		h.log.Debug("config read failed", "sbdf", h.sbdf.String(), "reg", reg, "err", err)
		return 0xffff_ffff >> (32 - 8*size)
	}
	return v
}

func (h hwAccess) write(reg, size, value uint32) {
	if !h.allowed {
		return
	}
	switch size {
	case 3:
		if reg&1 != 0 {
			h.write1(reg, 1, value)
			h.write1(reg+1, 2, value>>8)
			return
		}
		h.write1(reg, 2, value)
		h.write1(reg+2, 1, value>>16)
	default:
		h.write1(reg, size, value)
	}
}

func (h hwAccess) write1(reg, size, value uint32) {
	mask := uint32(0xffff_ffff) >> (32 - 8*size)
	if err := h.cfg.WriteConfig(h.sbdf, reg, int(size), value&mask); err != nil {
		h.log.Debug("config write failed", "sbdf", h.sbdf.String(), "reg", reg, "err", err)
	}
}

var (
	_ hardware = hwAccess{}
)
