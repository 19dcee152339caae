package vpci

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/vpci/internal/devices/pci"
)

// MSIXState is the position of an MSI-X block in the enable/mask state
// machine.
type MSIXState int

const (
	MSIXOff MSIXState = iota
	MSIXArmedMasked
	MSIXActive
)

func (s MSIXState) String() string {
	switch s {
	case MSIXOff:
		return "off"
	case MSIXArmedMasked:
		return "armed_masked"
	case MSIXActive:
		return "active"
	default:
		return fmt.Sprintf("MSIXState(%d)", int(s))
	}
}

// ErrInvalidBIR is returned when a device places its MSI-X table or PBA in
// a reserved or unimplemented BAR.
var ErrInvalidBIR = errors.New("MSI-X structure in an unimplemented BAR")

// Route is the message address and data last written by the guest.
type Route struct {
	Addr uint64
	Data uint32
}

// MSIXEntry is the emulated state of one table entry.
type MSIXEntry struct {
	Index  int
	Masked bool
	// Dirty means the hardware binding may not match Route and must be
	// reprogrammed before the entry is next activated.
	Dirty bool
	Route Route
}

// MSIX is the emulated MSI-X capability of a device. It is only accessed
// with the device lock held.
type MSIX struct {
	Enabled    bool
	Masked     bool
	MaxEntries int
	CapOffset  uint32
	TableReg   pci.BIR
	PBAReg     pci.BIR
	Entries    []MSIXEntry
}

func newMSIX(capOff uint32, ctrl pci.MSIXControl, table, pba pci.BIR) *MSIX {
	n := ctrl.TableSize()
	x := &MSIX{
		MaxEntries: n,
		CapOffset:  capOff,
		TableReg:   table,
		PBAReg:     pba,
		Entries:    make([]MSIXEntry, n),
	}
	for i := range x.Entries {
		x.Entries[i] = MSIXEntry{Index: i, Masked: true}
	}
	return x
}

// State returns the block's position in the enable/mask state machine.
func (x *MSIX) State() MSIXState {
	switch {
	case !x.Enabled:
		return MSIXOff
	case x.Masked:
		return MSIXArmedMasked
	default:
		return MSIXActive
	}
}

// Control returns the architecturally visible control register value.
func (x *MSIX) Control() pci.MSIXControl {
	return pci.NewMSIXControl(x.MaxEntries, x.Enabled, x.Masked)
}

// ControlReg returns the config offset of the control register.
func (x *MSIX) ControlReg() uint32 { return x.CapOffset + pci.MSIXControlReg }

// TableSize returns the byte size of the table.
func (x *MSIX) TableSize() uint64 { return pci.MSIXTableSize(x.MaxEntries) }

// PBASize returns the byte size of the pending bit array.
func (x *MSIX) PBASize() uint64 { return pci.MSIXPBASize(x.MaxEntries) }

// reset prepares a reused block for a new owner. Every entry is masked and
// dirty: its previous binding was torn down with the old owner.
func (x *MSIX) reset() {
	x.Enabled = false
	x.Masked = false
	for i := range x.Entries {
		x.Entries[i] = MSIXEntry{Index: i, Masked: true, Dirty: true}
	}
}

// entryProgrammer binds entries of one device through the router.
type entryProgrammer struct {
	router    InterruptRouter
	dev       pci.SBDF
	tableAddr uint64
	log       *slog.Logger
	metrics   *Metrics
}

// update rebinds e: disable, ignoring entries that were never bound, then
// enable. Dirty is cleared only when both steps succeed.
func (p entryProgrammer) update(e *MSIXEntry) {
	if err := p.router.DisableEntry(p.dev, e); err != nil && !errors.Is(err, ErrNotConfigured) {
		p.metrics.routerErrors.WithLabelValues("disable").Inc()
		p.log.Warn("unable to disable MSI-X entry for update", "device", p.dev.String(), "entry", e.Index, "err", err)
		return
	}
	if err := p.router.EnableEntry(p.dev, e, p.tableAddr); err != nil {
		p.metrics.routerErrors.WithLabelValues("enable").Inc()
		p.log.Warn("unable to enable MSI-X entry", "device", p.dev.String(), "entry", e.Index, "err", err)
		return
	}
	e.Dirty = false
}

// transition runs the control register state machine for a write of
// (enabled, masked). It returns false when nothing was committed: either
// the bits did not change or disabling an entry failed.
//
// A failed disable leaves the entries already disabled in that state while
// Enabled and Masked keep their previous values.
func (x *MSIX) transition(p entryProgrammer, enabled, masked bool) bool {
	if enabled == x.Enabled && masked == x.Masked {
		return false
	}

	switch {
	case enabled && !masked && (!x.Enabled || x.Masked):
		for i := range x.Entries {
			e := &x.Entries[i]
			if !e.Masked && e.Dirty {
				p.update(e)
			}
		}
	case !enabled && x.Enabled:
		for i := range x.Entries {
			e := &x.Entries[i]
			err := p.router.DisableEntry(p.dev, e)
			switch {
			case err == nil:
				e.Dirty = true
			case errors.Is(err, ErrNotConfigured):
			default:
				p.metrics.routerErrors.WithLabelValues("disable").Inc()
				p.metrics.abortedTransitions.Inc()
				p.log.Warn("unable to disable MSI-X entry, control write not committed",
					"device", p.dev.String(),
					"entry", e.Index,
					"state", x.State().String(),
					"err", err,
				)
				return false
			}
		}
	}

	x.Enabled = enabled
	x.Masked = masked
	p.metrics.transitions.WithLabelValues(x.State().String()).Inc()
	return true
}

// probeMSIX discovers the MSI-X capability of a device the first time it is
// seen. Devices without MSI-X are left alone. Callers hold the device lock.
func (m *Manager) probeMSIX(dev *Device) error {
	if dev.msix != nil {
		return nil
	}
	capOff, err := pci.FindCapability(m.cfg, dev.SBDF, pci.CapIDMSIX)
	if errors.Is(err, pci.ErrNoCapability) {
		return nil
	}
	if err != nil {
		return err
	}

	ctrl, err := m.cfg.ReadConfig(dev.SBDF, capOff+pci.MSIXControlReg, 2)
	if err != nil {
		return fmt.Errorf("read MSI-X control: %w", err)
	}
	table, err := m.cfg.ReadConfig(dev.SBDF, capOff+pci.MSIXTableReg, 4)
	if err != nil {
		return fmt.Errorf("read MSI-X table offset: %w", err)
	}
	pba, err := m.cfg.ReadConfig(dev.SBDF, capOff+pci.MSIXPBAReg, 4)
	if err != nil {
		return fmt.Errorf("read MSI-X PBA offset: %w", err)
	}

	for _, bir := range []struct {
		name string
		reg  pci.BIR
	}{{"table", pci.BIR(table)}, {"PBA", pci.BIR(pba)}} {
		if !implementedBAR(dev.bars, bir.reg.BAR()) {
			return fmt.Errorf("MSI-X %s in BAR%d: %w", bir.name, bir.reg.BAR(), ErrInvalidBIR)
		}
	}

	dev.msix = newMSIX(capOff, pci.MSIXControl(ctrl), pci.BIR(table), pci.BIR(pba))
	return nil
}

// implementedBAR reports whether index names a memory BAR the device
// decodes. The upper half of a 64-bit BAR has no size of its own.
func implementedBAR(bars [pci.BARCount]pci.BAR, index int) bool {
	if index < 0 || index >= pci.BARCount {
		return false
	}
	b := bars[index]
	return b.Size != 0 && !b.IO
}

// installMSIX installs the control register handler, resetting a block
// that served a previous owner. Callers hold the device lock.
func (m *Manager) installMSIX(dev *Device, reused bool) error {
	if dev.msix == nil {
		return nil
	}
	if err := dev.regs.add(dev.msixControlRegister(dev.msix)); err != nil {
		return err
	}
	if reused {
		dev.msix.reset()
	}
	return nil
}

func (dev *Device) msixControlRegister(x *MSIX) Register {
	read := func(uint32) uint32 { return uint32(x.Control()) }
	write := func(reg, value uint32) { dev.writeMSIXControl(x, reg, value) }
	return Register{Offset: x.ControlReg(), Size: 2, Read: read, Write: write}
}

// writeMSIXControl applies a guest write to the control register and, when
// the state changed, writes the resulting value to the device.
func (dev *Device) writeMSIXControl(x *MSIX, reg, value uint32) {
	ctrl := pci.MSIXControl(value)
	if !x.transition(dev.programmer(x), ctrl.Enabled(), ctrl.Masked()) {
		return
	}

	v := uint16(x.Control())
	if dev.m.intercept != nil {
		var ok bool
		v, ok = dev.m.intercept(dev.SBDF, reg, v)
		if !ok {
			return
		}
	}
	if err := dev.m.cfg.WriteConfig(dev.SBDF, reg, 2, uint32(v)); err != nil {
		dev.logger().Warn("unable to write MSI-X control", "err", err)
	}
}

func (dev *Device) programmer(x *MSIX) entryProgrammer {
	return entryProgrammer{
		router:    dev.m.router,
		dev:       dev.SBDF,
		tableAddr: dev.physTableAddr(x),
		log:       dev.m.log,
		metrics:   dev.m.metrics,
	}
}

// physTableAddr returns the host physical address of the MSI-X table.
func (dev *Device) physTableAddr(x *MSIX) uint64 {
	return dev.bars[x.TableReg.BAR()].Addr + uint64(x.TableReg.Offset())
}

func (dev *Device) physPBAAddr(x *MSIX) uint64 {
	return dev.bars[x.PBAReg.BAR()].Addr + uint64(x.PBAReg.Offset())
}
