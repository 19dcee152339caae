package vpci

import (
	"errors"
	"fmt"

	"github.com/tinyrange/vpci/internal/devices/pci"
	"github.com/tinyrange/vpci/internal/hv"
)

var (
	ErrAssigned   = errors.New("device is assigned to another domain")
	ErrNoGuestBus = errors.New("domain has no virtual PCI bus")
)

const pageSize = 0x1000

// AddDevice attaches a physical function to the hardware domain that owns
// its host bridge. The domain keeps hardware addresses: BARs stay reachable
// through the bridge resource mappings and only the MSI-X table is trapped.
func (m *Manager) AddDevice(d *Domain, sbdf pci.SBDF) error {
	if !d.HasVPCI() {
		return fmt.Errorf("vpci: add %s to %s: %w", sbdf, d.ID, ErrNoVPCI)
	}
	b, ok := m.registry.Find(sbdf.Segment, sbdf.Bus)
	if !ok {
		return fmt.Errorf("vpci: add %s to %s: %w", sbdf, d.ID, pci.ErrNoBridge)
	}
	if b.Owner != d.ID {
		return fmt.Errorf("vpci: add %s to %s: %w", sbdf, d.ID, ErrNotOwner)
	}

	d.pciLock.Lock()
	defer d.pciLock.Unlock()

	if d.findDevice(sbdf) != nil {
		return nil
	}

	dev := m.device(sbdf)
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.owner != nil {
		return fmt.Errorf("vpci: add %s to %s: %w (%s)", sbdf, d.ID, ErrAssigned, dev.owner.ID)
	}

	if err := m.attach(d, dev); err != nil {
		m.release(d, dev)
		return fmt.Errorf("vpci: add %s to %s: %w", sbdf, d.ID, err)
	}

	m.log.Info("vpci device added", "domain", d.ID.String(), "device", sbdf.String(), "msix", dev.msix != nil)
	return nil
}

func (m *Manager) attach(d *Domain, dev *Device) error {
	reused := dev.probed
	if err := m.probe(dev); err != nil {
		return err
	}
	if err := m.installMSIX(dev, reused); err != nil {
		return err
	}
	if err := m.installVirtualFunction(dev); err != nil {
		return err
	}
	dev.owner = d
	d.addDevice(dev)

	if x := dev.msix; x != nil {
		dev.tableView = dev.physTableAddr(x)
		dev.pbaView = dev.physPBAAddr(x)
		if err := m.trapTable(d, dev, dev.tableView, x.TableSize()-1); err != nil {
			return err
		}
	}
	return nil
}

// AssignDevice passes a physical function through to a guest. The device is
// taken from its current owner, given the first free slot on the guest's
// bus 0 and an emulated header, and its BARs are mapped into the guest's
// windows.
func (m *Manager) AssignDevice(d *Domain, sbdf pci.SBDF) error {
	if !d.HasVPCI() {
		return fmt.Errorf("vpci: assign %s to %s: %w", sbdf, d.ID, ErrNoVPCI)
	}
	if d.mem == nil {
		return fmt.Errorf("vpci: assign %s to %s: %w", sbdf, d.ID, ErrNoGuestBus)
	}
	if sbdf.Function != 0 {
		vf, err := m.isVirtualFunction(sbdf)
		if err != nil {
			return fmt.Errorf("vpci: assign %s to %s: %w", sbdf, d.ID, err)
		}
		if !vf {
			return fmt.Errorf("vpci: assign %s to %s: %w", sbdf, d.ID, ErrMultiFunction)
		}
	}

	dev := m.device(sbdf)
	if prev := dev.Owner(); prev == d {
		return nil
	} else if prev != nil {
		if err := m.DeassignDevice(prev, sbdf); err != nil {
			return fmt.Errorf("vpci: assign %s to %s: %w", sbdf, d.ID, err)
		}
	}

	d.pciLock.Lock()
	defer d.pciLock.Unlock()

	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.owner != nil {
		return fmt.Errorf("vpci: assign %s to %s: %w (%s)", sbdf, d.ID, ErrAssigned, dev.owner.ID)
	}

	if err := m.attachGuest(d, dev); err != nil {
		m.release(d, dev)
		return fmt.Errorf("vpci: assign %s to %s: %w", sbdf, d.ID, err)
	}

	m.log.Info("vpci device assigned",
		"domain", d.ID.String(),
		"device", sbdf.String(),
		"vsbdf", dev.guest.String(),
	)
	return nil
}

func (m *Manager) attachGuest(d *Domain, dev *Device) error {
	reused := dev.probed
	if err := m.probe(dev); err != nil {
		return err
	}

	v, err := d.allocSlot()
	if err != nil {
		return err
	}
	dev.owner = d
	dev.guest = v
	dev.hasGuest = true
	d.virt[v] = dev
	d.addDevice(dev)

	if err := m.setupGuestHeader(d, dev); err != nil {
		return err
	}
	if err := m.installMSIX(dev, reused); err != nil {
		return err
	}

	var hole [2]uint64
	tableBAR := -1
	if x := dev.msix; x != nil {
		hdr := dev.header
		dev.tableView = hdr.barAddr(x.TableReg.BAR()) + uint64(x.TableReg.Offset())
		dev.pbaView = hdr.barAddr(x.PBAReg.BAR()) + uint64(x.PBAReg.Offset())
		tableBAR = x.TableReg.BAR()
		hole[0] = dev.tableView &^ (pageSize - 1)
		hole[1] = hv.AlignUp(dev.tableView+x.TableSize(), pageSize)

		// A PBA sharing the hole is neither mapped nor covered by the table
		// trap, so the trap grows to span both.
		start, end := dev.tableView, dev.tableView+x.TableSize()-1
		pbaEnd := dev.pbaView + x.PBASize()
		if dev.pbaView < hole[1] && pbaEnd > hole[0] {
			start = min(start, dev.pbaView)
			end = max(end, pbaEnd)
		}
		if err := m.trapTable(d, dev, start, end-start); err != nil {
			return err
		}
	}

	for i := range dev.header.bars {
		b := &dev.header.bars[i]
		if b.hw.Size == 0 || b.hi {
			continue
		}
		size := hv.AlignUp(b.hw.Size, pageSize)
		if !d.Memory.IsGranted(b.addr) || !d.Memory.IsGranted(b.addr+size-1) {
			return fmt.Errorf("BAR%d at %#x is outside the guest windows", i, b.addr)
		}
		if i == tableBAR {
			err = m.mapBAR(d, dev, i, b.addr, b.hw.Addr, size, hole[0], hole[1])
		} else {
			err = m.mapBAR(d, dev, i, b.addr, b.hw.Addr, size, 0, 0)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// probe reads the device's BARs and capabilities once. A virtual function
// takes its BARs from its physical function.
func (m *Manager) probe(dev *Device) error {
	if dev.probed {
		return nil
	}
	vf, err := m.lookupVirtualFunction(dev)
	if err != nil {
		return err
	}
	if vf != nil {
		dev.vf = vf
		dev.bars = vf.bars
	} else {
		bars, err := pci.ReadBARs(m.cfg, dev.SBDF)
		if err != nil {
			return err
		}
		dev.bars = bars
		if err := m.readPhysFn(dev); err != nil {
			return err
		}
	}
	if err := m.probeMSIX(dev); err != nil {
		return err
	}
	dev.probed = true
	return nil
}

// trapTable registers the MSI-X trap of dev at [base, base+size).
//
// For the table alone the trap covers one byte less than the table.
// Dispatch matches the start address of an access, so the final dword of
// the last entry is still trapped.
func (m *Manager) trapTable(d *Domain, dev *Device, base, size uint64) error {
	h := &msixHandler{d: d, dev: dev}
	if err := d.Handlers.Register("msix-"+dev.SBDF.String(), base, size, h); err != nil {
		return err
	}
	dev.trapBase = base
	dev.trapped = true
	m.metrics.handlers.WithLabelValues(d.ID.String()).Set(float64(d.Handlers.Len()))
	return nil
}

// mapBAR maps [guest, guest+size) onto host, leaving out [holeStart,
// holeEnd) so the MSI-X table trap is not shadowed.
func (m *Manager) mapBAR(d *Domain, dev *Device, index int, guest, host, size, holeStart, holeEnd uint64) error {
	end := guest + size
	if holeEnd <= guest || holeStart >= end {
		holeStart, holeEnd = end, end
	}

	name := fmt.Sprintf("%s-bar%d", dev.SBDF, index)
	if holeStart > guest {
		if err := d.Memory.Map(name, guest, host, holeStart-guest); err != nil {
			return err
		}
		dev.mappings = append(dev.mappings, guest)
	}
	if holeEnd < end {
		off := holeEnd - guest
		if err := d.Memory.Map(name+"-hi", holeEnd, host+off, end-holeEnd); err != nil {
			return err
		}
		dev.mappings = append(dev.mappings, holeEnd)
	}
	return nil
}

// DeassignDevice detaches a device from d. Bound MSI-X entries are
// disabled at the interrupt router and marked dirty; entries that were never
// bound are skipped.
func (m *Manager) DeassignDevice(d *Domain, sbdf pci.SBDF) error {
	d.pciLock.Lock()
	defer d.pciLock.Unlock()

	dev := d.findDevice(sbdf)
	if dev == nil {
		return fmt.Errorf("vpci: deassign %s from %s: %w", sbdf, d.ID, ErrNoDevice)
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()

	if x := dev.msix; x != nil {
		for i := range x.Entries {
			e := &x.Entries[i]
			err := m.router.DisableEntry(sbdf, e)
			switch {
			case err == nil:
				e.Dirty = true
			case errors.Is(err, ErrNotConfigured):
			default:
				m.metrics.routerErrors.WithLabelValues("disable").Inc()
				m.log.Warn("unable to disable MSI-X entry on deassign", "device", sbdf.String(), "entry", e.Index, "err", err)
			}
		}
	}

	m.release(d, dev)
	m.log.Info("vpci device deassigned", "domain", d.ID.String(), "device", sbdf.String())
	return nil
}

// release undoes attach and attachGuest, including partial ones. Callers
// hold the domain write lock and the device lock.
func (m *Manager) release(d *Domain, dev *Device) {
	if dev.trapped {
		d.Handlers.Unregister(dev.trapBase)
		dev.trapped = false
		dev.trapBase = 0
		m.metrics.handlers.WithLabelValues(d.ID.String()).Set(float64(d.Handlers.Len()))
	}
	for _, base := range dev.mappings {
		d.Memory.Unmap(base)
	}
	dev.mappings = nil
	// TODO: return the guest BAR space to d's windows once LinearAllocator
	// supports freeing.
	dev.regs.clear()
	dev.header = nil
	dev.tableView, dev.pbaView = 0, 0

	if dev.hasGuest {
		d.freeSlot(dev.guest)
		delete(d.virt, dev.guest)
		dev.guest = pci.SBDF{}
		dev.hasGuest = false
	}
	d.removeDevice(dev)
	dev.owner = nil
}
