package vpci

import (
	"github.com/tinyrange/vpci/internal/devices/pci"
	"github.com/tinyrange/vpci/internal/hv"
)

// msixHandler traps a device's MSI-X table in its owner's address space.
type msixHandler struct {
	d   *Domain
	dev *Device
}

func msixAccessAllowed(addr uint64, width int) bool {
	return (width == 4 || width == 8) && addr&uint64(width-1) == 0
}

// ReadMMIO implements hv.MMIOHandler.
func (h *msixHandler) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	width := len(data)
	dev := h.dev
	hv.StoreLE(data, hv.AllOnes(width))

	if !msixAccessAllowed(addr, width) {
		dev.logger().Warn("unaligned or invalid size MSI-X table access", "addr", addr, "width", width)
		dev.m.metrics.msixAccesses.WithLabelValues("read", "rejected").Inc()
		return nil
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()

	x := dev.msix
	if x == nil || dev.owner != h.d {
		return nil
	}

	if addr >= dev.pbaView && addr-dev.pbaView < x.PBASize() {
		v, err := dev.m.mem.Read(dev.physPBAAddr(x)+(addr-dev.pbaView), width)
		if err != nil {
			dev.logger().Warn("MSI-X PBA read failed", "addr", addr, "err", err)
			return nil
		}
		dev.m.metrics.msixAccesses.WithLabelValues("read", "pba").Inc()
		hv.StoreLE(data, v)
		return nil
	}

	e := entryAt(x, dev.tableView, addr)
	if e == nil {
		return nil
	}
	dev.m.metrics.msixAccesses.WithLabelValues("read", "table").Inc()

	var v uint64
	switch addr & (pci.MSIXEntrySize - 1) {
	case pci.MSIXEntryAddrLow:
		v = e.Route.Addr
	case pci.MSIXEntryAddrHigh:
		v = e.Route.Addr >> 32
	case pci.MSIXEntryData:
		v = uint64(e.Route.Data)
		if width == 8 {
			v |= uint64(vectorControl(e)) << 32
		}
	case pci.MSIXEntryVectorControl:
		v = uint64(vectorControl(e))
	}
	hv.StoreLE(data, v)
	return nil
}

// WriteMMIO implements hv.MMIOHandler.
//
// Address and data may be written while the entry is unmasked; the new
// route takes effect at the next mask/unmask cycle.
func (h *msixHandler) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	width := len(data)
	dev := h.dev

	if !msixAccessAllowed(addr, width) {
		dev.logger().Warn("unaligned or invalid size MSI-X table access", "addr", addr, "width", width)
		dev.m.metrics.msixAccesses.WithLabelValues("write", "rejected").Inc()
		return nil
	}
	v := hv.LoadLE(data)

	dev.mu.Lock()
	defer dev.mu.Unlock()

	x := dev.msix
	if x == nil || dev.owner != h.d {
		return nil
	}

	if addr >= dev.pbaView && addr-dev.pbaView < x.PBASize() {
		// Pending bits are only writable by the hardware domain.
		if !h.d.IsHardware() {
			dev.m.metrics.msixAccesses.WithLabelValues("write", "rejected").Inc()
			return nil
		}
		if err := dev.m.mem.Write(dev.physPBAAddr(x)+(addr-dev.pbaView), width, v); err != nil {
			dev.logger().Warn("MSI-X PBA write failed", "addr", addr, "err", err)
		}
		dev.m.metrics.msixAccesses.WithLabelValues("write", "pba").Inc()
		return nil
	}

	e := entryAt(x, dev.tableView, addr)
	if e == nil {
		return nil
	}
	dev.m.metrics.msixAccesses.WithLabelValues("write", "table").Inc()

	switch addr & (pci.MSIXEntrySize - 1) {
	case pci.MSIXEntryAddrLow:
		route := e.Route
		if width == 8 {
			route.Addr = v
		} else {
			route.Addr = route.Addr&^0xffff_ffff | v&0xffff_ffff
		}
		setRoute(e, route)
	case pci.MSIXEntryAddrHigh:
		route := e.Route
		route.Addr = route.Addr&0xffff_ffff | v<<32
		setRoute(e, route)
	case pci.MSIXEntryData:
		route := e.Route
		route.Data = uint32(v)
		setRoute(e, route)
		if width == 8 {
			dev.writeVectorControl(x, e, uint32(v>>32))
		}
	case pci.MSIXEntryVectorControl:
		dev.writeVectorControl(x, e, uint32(v))
	}
	return nil
}

// writeVectorControl applies a vector control write to e. Unmasking a dirty
// entry while the block is active rebinds it; any other mask change only
// toggles the hardware mask.
func (dev *Device) writeVectorControl(x *MSIX, e *MSIXEntry, v uint32) {
	masked := v&pci.MSIXVectorMasked != 0
	if e.Masked == masked {
		return
	}

	e.Masked = masked
	if !masked && x.State() == MSIXActive && e.Dirty {
		dev.programmer(x).update(e)
		return
	}
	dev.m.router.MaskEntry(dev.SBDF, e, masked)
}

func setRoute(e *MSIXEntry, route Route) {
	if e.Route != route {
		e.Route = route
		e.Dirty = true
	}
}

func vectorControl(e *MSIXEntry) uint32 {
	if e.Masked {
		return pci.MSIXVectorMasked
	}
	return 0
}

func entryAt(x *MSIX, tableView, addr uint64) *MSIXEntry {
	if addr < tableView {
		return nil
	}
	idx := (addr - tableView) / pci.MSIXEntrySize
	if idx >= uint64(len(x.Entries)) {
		return nil
	}
	return &x.Entries[idx]
}

var (
	_ hv.MMIOHandler = (*msixHandler)(nil)
)
