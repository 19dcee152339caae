package vpci

import (
	"errors"
	"fmt"

	"github.com/tinyrange/vpci/internal/devices/pci"
	"github.com/tinyrange/vpci/internal/hv"
)

// ErrAccessNotAllowed is returned for configuration accesses with an
// invalid width or alignment. The vCPU takes a data abort.
var ErrAccessNotAllowed = errors.New("configuration access not allowed")

// accessAllowed checks width and natural alignment of a configuration access.
func accessAllowed(reg uint32, width int) bool {
	switch width {
	case 1, 2, 4, 8:
	default:
		return false
	}
	return reg&uint32(width-1) == 0
}

// ecamHandler traps one ECAM window. bridge is nil for the synthetic guest
// window.
type ecamHandler struct {
	m       *Manager
	d       *Domain
	bridge  *pci.HostBridge
	useRoot bool
}

func (h *ecamHandler) path() string {
	if h.bridge == nil {
		return "guest"
	}
	return "hardware"
}

// ReadMMIO implements hv.MMIOHandler.
func (h *ecamHandler) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	width := len(data)
	sbdf, reg, ok := h.m.Translate(h.d, h.bridge, addr, h.useRoot)
	if !ok {
		h.m.metrics.ecamMisses.WithLabelValues("read").Inc()
		h.m.log.Debug("vpci read from empty slot", "domain", h.d.ID.String(), "vsbdf", sbdf.String(), "reg", reg)
		hv.StoreLE(data, hv.AllOnes(width))
		return nil
	}

	v, err := h.m.ecamRead(h.d, sbdf, reg, width)
	if err != nil {
		h.m.metrics.ecamAccesses.WithLabelValues("read", h.path(), "rejected").Inc()
		hv.StoreLE(data, hv.AllOnes(width))
		return err
	}
	h.m.metrics.ecamAccesses.WithLabelValues("read", h.path(), "ok").Inc()
	hv.StoreLE(data, v)
	return nil
}

// WriteMMIO implements hv.MMIOHandler.
func (h *ecamHandler) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	width := len(data)
	sbdf, reg, ok := h.m.Translate(h.d, h.bridge, addr, h.useRoot)
	if !ok {
		h.m.metrics.ecamMisses.WithLabelValues("write").Inc()
		h.m.log.Debug("vpci write to empty slot dropped", "domain", h.d.ID.String(), "vsbdf", sbdf.String(), "reg", reg)
		return nil
	}

	if err := h.m.ecamWrite(h.d, sbdf, reg, width, hv.LoadLE(data)); err != nil {
		h.m.metrics.ecamAccesses.WithLabelValues("write", h.path(), "rejected").Inc()
		return err
	}
	h.m.metrics.ecamAccesses.WithLabelValues("write", h.path(), "ok").Inc()
	return nil
}

// ecamRead performs a checked configuration read. 8 byte accesses are split
// into two 4 byte reads.
func (m *Manager) ecamRead(d *Domain, sbdf pci.SBDF, reg uint32, width int) (uint64, error) {
	if !accessAllowed(reg, width) || reg+uint32(width) > pci.ExtendedConfigSpaceSize {
		return hv.AllOnes(width), fmt.Errorf("vpci: read %s+%#x width %d: %w", sbdf, reg, width, ErrAccessNotAllowed)
	}

	v := uint64(m.configRead(d, sbdf, reg, uint32(min(width, 4))))
	if width == 8 {
		v |= uint64(m.configRead(d, sbdf, reg+4, 4)) << 32
	}
	return v, nil
}

// ecamWrite performs a checked configuration write.
func (m *Manager) ecamWrite(d *Domain, sbdf pci.SBDF, reg uint32, width int, value uint64) error {
	if !accessAllowed(reg, width) || reg+uint32(width) > pci.ExtendedConfigSpaceSize {
		return fmt.Errorf("vpci: write %s+%#x width %d: %w", sbdf, reg, width, ErrAccessNotAllowed)
	}

	m.configWrite(d, sbdf, reg, uint32(min(width, 4)), uint32(value))
	if width == 8 {
		m.configWrite(d, sbdf, reg+4, 4, uint32(value>>32))
	}
	return nil
}

// ReadConfig reads configuration space of sbdf as domain d would.
func (m *Manager) ReadConfig(d *Domain, sbdf pci.SBDF, reg uint32, width int) (uint64, error) {
	return m.ecamRead(d, sbdf, reg, width)
}

// WriteConfig writes configuration space of sbdf as domain d would.
func (m *Manager) WriteConfig(d *Domain, sbdf pci.SBDF, reg uint32, width int, value uint64) error {
	return m.ecamWrite(d, sbdf, reg, width, value)
}

// configRead dispatches a 1, 2 or 4 byte read to the device's emulated
// registers, or straight to hardware when the domain has no record of sbdf.
func (m *Manager) configRead(d *Domain, sbdf pci.SBDF, reg, size uint32) uint32 {
	d.pciLock.RLock()
	defer d.pciLock.RUnlock()

	dev := d.findDevice(sbdf)
	if dev == nil {
		return hwAccess{cfg: m.cfg, sbdf: sbdf, allowed: d.IsHardware(), log: m.log}.read(reg, size)
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.read(d, reg, size)
}

func (m *Manager) configWrite(d *Domain, sbdf pci.SBDF, reg, size, value uint32) {
	d.pciLock.RLock()
	defer d.pciLock.RUnlock()

	dev := d.findDevice(sbdf)
	if dev == nil {
		hwAccess{cfg: m.cfg, sbdf: sbdf, allowed: d.IsHardware(), log: m.log}.write(reg, size, value)
		return
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.write(d, reg, size, value)
}

var (
	_ hv.MMIOHandler = (*ecamHandler)(nil)
)
