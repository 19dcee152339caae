package vpci

import (
	"errors"

	"github.com/tinyrange/vpci/internal/devices/pci"
)

// virtualFunction is what a VF inherits from its physical function. A VF
// reads all ones for its IDs and zero for its BARs, so both come from the
// PF's SR-IOV capability.
type virtualFunction struct {
	pf    pci.SBDF
	index int
	ids   uint32 // vendor ID | device ID<<16
	bars  [pci.BARCount]pci.BAR

	command uint16
}

// readPhysFn records the SR-IOV capability of a physical function and sizes
// its VF BARs. Functions without one are left alone.
func (m *Manager) readPhysFn(dev *Device) error {
	s, err := pci.ReadSRIOV(m.cfg, dev.SBDF)
	if errors.Is(err, pci.ErrNoCapability) {
		return nil
	}
	if err != nil {
		return err
	}

	m.sriovMu.Lock()
	m.physFns[dev.SBDF] = s
	m.sriovMu.Unlock()

	m.log.Debug("SR-IOV physical function",
		"device", dev.SBDF.String(),
		"vfs", s.NumVFs,
		"total", s.TotalVFs,
		"enabled", s.Enabled(),
	)
	return nil
}

// lookupVirtualFunction returns the inherited state of dev when it is an
// enabled VF of a known physical function. Only functions whose vendor ID
// reads all ones are looked up.
func (m *Manager) lookupVirtualFunction(dev *Device) (*virtualFunction, error) {
	ids, err := m.cfg.ReadConfig(dev.SBDF, pci.RegVendorID, 2)
	if err != nil {
		return nil, err
	}
	if ids != 0xffff {
		return nil, nil
	}
	return m.physFn(dev.SBDF)
}

// physFn searches the known physical functions for one that has sbdf as an
// enabled VF. The SR-IOV registers are reread first since the hardware
// domain enables VFs after the physical function was added.
func (m *Manager) physFn(sbdf pci.SBDF) (*virtualFunction, error) {
	m.sriovMu.Lock()
	defer m.sriovMu.Unlock()

	for pf, s := range m.physFns {
		if pf.Segment != sbdf.Segment {
			continue
		}
		if err := s.Reload(m.cfg, pf); err != nil {
			return nil, err
		}
		index, ok := s.VFIndex(pf, sbdf)
		if !ok {
			continue
		}
		vendor, err := m.cfg.ReadConfig(pf, pci.RegVendorID, 2)
		if err != nil {
			return nil, err
		}
		return &virtualFunction{
			pf:    pf,
			index: index,
			ids:   vendor | uint32(s.VFDeviceID)<<16,
			bars:  s.VFBARs(index),
		}, nil
	}
	return nil, nil
}

// isVirtualFunction reports whether sbdf is an enabled VF of a physical
// function already known to the manager.
func (m *Manager) isVirtualFunction(sbdf pci.SBDF) (bool, error) {
	vf, err := m.physFn(sbdf)
	return vf != nil, err
}

// installVirtualFunction emulates the ID and command registers of a VF
// owned by the hardware domain. The command register starts out cleared.
// Callers hold the device lock.
func (m *Manager) installVirtualFunction(dev *Device) error {
	vf := dev.vf
	if vf == nil {
		return nil
	}

	vf.command = 0
	if err := m.cfg.WriteConfig(dev.SBDF, pci.RegCommand, 2, 0); err != nil {
		return err
	}

	regs := []Register{
		{Offset: pci.RegVendorID, Size: 4, Read: ReadValue(vf.ids)},
		{
			Offset: pci.RegCommand,
			Size:   2,
			Read:   func(uint32) uint32 { return uint32(vf.command) },
			Write: func(reg, v uint32) {
				vf.command = uint16(v)
				if err := m.cfg.WriteConfig(dev.SBDF, reg, 2, v); err != nil {
					dev.logger().Warn("unable to write VF command", "err", err)
				}
			},
		},
	}
	for _, r := range regs {
		if err := dev.regs.add(r); err != nil {
			return err
		}
	}
	return nil
}
