package vpci

import (
	"github.com/tinyrange/vpci/internal/devices/pci"
)

// Translate resolves a trapped guest physical address to a function and a
// register offset.
//
// With a bridge the address is decomposed against the bridge's root or
// child window and resolves whenever the window contains it. Without one the address is decomposed
// against the synthetic guest ECAM window and the resulting virtual SBDF is
// looked up in the domain's device mapping; a miss means an empty slot.
func (m *Manager) Translate(d *Domain, bridge *pci.HostBridge, gpa uint64, useRoot bool) (pci.SBDF, uint32, bool) {
	if bridge != nil {
		w := bridge.Window(useRoot)
		if !w.Contains(gpa) {
			return pci.SBDF{}, 0, false
		}
		sbdf, reg := w.Decompose(gpa - w.Base)
		sbdf.Segment = bridge.Segment
		return sbdf, reg, true
	}

	virt, reg := m.guestECAM.Decompose(gpa - m.guestECAM.Base)
	phys, ok := d.lookupVirtual(virt)
	if !ok {
		return virt, reg, false
	}
	return phys, reg, true
}
