package vpci

import (
	"fmt"

	"github.com/tinyrange/vpci/internal/devices/pci"
)

// initDomain installs the configuration space traps of a new domain.
//
// A domain owning host bridges gets one trap per bridge window. Any other
// domain that is not a control domain sees a single synthetic host bridge
// and is granted the guest BAR windows.
func (m *Manager) initDomain(d *Domain) error {
	if !d.HasVPCI() {
		return nil
	}

	count, err := m.registry.IterateAndCount(d.ID, func(b *pci.HostBridge) (int, error) {
		return m.setupBridgeTraps(d, b)
	})
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	if d.IsControl() {
		return nil
	}

	l := m.layout
	h := &ecamHandler{m: m, d: d}
	if err := d.Handlers.Register("vpci-ecam", l.ECAMBase, l.ECAMSize, h); err != nil {
		return err
	}
	if err := d.Memory.Grant("vpci-mem", l.MemBase, l.MemSize); err != nil {
		return err
	}
	if err := d.Memory.Grant("vpci-prefetch-mem", l.PrefetchMemBase, l.PrefetchMemSize); err != nil {
		return err
	}
	return nil
}

func (m *Manager) setupBridgeTraps(d *Domain, b *pci.HostBridge) (int, error) {
	count := 0

	root := &ecamHandler{m: m, d: d, bridge: b, useRoot: true}
	if err := d.Handlers.Register(b.Name+"-root", b.Root.Base, b.Root.Size, root); err != nil {
		return count, err
	}
	count++

	if b.HasChild() {
		child := &ecamHandler{m: m, d: d, bridge: b, useRoot: false}
		if err := d.Handlers.Register(b.Name+"-child", b.Child.Base, b.Child.Size, child); err != nil {
			return count, err
		}
		count++
	}

	for _, r := range b.Resources {
		if !b.IdentityMappingAllowed(r.Base) {
			m.log.Debug("resource kept trap-only", "bridge", b.Name, "resource", r.Name)
			continue
		}
		if err := d.Memory.MapIdentity(b.Name+"-"+r.Name, r.Base, r.Size); err != nil {
			return count, fmt.Errorf("map %s %s: %w", b.Name, r.Name, err)
		}
	}
	return count, nil
}

// CountMMIOHandlers returns exactly how many traps initDomain registers for
// cfg, plus one MSI-X table trap per potential virtual device for guests.
func (m *Manager) CountMMIOHandlers(cfg DomainConfig) (int, error) {
	if !cfg.VPCI {
		return 0, nil
	}

	count, err := m.registry.IterateAndCount(cfg.ID, func(b *pci.HostBridge) (int, error) {
		if b.HasChild() {
			return 2, nil
		}
		return 1, nil
	})
	if err != nil {
		return 0, err
	}
	if count > 0 {
		return count, nil
	}
	if cfg.Kind != DomainGuest {
		return 0, nil
	}
	return 1 + MaxVirtualDevices, nil
}
