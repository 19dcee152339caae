package vpci

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/tinyrange/vpci/internal/devices/pci"
	"github.com/tinyrange/vpci/internal/hv"
)

// DomainKind selects how a domain sees PCI.
type DomainKind int

const (
	// DomainGuest is an ordinary unprivileged guest.
	DomainGuest DomainKind = iota
	// DomainControl is a privileged toolstack domain that sees no PCI
	// topology unless it owns host bridges.
	DomainControl
	// DomainHardware natively owns and enumerates physical PCI hardware.
	// It is also a control domain.
	DomainHardware
)

func (k DomainKind) String() string {
	switch k {
	case DomainGuest:
		return "guest"
	case DomainControl:
		return "control"
	case DomainHardware:
		return "hardware"
	default:
		return fmt.Sprintf("DomainKind(%d)", int(k))
	}
}

// DomainConfig is the creation-time description of a domain.
type DomainConfig struct {
	ID   hv.DomainID
	Kind DomainKind
	// VPCI enables configuration space emulation for the domain.
	VPCI bool
}

// Domain is the vPCI view of one domain.
type Domain struct {
	ID   hv.DomainID
	Kind DomainKind

	// Handlers holds the domain's MMIO traps.
	Handlers *hv.HandlerTable
	// Memory is the domain's stage-2 layout: grants and direct mappings.
	Memory *hv.AddressSpace

	vpci bool

	// pciLock guards devices, virt and slots.
	pciLock sync.RWMutex
	devices []*Device
	virt    map[pci.SBDF]*Device
	slots   uint32

	// Guest BAR windows; nil for domains that see hardware addresses.
	mem      *pci.LinearAllocator
	prefetch *pci.LinearAllocator
}

func newDomain(cfg DomainConfig, capacity int, layout GuestLayout) *Domain {
	d := &Domain{
		ID:       cfg.ID,
		Kind:     cfg.Kind,
		Handlers: hv.NewHandlerTable(capacity),
		Memory:   hv.NewAddressSpace(),
		vpci:     cfg.VPCI,
		virt:     make(map[pci.SBDF]*Device),
	}
	if cfg.Kind == DomainGuest {
		d.mem = pci.NewLinearAllocator(layout.MemBase, layout.MemSize)
		d.prefetch = pci.NewLinearAllocator(layout.PrefetchMemBase, layout.PrefetchMemSize)
	}
	return d
}

// HasVPCI reports whether configuration space emulation is enabled.
func (d *Domain) HasVPCI() bool { return d.vpci }

// IsHardware reports whether the domain may access real configuration
// registers that are not emulated.
func (d *Domain) IsHardware() bool { return d.Kind == DomainHardware }

// IsControl reports whether the domain is a control domain.
func (d *Domain) IsControl() bool { return d.Kind != DomainGuest }

// Context returns an exit context for vcpu of this domain.
func (d *Domain) Context(vcpu int) hv.ExitContext {
	return hv.SimpleExitContext{DomainID: d.ID, VCPUID: vcpu}
}

// Devices returns the devices currently assigned to the domain.
func (d *Domain) Devices() []*Device {
	d.pciLock.RLock()
	defer d.pciLock.RUnlock()

	out := make([]*Device, len(d.devices))
	copy(out, d.devices)
	return out
}

// VirtualDevices returns the guest's virtual to physical SBDF mapping.
func (d *Domain) VirtualDevices() map[pci.SBDF]pci.SBDF {
	d.pciLock.RLock()
	defer d.pciLock.RUnlock()

	out := make(map[pci.SBDF]pci.SBDF, len(d.virt))
	for v, dev := range d.virt {
		out[v] = dev.SBDF
	}
	return out
}

// lookupVirtual translates a virtual SBDF. Only the lookup runs under the
// read lock.
func (d *Domain) lookupVirtual(v pci.SBDF) (pci.SBDF, bool) {
	d.pciLock.RLock()
	defer d.pciLock.RUnlock()

	dev, ok := d.virt[v]
	if !ok {
		return pci.SBDF{}, false
	}
	return dev.SBDF, true
}

// findDevice returns the assigned device with the given physical SBDF.
// Callers hold pciLock.
func (d *Domain) findDevice(sbdf pci.SBDF) *Device {
	for _, dev := range d.devices {
		if dev.SBDF == sbdf {
			return dev
		}
	}
	return nil
}

// allocSlot reserves the first free device number on bus 0. Callers hold
// pciLock for writing.
func (d *Domain) allocSlot() (pci.SBDF, error) {
	free := ^d.slots
	if free == 0 {
		return pci.SBDF{}, ErrNoSlot
	}
	slot := bits.TrailingZeros32(free)
	d.slots |= 1 << slot
	return pci.NewSBDF(0, 0, uint8(slot), 0), nil
}

func (d *Domain) freeSlot(v pci.SBDF) {
	d.slots &^= 1 << v.Device
}

func (d *Domain) addDevice(dev *Device) {
	d.devices = append(d.devices, dev)
}

func (d *Domain) removeDevice(dev *Device) {
	for i, other := range d.devices {
		if other == dev {
			d.devices = append(d.devices[:i], d.devices[i+1:]...)
			return
		}
	}
}

func (d *Domain) String() string {
	return fmt.Sprintf("%s (%s)", d.ID, d.Kind)
}
