package vpci

import (
	"fmt"

	"github.com/tinyrange/vpci/internal/fdt"
)

// PCI address space codes of the ranges property (phys.hi).
const (
	rangeMem32       = 0x0200_0000
	rangeMem64Prefer = 0x4300_0000
)

// GuestDeviceTree returns the node describing the synthetic host bridge a
// guest sees. The guest must not reassign BARs, so the bridge is marked
// probe-only.
func (m *Manager) GuestDeviceTree() fdt.Node {
	l := m.layout
	buses := uint32(m.guestECAM.BusCount())

	ranges := make([]uint32, 0, 14)
	ranges = append(ranges, pciRange(rangeMem32, l.MemBase, l.MemSize)...)
	ranges = append(ranges, pciRange(rangeMem64Prefer, l.PrefetchMemBase, l.PrefetchMemSize)...)

	return fdt.Node{
		Name: fmt.Sprintf("pcie@%x", l.ECAMBase),
		Properties: map[string]fdt.Property{
			"compatible":           fdt.Strings("pci-host-ecam-generic"),
			"device_type":          fdt.Strings("pci"),
			"reg":                  fdt.U64(l.ECAMBase, l.ECAMSize),
			"bus-range":            fdt.U32(0, buses-1),
			"#address-cells":       fdt.U32(3),
			"#size-cells":          fdt.U32(2),
			"linux,pci-domain":     fdt.U32(0),
			"linux,pci-probe-only": fdt.U32(1),
			"dma-coherent":         fdt.Empty(),
			"ranges":               fdt.U32(ranges...),
		},
	}
}

// GuestDeviceTreeBlob wraps GuestDeviceTree in a root node with two address
// and size cells and serializes it.
func (m *Manager) GuestDeviceTreeBlob() ([]byte, error) {
	root := fdt.Node{
		Properties: map[string]fdt.Property{
			"#address-cells": fdt.U32(2),
			"#size-cells":    fdt.U32(2),
		},
		Children: []fdt.Node{m.GuestDeviceTree()},
	}
	return fdt.Build(root)
}

// pciRange encodes one identity entry of a ranges property: three cells of
// PCI address, two of CPU address and two of size.
func pciRange(space uint32, base, size uint64) []uint32 {
	return []uint32{
		space, uint32(base >> 32), uint32(base),
		uint32(base >> 32), uint32(base),
		uint32(size >> 32), uint32(size),
	}
}
