// Package platform describes a host's PCI topology and domains in YAML and
// assembles a running vPCI system from it.
package platform

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vpci/internal/devices/pci"
	"github.com/tinyrange/vpci/internal/hv"
	"github.com/tinyrange/vpci/internal/vpci"
)

// Platform is the top level of a platform file.
type Platform struct {
	Name string `yaml:"name"`
	// GuestLayout overrides the synthetic host bridge guests see.
	GuestLayout *Layout `yaml:"guest_layout,omitempty"`
	// BaseHandlers overrides the per-domain trap slots reserved outside
	// vPCI accounting.
	BaseHandlers int `yaml:"base_handlers,omitempty"`

	Bridges   []Bridge   `yaml:"bridges"`
	Domains   []Domain   `yaml:"domains"`
	Functions []Function `yaml:"functions"`
}

// Layout mirrors vpci.GuestLayout.
type Layout struct {
	ECAMBase        Hex `yaml:"ecam_base"`
	ECAMSize        Hex `yaml:"ecam_size"`
	MemBase         Hex `yaml:"mem_base"`
	MemSize         Hex `yaml:"mem_size"`
	PrefetchMemBase Hex `yaml:"prefetch_mem_base"`
	PrefetchMemSize Hex `yaml:"prefetch_mem_size"`
}

// Bridge describes one physical host bridge.
type Bridge struct {
	Name    string `yaml:"name"`
	Segment uint16 `yaml:"segment"`
	// Owner is the domain that enumerates the bridge.
	Owner     uint16     `yaml:"owner"`
	Root      Window     `yaml:"root"`
	Child     *Window    `yaml:"child,omitempty"`
	ATU       *ATU       `yaml:"atu,omitempty"`
	Resources []Resource `yaml:"resources,omitempty"`
}

// Window describes an ECAM aperture.
type Window struct {
	Base     Hex   `yaml:"base"`
	Size     Hex   `yaml:"size"`
	FirstBus uint8 `yaml:"first_bus"`
	// BusShift defaults to pci.DefaultBusShift.
	BusShift uint8 `yaml:"bus_shift,omitempty"`
}

// ATU is an outbound viewport register that must be rewritten after every
// child window access.
type ATU struct {
	Addr  Hex `yaml:"addr"`
	Value Hex `yaml:"value"`
}

// Resource is an extra register aperture of a bridge.
type Resource struct {
	Name string `yaml:"name"`
	Base Hex    `yaml:"base"`
	Size Hex    `yaml:"size"`
}

// Domain describes a domain and the functions passed through to it.
type Domain struct {
	ID   uint16 `yaml:"id"`
	Kind string `yaml:"kind"`
	// VPCI defaults to true.
	VPCI    *bool    `yaml:"vpci,omitempty"`
	Devices []string `yaml:"devices,omitempty"`
}

// Function is a simulated PCI function.
type Function struct {
	SBDF              string `yaml:"sbdf"`
	VendorID          Hex    `yaml:"vendor_id"`
	DeviceID          Hex    `yaml:"device_id"`
	Class             Hex    `yaml:"class"`
	Revision          uint8  `yaml:"revision,omitempty"`
	SubsystemVendorID Hex    `yaml:"subsystem_vendor_id,omitempty"`
	SubsystemID       Hex    `yaml:"subsystem_id,omitempty"`
	BARs              []BAR  `yaml:"bars,omitempty"`
	MSIX              *MSIX  `yaml:"msix,omitempty"`
	SRIOV             *SRIOV `yaml:"sriov,omitempty"`
	// VirtualFunction marks an SR-IOV VF. Its IDs and BARs come from the
	// physical function, which must be listed first; BARs only place the
	// MSI-X memory.
	VirtualFunction bool `yaml:"virtual_function,omitempty"`
}

type BAR struct {
	Index        int  `yaml:"index"`
	Addr         Hex  `yaml:"addr"`
	Size         Hex  `yaml:"size"`
	Is64         bool `yaml:"is64,omitempty"`
	Prefetchable bool `yaml:"prefetchable,omitempty"`
}

type MSIX struct {
	CapOffset   Hex `yaml:"cap_offset"`
	Entries     int `yaml:"entries"`
	TableBAR    int `yaml:"table_bar"`
	TableOffset Hex `yaml:"table_offset"`
	PBABAR      int `yaml:"pba_bar"`
	PBAOffset   Hex `yaml:"pba_offset"`
}

// SRIOV is the SR-IOV capability of a physical function. BARs are the
// apertures of the first VF.
type SRIOV struct {
	CapOffset  Hex   `yaml:"cap_offset"`
	TotalVFs   int   `yaml:"total_vfs"`
	NumVFs     int   `yaml:"num_vfs"`
	VFOffset   int   `yaml:"vf_offset"`
	VFStride   int   `yaml:"vf_stride"`
	VFDeviceID Hex   `yaml:"vf_device_id"`
	Enabled    bool  `yaml:"enabled"`
	BARs       []BAR `yaml:"bars,omitempty"`
}

// Hex is an unsigned integer written in any Go integer literal form,
// e.g. 0x4000_0000.
type Hex uint64

// UnmarshalYAML implements yaml.Unmarshaler for Hex.
func (h *Hex) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected an integer", value.Line)
	}
	v, err := strconv.ParseUint(value.Value, 0, 64)
	if err != nil {
		return fmt.Errorf("line %d: invalid integer %q: %w", value.Line, value.Value, err)
	}
	*h = Hex(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Hex.
func (h Hex) MarshalYAML() (any, error) {
	return fmt.Sprintf("%#x", uint64(h)), nil
}

// Load reads and validates a platform file.
func Load(path string) (*Platform, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read platform file: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Parse decodes and validates a platform description.
func Parse(data []byte) (*Platform, error) {
	var p Platform
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse platform: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Layout returns the guest layout, falling back to the default.
func (p *Platform) Layout() vpci.GuestLayout {
	if p.GuestLayout == nil {
		return vpci.DefaultGuestLayout()
	}
	l := p.GuestLayout
	return vpci.GuestLayout{
		ECAMBase:        uint64(l.ECAMBase),
		ECAMSize:        uint64(l.ECAMSize),
		MemBase:         uint64(l.MemBase),
		MemSize:         uint64(l.MemSize),
		PrefetchMemBase: uint64(l.PrefetchMemBase),
		PrefetchMemSize: uint64(l.PrefetchMemSize),
	}
}

// busShift returns the configured shift or the ECAM default.
func (w Window) busShift() uint8 {
	if w.BusShift == 0 {
		return pci.DefaultBusShift
	}
	return w.BusShift
}

// DomainConfig converts d for vpci.Manager.CreateDomain.
func (d Domain) DomainConfig() (vpci.DomainConfig, error) {
	kind, err := parseKind(d.Kind)
	if err != nil {
		return vpci.DomainConfig{}, err
	}
	enabled := true
	if d.VPCI != nil {
		enabled = *d.VPCI
	}
	return vpci.DomainConfig{ID: hv.DomainID(d.ID), Kind: kind, VPCI: enabled}, nil
}

func parseKind(s string) (vpci.DomainKind, error) {
	switch s {
	case "guest", "":
		return vpci.DomainGuest, nil
	case "control":
		return vpci.DomainControl, nil
	case "hardware":
		return vpci.DomainHardware, nil
	default:
		return 0, fmt.Errorf("unknown domain kind %q", s)
	}
}

// FunctionSpec converts f for pci.MemoryBackend.AddFunction.
func (f Function) FunctionSpec() pci.FunctionSpec {
	spec := pci.FunctionSpec{
		VendorID:          uint16(f.VendorID),
		DeviceID:          uint16(f.DeviceID),
		ClassCode:         uint32(f.Class),
		Revision:          f.Revision,
		SubsystemVendorID: uint16(f.SubsystemVendorID),
		SubsystemID:       uint16(f.SubsystemID),
		BARs:              barSpecs(f.BARs),
		VirtualFunction:   f.VirtualFunction,
	}
	if v := f.SRIOV; v != nil {
		spec.SRIOV = &pci.SRIOVSpec{
			CapOffset:  uint16(v.CapOffset),
			TotalVFs:   uint16(v.TotalVFs),
			NumVFs:     uint16(v.NumVFs),
			Offset:     uint16(v.VFOffset),
			Stride:     uint16(v.VFStride),
			VFDeviceID: uint16(v.VFDeviceID),
			Enabled:    v.Enabled,
			BARs:       barSpecs(v.BARs),
		}
	}
	if x := f.MSIX; x != nil {
		spec.MSIX = &pci.MSIXSpec{
			CapOffset:   uint8(x.CapOffset),
			Entries:     x.Entries,
			TableBAR:    x.TableBAR,
			TableOffset: uint32(x.TableOffset),
			PBABAR:      x.PBABAR,
			PBAOffset:   uint32(x.PBAOffset),
		}
	}
	return spec
}

func barSpecs(bars []BAR) []pci.BARSpec {
	var out []pci.BARSpec
	for _, b := range bars {
		out = append(out, pci.BARSpec{
			Index:        b.Index,
			Addr:         uint64(b.Addr),
			Size:         uint64(b.Size),
			Is64:         b.Is64,
			Prefetchable: b.Prefetchable,
		})
	}
	return out
}
