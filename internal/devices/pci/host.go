package pci

import (
	"errors"
	"fmt"

	"github.com/tinyrange/vpci/internal/hv"
)

var ErrNoBridge = errors.New("no host bridge for bus")

// ConfigAccessor reads and writes configuration space of a function.
type ConfigAccessor interface {
	ReadConfig(sbdf SBDF, reg uint32, width int) (uint32, error)
	WriteConfig(sbdf SBDF, reg uint32, width int, value uint32) error
}

// Resource is an additional named register aperture of a host bridge,
// e.g. the iATU registers.
type Resource struct {
	Name string
	Base uint64
	Size uint64
}

// HostBridge is a physical PCI root complex: a mandatory root window and an
// optional child window, both in the same segment. It is created once from
// the platform description and shared read-only between domains.
type HostBridge struct {
	Name      string
	Segment   uint16
	Owner     hv.DomainID
	Root      *ConfigWindow
	Child     *ConfigWindow
	Resources []Resource
}

// HasChild reports whether the bridge exposes a separate child window.
func (b *HostBridge) HasChild() bool {
	return b.Child != nil
}

// Window selects the root or child window. With no child window the root
// window is returned for both.
func (b *HostBridge) Window(useRoot bool) *ConfigWindow {
	if useRoot || b.Child == nil {
		return b.Root
	}
	return b.Child
}

// WindowForBus returns the window through which bus is reached.
func (b *HostBridge) WindowForBus(bus uint8) (*ConfigWindow, bool) {
	if b.Child != nil && bus != b.Root.FirstBus && b.Child.CoversBus(bus) {
		return b.Child, true
	}
	if b.Root.CoversBus(bus) {
		return b.Root, true
	}
	return nil, false
}

// CoversBus reports whether the bridge decodes bus.
func (b *HostBridge) CoversBus(bus uint8) bool {
	_, ok := b.WindowForBus(bus)
	return ok
}

// IdentityMappingAllowed reports whether addr may be mapped straight into the
// hardware domain. Every window must agree.
func (b *HostBridge) IdentityMappingAllowed(addr uint64) bool {
	if !b.Root.IdentityMappingAllowed(addr) {
		return false
	}
	if b.Child != nil && !b.Child.IdentityMappingAllowed(addr) {
		return false
	}
	return true
}

// ReadConfig implements ConfigAccessor.
func (b *HostBridge) ReadConfig(sbdf SBDF, reg uint32, width int) (uint32, error) {
	if sbdf.Segment != b.Segment {
		return uint32(allOnes(width)), fmt.Errorf("pci: %s: %w %s", b.Name, ErrNoBridge, sbdf)
	}
	w, ok := b.WindowForBus(sbdf.Bus)
	if !ok {
		return uint32(allOnes(width)), fmt.Errorf("pci: %s: %w %s", b.Name, ErrNoBridge, sbdf)
	}
	return w.Read(sbdf, reg, width)
}

// WriteConfig implements ConfigAccessor.
func (b *HostBridge) WriteConfig(sbdf SBDF, reg uint32, width int, value uint32) error {
	if sbdf.Segment != b.Segment {
		return fmt.Errorf("pci: %s: %w %s", b.Name, ErrNoBridge, sbdf)
	}
	w, ok := b.WindowForBus(sbdf.Bus)
	if !ok {
		return fmt.Errorf("pci: %s: %w %s", b.Name, ErrNoBridge, sbdf)
	}
	return w.Write(sbdf, reg, width, value)
}

// Windows returns the bridge's windows, root first.
func (b *HostBridge) Windows() []*ConfigWindow {
	if b.Child == nil {
		return []*ConfigWindow{b.Root}
	}
	return []*ConfigWindow{b.Root, b.Child}
}

func (b *HostBridge) String() string {
	return fmt.Sprintf("%s (segment %04x, owner %s)", b.Name, b.Segment, b.Owner)
}

var (
	_ ConfigAccessor = (*HostBridge)(nil)
)
