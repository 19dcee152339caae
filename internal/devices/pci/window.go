package pci

import (
	"fmt"
)

// DefaultBusShift is the width of the register-offset field of a standard
// ECAM address: 4 KiB of configuration space per function.
const DefaultBusShift = 12

// WindowKind tells the root window apart from the child window of a
// bridge.
type WindowKind int

const (
	// WindowRoot exposes the host bridge's own registers ("dbi").
	WindowRoot WindowKind = iota
	// WindowChild exposes configuration space of downstream devices ("config").
	WindowChild
)

func (k WindowKind) String() string {
	switch k {
	case WindowRoot:
		return "root"
	case WindowChild:
		return "child"
	default:
		return fmt.Sprintf("WindowKind(%d)", int(k))
	}
}

// WindowOps is the per-aperture operation set. The two implementations are
// rootOps and childOps.
type WindowOps interface {
	// Map returns the physical address of reg in the function's config space.
	Map(w *ConfigWindow, sbdf SBDF, reg uint32) (uint64, bool)
	Read(w *ConfigWindow, sbdf SBDF, reg uint32, width int) (uint32, error)
	Write(w *ConfigWindow, sbdf SBDF, reg uint32, width int, value uint32) error
	// IdentityMappingAllowed reports whether addr may be mapped into the
	// hardware domain directly instead of being reachable only via traps.
	IdentityMappingAllowed(w *ConfigWindow, addr uint64) bool
}

// ATU reprograms a bridge's address translation unit after child accesses.
// Some DesignWare-based bridges share one outbound viewport between
// configuration and I/O cycles and must restore it after every access.
type ATU interface {
	Restore(w *ConfigWindow) error
}

// ConfigWindow is one physical ECAM aperture. Immutable after construction.
type ConfigWindow struct {
	Base     uint64
	Size     uint64
	FirstBus uint8
	BusShift uint8
	Kind     WindowKind

	ops WindowOps
}

// NewRootWindow returns the root ("dbi") window of a bridge.
func NewRootWindow(base, size uint64, firstBus, busShift uint8, backend Backend) *ConfigWindow {
	return &ConfigWindow{
		Base:     base,
		Size:     size,
		FirstBus: firstBus,
		BusShift: busShift,
		Kind:     WindowRoot,
		ops:      rootOps{backend: backend},
	}
}

// NewChildWindow returns the child ("config") window of a bridge. atu may be nil.
func NewChildWindow(base, size uint64, firstBus, busShift uint8, backend Backend, atu ATU) *ConfigWindow {
	return &ConfigWindow{
		Base:     base,
		Size:     size,
		FirstBus: firstBus,
		BusShift: busShift,
		Kind:     WindowChild,
		ops:      childOps{backend: backend, atu: atu},
	}
}

// Decompose splits a window-relative offset into a function (segment 0)
// and a register offset.
func (w *ConfigWindow) Decompose(offset uint64) (SBDF, uint32) {
	bdf := offset >> w.BusShift
	sbdf := SBDF{
		Bus:      uint8(bdf>>8) + w.FirstBus,
		Device:   uint8(bdf>>3) & 0x1f,
		Function: uint8(bdf) & 0x7,
	}
	return sbdf, uint32(offset & w.RegisterMask())
}

// Encode is the inverse of Decompose.
func (w *ConfigWindow) Encode(bus, device, function uint8, reg uint32) uint64 {
	bdf := uint64(bus-w.FirstBus)<<8 | uint64(device&0x1f)<<3 | uint64(function&0x7)
	return bdf<<w.BusShift | uint64(reg)&w.RegisterMask()
}

// RegisterMask masks the register-offset field of a window offset.
func (w *ConfigWindow) RegisterMask() uint64 {
	return (uint64(1) << w.BusShift) - 1
}

// Contains reports whether addr lies inside the window.
func (w *ConfigWindow) Contains(addr uint64) bool {
	return addr >= w.Base && addr-w.Base < w.Size
}

// BusCount returns how many buses the window can address.
func (w *ConfigWindow) BusCount() int {
	span := uint64(1) << (uint(w.BusShift) + 8)
	n := (w.Size + span - 1) / span
	if n > 256 {
		return 256
	}
	return int(n)
}

// CoversBus reports whether bus is addressable through the window.
func (w *ConfigWindow) CoversBus(bus uint8) bool {
	return bus >= w.FirstBus && int(bus-w.FirstBus) < w.BusCount()
}

// Map returns the host address of register reg of sbdf, or false when the
// window does not decode it.
func (w *ConfigWindow) Map(sbdf SBDF, reg uint32) (uint64, bool) {
	return w.ops.Map(w, sbdf, reg)
}

// Read performs a configuration read through the window.
func (w *ConfigWindow) Read(sbdf SBDF, reg uint32, width int) (uint32, error) {
	return w.ops.Read(w, sbdf, reg, width)
}

// Write performs a configuration write through the window.
func (w *ConfigWindow) Write(sbdf SBDF, reg uint32, width int, value uint32) error {
	return w.ops.Write(w, sbdf, reg, width, value)
}

// IdentityMappingAllowed reports whether addr may be mapped 1:1 into the
// owning domain without shadowing this window.
func (w *ConfigWindow) IdentityMappingAllowed(addr uint64) bool {
	return w.ops.IdentityMappingAllowed(w, addr)
}

func (w *ConfigWindow) String() string {
	return fmt.Sprintf("%s window [%#x-%#x) bus %02x shift %d", w.Kind, w.Base, w.Base+w.Size, w.FirstBus, w.BusShift)
}

func ecamMap(w *ConfigWindow, sbdf SBDF, reg uint32) (uint64, bool) {
	if !w.CoversBus(sbdf.Bus) || uint64(reg) > w.RegisterMask() {
		return 0, false
	}
	off := w.Encode(sbdf.Bus, sbdf.Device, sbdf.Function, reg)
	if off >= w.Size {
		return 0, false
	}
	return w.Base + off, true
}

func ecamRead(backend Backend, w *ConfigWindow, sbdf SBDF, reg uint32, width int) (uint32, error) {
	if width != 1 && width != 2 && width != 4 {
		return 0xffff_ffff, fmt.Errorf("pci: read %s+%#x: %w %d", sbdf, reg, ErrInvalidWidth, width)
	}
	addr, ok := w.ops.Map(w, sbdf, reg)
	if !ok {
		return uint32(allOnes(width)), nil
	}
	v, err := backend.Read(addr, width)
	if err != nil {
		return uint32(allOnes(width)), fmt.Errorf("pci: read %s+%#x: %w", sbdf, reg, err)
	}
	return uint32(v), nil
}

func ecamWrite(backend Backend, w *ConfigWindow, sbdf SBDF, reg uint32, width int, value uint32) error {
	if width != 1 && width != 2 && width != 4 {
		return fmt.Errorf("pci: write %s+%#x: %w %d", sbdf, reg, ErrInvalidWidth, width)
	}
	addr, ok := w.ops.Map(w, sbdf, reg)
	if !ok {
		return nil
	}
	if err := backend.Write(addr, width, uint64(value)); err != nil {
		return fmt.Errorf("pci: write %s+%#x: %w", sbdf, reg, err)
	}
	return nil
}

// ecamIdentityAllowed keeps the window base out of the hardware domain's
// direct mappings so configuration cycles always trap.
func ecamIdentityAllowed(w *ConfigWindow, addr uint64) bool {
	return addr != w.Base
}

type rootOps struct {
	backend Backend
}

func (o rootOps) Map(w *ConfigWindow, sbdf SBDF, reg uint32) (uint64, bool) {
	return ecamMap(w, sbdf, reg)
}

func (o rootOps) Read(w *ConfigWindow, sbdf SBDF, reg uint32, width int) (uint32, error) {
	return ecamRead(o.backend, w, sbdf, reg, width)
}

func (o rootOps) Write(w *ConfigWindow, sbdf SBDF, reg uint32, width int, value uint32) error {
	return ecamWrite(o.backend, w, sbdf, reg, width, value)
}

func (o rootOps) IdentityMappingAllowed(w *ConfigWindow, addr uint64) bool {
	return ecamIdentityAllowed(w, addr)
}

type childOps struct {
	backend Backend
	atu     ATU
}

func (o childOps) Map(w *ConfigWindow, sbdf SBDF, reg uint32) (uint64, bool) {
	return ecamMap(w, sbdf, reg)
}

func (o childOps) Read(w *ConfigWindow, sbdf SBDF, reg uint32, width int) (uint32, error) {
	v, err := ecamRead(o.backend, w, sbdf, reg, width)
	if err != nil {
		return v, err
	}
	return v, o.restore(w)
}

func (o childOps) Write(w *ConfigWindow, sbdf SBDF, reg uint32, width int, value uint32) error {
	if err := ecamWrite(o.backend, w, sbdf, reg, width, value); err != nil {
		return err
	}
	return o.restore(w)
}

func (o childOps) IdentityMappingAllowed(w *ConfigWindow, addr uint64) bool {
	return ecamIdentityAllowed(w, addr)
}

func (o childOps) restore(w *ConfigWindow) error {
	if o.atu == nil {
		return nil
	}
	if err := o.atu.Restore(w); err != nil {
		return fmt.Errorf("pci: restore ATU for %s: %w", w, err)
	}
	return nil
}

var (
	_ WindowOps = rootOps{}
	_ WindowOps = childOps{}
)
