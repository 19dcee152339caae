package hv

import (
	"errors"
	"fmt"
)

var (
	ErrUnhandled        = errors.New("unhandled MMIO access")
	ErrHandlerTableFull = errors.New("MMIO handler table full")
)

// DomainID identifies a domain for the lifetime of the hypervisor.
type DomainID uint16

func (id DomainID) String() string {
	return fmt.Sprintf("d%d", uint16(id))
}

// ExitContext describes the virtual CPU whose memory access trapped.
type ExitContext interface {
	Domain() DomainID
	VCPU() int
}

// SimpleExitContext is a value ExitContext.
type SimpleExitContext struct {
	DomainID DomainID
	VCPUID   int
}

func (c SimpleExitContext) Domain() DomainID { return c.DomainID }
func (c SimpleExitContext) VCPU() int        { return c.VCPUID }

type MMIORegion struct {
	Address uint64
	Size    uint64
}

// Contains reports whether addr falls inside the region.
func (r MMIORegion) Contains(addr uint64) bool {
	return addr >= r.Address && addr-r.Address < r.Size
}

// End returns the first address after the region.
func (r MMIORegion) End() uint64 {
	return r.Address + r.Size
}

func (r MMIORegion) overlaps(o MMIORegion) bool {
	return r.Address < o.End() && o.Address < r.End()
}

func (r MMIORegion) String() string {
	return fmt.Sprintf("[%#x-%#x)", r.Address, r.End())
}

// MMIOHandler services trapped guest accesses. The access width is len(data).
// Returning nil means the access was handled; any error makes the vCPU take
// a data abort.
type MMIOHandler interface {
	ReadMMIO(ctx ExitContext, addr uint64, data []byte) error
	WriteMMIO(ctx ExitContext, addr uint64, data []byte) error
}

// LoadLE decodes a little-endian value of up to 8 bytes.
func LoadLE(data []byte) uint64 {
	var v uint64
	for i := len(data) - 1; i >= 0; i-- {
		v = v<<8 | uint64(data[i])
	}
	return v
}

// StoreLE encodes the low len(data) bytes of v little-endian.
func StoreLE(data []byte, v uint64) {
	for i := range data {
		data[i] = byte(v >> (8 * i))
	}
}

// AllOnes returns a value with the low 8*width bits set.
func AllOnes(width int) uint64 {
	if width >= 8 {
		return ^uint64(0)
	}
	return (uint64(1) << (8 * uint(width))) - 1
}
