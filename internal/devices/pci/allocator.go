package pci

import (
	"errors"
	"fmt"
)

var ErrWindowExhausted = errors.New("BAR window exhausted")

// LinearAllocator hands out naturally aligned ranges from a fixed window in
// increasing address order. Ranges are never returned.
type LinearAllocator struct {
	base uint64
	size uint64
	next uint64
}

func NewLinearAllocator(base, size uint64) *LinearAllocator {
	return &LinearAllocator{
		base: base,
		size: size,
		next: base,
	}
}

// Allocate reserves size bytes aligned to align (size when zero).
func (a *LinearAllocator) Allocate(size, align uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("BAR size must be non-zero")
	}
	if align == 0 {
		align = size
	}
	if align&(align-1) != 0 {
		return 0, fmt.Errorf("BAR alignment %#x is not a power of two", align)
	}
	base := (a.next + align - 1) &^ (align - 1)
	if base < a.base || base+size < base || base+size > a.base+a.size {
		return 0, fmt.Errorf("allocate %#x in [%#x-%#x): %w", size, a.base, a.base+a.size, ErrWindowExhausted)
	}
	a.next = base + size
	return base, nil
}

// Base returns the start of the window.
func (a *LinearAllocator) Base() uint64 { return a.base }

// Size returns the window size.
func (a *LinearAllocator) Size() uint64 { return a.size }

// Used returns how many bytes have been consumed, including alignment gaps.
func (a *LinearAllocator) Used() uint64 { return a.next - a.base }
