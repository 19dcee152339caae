package pci

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrInvalidWidth = errors.New("invalid access width")

// Backend performs raw physical memory accesses: ECAM configuration cycles,
// MSI-X table and PBA memory. Width is 1, 2, 4 or 8 bytes.
type Backend interface {
	Read(addr uint64, width int) (uint64, error)
	Write(addr uint64, width int, value uint64) error
}

func validWidth(width int) bool {
	switch width {
	case 1, 2, 4, 8:
		return true
	default:
		return false
	}
}

type memoryRegion struct {
	base  uint64
	data  []byte
	wmask []byte // nil means every bit is writable
}

func (r *memoryRegion) end() uint64 {
	return r.base + uint64(len(r.data))
}

// MemoryBackend is a Backend over sparse host memory. Addresses outside any
// region read as all ones and swallow writes, like an unpopulated ECAM slot.
type MemoryBackend struct {
	mu      sync.Mutex
	regions []*memoryRegion // sorted by base
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// AddRegion backs [base, base+size) with zeroed, fully writable memory.
func (m *MemoryBackend) AddRegion(base, size uint64) error {
	_, err := m.addRegion(base, make([]byte, size), nil)
	return err
}

func (m *MemoryBackend) addRegion(base uint64, data, wmask []byte) (*memoryRegion, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("memory backend: zero-size region at %#x", base)
	}
	if wmask != nil && len(wmask) != len(data) {
		return nil, fmt.Errorf("memory backend: write mask size mismatch at %#x", base)
	}
	r := &memoryRegion{base: base, data: data, wmask: wmask}

	m.mu.Lock()
	defer m.mu.Unlock()

	idx := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].base >= base
	})
	if idx > 0 && m.regions[idx-1].end() > base {
		return nil, fmt.Errorf("memory backend: region %#x overlaps region at %#x", base, m.regions[idx-1].base)
	}
	if idx < len(m.regions) && r.end() > m.regions[idx].base {
		return nil, fmt.Errorf("memory backend: region %#x overlaps region at %#x", base, m.regions[idx].base)
	}
	m.regions = append(m.regions, nil)
	copy(m.regions[idx+1:], m.regions[idx:])
	m.regions[idx] = r
	return r, nil
}

func (m *MemoryBackend) lookup(addr uint64, width int) *memoryRegion {
	idx := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].base > addr
	})
	if idx == 0 {
		return nil
	}
	r := m.regions[idx-1]
	if addr+uint64(width) > r.end() {
		return nil
	}
	return r
}

// Read implements Backend.
func (m *MemoryBackend) Read(addr uint64, width int) (uint64, error) {
	if !validWidth(width) {
		return 0, fmt.Errorf("memory backend: read %#x: %w %d", addr, ErrInvalidWidth, width)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.lookup(addr, width)
	if r == nil {
		return allOnes(width), nil
	}
	off := addr - r.base
	var v uint64
	for i := width - 1; i >= 0; i-- {
		v = v<<8 | uint64(r.data[off+uint64(i)])
	}
	return v, nil
}

// Write implements Backend.
func (m *MemoryBackend) Write(addr uint64, width int, value uint64) error {
	if !validWidth(width) {
		return fmt.Errorf("memory backend: write %#x: %w %d", addr, ErrInvalidWidth, width)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.lookup(addr, width)
	if r == nil {
		return nil
	}
	off := addr - r.base
	for i := 0; i < width; i++ {
		b := byte(value >> (8 * i))
		pos := off + uint64(i)
		if r.wmask != nil {
			mask := r.wmask[pos]
			b = r.data[pos]&^mask | b&mask
		}
		r.data[pos] = b
	}
	return nil
}

func allOnes(width int) uint64 {
	if width >= 8 {
		return ^uint64(0)
	}
	return (uint64(1) << (8 * uint(width))) - 1
}

var (
	_ Backend = (*MemoryBackend)(nil)
)
