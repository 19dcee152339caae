//go:build linux

package pci

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

type mmapRegion struct {
	base uint64
	mem  []byte
}

// MmapBackend is a Backend over physical memory mapped from a device node
// such as /dev/mem. Only ranges added with Map are accessible; everything
// else reads as all ones and ignores writes.
type MmapBackend struct {
	mu      sync.RWMutex
	file    *os.File
	regions []mmapRegion // sorted by base
}

// OpenMmapBackend opens path for read/write shared mappings.
func OpenMmapBackend(path string) (*MmapBackend, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("mmap backend: open %s: %w", path, err)
	}
	return &MmapBackend{file: f}, nil
}

// Map makes [base, base+size) accessible. base and size must be page aligned.
func (m *MmapBackend) Map(base, size uint64) error {
	page := uint64(unix.Getpagesize())
	if base%page != 0 || size%page != 0 || size == 0 {
		return fmt.Errorf("mmap backend: range %#x+%#x is not page aligned", base, size)
	}
	mem, err := unix.Mmap(int(m.file.Fd()), int64(base), int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap backend: map %#x+%#x: %w", base, size, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	idx := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].base >= base
	})
	if (idx > 0 && m.regions[idx-1].base+uint64(len(m.regions[idx-1].mem)) > base) ||
		(idx < len(m.regions) && base+size > m.regions[idx].base) {
		unix.Munmap(mem)
		return fmt.Errorf("mmap backend: range %#x+%#x overlaps an existing mapping", base, size)
	}
	m.regions = append(m.regions, mmapRegion{})
	copy(m.regions[idx+1:], m.regions[idx:])
	m.regions[idx] = mmapRegion{base: base, mem: mem}
	return nil
}

func (m *MmapBackend) pointer(addr uint64, width int) unsafe.Pointer {
	idx := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].base > addr
	})
	if idx == 0 {
		return nil
	}
	r := m.regions[idx-1]
	off := addr - r.base
	if off+uint64(width) > uint64(len(r.mem)) || addr%uint64(width) != 0 {
		return nil
	}
	return unsafe.Pointer(&r.mem[off])
}

// Read implements Backend. Accesses are single naturally aligned loads.
func (m *MmapBackend) Read(addr uint64, width int) (uint64, error) {
	if !validWidth(width) {
		return 0, fmt.Errorf("mmap backend: read %#x: %w %d", addr, ErrInvalidWidth, width)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	p := m.pointer(addr, width)
	if p == nil {
		return allOnes(width), nil
	}
	switch width {
	case 1:
		return uint64(*(*uint8)(p)), nil
	case 2:
		return uint64(*(*uint16)(p)), nil
	case 4:
		return uint64(atomic.LoadUint32((*uint32)(p))), nil
	default:
		return atomic.LoadUint64((*uint64)(p)), nil
	}
}

// Write implements Backend.
func (m *MmapBackend) Write(addr uint64, width int, value uint64) error {
	if !validWidth(width) {
		return fmt.Errorf("mmap backend: write %#x: %w %d", addr, ErrInvalidWidth, width)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	p := m.pointer(addr, width)
	if p == nil {
		return nil
	}
	switch width {
	case 1:
		*(*uint8)(p) = uint8(value)
	case 2:
		*(*uint16)(p) = uint16(value)
	case 4:
		atomic.StoreUint32((*uint32)(p), uint32(value))
	default:
		atomic.StoreUint64((*uint64)(p), value)
	}
	return nil
}

// Close unmaps every region and closes the device node.
func (m *MmapBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.regions {
		unix.Munmap(r.mem)
	}
	m.regions = nil
	return m.file.Close()
}

var (
	_ Backend = (*MmapBackend)(nil)
)
