package hv

import (
	"fmt"
	"sort"
	"sync"
)

// HandlerTable is a domain's set of MMIO traps. Its capacity is fixed when
// the domain is created; callers size it up front from the number of
// registrations they will perform.
type HandlerTable struct {
	mu       sync.RWMutex
	capacity int
	handlers []registeredHandler // sorted by region address
}

type registeredHandler struct {
	name    string
	region  MMIORegion
	handler MMIOHandler
}

// RegisteredRegion describes one installed trap.
type RegisteredRegion struct {
	Name   string
	Region MMIORegion
}

// NewHandlerTable returns an empty table that holds at most capacity
// traps.
func NewHandlerTable(capacity int) *HandlerTable {
	return &HandlerTable{
		capacity: capacity,
		handlers: make([]registeredHandler, 0, capacity),
	}
}

// Register installs a trap over [base, base+size).
func (t *HandlerTable) Register(name string, base, size uint64, h MMIOHandler) error {
	if h == nil {
		return fmt.Errorf("mmio: handler %s is nil", name)
	}
	if size == 0 {
		return fmt.Errorf("mmio: cannot register zero-size region for %s", name)
	}
	region := MMIORegion{Address: base, Size: size}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.handlers) >= t.capacity {
		return fmt.Errorf("mmio: register %s at %s: %w (capacity %d)", name, region, ErrHandlerTableFull, t.capacity)
	}

	idx := sort.Search(len(t.handlers), func(i int) bool {
		return t.handlers[i].region.Address >= base
	})
	if idx > 0 && t.handlers[idx-1].region.overlaps(region) {
		prev := t.handlers[idx-1]
		return fmt.Errorf("mmio: region %s for %s overlaps %s %s", region, name, prev.name, prev.region)
	}
	if idx < len(t.handlers) && t.handlers[idx].region.overlaps(region) {
		next := t.handlers[idx]
		return fmt.Errorf("mmio: region %s for %s overlaps %s %s", region, name, next.name, next.region)
	}

	t.handlers = append(t.handlers, registeredHandler{})
	copy(t.handlers[idx+1:], t.handlers[idx:])
	t.handlers[idx] = registeredHandler{name: name, region: region, handler: h}
	return nil
}

// Unregister removes the trap starting at base, freeing its slot.
func (t *HandlerTable) Unregister(base uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, h := range t.handlers {
		if h.region.Address == base {
			t.handlers = append(t.handlers[:i], t.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of installed traps.
func (t *HandlerTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handlers)
}

// Cap returns the table capacity.
func (t *HandlerTable) Cap() int {
	return t.capacity
}

// Regions returns a copy of the installed traps ordered by address.
func (t *HandlerTable) Regions() []RegisteredRegion {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]RegisteredRegion, len(t.handlers))
	for i, h := range t.handlers {
		out[i] = RegisteredRegion{Name: h.name, Region: h.region}
	}
	return out
}

// Find returns the handler whose region contains addr. Only the start of the
// access is matched.
func (t *HandlerTable) Find(addr uint64) (MMIOHandler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	idx := sort.Search(len(t.handlers), func(i int) bool {
		return t.handlers[i].region.Address > addr
	})
	if idx == 0 {
		return nil, false
	}
	h := t.handlers[idx-1]
	if !h.region.Contains(addr) {
		return nil, false
	}
	return h.handler, true
}

// ReadMMIO implements MMIOHandler by dispatching to the matching trap.
func (t *HandlerTable) ReadMMIO(ctx ExitContext, addr uint64, data []byte) error {
	h, ok := t.Find(addr)
	if !ok {
		return fmt.Errorf("mmio: read %#x/%d: %w", addr, len(data), ErrUnhandled)
	}
	return h.ReadMMIO(ctx, addr, data)
}

// WriteMMIO implements MMIOHandler by dispatching to the matching trap.
func (t *HandlerTable) WriteMMIO(ctx ExitContext, addr uint64, data []byte) error {
	h, ok := t.Find(addr)
	if !ok {
		return fmt.Errorf("mmio: write %#x/%d: %w", addr, len(data), ErrUnhandled)
	}
	return h.WriteMMIO(ctx, addr, data)
}

var (
	_ MMIOHandler = (*HandlerTable)(nil)
)
