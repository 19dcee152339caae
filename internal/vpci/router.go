package vpci

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tinyrange/vpci/internal/devices/pci"
)

var (
	// ErrNotConfigured is returned when disabling an entry that was never
	// bound at the interrupt controller.
	ErrNotConfigured = errors.New("MSI-X entry not configured")
	// ErrHardwareRejected wraps any other failure of the interrupt router.
	ErrHardwareRejected = errors.New("interrupt router rejected MSI-X entry")
)

// InterruptRouter programs the physical interrupt path for MSI-X entries.
// Calls are made with the device lock held.
type InterruptRouter interface {
	// EnableEntry binds e's route at the hardware level. tableAddr is the
	// physical address of the device's MSI-X table.
	EnableEntry(dev pci.SBDF, e *MSIXEntry, tableAddr uint64) error
	// DisableEntry unbinds e. It returns ErrNotConfigured for entries that
	// were never enabled.
	DisableEntry(dev pci.SBDF, e *MSIXEntry) error
	// MaskEntry sets the hardware mask of an entry without rebinding it.
	MaskEntry(dev pci.SBDF, e *MSIXEntry, masked bool)
}

// ControlIntercept sees every MSI-X control value before it reaches the
// device. It may return an altered value, or false to veto the write.
type ControlIntercept func(dev pci.SBDF, reg uint32, value uint16) (uint16, bool)

// Binding is an entry programmed at the hardware level.
type Binding struct {
	Device    pci.SBDF
	Index     int
	Route     Route
	Masked    bool
	TableAddr uint64
}

type bindingKey struct {
	dev   pci.SBDF
	index int
}

// RouteTable is an InterruptRouter that keeps bindings in memory and, when
// given a backend, writes them through to the physical MSI-X table.
type RouteTable struct {
	mu       sync.Mutex
	mem      pci.Backend
	bindings map[bindingKey]*Binding
}

// NewRouteTable returns an empty table. mem may be nil.
func NewRouteTable(mem pci.Backend) *RouteTable {
	return &RouteTable{
		mem:      mem,
		bindings: make(map[bindingKey]*Binding),
	}
}

// EnableEntry implements InterruptRouter.
func (t *RouteTable) EnableEntry(dev pci.SBDF, e *MSIXEntry, tableAddr uint64) error {
	if e.Route.Addr == 0 {
		return fmt.Errorf("%w: %s entry %d has no doorbell address", ErrHardwareRejected, dev, e.Index)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := bindingKey{dev: dev, index: e.Index}
	b := &Binding{
		Device:    dev,
		Index:     e.Index,
		Route:     e.Route,
		Masked:    e.Masked,
		TableAddr: tableAddr,
	}
	if err := t.program(b); err != nil {
		return fmt.Errorf("%w: %s entry %d: %v", ErrHardwareRejected, dev, e.Index, err)
	}
	t.bindings[key] = b
	return nil
}

// DisableEntry implements InterruptRouter.
func (t *RouteTable) DisableEntry(dev pci.SBDF, e *MSIXEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := bindingKey{dev: dev, index: e.Index}
	b, ok := t.bindings[key]
	if !ok {
		return ErrNotConfigured
	}
	if err := t.writeVectorControl(b, true); err != nil {
		return fmt.Errorf("%w: %s entry %d: %v", ErrHardwareRejected, dev, e.Index, err)
	}
	delete(t.bindings, key)
	return nil
}

// MaskEntry implements InterruptRouter.
func (t *RouteTable) MaskEntry(dev pci.SBDF, e *MSIXEntry, masked bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.bindings[bindingKey{dev: dev, index: e.Index}]
	if !ok {
		return
	}
	b.Masked = masked
	_ = t.writeVectorControl(b, masked)
}

// Lookup returns the binding of an entry, if any.
func (t *RouteTable) Lookup(dev pci.SBDF, index int) (Binding, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.bindings[bindingKey{dev: dev, index: index}]
	if !ok {
		return Binding{}, false
	}
	return *b, true
}

// Bindings returns every binding ordered by device and entry.
func (t *RouteTable) Bindings() []Binding {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Binding, 0, len(t.bindings))
	for _, b := range t.bindings {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Device != out[j].Device {
			return out[i].Device.Uint32() < out[j].Device.Uint32()
		}
		return out[i].Index < out[j].Index
	})
	return out
}

func (t *RouteTable) entryAddr(b *Binding) uint64 {
	return b.TableAddr + uint64(b.Index)*pci.MSIXEntrySize
}

func (t *RouteTable) program(b *Binding) error {
	if t.mem == nil {
		return nil
	}
	addr := t.entryAddr(b)
	if err := t.mem.Write(addr+pci.MSIXEntryAddrLow, 8, b.Route.Addr); err != nil {
		return err
	}
	if err := t.mem.Write(addr+pci.MSIXEntryData, 4, uint64(b.Route.Data)); err != nil {
		return err
	}
	return t.writeVectorControl(b, b.Masked)
}

func (t *RouteTable) writeVectorControl(b *Binding, masked bool) error {
	if t.mem == nil {
		return nil
	}
	var v uint64
	if masked {
		v = pci.MSIXVectorMasked
	}
	return t.mem.Write(t.entryAddr(b)+pci.MSIXEntryVectorControl, 4, v)
}

var (
	_ InterruptRouter = (*RouteTable)(nil)
)
