package pci

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/tinyrange/vpci/internal/hv"
)

// MaxBusShift bounds the register-offset field so that 256 buses still fit
// in a 64-bit window offset.
const MaxBusShift = 24

// Registry holds every physical host bridge. Bridges are added at boot and
// never removed.
type Registry struct {
	mu      sync.RWMutex
	bridges []*HostBridge
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add validates b and appends it. Windows of all bridges must be disjoint.
func (r *Registry) Add(b *HostBridge) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.validate(b); err != nil {
		return fmt.Errorf("pci: add host bridge %q: %w", b.Name, err)
	}
	r.bridges = append(r.bridges, b)
	return nil
}

func (r *Registry) validate(b *HostBridge) error {
	var result *multierror.Error

	if b.Root == nil {
		return fmt.Errorf("root window is required")
	}
	if b.Child != nil && b.Child.Kind != WindowChild {
		result = multierror.Append(result, fmt.Errorf("child window has kind %s", b.Child.Kind))
	}
	if b.Root.Kind != WindowRoot {
		result = multierror.Append(result, fmt.Errorf("root window has kind %s", b.Root.Kind))
	}

	for _, w := range b.Windows() {
		if w.Size == 0 {
			result = multierror.Append(result, fmt.Errorf("%s: zero size", w))
		}
		if w.Base+w.Size < w.Base {
			result = multierror.Append(result, fmt.Errorf("%s: wraps the address space", w))
		}
		if w.BusShift < DefaultBusShift || w.BusShift > MaxBusShift {
			result = multierror.Append(result, fmt.Errorf("%s: bus shift must be within [%d, %d]", w, DefaultBusShift, MaxBusShift))
		}
	}
	if b.Child != nil && windowsOverlap(b.Root, b.Child) {
		result = multierror.Append(result, fmt.Errorf("%s overlaps %s", b.Root, b.Child))
	}

	for _, other := range r.bridges {
		if other.Name == b.Name {
			result = multierror.Append(result, fmt.Errorf("duplicate bridge name"))
		}
		for _, w := range b.Windows() {
			for _, ow := range other.Windows() {
				if windowsOverlap(w, ow) {
					result = multierror.Append(result, fmt.Errorf("%s overlaps %s of %q", w, ow, other.Name))
				}
			}
		}
		if other.Segment == b.Segment {
			for bus := 0; bus < 256; bus++ {
				if b.CoversBus(uint8(bus)) && other.CoversBus(uint8(bus)) {
					result = multierror.Append(result, fmt.Errorf("bus %04x:%02x already decoded by %q", b.Segment, bus, other.Name))
					break
				}
			}
		}
	}

	return result.ErrorOrNil()
}

func windowsOverlap(a, b *ConfigWindow) bool {
	return a.Base < b.Base+b.Size && b.Base < a.Base+a.Size
}

// Bridges returns the registered bridges in registration order.
func (r *Registry) Bridges() []*HostBridge {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*HostBridge, len(r.bridges))
	copy(out, r.bridges)
	return out
}

// Find returns the bridge that decodes segment:bus.
func (r *Registry) Find(segment uint16, bus uint8) (*HostBridge, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, b := range r.bridges {
		if b.Segment == segment && b.CoversBus(bus) {
			return b, true
		}
	}
	return nil, false
}

// IterateAndCount calls cb for every bridge owned by owner and sums the
// non-negative results. The first error stops the walk and is returned with
// the count accumulated so far.
func (r *Registry) IterateAndCount(owner hv.DomainID, cb func(*HostBridge) (int, error)) (int, error) {
	total := 0
	for _, b := range r.Bridges() {
		if b.Owner != owner {
			continue
		}
		n, err := cb(b)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// ReadConfig implements ConfigAccessor over all bridges.
func (r *Registry) ReadConfig(sbdf SBDF, reg uint32, width int) (uint32, error) {
	b, ok := r.Find(sbdf.Segment, sbdf.Bus)
	if !ok {
		return uint32(allOnes(width)), fmt.Errorf("pci: read %s: %w", sbdf, ErrNoBridge)
	}
	return b.ReadConfig(sbdf, reg, width)
}

// WriteConfig implements ConfigAccessor over all bridges.
func (r *Registry) WriteConfig(sbdf SBDF, reg uint32, width int, value uint32) error {
	b, ok := r.Find(sbdf.Segment, sbdf.Bus)
	if !ok {
		return fmt.Errorf("pci: write %s: %w", sbdf, ErrNoBridge)
	}
	return b.WriteConfig(sbdf, reg, width, value)
}

var (
	_ ConfigAccessor = (*Registry)(nil)
)
