package hv

import (
	"fmt"
	"sort"
	"sync"
)

type MappingKind int

const (
	// MappingIdentity maps a guest range onto the same host physical range.
	MappingIdentity MappingKind = iota
	// MappingTranslated maps a guest range onto a different host range.
	MappingTranslated
)

func (k MappingKind) String() string {
	switch k {
	case MappingIdentity:
		return "identity"
	case MappingTranslated:
		return "translated"
	default:
		return fmt.Sprintf("MappingKind(%d)", int(k))
	}
}

// Mapping is one stage-2 translation installed for a domain.
type Mapping struct {
	Name      string
	Kind      MappingKind
	GuestBase uint64
	HostBase  uint64
	Size      uint64
}

func (m Mapping) guestRegion() MMIORegion {
	return MMIORegion{Address: m.GuestBase, Size: m.Size}
}

// Grant is a host physical range the domain is permitted to have mapped.
type Grant struct {
	Name string
	Base uint64
	Size uint64
}

func (g Grant) region() MMIORegion {
	return MMIORegion{Address: g.Base, Size: g.Size}
}

// AddressSpace tracks a domain's guest-physical layout: which ranges are
// mapped straight through to host memory and which host ranges the domain
// has been granted. Ranges without a mapping are only reachable through
// registered traps.
type AddressSpace struct {
	mu sync.Mutex

	mappings []Mapping // sorted by GuestBase
	grants   []Grant
}

func NewAddressSpace() *AddressSpace {
	return &AddressSpace{}
}

// Grant permits the domain to access [base, base+size).
func (a *AddressSpace) Grant(name string, base, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return fmt.Errorf("address_space: cannot grant zero-size region %s", name)
	}
	g := Grant{Name: name, Base: base, Size: size}
	for _, existing := range a.grants {
		if existing.region().overlaps(g.region()) {
			return fmt.Errorf("address_space: grant %s [0x%x-0x%x) overlaps %s [0x%x-0x%x)",
				name, base, base+size, existing.Name, existing.Base, existing.Base+existing.Size)
		}
	}
	a.grants = append(a.grants, g)
	return nil
}

// IsGranted reports whether addr lies inside a granted range.
func (a *AddressSpace) IsGranted(addr uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, g := range a.grants {
		if g.region().Contains(addr) {
			return true
		}
	}
	return false
}

// MapIdentity maps [base, base+size) one-to-one.
func (a *AddressSpace) MapIdentity(name string, base, size uint64) error {
	return a.insert(Mapping{
		Name:      name,
		Kind:      MappingIdentity,
		GuestBase: base,
		HostBase:  base,
		Size:      size,
	})
}

// Map maps [guest, guest+size) onto [host, host+size).
func (a *AddressSpace) Map(name string, guest, host, size uint64) error {
	kind := MappingTranslated
	if guest == host {
		kind = MappingIdentity
	}
	return a.insert(Mapping{
		Name:      name,
		Kind:      kind,
		GuestBase: guest,
		HostBase:  host,
		Size:      size,
	})
}

func (a *AddressSpace) insert(m Mapping) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if m.Size == 0 {
		return fmt.Errorf("address_space: cannot map zero-size region %s", m.Name)
	}
	if m.GuestBase+m.Size < m.GuestBase {
		return fmt.Errorf("address_space: region %s wraps the address space", m.Name)
	}
	for _, existing := range a.mappings {
		if existing.guestRegion().overlaps(m.guestRegion()) {
			return fmt.Errorf("address_space: mapping %s [0x%x-0x%x) overlaps %s [0x%x-0x%x)",
				m.Name, m.GuestBase, m.GuestBase+m.Size,
				existing.Name, existing.GuestBase, existing.GuestBase+existing.Size)
		}
	}

	idx := sort.Search(len(a.mappings), func(i int) bool {
		return a.mappings[i].GuestBase >= m.GuestBase
	})
	a.mappings = append(a.mappings, Mapping{})
	copy(a.mappings[idx+1:], a.mappings[idx:])
	a.mappings[idx] = m
	return nil
}

// Unmap removes the mapping starting at guestBase.
func (a *AddressSpace) Unmap(guestBase uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, m := range a.mappings {
		if m.GuestBase == guestBase {
			a.mappings = append(a.mappings[:i], a.mappings[i+1:]...)
			return true
		}
	}
	return false
}

// Translate returns the host address backing gpa, if it is mapped.
func (a *AddressSpace) Translate(gpa uint64) (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := sort.Search(len(a.mappings), func(i int) bool {
		return a.mappings[i].GuestBase > gpa
	})
	if idx == 0 {
		return 0, false
	}
	m := a.mappings[idx-1]
	if !m.guestRegion().Contains(gpa) {
		return 0, false
	}
	return m.HostBase + (gpa - m.GuestBase), true
}

// Mappings returns a copy of all mappings ordered by guest address.
func (a *AddressSpace) Mappings() []Mapping {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]Mapping, len(a.mappings))
	copy(result, a.mappings)
	return result
}

// Grants returns a copy of all grants.
func (a *AddressSpace) Grants() []Grant {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]Grant, len(a.grants))
	copy(result, a.grants)
	return result
}

// AlignUp aligns value up to the specified alignment.
func AlignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
