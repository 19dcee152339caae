package platform

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/tinyrange/vpci/internal/devices/pci"
	"github.com/tinyrange/vpci/internal/vpci"
)

// Validate checks the description for problems that can be found without
// building it, reporting all of them at once.
func (p *Platform) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if l := p.GuestLayout; l != nil {
		if l.ECAMSize == 0 || l.MemSize == 0 || l.PrefetchMemSize == 0 {
			add("guest_layout: every window needs a size")
		}
	}
	if p.BaseHandlers < 0 {
		add("base_handlers: must not be negative")
	}

	bridges := make(map[string]bool)
	for i, b := range p.Bridges {
		name := b.Name
		if name == "" {
			name = fmt.Sprintf("bridges[%d]", i)
			add("%s: missing name", name)
		}
		if bridges[b.Name] {
			add("%s: duplicate bridge name", name)
		}
		bridges[b.Name] = true

		if b.Root.Size == 0 {
			add("%s: root window has no size", name)
		}
		if b.Child != nil && b.Child.Size == 0 {
			add("%s: child window has no size", name)
		}
		if b.ATU != nil && b.Child == nil {
			add("%s: atu without a child window", name)
		}
		for _, r := range b.Resources {
			if r.Name == "" || r.Size == 0 {
				add("%s: resource %q needs a name and a size", name, r.Name)
			}
		}
	}

	domains := make(map[uint16]bool)
	assigned := make(map[pci.SBDF]uint16)
	hardware := 0
	vfs := make(map[pci.SBDF]bool)
	for _, f := range p.Functions {
		if sbdf, err := pci.ParseSBDF(f.SBDF); err == nil && f.VirtualFunction {
			vfs[sbdf] = true
		}
	}

	for _, d := range p.Domains {
		if domains[d.ID] {
			add("domain %d: duplicate id", d.ID)
		}
		domains[d.ID] = true

		kind, err := parseKind(d.Kind)
		if err != nil {
			add("domain %d: %w", d.ID, err)
			continue
		}
		if kind == vpci.DomainHardware {
			hardware++
		}
		for _, s := range d.Devices {
			sbdf, err := pci.ParseSBDF(s)
			if err != nil {
				add("domain %d: %w", d.ID, err)
				continue
			}
			if sbdf.Function != 0 && !vfs[sbdf] {
				add("domain %d: %s: only function 0 can be passed through", d.ID, sbdf)
			}
			if other, ok := assigned[sbdf]; ok {
				add("domain %d: %s already assigned to domain %d", d.ID, sbdf, other)
			}
			assigned[sbdf] = d.ID
		}
	}
	if hardware > 1 {
		add("more than one hardware domain")
	}
	for _, b := range p.Bridges {
		if len(p.Domains) > 0 && !domains[b.Owner] {
			add("%s: owner %d is not a declared domain", b.Name, b.Owner)
		}
	}

	functions := make(map[pci.SBDF]bool)
	for i, f := range p.Functions {
		sbdf, err := pci.ParseSBDF(f.SBDF)
		if err != nil {
			add("functions[%d]: %w", i, err)
			continue
		}
		if functions[sbdf] {
			add("%s: duplicate function", sbdf)
		}
		functions[sbdf] = true
		if _, ok := p.bridgeFor(sbdf); !ok {
			add("%s: no bridge decodes bus %02x", sbdf, sbdf.Bus)
		}
		if x := f.MSIX; x != nil && (x.Entries < 1 || x.Entries > 2048) {
			add("%s: MSI-X entries must be within [1, 2048]", sbdf)
		}
		if v := f.SRIOV; v != nil {
			if f.VirtualFunction {
				add("%s: a virtual function cannot have an SR-IOV capability", sbdf)
			}
			if v.CapOffset < pci.ExtCapStart || v.CapOffset%4 != 0 {
				add("%s: SR-IOV capability offset %#x outside extended configuration space", sbdf, uint64(v.CapOffset))
			}
			if v.NumVFs < 0 || v.NumVFs > v.TotalVFs || v.TotalVFs > 0xffff {
				add("%s: SR-IOV num_vfs %d must be within [0, total_vfs %d]", sbdf, v.NumVFs, v.TotalVFs)
			}
		}
	}

	return result.ErrorOrNil()
}

// bridgeFor returns the bridge whose windows decode sbdf's bus.
func (p *Platform) bridgeFor(sbdf pci.SBDF) (*Bridge, bool) {
	for i := range p.Bridges {
		b := &p.Bridges[i]
		if b.Segment != sbdf.Segment {
			continue
		}
		for _, w := range []*Window{&b.Root, b.Child} {
			if w == nil || w.Size == 0 {
				continue
			}
			cw := pci.NewRootWindow(uint64(w.Base), uint64(w.Size), w.FirstBus, w.busShift(), nil)
			if cw.CoversBus(sbdf.Bus) {
				return b, true
			}
		}
	}
	return nil, false
}
