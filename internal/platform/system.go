package platform

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tinyrange/vpci/internal/devices/pci"
	"github.com/tinyrange/vpci/internal/hv"
	"github.com/tinyrange/vpci/internal/vpci"
)

// Options configures NewSystem.
type Options struct {
	// Backend reaches physical memory. When nil the platform's functions
	// are simulated in a pci.MemoryBackend.
	Backend pci.Backend
	Router  vpci.InterruptRouter
	Logger  *slog.Logger
	// Metrics receives the vPCI collectors; nil keeps them private.
	Metrics *prometheus.Registry
}

// System is a host assembled from a Platform with every domain created and
// every device attached.
type System struct {
	Platform *Platform
	Backend  pci.Backend
	// Memory is the simulated backend, nil when Options.Backend was set.
	Memory   *pci.MemoryBackend
	Registry *pci.Registry
	Manager  *vpci.Manager
}

// NewSystem builds the bridges, populates simulated functions, creates the
// domains in file order and then attaches devices: the bridge owners first,
// then the guests' passthrough devices.
func NewSystem(p *Platform, opts Options) (*System, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &System{Platform: p, Backend: opts.Backend}
	if s.Backend == nil {
		s.Memory = pci.NewMemoryBackend()
		s.Backend = s.Memory
	}

	s.Registry = pci.NewRegistry()
	for _, b := range p.Bridges {
		hb, err := s.hostBridge(b)
		if err != nil {
			return nil, err
		}
		if err := s.Registry.Add(hb); err != nil {
			return nil, fmt.Errorf("platform: %w", err)
		}
	}

	if s.Memory != nil {
		if err := s.populate(); err != nil {
			return nil, err
		}
	}

	m, err := vpci.NewManager(vpci.Config{
		Registry:     s.Registry,
		Memory:       s.Backend,
		Layout:       p.Layout(),
		Router:       opts.Router,
		Logger:       opts.Logger,
		Metrics:      vpci.NewMetrics(opts.Metrics),
		BaseHandlers: p.BaseHandlers,
	})
	if err != nil {
		return nil, fmt.Errorf("platform: %w", err)
	}
	s.Manager = m

	if err := s.boot(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *System) hostBridge(b Bridge) (*pci.HostBridge, error) {
	hb := &pci.HostBridge{
		Name:    b.Name,
		Segment: b.Segment,
		Owner:   hv.DomainID(b.Owner),
		Root:    pci.NewRootWindow(uint64(b.Root.Base), uint64(b.Root.Size), b.Root.FirstBus, b.Root.busShift(), s.Backend),
	}
	if c := b.Child; c != nil {
		var atu pci.ATU
		if b.ATU != nil {
			v := &viewportATU{backend: s.Backend, addr: uint64(b.ATU.Addr), value: uint32(b.ATU.Value)}
			if s.Memory != nil {
				if err := s.Memory.AddRegion(v.addr, 4); err != nil {
					return nil, fmt.Errorf("platform: %s: atu: %w", b.Name, err)
				}
			}
			atu = v
		}
		hb.Child = pci.NewChildWindow(uint64(c.Base), uint64(c.Size), c.FirstBus, c.busShift(), s.Backend, atu)
	}
	for _, r := range b.Resources {
		hb.Resources = append(hb.Resources, pci.Resource{Name: r.Name, Base: uint64(r.Base), Size: uint64(r.Size)})
	}
	return hb, nil
}

// ConfigAddress returns the physical ECAM address of sbdf's configuration
// space.
func (s *System) ConfigAddress(sbdf pci.SBDF) (uint64, error) {
	b, ok := s.Registry.Find(sbdf.Segment, sbdf.Bus)
	if !ok {
		return 0, fmt.Errorf("platform: %s: %w", sbdf, pci.ErrNoBridge)
	}
	w, ok := b.WindowForBus(sbdf.Bus)
	if !ok {
		return 0, fmt.Errorf("platform: %s: %w", sbdf, pci.ErrNoBridge)
	}
	return w.Base + w.Encode(sbdf.Bus, sbdf.Device, sbdf.Function, 0), nil
}

func (s *System) populate() error {
	for _, f := range s.Platform.Functions {
		sbdf, err := pci.ParseSBDF(f.SBDF)
		if err != nil {
			return fmt.Errorf("platform: %w", err)
		}
		addr, err := s.ConfigAddress(sbdf)
		if err != nil {
			return err
		}
		if err := s.Memory.AddFunction(addr, f.FunctionSpec()); err != nil {
			return fmt.Errorf("platform: %s: %w", sbdf, err)
		}
	}
	return nil
}

func (s *System) boot() error {
	m := s.Manager
	for _, pd := range s.Platform.Domains {
		cfg, err := pd.DomainConfig()
		if err != nil {
			return fmt.Errorf("platform: domain %d: %w", pd.ID, err)
		}
		if _, err := m.CreateDomain(cfg); err != nil {
			return fmt.Errorf("platform: %w", err)
		}
	}

	for _, f := range s.Platform.Functions {
		sbdf, err := pci.ParseSBDF(f.SBDF)
		if err != nil {
			return fmt.Errorf("platform: %w", err)
		}
		b, ok := s.Registry.Find(sbdf.Segment, sbdf.Bus)
		if !ok {
			continue
		}
		owner, ok := m.Domain(b.Owner)
		if !ok || !owner.HasVPCI() {
			continue
		}
		if err := m.AddDevice(owner, sbdf); err != nil {
			return fmt.Errorf("platform: add %s to %s: %w", sbdf, owner.ID, err)
		}
	}

	for _, pd := range s.Platform.Domains {
		d, ok := m.Domain(hv.DomainID(pd.ID))
		if !ok {
			continue
		}
		for _, str := range pd.Devices {
			sbdf, err := pci.ParseSBDF(str)
			if err != nil {
				return fmt.Errorf("platform: %w", err)
			}
			if err := m.AssignDevice(d, sbdf); err != nil {
				return fmt.Errorf("platform: assign %s to %s: %w", sbdf, d.ID, err)
			}
		}
	}
	return nil
}

// viewportATU restores a shared outbound viewport by rewriting its control
// register.
type viewportATU struct {
	backend pci.Backend
	addr    uint64
	value   uint32
}

func (a *viewportATU) Restore(w *pci.ConfigWindow) error {
	if err := a.backend.Write(a.addr, 4, uint64(a.value)); err != nil {
		return fmt.Errorf("restore viewport for %s: %w", w, err)
	}
	return nil
}

var (
	_ pci.ATU = (*viewportATU)(nil)
)
