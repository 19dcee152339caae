package vpci

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tinyrange/vpci/internal/devices/pci"
	"github.com/tinyrange/vpci/internal/hv"
)

// Synthetic guest platform layout.
const (
	GuestECAMBase = 0x1000_0000
	GuestECAMSize = 0x1000_0000

	GuestMemBase = 0x2300_0000
	GuestMemSize = 0x1000_0000

	GuestPrefetchMemBase = 0x3a_0000_0000
	GuestPrefetchMemSize = 0x4_0000_0000
)

const (
	// MaxVirtualDevices is the number of device slots on a guest's bus 0.
	MaxVirtualDevices = pci.MaxDevices

	// BaseMMIOHandlers is the number of trap slots every domain gets for
	// handlers outside this package's accounting, including the hardware
	// domain's MSI-X table traps.
	BaseMMIOHandlers = 16
)

var (
	ErrDomainExists  = errors.New("domain already exists")
	ErrNoDomain      = errors.New("no such domain")
	ErrNoDevice      = errors.New("no such device")
	ErrNotOwner      = errors.New("domain does not own the device's host bridge")
	ErrNoVPCI        = errors.New("domain has vPCI disabled")
	ErrNoSlot        = errors.New("no free virtual device slot")
	ErrMultiFunction = errors.New("only function 0 can be passed through")
)

// GuestLayout places the synthetic host bridge in guest physical memory.
type GuestLayout struct {
	ECAMBase uint64
	ECAMSize uint64

	MemBase uint64
	MemSize uint64

	PrefetchMemBase uint64
	PrefetchMemSize uint64
}

// DefaultGuestLayout returns the fixed layout every guest sees.
func DefaultGuestLayout() GuestLayout {
	return GuestLayout{
		ECAMBase:        GuestECAMBase,
		ECAMSize:        GuestECAMSize,
		MemBase:         GuestMemBase,
		MemSize:         GuestMemSize,
		PrefetchMemBase: GuestPrefetchMemBase,
		PrefetchMemSize: GuestPrefetchMemSize,
	}
}

// Config configures a Manager. Registry is required; everything else has
// a default.
type Config struct {
	Registry *pci.Registry
	// Memory backs MSI-X table and PBA accesses that reach hardware.
	Memory    pci.Backend
	Layout    GuestLayout
	Router    InterruptRouter
	Intercept ControlIntercept
	Logger    *slog.Logger
	Metrics   *Metrics
	// BaseHandlers overrides BaseMMIOHandlers when positive.
	BaseHandlers int
}

// Manager owns the vPCI state of every domain and physical device.
type Manager struct {
	registry  *pci.Registry
	cfg       pci.ConfigAccessor
	mem       pci.Backend
	layout    GuestLayout
	guestECAM *pci.ConfigWindow
	router    InterruptRouter
	intercept ControlIntercept
	log       *slog.Logger
	metrics   *Metrics
	base      int

	mu      sync.Mutex
	domains map[hv.DomainID]*Domain
	devices map[pci.SBDF]*Device

	// sriovMu guards physFns. It is taken last.
	sriovMu sync.Mutex
	physFns map[pci.SBDF]*pci.SRIOV
}

// NewManager validates cfg and fills in defaults. Domains and devices are
// added afterwards.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("vpci: registry is required")
	}
	if cfg.Layout == (GuestLayout{}) {
		cfg.Layout = DefaultGuestLayout()
	}
	if cfg.Layout.ECAMSize == 0 || cfg.Layout.MemSize == 0 || cfg.Layout.PrefetchMemSize == 0 {
		return nil, fmt.Errorf("vpci: guest layout has an empty window")
	}
	if cfg.Memory == nil {
		cfg.Memory = pci.NewMemoryBackend()
	}
	if cfg.Router == nil {
		cfg.Router = NewRouteTable(cfg.Memory)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	if cfg.BaseHandlers <= 0 {
		cfg.BaseHandlers = BaseMMIOHandlers
	}

	return &Manager{
		registry:  cfg.Registry,
		cfg:       cfg.Registry,
		mem:       cfg.Memory,
		layout:    cfg.Layout,
		guestECAM: pci.NewRootWindow(cfg.Layout.ECAMBase, cfg.Layout.ECAMSize, 0, pci.DefaultBusShift, nil),
		router:    cfg.Router,
		intercept: cfg.Intercept,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
		base:      cfg.BaseHandlers,
		domains:   make(map[hv.DomainID]*Domain),
		devices:   make(map[pci.SBDF]*Device),
		physFns:   make(map[pci.SBDF]*pci.SRIOV),
	}, nil
}

// Registry returns the host bridge registry.
func (m *Manager) Registry() *pci.Registry { return m.registry }

// Layout returns the guest layout.
func (m *Manager) Layout() GuestLayout { return m.layout }

// Router returns the interrupt router.
func (m *Manager) Router() InterruptRouter { return m.router }

// Metrics returns the manager's metrics.
func (m *Manager) Metrics() *Metrics { return m.metrics }

// CreateDomain builds a domain, sizes its handler table and installs its
// configuration space traps.
func (m *Manager) CreateDomain(cfg DomainConfig) (*Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.domains[cfg.ID]; ok {
		return nil, fmt.Errorf("vpci: create %s: %w", cfg.ID, ErrDomainExists)
	}

	count, err := m.CountMMIOHandlers(cfg)
	if err != nil {
		return nil, fmt.Errorf("vpci: create %s: %w", cfg.ID, err)
	}
	d := newDomain(cfg, m.base+count, m.layout)

	if err := m.initDomain(d); err != nil {
		return nil, fmt.Errorf("vpci: create %s: %w", cfg.ID, err)
	}
	m.domains[cfg.ID] = d
	m.metrics.handlers.WithLabelValues(d.ID.String()).Set(float64(d.Handlers.Len()))

	m.log.Info("vpci domain created",
		"domain", d.ID.String(),
		"kind", d.Kind.String(),
		"handlers", d.Handlers.Len(),
		"capacity", d.Handlers.Cap(),
	)
	return d, nil
}

// DestroyDomain deassigns every device of the domain and forgets it.
func (m *Manager) DestroyDomain(id hv.DomainID) error {
	m.mu.Lock()
	d, ok := m.domains[id]
	if ok {
		delete(m.domains, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("vpci: destroy %s: %w", id, ErrNoDomain)
	}

	for _, dev := range d.Devices() {
		if err := m.DeassignDevice(d, dev.SBDF); err != nil {
			return fmt.Errorf("vpci: destroy %s: %w", id, err)
		}
	}
	m.metrics.handlers.DeleteLabelValues(id.String())
	return nil
}

// Domain returns a domain by ID.
func (m *Manager) Domain(id hv.DomainID) (*Domain, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.domains[id]
	return d, ok
}

// Domains returns all domains ordered by ID.
func (m *Manager) Domains() []*Domain {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Domain, 0, len(m.domains))
	for _, d := range m.domains {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Device returns the record of a physical device, if it was ever attached.
func (m *Manager) Device(sbdf pci.SBDF) (*Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.devices[sbdf]
	return dev, ok
}

// Devices returns every known physical device ordered by SBDF.
func (m *Manager) Devices() []*Device {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Device, 0, len(m.devices))
	for _, dev := range m.devices {
		out = append(out, dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SBDF.Uint32() < out[j].SBDF.Uint32() })
	return out
}

func (m *Manager) device(sbdf pci.SBDF) *Device {
	m.mu.Lock()
	defer m.mu.Unlock()

	dev, ok := m.devices[sbdf]
	if !ok {
		dev = &Device{SBDF: sbdf, m: m}
		m.devices[sbdf] = dev
	}
	return dev
}
