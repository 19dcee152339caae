package vpci

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/tinyrange/vpci/internal/devices/pci"
	"github.com/tinyrange/vpci/internal/hv"
)

const (
	hwdomID hv.DomainID = 0
	guestID hv.DomainID = 1

	testRootBase  = 0x4000_0000 // bus 0
	testRootSize  = 0x10_0000
	testChildBase = 0x4100_0000 // buses 1-15
	testChildSize = 0xf0_0000
	testBARBase   = 0x5000_0000
	testBARSize   = 0x4000

	testCapOffset   = 0x40
	testTableOffset = 0x2000
	testPBAOffset   = 0x3000
)

type routerCall struct {
	op    string
	index int
}

// fakeRouter records every call and keeps bindings per entry index.
type fakeRouter struct {
	mu          sync.Mutex
	calls       []routerCall
	bound       map[int]Route
	failDisable map[int]error
	failEnable  map[int]error
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{
		bound:       make(map[int]Route),
		failDisable: make(map[int]error),
		failEnable:  make(map[int]error),
	}
}

func (r *fakeRouter) EnableEntry(dev pci.SBDF, e *MSIXEntry, tableAddr uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, routerCall{"enable", e.Index})
	if err := r.failEnable[e.Index]; err != nil {
		return err
	}
	r.bound[e.Index] = e.Route
	return nil
}

func (r *fakeRouter) DisableEntry(dev pci.SBDF, e *MSIXEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, routerCall{"disable", e.Index})
	if err := r.failDisable[e.Index]; err != nil {
		return err
	}
	if _, ok := r.bound[e.Index]; !ok {
		return ErrNotConfigured
	}
	delete(r.bound, e.Index)
	return nil
}

func (r *fakeRouter) MaskEntry(dev pci.SBDF, e *MSIXEntry, masked bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op := "unmask"
	if masked {
		op = "mask"
	}
	r.calls = append(r.calls, routerCall{op, e.Index})
}

func (r *fakeRouter) takeCalls() []routerCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.calls
	r.calls = nil
	return out
}

func (r *fakeRouter) isBound(index int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.bound[index]
	return ok
}

type testEnv struct {
	t        *testing.T
	mem      *pci.MemoryBackend
	registry *pci.Registry
	bridge   *pci.HostBridge
	router   *fakeRouter
	m        *Manager
}

func newTestEnv(t *testing.T, configure ...func(*Config)) *testEnv {
	t.Helper()

	mem := pci.NewMemoryBackend()
	bridge := &pci.HostBridge{
		Name:      "pcie0",
		Owner:     hwdomID,
		Root:      pci.NewRootWindow(testRootBase, testRootSize, 0, pci.DefaultBusShift, mem),
		Child:     pci.NewChildWindow(testChildBase, testChildSize, 1, pci.DefaultBusShift, mem, nil),
		Resources: []pci.Resource{{Name: "mem", Base: testBARBase, Size: 0x1000_0000}},
	}
	registry := pci.NewRegistry()
	if err := registry.Add(bridge); err != nil {
		t.Fatalf("add bridge: %v", err)
	}

	router := newFakeRouter()
	cfg := Config{
		Registry: registry,
		Memory:   mem,
		Router:   router,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, fn := range configure {
		fn(&cfg)
	}
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return &testEnv{t: t, mem: mem, registry: registry, bridge: bridge, router: router, m: m}
}

func msixFunction(slot uint8, entries int) pci.FunctionSpec {
	bar := uint64(testBARBase) + uint64(slot)*testBARSize
	return pci.FunctionSpec{
		VendorID:  0x1af4,
		DeviceID:  0x1041,
		ClassCode: 0x020000,
		BARs:      []pci.BARSpec{{Index: 0, Addr: bar, Size: testBARSize}},
		MSIX: &pci.MSIXSpec{
			CapOffset:   testCapOffset,
			Entries:     entries,
			TableBAR:    0,
			TableOffset: testTableOffset,
			PBABAR:      0,
			PBAOffset:   testPBAOffset,
		},
	}
}

// addFunction places spec at 0000:00:slot.0 behind the root window.
func (e *testEnv) addFunction(slot uint8, spec pci.FunctionSpec) pci.SBDF {
	e.t.Helper()
	addr := testRootBase + e.bridge.Root.Encode(0, slot, 0, 0)
	if err := e.mem.AddFunction(addr, spec); err != nil {
		e.t.Fatalf("AddFunction(%d): %v", slot, err)
	}
	return pci.NewSBDF(0, 0, slot, 0)
}

func (e *testEnv) domain(id hv.DomainID, kind DomainKind) *Domain {
	e.t.Helper()
	d, err := e.m.CreateDomain(DomainConfig{ID: id, Kind: kind, VPCI: true})
	if err != nil {
		e.t.Fatalf("CreateDomain(%s): %v", id, err)
	}
	return d
}

// hwdomWithDevice creates the hardware domain and adds an MSI-X function
// with the given number of entries in slot 0.
func (e *testEnv) hwdomWithDevice(entries int) (*Domain, *Device) {
	e.t.Helper()
	d := e.domain(hwdomID, DomainHardware)
	sbdf := e.addFunction(0, msixFunction(0, entries))
	if err := e.m.AddDevice(d, sbdf); err != nil {
		e.t.Fatalf("AddDevice: %v", err)
	}
	dev, ok := e.m.Device(sbdf)
	if !ok {
		e.t.Fatalf("device %s not recorded", sbdf)
	}
	return d, dev
}

func (e *testEnv) hwRead(sbdf pci.SBDF, reg uint32, width int) uint32 {
	e.t.Helper()
	v, err := e.registry.ReadConfig(sbdf, reg, width)
	if err != nil {
		e.t.Fatalf("hardware read %s+%#x: %v", sbdf, reg, err)
	}
	return v
}

func mmioRead(t *testing.T, d *Domain, addr uint64, width int) uint64 {
	t.Helper()
	data := make([]byte, width)
	if err := d.Handlers.ReadMMIO(d.Context(0), addr, data); err != nil {
		t.Fatalf("read %#x/%d: %v", addr, width, err)
	}
	return hv.LoadLE(data)
}

func mmioWrite(t *testing.T, d *Domain, addr uint64, width int, v uint64) {
	t.Helper()
	data := make([]byte, width)
	hv.StoreLE(data, v)
	if err := d.Handlers.WriteMMIO(d.Context(0), addr, data); err != nil {
		t.Fatalf("write %#x/%d: %v", addr, width, err)
	}
}

// writeControl writes the MSI-X control register as domain d.
func writeControl(t *testing.T, m *Manager, d *Domain, sbdf pci.SBDF, enabled, masked bool) {
	t.Helper()
	var v pci.MSIXControl
	if enabled {
		v |= pci.MSIXControlEnable
	}
	if masked {
		v |= pci.MSIXControlMaskAll
	}
	if err := m.WriteConfig(d, sbdf, testCapOffset+pci.MSIXControlReg, 2, uint64(v)); err != nil {
		t.Fatalf("write MSI-X control: %v", err)
	}
}

// programEntry writes a route for entry i through the table trap and sets
// its mask bit.
func programEntry(t *testing.T, d *Domain, tableView uint64, i int, route Route, masked bool) {
	t.Helper()
	base := tableView + uint64(i)*pci.MSIXEntrySize
	mmioWrite(t, d, base+pci.MSIXEntryAddrLow, 8, route.Addr)
	mmioWrite(t, d, base+pci.MSIXEntryData, 4, uint64(route.Data))
	var ctrl uint64
	if masked {
		ctrl = pci.MSIXVectorMasked
	}
	mmioWrite(t, d, base+pci.MSIXEntryVectorControl, 4, ctrl)
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("read gauge: %v", err)
	}
	return m.GetGauge().GetValue()
}

var errBusy = errors.New("remapping table busy")
