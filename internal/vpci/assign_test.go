package vpci

import (
	"errors"
	"testing"

	"github.com/tinyrange/vpci/internal/devices/pci"
	"github.com/tinyrange/vpci/internal/hv"
)

const (
	prefBARAddr = 0x80_0000_0000
	prefBARSize = 0x10_0000
)

// passthroughFunction has an MSI-X capable BAR0 and a 64-bit prefetchable
// BAR2.
func passthroughFunction(slot uint8) pci.FunctionSpec {
	spec := msixFunction(slot, 4)
	spec.BARs = append(spec.BARs, pci.BARSpec{
		Index:        2,
		Addr:         prefBARAddr + uint64(slot)*prefBARSize,
		Size:         prefBARSize,
		Is64:         true,
		Prefetchable: true,
	})
	return spec
}

func guestConfigAddr(slot uint8, reg uint32) uint64 {
	return GuestECAMBase + uint64(slot)<<15 + uint64(reg)
}

func TestAssignDeviceGuestView(t *testing.T) {
	env := newTestEnv(t)
	d := env.domain(guestID, DomainGuest)
	sbdf := env.addFunction(4, passthroughFunction(4))

	if err := env.m.AssignDevice(d, sbdf); err != nil {
		t.Fatalf("AssignDevice: %v", err)
	}
	dev, _ := env.m.Device(sbdf)
	if v, ok := dev.GuestSBDF(); !ok || v != pci.NewSBDF(0, 0, 0, 0) {
		t.Fatalf("guest SBDF = %s, %t", v, ok)
	}
	if got := d.VirtualDevices(); got[pci.NewSBDF(0, 0, 0, 0)] != sbdf {
		t.Fatalf("virtual devices = %v", got)
	}

	tests := []struct {
		name  string
		reg   uint32
		width int
		want  uint64
	}{
		{"ids", pci.RegVendorID, 4, 0x1041_1af4},
		{"status has capability list", pci.RegStatus, 2, pci.StatusCapabilityBit},
		{"class", pci.RegClassRevision, 4, 0x0200_0000},
		{"capability pointer", pci.RegCapabilityList, 1, testCapOffset},
		{"msix header and control", testCapOffset, 4, 0x0003_0011},
		{"msix table BIR", testCapOffset + pci.MSIXTableReg, 4, testTableOffset},
		{"BAR0", pci.BARRegister(0), 4, GuestMemBase},
		{"BAR1 unimplemented", pci.BARRegister(1), 4, 0},
		{"BAR2 low", pci.BARRegister(2), 4, GuestPrefetchMemBase&0xffff_ffff | 0xc},
		{"BAR3 high", pci.BARRegister(3), 4, GuestPrefetchMemBase >> 32},
		{"BAR2 as qword", pci.BARRegister(2), 8, GuestPrefetchMemBase | 0xc},
		{"expansion ROM", 0x30, 4, 0},
		{"extended space", 0x100, 4, 0xffff_ffff},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mmioRead(t, d, guestConfigAddr(0, tt.reg), tt.width); got != tt.want {
				t.Fatalf("read %#x/%d = %#x, want %#x", tt.reg, tt.width, got, tt.want)
			}
		})
	}

	regions := d.Handlers.Regions()
	if len(regions) != 2 || regions[1].Region != (hv.MMIORegion{Address: GuestMemBase + testTableOffset, Size: pci.MSIXTableSize(4) - 1}) {
		t.Fatalf("regions = %v", regions)
	}

	hostBAR0 := uint64(testBARBase) + 4*testBARSize
	for _, tc := range []struct {
		gpa    uint64
		host   uint64
		mapped bool
	}{
		{GuestMemBase, hostBAR0, true},
		{GuestMemBase + 0x1fff, hostBAR0 + 0x1fff, true},
		{GuestMemBase + testTableOffset, 0, false},
		{GuestMemBase + testPBAOffset, hostBAR0 + testPBAOffset, true},
		{GuestPrefetchMemBase + 0x10, prefBARAddr + 4*prefBARSize + 0x10, true},
	} {
		host, ok := d.Memory.Translate(tc.gpa)
		if ok != tc.mapped || host != tc.host {
			t.Errorf("Translate(%#x) = %#x, %t; want %#x, %t", tc.gpa, host, ok, tc.host, tc.mapped)
		}
	}
}

func TestGuestBARSizing(t *testing.T) {
	env := newTestEnv(t)
	d := env.domain(guestID, DomainGuest)
	sbdf := env.addFunction(0, passthroughFunction(0))
	if err := env.m.AssignDevice(d, sbdf); err != nil {
		t.Fatal(err)
	}

	bar0 := guestConfigAddr(0, pci.BARRegister(0))
	mmioWrite(t, d, bar0, 4, 0xffff_ffff)
	if got := mmioRead(t, d, bar0, 4); got != 0xffff_c000 {
		t.Fatalf("BAR0 size mask = %#x", got)
	}
	mmioWrite(t, d, bar0, 4, 0x1234_0000)
	if got := mmioRead(t, d, bar0, 4); got != GuestMemBase {
		t.Fatalf("BAR0 after relocation attempt = %#x", got)
	}

	bar2 := guestConfigAddr(0, pci.BARRegister(2))
	mmioWrite(t, d, bar2, 4, 0xffff_ffff)
	mmioWrite(t, d, bar2+4, 4, 0xffff_ffff)
	if got := mmioRead(t, d, bar2, 8); got != ^uint64(prefBARSize-1)|0xc {
		t.Fatalf("BAR2 size mask = %#x", got)
	}

	// Hardware BARs are never touched by the guest.
	if got := env.hwRead(sbdf, pci.BARRegister(0), 4); got != testBARBase {
		t.Fatalf("hardware BAR0 = %#x", got)
	}
}

func TestGuestCommandRegister(t *testing.T) {
	env := newTestEnv(t)
	d := env.domain(guestID, DomainGuest)
	sbdf := env.addFunction(0, passthroughFunction(0))
	if err := env.m.AssignDevice(d, sbdf); err != nil {
		t.Fatal(err)
	}

	mmioWrite(t, d, guestConfigAddr(0, pci.RegCommand), 2, 0xffff)
	want := uint64(pci.CommandMemory | pci.CommandBusMaster | 1<<10)
	if got := mmioRead(t, d, guestConfigAddr(0, pci.RegCommand), 2); got != want {
		t.Fatalf("guest command = %#x, want %#x", got, want)
	}
	if got := env.hwRead(sbdf, pci.RegCommand, 2); uint64(got) != want {
		t.Fatalf("hardware command = %#x, want %#x", got, want)
	}

	// Identity registers are read-only.
	mmioWrite(t, d, guestConfigAddr(0, pci.RegVendorID), 4, 0)
	if got := env.hwRead(sbdf, pci.RegVendorID, 4); got != 0x1041_1af4 {
		t.Fatalf("vendor/device = %#x", got)
	}
}

func TestGuestMSIXEndToEnd(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Router = nil })
	d := env.domain(guestID, DomainGuest)
	sbdf := env.addFunction(1, passthroughFunction(1))
	if err := env.m.AssignDevice(d, sbdf); err != nil {
		t.Fatal(err)
	}

	table := uint64(GuestMemBase + testTableOffset)
	programEntry(t, d, table, 2, Route{Addr: 0xfee0_2000, Data: 0x61}, false)
	mmioWrite(t, d, guestConfigAddr(0, testCapOffset+pci.MSIXControlReg), 2, uint64(pci.MSIXControlEnable))

	rt := env.m.Router().(*RouteTable)
	physTable := uint64(testBARBase) + testBARSize + testTableOffset
	b, ok := rt.Lookup(sbdf, 2)
	if !ok || b.Route != (Route{Addr: 0xfee0_2000, Data: 0x61}) || b.TableAddr != physTable {
		t.Fatalf("binding = %+v, %t", b, ok)
	}
	entry := physTable + 2*pci.MSIXEntrySize
	if v, _ := env.mem.Read(entry+pci.MSIXEntryAddrLow, 8); v != 0xfee0_2000 {
		t.Fatalf("physical entry address = %#x", v)
	}
	if v, _ := env.mem.Read(entry+pci.MSIXEntryVectorControl, 4); v != 0 {
		t.Fatalf("physical vector control = %#x", v)
	}

	if err := env.m.DeassignDevice(d, sbdf); err != nil {
		t.Fatal(err)
	}
	if len(rt.Bindings()) != 0 {
		t.Fatalf("bindings after deassign: %v", rt.Bindings())
	}
	if v, _ := env.mem.Read(entry+pci.MSIXEntryVectorControl, 4); v != pci.MSIXVectorMasked {
		t.Fatalf("physical vector control after deassign = %#x", v)
	}
}

func TestDeassignDeviceReleasesEverything(t *testing.T) {
	env := newTestEnv(t)
	d := env.domain(guestID, DomainGuest)
	sbdf := env.addFunction(0, passthroughFunction(0))
	if err := env.m.AssignDevice(d, sbdf); err != nil {
		t.Fatal(err)
	}

	if err := env.m.DeassignDevice(d, sbdf); err != nil {
		t.Fatalf("DeassignDevice: %v", err)
	}
	if d.Handlers.Len() != 1 {
		t.Fatalf("traps left: %v", d.Handlers.Regions())
	}
	if len(d.Memory.Mappings()) != 0 {
		t.Fatalf("mappings left: %v", d.Memory.Mappings())
	}
	if got := mmioRead(t, d, guestConfigAddr(0, pci.RegVendorID), 4); got != 0xffff_ffff {
		t.Fatalf("deassigned slot reads %#x", got)
	}
	dev, _ := env.m.Device(sbdf)
	if dev.Owner() != nil {
		t.Fatalf("owner = %s", dev.Owner())
	}
	if err := env.m.DeassignDevice(d, sbdf); !errors.Is(err, ErrNoDevice) {
		t.Fatalf("second deassign = %v", err)
	}
}

func TestGuestSlots(t *testing.T) {
	env := newTestEnv(t)
	d := env.domain(guestID, DomainGuest)

	var devs []pci.SBDF
	for slot := uint8(0); slot < 3; slot++ {
		devs = append(devs, env.addFunction(slot, msixFunction(slot, 1)))
	}
	for _, sbdf := range devs[:2] {
		if err := env.m.AssignDevice(d, sbdf); err != nil {
			t.Fatal(err)
		}
	}
	if err := env.m.DeassignDevice(d, devs[0]); err != nil {
		t.Fatal(err)
	}
	if err := env.m.AssignDevice(d, devs[2]); err != nil {
		t.Fatal(err)
	}

	want := map[pci.SBDF]pci.SBDF{
		pci.NewSBDF(0, 0, 0, 0): devs[2],
		pci.NewSBDF(0, 0, 1, 0): devs[1],
	}
	got := d.VirtualDevices()
	if len(got) != len(want) {
		t.Fatalf("virtual devices = %v", got)
	}
	for v, p := range want {
		if got[v] != p {
			t.Errorf("%s -> %s, want %s", v, got[v], p)
		}
	}
}

func TestGuestFillsEveryMSIXSlot(t *testing.T) {
	env := newTestEnv(t)
	d := env.domain(guestID, DomainGuest)
	want, err := env.m.CountMMIOHandlers(DomainConfig{ID: guestID, Kind: DomainGuest, VPCI: true})
	if err != nil {
		t.Fatal(err)
	}

	for slot := uint8(0); slot < MaxVirtualDevices; slot++ {
		sbdf := env.addFunction(slot, msixFunction(slot, 2))
		if err := env.m.AssignDevice(d, sbdf); err != nil {
			t.Fatalf("assign slot %d: %v", slot, err)
		}
	}
	if got := d.Handlers.Len(); got != want {
		t.Fatalf("registered %d traps, counted %d", got, want)
	}

	extra := pci.NewSBDF(0, 1, 0, 0)
	addr := testChildBase + env.bridge.Child.Encode(1, 0, 0, 0)
	if err := env.mem.AddFunction(addr, pci.FunctionSpec{VendorID: 0x8086, DeviceID: 0x1234}); err != nil {
		t.Fatal(err)
	}
	if err := env.m.AssignDevice(d, extra); !errors.Is(err, ErrNoSlot) {
		t.Fatalf("assign beyond %d devices = %v, want ErrNoSlot", MaxVirtualDevices, err)
	}
	if dev, _ := env.m.Device(extra); dev.Owner() != nil {
		t.Fatal("failed assignment left an owner")
	}
}

func TestAssignDeviceErrors(t *testing.T) {
	env := newTestEnv(t)
	guest := env.domain(guestID, DomainGuest)
	ctrl := env.domain(2, DomainControl)
	noVPCI, err := env.m.CreateDomain(DomainConfig{ID: 3, Kind: DomainGuest})
	if err != nil {
		t.Fatal(err)
	}
	sbdf := env.addFunction(0, msixFunction(0, 1))

	tests := []struct {
		name string
		run  func() error
		want error
	}{
		{"function 1", func() error { return env.m.AssignDevice(guest, pci.NewSBDF(0, 0, 0, 1)) }, ErrMultiFunction},
		{"vpci disabled", func() error { return env.m.AssignDevice(noVPCI, sbdf) }, ErrNoVPCI},
		{"control domain", func() error { return env.m.AssignDevice(ctrl, sbdf) }, ErrNoGuestBus},
		{"add to non-owner", func() error { return env.m.AddDevice(guest, sbdf) }, ErrNotOwner},
		{"add without bridge", func() error { return env.m.AddDevice(guest, pci.NewSBDF(1, 0, 0, 0)) }, pci.ErrNoBridge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAssignFromHardwareDomain(t *testing.T) {
	env := newTestEnv(t)
	hwdom, dev := env.hwdomWithDevice(4)
	guest := env.domain(guestID, DomainGuest)

	writeControl(t, env.m, hwdom, dev.SBDF, true, false)
	programEntry(t, hwdom, dev.tableView, 0, Route{Addr: 0xfee0_0000, Data: 0x20}, false)
	if !env.router.isBound(0) {
		t.Fatal("entry 0 not bound in the hardware domain")
	}
	if hwdom.Handlers.Len() != 3 {
		t.Fatalf("hardware domain traps = %v", hwdom.Handlers.Regions())
	}

	if err := env.m.AssignDevice(guest, dev.SBDF); err != nil {
		t.Fatalf("AssignDevice: %v", err)
	}
	if env.router.isBound(0) {
		t.Fatal("entry 0 still bound after leaving the hardware domain")
	}
	if hwdom.Handlers.Len() != 2 || len(hwdom.Devices()) != 0 {
		t.Fatalf("hardware domain kept the device: %v", hwdom.Handlers.Regions())
	}
	if dev.Owner() != guest {
		t.Fatalf("owner = %v", dev.Owner())
	}

	x := dev.MSIX()
	if x.State() != MSIXOff {
		t.Fatalf("state = %s after reassignment", x.State())
	}
	for _, e := range x.Entries {
		if !e.Masked || !e.Dirty || e.Route != (Route{}) {
			t.Fatalf("entry %d = %+v, want masked, dirty and cleared", e.Index, e)
		}
	}

	// The hardware domain sees the raw function again but cannot add it.
	if err := env.m.AddDevice(hwdom, dev.SBDF); !errors.Is(err, ErrAssigned) {
		t.Fatalf("AddDevice while assigned = %v", err)
	}
}

func TestDestroyDomainDeassigns(t *testing.T) {
	env := newTestEnv(t)
	d := env.domain(guestID, DomainGuest)
	sbdf := env.addFunction(0, msixFunction(0, 1))
	if err := env.m.AssignDevice(d, sbdf); err != nil {
		t.Fatal(err)
	}

	if err := env.m.DestroyDomain(guestID); err != nil {
		t.Fatal(err)
	}
	if _, ok := env.m.Domain(guestID); ok {
		t.Fatal("domain still registered")
	}
	if dev, _ := env.m.Device(sbdf); dev.Owner() != nil {
		t.Fatal("device still owned")
	}
}

func TestGuestPBAInTablePage(t *testing.T) {
	env := newTestEnv(t)
	d := env.domain(guestID, DomainGuest)
	spec := msixFunction(2, 4)
	spec.MSIX.PBAOffset = testTableOffset + 0x800
	sbdf := env.addFunction(2, spec)

	if err := env.m.AssignDevice(d, sbdf); err != nil {
		t.Fatalf("AssignDevice: %v", err)
	}
	dev, _ := env.m.Device(sbdf)
	table, pba := dev.tableView, dev.pbaView
	if pba != table+0x800 {
		t.Fatalf("guest PBA at %#x, table at %#x", pba, table)
	}

	hostPBA := uint64(testBARBase + 2*testBARSize + testTableOffset + 0x800)
	if err := env.mem.Write(hostPBA, 8, 0x5); err != nil {
		t.Fatal(err)
	}
	if got := mmioRead(t, d, pba, 8); got != 0x5 {
		t.Fatalf("guest PBA read = %#x, want 0x5", got)
	}
	mmioWrite(t, d, pba, 8, 0)
	if v, _ := env.mem.Read(hostPBA, 8); v != 0x5 {
		t.Fatalf("guest PBA write reached hardware: %#x", v)
	}

	if got := mmioRead(t, d, table+pci.MSIXEntryVectorControl, 4); got != pci.MSIXVectorMasked {
		t.Fatalf("vector control = %#x", got)
	}
	if got := mmioRead(t, d, table+0x400, 4); got != 0xffff_ffff {
		t.Fatalf("gap between table and PBA = %#x, want all ones", got)
	}

	if err := env.m.DeassignDevice(d, sbdf); err != nil {
		t.Fatalf("DeassignDevice: %v", err)
	}
	if _, ok := d.Handlers.Find(table); ok {
		t.Fatalf("MSI-X trap left behind")
	}
	if _, ok := d.Handlers.Find(pba); ok {
		t.Fatalf("PBA trap left behind")
	}
}

func TestGuestHeaderHidesMultiFunction(t *testing.T) {
	env := newTestEnv(t)
	d := env.domain(guestID, DomainGuest)
	spec := passthroughFunction(4)
	spec.MultiFunction = true
	sbdf := env.addFunction(4, spec)

	if got := env.hwRead(sbdf, pci.RegHeaderType, 1); got != 0x80 {
		t.Fatalf("hardware header type = %#x, want 0x80", got)
	}
	if err := env.m.AssignDevice(d, sbdf); err != nil {
		t.Fatalf("AssignDevice: %v", err)
	}
	if got := mmioRead(t, d, guestConfigAddr(0, pci.RegHeaderType), 1); got != 0 {
		t.Fatalf("guest header type = %#x, want 0", got)
	}
}
