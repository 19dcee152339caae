package vpci

import (
	"testing"

	"github.com/tinyrange/vpci/internal/devices/pci"
	"github.com/tinyrange/vpci/internal/hv"
)

func TestMSIXTableReadWrite(t *testing.T) {
	env := newTestEnv(t)
	d, dev := env.hwdomWithDevice(4)
	entry := dev.tableView + 1*pci.MSIXEntrySize

	mmioWrite(t, d, entry+pci.MSIXEntryAddrLow, 4, 0xfee0_3000)
	mmioWrite(t, d, entry+pci.MSIXEntryAddrHigh, 4, 0x1)
	mmioWrite(t, d, entry+pci.MSIXEntryData, 4, 0x77)

	tests := []struct {
		name  string
		off   uint64
		width int
		want  uint64
	}{
		{"address low", pci.MSIXEntryAddrLow, 4, 0xfee0_3000},
		{"address high", pci.MSIXEntryAddrHigh, 4, 0x1},
		{"address qword", pci.MSIXEntryAddrLow, 8, 0x1_fee0_3000},
		{"data", pci.MSIXEntryData, 4, 0x77},
		{"vector control", pci.MSIXEntryVectorControl, 4, pci.MSIXVectorMasked},
		{"data and vector control", pci.MSIXEntryData, 8, 0x1_0000_0077},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mmioRead(t, d, entry+tt.off, tt.width); got != tt.want {
				t.Fatalf("read +%#x/%d = %#x, want %#x", tt.off, tt.width, got, tt.want)
			}
		})
	}

	e := dev.MSIX().Entries[1]
	if !e.Dirty || e.Route != (Route{Addr: 0x1_fee0_3000, Data: 0x77}) {
		t.Fatalf("entry = %+v", e)
	}
	if calls := env.router.takeCalls(); len(calls) != 0 {
		t.Fatalf("route writes reached the router: %v", calls)
	}
}

func TestMSIXTableSameRouteStaysClean(t *testing.T) {
	env := newTestEnv(t)
	d, dev := env.hwdomWithDevice(2)

	writeControl(t, env.m, d, dev.SBDF, true, false)
	route := Route{Addr: 0xfee0_0000, Data: 0x21}
	programEntry(t, d, dev.tableView, 0, route, false)
	env.router.takeCalls()

	// Rewriting the same route while masked and unmasking again only
	// toggles the hardware mask.
	programEntry(t, d, dev.tableView, 0, route, true)
	mmioWrite(t, d, dev.tableView+pci.MSIXEntryVectorControl, 4, 0)

	want := []routerCall{{"mask", 0}, {"unmask", 0}}
	calls := env.router.takeCalls()
	if len(calls) != len(want) || calls[0] != want[0] || calls[1] != want[1] {
		t.Fatalf("router calls = %v, want %v", calls, want)
	}
}

func TestMSIXTableLastEntryIsTrapped(t *testing.T) {
	env := newTestEnv(t)
	d, dev := env.hwdomWithDevice(4)

	size := dev.MSIX().TableSize()
	regions := d.Handlers.Regions()
	var found bool
	for _, r := range regions {
		if r.Region.Address == dev.tableView {
			found = true
			if r.Region.Size != size-1 {
				t.Fatalf("trap size = %#x, want %#x", r.Region.Size, size-1)
			}
		}
	}
	if !found {
		t.Fatalf("no MSI-X trap in %v", regions)
	}

	last := dev.tableView + size - 4
	mmioWrite(t, d, last, 4, 0)
	if dev.MSIX().Entries[3].Masked {
		t.Fatal("last vector control write missed the trap")
	}
	if _, ok := d.Handlers.Find(dev.tableView + size - 1); ok {
		t.Fatal("final byte of the table is trapped")
	}
}

func TestMSIXTableRejectsBadAccesses(t *testing.T) {
	env := newTestEnv(t)
	d, dev := env.hwdomWithDevice(2)

	for _, tc := range []struct {
		off   uint64
		width int
	}{
		{pci.MSIXEntryVectorControl, 2},
		{pci.MSIXEntryVectorControl, 1},
		{pci.MSIXEntryData + 2, 4},
		{pci.MSIXEntryAddrHigh, 8},
	} {
		mmioWrite(t, d, dev.tableView+tc.off, tc.width, 0)
		if got := mmioRead(t, d, dev.tableView+tc.off, tc.width); got != hv.AllOnes(tc.width) {
			t.Errorf("read +%#x/%d = %#x, want all ones", tc.off, tc.width, got)
		}
	}

	e := dev.MSIX().Entries[0]
	if !e.Masked || e.Dirty || e.Route != (Route{}) {
		t.Fatalf("rejected writes changed entry: %+v", e)
	}
	if got := counterValue(t, env.m.metrics.msixAccesses.WithLabelValues("write", "rejected")); got != 4 {
		t.Fatalf("rejected writes = %v, want 4", got)
	}
}

func TestMSIXPendingBitArray(t *testing.T) {
	env := newTestEnv(t)
	hwdom, dev := env.hwdomWithDevice(4)
	pba := dev.pbaView
	if err := env.mem.Write(pba, 8, 0x5); err != nil {
		t.Fatal(err)
	}

	h := &msixHandler{d: hwdom, dev: dev}
	data := make([]byte, 8)
	if err := h.ReadMMIO(hwdom.Context(0), pba, data); err != nil {
		t.Fatal(err)
	}
	if got := hv.LoadLE(data); got != 0x5 {
		t.Fatalf("PBA read = %#x", got)
	}

	hv.StoreLE(data, 0x1)
	if err := h.WriteMMIO(hwdom.Context(0), pba, data); err != nil {
		t.Fatal(err)
	}
	if v, _ := env.mem.Read(pba, 8); v != 0x1 {
		t.Fatalf("hardware domain PBA write = %#x", v)
	}

	guest := env.domain(guestID, DomainGuest)
	if err := env.m.AssignDevice(guest, dev.SBDF); err != nil {
		t.Fatal(err)
	}
	gh := &msixHandler{d: guest, dev: dev}
	hv.StoreLE(data, 0xff)
	if err := gh.WriteMMIO(guest.Context(0), dev.pbaView, data); err != nil {
		t.Fatal(err)
	}
	if v, _ := env.mem.Read(pba, 8); v != 0x1 {
		t.Fatalf("guest PBA write reached hardware: %#x", v)
	}
	if err := gh.ReadMMIO(guest.Context(0), dev.pbaView, data); err != nil {
		t.Fatal(err)
	}
	if got := hv.LoadLE(data); got != 0x1 {
		t.Fatalf("guest PBA read = %#x", got)
	}

	// A handler left over from the previous owner no longer reaches the device.
	if err := h.ReadMMIO(hwdom.Context(0), pba, data); err != nil {
		t.Fatal(err)
	}
	if got := hv.LoadLE(data); got != hv.AllOnes(8) {
		t.Fatalf("stale handler read = %#x", got)
	}
}
