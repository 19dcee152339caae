package vpci

import (
	"fmt"
	"io"
)

// DumpMSI writes the MSI-X state of every device, grouped by domain.
func (m *Manager) DumpMSI(w io.Writer) error {
	for _, d := range m.Domains() {
		if _, err := fmt.Fprintf(w, "vPCI MSI-X %s\n", d); err != nil {
			return err
		}
		for _, dev := range d.Devices() {
			if err := dev.dumpMSI(w); err != nil {
				return err
			}
		}
	}
	return nil
}

func (dev *Device) dumpMSI(w io.Writer) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	x := dev.msix
	if x == nil {
		return nil
	}

	name := dev.SBDF.String()
	if dev.vf != nil {
		name += fmt.Sprintf(" (VF %d of %s)", dev.vf.index, dev.vf.pf)
	}
	if dev.hasGuest {
		name += " as " + dev.guest.String()
	}
	if _, err := fmt.Fprintf(w, " %s: entries %d state %s enabled %t masked %t table %#x\n",
		name, x.MaxEntries, x.State(), x.Enabled, x.Masked, dev.tableView); err != nil {
		return err
	}
	for _, e := range x.Entries {
		if _, err := fmt.Fprintf(w, "  %4d addr %#016x data %#08x masked %t dirty %t\n",
			e.Index, e.Route.Addr, e.Route.Data, e.Masked, e.Dirty); err != nil {
			return err
		}
	}
	return nil
}
