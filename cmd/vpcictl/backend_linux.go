//go:build linux

package main

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vpci/internal/devices/pci"
	"github.com/tinyrange/vpci/internal/platform"
)

// openBackend maps every window, resource and viewport register of the
// platform's bridges from path.
func openBackend(path string, p *platform.Platform) (*pci.MmapBackend, error) {
	backend, err := pci.OpenMmapBackend(path)
	if err != nil {
		return nil, err
	}

	page := uint64(unix.Getpagesize())
	mapRange := func(base, size uint64) error {
		start := base &^ (page - 1)
		end := (base + size + page - 1) &^ (page - 1)
		return backend.Map(start, end-start)
	}

	for _, b := range p.Bridges {
		ranges := [][2]uint64{{uint64(b.Root.Base), uint64(b.Root.Size)}}
		if b.Child != nil {
			ranges = append(ranges, [2]uint64{uint64(b.Child.Base), uint64(b.Child.Size)})
		}
		if b.ATU != nil {
			ranges = append(ranges, [2]uint64{uint64(b.ATU.Addr), 4})
		}
		for _, r := range b.Resources {
			ranges = append(ranges, [2]uint64{uint64(r.Base), uint64(r.Size)})
		}
		for _, r := range ranges {
			if err := mapRange(r[0], r[1]); err != nil {
				backend.Close()
				return nil, fmt.Errorf("%s: %w", b.Name, err)
			}
		}
	}
	return backend, nil
}
