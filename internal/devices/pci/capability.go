package pci

import (
	"errors"
	"fmt"
)

var ErrNoCapability = errors.New("capability not found")

// capabilityTTL bounds the capability list walk: at most 48 capabilities fit
// in the 192 bytes after the standard header.
const capabilityTTL = 48

// FindCapability walks the standard capability list of sbdf and returns the
// offset of the first capability with the given ID.
func FindCapability(cfg ConfigAccessor, sbdf SBDF, id uint8) (uint32, error) {
	status, err := cfg.ReadConfig(sbdf, RegStatus, 2)
	if err != nil {
		return 0, fmt.Errorf("pci: %s: read status: %w", sbdf, err)
	}
	if status == 0xffff || status&StatusCapabilityBit == 0 {
		return 0, fmt.Errorf("pci: %s: cap %#x: %w", sbdf, id, ErrNoCapability)
	}

	ptr, err := cfg.ReadConfig(sbdf, RegCapabilityList, 1)
	if err != nil {
		return 0, fmt.Errorf("pci: %s: read capability pointer: %w", sbdf, err)
	}
	for ttl := capabilityTTL; ttl > 0; ttl-- {
		ptr &^= 3
		if ptr < 0x40 || ptr >= ConfigSpaceSize {
			break
		}
		hdr, err := cfg.ReadConfig(sbdf, ptr, 2)
		if err != nil {
			return 0, fmt.Errorf("pci: %s: read capability at %#x: %w", sbdf, ptr, err)
		}
		if uint8(hdr) == 0xff {
			break
		}
		if uint8(hdr) == id {
			return ptr, nil
		}
		ptr = hdr >> 8
	}
	return 0, fmt.Errorf("pci: %s: cap %#x: %w", sbdf, id, ErrNoCapability)
}

// BAR is a decoded base address register.
type BAR struct {
	Index        int
	Addr         uint64
	Size         uint64
	IO           bool
	Is64         bool
	Prefetchable bool
}

func (b BAR) String() string {
	kind := "mem32"
	switch {
	case b.IO:
		kind = "io"
	case b.Is64:
		kind = "mem64"
	}
	if b.Prefetchable {
		kind += ",pref"
	}
	return fmt.Sprintf("BAR%d %s [%#x-%#x)", b.Index, kind, b.Addr, b.Addr+b.Size)
}

// ReadBARs sizes every implemented BAR of a type 0 function by writing all
// ones and restoring the original value. Memory decoding is turned off for
// the duration.
func ReadBARs(cfg ConfigAccessor, sbdf SBDF) ([BARCount]BAR, error) {
	var bars [BARCount]BAR

	cmd, err := cfg.ReadConfig(sbdf, RegCommand, 2)
	if err != nil {
		return bars, fmt.Errorf("pci: %s: read command: %w", sbdf, err)
	}
	if cmd&CommandMemory != 0 {
		if err := cfg.WriteConfig(sbdf, RegCommand, 2, cmd&^CommandMemory); err != nil {
			return bars, fmt.Errorf("pci: %s: disable decoding: %w", sbdf, err)
		}
		defer cfg.WriteConfig(sbdf, RegCommand, 2, cmd)
	}
	return sizeBARs(cfg, sbdf, RegBAR0)
}

// sizeBARs sizes the six BAR registers starting at base. Callers turn off
// decoding first.
func sizeBARs(cfg ConfigAccessor, sbdf SBDF, base uint32) ([BARCount]BAR, error) {
	var bars [BARCount]BAR

	for i := 0; i < BARCount; i++ {
		bars[i].Index = i
		reg := base + uint32(i)*BARStride

		orig, size, err := sizeRegister(cfg, sbdf, reg)
		if err != nil {
			return bars, err
		}
		if size == 0 {
			continue
		}

		if orig&barSpaceIO != 0 {
			mask := size &^ barIOAttrMask
			bars[i].IO = true
			bars[i].Addr = uint64(orig &^ barIOAttrMask)
			bars[i].Size = uint64(^mask+1) & 0xffff
			continue
		}

		bars[i].Prefetchable = orig&barPrefetch != 0
		mask := uint64(size &^ barMemAttrMask)
		addr := uint64(orig &^ barMemAttrMask)
		if orig&0x6 == barMemType64 && i+1 < BARCount {
			origHi, sizeHi, err := sizeRegister(cfg, sbdf, reg+4)
			if err != nil {
				return bars, err
			}
			bars[i].Is64 = true
			mask |= uint64(sizeHi) << 32
			addr |= uint64(origHi) << 32
			bars[i].Addr = addr
			bars[i].Size = ^mask + 1
			i++
			bars[i].Index = i
			continue
		}
		bars[i].Addr = addr
		bars[i].Size = uint64(^uint32(mask) + 1)
	}
	return bars, nil
}

func sizeRegister(cfg ConfigAccessor, sbdf SBDF, reg uint32) (orig, size uint32, err error) {
	orig, err = cfg.ReadConfig(sbdf, reg, 4)
	if err != nil {
		return 0, 0, fmt.Errorf("pci: %s: read BAR at %#x: %w", sbdf, reg, err)
	}
	if err := cfg.WriteConfig(sbdf, reg, 4, 0xffff_ffff); err != nil {
		return 0, 0, fmt.Errorf("pci: %s: size BAR at %#x: %w", sbdf, reg, err)
	}
	size, err = cfg.ReadConfig(sbdf, reg, 4)
	if err != nil {
		return 0, 0, fmt.Errorf("pci: %s: size BAR at %#x: %w", sbdf, reg, err)
	}
	if err := cfg.WriteConfig(sbdf, reg, 4, orig); err != nil {
		return 0, 0, fmt.Errorf("pci: %s: restore BAR at %#x: %w", sbdf, reg, err)
	}
	return orig, size, nil
}
