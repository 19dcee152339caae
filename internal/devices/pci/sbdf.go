package pci

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	MaxDevices   = 32
	MaxFunctions = 8
)

// SBDF identifies a PCI function by segment, bus, device and function.
type SBDF struct {
	Segment  uint16
	Bus      uint8
	Device   uint8 // 5 bits
	Function uint8 // 3 bits
}

// NewSBDF builds an SBDF, truncating device and function to their field widths.
func NewSBDF(segment uint16, bus, device, function uint8) SBDF {
	return SBDF{
		Segment:  segment,
		Bus:      bus,
		Device:   device & 0x1f,
		Function: function & 0x7,
	}
}

// SBDFFromBDF splits a 16-bit bus/devfn value.
func SBDFFromBDF(segment uint16, bdf uint16) SBDF {
	return NewSBDF(segment, uint8(bdf>>8), uint8(bdf>>3), uint8(bdf))
}

// BDF packs bus, device and function as bus<<8 | device<<3 | function.
func (s SBDF) BDF() uint16 {
	return uint16(s.Bus)<<8 | uint16(s.Devfn())
}

// Devfn packs device and function as device<<3 | function.
func (s SBDF) Devfn() uint8 {
	return (s.Device&0x1f)<<3 | s.Function&0x7
}

// Uint32 packs the whole identifier as segment<<16 | bdf.
func (s SBDF) Uint32() uint32 {
	return uint32(s.Segment)<<16 | uint32(s.BDF())
}

// Valid reports whether device and function fit their field widths.
func (s SBDF) Valid() bool {
	return s.Device < MaxDevices && s.Function < MaxFunctions
}

func (s SBDF) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", s.Segment, s.Bus, s.Device, s.Function)
}

// ParseSBDF parses "ssss:bb:dd.f" or "bb:dd.f" (segment 0).
func ParseSBDF(s string) (SBDF, error) {
	parts := strings.Split(s, ":")
	var seg uint64
	switch len(parts) {
	case 3:
		v, err := strconv.ParseUint(parts[0], 16, 16)
		if err != nil {
			return SBDF{}, fmt.Errorf("parse sbdf %q: segment: %w", s, err)
		}
		seg = v
		parts = parts[1:]
	case 2:
	default:
		return SBDF{}, fmt.Errorf("parse sbdf %q: expected [ssss:]bb:dd.f", s)
	}

	bus, err := strconv.ParseUint(parts[0], 16, 8)
	if err != nil {
		return SBDF{}, fmt.Errorf("parse sbdf %q: bus: %w", s, err)
	}
	devfn := strings.Split(parts[1], ".")
	if len(devfn) != 2 {
		return SBDF{}, fmt.Errorf("parse sbdf %q: expected dd.f", s)
	}
	dev, err := strconv.ParseUint(devfn[0], 16, 8)
	if err != nil || dev >= MaxDevices {
		return SBDF{}, fmt.Errorf("parse sbdf %q: invalid device %q", s, devfn[0])
	}
	fn, err := strconv.ParseUint(devfn[1], 16, 8)
	if err != nil || fn >= MaxFunctions {
		return SBDF{}, fmt.Errorf("parse sbdf %q: invalid function %q", s, devfn[1])
	}
	return NewSBDF(uint16(seg), uint8(bus), uint8(dev), uint8(fn)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *SBDF) UnmarshalText(text []byte) error {
	v, err := ParseSBDF(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (s SBDF) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
