package vpci

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/tinyrange/vpci/internal/devices/pci"
)

type hwAccessRecord struct {
	op   string
	reg  uint32
	size uint32
	val  uint32
}

// fakeHardware returns 0xaa for every byte it is asked for.
type fakeHardware struct {
	accesses []hwAccessRecord
}

func (h *fakeHardware) read(reg, size uint32) uint32 {
	h.accesses = append(h.accesses, hwAccessRecord{"read", reg, size, 0})
	return 0xaaaa_aaaa >> (32 - 8*size)
}

func (h *fakeHardware) write(reg, size, value uint32) {
	mask := uint32(0xffff_ffff) >> (32 - 8*size)
	h.accesses = append(h.accesses, hwAccessRecord{"write", reg, size, value & mask})
}

func TestRegisterAddValidation(t *testing.T) {
	read := ReadValue(0)
	tests := []struct {
		name string
		reg  Register
		err  error
	}{
		{"byte", Register{Offset: 0x41, Size: 1, Read: read}, nil},
		{"word", Register{Offset: 0x42, Size: 2, Read: read}, nil},
		{"dword", Register{Offset: 0x44, Size: 4, Read: read}, nil},
		{"write only", Register{Offset: 0x48, Size: 4, Write: ignoredWrite}, nil},
		{"size three", Register{Offset: 0x40, Size: 3, Read: read}, ErrInvalidRegister},
		{"size eight", Register{Offset: 0x40, Size: 8, Read: read}, ErrInvalidRegister},
		{"unaligned", Register{Offset: 0x42, Size: 4, Read: read}, ErrInvalidRegister},
		{"past config space", Register{Offset: 0x1000, Size: 4, Read: read}, ErrInvalidRegister},
		{"no handlers", Register{Offset: 0x40, Size: 4}, ErrInvalidRegister},
		{"overlapping masks", Register{Offset: 0x40, Size: 4, Read: read, ROMask: 0x3, RW1CMask: 0x2}, ErrInvalidRegister},
		{"mask too wide", Register{Offset: 0x40, Size: 2, Read: read, RsvdZMask: 0x1_0000}, ErrInvalidRegister},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s registerSet
			err := s.add(tt.reg)
			if tt.err == nil && err != nil {
				t.Fatalf("add: %v", err)
			}
			if tt.err != nil && !errors.Is(err, tt.err) {
				t.Fatalf("add = %v, want %v", err, tt.err)
			}
		})
	}
}

func TestRegisterSetOrdering(t *testing.T) {
	var s registerSet
	for _, off := range []uint32{0x10, 0x4, 0x20, 0x8} {
		if err := s.add(Register{Offset: off, Size: 4, Read: ReadValue(off)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.add(Register{Offset: 0x6, Size: 2, Read: ReadValue(0)}); !errors.Is(err, ErrRegisterExists) {
		t.Fatalf("overlapping add = %v", err)
	}

	var got []uint32
	for _, r := range s.regs {
		got = append(got, r.Offset)
	}
	if fmt.Sprint(got) != fmt.Sprint([]uint32{0x4, 0x8, 0x10, 0x20}) {
		t.Fatalf("order = %#x", got)
	}

	if err := s.remove(0x8, 2); !errors.Is(err, ErrRegisterNotFound) {
		t.Fatalf("remove with wrong size = %v", err)
	}
	if err := s.remove(0x8, 4); err != nil {
		t.Fatal(err)
	}
	if s.len() != 3 {
		t.Fatalf("len = %d", s.len())
	}
}

func TestRegisterSetRead(t *testing.T) {
	var s registerSet
	regs := []Register{
		{Offset: 0x4, Size: 2, Read: ReadValue(0x1234)},
		{Offset: 0x8, Size: 1, Read: ReadValue(0x56)},
		{Offset: 0x9, Size: 1, Read: ReadValue(0x78)},
		{Offset: 0xc, Size: 4, Read: ReadValue(0xdead_beef), RsvdPMask: 0xff00_0000, RsvdZMask: 0xff},
	}
	for _, r := range regs {
		if err := s.add(r); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name string
		reg  uint32
		size uint32
		want uint32
		hw   int
	}{
		{"gap only", 0x0, 4, 0xaaaa_aaaa, 1},
		{"register then gap", 0x4, 4, 0xaaaa_1234, 1},
		{"inside register", 0x5, 1, 0x12, 0},
		{"two registers and gap", 0x8, 4, 0xaaaa_7856, 1},
		{"gap register gap", 0x7, 2, 0x56aa, 1},
		{"reserved bits", 0xc, 4, 0x00ad_be00, 0},
		{"reserved bits partial", 0xe, 2, 0x00ad, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hw := &fakeHardware{}
			if got := s.read(hw, tt.reg, tt.size); got != tt.want {
				t.Fatalf("read(%#x, %d) = %#x, want %#x", tt.reg, tt.size, got, tt.want)
			}
			if len(hw.accesses) != tt.hw {
				t.Fatalf("hardware accesses = %v, want %d", hw.accesses, tt.hw)
			}
		})
	}
}

func TestRegisterSetWrite(t *testing.T) {
	var s registerSet
	var value uint32 = 0xff00_01f0
	var written []uint32
	r := Register{
		Offset: 0x10,
		Size:   4,
		Read:   func(uint32) uint32 { return value },
		Write: func(_ uint32, v uint32) {
			written = append(written, v)
		},
		ROMask:    0xf0,
		RW1CMask:  0xf00,
		RsvdPMask: 0xff00_0000,
		RsvdZMask: 0xf,
	}
	if err := s.add(r); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		reg  uint32
		size uint32
		data uint32
		want uint32
	}{
		// Read-only and preserved bits keep their value, reserved zero bits
		// are dropped.
		{"full", 0x10, 4, 0x1234_5f0f, 0xff34_5ff0},
		// A partial write leaves the other bytes as read, with RW1C bits
		// that were not written reading back as zero.
		{"byte", 0x12, 1, 0x77, 0xff77_00f0},
		{"word", 0x10, 2, 0x0100, 0xff00_01f0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			written = nil
			hw := &fakeHardware{}
			s.write(hw, tt.reg, tt.size, tt.data)
			if len(written) != 1 || written[0] != tt.want {
				t.Fatalf("written = %#x, want %#x", written, tt.want)
			}
			if len(hw.accesses) != 0 {
				t.Fatalf("unexpected hardware access %v", hw.accesses)
			}
		})
	}
}

func TestRegisterSetWriteSplitsHardware(t *testing.T) {
	var s registerSet
	var got uint32
	err := s.add(Register{Offset: 0x8, Size: 1, Read: ReadValue(0), Write: func(_ uint32, v uint32) { got = v }})
	if err != nil {
		t.Fatal(err)
	}

	hw := &fakeHardware{}
	s.write(hw, 0x8, 4, 0x1122_3344)
	if got != 0x44 {
		t.Fatalf("register got %#x", got)
	}
	want := []hwAccessRecord{{"write", 0x9, 3, 0x11_2233}}
	if fmt.Sprint(hw.accesses) != fmt.Sprint(want) {
		t.Fatalf("hardware = %v, want %v", hw.accesses, want)
	}
}

// configLog is a pci.ConfigAccessor recording the accesses made through it.
type configLog struct {
	accesses []hwAccessRecord
}

func (c *configLog) ReadConfig(_ pci.SBDF, reg uint32, size int) (uint32, error) {
	c.accesses = append(c.accesses, hwAccessRecord{"read", reg, uint32(size), 0})
	return 0xaaaa_aaaa >> (32 - 8*size), nil
}

func (c *configLog) WriteConfig(_ pci.SBDF, reg uint32, size int, value uint32) error {
	c.accesses = append(c.accesses, hwAccessRecord{"write", reg, uint32(size), value})
	return nil
}

func TestHardwareAccessSplitsThreeBytes(t *testing.T) {
	tests := []struct {
		name  string
		reg   uint32
		want  []hwAccessRecord
		value uint32
	}{
		{
			name:  "even",
			reg:   0x4,
			value: 0x33_2211,
			want: []hwAccessRecord{
				{"read", 0x4, 2, 0}, {"read", 0x6, 1, 0},
				{"write", 0x4, 2, 0x2211}, {"write", 0x6, 1, 0x33},
			},
		},
		{
			name:  "odd",
			reg:   0x5,
			value: 0x33_2211,
			want: []hwAccessRecord{
				{"read", 0x5, 1, 0}, {"read", 0x6, 2, 0},
				{"write", 0x5, 1, 0x11}, {"write", 0x6, 2, 0x3322},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &configLog{}
			h := hwAccess{cfg: cfg, allowed: true, log: slog.New(slog.NewTextHandler(io.Discard, nil))}
			if got := h.read(tt.reg, 3); got != 0xaa_aaaa {
				t.Fatalf("read = %#x", got)
			}
			h.write(tt.reg, 3, tt.value)
			if fmt.Sprint(cfg.accesses) != fmt.Sprint(tt.want) {
				t.Fatalf("accesses = %v, want %v", cfg.accesses, tt.want)
			}
		})
	}
}

func TestHardwareAccessDenied(t *testing.T) {
	cfg := &configLog{}
	h := hwAccess{cfg: cfg, allowed: false, log: slog.New(slog.NewTextHandler(io.Discard, nil))}
	if got := h.read(0x0, 4); got != 0xffff_ffff {
		t.Fatalf("read = %#x", got)
	}
	h.write(0x4, 2, 0x6)
	if len(cfg.accesses) != 0 {
		t.Fatalf("hardware reached: %v", cfg.accesses)
	}
}

func TestDeviceRegisters(t *testing.T) {
	env := newTestEnv(t)
	d, dev := env.hwdomWithDevice(2)

	if err := dev.AddRegister(Register{Offset: 0x60, Size: 4, Read: ReadValue(0xcafe_f00d)}); err != nil {
		t.Fatal(err)
	}
	if err := dev.AddRegister(Register{Offset: 0x60, Size: 2, Read: ReadValue(0)}); !errors.Is(err, ErrRegisterExists) {
		t.Fatalf("duplicate add = %v", err)
	}
	v, err := env.m.ReadConfig(d, dev.SBDF, 0x60, 4)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0xcafe_f00d {
		t.Fatalf("emulated read = %#x", v)
	}

	if err := dev.RemoveRegister(0x60, 4); err != nil {
		t.Fatal(err)
	}
	if err := dev.RemoveRegister(0x60, 4); !errors.Is(err, ErrRegisterNotFound) {
		t.Fatalf("second remove = %v", err)
	}
	v, err = env.m.ReadConfig(d, dev.SBDF, 0x60, 4)
	if err != nil {
		t.Fatal(err)
	}
	if want := uint64(env.hwRead(dev.SBDF, 0x60, 4)); v != want {
		t.Fatalf("read after remove = %#x, want hardware %#x", v, want)
	}
}
