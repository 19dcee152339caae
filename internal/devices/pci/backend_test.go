package pci

import (
	"errors"
	"testing"
)

func TestMemoryBackend(t *testing.T) {
	m := NewMemoryBackend()
	if err := m.AddRegion(0x1000, 0x10); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
	if err := m.AddRegion(0x1008, 0x10); err == nil {
		t.Fatalf("overlapping region accepted")
	}

	if err := m.Write(0x1000, 8, 0x1122_3344_5566_7788); err != nil {
		t.Fatalf("Write: %v", err)
	}
	tests := []struct {
		addr  uint64
		width int
		want  uint64
	}{
		{0x1000, 1, 0x88},
		{0x1002, 2, 0x5566},
		{0x1004, 4, 0x1122_3344},
		{0x1000, 8, 0x1122_3344_5566_7788},
		{0x0ff0, 4, 0xffff_ffff},
		// Crossing the end of the region reads as unbacked.
		{0x100e, 4, 0xffff_ffff},
	}
	for _, tt := range tests {
		got, err := m.Read(tt.addr, tt.width)
		if err != nil {
			t.Fatalf("Read(%#x, %d): %v", tt.addr, tt.width, err)
		}
		if got != tt.want {
			t.Errorf("Read(%#x, %d) = %#x, want %#x", tt.addr, tt.width, got, tt.want)
		}
	}

	if _, err := m.Read(0x1000, 3); !errors.Is(err, ErrInvalidWidth) {
		t.Fatalf("width 3 = %v", err)
	}
	if err := m.Write(0x9000, 4, 1); err != nil {
		t.Fatalf("unbacked write should be dropped silently: %v", err)
	}
}

func TestMemoryBackendWriteMask(t *testing.T) {
	m := NewMemoryBackend()
	if _, err := m.addRegion(0, []byte{0xaa, 0xbb}, []byte{0x0f, 0x00}); err != nil {
		t.Fatalf("addRegion: %v", err)
	}
	if err := m.Write(0, 2, 0x1234); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if v, _ := m.Read(0, 2); v != 0xbba4 {
		t.Fatalf("masked write = %#x, want 0xbba4", v)
	}
}
