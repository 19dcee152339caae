package pci

import (
	"fmt"
)

// Extended capabilities start after the legacy header and are linked by a
// 12-bit next pointer in bits [31:20] of each header.
const (
	ExtCapStart   = ConfigSpaceSize
	ExtCapIDSRIOV = 0x10

	extCapTTL = (ExtendedConfigSpaceSize - ConfigSpaceSize) / 8
)

// SR-IOV extended capability layout, relative to the capability offset.
const (
	SRIOVControl    = 0x08
	SRIOVInitialVFs = 0x0c
	SRIOVTotalVFs   = 0x0e
	SRIOVNumVFs     = 0x10
	SRIOVVFOffset   = 0x14
	SRIOVVFStride   = 0x16
	SRIOVVFDeviceID = 0x1a
	SRIOVBAR        = 0x24
	SRIOVCapSize    = 0x40

	SRIOVControlVFEnable = 1 << 0
	SRIOVControlVFMemory = 1 << 3
)

// FindExtCapability walks the PCIe extended capability list of sbdf and
// returns the offset of the first capability with the given ID.
func FindExtCapability(cfg ConfigAccessor, sbdf SBDF, id uint16) (uint32, error) {
	pos := uint32(ExtCapStart)
	for ttl := extCapTTL; ttl > 0; ttl-- {
		hdr, err := cfg.ReadConfig(sbdf, pos, 4)
		if err != nil {
			return 0, fmt.Errorf("pci: %s: read extended capability at %#x: %w", sbdf, pos, err)
		}
		if hdr == 0 || hdr == 0xffff_ffff {
			break
		}
		if uint16(hdr) == id {
			return pos, nil
		}
		pos = hdr >> 20 &^ 3
		if pos < ExtCapStart {
			break
		}
	}
	return 0, fmt.Errorf("pci: %s: extended cap %#x: %w", sbdf, id, ErrNoCapability)
}

// SRIOV is the state of a physical function's SR-IOV capability. BAR sizes
// are per virtual function and are only read once, when the capability is
// first discovered.
type SRIOV struct {
	Pos        uint32
	Control    uint16
	TotalVFs   uint16
	NumVFs     uint16
	Offset     uint16
	Stride     uint16
	VFDeviceID uint16
	BARs       [BARCount]BAR
}

// ReadSRIOV discovers the SR-IOV capability of sbdf and sizes its VF BARs.
// VF memory decoding is turned off while sizing.
func ReadSRIOV(cfg ConfigAccessor, sbdf SBDF) (*SRIOV, error) {
	pos, err := FindExtCapability(cfg, sbdf, ExtCapIDSRIOV)
	if err != nil {
		return nil, err
	}
	s := &SRIOV{Pos: pos}
	if err := s.Reload(cfg, sbdf); err != nil {
		return nil, err
	}

	if s.Control&SRIOVControlVFMemory != 0 {
		reg := pos + SRIOVControl
		if err := cfg.WriteConfig(sbdf, reg, 2, uint32(s.Control&^SRIOVControlVFMemory)); err != nil {
			return nil, fmt.Errorf("pci: %s: disable VF decoding: %w", sbdf, err)
		}
		defer cfg.WriteConfig(sbdf, reg, 2, uint32(s.Control))
	}

	bars, err := sizeBARs(cfg, sbdf, pos+SRIOVBAR)
	if err != nil {
		return nil, err
	}
	s.BARs = bars
	return s, nil
}

// Reload rereads the registers the owner of the physical function may
// change after discovery: the control word, the VF count and routing, and
// the VF BAR base addresses.
func (s *SRIOV) Reload(cfg ConfigAccessor, sbdf SBDF) error {
	read16 := func(off uint32) (uint16, error) {
		v, err := cfg.ReadConfig(sbdf, s.Pos+off, 2)
		if err != nil {
			return 0, fmt.Errorf("pci: %s: read SR-IOV register %#x: %w", sbdf, off, err)
		}
		return uint16(v), nil
	}

	var err error
	for _, f := range []struct {
		off uint32
		dst *uint16
	}{
		{SRIOVControl, &s.Control},
		{SRIOVTotalVFs, &s.TotalVFs},
		{SRIOVNumVFs, &s.NumVFs},
		{SRIOVVFOffset, &s.Offset},
		{SRIOVVFStride, &s.Stride},
		{SRIOVVFDeviceID, &s.VFDeviceID},
	} {
		if *f.dst, err = read16(f.off); err != nil {
			return err
		}
	}

	for i := 0; i < BARCount; i++ {
		b := &s.BARs[i]
		if b.Size == 0 || b.IO {
			continue
		}
		reg := s.Pos + SRIOVBAR + uint32(i)*BARStride
		lo, err := cfg.ReadConfig(sbdf, reg, 4)
		if err != nil {
			return fmt.Errorf("pci: %s: read VF BAR%d: %w", sbdf, i, err)
		}
		addr := uint64(lo &^ barMemAttrMask)
		if b.Is64 {
			hi, err := cfg.ReadConfig(sbdf, reg+4, 4)
			if err != nil {
				return fmt.Errorf("pci: %s: read VF BAR%d: %w", sbdf, i, err)
			}
			addr |= uint64(hi) << 32
		}
		b.Addr = addr
	}
	return nil
}

// Enabled reports whether virtual functions are enabled.
func (s *SRIOV) Enabled() bool { return s.Control&SRIOVControlVFEnable != 0 }

// VFIndex returns the index of vf among the enabled virtual functions of
// the physical function pf, using the routing ID arithmetic of the
// capability: vf = pf + offset + index*stride.
func (s *SRIOV) VFIndex(pf, vf SBDF) (int, bool) {
	if !s.Enabled() || s.NumVFs == 0 || pf.Segment != vf.Segment {
		return 0, false
	}
	rel := int(vf.BDF()) - int(pf.BDF()) - int(s.Offset)
	if rel < 0 {
		return 0, false
	}
	if s.Stride != 0 {
		if rel%int(s.Stride) != 0 {
			return 0, false
		}
		rel /= int(s.Stride)
	} else if rel != 0 {
		return 0, false
	}
	if rel >= int(s.NumVFs) {
		return 0, false
	}
	return rel, true
}

// VFBARs returns the BARs of virtual function index: each VF BAR of the
// physical function is an array of equally sized apertures.
func (s *SRIOV) VFBARs(index int) [BARCount]BAR {
	var bars [BARCount]BAR
	for i, b := range s.BARs {
		bars[i] = b
		if b.Size != 0 && !b.IO {
			bars[i].Addr = b.Addr + uint64(index)*b.Size
		}
	}
	return bars
}
