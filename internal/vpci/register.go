package vpci

import (
	"errors"
	"fmt"

	"github.com/tinyrange/vpci/internal/devices/pci"
)

var (
	ErrRegisterExists   = errors.New("register overlaps an existing register")
	ErrRegisterNotFound = errors.New("register not found")
	ErrInvalidRegister  = errors.New("invalid register")
)

// RegisterRead returns the full register value at reg.
type RegisterRead func(reg uint32) uint32

// RegisterWrite receives the full, masked register value.
type RegisterWrite func(reg uint32, value uint32)

// Register is an emulated configuration space register of 1, 2 or 4 bytes.
//
// Bits in ROMask keep their current value on writes. RW1CMask bits are
// cleared by writing one and read back as zero in partial writes. RsvdP bits
// are preserved on writes and read as zero; RsvdZ bits read as zero and are
// written as zero. The four masks must be disjoint.
type Register struct {
	Offset uint32
	Size   uint32
	Read   RegisterRead
	Write  RegisterWrite

	ROMask    uint32
	RW1CMask  uint32
	RsvdPMask uint32
	RsvdZMask uint32
}

func (r *Register) end() uint32 { return r.Offset + r.Size }

// compare returns 0 when the ranges overlap, otherwise the ordering of a
// relative to b.
func compareRange(aOff, aSize, bOff, bSize uint32) int {
	if aOff < bOff+bSize && bOff < aOff+aSize {
		return 0
	}
	if aOff < bOff {
		return -1
	}
	return 1
}

// hardware is the fall-through path for bytes not covered by a register.
type hardware interface {
	read(reg, size uint32) uint32
	write(reg, size, value uint32)
}

// registerSet is the sorted, non-overlapping list of emulated registers of
// one device. Callers hold the device lock.
type registerSet struct {
	regs []*Register
}

func (s *registerSet) add(r Register) error {
	switch r.Size {
	case 1, 2, 4:
	default:
		return fmt.Errorf("%w: size %d at %#x", ErrInvalidRegister, r.Size, r.Offset)
	}
	if r.Offset >= pci.ExtendedConfigSpaceSize || r.Offset&(r.Size-1) != 0 {
		return fmt.Errorf("%w: offset %#x size %d", ErrInvalidRegister, r.Offset, r.Size)
	}
	if r.Read == nil && r.Write == nil {
		return fmt.Errorf("%w: no handlers at %#x", ErrInvalidRegister, r.Offset)
	}
	masks := []uint32{r.ROMask, r.RW1CMask, r.RsvdPMask, r.RsvdZMask}
	for i := range masks {
		for j := i + 1; j < len(masks); j++ {
			if masks[i]&masks[j] != 0 {
				return fmt.Errorf("%w: overlapping masks at %#x", ErrInvalidRegister, r.Offset)
			}
		}
	}
	if r.Size != 4 && (r.ROMask|r.RW1CMask|r.RsvdPMask|r.RsvdZMask)>>(8*r.Size) != 0 {
		return fmt.Errorf("%w: masks wider than register at %#x", ErrInvalidRegister, r.Offset)
	}
	if r.Read == nil {
		r.Read = ignoredRead
	}
	if r.Write == nil {
		r.Write = ignoredWrite
	}

	idx := len(s.regs)
	for i, existing := range s.regs {
		cmp := compareRange(r.Offset, r.Size, existing.Offset, existing.Size)
		if cmp == 0 {
			return fmt.Errorf("%w: %#x+%d", ErrRegisterExists, r.Offset, r.Size)
		}
		if cmp < 0 {
			idx = i
			break
		}
	}
	reg := r
	s.regs = append(s.regs, nil)
	copy(s.regs[idx+1:], s.regs[idx:])
	s.regs[idx] = &reg
	return nil
}

func (s *registerSet) remove(offset, size uint32) error {
	for i, r := range s.regs {
		if r.Offset == offset && r.Size == size {
			s.regs = append(s.regs[:i], s.regs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %#x+%d", ErrRegisterNotFound, offset, size)
}

func (s *registerSet) clear() {
	s.regs = nil
}

func (s *registerSet) len() int {
	return len(s.regs)
}

func ignoredRead(uint32) uint32    { return 0xffff_ffff }
func ignoredWrite(uint32, uint32) {}

// ReadValue returns a handler that always reads v.
func ReadValue(v uint32) RegisterRead {
	return func(uint32) uint32 { return v }
}

// mergeResult copies the low size bytes of v into data at byte offset.
func mergeResult(data, v, size, offset uint32) uint32 {
	mask := uint32(0xffff_ffff) >> (32 - 8*size)
	return data&^(mask<<(offset*8)) | (v&mask)<<(offset*8)
}

// read assembles a size byte access at reg from emulated registers and the
// hardware gaps around them.
func (s *registerSet) read(hw hardware, reg, size uint32) uint32 {
	data := uint32(0xffff_ffff)
	dataOffset := uint32(0)

	for _, r := range s.regs {
		emuOff := reg + dataOffset
		emuSize := size - dataOffset
		cmp := compareRange(emuOff, emuSize, r.Offset, r.Size)
		if cmp < 0 {
			break
		}
		if cmp > 0 {
			continue
		}

		if emuOff < r.Offset {
			n := r.Offset - emuOff
			data = mergeResult(data, hw.read(emuOff, n), n, dataOffset)
			dataOffset += n
		}

		v := r.Read(r.Offset)
		v &^= r.RsvdPMask | r.RsvdZMask
		if r.Offset < emuOff {
			v >>= (emuOff - r.Offset) * 8
		}

		n := min(emuOff+emuSize, r.end()) - max(emuOff, r.Offset)
		data = mergeResult(data, v, n, dataOffset)
		dataOffset += n
		if dataOffset == size {
			break
		}
	}

	if dataOffset < size {
		n := size - dataOffset
		data = mergeResult(data, hw.read(reg+dataOffset, n), n, dataOffset)
	}
	return data & (uint32(0xffff_ffff) >> (32 - 8*size))
}

// write splits a size byte access at reg between emulated registers and
// hardware.
func (s *registerSet) write(hw hardware, reg, size, data uint32) {
	dataOffset := uint32(0)

	for _, r := range s.regs {
		emuOff := reg + dataOffset
		emuSize := size - dataOffset
		cmp := compareRange(emuOff, emuSize, r.Offset, r.Size)
		if cmp < 0 {
			break
		}
		if cmp > 0 {
			continue
		}

		if emuOff < r.Offset {
			n := r.Offset - emuOff
			hw.write(emuOff, n, data>>(dataOffset*8))
			dataOffset += n
		}

		n := min(emuOff+emuSize, r.end()) - max(emuOff, r.Offset)
		writeHelper(r, n, reg+dataOffset-r.Offset, data>>(dataOffset*8))
		dataOffset += n
		if dataOffset == size {
			break
		}
	}

	if dataOffset < size {
		hw.write(reg+dataOffset, size-dataOffset, data>>(dataOffset*8))
	}
}

// writeHelper performs a possibly partial write of size bytes at byte offset
// into r, honouring the register's masks.
func writeHelper(r *Register, size, offset, data uint32) {
	var cur uint32
	preserved := r.ROMask | r.RsvdPMask

	if size != r.Size || preserved != 0 {
		cur = r.Read(r.Offset)
		cur &^= r.RW1CMask
		data = mergeResult(cur, data, size, offset)
	}

	data &^= preserved | r.RsvdZMask
	data |= cur & preserved

	r.Write(r.Offset, data&(uint32(0xffff_ffff)>>(32-8*r.Size)))
}
