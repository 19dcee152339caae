package pci

import (
	"encoding/binary"
	"fmt"
)

// FunctionSpec describes a simulated PCI function: enough of a type 0
// header and MSI-X capability for discovery and emulation to run against a
// MemoryBackend.
type FunctionSpec struct {
	VendorID          uint16
	DeviceID          uint16
	ClassCode         uint32 // 24 bits: class, subclass, prog-if
	Revision          uint8
	SubsystemVendorID uint16
	SubsystemID       uint16
	BARs              []BARSpec
	MSIX              *MSIXSpec
	SRIOV             *SRIOVSpec
	MultiFunction     bool

	// VirtualFunction lays the function out as an SR-IOV VF: vendor and
	// device ID read as all ones and the BAR registers read as zero. BARs
	// still place the MSI-X table and PBA memory.
	VirtualFunction bool
}

type BARSpec struct {
	Index        int
	Addr         uint64
	Size         uint64
	Is64         bool
	Prefetchable bool
}

// SRIOVSpec describes a physical function's SR-IOV capability. BARs are
// the apertures of VF 0; VF n sits at Addr + n*Size.
type SRIOVSpec struct {
	CapOffset  uint16
	TotalVFs   uint16
	NumVFs     uint16
	Offset     uint16
	Stride     uint16
	VFDeviceID uint16
	Enabled    bool
	BARs       []BARSpec
}

type MSIXSpec struct {
	CapOffset   uint8
	Entries     int
	TableBAR    int
	TableOffset uint32
	PBABAR      int
	PBAOffset   uint32
}

// AddFunction populates the 4 KiB configuration space at cfgAddr and, when
// the function has MSI-X, its table and PBA memory behind the declared BARs.
func (m *MemoryBackend) AddFunction(cfgAddr uint64, spec FunctionSpec) error {
	cfg := make([]byte, ExtendedConfigSpaceSize)
	wmask := make([]byte, ExtendedConfigSpaceSize)

	if spec.VirtualFunction {
		binary.LittleEndian.PutUint32(cfg[RegVendorID:], 0xffff_ffff)
	} else {
		binary.LittleEndian.PutUint16(cfg[RegVendorID:], spec.VendorID)
		binary.LittleEndian.PutUint16(cfg[RegDeviceID:], spec.DeviceID)
	}
	cfg[RegClassRevision] = spec.Revision
	if spec.MultiFunction {
		cfg[RegHeaderType] = 0x80
	}
	cfg[RegClassRevision+1] = byte(spec.ClassCode)
	cfg[RegClassRevision+2] = byte(spec.ClassCode >> 8)
	cfg[RegClassRevision+3] = byte(spec.ClassCode >> 16)
	binary.LittleEndian.PutUint16(cfg[RegSubsystem:], spec.SubsystemVendorID)
	binary.LittleEndian.PutUint16(cfg[RegSubsystem+2:], spec.SubsystemID)
	binary.LittleEndian.PutUint16(wmask[RegCommand:], 0x0547)
	wmask[RegInterruptLine] = 0xff

	bars := make(map[int]BARSpec, len(spec.BARs))
	for _, bar := range spec.BARs {
		if err := checkBARSpec(bar); err != nil {
			return err
		}
		bars[bar.Index] = bar
		if !spec.VirtualFunction {
			putBAR(cfg, wmask, BARRegister(bar.Index), bar)
		}
	}

	if sriov := spec.SRIOV; sriov != nil {
		if err := putSRIOV(cfg, wmask, sriov); err != nil {
			return err
		}
	}

	if msix := spec.MSIX; msix != nil {
		if msix.Entries < 1 || msix.Entries > int(MSIXControlTableSize)+1 {
			return fmt.Errorf("memory backend: invalid MSI-X entry count %d", msix.Entries)
		}
		if msix.CapOffset < 0x40 || msix.CapOffset&3 != 0 {
			return fmt.Errorf("memory backend: invalid MSI-X capability offset %#x", msix.CapOffset)
		}
		tableBAR, ok := bars[msix.TableBAR]
		if !ok {
			return fmt.Errorf("memory backend: MSI-X table BAR%d not declared", msix.TableBAR)
		}
		pbaBAR, ok := bars[msix.PBABAR]
		if !ok {
			return fmt.Errorf("memory backend: MSI-X PBA BAR%d not declared", msix.PBABAR)
		}

		capOff := uint32(msix.CapOffset)
		binary.LittleEndian.PutUint16(cfg[RegStatus:], StatusCapabilityBit)
		cfg[RegCapabilityList] = msix.CapOffset
		cfg[capOff] = CapIDMSIX
		cfg[capOff+1] = 0
		binary.LittleEndian.PutUint16(cfg[capOff+MSIXControlReg:], uint16(NewMSIXControl(msix.Entries, false, false)))
		wmask[capOff+MSIXControlReg+1] = byte((MSIXControlEnable | MSIXControlMaskAll) >> 8)
		binary.LittleEndian.PutUint32(cfg[capOff+MSIXTableReg:], uint32(NewBIR(msix.TableBAR, msix.TableOffset)))
		binary.LittleEndian.PutUint32(cfg[capOff+MSIXPBAReg:], uint32(NewBIR(msix.PBABAR, msix.PBAOffset)))

		table := make([]byte, MSIXTableSize(msix.Entries))
		for i := 0; i < msix.Entries; i++ {
			table[i*MSIXEntrySize+MSIXEntryVectorControl] = MSIXVectorMasked
		}
		if _, err := m.addRegion(tableBAR.Addr+uint64(msix.TableOffset), table, nil); err != nil {
			return fmt.Errorf("memory backend: MSI-X table: %w", err)
		}
		if err := m.AddRegion(pbaBAR.Addr+uint64(msix.PBAOffset), MSIXPBASize(msix.Entries)); err != nil {
			return fmt.Errorf("memory backend: MSI-X PBA: %w", err)
		}
	}

	if _, err := m.addRegion(cfgAddr, cfg, wmask); err != nil {
		return fmt.Errorf("memory backend: config space: %w", err)
	}
	return nil
}

func checkBARSpec(bar BARSpec) error {
	if bar.Index < 0 || bar.Index >= BARCount || (bar.Is64 && bar.Index == BARCount-1) {
		return fmt.Errorf("memory backend: invalid BAR index %d", bar.Index)
	}
	if bar.Size == 0 || bar.Size&(bar.Size-1) != 0 {
		return fmt.Errorf("memory backend: BAR%d size %#x is not a power of two", bar.Index, bar.Size)
	}
	if bar.Addr&(bar.Size-1) != 0 {
		return fmt.Errorf("memory backend: BAR%d address %#x not aligned to size %#x", bar.Index, bar.Addr, bar.Size)
	}
	return nil
}

func putBAR(cfg, wmask []byte, reg uint32, bar BARSpec) {
	flags := uint32(0)
	if bar.Is64 {
		flags |= barMemType64
	}
	if bar.Prefetchable {
		flags |= barPrefetch
	}
	binary.LittleEndian.PutUint32(cfg[reg:], uint32(bar.Addr)|flags)
	binary.LittleEndian.PutUint32(wmask[reg:], uint32(^(bar.Size-1))&^barMemAttrMask)
	if bar.Is64 {
		binary.LittleEndian.PutUint32(cfg[reg+4:], uint32(bar.Addr>>32))
		binary.LittleEndian.PutUint32(wmask[reg+4:], uint32(^(bar.Size-1)>>32))
	}
}

func putSRIOV(cfg, wmask []byte, sriov *SRIOVSpec) error {
	pos := uint32(sriov.CapOffset)
	if pos < ExtCapStart || pos&3 != 0 || pos+SRIOVCapSize > ExtendedConfigSpaceSize {
		return fmt.Errorf("memory backend: invalid SR-IOV capability offset %#x", pos)
	}
	if sriov.NumVFs > sriov.TotalVFs {
		return fmt.Errorf("memory backend: %d VFs exceed the total of %d", sriov.NumVFs, sriov.TotalVFs)
	}

	binary.LittleEndian.PutUint32(cfg[pos:], ExtCapIDSRIOV|1<<16)
	var ctrl uint16
	if sriov.Enabled {
		ctrl = SRIOVControlVFEnable | SRIOVControlVFMemory
	}
	binary.LittleEndian.PutUint16(cfg[pos+SRIOVControl:], ctrl)
	binary.LittleEndian.PutUint16(wmask[pos+SRIOVControl:], SRIOVControlVFEnable|SRIOVControlVFMemory)
	binary.LittleEndian.PutUint16(cfg[pos+SRIOVInitialVFs:], sriov.TotalVFs)
	binary.LittleEndian.PutUint16(cfg[pos+SRIOVTotalVFs:], sriov.TotalVFs)
	binary.LittleEndian.PutUint16(cfg[pos+SRIOVNumVFs:], sriov.NumVFs)
	binary.LittleEndian.PutUint16(wmask[pos+SRIOVNumVFs:], 0xffff)
	binary.LittleEndian.PutUint16(cfg[pos+SRIOVVFOffset:], sriov.Offset)
	binary.LittleEndian.PutUint16(cfg[pos+SRIOVVFStride:], sriov.Stride)
	binary.LittleEndian.PutUint16(cfg[pos+SRIOVVFDeviceID:], sriov.VFDeviceID)

	for _, bar := range sriov.BARs {
		if err := checkBARSpec(bar); err != nil {
			return fmt.Errorf("SR-IOV: %w", err)
		}
		putBAR(cfg, wmask, pos+SRIOVBAR+uint32(bar.Index)*BARStride, bar)
	}
	return nil
}
