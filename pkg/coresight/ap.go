package coresight

import (
	"errors"
	"fmt"

	"github.com/daschewie/armdbg/pkg/probe"
)

// MEM-AP register offsets within the 8-bit AP address space. The low
// byte of an addr28 carries (APBANKSEL & 0xF0) | (A & 0x0C).
const (
	apCSWOffset  = 0x00
	apTAROffset  = 0x04
	apDRWOffset  = 0x0c
	apBaseOffset = 0xf8
	apIDROffset  = 0xfc
)

// CSW fields. The fixed bits request debug-master, privileged data
// accesses with the debug status flag set.
const (
	cswReserved = 0x01000000
	cswHProt    = 0x02000000
	cswMstrDbg  = 0x20000000
	cswDbgStat  = 0x00000040

	cswSize8  = 0x00000000
	cswSize16 = 0x00000001
	cswSize32 = 0x00000002

	cswAddrIncOff    = 0x00000000
	cswAddrIncSingle = 0x00000010
	cswAddrIncPacked = 0x00000020

	cswFixed = cswReserved | cswHProt | cswMstrDbg | cswDbgStat
)

// BASE register decode.
const (
	baseFormatMask  = 0x2
	basePresentMask = 0x1
	baseAddrMask    = 0xfffffffc
)

// ahbIDRToPageSize maps known AHB-AP IDR values to the auto-increment
// wrap size in bytes. Transfers crossing the wrap boundary with
// auto-increment enabled wrap back to the start of the page.
var ahbIDRToPageSize = map[uint32]uint32{
	0x24770011: 0x1000, // Cortex-M3 and M4
	0x44770001: 0x400,  // Cortex-M1
	0x04770031: 0x400,  // Cortex-M0+ (KL25Z, KL46, LPC812)
	0x04770021: 0x400,  // Cortex-M0 (nRF51, LPC11U24)
	0x64770001: 0x400,  // Cortex-M7
	0x74770001: 0x400,  // Cortex-M0+ (KL28Z)
}

// defaultPageSize is the smallest wrap size supported by all known
// targets; a smaller size only costs extra TAR writes, never corruption.
const defaultPageSize = 0x400

// AccessPort is a MEM-AP: a memory gateway reached through the DP. It
// derives the auto-increment page size from the IDR and provides aligned
// and unaligned memory block I/O with correct page splitting.
type AccessPort struct {
	dp    *DebugPort
	apsel uint8

	idr         uint32
	romAddr     uint32
	hasRomTable bool
	pageSize    uint32

	// RomTable is populated by the ROM table walk when the AP hosts one.
	RomTable *ROMTable
}

// NewAccessPort binds an AP index on a DP. Init must run before use.
func NewAccessPort(dp *DebugPort, apsel uint8) *AccessPort {
	return &AccessPort{dp: dp, apsel: apsel, pageSize: defaultPageSize}
}

// DP returns the debug port this AP is reached through.
func (ap *AccessPort) DP() *DebugPort { return ap.dp }

// APSel returns the AP index.
func (ap *AccessPort) APSel() uint8 { return ap.apsel }

// IDR returns the identification register snapshot taken by Init.
func (ap *AccessPort) IDR() uint32 { return ap.idr }

// HasRomTable reports whether the BASE register points at a ROM table.
func (ap *AccessPort) HasRomTable() bool { return ap.hasRomTable }

// RomTableAddr returns the ROM table base address.
func (ap *AccessPort) RomTableAddr() uint32 { return ap.romAddr }

// PageSize returns the auto-increment page size in bytes.
func (ap *AccessPort) PageSize() uint32 { return ap.pageSize }

// Init reads the IDR and BASE registers and derives the page size.
func (ap *AccessPort) Init() error {
	idr, err := ap.dp.ReadAP(ap.addr28(apIDROffset))
	if err != nil {
		return fmt.Errorf("AP#%d read IDR: %w", ap.apsel, err)
	}
	ap.idr = idr

	if size, ok := ahbIDRToPageSize[idr]; ok {
		ap.pageSize = size
	} else {
		ap.pageSize = defaultPageSize
	}

	base, err := ap.dp.ReadAP(ap.addr28(apBaseOffset))
	if err != nil {
		return fmt.Errorf("AP#%d read BASE: %w", ap.apsel, err)
	}
	ap.hasRomTable = base != 0xffffffff && base&basePresentMask != 0
	ap.romAddr = base & baseAddrMask
	return nil
}

// InitRomTable walks the ROM table hosted by this AP.
func (ap *AccessPort) InitRomTable() error {
	if !ap.hasRomTable {
		return nil
	}
	ap.RomTable = NewROMTable(ap, ap.romAddr)
	return ap.RomTable.Init()
}

func (ap *AccessPort) addr28(offset uint32) uint32 {
	return uint32(ap.apsel)<<24 | offset&0xfc
}

// annotate fills in the access address on transfer faults that reached us
// without one (the CMSIS-DAP ACK carries no address).
func annotate(err error, addr, length uint32) error {
	var fault *probe.TransferFaultError
	if errors.As(err, &fault) && fault.Address == 0 {
		fault.Address = addr
		fault.Length = length
	}
	return err
}

// writeCSW configures the transfer size and increment mode. The DP elides
// the write when the cached CSW already matches.
func (ap *AccessPort) writeCSW(sizeBits, incBits uint32) error {
	return ap.dp.WriteAP(ap.addr28(apCSWOffset), cswFixed|incBits|sizeBits)
}

func cswSizeBits(size uint32) (uint32, error) {
	switch size {
	case 8:
		return cswSize8, nil
	case 16:
		return cswSize16, nil
	case 32:
		return cswSize32, nil
	default:
		return 0, fmt.Errorf("%w: invalid transfer size %d", probe.ErrTarget, size)
	}
}

// WriteMemory writes a single 8-, 16-, or 32-bit value. Sub-word values
// are positioned on their byte lane.
func (ap *AccessPort) WriteMemory(addr uint32, value uint32, size uint32) error {
	sizeBits, err := cswSizeBits(size)
	if err != nil {
		return err
	}
	if err := ap.writeCSW(sizeBits, cswAddrIncOff); err != nil {
		return annotate(err, addr, size/8)
	}
	if err := ap.dp.WriteAP(ap.addr28(apTAROffset), addr); err != nil {
		return annotate(err, addr, size/8)
	}
	data := value << ((addr & 0x3) * 8)
	if err := ap.dp.WriteAP(ap.addr28(apDRWOffset), data); err != nil {
		return annotate(err, addr, size/8)
	}
	return nil
}

// ReadMemory reads a single 8-, 16-, or 32-bit value.
func (ap *AccessPort) ReadMemory(addr uint32, size uint32) (uint32, error) {
	cb, err := ap.ReadMemoryDeferred(addr, size)
	if err != nil {
		return 0, err
	}
	return cb()
}

// ReadMemoryDeferred issues a memory read and returns the continuation
// that yields the lane-shifted value.
func (ap *AccessPort) ReadMemoryDeferred(addr uint32, size uint32) (probe.DeferredRead, error) {
	sizeBits, err := cswSizeBits(size)
	if err != nil {
		return nil, err
	}
	if err := ap.writeCSW(sizeBits, cswAddrIncOff); err != nil {
		return nil, annotate(err, addr, size/8)
	}
	if err := ap.dp.WriteAP(ap.addr28(apTAROffset), addr); err != nil {
		return nil, annotate(err, addr, size/8)
	}
	cb, err := ap.dp.ReadAPDeferred(ap.addr28(apDRWOffset))
	if err != nil {
		return nil, annotate(err, addr, size/8)
	}
	return func() (uint32, error) {
		raw, err := cb()
		if err != nil {
			return 0, annotate(err, addr, size/8)
		}
		v := raw >> ((addr & 0x3) * 8)
		switch size {
		case 8:
			v &= 0xff
		case 16:
			v &= 0xffff
		}
		return v, nil
	}, nil
}

// Write32, Write16, and Write8 are size shorthands.
func (ap *AccessPort) Write32(addr, value uint32) error { return ap.WriteMemory(addr, value, 32) }
func (ap *AccessPort) Write16(addr uint32, value uint16) error {
	return ap.WriteMemory(addr, uint32(value), 16)
}
func (ap *AccessPort) Write8(addr uint32, value uint8) error {
	return ap.WriteMemory(addr, uint32(value), 8)
}

// Read32, Read16, and Read8 are size shorthands.
func (ap *AccessPort) Read32(addr uint32) (uint32, error) { return ap.ReadMemory(addr, 32) }
func (ap *AccessPort) Read16(addr uint32) (uint16, error) {
	v, err := ap.ReadMemory(addr, 16)
	return uint16(v), err
}
func (ap *AccessPort) Read8(addr uint32) (uint8, error) {
	v, err := ap.ReadMemory(addr, 8)
	return uint8(v), err
}

// blockSpan returns the byte count of the next auto-increment-safe span:
// up to the page boundary, capped to the words remaining.
func (ap *AccessPort) blockSpan(addr uint32, words int) uint32 {
	n := ap.pageSize - (addr & (ap.pageSize - 1))
	if uint32(words*4) < n {
		n = uint32(words*4) &^ 0x3
	}
	return n
}

// WriteBlock32 writes aligned words, splitting at every auto-increment
// page boundary.
func (ap *AccessPort) WriteBlock32(addr uint32, data []uint32) error {
	for len(data) > 0 {
		n := ap.blockSpan(addr, len(data))
		words := int(n / 4)
		if err := ap.writeCSW(cswSize32, cswAddrIncSingle); err != nil {
			return annotate(err, addr, uint32(len(data)*4))
		}
		if err := ap.dp.WriteAP(ap.addr28(apTAROffset), addr); err != nil {
			return annotate(err, addr, uint32(len(data)*4))
		}
		if err := ap.dp.WriteAPRepeat(ap.addr28(apDRWOffset), data[:words]); err != nil {
			return annotate(err, addr, uint32(len(data)*4))
		}
		data = data[words:]
		addr += n
	}
	return nil
}

// ReadBlock32 reads aligned words, splitting at every auto-increment page
// boundary.
func (ap *AccessPort) ReadBlock32(addr uint32, words int) ([]uint32, error) {
	result := make([]uint32, 0, words)
	for words > 0 {
		n := ap.blockSpan(addr, words)
		chunk := int(n / 4)
		if err := ap.writeCSW(cswSize32, cswAddrIncSingle); err != nil {
			return nil, annotate(err, addr, uint32(words*4))
		}
		if err := ap.dp.WriteAP(ap.addr28(apTAROffset), addr); err != nil {
			return nil, annotate(err, addr, uint32(words*4))
		}
		values, err := ap.dp.ReadAPRepeat(ap.addr28(apDRWOffset), chunk)
		if err != nil {
			return nil, annotate(err, addr, uint32(words*4))
		}
		result = append(result, values...)
		words -= chunk
		addr += n
	}
	return result, nil
}

// WriteBlock8 writes a byte block at any alignment, decomposing into at
// most a leading byte, a leading halfword, an aligned word run, a
// trailing halfword, and a trailing byte.
func (ap *AccessPort) WriteBlock8(addr uint32, data []byte) error {
	size := len(data)
	idx := 0

	if size > 0 && addr&0x1 != 0 {
		if err := ap.WriteMemory(addr, uint32(data[idx]), 8); err != nil {
			return err
		}
		size--
		addr++
		idx++
	}

	if size > 1 && addr&0x2 != 0 {
		v := uint32(data[idx]) | uint32(data[idx+1])<<8
		if err := ap.WriteMemory(addr, v, 16); err != nil {
			return err
		}
		size -= 2
		addr += 2
		idx += 2
	}

	if size >= 4 {
		n := size &^ 0x3
		words := make([]uint32, n/4)
		for i := range words {
			off := idx + i*4
			words[i] = uint32(data[off]) | uint32(data[off+1])<<8 |
				uint32(data[off+2])<<16 | uint32(data[off+3])<<24
		}
		if err := ap.WriteBlock32(addr, words); err != nil {
			return err
		}
		size -= n
		addr += uint32(n)
		idx += n
	}

	if size > 1 {
		v := uint32(data[idx]) | uint32(data[idx+1])<<8
		if err := ap.WriteMemory(addr, v, 16); err != nil {
			return err
		}
		size -= 2
		addr += 2
		idx += 2
	}

	if size > 0 {
		if err := ap.WriteMemory(addr, uint32(data[idx]), 8); err != nil {
			return err
		}
	}
	return nil
}

// ReadBlock8 reads a byte block at any alignment using the same
// decomposition as WriteBlock8.
func (ap *AccessPort) ReadBlock8(addr uint32, size int) ([]byte, error) {
	result := make([]byte, 0, size)

	if size > 0 && addr&0x1 != 0 {
		v, err := ap.ReadMemory(addr, 8)
		if err != nil {
			return nil, err
		}
		result = append(result, byte(v))
		size--
		addr++
	}

	if size > 1 && addr&0x2 != 0 {
		v, err := ap.ReadMemory(addr, 16)
		if err != nil {
			return nil, err
		}
		result = append(result, byte(v), byte(v>>8))
		size -= 2
		addr += 2
	}

	if size >= 4 {
		words, err := ap.ReadBlock32(addr, size/4)
		if err != nil {
			return nil, err
		}
		for _, w := range words {
			result = append(result, byte(w), byte(w>>8), byte(w>>16), byte(w>>24))
		}
		size -= len(words) * 4
		addr += uint32(len(words) * 4)
	}

	if size > 1 {
		v, err := ap.ReadMemory(addr, 16)
		if err != nil {
			return nil, err
		}
		result = append(result, byte(v), byte(v>>8))
		size -= 2
		addr += 2
	}

	if size > 0 {
		v, err := ap.ReadMemory(addr, 8)
		if err != nil {
			return nil, err
		}
		result = append(result, byte(v))
	}
	return result, nil
}
