package cortexm

import (
	"fmt"
	"math/bits"
)

// DWT comparator block layout: COMP, MASK, FUNCTION at stride 0x10.
const (
	dwtMaskOffset     = 4
	dwtFunctionOffset = 8
	dwtCompBlockSize  = 0x10
)

// FUNCTION values for data address watchpoints.
var watchTypeToFunc = map[WatchType]uint32{
	WatchRead:      5,
	WatchWrite:     6,
	WatchReadWrite: 7,
}

// dwtComparator tracks one DWT comparator.
type dwtComparator struct {
	regAddr uint32
	addr    uint32
	size    uint32
	fn      uint32
}

// DWT drives the Data Watchpoint and Trace unit's comparators as
// watchpoints.
type DWT struct {
	mem   wordMemory
	comps []dwtComparator
	used  int
}

// NewDWT builds a DWT over the core's memory interface.
func NewDWT(mem wordMemory) *DWT {
	return &DWT{mem: mem}
}

// Init enables trace in DEMCR, reads the comparator count, and clears
// every comparator's FUNCTION.
func (d *DWT) Init() error {
	demcr, err := d.mem.Read32(DEMCRAddr)
	if err != nil {
		return fmt.Errorf("read DEMCR: %w", err)
	}
	if err := d.mem.Write32(DEMCRAddr, demcr|DEMCRTrcEna); err != nil {
		return fmt.Errorf("enable trace: %w", err)
	}

	ctrl, err := d.mem.Read32(DWTCtrlAddr)
	if err != nil {
		return fmt.Errorf("read DWT_CTRL: %w", err)
	}
	count := int(ctrl>>28) & 0xf

	d.comps = make([]dwtComparator, count)
	for i := range d.comps {
		d.comps[i].regAddr = DWTComp0Addr + uint32(dwtCompBlockSize*i)
		if err := d.mem.Write32(d.comps[i].regAddr+dwtFunctionOffset, 0); err != nil {
			return fmt.Errorf("clear DWT comparator %d: %w", i, err)
		}
	}
	return nil
}

// ComparatorCount returns the number of watchpoint comparators.
func (d *DWT) ComparatorCount() int { return len(d.comps) }

// AvailableWatchpoints returns the number of free comparators.
func (d *DWT) AvailableWatchpoints() int { return len(d.comps) - d.used }

func (d *DWT) find(addr uint32, size uint32, typ WatchType) *dwtComparator {
	fn := watchTypeToFunc[typ]
	for i := range d.comps {
		c := &d.comps[i]
		if c.addr == addr && c.size == size && c.fn == fn {
			return c
		}
	}
	return nil
}

// SetWatchpoint claims a comparator for the address range. size must be a
// power of two; the MASK field takes its log2, and a read-back verifies
// the device supports that many mask bits.
func (d *DWT) SetWatchpoint(addr uint32, size uint32, typ WatchType) error {
	if d.find(addr, size, typ) != nil {
		return nil
	}

	fn, ok := watchTypeToFunc[typ]
	if !ok {
		return fmt.Errorf("invalid watchpoint type %d", typ)
	}
	if size == 0 || size&(size-1) != 0 {
		return fmt.Errorf("watchpoint size %d is not a power of two", size)
	}
	mask := uint32(bits.TrailingZeros32(size))

	for i := range d.comps {
		c := &d.comps[i]
		if c.fn != 0 {
			continue
		}
		if err := d.mem.Write32(c.regAddr+dwtMaskOffset, mask); err != nil {
			return fmt.Errorf("write DWT mask: %w", err)
		}
		readBack, err := d.mem.Read32(c.regAddr + dwtMaskOffset)
		if err != nil {
			return fmt.Errorf("read back DWT mask: %w", err)
		}
		if readBack != mask {
			return fmt.Errorf("watchpoint size %d not supported by device", size)
		}
		if err := d.mem.Write32(c.regAddr, addr); err != nil {
			return fmt.Errorf("write DWT comparator: %w", err)
		}
		if err := d.mem.Write32(c.regAddr+dwtFunctionOffset, fn); err != nil {
			return fmt.Errorf("write DWT function: %w", err)
		}
		c.addr = addr
		c.size = size
		c.fn = fn
		d.used++
		return nil
	}
	return fmt.Errorf("no free watchpoint for 0x%08x", addr)
}

// RemoveWatchpoint releases the comparator matching the triple. Removing
// a watchpoint that was never set is not an error.
func (d *DWT) RemoveWatchpoint(addr uint32, size uint32, typ WatchType) error {
	c := d.find(addr, size, typ)
	if c == nil {
		return nil
	}
	if err := d.mem.Write32(c.regAddr+dwtFunctionOffset, 0); err != nil {
		return fmt.Errorf("clear DWT function: %w", err)
	}
	c.fn = 0
	c.addr = 0
	c.size = 0
	d.used--
	return nil
}
