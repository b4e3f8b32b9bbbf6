package cortexm

import (
	"fmt"

	"github.com/daschewie/armdbg/pkg/breakpoints"
)

// FP_CTRL fields.
const (
	fpCtrlKey    = 1 << 1
	fpCtrlEnable = 1 << 0
)

// fpbMaxMatchAddr is the top of the FPBv1 comparator range; comparators
// only match below the SRAM base.
const fpbMaxMatchAddr = 0x20000000

// fpbComparator tracks one FP comparator register.
type fpbComparator struct {
	regAddr uint32
	addr    uint32
	enabled bool
}

// FPB drives the Flash Patch and Breakpoint unit's code comparators. It
// satisfies breakpoints.HWProvider. The unit stays disabled until the
// first breakpoint is set.
type FPB struct {
	mem    wordMemory
	comps  []fpbComparator
	nbCode int
	nbLit  int
	used   int
	enabled bool
}

// wordMemory is the minimal access the comparator units need.
type wordMemory interface {
	Read32(addr uint32) (uint32, error)
	Write32(addr uint32, value uint32) error
}

// NewFPB builds an FPB over the core's memory interface.
func NewFPB(mem wordMemory) *FPB {
	return &FPB{mem: mem}
}

// Init reads the comparator counts, disables the unit, and zeroes every
// comparator.
func (f *FPB) Init() error {
	ctrl, err := f.mem.Read32(FPCtrlAddr)
	if err != nil {
		return fmt.Errorf("read FP_CTRL: %w", err)
	}
	f.nbCode = int(ctrl>>8)&0x70 | int(ctrl>>4)&0xf
	f.nbLit = int(ctrl>>7) & 0xf

	f.comps = make([]fpbComparator, f.nbCode)
	for i := range f.comps {
		f.comps[i].regAddr = FPComp0Addr + uint32(4*i)
	}

	if err := f.disable(); err != nil {
		return err
	}
	for i := range f.comps {
		if err := f.mem.Write32(f.comps[i].regAddr, 0); err != nil {
			return fmt.Errorf("clear FP comparator %d: %w", i, err)
		}
	}
	return nil
}

// CodeComparators returns the number of code address comparators.
func (f *FPB) CodeComparators() int { return f.nbCode }

// LiteralComparators returns the number of literal comparators.
func (f *FPB) LiteralComparators() int { return f.nbLit }

func (f *FPB) enable() error {
	if err := f.mem.Write32(FPCtrlAddr, fpCtrlKey|fpCtrlEnable); err != nil {
		return fmt.Errorf("enable FPB: %w", err)
	}
	f.enabled = true
	return nil
}

func (f *FPB) disable() error {
	if err := f.mem.Write32(FPCtrlAddr, fpCtrlKey); err != nil {
		return fmt.Errorf("disable FPB: %w", err)
	}
	f.enabled = false
	return nil
}

func (f *FPB) Type() breakpoints.Type { return breakpoints.TypeHW }

// AvailableBreakpoints returns the number of free comparators.
func (f *FPB) AvailableBreakpoints() int { return len(f.comps) - f.used }

// SetBreakpoint claims a free comparator for addr. The comparator value
// encodes the word address with a halfword-lane match selector.
func (f *FPB) SetBreakpoint(addr uint32) (*breakpoints.Breakpoint, error) {
	if !f.enabled {
		if err := f.enable(); err != nil {
			return nil, err
		}
	}

	if addr >= fpbMaxMatchAddr {
		// FPBv1 comparators only match 0x00000000-0x1fffffff.
		return nil, fmt.Errorf("breakpoint address 0x%08x out of FPB range", addr)
	}
	if f.AvailableBreakpoints() == 0 {
		return nil, fmt.Errorf("no free hardware breakpoint for 0x%08x", addr)
	}

	for i := range f.comps {
		comp := &f.comps[i]
		if comp.enabled {
			continue
		}
		bpMatch := uint32(1 << 30)
		if addr&0x2 != 0 {
			bpMatch = 2 << 30
		}
		if err := f.mem.Write32(comp.regAddr, addr&0x1ffffffc|bpMatch|1); err != nil {
			return nil, fmt.Errorf("write FP comparator: %w", err)
		}
		comp.enabled = true
		comp.addr = addr
		f.used++
		return &breakpoints.Breakpoint{
			Type:           breakpoints.TypeHW,
			Addr:           addr,
			Enabled:        true,
			ComparatorAddr: comp.regAddr,
			Provider:       f,
		}, nil
	}
	return nil, fmt.Errorf("no free hardware breakpoint for 0x%08x", addr)
}

// RemoveBreakpoint releases the comparator matching the breakpoint.
func (f *FPB) RemoveBreakpoint(bp *breakpoints.Breakpoint) error {
	for i := range f.comps {
		comp := &f.comps[i]
		if comp.enabled && comp.addr == bp.Addr {
			if err := f.mem.Write32(comp.regAddr, 0); err != nil {
				return fmt.Errorf("clear FP comparator: %w", err)
			}
			comp.enabled = false
			f.used--
			bp.Enabled = false
			return nil
		}
	}
	return nil
}

// FiltersMemory is false: hardware breakpoints never modify memory.
func (f *FPB) FiltersMemory() bool { return false }

func (f *FPB) FilterMemory(addr uint32, size uint32, value uint32) uint32 { return value }

func (f *FPB) Flush() error { return nil }
