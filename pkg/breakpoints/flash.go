package breakpoints

import (
	"fmt"
	"sort"
)

// FlashPager abstracts the flash rewrite mechanism. The flash algorithm
// itself lives outside this package; the provider only decides which
// pages to rewrite and with what contents.
type FlashPager interface {
	// PageInfo returns the base address and size of the page containing
	// addr.
	PageInfo(addr uint32) (base uint32, size uint32, err error)

	// Begin prepares the target for page rewrites; End undoes it.
	Begin() error
	End() error

	// ErasePage erases one page; ProgramPage writes its new contents.
	ErasePage(base uint32) error
	ProgramPage(base uint32, data []byte) error
}

// RegisterAccess saves and restores core state around flash algorithm
// execution.
type RegisterAccess interface {
	ReadRegistersRaw(indices []int) ([]uint32, error)
	WriteRegistersRaw(indices []int, values []uint32) error
	HasFPU() bool
}

// coreSaveRegisters is the integer state preserved around a rewrite:
// R0-R12, SP, LR, PC, xPSR, MSP, PSP, and CFBP.
var coreSaveRegisters = []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 20}

// fpuSaveRegisters extends the save set with S0-S31 and FPSCR when the
// FPU is enabled, in case the flash algorithm touches it.
var fpuSaveRegisters = func() []int {
	regs := make([]int, 0, 33)
	for i := 0; i < 32; i++ {
		regs = append(regs, 0x40+i)
	}
	return append(regs, 33)
}()

type flashOp struct {
	add bool
	bp  *Breakpoint
}

// FlashProvider implements breakpoints in flash by rewriting whole pages
// with a BKPT patched in. Updates are coalesced per page and committed in
// one pass during Flush.
type FlashProvider struct {
	mem   Memory
	regs  RegisterAccess
	pager FlashPager

	bps     map[uint32]*Breakpoint
	pending []flashOp

	// Filtering pauses while the provider rewrites flash so it observes
	// real page contents.
	filterEnabled bool

	savedRegs   []uint32
	savedFPRegs []uint32
}

// NewFlashProvider builds a provider rewriting through pager.
func NewFlashProvider(mem Memory, regs RegisterAccess, pager FlashPager) *FlashProvider {
	return &FlashProvider{
		mem:           mem,
		regs:          regs,
		pager:         pager,
		bps:           map[uint32]*Breakpoint{},
		filterEnabled: true,
	}
}

func (p *FlashProvider) Type() Type { return TypeFlash }

func (p *FlashProvider) SetBreakpoint(addr uint32) (*Breakpoint, error) {
	if addr&1 != 0 {
		return nil, fmt.Errorf("unaligned flash breakpoint address 0x%08x", addr)
	}
	base, _, err := p.pager.PageInfo(addr)
	if err != nil {
		return nil, fmt.Errorf("flash page for 0x%08x: %w", addr, err)
	}

	bp := &Breakpoint{
		Type:     TypeFlash,
		Addr:     addr,
		Enabled:  true,
		PageBase: base,
		Provider: p,
	}
	p.pending = append(p.pending, flashOp{add: true, bp: bp})
	p.bps[addr] = bp
	return bp, nil
}

func (p *FlashProvider) RemoveBreakpoint(bp *Breakpoint) error {
	delete(p.bps, bp.Addr)
	p.pending = append(p.pending, flashOp{add: false, bp: bp})
	return nil
}

func (p *FlashProvider) FiltersMemory() bool { return p.filterEnabled }

func (p *FlashProvider) FilterMemory(addr uint32, size uint32, value uint32) uint32 {
	return filterPatched(p.bps, addr, size, value)
}

// Flush rewrites every page touched by pending operations. Core state is
// saved around the algorithm run and memory filtering pauses so the page
// reads see the target's real contents.
func (p *FlashProvider) Flush() error {
	if len(p.pending) == 0 {
		return nil
	}
	ops := p.pending
	p.pending = nil

	// Coalesce ops per page; a later op on the same address wins.
	pages := map[uint32][]flashOp{}
	for _, op := range ops {
		pages[op.bp.PageBase] = append(pages[op.bp.PageBase], op)
	}
	bases := make([]uint32, 0, len(pages))
	for base := range pages {
		bases = append(bases, base)
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })

	p.filterEnabled = false
	defer func() { p.filterEnabled = true }()

	if err := p.saveState(); err != nil {
		return err
	}
	defer p.restoreState()

	if err := p.pager.Begin(); err != nil {
		return fmt.Errorf("begin flash rewrite: %w", err)
	}
	defer p.pager.End()

	for _, base := range bases {
		if err := p.rewritePage(base, pages[base]); err != nil {
			return err
		}
	}
	return nil
}

func (p *FlashProvider) rewritePage(base uint32, ops []flashOp) error {
	_, size, err := p.pager.PageInfo(base)
	if err != nil {
		return err
	}
	data, err := p.mem.ReadBlock8Unfiltered(base, int(size))
	if err != nil {
		return fmt.Errorf("read flash page 0x%08x: %w", base, err)
	}

	dirty := false
	for _, op := range ops {
		off := op.bp.Addr - base
		if op.add {
			op.bp.OriginalInstr = uint16(data[off]) | uint16(data[off+1])<<8
			if op.bp.OriginalInstr == BKPTInstruction {
				continue
			}
			data[off] = byte(BKPTInstruction & 0xff)
			data[off+1] = byte(BKPTInstruction >> 8)
		} else {
			data[off] = byte(op.bp.OriginalInstr)
			data[off+1] = byte(op.bp.OriginalInstr >> 8)
		}
		dirty = true
	}
	if !dirty {
		return nil
	}

	if err := p.pager.ErasePage(base); err != nil {
		return fmt.Errorf("erase flash page 0x%08x: %w", base, err)
	}
	if err := p.pager.ProgramPage(base, data); err != nil {
		return fmt.Errorf("program flash page 0x%08x: %w", base, err)
	}
	return nil
}

func (p *FlashProvider) saveState() error {
	var err error
	p.savedRegs, err = p.regs.ReadRegistersRaw(coreSaveRegisters)
	if err != nil {
		return fmt.Errorf("save core registers: %w", err)
	}
	if p.regs.HasFPU() {
		p.savedFPRegs, err = p.regs.ReadRegistersRaw(fpuSaveRegisters)
		if err != nil {
			return fmt.Errorf("save FP registers: %w", err)
		}
	}
	return nil
}

func (p *FlashProvider) restoreState() {
	if p.savedRegs != nil {
		_ = p.regs.WriteRegistersRaw(coreSaveRegisters, p.savedRegs)
		p.savedRegs = nil
	}
	if p.savedFPRegs != nil {
		_ = p.regs.WriteRegistersRaw(fpuSaveRegisters, p.savedFPRegs)
		p.savedFPRegs = nil
	}
}
