package cortexm

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/daschewie/armdbg/pkg/breakpoints"
	"github.com/daschewie/armdbg/pkg/coresight"
	"github.com/daschewie/armdbg/pkg/events"
	"github.com/daschewie/armdbg/pkg/memorymap"
	"github.com/daschewie/armdbg/pkg/probe"
)

// Reset and power settle timing.
const (
	resetSettleTimeout = 2 * time.Second
	resetSpinInterval  = 10 * time.Millisecond
)

// Delegate lets the surrounding layers override core behavior without
// modifying it. Boolean-returning hooks report whether the delegate
// handled the operation itself; Init ignores the result of
// WillStartDebugCore.
type Delegate interface {
	WillStartDebugCore(c *CortexM) bool
	DidStartDebugCore(c *CortexM)
	WillStopDebugCore(c *CortexM) bool
	WillReset(c *CortexM, resetType ResetType) bool
	DidReset(c *CortexM, resetType ResetType)
	SetResetCatch(c *CortexM, resetType ResetType) bool
	ClearResetCatch(c *CortexM, resetType ResetType)
}

// Config carries the collaborators a core is wired with at creation.
type Config struct {
	CoreNumber int
	MemoryMap  *memorymap.Map
	Bus        *events.Bus
	Delegate   Delegate

	// HaltOnConnect halts the core as the first step of Init.
	HaltOnConnect bool

	// StructuredPSR publishes xPSR and CONTROL with structured field
	// types in the register catalog.
	StructuredPSR bool

	// FlashPager, when present, enables the flash breakpoint provider.
	FlashPager breakpoints.FlashPager
}

// CortexM exposes one ARMv6-M or ARMv7-M core: execution control, core
// register access through the DCRSR mailbox, memory access with
// breakpoint filtering, and the FPB/DWT comparator units.
type CortexM struct {
	ap  *coresight.AccessPort
	cfg Config

	cpuid             uint32
	arch              int
	partNo            uint16
	revision          int
	variant           int
	hasFPU            bool
	supportsVectreset bool

	registers  []RegInfo
	regByName  map[string]*RegInfo
	regByIndex map[int]*RegInfo
	targetXML  []byte

	fpb   *FPB
	dwt   *DWT
	bpMgr *breakpoints.Manager

	defaultResetType   ResetType
	defaultSWResetType ResetType

	runToken int

	resetCatchSavedDEMCR uint32
	resetCatchDelegated  bool
}

// NewCortexM binds a core to its AP. Init must run before use.
func NewCortexM(ap *coresight.AccessPort, cfg Config) *CortexM {
	if cfg.MemoryMap == nil {
		cfg.MemoryMap = memorymap.DefaultCortexM()
	}
	c := &CortexM{
		ap:                 ap,
		cfg:                cfg,
		defaultResetType:   ResetSW,
		defaultSWResetType: ResetSWSysResetReq,
	}
	c.fpb = NewFPB(c)
	c.dwt = NewDWT(c)
	c.bpMgr = breakpoints.NewManager(cfg.MemoryMap)
	return c
}

// AP returns the access port hosting the core.
func (c *CortexM) AP() *coresight.AccessPort { return c.ap }

// CoreNumber returns the core index assigned at discovery.
func (c *CortexM) CoreNumber() int { return c.cfg.CoreNumber }

// MemoryMap returns the memory layout used for breakpoint placement.
func (c *CortexM) MemoryMap() *memorymap.Map { return c.cfg.MemoryMap }

// HasFPU reports whether the FPU probe found coprocessors 10 and 11.
func (c *CortexM) HasFPU() bool { return c.hasFPU }

// Architecture returns ArchV6M or ArchV7M.
func (c *CortexM) Architecture() int { return c.arch }

// PartNumber returns the CPUID part number.
func (c *CortexM) PartNumber() uint16 { return c.partNo }

// CPUID returns the raw CPUID register snapshot.
func (c *CortexM) CPUID() uint32 { return c.cpuid }

// Name returns the marketing name for the core type.
func (c *CortexM) Name() string {
	if name, ok := CoreTypeName[c.partNo]; ok {
		return name
	}
	return fmt.Sprintf("unknown (part 0x%03x)", c.partNo)
}

// RunToken increments on every resume, step, and reset so upper layers
// can detect missed run/halt cycles.
func (c *CortexM) RunToken() int { return c.runToken }

// FPB and DWT expose the owned comparator units.
func (c *CortexM) FPB() *FPB { return c.fpb }
func (c *CortexM) DWT() *DWT { return c.dwt }

// BreakpointManager exposes the owned manager.
func (c *CortexM) BreakpointManager() *breakpoints.Manager { return c.bpMgr }

// DefaultResetType returns the reset used when none is specified.
func (c *CortexM) DefaultResetType() ResetType { return c.defaultResetType }

// SetDefaultResetType selects the reset used when none is specified.
func (c *CortexM) SetDefaultResetType(t ResetType) { c.defaultResetType = t }

// SetDefaultSoftwareResetType selects the reset ResetSW resolves to. Only
// the software types are accepted.
func (c *CortexM) SetDefaultSoftwareResetType(t ResetType) error {
	switch t {
	case ResetSWSysResetReq, ResetSWVectReset, ResetSWEmulated:
		c.defaultSWResetType = t
		return nil
	default:
		return fmt.Errorf("%w: %v is not a software reset type", probe.ErrTarget, t)
	}
}

// Init identifies the core, probes for an FPU, builds the register
// catalog, and prepares the FPB, DWT, and breakpoint providers.
func (c *CortexM) Init() error {
	if c.cfg.Delegate != nil {
		c.cfg.Delegate.WillStartDebugCore(c)
	}

	if c.cfg.HaltOnConnect {
		if err := c.Halt(); err != nil {
			return fmt.Errorf("halt on connect: %w", err)
		}
	}

	if err := c.readCoreType(); err != nil {
		return err
	}
	if err := c.checkForFPU(); err != nil {
		return err
	}
	c.buildRegisters()

	if err := c.fpb.Init(); err != nil {
		return fmt.Errorf("init FPB: %w", err)
	}
	if err := c.dwt.Init(); err != nil {
		return fmt.Errorf("init DWT: %w", err)
	}

	c.bpMgr.AddProvider(c.fpb)
	c.bpMgr.AddProvider(breakpoints.NewSoftwareProvider(c))
	if c.cfg.FlashPager != nil {
		c.bpMgr.AddProvider(breakpoints.NewFlashProvider(c, c, c.cfg.FlashPager))
	}
	if c.cfg.Bus != nil {
		c.bpMgr.Attach(c.cfg.Bus)
	}

	if c.cfg.Delegate != nil {
		c.cfg.Delegate.DidStartDebugCore(c)
	}
	return nil
}

// Disconnect detaches from the core, removing breakpoints and clearing
// debug state. With resume set, a halted core is restarted first.
func (c *CortexM) Disconnect(resume bool) error {
	c.notify(events.PreDisconnect, nil)

	if c.cfg.Delegate != nil && c.cfg.Delegate.WillStopDebugCore(c) {
		return nil
	}

	var firstErr error
	if err := c.bpMgr.RemoveAll(); err != nil {
		firstErr = err
	}
	if resume {
		if err := c.Resume(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := c.Write32(DEMCRAddr, 0); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (c *CortexM) readCoreType() error {
	cpuid, err := c.Read32(CPUIDAddr)
	if err != nil {
		return fmt.Errorf("read CPUID: %w", err)
	}
	c.cpuid = cpuid
	c.arch = int(cpuid&CPUIDArchMask) >> CPUIDArchShift
	c.partNo = uint16(cpuid&CPUIDPartNoMask) >> CPUIDPartNoShift
	c.variant = int(cpuid&CPUIDVariantMask) >> CPUIDVariantShift
	c.revision = int(cpuid & CPUIDRevisionMask)

	switch c.partNo {
	case PartCortexM3, PartCortexM4, PartCortexM7:
		c.supportsVectreset = true
	}
	return nil
}

// checkForFPU probes for coprocessors 10 and 11 by writing their enable
// bits and reading them back. v6-M cores never have an FPU.
func (c *CortexM) checkForFPU() error {
	if c.arch != ArchV7M {
		c.hasFPU = false
		return nil
	}

	original, err := c.Read32(CPACRAddr)
	if err != nil {
		return fmt.Errorf("read CPACR: %w", err)
	}
	if err := c.Write32(CPACRAddr, original|CPACRCP10CP11Mask); err != nil {
		return fmt.Errorf("write CPACR: %w", err)
	}
	cpacr, err := c.Read32(CPACRAddr)
	if err != nil {
		return fmt.Errorf("read back CPACR: %w", err)
	}
	c.hasFPU = cpacr&CPACRCP10CP11Mask != 0

	if err := c.Write32(CPACRAddr, original); err != nil {
		return fmt.Errorf("restore CPACR: %w", err)
	}
	return nil
}

func (c *CortexM) buildRegisters() {
	c.registers = registerGroups(c.arch == ArchV7M, c.hasFPU, c.cfg.StructuredPSR)
	c.regByName = make(map[string]*RegInfo, len(c.registers))
	c.regByIndex = make(map[int]*RegInfo, len(c.registers))
	for i := range c.registers {
		r := &c.registers[i]
		c.regByName[r.Name] = r
		c.regByIndex[r.Index] = r
	}
	c.buildTargetXML()
}

// buildTargetXML renders the register catalog in the GDB target
// description format for an eventual remote protocol layer.
func (c *CortexM) buildTargetXML() {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0"?><!DOCTYPE target SYSTEM "gdb-target.dtd">`)
	buf.WriteString(`<target><feature name="org.gnu.gdb.arm.m-profile">`)
	typeName := map[RegType]string{
		RegTypeInt:        "int",
		RegTypeCodePtr:    "code_ptr",
		RegTypeDataPtr:    "data_ptr",
		RegTypeIEEESingle: "ieee_single",
		RegTypeIEEEDouble: "ieee_double",
		RegTypeXPSR:       "xpsr",
		RegTypeControl:    "control",
	}
	for i := range c.registers {
		r := &c.registers[i]
		fmt.Fprintf(&buf, `<reg name=%q bitsize="%d" type=%q group=%q/>`,
			r.Name, r.BitSize, typeName[r.Type], r.Group)
	}
	buf.WriteString(`</feature></target>`)
	c.targetXML = buf.Bytes()
}

// TargetXML returns the GDB target description built at init.
func (c *CortexM) TargetXML() []byte { return c.targetXML }

// Registers returns the register catalog.
func (c *CortexM) Registers() []RegInfo { return c.registers }

func (c *CortexM) notify(e events.Event, data interface{}) {
	if c.cfg.Bus != nil {
		c.cfg.Bus.Notify(e, c, data)
	}
}

// flush drains the transport.
func (c *CortexM) flush() error {
	return c.ap.DP().Flush()
}

// ---------------------------------------------------------------------
// Memory access. Reads pass through the breakpoint filter chain so
// patched instructions are never observed; the Unfiltered forms serve
// the breakpoint providers themselves.
// ---------------------------------------------------------------------

// ReadMemory reads one value of size 8, 16, or 32 bits.
func (c *CortexM) ReadMemory(addr uint32, size uint32) (uint32, error) {
	v, err := c.ap.ReadMemory(addr, size)
	if err != nil {
		return 0, err
	}
	return c.bpMgr.FilterMemory(addr, size, v), nil
}

// WriteMemory writes one value of size 8, 16, or 32 bits.
func (c *CortexM) WriteMemory(addr uint32, value uint32, size uint32) error {
	return c.ap.WriteMemory(addr, value, size)
}

// Read32, Read16, Read8 are filtered size shorthands.
func (c *CortexM) Read32(addr uint32) (uint32, error) {
	return c.ReadMemory(addr, 32)
}

func (c *CortexM) Read16(addr uint32) (uint16, error) {
	v, err := c.ReadMemory(addr, 16)
	return uint16(v), err
}

func (c *CortexM) Read8(addr uint32) (uint8, error) {
	v, err := c.ReadMemory(addr, 8)
	return uint8(v), err
}

// Write32, Write16, Write8 are size shorthands.
func (c *CortexM) Write32(addr uint32, value uint32) error {
	return c.ap.WriteMemory(addr, value, 32)
}

func (c *CortexM) Write16(addr uint32, value uint16) error {
	return c.ap.WriteMemory(addr, uint32(value), 16)
}

func (c *CortexM) Write8(addr uint32, value uint8) error {
	return c.ap.WriteMemory(addr, uint32(value), 8)
}

// ReadBlock8 reads a filtered byte block at any alignment.
func (c *CortexM) ReadBlock8(addr uint32, size int) ([]byte, error) {
	data, err := c.ap.ReadBlock8(addr, size)
	if err != nil {
		return nil, err
	}
	c.bpMgr.FilterMemoryBytes(addr, data)
	return data, nil
}

// WriteBlock8 writes a byte block at any alignment.
func (c *CortexM) WriteBlock8(addr uint32, data []byte) error {
	return c.ap.WriteBlock8(addr, data)
}

// ReadBlock32 reads a filtered aligned word block.
func (c *CortexM) ReadBlock32(addr uint32, words int) ([]uint32, error) {
	data, err := c.ap.ReadBlock32(addr, words)
	if err != nil {
		return nil, err
	}
	for i := range data {
		data[i] = c.bpMgr.FilterMemory(addr+uint32(i*4), 32, data[i])
	}
	return data, nil
}

// WriteBlock32 writes an aligned word block.
func (c *CortexM) WriteBlock32(addr uint32, data []uint32) error {
	return c.ap.WriteBlock32(addr, data)
}

// Read16Unfiltered and ReadBlock8Unfiltered bypass breakpoint filtering
// for the providers.
func (c *CortexM) Read16Unfiltered(addr uint32) (uint16, error) {
	return c.ap.Read16(addr)
}

func (c *CortexM) ReadBlock8Unfiltered(addr uint32, size int) ([]byte, error) {
	return c.ap.ReadBlock8(addr, size)
}

// ---------------------------------------------------------------------
// Execution control
// ---------------------------------------------------------------------

// Halt stops the core.
func (c *CortexM) Halt() error {
	c.notify(events.PreHalt, nil)
	if err := c.Write32(DHCSRAddr, DBGKey|DHCSRCDebugEn|DHCSRCHalt); err != nil {
		return err
	}
	if err := c.flush(); err != nil {
		return err
	}
	c.notify(events.PostHalt, nil)
	return nil
}

// clearDebugCauseBits acknowledges the debug event flags in DFSR.
func (c *CortexM) clearDebugCauseBits() error {
	return c.Write32(DFSRAddr, DFSRVCatch|DFSRDWTTrap|DFSRBkpt|DFSRHalted)
}

// Resume restarts execution. A core that is not halted is left alone.
func (c *CortexM) Resume() error {
	state, err := c.GetState()
	if err != nil {
		return err
	}
	if state != StateHalted {
		return nil
	}

	c.notify(events.PreRun, events.RunResume)
	c.runToken++
	if err := c.clearDebugCauseBits(); err != nil {
		return err
	}
	if err := c.Write32(DHCSRAddr, DBGKey|DHCSRCDebugEn); err != nil {
		return err
	}
	if err := c.flush(); err != nil {
		return err
	}
	c.notify(events.PostRun, events.RunResume)
	return nil
}

// Step executes one instruction, preserving the previous interrupt mask
// state. With a non-empty [start, end) range, stepping repeats while the
// PC stays inside the range and no breakpoint or watchpoint event fires.
func (c *CortexM) Step(disableInterrupts bool, start, end uint32) error {
	dhcsr, err := c.Read32(DHCSRAddr)
	if err != nil {
		return err
	}
	if dhcsr&(DHCSRCStep|DHCSRCHalt) == 0 {
		return fmt.Errorf("%w: cannot step, core not halted", probe.ErrTarget)
	}

	c.notify(events.PreRun, events.RunStep)

	if err := c.clearDebugCauseBits(); err != nil {
		return err
	}

	interruptsMasked := dhcsr&DHCSRCMaskInts != 0

	// C_HALT must be set in the same write that toggles C_MASKINTS.
	if !interruptsMasked && disableInterrupts {
		if err := c.Write32(DHCSRAddr, DBGKey|DHCSRCDebugEn|DHCSRCHalt|DHCSRCMaskInts); err != nil {
			return err
		}
	}

	for {
		stepWord := uint32(DBGKey | DHCSRCDebugEn | DHCSRCStep)
		if disableInterrupts || interruptsMasked {
			stepWord |= DHCSRCMaskInts
		}
		if err := c.Write32(DHCSRAddr, stepWord); err != nil {
			return err
		}

		for {
			v, err := c.Read32(DHCSRAddr)
			if err != nil {
				return err
			}
			if v&DHCSRCHalt != 0 {
				break
			}
		}

		// An empty range degenerates to a single step.
		if start == end {
			break
		}

		pcRaw, err := c.ReadCoreRegisterRaw(15)
		if err != nil {
			return err
		}
		if pcRaw < start || end <= pcRaw {
			break
		}

		dfsr, err := c.Read32(DFSRAddr)
		if err != nil {
			return err
		}
		if dfsr&(DFSRDWTTrap|DFSRBkpt) != 0 {
			break
		}
	}

	if !interruptsMasked && disableInterrupts {
		if err := c.Write32(DHCSRAddr, DBGKey|DHCSRCDebugEn|DHCSRCHalt); err != nil {
			return err
		}
	}

	if err := c.flush(); err != nil {
		return err
	}
	c.runToken++
	c.notify(events.PostRun, events.RunStep)
	return nil
}

// GetState derives the execution state from DHCSR. S_RESET_ST is sticky,
// so a set bit forces a re-read: the state is RESET only if the bit is
// still set and no instructions retired since.
func (c *CortexM) GetState() (State, error) {
	dhcsr, err := c.Read32(DHCSRAddr)
	if err != nil {
		return StateRunning, err
	}
	if dhcsr&DHCSRSResetSt != 0 {
		again, err := c.Read32(DHCSRAddr)
		if err != nil {
			return StateRunning, err
		}
		if again&DHCSRSResetSt != 0 && again&DHCSRSRetireSt == 0 {
			return StateReset, nil
		}
	}
	switch {
	case dhcsr&DHCSRSLockup != 0:
		return StateLockup, nil
	case dhcsr&DHCSRSSleep != 0:
		return StateSleeping, nil
	case dhcsr&DHCSRSHalt != 0:
		return StateHalted, nil
	default:
		return StateRunning, nil
	}
}

// IsRunning and IsHalted are state shorthands.
func (c *CortexM) IsRunning() (bool, error) {
	s, err := c.GetState()
	return s == StateRunning, err
}

func (c *CortexM) IsHalted() (bool, error) {
	s, err := c.GetState()
	return s == StateHalted, err
}

// GetHaltReason decodes DFSR into the cause of the last halt.
func (c *CortexM) GetHaltReason() (HaltReason, error) {
	dfsr, err := c.Read32(DFSRAddr)
	if err != nil {
		return HaltReasonNone, err
	}
	switch {
	case dfsr&DFSRHalted != 0:
		return HaltReasonDebug, nil
	case dfsr&DFSRBkpt != 0:
		return HaltReasonBreakpoint, nil
	case dfsr&DFSRDWTTrap != 0:
		return HaltReasonWatchpoint, nil
	case dfsr&DFSRVCatch != 0:
		return HaltReasonVectorCatch, nil
	case dfsr&DFSRExternal != 0:
		return HaltReasonExternal, nil
	case dfsr&DFSRPMU != 0:
		return HaltReasonPMU, nil
	default:
		return HaltReasonNone, nil
	}
}

// ---------------------------------------------------------------------
// Reset
// ---------------------------------------------------------------------

// actualResetType resolves defaults and downgrades VECTRESET on cores
// that lack it.
func (c *CortexM) actualResetType(t ResetType) ResetType {
	if t == ResetSW {
		t = c.defaultSWResetType
	}
	if t == ResetSWVectReset && !c.supportsVectreset {
		t = ResetSWEmulated
	}
	return t
}

func (c *CortexM) performReset(t ResetType) error {
	switch t {
	case ResetHW:
		return c.ap.DP().Reset()
	case ResetSWEmulated:
		return c.performEmulatedReset()
	case ResetSWSysResetReq, ResetSWVectReset:
		mask := uint32(AIRCRSysResetReq)
		if t == ResetSWVectReset {
			mask = AIRCRVectReset
		}
		if err := c.Write32(AIRCRAddr, AIRCRVectKey|mask); err != nil {
			// The reset can sever the link mid-write; flush and carry on
			// to the settle loop.
			if !errors.Is(err, probe.ErrTransfer) {
				return err
			}
		}
		// A flush error here is also expected while the target resets.
		_ = c.flush()
		return nil
	default:
		return fmt.Errorf("%w: unknown reset type %d", probe.ErrTarget, t)
	}
}

// Reset resets the core and leaves it running, waiting out the reset
// window during which the target may be inaccessible.
func (c *CortexM) Reset(resetType ResetType) error {
	c.notify(events.PreReset, nil)

	t := c.actualResetType(resetType)
	c.runToken++

	handled := false
	if c.cfg.Delegate != nil {
		handled = c.cfg.Delegate.WillReset(c, t)
	}
	if !handled {
		if err := c.performReset(t); err != nil {
			return err
		}
	}
	if c.cfg.Delegate != nil {
		c.cfg.Delegate.DidReset(c, t)
	}

	// Spin until S_RESET_ST clears. Transport errors are expected while
	// the target is in reset; swallow them until the deadline.
	deadline := time.Now().Add(resetSettleTimeout)
	for time.Now().Before(deadline) {
		dhcsr, err := c.Read32(DHCSRAddr)
		if err != nil {
			_ = c.flush()
			time.Sleep(resetSpinInterval)
			continue
		}
		if dhcsr&DHCSRSResetSt == 0 {
			break
		}
		time.Sleep(resetSpinInterval)
	}

	c.notify(events.PostReset, nil)
	return nil
}

// SetResetCatch prepares to halt the core at the reset vector.
func (c *CortexM) SetResetCatch(resetType ResetType) error {
	c.resetCatchDelegated = false
	if c.cfg.Delegate != nil && c.cfg.Delegate.SetResetCatch(c, resetType) {
		c.resetCatchDelegated = true
		return nil
	}

	if err := c.Halt(); err != nil {
		return err
	}
	demcr, err := c.Read32(DEMCRAddr)
	if err != nil {
		return err
	}
	c.resetCatchSavedDEMCR = demcr
	if demcr&DEMCRVCCoreReset == 0 {
		return c.Write32(DEMCRAddr, demcr|DEMCRVCCoreReset)
	}
	return nil
}

// ClearResetCatch restores the vector catch state saved by SetResetCatch.
func (c *CortexM) ClearResetCatch(resetType ResetType) error {
	if c.cfg.Delegate != nil {
		c.cfg.Delegate.ClearResetCatch(c, resetType)
	}
	if c.resetCatchDelegated {
		return nil
	}
	return c.Write32(DEMCRAddr, c.resetCatchSavedDEMCR)
}

// ResetAndHalt resets the core and halts it on the reset handler. The
// thumb bit is forced on in xPSR in case the reset vector was invalid.
func (c *CortexM) ResetAndHalt(resetType ResetType) error {
	if err := c.SetResetCatch(resetType); err != nil {
		return err
	}

	if err := c.Reset(resetType); err != nil {
		return err
	}

	deadline := time.Now().Add(resetSettleTimeout)
	for time.Now().Before(deadline) {
		state, err := c.GetState()
		if err == nil && state != StateReset && state != StateRunning {
			break
		}
		time.Sleep(resetSpinInterval)
	}

	xpsr, err := c.ReadCoreRegisterRaw(regIndexXPSR)
	if err != nil {
		return err
	}
	if xpsr&XPSRThumb == 0 {
		if err := c.WriteCoreRegisterRaw(regIndexXPSR, uint64(xpsr)|XPSRThumb); err != nil {
			return err
		}
	}

	return c.ClearResetCatch(resetType)
}

// performEmulatedReset halts the core and writes registers and system
// peripherals back to their reset values. It cannot set S_RESET_ST or
// DFSR.VCATCH, and whether the core stays halted afterwards follows
// DEMCR.VC_CORERESET, matching the real reset behavior.
func (c *CortexM) performEmulatedReset() error {
	if err := c.Halt(); err != nil {
		return err
	}

	var vectorBase uint32
	if boot := c.cfg.MemoryMap.BootMemory(); boot != nil {
		vectorBase = boot.Start
	} else {
		// Fall back to the current vector table, which at least is valid.
		v, err := c.Read32(VTORAddr)
		if err != nil {
			return err
		}
		vectorBase = v
	}

	initialSP, err := c.Read32(vectorBase)
	if err != nil {
		return err
	}
	initialPC, err := c.Read32(vectorBase + 4)
	if err != nil {
		return err
	}

	regs := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 18, 17, 14, 15, regIndexXPSR, regIndexCFBP}
	values := []uint64{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
		0,                 // PSP
		uint64(initialSP), // MSP
		0xffffffff,        // LR
		uint64(initialPC), // PC
		0x01000000,        // xPSR
		0,                 // CFBP
	}
	if c.hasFPU {
		for i := 0; i < 32; i++ {
			regs = append(regs, 0x40+i)
			values = append(values, 0)
		}
		regs = append(regs, regIndexFPSCR)
		values = append(values, 0)
	}
	if err := c.WriteCoreRegistersRaw(regs, values); err != nil {
		return err
	}

	// Scrub the SCS block: pending exceptions, vector table, active
	// state, and fault status.
	scs := []uint32{
		ICSRPendSVClr | ICSRPendSTClr,      // ICSR
		vectorBase,                         // VTOR
		AIRCRVectKey | AIRCRVectClrActive,  // AIRCR
		0,                                  // SCR
		0,                                  // CCR
		0, 0, 0,                            // SHPR1-3
		0, // SHCSR
		0, // CFSR
	}
	if err := c.WriteBlock32(ICSRAddr, scs); err != nil {
		return err
	}
	if err := c.Write32(CPACRAddr, 0); err != nil {
		return err
	}
	if c.hasFPU {
		if err := c.WriteBlock32(FPCCRAddr, []uint32{0, 0, 0}); err != nil {
			return err
		}
	}

	// SysTick off.
	if err := c.WriteBlock32(SysTickCSRAddr, []uint32{0, 0, 0}); err != nil {
		return err
	}

	// NVIC: disable and unpend all interrupts, reset priorities.
	ictr, err := c.Read32(ICTRAddr)
	if err != nil {
		return err
	}
	numRegs := int(ictr&0xf) + 1
	ones := make([]uint32, numRegs)
	for i := range ones {
		ones[i] = 0xffffffff
	}
	if err := c.WriteBlock32(NVICICER0Addr, ones); err != nil {
		return err
	}
	if err := c.WriteBlock32(NVICICPR0Addr, ones); err != nil {
		return err
	}
	zeros := make([]uint32, numRegs*8)
	if err := c.WriteBlock32(NVICIPR0Addr, zeros); err != nil {
		return err
	}

	// Without reset vector catch the core runs from the new PC.
	demcr, err := c.Read32(DEMCRAddr)
	if err != nil {
		return err
	}
	if demcr&DEMCRVCCoreReset == 0 {
		return c.Resume()
	}
	return nil
}

// ---------------------------------------------------------------------
// Core register access
// ---------------------------------------------------------------------

// lookupRegister resolves a register name in the core's catalog.
func (c *CortexM) lookupRegister(name string) (*RegInfo, error) {
	r, ok := c.regByName[name]
	if !ok {
		if idx, err := RegisterIndex(name); err == nil {
			if isFPURegister(idx) && !c.hasFPU {
				return nil, fmt.Errorf("%w: FPU register %s without FPU", probe.ErrTarget, name)
			}
		}
		return nil, fmt.Errorf("%w: register %q not available on this core", probe.ErrTarget, name)
	}
	return r, nil
}

// ReadCoreRegister reads one register by name, converting FP registers
// to float values.
func (c *CortexM) ReadCoreRegister(name string) (interface{}, error) {
	r, err := c.lookupRegister(name)
	if err != nil {
		return nil, err
	}
	raw, err := c.readCoreRegisterRaw64(r.Index)
	if err != nil {
		return nil, err
	}
	return r.FromRaw(raw), nil
}

// WriteCoreRegister writes one register by name, accepting float values
// for FP registers.
func (c *CortexM) WriteCoreRegister(name string, value interface{}) error {
	r, err := c.lookupRegister(name)
	if err != nil {
		return err
	}
	raw, err := r.ToRaw(value)
	if err != nil {
		return err
	}
	return c.WriteCoreRegisterRaw(r.Index, raw)
}

// ReadCoreRegisterRaw reads one register by index as its DCRSR bit
// pattern. Double-precision registers do not fit; use the 64-bit form.
func (c *CortexM) ReadCoreRegisterRaw(index int) (uint32, error) {
	v, err := c.readCoreRegisterRaw64(index)
	return uint32(v), err
}

func (c *CortexM) readCoreRegisterRaw64(index int) (uint64, error) {
	vals, err := c.readCoreRegistersRaw64([]int{index})
	if err != nil {
		return 0, err
	}
	return vals[0], nil
}

// WriteCoreRegisterRaw writes one register by index from its raw bit
// pattern.
func (c *CortexM) WriteCoreRegisterRaw(index int, value uint64) error {
	return c.WriteCoreRegistersRaw([]int{index}, []uint64{value})
}

// ReadRegistersRaw implements breakpoints.RegisterAccess.
func (c *CortexM) ReadRegistersRaw(indices []int) ([]uint32, error) {
	vals, err := c.readCoreRegistersRaw64(indices)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, len(vals))
	for i, v := range vals {
		out[i] = uint32(v)
	}
	return out, nil
}

// WriteRegistersRaw implements breakpoints.RegisterAccess.
func (c *CortexM) WriteRegistersRaw(indices []int, values []uint32) error {
	wide := make([]uint64, len(values))
	for i, v := range values {
		wide[i] = uint64(v)
	}
	return c.WriteCoreRegistersRaw(indices, wide)
}

func (c *CortexM) validateRegisters(indices []int) error {
	for _, idx := range indices {
		if _, ok := c.regByIndex[idx]; !ok {
			if isFPURegister(idx) && !c.hasFPU {
				return fmt.Errorf("%w: FPU register access without FPU", probe.ErrTarget)
			}
			return fmt.Errorf("%w: register index %d not available", probe.ErrTarget, idx)
		}
	}
	return nil
}

// readCoreRegistersRaw64 reads a register list through the DCRSR
// mailbox. All selector writes are issued before any completion poll so
// the transfers pipeline into as few USB transactions as the probe
// allows.
func (c *CortexM) readCoreRegistersRaw64(indices []int) ([]uint64, error) {
	if err := c.validateRegisters(indices); err != nil {
		return nil, err
	}

	// Split doubles into their single-precision halves.
	type slot struct {
		index   int
		double  bool
		loIndex int
	}
	var plan []slot
	for _, idx := range indices {
		if isDoubleFloatRegister(idx) {
			plan = append(plan, slot{index: idx, double: true, loIndex: -idx})
		} else {
			plan = append(plan, slot{index: idx})
		}
	}

	var selectors []int
	for _, s := range plan {
		if s.double {
			selectors = append(selectors, s.loIndex, s.loIndex+1)
		} else {
			selectors = append(selectors, s.index)
		}
	}

	values, err := c.dcrsrReadBatch(selectors)
	if err != nil {
		return nil, err
	}

	var out []uint64
	vi := 0
	for _, s := range plan {
		if s.double {
			lo := values[vi]
			hi := values[vi+1]
			vi += 2
			out = append(out, uint64(hi)<<32|uint64(lo))
		} else {
			out = append(out, uint64(values[vi]))
			vi++
		}
	}
	return out, nil
}

// dcrsrReadBatch performs the actual selector/data exchanges. Subregister
// encodings collapse onto their underlying DCRSR index and the result is
// shifted or masked per encoding.
func (c *CortexM) dcrsrReadBatch(selectors []int) ([]uint32, error) {
	type pendingRead struct {
		sel     int
		dhcsrCB probe.DeferredRead
		dataCB  probe.DeferredRead
	}
	pending := make([]pendingRead, 0, len(selectors))

	for _, sel := range selectors {
		dcrsrIndex := sel
		if isCFBPSubregister(sel) {
			dcrsrIndex = regIndexCFBP
		} else if isPSRSubregister(sel) {
			dcrsrIndex = regIndexXPSR
		}

		if err := c.Write32(DCRSRAddr, uint32(dcrsrIndex)); err != nil {
			return nil, err
		}
		dhcsrCB, err := c.ap.ReadMemoryDeferred(DHCSRAddr, 32)
		if err != nil {
			return nil, err
		}
		dataCB, err := c.ap.ReadMemoryDeferred(DCRDRAddr, 32)
		if err != nil {
			return nil, err
		}
		pending = append(pending, pendingRead{sel: sel, dhcsrCB: dhcsrCB, dataCB: dataCB})
	}

	values := make([]uint32, 0, len(pending))
	for _, p := range pending {
		dhcsr, err := p.dhcsrCB()
		if err != nil {
			return nil, err
		}
		val, err := p.dataCB()
		if err != nil {
			return nil, err
		}
		if dhcsr&DHCSRSRegRdy == 0 {
			return nil, fmt.Errorf("%w: register transfer never completed", probe.ErrDebug)
		}

		if isCFBPSubregister(p.sel) {
			val = val >> cfbpShift(p.sel) & 0xff
		} else if isPSRSubregister(p.sel) {
			val &= psrMask(p.sel)
		}
		values = append(values, val)
	}
	return values, nil
}

// WriteCoreRegistersRaw writes a register list through the DCRSR
// mailbox. CFBP and xPSR subregisters read-modify-write the full
// underlying register; doubles split into two single writes. Completion
// polls are batched after all writes are issued.
func (c *CortexM) WriteCoreRegistersRaw(indices []int, values []uint64) error {
	if len(indices) != len(values) {
		return fmt.Errorf("%w: register and value counts differ", probe.ErrTarget)
	}
	if err := c.validateRegisters(indices); err != nil {
		return err
	}

	// Expand the request into (selector, word) pairs, fetching CFBP and
	// xPSR once when a subregister write needs the surrounding bits.
	var cfbpValue, xpsrValue *uint32
	type writeOp struct {
		sel  int
		data uint32
	}
	var ops []writeOp

	for i, idx := range indices {
		value := values[i]
		switch {
		case isDoubleFloatRegister(idx):
			lo := -idx
			ops = append(ops,
				writeOp{sel: lo, data: uint32(value)},
				writeOp{sel: lo + 1, data: uint32(value >> 32)})
		case isCFBPSubregister(idx):
			if cfbpValue == nil {
				v, err := c.ReadCoreRegisterRaw(regIndexCFBP)
				if err != nil {
					return err
				}
				cfbpValue = &v
			}
			shift := cfbpShift(idx)
			merged := *cfbpValue&^(0xff<<shift) | (uint32(value)&0xff)<<shift
			*cfbpValue = merged
			ops = append(ops, writeOp{sel: regIndexCFBP, data: merged})
		case isPSRSubregister(idx):
			if xpsrValue == nil {
				v, err := c.ReadCoreRegisterRaw(regIndexXPSR)
				if err != nil {
					return err
				}
				xpsrValue = &v
			}
			mask := psrMask(idx)
			merged := *xpsrValue&^mask | uint32(value)&mask
			*xpsrValue = merged
			ops = append(ops, writeOp{sel: regIndexXPSR, data: merged})
		default:
			ops = append(ops, writeOp{sel: idx, data: uint32(value)})
		}
	}

	var polls []probe.DeferredRead
	for _, op := range ops {
		if err := c.Write32(DCRDRAddr, op.data); err != nil {
			return err
		}
		if err := c.Write32(DCRSRAddr, uint32(op.sel)|DCRSRRegWnR); err != nil {
			return err
		}
		cb, err := c.ap.ReadMemoryDeferred(DHCSRAddr, 32)
		if err != nil {
			return err
		}
		polls = append(polls, cb)
	}

	for _, cb := range polls {
		dhcsr, err := cb()
		if err != nil {
			return err
		}
		if dhcsr&DHCSRSRegRdy == 0 {
			return fmt.Errorf("%w: register write never completed", probe.ErrDebug)
		}
	}
	return nil
}

// ---------------------------------------------------------------------
// Breakpoints and watchpoints
// ---------------------------------------------------------------------

// SetBreakpoint requests a breakpoint; it is committed by the flush that
// precedes the next resume or step.
func (c *CortexM) SetBreakpoint(addr uint32, typ breakpoints.Type) error {
	return c.bpMgr.SetBreakpoint(addr, typ)
}

// RemoveBreakpoint requests breakpoint removal.
func (c *CortexM) RemoveBreakpoint(addr uint32) {
	c.bpMgr.RemoveBreakpoint(addr)
}

// FlushBreakpoints commits pending breakpoint changes immediately.
func (c *CortexM) FlushBreakpoints() error {
	return c.bpMgr.Flush(false)
}

// AvailableBreakpointCount returns the number of free FPB comparators.
func (c *CortexM) AvailableBreakpointCount() int {
	return c.fpb.AvailableBreakpoints()
}

// SetWatchpoint installs a watchpoint immediately.
func (c *CortexM) SetWatchpoint(addr uint32, size uint32, typ WatchType) error {
	return c.dwt.SetWatchpoint(addr, size, typ)
}

// RemoveWatchpoint removes a watchpoint.
func (c *CortexM) RemoveWatchpoint(addr uint32, size uint32, typ WatchType) error {
	return c.dwt.RemoveWatchpoint(addr, size, typ)
}

// ---------------------------------------------------------------------
// Vector catch
// ---------------------------------------------------------------------

func vcToDEMCR(mask uint32) uint32 {
	var demcr uint32
	if mask&VCHardFault != 0 {
		demcr |= DEMCRVCHardErr
	}
	if mask&VCInterruptErr != 0 {
		demcr |= DEMCRVCIntErr
	}
	if mask&VCBusFault != 0 {
		demcr |= DEMCRVCBusErr
	}
	if mask&VCStateErr != 0 {
		demcr |= DEMCRVCStatErr
	}
	if mask&VCCheckErr != 0 {
		demcr |= DEMCRVCChkErr
	}
	if mask&VCCoprocessorErr != 0 {
		demcr |= DEMCRVCNoCPErr
	}
	if mask&VCMemFault != 0 {
		demcr |= DEMCRVCMMErr
	}
	if mask&VCCoreReset != 0 {
		demcr |= DEMCRVCCoreReset
	}
	return demcr
}

func vcFromDEMCR(demcr uint32) uint32 {
	var mask uint32
	if demcr&DEMCRVCHardErr != 0 {
		mask |= VCHardFault
	}
	if demcr&DEMCRVCIntErr != 0 {
		mask |= VCInterruptErr
	}
	if demcr&DEMCRVCBusErr != 0 {
		mask |= VCBusFault
	}
	if demcr&DEMCRVCStatErr != 0 {
		mask |= VCStateErr
	}
	if demcr&DEMCRVCChkErr != 0 {
		mask |= VCCheckErr
	}
	if demcr&DEMCRVCNoCPErr != 0 {
		mask |= VCCoprocessorErr
	}
	if demcr&DEMCRVCMMErr != 0 {
		mask |= VCMemFault
	}
	if demcr&DEMCRVCCoreReset != 0 {
		mask |= VCCoreReset
	}
	return mask
}

// SetVectorCatch replaces the enabled vector catch set.
func (c *CortexM) SetVectorCatch(mask uint32) error {
	demcr, err := c.Read32(DEMCRAddr)
	if err != nil {
		return err
	}
	demcr |= vcToDEMCR(mask)
	demcr &^= vcToDEMCR(^mask)
	return c.Write32(DEMCRAddr, demcr)
}

// GetVectorCatch returns the enabled vector catch set.
func (c *CortexM) GetVectorCatch() (uint32, error) {
	demcr, err := c.Read32(DEMCRAddr)
	if err != nil {
		return 0, err
	}
	return vcFromDEMCR(demcr), nil
}

// IsDebugTrap reports whether the last halt came from a debug event
// rather than an external or fault cause.
func (c *CortexM) IsDebugTrap() (bool, error) {
	dfsr, err := c.Read32(DFSRAddr)
	if err != nil {
		return false, err
	}
	return dfsr&(DFSRDWTTrap|DFSRBkpt|DFSRHalted) != 0, nil
}

var _ breakpoints.Memory = (*CortexM)(nil)
var _ breakpoints.RegisterAccess = (*CortexM)(nil)
