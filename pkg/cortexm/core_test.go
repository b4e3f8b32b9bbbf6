package cortexm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daschewie/armdbg/pkg/breakpoints"
	"github.com/daschewie/armdbg/pkg/coresight"
	"github.com/daschewie/armdbg/pkg/events"
	"github.com/daschewie/armdbg/pkg/probe"
	"github.com/daschewie/armdbg/pkg/probe/probetest"
)

func newTestCore(t *testing.T, target *probetest.Target, cfg Config) *CortexM {
	t.Helper()
	target.InstallCortexM4()
	require.NoError(t, target.Open())
	require.NoError(t, target.Connect(probe.ProtocolSWD))

	dp := coresight.NewDebugPort(target)
	require.NoError(t, dp.Init())
	require.NoError(t, dp.PowerUpDebug())

	ap := coresight.NewAccessPort(dp, 0)
	require.NoError(t, ap.Init())

	core := NewCortexM(ap, cfg)
	require.NoError(t, core.Init())
	return core
}

func newM4Core(t *testing.T) (*probetest.Target, *CortexM) {
	target := probetest.New()
	core := newTestCore(t, target, Config{HaltOnConnect: true, Bus: events.NewBus()})
	return target, core
}

func newM0Core(t *testing.T) (*probetest.Target, *CortexM) {
	target := probetest.New()
	target.CPUIDValue = 0x410cc601 // Cortex-M0+, ARMv6-M
	core := newTestCore(t, target, Config{HaltOnConnect: true, Bus: events.NewBus()})
	return target, core
}

func TestCoreIdentification(t *testing.T) {
	_, core := newM4Core(t)

	assert.Equal(t, ArchV7M, core.Architecture())
	assert.Equal(t, uint16(PartCortexM4), core.PartNumber())
	assert.Equal(t, "Cortex-M4", core.Name())
	assert.False(t, core.HasFPU(), "CPACR writes must not stick without an FPU")
	assert.Equal(t, 6, core.FPB().CodeComparators())
	assert.Equal(t, 4, core.DWT().ComparatorCount())
}

func TestCoreIdentificationV6M(t *testing.T) {
	_, core := newM0Core(t)

	assert.Equal(t, ArchV6M, core.Architecture())
	assert.Equal(t, "Cortex-M0+", core.Name())

	// v6-M has no BASEPRI or FAULTMASK.
	_, err := core.ReadCoreRegister("basepri")
	assert.Error(t, err)
}

func TestFPUDetection(t *testing.T) {
	target := probetest.New()
	target.HasFPU = true
	core := newTestCore(t, target, Config{HaltOnConnect: true})

	assert.True(t, core.HasFPU())
	// The probe must restore CPACR afterwards.
	assert.Equal(t, uint32(0), target.Word(0xe000ed88))
}

func TestHaltResumeStates(t *testing.T) {
	_, core := newM4Core(t)

	require.NoError(t, core.Halt())
	state, err := core.GetState()
	require.NoError(t, err)
	assert.Equal(t, StateHalted, state)

	require.NoError(t, core.Resume())
	state, err = core.GetState()
	require.NoError(t, err)
	assert.Equal(t, StateRunning, state)
}

func TestStepAdvancesPC(t *testing.T) {
	target, core := newM4Core(t)

	require.NoError(t, core.Halt())
	target.SetReg(15, 0x1000)

	token := core.RunToken()
	require.NoError(t, core.Step(true, 0, 0))

	pc, err := core.ReadCoreRegisterRaw(15)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x1002), pc)

	state, err := core.GetState()
	require.NoError(t, err)
	assert.Equal(t, StateHalted, state)
	assert.Equal(t, token+1, core.RunToken())
}

func TestStepRequiresHalt(t *testing.T) {
	_, core := newM4Core(t)

	require.NoError(t, core.Resume())
	assert.Error(t, core.Step(true, 0, 0))
}

func TestRegisterRoundTrip(t *testing.T) {
	_, core := newM4Core(t)
	require.NoError(t, core.Halt())

	names := []string{"r0", "r1", "r7", "r12", "sp", "lr", "pc", "msp", "psp"}
	for i, name := range names {
		value := uint32(0x1000 + i*4)
		require.NoError(t, core.WriteCoreRegister(name, value))
		got, err := core.ReadCoreRegister(name)
		require.NoError(t, err)
		assert.Equal(t, value, got, "register %s", name)
	}
}

func TestCFBPSubregisters(t *testing.T) {
	target, core := newM4Core(t)
	require.NoError(t, core.Halt())

	// Writing one byte must preserve the other three.
	target.SetReg(20, 0x04030201)
	require.NoError(t, core.WriteCoreRegister("basepri", uint32(0xe0)))

	assert.Equal(t, uint32(0x0403e001), target.Reg(20))

	v, err := core.ReadCoreRegister("basepri")
	require.NoError(t, err)
	assert.Equal(t, uint32(0xe0), v)

	v, err = core.ReadCoreRegister("primask")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x01), v)

	v, err = core.ReadCoreRegister("control")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x04), v)

	v, err = core.ReadCoreRegister("faultmask")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x03), v)
}

func TestXPSRSubfields(t *testing.T) {
	target, core := newM4Core(t)
	require.NoError(t, core.Halt())

	// Seed xPSR with known IPSR and EPSR content.
	target.SetReg(16, 0x01000003)

	// Writing APSR must leave the IPSR and EPSR fields untouched.
	require.NoError(t, core.WriteCoreRegister("apsr", uint32(0xf8000000)))
	assert.Equal(t, uint32(0xf9000003), target.Reg(16))

	v, err := core.ReadCoreRegister("apsr")
	require.NoError(t, err)
	assert.Equal(t, uint32(0xf8000000), v)

	v, err = core.ReadCoreRegister("ipsr")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x00000003), v)

	v, err = core.ReadCoreRegister("epsr")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x01000000), v)
}

func TestFloatRegisters(t *testing.T) {
	target := probetest.New()
	target.HasFPU = true
	core := newTestCore(t, target, Config{HaltOnConnect: true})
	require.NoError(t, core.Halt())

	require.NoError(t, core.WriteCoreRegister("s2", float32(1.5)))
	assert.Equal(t, uint32(0x3fc00000), target.Reg(0x42))

	v, err := core.ReadCoreRegister("s2")
	require.NoError(t, err)
	assert.Equal(t, float32(1.5), v)

	// A double write lands in two consecutive single registers.
	require.NoError(t, core.WriteCoreRegister("d1", float64(1.0)))
	assert.Equal(t, uint32(0x00000000), target.Reg(0x42))
	assert.Equal(t, uint32(0x3ff00000), target.Reg(0x43))

	dv, err := core.ReadCoreRegister("d1")
	require.NoError(t, err)
	assert.Equal(t, float64(1.0), dv)
}

func TestFPURegistersRejectedWithoutFPU(t *testing.T) {
	_, core := newM4Core(t)
	require.NoError(t, core.Halt())

	_, err := core.ReadCoreRegister("s0")
	assert.Error(t, err)
	err = core.WriteCoreRegister("fpscr", uint32(0))
	assert.Error(t, err)
}

func TestMemoryRoundTrip(t *testing.T) {
	_, core := newM4Core(t)

	require.NoError(t, core.Write32(0x20000100, 0xcafebabe))
	v, err := core.Read32(0x20000100)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xcafebabe), v)
}

func TestResetRunsCore(t *testing.T) {
	target, core := newM4Core(t)
	require.NoError(t, core.Halt())

	require.NoError(t, core.Reset(ResetSWSysResetReq))
	assert.False(t, target.Halted())

	state, err := core.GetState()
	require.NoError(t, err)
	assert.Equal(t, StateRunning, state)
}

func TestResetAndHalt(t *testing.T) {
	target, core := newM4Core(t)

	require.NoError(t, core.ResetAndHalt(ResetSW))

	state, err := core.GetState()
	require.NoError(t, err)
	assert.Equal(t, StateHalted, state)

	// PC loaded from the vector table; thumb bit set in xPSR.
	pc, err := core.ReadCoreRegisterRaw(15)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x100), pc)

	xpsr, err := core.ReadCoreRegisterRaw(regIndexXPSR)
	require.NoError(t, err)
	assert.NotZero(t, xpsr&XPSRThumb)

	// The saved DEMCR is restored: reset catch no longer armed.
	assert.Zero(t, target.Word(DEMCRAddr)&DEMCRVCCoreReset)
}

func TestResetAndHaltForcesThumbBit(t *testing.T) {
	target, core := newM4Core(t)

	// An even reset vector loads EPSR.T = 0; the core must write it back.
	target.SetWord(4, 0x00000100)
	require.NoError(t, core.ResetAndHalt(ResetSW))

	xpsr, err := core.ReadCoreRegisterRaw(regIndexXPSR)
	require.NoError(t, err)
	assert.NotZero(t, xpsr&XPSRThumb)
}

func TestVectresetDowngradesToEmulatedOnV6M(t *testing.T) {
	target, core := newM0Core(t)
	require.NoError(t, core.SetDefaultSoftwareResetType(ResetSWVectReset))

	require.NoError(t, core.ResetAndHalt(ResetSW))

	state, err := core.GetState()
	require.NoError(t, err)
	assert.Equal(t, StateHalted, state)

	// The emulated reset wrote the registers directly rather than
	// triggering a real reset through AIRCR. The PC keeps the vector's
	// thumb bit because the value is written verbatim.
	assert.Equal(t, uint32(0x101), target.Reg(15))
	assert.Equal(t, uint32(0x20001000), target.Reg(17), "MSP from vector table")
	assert.Equal(t, uint32(0xffffffff), target.Reg(14), "LR reset value")
	assert.Equal(t, uint32(0x01000000), target.Reg(16), "xPSR reset value")
	assert.Equal(t, uint32(0), target.Reg(20), "CFBP reset value")
	for i := 0; i <= 12; i++ {
		assert.Zero(t, target.Reg(i), "r%d", i)
	}

	// NVIC interrupts disabled and unpended.
	assert.Equal(t, uint32(0xffffffff), target.Word(NVICICER0Addr))
	assert.Equal(t, uint32(0xffffffff), target.Word(NVICICPR0Addr))
	// SysTick off.
	assert.Equal(t, uint32(0), target.Word(SysTickCSRAddr))
}

func TestVectorCatchMapping(t *testing.T) {
	tests := []struct {
		name  string
		mask  uint32
		demcr uint32
	}{
		{"core reset", VCCoreReset, DEMCRVCCoreReset},
		{"hard fault", VCHardFault, DEMCRVCHardErr},
		{"mem fault", VCMemFault, DEMCRVCMMErr},
		{"bus fault", VCBusFault, DEMCRVCBusErr},
		{"all", VCAll, DEMCRVCCoreReset | DEMCRVCMMErr | DEMCRVCNoCPErr | DEMCRVCChkErr |
			DEMCRVCStatErr | DEMCRVCBusErr | DEMCRVCIntErr | DEMCRVCHardErr},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, core := newM4Core(t)

			require.NoError(t, core.SetVectorCatch(tt.mask))
			assert.Equal(t, tt.demcr, target.Word(DEMCRAddr)&^DEMCRTrcEna)

			got, err := core.GetVectorCatch()
			require.NoError(t, err)
			assert.Equal(t, tt.mask, got)

			require.NoError(t, core.SetVectorCatch(VCNone))
			assert.Zero(t, target.Word(DEMCRAddr)&^DEMCRTrcEna)
		})
	}
}

func TestHaltReason(t *testing.T) {
	tests := []struct {
		name   string
		dfsr   uint32
		reason HaltReason
	}{
		{"debug", DFSRHalted, HaltReasonDebug},
		{"breakpoint", DFSRBkpt, HaltReasonBreakpoint},
		{"watchpoint", DFSRDWTTrap, HaltReasonWatchpoint},
		{"vector catch", DFSRVCatch, HaltReasonVectorCatch},
		{"external", DFSRExternal, HaltReasonExternal},
		{"pmu", DFSRPMU, HaltReasonPMU},
		{"none", 0, HaltReasonNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, core := newM4Core(t)
			target.SetWord(DFSRAddr, tt.dfsr)

			reason, err := core.GetHaltReason()
			require.NoError(t, err)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestFPBEncoding(t *testing.T) {
	target, core := newM4Core(t)
	require.NoError(t, core.Halt())

	fpb := core.FPB()
	assert.Equal(t, 6, fpb.AvailableBreakpoints())

	// Lower halfword: BP_MATCH = 01.
	bp, err := fpb.SetBreakpoint(0x08000100)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x08000100|1<<30|1), target.Word(bp.ComparatorAddr))

	// FPB enabled by the first breakpoint.
	assert.Equal(t, uint32(fpCtrlKey|fpCtrlEnable), target.Word(FPCtrlAddr))

	// Upper halfword: BP_MATCH = 10.
	bp2, err := fpb.SetBreakpoint(0x1ffffffe)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x1ffffffc|2<<30|1), target.Word(bp2.ComparatorAddr))

	assert.Equal(t, 4, fpb.AvailableBreakpoints())

	// Out of comparator range.
	_, err = fpb.SetBreakpoint(0x20000000)
	assert.Error(t, err)

	require.NoError(t, fpb.RemoveBreakpoint(bp))
	assert.Equal(t, uint32(0), target.Word(bp.ComparatorAddr))
	assert.Equal(t, 5, fpb.AvailableBreakpoints())
}

func TestDWTWatchpoints(t *testing.T) {
	target, core := newM4Core(t)
	dwt := core.DWT()

	// Trace was enabled during init.
	assert.NotZero(t, target.Word(DEMCRAddr)&DEMCRTrcEna)

	require.NoError(t, dwt.SetWatchpoint(0x20000400, 4, WatchWrite))
	assert.Equal(t, uint32(0x20000400), target.Word(DWTComp0Addr))
	assert.Equal(t, uint32(2), target.Word(DWTComp0Addr+dwtMaskOffset), "MASK = log2(4)")
	assert.Equal(t, uint32(6), target.Word(DWTComp0Addr+dwtFunctionOffset), "FUNCTION = write")

	// Same watchpoint again is a no-op.
	require.NoError(t, dwt.SetWatchpoint(0x20000400, 4, WatchWrite))
	assert.Equal(t, 3, dwt.AvailableWatchpoints())

	// Read and read-write kinds use their own FUNCTION codes.
	require.NoError(t, dwt.SetWatchpoint(0x20000800, 1, WatchRead))
	assert.Equal(t, uint32(5), target.Word(DWTComp0Addr+dwtCompBlockSize+dwtFunctionOffset))
	require.NoError(t, dwt.SetWatchpoint(0x20000c00, 2, WatchReadWrite))
	assert.Equal(t, uint32(7), target.Word(DWTComp0Addr+2*dwtCompBlockSize+dwtFunctionOffset))

	// Non-power-of-two sizes are rejected.
	assert.Error(t, dwt.SetWatchpoint(0x20001000, 3, WatchWrite))

	require.NoError(t, dwt.RemoveWatchpoint(0x20000400, 4, WatchWrite))
	assert.Equal(t, uint32(0), target.Word(DWTComp0Addr+dwtFunctionOffset))
	assert.Equal(t, 2, dwt.AvailableWatchpoints())
}

func TestSoftwareBreakpointFiltering(t *testing.T) {
	target, core := newM4Core(t)
	require.NoError(t, core.Halt())

	// Original instruction: BX LR.
	require.NoError(t, core.Write16(0x20000100, 0x4770))

	require.NoError(t, core.SetBreakpoint(0x20000100, breakpoints.TypeSW))
	require.NoError(t, core.FlushBreakpoints())

	// The target memory holds the BKPT patch.
	assert.Equal(t, uint32(breakpoints.BKPTInstruction), target.Word(0x20000100)&0xffff)

	// A filtered read returns the original instruction.
	v, err := core.Read16(0x20000100)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x4770), v)

	// Word and byte reads are filtered too.
	w, err := core.Read32(0x20000100)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x4770), w&0xffff)
	b, err := core.Read8(0x20000100)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x70), b)

	// Block reads substitute as well.
	blk, err := core.ReadBlock8(0x20000100, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x70, 0x47}, blk)

	// Removal restores the original and stops filtering.
	core.RemoveBreakpoint(0x20000100)
	require.NoError(t, core.FlushBreakpoints())
	assert.Equal(t, uint32(0x4770), target.Word(0x20000100)&0xffff)
	v, err = core.Read16(0x20000100)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x4770), v)
}

func TestBreakpointFlushedOnResume(t *testing.T) {
	target, core := newM4Core(t)
	require.NoError(t, core.Halt())

	require.NoError(t, core.Write16(0x20000200, 0x2100))
	require.NoError(t, core.SetBreakpoint(0x20000200, breakpoints.TypeSW))

	// Not yet committed.
	assert.Equal(t, uint32(0x2100), target.Word(0x20000200)&0xffff)

	// Resume publishes PreRun, which flushes the manager.
	require.NoError(t, core.Resume())
	assert.Equal(t, uint32(breakpoints.BKPTInstruction), target.Word(0x20000200)&0xffff)
}

func TestHWBreakpointViaManager(t *testing.T) {
	target, core := newM4Core(t)
	require.NoError(t, core.Halt())

	require.NoError(t, core.SetBreakpoint(0x08000100, breakpoints.TypeAuto))
	require.NoError(t, core.FlushBreakpoints())

	// Flash address in FPB range resolves to a hardware comparator.
	assert.Equal(t, uint32(0x08000100|1<<30|1), target.Word(FPComp0Addr))
	assert.Equal(t, 5, core.AvailableBreakpointCount())

	// Duplicate set is a no-op.
	require.NoError(t, core.SetBreakpoint(0x08000100, breakpoints.TypeAuto))
	require.NoError(t, core.FlushBreakpoints())
	assert.Equal(t, 5, core.AvailableBreakpointCount())
}

func TestTargetXML(t *testing.T) {
	_, core := newM4Core(t)
	xml := string(core.TargetXML())
	assert.Contains(t, xml, `org.gnu.gdb.arm.m-profile`)
	assert.Contains(t, xml, `name="pc"`)
	assert.Contains(t, xml, `name="basepri"`)
	assert.NotContains(t, xml, `name="s0"`, "no FPU registers without FPU")
}
