// Package cortexm implements debug services for ARMv6-M and ARMv7-M
// cores: execution control, DCRSR-mediated register access, and the FPB
// and DWT comparator units.
package cortexm

// System Control Space register addresses.
const (
	CPUIDAddr = 0xe000ed00
	ICSRAddr  = 0xe000ed04
	VTORAddr  = 0xe000ed08
	AIRCRAddr = 0xe000ed0c
	SCRAddr   = 0xe000ed10
	CCRAddr   = 0xe000ed14
	ICTRAddr  = 0xe000e004
	CPACRAddr = 0xe000ed88

	DFSRAddr  = 0xe000ed30
	DHCSRAddr = 0xe000edf0
	DCRSRAddr = 0xe000edf4
	DCRDRAddr = 0xe000edf8
	DEMCRAddr = 0xe000edfc

	SysTickCSRAddr = 0xe000e010
	NVICICER0Addr  = 0xe000e180
	NVICICPR0Addr  = 0xe000e280
	NVICIPR0Addr   = 0xe000e400

	FPCCRAddr = 0xe000ef34

	FPCtrlAddr  = 0xe0002000
	FPComp0Addr = 0xe0002008

	DWTCtrlAddr  = 0xe0001000
	DWTComp0Addr = 0xe0001020
)

// DHCSR bits.
const (
	DHCSRCDebugEn   = 1 << 0
	DHCSRCHalt      = 1 << 1
	DHCSRCStep      = 1 << 2
	DHCSRCMaskInts  = 1 << 3
	DHCSRSRegRdy    = 1 << 16
	DHCSRSHalt      = 1 << 17
	DHCSRSSleep     = 1 << 18
	DHCSRSLockup    = 1 << 19
	DHCSRSRetireSt  = 1 << 24
	DHCSRSResetSt   = 1 << 25

	DBGKey = 0xa05f << 16
)

// DFSR bits.
const (
	DFSRHalted   = 1 << 0
	DFSRBkpt     = 1 << 1
	DFSRDWTTrap  = 1 << 2
	DFSRVCatch   = 1 << 3
	DFSRExternal = 1 << 4
	DFSRPMU      = 1 << 5
)

// DEMCR bits.
const (
	DEMCRVCCoreReset = 1 << 0
	DEMCRVCMMErr     = 1 << 4
	DEMCRVCNoCPErr   = 1 << 5
	DEMCRVCChkErr    = 1 << 6
	DEMCRVCStatErr   = 1 << 7
	DEMCRVCBusErr    = 1 << 8
	DEMCRVCIntErr    = 1 << 9
	DEMCRVCHardErr   = 1 << 10
	DEMCRTrcEna      = 1 << 24
)

// DCRSR bits.
const (
	DCRSRRegWnR = 1 << 16
)

// AIRCR bits.
const (
	AIRCRVectKey        = 0x05fa << 16
	AIRCRVectReset      = 1 << 0
	AIRCRVectClrActive  = 1 << 1
	AIRCRSysResetReq    = 1 << 2
)

// ICSR bits used by the emulated reset.
const (
	ICSRPendSTClr = 1 << 25
	ICSRPendSVClr = 1 << 27
)

// CPACR coprocessor 10/11 full-access mask, set to probe for an FPU.
const CPACRCP10CP11Mask = 3<<20 | 3<<22

// CPUID fields.
const (
	CPUIDImplementerMask  = 0xff000000
	CPUIDImplementerShift = 24
	CPUIDVariantMask      = 0x00f00000
	CPUIDVariantShift     = 20
	CPUIDArchMask         = 0x000f0000
	CPUIDArchShift        = 16
	CPUIDPartNoMask       = 0x0000fff0
	CPUIDPartNoShift      = 4
	CPUIDRevisionMask     = 0x0000000f

	CPUIDImplementerARM = 0x41

	ArchV6M = 0xc
	ArchV7M = 0xf
)

// ARM Cortex-M part numbers.
const (
	PartCortexM0  = 0xc20
	PartCortexM1  = 0xc21
	PartCortexM3  = 0xc23
	PartCortexM4  = 0xc24
	PartCortexM7  = 0xc27
	PartCortexM0p = 0xc60
)

// CoreTypeName maps part numbers to display names.
var CoreTypeName = map[uint16]string{
	PartCortexM0:  "Cortex-M0",
	PartCortexM1:  "Cortex-M1",
	PartCortexM3:  "Cortex-M3",
	PartCortexM4:  "Cortex-M4",
	PartCortexM7:  "Cortex-M7",
	PartCortexM0p: "Cortex-M0+",
}

// xPSR thumb bit.
const XPSRThumb = 1 << 24

// State is the core execution state derived from DHCSR.
type State int

const (
	StateRunning State = iota
	StateHalted
	StateSleeping
	StateLockup
	StateReset
)

func (s State) String() string {
	switch s {
	case StateHalted:
		return "halted"
	case StateSleeping:
		return "sleeping"
	case StateLockup:
		return "lockup"
	case StateReset:
		return "reset"
	default:
		return "running"
	}
}

// HaltReason is derived from DFSR after a halt.
type HaltReason int

const (
	HaltReasonNone HaltReason = iota
	HaltReasonDebug
	HaltReasonBreakpoint
	HaltReasonWatchpoint
	HaltReasonVectorCatch
	HaltReasonExternal
	HaltReasonPMU
)

func (r HaltReason) String() string {
	switch r {
	case HaltReasonDebug:
		return "debug"
	case HaltReasonBreakpoint:
		return "breakpoint"
	case HaltReasonWatchpoint:
		return "watchpoint"
	case HaltReasonVectorCatch:
		return "vector catch"
	case HaltReasonExternal:
		return "external"
	case HaltReasonPMU:
		return "pmu"
	default:
		return "none"
	}
}

// ResetType selects the reset mechanism.
type ResetType int

const (
	// ResetSW picks the core's default software reset type.
	ResetSW ResetType = iota
	// ResetHW drives the probe's reset line.
	ResetHW
	// ResetSWSysResetReq writes AIRCR.SYSRESETREQ.
	ResetSWSysResetReq
	// ResetSWVectReset writes AIRCR.VECTRESET; v7-M only.
	ResetSWVectReset
	// ResetSWEmulated halts and rewrites core state to reset values.
	ResetSWEmulated
)

func (t ResetType) String() string {
	switch t {
	case ResetHW:
		return "hw"
	case ResetSWSysResetReq:
		return "sysresetreq"
	case ResetSWVectReset:
		return "vectreset"
	case ResetSWEmulated:
		return "emulated"
	default:
		return "sw"
	}
}

// WatchType selects the accesses a watchpoint matches.
type WatchType int

const (
	WatchRead WatchType = iota + 1
	WatchWrite
	WatchReadWrite
)

func (t WatchType) String() string {
	switch t {
	case WatchRead:
		return "r"
	case WatchWrite:
		return "w"
	case WatchReadWrite:
		return "rw"
	default:
		return "?"
	}
}

// VectorCatch option bits, mapped to DEMCR by the core.
const (
	VCHardFault = 1 << iota
	VCInterruptErr
	VCBusFault
	VCStateErr
	VCCheckErr
	VCCoprocessorErr
	VCMemFault
	VCCoreReset

	VCAll  = VCHardFault | VCInterruptErr | VCBusFault | VCStateErr | VCCheckErr | VCCoprocessorErr | VCMemFault | VCCoreReset
	VCNone = 0
)
