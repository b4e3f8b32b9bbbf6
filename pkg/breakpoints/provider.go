// Package breakpoints multiplexes breakpoint requests across hardware
// comparators, RAM instruction patching, and flash rewriting.
package breakpoints

// Type selects a breakpoint implementation. Auto lets the manager choose
// per address.
type Type int

const (
	TypeAuto Type = iota
	TypeHW
	TypeSW
	TypeFlash
)

func (t Type) String() string {
	switch t {
	case TypeHW:
		return "hw"
	case TypeSW:
		return "sw"
	case TypeFlash:
		return "flash"
	default:
		return "auto"
	}
}

// BKPTInstruction is the Thumb BKPT #0 encoding patched over the original
// instruction by the software and flash providers.
const BKPTInstruction = 0xbe00

// Breakpoint is one live or requested breakpoint. At most one breakpoint
// exists per aligned halfword address across all providers.
type Breakpoint struct {
	Type    Type
	Addr    uint32
	Enabled bool

	// ComparatorAddr is the FPB comparator register backing a hardware
	// breakpoint.
	ComparatorAddr uint32

	// OriginalInstr is the halfword replaced by BKPT for software and
	// flash breakpoints.
	OriginalInstr uint16

	// PageBase is the flash page containing a flash breakpoint.
	PageBase uint32

	// Provider owns the breakpoint once installed.
	Provider Provider
}

// Provider installs and removes breakpoints of one type.
type Provider interface {
	// Type returns the breakpoint type this provider implements.
	Type() Type

	// SetBreakpoint installs a breakpoint. The provider may defer the
	// actual target modification to Flush.
	SetBreakpoint(addr uint32) (*Breakpoint, error)

	// RemoveBreakpoint uninstalls a previously returned breakpoint.
	RemoveBreakpoint(bp *Breakpoint) error

	// FiltersMemory reports whether FilterMemory must be consulted.
	FiltersMemory() bool

	// FilterMemory substitutes the original instruction into a value read
	// from memory at the patched address.
	FilterMemory(addr uint32, size uint32, value uint32) uint32

	// Flush commits any deferred target modifications.
	Flush() error
}

// HWProvider extends Provider with comparator accounting, needed by the
// manager's reserve-for-step policy.
type HWProvider interface {
	Provider
	AvailableBreakpoints() int
}

// Memory is the target access surface the software and flash providers
// patch through. The unfiltered forms bypass breakpoint filtering so
// providers see the patched bytes they wrote.
type Memory interface {
	Read16Unfiltered(addr uint32) (uint16, error)
	Write16(addr uint32, value uint16) error
	ReadBlock8Unfiltered(addr uint32, size int) ([]byte, error)
	WriteBlock8(addr uint32, data []byte) error
}
