package session

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/daschewie/armdbg/pkg/coresight"
	"github.com/daschewie/armdbg/pkg/cortexm"
	"github.com/daschewie/armdbg/pkg/memorymap"
	"github.com/daschewie/armdbg/pkg/probe"
)

// Board associates the debug port, the discovered access ports, and the
// cores behind them.
type Board struct {
	session *Session

	dp    *coresight.DebugPort
	aps   map[uint8]*coresight.AccessPort
	cores []*cortexm.CortexM

	// components lists every non-CPU CoreSight component found in the
	// ROM tables, including ones with no factory (recorded, inert).
	components []*coresight.ComponentID

	memoryMap *memorymap.Map
	inited    bool
}

// NewBoard builds an uninitialized board for the session.
func NewBoard(s *Session) *Board {
	return &Board{
		session:   s,
		aps:       map[uint8]*coresight.AccessPort{},
		memoryMap: memorymap.DefaultCortexM(),
	}
}

// DP returns the debug port; valid after Init.
func (b *Board) DP() *coresight.DebugPort { return b.dp }

// APs returns the discovered access ports keyed by APSEL.
func (b *Board) APs() map[uint8]*coresight.AccessPort { return b.aps }

// Cores returns the discovered cores, ordered by core number.
func (b *Board) Cores() []*cortexm.CortexM { return b.cores }

// Core returns one core by number.
func (b *Board) Core(num int) (*cortexm.CortexM, error) {
	if num < 0 || num >= len(b.cores) {
		return nil, fmt.Errorf("%w: no core %d (have %d)", probe.ErrTarget, num, len(b.cores))
	}
	return b.cores[num], nil
}

// Components returns the non-CPU CoreSight components.
func (b *Board) Components() []*coresight.ComponentID { return b.components }

// MemoryMap returns the board memory layout.
func (b *Board) MemoryMap() *memorymap.Map { return b.memoryMap }

// SetMemoryMap overrides the layout; call before Init.
func (b *Board) SetMemoryMap(m *memorymap.Map) { b.memoryMap = m }

func connectProtocol(opts Options) probe.Protocol {
	switch strings.ToLower(opts.GetString(OptionConnectProtocol, "")) {
	case "swd":
		return probe.ProtocolSWD
	case "jtag":
		return probe.ProtocolJTAG
	default:
		return probe.ProtocolDefault
	}
}

// Init runs the connect sequence: wire protocol selection, DP
// initialization and power-up, AP discovery, ROM table walking, then core
// and component creation.
func (b *Board) Init() error {
	opts := b.session.Options()

	if err := b.session.Probe().Connect(connectProtocol(opts)); err != nil {
		return fmt.Errorf("probe connect: %w", err)
	}

	b.dp = coresight.NewDebugPort(b.session.Probe())
	if err := b.dp.Init(); err != nil {
		return fmt.Errorf("DP init: %w", err)
	}
	if err := b.dp.PowerUpDebug(); err != nil {
		return fmt.Errorf("debug power-up: %w", err)
	}

	found, err := b.dp.FindAPs()
	if err != nil {
		return fmt.Errorf("find APs: %w", err)
	}
	apsels := make([]int, 0, len(found))
	for apsel := range found {
		apsels = append(apsels, int(apsel))
	}
	sort.Ints(apsels)

	for _, apsel := range apsels {
		ap := coresight.NewAccessPort(b.dp, uint8(apsel))
		if err := ap.Init(); err != nil {
			return fmt.Errorf("AP#%d init: %w", apsel, err)
		}
		b.aps[uint8(apsel)] = ap
	}

	for _, apsel := range apsels {
		if err := b.aps[uint8(apsel)].InitRomTable(); err != nil {
			return fmt.Errorf("AP#%d ROM table: %w", apsel, err)
		}
	}

	if err := b.createCores(); err != nil {
		return err
	}
	b.collectComponents()

	if len(b.cores) == 0 {
		return fmt.Errorf("%w: no Cortex-M core found", probe.ErrTarget)
	}
	b.inited = true
	return nil
}

// createCores instantiates a core for every Cortex-M SCS component found
// in any ROM table.
func (b *Board) createCores() error {
	opts := b.session.Options()
	var firstErr error

	b.forEachComponent(func(cmp *coresight.ComponentID) {
		if cmp.Type != coresight.ComponentCortexM || firstErr != nil {
			return
		}
		core := cortexm.NewCortexM(cmp.AP, cortexm.Config{
			CoreNumber:    len(b.cores),
			MemoryMap:     b.memoryMap,
			Bus:           b.session.Bus(),
			HaltOnConnect: opts.GetBool(OptionHaltOnConnect, true),
			StructuredPSR: opts.GetBool(OptionStructuredPSR, false),
		})
		if err := core.Init(); err != nil {
			firstErr = fmt.Errorf("core %d init: %w", len(b.cores), err)
			return
		}
		if rt := resetTypeOption(opts); rt != nil {
			core.SetDefaultResetType(*rt)
		}
		b.cores = append(b.cores, core)
	})
	return firstErr
}

// collectComponents records every discovered non-CPU component.
func (b *Board) collectComponents() {
	b.forEachComponent(func(cmp *coresight.ComponentID) {
		if cmp.Type != coresight.ComponentCortexM {
			b.components = append(b.components, cmp)
		}
	})
}

func (b *Board) forEachComponent(action func(*coresight.ComponentID)) {
	apsels := make([]int, 0, len(b.aps))
	for apsel := range b.aps {
		apsels = append(apsels, int(apsel))
	}
	sort.Ints(apsels)
	for _, apsel := range apsels {
		ap := b.aps[uint8(apsel)]
		if ap.RomTable != nil {
			ap.RomTable.ForEach(action)
		}
	}
}

// resetTypeOption parses the reset_type option.
func resetTypeOption(opts Options) *cortexm.ResetType {
	var t cortexm.ResetType
	switch strings.ToLower(opts.GetString(OptionResetType, "")) {
	case "hw":
		t = cortexm.ResetHW
	case "sw", "default":
		t = cortexm.ResetSW
	case "sysresetreq":
		t = cortexm.ResetSWSysResetReq
	case "vectreset":
		t = cortexm.ResetSWVectReset
	case "emulated":
		t = cortexm.ResetSWEmulated
	default:
		return nil
	}
	return &t
}

// Uninit disconnects from every core and powers down debug. Each step
// tolerates link errors so shutdown always completes.
func (b *Board) Uninit() error {
	if b.dp == nil {
		return nil
	}
	resume := b.session.Options().GetBool(OptionResumeOnDisconnect, true)

	var firstErr error
	for _, core := range b.cores {
		if err := core.Disconnect(resume); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			fmt.Fprintf(os.Stderr, "warning: core %d disconnect: %v\n", core.CoreNumber(), err)
		}
	}
	if err := b.dp.PowerDownDebug(); err != nil {
		if firstErr == nil {
			firstErr = err
		}
		fmt.Fprintf(os.Stderr, "warning: debug power-down: %v\n", err)
	}
	b.inited = false
	return firstErr
}
