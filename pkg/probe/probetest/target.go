// Package probetest provides a simulated Cortex-M target behind the
// DebugProbe interface, for tests of the layers above the transport.
package probetest

import (
	"fmt"

	"github.com/daschewie/armdbg/pkg/probe"
)

// DP register state.
const (
	ctrlStatAcks = 0xa0000000 // CSYSPWRUPACK | CDBGPWRUPACK
)

// Core debug register addresses mirrored by the simulation.
const (
	cpuidAddr = 0xe000ed00
	aircrAddr = 0xe000ed0c
	cpacrAddr = 0xe000ed88
	dfsrAddr  = 0xe000ed30
	dhcsrAddr = 0xe000edf0
	dcrsrAddr = 0xe000edf4
	dcrdrAddr = 0xe000edf8
	demcrAddr = 0xe000edfc

	fpCtrlAddr  = 0xe0002000
	dwtCtrlAddr = 0xe0001000
)

const (
	dhcsrCHalt     = 1 << 1
	dhcsrCStep     = 1 << 2
	dhcsrSRegRdy   = 1 << 16
	dhcsrSHalt     = 1 << 17
	dhcsrSResetSt  = 1 << 25
	dbgKey         = 0xa05f0000
	dfsrHalted     = 1 << 0
	dfsrVCatch     = 1 << 3
	aircrVectKey   = 0x05fa0000
	aircrSysReset  = 1 << 2
	aircrVectReset = 1 << 0
	demcrVCCoreRst = 1 << 0
	xpsrThumb      = 1 << 24
)

// Target simulates one MEM-AP fronting a Cortex-M memory space. It
// implements probe.DebugProbe: DP SELECT/CTRL-STAT, AP CSW/TAR/DRW with
// lane shifting and auto-increment, the DCRSR register mailbox, and
// simple halt/step/reset behavior.
type Target struct {
	// CPUIDValue configures the core identity; defaults to a Cortex-M4.
	CPUIDValue uint32

	// HasFPU controls whether CPACR CP10/CP11 writes stick.
	HasFPU bool

	// FPCtrl and DWTCtrl configure the comparator counts read at init.
	FPCtrl  uint32
	DWTCtrl uint32

	// DPIDRValue is returned for DP address 0 reads.
	DPIDRValue uint32

	// APIDR and APBase describe AP#0.
	APIDR  uint32
	APBase uint32

	// FaultAddrs makes DRW accesses at those TAR addresses fail.
	FaultAddrs map[uint32]bool

	// Log records DP/AP operations as formatted strings.
	Log []string

	// BlockOps counts the word length of each repeat transfer issued.
	BlockOps []int

	mem  map[uint32]uint32
	regs map[uint32]uint32 // core register file, keyed by DCRSR selector

	selectReg uint32
	csw       uint32
	tar       uint32
	powered   bool

	halted      bool
	resetSticky bool

	isOpen    bool
	connected bool
	protocol  probe.Protocol
	clockHz   int
	resetPin  bool
}

// New returns a target with Cortex-M4 defaults: 6 FPB comparators, 4
// watchpoints, an AHB-AP with 4 KiB auto-increment pages, and a vector
// table at 0 reading SP=0x20001000, PC=0x101.
func New() *Target {
	t := &Target{
		CPUIDValue: 0x410fc241, // Cortex-M4 r0p1
		FPCtrl:     0x00000060, // 6 code comparators
		DWTCtrl:    0x40000000, // 4 watchpoints
		DPIDRValue: 0x2ba01477, // DP version 1
		APIDR:      0x24770011, // AHB-AP, 4 KiB wrap
		APBase:     0xe00ff003,
		FaultAddrs: map[uint32]bool{},
		mem:        map[uint32]uint32{},
		regs:       map[uint32]uint32{},
	}
	t.halted = false
	t.SetWord(0x00000000, 0x20001000) // initial SP
	t.SetWord(0x00000004, 0x00000101) // initial PC (thumb)
	return t
}

// SetWord and Word access the simulated memory directly.
func (t *Target) SetWord(addr, value uint32) { t.mem[addr&^3] = value }

func (t *Target) Word(addr uint32) uint32 { return t.mem[addr&^3] }

// SetReg and Reg access the simulated core register file directly.
func (t *Target) SetReg(sel int, value uint32) { t.regs[uint32(sel)] = value }

func (t *Target) Reg(sel int) uint32 { return t.regs[uint32(sel)] }

// Halted reports the simulated run state.
func (t *Target) Halted() bool { return t.halted }

// AddComponent writes CIDR/PIDR/DEVTYPE/DEVID register bytes for a
// component occupying the 4 KiB page at top.
func (t *Target) AddComponent(top uint32, class int, pidr uint64, devtype, devid uint32) {
	cidr := uint32(0xb105000d) | uint32(class)<<12
	for i := uint32(0); i < 4; i++ {
		t.SetWord(top+0xff0+i*4, cidr>>(i*8)&0xff)
		t.SetWord(top+0xfe0+i*4, uint32(pidr>>(i*8))&0xff)
		t.SetWord(top+0xfd0+i*4, uint32(pidr>>(32+i*8))&0xff)
	}
	t.SetWord(top+0xfcc, devtype)
	t.SetWord(top+0xfc8, devid)
}

// AddROMTable writes a 32-bit-entry ROM table at base pointing at the
// given component top addresses.
func (t *Target) AddROMTable(base uint32, class int, pidr uint64, targets []uint32) {
	t.AddComponent(base, class, pidr, 0, 0)
	for i, top := range targets {
		entry := (top-base)&0xfffff000 | 0x3 // present, 32-bit format
		t.SetWord(base+uint32(i*4), entry)
	}
	t.SetWord(base+uint32(len(targets)*4), 0)
}

// InstallCortexM4 populates the standard v7-M system components: a root
// ROM table pointing at an SCS, FPB, and DWT.
func (t *Target) InstallCortexM4() {
	t.AddROMTable(0xe00ff000, 1, 0x04000bb4c4, []uint32{0xe000e000, 0xe0001000, 0xe0002000})
	t.AddComponent(0xe000e000, 9, 0x04000bb00c, 0, 0) // SCS-M4
	t.AddComponent(0xe0001000, 9, 0x04000bb002, 0, 0) // DWT
	t.AddComponent(0xe0002000, 9, 0x04000bb003, 0, 0) // FPB
	t.SetWord(cpuidAddr, t.CPUIDValue)
	t.SetWord(fpCtrlAddr, t.FPCtrl)
	t.SetWord(dwtCtrlAddr, t.DWTCtrl)
}

// ---------------------------------------------------------------------
// probe.DebugProbe implementation
// ---------------------------------------------------------------------

func (t *Target) Open() error  { t.isOpen = true; return nil }
func (t *Target) Close() error { t.isOpen = false; return nil }

func (t *Target) Connect(p probe.Protocol) error {
	t.connected = true
	if p == probe.ProtocolDefault {
		p = probe.ProtocolSWD
	}
	t.protocol = p
	return nil
}

func (t *Target) Disconnect() error { t.connected = false; return nil }

func (t *Target) SetClock(hz int) error { t.clockHz = hz; return nil }

func (t *Target) AssertReset(asserted bool) error {
	if t.resetPin && !asserted {
		t.doReset()
	}
	t.resetPin = asserted
	return nil
}

func (t *Target) IsResetAsserted() (bool, error) { return t.resetPin, nil }

func (t *Target) Flush() error { return nil }

func (t *Target) ReadReg(reg probe.RegID, now bool) (uint32, probe.DeferredRead, error) {
	v, err := t.readReg(reg)
	if now {
		return v, nil, err
	}
	return 0, func() (uint32, error) { return v, err }, nil
}

func (t *Target) readReg(reg probe.RegID) (uint32, error) {
	if reg.IsAP() {
		t.Log = append(t.Log, fmt.Sprintf("readAP %02x", t.apRegAddr(reg)))
		return t.readAP(reg)
	}
	t.Log = append(t.Log, fmt.Sprintf("readDP %x", reg.Addr()))
	switch reg.Addr() {
	case 0x0:
		return t.DPIDRValue, nil
	case 0x4:
		v := uint32(0)
		if t.powered {
			v |= ctrlStatAcks
		}
		return v, nil
	case 0x8:
		return t.selectReg, nil
	default:
		return 0, nil
	}
}

func (t *Target) WriteReg(reg probe.RegID, value uint32) error {
	if reg.IsAP() {
		t.Log = append(t.Log, fmt.Sprintf("writeAP %02x %08x", t.apRegAddr(reg), value))
		return t.writeAP(reg, value)
	}
	t.Log = append(t.Log, fmt.Sprintf("writeDP %x %08x", reg.Addr(), value))
	switch reg.Addr() {
	case 0x0: // ABORT
	case 0x4: // CTRL/STAT
		t.powered = value&0x50000000 == 0x50000000
	case 0x8:
		t.selectReg = value
	}
	return nil
}

func (t *Target) ReadRepeat(n int, reg probe.RegID, now bool) ([]uint32, func() ([]uint32, error), error) {
	t.BlockOps = append(t.BlockOps, n)
	values := make([]uint32, 0, n)
	for i := 0; i < n; i++ {
		v, err := t.readAP(reg)
		if err != nil {
			return nil, nil, err
		}
		values = append(values, v)
	}
	if now {
		return values, nil, nil
	}
	return nil, func() ([]uint32, error) { return values, nil }, nil
}

func (t *Target) WriteRepeat(reg probe.RegID, data []uint32) error {
	t.BlockOps = append(t.BlockOps, len(data))
	for _, v := range data {
		if err := t.writeAP(reg, v); err != nil {
			return err
		}
	}
	return nil
}

func (t *Target) UniqueID() string          { return "SIM0001" }
func (t *Target) VendorName() string        { return "ArmDbg" }
func (t *Target) ProductName() string       { return "Simulated Target" }
func (t *Target) Capabilities() uint32      { return probe.CapSWD }
func (t *Target) WireProtocol() probe.Protocol { return t.protocol }
func (t *Target) IsOpen() bool              { return t.isOpen }

// ---------------------------------------------------------------------
// AP and memory behavior
// ---------------------------------------------------------------------

// apRegAddr resolves the full byte address of an AP register from the
// SELECT bank and the request's A[3:2].
func (t *Target) apRegAddr(reg probe.RegID) uint32 {
	return t.selectReg&0xf0 | uint32(reg.Addr())
}

func (t *Target) readAP(reg probe.RegID) (uint32, error) {
	apsel := uint8(t.selectReg >> 24)
	addr := t.apRegAddr(reg)

	if apsel != 0 {
		if addr == 0xfc {
			return 0, nil // no more APs
		}
		return 0, fmt.Errorf("%w: AP#%d not present", probe.ErrTransfer, apsel)
	}

	switch addr {
	case 0x00:
		return t.csw, nil
	case 0x04:
		return t.tar, nil
	case 0x0c:
		return t.readDRW()
	case 0xf8:
		return t.APBase, nil
	case 0xfc:
		return t.APIDR, nil
	default:
		return 0, nil
	}
}

func (t *Target) writeAP(reg probe.RegID, value uint32) error {
	if uint8(t.selectReg>>24) != 0 {
		return fmt.Errorf("%w: AP not present", probe.ErrTransfer)
	}
	switch t.apRegAddr(reg) {
	case 0x00:
		t.csw = value
	case 0x04:
		t.tar = value
	case 0x0c:
		return t.writeDRW(value)
	}
	return nil
}

func (t *Target) transferSize() uint32 {
	switch t.csw & 0x7 {
	case 0:
		return 1
	case 1:
		return 2
	default:
		return 4
	}
}

func (t *Target) autoIncrement() {
	if t.csw&0x30 != 0 {
		t.tar += t.transferSize()
	}
}

func (t *Target) readDRW() (uint32, error) {
	if t.FaultAddrs[t.tar&^3] {
		return 0, &probe.TransferFaultError{Address: t.tar}
	}
	addr := t.tar
	value := t.readWord(addr &^ 3)
	// The DRW presents the memory word; lane extraction happens in the
	// MEM-AP layer.
	t.autoIncrement()
	return value, nil
}

func (t *Target) writeDRW(value uint32) error {
	if t.FaultAddrs[t.tar&^3] {
		return &probe.TransferFaultError{Address: t.tar}
	}
	addr := t.tar &^ 3
	size := t.transferSize()
	switch size {
	case 4:
		t.writeWord(addr, value)
	default:
		lane := t.tar & 3
		var mask uint32
		if size == 1 {
			mask = 0xff << (lane * 8)
		} else {
			mask = 0xffff << (lane * 8)
		}
		t.writeWord(addr, t.readWord(addr)&^mask|value&mask)
	}
	t.autoIncrement()
	return nil
}

// readWord implements the debug register side effects.
func (t *Target) readWord(addr uint32) uint32 {
	switch addr {
	case dhcsrAddr:
		v := uint32(dhcsrSRegRdy)
		if t.halted {
			// C_HALT reads back alongside the halt status.
			v |= dhcsrSHalt | dhcsrCHalt
		}
		if t.resetSticky {
			v |= dhcsrSResetSt
			t.resetSticky = false // sticky, clears on read
		}
		return v
	case dcrdrAddr:
		return t.regs[t.mem[dcrsrAddr]&0x7f]
	default:
		return t.mem[addr]
	}
}

func (t *Target) writeWord(addr, value uint32) {
	switch addr {
	case dhcsrAddr:
		if value&0xffff0000 != dbgKey {
			return
		}
		if value&dhcsrCHalt != 0 {
			t.halted = true
		} else if value&dhcsrCStep != 0 {
			// One instruction retires, then the halt re-asserts.
			t.regs[15] += 2
			t.halted = true
			t.mem[dfsrAddr] |= dfsrHalted
		} else {
			t.halted = false
		}
	case dcrsrAddr:
		t.mem[addr] = value
		if value&(1<<16) != 0 {
			t.regs[value&0x7f] = t.mem[dcrdrAddr]
		}
	case aircrAddr:
		if value&0xffff0000 == aircrVectKey && value&(aircrSysReset|aircrVectReset) != 0 {
			t.doReset()
		}
	case cpacrAddr:
		if !t.HasFPU {
			value &^= 0x00f00000
		}
		t.mem[addr] = value
	case dfsrAddr:
		// Write-one-to-clear.
		t.mem[addr] &^= value
	default:
		t.mem[addr] = value
	}
}

// doReset models a system reset: registers reload from the vector table
// and the core runs, unless reset vector catch is armed.
func (t *Target) doReset() {
	t.resetSticky = true
	t.regs[13] = t.Word(0)
	t.regs[17] = t.Word(0)
	t.regs[15] = t.Word(4) &^ 1
	// EPSR.T loads from bit 0 of the reset vector.
	if t.Word(4)&1 != 0 {
		t.regs[16] = xpsrThumb
	} else {
		t.regs[16] = 0
	}
	if t.mem[demcrAddr]&demcrVCCoreRst != 0 {
		t.halted = true
		t.mem[dfsrAddr] |= dfsrVCatch
	} else {
		t.halted = false
	}
}
