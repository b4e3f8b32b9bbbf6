package cortexm

import (
	"fmt"
	"math"
	"strings"
)

// Core register indices. For most registers the index is the DCRSR
// selector value. Registers the DCRSR cannot address directly use special
// encodings:
//
//   - CONTROL, FAULTMASK, BASEPRI, and PRIMASK share DCRSR index 20
//     (CFBP). Their indices are the negated byte number plus one, so -1
//     selects byte 0 (PRIMASK) and -4 byte 3 (CONTROL).
//   - APSR/IPSR/EPSR combinations share DCRSR index 16 (xPSR) and are
//     encoded as 0x10000 plus the low three bits of the MRS SYSm value.
//   - Double-precision D0-D15 are the negated index of their low single.
var coreRegisterIndex = map[string]int{
	"r0": 0, "r1": 1, "r2": 2, "r3": 3,
	"r4": 4, "r5": 5, "r6": 6, "r7": 7,
	"r8": 8, "r9": 9, "r10": 10, "r11": 11, "r12": 12,
	"sp": 13, "r13": 13,
	"lr": 14, "r14": 14,
	"pc": 15, "r15": 15,
	"xpsr":  16,
	"apsr":  0x10000,
	"iapsr": 0x10001,
	"eapsr": 0x10002,
	"ipsr":  0x10005,
	"epsr":  0x10006,
	"iepsr": 0x10007,
	"msp":   17,
	"psp":   18,
	"cfbp":  20,
	"control":   -4,
	"faultmask": -3,
	"basepri":   -2,
	"primask":   -1,
	"fpscr": 33,
}

func init() {
	for i := 0; i < 32; i++ {
		coreRegisterIndex[fmt.Sprintf("s%d", i)] = 0x40 + i
	}
	for i := 0; i < 16; i++ {
		coreRegisterIndex[fmt.Sprintf("d%d", i)] = -(0x40 + 2*i)
	}
}

// Well-known indices used throughout the core.
const (
	regIndexXPSR = 16
	regIndexCFBP = 20
	regIndexFPSCR = 33
)

// xPSR subfield masks, combined per the low bits of a PSR synthetic
// index.
const (
	apsrMask = 0xf80f0000
	epsrMask = 0x0700fc00
	ipsrMask = 0x000001ff
)

// RegType classifies a register's value for upper layers.
type RegType int

const (
	RegTypeInt RegType = iota
	RegTypeCodePtr
	RegTypeDataPtr
	RegTypeIEEESingle
	RegTypeIEEEDouble
	RegTypeXPSR
	RegTypeControl
)

// RegInfo describes one core register.
type RegInfo struct {
	Name    string
	Index   int
	BitSize int
	Type    RegType
	Group   string
}

// RegisterIndex resolves a register name to its index.
func RegisterIndex(name string) (int, error) {
	idx, ok := coreRegisterIndex[strings.ToLower(name)]
	if !ok {
		return 0, fmt.Errorf("unknown core register %q", name)
	}
	return idx, nil
}

// Index classification helpers.

func isCFBPSubregister(index int) bool { return index >= -4 && index <= -1 }

func isPSRSubregister(index int) bool { return index >= 0x10000 && index <= 0x10007 }

func isSingleFloatRegister(index int) bool { return index >= 0x40 && index <= 0x5f }

func isDoubleFloatRegister(index int) bool { return index <= -0x40 && index > -0x60 }

func isFPURegister(index int) bool {
	return index == regIndexFPSCR || isSingleFloatRegister(index) || isDoubleFloatRegister(index)
}

// psrMask builds the field mask for a PSR synthetic index, encoded the
// same way as the MRS SYSm value.
func psrMask(index int) uint32 {
	var mask uint32
	if index&1 != 0 {
		mask |= ipsrMask
	}
	if index&2 != 0 {
		mask |= epsrMask
	}
	if index&4 == 0 {
		mask |= apsrMask
	}
	return mask
}

// cfbpShift returns the byte shift for a CFBP subregister index.
func cfbpShift(index int) uint32 {
	return uint32(-index-1) * 8
}

// registerGroups builds the register catalog for a core. The v7-M-only
// and FPU groups are appended per the core's capabilities, and xPSR and
// CONTROL take structured types when the session asks for field decode.
func registerGroups(isV7M, hasFPU, structuredFields bool) []RegInfo {
	regs := []RegInfo{
		{"r0", 0, 32, RegTypeInt, "general"},
		{"r1", 1, 32, RegTypeInt, "general"},
		{"r2", 2, 32, RegTypeInt, "general"},
		{"r3", 3, 32, RegTypeInt, "general"},
		{"r4", 4, 32, RegTypeInt, "general"},
		{"r5", 5, 32, RegTypeInt, "general"},
		{"r6", 6, 32, RegTypeInt, "general"},
		{"r7", 7, 32, RegTypeInt, "general"},
		{"r8", 8, 32, RegTypeInt, "general"},
		{"r9", 9, 32, RegTypeInt, "general"},
		{"r10", 10, 32, RegTypeInt, "general"},
		{"r11", 11, 32, RegTypeInt, "general"},
		{"r12", 12, 32, RegTypeInt, "general"},
		{"sp", 13, 32, RegTypeDataPtr, "general"},
		{"lr", 14, 32, RegTypeInt, "general"},
		{"pc", 15, 32, RegTypeCodePtr, "general"},
		{"msp", 17, 32, RegTypeDataPtr, "system"},
		{"psp", 18, 32, RegTypeDataPtr, "system"},
		{"primask", -1, 32, RegTypeInt, "system"},
		{"cfbp", 20, 32, RegTypeInt, "system"},
		{"apsr", 0x10000, 32, RegTypeInt, "system"},
		{"iapsr", 0x10001, 32, RegTypeInt, "system"},
		{"eapsr", 0x10002, 32, RegTypeInt, "system"},
		{"ipsr", 0x10005, 32, RegTypeInt, "system"},
		{"epsr", 0x10006, 32, RegTypeInt, "system"},
		{"iepsr", 0x10007, 32, RegTypeInt, "system"},
	}

	if structuredFields {
		regs = append(regs,
			RegInfo{"xpsr", 16, 32, RegTypeXPSR, "general"},
			RegInfo{"control", -4, 32, RegTypeControl, "system"})
	} else {
		regs = append(regs,
			RegInfo{"xpsr", 16, 32, RegTypeInt, "general"},
			RegInfo{"control", -4, 32, RegTypeInt, "system"})
	}

	if isV7M {
		regs = append(regs,
			RegInfo{"basepri", -2, 32, RegTypeInt, "system"},
			RegInfo{"faultmask", -3, 32, RegTypeInt, "system"})
	}

	if hasFPU {
		regs = append(regs, RegInfo{"fpscr", 33, 32, RegTypeInt, "float"})
		for i := 0; i < 32; i++ {
			regs = append(regs, RegInfo{fmt.Sprintf("s%d", i), 0x40 + i, 32, RegTypeIEEESingle, "float"})
		}
		for i := 0; i < 16; i++ {
			regs = append(regs, RegInfo{fmt.Sprintf("d%d", i), -(0x40 + 2*i), 64, RegTypeIEEEDouble, "float"})
		}
	}
	return regs
}

// FromRaw converts a raw register value to its canonical representation:
// float for FP registers, the integer itself otherwise.
func (r *RegInfo) FromRaw(value uint64) interface{} {
	switch r.Type {
	case RegTypeIEEESingle:
		return math.Float32frombits(uint32(value))
	case RegTypeIEEEDouble:
		return math.Float64frombits(value)
	default:
		return uint32(value)
	}
}

// ToRaw converts a canonical value back to raw bits. Float registers
// accept float64 and float32; every register accepts uint32, uint64, and
// int. Other types are rejected.
func (r *RegInfo) ToRaw(value interface{}) (uint64, error) {
	switch v := value.(type) {
	case float32:
		if r.Type == RegTypeIEEEDouble {
			return math.Float64bits(float64(v)), nil
		}
		if r.Type == RegTypeIEEESingle {
			return uint64(math.Float32bits(v)), nil
		}
		return 0, fmt.Errorf("float value for non-float register %s", r.Name)
	case float64:
		if r.Type == RegTypeIEEEDouble {
			return math.Float64bits(v), nil
		}
		if r.Type == RegTypeIEEESingle {
			return uint64(math.Float32bits(float32(v))), nil
		}
		return 0, fmt.Errorf("float value for non-float register %s", r.Name)
	case uint32:
		return uint64(v), nil
	case uint64:
		return v, nil
	case int:
		return uint64(uint32(v)), nil
	default:
		return 0, fmt.Errorf("unsupported value type %T for register %s", value, r.Name)
	}
}
