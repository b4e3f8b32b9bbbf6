// Package stlink implements the ST-Link/V2 and V3 binary command protocol.
// Commands are fixed 16-byte frames on a bulk OUT endpoint; responses
// arrive on a separate IN endpoint, and SWV trace on a third.
package stlink

// Top-level command bytes, first byte of every frame.
const (
	CmdGetVersion       = 0xf1
	CmdJTAG             = 0xf2 // Debug command class; second byte selects
	CmdDFU              = 0xf3
	CmdSWIM             = 0xf4
	CmdGetCurrentMode   = 0xf5
	CmdGetTargetVoltage = 0xf7
	CmdGetVersionExt    = 0xfb // V3 only
)

// Adapter modes returned by CmdGetCurrentMode.
const (
	ModeDFU        = 0x00
	ModeMass       = 0x01
	ModeDebug      = 0x02
	ModeSWIM       = 0x03
	ModeBootloader = 0x04
)

// Mode-exit subcommands.
const (
	DFUExit  = 0x07
	SWIMExit = 0x01
)

// Debug (CmdJTAG) subcommands.
const (
	JTAGEnterJTAG        = 0x00
	JTAGExit             = 0x21
	JTAGReadCoreID       = 0x22
	JTAGEnter2           = 0x30 // APIv2 enter; parameter selects SWD/JTAG
	JTAGReadIDCodes      = 0x31
	JTAGResetSys         = 0x32
	JTAGReadReg          = 0x33
	JTAGWriteReg         = 0x34
	JTAGWriteDebugReg    = 0x35
	JTAGReadDebugReg     = 0x36
	JTAGReadAllRegs      = 0x3a
	JTAGGetLastRWStatus  = 0x3b // Deprecated 4-byte form
	JTAGDriveNRst        = 0x3c
	JTAGGetLastRWStatus2 = 0x3e // Returns status plus fault address
	JTAGSetSWDFreq       = 0x43
	JTAGReadDAPReg       = 0x45
	JTAGWriteDAPReg      = 0x46
	JTAGReadMem16        = 0x47
	JTAGWriteMem16       = 0x48
	JTAGInitAP           = 0x4b
	JTAGCloseAPDbg       = 0x4c
	JTAGSetComFreq       = 0x61 // V3 only
	JTAGGetComFreq       = 0x62 // V3 only
	JTAGEnterSWD         = 0xa3
	JTAGReadMem32        = 0x07
	JTAGWriteMem32       = 0x08
	JTAGReadMem8         = 0x0c
	JTAGWriteMem8        = 0x0d
)

// NRST drive parameters for JTAGDriveNRst.
const (
	NRstLow   = 0x00
	NRstHigh  = 0x01
	NRstPulse = 0x02
)

// Status codes returned in the first response byte of debug commands.
const (
	StatusJTAGOK              = 0x80
	StatusJTAGUnknownError    = 0x01
	StatusJTAGGetIDCodeError  = 0x09
	StatusJTAGDbgPowerError   = 0x0b
	StatusJTAGWriteError      = 0x0c
	StatusJTAGWriteVerifError = 0x0d
	StatusSWDAPWait           = 0x10
	StatusSWDAPFault          = 0x11
	StatusSWDAPError          = 0x12
	StatusSWDAPParityError    = 0x13
	StatusSWDDPWait           = 0x14
	StatusSWDDPFault          = 0x15
	StatusSWDDPError          = 0x16
	StatusSWDDPParityError    = 0x17
	StatusSWDAPWDataError     = 0x18
	StatusSWDAPStickyError    = 0x19
	StatusSWDAPStickyOverrun  = 0x1a
)

// Port selector for the DAP register commands. AP numbers are passed
// directly; this value selects the DP instead.
const DPPort = 0xffff

// Firmware version gates.
const (
	minJTAGVersion          = 24 // APIv2 DAP register access
	minJTAGVersion16BitXfer = 26 // JTAGReadMem16/JTAGWriteMem16
	minJTAGVersionMultiAP   = 28 // JTAGInitAP/JTAGCloseAPDbg
)

// Command frame size on the OUT endpoint.
const cmdSize = 16

// Largest single memory transfer the firmware accepts.
const maxTransferSize = 1024

// SWD frequency divider map for V2 adapters (JTAGSetSWDFreq), highest
// frequency first. V3 adapters use JTAGSetComFreq in kHz instead.
var swdFreqMap = []struct {
	hz  int
	div uint16
}{
	{4600000, 0},
	{1800000, 1},
	{1200000, 2},
	{950000, 3},
	{650000, 5},
	{480000, 7},
	{400000, 9},
	{360000, 10},
	{240000, 15},
	{150000, 25},
	{125000, 31},
	{100000, 40},
}
