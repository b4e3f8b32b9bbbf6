// Package cmsisdap implements the CMSIS-DAP command/response packet
// protocol spoken by DAPLink and compatible debug adapters.
package cmsisdap

// Command opcodes. Each command packet begins with one of these.
const (
	CmdDAPInfo              = 0x00 // Query adapter identification and capabilities
	CmdDAPHostStatus        = 0x01 // Drive the connect/running LEDs
	CmdDAPConnect           = 0x02 // Initialize pins for SWD or JTAG
	CmdDAPDisconnect        = 0x03 // Release the pins
	CmdDAPTransferConfigure = 0x04 // Idle cycles, WAIT retries, match retries
	CmdDAPTransfer          = 0x05 // Single DP/AP register transfers
	CmdDAPTransferBlock     = 0x06 // Repeated transfers to one register
	CmdDAPTransferAbort     = 0x07 // Abort an in-progress transfer
	CmdDAPWriteAbort        = 0x08 // Write the DP ABORT register
	CmdDAPDelay             = 0x09 // Wait a number of microseconds
	CmdDAPResetTarget       = 0x0a // Pulse the target reset line
	CmdDAPSWJPins           = 0x10 // Read/drive individual SWJ pins
	CmdDAPSWJClock          = 0x11 // Set the SWD/JTAG clock frequency
	CmdDAPSWJSequence       = 0x12 // Clock out a raw bit sequence
	CmdDAPSWDConfigure      = 0x13 // SWD turnaround configuration
)

// DAP_INFO identifiers.
const (
	InfoVendorName    = 0x01
	InfoProductName   = 0x02
	InfoSerialNumber  = 0x03
	InfoFirmwareVer   = 0x04
	InfoCapabilities  = 0xf0
	InfoSWOBufferSize = 0xfd
	InfoPacketCount   = 0xfe
	InfoPacketSize    = 0xff
)

// Capability bits returned for InfoCapabilities.
const (
	CapSWD           = 0x01
	CapJTAG          = 0x02
	CapSWOUART       = 0x04
	CapSWOManchester = 0x08
)

// DAP_CONNECT port selectors.
const (
	PortDefault = 0
	PortSWD     = 1
	PortJTAG    = 2
)

// General command status byte.
const (
	StatusOK    = 0x00
	StatusError = 0xff
)

// 3-bit ACK values carried in DAP_TRANSFER responses.
const (
	AckOK    = 1
	AckWait  = 2
	AckFault = 4
	AckNoAck = 7
)

// Transfer request byte bits.
const (
	ReqAPnDP     = 1 << 0 // 1 = AP access, 0 = DP access
	ReqRnW       = 1 << 1 // 1 = read, 0 = write
	ReqA2        = 1 << 2 // Register address bit 2
	ReqA3        = 1 << 3 // Register address bit 3
	ReqMatch     = 1 << 4 // Value match (reads only)
	ReqMatchMask = 1 << 5 // Match mask write
)

// SWJ pin bit positions for CmdDAPSWJPins.
const (
	PinSWCLK  = 1 << 0
	PinSWDIO  = 1 << 1
	PinTDI    = 1 << 2
	PinTDO    = 1 << 3
	PinNTRST  = 1 << 5
	PinNReset = 1 << 7
)

// Default transfer tuning written by DAP_TRANSFER_CONFIGURE.
const (
	DefaultIdleCycles  = 0
	DefaultWaitRetries = 0x0050
	DefaultMatchRetry  = 0x0000
)

// JTAG-to-SWD switch sequence clocked out by DAP_SWJ_SEQUENCE during
// connect: 56 ones, the 16-bit selection value 0xE79E LSB-first, 56 more
// ones, then 8 idle cycles.
var swjSwitchSequence = []byte{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0x9e, 0xe7,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0x00,
}
