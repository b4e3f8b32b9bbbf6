package stlink

import (
	"encoding/binary"
	"fmt"

	"github.com/daschewie/armdbg/pkg/probe"
)

// Probe drives an ST-Link adapter. All commands are synchronous on the
// wire; deferred reads are satisfied eagerly and replayed from a cache,
// which trivially preserves issue order.
type Probe struct {
	transport Transport

	isOpen        bool
	protocolSel   probe.Protocol
	resetAsserted bool

	stlinkVer int
	jtagVer   int
	swimVer   int

	// Mirror of the DP SELECT register, observed from writes passing
	// through. The DAP register commands need the APSEL and bank to route.
	selectReg uint32

	// Mirror of the last TAR write, used to annotate faults and to route
	// native memory block commands.
	tar uint32
}

// New wraps a transport in a Probe. The transport is not opened.
func New(t Transport) *Probe {
	return &Probe{transport: t}
}

func (p *Probe) String() string {
	return fmt.Sprintf("ST-Link/%s [%s]", p.transport.VersionName(), p.transport.SerialNumber())
}

// cmd builds a command frame from the command byte and parameters.
func cmd(parts ...byte) []byte {
	return parts
}

// jtagCmd builds a debug-class command frame.
func jtagCmd(sub byte, params ...byte) []byte {
	frame := make([]byte, 0, 2+len(params))
	frame = append(frame, CmdJTAG, sub)
	return append(frame, params...)
}

// statusError maps a debug command status byte to the error taxonomy.
// faultAddr annotates FAULT statuses when known (0 means unknown).
func statusError(status uint8, faultAddr uint32, remaining uint32) error {
	switch status {
	case StatusJTAGOK:
		return nil
	case StatusSWDAPWait, StatusSWDDPWait:
		return probe.ErrTransferTimeout
	case StatusSWDAPFault, StatusSWDDPFault, StatusSWDAPStickyError, StatusSWDAPStickyOverrun:
		return &probe.TransferFaultError{Address: faultAddr, Length: remaining}
	case StatusSWDAPParityError, StatusSWDDPParityError:
		return fmt.Errorf("%w: SWD parity error", probe.ErrTransfer)
	case StatusJTAGWriteError, StatusJTAGWriteVerifError, StatusSWDAPWDataError:
		return fmt.Errorf("%w: write error (status 0x%02x)", probe.ErrTransfer, status)
	default:
		return fmt.Errorf("%w: ST-Link status 0x%02x", probe.ErrTransfer, status)
	}
}

// checkStatus runs a command whose response is a 2-byte status word.
func (p *Probe) checkStatus(frame []byte) error {
	resp, err := p.transport.Transfer(frame, nil, 2)
	if err != nil {
		return err
	}
	return statusError(resp[0], 0, 0)
}

func (p *Probe) Open() error {
	if p.isOpen {
		return nil
	}
	if err := p.transport.Open(); err != nil {
		return err
	}
	p.isOpen = true

	if err := p.readVersion(); err != nil {
		p.Close()
		return err
	}
	if p.jtagVer < minJTAGVersion {
		p.Close()
		return fmt.Errorf("%w: ST-Link firmware J%d too old (need J%d); please upgrade",
			probe.ErrProbe, p.jtagVer, minJTAGVersion)
	}
	if err := p.leaveCurrentMode(); err != nil {
		p.Close()
		return err
	}
	return nil
}

func (p *Probe) readVersion() error {
	resp, err := p.transport.Transfer(cmd(CmdGetVersion), nil, 6)
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	// Version word is big-endian, unlike everything else in the protocol.
	ver := binary.BigEndian.Uint16(resp[0:2])
	p.stlinkVer = int(ver>>12) & 0xf
	p.jtagVer = int(ver>>6) & 0x3f
	p.swimVer = int(ver) & 0x3f

	if p.stlinkVer >= 3 {
		ext, err := p.transport.Transfer(cmd(CmdGetVersionExt), nil, 12)
		if err != nil {
			return fmt.Errorf("read extended version: %w", err)
		}
		p.swimVer = int(ext[1])
		p.jtagVer = int(ext[2])
	}
	return nil
}

// leaveCurrentMode returns the adapter to an idle state from whatever mode
// the previous user left it in.
func (p *Probe) leaveCurrentMode() error {
	resp, err := p.transport.Transfer(cmd(CmdGetCurrentMode), nil, 2)
	if err != nil {
		return fmt.Errorf("get current mode: %w", err)
	}
	var exit []byte
	switch resp[0] {
	case ModeDFU:
		exit = cmd(CmdDFU, DFUExit)
	case ModeDebug:
		exit = jtagCmd(JTAGExit)
	case ModeSWIM:
		exit = cmd(CmdSWIM, SWIMExit)
	default:
		return nil
	}
	_, err = p.transport.Transfer(exit, nil, 0)
	return err
}

func (p *Probe) Close() error {
	if !p.isOpen {
		return nil
	}
	p.isOpen = false
	return p.transport.Close()
}

func (p *Probe) Connect(protocol probe.Protocol) error {
	var enter byte
	switch protocol {
	case probe.ProtocolJTAG:
		enter = JTAGEnterJTAG
		p.protocolSel = probe.ProtocolJTAG
	default:
		enter = JTAGEnterSWD
		p.protocolSel = probe.ProtocolSWD
	}
	if err := p.checkStatus(jtagCmd(JTAGEnter2, enter, 0)); err != nil {
		return fmt.Errorf("enter debug mode: %w", err)
	}
	if p.jtagVer >= minJTAGVersionMultiAP {
		if err := p.checkStatus(jtagCmd(JTAGInitAP, 0, 0)); err != nil {
			return fmt.Errorf("init AP: %w", err)
		}
	}
	return nil
}

func (p *Probe) Disconnect() error {
	if p.jtagVer >= minJTAGVersionMultiAP {
		// Best effort; older firmware has no AP close.
		_ = p.checkStatus(jtagCmd(JTAGCloseAPDbg, 0))
	}
	p.protocolSel = probe.ProtocolDefault
	if _, err := p.transport.Transfer(jtagCmd(JTAGExit), nil, 0); err != nil {
		return err
	}
	return nil
}

func (p *Probe) SetClock(hz int) error {
	if p.stlinkVer >= 3 {
		khz := uint32(hz / 1000)
		frame := jtagCmd(JTAGSetComFreq, 0, 0)
		frame = append(frame, make([]byte, 4)...)
		binary.LittleEndian.PutUint32(frame[4:], khz)
		return p.checkStatus(frame)
	}
	// Pick the highest table frequency not above the request.
	div := swdFreqMap[len(swdFreqMap)-1].div
	for _, e := range swdFreqMap {
		if hz >= e.hz {
			div = e.div
			break
		}
	}
	frame := jtagCmd(JTAGSetSWDFreq)
	frame = append(frame, byte(div), byte(div>>8))
	return p.checkStatus(frame)
}

func (p *Probe) AssertReset(asserted bool) error {
	param := byte(NRstHigh)
	if asserted {
		param = NRstLow
	}
	if err := p.checkStatus(jtagCmd(JTAGDriveNRst, param)); err != nil {
		return err
	}
	p.resetAsserted = asserted
	return nil
}

// IsResetAsserted reports the last driven state; the adapter cannot read
// the pin back.
func (p *Probe) IsResetAsserted() (bool, error) {
	return p.resetAsserted, nil
}

// Flush is a no-op: every command completes before returning.
func (p *Probe) Flush() error { return nil }

// dapPort resolves the 16-bit port selector and register address for a
// register ID, using the mirrored SELECT value for AP accesses.
func (p *Probe) dapPort(reg probe.RegID) (port uint16, addr uint16) {
	if !reg.IsAP() {
		return DPPort, uint16(reg.Addr())
	}
	apsel := uint16(p.selectReg >> 24)
	bank := uint16(p.selectReg & 0xf0)
	return apsel, bank | uint16(reg.Addr())
}

func (p *Probe) ReadReg(reg probe.RegID, now bool) (uint32, probe.DeferredRead, error) {
	port, addr := p.dapPort(reg)

	frame := jtagCmd(JTAGReadDAPReg)
	frame = append(frame, byte(port), byte(port>>8), byte(addr), byte(addr>>8))
	resp, err := p.transport.Transfer(frame, nil, 8)

	var value uint32
	if err == nil {
		if stErr := statusError(resp[0], 0, 0); stErr != nil {
			err = stErr
		} else {
			value = binary.LittleEndian.Uint32(resp[4:8])
		}
	}

	if now {
		return value, nil, err
	}
	v, e := value, err
	return 0, func() (uint32, error) { return v, e }, nil
}

func (p *Probe) WriteReg(reg probe.RegID, value uint32) error {
	port, addr := p.dapPort(reg)

	frame := jtagCmd(JTAGWriteDAPReg)
	frame = append(frame, byte(port), byte(port>>8), byte(addr), byte(addr>>8))
	frame = append(frame, make([]byte, 4)...)
	binary.LittleEndian.PutUint32(frame[6:], value)
	if err := p.checkStatus(frame); err != nil {
		return err
	}

	// Mirror SELECT and TAR so AP routing and fault annotation work.
	if reg == probe.DP8 {
		p.selectReg = value
	}
	if reg == probe.AP4 && p.selectReg&0xf0 == 0 {
		p.tar = value
	}
	return nil
}

// getLastRWStatus queries the result of the preceding memory command,
// returning the fault address on error.
func (p *Probe) getLastRWStatus() (uint8, uint32, error) {
	resp, err := p.transport.Transfer(jtagCmd(JTAGGetLastRWStatus2), nil, 12)
	if err != nil {
		return 0, 0, err
	}
	status := resp[0]
	faultAddr := binary.LittleEndian.Uint32(resp[4:8])
	return status, faultAddr, nil
}

// memCommand runs one native memory command and folds in the trailing
// status query. remaining counts the bytes not transferred on fault.
func (p *Probe) memCommand(sub byte, addr uint32, length int, data []byte, readLen int) ([]byte, error) {
	frame := jtagCmd(sub)
	frame = append(frame, make([]byte, 6)...)
	binary.LittleEndian.PutUint32(frame[2:], addr)
	binary.LittleEndian.PutUint16(frame[6:], uint16(length))

	resp, err := p.transport.Transfer(frame, data, readLen)
	if err != nil {
		return nil, err
	}
	status, faultAddr, err := p.getLastRWStatus()
	if err != nil {
		return nil, err
	}
	if stErr := statusError(status, faultAddr, uint32(length)-(faultAddr-addr)); stErr != nil {
		return nil, stErr
	}
	return resp, nil
}

// ReadRepeat on the DRW register becomes a native 32-bit memory block read
// from the mirrored TAR; repeats on any other register fall back to
// individual reads.
func (p *Probe) ReadRepeat(n int, reg probe.RegID, now bool) ([]uint32, func() ([]uint32, error), error) {
	run := func() ([]uint32, error) {
		if reg == probe.APC && p.selectReg&0xf0 == 0 {
			return p.readBlock32(p.tar, n)
		}
		values := make([]uint32, n)
		for i := range values {
			v, _, err := p.ReadReg(reg, true)
			if err != nil {
				return nil, err
			}
			values[i] = v
		}
		return values, nil
	}

	if now {
		v, err := run()
		return v, nil, err
	}
	v, err := run()
	return nil, func() ([]uint32, error) { return v, err }, nil
}

func (p *Probe) WriteRepeat(reg probe.RegID, data []uint32) error {
	if reg == probe.APC && p.selectReg&0xf0 == 0 {
		return p.writeBlock32(p.tar, data)
	}
	for _, v := range data {
		if err := p.WriteReg(reg, v); err != nil {
			return err
		}
	}
	return nil
}

func (p *Probe) readBlock32(addr uint32, words int) ([]uint32, error) {
	values := make([]uint32, 0, words)
	for words > 0 {
		chunk := words
		if chunk*4 > maxTransferSize {
			chunk = maxTransferSize / 4
		}
		resp, err := p.memCommand(JTAGReadMem32, addr, chunk*4, nil, chunk*4)
		if err != nil {
			return nil, err
		}
		for i := 0; i < chunk; i++ {
			values = append(values, binary.LittleEndian.Uint32(resp[i*4:]))
		}
		addr += uint32(chunk * 4)
		words -= chunk
		p.tar = addr
	}
	return values, nil
}

func (p *Probe) writeBlock32(addr uint32, data []uint32) error {
	for len(data) > 0 {
		chunk := len(data)
		if chunk*4 > maxTransferSize {
			chunk = maxTransferSize / 4
		}
		payload := make([]byte, chunk*4)
		for i, v := range data[:chunk] {
			binary.LittleEndian.PutUint32(payload[i*4:], v)
		}
		if _, err := p.memCommand(JTAGWriteMem32, addr, chunk*4, payload, 0); err != nil {
			return err
		}
		addr += uint32(chunk * 4)
		data = data[chunk:]
		p.tar = addr
	}
	return nil
}

// TargetVoltage reads the adapter's VDD sense, in volts.
func (p *Probe) TargetVoltage() (float64, error) {
	resp, err := p.transport.Transfer(cmd(CmdGetTargetVoltage), nil, 8)
	if err != nil {
		return 0, err
	}
	a0 := binary.LittleEndian.Uint32(resp[0:4])
	a1 := binary.LittleEndian.Uint32(resp[4:8])
	if a0 == 0 {
		return 0, fmt.Errorf("%w: zero voltage reference", probe.ErrProbe)
	}
	return 2.4 * float64(a1) / float64(a0), nil
}

// Supports16BitTransfers reports whether the firmware accepts the 16-bit
// memory commands.
func (p *Probe) Supports16BitTransfers() bool {
	return p.jtagVer >= minJTAGVersion16BitXfer
}

func (p *Probe) UniqueID() string { return p.transport.SerialNumber() }

func (p *Probe) VendorName() string { return "STMicroelectronics" }

func (p *Probe) ProductName() string {
	return "ST-Link/" + p.transport.VersionName()
}

func (p *Probe) Capabilities() uint32 {
	caps := uint32(probe.CapSWD | probe.CapJTAG)
	if p.stlinkVer >= 2 {
		caps |= probe.CapSWOUART
	}
	return caps
}

func (p *Probe) WireProtocol() probe.Protocol { return p.protocolSel }

func (p *Probe) IsOpen() bool { return p.isOpen }
