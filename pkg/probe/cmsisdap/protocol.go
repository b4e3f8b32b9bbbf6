package cmsisdap

import (
	"encoding/binary"
	"fmt"

	"github.com/daschewie/armdbg/pkg/probe"
)

// Device is the packet transport a CMSIS-DAP adapter sits behind: HID for
// protocol v1, a bulk endpoint pair for v2. One Write carries one command
// packet; one Read returns one response packet.
type Device interface {
	Open() error
	Close() error
	Write(packet []byte) error
	Read() ([]byte, error)
	PacketSize() int
	SerialNumber() string
	ProductName() string
	VendorName() string
}

// protocol builds command packets, performs the exchange, and decodes
// responses. It holds no transfer state; batching lives in Probe.
type protocol struct {
	dev Device
}

// exchange sends one command packet and reads the matching response,
// verifying the echoed opcode.
func (p *protocol) exchange(cmd []byte) ([]byte, error) {
	if err := p.dev.Write(cmd); err != nil {
		return nil, fmt.Errorf("write %#02x command: %w", cmd[0], err)
	}
	resp, err := p.dev.Read()
	if err != nil {
		return nil, fmt.Errorf("read %#02x response: %w", cmd[0], err)
	}
	if len(resp) == 0 || resp[0] != cmd[0] {
		return nil, fmt.Errorf("%w: response opcode mismatch (sent %#02x)", probe.ErrProbe, cmd[0])
	}
	return resp, nil
}

// exchangeOK performs an exchange for commands whose response is a single
// status byte.
func (p *protocol) exchangeOK(cmd []byte) error {
	resp, err := p.exchange(cmd)
	if err != nil {
		return err
	}
	if len(resp) < 2 || resp[1] != StatusOK {
		return fmt.Errorf("%w: command %#02x declined", probe.ErrProbe, cmd[0])
	}
	return nil
}

// infoUint queries a DAP_INFO integer value (1, 2, or 4 bytes).
func (p *protocol) infoUint(id byte) (uint32, error) {
	resp, err := p.exchange([]byte{CmdDAPInfo, id})
	if err != nil {
		return 0, err
	}
	if len(resp) < 2 {
		return 0, fmt.Errorf("%w: short DAP_INFO response", probe.ErrProbe)
	}
	n := int(resp[1])
	if len(resp) < 2+n {
		return 0, fmt.Errorf("%w: truncated DAP_INFO response", probe.ErrProbe)
	}
	switch n {
	case 0:
		return 0, nil
	case 1:
		return uint32(resp[2]), nil
	case 2:
		return uint32(binary.LittleEndian.Uint16(resp[2:4])), nil
	case 4:
		return binary.LittleEndian.Uint32(resp[2:6]), nil
	default:
		return 0, fmt.Errorf("%w: unexpected DAP_INFO length %d", probe.ErrProbe, n)
	}
}

// infoString queries a DAP_INFO string value, stripping the C terminator.
func (p *protocol) infoString(id byte) (string, error) {
	resp, err := p.exchange([]byte{CmdDAPInfo, id})
	if err != nil {
		return "", err
	}
	if len(resp) < 2 {
		return "", fmt.Errorf("%w: short DAP_INFO response", probe.ErrProbe)
	}
	n := int(resp[1])
	if n == 0 || len(resp) < 2+n {
		return "", nil
	}
	s := resp[2 : 2+n]
	if s[len(s)-1] == 0 {
		s = s[:len(s)-1]
	}
	return string(s), nil
}

func (p *protocol) connect(port byte) (byte, error) {
	resp, err := p.exchange([]byte{CmdDAPConnect, port})
	if err != nil {
		return 0, err
	}
	if len(resp) < 2 || resp[1] == PortDefault {
		return 0, fmt.Errorf("%w: DAP_CONNECT failed", probe.ErrProbe)
	}
	return resp[1], nil
}

func (p *protocol) disconnect() error {
	return p.exchangeOK([]byte{CmdDAPDisconnect})
}

func (p *protocol) transferConfigure(idleCycles byte, waitRetry, matchRetry uint16) error {
	cmd := []byte{
		CmdDAPTransferConfigure,
		idleCycles,
		byte(waitRetry), byte(waitRetry >> 8),
		byte(matchRetry), byte(matchRetry >> 8),
	}
	return p.exchangeOK(cmd)
}

func (p *protocol) swjClock(hz uint32) error {
	cmd := make([]byte, 5)
	cmd[0] = CmdDAPSWJClock
	binary.LittleEndian.PutUint32(cmd[1:], hz)
	return p.exchangeOK(cmd)
}

func (p *protocol) swdConfigure(conf byte) error {
	return p.exchangeOK([]byte{CmdDAPSWDConfigure, conf})
}

func (p *protocol) swjSequence(bits []byte) error {
	cmd := make([]byte, 0, 2+len(bits))
	cmd = append(cmd, CmdDAPSWJSequence, byte(len(bits)*8))
	cmd = append(cmd, bits...)
	return p.exchangeOK(cmd)
}

// swjPins drives the given pins and returns the observed pin state.
func (p *protocol) swjPins(output, selectMask byte, waitUS uint32) (byte, error) {
	cmd := make([]byte, 7)
	cmd[0] = CmdDAPSWJPins
	cmd[1] = output
	cmd[2] = selectMask
	binary.LittleEndian.PutUint32(cmd[3:], waitUS)
	resp, err := p.exchange(cmd)
	if err != nil {
		return 0, err
	}
	if len(resp) < 2 {
		return 0, fmt.Errorf("%w: short DAP_SWJ_PINS response", probe.ErrProbe)
	}
	return resp[1], nil
}

func (p *protocol) writeAbort(value uint32) error {
	cmd := make([]byte, 6)
	cmd[0] = CmdDAPWriteAbort
	cmd[1] = 0 // DAP index
	binary.LittleEndian.PutUint32(cmd[2:], value)
	return p.exchangeOK(cmd)
}

// transferRequest encodes the request byte for one DP/AP transfer.
func transferRequest(reg probe.RegID, isRead bool) byte {
	req := byte(0)
	if reg.IsAP() {
		req |= ReqAPnDP
	}
	if isRead {
		req |= ReqRnW
	}
	req |= reg.Addr() & (ReqA2 | ReqA3)
	return req
}

// ackError maps a non-OK transfer ACK to the error taxonomy.
func ackError(ack byte) error {
	switch ack & 0x7 {
	case AckWait:
		return probe.ErrTransferTimeout
	case AckFault:
		return &probe.TransferFaultError{}
	case AckNoAck:
		return fmt.Errorf("%w: no ACK from target", probe.ErrTransfer)
	default:
		return fmt.Errorf("%w: ACK value %d", probe.ErrTransfer, ack&0x7)
	}
}

// transferOp is one queued DP/AP register operation.
type transferOp struct {
	reg    probe.RegID
	value  uint32 // write data; ignored for reads
	isRead bool
}

// runTransfer issues one DAP_TRANSFER packet for ops and returns the read
// values in issue order. ops must fit in one packet; the caller slices.
func (p *protocol) runTransfer(ops []transferOp) ([]uint32, error) {
	cmd := make([]byte, 0, 3+5*len(ops))
	cmd = append(cmd, CmdDAPTransfer, 0 /* DAP index */, byte(len(ops)))
	reads := 0
	for _, op := range ops {
		cmd = append(cmd, transferRequest(op.reg, op.isRead))
		if op.isRead {
			reads++
		} else {
			var v [4]byte
			binary.LittleEndian.PutUint32(v[:], op.value)
			cmd = append(cmd, v[:]...)
		}
	}

	resp, err := p.exchange(cmd)
	if err != nil {
		return nil, err
	}
	if len(resp) < 3 {
		return nil, fmt.Errorf("%w: short DAP_TRANSFER response", probe.ErrProbe)
	}
	count := int(resp[1])
	ack := resp[2]
	if ack&0x7 != AckOK || count != len(ops) {
		return nil, ackError(ack)
	}
	if len(resp) < 3+4*reads {
		return nil, fmt.Errorf("%w: truncated DAP_TRANSFER data", probe.ErrProbe)
	}
	values := make([]uint32, reads)
	for i := range values {
		values[i] = binary.LittleEndian.Uint32(resp[3+4*i:])
	}
	return values, nil
}

// runTransferBlock issues one DAP_TRANSFER_BLOCK packet: count repeated
// accesses to a single register. For reads, data is nil and the read
// values are returned; for writes, data supplies the values.
func (p *protocol) runTransferBlock(reg probe.RegID, count int, data []uint32) ([]uint32, error) {
	isRead := data == nil
	cmd := make([]byte, 0, 5+4*len(data))
	cmd = append(cmd, CmdDAPTransferBlock, 0, byte(count), byte(count>>8))
	cmd = append(cmd, transferRequest(reg, isRead))
	for _, v := range data {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		cmd = append(cmd, b[:]...)
	}

	resp, err := p.exchange(cmd)
	if err != nil {
		return nil, err
	}
	if len(resp) < 4 {
		return nil, fmt.Errorf("%w: short DAP_TRANSFER_BLOCK response", probe.ErrProbe)
	}
	done := int(binary.LittleEndian.Uint16(resp[1:3]))
	ack := resp[3]
	if ack&0x7 != AckOK || done != count {
		return nil, ackError(ack)
	}
	if !isRead {
		return nil, nil
	}
	if len(resp) < 4+4*count {
		return nil, fmt.Errorf("%w: truncated DAP_TRANSFER_BLOCK data", probe.ErrProbe)
	}
	values := make([]uint32, count)
	for i := range values {
		values[i] = binary.LittleEndian.Uint32(resp[4+4*i:])
	}
	return values, nil
}
