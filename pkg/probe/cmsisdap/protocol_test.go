package cmsisdap

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/daschewie/armdbg/pkg/probe"
)

// scriptDevice replays canned responses and records the commands it saw.
type scriptDevice struct {
	t         *testing.T
	written   [][]byte
	responses [][]byte
	open      bool
}

func (d *scriptDevice) Open() error  { d.open = true; return nil }
func (d *scriptDevice) Close() error { d.open = false; return nil }

func (d *scriptDevice) Write(packet []byte) error {
	cp := make([]byte, len(packet))
	copy(cp, packet)
	d.written = append(d.written, cp)
	return nil
}

func (d *scriptDevice) Read() ([]byte, error) {
	if len(d.responses) == 0 {
		d.t.Fatal("unexpected read: no scripted response")
	}
	resp := d.responses[0]
	d.responses = d.responses[1:]
	return resp, nil
}

func (d *scriptDevice) PacketSize() int      { return 64 }
func (d *scriptDevice) SerialNumber() string { return "TEST0001" }
func (d *scriptDevice) ProductName() string  { return "Test CMSIS-DAP" }
func (d *scriptDevice) VendorName() string   { return "Test" }

func (d *scriptDevice) respond(resp ...[]byte) {
	d.responses = append(d.responses, resp...)
}

func TestTransferRequestEncoding(t *testing.T) {
	tests := []struct {
		name     string
		reg      probe.RegID
		isRead   bool
		expected byte
	}{
		{"DP read 0x0", probe.DP0, true, 0x02},
		{"DP write 0x8", probe.DP8, false, 0x08},
		{"AP read 0xC", probe.APC, true, 0x0f},
		{"AP write 0x4", probe.AP4, false, 0x05},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := transferRequest(tt.reg, tt.isRead); got != tt.expected {
				t.Errorf("transferRequest = 0x%02x, want 0x%02x", got, tt.expected)
			}
		})
	}
}

func TestRunTransferEncodesAndDecodes(t *testing.T) {
	dev := &scriptDevice{t: t}
	p := &protocol{dev: dev}

	// One write then one read; device responds OK with one word.
	resp := []byte{CmdDAPTransfer, 2, AckOK, 0x78, 0x56, 0x34, 0x12}
	dev.respond(resp)

	values, err := p.runTransfer([]transferOp{
		{reg: probe.DP8, value: 0xcafe0000},
		{reg: probe.DP0, isRead: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(values) != 1 || values[0] != 0x12345678 {
		t.Errorf("values = %#v, want [0x12345678]", values)
	}

	cmd := dev.written[0]
	if cmd[0] != CmdDAPTransfer || cmd[1] != 0 || cmd[2] != 2 {
		t.Errorf("header = % x", cmd[:3])
	}
	// Write request: DP write A=0x8, then the value little-endian.
	if cmd[3] != 0x08 {
		t.Errorf("write request = 0x%02x, want 0x08", cmd[3])
	}
	if binary.LittleEndian.Uint32(cmd[4:8]) != 0xcafe0000 {
		t.Errorf("write data = % x", cmd[4:8])
	}
	// Read request: DP read A=0x0.
	if cmd[8] != 0x02 {
		t.Errorf("read request = 0x%02x, want 0x02", cmd[8])
	}
}

func TestTransferAckErrors(t *testing.T) {
	tests := []struct {
		name  string
		ack   byte
		check func(error) bool
	}{
		{"wait", AckWait, func(err error) bool { return errors.Is(err, probe.ErrTransferTimeout) }},
		{"fault", AckFault, func(err error) bool {
			var fault *probe.TransferFaultError
			return errors.As(err, &fault)
		}},
		{"no ack", AckNoAck, func(err error) bool { return errors.Is(err, probe.ErrTransfer) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := &scriptDevice{t: t}
			p := &protocol{dev: dev}
			dev.respond([]byte{CmdDAPTransfer, 0, tt.ack})

			_, err := p.runTransfer([]transferOp{{reg: probe.DP0, isRead: true}})
			if err == nil || !tt.check(err) {
				t.Errorf("ack 0x%02x produced %v", tt.ack, err)
			}
		})
	}
}

func TestRunTransferBlock(t *testing.T) {
	dev := &scriptDevice{t: t}
	p := &protocol{dev: dev}

	resp := []byte{CmdDAPTransferBlock, 2, 0, AckOK,
		0x01, 0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00}
	dev.respond(resp)

	values, err := p.runTransferBlock(probe.APC, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(values) != 2 || values[0] != 1 || values[1] != 2 {
		t.Errorf("values = %#v", values)
	}

	cmd := dev.written[0]
	if cmd[0] != CmdDAPTransferBlock {
		t.Errorf("opcode = 0x%02x", cmd[0])
	}
	if count := binary.LittleEndian.Uint16(cmd[2:4]); count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
	// AP read of DRW: APnDP | RnW | A[3:2] = 0b1111.
	if cmd[4] != 0x0f {
		t.Errorf("request = 0x%02x, want 0x0f", cmd[4])
	}
}

func TestInfoQueries(t *testing.T) {
	dev := &scriptDevice{t: t}
	p := &protocol{dev: dev}

	dev.respond(
		[]byte{CmdDAPInfo, 1, CapSWD | CapJTAG},
		[]byte{CmdDAPInfo, 2, 0x00, 0x02}, // packet size 512
		[]byte{CmdDAPInfo, 5, 'D', 'A', 'P', 'v', 0x00},
	)

	caps, err := p.infoUint(InfoCapabilities)
	if err != nil || caps != CapSWD|CapJTAG {
		t.Errorf("caps = %d err %v", caps, err)
	}
	size, err := p.infoUint(InfoPacketSize)
	if err != nil || size != 512 {
		t.Errorf("size = %d err %v", size, err)
	}
	fw, err := p.infoString(InfoFirmwareVer)
	if err != nil || fw != "DAPv" {
		t.Errorf("fw = %q err %v", fw, err)
	}
}

func TestOpcodeMismatch(t *testing.T) {
	dev := &scriptDevice{t: t}
	p := &protocol{dev: dev}
	dev.respond([]byte{0x42, 0})

	if _, err := p.exchange([]byte{CmdDAPInfo, InfoCapabilities}); !errors.Is(err, probe.ErrProbe) {
		t.Errorf("mismatched opcode produced %v", err)
	}
}

func TestDeferredReadOrderingAndBatching(t *testing.T) {
	dev := &scriptDevice{t: t}
	p := New(dev)
	p.isOpen = true
	p.packetSize = 64

	// Queue two writes and two deferred reads; nothing goes out yet.
	if err := p.WriteReg(probe.DP8, 0x0); err != nil {
		t.Fatal(err)
	}
	_, cb1, err := p.ReadReg(probe.DP0, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.WriteReg(probe.DP4, 0x50000000); err != nil {
		t.Fatal(err)
	}
	_, cb2, err := p.ReadReg(probe.DP4, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(dev.written) != 0 {
		t.Fatalf("%d packets sent before resolution, want 0", len(dev.written))
	}

	// One response carries both read values in issue order.
	dev.respond([]byte{CmdDAPTransfer, 4, AckOK,
		0x11, 0x00, 0x00, 0x00, 0x22, 0x00, 0x00, 0x00})

	v2, err := cb2()
	if err != nil || v2 != 0x22 {
		t.Errorf("second deferred = 0x%x err %v", v2, err)
	}
	v1, err := cb1()
	if err != nil || v1 != 0x11 {
		t.Errorf("first deferred = 0x%x err %v", v1, err)
	}

	// Exactly one coalesced packet with four transfers.
	if len(dev.written) != 1 {
		t.Fatalf("%d packets sent, want 1", len(dev.written))
	}
	if dev.written[0][2] != 4 {
		t.Errorf("transfer count = %d, want 4", dev.written[0][2])
	}
}

func TestFlushFailsAllPendingReads(t *testing.T) {
	dev := &scriptDevice{t: t}
	p := New(dev)
	p.isOpen = true
	p.packetSize = 64

	_, cb1, _ := p.ReadReg(probe.DP0, false)
	_, cb2, _ := p.ReadReg(probe.DP4, false)

	dev.respond([]byte{CmdDAPTransfer, 0, AckFault})

	if err := p.Flush(); err == nil {
		t.Fatal("flush of faulted batch succeeded")
	}
	if _, err := cb1(); err == nil {
		t.Error("first deferred read did not fail")
	}
	if _, err := cb2(); err == nil {
		t.Error("second deferred read did not fail")
	}
}
