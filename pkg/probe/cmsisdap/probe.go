package cmsisdap

import (
	"fmt"

	"github.com/daschewie/armdbg/pkg/probe"
)

// deferredSlot holds the eventual result of one queued read.
type deferredSlot struct {
	value    uint32
	err      error
	resolved bool
}

// queuedOp is one register operation waiting for the next packet flush.
// slot is nil for writes.
type queuedOp struct {
	op   transferOp
	slot *deferredSlot
}

// Probe drives a CMSIS-DAP adapter. Register operations are queued and
// coalesced into DAP_TRANSFER packets; the queue drains when a deferred
// read is resolved, an immediate read is issued, or Flush is called.
type Probe struct {
	dev   Device
	proto *protocol

	isOpen      bool
	caps        uint32
	packetSize  int
	packetCount int
	protocolSel probe.Protocol
	vendor      string
	product     string

	queue []queuedOp
}

// New wraps a packet device in a Probe. The device is not opened.
func New(dev Device) *Probe {
	return &Probe{dev: dev, proto: &protocol{dev: dev}}
}

func (p *Probe) String() string {
	return fmt.Sprintf("%s %s [%s]", p.VendorName(), p.ProductName(), p.UniqueID())
}

func (p *Probe) Open() error {
	if p.isOpen {
		return nil
	}
	if err := p.dev.Open(); err != nil {
		return fmt.Errorf("open CMSIS-DAP device: %w", err)
	}
	p.isOpen = true

	caps, err := p.proto.infoUint(InfoCapabilities)
	if err != nil {
		p.dev.Close()
		p.isOpen = false
		return fmt.Errorf("read capabilities: %w", err)
	}
	p.caps = caps

	size, err := p.proto.infoUint(InfoPacketSize)
	if err != nil || size == 0 {
		size = uint32(p.dev.PacketSize())
	}
	p.packetSize = int(size)

	count, err := p.proto.infoUint(InfoPacketCount)
	if err != nil || count == 0 {
		count = 1
	}
	p.packetCount = int(count)

	p.vendor, _ = p.proto.infoString(InfoVendorName)
	p.product, _ = p.proto.infoString(InfoProductName)
	return nil
}

func (p *Probe) Close() error {
	if !p.isOpen {
		return nil
	}
	p.isOpen = false
	p.dropQueue(probe.ErrProbe)
	return p.dev.Close()
}

func (p *Probe) Connect(protocol probe.Protocol) error {
	var port byte
	switch protocol {
	case probe.ProtocolSWD:
		port = PortSWD
	case probe.ProtocolJTAG:
		port = PortJTAG
	default:
		port = PortDefault
	}

	actual, err := p.proto.connect(port)
	if err != nil {
		return fmt.Errorf("DAP connect: %w", err)
	}
	switch actual {
	case PortSWD:
		p.protocolSel = probe.ProtocolSWD
	case PortJTAG:
		p.protocolSel = probe.ProtocolJTAG
	}

	if err := p.proto.transferConfigure(DefaultIdleCycles, DefaultWaitRetries, DefaultMatchRetry); err != nil {
		return fmt.Errorf("transfer configure: %w", err)
	}
	if p.protocolSel == probe.ProtocolSWD {
		if err := p.proto.swdConfigure(0); err != nil {
			return fmt.Errorf("SWD configure: %w", err)
		}
		if err := p.proto.swjSequence(swjSwitchSequence); err != nil {
			return fmt.Errorf("SWJ switch sequence: %w", err)
		}
	}
	return nil
}

func (p *Probe) Disconnect() error {
	if err := p.Flush(); err != nil {
		return err
	}
	p.protocolSel = probe.ProtocolDefault
	return p.proto.disconnect()
}

func (p *Probe) SetClock(hz int) error {
	return p.proto.swjClock(uint32(hz))
}

func (p *Probe) AssertReset(asserted bool) error {
	if err := p.Flush(); err != nil {
		return err
	}
	output := byte(PinNReset)
	if asserted {
		output = 0
	}
	_, err := p.proto.swjPins(output, PinNReset, 0)
	return err
}

func (p *Probe) IsResetAsserted() (bool, error) {
	state, err := p.proto.swjPins(0, 0, 0)
	if err != nil {
		return false, err
	}
	return state&PinNReset == 0, nil
}

// WriteAbort writes the DP ABORT register directly, bypassing the
// transfer queue. Used for sticky error recovery.
func (p *Probe) WriteAbort(value uint32) error {
	return p.proto.writeAbort(value)
}

func (p *Probe) ReadReg(reg probe.RegID, now bool) (uint32, probe.DeferredRead, error) {
	slot := &deferredSlot{}
	p.queue = append(p.queue, queuedOp{op: transferOp{reg: reg, isRead: true}, slot: slot})

	resolve := func() (uint32, error) {
		if !slot.resolved {
			if err := p.Flush(); err != nil && slot.err == nil {
				return 0, err
			}
		}
		return slot.value, slot.err
	}

	if now {
		v, err := resolve()
		return v, nil, err
	}
	return 0, resolve, nil
}

func (p *Probe) WriteReg(reg probe.RegID, value uint32) error {
	p.queue = append(p.queue, queuedOp{op: transferOp{reg: reg, value: value}})
	// Writes are flushed lazily; errors surface on the next flush, which
	// the DP performs before reporting success for any logical operation.
	if len(p.queue) >= p.maxOpsPerPacket() {
		return p.Flush()
	}
	return nil
}

func (p *Probe) ReadRepeat(n int, reg probe.RegID, now bool) ([]uint32, func() ([]uint32, error), error) {
	if err := p.Flush(); err != nil {
		return nil, nil, err
	}

	run := func() ([]uint32, error) {
		values := make([]uint32, 0, n)
		remaining := n
		// Response header is 4 bytes; each value 4 more.
		chunkMax := (p.usablePacketSize() - 4) / 4
		if chunkMax < 1 {
			chunkMax = 1
		}
		for remaining > 0 {
			chunk := remaining
			if chunk > chunkMax {
				chunk = chunkMax
			}
			vals, err := p.proto.runTransferBlock(reg, chunk, nil)
			if err != nil {
				return nil, err
			}
			values = append(values, vals...)
			remaining -= chunk
		}
		return values, nil
	}

	if now {
		v, err := run()
		return v, nil, err
	}
	// The block exchange is synchronous on this transport; defer by
	// capturing the run.
	var cached []uint32
	var cachedErr error
	ran := false
	return nil, func() ([]uint32, error) {
		if !ran {
			cached, cachedErr = run()
			ran = true
		}
		return cached, cachedErr
	}, nil
}

func (p *Probe) WriteRepeat(reg probe.RegID, data []uint32) error {
	if err := p.Flush(); err != nil {
		return err
	}
	// Command header is 5 bytes; each value 4 more.
	chunkMax := (p.usablePacketSize() - 5) / 4
	if chunkMax < 1 {
		chunkMax = 1
	}
	for len(data) > 0 {
		chunk := len(data)
		if chunk > chunkMax {
			chunk = chunkMax
		}
		if _, err := p.proto.runTransferBlock(reg, chunk, data[:chunk]); err != nil {
			return err
		}
		data = data[chunk:]
	}
	return nil
}

// Flush drains the transfer queue, resolving every queued read slot.
func (p *Probe) Flush() error {
	for len(p.queue) > 0 {
		chunk := p.nextChunk()
		ops := make([]transferOp, len(chunk))
		for i, q := range chunk {
			ops[i] = q.op
		}
		values, err := p.proto.runTransfer(ops)
		if err != nil {
			p.dropQueue(err)
			return err
		}
		vi := 0
		for _, q := range chunk {
			if q.slot != nil {
				q.slot.value = values[vi]
				q.slot.resolved = true
				vi++
			}
		}
		p.queue = p.queue[len(chunk):]
	}
	return nil
}

// dropQueue fails every unresolved slot and clears the queue.
func (p *Probe) dropQueue(err error) {
	for _, q := range p.queue {
		if q.slot != nil && !q.slot.resolved {
			q.slot.err = err
			q.slot.resolved = true
		}
	}
	p.queue = nil
}

func (p *Probe) usablePacketSize() int {
	if p.packetSize > 0 {
		return p.packetSize
	}
	return 64
}

// maxOpsPerPacket is a conservative bound: a write request takes 5 bytes
// after the 3-byte header.
func (p *Probe) maxOpsPerPacket() int {
	n := (p.usablePacketSize() - 3) / 5
	if n < 1 {
		n = 1
	}
	return n
}

// nextChunk selects the longest queue prefix whose command and response
// both fit in one packet.
func (p *Probe) nextChunk() []queuedOp {
	cmdRoom := p.usablePacketSize() - 3
	respRoom := p.usablePacketSize() - 3
	count := 0
	for _, q := range p.queue {
		if q.op.isRead {
			cmdRoom--
			respRoom -= 4
		} else {
			cmdRoom -= 5
		}
		if cmdRoom < 0 || respRoom < 0 || count == 255 {
			break
		}
		count++
	}
	if count == 0 {
		count = 1
	}
	return p.queue[:count]
}

func (p *Probe) UniqueID() string { return p.dev.SerialNumber() }

func (p *Probe) VendorName() string {
	if p.vendor != "" {
		return p.vendor
	}
	return p.dev.VendorName()
}

func (p *Probe) ProductName() string {
	if p.product != "" {
		return p.product
	}
	return p.dev.ProductName()
}

func (p *Probe) Capabilities() uint32 {
	caps := uint32(0)
	if p.caps&CapSWD != 0 {
		caps |= probe.CapSWD
	}
	if p.caps&CapJTAG != 0 {
		caps |= probe.CapJTAG
	}
	if p.caps&CapSWOUART != 0 {
		caps |= probe.CapSWOUART
	}
	if p.caps&CapSWOManchester != 0 {
		caps |= probe.CapSWOManchester
	}
	return caps
}

func (p *Probe) WireProtocol() probe.Protocol { return p.protocolSel }

func (p *Probe) IsOpen() bool { return p.isOpen }
