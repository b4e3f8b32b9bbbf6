package stlink

import (
	"fmt"
	"sync"

	"github.com/daschewie/armdbg/pkg/probe"
)

// ST's USB vendor ID.
const usbVID = 0x0483

// endpointInfo describes one adapter generation's endpoint layout.
type endpointInfo struct {
	version string
	epOut   int
	epIn    int
	epSWV   int
}

// usbPIDMap maps product IDs to endpoint layouts.
var usbPIDMap = map[uint16]endpointInfo{
	0x3748: {"V2", 0x02, 0x81, 0x83},
	0x374b: {"V2-1", 0x01, 0x81, 0x82},
	0x374a: {"V2-1", 0x01, 0x81, 0x82}, // Audio variant
	0x3742: {"V2-1", 0x01, 0x81, 0x82}, // No mass storage
	0x374e: {"V3", 0x01, 0x81, 0x82},
	0x374f: {"V3", 0x01, 0x81, 0x82}, // Bridge
	0x3753: {"V3", 0x01, 0x81, 0x82}, // Dual VCP
}

// The debug interface is always interface 0.
const debugInterfaceNumber = 0

// Transport carries framed commands to the adapter. The USB implementation
// pipelines receives; tests substitute a scripted fake.
type Transport interface {
	Open() error
	Close() error

	// Transfer writes one command frame followed by optional payload data,
	// and, when readLen > 0, returns exactly readLen response bytes.
	Transfer(cmd []byte, data []byte, readLen int) ([]byte, error)

	SerialNumber() string
	VersionName() string
}

// rxResult is one received packet, delivered in issue order.
type rxResult struct {
	data []byte
	err  error
}

// usbTransport implements Transport over gousb bulk endpoints. A producer
// goroutine drains the IN endpoint into an in-order queue; Transfer primes
// the queue with the expected packet before writing the command, so
// response latency is decoupled from synchronous polling.
type usbTransport struct {
	pid    uint16
	serial string
	info   endpointInfo

	dev probe.BulkDevice

	mu      sync.Mutex
	reqCh   chan int
	resCh   chan rxResult
	closeCh chan struct{}
}

func newUSBTransport(pid uint16, serial string) *usbTransport {
	return &usbTransport{pid: pid, serial: serial, info: usbPIDMap[pid]}
}

func (t *usbTransport) Open() error {
	dev, err := probe.OpenBulkDevice(usbVID, t.pid, t.serial, debugInterfaceNumber, t.info.epOut, t.info.epIn)
	if err != nil {
		return err
	}
	t.dev = dev
	t.reqCh = make(chan int, 8)
	t.resCh = make(chan rxResult, 8)
	t.closeCh = make(chan struct{})
	go t.rxTask()
	return nil
}

// rxTask is the receive producer. It performs no protocol logic: it reads
// exactly the primed number of bytes per request and enqueues them.
func (t *usbTransport) rxTask() {
	for {
		select {
		case <-t.closeCh:
			return
		case want := <-t.reqCh:
			buf := make([]byte, want)
			got := 0
			var err error
			for got < want && err == nil {
				var n int
				n, err = t.dev.ReadIn(buf[got:], probe.BulkTimeout)
				got += n
			}
			t.resCh <- rxResult{data: buf[:got], err: err}
		}
	}
}

func (t *usbTransport) Transfer(cmd []byte, data []byte, readLen int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dev == nil {
		return nil, fmt.Errorf("%w: ST-Link not open", probe.ErrProbe)
	}

	// Prime the receive queue before the command goes out.
	if readLen > 0 {
		t.reqCh <- readLen
	}

	frame := make([]byte, cmdSize)
	copy(frame, cmd)
	if err := t.dev.WriteOut(frame); err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if err := t.dev.WriteOut(data); err != nil {
			return nil, err
		}
	}

	if readLen == 0 {
		return nil, nil
	}
	res := <-t.resCh
	if res.err != nil {
		return nil, res.err
	}
	if len(res.data) < readLen {
		return nil, fmt.Errorf("%w: short ST-Link response (%d < %d)", probe.ErrProbe, len(res.data), readLen)
	}
	return res.data, nil
}

func (t *usbTransport) Close() error {
	if t.dev == nil {
		return nil
	}
	close(t.closeCh)
	err := t.dev.Close()
	t.dev = nil
	return err
}

func (t *usbTransport) SerialNumber() string {
	if t.dev != nil {
		return t.dev.SerialNumber()
	}
	return t.serial
}

func (t *usbTransport) VersionName() string { return t.info.version }

// discover enumerates connected ST-Link adapters.
func discover() ([]probe.DebugProbe, error) {
	pids := make([]uint16, 0, len(usbPIDMap))
	for pid := range usbPIDMap {
		pids = append(pids, pid)
	}
	found, err := probe.EnumerateSerials(usbVID, pids)
	if err != nil {
		return nil, err
	}
	var probes []probe.DebugProbe
	for pid, serials := range found {
		for _, sn := range serials {
			probes = append(probes, New(newUSBTransport(pid, sn)))
		}
	}
	return probes, nil
}

func init() {
	probe.RegisterDiscoverer("stlink", discover)
}
