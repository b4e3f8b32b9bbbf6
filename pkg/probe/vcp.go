package probe

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// VCP is the CDC-ACM virtual COM port most debug adapters expose alongside
// the debug interface. It carries the target's console UART, not debug
// traffic, and is opened independently of the DebugProbe.
type VCP struct {
	port serial.Port
}

// ListVCPPorts returns the names of all serial ports on the host.
func ListVCPPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("%w: list serial ports: %v", ErrProbe, err)
	}
	return ports, nil
}

// OpenVCP opens the named serial port at the given baud rate with 8N1
// framing.
func OpenVCP(portName string, baud int) (*VCP, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: open serial port %s: %v", ErrProbe, portName, err)
	}

	if err := port.SetReadTimeout(time.Second); err != nil {
		port.Close()
		return nil, fmt.Errorf("%w: set read timeout: %v", ErrProbe, err)
	}

	return &VCP{port: port}, nil
}

// Read reads whatever console bytes are available, up to len(buf).
// A timeout with no data returns n == 0 and no error.
func (v *VCP) Read(buf []byte) (int, error) {
	n, err := v.port.Read(buf)
	if err != nil {
		return n, fmt.Errorf("%w: serial read: %v", ErrProbe, err)
	}
	return n, nil
}

// Write sends bytes to the target console.
func (v *VCP) Write(data []byte) (int, error) {
	total := 0
	for total < len(data) {
		n, err := v.port.Write(data[total:])
		if err != nil {
			return total, fmt.Errorf("%w: serial write: %v", ErrProbe, err)
		}
		total += n
	}
	return total, nil
}

// Close releases the port.
func (v *VCP) Close() error {
	if v.port == nil {
		return nil
	}
	err := v.port.Close()
	v.port = nil
	return err
}
