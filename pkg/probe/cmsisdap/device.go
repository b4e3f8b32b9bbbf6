package cmsisdap

import (
	"fmt"
	"strings"

	"github.com/karalabe/hid"

	"github.com/daschewie/armdbg/pkg/probe"
)

// hidDevice is a CMSIS-DAP v1 adapter behind a HID endpoint. Packets are
// fixed 64-byte reports.
type hidDevice struct {
	info   hid.DeviceInfo
	handle *hid.Device
}

func (d *hidDevice) Open() error {
	h, err := d.info.Open()
	if err != nil {
		return fmt.Errorf("%w: open HID device: %v", probe.ErrProbe, err)
	}
	d.handle = h
	return nil
}

func (d *hidDevice) Close() error {
	if d.handle == nil {
		return nil
	}
	d.handle.Close()
	d.handle = nil
	return nil
}

func (d *hidDevice) Write(packet []byte) error {
	if d.handle == nil {
		return fmt.Errorf("%w: HID device not open", probe.ErrProbe)
	}
	// HID output reports are fixed size; pad and prepend the report ID.
	buf := make([]byte, d.PacketSize()+1)
	copy(buf[1:], packet)
	if _, err := d.handle.Write(buf); err != nil {
		return fmt.Errorf("%w: HID write: %v", probe.ErrProbe, err)
	}
	return nil
}

func (d *hidDevice) Read() ([]byte, error) {
	if d.handle == nil {
		return nil, fmt.Errorf("%w: HID device not open", probe.ErrProbe)
	}
	buf := make([]byte, d.PacketSize())
	n, err := d.handle.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: HID read: %v", probe.ErrProbe, err)
	}
	return buf[:n], nil
}

func (d *hidDevice) PacketSize() int { return 64 }

func (d *hidDevice) SerialNumber() string { return d.info.Serial }
func (d *hidDevice) ProductName() string  { return d.info.Product }
func (d *hidDevice) VendorName() string   { return d.info.Manufacturer }

// bulkDevice is a CMSIS-DAP v2 adapter behind a WinUSB/bulk endpoint pair.
type bulkDevice struct {
	open    func() (probe.BulkDevice, error)
	dev     probe.BulkDevice
	serial  string
	product string
	vendor  string
}

func (d *bulkDevice) Open() error {
	dev, err := d.open()
	if err != nil {
		return err
	}
	d.dev = dev
	return nil
}

func (d *bulkDevice) Close() error {
	if d.dev == nil {
		return nil
	}
	err := d.dev.Close()
	d.dev = nil
	return err
}

func (d *bulkDevice) Write(packet []byte) error {
	if d.dev == nil {
		return fmt.Errorf("%w: device not open", probe.ErrProbe)
	}
	return d.dev.WriteOut(packet)
}

func (d *bulkDevice) Read() ([]byte, error) {
	if d.dev == nil {
		return nil, fmt.Errorf("%w: device not open", probe.ErrProbe)
	}
	buf := make([]byte, d.PacketSize())
	n, err := d.dev.ReadIn(buf, probe.CommandTimeout)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (d *bulkDevice) PacketSize() int {
	if d.dev != nil {
		if s := d.dev.MaxPacketSize(); s > 0 {
			return s
		}
	}
	return 512
}

func (d *bulkDevice) SerialNumber() string { return d.serial }
func (d *bulkDevice) ProductName() string  { return d.product }
func (d *bulkDevice) VendorName() string   { return d.vendor }

// NewV2 builds a probe for a CMSIS-DAP v2 adapter reached over WinUSB
// bulk endpoints. v2 devices carry no standard enumeration marker, so the
// caller supplies the VID/PID and endpoint addresses.
func NewV2(vid, pid uint16, serial string, intfNum, epOut, epIn int) *Probe {
	return New(&bulkDevice{
		open: func() (probe.BulkDevice, error) {
			return probe.OpenBulkDevice(vid, pid, serial, intfNum, epOut, epIn)
		},
		serial:  serial,
		product: "CMSIS-DAP v2",
		vendor:  "",
	})
}

// isDAPLinkInterface identifies CMSIS-DAP adapters by the interface string
// convention required by the CMSIS-DAP specification.
func isDAPLinkInterface(product string) bool {
	return strings.Contains(product, "CMSIS-DAP")
}

// discover enumerates CMSIS-DAP v1 HID adapters.
func discover() ([]probe.DebugProbe, error) {
	var probes []probe.DebugProbe
	for _, info := range hid.Enumerate(0, 0) {
		if !isDAPLinkInterface(info.Product) {
			continue
		}
		probes = append(probes, New(&hidDevice{info: info}))
	}
	return probes, nil
}

func init() {
	probe.RegisterDiscoverer("cmsisdap", discover)
}
