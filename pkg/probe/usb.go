package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"
)

// Timeouts applied to USB operations. Command/response exchanges get the
// short timeout; bulk memory reads may legitimately take longer.
const (
	CommandTimeout = 1 * time.Second
	BulkTimeout    = 10 * time.Second
)

// BulkDevice is the endpoint-level surface the protocol backends consume.
// The gousb implementation below talks to real hardware; tests substitute
// scripted fakes.
type BulkDevice interface {
	// WriteOut writes the full buffer to the OUT endpoint.
	WriteOut(data []byte) error

	// ReadIn reads up to len(buf) bytes from the IN endpoint and returns
	// the count actually transferred.
	ReadIn(buf []byte, timeout time.Duration) (int, error)

	// MaxPacketSize is the IN endpoint's wMaxPacketSize.
	MaxPacketSize() int

	SerialNumber() string
	Close() error
}

// usbBulkDevice wraps a claimed gousb interface with one OUT and one IN
// bulk endpoint.
type usbBulkDevice struct {
	ctx    *gousb.Context
	dev    *gousb.Device
	intf   *gousb.Interface
	done   func()
	epOut  *gousb.OutEndpoint
	epIn   *gousb.InEndpoint
	serial string
}

// OpenBulkDevice opens the USB device with the given VID/PID and serial
// (empty serial matches the first device found), claims interface number
// intfNum, and resolves the two endpoint addresses.
func OpenBulkDevice(vid, pid uint16, serial string, intfNum, epOutAddr, epInAddr int) (BulkDevice, error) {
	ctx := gousb.NewContext()

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == gousb.ID(vid) && desc.Product == gousb.ID(pid)
	})
	if err != nil && len(devs) == 0 {
		ctx.Close()
		return nil, fmt.Errorf("%w: open usb device %04x:%04x: %v", ErrProbe, vid, pid, err)
	}

	var dev *gousb.Device
	for _, d := range devs {
		sn, snErr := d.SerialNumber()
		if dev == nil && (serial == "" || (snErr == nil && sn == serial)) {
			dev = d
			continue
		}
		d.Close()
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("%w: usb device %04x:%04x serial %q not found", ErrProbe, vid, pid, serial)
	}

	sn, _ := dev.SerialNumber()

	intf, done, err := dev.DefaultInterface()
	if err != nil || intf.Setting.Number != intfNum {
		// The debug interface is not the default one; claim it explicitly.
		if done != nil {
			done()
		}
		cfg, cfgErr := dev.Config(1)
		if cfgErr != nil {
			dev.Close()
			ctx.Close()
			return nil, fmt.Errorf("%w: claim configuration: %v", ErrProbe, cfgErr)
		}
		intf, cfgErr = cfg.Interface(intfNum, 0)
		if cfgErr != nil {
			cfg.Close()
			dev.Close()
			ctx.Close()
			return nil, fmt.Errorf("%w: claim interface %d: %v", ErrProbe, intfNum, cfgErr)
		}
		done = func() { intf.Close(); cfg.Close() }
	}

	epOut, err := intf.OutEndpoint(epOutAddr)
	if err != nil {
		done()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("%w: OUT endpoint 0x%02x: %v", ErrProbe, epOutAddr, err)
	}
	epIn, err := intf.InEndpoint(epInAddr)
	if err != nil {
		done()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("%w: IN endpoint 0x%02x: %v", ErrProbe, epInAddr, err)
	}

	return &usbBulkDevice{
		ctx:    ctx,
		dev:    dev,
		intf:   intf,
		done:   done,
		epOut:  epOut,
		epIn:   epIn,
		serial: sn,
	}, nil
}

// EnumerateSerials lists the serial numbers of all connected devices
// matching any of the given VID/PID pairs. The map is keyed on PID.
func EnumerateSerials(vid uint16, pids []uint16) (map[uint16][]string, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	want := make(map[gousb.ID]uint16, len(pids))
	for _, pid := range pids {
		want[gousb.ID(pid)] = pid
	}

	found := map[uint16][]string{}
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		_, ok := want[desc.Product]
		return desc.Vendor == gousb.ID(vid) && ok
	})
	for _, d := range devs {
		if sn, snErr := d.SerialNumber(); snErr == nil {
			pid := want[d.Desc.Product]
			found[pid] = append(found[pid], sn)
		}
		d.Close()
	}
	if err != nil && len(found) == 0 {
		return nil, fmt.Errorf("%w: usb enumeration: %v", ErrProbe, err)
	}
	return found, nil
}

func (u *usbBulkDevice) WriteOut(data []byte) error {
	total := 0
	for total < len(data) {
		n, err := u.epOut.Write(data[total:])
		if err != nil {
			return fmt.Errorf("%w: usb write: %v", ErrProbe, err)
		}
		total += n
	}
	return nil
}

func (u *usbBulkDevice) ReadIn(buf []byte, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	n, err := u.epIn.ReadContext(ctx, buf)
	if err != nil {
		return n, fmt.Errorf("%w: usb read: %v", ErrProbe, err)
	}
	return n, nil
}

func (u *usbBulkDevice) MaxPacketSize() int {
	return u.epIn.Desc.MaxPacketSize
}

func (u *usbBulkDevice) SerialNumber() string { return u.serial }

func (u *usbBulkDevice) Close() error {
	if u.done != nil {
		u.done()
		u.done = nil
	}
	if u.dev != nil {
		u.dev.Close()
		u.dev = nil
	}
	if u.ctx != nil {
		u.ctx.Close()
		u.ctx = nil
	}
	return nil
}
