package registry

import (
	"fmt"

	"github.com/networkoptix/nx-system-tests-sub010/usb"
	"github.com/networkoptix/nx-system-tests-sub010/usbip"
)

const sysPathPrefix = "/sys/devices/pci0000:00/0000:00:01.2"

// State is the attach state of a device.
type State int

const (
	Free State = iota
	Attached
)

func (s State) String() string {
	if s == Attached {
		return "attached"
	}
	return "free"
}

// Device is one emulated USB device owned by a registry.
type Device struct {
	busID  string
	busNum uint32
	devNum uint32
	sizeMB int
	dev    *usb.Device

	// guarded by the registry mutex
	lease *Lease
}

// DeviceInfo is a point-in-time view of a device.
type DeviceInfo struct {
	BusID  string `json:"bus_id"`
	BusNum uint32 `json:"busnum"`
	DevNum uint32 `json:"devnum"`
	SizeMB int    `json:"size_mb"`
	State  State  `json:"state"`

	Exported usbip.ExportedDevice `json:"-"`
}

func (d *Device) state() State {
	if d.lease != nil {
		return Attached
	}
	return Free
}

func (d *Device) info() DeviceInfo {
	return DeviceInfo{
		BusID:    d.busID,
		BusNum:   d.busNum,
		DevNum:   d.devNum,
		SizeMB:   d.sizeMB,
		State:    d.state(),
		Exported: d.exported(),
	}
}

func (d *Device) description() usbip.DeviceDescription {
	desc := d.dev.Descriptor()
	cfg := d.dev.Configuration()
	major := desc.BCDUSB >> 8
	out := usbip.DeviceDescription{
		BusNum:                   d.busNum,
		DevNum:                   d.devNum,
		Speed:                    usbip.SpeedFull,
		Vendor:                   desc.Vendor,
		Product:                  desc.Product,
		BCDDevice:                desc.BCDDevice,
		DeviceClass:              desc.DeviceClass,
		DeviceSubClass:           desc.DeviceSubClass,
		DeviceProtocol:           desc.DeviceProtocol,
		DeviceConfigurationValue: cfg.Descriptor.ConfigurationValue,
		NumConfigurations:        desc.NumConfigurations,
		NumInterfaces:            uint8(len(cfg.Interfaces)),
	}
	if d.dev.HighSpeed() {
		out.Speed = usbip.SpeedHigh
	}
	copy(out.Path[:], fmt.Sprintf("%s/usb%d/%s", sysPathPrefix, major, d.busID))
	copy(out.BusId[:], d.busID)
	return out
}

func (d *Device) exported() usbip.ExportedDevice {
	cfg := d.dev.Configuration()
	ifaces := make([]usbip.InterfaceDescription, 0, len(cfg.Interfaces))
	for _, iface := range cfg.Interfaces {
		ifaces = append(ifaces, usbip.InterfaceDescription{
			InterfaceClass:    iface.Descriptor.InterfaceClass,
			InterfaceSubClass: iface.Descriptor.InterfaceSubClass,
			InterfaceProtocol: iface.Descriptor.InterfaceProtocol,
		})
	}
	return usbip.ExportedDevice{Description: d.description(), Interfaces: ifaces}
}
