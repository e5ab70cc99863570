package registry

import (
	"github.com/networkoptix/nx-system-tests-sub010/usb"
	"github.com/networkoptix/nx-system-tests-sub010/usbip"
)

// Lease is exclusive ownership of an attached device. Returning it to the
// registry is the only way for the device to become free again.
type Lease struct {
	registry *Registry
	device   *Device
}

// BusID is the bus id of the leased device.
func (l *Lease) BusID() string { return l.device.busID }

// Device is the USB device to drive while the lease is held.
func (l *Lease) Device() *usb.Device { return l.device.dev }

// Description is the device record sent in OP_REP_IMPORT.
func (l *Lease) Description() usbip.DeviceDescription { return l.device.description() }

// Release returns the lease. Releasing more than once has no effect.
func (l *Lease) Release() {
	l.registry.Release(l)
}
