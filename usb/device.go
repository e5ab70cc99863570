package usb

import (
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Function is the class-specific part of a device.
type Function interface {
	// Interfaces describes the interfaces of the single configuration.
	Interfaces() []Interface
	// HandleClassControl serves class and vendor requests. It returns nil for requests it does not know.
	HandleClassControl(setup SetupPacket, data []byte) Reply
	// HandleData serves a transfer on a non-control endpoint.
	HandleData(data []byte, endpoint uint32, transferLength uint32) Reply
	// Reset drops all transfer state, as after a bus reset.
	Reset()
	// Close releases resources held by the function.
	Close() error
}

// Device answers standard control requests and forwards everything else to its Function.
// A Device is driven by one session at a time.
type Device struct {
	descriptor    DeviceDescriptor
	configuration Configuration
	strings       [][]byte
	function      Function
	logger        log.Logger

	activeConfiguration uint8
}

// NewDevice builds a device exposing a single configuration made of fn's interfaces.
func NewDevice(desc DeviceDescriptor, strs Strings, fn Function, logger log.Logger) (*Device, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	d := &Device{
		descriptor: desc,
		configuration: Configuration{
			Descriptor: ConfigurationDescriptor{
				ConfigurationValue: 1,
				Attributes:         0x80,
				MaxPower:           0x32,
			},
			Interfaces: fn.Interfaces(),
		},
		strings:  [][]byte{LanguageDescriptor()},
		function: fn,
		logger:   logger,
	}
	d.descriptor.NumConfigurations = 1
	for _, s := range []struct {
		val   string
		index *uint8
	}{
		{strs.Manufacturer, &d.descriptor.ManufacturerIndex},
		{strs.Product, &d.descriptor.ProductIndex},
		{strs.Serial, &d.descriptor.SerialIndex},
	} {
		if s.val == "" {
			*s.index = 0
			continue
		}
		raw, err := StringDescriptor(s.val)
		if err != nil {
			return nil, err
		}
		d.strings = append(d.strings, raw)
		*s.index = uint8(len(d.strings) - 1)
	}
	return d, nil
}

func (d *Device) Descriptor() DeviceDescriptor { return d.descriptor }

func (d *Device) Configuration() Configuration { return d.configuration }

// HighSpeed reports whether the device advertises USB 2.0 and so answers GET_DESCRIPTOR(DEVICE_QUALIFIER).
func (d *Device) HighSpeed() bool { return d.descriptor.BCDUSB >= 0x0200 }

// HandleControl serves a transfer on endpoint zero.
func (d *Device) HandleControl(setup SetupPacket, data []byte) Reply {
	if setup.Type() == RequestTypeStandard {
		if r := d.handleStandard(setup); r != nil {
			return r
		}
	}
	if r := d.function.HandleClassControl(setup, data); r != nil {
		return r
	}
	_ = level.Warn(d.logger).Log("msg", "unsupported control request; stalling", "setup", setup.String())
	return Stall()
}

// HandleData serves a transfer on any other endpoint.
func (d *Device) HandleData(data []byte, endpoint uint32, transferLength uint32) Reply {
	return d.function.HandleData(data, endpoint, transferLength)
}

// Reset returns the device to the unconfigured state a new host finds it in.
func (d *Device) Reset() {
	d.activeConfiguration = 0
	d.function.Reset()
}

// Close releases the function's resources.
func (d *Device) Close() error {
	if err := d.function.Close(); err != nil {
		return errors.Wrap(err, "failed to close device function")
	}
	return nil
}

func (d *Device) handleStandard(setup SetupPacket) Reply {
	switch setup.Request {
	case RequestGetDescriptor:
		return d.getDescriptor(setup)
	case RequestGetStatus:
		// Self powered for the device; zero for interfaces and endpoints.
		if setup.Recipient() == RequestRecipientDevice {
			return Completion{Data: truncate([]byte{0x01, 0x00}, setup.Length)}
		}
		return Completion{Data: truncate([]byte{0x00, 0x00}, setup.Length)}
	case RequestGetConfiguration:
		return Completion{Data: truncate([]byte{d.activeConfiguration}, setup.Length)}
	case RequestSetConfiguration:
		value := uint8(setup.Value)
		if value != 0 && value != d.configuration.Descriptor.ConfigurationValue {
			return nil
		}
		d.activeConfiguration = value
		return Completion{}
	case RequestGetInterface:
		return Completion{Data: truncate([]byte{0}, setup.Length)}
	case RequestSetInterface:
		if setup.Value != 0 {
			return nil
		}
		return Completion{}
	case RequestClearFeature, RequestSetFeature, RequestSetAddress:
		return Completion{}
	}
	return nil
}

func (d *Device) getDescriptor(setup SetupPacket) Reply {
	index := setup.DescriptorIndex()
	switch setup.DescriptorType() {
	case DescriptorTypeDevice:
		return Completion{Data: truncate(d.descriptor.Bytes(), setup.Length)}
	case DescriptorTypeConfiguration:
		if index != 0 {
			return nil
		}
		return Completion{Data: truncate(d.configuration.Bytes(), setup.Length)}
	case DescriptorTypeString:
		if int(index) >= len(d.strings) {
			_ = level.Warn(d.logger).Log("msg", "invalid string descriptor index", "index", index, "available", len(d.strings))
			return nil
		}
		return Completion{Data: truncate(d.strings[index], setup.Length)}
	case DescriptorTypeDeviceQualifier:
		if !d.HighSpeed() {
			return nil
		}
		return Completion{Data: truncate(d.descriptor.Qualifier().Bytes(), setup.Length)}
	}
	return nil
}
