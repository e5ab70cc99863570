package usb

import (
	"bytes"
	"encoding/binary"

	"github.com/efficientgo/core/errors"
	"golang.org/x/text/encoding/unicode"
)

// Descriptor types.
const (
	DescriptorTypeDevice          = 0x01
	DescriptorTypeConfiguration   = 0x02
	DescriptorTypeString          = 0x03
	DescriptorTypeInterface       = 0x04
	DescriptorTypeEndpoint        = 0x05
	DescriptorTypeDeviceQualifier = 0x06
)

const (
	deviceDescriptorSize    = 18
	configDescriptorSize    = 9
	interfaceDescriptorSize = 9
	endpointDescriptorSize  = 7
	qualifierDescriptorSize = 10

	// LanguageEnglishUS is the only language offered in string descriptor zero.
	LanguageEnglishUS = 0x0409
)

// Endpoint attributes.
const (
	TransferTypeControl     = 0x00
	TransferTypeIsochronous = 0x01
	TransferTypeBulk        = 0x02
	TransferTypeInterrupt   = 0x03
)

type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	BCDUSB            uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	Vendor            uint16
	Product           uint16
	BCDDevice         uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialIndex       uint8
	NumConfigurations uint8
}

type ConfigurationDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8
}

type InterfaceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8
}

type EndpointDescriptor struct {
	Length         uint8
	DescriptorType uint8
	Address        uint8
	Attributes     uint8
	MaxPacketSize  uint16
	Interval       uint8
}

type QualifierDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	BCDUSB            uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	NumConfigurations uint8
	_                 uint8
}

// Interface is one interface of the device's configuration together with its endpoints.
type Interface struct {
	Descriptor InterfaceDescriptor
	Endpoints  []EndpointDescriptor
}

// Configuration is the single configuration a device exposes.
type Configuration struct {
	Descriptor ConfigurationDescriptor
	Interfaces []Interface
}

// Strings holds the values of string descriptors 1 to 3.
type Strings struct {
	Manufacturer string
	Product      string
	Serial       string
}

func marshal(parts ...interface{}) []byte {
	buf := &bytes.Buffer{}
	for _, p := range parts {
		// bytes.Buffer writes cannot fail and every part is a fixed-size struct.
		_ = binary.Write(buf, binary.LittleEndian, p)
	}
	return buf.Bytes()
}

func (d DeviceDescriptor) Bytes() []byte {
	d.Length = deviceDescriptorSize
	d.DescriptorType = DescriptorTypeDevice
	return marshal(d)
}

// Qualifier returns the device qualifier derived from the device descriptor.
func (d DeviceDescriptor) Qualifier() QualifierDescriptor {
	return QualifierDescriptor{
		Length:            qualifierDescriptorSize,
		DescriptorType:    DescriptorTypeDeviceQualifier,
		BCDUSB:            d.BCDUSB,
		DeviceClass:       d.DeviceClass,
		DeviceSubClass:    d.DeviceSubClass,
		DeviceProtocol:    d.DeviceProtocol,
		MaxPacketSize0:    d.MaxPacketSize0,
		NumConfigurations: d.NumConfigurations,
	}
}

func (q QualifierDescriptor) Bytes() []byte {
	return marshal(q)
}

// Bytes returns the configuration descriptor followed by every interface and
// endpoint descriptor, with the counts and total length filled in.
func (c Configuration) Bytes() []byte {
	parts := []interface{}{nil}
	total := configDescriptorSize
	for _, iface := range c.Interfaces {
		id := iface.Descriptor
		id.Length = interfaceDescriptorSize
		id.DescriptorType = DescriptorTypeInterface
		id.NumEndpoints = uint8(len(iface.Endpoints))
		parts = append(parts, id)
		total += interfaceDescriptorSize
		for _, ep := range iface.Endpoints {
			ep.Length = endpointDescriptorSize
			ep.DescriptorType = DescriptorTypeEndpoint
			parts = append(parts, ep)
			total += endpointDescriptorSize
		}
	}
	cd := c.Descriptor
	cd.Length = configDescriptorSize
	cd.DescriptorType = DescriptorTypeConfiguration
	cd.NumInterfaces = uint8(len(c.Interfaces))
	cd.TotalLength = uint16(total)
	parts[0] = cd
	return marshal(parts...)
}

// StringDescriptor encodes s as a UTF-16LE string descriptor.
func StringDescriptor(s string) ([]byte, error) {
	enc := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	body, err := enc.Bytes([]byte(s))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode string descriptor %q", s)
	}
	if len(body) > 253 {
		return nil, errors.Newf("string descriptor %q is too long", s)
	}
	return append([]byte{uint8(2 + len(body)), DescriptorTypeString}, body...), nil
}

// LanguageDescriptor is string descriptor zero.
func LanguageDescriptor() []byte {
	return []byte{4, DescriptorTypeString, LanguageEnglishUS & 0xff, LanguageEnglishUS >> 8}
}
