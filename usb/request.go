package usb

import (
	"encoding/binary"
	"fmt"
)

// Standard request codes.
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
	RequestGetInterface     = 0x0A
	RequestSetInterface     = 0x0B
)

const (
	RequestDirectionMask = 0x80
	RequestTypeMask      = 0x60
	RequestRecipientMask = 0x1F

	RequestDirectionIn = 0x80

	RequestTypeStandard = 0x00
	RequestTypeClass    = 0x20
	RequestTypeVendor   = 0x40

	RequestRecipientDevice    = 0x00
	RequestRecipientInterface = 0x01
	RequestRecipientEndpoint  = 0x02
)

// SetupPacket is the 8-byte setup stage of a control transfer.
// Multi-byte fields are little endian on the wire.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// ParseSetup decodes the setup field of a CMD_SUBMIT.
func ParseSetup(raw [8]byte) SetupPacket {
	return SetupPacket{
		RequestType: raw[0],
		Request:     raw[1],
		Value:       binary.LittleEndian.Uint16(raw[2:4]),
		Index:       binary.LittleEndian.Uint16(raw[4:6]),
		Length:      binary.LittleEndian.Uint16(raw[6:8]),
	}
}

// Bytes encodes the packet in wire order.
func (s SetupPacket) Bytes() [8]byte {
	var raw [8]byte
	raw[0] = s.RequestType
	raw[1] = s.Request
	binary.LittleEndian.PutUint16(raw[2:4], s.Value)
	binary.LittleEndian.PutUint16(raw[4:6], s.Index)
	binary.LittleEndian.PutUint16(raw[6:8], s.Length)
	return raw
}

func (s SetupPacket) Type() uint8 { return s.RequestType & RequestTypeMask }

func (s SetupPacket) Recipient() uint8 { return s.RequestType & RequestRecipientMask }

func (s SetupPacket) DeviceToHost() bool { return s.RequestType&RequestDirectionMask == RequestDirectionIn }

// DescriptorType is the high byte of wValue in GET_DESCRIPTOR.
func (s SetupPacket) DescriptorType() uint8 { return uint8(s.Value >> 8) }

// DescriptorIndex is the low byte of wValue in GET_DESCRIPTOR.
func (s SetupPacket) DescriptorIndex() uint8 { return uint8(s.Value) }

func (s SetupPacket) String() string {
	return fmt.Sprintf("bmRequestType=%#02x bRequest=%#02x wValue=%#04x wIndex=%#04x wLength=%d",
		s.RequestType, s.Request, s.Value, s.Index, s.Length)
}
