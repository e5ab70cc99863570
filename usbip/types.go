package usbip

import (
	"net"
)

// ProtocolVersion is the USB/IP protocol version spoken by the Linux vhci-hcd client.
const ProtocolVersion uint16 = 0x0111

// OpCode identifies an operation exchanged before a device is imported.
type OpCode uint16

const (
	OpReqDevlist OpCode = 0x8005
	OpRepDevlist OpCode = 0x0005
	OpReqImport  OpCode = 0x8003
	OpRepImport  OpCode = 0x0003
)

// OpStatus is the status word carried by operation replies.
type OpStatus uint32

const (
	StatusOK OpStatus = iota
	StatusNA
	StatusDeviceUsed
	StatusDeviceError
	StatusNoDevice
	StatusError
)

// Command identifies a message exchanged after a device is imported.
type Command uint32

const (
	CmdSubmit Command = 1
	CmdUnlink Command = 2
	RetSubmit Command = 3
	RetUnlink Command = 4
)

type Direction uint32

const (
	DirOut Direction = 0
	DirIn  Direction = 1
)

type Speed uint32

const (
	SpeedUnknown Speed = iota
	SpeedLow
	SpeedFull
	SpeedHigh
	SpeedWireless
	SpeedSuper
)

// USBID is a representation of a platform or vendor ID under the USB standard (see gousb.ID)
type USBID uint16

type Target struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type Connection struct {
	Target     Target
	connection net.Conn
}

type Device struct {
	// Vendor is the USB Vendor ID of the device.
	Vendor USBID `json:"vendor"`
	// Product is the USB Product ID of the device.
	Product USBID `json:"product"`
	// BusId describes USB Bus ID of the device.
	BusId string `json:"bus_id"`
	// Interfaces lists class triples of the device's interfaces.
	Interfaces []InterfaceDescription `json:"interfaces,omitempty"`
}

// OpHeader precedes every DEVLIST and IMPORT message.
type OpHeader struct {
	Version uint16
	Code    OpCode
	Status  OpStatus
}

// DeviceDescription is the fixed-size device record used by DEVLIST and IMPORT replies.
type DeviceDescription struct {
	Path                     [256]byte
	BusId                    [32]byte
	BusNum                   uint32
	DevNum                   uint32
	Speed                    Speed
	Vendor                   uint16
	Product                  uint16
	BCDDevice                uint16
	DeviceClass              uint8
	DeviceSubClass           uint8
	DeviceProtocol           uint8
	DeviceConfigurationValue uint8
	NumConfigurations        uint8
	NumInterfaces            uint8
}

// BusIdString returns the bus id without its NUL padding.
func (d *DeviceDescription) BusIdString() string {
	return cString(d.BusId[:])
}

type InterfaceDescription struct {
	InterfaceClass    uint8 `json:"class"`
	InterfaceSubClass uint8 `json:"subclass"`
	InterfaceProtocol uint8 `json:"protocol"`
	_                 uint8
}

// HeaderBasic is shared by all post-import messages.
type HeaderBasic struct {
	Command   Command
	Seqnum    uint32
	DevID     uint32
	Direction Direction
	Endpoint  uint32
}

// SubmitRequest is the 48-byte CMD_SUBMIT header.
type SubmitRequest struct {
	HeaderBasic
	TransferFlags        uint32
	TransferBufferLength uint32
	StartFrame           int32
	NumberOfPackets      int32
	Interval             int32
	Setup                [8]byte
}

// SubmitReply is the 48-byte RET_SUBMIT header.
type SubmitReply struct {
	HeaderBasic
	Status          int32
	ActualLength    uint32
	StartFrame      int32
	NumberOfPackets int32
	ErrorCount      int32
	_               [8]byte
}

// UnlinkRequest is the 48-byte CMD_UNLINK header.
type UnlinkRequest struct {
	HeaderBasic
	UnlinkSeqnum uint32
	_            [24]byte
}

// UnlinkReply is the 48-byte RET_UNLINK header.
type UnlinkReply struct {
	HeaderBasic
	Status int32
	_      [24]byte
}

// Submit is a decoded CMD_SUBMIT together with its OUT payload.
type Submit struct {
	SubmitRequest
	Data []byte
}

const (
	opHeaderSize  = 8
	cmdHeaderSize = 48
)

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
