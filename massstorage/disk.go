// Package massstorage implements a USB mass storage function speaking the
// Bulk-Only Transport with a SCSI block command set.
package massstorage

import (
	"fmt"
	"strings"

	"github.com/c2h5oh/datasize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/networkoptix/nx-system-tests-sub010/usb"
)

const (
	BlockSize = 512

	InterfaceClass    = 0x08
	InterfaceSubClass = 0x06 // SCSI transparent command set
	InterfaceProtocol = 0x50 // bulk-only

	EndpointIn  = 0x81
	EndpointOut = 0x02

	maxPacketSize = 512

	requestBulkOnlyReset = 0xff
	requestGetMaxLUN     = 0xfe

	Vendor   = "VIRTUSB"
	Revision = "0001"

	VendorID  = 0x1209
	ProductID = 0x0001
)

type botState int

const (
	stateCommand botState = iota
	stateData
	stateStatus
)

func (s botState) String() string {
	switch s {
	case stateCommand:
		return "command"
	case stateData:
		return "data"
	case stateStatus:
		return "status"
	}
	return "unknown"
}

// Disk is a single-LUN mass storage function.
type Disk struct {
	target *target
	logger log.Logger

	state    botState
	cbw      *commandBlockWrapper
	dataOut  []byte
	result   *commandResult
	sent     uint32
	received uint32
}

// NewDisk returns a mass storage function serving backend.
func NewDisk(backend Backend, logger log.Logger) *Disk {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	size := datasize.ByteSize(backend.Size())
	return &Disk{
		target: newTarget(backend, BlockSize, Vendor, fmt.Sprintf("Virtual %s", size.HR()), Revision),
		logger: logger,
	}
}

// NewDevice wraps a disk in a high speed USB device with a random serial number.
func NewDevice(backend Backend, logger log.Logger) (*usb.Device, error) {
	return usb.NewDevice(usb.DeviceDescriptor{
		BCDUSB:         0x0200,
		MaxPacketSize0: 64,
		Vendor:         VendorID,
		Product:        ProductID,
		BCDDevice:      0x0100,
	}, usb.Strings{
		Manufacturer: Vendor,
		Product:      "Virtual Mass Storage",
		Serial:       NewSerialNumber(),
	}, NewDisk(backend, logger), logger)
}

// NewSerialNumber returns 12 random hex digits.
func NewSerialNumber() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func (d *Disk) Interfaces() []usb.Interface {
	return []usb.Interface{{
		Descriptor: usb.InterfaceDescriptor{
			InterfaceClass:    InterfaceClass,
			InterfaceSubClass: InterfaceSubClass,
			InterfaceProtocol: InterfaceProtocol,
		},
		Endpoints: []usb.EndpointDescriptor{
			{Address: EndpointIn, Attributes: usb.TransferTypeBulk, MaxPacketSize: maxPacketSize},
			{Address: EndpointOut, Attributes: usb.TransferTypeBulk, MaxPacketSize: maxPacketSize},
		},
	}}
}

// HandleClassControl serves GET MAX LUN and BULK-ONLY MASS STORAGE RESET.
func (d *Disk) HandleClassControl(setup usb.SetupPacket, _ []byte) usb.Reply {
	if setup.Type() != usb.RequestTypeClass || setup.Recipient() != usb.RequestRecipientInterface {
		return nil
	}
	switch setup.Request {
	case requestGetMaxLUN:
		return usb.Completion{Data: []byte{0}}
	case requestBulkOnlyReset:
		d.reset()
		return usb.Completion{}
	}
	return nil
}

// HandleData drives the Bulk-Only Transport. Host to device transfers are
// acknowledged; device to host transfers carry command data or the CSW.
func (d *Disk) HandleData(data []byte, endpoint uint32, transferLength uint32) usb.Reply {
	switch endpoint {
	case EndpointOut & 0x0f:
		return d.handleOut(data)
	case EndpointIn & 0x0f:
		return d.handleIn(transferLength)
	}
	_ = level.Warn(d.logger).Log("msg", "transfer on unknown endpoint", "endpoint", endpoint)
	return usb.Stall()
}

// Reset abandons any command in progress and clears pending sense data.
func (d *Disk) Reset() {
	d.reset()
	d.target.sense = sense{}
	d.target.prevent = false
}

func (d *Disk) Close() error {
	return d.target.backend.Close()
}

func (d *Disk) reset() {
	d.state = stateCommand
	d.cbw = nil
	d.dataOut = nil
	d.result = nil
	d.sent = 0
	d.received = 0
}

func (d *Disk) handleOut(data []byte) usb.Reply {
	ack := usb.Ack{Length: uint32(len(data))}
	switch d.state {
	case stateStatus:
		// The host skipped the status stage; start over with a new command.
		_ = level.Debug(d.logger).Log("msg", "command block received while status is pending")
		d.reset()
		return d.handleCommand(data)
	case stateCommand:
		return d.handleCommand(data)
	}

	if d.cbw.dataIn() {
		d.result = &commandResult{status: cswStatusPhaseError}
		d.state = stateStatus
		return usb.Stall()
	}
	// No command takes more data than the medium holds; the excess is counted but dropped.
	if room := d.target.backend.Size() - int64(len(d.dataOut)); room > 0 {
		d.dataOut = append(d.dataOut, data[:min(int64(len(data)), room)]...)
	}
	d.received += uint32(len(data))
	if d.received >= d.cbw.DataTransferLength {
		d.run(d.dataOut)
		d.state = stateStatus
	}
	return ack
}

func (d *Disk) handleCommand(data []byte) usb.Reply {
	cbw, err := parseCBW(data)
	if err != nil {
		_ = level.Warn(d.logger).Log("msg", "invalid command block wrapper", "err", err)
		return usb.Stall()
	}
	d.cbw = cbw
	_ = level.Debug(d.logger).Log("msg", "command", "opcode", fmt.Sprintf("%#02x", cbw.CB[0]), "tag", cbw.Tag, "length", cbw.DataTransferLength)
	switch {
	case cbw.DataTransferLength == 0:
		d.run(nil)
		d.state = stateStatus
	case cbw.dataIn():
		d.state = stateData
	default:
		d.dataOut = make([]byte, 0, min(int64(cbw.DataTransferLength), d.target.backend.Size()))
		d.state = stateData
	}
	return usb.Ack{Length: uint32(len(data))}
}

func (d *Disk) run(dataOut []byte) {
	res := d.target.execute(d.cbw.CB, dataOut)
	if res.status != cswStatusPassed {
		_ = level.Debug(d.logger).Log("msg", "command failed", "opcode", fmt.Sprintf("%#02x", d.cbw.CB[0]), "sense_key", d.target.sense.key, "asc", d.target.sense.asc)
	}
	d.result = &res
}

func (d *Disk) handleIn(transferLength uint32) usb.Reply {
	switch d.state {
	case stateCommand:
		return usb.Stall()
	case stateStatus:
		return d.status()
	}

	if !d.cbw.dataIn() {
		d.result = &commandResult{status: cswStatusPhaseError}
		d.state = stateStatus
		return usb.Stall()
	}
	if d.result == nil {
		d.run(nil)
		if d.result.status != cswStatusPassed && len(d.result.data) == 0 {
			if transferLength < cswSize {
				d.state = stateStatus
				return usb.Completion{}
			}
			// Skip the data stage; the host accepts a CSW in its place.
			return d.status()
		}
	}
	data := d.result.data
	if limit := d.cbw.DataTransferLength; uint32(len(data)) > limit {
		data = data[:limit]
	}
	rest := data[min(int(d.sent), len(data)):]
	chunk := rest[:min(len(rest), int(transferLength))]
	d.sent += uint32(len(chunk))
	if len(chunk) < int(transferLength) || d.sent >= d.cbw.DataTransferLength || int(d.sent) >= len(data) {
		d.state = stateStatus
	}
	return usb.Completion{Data: chunk}
}

func (d *Disk) status() usb.Reply {
	status := uint8(cswStatusPhaseError)
	if d.result != nil {
		status = d.result.status
	}
	moved := d.sent
	if !d.cbw.dataIn() {
		moved = min(d.received, d.cbw.DataTransferLength)
	}
	csw := marshalCSW(d.cbw.Tag, d.cbw.DataTransferLength-moved, status)
	d.reset()
	return usb.Completion{Data: csw}
}
