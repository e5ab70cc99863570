package usbip

import (
	"encoding/binary"

	"github.com/efficientgo/core/errors"
)

const maxInterfaces = 32

type usbipDevlistResponseHeader struct {
	OpHeader
	NumDevices uint32
}

func (c *Connection) ListRequest() ([]Device, error) {
	var conn = c.connection

	if err := c.armDeadline(); err != nil {
		return nil, err
	}

	err := binary.Write(
		conn, binary.BigEndian,
		OpHeader{ProtocolVersion, OpReqDevlist, StatusOK},
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to write devlist command")
	}

	hdr := usbipDevlistResponseHeader{}
	err = binary.Read(conn, binary.BigEndian, &hdr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response to devlist command")
	}

	if hdr.Status != StatusOK {
		return nil, &OpError{OpRepDevlist, hdr.Status}
	}

	devices := make([]Device, hdr.NumDevices)
	dev := DeviceDescription{}
	for devIx := 0; devIx < int(hdr.NumDevices); devIx++ {
		err = binary.Read(conn, binary.BigEndian, &dev)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read devices in devlist response")
		}
		if dev.NumInterfaces > maxInterfaces {
			return nil, errors.New("unexpected number of interfaces in devlist response")
		}
		ifaces := make([]InterfaceDescription, dev.NumInterfaces)
		if err := binary.Read(conn, binary.BigEndian, ifaces); err != nil {
			return nil, errors.Wrap(err, "devlist entry ended early")
		}
		devices[devIx] = Device{
			Vendor:     USBID(dev.Vendor),
			Product:    USBID(dev.Product),
			BusId:      dev.BusIdString(),
			Interfaces: ifaces,
		}
	}

	return devices, nil
}
