package usbip

import (
	"encoding/binary"

	"github.com/efficientgo/core/errors"
)

type usbipImportRequest struct {
	OpHeader
	BusId [32]byte
}

// ImportRequest attaches the connection to busId. After a successful import the
// connection only carries CMD_SUBMIT and CMD_UNLINK traffic.
func (c *Connection) ImportRequest(busId string) (*DeviceDescription, error) {
	var busIdBin [32]byte
	copy(busIdBin[:], busId)

	conn := c.connection

	if err := c.armDeadline(); err != nil {
		return nil, err
	}

	err := binary.Write(
		conn, binary.BigEndian,
		usbipImportRequest{
			OpHeader{ProtocolVersion, OpReqImport, StatusOK},
			busIdBin,
		},
	)

	if err != nil {
		return nil, errors.Wrap(err, "failed to write import command")
	}

	hdr := OpHeader{}
	if err := binary.Read(conn, binary.BigEndian, &hdr); err != nil {
		return nil, errors.Wrap(err, "failed to read import response")
	}
	if hdr.Status != StatusOK {
		return nil, &OpError{OpRepImport, hdr.Status}
	}

	desc := &DeviceDescription{}
	if err := binary.Read(conn, binary.BigEndian, desc); err != nil {
		return nil, errors.Wrap(err, "failed to read imported device")
	}
	if desc.BusId != busIdBin {
		return nil, errors.New("import command returned unexpected busId")
	}

	return desc, nil
}
