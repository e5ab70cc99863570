package usbip

import (
	"bytes"
	"encoding/binary"
	baseerrors "errors"
	"fmt"
	"io"

	"github.com/efficientgo/core/errors"
)

// maxTransferLength bounds the OUT payload accepted with a single CMD_SUBMIT.
const maxTransferLength = 16 << 20

var (
	// ErrConnectionClosed is returned when the peer closed the connection between messages.
	ErrConnectionClosed = errors.New("connection closed by peer")
	// ErrTruncatedHeader is returned when the connection ended inside a fixed-size header.
	ErrTruncatedHeader = errors.New("truncated header")
	// ErrUnknownCommand is returned for post-import messages other than CMD_SUBMIT and CMD_UNLINK.
	ErrUnknownCommand = errors.New("unknown command")
)

// TruncatedBodyError is returned when the connection ended inside the OUT payload of a CMD_SUBMIT.
// The header was complete, so the submit can still be answered.
type TruncatedBodyError struct {
	Seqnum   uint32
	Endpoint uint32
	Want     int
	Got      int
}

func (e *TruncatedBodyError) Error() string {
	return fmt.Sprintf("truncated body for seqnum %d: got %d of %d bytes", e.Seqnum, e.Got, e.Want)
}

// Message is a decoded post-import client message: *Submit or *UnlinkRequest.
type Message interface {
	Basic() HeaderBasic
}

func (s *Submit) Basic() HeaderBasic        { return s.HeaderBasic }
func (u *UnlinkRequest) Basic() HeaderBasic { return u.HeaderBasic }

// ExportedDevice is one DEVLIST entry.
type ExportedDevice struct {
	Description DeviceDescription
	Interfaces  []InterfaceDescription
}

func readHeader(r io.Reader, buf []byte) error {
	n, err := io.ReadFull(r, buf)
	switch {
	case err == nil:
		return nil
	case n == 0 && baseerrors.Is(err, io.EOF):
		return ErrConnectionClosed
	case baseerrors.Is(err, io.ErrUnexpectedEOF):
		return errors.Wrapf(ErrTruncatedHeader, "got %d of %d bytes", n, len(buf))
	default:
		return errors.Wrap(err, "failed to read header")
	}
}

func decode(buf []byte, v interface{}) error {
	return binary.Read(bytes.NewReader(buf), binary.BigEndian, v)
}

// ReadOpHeader reads the header of a DEVLIST or IMPORT request.
func ReadOpHeader(r io.Reader) (OpHeader, error) {
	var hdr OpHeader
	buf := make([]byte, opHeaderSize)
	if err := readHeader(r, buf); err != nil {
		return hdr, err
	}
	if err := decode(buf, &hdr); err != nil {
		return hdr, errors.Wrap(err, "failed to decode op header")
	}
	return hdr, nil
}

// ReadImportBusId reads the bus id that follows an OP_REQ_IMPORT header.
func ReadImportBusId(r io.Reader) (string, error) {
	var busId [32]byte
	if err := readHeader(r, busId[:]); err != nil {
		if baseerrors.Is(err, ErrConnectionClosed) {
			return "", errors.Wrap(ErrTruncatedHeader, "import request without bus id")
		}
		return "", err
	}
	return cString(busId[:]), nil
}

// ReadMessage reads the next CMD_SUBMIT or CMD_UNLINK. CMD_SUBMIT payloads are
// read only for OUT transfers.
func ReadMessage(r io.Reader) (Message, error) {
	buf := make([]byte, cmdHeaderSize)
	if err := readHeader(r, buf); err != nil {
		return nil, err
	}
	switch cmd := Command(binary.BigEndian.Uint32(buf)); cmd {
	case CmdSubmit:
		s := &Submit{}
		if err := decode(buf, &s.SubmitRequest); err != nil {
			return nil, errors.Wrap(err, "failed to decode submit header")
		}
		if s.Direction != DirOut || s.TransferBufferLength == 0 {
			return s, nil
		}
		if s.TransferBufferLength > maxTransferLength {
			return nil, errors.Newf("transfer length %d exceeds limit of %d bytes", s.TransferBufferLength, maxTransferLength)
		}
		s.Data = make([]byte, s.TransferBufferLength)
		if n, err := io.ReadFull(r, s.Data); err != nil {
			if baseerrors.Is(err, io.EOF) || baseerrors.Is(err, io.ErrUnexpectedEOF) {
				return nil, &TruncatedBodyError{Seqnum: s.Seqnum, Endpoint: s.Endpoint, Want: len(s.Data), Got: n}
			}
			return nil, errors.Wrap(err, "failed to read submit body")
		}
		return s, nil
	case CmdUnlink:
		u := &UnlinkRequest{}
		if err := decode(buf, u); err != nil {
			return nil, errors.Wrap(err, "failed to decode unlink header")
		}
		return u, nil
	default:
		return nil, errors.Wrapf(ErrUnknownCommand, "command %d", cmd)
	}
}

// WriteDevlistReply writes OP_REP_DEVLIST with every device followed by its interfaces.
func WriteDevlistReply(w io.Writer, devices []ExportedDevice) error {
	err := binary.Write(w, binary.BigEndian, usbipDevlistResponseHeader{
		OpHeader{ProtocolVersion, OpRepDevlist, StatusOK},
		uint32(len(devices)),
	})
	if err != nil {
		return errors.Wrap(err, "failed to write devlist header")
	}
	for _, dev := range devices {
		desc := dev.Description
		desc.NumInterfaces = uint8(len(dev.Interfaces))
		if err := binary.Write(w, binary.BigEndian, desc); err != nil {
			return errors.Wrap(err, "failed to write devlist entry")
		}
		for _, iface := range dev.Interfaces {
			if err := binary.Write(w, binary.BigEndian, iface); err != nil {
				return errors.Wrap(err, "failed to write devlist interfaces")
			}
		}
	}
	return nil
}

// WriteImportReply writes OP_REP_IMPORT. The device description follows only on success.
func WriteImportReply(w io.Writer, status OpStatus, desc *DeviceDescription) error {
	if err := binary.Write(w, binary.BigEndian, OpHeader{ProtocolVersion, OpRepImport, status}); err != nil {
		return errors.Wrap(err, "failed to write import header")
	}
	if status != StatusOK || desc == nil {
		return nil
	}
	if err := binary.Write(w, binary.BigEndian, desc); err != nil {
		return errors.Wrap(err, "failed to write import device")
	}
	return nil
}

// WriteSubmitReply writes RET_SUBMIT carrying data as the IN payload.
func WriteSubmitReply(w io.Writer, seqnum, endpoint uint32, status int32, data []byte) error {
	hdr := SubmitReply{
		HeaderBasic:  HeaderBasic{Command: RetSubmit, Seqnum: seqnum, Endpoint: endpoint},
		Status:       status,
		ActualLength: uint32(len(data)),
	}
	if err := binary.Write(w, binary.BigEndian, hdr); err != nil {
		return errors.Wrap(err, "failed to write submit reply")
	}
	if len(data) == 0 {
		return nil
	}
	if _, err := w.Write(data); err != nil {
		return errors.Wrap(err, "failed to write submit reply data")
	}
	return nil
}

// WriteAck writes RET_SUBMIT acknowledging length bytes of an OUT transfer, without payload.
func WriteAck(w io.Writer, seqnum, length uint32) error {
	hdr := SubmitReply{
		HeaderBasic:  HeaderBasic{Command: RetSubmit, Seqnum: seqnum},
		ActualLength: length,
	}
	if err := binary.Write(w, binary.BigEndian, hdr); err != nil {
		return errors.Wrap(err, "failed to write ack")
	}
	return nil
}

// WriteUnlinkReply writes RET_UNLINK.
func WriteUnlinkReply(w io.Writer, seqnum uint32, status int32) error {
	hdr := UnlinkReply{
		HeaderBasic: HeaderBasic{Command: RetUnlink, Seqnum: seqnum},
		Status:      status,
	}
	if err := binary.Write(w, binary.BigEndian, hdr); err != nil {
		return errors.Wrap(err, "failed to write unlink reply")
	}
	return nil
}
