package massstorage

import (
	"encoding/binary"

	"github.com/efficientgo/core/errors"
)

const (
	cbwSignature = 0x43425355
	cswSignature = 0x53425355
	cbwSize      = 31
	cswSize      = 13

	cbwFlagDataIn = 0x80
)

// CSW status values.
const (
	cswStatusPassed     = 0x00
	cswStatusFailed     = 0x01
	cswStatusPhaseError = 0x02
)

type commandBlockWrapper struct {
	Tag                uint32
	DataTransferLength uint32
	Flags              uint8
	LUN                uint8
	CB                 []byte
}

func (c *commandBlockWrapper) dataIn() bool { return c.Flags&cbwFlagDataIn != 0 }

func parseCBW(data []byte) (*commandBlockWrapper, error) {
	if len(data) != cbwSize {
		return nil, errors.Newf("command block wrapper has %d bytes", len(data))
	}
	if sig := binary.LittleEndian.Uint32(data[0:4]); sig != cbwSignature {
		return nil, errors.Newf("bad command block signature %#08x", sig)
	}
	cbLen := int(data[14] & 0x1f)
	if cbLen < 1 || cbLen > 16 {
		return nil, errors.Newf("bad command block length %d", cbLen)
	}
	return &commandBlockWrapper{
		Tag:                binary.LittleEndian.Uint32(data[4:8]),
		DataTransferLength: binary.LittleEndian.Uint32(data[8:12]),
		Flags:              data[12],
		LUN:                data[13] & 0x0f,
		CB:                 append([]byte(nil), data[15:15+cbLen]...),
	}, nil
}

func marshalCSW(tag, residue uint32, status uint8) []byte {
	buf := make([]byte, cswSize)
	binary.LittleEndian.PutUint32(buf[0:4], cswSignature)
	binary.LittleEndian.PutUint32(buf[4:8], tag)
	binary.LittleEndian.PutUint32(buf[8:12], residue)
	buf[12] = status
	return buf
}

// MarshalCBW encodes a command block wrapper as a host would send it.
func MarshalCBW(tag, dataLength uint32, dataIn bool, cdb []byte) []byte {
	buf := make([]byte, cbwSize)
	binary.LittleEndian.PutUint32(buf[0:4], cbwSignature)
	binary.LittleEndian.PutUint32(buf[4:8], tag)
	binary.LittleEndian.PutUint32(buf[8:12], dataLength)
	if dataIn {
		buf[12] = cbwFlagDataIn
	}
	buf[14] = uint8(copy(buf[15:], cdb))
	return buf
}

// CommandStatus is a decoded CSW.
type CommandStatus struct {
	Tag     uint32
	Residue uint32
	Status  uint8
}

// ParseCSW decodes a CSW as a host would receive it.
func ParseCSW(data []byte) (CommandStatus, error) {
	if len(data) != cswSize || binary.LittleEndian.Uint32(data[0:4]) != cswSignature {
		return CommandStatus{}, errors.Newf("not a command status wrapper: %x", data)
	}
	return CommandStatus{
		Tag:     binary.LittleEndian.Uint32(data[4:8]),
		Residue: binary.LittleEndian.Uint32(data[8:12]),
		Status:  data[12],
	}, nil
}
