package usbip

import (
	"encoding/binary"
	"io"

	"github.com/efficientgo/core/errors"
)

// Submit sends one CMD_SUBMIT and waits for its RET_SUBMIT. The reply payload is
// read only for IN transfers; for OUT transfers ActualLength is the acknowledged length.
func (c *Connection) Submit(req SubmitRequest, data []byte) (*SubmitReply, []byte, error) {
	conn := c.connection
	if err := c.armDeadline(); err != nil {
		return nil, nil, err
	}

	req.Command = CmdSubmit
	if req.Direction == DirOut {
		req.TransferBufferLength = uint32(len(data))
	}
	if err := binary.Write(conn, binary.BigEndian, req); err != nil {
		return nil, nil, errors.Wrap(err, "failed to write submit command")
	}
	if req.Direction == DirOut && len(data) > 0 {
		if _, err := conn.Write(data); err != nil {
			return nil, nil, errors.Wrap(err, "failed to write submit data")
		}
	}

	reply := &SubmitReply{}
	if err := binary.Read(conn, binary.BigEndian, reply); err != nil {
		return nil, nil, errors.Wrap(err, "failed to read submit reply")
	}
	if reply.Command != RetSubmit || reply.Seqnum != req.Seqnum {
		return nil, nil, errors.Newf("unexpected reply command %d seqnum %d", reply.Command, reply.Seqnum)
	}
	if req.Direction != DirIn || reply.ActualLength == 0 {
		return reply, nil, nil
	}
	if reply.ActualLength > maxTransferLength {
		return nil, nil, errors.Newf("reply length %d exceeds limit", reply.ActualLength)
	}
	payload := make([]byte, reply.ActualLength)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, nil, errors.Wrap(err, "failed to read submit reply data")
	}
	return reply, payload, nil
}

// Unlink sends one CMD_UNLINK for seqnum and waits for its RET_UNLINK.
func (c *Connection) Unlink(seqnum, target uint32) (*UnlinkReply, error) {
	conn := c.connection
	if err := c.armDeadline(); err != nil {
		return nil, err
	}
	req := UnlinkRequest{HeaderBasic: HeaderBasic{Command: CmdUnlink, Seqnum: seqnum}, UnlinkSeqnum: target}
	if err := binary.Write(conn, binary.BigEndian, req); err != nil {
		return nil, errors.Wrap(err, "failed to write unlink command")
	}
	reply := &UnlinkReply{}
	if err := binary.Read(conn, binary.BigEndian, reply); err != nil {
		return nil, errors.Wrap(err, "failed to read unlink reply")
	}
	return reply, nil
}
