package usb

import "golang.org/x/sys/unix"

// RET_SUBMIT status values. Failures are negated errno values as the Linux client expects.
const (
	StatusOK    int32 = 0
	StatusStall       = -int32(unix.EPIPE)
)

// Reply is the outcome of one transfer handed to a device. It is either a
// Completion or an Ack; a nil Reply means the transfer produces no response.
type Reply interface {
	isReply()
}

// Completion is answered with a RET_SUBMIT carrying Status and Data as the IN payload.
type Completion struct {
	Status int32
	Data   []byte
}

// Ack is answered with a RET_SUBMIT whose actual length is Length and which has no payload.
// It acknowledges host-to-device bulk transfers.
type Ack struct {
	Length uint32
}

func (Completion) isReply() {}
func (Ack) isReply()        {}

// Stall is the completion for requests the device does not support.
func Stall() Completion {
	return Completion{Status: StatusStall}
}

// truncate limits a descriptor to the length requested by the host.
func truncate(b []byte, n uint16) []byte {
	if int(n) < len(b) {
		return b[:n]
	}
	return b
}
