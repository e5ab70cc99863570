package usbip

import (
	"net"
	"strconv"
	"time"

	"github.com/efficientgo/core/errors"
)

const requestTimeout = 5 * time.Second

func (t Target) Dial() (usbipConn *Connection, err error) {
	targetString := net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
	conn, err := net.Dial("tcp", targetString)

	if err != nil {
		return nil, errors.Wrap(
			err,
			"Failed to connect to USB/IP target at "+targetString,
		)
	}

	return NewConnection(t, conn), nil
}

// NewConnection wraps an established transport to a USB/IP server.
func NewConnection(t Target, conn net.Conn) *Connection {
	return &Connection{
		Target:     t,
		connection: conn,
	}
}

func (c *Connection) Close() {
	_ = c.connection.Close()
}

func (c *Connection) armDeadline() error {
	return c.connection.SetDeadline(time.Now().Add(requestTimeout))
}

// OpError reports a non-zero status in an operation reply.
type OpError struct {
	Code   OpCode
	Status OpStatus
}

func (e *OpError) Error() string {
	return "op " + strconv.Itoa(int(e.Code)) + " returned status " + strconv.Itoa(int(e.Status))
}
