// Package session serves USB/IP client connections against a device registry.
package session

import (
	"bufio"
	baseerrors "errors"
	"fmt"
	"net"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/samber/lo"

	"github.com/networkoptix/nx-system-tests-sub010/registry"
	"github.com/networkoptix/nx-system-tests-sub010/usb"
	"github.com/networkoptix/nx-system-tests-sub010/usbip"
)

// Registry is the part of the device registry a session needs.
type Registry interface {
	ListDevices() []registry.DeviceInfo
	FetchByBusID(busID string) (*registry.Lease, error)
}

// state is either awaitingHeader or established. Only established holds a device.
type state interface {
	isState()
}

type awaitingHeader struct{}

type established struct {
	lease *registry.Lease
}

func (awaitingHeader) isState() {}
func (established) isState()    {}

// Session is one client connection.
type Session struct {
	conn     net.Conn
	r        *bufio.Reader
	w        *bufio.Writer
	registry Registry
	logger   log.Logger
	metrics  *metrics

	state state
}

func newSession(conn net.Conn, reg Registry, logger log.Logger, m *metrics) *Session {
	return &Session{
		conn:     conn,
		r:        bufio.NewReader(conn),
		w:        bufio.NewWriter(conn),
		registry: reg,
		logger:   logger,
		metrics:  m,
		state:    awaitingHeader{},
	}
}

// Run serves the connection until it ends. An orderly close by the client
// returns nil. The attached device, if any, is released before Run returns.
func (s *Session) Run() error {
	defer s.release()
	for {
		next, err := s.step()
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		s.state = next
	}
}

func (s *Session) release() {
	if e, ok := s.state.(established); ok {
		e.lease.Release()
		_ = level.Info(s.logger).Log("msg", "device released", "bus_id", e.lease.BusID())
	}
	s.state = awaitingHeader{}
}

// step handles one message. A nil state ends the session.
func (s *Session) step() (state, error) {
	switch st := s.state.(type) {
	case awaitingHeader:
		return s.handleOp()
	case established:
		return s.handleCommand(st)
	default:
		return nil, errors.Newf("unknown session state %T", st)
	}
}

func (s *Session) flush() error {
	if err := s.w.Flush(); err != nil {
		return errors.Wrap(err, "failed to send reply")
	}
	return nil
}

func (s *Session) handleOp() (state, error) {
	hdr, err := usbip.ReadOpHeader(s.r)
	if err != nil {
		if baseerrors.Is(err, usbip.ErrConnectionClosed) {
			return nil, nil
		}
		return nil, err
	}
	if hdr.Version != usbip.ProtocolVersion {
		_ = level.Debug(s.logger).Log("msg", "unexpected protocol version", "version", fmt.Sprintf("%#04x", hdr.Version))
	}

	switch hdr.Code {
	case usbip.OpReqDevlist:
		devices := lo.Map(s.registry.ListDevices(), func(d registry.DeviceInfo, _ int) usbip.ExportedDevice {
			return d.Exported
		})
		_ = level.Debug(s.logger).Log("msg", "devlist", "devices", len(devices))
		if err := usbip.WriteDevlistReply(s.w, devices); err != nil {
			return nil, err
		}
		return awaitingHeader{}, s.flush()
	case usbip.OpReqImport:
		return s.handleImport()
	default:
		return nil, errors.Newf("unexpected op code %#04x", hdr.Code)
	}
}

// importStatus maps a fetch failure to the OP_REP_IMPORT status.
func importStatus(err error) usbip.OpStatus {
	switch {
	case baseerrors.Is(err, registry.ErrBadBusID):
		return usbip.StatusError
	case baseerrors.Is(err, registry.ErrDeviceNotFound):
		return usbip.StatusDeviceUsed
	default:
		return usbip.StatusError
	}
}

func (s *Session) handleImport() (state, error) {
	busID, err := usbip.ReadImportBusId(s.r)
	if err != nil {
		return nil, err
	}
	lease, err := s.registry.FetchByBusID(busID)
	if err != nil {
		status := importStatus(err)
		_ = level.Info(s.logger).Log("msg", "import refused", "bus_id", busID, "status", status, "err", err)
		if werr := usbip.WriteImportReply(s.w, status, nil); werr != nil {
			return nil, werr
		}
		return nil, s.flush()
	}

	next := established{lease: lease}
	// From here on the lease belongs to the session and is released by Run.
	s.state = next
	desc := lease.Description()
	if err := usbip.WriteImportReply(s.w, usbip.StatusOK, &desc); err != nil {
		return nil, err
	}
	_ = level.Info(s.logger).Log("msg", "device imported", "bus_id", busID)
	return next, s.flush()
}

func (s *Session) handleCommand(st established) (state, error) {
	msg, err := usbip.ReadMessage(s.r)
	if err != nil {
		var tbe *usbip.TruncatedBodyError
		switch {
		case baseerrors.Is(err, usbip.ErrConnectionClosed):
			return nil, nil
		case baseerrors.As(err, &tbe):
			// Best effort; the connection is going away.
			_ = usbip.WriteSubmitReply(s.w, tbe.Seqnum, tbe.Endpoint, int32(usbip.StatusError), nil)
			_ = s.w.Flush()
		}
		return nil, err
	}

	switch m := msg.(type) {
	case *usbip.Submit:
		return st, s.handleSubmit(st.lease.Device(), m)
	case *usbip.UnlinkRequest:
		// Submits complete before the next message is read, so the target is never pending.
		if err := usbip.WriteUnlinkReply(s.w, m.Seqnum, 0); err != nil {
			return nil, err
		}
		return st, s.flush()
	}
	return nil, errors.Newf("unexpected message %T", msg)
}

// serve passes one submit to the device. Panics are returned as errors.
func serve(dev *usb.Device, m *usbip.Submit) (reply usb.Reply, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("device panicked: %v", r)
		}
	}()
	if m.Endpoint == 0 {
		return dev.HandleControl(usb.ParseSetup(m.Setup), m.Data), nil
	}
	return dev.HandleData(m.Data, m.Endpoint, m.TransferBufferLength), nil
}

func (s *Session) handleSubmit(dev *usb.Device, m *usbip.Submit) error {
	reply, err := serve(dev, m)
	if err != nil {
		s.metrics.submit("error")
		_ = usbip.WriteSubmitReply(s.w, m.Seqnum, m.Endpoint, int32(usbip.StatusDeviceError), nil)
		_ = s.w.Flush()
		return err
	}

	switch r := reply.(type) {
	case nil:
		s.metrics.submit("none")
		_ = level.Warn(s.logger).Log("msg", "device produced no reply", "seqnum", m.Seqnum, "endpoint", m.Endpoint)
		return nil
	case usb.Completion:
		s.metrics.submit("completion")
		data := r.Data
		switch {
		case m.Direction == usbip.DirOut:
			// The client reads no payload for OUT transfers.
			data = nil
		case uint32(len(data)) > m.TransferBufferLength:
			data = data[:m.TransferBufferLength]
		}
		if err := usbip.WriteSubmitReply(s.w, m.Seqnum, m.Endpoint, r.Status, data); err != nil {
			return err
		}
	case usb.Ack:
		s.metrics.submit("ack")
		if err := usbip.WriteAck(s.w, m.Seqnum, r.Length); err != nil {
			return err
		}
	default:
		return errors.Newf("unexpected reply %T", reply)
	}
	return s.flush()
}
