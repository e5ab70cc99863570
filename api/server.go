package api

import (
	"bufio"
	"context"
	"encoding/json"
	baseerrors "errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	connectionTimeout = 30 * time.Second
	maxRequestSize    = 64 << 10
)

// Server answers control plane connections.
type Server struct {
	handler Handler
	logger  log.Logger

	wg   sync.WaitGroup
	mu   sync.Mutex
	errs []error

	// metrics
	requestsTotal *prometheus.CounterVec
}

// NewServer creates a server dispatching to h.
func NewServer(h Handler, logger log.Logger, reg prometheus.Registerer) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Server{
		handler: h,
		logger:  logger,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usbip_emulator_control_requests_total",
			Help: "The number of control plane requests by type and response status.",
		}, []string{"type", "status"}),
	}
	if reg != nil {
		reg.MustRegister(s.requestsTotal)
	}
	return s
}

// Serve accepts connections on l until the context is cancelled. Failures that
// were not the caller's fault are answered, logged, and returned together when
// Serve exits.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	var acceptErr error
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() == nil {
				acceptErr = errors.Wrap(err, "failed to accept control connection")
			}
			break
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.handleConn(conn); err != nil {
				_ = level.Error(s.logger).Log("msg", "control request failed", "remote", conn.RemoteAddr().String(), "err", err)
				s.mu.Lock()
				s.errs = append(s.errs, err)
				s.mu.Unlock()
			}
		}()
	}
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	return baseerrors.Join(append([]error{acceptErr}, s.errs...)...)
}

func (s *Server) handleConn(conn net.Conn) (err error) {
	defer func() { _ = conn.Close() }()
	if err := conn.SetDeadline(time.Now().Add(connectionTimeout)); err != nil {
		return errors.Wrap(err, "failed to set deadline")
	}

	line, err := bufio.NewReader(io.LimitReader(conn, maxRequestSize)).ReadBytes('\n')
	if err != nil && (!baseerrors.Is(err, io.EOF) || len(line) == 0) {
		_ = level.Debug(s.logger).Log("msg", "control connection closed without request", "err", err)
		return nil
	}

	resp, herr := s.dispatch(line)
	if werr := writeResponse(conn, resp); werr != nil {
		herr = baseerrors.Join(herr, errors.Wrap(werr, "failed to write response"))
	}
	return herr
}

func writeResponse(w io.Writer, resp Response) error {
	return json.NewEncoder(w).Encode(resp)
}

// dispatch decodes and runs one request. A non-nil error is unexpected.
func (s *Server) dispatch(line []byte) (resp Response, err error) {
	var req Request
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("handler panicked: %v", r)
			resp = Error(err.Error())
		}
		s.requestsTotal.WithLabelValues(requestTypeLabel(req.Type), fmt.Sprint(resp.Status)).Inc()
	}()

	if err := json.Unmarshal(line, &req); err != nil {
		return Error(fmt.Sprintf("malformed request: %v", err)), nil
	}
	logger := log.With(s.logger, "type", req.Type, "name", req.Name)

	var herr error
	switch req.Type {
	case TypeAdd:
		_ = level.Info(logger).Log("msg", "add disk", "size_mb", req.Size)
		herr = s.handler.AddDisk(req.Name, req.Size)
	case TypeDelete:
		_ = level.Info(logger).Log("msg", "delete disks")
		herr = s.handler.DeleteDisks(req.Name)
	default:
		return Error(fmt.Sprintf("Unknown type %s", req.Type)), nil
	}

	switch {
	case herr == nil:
		return Ok(), nil
	case baseerrors.Is(herr, ErrRejected):
		_ = level.Info(logger).Log("msg", "request rejected", "err", herr)
		return Error(herr.Error()), nil
	default:
		return Error(herr.Error()), herr
	}
}

func requestTypeLabel(t RequestType) string {
	switch t {
	case TypeAdd, TypeDelete:
		return string(t)
	}
	return "unknown"
}
