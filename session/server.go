// SPDX-License-Identifier: GPL-2.0-only

package session

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

// Server accepts USB/IP clients and runs one session per connection.
type Server struct {
	registry Registry
	logger   log.Logger
	metrics  *metrics

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup
	nextID atomic.Uint64
}

// NewServer creates a server for the devices of reg.
func NewServer(reg Registry, logger log.Logger, r prometheus.Registerer) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Server{
		registry: reg,
		logger:   logger,
		metrics:  newMetrics(r),
		conns:    make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections on l until the context is cancelled or accepting
// fails. The listener is closed and every session has finished, releasing
// its device, by the time Serve returns.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	var err error
	for {
		conn, aerr := l.Accept()
		if aerr != nil {
			if ctx.Err() == nil {
				err = errors.Wrap(aerr, "failed to accept connection")
			}
			break
		}
		s.track(conn)
		s.wg.Add(1)
		go s.handle(conn)
	}

	cancel()
	s.closeConns()
	s.wg.Wait()
	return err
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer func() { _ = conn.Close() }()

	logger := log.With(s.logger, "session", s.nextID.Add(1), "remote", conn.RemoteAddr().String())
	s.metrics.activeSessions.Inc()
	defer s.metrics.activeSessions.Dec()
	_ = level.Debug(logger).Log("msg", "session started")

	err := s.run(newSession(conn, s.registry, logger, s.metrics))
	if err != nil {
		s.metrics.sessionsTotal.WithLabelValues("error").Inc()
		_ = level.Warn(logger).Log("msg", "session ended abnormally", "err", err)
		return
	}
	s.metrics.sessionsTotal.WithLabelValues("closed").Inc()
	_ = level.Debug(logger).Log("msg", "session closed")
}

// run keeps a failing session from taking the worker down with it.
func (s *Server) run(sess *Session) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("session panicked: %v", r)
		}
	}()
	return sess.Run()
}
