// SPDX-License-Identifier: GPL-2.0-only

// Package worker runs one virtual adapter: a device registry, its USB/IP
// listener and the loop turning queued disk requests into devices.
package worker

import (
	"context"
	baseerrors "errors"
	"io"
	"net"
	"strconv"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/networkoptix/nx-system-tests-sub010/queue"
	"github.com/networkoptix/nx-system-tests-sub010/registry"
	"github.com/networkoptix/nx-system-tests-sub010/session"
)

// DefaultPort is the IANA port of USB/IP.
const DefaultPort = 3240

// ErrControlClosed is returned by RunFed when the request stream ends.
var ErrControlClosed = errors.New("control stream closed")

// Worker owns the devices of one adapter.
type Worker struct {
	name     string
	queue    queue.Queue
	registry *registry.Registry
	server   *session.Server
	logger   log.Logger

	// metrics
	disksCreatedTotal *prometheus.CounterVec
}

// New creates a worker taking disk requests from q.
func New(name string, q queue.Queue, backends registry.BackendFactory, logger log.Logger, reg prometheus.Registerer) *Worker {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	devices := registry.New(registry.DefaultBusNum, backends, logger, reg)
	w := &Worker{
		name:     name,
		queue:    q,
		registry: devices,
		server:   session.NewServer(devices, logger, reg),
		logger:   logger,
		disksCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usbip_emulator_disks_created_total",
			Help: "The number of disk requests handled by the worker by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(w.disksCreatedTotal)
	}
	return w
}

// Listen opens the USB/IP listener of an adapter.
func Listen(address string, port int) (net.Listener, error) {
	addr := net.JoinHostPort(address, strconv.Itoa(port))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %s", addr)
	}
	return l, nil
}

// Registry exposes the worker's devices.
func (w *Worker) Registry() *registry.Registry { return w.registry }

// Run serves l and drains the queue until the context is cancelled. All
// sessions have ended and all media are released when Run returns.
func (w *Worker) Run(ctx context.Context, l net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.server.Serve(ctx, l)
	})
	g.Go(func() error {
		return w.drain(ctx)
	})
	return w.finish(g.Wait())
}

// RunFed is Run with requests read as JSON lines from r into the worker's
// queue. It returns ErrControlClosed once r ends.
func (w *Worker) RunFed(ctx context.Context, l net.Listener, r io.Reader) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.server.Serve(ctx, l)
	})
	g.Go(func() error {
		return w.drain(ctx)
	})
	fed := make(chan error, 1)
	// Reads on r do not observe ctx, so the feed is left behind on shutdown.
	go func() {
		fed <- queue.Feed(ctx, r, w.queue)
	}()
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case err := <-fed:
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			return ErrControlClosed
		}
	})
	return w.finish(g.Wait())
}

func (w *Worker) finish(err error) error {
	if cerr := w.registry.Close(); cerr != nil {
		err = baseerrors.Join(err, errors.Wrap(cerr, "failed to release devices"))
	}
	return err
}

func (w *Worker) drain(ctx context.Context) error {
	for {
		req, err := w.queue.Get(ctx)
		if err != nil {
			if ctx.Err() != nil || baseerrors.Is(err, queue.ErrClosed) {
				return nil
			}
			return errors.Wrap(err, "failed to take disk request")
		}
		busID, err := w.registry.CreateMassStorage(req.SizeMB)
		if err != nil {
			w.disksCreatedTotal.WithLabelValues("error").Inc()
			_ = level.Error(w.logger).Log("msg", "failed to create disk", "size_mb", req.SizeMB, "err", err)
			continue
		}
		w.disksCreatedTotal.WithLabelValues("ok").Inc()
		_ = level.Info(w.logger).Log("msg", "disk added", "bus_id", busID, "size_mb", req.SizeMB)
	}
}
