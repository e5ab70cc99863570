// SPDX-License-Identifier: GPL-2.0-only

// Package supervisor owns the workers of all virtual adapters: it hands
// them disk requests, restarts them when they crash and replaces them on
// request.
package supervisor

import (
	"context"
	baseerrors "errors"
	"sync"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/networkoptix/nx-system-tests-sub010/api"
	"github.com/networkoptix/nx-system-tests-sub010/queue"
)

const (
	DefaultQueueSize       = 256
	DefaultStopTimeout     = 10 * time.Second
	defaultCheckInterval   = 1 * time.Second
	defaultRestartInterval = 5 * time.Second
)

var (
	ErrUnknownAdapter = errors.Wrap(api.ErrRejected, "unknown adapter")
	ErrQueueFull      = errors.Wrap(api.ErrRejected, "adapter queue full")
	ErrDiskTooLarge   = errors.Wrap(api.ErrRejected, "disk too large")
	ErrInvalidSize    = errors.Wrap(api.ErrRejected, "invalid disk size")
)

// HealthSink receives the liveness of every adapter's worker.
// *health.Server from google.golang.org/grpc/health satisfies it.
type HealthSink interface {
	SetServingStatus(service string, status healthpb.HealthCheckResponse_ServingStatus)
}

type Options struct {
	// QueueSize bounds the pending disk requests of one adapter.
	QueueSize int
	// MaxDiskSizeMB rejects larger disks. Zero means no limit.
	MaxDiskSizeMB int
	// StopTimeout is how long a stopping worker may take before it is killed.
	StopTimeout time.Duration
	Health      HealthSink

	CheckInterval   time.Duration
	RestartInterval time.Duration
}

type adapter struct {
	spec  AdapterSpec
	queue queue.Queue

	mu     sync.Mutex
	handle Handle
	// retryAt is when a worker that is not running may be launched again.
	retryAt time.Time
}

// Supervisor implements api.Handler.
type Supervisor struct {
	adapters map[string]*adapter
	launcher Launcher
	opts     Options
	logger   log.Logger

	// metrics
	restartsTotal *prometheus.CounterVec
}

var _ api.Handler = (*Supervisor)(nil)

// New creates a supervisor for the given adapters. No worker runs before Run.
func New(specs []AdapterSpec, launcher Launcher, opts Options, logger log.Logger, reg prometheus.Registerer) (*Supervisor, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = defaultCheckInterval
	}
	if opts.RestartInterval <= 0 {
		opts.RestartInterval = defaultRestartInterval
	}
	s := &Supervisor{
		adapters: make(map[string]*adapter, len(specs)),
		launcher: launcher,
		opts:     opts,
		logger:   logger,
		restartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usbip_emulator_worker_restarts_total",
			Help: "The number of times that a crashed adapter worker has been restarted.",
		}, []string{"adapter"}),
	}
	for _, spec := range specs {
		if _, ok := s.adapters[spec.Name]; ok {
			return nil, errors.Newf("adapter %q is configured twice", spec.Name)
		}
		s.adapters[spec.Name] = &adapter{spec: spec, queue: queue.NewBounded(opts.QueueSize)}
	}
	if reg != nil {
		reg.MustRegister(s.restartsTotal)
		pending := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "usbip_emulator_pending_disk_requests",
			Help: "The number of disk requests waiting for an adapter worker.",
		}, []string{"adapter"})
		reg.MustRegister(&pendingCollector{s: s, desc: pending})
	}
	return s, nil
}

// Adapters lists the configured adapter names.
func (s *Supervisor) Adapters() []string {
	return lo.Keys(s.adapters)
}

// AddDisk queues the creation of a disk on the named adapter without blocking.
func (s *Supervisor) AddDisk(name string, sizeMB int) error {
	a, ok := s.adapters[name]
	if !ok {
		return errors.Wrapf(ErrUnknownAdapter, "adapter %q", name)
	}
	if sizeMB <= 0 {
		return errors.Wrapf(ErrInvalidSize, "%d MB", sizeMB)
	}
	if s.opts.MaxDiskSizeMB > 0 && sizeMB > s.opts.MaxDiskSizeMB {
		return errors.Wrapf(ErrDiskTooLarge, "%d MB exceeds %d MB", sizeMB, s.opts.MaxDiskSizeMB)
	}
	// A request queued while a delete is in progress is for the new worker.
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.queue.TryPut(queue.DiskRequest{SizeMB: sizeMB}); err != nil {
		if baseerrors.Is(err, queue.ErrFull) {
			return errors.Wrapf(ErrQueueFull, "adapter %q", name)
		}
		return errors.Wrapf(err, "failed to queue disk for adapter %q", name)
	}
	return nil
}

// DeleteDisks drops every disk of the named adapter by stopping its worker
// and starting a fresh one on the same address.
func (s *Supervisor) DeleteDisks(name string) error {
	a, ok := s.adapters[name]
	if !ok {
		return errors.Wrapf(ErrUnknownAdapter, "adapter %q", name)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := s.stop(a); err != nil {
		return err
	}
	return s.launch(a)
}

// Run launches every worker and keeps them running until the context is
// cancelled. All workers have exited when Run returns.
func (s *Supervisor) Run(ctx context.Context) error {
	for _, a := range s.adapters {
		a.mu.Lock()
		if a.handle != nil {
			a.mu.Unlock()
			continue
		}
		if err := s.launch(a); err != nil {
			_ = level.Error(s.logger).Log("msg", "failed to launch worker; trying again later", "adapter", a.spec.Name, "err", err)
		}
		a.mu.Unlock()
	}

	t := time.NewTicker(s.opts.CheckInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			for _, a := range s.adapters {
				s.check(a)
			}
		case <-ctx.Done():
			return s.shutdown()
		}
	}
}

// check restarts the adapter's worker if it is not running.
func (s *Supervisor) check(a *adapter) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.handle != nil {
		select {
		case <-a.handle.Done():
		default:
			return
		}
		_ = level.Warn(s.logger).Log("msg", "worker exited; restarting it without its disks", "adapter", a.spec.Name, "err", a.handle.Err())
		a.handle = nil
		a.retryAt = time.Now().Add(s.opts.RestartInterval)
		s.setHealth(a, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	if time.Now().Before(a.retryAt) {
		return
	}
	if err := s.launch(a); err != nil {
		_ = level.Error(s.logger).Log("msg", "failed to restart worker", "adapter", a.spec.Name, "err", err)
		return
	}
	s.restartsTotal.WithLabelValues(a.spec.Name).Inc()
}

// launch must be called with a.mu held.
func (s *Supervisor) launch(a *adapter) error {
	h, err := s.launcher.Launch(a.spec, a.queue)
	if err != nil {
		a.retryAt = time.Now().Add(s.opts.RestartInterval)
		return errors.Wrapf(err, "failed to launch worker for %s", a.spec)
	}
	a.handle = h
	_ = level.Info(s.logger).Log("msg", "worker launched", "adapter", a.spec)
	s.setHealth(a, healthpb.HealthCheckResponse_SERVING)
	return nil
}

// stop must be called with a.mu held.
func (s *Supervisor) stop(a *adapter) error {
	if a.handle == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.StopTimeout)
	defer cancel()
	err := a.handle.Stop(ctx)
	a.handle = nil
	s.setHealth(a, healthpb.HealthCheckResponse_NOT_SERVING)
	if err != nil {
		return errors.Wrapf(err, "failed to stop worker for %s", a.spec)
	}
	return nil
}

func (s *Supervisor) shutdown() error {
	var err error
	for _, a := range s.adapters {
		a.mu.Lock()
		err = baseerrors.Join(err, s.stop(a))
		a.queue.Close()
		a.mu.Unlock()
	}
	return err
}

func (s *Supervisor) setHealth(a *adapter, status healthpb.HealthCheckResponse_ServingStatus) {
	if s.opts.Health != nil {
		s.opts.Health.SetServingStatus(a.spec.Name, status)
	}
}

// pendingCollector reports queue lengths at scrape time.
type pendingCollector struct {
	s    *Supervisor
	desc *prometheus.GaugeVec
}

func (c *pendingCollector) Describe(ch chan<- *prometheus.Desc) {
	c.desc.Describe(ch)
}

func (c *pendingCollector) Collect(ch chan<- prometheus.Metric) {
	for name, a := range c.s.adapters {
		c.desc.WithLabelValues(name).Set(float64(a.queue.Len()))
	}
	c.desc.Collect(ch)
}
