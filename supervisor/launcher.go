package supervisor

import (
	"context"
	"strconv"
	"sync"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/networkoptix/nx-system-tests-sub010/queue"
	"github.com/networkoptix/nx-system-tests-sub010/registry"
	"github.com/networkoptix/nx-system-tests-sub010/worker"
)

// AdapterSpec configures one virtual adapter.
type AdapterSpec struct {
	// Name addresses the adapter in control plane requests.
	Name string `json:"name"`
	// Address is the IP the adapter's USB/IP listener binds to.
	Address string `json:"address"`
	// Port is the adapter's USB/IP port.
	Port int `json:"port"`
}

func (s AdapterSpec) String() string {
	return s.Name + "@" + s.Address + ":" + strconv.Itoa(s.Port)
}

// Handle is a running worker.
type Handle interface {
	// Done is closed once the worker has exited.
	Done() <-chan struct{}
	// Err is the reason the worker exited. It is only meaningful after Done.
	Err() error
	// Stop ends the worker and waits for it to exit. The worker is killed
	// if it has not exited when ctx ends.
	Stop(ctx context.Context) error
}

// Launcher starts workers taking their disk requests from q.
type Launcher interface {
	Launch(spec AdapterSpec, q queue.Queue) (Handle, error)
}

// InProcessLauncher runs workers as goroutines of the current process.
type InProcessLauncher struct {
	Backends registry.BackendFactory
	Logger   log.Logger
	// Registerer receives the metrics of every worker, labelled with its adapter.
	Registerer prometheus.Registerer
}

// workerRegisterer remembers what a worker registered so that its
// replacement can register the same metrics again.
type workerRegisterer struct {
	prometheus.Registerer

	mu         sync.Mutex
	collectors []prometheus.Collector
}

func (r *workerRegisterer) Register(c prometheus.Collector) error {
	if err := r.Registerer.Register(c); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collectors = append(r.collectors, c)
	return nil
}

func (r *workerRegisterer) MustRegister(cs ...prometheus.Collector) {
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
}

func (r *workerRegisterer) unregisterAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.collectors {
		r.Registerer.Unregister(c)
	}
	r.collectors = nil
}

type inProcessHandle struct {
	worker *worker.Worker
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (h *inProcessHandle) Done() <-chan struct{} { return h.done }

func (h *inProcessHandle) Err() error { return h.err }

// Registry exposes the devices of the running worker.
func (h *inProcessHandle) Registry() *registry.Registry { return h.worker.Registry() }

func (h *inProcessHandle) Stop(ctx context.Context) error {
	h.cancel()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		// A goroutine cannot be killed; it is left to finish on its own.
		return ctx.Err()
	}
}

func (l *InProcessLauncher) Launch(spec AdapterSpec, q queue.Queue) (Handle, error) {
	logger := l.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	ln, err := worker.Listen(spec.Address, spec.Port)
	if err != nil {
		return nil, err
	}
	var (
		reg  *workerRegisterer
		wreg prometheus.Registerer
	)
	if l.Registerer != nil {
		reg = &workerRegisterer{Registerer: prometheus.WrapRegistererWith(prometheus.Labels{"adapter": spec.Name}, l.Registerer)}
		wreg = reg
	}
	w := worker.New(spec.Name, q, l.Backends, log.With(logger, "adapter", spec.Name), wreg)
	ctx, cancel := context.WithCancel(context.Background())
	h := &inProcessHandle{worker: w, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		h.err = w.Run(ctx, ln)
		if reg != nil {
			reg.unregisterAll()
		}
	}()
	return h, nil
}
