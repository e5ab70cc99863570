// Package registry owns the emulated devices of one virtual adapter and
// arbitrates exclusive attachment of each device to a single session.
package registry

import (
	baseerrors "errors"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/c2h5oh/datasize"
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"

	"github.com/networkoptix/nx-system-tests-sub010/massstorage"
)

// DefaultBusNum is the bus every device of a worker is placed on.
const DefaultBusNum = 1

// BackendFactory creates the medium of a new disk.
type BackendFactory func(busID string, size int64) (massstorage.Backend, error)

// MemoryBackends keeps every disk in memory.
func MemoryBackends() BackendFactory {
	return func(_ string, size int64) (massstorage.Backend, error) {
		return massstorage.NewMemoryBackend(size), nil
	}
}

// FileBackends keeps every disk in a preallocated file under dir.
func FileBackends(dir string) BackendFactory {
	return func(busID string, size int64) (massstorage.Backend, error) {
		return massstorage.NewFileBackend(filepath.Join(dir, "usbip-disk-"+busID+".img"), size)
	}
}

// Registry is the ordered set of devices of one adapter.
type Registry struct {
	mu         sync.Mutex
	busNum     uint32
	lastDevNum uint32
	devices    []*Device
	byBusID    map[string]*Device
	closed     bool

	backends BackendFactory
	logger   log.Logger

	// metrics
	devicesGauge *prometheus.GaugeVec
}

// New creates an empty registry placing devices on busNum.
func New(busNum uint32, backends BackendFactory, logger log.Logger, reg prometheus.Registerer) *Registry {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if backends == nil {
		backends = MemoryBackends()
	}
	r := &Registry{
		busNum:   busNum,
		byBusID:  make(map[string]*Device),
		backends: backends,
		logger:   logger,
		devicesGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "usbip_emulator_devices",
			Help: "The number of emulated devices by attach state.",
		}, []string{"state"}),
	}
	r.devicesGauge.WithLabelValues(Free.String())
	r.devicesGauge.WithLabelValues(Attached.String())
	if reg != nil {
		reg.MustRegister(r.devicesGauge)
	}
	return r
}

// CreateMassStorage adds a free disk of sizeMB megabytes and returns its bus id.
// Device numbers are never reused.
func (r *Registry) CreateMassStorage(sizeMB int) (string, error) {
	if sizeMB <= 0 {
		return "", errors.Wrapf(ErrInvalidSize, "%d MB", sizeMB)
	}
	size := datasize.ByteSize(sizeMB) * datasize.MB

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", ErrClosed
	}

	devNum := r.lastDevNum + 1
	busID := strconv.FormatUint(uint64(r.busNum), 10) + "-" + strconv.FormatUint(uint64(devNum), 10)
	logger := log.With(r.logger, "bus_id", busID)
	backend, err := r.backends(busID, int64(size.Bytes()))
	if err != nil {
		return "", errors.Wrapf(err, "failed to create medium of %s", size.HR())
	}
	dev, err := massstorage.NewDevice(backend, logger)
	if err != nil {
		_ = backend.Close()
		return "", errors.Wrap(err, "failed to create mass storage device")
	}
	r.lastDevNum = devNum

	d := &Device{
		busID:  busID,
		busNum: r.busNum,
		devNum: devNum,
		sizeMB: sizeMB,
		dev:    dev,
	}
	r.devices = append(r.devices, d)
	r.byBusID[busID] = d
	r.devicesGauge.WithLabelValues(Free.String()).Inc()
	_ = level.Info(logger).Log("msg", "created mass storage device", "size", size.HR())
	return busID, nil
}

// ListDevices returns a snapshot of every device in creation order.
func (r *Registry) ListDevices() []DeviceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo.Map(r.devices, func(d *Device, _ int) DeviceInfo {
		return d.info()
	})
}

// ParseBusID checks that raw has the form "<bus>-<dev>" with decimal numbers.
func ParseBusID(raw string) (busNum, devNum uint32, err error) {
	b, d, ok := strings.Cut(raw, "-")
	if !ok {
		return 0, 0, errors.Wrapf(ErrBadBusID, "%q", raw)
	}
	bn, berr := strconv.ParseUint(b, 10, 32)
	dn, derr := strconv.ParseUint(d, 10, 32)
	if berr != nil || derr != nil {
		return 0, 0, errors.Wrapf(ErrBadBusID, "%q", raw)
	}
	return uint32(bn), uint32(dn), nil
}

// FetchByBusID attaches the device with the given bus id and hands out its lease.
func (r *Registry) FetchByBusID(raw string) (*Lease, error) {
	if _, _, err := ParseBusID(raw); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	d, ok := r.byBusID[raw]
	if !ok {
		return nil, errors.Wrapf(ErrDeviceNotFound, "bus id %s", raw)
	}
	if d.lease != nil {
		return nil, errors.Wrapf(ErrDeviceBusy, "bus id %s", raw)
	}
	d.lease = &Lease{registry: r, device: d}
	r.devicesGauge.WithLabelValues(Free.String()).Dec()
	r.devicesGauge.WithLabelValues(Attached.String()).Inc()
	_ = level.Debug(r.logger).Log("msg", "device attached", "bus_id", raw)
	return d.lease, nil
}

// Release returns a lease. Stale or repeated releases leave the device unchanged.
func (r *Registry) Release(l *Lease) {
	if l == nil || l.registry != r {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if l.device.lease != l {
		return
	}
	l.device.lease = nil
	// The next session must not inherit a half-finished transfer.
	l.device.dev.Reset()
	r.devicesGauge.WithLabelValues(Attached.String()).Dec()
	r.devicesGauge.WithLabelValues(Free.String()).Inc()
	_ = level.Debug(r.logger).Log("msg", "device released", "bus_id", l.device.busID)
}

// Close releases the media of every device. Further creations and fetches fail.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var errs []error
	for _, d := range r.devices {
		if err := d.dev.Close(); err != nil {
			errs = append(errs, errors.Wrapf(err, "failed to close device %s", d.busID))
		}
	}
	r.devicesGauge.Reset()
	return baseerrors.Join(errs...)
}
