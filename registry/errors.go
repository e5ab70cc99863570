package registry

import "github.com/efficientgo/core/errors"

var (
	// ErrDeviceNotFound is returned when no device has the requested bus id.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrDeviceBusy is returned when the device is attached to another session.
	// It matches ErrDeviceNotFound: a busy device is not available for import.
	ErrDeviceBusy = errors.Wrap(ErrDeviceNotFound, "device busy")
	// ErrBadBusID is returned for bus ids that are not of the form "<bus>-<dev>".
	ErrBadBusID = errors.New("malformed bus id")
	// ErrInvalidSize is returned when a disk size is not positive.
	ErrInvalidSize = errors.New("invalid disk size")
	// ErrClosed is returned by operations on a closed registry.
	ErrClosed = errors.New("registry closed")
)
