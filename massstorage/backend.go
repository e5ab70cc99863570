package massstorage

import (
	"io"

	"github.com/efficientgo/core/errors"
)

// Backend is the byte-addressed medium behind a disk.
type Backend interface {
	io.ReaderAt
	io.WriterAt
	// Size is the medium size in bytes.
	Size() int64
	// Sync flushes written data to the medium.
	Sync() error
	// Close releases the medium. File backed media are removed.
	Close() error
}

var errOutOfRange = errors.New("access beyond end of medium")

// MemoryBackend keeps the medium in a byte slice.
type MemoryBackend struct {
	data []byte
}

// NewMemoryBackend allocates a zeroed medium of size bytes.
func NewMemoryBackend(size int64) *MemoryBackend {
	return &MemoryBackend{data: make([]byte, size)}
}

func (m *MemoryBackend) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, errOutOfRange
	}
	return copy(p, m.data[off:]), nil
}

func (m *MemoryBackend) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, errOutOfRange
	}
	return copy(m.data[off:], p), nil
}

func (m *MemoryBackend) Size() int64 { return int64(len(m.data)) }

func (m *MemoryBackend) Sync() error { return nil }

func (m *MemoryBackend) Close() error {
	m.data = nil
	return nil
}
