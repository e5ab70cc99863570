package massstorage

import (
	"os"

	"github.com/efficientgo/core/errors"
	"golang.org/x/sys/unix"
)

// FileBackend maps a preallocated file into memory. The file is removed on Close.
type FileBackend struct {
	path string
	file *os.File
	data []byte
}

// NewFileBackend creates path, reserves size bytes for it and maps it.
func NewFileBackend(path string, size int64) (*FileBackend, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create backing file %s", path)
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(path)
	}
	if err := unix.Fallocate(int(f.Fd()), 0, 0, size); err != nil {
		cleanup()
		return nil, errors.Wrapf(err, "failed to allocate %d bytes for %s", size, path)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		cleanup()
		return nil, errors.Wrapf(err, "failed to map %s", path)
	}
	return &FileBackend{path: path, file: f, data: data}, nil
}

func (b *FileBackend) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(b.data)) {
		return 0, errOutOfRange
	}
	return copy(p, b.data[off:]), nil
}

func (b *FileBackend) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(b.data)) {
		return 0, errOutOfRange
	}
	return copy(b.data[off:], p), nil
}

func (b *FileBackend) Size() int64 { return int64(len(b.data)) }

func (b *FileBackend) Sync() error {
	if err := unix.Msync(b.data, unix.MS_SYNC); err != nil {
		return errors.Wrapf(err, "failed to sync %s", b.path)
	}
	return nil
}

func (b *FileBackend) Close() error {
	if b.data == nil {
		return nil
	}
	err := unix.Munmap(b.data)
	b.data = nil
	if cerr := b.file.Close(); err == nil {
		err = cerr
	}
	if rerr := os.Remove(b.path); err == nil && !os.IsNotExist(rerr) {
		err = rerr
	}
	if err != nil {
		return errors.Wrapf(err, "failed to release backing file %s", b.path)
	}
	return nil
}
