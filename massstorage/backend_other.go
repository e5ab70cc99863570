//go:build !linux

package massstorage

import "github.com/efficientgo/core/errors"

// FileBackend is only available on Linux.
type FileBackend struct {
	MemoryBackend
}

func NewFileBackend(path string, _ int64) (*FileBackend, error) {
	return nil, errors.Newf("file backed media at %s require linux", path)
}
