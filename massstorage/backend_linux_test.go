package massstorage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	b, err := NewFileBackend(path, 64*BlockSize)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(64*BlockSize), info.Size())
	require.Equal(t, int64(64*BlockSize), b.Size())

	_, err = b.WriteAt([]byte("hello"), 1000)
	require.NoError(t, err)
	require.NoError(t, b.Sync())
	got := make([]byte, 5)
	_, err = b.ReadAt(got, 1000)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	_, err = b.WriteAt([]byte("x"), 64*BlockSize)
	require.ErrorIs(t, err, errOutOfRange)

	_, err = NewFileBackend(path, BlockSize)
	require.Error(t, err)

	require.NoError(t, b.Close())
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
	require.NoError(t, b.Close())
}
