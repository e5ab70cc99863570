package queue

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBoundedNonBlocking(t *testing.T) {
	q := NewBounded(2)
	require.NoError(t, q.TryPut(DiskRequest{SizeMB: 1}))
	require.NoError(t, q.TryPut(DiskRequest{SizeMB: 2}))
	require.ErrorIs(t, q.TryPut(DiskRequest{SizeMB: 3}), ErrFull)
	require.Equal(t, 2, q.Len())

	req, err := q.TryGet()
	require.NoError(t, err)
	require.Equal(t, 1, req.SizeMB)
	req, err = q.TryGet()
	require.NoError(t, err)
	require.Equal(t, 2, req.SizeMB)
	_, err = q.TryGet()
	require.ErrorIs(t, err, ErrEmpty)
}

func TestBoundedBlocking(t *testing.T) {
	q := NewBounded(1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan DiskRequest)
	go func() {
		req, err := q.Get(ctx)
		if err == nil {
			got <- req
		}
	}()
	require.NoError(t, q.Put(ctx, DiskRequest{SizeMB: 7}))
	require.Equal(t, 7, (<-got).SizeMB)

	require.NoError(t, q.Put(ctx, DiskRequest{SizeMB: 8}))
	short, shortCancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer shortCancel()
	require.ErrorIs(t, q.Put(short, DiskRequest{SizeMB: 9}), context.DeadlineExceeded)
}

func TestBoundedClose(t *testing.T) {
	q := NewBounded(4)
	require.NoError(t, q.TryPut(DiskRequest{SizeMB: 1}))
	q.Close()
	q.Close()

	require.ErrorIs(t, q.TryPut(DiskRequest{SizeMB: 2}), ErrClosed)
	require.ErrorIs(t, q.Put(context.Background(), DiskRequest{SizeMB: 2}), ErrClosed)

	req, err := q.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, req.SizeMB)
	_, err = q.Get(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	_, err = q.TryGet()
	require.ErrorIs(t, err, ErrClosed)
}

func TestCloseWakesGetter(t *testing.T) {
	q := NewBounded(1)
	errc := make(chan error)
	go func() {
		_, err := q.Get(context.Background())
		errc <- err
	}()
	q.Close()
	require.ErrorIs(t, <-errc, ErrClosed)
}

func TestForwardFeed(t *testing.T) {
	src := NewBounded(4)
	for _, size := range []int{5, 10, 15} {
		require.NoError(t, src.TryPut(DiskRequest{SizeMB: size}))
	}
	src.Close()

	buf := &bytes.Buffer{}
	require.NoError(t, Forward(context.Background(), src, buf))
	require.Equal(t, "{\"size\":5}\n{\"size\":10}\n{\"size\":15}\n", buf.String())

	dst := NewBounded(4)
	require.NoError(t, Feed(context.Background(), buf, dst))
	require.Equal(t, 3, dst.Len())
	req, err := dst.TryGet()
	require.NoError(t, err)
	require.Equal(t, 5, req.SizeMB)
}

func TestFeedRejectsGarbage(t *testing.T) {
	require.Error(t, Feed(context.Background(), bytes.NewBufferString("not json\n"), NewBounded(1)))
}

func TestForwardStopsOnWriteError(t *testing.T) {
	q := NewBounded(1)
	require.NoError(t, q.TryPut(DiskRequest{SizeMB: 1}))
	r, w := io.Pipe()
	_ = r.Close()
	require.Error(t, Forward(context.Background(), q, w))
}
