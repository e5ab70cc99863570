package worker

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/networkoptix/nx-system-tests-sub010/queue"
	"github.com/networkoptix/nx-system-tests-sub010/registry"
	"github.com/networkoptix/nx-system-tests-sub010/usbip"
)

func TestWorkerCreatesQueuedDisks(t *testing.T) {
	q := queue.NewBounded(4)
	w := New("m1", q, registry.MemoryBackends(), nil, nil)
	l, err := Listen("127.0.0.1", 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, l) }()

	require.NoError(t, q.TryPut(queue.DiskRequest{SizeMB: 5}))
	require.NoError(t, q.TryPut(queue.DiskRequest{SizeMB: 0}))
	require.NoError(t, q.TryPut(queue.DiskRequest{SizeMB: 7}))
	require.Eventually(t, func() bool {
		return len(w.Registry().ListDevices()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	devs := w.Registry().ListDevices()
	require.Equal(t, 5, devs[0].SizeMB)
	require.Equal(t, 7, devs[1].SizeMB)

	c, err := usbip.Target{Host: "127.0.0.1", Port: l.Addr().(*net.TCPAddr).Port}.Dial()
	require.NoError(t, err)
	listed, err := c.ListRequest()
	require.NoError(t, err)
	require.Len(t, listed, 2)
	c.Close()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
	_, err = w.Registry().CreateMassStorage(1)
	require.ErrorIs(t, err, registry.ErrClosed)
}

func TestRunFedStopsWhenStreamEnds(t *testing.T) {
	w := New("m1", queue.NewBounded(4), registry.MemoryBackends(), nil, nil)
	l, err := Listen("127.0.0.1", 0)
	require.NoError(t, err)

	r, wr := io.Pipe()
	done := make(chan error, 1)
	go func() { done <- w.RunFed(context.Background(), l, r) }()

	_, err = wr.Write([]byte("{\"size\":3}\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(w.Registry().ListDevices()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, wr.Close())
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrControlClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestRunFedStopsOnCancel(t *testing.T) {
	w := New("m1", queue.NewBounded(4), registry.MemoryBackends(), nil, nil)
	l, err := Listen("127.0.0.1", 0)
	require.NoError(t, err)

	r, _ := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.RunFed(ctx, l, r) }()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}
