// Package queue carries disk creation requests from the control plane to a worker.
package queue

import (
	"context"
	"sync"

	"github.com/efficientgo/core/errors"
)

var (
	// ErrFull is returned by TryPut when the queue has no free slot.
	ErrFull = errors.New("queue full")
	// ErrEmpty is returned by TryGet when no request is pending.
	ErrEmpty = errors.New("queue empty")
	// ErrClosed is returned once the queue is closed and drained.
	ErrClosed = errors.New("queue closed")
)

// DiskRequest asks a worker to create one mass storage device.
type DiskRequest struct {
	SizeMB int `json:"size"`
}

// Queue is a bounded FIFO of disk requests. Each request is consumed at most once.
type Queue interface {
	// Put blocks until the request is queued, the context ends or the queue is closed.
	Put(ctx context.Context, req DiskRequest) error
	// TryPut queues the request or fails with ErrFull without blocking.
	TryPut(req DiskRequest) error
	// Get blocks until a request is available, the context ends or the queue is closed and drained.
	Get(ctx context.Context) (DiskRequest, error)
	// TryGet returns a pending request or fails with ErrEmpty without blocking.
	TryGet() (DiskRequest, error)
	// Len is the number of pending requests.
	Len() int
	// Close rejects further puts. Pending requests can still be taken.
	Close()
}

type bounded struct {
	ch   chan DiskRequest
	done chan struct{}
	once sync.Once
}

// NewBounded returns a queue holding at most capacity requests.
func NewBounded(capacity int) Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &bounded{
		ch:   make(chan DiskRequest, capacity),
		done: make(chan struct{}),
	}
}

func (b *bounded) closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func (b *bounded) Put(ctx context.Context, req DiskRequest) error {
	if b.closed() {
		return ErrClosed
	}
	select {
	case b.ch <- req:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *bounded) TryPut(req DiskRequest) error {
	if b.closed() {
		return ErrClosed
	}
	select {
	case b.ch <- req:
		return nil
	default:
		return ErrFull
	}
}

func (b *bounded) Get(ctx context.Context) (DiskRequest, error) {
	select {
	case req := <-b.ch:
		return req, nil
	default:
	}
	select {
	case req := <-b.ch:
		return req, nil
	case <-b.done:
		return b.drain()
	case <-ctx.Done():
		return DiskRequest{}, ctx.Err()
	}
}

// drain hands out what was queued before Close.
func (b *bounded) drain() (DiskRequest, error) {
	select {
	case req := <-b.ch:
		return req, nil
	default:
		return DiskRequest{}, ErrClosed
	}
}

func (b *bounded) TryGet() (DiskRequest, error) {
	select {
	case req := <-b.ch:
		return req, nil
	default:
		if b.closed() {
			return DiskRequest{}, ErrClosed
		}
		return DiskRequest{}, ErrEmpty
	}
}

func (b *bounded) Len() int { return len(b.ch) }

func (b *bounded) Close() {
	b.once.Do(func() { close(b.done) })
}
