// Package queue implements the concurrent envelope FIFO described in
// spec §4.3: a thread-safe queue whose "has data" state is exposed as a
// real OS-level descriptor, so an epoll-based reactor can multiplex
// "socket readable" and "queue non-empty" in a single wait call.
//
// The notify descriptor is a Linux eventfd opened in EFD_SEMAPHORE mode:
// each Push adds exactly one token, and each successful Pop consumes
// exactly one, so the descriptor's readability always tracks queue depth
// one-for-one.
package queue

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Queue is an MPMC FIFO of items of type T.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	notifyFD int
	wake     chan struct{} // capacity 1, non-blocking send wakes one WaitPop
	closed   bool
}

// New creates a Queue backed by a fresh eventfd.
func New[T any]() (*Queue[T], error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC|unix.EFD_SEMAPHORE)
	if err != nil {
		return nil, fmt.Errorf("queue: eventfd: %w", err)
	}
	return &Queue[T]{
		notifyFD: fd,
		wake:     make(chan struct{}, 1),
	}, nil
}

// NotifyFD returns the descriptor the reactor should register for
// READABLE events. It stays readable for as long as unconsumed items
// remain.
func (q *Queue[T]) NotifyFD() int {
	return q.notifyFD
}

// Push appends item, makes the notify descriptor readable for it, and
// wakes one blocked WaitPop if any. It never blocks meaningfully.
func (q *Queue[T]) Push(item T) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, item)
	q.addToken()
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// TryPop removes and returns the head item if the queue is non-empty,
// consuming one notification token.
func (q *Queue[T]) TryPop() (item T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return item, false
	}
	item = q.items[0]
	q.items = q.items[1:]
	q.consumeToken()
	return item, true
}

// WaitPop blocks until an item is available (or ctx is done), then
// behaves as TryPop. Spurious wake-ups are retried internally.
func (q *Queue[T]) WaitPop(ctx context.Context) (T, error) {
	for {
		if item, ok := q.TryPop(); ok {
			return item, nil
		}
		select {
		case <-q.wake:
			continue
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Size returns the current number of unconsumed items.
func (q *Queue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close releases the eventfd. The queue must not be used afterward.
func (q *Queue[T]) Close() error {
	q.mu.Lock()
	q.closed = true
	fd := q.notifyFD
	q.mu.Unlock()
	return unix.Close(fd)
}

// addToken and consumeToken must be called with mu held.
func (q *Queue[T]) addToken() {
	var buf [8]byte
	buf[0] = 1
	for {
		_, err := unix.Write(q.notifyFD, buf[:])
		if err == unix.EINTR {
			continue
		}
		return
	}
}

func (q *Queue[T]) consumeToken() {
	var buf [8]byte
	for {
		_, err := unix.Read(q.notifyFD, buf[:])
		if err == unix.EINTR {
			continue
		}
		return
	}
}
