// Package reactor implements the single-threaded, epoll-based readiness
// multiplexer described in spec §4.4. It dispatches readiness events for
// an arbitrary set of descriptors to registered handlers, synchronously,
// on the goroutine that calls Run. It performs no I/O of its own.
package reactor

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// EventMask is a bitmask of readiness conditions, mirroring the epoll
// event bits directly so it can be passed straight through to EpollCtl.
type EventMask uint32

const (
	Readable   EventMask = unix.EPOLLIN
	Writable   EventMask = unix.EPOLLOUT
	PeerClosed EventMask = unix.EPOLLRDHUP
	Hangup     EventMask = unix.EPOLLHUP
	Err        EventMask = unix.EPOLLERR
)

// HandlerFunc is invoked synchronously on the reactor goroutine whenever
// events matching a registration's mask occur on its fd.
type HandlerFunc func(events EventMask)

const maxEvents = 256

// Reactor is a single-threaded epoll dispatcher. Add and Del must be
// called either before Run starts or from handlers running on the Run
// goroutine; Stop is safe to call from any goroutine.
type Reactor struct {
	epfd int

	// handlers is only read and written by the Run goroutine once Run
	// has started; registrations made before that happen before Run is
	// started, so it needs no lock.
	handlers map[int]HandlerFunc

	stopFD     int
	stopOnce   sync.Once
	stoppedErr error
}

// New creates a Reactor with its own epoll instance and stop eventfd.
func New() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	stopFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("reactor: eventfd: %w", err)
	}
	r := &Reactor{
		epfd:     epfd,
		handlers: make(map[int]HandlerFunc),
		stopFD:   stopFD,
	}
	if err := r.Add(stopFD, Readable, func(EventMask) {}); err != nil {
		unix.Close(epfd)
		unix.Close(stopFD)
		return nil, err
	}
	return r, nil
}

// Add registers handler for events matching mask on fd. A duplicate fd
// replaces the prior handler.
func (r *Reactor) Add(fd int, mask EventMask, handler HandlerFunc) error {
	ev := &unix.EpollEvent{Events: uint32(mask), Fd: int32(fd)}
	_, existed := r.handlers[fd]
	op := unix.EPOLL_CTL_ADD
	if existed {
		op = unix.EPOLL_CTL_MOD
	}
	if err := unix.EpollCtl(r.epfd, op, fd, ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl(%d): %w", fd, err)
	}
	r.handlers[fd] = handler
	return nil
}

// Del deregisters fd. No further events will be delivered for it.
func (r *Reactor) Del(fd int) {
	if _, ok := r.handlers[fd]; !ok {
		return
	}
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	delete(r.handlers, fd)
}

// Run blocks, dispatching readiness events to their handlers, until
// Stop is called or ctx is done. Handlers may add/delete registrations
// freely, including deleting the fd currently being dispatched.
func (r *Reactor) Run(ctx context.Context) error {
	if ctx != nil {
		go func() {
			<-ctx.Done()
			r.Stop()
		}()
	}

	events := make([]unix.EpollEvent, maxEvents)
	for {
		n, err := unix.EpollWait(r.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("reactor: epoll_wait: %w", err)
		}
		stopped := false
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == r.stopFD {
				stopped = true
				continue
			}
			if handler, ok := r.handlers[fd]; ok {
				handler(EventMask(events[i].Events))
			}
		}
		if stopped {
			return r.stoppedErr
		}
	}
}

// Stop signals Run to exit after the current batch. Safe to call from
// any goroutine, any number of times.
func (r *Reactor) Stop() {
	r.stopOnce.Do(func() {
		var buf [8]byte
		buf[0] = 1
		_, _ = unix.Write(r.stopFD, buf[:])
	})
}

// Close releases the reactor's kernel resources. Call after Run
// returns.
func (r *Reactor) Close() error {
	err1 := unix.Close(r.stopFD)
	err2 := unix.Close(r.epfd)
	if err1 != nil {
		return err1
	}
	return err2
}
