package chat

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/andy6609/chatserver/internal/codec"
)

// ErrBrokenPipe is returned by Send when a write hits a peer that has
// reset the connection (EPIPE/ECONNRESET). It is always recoverable:
// the caller disconnects the one Connection, the process never dies.
var ErrBrokenPipe = errors.New("chat: broken pipe")

// Status is a Connection's lifecycle state (spec §3 "Connection").
type Status int32

const (
	Offline Status = iota
	Online
)

func (s Status) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

// Connection owns exactly one client socket for its entire lifetime
// (spec §3 "Connection", §4.2). Nickname is set once, at Handshake, and
// is immutable afterward. Disconnect is idempotent.
type Connection struct {
	fd     int
	nick   string
	status atomic.Int32
	once   sync.Once
}

// NewConnection wraps an already-accepted, blocking socket fd. The
// Connection takes ownership: it alone may read, write, or close fd
// from here on.
func NewConnection(fd int) *Connection {
	c := &Connection{fd: fd}
	c.status.Store(int32(Offline))
	return c
}

// FD returns the raw descriptor, for registration with the reactor.
func (c *Connection) FD() int { return c.fd }

// Nick returns the connection's nickname, or "" before Handshake.
func (c *Connection) Nick() string { return c.nick }

// Status returns the connection's current lifecycle state.
func (c *Connection) Status() Status { return Status(c.status.Load()) }

// Handshake performs one Decode on the socket and adopts the result as
// the nickname, then transitions to Online. Fails with codec.ErrClosed
// (a 16-bit length prefix cannot announce an over-long body), which
// must cause the caller to drop the connection without registering it.
func (c *Connection) Handshake() (string, error) {
	body, err := codec.Decode(&fdReader{fd: c.fd})
	if err != nil {
		return "", err
	}
	c.nick = string(body)
	c.status.Store(int32(Online))
	return c.nick, nil
}

// Send performs a blocking send of Encode(body), retrying on partial
// writes until everything is transmitted.
func (c *Connection) Send(body []byte) error {
	frame, err := codec.Encode(body)
	if err != nil {
		return err
	}
	w := &fdWriter{fd: c.fd}
	_, err = w.Write(frame)
	return err
}

// Recv performs one blocking Decode from the socket.
func (c *Connection) Recv() ([]byte, error) {
	return codec.Decode(&fdReader{fd: c.fd})
}

// Disconnect transitions the Connection to Offline and closes its
// socket. Safe to call any number of times; only the first call has any
// effect.
func (c *Connection) Disconnect() {
	c.once.Do(func() {
		c.status.Store(int32(Offline))
		_ = unix.Close(c.fd)
	})
}

// fdReader/fdWriter adapt a raw blocking socket fd to io.Reader/io.Writer
// so the codec package can stay free of syscall concerns.

type fdReader struct{ fd int }

func (r *fdReader) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(r.fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}

type fdWriter struct{ fd int }

func (w *fdWriter) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := unix.Write(w.fd, p[total:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EPIPE || err == unix.ECONNRESET {
			return total, ErrBrokenPipe
		}
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
