package chat

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/andy6609/chatserver/internal/codec"
)

func socketPair(t *testing.T) (a, b *Connection) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	return NewConnection(fds[0]), NewConnection(fds[1])
}

func TestConnectionHandshakeSetsNickAndOnline(t *testing.T) {
	a, b := socketPair(t)
	defer a.Disconnect()
	defer b.Disconnect()

	frame, _ := codec.Encode([]byte("alice"))
	go func() {
		w := &fdWriter{fd: b.fd}
		w.Write(frame)
	}()

	nick, err := a.Handshake()
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if nick != "alice" || a.Nick() != "alice" {
		t.Fatalf("Nick() = %q, want alice", a.Nick())
	}
	if a.Status() != Online {
		t.Fatalf("Status() = %v, want Online", a.Status())
	}
}

func TestConnectionSendRecvRoundTrip(t *testing.T) {
	a, b := socketPair(t)
	defer a.Disconnect()
	defer b.Disconnect()

	if err := a.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := b.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want hello", got)
	}
}

func TestConnectionDisconnectIsIdempotent(t *testing.T) {
	a, _ := socketPair(t)
	a.Disconnect()
	a.Disconnect() // must not panic or error
	if a.Status() != Offline {
		t.Fatalf("Status() = %v, want Offline", a.Status())
	}
}

func TestConnectionRecvAfterPeerCloseIsClosedError(t *testing.T) {
	a, b := socketPair(t)
	defer a.Disconnect()
	b.Disconnect()

	_, err := a.Recv()
	if err != codec.ErrClosed {
		t.Fatalf("Recv() err = %v, want codec.ErrClosed", err)
	}
}
