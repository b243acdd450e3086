package chat

import (
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/andy6609/chatserver/internal/codec"
	"github.com/prometheus/client_golang/prometheus"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()
	srv := NewServer(Config{Iface: "127.0.0.1", Port: 0, Backlog: 16}, nil, NewMetrics(prometheus.NewRegistry()))
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv
}

func dialAndHandshake(t *testing.T, srv *Server, nick string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", portString(srv.Port())), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	frame, _ := codec.Encode([]byte(nick))
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("handshake write: %v", err)
	}
	return conn
}

func portString(p uint16) string {
	return strconv.Itoa(int(p))
}

func send(t *testing.T, conn net.Conn, body string) {
	t.Helper()
	frame, err := codec.Encode([]byte(body))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recvWithTimeout(t *testing.T, conn net.Conn, d time.Duration) ([]byte, error) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(d))
	return codec.Decode(conn)
}

func TestBasicBroadcast(t *testing.T) {
	srv := startTestServer(t)
	alice := dialAndHandshake(t, srv, "alice")
	bob := dialAndHandshake(t, srv, "bob")
	defer alice.Close()
	defer bob.Close()

	time.Sleep(50 * time.Millisecond) // let both registrations land
	send(t, alice, "hi")

	got, err := recvWithTimeout(t, bob, 2*time.Second)
	if err != nil {
		t.Fatalf("bob recv: %v", err)
	}
	if string(got) != "alice: hi" {
		t.Fatalf("bob got %q, want %q", got, "alice: hi")
	}

	alice.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, err := codec.Decode(alice); err == nil {
		t.Fatal("alice should not receive her own broadcast")
	}
}

func TestListCommand(t *testing.T) {
	srv := startTestServer(t)
	alice := dialAndHandshake(t, srv, "alice")
	bob := dialAndHandshake(t, srv, "bob")
	defer alice.Close()
	defer bob.Close()

	time.Sleep(50 * time.Millisecond)
	send(t, alice, "list")

	got, err := recvWithTimeout(t, alice, 2*time.Second)
	if err != nil {
		t.Fatalf("alice recv: %v", err)
	}
	text := string(got)
	if !strings.Contains(text, "alice     : online\n") || !strings.Contains(text, "bob       : online\n") {
		t.Fatalf("unexpected listing: %q", text)
	}

	bob.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, err := codec.Decode(bob); err == nil {
		t.Fatal("bob should not receive alice's list response")
	}
}

func TestPeerDisconnectMidSession(t *testing.T) {
	srv := startTestServer(t)
	alice := dialAndHandshake(t, srv, "alice")
	bob := dialAndHandshake(t, srv, "bob")
	defer alice.Close()

	time.Sleep(50 * time.Millisecond)
	bob.Close() // abrupt peer close

	time.Sleep(50 * time.Millisecond)
	send(t, alice, "still here")

	// No remaining online peer to receive it; just confirm alice gets no
	// frame back (no echo, no error message) before the read deadline.
	alice.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, err := codec.Decode(alice)
	if err == nil {
		t.Fatal("alice unexpectedly received a frame")
	}
}

func TestEmptyMessage(t *testing.T) {
	srv := startTestServer(t)
	alice := dialAndHandshake(t, srv, "alice")
	bob := dialAndHandshake(t, srv, "bob")
	defer alice.Close()
	defer bob.Close()

	time.Sleep(50 * time.Millisecond)
	send(t, alice, "")

	got, err := recvWithTimeout(t, bob, 2*time.Second)
	if err != nil {
		t.Fatalf("bob recv: %v", err)
	}
	if string(got) != "alice: " {
		t.Fatalf("bob got %q, want %q", got, "alice: ")
	}
}

func TestNickHandshakeFailureLeavesNoRegistryEntry(t *testing.T) {
	srv := startTestServer(t)
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", portString(srv.Port())), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.Close() // close before sending any frame

	time.Sleep(50 * time.Millisecond)
	if srv.registry.Len() != 0 {
		t.Fatalf("registry.Len() = %d, want 0", srv.registry.Len())
	}
}

func TestNickCollisionRejectsNewConnection(t *testing.T) {
	srv := startTestServer(t)
	alice1 := dialAndHandshake(t, srv, "alice")
	defer alice1.Close()
	time.Sleep(50 * time.Millisecond)

	alice2, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", portString(srv.Port())), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer alice2.Close()
	frame, _ := codec.Encode([]byte("alice"))
	alice2.Write(frame)

	time.Sleep(50 * time.Millisecond)
	alice2.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 1)
	if _, err := alice2.Read(buf); err == nil {
		t.Fatal("expected the colliding connection to be dropped")
	}

	if srv.registry.Len() != 1 {
		t.Fatalf("registry.Len() = %d, want 1", srv.registry.Len())
	}
}

