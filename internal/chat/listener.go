package chat

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// listen creates a blocking, IPv4 TCP listening socket bound to
// iface:port with the given backlog, returning its raw fd and the
// actual port bound (useful when port == 0 asks the kernel to pick an
// ephemeral one). IPv6 is an explicit non-goal (spec §1).
func listen(iface string, port uint16, backlog int) (fd int, boundPort uint16, err error) {
	addr, err := net.ResolveIPAddr("ip4", iface)
	if err != nil {
		return -1, 0, fmt.Errorf("chat: resolve %q: %w", iface, err)
	}
	var ip [4]byte
	copy(ip[:], addr.IP.To4())

	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, 0, fmt.Errorf("chat: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("chat: setsockopt: %w", err)
	}
	sa := &unix.SockaddrInet4{Port: int(port), Addr: ip}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("chat: bind %s:%d: %w", iface, port, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("chat: listen: %w", err)
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("chat: getsockname: %w", err)
	}
	boundAddr, ok := bound.(*unix.SockaddrInet4)
	if !ok {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("chat: getsockname: unexpected sockaddr type %T", bound)
	}
	return fd, uint16(boundAddr.Port), nil
}

// accept accepts one pending connection on a listening fd, returning
// the new connection's raw, blocking fd.
func accept(listenFD int) (int, error) {
	for {
		nfd, _, err := unix.Accept(listenFD)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return -1, fmt.Errorf("chat: accept: %w", err)
		}
		return nfd, nil
	}
}
