//go:build linux

package reactor

import (
	"golang.org/x/sys/unix"
)

// newListenSocket creates a non-blocking IPv4 TCP socket bound to 0.0.0.0
// on port and listening with the given backlog. It is constructed from
// raw syscalls rather than net.Listen because the reactor needs direct
// fd ownership for epoll, not a *net.TCPListener's internal poller.
func newListenSocket(port, backlog int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return 0, err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return 0, err
	}

	addr := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return 0, err
	}

	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return 0, err
	}

	return fd, nil
}
