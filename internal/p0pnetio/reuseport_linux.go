//go:build linux

package p0pnetio

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlSetReusePort is a net.ListenConfig.Control callback that sets
// SO_REUSEPORT on the listening socket before it is bound, so several
// server processes (or a restarting one racing its predecessor) can share
// the same UDP port, matching the teacher's socket-option setup in
// internal/netio/rawsock_linux.go.
func controlSetReusePort(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
