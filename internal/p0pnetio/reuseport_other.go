//go:build !linux

package p0pnetio

import "syscall"

// controlSetReusePort is a no-op on platforms without SO_REUSEPORT support
// in golang.org/x/sys/unix's portable surface; the server still binds and
// runs, it just can't share the port across processes.
func controlSetReusePort(_, _ string, _ syscall.RawConn) error {
	return nil
}
