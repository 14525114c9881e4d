//go:build linux

package outbound

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// MarkControl returns a dialer control that sets SO_MARK on every outbound
// socket. The interface setup installs a routing rule excluding this mark
// from the TUN route, which keeps engine traffic from being recaptured.
func MarkControl(mark uint32) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, int(mark))
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}
