//go:build !linux
// +build !linux

package outbound

import "syscall"

// MarkControl is a no-op off Linux; loop prevention there relies on routing
// configuration instead of socket marks.
func MarkControl(mark uint32) func(network, address string, c syscall.RawConn) error {
	return nil
}
