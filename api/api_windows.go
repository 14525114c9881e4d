//go:build windows
// +build windows

package api

import (
	"errors"
	"net"
)

// listenUnixSocket is unsupported on Windows; use a TCP address instead.
func listenUnixSocket(path string) (net.Listener, error) {
	return nil, errors.New("unix control sockets are not supported on windows, use a TCP address")
}

func removeUnixSocket(path string) {}
