//go:build !windows
// +build !windows

package api

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/fosrl/newt/logger"
)

// listenUnixSocket binds the control socket, clearing any stale socket file a
// previous run left behind.
func listenUnixSocket(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("socket directory: %w", err)
	}

	// An unclean exit leaves the old socket file bound; it blocks the listen.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}

	if err := os.Chmod(path, 0666); err != nil {
		ln.Close()
		return nil, fmt.Errorf("socket permissions: %w", err)
	}

	logger.Debug("api: control socket at %s", path)
	return ln, nil
}

// removeUnixSocket cleans the socket file up on shutdown.
func removeUnixSocket(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn("api: could not remove socket %s: %v", path, err)
	}
}
