//go:build !linux

package device

import (
	"fmt"
	"net/netip"
	"runtime"
)

type SetupConfig struct {
	Name  string
	Addr  netip.Prefix
	MTU   int
	Mark  uint32
	Table int
}

func Setup(cfg SetupConfig) (*Tun, error) {
	return nil, fmt.Errorf("interface setup is not supported on %s", runtime.GOOS)
}
