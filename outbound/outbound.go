// Package outbound is the seam between the protocol engine and the host's
// loop-prevention capability. Sockets created here must not be routed back
// into the virtual interface; how that is guaranteed is platform business
// (on Linux a fwmark excluded from the TUN rule, on mobile a protect() call).
package outbound

import (
	"context"
	"net"
	"net/netip"
	"syscall"
	"time"
)

// Factory creates sockets toward real destinations. The engine treats
// creation as infallible-or-error and never retries.
type Factory interface {
	// DialTCP opens a stream connection to dst.
	DialTCP(ctx context.Context, dst netip.AddrPort) (net.Conn, error)
	// DialUDP opens a connected datagram socket to dst.
	DialUDP(dst netip.AddrPort) (net.Conn, error)
}

// NetFactory dials with the standard net package. Control, when set, runs on
// every raw fd before connect and is where the loop-prevention mark or
// protect call goes.
type NetFactory struct {
	ConnectTimeout time.Duration
	Control        func(network, address string, c syscall.RawConn) error
}

func (f *NetFactory) dialer() *net.Dialer {
	return &net.Dialer{
		Timeout: f.ConnectTimeout,
		Control: f.Control,
	}
}

func (f *NetFactory) DialTCP(ctx context.Context, dst netip.AddrPort) (net.Conn, error) {
	return f.dialer().DialContext(ctx, "tcp4", dst.String())
}

func (f *NetFactory) DialUDP(dst netip.AddrPort) (net.Conn, error) {
	return f.dialer().Dial("udp4", dst.String())
}
