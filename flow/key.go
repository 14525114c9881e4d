package flow

import (
	"fmt"
	"net/netip"

	"github.com/ternfw/tern/packet"
)

// Key identifies one logical flow by protocol and 4-tuple, as seen from the
// device side: Src is the local client, Dst the real destination. Keys are
// comparable and used directly as map keys.
type Key struct {
	Protocol uint8
	Src      netip.AddrPort
	Dst      netip.AddrPort
}

// NewKey builds a key from raw tuple parts.
func NewKey(proto uint8, srcAddr netip.Addr, srcPort uint16, dstAddr netip.Addr, dstPort uint16) Key {
	return Key{
		Protocol: proto,
		Src:      netip.AddrPortFrom(srcAddr, srcPort),
		Dst:      netip.AddrPortFrom(dstAddr, dstPort),
	}
}

// TCPKey derives the key for a parsed TCP segment.
func TCPKey(ip packet.IPv4, t *packet.TCP) Key {
	return NewKey(packet.ProtocolTCP, ip.SrcAddr, t.SrcPort, ip.DstAddr, t.DstPort)
}

// UDPKey derives the key for a parsed UDP datagram.
func UDPKey(ip packet.IPv4, u *packet.UDP) Key {
	return NewKey(packet.ProtocolUDP, ip.SrcAddr, u.SrcPort, ip.DstAddr, u.DstPort)
}

func (k Key) String() string {
	proto := "proto?"
	switch k.Protocol {
	case packet.ProtocolTCP:
		proto = "tcp"
	case packet.ProtocolUDP:
		proto = "udp"
	}
	return fmt.Sprintf("%s %s->%s", proto, k.Src, k.Dst)
}
