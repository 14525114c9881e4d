package packet

import (
	"encoding/binary"
	"net/netip"
	"strings"

	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// IP protocol numbers handled by the engine.
const (
	ProtocolTCP = uint8(header.TCPProtocolNumber)
	ProtocolUDP = uint8(header.UDPProtocolNumber)
)

const defaultTTL = 64

// TCPFlags is the flag byte of a TCP header.
type TCPFlags uint8

const (
	FlagFIN TCPFlags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
)

func (f TCPFlags) Has(mask TCPFlags) bool {
	return f&mask == mask
}

func (f TCPFlags) String() string {
	s := []string{}
	if f.Has(FlagSYN) {
		s = append(s, "SYN")
	}
	if f.Has(FlagRST) {
		s = append(s, "RST")
	}
	if f.Has(FlagFIN) {
		s = append(s, "FIN")
	}
	if f.Has(FlagACK) {
		s = append(s, "ACK")
	}
	if f.Has(FlagPSH) {
		s = append(s, "PSH")
	}
	if f.Has(FlagURG) {
		s = append(s, "URG")
	}
	return strings.Join(s, ",")
}

// IPv4 holds the header fields the engine cares about. Options are not
// carried; packets with IP options still parse (the option bytes are skipped).
type IPv4 struct {
	SrcAddr  netip.Addr
	DstAddr  netip.Addr
	Protocol uint8
	TTL      uint8
	ID       uint16
}

// TCP is a parsed or to-be-built TCP segment. Options and Payload are views
// into the raw buffer after Parse; callers that retain them past the next
// device read must copy.
type TCP struct {
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   TCPFlags
	Window  uint16
	Options []byte
	Payload []byte
}

// UDP is a parsed or to-be-built UDP datagram.
type UDP struct {
	SrcPort uint16
	DstPort uint16
	Payload []byte
}

// Parsed is the result of decoding one raw IP packet. Exactly one of TCP and
// UDP is non-nil for the transport protocols the engine handles; both are nil
// for other protocols (the IP fields are still filled in).
type Parsed struct {
	IP  IPv4
	TCP *TCP
	UDP *UDP
}

// Parse decodes a raw IPv4 packet. It returns false for anything truncated,
// non-IPv4, or otherwise malformed; such packets are dropped by the caller.
// Parse never panics on adversarial input.
func Parse(raw []byte) (*Parsed, bool) {
	if len(raw) < header.IPv4MinimumSize {
		return nil, false
	}
	if raw[0]>>4 != 4 {
		return nil, false
	}
	ihl := int(raw[0]&0x0f) * 4
	if ihl < header.IPv4MinimumSize || len(raw) < ihl {
		return nil, false
	}
	totalLen := int(binary.BigEndian.Uint16(raw[2:4]))
	if totalLen < ihl || totalLen > len(raw) {
		return nil, false
	}
	raw = raw[:totalLen]

	p := &Parsed{
		IP: IPv4{
			SrcAddr:  netip.AddrFrom4([4]byte(raw[12:16])),
			DstAddr:  netip.AddrFrom4([4]byte(raw[16:20])),
			Protocol: raw[9],
			TTL:      raw[8],
			ID:       binary.BigEndian.Uint16(raw[4:6]),
		},
	}

	seg := raw[ihl:]
	switch p.IP.Protocol {
	case ProtocolTCP:
		if len(seg) < header.TCPMinimumSize {
			return nil, false
		}
		dataOff := int(seg[12]>>4) * 4
		if dataOff < header.TCPMinimumSize || dataOff > len(seg) {
			return nil, false
		}
		t := &TCP{
			SrcPort: binary.BigEndian.Uint16(seg[0:2]),
			DstPort: binary.BigEndian.Uint16(seg[2:4]),
			Seq:     binary.BigEndian.Uint32(seg[4:8]),
			Ack:     binary.BigEndian.Uint32(seg[8:12]),
			Flags:   TCPFlags(seg[13] & 0x3f),
			Window:  binary.BigEndian.Uint16(seg[14:16]),
			Payload: seg[dataOff:],
		}
		if dataOff > header.TCPMinimumSize {
			t.Options = seg[header.TCPMinimumSize:dataOff]
		}
		p.TCP = t
	case ProtocolUDP:
		if len(seg) < header.UDPMinimumSize {
			return nil, false
		}
		uLen := int(binary.BigEndian.Uint16(seg[4:6]))
		if uLen < header.UDPMinimumSize || uLen > len(seg) {
			return nil, false
		}
		p.UDP = &UDP{
			SrcPort: binary.BigEndian.Uint16(seg[0:2]),
			DstPort: binary.BigEndian.Uint16(seg[2:4]),
			Payload: seg[header.UDPMinimumSize:uLen],
		}
	}

	return p, true
}
