package packet

import (
	"encoding/binary"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// MSSOption encodes a TCP maximum-segment-size option for use in a SYN+ACK.
func MSSOption(mss uint16) []byte {
	opt := make([]byte, 4)
	opt[0] = 2
	opt[1] = 4
	binary.BigEndian.PutUint16(opt[2:4], mss)
	return opt
}

// BuildTCP serializes one IPv4+TCP packet with valid length and checksum
// fields. ip.Protocol is forced to TCP; a zero TTL becomes the default.
func BuildTCP(ip IPv4, t *TCP) []byte {
	opts := t.Options
	if pad := len(opts) % 4; pad != 0 {
		padded := make([]byte, len(opts)+4-pad)
		copy(padded, opts)
		opts = padded
	}
	tcpLen := header.TCPMinimumSize + len(opts)
	total := header.IPv4MinimumSize + tcpLen + len(t.Payload)

	buf := make([]byte, total)
	putIPv4Header(buf, ip, ProtocolTCP, total)

	seg := buf[header.IPv4MinimumSize:]
	binary.BigEndian.PutUint16(seg[0:2], t.SrcPort)
	binary.BigEndian.PutUint16(seg[2:4], t.DstPort)
	binary.BigEndian.PutUint32(seg[4:8], t.Seq)
	binary.BigEndian.PutUint32(seg[8:12], t.Ack)
	seg[12] = byte(tcpLen/4) << 4
	seg[13] = byte(t.Flags)
	binary.BigEndian.PutUint16(seg[14:16], t.Window)
	copy(seg[header.TCPMinimumSize:], opts)
	copy(seg[tcpLen:], t.Payload)

	xsum := pseudoHeaderChecksum(ip, header.TCPProtocolNumber, len(seg))
	xsum = checksum.Checksum(seg, xsum)
	binary.BigEndian.PutUint16(seg[16:18], ^xsum)

	return buf
}

// BuildUDP serializes one IPv4+UDP packet with valid length and checksum
// fields. A computed checksum of zero is transmitted as 0xffff per RFC 768.
func BuildUDP(ip IPv4, u *UDP) []byte {
	udpLen := header.UDPMinimumSize + len(u.Payload)
	total := header.IPv4MinimumSize + udpLen

	buf := make([]byte, total)
	putIPv4Header(buf, ip, ProtocolUDP, total)

	seg := buf[header.IPv4MinimumSize:]
	binary.BigEndian.PutUint16(seg[0:2], u.SrcPort)
	binary.BigEndian.PutUint16(seg[2:4], u.DstPort)
	binary.BigEndian.PutUint16(seg[4:6], uint16(udpLen))
	copy(seg[header.UDPMinimumSize:], u.Payload)

	xsum := pseudoHeaderChecksum(ip, header.UDPProtocolNumber, udpLen)
	xsum = ^checksum.Checksum(seg, xsum)
	if xsum == 0 {
		xsum = 0xffff
	}
	binary.BigEndian.PutUint16(seg[6:8], xsum)

	return buf
}

func putIPv4Header(buf []byte, ip IPv4, proto uint8, total int) {
	ttl := ip.TTL
	if ttl == 0 {
		ttl = defaultTTL
	}
	buf[0] = 0x45
	binary.BigEndian.PutUint16(buf[2:4], uint16(total))
	binary.BigEndian.PutUint16(buf[4:6], ip.ID)
	buf[8] = ttl
	buf[9] = proto
	src := ip.SrcAddr.As4()
	dst := ip.DstAddr.As4()
	copy(buf[12:16], src[:])
	copy(buf[16:20], dst[:])
	binary.BigEndian.PutUint16(buf[10:12], ^checksum.Checksum(buf[:header.IPv4MinimumSize], 0))
}

func pseudoHeaderChecksum(ip IPv4, proto tcpip.TransportProtocolNumber, segLen int) uint16 {
	return header.PseudoHeaderChecksum(proto,
		tcpip.AddrFrom4(ip.SrcAddr.As4()),
		tcpip.AddrFrom4(ip.DstAddr.As4()),
		uint16(segLen))
}
