package packet_test

import (
	"bytes"
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/ternfw/tern/packet"
)

// refChecksum is an independent ones'-complement Internet checksum used to
// validate what the builder produces.
func refChecksum(data []byte, initial uint32) uint16 {
	sum := initial
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return uint16(sum)
}

func refPseudoSum(src, dst netip.Addr, proto uint8, segLen int) uint32 {
	var pseudo [12]byte
	s := src.As4()
	d := dst.As4()
	copy(pseudo[0:4], s[:])
	copy(pseudo[4:8], d[:])
	pseudo[9] = proto
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(segLen))
	return uint32(refChecksum(pseudo[:], 0))
}

func TestTCPRoundTrip(t *testing.T) {
	ip := packet.IPv4{
		SrcAddr:  netip.MustParseAddr("10.0.0.2"),
		DstAddr:  netip.MustParseAddr("93.184.216.34"),
		Protocol: packet.ProtocolTCP,
		TTL:      64,
		ID:       4919,
	}
	in := &packet.TCP{
		SrcPort: 43210,
		DstPort: 443,
		Seq:     0xdeadbeef,
		Ack:     0x01020304,
		Flags:   packet.FlagACK | packet.FlagPSH,
		Window:  65535,
		Payload: []byte("GET / HTTP/1.1\r\n\r\n"),
	}

	raw := packet.BuildTCP(ip, in)
	out, ok := packet.Parse(raw)
	if !ok {
		t.Fatal("failed to parse built packet")
	}
	if out.TCP == nil {
		t.Fatal("expected TCP segment")
	}
	if out.IP != ip {
		t.Errorf("IP header mismatch: got %+v, want %+v", out.IP, ip)
	}
	if out.TCP.SrcPort != in.SrcPort || out.TCP.DstPort != in.DstPort {
		t.Errorf("port mismatch: got %d->%d", out.TCP.SrcPort, out.TCP.DstPort)
	}
	if out.TCP.Seq != in.Seq || out.TCP.Ack != in.Ack {
		t.Errorf("seq/ack mismatch: got %d/%d", out.TCP.Seq, out.TCP.Ack)
	}
	if out.TCP.Flags != in.Flags {
		t.Errorf("flags mismatch: got %s, want %s", out.TCP.Flags, in.Flags)
	}
	if out.TCP.Window != in.Window {
		t.Errorf("window mismatch: got %d", out.TCP.Window)
	}
	if !bytes.Equal(out.TCP.Payload, in.Payload) {
		t.Errorf("payload mismatch: got %q", out.TCP.Payload)
	}
}

func TestTCPRoundTripWithOptions(t *testing.T) {
	ip := packet.IPv4{
		SrcAddr:  netip.MustParseAddr("10.0.0.2"),
		DstAddr:  netip.MustParseAddr("1.1.1.1"),
		Protocol: packet.ProtocolTCP,
		TTL:      64,
	}
	in := &packet.TCP{
		SrcPort: 50000,
		DstPort: 80,
		Seq:     1,
		Ack:     1,
		Flags:   packet.FlagSYN | packet.FlagACK,
		Window:  65535,
		Options: packet.MSSOption(1460),
	}

	out, ok := packet.Parse(packet.BuildTCP(ip, in))
	if !ok || out.TCP == nil {
		t.Fatal("failed to parse SYN+ACK")
	}
	if !bytes.Equal(out.TCP.Options, packet.MSSOption(1460)) {
		t.Errorf("options mismatch: got %x", out.TCP.Options)
	}
	if len(out.TCP.Payload) != 0 {
		t.Errorf("expected empty payload, got %d bytes", len(out.TCP.Payload))
	}
}

func TestUDPRoundTrip(t *testing.T) {
	ip := packet.IPv4{
		SrcAddr:  netip.MustParseAddr("10.0.0.2"),
		DstAddr:  netip.MustParseAddr("8.8.8.8"),
		Protocol: packet.ProtocolUDP,
		TTL:      64,
	}
	in := &packet.UDP{
		SrcPort: 40000,
		DstPort: 53,
		Payload: []byte{0xab, 0xcd, 0x01, 0x00},
	}

	out, ok := packet.Parse(packet.BuildUDP(ip, in))
	if !ok {
		t.Fatal("failed to parse built datagram")
	}
	if out.UDP == nil {
		t.Fatal("expected UDP datagram")
	}
	if out.UDP.SrcPort != in.SrcPort || out.UDP.DstPort != in.DstPort {
		t.Errorf("port mismatch: got %d->%d", out.UDP.SrcPort, out.UDP.DstPort)
	}
	if !bytes.Equal(out.UDP.Payload, in.Payload) {
		t.Errorf("payload mismatch: got %x", out.UDP.Payload)
	}
}

// TestChecksumsValidate recomputes both checksums of a built packet with an
// independent implementation of the Internet checksum.
func TestChecksumsValidate(t *testing.T) {
	ip := packet.IPv4{
		SrcAddr:  netip.MustParseAddr("192.168.1.7"),
		DstAddr:  netip.MustParseAddr("151.101.1.140"),
		Protocol: packet.ProtocolTCP,
		TTL:      64,
		ID:       7,
	}
	raw := packet.BuildTCP(ip, &packet.TCP{
		SrcPort: 55555,
		DstPort: 443,
		Seq:     100,
		Ack:     200,
		Flags:   packet.FlagACK,
		Window:  8192,
		Payload: []byte("odd length payload!"),
	})

	// Summing a header over its own checksum field must give 0xffff.
	if got := refChecksum(raw[:20], 0); got != 0xffff {
		t.Errorf("IP header checksum does not validate: sum=%#x", got)
	}

	seg := raw[20:]
	pseudo := refPseudoSum(ip.SrcAddr, ip.DstAddr, packet.ProtocolTCP, len(seg))
	if got := refChecksum(seg, pseudo); got != 0xffff {
		t.Errorf("TCP checksum does not validate: sum=%#x", got)
	}

	rawUDP := packet.BuildUDP(packet.IPv4{
		SrcAddr:  ip.SrcAddr,
		DstAddr:  ip.DstAddr,
		Protocol: packet.ProtocolUDP,
		TTL:      64,
	}, &packet.UDP{SrcPort: 1234, DstPort: 53, Payload: []byte{1, 2, 3}})

	segUDP := rawUDP[20:]
	pseudoUDP := refPseudoSum(ip.SrcAddr, ip.DstAddr, packet.ProtocolUDP, len(segUDP))
	if got := refChecksum(segUDP, pseudoUDP); got != 0xffff {
		t.Errorf("UDP checksum does not validate: sum=%#x", got)
	}
}

func TestParseMalformed(t *testing.T) {
	cases := map[string][]byte{
		"empty":           {},
		"truncated ip":    make([]byte, 10),
		"ipv6":            append([]byte{0x60}, make([]byte, 39)...),
		"bad ihl":         {0x42, 0, 0, 20, 0, 0, 0, 0, 64, 6, 0, 0, 1, 2, 3, 4, 5, 6, 7, 8},
		"total too large": {0x45, 0, 0xff, 0xff, 0, 0, 0, 0, 64, 6, 0, 0, 1, 2, 3, 4, 5, 6, 7, 8},
	}
	for name, raw := range cases {
		if _, ok := packet.Parse(raw); ok {
			t.Errorf("%s: expected parse failure", name)
		}
	}

	// Valid IP header but truncated TCP segment.
	ip := packet.IPv4{
		SrcAddr:  netip.MustParseAddr("10.0.0.1"),
		DstAddr:  netip.MustParseAddr("10.0.0.2"),
		Protocol: packet.ProtocolTCP,
		TTL:      64,
	}
	raw := packet.BuildTCP(ip, &packet.TCP{SrcPort: 1, DstPort: 2, Flags: packet.FlagSYN})
	binary.BigEndian.PutUint16(raw[2:4], 30) // total length inside the TCP header
	if _, ok := packet.Parse(raw[:30]); ok {
		t.Error("truncated TCP segment: expected parse failure")
	}

	// TCP data offset pointing past the segment.
	raw = packet.BuildTCP(ip, &packet.TCP{SrcPort: 1, DstPort: 2, Flags: packet.FlagSYN})
	raw[20+12] = 0xf0
	if _, ok := packet.Parse(raw); ok {
		t.Error("bad data offset: expected parse failure")
	}
}

func TestParseOtherProtocol(t *testing.T) {
	// ICMP echo: IP parses, transport stays nil, caller drops it.
	raw := make([]byte, 28)
	raw[0] = 0x45
	binary.BigEndian.PutUint16(raw[2:4], 28)
	raw[8] = 64
	raw[9] = 1
	copy(raw[12:16], []byte{10, 0, 0, 1})
	copy(raw[16:20], []byte{10, 0, 0, 2})

	p, ok := packet.Parse(raw)
	if !ok {
		t.Fatal("expected IP parse to succeed")
	}
	if p.TCP != nil || p.UDP != nil {
		t.Error("expected no transport header for ICMP")
	}
	if p.IP.Protocol != 1 {
		t.Errorf("expected protocol 1, got %d", p.IP.Protocol)
	}
}

func BenchmarkParseTCP(b *testing.B) {
	ip := packet.IPv4{
		SrcAddr:  netip.MustParseAddr("10.0.0.2"),
		DstAddr:  netip.MustParseAddr("1.1.1.1"),
		Protocol: packet.ProtocolTCP,
		TTL:      64,
	}
	raw := packet.BuildTCP(ip, &packet.TCP{
		SrcPort: 50000,
		DstPort: 443,
		Flags:   packet.FlagACK,
		Payload: make([]byte, 1400),
	})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, ok := packet.Parse(raw); !ok {
			b.Fatal("parse failed")
		}
	}
}
