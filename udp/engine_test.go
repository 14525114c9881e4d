package udp_test

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/ternfw/tern/metrics"
	"github.com/ternfw/tern/packet"
	"github.com/ternfw/tern/policy"
	"github.com/ternfw/tern/udp"
)

var (
	clientAddr = netip.MustParseAddr("10.111.0.2")
	serverAddr = netip.MustParseAddr("9.9.9.9")
)

type capture struct {
	ch chan *packet.Parsed
}

func (w *capture) WritePacket(raw []byte) error {
	p, ok := packet.Parse(raw)
	if !ok {
		return errors.New("engine built an unparseable packet")
	}
	w.ch <- p
	return nil
}

func (w *capture) next(t *testing.T) *packet.Parsed {
	t.Helper()
	select {
	case p := <-w.ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a packet from the engine")
		return nil
	}
}

// fakeServer is the far end of a dialed UDP socket: a loopback listener that
// learns the peer from the first datagram it receives.
type fakeServer struct {
	pc   *net.UDPConn
	peer *net.UDPAddr
}

func (s *fakeServer) read(t *testing.T) []byte {
	t.Helper()
	buf := make([]byte, 2048)
	s.pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, peer, err := s.pc.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("server read failed: %v", err)
	}
	s.peer = peer
	return buf[:n]
}

func (s *fakeServer) write(t *testing.T, b []byte) {
	t.Helper()
	if s.peer == nil {
		t.Fatal("server has no peer yet; read first")
	}
	if _, err := s.pc.WriteToUDP(b, s.peer); err != nil {
		t.Fatalf("server write failed: %v", err)
	}
}

func (s *fakeServer) close() { s.pc.Close() }

// loopDialer dials real loopback UDP sockets so engine writes never block.
type loopDialer struct {
	dials   atomic.Int32
	servers chan *fakeServer
}

func newLoopDialer() *loopDialer {
	return &loopDialer{servers: make(chan *fakeServer, 8)}
}

func (d *loopDialer) DialTCP(ctx context.Context, dst netip.AddrPort) (net.Conn, error) {
	return nil, errors.New("not used")
}

func (d *loopDialer) DialUDP(dst netip.AddrPort) (net.Conn, error) {
	d.dials.Add(1)
	pc, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp4", nil, pc.LocalAddr().(*net.UDPAddr))
	if err != nil {
		pc.Close()
		return nil, err
	}
	d.servers <- &fakeServer{pc: pc}
	return conn, nil
}

func (d *loopDialer) server(t *testing.T) *fakeServer {
	t.Helper()
	select {
	case s := <-d.servers:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound socket")
		return nil
	}
}

type harness struct {
	engine *udp.Engine
	writer *capture
	dialer *loopDialer
	m      *metrics.Metrics
}

func newHarness(t *testing.T, mutate func(*udp.Config)) *harness {
	t.Helper()
	writer := &capture{ch: make(chan *packet.Parsed, 64)}
	dialer := newLoopDialer()
	m := &metrics.Metrics{}
	cfg := udp.Config{
		Writer:    writer,
		Dial:      dialer,
		Metrics:   m,
		MTU:       1500,
		ReadBound: 25 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	engine := udp.NewEngine(cfg)
	t.Cleanup(engine.Shutdown)
	return &harness{engine: engine, writer: writer, dialer: dialer, m: m}
}

func datagram(srcPort, dstPort uint16, payload []byte) *packet.Parsed {
	return &packet.Parsed{
		IP: packet.IPv4{
			SrcAddr:  clientAddr,
			DstAddr:  serverAddr,
			Protocol: packet.ProtocolUDP,
			TTL:      64,
		},
		UDP: &packet.UDP{SrcPort: srcPort, DstPort: dstPort, Payload: payload},
	}
}

func TestFirstDatagramOpensFlowAndRelays(t *testing.T) {
	h := newHarness(t, nil)

	h.engine.HandleDatagram(datagram(50001, 443, []byte("ping")))
	server := h.dialer.server(t)
	defer server.close()

	if got := server.read(t); string(got) != "ping" {
		t.Fatalf("server got %q, want \"ping\"", got)
	}

	server.write(t, []byte("pong"))
	reply := h.writer.next(t)
	if reply.UDP == nil {
		t.Fatal("reply is not UDP")
	}
	if reply.IP.SrcAddr != serverAddr || reply.IP.DstAddr != clientAddr {
		t.Errorf("reply addressing %v->%v, want server->client", reply.IP.SrcAddr, reply.IP.DstAddr)
	}
	if reply.UDP.SrcPort != 443 || reply.UDP.DstPort != 50001 {
		t.Errorf("reply ports %d->%d, want 443->50001", reply.UDP.SrcPort, reply.UDP.DstPort)
	}
	if !bytes.Equal(reply.UDP.Payload, []byte("pong")) {
		t.Errorf("reply payload = %q", reply.UDP.Payload)
	}

	if h.engine.Len() != 1 {
		t.Errorf("expected one tracked flow, got %d", h.engine.Len())
	}
	flows := h.engine.Flows()
	up, down := flows[0].Stats()
	if up != 4 || down != 4 {
		t.Errorf("counters up=%d down=%d, want 4/4", up, down)
	}
}

func TestSameTupleReusesSocket(t *testing.T) {
	h := newHarness(t, nil)

	h.engine.HandleDatagram(datagram(50002, 53, []byte("q1")))
	server := h.dialer.server(t)
	defer server.close()

	h.engine.HandleDatagram(datagram(50002, 53, []byte("q2")))
	h.engine.HandleDatagram(datagram(50002, 53, []byte("q3")))

	var got []byte
	for len(got) < 6 {
		got = append(got, server.read(t)...)
	}
	if string(got) != "q1q2q3" {
		t.Errorf("server saw %q, want q1q2q3 in order", got)
	}
	if h.dialer.dials.Load() != 1 {
		t.Errorf("expected a single socket, got %d dials", h.dialer.dials.Load())
	}
}

func TestDistinctTuplesGetDistinctSockets(t *testing.T) {
	h := newHarness(t, nil)

	h.engine.HandleDatagram(datagram(50003, 443, []byte("a")))
	h.engine.HandleDatagram(datagram(50004, 443, []byte("b")))
	s1 := h.dialer.server(t)
	s2 := h.dialer.server(t)
	defer s1.close()
	defer s2.close()

	if h.engine.Len() != 2 || h.dialer.dials.Load() != 2 {
		t.Errorf("expected 2 flows / 2 sockets, got %d / %d", h.engine.Len(), h.dialer.dials.Load())
	}
}

func TestBlockedFlowDroppedSilently(t *testing.T) {
	h := newHarness(t, func(cfg *udp.Config) {
		cfg.Policy = policy.Func(func(policy.Request) policy.Verdict { return policy.Block })
	})

	h.engine.HandleDatagram(datagram(50005, 443, []byte("nope")))

	if h.dialer.dials.Load() != 0 {
		t.Error("no socket may be opened for a blocked flow")
	}
	if h.engine.Len() != 0 {
		t.Error("blocked flow must not be tracked")
	}
	if h.m.UDPBlocked.Load() != 1 {
		t.Errorf("expected UDPBlocked=1, got %d", h.m.UDPBlocked.Load())
	}
	select {
	case <-h.writer.ch:
		t.Error("blocked UDP flows get no response at all")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestIdleEviction(t *testing.T) {
	h := newHarness(t, func(cfg *udp.Config) {
		cfg.ReadBound = 15 * time.Millisecond
		cfg.IdleTimeout = 60 * time.Millisecond
	})

	h.engine.HandleDatagram(datagram(50006, 443, []byte("x")))
	server := h.dialer.server(t)
	defer server.close()
	if h.engine.Len() != 1 {
		t.Fatal("flow not tracked")
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.engine.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("idle flow was never evicted")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if h.m.UDPEvicted.Load() != 1 {
		t.Errorf("expected UDPEvicted=1, got %d", h.m.UDPEvicted.Load())
	}

	// The next datagram for the same tuple opens a fresh flow.
	h.engine.HandleDatagram(datagram(50006, 443, []byte("y")))
	if h.dialer.dials.Load() != 2 {
		t.Errorf("expected a fresh socket after eviction, got %d dials", h.dialer.dials.Load())
	}
}

func TestTrafficDefersEviction(t *testing.T) {
	h := newHarness(t, func(cfg *udp.Config) {
		cfg.ReadBound = 15 * time.Millisecond
		cfg.IdleTimeout = 80 * time.Millisecond
	})

	h.engine.HandleDatagram(datagram(50007, 443, []byte("k")))
	server := h.dialer.server(t)
	defer server.close()

	// Keep trickling uplink traffic past several idle windows.
	for i := 0; i < 6; i++ {
		time.Sleep(40 * time.Millisecond)
		h.engine.HandleDatagram(datagram(50007, 443, []byte("k")))
	}
	if h.engine.Len() != 1 {
		t.Error("active flow must not be evicted")
	}
}

func TestDNSAnswersAttributed(t *testing.T) {
	names := policy.NewNameCache()
	h := newHarness(t, func(cfg *udp.Config) {
		cfg.Names = names
	})

	h.engine.HandleDatagram(datagram(50008, 53, []byte("query")))
	server := h.dialer.server(t)
	defer server.close()
	server.read(t)

	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)
	msg.Response = true
	msg.Answer = append(msg.Answer, &dns.A{
		Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
		A:   net.IPv4(93, 184, 216, 34),
	})
	wire, err := msg.Pack()
	if err != nil {
		t.Fatalf("packing answer: %v", err)
	}
	server.write(t, wire)

	reply := h.writer.next(t)
	if !bytes.Equal(reply.UDP.Payload, wire) {
		t.Error("DNS reply must be relayed unmodified")
	}
	if got := names.Lookup(netip.MustParseAddr("93.184.216.34")); got != "example.com." {
		t.Errorf("Lookup = %q, want example.com.", got)
	}
}

func TestShutdownEvictsAll(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.HandleDatagram(datagram(50009, 443, []byte("a")))
	h.engine.HandleDatagram(datagram(50010, 443, []byte("b")))
	h.dialer.server(t).close()
	h.dialer.server(t).close()

	h.engine.Shutdown()
	if h.engine.Len() != 0 {
		t.Errorf("expected empty table after shutdown, got %d", h.engine.Len())
	}
	h.engine.HandleDatagram(datagram(50011, 443, []byte("c")))
	if h.engine.Len() != 0 {
		t.Error("engine accepted a flow after shutdown")
	}
}
