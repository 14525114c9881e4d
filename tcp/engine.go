package tcp

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fosrl/newt/logger"

	"github.com/ternfw/tern/flow"
	"github.com/ternfw/tern/metrics"
	"github.com/ternfw/tern/outbound"
	"github.com/ternfw/tern/packet"
	"github.com/ternfw/tern/policy"
)

// PacketWriter injects packets toward the client. Implementations serialize
// concurrent writers.
type PacketWriter interface {
	WritePacket(pkt []byte) error
}

// Event reports a flow lifecycle change to an optional observer.
type Event struct {
	Kind   string // "open", "close", "block"
	Key    flow.Key
	Domain string
	Up     uint64
	Down   uint64
}

// Config wires the TCP proxy engine to its collaborators.
type Config struct {
	Writer  PacketWriter
	Dial    outbound.Factory
	Policy  policy.Policy
	Names   *policy.NameCache
	Metrics *metrics.Metrics

	MTU int

	// ReadBound caps each blocking wait on the outbound socket.
	ReadBound time.Duration
	// IdleReflect is how long both directions must be quiet before a
	// liveness ACK may be reflected. Zero disables reflection.
	IdleReflect time.Duration
	// SocketAlive is the looser window within which the socket must have
	// been confirmed readable for reflection to fire.
	SocketAlive time.Duration
	// ConnectTimeout bounds the outbound connect.
	ConnectTimeout time.Duration

	OnEvent func(Event)
}

// Engine owns the TCP flow table: it routes inbound segments to their
// connection, creates connections on fresh SYNs, and answers segments for
// flows it never created.
type Engine struct {
	cfg    Config
	table  *flow.Table[*Conn]
	wg     sync.WaitGroup
	closed atomic.Bool
}

func NewEngine(cfg Config) *Engine {
	if cfg.MTU <= 0 {
		cfg.MTU = 1500
	}
	if cfg.ReadBound <= 0 {
		cfg.ReadBound = 5 * time.Second
	}
	if cfg.SocketAlive <= 0 {
		cfg.SocketAlive = 75 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.Policy == nil {
		cfg.Policy = policy.AllowAll{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &metrics.Metrics{}
	}
	return &Engine{
		cfg:   cfg,
		table: flow.NewTable[*Conn](),
	}
}

// maxPayload is the largest client-facing segment payload that fits the MTU.
func (e *Engine) maxPayload() int {
	return e.cfg.MTU - 40
}

// HandleSegment dispatches one parsed TCP segment. Called from the single
// device reader; it must never block on a socket.
func (e *Engine) HandleSegment(p *packet.Parsed) {
	t := p.TCP
	key := flow.TCPKey(p.IP, t)

	if c, ok := e.table.Lookup(key); ok {
		c.handleSegment(t)
		return
	}

	if e.closed.Load() {
		return
	}

	// A bare SYN for an unseen key starts a new virtual connection. The
	// insert is a single atomic insert-if-absent: when parallel SYNs race,
	// the loser's speculative Conn is dropped before it ever owns a socket.
	if t.Flags.Has(packet.FlagSYN) && !t.Flags.Has(packet.FlagACK) && !t.Flags.Has(packet.FlagRST) {
		c := newConn(e, key, t.Seq)
		winner, won := e.table.Insert(key, c)
		if !won {
			winner.handleSegment(t)
			return
		}

		m := e.cfg.Metrics
		m.TCPOpened.Add(1)
		m.TCPActive.Add(1)
		e.emit("open", c)
		logger.Debug("tcp: %s new flow (%d tracked)", key, e.table.Len())

		c.mu.Lock()
		c.sendSynAckLocked()
		c.mu.Unlock()
		return
	}

	// Unknown flow. Stray RSTs and pure ACKs are noise from flows we have
	// already evicted; only segments that expect a response (payload or
	// FIN) get a bare RST so the client's stack can give up immediately.
	if t.Flags.Has(packet.FlagRST) {
		return
	}
	if len(t.Payload) == 0 && !t.Flags.Has(packet.FlagFIN) {
		return
	}
	e.sendBareRST(p.IP, t)
}

// sendBareRST answers a segment for a flow the engine never created,
// deriving seq/ack from the offending segment per RFC 793.
func (e *Engine) sendBareRST(ip packet.IPv4, t *packet.TCP) {
	seq := uint32(0)
	flags := packet.FlagRST | packet.FlagACK
	if t.Flags.Has(packet.FlagACK) {
		seq = t.Ack
		flags = packet.FlagRST
	}
	ack := t.Seq + uint32(len(t.Payload))
	if t.Flags.Has(packet.FlagSYN) || t.Flags.Has(packet.FlagFIN) {
		ack++
	}

	raw := packet.BuildTCP(packet.IPv4{
		SrcAddr:  ip.DstAddr,
		DstAddr:  ip.SrcAddr,
		Protocol: packet.ProtocolTCP,
	}, &packet.TCP{
		SrcPort: t.DstPort,
		DstPort: t.SrcPort,
		Seq:     seq,
		Ack:     ack,
		Flags:   flags,
		Window:  0,
	})
	if err := e.cfg.Writer.WritePacket(raw); err != nil {
		logger.Debug("tcp: bare RST write failed: %v", err)
		return
	}
	e.cfg.Metrics.PacketsOut.Add(1)
	e.cfg.Metrics.RSTSent.Add(1)
}

func (e *Engine) emit(kind string, c *Conn) {
	if e.cfg.OnEvent == nil {
		return
	}
	up, down := c.Stats()
	e.cfg.OnEvent(Event{Kind: kind, Key: c.key, Domain: c.domain, Up: up, Down: down})
}

// Flows returns a snapshot of live connections, for the status API.
func (e *Engine) Flows() []*Conn {
	snap := e.table.Snapshot()
	out := make([]*Conn, 0, len(snap))
	for _, c := range snap {
		out = append(out, c)
	}
	return out
}

// Len reports the number of tracked flows.
func (e *Engine) Len() int { return e.table.Len() }

// Shutdown tears down every tracked flow and waits for all connection
// goroutines to exit.
func (e *Engine) Shutdown() {
	e.closed.Store(true)
	for _, c := range e.table.Snapshot() {
		c.teardown(false)
	}
	e.wg.Wait()
	logger.Debug("tcp: engine drained")
}
