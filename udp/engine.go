// Package udp tracks UDP pseudo-flows: each client 4-tuple gets a connected
// outbound socket and a receive loop, NAT-style, with idle-based eviction
// since UDP has no close signal.
package udp

import (
	"sync"
	"time"

	"github.com/fosrl/newt/logger"

	"github.com/ternfw/tern/flow"
	"github.com/ternfw/tern/metrics"
	"github.com/ternfw/tern/outbound"
	"github.com/ternfw/tern/packet"
	"github.com/ternfw/tern/policy"
	"github.com/ternfw/tern/tcp"
)

// Config wires the UDP engine to its collaborators.
type Config struct {
	Writer  tcp.PacketWriter
	Dial    outbound.Factory
	Policy  policy.Policy
	Names   *policy.NameCache
	Metrics *metrics.Metrics

	MTU int

	// ReadBound caps each blocking wait on the outbound socket, which is
	// also how often a flow checks its own idleness.
	ReadBound time.Duration
	// IdleTimeout evicts a pseudo-flow after this long with no traffic in
	// either direction. Deliberately generous: clients re-resolve and games
	// keep long-lived quiet associations.
	IdleTimeout time.Duration
}

// Engine owns the UDP pseudo-flow table.
type Engine struct {
	cfg      Config
	table    *flow.Table[*pseudoFlow]
	done     chan struct{}
	wg       sync.WaitGroup
	shutdown sync.Once
}

func NewEngine(cfg Config) *Engine {
	if cfg.MTU <= 0 {
		cfg.MTU = 1500
	}
	if cfg.ReadBound <= 0 {
		cfg.ReadBound = 5 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 120 * time.Second
	}
	if cfg.Policy == nil {
		cfg.Policy = policy.AllowAll{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &metrics.Metrics{}
	}
	return &Engine{
		cfg:   cfg,
		table: flow.NewTable[*pseudoFlow](),
		done:  make(chan struct{}),
	}
}

// maxPayload is the largest client-facing datagram payload that fits the MTU.
func (e *Engine) maxPayload() int {
	return e.cfg.MTU - 28
}

// HandleDatagram dispatches one parsed UDP datagram. Called from the single
// device reader. First datagram for a 4-tuple opens the pseudo-flow; blocked
// flows are dropped silently, since UDP has no refusal signal worth sending.
func (e *Engine) HandleDatagram(p *packet.Parsed) {
	u := p.UDP
	key := flow.UDPKey(p.IP, u)

	if f, ok := e.table.Lookup(key); ok {
		f.send(u.Payload)
		return
	}

	select {
	case <-e.done:
		return
	default:
	}

	var domain string
	if e.cfg.Names != nil {
		domain = e.cfg.Names.Lookup(key.Dst.Addr())
	}
	verdict := e.cfg.Policy.Decide(policy.Request{Key: key, Domain: domain})
	if verdict == policy.Block {
		logger.Debug("udp: %s blocked by policy", key)
		e.cfg.Metrics.UDPBlocked.Add(1)
		return
	}

	sock, err := e.cfg.Dial.DialUDP(key.Dst)
	if err != nil {
		logger.Debug("udp: %s socket failed: %v", key, err)
		return
	}

	f := newPseudoFlow(e, key, sock)
	winner, won := e.table.Insert(key, f)
	if !won {
		// Lost a same-tuple race with another dispatcher pass; the winner
		// already owns a socket.
		sock.Close()
		winner.send(u.Payload)
		return
	}

	m := e.cfg.Metrics
	m.UDPOpened.Add(1)
	m.UDPActive.Add(1)
	logger.Debug("udp: %s new pseudo-flow (%d tracked)", key, e.table.Len())

	e.wg.Add(1)
	go f.recvLoop()
	f.send(u.Payload)
}

// Flows returns a snapshot of live pseudo-flows, for the status API.
func (e *Engine) Flows() []*pseudoFlow {
	snap := e.table.Snapshot()
	out := make([]*pseudoFlow, 0, len(snap))
	for _, f := range snap {
		out = append(out, f)
	}
	return out
}

// Len reports the number of tracked pseudo-flows.
func (e *Engine) Len() int { return e.table.Len() }

// Shutdown evicts every pseudo-flow and refuses new ones.
func (e *Engine) Shutdown() {
	e.shutdown.Do(func() {
		close(e.done)
		for _, f := range e.table.Snapshot() {
			f.evict()
		}
		e.wg.Wait()
		logger.Debug("udp: engine drained")
	})
}
