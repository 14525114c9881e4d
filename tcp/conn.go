package tcp

import (
	"context"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fosrl/newt/logger"

	"github.com/ternfw/tern/flow"
	"github.com/ternfw/tern/packet"
	"github.com/ternfw/tern/policy"
)

// uplinkBacklog bounds how many client segments can sit between the
// dispatcher and the socket writer before the dispatcher blocks.
const uplinkBacklog = 512

const advertisedWindow = 65535

// Conn emulates one TCP endpoint toward the client while relaying payload to
// a real socket toward the server. The dispatcher drives the client side;
// the relay goroutine drives the server side. Both synchronize on mu for
// state and counters; timestamps are atomics so the liveness check never
// takes the lock.
type Conn struct {
	engine *Engine
	key    flow.Key
	domain string

	mu            sync.Mutex
	state         State
	clientISN     uint32
	serverISN     uint32
	bytesUp       uint64
	bytesDown     uint64
	clientFin     bool
	serverFinSent bool
	sock          net.Conn

	uplinkCh chan []byte
	done     chan struct{}
	once     sync.Once

	lastUplink   atomic.Int64
	lastDownlink atomic.Int64
	lastReadable atomic.Int64
	lastReflect  atomic.Int64
}

func newConn(engine *Engine, key flow.Key, clientISN uint32) *Conn {
	c := &Conn{
		engine:    engine,
		key:       key,
		state:     StateSynSent,
		clientISN: clientISN,
		serverISN: rand.Uint32(),
		uplinkCh:  make(chan []byte, uplinkBacklog),
		done:      make(chan struct{}),
	}
	if engine.cfg.Names != nil {
		c.domain = engine.cfg.Names.Lookup(key.Dst.Addr())
	}
	now := time.Now().UnixNano()
	c.lastUplink.Store(now)
	c.lastDownlink.Store(now)
	return c
}

// Key returns the flow key.
func (c *Conn) Key() flow.Key { return c.key }

// State returns the current client-facing state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats reports the relayed byte counters.
func (c *Conn) Stats() (up, down uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesUp, c.bytesDown
}

// Domain returns the destination's attributed domain name, if any.
func (c *Conn) Domain() string { return c.domain }

// LastActivity is the most recent uplink or downlink activity. A zero-length
// ACK from the client counts: liveness accounting treats it as activity.
func (c *Conn) LastActivity() time.Time {
	last := c.lastUplink.Load()
	if d := c.lastDownlink.Load(); d > last {
		last = d
	}
	return time.Unix(0, last)
}

// nextSeqLocked is the sequence number for the next client-facing segment:
// always derived from our initial sequence and the cumulative downlink byte
// count, never from anything observed on the server socket.
func (c *Conn) nextSeqLocked() uint32 {
	seq := c.serverISN + 1 + uint32(c.bytesDown)
	if c.serverFinSent {
		seq++
	}
	return seq
}

// ackLocked is the acknowledgment shown to the client: its own initial
// sequence plus the bytes we accepted from it (plus its FIN, once seen).
func (c *Conn) ackLocked() uint32 {
	ack := c.clientISN + 1 + uint32(c.bytesUp)
	if c.clientFin {
		ack++
	}
	return ack
}

// handleSegment runs the client-facing state machine. Called from the
// dispatcher for every segment routed to this flow. Segments that do not fit
// the current state are silently ignored; RST is never an answer here.
func (c *Conn) handleSegment(t *packet.TCP) {
	c.mu.Lock()

	switch c.state {
	case StateSynSent:
		c.handleSynSentLocked(t)
	case StateEstablished, StateFinWaitServer, StateFinWaitApp:
		c.handleStreamLocked(t)
	default:
		c.mu.Unlock()
	}
}

// handleSynSentLocked finishes (or re-answers) the virtual handshake.
// Callers hold mu; the method releases it.
func (c *Conn) handleSynSentLocked(t *packet.TCP) {
	switch {
	case t.Flags.Has(packet.FlagRST):
		c.mu.Unlock()
		c.teardown(false)
	case t.Flags.Has(packet.FlagSYN):
		// Client retransmitted its SYN; answer again.
		c.sendSynAckLocked()
		c.mu.Unlock()
	case t.Flags.Has(packet.FlagACK) && t.Ack == c.serverISN+1:
		c.state = StateEstablished
		payload := clone(t.Payload)
		if len(payload) > 0 {
			c.bytesUp += uint64(len(payload))
		}
		c.lastUplink.Store(time.Now().UnixNano())
		c.mu.Unlock()

		c.engine.wg.Add(1)
		go c.start()
		if len(payload) > 0 {
			c.enqueueUplink(payload)
		}
	default:
		// Mismatched ACK or stray segment: tolerate retransmissions, do
		// not tear down.
		c.mu.Unlock()
	}
}

// handleStreamLocked accepts segments once the handshake is done. This path
// is deliberately fail-open: no sequence-window validation, no RST for
// anything that plausibly belongs to the flow. Callers hold mu; the method
// releases it.
func (c *Conn) handleStreamLocked(t *packet.TCP) {
	if t.Flags.Has(packet.FlagRST) {
		c.mu.Unlock()
		c.teardown(false)
		return
	}

	// A zero-length ACK is not "nothing happened": it must refresh uplink
	// activity or idle detection starves keepalive-style clients.
	c.lastUplink.Store(time.Now().UnixNano())

	payload := clone(t.Payload)
	if len(payload) > 0 {
		c.bytesUp += uint64(len(payload))
	}

	finishesFlow := false
	if t.Flags.Has(packet.FlagFIN) && !c.clientFin {
		c.clientFin = true
		switch c.state {
		case StateEstablished:
			c.state = StateFinWaitServer
		case StateFinWaitApp:
			// Server side already done; this FIN completes the close.
			finishesFlow = true
		}
	}

	sendFinAck := t.Flags.Has(packet.FlagFIN)
	if sendFinAck && !finishesFlow {
		c.sendSegmentLocked(packet.FlagACK, nil, nil)
	}
	c.mu.Unlock()

	if len(payload) > 0 {
		c.enqueueUplink(payload)
	}
	if t.Flags.Has(packet.FlagFIN) && !finishesFlow {
		// Half-close toward the server, after any queued payload.
		c.enqueueUplink(nil)
	}
	if finishesFlow {
		c.mu.Lock()
		c.sendSegmentLocked(packet.FlagACK, nil, nil)
		c.state = StateTimeWait
		c.mu.Unlock()
		c.teardown(false)
	}
}

// start runs the one-time policy decision, opens the outbound socket, and
// hands the connection to the relay. Runs on its own goroutine so the
// dispatcher never blocks on a connect.
func (c *Conn) start() {
	defer c.engine.wg.Done()

	cfg := c.engine.cfg
	verdict := cfg.Policy.Decide(policy.Request{Key: c.key, Domain: c.domain})
	if verdict == policy.Block {
		logger.Info("tcp: %s blocked by policy", c.key)
		cfg.Metrics.TCPBlocked.Add(1)
		c.engine.emit("block", c)
		c.teardown(true)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	sock, err := cfg.Dial.DialTCP(ctx, c.key.Dst)
	cancel()
	if err != nil {
		logger.Debug("tcp: %s connect failed: %v", c.key, err)
		c.teardown(true)
		return
	}

	c.mu.Lock()
	if c.state == StateClosed || c.state == StateReset {
		c.mu.Unlock()
		sock.Close()
		return
	}
	c.sock = sock
	c.mu.Unlock()
	c.lastReadable.Store(time.Now().UnixNano())

	c.engine.wg.Add(1)
	go c.uplinkLoop(sock)
	c.relayLoop(sock)
}

// uplinkLoop is the single writer toward the server. A nil entry on the
// channel means "half-close the write side now" and is queued behind any
// payload so ordering is preserved.
func (c *Conn) uplinkLoop(sock net.Conn) {
	defer c.engine.wg.Done()
	for {
		select {
		case data := <-c.uplinkCh:
			if data == nil {
				if cw, ok := sock.(interface{ CloseWrite() error }); ok {
					if err := cw.CloseWrite(); err != nil {
						logger.Debug("tcp: %s half-close failed: %v", c.key, err)
					}
				}
				continue
			}
			if _, err := sock.Write(data); err != nil {
				logger.Debug("tcp: %s uplink write failed: %v", c.key, err)
				c.teardown(true)
				return
			}
			c.engine.cfg.Metrics.BytesUplinked.Add(uint64(len(data)))
		case <-c.done:
			return
		}
	}
}

func (c *Conn) enqueueUplink(data []byte) {
	select {
	case c.uplinkCh <- data:
	case <-c.done:
	}
}

// sendSynAckLocked answers the client's SYN. mu must be held.
func (c *Conn) sendSynAckLocked() {
	c.sendSegmentLocked(packet.FlagSYN|packet.FlagACK, packet.MSSOption(uint16(c.engine.maxPayload())), nil)
}

// sendSegmentLocked builds and writes one client-facing segment. seq and ack
// are always derived from the ISNs and cumulative counters. mu must be held.
func (c *Conn) sendSegmentLocked(flags packet.TCPFlags, options, payload []byte) {
	seq := c.nextSeqLocked()
	if flags.Has(packet.FlagSYN) {
		seq = c.serverISN
	}
	raw := packet.BuildTCP(packet.IPv4{
		SrcAddr:  c.key.Dst.Addr(),
		DstAddr:  c.key.Src.Addr(),
		Protocol: packet.ProtocolTCP,
	}, &packet.TCP{
		SrcPort: c.key.Dst.Port(),
		DstPort: c.key.Src.Port(),
		Seq:     seq,
		Ack:     c.ackLocked(),
		Flags:   flags,
		Window:  advertisedWindow,
		Options: options,
		Payload: payload,
	})
	if err := c.engine.cfg.Writer.WritePacket(raw); err != nil {
		logger.Debug("tcp: %s device write failed: %v", c.key, err)
		return
	}
	c.engine.cfg.Metrics.PacketsOut.Add(1)
}

// teardown funnels every way a flow can end into one idempotent routine:
// remove from the flow table first, then stop the goroutines and close the
// socket. withRST additionally tells the client to give up immediately.
func (c *Conn) teardown(withRST bool) {
	c.once.Do(func() {
		c.engine.table.Remove(c.key)

		c.mu.Lock()
		if withRST {
			c.state = StateReset
			c.sendRSTLocked()
		} else if c.state != StateTimeWait {
			c.state = StateClosed
		}
		sock := c.sock
		c.mu.Unlock()

		close(c.done)
		if sock != nil {
			sock.Close()
		}

		m := c.engine.cfg.Metrics
		m.TCPClosed.Add(1)
		m.TCPActive.Add(-1)
		c.engine.emit("close", c)
		logger.Debug("tcp: %s evicted (%s)", c.key, c.State())
	})
}

// sendRSTLocked aborts the flow from the engine side. This and the
// unknown-flow answer in the engine are the only places RST originates.
func (c *Conn) sendRSTLocked() {
	c.sendSegmentLocked(packet.FlagRST|packet.FlagACK, nil, nil)
	c.engine.cfg.Metrics.RSTSent.Add(1)
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
