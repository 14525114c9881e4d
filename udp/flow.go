package udp

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fosrl/newt/logger"

	"github.com/ternfw/tern/flow"
	"github.com/ternfw/tern/packet"
)

const dnsPort = 53

// pseudoFlow is one tracked UDP association: a connected socket toward the
// server plus the addressing needed to reflect replies back to the client.
// The dispatcher writes uplink datagrams directly; recvLoop owns the
// downlink direction and the idle check.
type pseudoFlow struct {
	engine *Engine
	key    flow.Key
	sock   net.Conn

	done chan struct{}
	once sync.Once

	lastActivity atomic.Int64
	bytesUp      atomic.Uint64
	bytesDown    atomic.Uint64
}

func newPseudoFlow(engine *Engine, key flow.Key, sock net.Conn) *pseudoFlow {
	f := &pseudoFlow{
		engine: engine,
		key:    key,
		sock:   sock,
		done:   make(chan struct{}),
	}
	f.lastActivity.Store(time.Now().UnixNano())
	return f
}

// Key returns the flow key.
func (f *pseudoFlow) Key() flow.Key { return f.key }

// Stats reports the relayed byte counters.
func (f *pseudoFlow) Stats() (up, down uint64) {
	return f.bytesUp.Load(), f.bytesDown.Load()
}

// LastActivity is the most recent traffic in either direction.
func (f *pseudoFlow) LastActivity() time.Time {
	return time.Unix(0, f.lastActivity.Load())
}

// send forwards one uplink datagram to the server. A zero-length datagram is
// still a datagram and is forwarded as such.
func (f *pseudoFlow) send(payload []byte) {
	if _, err := f.sock.Write(payload); err != nil {
		select {
		case <-f.done:
		default:
			logger.Debug("udp: %s uplink write failed: %v", f.key, err)
		}
		f.evict()
		return
	}
	f.lastActivity.Store(time.Now().UnixNano())
	f.bytesUp.Add(uint64(len(payload)))
	f.engine.cfg.Metrics.UDPBytesUp.Add(uint64(len(payload)))
}

// recvLoop relays server replies back to the client and evicts the flow once
// it has been idle past the timeout. The bounded read deadline doubles as the
// idle check interval, so no global sweeper is needed.
func (f *pseudoFlow) recvLoop() {
	defer f.engine.wg.Done()
	cfg := f.engine.cfg
	buf := make([]byte, f.engine.maxPayload())

	for {
		select {
		case <-f.done:
			return
		default:
		}

		f.sock.SetReadDeadline(time.Now().Add(cfg.ReadBound))
		n, err := f.sock.Read(buf)
		if n > 0 {
			f.deliver(buf[:n])
		}
		if err == nil {
			continue
		}

		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			if time.Since(f.LastActivity()) >= cfg.IdleTimeout {
				logger.Debug("udp: %s idle, evicting", f.key)
				f.evict()
				return
			}
			continue
		}

		select {
		case <-f.done:
		default:
			logger.Debug("udp: %s downlink read failed: %v", f.key, err)
		}
		f.evict()
		return
	}
}

// deliver reflects one server reply to the client, observing DNS answers on
// the way through so later flows can be attributed to a domain.
func (f *pseudoFlow) deliver(payload []byte) {
	cfg := f.engine.cfg
	if cfg.Names != nil && f.key.Dst.Port() == dnsPort {
		cfg.Names.Observe(payload)
	}

	raw := packet.BuildUDP(packet.IPv4{
		SrcAddr:  f.key.Dst.Addr(),
		DstAddr:  f.key.Src.Addr(),
		Protocol: packet.ProtocolUDP,
	}, &packet.UDP{
		SrcPort: f.key.Dst.Port(),
		DstPort: f.key.Src.Port(),
		Payload: payload,
	})
	if err := cfg.Writer.WritePacket(raw); err != nil {
		logger.Debug("udp: %s device write failed: %v", f.key, err)
		return
	}

	f.lastActivity.Store(time.Now().UnixNano())
	f.bytesDown.Add(uint64(len(payload)))
	cfg.Metrics.PacketsOut.Add(1)
	cfg.Metrics.UDPBytesDown.Add(uint64(len(payload)))
}

// evict funnels every way a pseudo-flow ends into one idempotent routine:
// remove from the table first, then close the socket.
func (f *pseudoFlow) evict() {
	f.once.Do(func() {
		f.engine.table.Remove(f.key)
		close(f.done)
		f.sock.Close()

		m := f.engine.cfg.Metrics
		m.UDPEvicted.Add(1)
		m.UDPActive.Add(-1)
	})
}
