package tcp

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/fosrl/newt/logger"

	"github.com/ternfw/tern/packet"
)

// relayLoop is the connection's execution context while the flow is live: it
// blocks on readiness of the outbound socket with a bounded wait, never on
// client packets. Every wake either relays data, notices EOF or an error, or
// gives the liveness check a chance to reflect an idle-but-alive socket back
// to the client. This loop existing at all times in Established is what
// keeps a silent-client/silent-server connection from having no running code.
func (c *Conn) relayLoop(sock net.Conn) {
	cfg := c.engine.cfg
	buf := make([]byte, c.engine.maxPayload())

	for {
		select {
		case <-c.done:
			return
		default:
		}

		sock.SetReadDeadline(time.Now().Add(cfg.ReadBound))
		n, err := sock.Read(buf)
		if n > 0 {
			c.sendPayload(buf[:n])
		}
		if err == nil {
			continue
		}

		var nerr net.Error
		switch {
		case errors.As(err, &nerr) && nerr.Timeout():
			// The bounded wait elapsed with no event.
			c.maybeReflectIdle()
		case errors.Is(err, io.EOF):
			c.onServerEOF()
			return
		default:
			select {
			case <-c.done:
				// Socket closed underneath us by teardown.
				return
			default:
			}
			logger.Debug("tcp: %s downlink read failed: %v", c.key, err)
			c.teardown(true)
			return
		}
	}
}

// sendPayload packages one chunk read from the server into a client-facing
// segment and advances the downlink counters.
func (c *Conn) sendPayload(data []byte) {
	c.mu.Lock()
	c.sendSegmentLocked(packet.FlagACK|packet.FlagPSH, nil, data)
	c.bytesDown += uint64(len(data))
	c.mu.Unlock()

	now := time.Now().UnixNano()
	c.lastDownlink.Store(now)
	c.lastReadable.Store(now)
	c.engine.cfg.Metrics.BytesDownlinked.Add(uint64(len(data)))
}

// maybeReflectIdle sends a single zero-payload ACK when the connection has
// been idle in both directions longer than the reflection threshold while
// the socket itself was confirmed alive within the looser window. It never
// fires during active data flow, never carries payload, and never advances
// a counter; it is strictly reactive to this connection's own bounded wait.
func (c *Conn) maybeReflectIdle() {
	cfg := c.engine.cfg
	if cfg.IdleReflect <= 0 {
		return
	}
	now := time.Now()

	idleSince := c.lastUplink.Load()
	if d := c.lastDownlink.Load(); d > idleSince {
		idleSince = d
	}
	if r := c.lastReflect.Load(); r > idleSince {
		idleSince = r
	}
	if now.Sub(time.Unix(0, idleSince)) < cfg.IdleReflect {
		return
	}
	if now.Sub(time.Unix(0, c.lastReadable.Load())) > cfg.SocketAlive {
		return
	}

	c.mu.Lock()
	if c.state != StateEstablished {
		c.mu.Unlock()
		return
	}
	c.sendSegmentLocked(packet.FlagACK, nil, nil)
	c.mu.Unlock()

	c.lastReflect.Store(now.UnixNano())
	c.engine.cfg.Metrics.KeepalivesSent.Add(1)
	logger.Debug("tcp: %s reflected idle liveness", c.key)
}

// onServerEOF handles an orderly remote close. If the client already sent
// its FIN the flow is complete; otherwise a FIN goes to the client and the
// flow waits for the client's.
func (c *Conn) onServerEOF() {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateReset {
		c.mu.Unlock()
		return
	}

	if !c.serverFinSent {
		c.sendSegmentLocked(packet.FlagFIN|packet.FlagACK, nil, nil)
		c.serverFinSent = true
	}

	if c.clientFin {
		// Both directions closed: evict immediately rather than idling in
		// a timed wait.
		c.state = StateTimeWait
		c.mu.Unlock()
		c.teardown(false)
		return
	}

	c.state = StateFinWaitApp
	c.mu.Unlock()
	logger.Debug("tcp: %s server EOF, awaiting client FIN", c.key)
}
