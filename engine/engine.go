// Package engine pumps the interface device: one reader goroutine parses
// every outbound packet and hands it to the TCP or UDP engine. Everything the
// engines write back goes through the device's serialized writer.
package engine

import (
	"fmt"
	"sync/atomic"

	"github.com/fosrl/newt/logger"

	"github.com/ternfw/tern/device"
	"github.com/ternfw/tern/metrics"
	"github.com/ternfw/tern/packet"
	"github.com/ternfw/tern/tcp"
	"github.com/ternfw/tern/udp"
)

// Config wires the dispatcher to the device and the per-protocol engines.
type Config struct {
	Device  device.Device
	TCP     *tcp.Engine
	UDP     *udp.Engine
	Metrics *metrics.Metrics
}

// Engine owns the read loop. There is exactly one: ordering across flows is
// whatever order packets left the interface in.
type Engine struct {
	cfg    Config
	closed atomic.Bool
}

func New(cfg Config) *Engine {
	if cfg.Metrics == nil {
		cfg.Metrics = &metrics.Metrics{}
	}
	return &Engine{cfg: cfg}
}

// Run reads packets until the device fails or Shutdown closes it. It blocks;
// run it on its own goroutine.
func (e *Engine) Run() error {
	mtu := e.cfg.Device.MTU()
	if mtu <= 0 {
		mtu = 1500
	}
	buf := make([]byte, mtu)
	m := e.cfg.Metrics

	for {
		n, err := e.cfg.Device.ReadPacket(buf)
		if err != nil {
			if e.closed.Load() {
				return nil
			}
			return fmt.Errorf("device read: %w", err)
		}
		m.PacketsIn.Add(1)

		p, ok := packet.Parse(buf[:n])
		if !ok {
			m.DroppedMalformed.Add(1)
			continue
		}
		switch {
		case p.TCP != nil:
			e.cfg.TCP.HandleSegment(p)
		case p.UDP != nil:
			e.cfg.UDP.HandleDatagram(p)
		default:
			// Valid IPv4 carrying a protocol we do not proxy.
			m.DroppedOther.Add(1)
		}
	}
}

// Shutdown stops the read loop and drains both engines. Safe to call more
// than once.
func (e *Engine) Shutdown() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := e.cfg.Device.Close()
	if err != nil {
		logger.Warn("engine: device close: %v", err)
	}
	e.cfg.TCP.Shutdown()
	e.cfg.UDP.Shutdown()
	logger.Info("engine: shut down")
	return err
}
