// Package metrics holds the engine's counters. The struct is owned by the
// engine and handed down to the protocol components; there is no package
// level mutable state.
package metrics

import "sync/atomic"

// Metrics is updated concurrently by the dispatcher and every flow
// goroutine. All fields are atomics; read a consistent-enough view with
// Snapshot.
type Metrics struct {
	PacketsIn        atomic.Uint64
	PacketsOut       atomic.Uint64
	DroppedMalformed atomic.Uint64
	DroppedOther     atomic.Uint64

	TCPOpened       atomic.Uint64
	TCPClosed       atomic.Uint64
	TCPBlocked      atomic.Uint64
	TCPActive       atomic.Int64
	RSTSent         atomic.Uint64
	KeepalivesSent  atomic.Uint64
	BytesUplinked   atomic.Uint64
	BytesDownlinked atomic.Uint64

	UDPOpened       atomic.Uint64
	UDPEvicted      atomic.Uint64
	UDPBlocked      atomic.Uint64
	UDPActive       atomic.Int64
	UDPBytesUp      atomic.Uint64
	UDPBytesDown    atomic.Uint64
}

// Snapshot is a plain copy of the counters, suitable for JSON encoding.
type Snapshot struct {
	PacketsIn        uint64 `json:"packetsIn"`
	PacketsOut       uint64 `json:"packetsOut"`
	DroppedMalformed uint64 `json:"droppedMalformed"`
	DroppedOther     uint64 `json:"droppedOther"`

	TCPOpened       uint64 `json:"tcpOpened"`
	TCPClosed       uint64 `json:"tcpClosed"`
	TCPBlocked      uint64 `json:"tcpBlocked"`
	TCPActive       int64  `json:"tcpActive"`
	RSTSent         uint64 `json:"rstSent"`
	KeepalivesSent  uint64 `json:"keepalivesSent"`
	BytesUplinked   uint64 `json:"bytesUplinked"`
	BytesDownlinked uint64 `json:"bytesDownlinked"`

	UDPOpened    uint64 `json:"udpOpened"`
	UDPEvicted   uint64 `json:"udpEvicted"`
	UDPBlocked   uint64 `json:"udpBlocked"`
	UDPActive    int64  `json:"udpActive"`
	UDPBytesUp   uint64 `json:"udpBytesUp"`
	UDPBytesDown uint64 `json:"udpBytesDown"`
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		PacketsIn:        m.PacketsIn.Load(),
		PacketsOut:       m.PacketsOut.Load(),
		DroppedMalformed: m.DroppedMalformed.Load(),
		DroppedOther:     m.DroppedOther.Load(),
		TCPOpened:        m.TCPOpened.Load(),
		TCPClosed:        m.TCPClosed.Load(),
		TCPBlocked:       m.TCPBlocked.Load(),
		TCPActive:        m.TCPActive.Load(),
		RSTSent:          m.RSTSent.Load(),
		KeepalivesSent:   m.KeepalivesSent.Load(),
		BytesUplinked:    m.BytesUplinked.Load(),
		BytesDownlinked:  m.BytesDownlinked.Load(),
		UDPOpened:        m.UDPOpened.Load(),
		UDPEvicted:       m.UDPEvicted.Load(),
		UDPBlocked:       m.UDPBlocked.Load(),
		UDPActive:        m.UDPActive.Load(),
		UDPBytesUp:       m.UDPBytesUp.Load(),
		UDPBytesDown:     m.UDPBytesDown.Load(),
	}
}
