// Package device is the engine's boundary to the virtual network interface.
// The engine sees one packet per read and serializes all writes; how the
// interface is acquired and routed is handled by the platform setup code.
package device

// Device is the packet-level I/O contract the engine runs against. ReadPacket
// blocks until one IP packet is available. WritePacket is safe for concurrent
// use; implementations serialize access to the underlying interface.
type Device interface {
	ReadPacket(buf []byte) (int, error)
	WritePacket(pkt []byte) error
	MTU() int
	Close() error
}
