package policy

import (
	"net/netip"
	"sync"

	"github.com/miekg/dns"
)

// nameCacheLimit bounds the cache; full answers past the limit evict the
// oldest insertions wholesale rather than tracking precise LRU order.
const nameCacheLimit = 8192

// NameCache maps destination addresses to the domain name the client
// resolved for them. The engine feeds it every UDP payload from port 53 so
// flows opened right after a lookup can be attributed to a domain without a
// resolver of our own.
type NameCache struct {
	mu    sync.RWMutex
	names map[netip.Addr]string
	order []netip.Addr
}

func NewNameCache() *NameCache {
	return &NameCache{names: make(map[netip.Addr]string)}
}

// Observe parses a DNS response and records every A/AAAA answer against the
// query name. Non-responses and unparseable payloads are ignored.
func (c *NameCache) Observe(payload []byte) {
	msg := new(dns.Msg)
	if err := msg.Unpack(payload); err != nil {
		return
	}
	if !msg.Response || len(msg.Question) == 0 {
		return
	}
	name := msg.Question[0].Name

	for _, rr := range msg.Answer {
		var addr netip.Addr
		var ok bool
		switch a := rr.(type) {
		case *dns.A:
			addr, ok = netip.AddrFromSlice(a.A.To4())
		case *dns.AAAA:
			addr, ok = netip.AddrFromSlice(a.AAAA)
		default:
			continue
		}
		if !ok {
			continue
		}
		c.put(addr, name)
	}
}

func (c *NameCache) put(addr netip.Addr, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.names[addr]; !exists {
		c.order = append(c.order, addr)
	}
	c.names[addr] = name

	for len(c.names) > nameCacheLimit && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.names, oldest)
	}
}

// Lookup returns the domain last resolved to addr, or "" if unknown.
func (c *NameCache) Lookup(addr netip.Addr) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.names[addr]
}

// Len returns the number of cached attributions.
func (c *NameCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.names)
}
