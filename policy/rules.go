package policy

import (
	"net/netip"
	"strings"
	"sync"

	"github.com/fosrl/newt/logger"
)

// RuleSet is a small built-in policy: block by destination prefix,
// destination port, or domain suffix. Anything not matched is allowed.
// A richer decision subsystem can be injected in its place; the engine only
// sees the Policy interface.
type RuleSet struct {
	mu             sync.RWMutex
	blockedPrefix  []netip.Prefix
	blockedPorts   map[uint16]struct{}
	blockedDomains []string
}

func NewRuleSet() *RuleSet {
	return &RuleSet{blockedPorts: make(map[uint16]struct{})}
}

// BlockPrefix blocks all flows whose destination address is inside prefix.
func (r *RuleSet) BlockPrefix(prefix netip.Prefix) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blockedPrefix = append(r.blockedPrefix, prefix)
}

// BlockPort blocks all flows to the given destination port.
func (r *RuleSet) BlockPort(port uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blockedPorts[port] = struct{}{}
}

// BlockDomain blocks flows whose destination resolved from the given domain
// or any subdomain of it.
func (r *RuleSet) BlockDomain(domain string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blockedDomains = append(r.blockedDomains, strings.ToLower(strings.TrimSuffix(domain, ".")))
}

func (r *RuleSet) Decide(req Request) Verdict {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, prefix := range r.blockedPrefix {
		if prefix.Contains(req.Key.Dst.Addr()) {
			logger.Debug("policy: %s blocked by prefix %s", req.Key, prefix)
			return Block
		}
	}
	if _, ok := r.blockedPorts[req.Key.Dst.Port()]; ok {
		logger.Debug("policy: %s blocked by port rule", req.Key)
		return Block
	}
	if req.Domain != "" {
		name := strings.ToLower(strings.TrimSuffix(req.Domain, "."))
		for _, blocked := range r.blockedDomains {
			if name == blocked || strings.HasSuffix(name, "."+blocked) {
				logger.Debug("policy: %s (%s) blocked by domain rule %s", req.Key, name, blocked)
				return Block
			}
		}
	}
	return Allow
}
