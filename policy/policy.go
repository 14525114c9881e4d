package policy

import "github.com/ternfw/tern/flow"

// Verdict is the outcome of a policy decision for a new flow.
type Verdict int

const (
	// Allow lets the engine open the outbound socket and relay the flow.
	Allow Verdict = iota
	// Block refuses the flow: TCP gets an immediate RST, UDP is dropped
	// silently. No socket is ever opened for a blocked flow.
	Block
)

func (v Verdict) String() string {
	if v == Block {
		return "block"
	}
	return "allow"
}

// Request carries everything known about a flow at decision time. Domain is
// the name the client resolved for the destination address, when the DNS
// name cache saw the answer; it is empty otherwise.
type Request struct {
	Key    flow.Key
	Domain string
}

// Policy decides the fate of a new flow. Decide is called exactly once per
// flow, before any outbound socket exists, and the verdict is never
// re-evaluated for the flow's lifetime. Implementations must be safe for
// concurrent use.
type Policy interface {
	Decide(req Request) Verdict
}

// AllowAll is the default policy.
type AllowAll struct{}

func (AllowAll) Decide(Request) Verdict { return Allow }

// Func adapts a function to the Policy interface.
type Func func(req Request) Verdict

func (f Func) Decide(req Request) Verdict { return f(req) }
