package tcp

// State is the client-facing connection state. The server-facing side is an
// ordinary socket and has no state of its own here.
type State int32

const (
	// StateClosed is the pre-creation and post-eviction state.
	StateClosed State = iota
	// StateSynSent: SYN received, SYN+ACK sent, waiting for the completing
	// ACK. No outbound socket exists yet.
	StateSynSent
	// StateEstablished: handshake complete, relay running.
	StateEstablished
	// StateFinWaitApp: the server side reached EOF and a FIN went to the
	// client; client packets are still accepted.
	StateFinWaitApp
	// StateFinWaitServer: the client sent FIN; the outbound write side is
	// half-closed but late server data is still relayed.
	StateFinWaitServer
	// StateTimeWait is conceptual only: both sides are done and the flow is
	// evicted immediately instead of lingering.
	StateTimeWait
	// StateReset: torn down by error or policy, RST sent.
	StateReset
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateSynSent:
		return "SYN_SENT"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWaitApp:
		return "FIN_WAIT_APP"
	case StateFinWaitServer:
		return "FIN_WAIT_SERVER"
	case StateTimeWait:
		return "TIME_WAIT"
	case StateReset:
		return "RESET"
	}
	return "UNKNOWN"
}
