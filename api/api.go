// Package api exposes the local control surface: status and flow inspection
// over HTTP, a live event stream over a websocket, and a shutdown hook. It
// listens on loopback TCP or a Unix socket; it is not meant to face the
// network it filters.
package api

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/fosrl/newt/logger"
	"github.com/gorilla/websocket"

	"github.com/ternfw/tern/metrics"
	"github.com/ternfw/tern/tcp"
	"github.com/ternfw/tern/udp"
)

// FlowStatus describes one live flow for the /flows endpoint.
type FlowStatus struct {
	Protocol     string    `json:"protocol"`
	Src          string    `json:"src"`
	Dst          string    `json:"dst"`
	Domain       string    `json:"domain,omitempty"`
	State        string    `json:"state,omitempty"`
	BytesUp      uint64    `json:"bytesUp"`
	BytesDown    uint64    `json:"bytesDown"`
	LastActivity time.Time `json:"lastActivity"`
}

// StatusResponse is returned by the status endpoint.
type StatusResponse struct {
	Version   string           `json:"version,omitempty"`
	StartedAt time.Time        `json:"startedAt"`
	TCPFlows  int              `json:"tcpFlows"`
	UDPFlows  int              `json:"udpFlows"`
	Metrics   metrics.Snapshot `json:"metrics"`
}

// API is the HTTP server plus the event fan-out.
type API struct {
	addr       string
	socketPath string
	listener   net.Listener
	server     *http.Server

	tcp     *tcp.Engine
	udp     *udp.Engine
	metrics *metrics.Metrics
	version string

	startedAt    time.Time
	shutdownChan chan struct{}

	upgrader websocket.Upgrader

	subMu sync.Mutex
	subs  map[chan tcp.Event]struct{}
}

// New creates an API server listening on a TCP address.
func New(addr string, tcpEng *tcp.Engine, udpEng *udp.Engine, m *metrics.Metrics, version string) *API {
	return &API{
		addr:         addr,
		tcp:          tcpEng,
		udp:          udpEng,
		metrics:      m,
		version:      version,
		startedAt:    time.Now(),
		shutdownChan: make(chan struct{}, 1),
		subs:         make(map[chan tcp.Event]struct{}),
	}
}

// NewSocket creates an API server listening on a Unix socket.
func NewSocket(socketPath string, tcpEng *tcp.Engine, udpEng *udp.Engine, m *metrics.Metrics, version string) *API {
	s := New("", tcpEng, udpEng, m, version)
	s.socketPath = socketPath
	return s
}

// Start begins serving. It returns once the listener is up.
func (s *API) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/flows", s.handleFlows)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/exit", s.handleExit)

	s.server = &http.Server{Handler: mux}

	var err error
	if s.socketPath != "" {
		s.listener, err = listenUnixSocket(s.socketPath)
		if err != nil {
			return fmt.Errorf("failed to create socket listener: %w", err)
		}
		logger.Info("Starting HTTP server on socket %s", s.socketPath)
	} else {
		s.listener, err = net.Listen("tcp", s.addr)
		if err != nil {
			return fmt.Errorf("failed to create TCP listener: %w", err)
		}
		logger.Info("Starting HTTP server on %s", s.listener.Addr())
	}

	go func() {
		if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error: %v", err)
		}
	}()

	return nil
}

// Stop stops the HTTP server.
func (s *API) Stop() error {
	logger.Info("Stopping api server")

	if s.server != nil {
		s.server.Close()
	}
	if s.socketPath != "" {
		removeUnixSocket(s.socketPath)
	}

	return nil
}

// Addr returns the bound listener address, for tests and logs.
func (s *API) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ShutdownChannel delivers a signal when /exit is called.
func (s *API) ShutdownChannel() <-chan struct{} {
	return s.shutdownChan
}

// PublishEvent fans a flow event out to every connected websocket. Slow
// subscribers lose events rather than backing up the engine.
func (s *API) PublishEvent(ev tcp.Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (s *API) subscribe() chan tcp.Event {
	ch := make(chan tcp.Event, 64)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	return ch
}

func (s *API) unsubscribe(ch chan tcp.Event) {
	s.subMu.Lock()
	delete(s.subs, ch)
	s.subMu.Unlock()
}

// handleStatus handles the /status endpoint.
func (s *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := StatusResponse{
		Version:   s.version,
		StartedAt: s.startedAt,
		TCPFlows:  s.tcp.Len(),
		UDPFlows:  s.udp.Len(),
		Metrics:   s.metrics.Snapshot(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleFlows handles the /flows endpoint.
func (s *API) handleFlows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flows := []FlowStatus{}
	for _, c := range s.tcp.Flows() {
		up, down := c.Stats()
		flows = append(flows, FlowStatus{
			Protocol:     "tcp",
			Src:          c.Key().Src.String(),
			Dst:          c.Key().Dst.String(),
			Domain:       c.Domain(),
			State:        c.State().String(),
			BytesUp:      up,
			BytesDown:    down,
			LastActivity: c.LastActivity(),
		})
	}
	for _, f := range s.udp.Flows() {
		up, down := f.Stats()
		flows = append(flows, FlowStatus{
			Protocol:     "udp",
			Src:          f.Key().Src.String(),
			Dst:          f.Key().Dst.String(),
			BytesUp:      up,
			BytesDown:    down,
			LastActivity: f.LastActivity(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(flows)
}

// handleEvents upgrades to a websocket and streams flow lifecycle events
// until the client goes away.
func (s *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("events upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ch := s.subscribe()
	defer s.unsubscribe(ch)

	// We never expect client messages, but reading is how websocket close
	// frames are noticed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-ch:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

// handleExit handles the /exit endpoint.
func (s *API) handleExit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	logger.Info("Received exit request via API")

	select {
	case s.shutdownChan <- struct{}{}:
	default:
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "shutdown initiated",
	})
}
