// Package server exposes the relay over HTTP and WebSocket: the control-plane
// API (token issuance, health, status, audit events, metrics) and the socket
// transport that feeds inbound frames into the relay router.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/servermint/relay/internal/events"
	"github.com/servermint/relay/internal/metrics"
	"github.com/servermint/relay/internal/relay"
	"github.com/servermint/relay/internal/storage"
)

// channelBufferSize is the per-client send buffer. When it fills up, frames
// for that client are dropped.
const channelBufferSize = 256

const (
	// Banner is the body of GET / for plain HTTP requests.
	Banner = "Servermint Relay Server"

	// DefaultMessageRate and DefaultMessageBurst bound inbound frames per socket.
	DefaultMessageRate  = 100
	DefaultMessageBurst = 50
)

// EventLog reads recent audit events.
type EventLog interface {
	Recent(ctx context.Context, limit int) ([]storage.EventRecord, error)
}

// StatusInfo carries deployment facts reported by /status.
type StatusInfo struct {
	TLSEnabled   bool
	AuditEnabled bool
	NATSEnabled  bool
	MDNSEnabled  bool
}

// Server accepts WebSocket connections and serves the control-plane API.
type Server struct {
	// addr is the configured listen address (e.g. "0.0.0.0:8080").
	addr string

	relay *relay.Relay

	upgrader websocket.Upgrader

	// clients tracks live sockets so Stop can close them.
	clients map[*Client]bool

	// mu protects clients, stopped, listenAddr and the optional collaborators.
	mu      sync.RWMutex
	stopped bool

	httpServer *http.Server
	listenAddr string
	startTime  time.Time

	emitter  events.Emitter
	metrics  *metrics.Metrics
	eventLog EventLog
	info     StatusInfo

	// tokenLimiter throttles POST /api/token. Nil means unlimited.
	tokenLimiter *rate.Limiter

	messageRate  rate.Limit
	messageBurst int
}

// NewServer creates a server in front of r. Call Start or StartAsync to
// begin accepting connections.
func NewServer(addr string, r *relay.Relay) *Server {
	return &Server{
		addr:      addr,
		relay:     r,
		clients:   make(map[*Client]bool),
		startTime: time.Now(),
		emitter:   events.Nop{},
		upgrader: websocket.Upgrader{
			// Desktop builds and agents connect from arbitrary origins.
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		messageRate:  DefaultMessageRate,
		messageBurst: DefaultMessageBurst,
	}
}
