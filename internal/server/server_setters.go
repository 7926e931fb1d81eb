package server

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/servermint/relay/internal/events"
	"github.com/servermint/relay/internal/metrics"
)

// Addr returns the address the server is listening on, or the configured
// address before it starts.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listenAddr != "" {
		return s.listenAddr
	}
	return s.addr
}

// ClientCount returns the number of open sockets.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Uptime returns how long the server has existed.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// SetEmitter sets where transport-level events (throttled frames) go.
func (s *Server) SetEmitter(e events.Emitter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e == nil {
		e = events.Nop{}
	}
	s.emitter = e
}

// SetMetrics mounts m at /metrics.
func (s *Server) SetMetrics(m *metrics.Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

// SetEventLog mounts log at /api/events.
func (s *Server) SetEventLog(log EventLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventLog = log
}

// SetStatusInfo sets the deployment facts reported by /status.
func (s *Server) SetStatusInfo(info StatusInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info = info
}

// SetTokenRateLimit limits POST /api/token to perMinute requests across all
// callers. Zero or negative disables the limit.
func (s *Server) SetTokenRateLimit(perMinute int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if perMinute <= 0 {
		s.tokenLimiter = nil
		return
	}
	burst := perMinute / 6
	if burst < 1 {
		burst = 1
	}
	s.tokenLimiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst)
}

// SetMessageRateLimit bounds inbound frames per socket. It applies to
// sockets opened afterwards. A non-positive perSecond disables the limit.
func (s *Server) SetMessageRateLimit(perSecond float64, burst int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if perSecond <= 0 {
		s.messageRate = rate.Inf
	} else {
		s.messageRate = rate.Limit(perSecond)
	}
	if burst < 1 {
		burst = 1
	}
	s.messageBurst = burst
}
