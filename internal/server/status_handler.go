package server

import (
	"net/http"
	"strconv"

	apperrors "github.com/servermint/relay/internal/errors"
)

// StatusResponse is returned by GET /status for the "relay status" command.
type StatusResponse struct {
	ListeningAddress string `json:"listening_address"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
	TLSEnabled       bool   `json:"tls_enabled"`

	Connections     int `json:"connections"`
	Agents          int `json:"agents"`
	Desktops        int `json:"desktops"`
	Unauthenticated int `json:"unauthenticated"`
	Tokens          int `json:"tokens"`
	Nodes           int `json:"nodes"`

	AuditEnabled bool `json:"audit_enabled"`
	NATSEnabled  bool `json:"nats_enabled"`
	MDNSEnabled  bool `json:"mdns_enabled"`
}

const (
	defaultEventsLimit = 50
	maxEventsLimit     = 1000
)

// handleStatus reports relay state. Local requests only.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !isLoopbackRequest(r) {
		http.Error(w, "Forbidden: status endpoint is local-only", http.StatusForbidden)
		return
	}

	s.mu.RLock()
	info := s.info
	s.mu.RUnlock()

	stats := s.relay.Stats()
	writeJSON(w, http.StatusOK, StatusResponse{
		ListeningAddress: s.Addr(),
		UptimeSeconds:    int64(s.Uptime().Seconds()),
		TLSEnabled:       info.TLSEnabled,
		Connections:      stats.Connections,
		Agents:           stats.Roles.Agents,
		Desktops:         stats.Roles.Desktops,
		Unauthenticated:  stats.Roles.Unknown,
		Tokens:           stats.Tokens,
		Nodes:            stats.Nodes,
		AuditEnabled:     info.AuditEnabled,
		NATSEnabled:      info.NATSEnabled,
		MDNSEnabled:      info.MDNSEnabled,
	})
}

// handleEvents returns the most recent audit events, newest first.
// Local requests only.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !isLoopbackRequest(r) {
		http.Error(w, "Forbidden: events endpoint is local-only", http.StatusForbidden)
		return
	}

	limit := defaultEventsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, "", "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > maxEventsLimit {
		limit = maxEventsLimit
	}

	s.mu.RLock()
	eventLog := s.eventLog
	s.mu.RUnlock()

	records, err := eventLog.Recent(r.Context(), limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, apperrors.CodeStorageQueryFailed, "Failed to read events")
		return
	}
	writeJSON(w, http.StatusOK, records)
}
