package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzhttp"
	"golang.org/x/time/rate"

	apperrors "github.com/servermint/relay/internal/errors"
	"github.com/servermint/relay/internal/relay"
)

// maxTokenRequestBody bounds POST /api/token bodies.
const maxTokenRequestBody = 64 * 1024

// anonymousUser owns tokens requested without a userId.
const anonymousUser = "anonymous"

type tokenRequest struct {
	UserID string `json:"userId"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Tokens      int    `json:"tokens"`
	Nodes       int    `json:"nodes"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Handler returns the HTTP handler serving every relay endpoint.
func (s *Server) Handler() http.Handler {
	s.mu.RLock()
	m := s.metrics
	eventLog := s.eventLog
	s.mu.RUnlock()

	router := mux.NewRouter()
	router.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	router.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	router.Handle("/health", gzhttp.GzipHandler(http.HandlerFunc(s.handleHealth))).Methods(http.MethodGet)
	router.Handle("/api/token", gzhttp.GzipHandler(http.HandlerFunc(s.handleToken))).Methods(http.MethodPost)
	router.Handle("/status", gzhttp.GzipHandler(http.HandlerFunc(s.handleStatus))).Methods(http.MethodGet)

	if eventLog != nil {
		router.Handle("/api/events", gzhttp.GzipHandler(http.HandlerFunc(s.handleEvents))).Methods(http.MethodGet)
		slog.Debug("audit endpoint registered", "path", "/api/events")
	}
	if m != nil {
		router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
		slog.Debug("metrics endpoint registered", "path", "/metrics")
	}

	return withCORS(router)
}

// withCORS allows every origin and answers preflight requests directly.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleRoot serves the banner, or upgrades the request when it is a
// WebSocket handshake. Older agents dial the root path.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.handleWebSocket(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, Banner)
}

// handleWebSocket upgrades the connection and registers it with the relay.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr,
			"code", apperrors.CodeServerUpgradeFailed, "err", err)
		return
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		conn.Close()
		return
	}
	client := &Client{
		conn:         conn,
		send:         make(chan []byte, channelBufferSize),
		done:         make(chan struct{}),
		server:       s,
		remoteAddr:   r.RemoteAddr,
		inputLimiter: rate.NewLimiter(s.messageRate, s.messageBurst),
	}
	s.clients[client] = true
	s.mu.Unlock()

	client.id = s.relay.Connect(client)
	slog.Info("client connected", "connection_id", client.id, "remote", r.RemoteAddr,
		"total", s.ClientCount())

	go client.writePump()
	go client.readPump()
}

// handleToken issues a pairing token. The body is optional; userId defaults
// to "anonymous".
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	limiter := s.tokenLimiter
	s.mu.RUnlock()

	if limiter != nil && !limiter.Allow() {
		writeJSONError(w, http.StatusTooManyRequests, apperrors.CodeTokenRateLimited, "Too many token requests")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTokenRequestBody))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, apperrors.CodeTokenInvalidRequest, "Invalid request body")
		return
	}

	var req tokenRequest
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, apperrors.CodeTokenInvalidRequest, "Invalid JSON body")
			return
		}
	}
	if req.UserID == "" {
		req.UserID = anonymousUser
	}

	tok, err := s.relay.IssueToken(req.UserID)
	if errors.Is(err, relay.ErrTokenCapacity) {
		slog.Warn("token table full", "user_id", req.UserID)
		writeJSONError(w, http.StatusServiceUnavailable, apperrors.CodeTokenCapacity, "Too many outstanding tokens")
		return
	}
	if err != nil {
		slog.Error("token issue failed", "user_id", req.UserID, "err", err)
		writeJSONError(w, http.StatusInternalServerError, apperrors.CodeTokenIssueFailed, "Failed to issue token")
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{Token: tok.Value, ExpiresAt: tok.ExpiresAt()})
}

// handleHealth reports live counts for liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.relay.Stats()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		Connections: stats.Connections,
		Tokens:      stats.Tokens,
		Nodes:       stats.Nodes,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Debug("response encode failed", "err", err)
	}
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

// isLoopbackRequest reports whether the request came from 127.0.0.0/8 or ::1.
func isLoopbackRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		slog.Debug("unparseable remote address", "remote", r.RemoteAddr, "err", err)
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}

// isClosedError reports errors returned by Serve after Stop.
func isClosedError(err error) bool {
	return err == nil || errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed)
}
