package server

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	relaytls "github.com/servermint/relay/internal/tls"
)

// TLSConfig holds the certificate paths for HTTPS/WSS.
type TLSConfig struct {
	CertPath string
	KeyPath  string
}

func (s *Server) newHTTPServer() *http.Server {
	return &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}
}

// Start listens and serves until Stop. It blocks; use StartAsync to learn
// about listen errors before continuing.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	srv := s.bind(ln)

	slog.Info("relay listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); !isClosedError(err) {
		return err
	}
	return nil
}

// StartAsync starts serving in a goroutine. The returned channel receives nil
// once the listener is bound, or the listen error.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		errCh <- fmt.Errorf("failed to listen on %s: %w", s.addr, err)
		close(errCh)
		return errCh
	}
	s.serve(ln, false, errCh)
	return errCh
}

// StartAsyncTLS is StartAsync over TLS. Plaintext connections are rejected.
func (s *Server) StartAsyncTLS(tlsCfg TLSConfig) <-chan error {
	errCh := make(chan error, 1)

	cfg, err := relaytls.ServerConfig(tlsCfg.CertPath, tlsCfg.KeyPath)
	if err != nil {
		errCh <- fmt.Errorf("failed to load TLS certificate: %w", err)
		close(errCh)
		return errCh
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		errCh <- fmt.Errorf("failed to listen on %s: %w", s.addr, err)
		close(errCh)
		return errCh
	}

	s.serve(tls.NewListener(ln, cfg), true, errCh)
	return errCh
}

func (s *Server) bind(ln net.Listener) *http.Server {
	srv := s.newHTTPServer()
	s.mu.Lock()
	s.httpServer = srv
	s.listenAddr = ln.Addr().String()
	s.mu.Unlock()
	return srv
}

func (s *Server) serve(ln net.Listener, tlsEnabled bool, errCh chan<- error) {
	srv := s.bind(ln)

	go func() {
		slog.Info("relay listening", "addr", ln.Addr().String(), "tls", tlsEnabled)
		errCh <- nil
		close(errCh)

		if err := srv.Serve(ln); !isClosedError(err) {
			slog.Error("relay server error", "err", err)
		}
	}()
}

// Stop closes every socket and the listener. Sockets unregister from the
// relay as their read loops exit.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true

	for client := range s.clients {
		client.closeSend()
	}
	srv := s.httpServer
	s.mu.Unlock()

	if srv != nil {
		return srv.Close()
	}
	return nil
}
