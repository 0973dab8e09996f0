package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// Server owns the TCP listener and the proxy handler's lifecycle.
type Server struct {
	handler *Handler
	logger  *slog.Logger

	mu       sync.Mutex
	httpSrv  *http.Server
	listener net.Listener
	running  bool
	serveErr chan error
}

// NewServer wraps the handler in an HTTP server bound to host:port.
func NewServer(handler *Handler, logger *slog.Logger) *Server {
	return &Server{
		handler: handler,
		logger:  logger,
	}
}

// Start binds the listener and begins serving in a background goroutine.
// It returns once the socket is bound, so a caller that proceeds to
// launch the container knows the narrow door is already open.
func (s *Server) Start(host string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("egress proxy already running")
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind egress proxy on %s: %w", addr, err)
	}

	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.serveErr = make(chan error, 1)
	s.running = true

	go func() {
		err := s.httpSrv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("egress proxy serve error", "error", err)
		}
		s.serveErr <- err
	}()

	s.logger.Info("egress proxy started", "addr", ln.Addr().String())
	return nil
}

// Stop shuts the server down: the listener closes first, then in-flight
// requests get a grace period, then hijacked tunnel sockets are cut.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	srv := s.httpSrv
	s.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("egress proxy shutdown incomplete, forcing close", "error", err)
		_ = srv.Close()
	}

	// Shutdown does not touch hijacked connections; close tunnels directly.
	s.handler.tunnels.closeAll()

	s.logger.Info("egress proxy stopped")
}

// Running reports whether the listener is active.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Addr returns the bound address, useful when port 0 was requested.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
