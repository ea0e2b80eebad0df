package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	if s == nil {
		return nil
	}
	addr := s.Addr()
	server := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.httpServer = server
	s.httpListener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("starting http server", "addr", listener.Addr().String())
	return nil
}

// ListenAddr is the bound address once Start has returned.
func (s *Server) ListenAddr() string {
	if s == nil || s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// Stop shuts the listener down, waiting for in-flight requests until ctx ends.
func (s *Server) Stop(ctx context.Context) {
	if s == nil || s.httpServer == nil {
		return
	}
	shutdownCtx := ctx
	var cancel context.CancelFunc
	if shutdownCtx == nil {
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
	}
	s.httpServer = nil
	s.httpListener = nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.healthSnapshot())
}

// healthSnapshot reports gateway liveness. A stopped runtime is not a failure;
// it starts on the next request that needs it.
func (s *Server) healthSnapshot() map[string]any {
	return map[string]any{
		"status":    "ok",
		"uptime_ms": time.Since(s.startTime).Milliseconds(),
		"runtime":   s.runtime.Status(),
		"providers": len(s.store.Names()),
	}
}
