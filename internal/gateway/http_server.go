package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/haasonsaas/codrawer/internal/discovery"
)

// Handler returns the HTTP routes: the WebSocket endpoint, /healthz and,
// when enabled, /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{session}", s.handleWS)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.config.Observability.Metrics() {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start(ctx context.Context) error {
	addr := s.config.Server.Addr()
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve runs the gate and serves HTTP on ln until Stop. It returns nil after
// a graceful stop.
func (s *Server) Serve(ln net.Listener) error {
	s.startOnce.Do(func() {
		go func() {
			if err := s.gate.Run(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("rate gate stopped", "error", err)
			}
		}()
	})

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = server
	s.mu.Unlock()

	if s.config.Discovery.Enabled {
		if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
			adv, err := discovery.Advertise(s.config.Discovery, tcp.Port, s.logger)
			if err != nil {
				s.logger.Warn("mdns advertisement failed", "error", err)
			} else {
				s.mu.Lock()
				s.advertiser = adv
				s.mu.Unlock()
			}
		}
	}

	s.logger.Info("ink router listening",
		"addr", ln.Addr().String(),
		"backend", s.adapter.Backend(),
		"min_model_interval", s.config.Gate.MinModelInterval,
	)
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop stops accepting connections, closes live ones, stops every session
// and the gate, and waits for connection handlers until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping server")

	s.mu.Lock()
	server := s.httpServer
	adv := s.advertiser
	s.advertiser = nil
	s.mu.Unlock()

	var errs []error
	if adv != nil {
		if err := adv.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("mdns shutdown: %w", err))
		}
	}
	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	s.mu.Lock()
	for c := range s.conns {
		c.closeWith(closeGoingAway, "server shutting down")
	}
	s.mu.Unlock()

	s.registry.Close()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for connections: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ok":true}`)) //nolint:errcheck
}

// checkOrigin admits requests without an Origin header (device bridges) and
// browser requests whose origin is allowed. An empty allow list admits all.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.config.Server.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == "*" || strings.EqualFold(a, origin) || strings.EqualFold(a, u.Host) {
			return true
		}
	}
	s.logger.Warn("rejected websocket origin", "origin", origin)
	return false
}
