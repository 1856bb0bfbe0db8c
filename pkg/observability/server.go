package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// Server serves /metrics and the health endpoints.
type Server struct {
	httpServer *http.Server
	health     *HealthChecker
}

// NewServer creates an observability server listening on addr.
func NewServer(addr string, health *HealthChecker) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", health.HealthHandler())
	mux.HandleFunc("/health/live", LivenessHandler())
	mux.HandleFunc("/health/ready", health.ReadinessHandler())
	mux.Handle("/metrics", MetricsHandler())

	return &Server{
		health: health,
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// Handler exposes the mux, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Serve accepts connections on ln until Shutdown. A clean shutdown returns
// nil.
func (s *Server) Serve(ln net.Listener) error {
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Start listens on the configured address and serves.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown marks the service as draining and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.SetDraining(true)
	return s.httpServer.Shutdown(ctx)
}
