package metric

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/gcstreams/errors"
)

// HealthFunc reports liveness for the /healthz endpoint. It returns a JSON
// serializable snapshot and whether the process is healthy.
type HealthFunc func() (any, bool)

// Server exposes the registry over HTTP
type Server struct {
	addr     string
	path     string
	registry *MetricsRegistry
	health   HealthFunc

	mu       sync.Mutex // protects server and listener
	server   *http.Server
	listener net.Listener
}

// NewServer creates a new metrics server with the provided registry.
// An empty addr listens on :9090.
func NewServer(addr, path string, registry *MetricsRegistry, health HealthFunc) *Server {
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
		health:   health,
	}
}

// Handler returns the HTTP handler serving metrics and health
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle(s.path, promhttp.HandlerFor(
		s.registry.PrometheusRegistry(),
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if s.health == nil {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
			return
		}
		snapshot, healthy := s.health()
		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(snapshot)
	})

	return mux
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.WrapInvalid(
			fmt.Errorf("server already running"),
			"Server", "Start", "cannot start server that is already running")
	}
	if s.registry == nil {
		return errors.WrapFatal(fmt.Errorf("nil registry"), "Server", "Start", "metrics registry not provided")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start", fmt.Sprintf("listen on %s", s.addr))
	}

	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	server := s.server
	go func() {
		_ = server.Serve(listener)
	}()

	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		err := s.server.Close()
		s.server = nil
		s.listener = nil
		if err != nil {
			return errors.WrapTransient(err, "Server", "Stop", "close HTTP server")
		}
	}
	return nil
}

// Address returns the bound metrics URL
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr := s.addr
	if s.listener != nil {
		addr = s.listener.Addr().String()
	}
	return fmt.Sprintf("http://%s%s", addr, s.path)
}
