package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kubeadapt/kubeadapt-mesh/internal/errors"
	"github.com/kubeadapt/kubeadapt-mesh/internal/observability"
	"github.com/kubeadapt/kubeadapt-mesh/pkg/model"
)

// ReadinessChecker reports whether the process is ready to serve traffic.
type ReadinessChecker interface {
	IsReady() bool
}

// RegistryView lists nodes for debugging.
type RegistryView interface {
	Query(filter model.NodeFilter) []model.Node
}

// ErrorSource returns the active component errors for debugging.
type ErrorSource interface {
	GetActiveErrors() []errors.ComponentError
}

// Server exposes health, readiness, metrics, and debug endpoints.
type Server struct {
	httpServer *http.Server
	metrics    *observability.Metrics
	readiness  ReadinessChecker
	registry   RegistryView
	errs       ErrorSource
	listener   net.Listener
}

// NewServer creates a new health server on the given port.
// Pass port=0 to let the OS pick a free port (useful for tests).
// When enableDebug is true, pprof and debug endpoints are registered;
// /debug/registry and /debug/errors only when their source is non-nil.
func NewServer(port int, metrics *observability.Metrics, readiness ReadinessChecker, registry RegistryView, errs ErrorSource, enableDebug bool) *Server {
	s := &Server{
		metrics:   metrics,
		readiness: readiness,
		registry:  registry,
		errs:      errs,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	if enableDebug {
		// pprof handlers, only enabled when MESH_DEBUG_ENDPOINTS=true
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		if registry != nil {
			mux.HandleFunc("/debug/registry", s.handleDebugRegistry)
		}
		if errs != nil {
			mux.HandleFunc("/debug/errors", s.handleDebugErrors)
		}
	}

	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf(":%d", port),
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	return s
}

// Start begins listening and serving HTTP in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("health server listen: %w", err)
	}
	s.listener = ln
	// Update Addr to the actual address (important when port=0).
	s.httpServer.Addr = ln.Addr().String()

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("health server exited", "error", err)
		}
	}()
	return nil
}

// Addr returns the listen address. After Start it holds the bound port.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	ready := s.readiness.IsReady()
	if ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]bool{"ready": ready})
}

func (s *Server) handleDebugRegistry(w http.ResponseWriter, _ *http.Request) {
	nodes := s.registry.Query(model.NodeFilter{})
	if nodes == nil {
		nodes = []model.Node{}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(nodes)
}

func (s *Server) handleDebugErrors(w http.ResponseWriter, _ *http.Request) {
	active := s.errs.GetActiveErrors()
	if active == nil {
		active = []errors.ComponentError{}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(active)
}
