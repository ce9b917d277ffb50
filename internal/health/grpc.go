package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Check reports a service's health. A nil error means serving.
type Check func() error

// GRPCServer serves the standard grpc.health.v1 protocol with one entry per
// mesh service, refreshed from the registered checks.
type GRPCServer struct {
	port   int
	server *grpc.Server
	health *grpchealth.Server

	mu       sync.Mutex
	checks   map[string]Check
	listener net.Listener
}

// NewGRPCServer creates a gRPC health server. Pass port=0 for an ephemeral
// port.
func NewGRPCServer(port int) *GRPCServer {
	hs := grpchealth.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return &GRPCServer{
		port:   port,
		server: srv,
		health: hs,
		checks: make(map[string]Check),
	}
}

// Register adds a service. It reports NOT_SERVING until the first Refresh.
func (g *GRPCServer) Register(service string, check Check) {
	g.mu.Lock()
	g.checks[service] = check
	g.mu.Unlock()
	g.health.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
}

// Refresh runs every check once and publishes the result. The overall
// status ("") is serving only when every service is.
func (g *GRPCServer) Refresh() {
	g.mu.Lock()
	checks := make(map[string]Check, len(g.checks))
	for k, v := range g.checks {
		checks[k] = v
	}
	g.mu.Unlock()

	overall := healthpb.HealthCheckResponse_SERVING
	for service, check := range checks {
		status := healthpb.HealthCheckResponse_SERVING
		if err := check(); err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			overall = healthpb.HealthCheckResponse_NOT_SERVING
			slog.Debug("service not serving", "service", service, "error", err)
		}
		g.health.SetServingStatus(service, status)
	}
	g.health.SetServingStatus("", overall)
}

// Start listens and serves in a background goroutine.
func (g *GRPCServer) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", g.port))
	if err != nil {
		return fmt.Errorf("grpc health listen: %w", err)
	}
	g.mu.Lock()
	g.listener = ln
	g.mu.Unlock()
	go func() {
		if err := g.server.Serve(ln); err != nil {
			slog.Error("grpc health server exited", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address after Start.
func (g *GRPCServer) Addr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

// Run refreshes statuses every interval until ctx is cancelled.
func (g *GRPCServer) Run(ctx context.Context, interval time.Duration) error {
	g.Refresh()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			g.Refresh()
		}
	}
}

// Stop marks every service NOT_SERVING and stops the server, waiting for
// in-flight RPCs until ctx expires.
func (g *GRPCServer) Stop(ctx context.Context) {
	g.health.Shutdown()
	done := make(chan struct{})
	go func() {
		g.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.server.Stop()
	}
}
