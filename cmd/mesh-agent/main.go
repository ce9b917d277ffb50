package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/KimMachineGun/automemlimit"
	_ "go.uber.org/automaxprocs"

	"github.com/kubeadapt/kubeadapt-mesh/internal/bus"
	"github.com/kubeadapt/kubeadapt-mesh/internal/config"
	"github.com/kubeadapt/kubeadapt-mesh/internal/errors"
	"github.com/kubeadapt/kubeadapt-mesh/internal/health"
	"github.com/kubeadapt/kubeadapt-mesh/internal/nodeagent"
	"github.com/kubeadapt/kubeadapt-mesh/internal/observability"
	"github.com/kubeadapt/kubeadapt-mesh/internal/service"
)

func main() {
	// 1. Load and validate config.
	cfg := config.LoadAgent()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// 2. Create context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		slog.Info("shutdown signal received", "signal", sig)
		cancel()
	}()

	slog.Info("mesh-agent starting",
		"node_id", cfg.NodeID,
		"hostname", cfg.Hostname,
		"bus_driver", cfg.Bus.Driver,
		"dcgm_endpoint", cfg.DCGMEndpoint,
		"executor_url", cfg.ExecutorURL,
	)

	// 3. Shared infrastructure.
	metrics := observability.NewMetrics()
	errCollector := errors.NewErrorCollector(errors.RealClock{})
	clock := errors.RealClock{}

	b, err := bus.Open(ctx, cfg.Bus, "agent-"+cfg.NodeID, metrics)
	if err != nil {
		slog.Error("failed to open bus", "error", err)
		os.Exit(1)
	}
	b.SetErrorCollector(errCollector)

	// 4. Capability probing and execution.
	prober, err := nodeagent.NewProber(cfg.ProcPath, cfg.DCGMEndpoint, cfg.GPUInterconnect, cfg.StaticGPUs)
	if err != nil {
		slog.Error("failed to create prober", "error", err)
		os.Exit(1)
	}

	var exec nodeagent.Executor = nodeagent.EchoExecutor{}
	if cfg.ExecutorURL != "" {
		exec = nodeagent.NewHTTPExecutor(cfg.ExecutorURL, cfg.ExecutorToken, cfg.ExecutorTimeout)
	} else {
		slog.Warn("no executor configured, assignments are echoed back")
	}

	sm := nodeagent.NewStateMachine(clock, cfg.HeartbeatInterval)
	ag := nodeagent.NewAgent(cfg, service.NewClient(b), b, prober, exec, sm, clock, metrics, errCollector)

	// 5. Start health server.
	healthSrv := health.NewServer(cfg.HealthPort, metrics, ag, nil, errCollector, cfg.DebugEndpoints)
	if err := healthSrv.Start(); err != nil {
		slog.Error("failed to start health server", "error", err)
		os.Exit(1)
	}

	// 6. Start memory pressure monitor.
	memMon := nodeagent.NewMemoryPressureMonitor(cfg.MemoryPressureThreshold, sm.SetMemoryPressure, cfg.HeartbeatInterval, prober)
	memMon.Start()

	// 7. Run agent (blocks until context is canceled).
	if err := ag.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("agent exited with error", "error", err)
	}

	// 8. Graceful shutdown.
	memMon.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := healthSrv.Stop(shutdownCtx); err != nil {
		slog.Error("health server shutdown error", "error", err)
	}
	if err := b.Close(); err != nil {
		slog.Error("bus close error", "error", err)
	}

	slog.Info("mesh-agent stopped")
}
