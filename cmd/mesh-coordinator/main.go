package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/KimMachineGun/automemlimit"
	_ "go.uber.org/automaxprocs"

	"k8s.io/client-go/kubernetes"
	metricsclientset "k8s.io/metrics/pkg/client/clientset/versioned"

	"github.com/kubeadapt/kubeadapt-mesh/internal/api"
	"github.com/kubeadapt/kubeadapt-mesh/internal/bus"
	"github.com/kubeadapt/kubeadapt-mesh/internal/config"
	"github.com/kubeadapt/kubeadapt-mesh/internal/errors"
	"github.com/kubeadapt/kubeadapt-mesh/internal/health"
	"github.com/kubeadapt/kubeadapt-mesh/internal/history"
	"github.com/kubeadapt/kubeadapt-mesh/internal/kube"
	"github.com/kubeadapt/kubeadapt-mesh/internal/observability"
	"github.com/kubeadapt/kubeadapt-mesh/internal/planner"
	"github.com/kubeadapt/kubeadapt-mesh/internal/registry"
	"github.com/kubeadapt/kubeadapt-mesh/internal/reservation"
	"github.com/kubeadapt/kubeadapt-mesh/internal/service"
	"github.com/kubeadapt/kubeadapt-mesh/internal/work"
)

const grpcRefreshInterval = 5 * time.Second

func main() {
	// 1. Load and validate config.
	cfg := config.Load()
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

	slog.Info("mesh-coordinator starting",
		"version", cfg.Version,
		"instance_id", cfg.InstanceID,
		"bus_driver", cfg.Bus.Driver,
		"history_driver", cfg.HistoryDriver,
		"kube_discovery", cfg.KubeDiscovery,
	)

	// 3. Shared infrastructure.
	metrics := observability.NewMetrics()
	errCollector := errors.NewErrorCollector(errors.RealClock{})
	clock := errors.RealClock{}

	b, err := bus.Open(ctx, cfg.Bus, cfg.InstanceID, metrics)
	if err != nil {
		slog.Error("failed to open bus", "error", err)
		os.Exit(1)
	}
	b.SetErrorCollector(errCollector)

	// 4. Core components.
	reg := registry.New(registry.Config{
		StaleAfter:    cfg.StaleAfter,
		PurgeAfter:    cfg.PurgeAfter,
		SweepInterval: cfg.RegistrySweepInterval,
	}, clock, metrics)
	res := reservation.New(reservation.Config{
		DefaultTTL:    cfg.DefaultLeaseTTL,
		MaxTTL:        cfg.MaxLeaseTTL,
		SweepInterval: cfg.ExpirySweepInterval,
		RAMWindow:     cfg.RAMWindow,
		RAMLowWaterMB: cfg.RAMLowWaterMB,
		RAMLookahead:  cfg.RAMLookahead,
	}, reg, clock, metrics, errCollector)
	workEngine := work.New(work.Config{
		AssignInterval:    cfg.AssignInterval,
		AssignmentTimeout: cfg.AssignmentTimeout,
		MaxAttempts:       cfg.MaxAttempts,
		RetryBaseDelay:    cfg.RetryBaseDelay,
		RetryMaxDelay:     cfg.RetryMaxDelay,
		Blacklist: work.BlacklistPolicy{
			Threshold:    cfg.BlacklistThreshold,
			BaseCooldown: cfg.BlacklistBaseCooldown,
			MaxCooldown:  cfg.BlacklistMaxCooldown,
		},
		Retention: cfg.WorkRetention,
	}, reg, res, work.NewStaticResolver(cfg.GPUWorkTypes, cfg.ModelFootprints),
		service.NewBusDispatcher(b), clock, metrics)
	plan := planner.New(res, clock, metrics)

	// 5. Optional history.
	store, err := history.Open(ctx, cfg.HistoryDriver, cfg.HistoryDSN, cfg.HistoryDatabase)
	if err != nil {
		slog.Error("failed to open history store", "driver", cfg.HistoryDriver, "error", err)
		os.Exit(1)
	}

	loops := newLoopSet()
	if store != nil {
		rec := history.NewAsyncRecorder(store, cfg.HistoryBuffer, metrics, errCollector)
		workEngine.SetRecorder(rec)
		plan.SetRecorder(rec)
		loops.Go(ctx, "history", rec.Run)
	}

	// 6. Background loops and bus bindings.
	loops.Go(ctx, service.ServiceRegistry, reg.Run)
	loops.Go(ctx, service.ServiceReservation, res.Run)
	loops.Go(ctx, service.ServiceWork, workEngine.Run)

	coord := service.NewCoordinator(b, reg, res, workEngine, plan, clock, errCollector)
	for _, svc := range []string{service.ServiceRegistry, service.ServiceReservation, service.ServiceWork} {
		coord.SetHealthCheck(svc, loops.Check(svc))
	}
	if err := coord.Bind(ctx); err != nil {
		slog.Error("failed to bind coordinator", "error", err)
		os.Exit(1)
	}

	// 7. Kubernetes discovery.
	if cfg.KubeDiscovery {
		if err := startKubeDiscovery(ctx, cfg, reg, res, metrics, errCollector, loops); err != nil {
			slog.Error("failed to start kubernetes discovery", "error", err)
			os.Exit(1)
		}
	}

	// 8. Surfaces.
	var apiSrv *http.Server
	if cfg.APIPort > 0 {
		router := api.NewRouter(service.NewLocal(reg, res, workEngine, plan))
		apiSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.APIPort),
			Handler:           router.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		go func() {
			slog.Info("api server listening", "addr", apiSrv.Addr)
			if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("api server exited", "error", err)
				cancel()
			}
		}()
	}

	healthSrv := health.NewServer(cfg.HealthPort, metrics, coord, reg, errCollector, cfg.DebugEndpoints)
	if err := healthSrv.Start(); err != nil {
		slog.Error("failed to start health server", "error", err)
		os.Exit(1)
	}

	var grpcSrv *health.GRPCServer
	if cfg.GRPCHealthPort > 0 {
		grpcSrv = health.NewGRPCServer(cfg.GRPCHealthPort)
		for _, svc := range service.Services {
			grpcSrv.Register(svc, func() error { return coord.Check(svc) })
		}
		if err := grpcSrv.Start(); err != nil {
			slog.Error("failed to start grpc health server", "error", err)
			os.Exit(1)
		}
		go func() { _ = grpcSrv.Run(ctx, grpcRefreshInterval) }()
	}

	slog.Info("mesh-coordinator ready")
	<-ctx.Done()

	// 9. Graceful shutdown.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	coord.Close()
	if apiSrv != nil {
		if err := apiSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("api server shutdown error", "error", err)
		}
	}
	if grpcSrv != nil {
		grpcSrv.Stop(shutdownCtx)
	}
	if err := healthSrv.Stop(shutdownCtx); err != nil {
		slog.Error("health server shutdown error", "error", err)
	}

	loops.Wait()
	if store != nil {
		if err := store.Close(shutdownCtx); err != nil {
			slog.Error("history store close error", "error", err)
		}
	}
	if err := b.Close(); err != nil {
		slog.Error("bus close error", "error", err)
	}

	slog.Info("mesh-coordinator stopped")
}

// startKubeDiscovery mirrors Kubernetes nodes into the registry and, when a
// metrics-server is installed, feeds their memory usage to the RAM trends.
func startKubeDiscovery(
	ctx context.Context,
	cfg config.Config,
	reg *registry.Registry,
	res *reservation.Engine,
	metrics *observability.Metrics,
	ec *errors.ErrorCollector,
	loops *loopSet,
) error {
	restCfg, err := kube.RESTConfig()
	if err != nil {
		return err
	}
	kubeClient, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return fmt.Errorf("creating kubernetes client: %w", err)
	}

	nodes := kube.NewNodeSource(kubeClient, reg, errors.RealClock{}, metrics, ec, cfg.InformerResyncPeriod)
	if err := nodes.Start(ctx); err != nil {
		return err
	}
	syncCtx, syncCancel := context.WithTimeout(ctx, cfg.InformerSyncTimeout)
	defer syncCancel()
	if err := nodes.WaitForSync(syncCtx); err != nil {
		nodes.Stop()
		return err
	}
	slog.Info("kubernetes node discovery synced", "nodes", nodes.Known())

	// Informer resyncs are too slow to keep nodes inside the stale window.
	loops.Go(ctx, "kube-discovery", func(ctx context.Context) error {
		defer nodes.Stop()
		return nodes.Run(ctx, cfg.StaleAfter/3)
	})

	hasMetrics, err := kube.MetricsServerAvailable(kubeClient.Discovery())
	if err != nil {
		slog.Warn("failed to detect metrics-server", "error", err)
	}
	if !hasMetrics {
		slog.Info("metrics-server not found, kubernetes nodes report no RAM trend")
		return nil
	}
	metricsClient, err := metricsclientset.NewForConfig(restCfg)
	if err != nil {
		return fmt.Errorf("creating metrics client: %w", err)
	}
	poller := kube.NewRAMPollerFromClient(metricsClient.MetricsV1beta1(), reg, res, metrics, ec, cfg.RAMPollInterval)
	loops.Go(ctx, "kube-ram", poller.Run)
	return nil
}

// loopSet runs component loops and remembers which stopped early.
type loopSet struct {
	wg sync.WaitGroup

	mu      sync.Mutex
	stopped map[string]error
}

func newLoopSet() *loopSet {
	return &loopSet{stopped: make(map[string]error)}
}

// Go runs fn until ctx is cancelled. An early return marks name unhealthy.
func (l *loopSet) Go(ctx context.Context, name string, fn func(context.Context) error) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		err := fn(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = fmt.Errorf("%s loop exited", name)
		}
		slog.Error("component loop stopped", "component", name, "error", err)
		l.mu.Lock()
		l.stopped[name] = err
		l.mu.Unlock()
	}()
}

// Check returns a health check failing once name's loop has stopped.
func (l *loopSet) Check(name string) func() error {
	return func() error {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.stopped[name]
	}
}

func (l *loopSet) Wait() {
	l.wg.Wait()
}
