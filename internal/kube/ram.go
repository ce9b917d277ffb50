package kube

import (
	"context"
	"log/slog"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	metricsv1beta1 "k8s.io/metrics/pkg/apis/metrics/v1beta1"
	metricsv1beta1client "k8s.io/metrics/pkg/client/clientset/versioned/typed/metrics/v1beta1"

	"github.com/kubeadapt/kubeadapt-mesh/internal/errors"
	"github.com/kubeadapt/kubeadapt-mesh/internal/observability"
	"github.com/kubeadapt/kubeadapt-mesh/pkg/model"
)

// MetricsAPI abstracts the metrics-server API for testability.
type MetricsAPI interface {
	ListNodeMetrics(ctx context.Context) ([]metricsv1beta1.NodeMetrics, error)
}

type metricsAPIClient struct {
	client metricsv1beta1client.MetricsV1beta1Interface
}

func (c *metricsAPIClient) ListNodeMetrics(ctx context.Context) ([]metricsv1beta1.NodeMetrics, error) {
	list, err := c.client.NodeMetricses().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, err
	}
	return list.Items, nil
}

// NodeLookup resolves a registered node's descriptor.
type NodeLookup interface {
	Get(nodeID string) (model.Node, error)
}

// RAMObserver accepts host RAM samples.
type RAMObserver interface {
	ObserveRAM(nodeID string, availableMB int64, ts time.Time) bool
}

// RAMPoller turns metrics-server node memory usage into available-RAM
// samples for registered nodes.
type RAMPoller struct {
	api      MetricsAPI
	nodes    NodeLookup
	observer RAMObserver
	metrics  *observability.Metrics
	ec       *errors.ErrorCollector
	interval time.Duration
}

// NewRAMPoller creates a RAMPoller. ec may be nil.
func NewRAMPoller(api MetricsAPI, nodes NodeLookup, observer RAMObserver, m *observability.Metrics, ec *errors.ErrorCollector, interval time.Duration) *RAMPoller {
	return &RAMPoller{
		api:      api,
		nodes:    nodes,
		observer: observer,
		metrics:  m,
		ec:       ec,
		interval: interval,
	}
}

// NewRAMPollerFromClient creates a RAMPoller using a real metrics-server client.
func NewRAMPollerFromClient(client metricsv1beta1client.MetricsV1beta1Interface, nodes NodeLookup, observer RAMObserver, m *observability.Metrics, ec *errors.ErrorCollector, interval time.Duration) *RAMPoller {
	return NewRAMPoller(&metricsAPIClient{client: client}, nodes, observer, m, ec, interval)
}

// Run polls immediately and then on every interval until ctx is cancelled.
func (p *RAMPoller) Run(ctx context.Context) error {
	p.Poll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll fetches node usage once and returns how many samples were accepted.
// Nodes unknown to the registry, or without a declared RAM total, are skipped.
func (p *RAMPoller) Poll(ctx context.Context) int {
	start := time.Now()
	list, err := p.api.ListNodeMetrics(ctx)
	p.metrics.MetricsAPIDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		slog.Error("failed to list node metrics", "error", err)
		p.ec.ReportErr(errors.ErrMetricsUnavailable, component, err)
		return 0
	}
	p.ec.Resolve(errors.ErrMetricsUnavailable, component)

	accepted := 0
	for _, nm := range list {
		node, err := p.nodes.Get(nm.Name)
		if err != nil || node.Memory.TotalMB <= 0 {
			continue
		}
		memQ := nm.Usage[corev1.ResourceMemory]
		available := node.Memory.TotalMB - memQ.Value()/mib
		if available < 0 {
			available = 0
		}
		if p.observer.ObserveRAM(nm.Name, available, nm.Timestamp.Time) {
			accepted++
		}
	}
	return accepted
}
