package kube

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/equality"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"

	"github.com/kubeadapt/kubeadapt-mesh/internal/errors"
	"github.com/kubeadapt/kubeadapt-mesh/internal/observability"
	"github.com/kubeadapt/kubeadapt-mesh/pkg/model"
)

const component = "kube-discovery"

// Registry is the subset of the node registry that discovery drives.
type Registry interface {
	Announce(desc model.NodeDescriptor) (model.Node, error)
	Heartbeat(hb model.Heartbeat) bool
	Depart(nodeID string) error
}

// NodeSource watches Kubernetes Node objects via a SharedInformer and keeps
// the registry in step: Ready nodes are announced, NotReady and deleted
// nodes depart. Nodes labelled for the node agent are left to the agent.
type NodeSource struct {
	client       kubernetes.Interface
	registry     Registry
	clock        errors.Clock
	metrics      *observability.Metrics
	ec           *errors.ErrorCollector
	resyncPeriod time.Duration

	informer cache.SharedIndexInformer
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu    sync.Mutex
	known map[string]model.NodeDescriptor
}

// NewNodeSource creates a NodeSource. ec may be nil.
func NewNodeSource(client kubernetes.Interface, reg Registry, clock errors.Clock, m *observability.Metrics, ec *errors.ErrorCollector, resyncPeriod time.Duration) *NodeSource {
	return &NodeSource{
		client:       client,
		registry:     reg,
		clock:        clock,
		metrics:      m,
		ec:           ec,
		resyncPeriod: resyncPeriod,
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
		known:        make(map[string]model.NodeDescriptor),
	}
}

// Start registers event handlers and begins the informer.
func (s *NodeSource) Start(_ context.Context) error {
	factory := informers.NewSharedInformerFactory(s.client, s.resyncPeriod)
	s.informer = factory.Core().V1().Nodes().Informer()

	if _, err := s.informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc: func(obj interface{}) {
			if node, ok := obj.(*corev1.Node); ok {
				s.upsert(node, "add")
			}
		},
		UpdateFunc: func(_, newObj interface{}) {
			if node, ok := newObj.(*corev1.Node); ok {
				s.upsert(node, "update")
			}
		},
		DeleteFunc: func(obj interface{}) {
			node, ok := obj.(*corev1.Node)
			if !ok {
				tombstone, ok := obj.(cache.DeletedFinalStateUnknown)
				if !ok {
					return
				}
				node, ok = tombstone.Obj.(*corev1.Node)
				if !ok {
					return
				}
			}
			s.metrics.InformerEventsTotal.WithLabelValues("delete").Inc()
			s.depart(node.Name)
		},
	}); err != nil {
		return fmt.Errorf("failed to add event handler: %w", err)
	}

	go func() {
		s.informer.Run(s.stopCh)
		close(s.done)
	}()
	return nil
}

// WaitForSync blocks until the informer cache is synced or ctx is canceled.
func (s *NodeSource) WaitForSync(ctx context.Context) error {
	if !cache.WaitForCacheSync(ctx.Done(), s.informer.HasSynced) {
		code := errors.ErrInformerSyncFailed
		if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			code = errors.ErrInformerSyncTimeout
		}
		err := errors.New(errors.CodeInternal, "nodes informer cache sync failed: %v", ctx.Err())
		s.ec.ReportErr(code, component, err)
		return err
	}
	s.ec.Resolve(errors.ErrInformerSyncFailed, component)
	return nil
}

// Run heartbeats every discovered node at interval until ctx is cancelled.
// Kubernetes-only nodes have no agent of their own, so the informer's view
// of readiness stands in for one.
func (s *NodeSource) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.HeartbeatAll()
		}
	}
}

// HeartbeatAll refreshes liveness for every node this source announced.
// Nodes the registry has purged are announced again.
func (s *NodeSource) HeartbeatAll() {
	s.mu.Lock()
	descs := make([]model.NodeDescriptor, 0, len(s.known))
	for _, d := range s.known {
		descs = append(descs, d)
	}
	s.mu.Unlock()

	now := s.clock.Now()
	for _, d := range descs {
		if s.registry.Heartbeat(model.Heartbeat{NodeID: d.ID, Timestamp: now}) {
			continue
		}
		if _, err := s.registry.Announce(d); err != nil {
			slog.Warn("failed to re-announce discovered node", "node_id", d.ID, "error", err)
		}
	}
}

// Known returns the number of nodes currently announced by this source.
func (s *NodeSource) Known() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.known)
}

// Stop signals the informer to stop and waits for it to exit.
func (s *NodeSource) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	if s.informer != nil {
		<-s.done
	}
}

func (s *NodeSource) upsert(node *corev1.Node, event string) {
	s.metrics.InformerEventsTotal.WithLabelValues(event).Inc()

	if agentManaged(node) {
		s.forget(node.Name)
		return
	}
	if !nodeReady(node) {
		s.depart(node.Name)
		return
	}

	desc, err := NodeToDescriptor(node)
	if err != nil {
		slog.Warn("skipping kubernetes node", "node", node.Name, "error", err)
		s.ec.ReportErr(errors.ErrDiscoveryFailed, component, err)
		return
	}

	s.mu.Lock()
	prev, seen := s.known[desc.ID]
	s.known[desc.ID] = desc
	s.mu.Unlock()

	if seen && equality.Semantic.DeepEqual(prev, desc) {
		if s.registry.Heartbeat(model.Heartbeat{NodeID: desc.ID, Timestamp: s.clock.Now()}) {
			return
		}
	}
	if _, err := s.registry.Announce(desc); err != nil {
		slog.Error("failed to announce discovered node", "node_id", desc.ID, "error", err)
		s.ec.ReportErr(errors.ErrDiscoveryFailed, component, err)
		return
	}
	slog.Info("discovered node announced", "node_id", desc.ID, "tier", desc.Tier.String(), "gpus", len(desc.GPUs))
}

// depart removes a node this source announced and marks it offline.
func (s *NodeSource) depart(name string) {
	if !s.forget(name) {
		return
	}
	if err := s.registry.Depart(name); err != nil && !stderrors.Is(err, errors.ErrNotFound) {
		slog.Warn("failed to depart discovered node", "node_id", name, "error", err)
		return
	}
	slog.Info("discovered node departed", "node_id", name)
}

func (s *NodeSource) forget(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.known[name]; !ok {
		return false
	}
	delete(s.known, name)
	return true
}
