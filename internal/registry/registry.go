package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kubeadapt/kubeadapt-mesh/internal/errors"
	"github.com/kubeadapt/kubeadapt-mesh/internal/observability"
	"github.com/kubeadapt/kubeadapt-mesh/internal/store"
	"github.com/kubeadapt/kubeadapt-mesh/pkg/model"
)

// Config holds the liveness policy.
type Config struct {
	StaleAfter    time.Duration
	PurgeAfter    time.Duration
	SweepInterval time.Duration
}

// entry is one node's record. mu guards every field; the directory lock
// only guards membership.
type entry struct {
	mu         sync.Mutex
	node       model.Node
	lastReport time.Time // timestamp of the newest heartbeat report applied
	removed    bool      // set under mu when the sweep purges the entry
}

// Registry is the authoritative directory of known nodes.
type Registry struct {
	cfg     Config
	clock   errors.Clock
	nodes   *store.TypedStore[*entry]
	metrics *observability.Metrics
}

// New creates an empty Registry.
func New(cfg Config, clock errors.Clock, metrics *observability.Metrics) *Registry {
	if clock == nil {
		clock = errors.RealClock{}
	}
	return &Registry{
		cfg:     cfg,
		clock:   clock,
		nodes:   store.NewTypedStore[*entry](),
		metrics: metrics,
	}
}

// Announce upserts a node. Re-announcement replaces the hardware description
// and revives an offline node.
func (r *Registry) Announce(desc model.NodeDescriptor) (model.Node, error) {
	if err := desc.Validate(); err != nil {
		r.metrics.RegistryAnnouncements.WithLabelValues("rejected").Inc()
		return model.Node{}, errors.Invalid(err)
	}
	desc.GPUs = append([]model.GPUDevice(nil), desc.GPUs...)
	sort.Slice(desc.GPUs, func(i, j int) bool { return desc.GPUs[i].Index < desc.GPUs[j].Index })

	for {
		now := r.clock.Now()
		e, created := r.nodes.GetOrCreate(desc.ID, func() *entry {
			return &entry{node: model.Node{AnnouncedAt: now}}
		})

		e.mu.Lock()
		if e.removed {
			// Lost a race with the purge; retry against a fresh entry.
			e.mu.Unlock()
			continue
		}
		prevTier, hadHardware := e.node.Tier, len(e.node.GPUs) > 0
		e.node.NodeDescriptor = desc
		if e.node.LastHeartbeat.Before(now) {
			e.node.LastHeartbeat = now
		}
		e.node.Online = true
		e.node.OfflineSince = nil
		out := e.node.Clone()
		e.mu.Unlock()

		if created {
			r.metrics.RegistryAnnouncements.WithLabelValues("new").Inc()
			slog.Info("node announced",
				"node_id", desc.ID, "hostname", desc.Hostname,
				"tier", desc.Tier, "gpus", len(desc.GPUs))
		} else {
			r.metrics.RegistryAnnouncements.WithLabelValues("update").Inc()
			slog.Debug("node re-announced",
				"node_id", desc.ID, "tier", desc.Tier, "prev_tier", prevTier,
				"gpus", len(desc.GPUs), "had_gpus", hadHardware)
		}
		return out, nil
	}
}

// Heartbeat refreshes liveness. It returns false for unknown nodes so the
// caller can ask the node to re-announce; it never fails otherwise.
// Reports older than the last applied one still refresh liveness but do not
// overwrite utilization.
func (r *Registry) Heartbeat(hb model.Heartbeat) bool {
	e, ok := r.nodes.Get(hb.NodeID)
	if !ok {
		r.metrics.RegistryHeartbeats.WithLabelValues("unknown").Inc()
		slog.Warn("heartbeat from unknown node", "node_id", hb.NodeID)
		return false
	}

	now := r.clock.Now()
	reported := hb.Timestamp
	if reported.IsZero() {
		reported = now
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		r.metrics.RegistryHeartbeats.WithLabelValues("unknown").Inc()
		return false
	}

	if e.node.LastHeartbeat.Before(now) {
		e.node.LastHeartbeat = now
	}
	if !e.node.Online {
		slog.Info("node back online", "node_id", hb.NodeID)
	}
	e.node.Online = true
	e.node.OfflineSince = nil

	if reported.Before(e.lastReport) {
		r.metrics.RegistryHeartbeats.WithLabelValues("stale").Inc()
		return true
	}
	e.lastReport = reported
	for i := range e.node.GPUs {
		if u, ok := hb.GPUUtilization[e.node.GPUs[i].Index]; ok {
			e.node.GPUs[i].UtilizationPercent = u
		}
	}
	if hb.AvailableRAMMB != nil {
		e.node.Memory.AvailableMB = *hb.AvailableRAMMB
	}
	r.metrics.RegistryHeartbeats.WithLabelValues("applied").Inc()
	return true
}

// Depart marks a node offline immediately, e.g. on graceful agent shutdown.
func (r *Registry) Depart(nodeID string) error {
	e, ok := r.nodes.Get(nodeID)
	if !ok {
		return errors.NotFound("node", nodeID)
	}
	now := r.clock.Now()
	e.mu.Lock()
	if e.node.Online {
		e.node.Online = false
		e.node.OfflineSince = &now
	}
	e.mu.Unlock()
	slog.Info("node departed", "node_id", nodeID)
	return nil
}

// online evaluates liveness at now. Callers hold e.mu.
func (r *Registry) online(e *entry, now time.Time) bool {
	return e.node.Online && now.Sub(e.node.LastHeartbeat) <= r.cfg.StaleAfter
}

// view returns a detached copy with liveness evaluated at now. Callers hold e.mu.
func (r *Registry) view(e *entry, now time.Time) model.Node {
	n := e.node.Clone()
	n.Online = r.online(e, now)
	return n
}

// Get returns a snapshot of one node.
func (r *Registry) Get(nodeID string) (model.Node, error) {
	e, ok := r.nodes.Get(nodeID)
	if !ok {
		return model.Node{}, errors.NotFound("node", nodeID)
	}
	now := r.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return model.Node{}, errors.NotFound("node", nodeID)
	}
	return r.view(e, now), nil
}

// Query returns matching nodes ordered by tier (highest first), then lowest
// mean GPU utilization, then node id. Liveness is evaluated at call time, so
// a silent node drops out of OnlineOnly results as soon as it goes stale.
func (r *Registry) Query(filter model.NodeFilter) []model.Node {
	now := r.clock.Now()
	out := make([]model.Node, 0)
	for _, e := range r.nodes.Values() {
		e.mu.Lock()
		if !e.removed {
			n := r.view(e, now)
			if filter.Matches(n, n.Online) {
				out = append(out, n)
			}
		}
		e.mu.Unlock()
	}
	SortNodes(out)
	return out
}

// SortNodes applies the registry ranking in place.
func SortNodes(nodes []model.Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		if a.Tier != b.Tier {
			return a.Tier > b.Tier
		}
		ua, ub := a.MeanGPUUtilization(), b.MeanGPUUtilization()
		if ua != ub {
			return ua < ub
		}
		return a.ID < b.ID
	})
}

// Len returns the number of known nodes, online or not.
func (r *Registry) Len() int {
	return r.nodes.Len()
}

// Sweep marks stale nodes offline and purges nodes that have been offline
// longer than PurgeAfter. Each node is locked only while it is examined.
func (r *Registry) Sweep() {
	now := r.clock.Now()
	counts := make(map[model.Tier][2]int)

	for _, id := range r.nodes.Keys() {
		e, ok := r.nodes.Get(id)
		if !ok {
			continue
		}

		e.mu.Lock()
		if e.node.Online && now.Sub(e.node.LastHeartbeat) > r.cfg.StaleAfter {
			e.node.Online = false
			e.node.OfflineSince = &now
			r.metrics.RegistrySweepTransitions.WithLabelValues("offline").Inc()
			slog.Warn("node marked offline",
				"node_id", id, "last_heartbeat", e.node.LastHeartbeat,
				"stale_after", r.cfg.StaleAfter)
		}
		purge := !e.node.Online && e.node.OfflineSince != nil &&
			now.Sub(*e.node.OfflineSince) > r.cfg.PurgeAfter
		tier, online := e.node.Tier, e.node.Online
		e.mu.Unlock()

		if purge {
			purged := r.nodes.DeleteIf(id, func(cur *entry) bool {
				if cur != e {
					return false
				}
				cur.mu.Lock()
				defer cur.mu.Unlock()
				if cur.node.Online {
					return false
				}
				cur.removed = true
				return true
			})
			if purged {
				r.metrics.RegistrySweepTransitions.WithLabelValues("purged").Inc()
				slog.Info("node purged", "node_id", id)
				continue
			}
		}

		c := counts[tier]
		if online {
			c[0]++
		} else {
			c[1]++
		}
		counts[tier] = c
	}

	r.metrics.RegistryNodes.Reset()
	for tier, c := range counts {
		r.metrics.RegistryNodes.WithLabelValues(tier.String(), "online").Set(float64(c[0]))
		r.metrics.RegistryNodes.WithLabelValues(tier.String(), "offline").Set(float64(c[1]))
	}
}

// Run sweeps on SweepInterval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	interval := r.cfg.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep()
		}
	}
}
