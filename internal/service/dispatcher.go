package service

import (
	"context"

	"github.com/kubeadapt/kubeadapt-mesh/internal/bus"
	"github.com/kubeadapt/kubeadapt-mesh/pkg/model"
)

// BusDispatcher delivers assignments and revocations on per-node subjects.
// Dispatch latency is observed by the work engine around Dispatch.
type BusDispatcher struct {
	bus *bus.Bus
}

// NewBusDispatcher creates a dispatcher publishing on b.
func NewBusDispatcher(b *bus.Bus) *BusDispatcher {
	return &BusDispatcher{bus: b}
}

// Dispatch publishes a to the node's assignment subject.
func (d *BusDispatcher) Dispatch(ctx context.Context, nodeID string, a model.Assignment) error {
	return d.bus.Publish(ctx, bus.WorkAssigned(nodeID), a)
}

// Revoke publishes r to the node's revocation subject.
func (d *BusDispatcher) Revoke(ctx context.Context, nodeID string, r model.Revocation) error {
	return d.bus.Publish(ctx, bus.WorkRevoked(nodeID), r)
}
