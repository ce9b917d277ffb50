package service

import (
	"context"
	"time"

	"github.com/kubeadapt/kubeadapt-mesh/internal/bus"
	"github.com/kubeadapt/kubeadapt-mesh/pkg/model"
)

// Client is the typed caller and node API over the bus. Timeouts surface
// as NodeUnreachable with an unknown outcome; every operation is safe to
// retry except Submit, which creates a new item each time.
type Client struct {
	bus *bus.Bus
}

// NewClient creates a client on b.
func NewClient(b *bus.Bus) *Client {
	return &Client{bus: b}
}

// Announce registers or refreshes a node.
func (c *Client) Announce(ctx context.Context, desc model.NodeDescriptor) (model.Node, error) {
	var n model.Node
	err := c.bus.Call(ctx, bus.NodeAnnounce, desc, &n)
	return n, err
}

// Heartbeat reports liveness. Known is false when the coordinator has no
// record of the node and a re-announce is due.
func (c *Client) Heartbeat(ctx context.Context, hb model.Heartbeat) (bool, error) {
	var ack HeartbeatAck
	if err := c.bus.Call(ctx, bus.NodeHeartbeat, hb, &ack); err != nil {
		return false, err
	}
	return ack.Known, nil
}

// Depart marks a node offline.
func (c *Client) Depart(ctx context.Context, nodeID string) error {
	return c.bus.Call(ctx, bus.NodeDepart, IDRequest{ID: nodeID}, nil)
}

// Query lists nodes matching f in registry order.
func (c *Client) Query(ctx context.Context, f model.NodeFilter) ([]model.Node, error) {
	var nodes []model.Node
	err := c.bus.Call(ctx, bus.NodeQuery, f, &nodes)
	return nodes, err
}

// GetNode returns one node.
func (c *Client) GetNode(ctx context.Context, nodeID string) (model.Node, error) {
	var n model.Node
	err := c.bus.Call(ctx, bus.NodeGet, IDRequest{ID: nodeID}, &n)
	return n, err
}

// Reserve takes a GPU memory lease.
func (c *Client) Reserve(ctx context.Context, req model.ReserveRequest) (model.Reservation, error) {
	var r model.Reservation
	err := c.bus.Call(ctx, bus.GPUReserve, req, &r)
	return r, err
}

// Release frees a lease. Unknown or already released ids are not errors.
func (c *Client) Release(ctx context.Context, id string) (bool, error) {
	var reply ReleaseReply
	err := c.bus.Call(ctx, bus.GPURelease, IDRequest{ID: id}, &reply)
	return reply.Released, err
}

// CanFit asks for the best placement without reserving it.
func (c *Client) CanFit(ctx context.Context, req model.FitRequest) (model.Candidate, bool, error) {
	var reply CanFitReply
	if err := c.bus.Call(ctx, bus.GPUCanFit, req, &reply); err != nil {
		return model.Candidate{}, false, err
	}
	if !reply.Fits || reply.Candidate == nil {
		return model.Candidate{}, false, nil
	}
	return *reply.Candidate, true, nil
}

// RAMRisk returns the OOM prediction for a node.
func (c *Client) RAMRisk(ctx context.Context, nodeID string) (model.RAMRisk, error) {
	var r model.RAMRisk
	err := c.bus.Call(ctx, bus.GPURAMRisk, IDRequest{ID: nodeID}, &r)
	return r, err
}

// Ledger returns per-GPU accounting for a node.
func (c *Client) Ledger(ctx context.Context, nodeID string) ([]model.GPULedgerEntry, error) {
	var l []model.GPULedgerEntry
	err := c.bus.Call(ctx, bus.GPULedger, IDRequest{ID: nodeID}, &l)
	return l, err
}

// Submit enqueues a work item.
func (c *Client) Submit(ctx context.Context, req model.SubmitRequest) (model.WorkItem, error) {
	var it model.WorkItem
	err := c.bus.Call(ctx, bus.WorkSubmit, req, &it)
	return it, err
}

// Status returns one work item.
func (c *Client) Status(ctx context.Context, id string) (model.WorkItem, error) {
	var it model.WorkItem
	err := c.bus.Call(ctx, bus.WorkStatus, IDRequest{ID: id}, &it)
	return it, err
}

// List returns work items in the given state, or all when state is empty.
func (c *Client) List(ctx context.Context, state model.WorkState) ([]model.WorkItem, error) {
	var items []model.WorkItem
	err := c.bus.Call(ctx, bus.WorkList, ListWorkRequest{State: state}, &items)
	return items, err
}

// Cancel cancels a pending or assigned work item.
func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.bus.Call(ctx, bus.WorkCancel, IDRequest{ID: id}, nil)
}

// Plan asks the planner for a parallelism layout.
func (c *Client) Plan(ctx context.Context, req model.PlanRequest) (model.Plan, error) {
	var p model.Plan
	err := c.bus.Call(ctx, bus.PlanRequest, req, &p)
	return p, err
}

// ReportCompleted reports a successful attempt.
func (c *Client) ReportCompleted(ctx context.Context, r model.WorkReport) error {
	return c.bus.Call(ctx, bus.WorkCompleted, r, nil)
}

// ReportFailed reports a failed attempt. r.Error carries the reason.
func (c *Client) ReportFailed(ctx context.Context, r model.WorkReport) error {
	return c.bus.Call(ctx, bus.WorkFailed, r, nil)
}

// Health asks a service for its health. A service that does not answer
// within timeout is reported as unreachable.
func (c *Client) Health(ctx context.Context, service string, timeout time.Duration) (HealthStatus, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	var st HealthStatus
	err := c.bus.Call(ctx, bus.Health(service), struct{}{}, &st)
	return st, err
}
