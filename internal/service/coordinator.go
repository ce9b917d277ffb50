package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kubeadapt/kubeadapt-mesh/internal/bus"
	"github.com/kubeadapt/kubeadapt-mesh/internal/errors"
	"github.com/kubeadapt/kubeadapt-mesh/internal/planner"
	"github.com/kubeadapt/kubeadapt-mesh/internal/registry"
	"github.com/kubeadapt/kubeadapt-mesh/internal/reservation"
	"github.com/kubeadapt/kubeadapt-mesh/internal/work"
	"github.com/kubeadapt/kubeadapt-mesh/pkg/model"
)

// Coordinator exposes the four core services on the bus.
type Coordinator struct {
	bus          *bus.Bus
	local        *Local
	registry     *registry.Registry
	reservations *reservation.Engine
	clock        errors.Clock
	ec           *errors.ErrorCollector

	mu     sync.Mutex
	checks map[string]func() error
	stops  []func()
	bound  atomic.Bool
}

// NewCoordinator wires the core components to b. ec may be nil.
func NewCoordinator(
	b *bus.Bus,
	reg *registry.Registry,
	res *reservation.Engine,
	w *work.Engine,
	p *planner.Planner,
	clock errors.Clock,
	ec *errors.ErrorCollector,
) *Coordinator {
	if clock == nil {
		clock = errors.RealClock{}
	}
	return &Coordinator{
		bus:          b,
		local:        NewLocal(reg, res, w, p),
		registry:     reg,
		reservations: res,
		clock:        clock,
		ec:           ec,
		checks:       make(map[string]func() error),
	}
}

// SetHealthCheck installs the check behind a service's health responder.
// Services without a check report serving once bound.
func (c *Coordinator) SetHealthCheck(service string, check func() error) {
	c.mu.Lock()
	c.checks[service] = check
	c.mu.Unlock()
}

// Check runs the health check of one service.
func (c *Coordinator) Check(service string) error {
	c.mu.Lock()
	check, ok := c.checks[service]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return check()
}

// Bind subscribes every inbound subject. Subscriptions end on Close.
func (c *Coordinator) Bind(ctx context.Context) error {
	routes := map[string]bus.Handler{
		bus.NodeAnnounce:  serve(c, c.announce),
		bus.NodeHeartbeat: serve(c, c.heartbeat),
		bus.NodeDepart:    serve(c, c.depart),
		bus.NodeQuery:     serve(c, c.local.Query),
		bus.NodeGet:       serve(c, c.getNode),

		bus.GPUReserve: serve(c, c.local.Reserve),
		bus.GPURelease: serve(c, c.release),
		bus.GPUCanFit:  serve(c, c.canFit),
		bus.GPURAMRisk: serve(c, c.ramRisk),
		bus.GPULedger:  serve(c, c.ledger),

		bus.WorkSubmit:    serve(c, c.local.Submit),
		bus.WorkStatus:    serve(c, c.status),
		bus.WorkList:      serve(c, c.list),
		bus.WorkCancel:    serve(c, c.cancel),
		bus.WorkCompleted: serve(c, c.completed),
		bus.WorkFailed:    serve(c, c.failed),

		bus.PlanRequest: serve(c, c.local.Plan),
	}
	for _, svc := range Services {
		routes[bus.Health(svc)] = serve(c, c.healthOf(svc))
	}

	for subject, h := range routes {
		stop, err := c.bus.Subscribe(subject, h)
		if err != nil {
			c.Close()
			c.ec.ReportErr(errors.ErrBusUnavailable, "coordinator", err)
			return fmt.Errorf("bind %s: %w", subject, err)
		}
		c.mu.Lock()
		c.stops = append(c.stops, stop)
		c.mu.Unlock()
	}
	c.ec.Resolve(errors.ErrBusUnavailable, "coordinator")
	c.bound.Store(true)
	slog.Info("coordinator bound", "subjects", len(routes))
	return nil
}

// IsReady reports whether every subject is bound.
func (c *Coordinator) IsReady() bool {
	return c.bound.Load()
}

// Close cancels all subscriptions made by Bind.
func (c *Coordinator) Close() {
	c.bound.Store(false)
	c.mu.Lock()
	stops := c.stops
	c.stops = nil
	c.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
}

// serve adapts a typed operation to a bus handler. Replies are sent only
// when the message carries a reply subject.
func serve[Req, Resp any](c *Coordinator, fn func(ctx context.Context, req Req) (Resp, error)) bus.Handler {
	return func(ctx context.Context, msg *bus.Message) {
		var req Req
		if err := msg.Decode(&req); err != nil {
			c.respond(ctx, msg, nil, err)
			return
		}
		resp, err := fn(ctx, req)
		if err != nil {
			c.respond(ctx, msg, nil, err)
			return
		}
		c.respond(ctx, msg, resp, nil)
	}
}

func (c *Coordinator) respond(ctx context.Context, msg *bus.Message, data any, err error) {
	if err != nil && msg.ReplyTo == "" {
		slog.Warn("request failed without reply subject", "subject", msg.Subject, "error", err)
		return
	}
	if rErr := c.bus.Respond(ctx, msg, data, err); rErr != nil {
		c.ec.ReportErr(errors.ErrPublishFailed, "coordinator", rErr)
		slog.Warn("failed to send reply", "subject", msg.Subject, "error", rErr)
	}
}

func (c *Coordinator) announce(ctx context.Context, desc model.NodeDescriptor) (model.Node, error) {
	return c.local.Announce(ctx, desc)
}

// heartbeat asks unknown nodes to re-announce and feeds RAM samples to the
// OOM predictor.
func (c *Coordinator) heartbeat(ctx context.Context, hb model.Heartbeat) (HeartbeatAck, error) {
	if hb.NodeID == "" {
		return HeartbeatAck{}, errors.New(errors.CodeInvalidRequest, "node id is required")
	}
	if !c.registry.Heartbeat(hb) {
		if err := c.bus.Publish(ctx, bus.NodeReannounce(hb.NodeID), IDRequest{ID: hb.NodeID}); err != nil {
			slog.Warn("failed to request re-announce", "node_id", hb.NodeID, "error", err)
		}
		return HeartbeatAck{Known: false}, nil
	}
	if hb.AvailableRAMMB != nil {
		ts := hb.Timestamp
		if ts.IsZero() {
			ts = c.clock.Now()
		}
		c.reservations.ObserveRAM(hb.NodeID, *hb.AvailableRAMMB, ts)
	}
	return HeartbeatAck{Known: true}, nil
}

func (c *Coordinator) depart(ctx context.Context, req IDRequest) (struct{}, error) {
	return struct{}{}, c.local.Depart(ctx, req.ID)
}

func (c *Coordinator) getNode(ctx context.Context, req IDRequest) (model.Node, error) {
	return c.local.GetNode(ctx, req.ID)
}

func (c *Coordinator) release(ctx context.Context, req IDRequest) (ReleaseReply, error) {
	ok, err := c.local.Release(ctx, req.ID)
	return ReleaseReply{Released: ok}, err
}

func (c *Coordinator) canFit(ctx context.Context, req model.FitRequest) (CanFitReply, error) {
	cand, ok, err := c.local.CanFit(ctx, req)
	if err != nil || !ok {
		return CanFitReply{}, err
	}
	return CanFitReply{Fits: true, Candidate: &cand}, nil
}

func (c *Coordinator) ramRisk(ctx context.Context, req IDRequest) (model.RAMRisk, error) {
	return c.local.RAMRisk(ctx, req.ID)
}

func (c *Coordinator) ledger(ctx context.Context, req IDRequest) ([]model.GPULedgerEntry, error) {
	return c.local.Ledger(ctx, req.ID)
}

func (c *Coordinator) status(ctx context.Context, req IDRequest) (model.WorkItem, error) {
	return c.local.Status(ctx, req.ID)
}

func (c *Coordinator) list(ctx context.Context, req ListWorkRequest) ([]model.WorkItem, error) {
	return c.local.List(ctx, req.State)
}

func (c *Coordinator) cancel(ctx context.Context, req IDRequest) (struct{}, error) {
	return struct{}{}, c.local.Cancel(ctx, req.ID)
}

func (c *Coordinator) completed(ctx context.Context, r model.WorkReport) (struct{}, error) {
	return struct{}{}, c.local.ReportCompleted(ctx, r)
}

func (c *Coordinator) failed(ctx context.Context, r model.WorkReport) (struct{}, error) {
	return struct{}{}, c.local.ReportFailed(ctx, r)
}

func (c *Coordinator) healthOf(service string) func(context.Context, struct{}) (HealthStatus, error) {
	return func(context.Context, struct{}) (HealthStatus, error) {
		st := HealthStatus{Service: service, Serving: true}
		if err := c.Check(service); err != nil {
			st.Serving = false
			st.Detail = err.Error()
		}
		return st, nil
	}
}
