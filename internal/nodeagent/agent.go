// Package nodeagent runs on every compute node. It announces the node's
// capabilities, keeps it alive with heartbeats, executes the work the
// coordinator assigns to it and reports each attempt's outcome.
package nodeagent

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kubeadapt/kubeadapt-mesh/internal/bus"
	"github.com/kubeadapt/kubeadapt-mesh/internal/config"
	"github.com/kubeadapt/kubeadapt-mesh/internal/errors"
	"github.com/kubeadapt/kubeadapt-mesh/internal/observability"
	"github.com/kubeadapt/kubeadapt-mesh/pkg/model"
)

const (
	component         = "nodeagent"
	reportTimeout     = 10 * time.Second
	reportAttempts    = 3
	departTimeout     = 5 * time.Second
	finishedRetention = time.Hour
)

// Coordinator is the subset of the mesh API a node calls.
type Coordinator interface {
	Announce(ctx context.Context, desc model.NodeDescriptor) (model.Node, error)
	Heartbeat(ctx context.Context, hb model.Heartbeat) (bool, error)
	Depart(ctx context.Context, nodeID string) error
	ReportCompleted(ctx context.Context, r model.WorkReport) error
	ReportFailed(ctx context.Context, r model.WorkReport) error
}

// Subscriber delivers per-node messages.
type Subscriber interface {
	Subscribe(pattern string, h bus.Handler) (func(), error)
}

// Capabilities describes the node and samples its live resources.
type Capabilities interface {
	Describe(ctx context.Context, nodeID, hostname, tier string, labels map[string]string) (model.NodeDescriptor, error)
	Memory() (model.MemoryInfo, error)
	GPUs(ctx context.Context) ([]model.GPUDevice, error)
}

type execution struct {
	attempt int
	cancel  context.CancelFunc
	revoked bool
}

type finishedAttempt struct {
	attempt int
	at      time.Time
}

// Agent is the node-side orchestrator.
type Agent struct {
	cfg     config.AgentConfig
	coord   Coordinator
	sub     Subscriber
	caps    Capabilities
	exec    Executor
	state   *StateMachine
	clock   errors.Clock
	metrics *observability.Metrics
	ec      *errors.ErrorCollector

	execCtx    context.Context
	execCancel context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	running  map[string]*execution
	finished map[string]finishedAttempt
	closing  bool
	stops    []func()

	ready atomic.Bool
}

// NewAgent creates an Agent. ec may be nil.
func NewAgent(
	cfg config.AgentConfig,
	coord Coordinator,
	sub Subscriber,
	caps Capabilities,
	exec Executor,
	state *StateMachine,
	clock errors.Clock,
	metrics *observability.Metrics,
	ec *errors.ErrorCollector,
) *Agent {
	execCtx, execCancel := context.WithCancel(context.Background())
	return &Agent{
		cfg:        cfg,
		coord:      coord,
		sub:        sub,
		caps:       caps,
		exec:       exec,
		state:      state,
		clock:      clock,
		metrics:    metrics,
		ec:         ec,
		execCtx:    execCtx,
		execCancel: execCancel,
		running:    make(map[string]*execution),
		finished:   make(map[string]finishedAttempt),
	}
}

// IsReady reports whether the coordinator has accepted this node's
// announcement. Implements health.ReadinessChecker.
func (a *Agent) IsReady() bool {
	return a.ready.Load()
}

// Running returns the number of executions in flight.
func (a *Agent) Running() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.running)
}

// Run subscribes to the node's subjects, announces, and heartbeats until
// ctx is cancelled. On shutdown in-flight work is cancelled and reported
// failed so it can be retried elsewhere, and the node departs.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.subscribe(); err != nil {
		return err
	}
	defer a.unsubscribe()

	if err := a.announceUntilAccepted(ctx); err != nil {
		return a.shutdown(err)
	}
	a.publishState()
	a.ready.Store(true)
	slog.Info("node agent is ready", "node_id", a.cfg.NodeID, "state", a.state.State())

	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return a.shutdown(ctx.Err())
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

func (a *Agent) subscribe() error {
	id := a.cfg.NodeID
	routes := []struct {
		subject string
		handler bus.Handler
	}{
		{bus.WorkAssigned(id), a.handleAssignment},
		{bus.WorkRevoked(id), a.handleRevocation},
		{bus.NodeReannounce(id), a.handleReannounce},
	}
	for _, r := range routes {
		stop, err := a.sub.Subscribe(r.subject, r.handler)
		if err != nil {
			a.unsubscribe()
			a.ec.ReportErr(errors.ErrBusUnavailable, component, err)
			return fmt.Errorf("nodeagent: subscribe %s: %w", r.subject, err)
		}
		a.mu.Lock()
		a.stops = append(a.stops, stop)
		a.mu.Unlock()
	}
	return nil
}

func (a *Agent) unsubscribe() {
	a.mu.Lock()
	stops := a.stops
	a.stops = nil
	a.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
}

// announce probes the node and registers it with the coordinator.
func (a *Agent) announce(ctx context.Context) error {
	desc, err := a.caps.Describe(ctx, a.cfg.NodeID, a.cfg.Hostname, a.cfg.Tier, a.cfg.Labels)
	if err != nil {
		a.ec.ReportErr(errors.ErrProbeFailed, component, err)
		return fmt.Errorf("nodeagent: probe: %w", err)
	}
	a.ec.Resolve(errors.ErrProbeFailed, component)

	_, err = a.coord.Announce(ctx, desc)
	a.state.HandleCoordinatorResult(err)
	if err != nil {
		a.ec.ReportErr(errors.ErrBusUnavailable, component, err)
		return fmt.Errorf("nodeagent: announce: %w", err)
	}
	a.ec.Resolve(errors.ErrBusUnavailable, component)
	slog.Info("node announced",
		"node_id", desc.ID,
		"tier", desc.Tier.String(),
		"gpus", len(desc.GPUs),
		"ram_mb", desc.Memory.TotalMB,
	)
	return nil
}

func (a *Agent) announceUntilAccepted(ctx context.Context) error {
	for {
		err := a.announce(ctx)
		if err == nil {
			return nil
		}
		wait := a.state.BackoffRemaining()
		if wait == 0 {
			wait = a.cfg.HeartbeatInterval
		}
		slog.Warn("announce failed, retrying", "error", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// agentStates lists every state exported on the service state gauge.
var agentStates = []State{StateStarting, StateRunning, StateBackoff, StateDraining, StateStopped}

func (a *Agent) publishState() {
	current := a.state.State()
	for _, s := range agentStates {
		v := 0.0
		if s == current {
			v = 1
		}
		a.metrics.ServiceState.WithLabelValues(string(s)).Set(v)
	}
}

// tick sends one heartbeat unless the agent is backing off.
func (a *Agent) tick(ctx context.Context) {
	a.pruneFinished()
	defer a.publishState()

	if a.state.State() == StateBackoff && !a.state.IsBackoffExpired() {
		slog.Debug("in backoff, skipping heartbeat", "remaining", a.state.BackoffRemaining())
		return
	}

	hb := model.Heartbeat{NodeID: a.cfg.NodeID, Timestamp: a.clock.Now()}
	if mem, err := a.caps.Memory(); err != nil {
		slog.Warn("failed to read host memory", "error", err)
		a.ec.ReportErr(errors.ErrProbeFailed, component, err)
	} else {
		hb.AvailableRAMMB = &mem.AvailableMB
	}
	if gpus, err := a.caps.GPUs(ctx); err != nil {
		slog.Warn("failed to sample gpu utilization", "error", err)
	} else if len(gpus) > 0 {
		hb.GPUUtilization = make(map[int]float64, len(gpus))
		for _, g := range gpus {
			hb.GPUUtilization[g.Index] = g.UtilizationPercent
		}
	}

	known, err := a.coord.Heartbeat(ctx, hb)
	a.state.HandleCoordinatorResult(err)
	if err != nil {
		slog.Warn("heartbeat failed", "error", err, "backoff", a.state.BackoffRemaining())
		a.ec.ReportErr(errors.ErrBusUnavailable, component, err)
		return
	}
	a.ec.Resolve(errors.ErrBusUnavailable, component)
	if !known {
		slog.Info("coordinator does not know this node, re-announcing")
		if err := a.announce(ctx); err != nil {
			slog.Warn("re-announce failed", "error", err)
		}
	}
}

func (a *Agent) handleReannounce(ctx context.Context, _ *bus.Message) {
	go func() {
		if err := a.announce(ctx); err != nil {
			slog.Warn("requested re-announce failed", "error", err)
		}
	}()
}

func (a *Agent) handleAssignment(_ context.Context, msg *bus.Message) {
	var asg model.Assignment
	if err := msg.Decode(&asg); err != nil {
		slog.Warn("dropping malformed assignment", "error", err)
		return
	}
	if asg.WorkID == "" || asg.Attempt <= 0 {
		slog.Warn("dropping assignment without work id or attempt", "work_id", asg.WorkID, "attempt", asg.Attempt)
		return
	}
	a.accept(asg)
}

// accept starts asg unless it duplicates an attempt already seen.
// Delivery is at-least-once, so redelivered assignments are expected.
func (a *Agent) accept(asg model.Assignment) {
	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		return
	}
	if e, ok := a.running[asg.WorkID]; ok && e.attempt >= asg.Attempt {
		a.mu.Unlock()
		a.metrics.AgentExecutions.WithLabelValues("duplicate").Inc()
		slog.Debug("ignoring duplicate assignment", "work_id", asg.WorkID, "attempt", asg.Attempt)
		return
	}
	if f, ok := a.finished[asg.WorkID]; ok && f.attempt >= asg.Attempt {
		a.mu.Unlock()
		a.metrics.AgentExecutions.WithLabelValues("duplicate").Inc()
		slog.Debug("ignoring assignment for finished attempt", "work_id", asg.WorkID, "attempt", asg.Attempt)
		return
	}
	if old, ok := a.running[asg.WorkID]; ok {
		// A newer attempt supersedes one still running here.
		old.revoked = true
		old.cancel()
	}
	if !a.state.AcceptingWork() {
		a.finished[asg.WorkID] = finishedAttempt{attempt: asg.Attempt, at: a.clock.Now()}
		a.mu.Unlock()
		a.metrics.AgentExecutions.WithLabelValues("rejected").Inc()
		reason := fmt.Sprintf("node %s not accepting work: %s", a.cfg.NodeID, a.state.StateReason())
		slog.Warn("rejecting assignment", "work_id", asg.WorkID, "attempt", asg.Attempt, "reason", reason)
		go a.report(model.WorkReport{WorkID: asg.WorkID, NodeID: a.cfg.NodeID, Attempt: asg.Attempt, Error: reason})
		return
	}

	ctx, cancel := context.WithTimeout(a.execCtx, a.cfg.ExecutorTimeout)
	e := &execution{attempt: asg.Attempt, cancel: cancel}
	a.running[asg.WorkID] = e
	a.wg.Add(1)
	a.mu.Unlock()

	slog.Info("executing assignment", "work_id", asg.WorkID, "attempt", asg.Attempt, "work_type", asg.WorkType, "model", asg.Model)
	go a.execute(ctx, e, asg)
}

func (a *Agent) execute(ctx context.Context, e *execution, asg model.Assignment) {
	defer a.wg.Done()
	defer e.cancel()

	start := a.clock.Now()
	result, err := a.exec.Execute(ctx, asg)
	a.metrics.AgentExecutionDuration.Observe(a.clock.Now().Sub(start).Seconds())

	a.mu.Lock()
	if a.running[asg.WorkID] == e {
		delete(a.running, asg.WorkID)
	}
	if f, ok := a.finished[asg.WorkID]; !ok || f.attempt < asg.Attempt {
		a.finished[asg.WorkID] = finishedAttempt{attempt: asg.Attempt, at: a.clock.Now()}
	}
	revoked, closing := e.revoked, a.closing
	a.mu.Unlock()

	report := model.WorkReport{WorkID: asg.WorkID, NodeID: a.cfg.NodeID, Attempt: asg.Attempt}
	switch {
	case revoked:
		a.metrics.AgentExecutions.WithLabelValues("revoked").Inc()
		slog.Info("assignment revoked", "work_id", asg.WorkID, "attempt", asg.Attempt)
		return
	case err != nil:
		a.metrics.AgentExecutions.WithLabelValues("failed").Inc()
		switch {
		case closing:
			report.Error = "node shutting down"
		case stderrors.Is(ctx.Err(), context.DeadlineExceeded):
			report.Error = fmt.Sprintf("executor timed out after %s", a.cfg.ExecutorTimeout)
			a.ec.ReportErr(errors.ErrTimeout, component, stderrors.New(report.Error))
		default:
			report.Error = err.Error()
		}
		slog.Warn("assignment failed", "work_id", asg.WorkID, "attempt", asg.Attempt, "error", report.Error)
	default:
		a.metrics.AgentExecutions.WithLabelValues("completed").Inc()
		report.Result = result
		slog.Info("assignment completed", "work_id", asg.WorkID, "attempt", asg.Attempt)
	}
	a.report(report)
}

// report delivers an attempt outcome, retrying transient failures. The
// coordinator ignores duplicates, so a retry after an unknown outcome is safe.
func (a *Agent) report(r model.WorkReport) {
	send := a.coord.ReportCompleted
	if r.Error != "" {
		send = a.coord.ReportFailed
	}

	var err error
	for i := 0; i < reportAttempts; i++ {
		if i > 0 {
			time.Sleep(time.Duration(1<<(i-1)) * time.Second)
		}
		ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
		err = send(ctx, r)
		cancel()
		if err == nil || !errors.Transient(err) {
			break
		}
	}
	a.state.HandleCoordinatorResult(err)
	if err != nil {
		slog.Error("failed to report attempt outcome", "work_id", r.WorkID, "attempt", r.Attempt, "error", err)
		a.ec.ReportErr(errors.ErrPublishFailed, component, err)
		return
	}
	a.ec.Resolve(errors.ErrPublishFailed, component)
}

func (a *Agent) handleRevocation(_ context.Context, msg *bus.Message) {
	var rev model.Revocation
	if err := msg.Decode(&rev); err != nil {
		slog.Warn("dropping malformed revocation", "error", err)
		return
	}
	a.revoke(rev)
}

// revoke cancels the matching execution. Attempt 0 matches any attempt.
func (a *Agent) revoke(rev model.Revocation) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.running[rev.WorkID]
	if !ok || (rev.Attempt != 0 && rev.Attempt != e.attempt) {
		return false
	}
	e.revoked = true
	e.cancel()
	slog.Info("revoking assignment", "work_id", rev.WorkID, "attempt", e.attempt, "reason", rev.Reason)
	return true
}

func (a *Agent) pruneFinished() {
	cutoff := a.clock.Now().Add(-finishedRetention)
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, f := range a.finished {
		if f.at.Before(cutoff) {
			delete(a.finished, id)
		}
	}
}

func (a *Agent) shutdown(cause error) error {
	a.ready.Store(false)
	a.state.TransitionTo(StateStopped, "shutting down")
	a.publishState()

	a.mu.Lock()
	a.closing = true
	inFlight := len(a.running)
	a.mu.Unlock()

	if inFlight > 0 {
		slog.Info("cancelling in-flight work", "count", inFlight)
	}
	a.execCancel()
	a.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), departTimeout)
	defer cancel()
	if err := a.coord.Depart(ctx, a.cfg.NodeID); err != nil {
		slog.Warn("depart failed", "node_id", a.cfg.NodeID, "error", err)
	} else {
		slog.Info("node departed", "node_id", a.cfg.NodeID)
	}
	return cause
}
