package work

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kubeadapt/kubeadapt-mesh/internal/errors"
	"github.com/kubeadapt/kubeadapt-mesh/internal/observability"
	"github.com/kubeadapt/kubeadapt-mesh/internal/store"
	"github.com/kubeadapt/kubeadapt-mesh/pkg/model"
)

// reserveAttempts bounds how many candidates one pass tries for an item
// when reservations race with other callers.
const reserveAttempts = 3

// Config is the retry, blacklist and retention policy.
type Config struct {
	AssignInterval    time.Duration
	AssignmentTimeout time.Duration
	MaxAttempts       int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	Blacklist         BlacklistPolicy
	Retention         time.Duration
}

// NodeSource is the registry view used for eligibility and liveness.
type NodeSource interface {
	Get(nodeID string) (model.Node, error)
	Query(filter model.NodeFilter) []model.Node
}

// Capacity is the reservation engine view used for GPU placement.
type Capacity interface {
	CanFit(req model.FitRequest) (model.Candidate, bool)
	Reserve(req model.ReserveRequest) (model.Reservation, error)
	Renew(id string, ttlSeconds int) (model.Reservation, error)
	Release(id string) bool
	AtRisk(nodeID string) bool
}

// Dispatcher delivers assignments and revocations to nodes.
type Dispatcher interface {
	Dispatch(ctx context.Context, nodeID string, a model.Assignment) error
	Revoke(ctx context.Context, nodeID string, r model.Revocation) error
}

// Recorder receives terminal work items. Implementations must not block.
type Recorder interface {
	RecordWork(item model.WorkItem)
}

type entry struct {
	mu   sync.Mutex
	item model.WorkItem
	seq  uint64
}

type dispatch struct {
	nodeID     string
	assignment model.Assignment
}

type revoke struct {
	nodeID     string
	revocation model.Revocation
}

// Engine owns work item state, the pending queue and the node blacklist.
// Each item is locked on its own; the queue lock covers only the heap.
type Engine struct {
	cfg        Config
	nodes      NodeSource
	capacity   Capacity
	resolver   RequirementsResolver
	dispatcher Dispatcher
	recorder   Recorder
	clock      errors.Clock
	metrics    *observability.Metrics

	blacklist *Blacklist
	backoff   Backoff
	items     *store.TypedStore[*entry]
	queue     readyQueue
	seq       atomic.Uint64
	passMu    sync.Mutex
	wake      chan struct{}

	newID func() string
}

// New creates an Engine. resolver may be nil, in which case work submitted
// without requirements is treated as CPU work.
func New(
	cfg Config,
	nodes NodeSource,
	capacity Capacity,
	resolver RequirementsResolver,
	dispatcher Dispatcher,
	clock errors.Clock,
	metrics *observability.Metrics,
) *Engine {
	if clock == nil {
		clock = errors.RealClock{}
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if resolver == nil {
		resolver = NewStaticResolver(nil, nil)
	}
	return &Engine{
		cfg:        cfg,
		nodes:      nodes,
		capacity:   capacity,
		resolver:   resolver,
		dispatcher: dispatcher,
		clock:      clock,
		metrics:    metrics,
		blacklist:  NewBlacklist(cfg.Blacklist),
		backoff:    Backoff{Base: cfg.RetryBaseDelay, Max: cfg.RetryMaxDelay},
		items:      store.NewTypedStore[*entry](),
		wake:       make(chan struct{}, 1),
		newID:      uuid.NewString,
	}
}

// SetRecorder registers the sink for terminal work items. Call before Run.
func (e *Engine) SetRecorder(r Recorder) {
	e.recorder = r
}

// Blacklist exposes the node blacklist for diagnostics.
func (e *Engine) Blacklist() *Blacklist {
	return e.blacklist
}

// Submit creates a pending work item.
func (e *Engine) Submit(req model.SubmitRequest) (model.WorkItem, error) {
	reqs, err := e.requirements(req)
	if err != nil {
		return model.WorkItem{}, errors.Invalid(err)
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = e.cfg.MaxAttempts
	}
	ent := &entry{
		seq: e.seq.Add(1),
		item: model.WorkItem{
			ID:             e.newID(),
			WorkType:       strings.TrimSpace(req.WorkType),
			Model:          req.Model,
			Priority:       req.Priority,
			Payload:        cloneRaw(req.Payload),
			Requirements:   reqs,
			MaxAttempts:    maxAttempts,
			TimeoutSeconds: req.TimeoutSeconds,
			CreatedAt:      e.clock.Now(),
		},
	}
	ent.mu.Lock()
	e.transition(&ent.item, model.WorkPending)
	out := cloneItem(ent.item)
	e.items.Set(out.ID, ent)
	ent.mu.Unlock()

	e.queue.push(queued{id: out.ID, priority: out.Priority, seq: ent.seq})
	e.metrics.WorkQueueDepth.Set(float64(e.queue.len()))
	e.signal()

	slog.Debug("work submitted",
		"work_id", out.ID, "work_type", out.WorkType, "model", out.Model,
		"priority", out.Priority, "requires_gpu", reqs.RequiresGPU)
	return out, nil
}

func (e *Engine) requirements(req model.SubmitRequest) (model.Requirements, error) {
	if strings.TrimSpace(req.WorkType) == "" {
		return model.Requirements{}, fmt.Errorf("work_type is required")
	}
	if req.MaxAttempts < 0 {
		return model.Requirements{}, fmt.Errorf("max_attempts must be >= 0, got %d", req.MaxAttempts)
	}
	if req.TimeoutSeconds < 0 {
		return model.Requirements{}, fmt.Errorf("timeout_seconds must be >= 0, got %d", req.TimeoutSeconds)
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return model.Requirements{}, fmt.Errorf("payload is not valid JSON")
	}
	if req.Requirements == nil {
		return e.resolver.Resolve(strings.TrimSpace(req.WorkType), req.Model), nil
	}

	r := *req.Requirements
	switch {
	case !r.MinTier.Valid():
		return r, fmt.Errorf("invalid min_tier %d", r.MinTier)
	case r.GPUCount < 0:
		return r, fmt.Errorf("gpu_count must be >= 0, got %d", r.GPUCount)
	case r.MBPerGPU < 0:
		return r, fmt.Errorf("mb_per_gpu must be >= 0, got %d", r.MBPerGPU)
	}
	if r.MBPerGPU > 0 && r.GPUCount == 0 {
		r.GPUCount = 1
	}
	if r.GPUCount > 0 || r.MinTier > model.TierCPUOnly {
		r.RequiresGPU = true
	}
	return r, nil
}

// AssignPending runs one assignment pass: ready pending items are placed in
// priority order and dispatched. Items with no eligible node stay pending.
// It returns the number of items assigned.
func (e *Engine) AssignPending(ctx context.Context) int {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	now := e.clock.Now()
	var requeue []queued
	var out []dispatch

	for _, q := range e.queue.drain() {
		ent, ok := e.items.Get(q.id)
		if !ok {
			continue
		}
		ent.mu.Lock()
		if ent.item.State != model.WorkPending {
			// cancelled while queued
			ent.mu.Unlock()
			continue
		}
		if nb := ent.item.NotBefore; nb != nil && now.Before(*nb) {
			requeue = append(requeue, q)
			ent.mu.Unlock()
			continue
		}
		d, ok := e.place(&ent.item, now)
		if !ok {
			requeue = append(requeue, q)
		} else {
			out = append(out, d)
		}
		ent.mu.Unlock()
	}
	for _, q := range requeue {
		e.queue.push(q)
	}
	e.metrics.WorkQueueDepth.Set(float64(e.queue.len()))

	for _, d := range out {
		e.deliver(ctx, d)
	}
	return len(out)
}

// place selects a node for it and, for GPU work, takes a reservation owned
// by the item. Callers hold the item lock.
func (e *Engine) place(it *model.WorkItem, now time.Time) (dispatch, bool) {
	req := it.Requirements
	var excluded []string
	var eligible []model.Node
	for _, n := range e.nodes.Query(model.NodeFilter{RequiresGPU: req.RequiresGPU, MinTier: req.MinTier, OnlineOnly: true}) {
		if e.blacklist.Blocked(n.ID, now) || e.capacity.AtRisk(n.ID) {
			excluded = append(excluded, n.ID)
			continue
		}
		eligible = append(eligible, n)
	}
	if len(eligible) == 0 {
		return dispatch{}, false
	}

	a := model.Assignment{
		WorkID:   it.ID,
		Attempt:  it.Attempts + 1,
		WorkType: it.WorkType,
		Model:    it.Model,
		Payload:  cloneRaw(it.Payload),
	}
	var nodeID string

	if req.NeedsGPUMemory() {
		for i := 0; i < reserveAttempts && nodeID == ""; i++ {
			c, ok := e.capacity.CanFit(model.FitRequest{
				RequiredMB:             req.MBPerGPU,
				GPUCount:               req.GPUCount,
				PreferFastInterconnect: req.PreferFastInterconnect,
				MinTier:                req.MinTier,
				ExcludeNodes:           excluded,
			})
			if !ok {
				return dispatch{}, false
			}
			res, err := e.capacity.Reserve(model.ReserveRequest{
				NodeID:                 c.NodeID,
				GPUIndices:             c.GPUIndices,
				MBPerGPU:               req.MBPerGPU,
				TTLSeconds:             e.leaseSeconds(),
				PreferFastInterconnect: req.PreferFastInterconnect,
				Owner:                  it.ID,
			})
			if err != nil {
				slog.Debug("reservation for work lost race, trying next candidate",
					"work_id", it.ID, "node_id", c.NodeID, "error", err)
				excluded = append(excluded, c.NodeID)
				continue
			}
			nodeID = c.NodeID
			it.ReservationID = res.ID
			a.ReservationID = res.ID
			a.GPUIndices = res.GPUIndices()
			expires := res.ExpiresAt
			a.LeaseExpires = &expires
		}
		if nodeID == "" {
			return dispatch{}, false
		}
	} else {
		nodeID = pickNode(eligible, req)
		if e.cfg.AssignmentTimeout > 0 {
			expires := now.Add(e.cfg.AssignmentTimeout)
			a.LeaseExpires = &expires
		}
	}

	it.NodeID = nodeID
	it.Attempts++
	it.AssignedAt = &now
	it.LeaseExpires = cloneTime(a.LeaseExpires)
	it.NotBefore = nil
	e.transition(it, model.WorkAssigned)
	slog.Info("work assigned",
		"work_id", it.ID, "node_id", nodeID, "attempt", it.Attempts,
		"reservation_id", it.ReservationID, "priority", it.Priority)
	return dispatch{nodeID: nodeID, assignment: a}, true
}

// pickNode takes the first eligible node in registry order. Work that does
// not need a GPU goes to CPU-only nodes before GPU nodes.
func pickNode(nodes []model.Node, req model.Requirements) string {
	if !req.RequiresGPU {
		for _, n := range nodes {
			if !n.HasGPU() {
				return n.ID
			}
		}
	}
	return nodes[0].ID
}

func (e *Engine) leaseSeconds() int {
	if e.cfg.AssignmentTimeout <= 0 {
		return 0
	}
	return int((e.cfg.AssignmentTimeout + time.Second - 1) / time.Second)
}

// deliver dispatches outside any item lock. A delivery failure is an
// ordinary attempt failure.
func (e *Engine) deliver(ctx context.Context, d dispatch) {
	if e.dispatcher == nil {
		return
	}
	start := time.Now()
	err := e.dispatcher.Dispatch(ctx, d.nodeID, d.assignment)
	e.metrics.DispatchDuration.Observe(time.Since(start).Seconds())
	if err == nil {
		return
	}
	slog.Warn("work dispatch failed",
		"work_id", d.assignment.WorkID, "node_id", d.nodeID,
		"attempt", d.assignment.Attempt, "error", err)
	reason := errors.Wrap(errors.CodeNodeUnreachable, err, "dispatch to node %q", d.nodeID).Error()
	e.failAttempt(d.assignment.WorkID, d.assignment.Attempt, reason)
}

// ReportCompleted marks the attempt completed. Reports for an attempt that
// is no longer current, and duplicates, are ignored.
func (e *Engine) ReportCompleted(id string, attempt int, result json.RawMessage) error {
	ent, ok := e.items.Get(id)
	if !ok {
		return errors.NotFound("work", id)
	}
	ent.mu.Lock()
	it := &ent.item
	if it.State != model.WorkAssigned || it.Attempts != attempt {
		slog.Debug("ignoring stale completion",
			"work_id", id, "attempt", attempt, "current_attempt", it.Attempts, "state", it.State)
		ent.mu.Unlock()
		return nil
	}
	now := e.clock.Now()
	e.releaseLease(it)
	e.blacklist.Success(it.NodeID)
	it.Result = cloneRaw(result)
	it.LastError = ""
	it.TerminalAt = &now
	e.transition(it, model.WorkCompleted)
	e.record(it)
	slog.Info("work completed", "work_id", id, "node_id", it.NodeID, "attempt", attempt)
	ent.mu.Unlock()

	e.signal()
	return nil
}

// ReportFailed records a failed attempt. The item is retried after backoff
// while attempts remain. Stale and duplicate reports are ignored.
func (e *Engine) ReportFailed(id string, attempt int, reason string) error {
	if _, ok := e.items.Get(id); !ok {
		return errors.NotFound("work", id)
	}
	if reason == "" {
		reason = "node reported failure"
	}
	if !e.failAttempt(id, attempt, reason) {
		slog.Debug("ignoring stale failure report", "work_id", id, "attempt", attempt)
		return nil
	}
	e.signal()
	return nil
}

func (e *Engine) failAttempt(id string, attempt int, reason string) bool {
	ent, ok := e.items.Get(id)
	if !ok {
		return false
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.item.State != model.WorkAssigned || ent.item.Attempts != attempt {
		return false
	}
	e.fail(ent, reason, true)
	return true
}

// fail runs the failure path for the current attempt. Only failures the
// node caused count toward its blacklist. Callers hold ent.mu.
func (e *Engine) fail(ent *entry, reason string, nodeFault bool) {
	it := &ent.item
	now := e.clock.Now()
	e.releaseLease(it)
	if nodeFault && it.NodeID != "" && e.blacklist.Failure(it.NodeID, now) {
		e.metrics.BlacklistTrips.WithLabelValues(it.NodeID).Inc()
	}
	it.LastError = reason
	e.transition(it, model.WorkFailed)

	if it.Attempts >= it.MaxAttempts {
		it.TerminalAt = &now
		e.record(it)
		slog.Warn("work failed, attempts exhausted",
			"work_id", it.ID, "node_id", it.NodeID, "attempts", it.Attempts, "error", reason)
		return
	}

	delay := e.backoff.Delay(it.Attempts)
	notBefore := now.Add(delay)
	slog.Info("work attempt failed, will retry",
		"work_id", it.ID, "node_id", it.NodeID, "attempt", it.Attempts,
		"retry_in", delay, "error", reason)
	it.NotBefore = &notBefore
	it.NodeID = ""
	it.AssignedAt = nil
	e.transition(it, model.WorkPending)
	e.queue.push(queued{id: it.ID, priority: it.Priority, seq: ent.seq})
}

// Cancel moves a pending or assigned item to cancelled. An assigned item's
// lease is released at once and the node gets a best-effort revocation.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	ent, ok := e.items.Get(id)
	if !ok {
		return errors.NotFound("work", id)
	}
	ent.mu.Lock()
	it := &ent.item
	if it.State.Terminal() {
		state := it.State
		ent.mu.Unlock()
		return errors.New(errors.CodeInvalidRequest, "work %q is already %s", id, state)
	}

	var rv *revoke
	wasPending := it.State == model.WorkPending
	if it.State == model.WorkAssigned {
		rv = &revoke{nodeID: it.NodeID, revocation: model.Revocation{WorkID: id, Attempt: it.Attempts, Reason: "cancelled"}}
		e.releaseLease(it)
	}
	now := e.clock.Now()
	it.TerminalAt = &now
	e.transition(it, model.WorkCancelled)
	e.record(it)
	ent.mu.Unlock()

	slog.Info("work cancelled", "work_id", id)
	if wasPending && e.queue.remove(id) {
		e.metrics.WorkQueueDepth.Set(float64(e.queue.len()))
	}
	if rv != nil {
		e.revoke(ctx, *rv)
		e.signal()
	}
	return nil
}

func (e *Engine) revoke(ctx context.Context, rv revoke) {
	if e.dispatcher == nil {
		return
	}
	if err := e.dispatcher.Revoke(ctx, rv.nodeID, rv.revocation); err != nil {
		slog.Warn("revocation not delivered",
			"work_id", rv.revocation.WorkID, "node_id", rv.nodeID, "error", err)
	}
}

// Get returns a snapshot of one item.
func (e *Engine) Get(id string) (model.WorkItem, error) {
	ent, ok := e.items.Get(id)
	if !ok {
		return model.WorkItem{}, errors.NotFound("work", id)
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	return cloneItem(ent.item), nil
}

// List returns items in submission order, restricted to state when set.
func (e *Engine) List(state model.WorkState) []model.WorkItem {
	type row struct {
		seq  uint64
		item model.WorkItem
	}
	var rows []row
	for _, ent := range e.items.Values() {
		ent.mu.Lock()
		if state == "" || ent.item.State == state {
			rows = append(rows, row{seq: ent.seq, item: cloneItem(ent.item)})
		}
		ent.mu.Unlock()
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	out := make([]model.WorkItem, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.item)
	}
	return out
}

// Counts returns the number of retained items per state.
func (e *Engine) Counts() map[model.WorkState]int {
	counts := make(map[model.WorkState]int)
	for _, ent := range e.items.Values() {
		ent.mu.Lock()
		counts[ent.item.State]++
		ent.mu.Unlock()
	}
	return counts
}

// Sweep renews the leases of assigned items whose node is online, fails
// attempts whose node went silent past the lease or that outran their run
// timeout, and purges terminal items older than the retention period.
func (e *Engine) Sweep(ctx context.Context) {
	now := e.clock.Now()
	var revokes []revoke
	var purge []string

	for _, ent := range e.items.Values() {
		ent.mu.Lock()
		it := &ent.item
		switch {
		case it.State == model.WorkAssigned:
			loss, lost := e.checkLease(it, now)
			if !lost {
				break
			}
			slog.Warn("assignment lost",
				"work_id", it.ID, "node_id", it.NodeID, "attempt", it.Attempts,
				"assigned_at", it.AssignedAt, "reason", loss.reason)
			revokes = append(revokes, revoke{
				nodeID:     it.NodeID,
				revocation: model.Revocation{WorkID: it.ID, Attempt: it.Attempts, Reason: loss.notice},
			})
			e.fail(ent, loss.reason, loss.nodeFault)
		case it.State.Terminal() && e.cfg.Retention > 0 &&
			it.TerminalAt != nil && now.Sub(*it.TerminalAt) >= e.cfg.Retention:
			purge = append(purge, it.ID)
		}
		ent.mu.Unlock()
	}

	for _, id := range purge {
		var state model.WorkState
		removed := e.items.DeleteIf(id, func(ent *entry) bool {
			ent.mu.Lock()
			defer ent.mu.Unlock()
			state = ent.item.State
			return state.Terminal()
		})
		if removed {
			e.metrics.WorkItems.WithLabelValues(string(state)).Dec()
		}
	}
	if len(purge) > 0 {
		slog.Debug("purged terminal work items", "count", len(purge))
	}

	for _, rv := range revokes {
		e.revoke(ctx, rv)
	}
	e.metrics.BlacklistedNodes.Set(float64(e.blacklist.BlockedCount(now)))
}

// leaseLoss says why an assigned attempt has to end.
type leaseLoss struct {
	reason    string
	notice    string
	nodeFault bool
}

// checkLease keeps the lease of an assigned item alive while its node is
// online and reports when the attempt must end instead. Callers hold the
// item lock.
func (e *Engine) checkLease(it *model.WorkItem, now time.Time) (leaseLoss, bool) {
	if it.TimeoutSeconds > 0 && it.AssignedAt != nil {
		limit := time.Duration(it.TimeoutSeconds) * time.Second
		if now.Sub(*it.AssignedAt) >= limit {
			return leaseLoss{
				reason: errors.New(errors.CodeExpired, "attempt %d ran past its %s timeout", it.Attempts, limit).Error(),
				notice: "run timeout exceeded",
			}, true
		}
	}
	if it.LeaseExpires == nil {
		return leaseLoss{}, false
	}

	node, err := e.nodes.Get(it.NodeID)
	if err != nil || !node.Online {
		if now.Before(*it.LeaseExpires) {
			return leaseLoss{}, false
		}
		return leaseLoss{
			reason:    errors.New(errors.CodeNodeUnreachable, "node %q went silent; lease expired at %s", it.NodeID, it.LeaseExpires.Format(time.RFC3339)).Error(),
			notice:    "node unreachable",
			nodeFault: true,
		}, true
	}

	period := e.cfg.AssignmentTimeout
	if period <= 0 && it.AssignedAt != nil {
		period = it.LeaseExpires.Sub(*it.AssignedAt)
	}
	if it.LeaseExpires.Sub(now) > period/2 {
		return leaseLoss{}, false
	}
	expires := now.Add(period)
	if it.ReservationID != "" {
		res, err := e.capacity.Renew(it.ReservationID, e.leaseSeconds())
		if err != nil {
			return leaseLoss{
				reason: errors.Wrap(errors.CodeExpired, err, "renew gpu lease of attempt %d", it.Attempts).Error(),
				notice: "lease lost",
			}, true
		}
		expires = res.ExpiresAt
	}
	it.LeaseExpires = &expires
	slog.Debug("work lease renewed", "work_id", it.ID, "node_id", it.NodeID, "expires_at", expires)
	return leaseLoss{}, false
}

// Run drives assignment passes and sweeps until ctx is cancelled. A submit
// or a freed lease wakes the loop before the next tick.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.cfg.AssignInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.AssignPending(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Sweep(ctx)
		case <-e.wake:
		}
		e.AssignPending(ctx)
	}
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) releaseLease(it *model.WorkItem) {
	it.LeaseExpires = nil
	if it.ReservationID == "" {
		return
	}
	e.capacity.Release(it.ReservationID)
	it.ReservationID = ""
}

func (e *Engine) transition(it *model.WorkItem, to model.WorkState) {
	from := it.State
	it.State = to
	fromLabel := string(from)
	if from == "" {
		fromLabel = "new"
	} else {
		e.metrics.WorkItems.WithLabelValues(string(from)).Dec()
	}
	e.metrics.WorkItems.WithLabelValues(string(to)).Inc()
	e.metrics.WorkTransitions.WithLabelValues(fromLabel, string(to)).Inc()
}

func (e *Engine) record(it *model.WorkItem) {
	if e.recorder != nil {
		e.recorder.RecordWork(cloneItem(*it))
	}
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneItem(it model.WorkItem) model.WorkItem {
	it.Payload = cloneRaw(it.Payload)
	it.Result = cloneRaw(it.Result)
	it.AssignedAt = cloneTime(it.AssignedAt)
	it.LeaseExpires = cloneTime(it.LeaseExpires)
	it.NotBefore = cloneTime(it.NotBefore)
	it.TerminalAt = cloneTime(it.TerminalAt)
	return it
}
