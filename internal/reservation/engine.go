package reservation

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kubeadapt/kubeadapt-mesh/internal/errors"
	"github.com/kubeadapt/kubeadapt-mesh/internal/observability"
	"github.com/kubeadapt/kubeadapt-mesh/internal/store"
	"github.com/kubeadapt/kubeadapt-mesh/pkg/model"
)

// Config holds lease and OOM-prediction policy.
type Config struct {
	DefaultTTL    time.Duration
	MaxTTL        time.Duration
	SweepInterval time.Duration
	RAMWindow     int
	RAMLowWaterMB int64
	RAMLookahead  time.Duration
}

// NodeSource is the slice of the node registry the engine reads.
type NodeSource interface {
	Get(nodeID string) (model.Node, error)
	Query(filter model.NodeFilter) []model.Node
}

// Engine owns the GPU ledger, the reservation table and RAM trends. It is
// the only writer of the ledger.
type Engine struct {
	cfg     Config
	nodes   NodeSource
	clock   errors.Clock
	metrics *observability.Metrics
	errs    *errors.ErrorCollector

	ledgers      *store.TypedStore[*nodeLedger]
	reservations *store.TypedStore[model.Reservation]
	ram          *store.TypedStore[*ramSeries]

	newID func() string
}

// New creates an Engine reading node hardware from nodes.
func New(cfg Config, nodes NodeSource, clock errors.Clock, metrics *observability.Metrics, ec *errors.ErrorCollector) *Engine {
	if clock == nil {
		clock = errors.RealClock{}
	}
	if cfg.RAMWindow < 3 {
		cfg.RAMWindow = 3
	}
	return &Engine{
		cfg:          cfg,
		nodes:        nodes,
		clock:        clock,
		metrics:      metrics,
		errs:         ec,
		ledgers:      store.NewTypedStore[*nodeLedger](),
		reservations: store.NewTypedStore[model.Reservation](),
		ram:          store.NewTypedStore[*ramSeries](),
		newID:        uuid.NewString,
	}
}

// ledgerFor returns the node's ledger reconciled with its declared hardware.
func (e *Engine) ledgerFor(node model.Node) *nodeLedger {
	l, _ := e.ledgers.GetOrCreate(node.ID, func() *nodeLedger { return newNodeLedger(node.ID) })
	l.sync(node)
	return l
}

func (e *Engine) ttl(seconds int) time.Duration {
	d := e.cfg.DefaultTTL
	if seconds > 0 {
		d = time.Duration(seconds) * time.Second
	}
	if e.cfg.MaxTTL > 0 && d > e.cfg.MaxTTL {
		d = e.cfg.MaxTTL
	}
	return d
}

// Reserve grants a lease on every requested GPU or on none of them.
func (e *Engine) Reserve(req model.ReserveRequest) (model.Reservation, error) {
	res, err := e.reserve(req)
	e.metrics.ReservationRequests.WithLabelValues(resultLabel(err)).Inc()
	return res, err
}

func (e *Engine) reserve(req model.ReserveRequest) (model.Reservation, error) {
	perGPU, err := req.PerGPU()
	if err != nil {
		return model.Reservation{}, errors.Invalid(err)
	}

	node, err := e.nodes.Get(req.NodeID)
	if err != nil {
		return model.Reservation{}, err
	}
	if !node.Online {
		return model.Reservation{}, errors.New(errors.CodeNodeUnreachable, "node %q is offline", req.NodeID)
	}
	for _, idx := range req.GPUIndices {
		if _, ok := node.GPU(idx); !ok {
			return model.Reservation{}, errors.New(errors.CodeInvalidRequest, "node %q has no gpu %d", req.NodeID, idx)
		}
	}

	ledger := e.ledgerFor(node)
	entries, ok := ledger.entries(req.GPUIndices)
	if !ok {
		return model.Reservation{}, errors.New(errors.CodeInvalidRequest, "node %q changed hardware during reserve", req.NodeID)
	}

	// Lock in index order so concurrent multi-GPU reservations cannot deadlock.
	unlock, ok := lockEntries(entries)
	if !ok {
		return model.Reservation{}, errors.New(errors.CodeInvalidRequest, "node %q changed hardware during reserve", req.NodeID)
	}

	for _, g := range entries {
		if g.free() < perGPU {
			free := g.free()
			unlock()
			return model.Reservation{}, errors.New(errors.CodeInsufficientCapacity,
				"node %q gpu %d: %d MB free, %d MB requested", req.NodeID, g.index, free, perGPU)
		}
	}

	id := e.newID()
	for _, g := range entries {
		if !guard(g, perGPU, id, "reserve", e.metrics, e.errs) {
			unlock()
			return model.Reservation{}, errors.New(errors.CodeInsufficientCapacity,
				"node %q gpu %d: grant rejected by ledger guard", req.NodeID, g.index)
		}
	}

	now := e.clock.Now()
	ttl := e.ttl(req.TTLSeconds)
	res := model.Reservation{
		ID:                     id,
		NodeID:                 req.NodeID,
		Owner:                  req.Owner,
		TTLSeconds:             int(ttl / time.Second),
		CreatedAt:              now,
		ExpiresAt:              now.Add(ttl),
		PreferFastInterconnect: req.PreferFastInterconnect,
	}
	for _, g := range entries {
		g.reservedMB += perGPU
		g.leases[id] = perGPU
		res.GPUs = append(res.GPUs, model.GPUClaim{Index: g.index, MB: perGPU})
		e.metrics.ReservedMB.WithLabelValues(req.NodeID, gpuLabel(g.index)).Set(float64(g.reservedMB))
	}
	e.reservations.Set(id, res)
	unlock()

	e.metrics.ReservationsActive.Set(float64(e.reservations.Len()))
	slog.Debug("reservation granted",
		"reservation_id", id, "node_id", req.NodeID, "gpus", res.GPUIndices(),
		"mb_per_gpu", perGPU, "expires_at", res.ExpiresAt, "owner", req.Owner)
	return res, nil
}

// Release frees a reservation. Unknown, expired or already released ids
// are a no-op; the return value reports whether this call freed anything.
func (e *Engine) Release(id string) bool {
	return e.release(id, "explicit", nil)
}

// release frees id when when is nil or reports true for the stored
// reservation at the moment it is removed.
func (e *Engine) release(id, reason string, when func(model.Reservation) bool) bool {
	var (
		res model.Reservation
		ok  bool
	)
	if when == nil {
		res, ok = e.reservations.Take(id)
	} else {
		res, ok = e.reservations.TakeIf(id, when)
	}
	if !ok {
		return false
	}

	if ledger, ok := e.ledgers.Get(res.NodeID); ok {
		for _, claim := range sortedClaims(res.GPUs) {
			g, ok := ledgerEntry(ledger, claim.Index)
			if !ok {
				continue
			}
			g.mu.Lock()
			held, ok := g.leases[id]
			if ok && guard(g, -held, id, "release", e.metrics, e.errs) {
				g.reservedMB -= held
				delete(g.leases, id)
				g.applyPending()
			}
			e.metrics.ReservedMB.WithLabelValues(res.NodeID, gpuLabel(g.index)).Set(float64(g.reservedMB))
			g.mu.Unlock()
		}
	}

	e.metrics.ReservationReleases.WithLabelValues(reason).Inc()
	e.metrics.ReservationsActive.Set(float64(e.reservations.Len()))
	slog.Debug("reservation released", "reservation_id", id, "node_id", res.NodeID, "reason", reason)
	return true
}

func ledgerEntry(l *nodeLedger, index int) (*gpuEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.gpus[index]
	return g, ok
}

func sortedClaims(claims []model.GPUClaim) []model.GPUClaim {
	out := append([]model.GPUClaim(nil), claims...)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Get returns an active reservation. Expired reservations still awaiting
// the sweep report Expired.
func (e *Engine) Get(id string) (model.Reservation, error) {
	res, ok := e.reservations.Get(id)
	if !ok {
		return model.Reservation{}, errors.NotFound("reservation", id)
	}
	if !e.clock.Now().Before(res.ExpiresAt) {
		return model.Reservation{}, errors.New(errors.CodeExpired, "reservation %q expired at %s", id, res.ExpiresAt)
	}
	return res, nil
}

// Renew moves an active reservation's expiry to ttlSeconds from now, with
// the same defaults and clamp as Reserve. Expired reservations cannot be
// renewed, even before the sweep has released them.
func (e *Engine) Renew(id string, ttlSeconds int) (model.Reservation, error) {
	now := e.clock.Now()
	ttl := e.ttl(ttlSeconds)
	expired := false
	res, ok := e.reservations.Update(id, func(r model.Reservation) (model.Reservation, bool) {
		if !now.Before(r.ExpiresAt) {
			expired = true
			return r, false
		}
		r.TTLSeconds = int(ttl / time.Second)
		r.ExpiresAt = now.Add(ttl)
		return r, true
	})
	switch {
	case expired:
		return model.Reservation{}, errors.New(errors.CodeExpired, "reservation %q expired at %s", id, res.ExpiresAt)
	case !ok:
		return model.Reservation{}, errors.NotFound("reservation", id)
	}
	slog.Debug("reservation renewed", "reservation_id", id, "node_id", res.NodeID, "expires_at", res.ExpiresAt)
	return res, nil
}

// Active returns the number of held reservations.
func (e *Engine) Active() int {
	return e.reservations.Len()
}

// ExpirySweep releases every reservation whose absolute expiry has passed.
func (e *Engine) ExpirySweep() int {
	now := e.clock.Now()
	released := 0
	for _, res := range e.reservations.Values() {
		if now.Before(res.ExpiresAt) {
			continue
		}
		// A renewal may land between the scan and the release.
		expired := func(r model.Reservation) bool { return !now.Before(r.ExpiresAt) }
		if e.release(res.ID, "expired", expired) {
			released++
			slog.Info("reservation expired",
				"reservation_id", res.ID, "node_id", res.NodeID,
				"owner", res.Owner, "expired_at", res.ExpiresAt)
		}
	}

	// Drop ledgers of nodes the registry has purged once they hold nothing.
	for _, id := range e.ledgers.Keys() {
		if _, err := e.nodes.Get(id); !stderrors.Is(err, errors.ErrNotFound) {
			continue
		}
		e.ledgers.DeleteIf(id, func(l *nodeLedger) bool { return l.idle() })
	}
	return released
}

// Ledger returns a diagnostic view of a node's device accounting.
func (e *Engine) Ledger(nodeID string) ([]model.GPULedgerEntry, error) {
	node, err := e.nodes.Get(nodeID)
	var ledger *nodeLedger
	switch {
	case err == nil:
		ledger = e.ledgerFor(node)
	case stderrors.Is(err, errors.ErrNotFound):
		l, ok := e.ledgers.Get(nodeID)
		if !ok {
			return nil, err
		}
		ledger = l
	default:
		return nil, err
	}

	out := make([]model.GPULedgerEntry, 0)
	for _, g := range ledger.all() {
		g.mu.Lock()
		out = append(out, g.view())
		g.mu.Unlock()
	}
	return out, nil
}

// CanFit finds the best node and device set with GPUCount devices each
// having at least RequiredMB free. Nodes are considered in registry order;
// within the first fitting tier a node whose chosen devices share a fast
// interconnect wins when the request prefers one. Read-only.
func (e *Engine) CanFit(req model.FitRequest) (model.Candidate, bool) {
	if req.Validate() != nil {
		return model.Candidate{}, false
	}
	excluded := make(map[string]struct{}, len(req.ExcludeNodes))
	for _, id := range req.ExcludeNodes {
		excluded[id] = struct{}{}
	}

	var best *model.Candidate
	for _, node := range e.nodes.Query(model.NodeFilter{RequiresGPU: true, MinTier: req.MinTier, OnlineOnly: true}) {
		if _, skip := excluded[node.ID]; skip {
			continue
		}
		if best != nil && node.Tier != best.Tier {
			break
		}
		c, ok := e.fitNode(node, req)
		if !ok {
			continue
		}
		if best == nil {
			best = &c
			if !req.PreferFastInterconnect || req.GPUCount < 2 || c.FastInterconnect {
				break
			}
			continue
		}
		if c.FastInterconnect {
			best = &c
			break
		}
	}
	if best == nil {
		return model.Candidate{}, false
	}
	return *best, true
}

type freeGPU struct {
	index int
	free  int64
	fast  bool
}

// fitNode picks a best-fit device set on one node: the qualifying devices
// with the least free memory, preferring fast-interconnect devices when
// asked and enough of them qualify.
func (e *Engine) fitNode(node model.Node, req model.FitRequest) (model.Candidate, bool) {
	var qualifying []freeGPU
	for _, g := range e.ledgerFor(node).all() {
		g.mu.Lock()
		f := freeGPU{index: g.index, free: g.free(), fast: g.fast}
		g.mu.Unlock()
		if f.free >= req.RequiredMB {
			qualifying = append(qualifying, f)
		}
	}
	if len(qualifying) < req.GPUCount {
		return model.Candidate{}, false
	}

	sort.Slice(qualifying, func(i, j int) bool {
		if qualifying[i].free != qualifying[j].free {
			return qualifying[i].free < qualifying[j].free
		}
		return qualifying[i].index < qualifying[j].index
	})

	pick := qualifying
	if req.PreferFastInterconnect && req.GPUCount > 1 {
		var fast []freeGPU
		for _, q := range qualifying {
			if q.fast {
				fast = append(fast, q)
			}
		}
		if len(fast) >= req.GPUCount {
			pick = fast
		}
	}
	pick = append([]freeGPU(nil), pick[:req.GPUCount]...)
	sort.Slice(pick, func(i, j int) bool { return pick[i].index < pick[j].index })

	c := model.Candidate{NodeID: node.ID, Tier: node.Tier, FastInterconnect: req.GPUCount > 1}
	for _, p := range pick {
		c.GPUIndices = append(c.GPUIndices, p.index)
		c.FreeMB = append(c.FreeMB, p.free)
		if !p.fast {
			c.FastInterconnect = false
		}
	}
	return c, true
}

// FreeByNode returns free MB per device for every online GPU node in
// registry order. The planner uses it to enumerate layouts.
func (e *Engine) FreeByNode(filter model.NodeFilter) []NodeCapacity {
	filter.RequiresGPU = true
	filter.OnlineOnly = true
	var out []NodeCapacity
	for _, node := range e.nodes.Query(filter) {
		nc := NodeCapacity{NodeID: node.ID, Tier: node.Tier}
		for _, g := range e.ledgerFor(node).all() {
			g.mu.Lock()
			nc.GPUs = append(nc.GPUs, GPUCapacity{Index: g.index, FreeMB: g.free(), Fast: g.fast})
			g.mu.Unlock()
		}
		out = append(out, nc)
	}
	return out
}

// NodeCapacity is a read-only free-memory view of one node.
type NodeCapacity struct {
	NodeID string
	Tier   model.Tier
	GPUs   []GPUCapacity
}

// GPUCapacity is a read-only free-memory view of one device.
type GPUCapacity struct {
	Index  int
	FreeMB int64
	Fast   bool
}

// ObserveRAM records an available-RAM sample and recomputes the node's
// OOM risk. Samples not newer than the last accepted one are ignored.
func (e *Engine) ObserveRAM(nodeID string, availableMB int64, ts time.Time) bool {
	if ts.IsZero() {
		ts = e.clock.Now()
	}
	series, _ := e.ram.GetOrCreate(nodeID, func() *ramSeries { return &ramSeries{} })

	series.mu.Lock()
	defer series.mu.Unlock()
	if !series.add(ramSample{at: ts, mb: availableMB}, e.cfg.RAMWindow) {
		return false
	}
	prev := series.risk.AtRisk
	series.risk = series.evaluate(nodeID, e.cfg.RAMLowWaterMB, e.cfg.RAMLookahead)

	if series.risk.AtRisk {
		e.metrics.OOMRisk.WithLabelValues(nodeID).Set(1)
	} else {
		e.metrics.OOMRisk.WithLabelValues(nodeID).Set(0)
	}
	if series.risk.AtRisk != prev {
		slog.Info("node OOM risk changed",
			"node_id", nodeID, "at_risk", series.risk.AtRisk, "reason", series.risk.Reason,
			"latest_mb", series.risk.LatestMB, "slope_mb_per_sec", series.risk.SlopeMBPerSec)
	}
	return true
}

// RAMRisk returns the latest OOM prediction for a node. Nodes without
// samples are reported as not at risk.
func (e *Engine) RAMRisk(nodeID string) model.RAMRisk {
	series, ok := e.ram.Get(nodeID)
	if !ok {
		return model.RAMRisk{NodeID: nodeID}
	}
	series.mu.Lock()
	defer series.mu.Unlock()
	r := series.risk
	if r.CrossingAt != nil {
		c := *r.CrossingAt
		r.CrossingAt = &c
	}
	return r
}

// AtRisk reports whether new work should avoid the node.
func (e *Engine) AtRisk(nodeID string) bool {
	return e.RAMRisk(nodeID).AtRisk
}

// Run drives the expiry sweep until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.cfg.SweepInterval
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
			e.ExpirySweep()
		}
	}
}

func resultLabel(err error) string {
	if err == nil {
		return "granted"
	}
	switch errors.CodeOf(err) {
	case errors.CodeInsufficientCapacity:
		return "insufficient_capacity"
	case errors.CodeNotFound:
		return "not_found"
	case errors.CodeInvalidRequest:
		return "invalid"
	case errors.CodeNodeUnreachable:
		return "unreachable"
	default:
		return "error"
	}
}
