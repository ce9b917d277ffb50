package reservation

import (
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/kubeadapt/kubeadapt-mesh/internal/errors"
	"github.com/kubeadapt/kubeadapt-mesh/internal/observability"
	"github.com/kubeadapt/kubeadapt-mesh/pkg/model"
)

// gpuEntry is the accounting record of one device. All fields are guarded by mu.
type gpuEntry struct {
	mu         sync.Mutex
	nodeID     string
	index      int
	totalMB    int64
	reservedMB int64
	// pendingTotal holds a smaller declared capacity that cannot be applied
	// until reservations drain below it.
	pendingTotal *int64
	fast         bool
	leases       map[string]int64
	// removed is set when the device left the ledger; a reserve that looked
	// the entry up earlier must not grant on it.
	removed bool
}

// capacity is what new grants may be measured against.
func (g *gpuEntry) capacity() int64 {
	if g.pendingTotal != nil && *g.pendingTotal < g.totalMB {
		return *g.pendingTotal
	}
	return g.totalMB
}

func (g *gpuEntry) free() int64 {
	f := g.capacity() - g.reservedMB
	if f < 0 {
		return 0
	}
	return f
}

// applyPending installs a deferred shrink once the reserved amount fits.
func (g *gpuEntry) applyPending() {
	if g.pendingTotal == nil || g.reservedMB > *g.pendingTotal {
		return
	}
	slog.Info("applying deferred gpu capacity change",
		"node_id", g.nodeID, "gpu", g.index,
		"old_total_mb", g.totalMB, "new_total_mb", *g.pendingTotal)
	g.totalMB = *g.pendingTotal
	g.pendingTotal = nil
}

func (g *gpuEntry) view() model.GPULedgerEntry {
	ids := make([]string, 0, len(g.leases))
	for id := range g.leases {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var pending *int64
	if g.pendingTotal != nil {
		p := *g.pendingTotal
		pending = &p
	}
	return model.GPULedgerEntry{
		Index:        g.index,
		TotalMB:      g.totalMB,
		ReservedMB:   g.reservedMB,
		FreeMB:       g.free(),
		PendingTotal: pending,
		Reservations: ids,
	}
}

// nodeLedger groups a node's device entries. mu guards the gpus map only.
type nodeLedger struct {
	mu     sync.Mutex
	nodeID string
	gpus   map[int]*gpuEntry
}

func newNodeLedger(nodeID string) *nodeLedger {
	return &nodeLedger{nodeID: nodeID, gpus: make(map[int]*gpuEntry)}
}

// sync reconciles device totals with the node's latest declaration. A
// device that shrinks (or disappears) below its reserved amount keeps its
// current total until reservations drain.
func (l *nodeLedger) sync(node model.Node) {
	l.mu.Lock()
	defer l.mu.Unlock()

	declared := make(map[int]struct{}, len(node.GPUs))
	for _, d := range node.GPUs {
		declared[d.Index] = struct{}{}
		g, ok := l.gpus[d.Index]
		if !ok {
			l.gpus[d.Index] = &gpuEntry{
				nodeID:  l.nodeID,
				index:   d.Index,
				totalMB: d.TotalMB,
				fast:    d.FastInterconnect(),
				leases:  make(map[string]int64),
			}
			continue
		}
		g.mu.Lock()
		g.fast = d.FastInterconnect()
		g.resize(d.TotalMB)
		g.mu.Unlock()
	}

	for idx, g := range l.gpus {
		if _, ok := declared[idx]; ok {
			continue
		}
		g.mu.Lock()
		if g.reservedMB == 0 {
			g.removed = true
			delete(l.gpus, idx)
		} else {
			g.resize(0)
		}
		g.mu.Unlock()
	}
}

// resize applies a declared total. Callers hold g.mu.
func (g *gpuEntry) resize(total int64) {
	if total == g.totalMB {
		g.pendingTotal = nil
		return
	}
	if total >= g.reservedMB {
		g.totalMB = total
		g.pendingTotal = nil
		return
	}
	if g.pendingTotal == nil || *g.pendingTotal != total {
		slog.Warn("gpu capacity shrank below reserved amount, deferring",
			"node_id", g.nodeID, "gpu", g.index,
			"total_mb", g.totalMB, "declared_mb", total, "reserved_mb", g.reservedMB)
	}
	t := total
	g.pendingTotal = &t
}

// entries returns the requested devices sorted by index; ok is false when
// any index is unknown.
func (l *nodeLedger) entries(indices []int) ([]*gpuEntry, bool) {
	sorted := append([]int(nil), indices...)
	sort.Ints(sorted)

	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*gpuEntry, 0, len(sorted))
	for _, idx := range sorted {
		g, ok := l.gpus[idx]
		if !ok {
			return nil, false
		}
		out = append(out, g)
	}
	return out, true
}

// lockEntries locks entries in the given order. It fails, holding nothing,
// when any entry was dropped from its ledger since it was looked up.
func lockEntries(entries []*gpuEntry) (unlock func(), ok bool) {
	for i, g := range entries {
		g.mu.Lock()
		if g.removed {
			for j := i; j >= 0; j-- {
				entries[j].mu.Unlock()
			}
			return nil, false
		}
	}
	return func() {
		for i := len(entries) - 1; i >= 0; i-- {
			entries[i].mu.Unlock()
		}
	}, true
}

// all returns every device entry sorted by index.
func (l *nodeLedger) all() []*gpuEntry {
	l.mu.Lock()
	out := make([]*gpuEntry, 0, len(l.gpus))
	for _, g := range l.gpus {
		out = append(out, g)
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out
}

// idle reports whether no device holds a reservation.
func (l *nodeLedger) idle() bool {
	for _, g := range l.all() {
		g.mu.Lock()
		busy := g.reservedMB != 0
		g.mu.Unlock()
		if busy {
			return false
		}
	}
	return true
}

// guard enforces reserved <= total and reserved >= 0 before a mutation.
// Violations are logged with full context, counted, and never applied.
// Callers hold g.mu.
func guard(g *gpuEntry, delta int64, reservationID, op string, metrics *observability.Metrics, ec *errors.ErrorCollector) bool {
	next := g.reservedMB + delta
	if next >= 0 && next <= g.totalMB {
		return true
	}
	metrics.LedgerViolations.Inc()
	slog.Error("ledger invariant violation, mutation rejected",
		"op", op,
		"node_id", g.nodeID,
		"gpu", g.index,
		"total_mb", g.totalMB,
		"reserved_mb", g.reservedMB,
		"delta_mb", delta,
		"reservation_id", reservationID,
		"leases", len(g.leases),
	)
	ec.ReportErr(errors.ErrLedgerViolation, "reservation",
		errors.New(errors.CodeInternal, "%s on %s/gpu%d would set reserved to %d of %d MB",
			op, g.nodeID, g.index, next, g.totalMB))
	return false
}

func gpuLabel(index int) string {
	return strconv.Itoa(index)
}
