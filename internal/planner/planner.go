// Package planner chooses a parallelism layout for a model from the GPU
// memory that is free right now. Plans are advisory and hold no lease.
package planner

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kubeadapt/kubeadapt-mesh/internal/errors"
	"github.com/kubeadapt/kubeadapt-mesh/internal/observability"
	"github.com/kubeadapt/kubeadapt-mesh/internal/reservation"
	"github.com/kubeadapt/kubeadapt-mesh/pkg/model"
)

// Capacity is the reservation engine view the planner reads.
type Capacity interface {
	CanFit(req model.FitRequest) (model.Candidate, bool)
	FreeByNode(filter model.NodeFilter) []reservation.NodeCapacity
}

// Recorder receives every plan produced. Implementations must not block.
type Recorder interface {
	RecordPlan(p model.Plan)
}

// Planner picks single-device, tensor-parallel, pipeline-parallel or hybrid
// layouts, in that order of preference.
type Planner struct {
	capacity Capacity
	clock    errors.Clock
	metrics  *observability.Metrics
	recorder Recorder
	newID    func() string
}

// New creates a Planner.
func New(capacity Capacity, clock errors.Clock, metrics *observability.Metrics) *Planner {
	if clock == nil {
		clock = errors.RealClock{}
	}
	return &Planner{capacity: capacity, clock: clock, metrics: metrics, newID: uuid.NewString}
}

// SetRecorder registers the sink for produced plans.
func (p *Planner) SetRecorder(r Recorder) {
	p.recorder = r
}

func validate(req model.PlanRequest) error {
	switch {
	case strings.TrimSpace(req.Model) == "":
		return fmt.Errorf("model is required")
	case req.FootprintMB <= 0:
		return fmt.Errorf("footprint_mb must be > 0, got %d", req.FootprintMB)
	case req.MinDevices < 0:
		return fmt.Errorf("min_devices must be >= 0, got %d", req.MinDevices)
	}
	return nil
}

// Plan returns the most preferred layout that fits the footprint on at
// least MinDevices devices, or NoCapacity.
func (p *Planner) Plan(req model.PlanRequest) (model.Plan, error) {
	start := time.Now()
	defer func() { p.metrics.PlanDuration.Observe(time.Since(start).Seconds()) }()

	if err := validate(req); err != nil {
		return model.Plan{}, errors.Invalid(err)
	}
	minDevices := max(req.MinDevices, 1)

	plan, ok := p.singleDevice(req, minDevices)
	if !ok {
		plan, ok = p.tensorParallel(req, minDevices)
	}
	if !ok {
		// Pipeline and hybrid layouts read one snapshot.
		nodes := p.capacity.FreeByNode(model.NodeFilter{})
		plan, ok = pipelineParallel(req, minDevices, nodes)
		if !ok {
			plan, ok = hybrid(req, minDevices, nodes)
		}
		if !ok {
			plan, ok = unevenHybrid(req, minDevices, nodes)
		}
	}
	if !ok {
		p.metrics.PlansTotal.WithLabelValues("no_capacity").Inc()
		slog.Info("no layout fits model",
			"model", req.Model, "footprint_mb", req.FootprintMB, "min_devices", minDevices)
		return model.Plan{}, errors.New(errors.CodeNoCapacity,
			"no layout fits %s (%d MB) on %d or more devices", req.Model, req.FootprintMB, minDevices)
	}

	plan.ID = p.newID()
	plan.Model = req.Model
	plan.FootprintMB = req.FootprintMB
	plan.CreatedAt = p.clock.Now()
	p.metrics.PlansTotal.WithLabelValues(string(plan.Strategy)).Inc()
	slog.Info("plan chosen",
		"plan_id", plan.ID, "model", req.Model, "strategy", plan.Strategy,
		"devices", plan.DeviceCount, "tp", plan.TensorParallel, "pp", plan.PipelineParallel,
		"per_device_mb", plan.PerDeviceMB, "nodes", plan.NodeIDs())
	if p.recorder != nil {
		p.recorder.RecordPlan(plan)
	}
	return plan, nil
}

func (p *Planner) singleDevice(req model.PlanRequest, minDevices int) (model.Plan, bool) {
	if minDevices > 1 {
		return model.Plan{}, false
	}
	c, ok := p.capacity.CanFit(model.FitRequest{RequiredMB: req.FootprintMB, GPUCount: 1})
	if !ok {
		return model.Plan{}, false
	}
	return model.Plan{
		Strategy:         model.StrategySingleDevice,
		DeviceCount:      1,
		TensorParallel:   1,
		PipelineParallel: 1,
		PerDeviceMB:      req.FootprintMB,
		Stages:           []model.Stage{{NodeID: c.NodeID, GPUIndices: c.GPUIndices}},
	}, true
}

// tensorParallel tries the smallest device group on one node that holds
// the footprint split evenly.
func (p *Planner) tensorParallel(req model.PlanRequest, minDevices int) (model.Plan, bool) {
	widest := 0
	for _, n := range p.capacity.FreeByNode(model.NodeFilter{}) {
		widest = max(widest, len(n.GPUs))
	}
	for n := max(2, minDevices); n <= widest; n++ {
		per := share(req.FootprintMB, n)
		c, ok := p.capacity.CanFit(model.FitRequest{
			RequiredMB:             per,
			GPUCount:               n,
			PreferFastInterconnect: req.PreferFastInterconnect,
		})
		if !ok {
			continue
		}
		return model.Plan{
			Strategy:         model.StrategyTensorParallel,
			DeviceCount:      n,
			TensorParallel:   n,
			PipelineParallel: 1,
			PerDeviceMB:      per,
			Stages:           []model.Stage{{NodeID: c.NodeID, GPUIndices: c.GPUIndices}},
		}, true
	}
	return model.Plan{}, false
}

// pipelineParallel places one device per stage on distinct nodes.
func pipelineParallel(req model.PlanRequest, minDevices int, nodes []reservation.NodeCapacity) (model.Plan, bool) {
	for k := max(2, minDevices); k <= len(nodes); k++ {
		per := share(req.FootprintMB, k)
		stages, ok := pickStages(nodes, k, 1, per, false)
		if !ok {
			continue
		}
		return model.Plan{
			Strategy:         model.StrategyPipelineParallel,
			DeviceCount:      k,
			TensorParallel:   1,
			PipelineParallel: k,
			PerDeviceMB:      per,
			Stages:           stages,
		}, true
	}
	return model.Plan{}, false
}

type layout struct{ tp, pp int }

// hybrid runs tensor-parallel groups of tp devices on pp distinct nodes.
// Layouts are tried by total devices, then by wider tensor groups so fewer
// nodes take part.
func hybrid(req model.PlanRequest, minDevices int, nodes []reservation.NodeCapacity) (model.Plan, bool) {
	widest := 0
	for _, n := range nodes {
		widest = max(widest, len(n.GPUs))
	}
	var layouts []layout
	for tp := 2; tp <= widest; tp++ {
		for pp := 2; pp <= len(nodes); pp++ {
			if tp*pp >= minDevices {
				layouts = append(layouts, layout{tp: tp, pp: pp})
			}
		}
	}
	sort.Slice(layouts, func(i, j int) bool {
		a, b := layouts[i], layouts[j]
		if a.tp*a.pp != b.tp*b.pp {
			return a.tp*a.pp < b.tp*b.pp
		}
		return a.tp > b.tp
	})

	for _, l := range layouts {
		per := share(req.FootprintMB, l.tp*l.pp)
		stages, ok := pickStages(nodes, l.pp, l.tp, per, req.PreferFastInterconnect)
		if !ok {
			continue
		}
		return model.Plan{
			Strategy:         model.StrategyHybrid,
			DeviceCount:      l.tp * l.pp,
			TensorParallel:   l.tp,
			PipelineParallel: l.pp,
			PerDeviceMB:      per,
			Stages:           stages,
		}, true
	}
	return model.Plan{}, false
}

// unevenHybrid lets every pipeline stage run a tensor group as wide as its
// node can give, so nodes with uneven free capacity still combine. Each
// stage holds a share of layers in proportion to its devices. The fewest
// devices win; nodes that can give more devices are used first so fewer
// nodes take part.
func unevenHybrid(req model.PlanRequest, minDevices int, nodes []reservation.NodeCapacity) (model.Plan, bool) {
	total := 0
	for _, n := range nodes {
		total += len(n.GPUs)
	}
	for d := max(3, minDevices); d <= total; d++ {
		per := share(req.FootprintMB, d)
		stages, ok := spreadStages(nodes, d, per, req.PreferFastInterconnect)
		if !ok {
			continue
		}
		widest := 0
		for _, st := range stages {
			widest = max(widest, len(st.GPUIndices))
		}
		if widest < 2 {
			continue
		}
		return model.Plan{
			Strategy:         model.StrategyHybrid,
			DeviceCount:      d,
			TensorParallel:   widest,
			PipelineParallel: len(stages),
			PerDeviceMB:      per,
			Stages:           stages,
		}, true
	}
	return model.Plan{}, false
}

// spreadStages takes devices holding per MB from at least two nodes until
// devices are placed.
func spreadStages(nodes []reservation.NodeCapacity, devices int, per int64, preferFast bool) ([]model.Stage, bool) {
	type candidate struct {
		node reservation.NodeCapacity
		fit  int
	}
	var cands []candidate
	for _, n := range nodes {
		fit := 0
		for _, g := range n.GPUs {
			if g.FreeMB >= per {
				fit++
			}
		}
		if fit > 0 {
			cands = append(cands, candidate{node: n, fit: fit})
		}
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].fit > cands[j].fit })

	var stages []model.Stage
	left := devices
	for _, c := range cands {
		if left == 0 {
			break
		}
		take := min(c.fit, left)
		gpus, _, ok := bestFit(c.node.GPUs, take, per, preferFast)
		if !ok {
			return nil, false
		}
		stages = append(stages, model.Stage{NodeID: c.node.NodeID, GPUIndices: gpus})
		left -= take
	}
	if left > 0 || len(stages) < 2 {
		return nil, false
	}
	return stages, true
}

type stageChoice struct {
	stage model.Stage
	tier  model.Tier
	fast  bool
}

// pickStages selects count nodes that can each give width devices with at
// least per MB free. Nodes keep registry order; with preferFast, nodes whose
// group is all fast-interconnect move ahead within their tier.
func pickStages(nodes []reservation.NodeCapacity, count, width int, per int64, preferFast bool) ([]model.Stage, bool) {
	var fits []stageChoice
	for _, n := range nodes {
		gpus, fast, ok := bestFit(n.GPUs, width, per, preferFast)
		if !ok {
			continue
		}
		fits = append(fits, stageChoice{stage: model.Stage{NodeID: n.NodeID, GPUIndices: gpus}, tier: n.Tier, fast: fast})
	}
	if len(fits) < count {
		return nil, false
	}
	if preferFast && width > 1 {
		sort.SliceStable(fits, func(i, j int) bool {
			if fits[i].tier != fits[j].tier {
				return fits[i].tier > fits[j].tier
			}
			return fits[i].fast && !fits[j].fast
		})
	}
	out := make([]model.Stage, count)
	for i := range out {
		out[i] = fits[i].stage
	}
	return out, true
}

// bestFit picks width devices with the least free memory that still hold
// per MB, returned in index order.
func bestFit(gpus []reservation.GPUCapacity, width int, per int64, preferFast bool) ([]int, bool, bool) {
	var q []reservation.GPUCapacity
	for _, g := range gpus {
		if g.FreeMB >= per {
			q = append(q, g)
		}
	}
	if len(q) < width {
		return nil, false, false
	}
	sort.Slice(q, func(i, j int) bool {
		if q[i].FreeMB != q[j].FreeMB {
			return q[i].FreeMB < q[j].FreeMB
		}
		return q[i].Index < q[j].Index
	})
	if preferFast && width > 1 {
		var fast []reservation.GPUCapacity
		for _, g := range q {
			if g.Fast {
				fast = append(fast, g)
			}
		}
		if len(fast) >= width {
			q = fast
		}
	}
	q = q[:width]
	idx := make([]int, width)
	allFast := width > 1
	for i, g := range q {
		idx[i] = g.Index
		if !g.Fast {
			allFast = false
		}
	}
	sort.Ints(idx)
	return idx, allFast, true
}

// share splits footprint over n devices, rounding up.
func share(footprint int64, n int) int64 {
	return (footprint + int64(n) - 1) / int64(n)
}
