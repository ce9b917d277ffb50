package service

import (
	"context"

	"github.com/kubeadapt/kubeadapt-mesh/internal/errors"
	"github.com/kubeadapt/kubeadapt-mesh/internal/planner"
	"github.com/kubeadapt/kubeadapt-mesh/internal/registry"
	"github.com/kubeadapt/kubeadapt-mesh/internal/reservation"
	"github.com/kubeadapt/kubeadapt-mesh/internal/work"
	"github.com/kubeadapt/kubeadapt-mesh/pkg/model"
)

// Local calls the core components in-process with the same signatures as
// Client, so the HTTP API can sit on either.
type Local struct {
	registry     *registry.Registry
	reservations *reservation.Engine
	work         *work.Engine
	planner      *planner.Planner
}

// NewLocal creates an in-process backend.
func NewLocal(reg *registry.Registry, res *reservation.Engine, w *work.Engine, p *planner.Planner) *Local {
	return &Local{registry: reg, reservations: res, work: w, planner: p}
}

func (l *Local) Announce(_ context.Context, desc model.NodeDescriptor) (model.Node, error) {
	return l.registry.Announce(desc)
}

func (l *Local) Depart(_ context.Context, nodeID string) error {
	return l.registry.Depart(nodeID)
}

func (l *Local) Query(_ context.Context, f model.NodeFilter) ([]model.Node, error) {
	return l.registry.Query(f), nil
}

func (l *Local) GetNode(_ context.Context, nodeID string) (model.Node, error) {
	return l.registry.Get(nodeID)
}

func (l *Local) Reserve(_ context.Context, req model.ReserveRequest) (model.Reservation, error) {
	return l.reservations.Reserve(req)
}

func (l *Local) Release(_ context.Context, id string) (bool, error) {
	return l.reservations.Release(id), nil
}

func (l *Local) CanFit(_ context.Context, req model.FitRequest) (model.Candidate, bool, error) {
	if err := req.Validate(); err != nil {
		return model.Candidate{}, false, errors.Invalid(err)
	}
	cand, ok := l.reservations.CanFit(req)
	return cand, ok, nil
}

func (l *Local) RAMRisk(_ context.Context, nodeID string) (model.RAMRisk, error) {
	return l.reservations.RAMRisk(nodeID), nil
}

func (l *Local) Ledger(_ context.Context, nodeID string) ([]model.GPULedgerEntry, error) {
	return l.reservations.Ledger(nodeID)
}

func (l *Local) Submit(_ context.Context, req model.SubmitRequest) (model.WorkItem, error) {
	return l.work.Submit(req)
}

func (l *Local) Status(_ context.Context, id string) (model.WorkItem, error) {
	return l.work.Get(id)
}

func (l *Local) List(_ context.Context, state model.WorkState) ([]model.WorkItem, error) {
	if state != "" && !state.Valid() {
		return nil, errors.New(errors.CodeInvalidRequest, "unknown work state %q", state)
	}
	return l.work.List(state), nil
}

func (l *Local) Cancel(ctx context.Context, id string) error {
	return l.work.Cancel(ctx, id)
}

func (l *Local) Plan(_ context.Context, req model.PlanRequest) (model.Plan, error) {
	return l.planner.Plan(req)
}

func (l *Local) ReportCompleted(_ context.Context, r model.WorkReport) error {
	return l.work.ReportCompleted(r.WorkID, r.Attempt, r.Result)
}

func (l *Local) ReportFailed(_ context.Context, r model.WorkReport) error {
	return l.work.ReportFailed(r.WorkID, r.Attempt, r.Error)
}
