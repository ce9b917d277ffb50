package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kubeadapt/kubeadapt-mesh/internal/errors"
	"github.com/kubeadapt/kubeadapt-mesh/internal/observability"
	"github.com/kubeadapt/kubeadapt-mesh/pkg/model"
)

const (
	writeTimeout = 5 * time.Second
	drainTimeout = 5 * time.Second
)

// AsyncRecorder decouples history writes from the components producing
// them. Records go through a bounded buffer to a single writer; when the
// buffer is full the record is dropped and counted.
type AsyncRecorder struct {
	store   Store
	ch      chan Record
	metrics *observability.Metrics
	ec      *errors.ErrorCollector

	mu     sync.RWMutex
	closed bool
}

// NewAsyncRecorder creates a recorder writing to store. ec may be nil.
func NewAsyncRecorder(store Store, buffer int, metrics *observability.Metrics, ec *errors.ErrorCollector) *AsyncRecorder {
	if buffer <= 0 {
		buffer = 1
	}
	return &AsyncRecorder{
		store:   store,
		ch:      make(chan Record, buffer),
		metrics: metrics,
		ec:      ec,
	}
}

// RecordWork enqueues a terminal work item.
func (a *AsyncRecorder) RecordWork(item model.WorkItem) {
	a.Record(WorkRecord(item))
}

// RecordPlan enqueues a plan.
func (a *AsyncRecorder) RecordPlan(p model.Plan) {
	a.Record(PlanRecord(p))
}

// Record enqueues r without blocking. It reports whether r was accepted.
func (a *AsyncRecorder) Record(r Record) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return false
	}
	select {
	case a.ch <- r:
		return true
	default:
		a.metrics.HistoryDropped.Inc()
		a.ec.ReportErr(errors.ErrBufferFull, "history", errors.New(errors.CodeInternal, "history buffer full at %d records", cap(a.ch)))
		slog.Warn("history buffer full, dropping record", "kind", r.Kind, "id", r.ID)
		return false
	}
}

// Run writes records until ctx is cancelled, then drains what is buffered
// with a bounded deadline.
func (a *AsyncRecorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			a.drain()
			return ctx.Err()
		case r := <-a.ch:
			a.write(ctx, r)
		}
	}
}

func (a *AsyncRecorder) drain() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case r := <-a.ch:
			a.write(ctx, r)
		default:
			return
		}
	}
}

func (a *AsyncRecorder) write(ctx context.Context, r Record) {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := a.store.Write(wctx, r); err != nil {
		a.metrics.HistoryWrites.WithLabelValues(r.Kind, "error").Inc()
		a.ec.ReportErr(errors.ErrHistoryWriteFailed, "history", err)
		slog.Error("history write failed", "kind", r.Kind, "id", r.ID, "error", err)
		return
	}
	a.metrics.HistoryWrites.WithLabelValues(r.Kind, "ok").Inc()
	a.ec.Resolve(errors.ErrHistoryWriteFailed, "history")
}

// Pending returns the number of buffered records.
func (a *AsyncRecorder) Pending() int {
	return len(a.ch)
}
