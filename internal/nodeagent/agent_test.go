package nodeagent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubeadapt/kubeadapt-mesh/internal/bus"
	"github.com/kubeadapt/kubeadapt-mesh/internal/config"
	"github.com/kubeadapt/kubeadapt-mesh/internal/errors"
	"github.com/kubeadapt/kubeadapt-mesh/internal/observability"
	"github.com/kubeadapt/kubeadapt-mesh/pkg/model"
)

const testNodeID = "node-a"

// fakeCoordinator records calls made by the agent.
type fakeCoordinator struct {
	mu         sync.Mutex
	announces  int
	heartbeats []model.Heartbeat
	departs    int
	completed  []model.WorkReport
	failed     []model.WorkReport
	unknown    atomic.Bool
}

func (f *fakeCoordinator) Announce(_ context.Context, desc model.NodeDescriptor) (model.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announces++
	f.unknown.Store(false)
	return model.Node{NodeDescriptor: desc}, nil
}

func (f *fakeCoordinator) Heartbeat(_ context.Context, hb model.Heartbeat) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, hb)
	return !f.unknown.Load(), nil
}

func (f *fakeCoordinator) Depart(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.departs++
	return nil
}

func (f *fakeCoordinator) ReportCompleted(_ context.Context, r model.WorkReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, r)
	return nil
}

func (f *fakeCoordinator) ReportFailed(_ context.Context, r model.WorkReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, r)
	return nil
}

func (f *fakeCoordinator) snapshot() (announces, heartbeats, departs int, completed, failed []model.WorkReport) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.announces, len(f.heartbeats), f.departs,
		append([]model.WorkReport(nil), f.completed...),
		append([]model.WorkReport(nil), f.failed...)
}

// fakeSubscriber stores handlers and lets tests deliver messages.
type fakeSubscriber struct {
	mu       sync.Mutex
	handlers map[string]bus.Handler
}

func (f *fakeSubscriber) Subscribe(pattern string, h bus.Handler) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = make(map[string]bus.Handler)
	}
	f.handlers[pattern] = h
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, pattern)
	}, nil
}

func (f *fakeSubscriber) deliver(t *testing.T, subject string, v any) {
	t.Helper()
	f.mu.Lock()
	h, ok := f.handlers[subject]
	f.mu.Unlock()
	require.True(t, ok, "no handler for %s", subject)
	msg, err := bus.NewMessage(subject, v)
	require.NoError(t, err)
	h(context.Background(), msg)
}

// fakeCapabilities describes a single-GPU node.
type fakeCapabilities struct{}

func (fakeCapabilities) Describe(_ context.Context, nodeID, hostname, _ string, labels map[string]string) (model.NodeDescriptor, error) {
	return model.NodeDescriptor{
		ID:       nodeID,
		Hostname: hostname,
		Tier:     model.TierMidGPU,
		Memory:   model.MemoryInfo{TotalMB: 65536, AvailableMB: 32768},
		GPUs:     []model.GPUDevice{{Index: 0, ModelName: "L4", TotalMB: 24576}},
		Labels:   labels,
	}, nil
}

func (fakeCapabilities) Memory() (model.MemoryInfo, error) {
	return model.MemoryInfo{TotalMB: 65536, AvailableMB: 30000}, nil
}

func (fakeCapabilities) GPUs(context.Context) ([]model.GPUDevice, error) {
	return []model.GPUDevice{{Index: 0, ModelName: "L4", TotalMB: 24576, UtilizationPercent: 37}}, nil
}

// blockingExecutor runs until released or cancelled. A payload of
// {"fail":true} makes it return an error.
type blockingExecutor struct {
	started chan string
	release chan struct{}
}

func newBlockingExecutor() *blockingExecutor {
	return &blockingExecutor{started: make(chan string, 8), release: make(chan struct{})}
}

func (b *blockingExecutor) Execute(ctx context.Context, a model.Assignment) (json.RawMessage, error) {
	b.started <- a.WorkID
	if strings.Contains(string(a.Payload), `"fail":true`) {
		return nil, assert.AnError
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.release:
		return json.RawMessage(`{"done":true}`), nil
	}
}

type agentHarness struct {
	agent   *Agent
	coord   *fakeCoordinator
	sub     *fakeSubscriber
	exec    *blockingExecutor
	state   *StateMachine
	metrics *observability.Metrics
	cancel  context.CancelFunc
	done    chan error
}

func startAgent(t *testing.T) *agentHarness {
	t.Helper()
	cfg := config.AgentConfig{
		NodeID:            testNodeID,
		Hostname:          "a.local",
		HeartbeatInterval: 20 * time.Millisecond,
		ExecutorTimeout:   5 * time.Second,
	}
	h := &agentHarness{
		coord:   &fakeCoordinator{},
		sub:     &fakeSubscriber{},
		exec:    newBlockingExecutor(),
		state:   NewStateMachine(errors.RealClock{}, 20*time.Millisecond),
		metrics: observability.NewMetrics(),
		done:    make(chan error, 1),
	}
	h.agent = NewAgent(cfg, h.coord, h.sub, fakeCapabilities{}, h.exec, h.state, errors.RealClock{}, h.metrics, errors.NewErrorCollector(errors.RealClock{}))

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.agent.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Error("agent did not stop")
		}
	})

	require.Eventually(t, h.agent.IsReady, time.Second, 5*time.Millisecond)
	return h
}

func (h *agentHarness) assign(t *testing.T, workID string, attempt int, payload string) {
	t.Helper()
	h.sub.deliver(t, bus.WorkAssigned(testNodeID), model.Assignment{
		WorkID:   workID,
		Attempt:  attempt,
		WorkType: "inference",
		Payload:  json.RawMessage(payload),
	})
}

func (h *agentHarness) waitStarted(t *testing.T, workID string) {
	t.Helper()
	select {
	case got := <-h.exec.started:
		require.Equal(t, workID, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("execution of %s did not start", workID)
	}
}

func TestAgent_AnnouncesAndHeartbeats(t *testing.T) {
	h := startAgent(t)

	assert.Equal(t, StateRunning, h.state.State())
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.ServiceState.WithLabelValues(string(StateRunning))))
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.ServiceState.WithLabelValues(string(StateBackoff))))
	require.Eventually(t, func() bool {
		_, hbs, _, _, _ := h.coord.snapshot()
		return hbs >= 2
	}, 2*time.Second, 5*time.Millisecond)

	h.coord.mu.Lock()
	hb := h.coord.heartbeats[0]
	h.coord.mu.Unlock()
	assert.Equal(t, testNodeID, hb.NodeID)
	require.NotNil(t, hb.AvailableRAMMB)
	assert.Equal(t, int64(30000), *hb.AvailableRAMMB)
	assert.InDelta(t, 37.0, hb.GPUUtilization[0], 0.001)
}

func TestAgent_UnknownHeartbeatReannounces(t *testing.T) {
	h := startAgent(t)

	h.coord.unknown.Store(true)
	require.Eventually(t, func() bool {
		announces, _, _, _, _ := h.coord.snapshot()
		return announces >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAgent_ReannounceRequest(t *testing.T) {
	h := startAgent(t)

	h.sub.deliver(t, bus.NodeReannounce(testNodeID), map[string]string{"reason": "purged"})
	require.Eventually(t, func() bool {
		announces, _, _, _, _ := h.coord.snapshot()
		return announces >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAgent_CompletesAndReportsAttempt(t *testing.T) {
	h := startAgent(t)

	h.assign(t, "w-1", 3, `{"prompt":"hi"}`)
	h.waitStarted(t, "w-1")
	assert.Equal(t, 1, h.agent.Running())
	close(h.exec.release)

	require.Eventually(t, func() bool {
		_, _, _, completed, _ := h.coord.snapshot()
		return len(completed) == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, _, _, completed, failed := h.coord.snapshot()
	assert.Empty(t, failed)
	assert.Equal(t, "w-1", completed[0].WorkID)
	assert.Equal(t, testNodeID, completed[0].NodeID)
	assert.Equal(t, 3, completed[0].Attempt)
	assert.JSONEq(t, `{"done":true}`, string(completed[0].Result))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.AgentExecutions.WithLabelValues("completed")))
	assert.Zero(t, h.agent.Running())
}

func TestAgent_ExecutorFailureReported(t *testing.T) {
	h := startAgent(t)

	h.assign(t, "w-2", 1, `{"fail":true}`)
	require.Eventually(t, func() bool {
		_, _, _, _, failed := h.coord.snapshot()
		return len(failed) == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, _, _, _, failed := h.coord.snapshot()
	assert.Equal(t, 1, failed[0].Attempt)
	assert.Equal(t, assert.AnError.Error(), failed[0].Error)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.AgentExecutions.WithLabelValues("failed")))
}

func TestAgent_DuplicateAssignmentIgnored(t *testing.T) {
	h := startAgent(t)

	h.assign(t, "w-3", 1, `{}`)
	h.waitStarted(t, "w-3")
	h.assign(t, "w-3", 1, `{}`)

	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.AgentExecutions.WithLabelValues("duplicate")))
	assert.Equal(t, 1, h.agent.Running())
	select {
	case id := <-h.exec.started:
		t.Fatalf("duplicate started a second execution of %s", id)
	default:
	}
}

func TestAgent_FinishedAttemptNotRerun(t *testing.T) {
	h := startAgent(t)

	h.assign(t, "w-4", 1, `{"fail":true}`)
	h.waitStarted(t, "w-4")
	require.Eventually(t, func() bool {
		_, _, _, _, failed := h.coord.snapshot()
		return len(failed) == 1
	}, 2*time.Second, 5*time.Millisecond)

	h.assign(t, "w-4", 1, `{"fail":true}`)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.AgentExecutions.WithLabelValues("duplicate")))

	// A retry with a higher attempt number runs.
	h.assign(t, "w-4", 2, `{"fail":true}`)
	h.waitStarted(t, "w-4")
}

func TestAgent_MalformedAssignmentDropped(t *testing.T) {
	h := startAgent(t)

	h.assign(t, "", 1, `{}`)
	h.assign(t, "w-5", 0, `{}`)
	assert.Zero(t, h.agent.Running())
}

func TestAgent_RevocationCancelsWithoutReport(t *testing.T) {
	h := startAgent(t)

	h.assign(t, "w-6", 2, `{}`)
	h.waitStarted(t, "w-6")

	// A revocation for another attempt is ignored.
	h.sub.deliver(t, bus.WorkRevoked(testNodeID), model.Revocation{WorkID: "w-6", Attempt: 1, Reason: "stale"})
	assert.Equal(t, 1, h.agent.Running())

	h.sub.deliver(t, bus.WorkRevoked(testNodeID), model.Revocation{WorkID: "w-6", Attempt: 2, Reason: "cancelled"})
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.AgentExecutions.WithLabelValues("revoked")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, _, _, completed, failed := h.coord.snapshot()
	assert.Empty(t, completed)
	assert.Empty(t, failed)
	assert.False(t, h.agent.revoke(model.Revocation{WorkID: "w-6"}), "nothing left to revoke")
}

func TestAgent_RejectsWorkWhileDraining(t *testing.T) {
	h := startAgent(t)

	h.state.SetMemoryPressure(true)
	h.assign(t, "w-7", 1, `{}`)

	require.Eventually(t, func() bool {
		_, _, _, _, failed := h.coord.snapshot()
		return len(failed) == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, _, _, _, failed := h.coord.snapshot()
	assert.Contains(t, failed[0].Error, "not accepting work")
	assert.Contains(t, failed[0].Error, "host memory pressure")
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.AgentExecutions.WithLabelValues("rejected")))
	assert.Zero(t, h.agent.Running())
}

func TestAgent_ShutdownFailsInFlightAndDeparts(t *testing.T) {
	h := startAgent(t)

	h.assign(t, "w-8", 1, `{}`)
	h.waitStarted(t, "w-8")

	h.cancel()
	select {
	case err := <-h.done:
		assert.ErrorIs(t, err, context.Canceled)
		h.done <- err
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
	}

	_, _, departs, completed, failed := h.coord.snapshot()
	assert.Equal(t, 1, departs)
	assert.Empty(t, completed)
	require.Len(t, failed, 1)
	assert.Equal(t, "node shutting down", failed[0].Error)
	assert.False(t, h.agent.IsReady())
	assert.Equal(t, StateStopped, h.state.State())
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.ServiceState.WithLabelValues(string(StateStopped))))

	// Assignments after shutdown are ignored.
	h.agent.accept(model.Assignment{WorkID: "w-9", Attempt: 1})
	assert.Zero(t, h.agent.Running())
}
