package kube

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	fakeclientset "k8s.io/client-go/kubernetes/fake"

	"github.com/kubeadapt/kubeadapt-mesh/internal/errors"
	"github.com/kubeadapt/kubeadapt-mesh/internal/observability"
	"github.com/kubeadapt/kubeadapt-mesh/pkg/model"
)

const (
	waitTimeout      = 5 * time.Second
	pollInterval     = 20 * time.Millisecond
	testResyncPeriod = 0
)

// fakeRegistry records the calls discovery makes.
type fakeRegistry struct {
	mu         sync.Mutex
	nodes      map[string]model.NodeDescriptor
	announces  int
	heartbeats int
	departed   []string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{nodes: make(map[string]model.NodeDescriptor)}
}

func (f *fakeRegistry) Announce(d model.NodeDescriptor) (model.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[d.ID] = d
	f.announces++
	return model.Node{NodeDescriptor: d, Online: true}, nil
}

func (f *fakeRegistry) Heartbeat(hb model.Heartbeat) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	_, ok := f.nodes[hb.NodeID]
	return ok
}

func (f *fakeRegistry) Depart(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[id]; !ok {
		return errors.NotFound("node", id)
	}
	delete(f.nodes, id)
	f.departed = append(f.departed, id)
	return nil
}

func (f *fakeRegistry) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.nodes[id]
	return ok
}

func (f *fakeRegistry) purge(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.nodes, id)
}

func (f *fakeRegistry) counts() (announces, heartbeats int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.announces, f.heartbeats
}

type sourceEnv struct {
	ctx     context.Context
	client  *fakeclientset.Clientset
	reg     *fakeRegistry
	metrics *observability.Metrics
	ec      *errors.ErrorCollector
	src     *NodeSource
}

func startSource(t *testing.T) *sourceEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	env := &sourceEnv{
		ctx:     ctx,
		client:  fakeclientset.NewSimpleClientset(),
		reg:     newFakeRegistry(),
		metrics: observability.NewMetrics(),
		ec:      errors.NewErrorCollector(errors.RealClock{}),
	}
	env.src = NewNodeSource(env.client, env.reg, errors.RealClock{}, env.metrics, env.ec, testResyncPeriod)
	require.NoError(t, env.src.Start(ctx))
	require.NoError(t, env.src.WaitForSync(ctx))
	t.Cleanup(func() {
		env.src.Stop()
		cancel()
	})
	return env
}

func TestNodeSource_AddUpdateDelete(t *testing.T) {
	env := startSource(t)
	nodes := env.client.CoreV1().Nodes()

	node := newNode("gpu-1", h100Labels(), "2", true)
	_, err := nodes.Create(env.ctx, node, metav1.CreateOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return env.reg.has("gpu-1") }, waitTimeout, pollInterval)
	assert.Equal(t, 1, env.src.Known())

	// Unchanged hardware only refreshes liveness.
	node.Annotations = map[string]string{"touched": "1"}
	_, err = nodes.Update(env.ctx, node, metav1.UpdateOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, hb := env.reg.counts()
		return hb >= 1
	}, waitTimeout, pollInterval)
	announces, _ := env.reg.counts()
	assert.Equal(t, 1, announces)

	// NotReady departs.
	node.Status.Conditions[0].Status = corev1.ConditionFalse
	_, err = nodes.Update(env.ctx, node, metav1.UpdateOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !env.reg.has("gpu-1") }, waitTimeout, pollInterval)
	assert.Equal(t, 0, env.src.Known())

	// Ready again re-announces; delete departs.
	node.Status.Conditions[0].Status = corev1.ConditionTrue
	_, err = nodes.Update(env.ctx, node, metav1.UpdateOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return env.reg.has("gpu-1") }, waitTimeout, pollInterval)

	require.NoError(t, nodes.Delete(env.ctx, "gpu-1", metav1.DeleteOptions{}))
	require.Eventually(t, func() bool { return !env.reg.has("gpu-1") }, waitTimeout, pollInterval)

	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.InformerEventsTotal.WithLabelValues("add")))
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.InformerEventsTotal.WithLabelValues("delete")))
}

func TestNodeSource_HardwareChangeReannounces(t *testing.T) {
	env := startSource(t)
	nodes := env.client.CoreV1().Nodes()

	node := newNode("gpu-1", h100Labels(), "2", true)
	_, err := nodes.Create(env.ctx, node, metav1.CreateOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return env.reg.has("gpu-1") }, waitTimeout, pollInterval)

	node.Status.Capacity[resourceGPU] = resource.MustParse("4")
	_, err = nodes.Update(env.ctx, node, metav1.UpdateOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		a, _ := env.reg.counts()
		return a == 2
	}, waitTimeout, pollInterval)
}

func TestNodeSource_SkipsAgentManagedAndInvalid(t *testing.T) {
	env := startSource(t)
	nodes := env.client.CoreV1().Nodes()

	_, err := nodes.Create(env.ctx, newNode("agent-1", map[string]string{LabelAgent: "true"}, "", true), metav1.CreateOptions{})
	require.NoError(t, err)
	broken := h100Labels()
	delete(broken, labelGPUMemory)
	_, err = nodes.Create(env.ctx, newNode("broken-1", broken, "1", true), metav1.CreateOptions{})
	require.NoError(t, err)
	_, err = nodes.Create(env.ctx, newNode("cpu-1", nil, "", true), metav1.CreateOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return env.reg.has("cpu-1") }, waitTimeout, pollInterval)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(env.metrics.InformerEventsTotal.WithLabelValues("add")) == 3
	}, waitTimeout, pollInterval)
	assert.False(t, env.reg.has("agent-1"))
	assert.False(t, env.reg.has("broken-1"))

	var codes []errors.Code
	for _, e := range env.ec.GetActiveErrors() {
		codes = append(codes, e.Code)
	}
	assert.Contains(t, codes, errors.ErrDiscoveryFailed)
}

func TestNodeSource_HeartbeatAllReannouncesPurged(t *testing.T) {
	env := startSource(t)
	_, err := env.client.CoreV1().Nodes().Create(env.ctx, newNode("cpu-1", nil, "", true), metav1.CreateOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return env.reg.has("cpu-1") }, waitTimeout, pollInterval)

	env.src.HeartbeatAll()
	assert.True(t, env.reg.has("cpu-1"))

	env.reg.purge("cpu-1")
	env.src.HeartbeatAll()
	assert.True(t, env.reg.has("cpu-1"), "purged node is announced again")
}

func TestNodeSource_RunStopsOnCancel(t *testing.T) {
	env := startSource(t)
	ctx, cancel := context.WithCancel(env.ctx)
	done := make(chan error, 1)
	go func() { done <- env.src.Run(ctx, 10*time.Millisecond) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return")
	}
}
