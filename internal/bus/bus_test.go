package bus

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubeadapt/kubeadapt-mesh/internal/config"
	"github.com/kubeadapt/kubeadapt-mesh/internal/errors"
	"github.com/kubeadapt/kubeadapt-mesh/internal/observability"
)

func testBusConfig() config.BusConfig {
	return config.BusConfig{
		Driver:               "memory",
		SubjectPrefix:        "mesh",
		RequestTimeout:       time.Second,
		CompressionThreshold: 256,
		CompressionLevel:     2,
	}
}

// newPair returns two buses sharing one in-process transport, like two
// processes on one broker.
func newPair(t *testing.T) (*Bus, *Bus, *observability.Metrics) {
	t.Helper()
	tr := NewMemoryTransport()
	m := observability.NewMetrics()
	a, err := New(tr, testBusConfig(), "a", m)
	require.NoError(t, err)
	b, err := New(tr, testBusConfig(), "b", m)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b, m
}

type ping struct {
	N    int    `json:"n"`
	Text string `json:"text,omitempty"`
}

func TestPublishSubscribe_PrefixAndGlob(t *testing.T) {
	a, b, m := newPair(t)

	got := make(chan *Message, 4)
	_, err := b.Subscribe("work.assigned.*.v1", func(_ context.Context, msg *Message) { got <- msg })
	require.NoError(t, err)

	require.NoError(t, a.Publish(context.Background(), WorkAssigned("node-1"), ping{N: 1}))
	require.NoError(t, a.Publish(context.Background(), WorkRevoked("node-1"), ping{N: 2}))

	select {
	case msg := <-got:
		assert.Equal(t, "work.assigned.node-1.v1", msg.Subject, "handlers see relative subjects")
		var p ping
		require.NoError(t, msg.Decode(&p))
		assert.Equal(t, 1, p.N)
		assert.NotEmpty(t, msg.ID)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
	select {
	case msg := <-got:
		t.Fatalf("unexpected delivery on %s", msg.Subject)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BusMessages.WithLabelValues("in", "work")))
}

func TestSubscribe_StopEndsDelivery(t *testing.T) {
	a, b, _ := newPair(t)

	var mu sync.Mutex
	count := 0
	stop, err := b.Subscribe(NodeHeartbeat, func(context.Context, *Message) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, a.Publish(context.Background(), NodeHeartbeat, ping{}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, 5*time.Millisecond)

	stop()
	stop()
	require.NoError(t, a.Publish(context.Background(), NodeHeartbeat, ping{}))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, count)
	mu.Unlock()
}

func TestPerSubscriberOrdering(t *testing.T) {
	a, b, _ := newPair(t)

	var mu sync.Mutex
	var seen []int
	_, err := b.Subscribe(NodeHeartbeat, func(_ context.Context, msg *Message) {
		var p ping
		_ = msg.Decode(&p)
		mu.Lock()
		seen = append(seen, p.N)
		mu.Unlock()
	})
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		require.NoError(t, a.Publish(context.Background(), NodeHeartbeat, ping{N: i}))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 100
	}, time.Second, 5*time.Millisecond)
	for i, n := range seen {
		assert.Equal(t, i, n)
	}
}

func echo(t *testing.T, server *Bus, subject string, fn func(p ping) (any, error)) {
	t.Helper()
	_, err := server.Subscribe(subject, func(ctx context.Context, msg *Message) {
		var p ping
		if err := msg.Decode(&p); err != nil {
			_ = server.Respond(ctx, msg, nil, err)
			return
		}
		data, err := fn(p)
		_ = server.Respond(ctx, msg, data, err)
	})
	require.NoError(t, err)
}

func TestCall_ReplyData(t *testing.T) {
	client, server, _ := newPair(t)
	echo(t, server, NodeGet, func(p ping) (any, error) { return ping{N: p.N * 2}, nil })

	var out ping
	require.NoError(t, client.Call(context.Background(), NodeGet, ping{N: 21}, &out))
	assert.Equal(t, 42, out.N)
}

func TestCall_TypedErrorSurvivesHop(t *testing.T) {
	client, server, _ := newPair(t)
	echo(t, server, GPUReserve, func(ping) (any, error) {
		return nil, errors.New(errors.CodeInsufficientCapacity, "gpu 0: 0 MB free")
	})

	err := client.Call(context.Background(), GPUReserve, ping{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInsufficientCapacity)
	assert.Contains(t, err.Error(), "0 MB free")
}

func TestCall_ConcurrentRequestsCorrelate(t *testing.T) {
	client, server, _ := newPair(t)
	echo(t, server, NodeGet, func(p ping) (any, error) { return p, nil })

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var out ping
			assert.NoError(t, client.Call(context.Background(), NodeGet, ping{N: i}, &out))
			assert.Equal(t, i, out.N)
		}(i)
	}
	wg.Wait()
}

func TestRequest_TimeoutIsUnknownOutcome(t *testing.T) {
	client, _, m := newPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.Request(ctx, WorkSubmit, ping{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNodeUnreachable)
	assert.Contains(t, err.Error(), "unknown outcome")
	assert.Equal(t, 1, testutil.CollectAndCount(m.BusRequestDuration))
}

func TestRespond_WithoutReplyToIsNoop(t *testing.T) {
	a, _, _ := newPair(t)
	assert.NoError(t, a.Respond(context.Background(), &Message{Subject: NodeAnnounce}, ping{}, nil))
}

func TestLargePayloadsAreCompressed(t *testing.T) {
	client, server, m := newPair(t)
	big := strings.Repeat("tensor ", 2000)
	echo(t, server, PlanRequest, func(p ping) (any, error) { return p, nil })

	var out ping
	require.NoError(t, client.Call(context.Background(), PlanRequest, ping{Text: big}, &out))
	assert.Equal(t, big, out.Text)
	assert.Greater(t, testutil.ToFloat64(m.CompressionRatio), 1.0)
}

func TestUndecodableMessagesReported(t *testing.T) {
	tr := NewMemoryTransport()
	b, err := New(tr, testBusConfig(), "a", observability.NewMetrics())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	ec := errors.NewErrorCollector(errors.RealClock{})
	b.SetErrorCollector(ec)

	_, err = b.Subscribe(NodeAnnounce, func(context.Context, *Message) {
		t.Error("undecodable message delivered")
	})
	require.NoError(t, err)

	hasCode := func(code errors.Code) bool {
		for _, e := range ec.GetActiveErrors() {
			if e.Code == code && e.Component == "bus" {
				return true
			}
		}
		return false
	}

	ctx := context.Background()
	require.NoError(t, tr.Send(ctx, "mesh."+NodeAnnounce, []byte("{not json")))
	require.Eventually(t, func() bool { return hasCode(errors.ErrDecodeFailed) }, time.Second, 5*time.Millisecond)

	require.NoError(t, tr.Send(ctx, "mesh."+NodeAnnounce, append(append([]byte{}, zstdMagic...), 0x00, 0x01)))
	require.Eventually(t, func() bool { return hasCode(errors.ErrCompressionFailed) }, time.Second, 5*time.Millisecond)
}

func TestClosedBusRejectsPublish(t *testing.T) {
	a, _, _ := newPair(t)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	err := a.Publish(context.Background(), NodeAnnounce, ping{})
	assert.ErrorIs(t, err, errors.ErrNodeUnreachable)
	_, err = a.Subscribe(NodeAnnounce, func(context.Context, *Message) {})
	assert.Error(t, err)
}

func TestOpen_UnknownDriver(t *testing.T) {
	cfg := testBusConfig()
	cfg.Driver = "carrier-pigeon"
	_, err := Open(context.Background(), cfg, "x", observability.NewMetrics())
	assert.Error(t, err)
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "node.reannounce.n1.v1", NodeReannounce("n1"))
	assert.Equal(t, "work.assigned.n1.v1", WorkAssigned("n1"))
	assert.Equal(t, "work.revoked.n1.v1", WorkRevoked("n1"))
	assert.Equal(t, "health.registry.v1", Health("registry"))
	assert.Equal(t, "gpu", domain(GPUReserve))
}
