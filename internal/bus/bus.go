// Package bus is the capability transport: versioned subjects over a
// publish/subscribe backend, with request/reply built on a shared inbox.
package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kubeadapt/kubeadapt-mesh/internal/config"
	"github.com/kubeadapt/kubeadapt-mesh/internal/errors"
	"github.com/kubeadapt/kubeadapt-mesh/internal/observability"
)

// Transport moves raw bytes between processes. Subjects and patterns are
// absolute (prefixed). Patterns use glob syntax.
type Transport interface {
	Send(ctx context.Context, subject string, data []byte) error
	Listen(pattern string, fn func(subject string, data []byte)) (stop func(), err error)
	Close() error
}

// Bus adds envelopes, compression, subject prefixing and request/reply on
// top of a Transport.
type Bus struct {
	t       Transport
	codec   *Codec
	prefix  string
	timeout time.Duration
	metrics *observability.Metrics
	ec      *errors.ErrorCollector

	ctx    context.Context
	cancel context.CancelFunc

	inbox     string
	inboxOnce sync.Once
	inboxErr  error

	mu      sync.Mutex
	pending map[string]chan *Message
	stops   []func()

	closed atomic.Bool
}

// New wraps t. instanceID names this process's reply inbox.
func New(t Transport, cfg config.BusConfig, instanceID string, metrics *observability.Metrics) (*Bus, error) {
	codec, err := NewCodec(cfg.CompressionThreshold, cfg.CompressionLevel, metrics)
	if err != nil {
		return nil, err
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		t:       t,
		codec:   codec,
		prefix:  strings.TrimSuffix(cfg.SubjectPrefix, "."),
		timeout: timeout,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
		inbox:   inboxPrefix + instanceID,
		pending: make(map[string]chan *Message),
	}, nil
}

// Open builds a Bus on the configured driver.
func Open(ctx context.Context, cfg config.BusConfig, instanceID string, metrics *observability.Metrics) (*Bus, error) {
	var t Transport
	switch cfg.Driver {
	case "memory":
		t = NewMemoryTransport()
	case "redis":
		rt, err := NewRedisTransport(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		t = rt
	default:
		return nil, fmt.Errorf("bus: unknown driver %q", cfg.Driver)
	}
	b, err := New(t, cfg, instanceID, metrics)
	if err != nil {
		_ = t.Close()
		return nil, err
	}
	slog.Info("bus opened", "driver", cfg.Driver, "prefix", b.prefix, "inbox", b.inbox)
	return b, nil
}

func (b *Bus) abs(subject string) string {
	if b.prefix == "" {
		return subject
	}
	return b.prefix + "." + subject
}

func (b *Bus) rel(subject string) string {
	if b.prefix == "" {
		return subject
	}
	return strings.TrimPrefix(subject, b.prefix+".")
}

// Publish sends payload on subject.
func (b *Bus) Publish(ctx context.Context, subject string, payload any) error {
	msg, err := NewMessage(subject, payload)
	if err != nil {
		return err
	}
	return b.PublishMessage(ctx, msg)
}

// PublishMessage sends a prepared envelope. Delivery failures surface as
// NodeUnreachable.
func (b *Bus) PublishMessage(ctx context.Context, msg *Message) error {
	if b.closed.Load() {
		return errors.New(errors.CodeNodeUnreachable, "bus closed")
	}
	data, err := b.codec.Encode(msg)
	if err != nil {
		return err
	}
	if err := b.t.Send(ctx, b.abs(msg.Subject), data); err != nil {
		return errors.Wrap(errors.CodeNodeUnreachable, err, "publish %s", msg.Subject)
	}
	b.metrics.BusMessages.WithLabelValues("out", domain(msg.Subject)).Inc()
	b.metrics.BusPayloadBytes.WithLabelValues("out").Observe(float64(len(data)))
	return nil
}

// SetErrorCollector reports undecodable inbound messages to ec.
// Call before Subscribe.
func (b *Bus) SetErrorCollector(ec *errors.ErrorCollector) {
	b.ec = ec
}

// Subscribe delivers messages whose subject matches pattern to h. The
// returned func cancels the subscription.
func (b *Bus) Subscribe(pattern string, h Handler) (func(), error) {
	if b.closed.Load() {
		return nil, errors.New(errors.CodeNodeUnreachable, "bus closed")
	}
	stop, err := b.t.Listen(b.abs(pattern), func(subject string, data []byte) {
		msg, err := b.codec.Decode(data)
		if err != nil {
			code := errors.ErrDecodeFailed
			if bytes.HasPrefix(data, zstdMagic) {
				code = errors.ErrCompressionFailed
			}
			b.ec.ReportErr(code, "bus", err)
			slog.Warn("dropping undecodable bus message", "subject", subject, "error", err)
			return
		}
		msg.Subject = b.rel(subject)
		b.metrics.BusMessages.WithLabelValues("in", domain(msg.Subject)).Inc()
		b.metrics.BusPayloadBytes.WithLabelValues("in").Observe(float64(len(data)))
		h(b.ctx, msg)
	})
	if err != nil {
		return nil, errors.Wrap(errors.CodeNodeUnreachable, err, "subscribe %s", pattern)
	}
	b.mu.Lock()
	b.stops = append(b.stops, stop)
	b.mu.Unlock()
	return stop, nil
}

func (b *Bus) ensureInbox() error {
	b.inboxOnce.Do(func() {
		_, b.inboxErr = b.Subscribe(b.inbox, func(_ context.Context, msg *Message) {
			b.mu.Lock()
			ch, ok := b.pending[msg.CorrelationID]
			if ok {
				delete(b.pending, msg.CorrelationID)
			}
			b.mu.Unlock()
			if !ok {
				slog.Debug("late or unknown reply dropped", "correlation_id", msg.CorrelationID)
				return
			}
			ch <- msg
		})
	})
	return b.inboxErr
}

// Request sends payload and waits for the reply message. Without a
// deadline on ctx the configured request timeout applies. A timeout means
// the outcome is unknown, not that the request failed.
func (b *Bus) Request(ctx context.Context, subject string, payload any) (*Message, error) {
	start := time.Now()
	reply, err := b.request(ctx, subject, payload)
	outcome := "ok"
	switch {
	case err == nil:
	case errors.CodeOf(err) == errors.CodeNodeUnreachable:
		outcome = "unreachable"
	default:
		outcome = "error"
	}
	b.metrics.BusRequestDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return reply, err
}

func (b *Bus) request(ctx context.Context, subject string, payload any) (*Message, error) {
	if err := b.ensureInbox(); err != nil {
		return nil, err
	}
	msg, err := NewMessage(subject, payload)
	if err != nil {
		return nil, err
	}
	msg.ReplyTo = b.inbox

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	ch := make(chan *Message, 1)
	b.mu.Lock()
	b.pending[msg.ID] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, msg.ID)
		b.mu.Unlock()
	}()

	if err := b.PublishMessage(ctx, msg); err != nil {
		return nil, err
	}
	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return nil, errors.UnknownOutcome(subject, ctx.Err())
	case <-b.ctx.Done():
		return nil, errors.UnknownOutcome(subject, b.ctx.Err())
	}
}

// Call performs a request and decodes the reply data into out, which may
// be nil. Remote typed errors are returned with their original code.
func (b *Bus) Call(ctx context.Context, subject string, in, out any) error {
	msg, err := b.Request(ctx, subject, in)
	if err != nil {
		return err
	}
	var reply Reply
	if err := json.Unmarshal(msg.Payload, &reply); err != nil {
		return errors.Wrap(errors.CodeInternal, err, "decode reply on %s", subject)
	}
	if err := reply.Err(); err != nil {
		return err
	}
	if out == nil || len(reply.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(reply.Data, out); err != nil {
		return errors.Wrap(errors.CodeInternal, err, "decode reply data on %s", subject)
	}
	return nil
}

// Respond answers req with data or err. Messages without a reply subject
// are ignored.
func (b *Bus) Respond(ctx context.Context, req *Message, data any, err error) error {
	if req.ReplyTo == "" {
		return nil
	}
	reply, rErr := NewReply(data, err)
	if rErr != nil {
		reply, _ = NewReply(nil, errors.Wrap(errors.CodeInternal, rErr, "respond"))
	}
	msg, mErr := NewMessage(req.ReplyTo, reply)
	if mErr != nil {
		return mErr
	}
	msg.CorrelationID = req.ID
	return b.PublishMessage(ctx, msg)
}

// Close cancels every subscription and the transport.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.cancel()
	b.mu.Lock()
	stops := b.stops
	b.stops = nil
	b.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
	b.codec.Close()
	return b.t.Close()
}
