package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTransport uses Redis pub/sub. Patterns map onto PSUBSCRIBE globs.
type RedisTransport struct {
	client *redis.Client
}

// NewRedisTransport connects to url and verifies the connection.
func NewRedisTransport(ctx context.Context, url string) (*RedisTransport, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisTransport{client: client}, nil
}

func (r *RedisTransport) Send(ctx context.Context, subject string, data []byte) error {
	return r.client.Publish(ctx, subject, data).Err()
}

func (r *RedisTransport) Listen(pattern string, fn func(subject string, data []byte)) (func(), error) {
	ctx := context.Background()
	ps := r.client.PSubscribe(ctx, pattern)
	// Wait for the subscription to be confirmed so publishes right after
	// Listen returns are not missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("psubscribe %s: %w", pattern, err)
	}

	go func() {
		for msg := range ps.Channel() {
			fn(msg.Channel, []byte(msg.Payload))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := ps.Close(); err != nil {
				slog.Debug("redis subscription close", "pattern", pattern, "error", err)
			}
		})
	}, nil
}

func (r *RedisTransport) Close() error {
	return r.client.Close()
}
