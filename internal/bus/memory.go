package bus

import (
	"context"
	"fmt"
	"path"
	"sync"
	"sync/atomic"
)

const memoryBuffer = 1024

type memorySub struct {
	pattern string
	ch      chan memoryDelivery
	done    chan struct{}
	once    sync.Once
}

type memoryDelivery struct {
	subject string
	data    []byte
}

// MemoryTransport delivers in-process. Each subscription has its own
// buffered channel and goroutine, so delivery order is preserved per
// subscriber and a slow handler never blocks another.
type MemoryTransport struct {
	mu     sync.RWMutex
	subs   map[*memorySub]struct{}
	closed atomic.Bool
}

// NewMemoryTransport creates an empty in-process transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{subs: make(map[*memorySub]struct{})}
}

func (m *MemoryTransport) Send(ctx context.Context, subject string, data []byte) error {
	if m.closed.Load() {
		return fmt.Errorf("memory transport closed")
	}
	m.mu.RLock()
	var targets []*memorySub
	for s := range m.subs {
		if ok, _ := path.Match(s.pattern, subject); ok {
			targets = append(targets, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.ch <- memoryDelivery{subject: subject, data: data}:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *MemoryTransport) Listen(pattern string, fn func(subject string, data []byte)) (func(), error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	if m.closed.Load() {
		return nil, fmt.Errorf("memory transport closed")
	}
	s := &memorySub{
		pattern: pattern,
		ch:      make(chan memoryDelivery, memoryBuffer),
		done:    make(chan struct{}),
	}
	m.mu.Lock()
	m.subs[s] = struct{}{}
	m.mu.Unlock()

	go func() {
		for {
			select {
			case <-s.done:
				return
			case d := <-s.ch:
				fn(d.subject, d.data)
			}
		}
	}()

	return func() { m.remove(s) }, nil
}

func (m *MemoryTransport) remove(s *memorySub) {
	s.once.Do(func() {
		m.mu.Lock()
		delete(m.subs, s)
		m.mu.Unlock()
		close(s.done)
	})
}

func (m *MemoryTransport) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.mu.RLock()
	subs := make([]*memorySub, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.RUnlock()
	for _, s := range subs {
		m.remove(s)
	}
	return nil
}
