package nodeagent

import (
	"log/slog"
	"sync"
	"time"

	"github.com/kubeadapt/kubeadapt-mesh/pkg/model"
)

// MemoryReader abstracts host RAM reading for testability.
type MemoryReader interface {
	Memory() (model.MemoryInfo, error)
}

// MemoryPressureMonitor polls host RAM at a regular interval and invokes a
// callback when the used fraction crosses threshold, and again when it
// drops back below it.
type MemoryPressureMonitor struct {
	threshold float64 // 0.95 = 95% used
	callback  func(pressure bool)
	interval  time.Duration
	reader    MemoryReader
	stopOnce  sync.Once
	stopCh    chan struct{}

	mu       sync.Mutex
	pressure bool
}

// NewMemoryPressureMonitor creates a monitor over reader. A threshold
// outside (0, 1) disables it.
func NewMemoryPressureMonitor(threshold float64, callback func(bool), interval time.Duration, reader MemoryReader) *MemoryPressureMonitor {
	return &MemoryPressureMonitor{
		threshold: threshold,
		callback:  callback,
		interval:  interval,
		reader:    reader,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the background polling goroutine.
func (m *MemoryPressureMonitor) Start() {
	go m.run()
}

func (m *MemoryPressureMonitor) run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Poll()
		}
	}
}

// Poll checks once and fires the callback on a transition.
func (m *MemoryPressureMonitor) Poll() {
	on := m.check()

	m.mu.Lock()
	changed := on != m.pressure
	m.pressure = on
	m.mu.Unlock()

	if !changed {
		return
	}
	if on {
		slog.Warn("host memory pressure detected, draining")
	} else {
		slog.Info("host memory pressure cleared")
	}
	m.callback(on)
}

// check returns true if used RAM exceeds the threshold.
func (m *MemoryPressureMonitor) check() bool {
	if m.threshold <= 0 || m.threshold >= 1 {
		return false
	}
	mem, err := m.reader.Memory()
	if err != nil || mem.TotalMB <= 0 {
		return false
	}
	used := float64(mem.TotalMB-mem.AvailableMB) / float64(mem.TotalMB)
	return used > m.threshold
}

// Stop halts the background polling goroutine. Safe to call multiple times.
func (m *MemoryPressureMonitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}
