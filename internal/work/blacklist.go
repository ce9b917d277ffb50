package work

import (
	"log/slog"
	"sync"
	"time"

	"github.com/kubeadapt/kubeadapt-mesh/internal/store"
)

// BlacklistPolicy controls when a node is benched and for how long.
type BlacklistPolicy struct {
	Threshold    int
	BaseCooldown time.Duration
	MaxCooldown  time.Duration
}

type blacklistEntry struct {
	mu       sync.Mutex
	failures int
	trips    int
	cooldown time.Duration
	until    time.Time
}

// Blacklist tracks consecutive failures per node. Each node's counter is
// locked on its own.
type Blacklist struct {
	policy  BlacklistPolicy
	entries *store.TypedStore[*blacklistEntry]
}

// NewBlacklist creates an empty Blacklist.
func NewBlacklist(policy BlacklistPolicy) *Blacklist {
	if policy.Threshold < 1 {
		policy.Threshold = 1
	}
	return &Blacklist{policy: policy, entries: store.NewTypedStore[*blacklistEntry]()}
}

// Failure counts a failure against nodeID. It returns true when the failure
// tripped a cool-down.
func (b *Blacklist) Failure(nodeID string, now time.Time) bool {
	e, _ := b.entries.GetOrCreate(nodeID, func() *blacklistEntry { return &blacklistEntry{} })
	e.mu.Lock()
	defer e.mu.Unlock()

	e.failures++
	if e.failures < b.policy.Threshold {
		return false
	}
	e.failures = 0
	e.trips++
	e.cooldown = b.cooldownFor(e.trips)
	e.until = now.Add(e.cooldown)
	slog.Warn("node blacklisted",
		"node_id", nodeID, "trips", e.trips, "cooldown", e.cooldown, "until", e.until)
	return true
}

// Success clears the node's counter and cool-down.
func (b *Blacklist) Success(nodeID string) {
	e, ok := b.entries.Get(nodeID)
	if !ok {
		return
	}
	e.mu.Lock()
	e.failures, e.trips, e.cooldown, e.until = 0, 0, 0, time.Time{}
	e.mu.Unlock()
}

// Blocked reports whether nodeID is inside an active cool-down.
func (b *Blacklist) Blocked(nodeID string, now time.Time) bool {
	e, ok := b.entries.Get(nodeID)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return now.Before(e.until)
}

// Cooldown returns the length of the node's latest cool-down, zero after a
// success or before the first trip.
func (b *Blacklist) Cooldown(nodeID string) time.Duration {
	e, ok := b.entries.Get(nodeID)
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cooldown
}

// Failures returns the node's consecutive failures since its last trip.
func (b *Blacklist) Failures(nodeID string) int {
	e, ok := b.entries.Get(nodeID)
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures
}

// BlockedCount returns the number of nodes currently cooling down.
func (b *Blacklist) BlockedCount(now time.Time) int {
	n := 0
	for _, id := range b.entries.Keys() {
		if b.Blocked(id, now) {
			n++
		}
	}
	return n
}

// cooldownFor doubles the base per trip up to the cap.
func (b *Blacklist) cooldownFor(trips int) time.Duration {
	return geometric(b.policy.BaseCooldown, b.policy.MaxCooldown, trips)
}

// geometric returns min(base*2^(n-1), max) for n >= 1.
func geometric(base, max time.Duration, n int) time.Duration {
	if n < 1 || base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < n; i++ {
		if max > 0 && d >= max {
			break
		}
		d *= 2
	}
	if max > 0 && d > max {
		d = max
	}
	return d
}
