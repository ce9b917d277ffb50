package model

import (
	"errors"
	"fmt"
	"time"
)

// GPUClaim is the amount of memory a reservation holds on one device.
type GPUClaim struct {
	Index int   `json:"index"`
	MB    int64 `json:"mb"`
}

// Reservation is a time-bounded lease on GPU memory of a single node.
type Reservation struct {
	ID                     string     `json:"id"`
	NodeID                 string     `json:"node_id"`
	GPUs                   []GPUClaim `json:"gpus"`
	Owner                  string     `json:"owner,omitempty"`
	TTLSeconds             int        `json:"ttl_seconds"`
	CreatedAt              time.Time  `json:"created_at"`
	ExpiresAt              time.Time  `json:"expires_at"`
	PreferFastInterconnect bool       `json:"prefer_fast_interconnect,omitempty"`
}

// TotalMB sums the claim across devices.
func (r Reservation) TotalMB() int64 {
	var sum int64
	for _, g := range r.GPUs {
		sum += g.MB
	}
	return sum
}

// GPUIndices lists the claimed device indices in claim order.
func (r Reservation) GPUIndices() []int {
	out := make([]int, len(r.GPUs))
	for i, g := range r.GPUs {
		out[i] = g.Index
	}
	return out
}

// ReserveRequest asks for memory on a set of GPUs of one node. Exactly one
// of MBPerGPU or TotalMB is set; TotalMB is split evenly, rounded up.
type ReserveRequest struct {
	NodeID                 string `json:"node_id"`
	GPUIndices             []int  `json:"gpu_indices"`
	MBPerGPU               int64  `json:"mb_per_gpu,omitempty"`
	TotalMB                int64  `json:"total_mb,omitempty"`
	TTLSeconds             int    `json:"ttl_seconds,omitempty"`
	PreferFastInterconnect bool   `json:"prefer_fast_interconnect,omitempty"`
	Owner                  string `json:"owner,omitempty"`
}

// PerGPU validates the sizing fields and returns the per-device amount.
func (r ReserveRequest) PerGPU() (int64, error) {
	if r.NodeID == "" {
		return 0, errors.New("node id is required")
	}
	if len(r.GPUIndices) == 0 {
		return 0, errors.New("at least one gpu index is required")
	}
	seen := make(map[int]struct{}, len(r.GPUIndices))
	for _, idx := range r.GPUIndices {
		if _, dup := seen[idx]; dup {
			return 0, fmt.Errorf("duplicate gpu index %d", idx)
		}
		seen[idx] = struct{}{}
	}
	if r.TTLSeconds < 0 {
		return 0, errors.New("ttl must not be negative")
	}
	switch {
	case r.MBPerGPU > 0 && r.TotalMB > 0:
		return 0, errors.New("set either mb_per_gpu or total_mb, not both")
	case r.MBPerGPU > 0:
		return r.MBPerGPU, nil
	case r.TotalMB > 0:
		n := int64(len(r.GPUIndices))
		return (r.TotalMB + n - 1) / n, nil
	default:
		return 0, errors.New("requested memory must be positive")
	}
}

// FitRequest is a read-only placement query.
type FitRequest struct {
	RequiredMB             int64    `json:"required_mb"`
	GPUCount               int      `json:"gpu_count"`
	PreferFastInterconnect bool     `json:"prefer_fast_interconnect,omitempty"`
	MinTier                Tier     `json:"min_tier"`
	ExcludeNodes           []string `json:"exclude_nodes,omitempty"`
}

// Validate rejects requests that can never be satisfied.
func (r FitRequest) Validate() error {
	if r.RequiredMB <= 0 {
		return errors.New("required_mb must be positive")
	}
	if r.GPUCount <= 0 {
		return errors.New("gpu_count must be positive")
	}
	return nil
}

// Candidate is the best placement found for a FitRequest.
type Candidate struct {
	NodeID           string  `json:"node_id"`
	Tier             Tier    `json:"tier"`
	GPUIndices       []int   `json:"gpu_indices"`
	FreeMB           []int64 `json:"free_mb"`
	FastInterconnect bool    `json:"fast_interconnect"`
}

// GPULedgerEntry is a point-in-time view of one device's accounting.
type GPULedgerEntry struct {
	Index        int      `json:"index"`
	TotalMB      int64    `json:"total_mb"`
	ReservedMB   int64    `json:"reserved_mb"`
	FreeMB       int64    `json:"free_mb"`
	PendingTotal *int64   `json:"pending_total_mb,omitempty"`
	Reservations []string `json:"reservations"`
}

// RAMRisk is the OOM prediction for a node.
type RAMRisk struct {
	NodeID        string     `json:"node_id"`
	AtRisk        bool       `json:"at_risk"`
	Reason        string     `json:"reason,omitempty"`
	Samples       int        `json:"samples"`
	LatestMB      int64      `json:"latest_mb"`
	SlopeMBPerSec float64    `json:"slope_mb_per_sec"`
	CrossingAt    *time.Time `json:"crossing_at,omitempty"`
}
