package model

import (
	"errors"
	"fmt"
	"time"
)

// CPUInfo describes a node's processors.
type CPUInfo struct {
	Model        string  `json:"model,omitempty"`
	Cores        int     `json:"cores"`
	FrequencyMHz float64 `json:"frequency_mhz,omitempty"`
}

// MemoryInfo describes host RAM in MiB.
type MemoryInfo struct {
	TotalMB     int64 `json:"total_mb"`
	AvailableMB int64 `json:"available_mb"`
}

// GPUDevice is one accelerator as declared by the node.
type GPUDevice struct {
	Index              int     `json:"index"`
	ModelName          string  `json:"model_name"`
	TotalMB            int64   `json:"total_mb"`
	ComputeCapability  string  `json:"compute_capability,omitempty"`
	UtilizationPercent float64 `json:"utilization_percent"`
	// Interconnect names the intra-node link class (e.g. "nvlink", "pcie").
	Interconnect string `json:"interconnect,omitempty"`
}

// FastInterconnect reports whether the device sits on a high-bandwidth peer link.
func (g GPUDevice) FastInterconnect() bool {
	switch g.Interconnect {
	case "nvlink", "nvswitch", "infinity-fabric", "xgmi":
		return true
	}
	return false
}

// NodeDescriptor is what a node announces about itself.
type NodeDescriptor struct {
	ID       string            `json:"id"`
	Hostname string            `json:"hostname"`
	Tier     Tier              `json:"tier"`
	CPU      CPUInfo           `json:"cpu"`
	Memory   MemoryInfo        `json:"memory"`
	GPUs     []GPUDevice       `json:"gpus"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// Validate checks the fields the registry needs to key and rank the node.
func (d NodeDescriptor) Validate() error {
	if d.ID == "" {
		return errors.New("node id is required")
	}
	if d.Hostname == "" {
		return errors.New("hostname is required")
	}
	if !d.Tier.Valid() {
		return fmt.Errorf("invalid tier %d", int(d.Tier))
	}
	seen := make(map[int]struct{}, len(d.GPUs))
	for _, g := range d.GPUs {
		if g.Index < 0 {
			return fmt.Errorf("gpu index %d is negative", g.Index)
		}
		if _, dup := seen[g.Index]; dup {
			return fmt.Errorf("duplicate gpu index %d", g.Index)
		}
		seen[g.Index] = struct{}{}
		if g.TotalMB <= 0 {
			return fmt.Errorf("gpu %d: total memory must be positive", g.Index)
		}
	}
	return nil
}

// GPU returns the device with the given index.
func (d NodeDescriptor) GPU(index int) (GPUDevice, bool) {
	for _, g := range d.GPUs {
		if g.Index == index {
			return g, true
		}
	}
	return GPUDevice{}, false
}

// Node is the registry's view of a node: the last descriptor plus liveness.
type Node struct {
	NodeDescriptor
	AnnouncedAt   time.Time  `json:"announced_at"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	Online        bool       `json:"online"`
	OfflineSince  *time.Time `json:"offline_since,omitempty"`
}

// HasGPU reports whether the node declares at least one accelerator.
func (n Node) HasGPU() bool {
	return len(n.GPUs) > 0
}

// MeanGPUUtilization averages the reported utilization across devices.
// CPU-only nodes report zero.
func (n Node) MeanGPUUtilization() float64 {
	if len(n.GPUs) == 0 {
		return 0
	}
	var sum float64
	for _, g := range n.GPUs {
		sum += g.UtilizationPercent
	}
	return sum / float64(len(n.GPUs))
}

// Clone returns a deep copy so snapshots never alias registry state.
func (n Node) Clone() Node {
	out := n
	out.GPUs = append([]GPUDevice(nil), n.GPUs...)
	if n.Labels != nil {
		out.Labels = make(map[string]string, len(n.Labels))
		for k, v := range n.Labels {
			out.Labels[k] = v
		}
	}
	if n.OfflineSince != nil {
		t := *n.OfflineSince
		out.OfflineSince = &t
	}
	return out
}

// Heartbeat is the periodic liveness signal from a node. Optional fields
// are applied only when present.
type Heartbeat struct {
	NodeID         string          `json:"node_id"`
	Timestamp      time.Time       `json:"timestamp"`
	AvailableRAMMB *int64          `json:"available_ram_mb,omitempty"`
	GPUUtilization map[int]float64 `json:"gpu_utilization,omitempty"`
}

// NodeFilter selects nodes in a registry query. The zero value matches every node.
type NodeFilter struct {
	RequiresGPU bool `json:"requires_gpu"`
	MinTier     Tier `json:"min_tier"`
	OnlineOnly  bool `json:"online_only"`
}

// Matches reports whether n passes the filter. Liveness is evaluated by the caller.
func (f NodeFilter) Matches(n Node, online bool) bool {
	if f.RequiresGPU && !n.HasGPU() {
		return false
	}
	if n.Tier < f.MinTier {
		return false
	}
	if f.OnlineOnly && !online {
		return false
	}
	return true
}
