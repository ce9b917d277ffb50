package model

import (
	"fmt"
	"strings"
)

// Tier is a node's declared hardware class. Higher values rank first.
type Tier int

const (
	TierCPUOnly Tier = iota
	TierEntryGPU
	TierMidGPU
	TierTopGPU
)

var tierNames = [...]string{
	TierCPUOnly:  "cpu-only",
	TierEntryGPU: "entry-gpu",
	TierMidGPU:   "mid-gpu",
	TierTopGPU:   "top-gpu",
}

// String returns the wire name of the tier.
func (t Tier) String() string {
	if !t.Valid() {
		return fmt.Sprintf("tier(%d)", int(t))
	}
	return tierNames[t]
}

// Valid reports whether t is one of the declared tiers.
func (t Tier) Valid() bool {
	return t >= TierCPUOnly && t <= TierTopGPU
}

// ParseTier accepts the wire name (case-insensitive) of a tier.
func ParseTier(s string) (Tier, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range tierNames {
		if name == s {
			return Tier(i), nil
		}
	}
	return TierCPUOnly, fmt.Errorf("unknown tier %q", s)
}

// MarshalText encodes the tier by name so JSON payloads stay readable.
func (t Tier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid tier %d", int(t))
	}
	return []byte(tierNames[t]), nil
}

// UnmarshalText decodes a tier name.
func (t *Tier) UnmarshalText(b []byte) error {
	v, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Per-device memory thresholds used when a node does not declare its tier.
const (
	topTierMinMB = 65536
	midTierMinMB = 20480
)

// InferTier derives a tier from the smallest device on the node so that a
// mixed node never ranks above its weakest GPU.
func InferTier(gpus []GPUDevice) Tier {
	if len(gpus) == 0 {
		return TierCPUOnly
	}
	smallest := gpus[0].TotalMB
	for _, g := range gpus[1:] {
		if g.TotalMB < smallest {
			smallest = g.TotalMB
		}
	}
	switch {
	case smallest >= topTierMinMB:
		return TierTopGPU
	case smallest >= midTierMinMB:
		return TierMidGPU
	default:
		return TierEntryGPU
	}
}
