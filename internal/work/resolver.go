package work

import (
	"strings"

	"github.com/kubeadapt/kubeadapt-mesh/pkg/model"
)

// RequirementsResolver derives placement requirements for work submitted
// without explicit ones.
type RequirementsResolver interface {
	Resolve(workType, modelName string) model.Requirements
}

// StaticResolver maps configured GPU work types and per-model memory
// footprints onto requirements. Everything else is CPU work.
type StaticResolver struct {
	gpuTypes   map[string]struct{}
	footprints map[string]int64
}

// NewStaticResolver builds a resolver. Work type matching is case-insensitive.
func NewStaticResolver(gpuWorkTypes []string, footprints map[string]int64) *StaticResolver {
	r := &StaticResolver{
		gpuTypes:   make(map[string]struct{}, len(gpuWorkTypes)),
		footprints: make(map[string]int64, len(footprints)),
	}
	for _, t := range gpuWorkTypes {
		r.gpuTypes[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	for m, mb := range footprints {
		r.footprints[m] = mb
	}
	return r
}

func (r *StaticResolver) Resolve(workType, modelName string) model.Requirements {
	if _, ok := r.gpuTypes[strings.ToLower(workType)]; !ok {
		return model.Requirements{MinTier: model.TierCPUOnly}
	}
	req := model.Requirements{RequiresGPU: true, MinTier: model.TierEntryGPU}
	if mb := r.footprints[modelName]; mb > 0 {
		req.GPUCount = 1
		req.MBPerGPU = mb
	}
	return req
}
