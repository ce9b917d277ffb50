package model

import "time"

// Strategy is the parallelism layout chosen for a model.
type Strategy string

const (
	StrategySingleDevice     Strategy = "single-device"
	StrategyTensorParallel   Strategy = "tensor-parallel"
	StrategyPipelineParallel Strategy = "pipeline-parallel"
	StrategyHybrid           Strategy = "hybrid"
)

// PlanRequest asks for a layout for a model of the given footprint.
type PlanRequest struct {
	Model                  string `json:"model"`
	FootprintMB            int64  `json:"footprint_mb"`
	MinDevices             int    `json:"min_devices,omitempty"`
	PreferFastInterconnect bool   `json:"prefer_fast_interconnect,omitempty"`
}

// Stage is one pipeline stage: a node and the devices it contributes.
// Non-pipelined strategies have exactly one stage.
type Stage struct {
	NodeID     string `json:"node_id"`
	GPUIndices []int  `json:"gpu_indices"`
}

// Plan is an advisory layout. It holds no reservation. When hybrid stages
// differ in width, TensorParallel is the widest stage.
type Plan struct {
	ID               string    `json:"id"`
	Model            string    `json:"model"`
	Strategy         Strategy  `json:"strategy"`
	FootprintMB      int64     `json:"footprint_mb"`
	DeviceCount      int       `json:"device_count"`
	TensorParallel   int       `json:"tensor_parallel"`
	PipelineParallel int       `json:"pipeline_parallel"`
	PerDeviceMB      int64     `json:"per_device_mb"`
	Stages           []Stage   `json:"stages"`
	CreatedAt        time.Time `json:"created_at"`
}

// NodeIDs lists the target nodes in stage order.
func (p Plan) NodeIDs() []string {
	out := make([]string, len(p.Stages))
	for i, s := range p.Stages {
		out[i] = s.NodeID
	}
	return out
}

// ReserveRequests returns one reservation request per stage sized by the
// plan's per-device share.
func (p Plan) ReserveRequests(ttlSeconds int, owner string) []ReserveRequest {
	out := make([]ReserveRequest, len(p.Stages))
	for i, s := range p.Stages {
		out[i] = ReserveRequest{
			NodeID:     s.NodeID,
			GPUIndices: append([]int(nil), s.GPUIndices...),
			MBPerGPU:   p.PerDeviceMB,
			TTLSeconds: ttlSeconds,
			Owner:      owner,
		}
	}
	return out
}
