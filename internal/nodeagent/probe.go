package nodeagent

import (
	"context"
	"fmt"
	"net/http"
	"runtime"

	"github.com/prometheus/procfs"

	"github.com/kubeadapt/kubeadapt-mesh/pkg/model"
)

// Prober reads the node's capabilities: host RAM and CPU from procfs and GPU
// inventory from a dcgm-exporter, falling back to a static inventory.
type Prober struct {
	fs           procfs.FS
	dcgm         string
	client       *http.Client
	interconnect string
	static       []model.GPUDevice
}

// NewProber creates a Prober reading procfs at procPath. dcgmEndpoint may be
// empty, in which case static is the GPU inventory.
func NewProber(procPath, dcgmEndpoint, interconnect string, static []model.GPUDevice) (*Prober, error) {
	fs, err := procfs.NewFS(procPath)
	if err != nil {
		return nil, fmt.Errorf("nodeagent: open procfs %s: %w", procPath, err)
	}
	return &Prober{
		fs:           fs,
		dcgm:         dcgmEndpoint,
		client:       &http.Client{Timeout: scrapeTimeout},
		interconnect: interconnect,
		static:       static,
	}, nil
}

// Memory returns host RAM in MiB.
func (p *Prober) Memory() (model.MemoryInfo, error) {
	mi, err := p.fs.Meminfo()
	if err != nil {
		return model.MemoryInfo{}, fmt.Errorf("nodeagent: read meminfo: %w", err)
	}
	if mi.MemTotal == nil {
		return model.MemoryInfo{}, fmt.Errorf("nodeagent: meminfo has no MemTotal")
	}
	info := model.MemoryInfo{TotalMB: int64(*mi.MemTotal / 1024)}
	switch {
	case mi.MemAvailable != nil:
		info.AvailableMB = int64(*mi.MemAvailable / 1024)
	case mi.MemFree != nil:
		// Kernels before 3.14 do not report MemAvailable.
		info.AvailableMB = int64(*mi.MemFree / 1024)
	}
	return info, nil
}

// CPU returns the logical core count available to this process.
func (p *Prober) CPU() model.CPUInfo {
	return model.CPUInfo{Cores: runtime.NumCPU()}
}

// GPUs returns the device inventory with current utilization.
func (p *Prober) GPUs(ctx context.Context) ([]model.GPUDevice, error) {
	if p.dcgm == "" {
		return p.withInterconnect(append([]model.GPUDevice(nil), p.static...)), nil
	}
	body, err := scrapeDCGM(ctx, p.client, p.dcgm)
	if err != nil {
		return nil, err
	}
	return p.withInterconnect(ParseDCGM(body)), nil
}

func (p *Prober) withInterconnect(gpus []model.GPUDevice) []model.GPUDevice {
	for i := range gpus {
		if gpus[i].Interconnect == "" {
			gpus[i].Interconnect = p.interconnect
		}
	}
	return gpus
}

// Describe builds the descriptor announced for this node. An empty tier is
// derived from the detected GPUs.
func (p *Prober) Describe(ctx context.Context, nodeID, hostname, tier string, labels map[string]string) (model.NodeDescriptor, error) {
	mem, err := p.Memory()
	if err != nil {
		return model.NodeDescriptor{}, err
	}
	gpus, err := p.GPUs(ctx)
	if err != nil {
		return model.NodeDescriptor{}, err
	}

	desc := model.NodeDescriptor{
		ID:       nodeID,
		Hostname: hostname,
		Tier:     model.InferTier(gpus),
		CPU:      p.CPU(),
		Memory:   mem,
		GPUs:     gpus,
		Labels:   labels,
	}
	if tier != "" {
		t, err := model.ParseTier(tier)
		if err != nil {
			return model.NodeDescriptor{}, err
		}
		desc.Tier = t
	}
	return desc, desc.Validate()
}
