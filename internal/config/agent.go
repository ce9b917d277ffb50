package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kubeadapt/kubeadapt-mesh/pkg/model"
)

// AgentConfig holds node agent configuration values.
type AgentConfig struct {
	NodeID   string // MESH_NODE_ID, default: hostname
	Hostname string
	Tier     string // MESH_NODE_TIER; empty derives from detected GPUs
	Labels   map[string]string

	Bus BusConfig

	HeartbeatInterval time.Duration
	ProcPath          string // MESH_PROC_PATH, procfs mount point

	DCGMEndpoint    string // MESH_DCGM_ENDPOINT, e.g. http://localhost:9400/metrics
	GPUInterconnect string // MESH_GPU_INTERCONNECT, "nvlink", "pcie", ...
	StaticGPUs      []model.GPUDevice

	ExecutorURL     string
	ExecutorToken   string
	ExecutorTimeout time.Duration

	// MemoryPressureThreshold is the used-RAM fraction above which the
	// agent stops accepting work. 0 disables the check.
	MemoryPressureThreshold float64

	HealthPort     int
	DebugEndpoints bool
}

// LoadAgent reads node agent configuration from environment variables.
func LoadAgent() AgentConfig {
	host, _ := os.Hostname()
	cfg := AgentConfig{
		Hostname: envOrDefault("MESH_NODE_HOSTNAME", host),
		Tier:     os.Getenv("MESH_NODE_TIER"),
		Labels:   parseKeyValues("MESH_NODE_LABELS"),
		Bus:      loadBus(),

		HeartbeatInterval: parseDuration("MESH_HEARTBEAT_INTERVAL", 10*time.Second),
		ProcPath:          envOrDefault("MESH_PROC_PATH", "/proc"),

		DCGMEndpoint:    os.Getenv("MESH_DCGM_ENDPOINT"),
		GPUInterconnect: envOrDefault("MESH_GPU_INTERCONNECT", "pcie"),
		StaticGPUs:      parseGPUs("MESH_NODE_GPUS"),

		ExecutorURL:     os.Getenv("MESH_EXECUTOR_URL"),
		ExecutorToken:   os.Getenv("MESH_EXECUTOR_TOKEN"),
		ExecutorTimeout: parseDuration("MESH_EXECUTOR_TIMEOUT", 10*time.Minute),

		MemoryPressureThreshold: parseFloat("MESH_MEMORY_PRESSURE_THRESHOLD", 0.95),

		HealthPort:     parseInt("MESH_HEALTH_PORT", 8080),
		DebugEndpoints: parseBool("MESH_DEBUG_ENDPOINTS", false),
	}
	cfg.NodeID = envOrDefault("MESH_NODE_ID", cfg.Hostname)
	return cfg
}

// parseGPUs reads a static inventory "index:model:totalMB[:capability],..."
// for hosts without a dcgm-exporter. Malformed entries are skipped.
func parseGPUs(key string) []model.GPUDevice {
	var out []model.GPUDevice
	for _, item := range parseStringSlice(key) {
		parts := strings.Split(item, ":")
		if len(parts) < 3 {
			continue
		}
		idx, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		mb, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			continue
		}
		g := model.GPUDevice{Index: idx, ModelName: parts[1], TotalMB: mb}
		if len(parts) > 3 {
			g.ComputeCapability = parts[3]
		}
		out = append(out, g)
	}
	return out
}

func parseFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}
