package nodeagent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubeadapt/kubeadapt-mesh/pkg/model"
)

const meminfo = `MemTotal:       65843420 kB
MemFree:         1204312 kB
MemAvailable:   33554432 kB
Buffers:          210944 kB
Cached:         30123456 kB
SwapTotal:             0 kB
SwapFree:              0 kB
`

// fakeProc writes a minimal procfs tree and returns its root.
func fakeProc(t *testing.T, meminfoText string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "meminfo"), []byte(meminfoText), 0o644))
	return dir
}

func TestProber_Memory(t *testing.T) {
	p, err := NewProber(fakeProc(t, meminfo), "", "pcie", nil)
	require.NoError(t, err)

	mem, err := p.Memory()
	require.NoError(t, err)
	assert.Equal(t, int64(65843420/1024), mem.TotalMB)
	assert.Equal(t, int64(32768), mem.AvailableMB)
}

func TestProber_MemoryFallsBackToMemFree(t *testing.T) {
	p, err := NewProber(fakeProc(t, "MemTotal: 2097152 kB\nMemFree: 1048576 kB\n"), "", "", nil)
	require.NoError(t, err)

	mem, err := p.Memory()
	require.NoError(t, err)
	assert.Equal(t, int64(1024), mem.AvailableMB)
}

func TestProber_MissingProcfs(t *testing.T) {
	_, err := NewProber(filepath.Join(t.TempDir(), "absent"), "", "", nil)
	assert.Error(t, err)
}

func TestProber_DescribeStatic(t *testing.T) {
	static := []model.GPUDevice{
		{Index: 0, ModelName: "RTX 4090", TotalMB: 24576},
		{Index: 1, ModelName: "RTX 4090", TotalMB: 24576, Interconnect: "nvlink"},
	}
	p, err := NewProber(fakeProc(t, meminfo), "", "pcie", static)
	require.NoError(t, err)

	desc, err := p.Describe(context.Background(), "node-a", "a.local", "", map[string]string{"zone": "lab"})
	require.NoError(t, err)
	assert.Equal(t, "node-a", desc.ID)
	assert.Equal(t, model.TierMidGPU, desc.Tier)
	assert.Equal(t, runtime.NumCPU(), desc.CPU.Cores)
	require.Len(t, desc.GPUs, 2)
	assert.Equal(t, "pcie", desc.GPUs[0].Interconnect)
	assert.Equal(t, "nvlink", desc.GPUs[1].Interconnect, "declared interconnect is kept")
	assert.Empty(t, static[0].Interconnect, "static inventory is not mutated")

	desc, err = p.Describe(context.Background(), "node-a", "a.local", "top-gpu", nil)
	require.NoError(t, err)
	assert.Equal(t, model.TierTopGPU, desc.Tier)

	_, err = p.Describe(context.Background(), "node-a", "a.local", "quantum", nil)
	assert.Error(t, err)
}

func TestProber_GPUsFromDCGM(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(dcgmTwoGPUs))
	}))
	defer srv.Close()

	p, err := NewProber(fakeProc(t, meminfo), srv.URL, "nvlink", nil)
	require.NoError(t, err)

	gpus, err := p.GPUs(context.Background())
	require.NoError(t, err)
	require.Len(t, gpus, 2)
	assert.True(t, gpus[0].FastInterconnect())

	desc, err := p.Describe(context.Background(), "gpu-node-1", "gpu-node-1", "", nil)
	require.NoError(t, err)
	assert.Equal(t, model.TierTopGPU, desc.Tier)
}
