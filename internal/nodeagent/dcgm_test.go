package nodeagent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dcgmTwoGPUs = `# HELP DCGM_FI_DEV_GPU_UTIL GPU utilization (in %).
# TYPE DCGM_FI_DEV_GPU_UTIL gauge
DCGM_FI_DEV_GPU_UTIL{gpu="0",UUID="GPU-abc123",device="nvidia0",modelName="NVIDIA A100-SXM4-80GB",Hostname="gpu-node-1",container="main",namespace="default",pod="myapp-xyz"} 42
DCGM_FI_DEV_GPU_UTIL{gpu="1",UUID="GPU-def456",device="nvidia1",modelName="NVIDIA A100-SXM4-80GB",Hostname="gpu-node-1",container="",namespace="",pod=""} 15
# HELP DCGM_FI_DEV_FB_USED Framebuffer memory used (in MiB).
# TYPE DCGM_FI_DEV_FB_USED gauge
DCGM_FI_DEV_FB_USED{gpu="0",UUID="GPU-abc123",modelName="NVIDIA A100-SXM4-80GB"} 32000
DCGM_FI_DEV_FB_USED{gpu="1",UUID="GPU-def456",modelName="NVIDIA A100-SXM4-80GB"} 1024
# HELP DCGM_FI_DEV_FB_FREE Framebuffer memory free (in MiB).
# TYPE DCGM_FI_DEV_FB_FREE gauge
DCGM_FI_DEV_FB_FREE{gpu="0",UUID="GPU-abc123",modelName="NVIDIA A100-SXM4-80GB"} 49920
DCGM_FI_DEV_FB_FREE{gpu="1",UUID="GPU-def456",modelName="NVIDIA A100-SXM4-80GB"} 80896
# HELP DCGM_FI_DEV_FB_TOTAL Total framebuffer memory (in MiB).
# TYPE DCGM_FI_DEV_FB_TOTAL gauge
DCGM_FI_DEV_FB_TOTAL{gpu="1",UUID="GPU-def456",modelName="NVIDIA A100-SXM4-80GB"} 81920
# HELP DCGM_FI_DEV_GPU_TEMP GPU temperature (in C).
# TYPE DCGM_FI_DEV_GPU_TEMP gauge
DCGM_FI_DEV_GPU_TEMP{gpu="0",UUID="GPU-abc123"} 65
`

func TestParseDCGM_TwoGPUs(t *testing.T) {
	gpus := ParseDCGM([]byte(dcgmTwoGPUs))
	require.Len(t, gpus, 2)

	assert.Equal(t, 0, gpus[0].Index)
	assert.Equal(t, "NVIDIA A100-SXM4-80GB", gpus[0].ModelName)
	assert.Equal(t, int64(81920), gpus[0].TotalMB, "total derived from used + free")
	assert.InDelta(t, 42.0, gpus[0].UtilizationPercent, 0.001)

	assert.Equal(t, 1, gpus[1].Index)
	assert.Equal(t, int64(81920), gpus[1].TotalMB)
	assert.InDelta(t, 15.0, gpus[1].UtilizationPercent, 0.001)
}

func TestParseDCGM_ProfilingUtilizationWins(t *testing.T) {
	for name, text := range map[string]string{
		"prof first": `DCGM_FI_PROF_GR_ENGINE_ACTIVE{gpu="0"} 0.75
DCGM_FI_DEV_GPU_UTIL{gpu="0"} 10
DCGM_FI_DEV_FB_TOTAL{gpu="0"} 24576
`,
		"prof last": `DCGM_FI_DEV_GPU_UTIL{gpu="0"} 10
DCGM_FI_PROF_GR_ENGINE_ACTIVE{gpu="0"} 0.75
DCGM_FI_DEV_FB_TOTAL{gpu="0"} 24576
`,
	} {
		t.Run(name, func(t *testing.T) {
			gpus := ParseDCGM([]byte(text))
			require.Len(t, gpus, 1)
			assert.InDelta(t, 75.0, gpus[0].UtilizationPercent, 0.001)
		})
	}
}

func TestParseDCGM_SkipsSentinelsAndUnsized(t *testing.T) {
	text := `DCGM_FI_DEV_GPU_UTIL{gpu="0"} 1.8446744073709552e+19
DCGM_FI_DEV_FB_TOTAL{gpu="0"} 16384
DCGM_FI_DEV_GPU_UTIL{gpu="1"} 50
DCGM_FI_DEV_GPU_UTIL 99
garbage line
DCGM_FI_DEV_FB_TOTAL{gpu="x"} 100
`
	gpus := ParseDCGM([]byte(text))
	require.Len(t, gpus, 1, "gpu 1 has no memory total and is dropped")
	assert.Equal(t, 0, gpus[0].Index)
	assert.Zero(t, gpus[0].UtilizationPercent)
}

func TestParseLabels_Escapes(t *testing.T) {
	labels := parseLabels(`gpu="0",modelName="A \"quoted\" name",path="C:\\x"`)
	assert.Equal(t, "0", labels["gpu"])
	assert.Equal(t, `A "quoted" name`, labels["modelName"])
	assert.Equal(t, `C:\x`, labels["path"])
}

func TestScrapeDCGM(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/metrics" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(dcgmTwoGPUs))
	}))
	defer srv.Close()

	for _, endpoint := range []string{srv.URL, srv.URL + "/", srv.URL + "/metrics"} {
		body, err := scrapeDCGM(context.Background(), srv.Client(), endpoint)
		require.NoError(t, err, endpoint)
		assert.Contains(t, string(body), "DCGM_FI_DEV_GPU_UTIL")
	}

	_, err := scrapeDCGM(context.Background(), srv.Client(), srv.URL+"/other")
	assert.ErrorContains(t, err, "unexpected status 404")
}
