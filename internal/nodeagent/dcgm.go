package nodeagent

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kubeadapt/kubeadapt-mesh/pkg/model"
)

const (
	scrapeTimeout = 5 * time.Second

	// sentinelThreshold is the threshold above which DCGM metric values are
	// treated as "blank" sentinel values (~1.8e19) and rejected.
	sentinelThreshold = 1e15
)

const (
	metricProfGrEngineActive = "DCGM_FI_PROF_GR_ENGINE_ACTIVE"
	metricDevGPUUtil         = "DCGM_FI_DEV_GPU_UTIL"
	metricDevFBUsed          = "DCGM_FI_DEV_FB_USED"
	metricDevFBFree          = "DCGM_FI_DEV_FB_FREE"
	metricDevFBTotal         = "DCGM_FI_DEV_FB_TOTAL"
)

// dcgmDevice accumulates samples for one physical GPU. Frame-buffer values
// are in MiB as dcgm-exporter reports them.
type dcgmDevice struct {
	index     int
	modelName string
	util      *float64
	profUtil  bool
	usedMB    *float64
	freeMB    *float64
	totalMB   *float64
}

type sample struct {
	name   string
	labels map[string]string
	value  float64
}

// ParseDCGM parses Prometheus exposition text from dcgm-exporter into GPU
// devices ordered by index. MIG instances share their parent's gpu label
// and are folded into it.
func ParseDCGM(data []byte) []model.GPUDevice {
	devices := make(map[int]*dcgmDevice)

	for _, s := range parseText(data) {
		idx, err := strconv.Atoi(s.labels["gpu"])
		if err != nil || isSentinel(s.value) {
			continue
		}
		d, ok := devices[idx]
		if !ok {
			d = &dcgmDevice{index: idx, modelName: s.labels["modelName"]}
			devices[idx] = d
		}
		v := s.value

		switch s.name {
		case metricProfGrEngineActive:
			pct := v * 100
			d.util = &pct
			d.profUtil = true
		case metricDevGPUUtil:
			if !d.profUtil {
				d.util = &v
			}
		case metricDevFBUsed:
			d.usedMB = &v
		case metricDevFBFree:
			d.freeMB = &v
		case metricDevFBTotal:
			d.totalMB = &v
		}
	}

	out := make([]model.GPUDevice, 0, len(devices))
	for _, d := range devices {
		total := int64(0)
		switch {
		case d.totalMB != nil:
			total = int64(*d.totalMB)
		case d.usedMB != nil && d.freeMB != nil:
			total = int64(*d.usedMB + *d.freeMB)
		}
		if total <= 0 {
			continue
		}
		g := model.GPUDevice{Index: d.index, ModelName: d.modelName, TotalMB: total}
		if d.util != nil {
			g.UtilizationPercent = *d.util
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// parseText parses Prometheus exposition text line-by-line.
func parseText(data []byte) []sample {
	var samples []sample
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		if s, ok := parseSampleLine(line); ok {
			samples = append(samples, s)
		}
	}
	return samples
}

// parseSampleLine parses a single Prometheus metric line:
//
//	metric_name{label1="val1",label2="val2"} value [timestamp]
func parseSampleLine(line string) (sample, bool) {
	var s sample

	braceStart := strings.IndexByte(line, '{')
	if braceStart < 0 {
		parts := strings.Fields(line)
		if len(parts) < 2 {
			return s, false
		}
		v, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return s, false
		}
		s.name, s.value = parts[0], v
		return s, true
	}

	braceEnd := strings.LastIndexByte(line, '}')
	if braceEnd <= braceStart {
		return s, false
	}
	s.name = line[:braceStart]
	s.labels = parseLabels(line[braceStart+1 : braceEnd])

	parts := strings.Fields(line[braceEnd+1:])
	if len(parts) == 0 {
		return s, false
	}
	v, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return s, false
	}
	s.value = v
	return s, true
}

// parseLabels parses `k1="v1",k2="v2"`, honouring escapes inside values.
func parseLabels(s string) map[string]string {
	labels := make(map[string]string)
	for len(s) > 0 {
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			break
		}
		key := strings.TrimSpace(s[:eq])
		s = s[eq+1:]
		if len(s) == 0 || s[0] != '"' {
			break
		}
		s = s[1:]

		var val strings.Builder
		i := 0
		for i < len(s) {
			if s[i] == '\\' && i+1 < len(s) {
				switch s[i+1] {
				case '"':
					val.WriteByte('"')
				case '\\':
					val.WriteByte('\\')
				case 'n':
					val.WriteByte('\n')
				default:
					val.WriteByte('\\')
					val.WriteByte(s[i+1])
				}
				i += 2
				continue
			}
			if s[i] == '"' {
				break
			}
			val.WriteByte(s[i])
			i++
		}
		labels[key] = val.String()

		if i < len(s) {
			s = s[i+1:]
		} else {
			s = ""
		}
		s = strings.TrimPrefix(s, ",")
	}
	return labels
}

func isSentinel(v float64) bool {
	return v > sentinelThreshold
}

// scrapeDCGM fetches exposition text from a dcgm-exporter. A base URL gets
// "/metrics" appended.
func scrapeDCGM(ctx context.Context, client *http.Client, endpoint string) ([]byte, error) {
	url := strings.TrimRight(endpoint, "/")
	if !strings.HasSuffix(url, "/metrics") {
		url += "/metrics"
	}

	ctx, cancel := context.WithTimeout(ctx, scrapeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request for %s: %w", url, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scraping %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", url, err)
	}
	return body, nil
}
