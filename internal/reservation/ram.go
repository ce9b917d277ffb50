package reservation

import (
	"sync"
	"time"

	"github.com/kubeadapt/kubeadapt-mesh/pkg/model"
)

type ramSample struct {
	at time.Time
	mb int64
}

// ramSeries is a bounded window of available-RAM samples for one node.
type ramSeries struct {
	mu      sync.Mutex
	samples []ramSample // oldest first, len <= window
	risk    model.RAMRisk
}

// add appends s unless it is not strictly newer than the last sample.
func (r *ramSeries) add(s ramSample, window int) bool {
	if n := len(r.samples); n > 0 && !s.at.After(r.samples[n-1].at) {
		return false
	}
	r.samples = append(r.samples, s)
	if len(r.samples) > window {
		r.samples = append(r.samples[:0], r.samples[len(r.samples)-window:]...)
	}
	return true
}

// slope fits available MB against time by least squares and returns MB per
// second. ok is false with fewer than three samples.
func (r *ramSeries) slope() (float64, bool) {
	n := len(r.samples)
	if n < 3 {
		return 0, false
	}
	origin := r.samples[0].at
	var sumX, sumY float64
	for _, s := range r.samples {
		sumX += s.at.Sub(origin).Seconds()
		sumY += float64(s.mb)
	}
	meanX, meanY := sumX/float64(n), sumY/float64(n)

	var num, den float64
	for _, s := range r.samples {
		dx := s.at.Sub(origin).Seconds() - meanX
		num += dx * (float64(s.mb) - meanY)
		den += dx * dx
	}
	if den == 0 {
		return 0, false
	}
	return num / den, true
}

// evaluate recomputes the risk from the current window.
func (r *ramSeries) evaluate(nodeID string, lowWaterMB int64, lookahead time.Duration) model.RAMRisk {
	latest := r.samples[len(r.samples)-1]
	risk := model.RAMRisk{
		NodeID:   nodeID,
		Samples:  len(r.samples),
		LatestMB: latest.mb,
	}

	slope, ok := r.slope()
	if ok {
		risk.SlopeMBPerSec = slope
	}

	if latest.mb < lowWaterMB {
		risk.AtRisk = true
		risk.Reason = "available RAM below low-water mark"
		return risk
	}
	if !ok || slope >= 0 {
		return risk
	}

	secs := float64(latest.mb-lowWaterMB) / -slope
	crossing := latest.at.Add(time.Duration(secs * float64(time.Second)))
	risk.CrossingAt = &crossing
	if crossing.Sub(latest.at) <= lookahead {
		risk.AtRisk = true
		risk.Reason = "RAM trend crosses low-water mark within lookahead"
	}
	return risk
}
