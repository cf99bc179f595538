// Package metrics collects process-wide latency, counter, gauge and
// histogram samples per named flow, and exposes point-in-time snapshots
// with percentile latencies.
//
// The collector is an explicitly constructed, injectable service rather
// than a module-level singleton: construct one at process start, share it,
// and use Snapshot/Reset in tests.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// Flow names used across the pipeline.
const (
	FlowRAG         = "rag"
	FlowEmbedding   = "embedding"
	FlowVectorStore = "vector_store"
	FlowEvaluation  = "evaluation"
	FlowInsights    = "insights"
	FlowAPI         = "api"
)

// maxSamples bounds each latency and histogram window; older samples are
// dropped so long-running processes hold steady memory.
const maxSamples = 1000

type flowMetrics struct {
	totalRequests int64
	totalErrors   int64
	latenciesMs   []float64
	lastRequest   time.Time
	counters      map[string]int64
	gauges        map[string]float64
	histograms    map[string][]float64
}

func newFlowMetrics() *flowMetrics {
	return &flowMetrics{
		counters:   make(map[string]int64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
	}
}

// Collector aggregates per-flow metrics. Safe for concurrent use.
type Collector struct {
	mu        sync.Mutex
	flows     map[string]*flowMetrics
	startTime time.Time
	now       func() time.Time
}

// NewCollector creates an empty collector; uptime starts now.
func NewCollector() *Collector {
	c := &Collector{now: time.Now}
	c.resetLocked()
	return c
}

func (c *Collector) resetLocked() {
	c.flows = make(map[string]*flowMetrics)
	c.startTime = c.now()
	for _, flow := range []string{FlowRAG, FlowEmbedding, FlowVectorStore, FlowEvaluation, FlowInsights, FlowAPI} {
		c.flows[flow] = newFlowMetrics()
	}
}

func (c *Collector) flow(name string) *flowMetrics {
	f, ok := c.flows[name]
	if !ok {
		f = newFlowMetrics()
		c.flows[name] = f
	}
	return f
}

// Record adds one request observation to a flow. A non-nil err counts as
// an error for the flow's error rate.
func (c *Collector) Record(flow string, latency time.Duration, err error) {
	latencyMs := float64(latency) / float64(time.Millisecond)

	c.mu.Lock()
	defer c.mu.Unlock()

	f := c.flow(flow)
	f.totalRequests++
	f.lastRequest = c.now()
	f.latenciesMs = appendBounded(f.latenciesMs, latencyMs)
	if err != nil {
		f.totalErrors++
	}
}

// RecordError counts an error without a latency sample.
func (c *Collector) RecordError(flow, errType string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f := c.flow(flow)
	f.totalErrors++
	f.counters["errors_"+errType]++
}

// IncrCounter increments a monotonically increasing flow counter.
func (c *Collector) IncrCounter(flow, name string, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flow(flow).counters[name] += delta
}

// SetGauge stores a last-write-wins gauge value.
func (c *Collector) SetGauge(flow, name string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flow(flow).gauges[name] = value
}

// Observe adds a sample to a flow histogram.
func (c *Collector) Observe(flow, name string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.flow(flow)
	f.histograms[name] = appendBounded(f.histograms[name], value)
}

// Reset discards all metrics and restarts the uptime clock.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

func appendBounded(samples []float64, v float64) []float64 {
	samples = append(samples, v)
	if len(samples) > maxSamples {
		samples = samples[len(samples)-maxSamples:]
	}
	return samples
}

// percentile returns the p-th percentile (0-100) of sorted samples using
// the sorted-sample index method: index = floor(n*p/100), clamped to the
// last element. Monotone in p, so p50 <= p95 <= p99 always holds.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * p / 100)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func mean(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += v
	}
	return sum / float64(len(samples))
}

func minMax(samples []float64) (float64, float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	lo, hi := samples[0], samples[0]
	for _, v := range samples[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// sortedCopy returns an ascending copy so snapshots never mutate windows.
func sortedCopy(samples []float64) []float64 {
	out := make([]float64, len(samples))
	copy(out, samples)
	sort.Float64s(out)
	return out
}
