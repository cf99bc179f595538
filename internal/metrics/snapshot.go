package metrics

import "time"

// HistogramStats summarize one histogram window.
type HistogramStats struct {
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
}

// FlowSnapshot is the aggregated view of one flow.
type FlowSnapshot struct {
	TotalRequests   int64                     `json:"total_requests"`
	TotalErrors     int64                     `json:"total_errors"`
	ErrorRate       float64                   `json:"error_rate"`
	LastRequestTime *time.Time                `json:"last_request_time,omitempty"`
	AvgLatencyMs    float64                   `json:"avg_latency_ms"`
	MinLatencyMs    float64                   `json:"min_latency_ms"`
	MaxLatencyMs    float64                   `json:"max_latency_ms"`
	P50LatencyMs    float64                   `json:"p50_latency_ms"`
	P95LatencyMs    float64                   `json:"p95_latency_ms"`
	P99LatencyMs    float64                   `json:"p99_latency_ms"`
	Counters        map[string]int64          `json:"counters"`
	Gauges          map[string]float64        `json:"gauges"`
	Histograms      map[string]HistogramStats `json:"histograms"`
}

// Summary is the process-wide rollup.
type Summary struct {
	UptimeSeconds float64   `json:"uptime_seconds"`
	StartTime     time.Time `json:"start_time"`
	TotalRequests int64     `json:"total_requests"`
	TotalErrors   int64     `json:"total_errors"`
	ErrorRate     float64   `json:"error_rate"`
}

// Snapshot is the full point-in-time state of the collector.
type Snapshot struct {
	Summary Summary                 `json:"summary"`
	Flows   map[string]FlowSnapshot `json:"flows"`
}

// Snapshot returns a point-in-time copy of all flow metrics. Writers are
// only blocked for the duration of the copy.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Summary: Summary{
			UptimeSeconds: c.now().Sub(c.startTime).Seconds(),
			StartTime:     c.startTime,
		},
		Flows: make(map[string]FlowSnapshot, len(c.flows)),
	}

	for name, f := range c.flows {
		snap.Summary.TotalRequests += f.totalRequests
		snap.Summary.TotalErrors += f.totalErrors
		snap.Flows[name] = c.flowSnapshotLocked(f)
	}

	if snap.Summary.TotalRequests > 0 {
		snap.Summary.ErrorRate = float64(snap.Summary.TotalErrors) / float64(snap.Summary.TotalRequests)
	}

	return snap
}

// FlowSnapshot returns the aggregated view of a single flow.
func (c *Collector) FlowSnapshot(flow string) (FlowSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.flows[flow]
	if !ok {
		return FlowSnapshot{}, false
	}
	return c.flowSnapshotLocked(f), true
}

func (c *Collector) flowSnapshotLocked(f *flowMetrics) FlowSnapshot {
	fs := FlowSnapshot{
		TotalRequests: f.totalRequests,
		TotalErrors:   f.totalErrors,
		Counters:      make(map[string]int64, len(f.counters)),
		Gauges:        make(map[string]float64, len(f.gauges)),
		Histograms:    make(map[string]HistogramStats, len(f.histograms)),
	}

	if f.totalRequests > 0 {
		fs.ErrorRate = float64(f.totalErrors) / float64(f.totalRequests)
	}
	if !f.lastRequest.IsZero() {
		t := f.lastRequest
		fs.LastRequestTime = &t
	}

	if len(f.latenciesMs) > 0 {
		sorted := sortedCopy(f.latenciesMs)
		fs.AvgLatencyMs = mean(f.latenciesMs)
		fs.MinLatencyMs = sorted[0]
		fs.MaxLatencyMs = sorted[len(sorted)-1]
		fs.P50LatencyMs = percentile(sorted, 50)
		fs.P95LatencyMs = percentile(sorted, 95)
		fs.P99LatencyMs = percentile(sorted, 99)
	}

	for k, v := range f.counters {
		fs.Counters[k] = v
	}
	for k, v := range f.gauges {
		fs.Gauges[k] = v
	}
	for k, samples := range f.histograms {
		if len(samples) == 0 {
			continue
		}
		lo, hi := minMax(samples)
		fs.Histograms[k] = HistogramStats{
			Avg:   mean(samples),
			Min:   lo,
			Max:   hi,
			Count: len(samples),
		}
	}

	return fs
}
