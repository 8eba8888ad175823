// Package monitoring keeps in-process serving counters and a rolling latency window.
package monitoring

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
)

// MetricType mirrors the Prometheus exposition types used by ExportPrometheus.
type MetricType string

const (
	MetricTypeCounter MetricType = "counter"
	MetricTypeGauge   MetricType = "gauge"
)

const (
	MetricRequests    = "modelops_http_requests_total"
	MetricPredictions = "modelops_predictions_total"
	MetricFailures    = "modelops_prediction_failures_total"

	defaultWindow = 1000
)

// Snapshot is the JSON view served at /metrics.
type Snapshot struct {
	Uptime        string           `json:"uptime"`
	Requests      int64            `json:"requests"`
	Predictions   int64            `json:"predictions"`
	Failures      int64            `json:"failures"`
	FailuresByKey map[string]int64 `json:"failures_by_kind,omitempty"`
	Latency       LatencySummary   `json:"latency_ms"`
	Goroutines    int              `json:"goroutines"`
	HeapAlloc     uint64           `json:"heap_alloc_bytes"`
}

// LatencySummary covers the most recent window of observed request latencies.
type LatencySummary struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	P95   float64 `json:"p95"`
	Max   float64 `json:"max"`
}

// MetricsCollector is safe for concurrent use.
type MetricsCollector struct {
	mu          sync.RWMutex
	requests    int64
	predictions int64
	failures    map[string]int64
	latencies   []float64
	next        int
	window      int

	startTime time.Time
}

// NewMetricsCollector keeps the last window latency samples; window <= 0 uses 1000.
func NewMetricsCollector(window int) *MetricsCollector {
	if window <= 0 {
		window = defaultWindow
	}
	return &MetricsCollector{
		failures:  make(map[string]int64),
		latencies: make([]float64, 0, window),
		window:    window,
		startTime: time.Now(),
	}
}

// ObserveRequest counts one HTTP request and records its latency.
func (mc *MetricsCollector) ObserveRequest(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.requests++
	if len(mc.latencies) < mc.window {
		mc.latencies = append(mc.latencies, ms)
		return
	}
	mc.latencies[mc.next] = ms
	mc.next = (mc.next + 1) % mc.window
}

// AddPredictions counts n rows that were scored.
func (mc *MetricsCollector) AddPredictions(n int) {
	mc.mu.Lock()
	mc.predictions += int64(n)
	mc.mu.Unlock()
}

// AddFailure counts a failed prediction call by error kind.
func (mc *MetricsCollector) AddFailure(kind string) {
	mc.mu.Lock()
	mc.failures[kind]++
	mc.mu.Unlock()
}

func (mc *MetricsCollector) Uptime() time.Duration {
	return time.Since(mc.startTime)
}

func (mc *MetricsCollector) Snapshot() Snapshot {
	mc.mu.RLock()
	snap := Snapshot{
		Uptime:        mc.Uptime().Round(time.Second).String(),
		Requests:      mc.requests,
		Predictions:   mc.predictions,
		FailuresByKey: make(map[string]int64, len(mc.failures)),
	}
	for kind, n := range mc.failures {
		snap.FailuresByKey[kind] = n
		snap.Failures += n
	}
	samples := append([]float64(nil), mc.latencies...)
	mc.mu.RUnlock()

	snap.Latency = summarize(samples)
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	snap.Goroutines = runtime.NumGoroutine()
	snap.HeapAlloc = m.HeapAlloc
	return snap
}

func summarize(samples []float64) LatencySummary {
	summary := LatencySummary{Count: len(samples)}
	if len(samples) == 0 {
		return summary
	}
	if mean, err := stats.Mean(samples); err == nil {
		summary.Mean = mean
	}
	if p95, err := stats.Percentile(samples, 95); err == nil {
		summary.P95 = p95
	}
	if hi, err := stats.Max(samples); err == nil {
		summary.Max = hi
	}
	return summary
}

// ExportPrometheus renders the counters in the text exposition format.
func (mc *MetricsCollector) ExportPrometheus() string {
	snap := mc.Snapshot()
	var b strings.Builder

	writeMetric(&b, MetricRequests, MetricTypeCounter, "HTTP requests served", "", float64(snap.Requests))
	writeMetric(&b, MetricPredictions, MetricTypeCounter, "Rows scored by the model", "", float64(snap.Predictions))

	kinds := make([]string, 0, len(snap.FailuresByKey))
	for kind := range snap.FailuresByKey {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	fmt.Fprintf(&b, "# HELP %s Failed prediction calls\n# TYPE %s %s\n", MetricFailures, MetricFailures, MetricTypeCounter)
	for _, kind := range kinds {
		fmt.Fprintf(&b, "%s{kind=%q} %d\n", MetricFailures, kind, snap.FailuresByKey[kind])
	}

	writeMetric(&b, "modelops_request_latency_ms_mean", MetricTypeGauge, "Mean request latency over the window", "", snap.Latency.Mean)
	writeMetric(&b, "modelops_request_latency_ms", MetricTypeGauge, "Request latency percentile over the window", `quantile="0.95"`, snap.Latency.P95)
	writeMetric(&b, "modelops_goroutines", MetricTypeGauge, "Number of goroutines", "", float64(snap.Goroutines))
	return b.String()
}

func writeMetric(b *strings.Builder, name string, typ MetricType, help, labels string, value float64) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, typ)
	if labels != "" {
		fmt.Fprintf(b, "%s{%s} %g\n", name, labels, value)
		return
	}
	fmt.Fprintf(b, "%s %g\n", name, value)
}
