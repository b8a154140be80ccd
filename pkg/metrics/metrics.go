// Package metrics provides metrics collection for reconx scans.
// It includes the Collector interface, an in-memory implementation for
// tests, and a Prometheus-backed implementation.
package metrics

import (
	"sync"
	"time"
)

// =============================================================================
// Metrics Interface
// =============================================================================

// Collector is the interface for collecting metrics.
// Labels are passed as name/value pairs: "plugin", "dns_basic", "status", "ok".
type Collector interface {
	// Counter operations
	CounterInc(name string, labels ...string)
	CounterAdd(name string, value float64, labels ...string)

	// Gauge operations
	GaugeSet(name string, value float64, labels ...string)

	// Histogram operations
	HistogramObserve(name string, value float64, labels ...string)
}

// =============================================================================
// Metric Types
// =============================================================================

// MetricType represents the type of metric.
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// MetricDefinition defines a metric with its metadata.
type MetricDefinition struct {
	Name    string     `json:"name"`
	Type    MetricType `json:"type"`
	Help    string     `json:"help"`
	Labels  []string   `json:"labels,omitempty"`
	Buckets []float64  `json:"buckets,omitempty"` // For histograms
}

// =============================================================================
// Default Metrics
// =============================================================================

// Label values used with the default metrics.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
	StatusPanic  = "panic"

	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"

	CacheHit     = "hit"
	CacheMiss    = "miss"
	CacheExpired = "expired"
)

var (
	ScansTotal = MetricDefinition{
		Name:   "reconx_scans_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of scans executed",
		Labels: []string{"status"},
	}

	PluginsDiscovered = MetricDefinition{
		Name: "reconx_plugins_discovered",
		Type: MetricTypeGauge,
		Help: "Number of plugins loaded by the last discovery",
	}

	PluginLoadFailures = MetricDefinition{
		Name: "reconx_plugin_load_failures_total",
		Type: MetricTypeCounter,
		Help: "Total number of plugin directories that failed to load",
	}

	PluginRunsTotal = MetricDefinition{
		Name:   "reconx_plugin_runs_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of plugin runs",
		Labels: []string{"plugin", "status"},
	}

	PluginRunDuration = MetricDefinition{
		Name:    "reconx_plugin_run_duration_seconds",
		Type:    MetricTypeHistogram,
		Help:    "Duration of plugin runs in seconds",
		Labels:  []string{"plugin"},
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}

	FindingsTotal = MetricDefinition{
		Name:   "reconx_findings_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of emitted findings by validation outcome",
		Labels: []string{"plugin", "outcome"},
	}

	CacheLookups = MetricDefinition{
		Name:   "reconx_cache_lookups_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of cache lookups by result",
		Labels: []string{"result"},
	}

	StorageAppended = MetricDefinition{
		Name: "reconx_storage_appended_total",
		Type: MetricTypeCounter,
		Help: "Total number of findings appended to storage",
	}
)

// Defaults lists every metric reconx records.
var Defaults = []MetricDefinition{
	ScansTotal,
	PluginsDiscovered,
	PluginLoadFailures,
	PluginRunsTotal,
	PluginRunDuration,
	FindingsTotal,
	CacheLookups,
	StorageAppended,
}

// =============================================================================
// NopCollector - No-operation implementation
// =============================================================================

// NopCollector is a no-op metrics collector that discards all metrics.
type NopCollector struct{}

func (c *NopCollector) CounterInc(name string, labels ...string)                      {}
func (c *NopCollector) CounterAdd(name string, value float64, labels ...string)       {}
func (c *NopCollector) GaugeSet(name string, value float64, labels ...string)         {}
func (c *NopCollector) HistogramObserve(name string, value float64, labels ...string) {}

// =============================================================================
// InMemoryCollector - Simple in-memory implementation for testing
// =============================================================================

// InMemoryCollector stores metrics in memory for testing purposes.
type InMemoryCollector struct {
	mu         sync.RWMutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string][]float64
}

// NewInMemoryCollector creates a new in-memory metrics collector.
func NewInMemoryCollector() *InMemoryCollector {
	return &InMemoryCollector{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
	}
}

func (c *InMemoryCollector) key(name string, labels []string) string {
	key := name
	for i := 0; i < len(labels); i += 2 {
		if i+1 < len(labels) {
			key += "," + labels[i] + "=" + labels[i+1]
		}
	}
	return key
}

func (c *InMemoryCollector) CounterInc(name string, labels ...string) {
	c.CounterAdd(name, 1, labels...)
}

func (c *InMemoryCollector) CounterAdd(name string, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[c.key(name, labels)] += value
}

func (c *InMemoryCollector) GaugeSet(name string, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[c.key(name, labels)] = value
}

func (c *InMemoryCollector) HistogramObserve(name string, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := c.key(name, labels)
	c.histograms[key] = append(c.histograms[key], value)
}

// GetCounter returns the value of a counter.
func (c *InMemoryCollector) GetCounter(name string, labels ...string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[c.key(name, labels)]
}

// GetGauge returns the value of a gauge.
func (c *InMemoryCollector) GetGauge(name string, labels ...string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gauges[c.key(name, labels)]
}

// GetHistogram returns all observations of a histogram.
func (c *InMemoryCollector) GetHistogram(name string, labels ...string) []float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.histograms[c.key(name, labels)]
}

// =============================================================================
// Timer - Helper for timing operations
// =============================================================================

// Timer is a helper for timing operations and recording to histograms.
type Timer struct {
	start     time.Time
	collector Collector
	name      string
	labels    []string
}

// NewTimer creates a new timer that will record to the given histogram.
func NewTimer(collector Collector, name string, labels ...string) *Timer {
	return &Timer{
		start:     time.Now(),
		collector: collector,
		name:      name,
		labels:    labels,
	}
}

// ObserveDuration records the duration since the timer was created.
func (t *Timer) ObserveDuration() time.Duration {
	d := time.Since(t.start)
	t.collector.HistogramObserve(t.name, d.Seconds(), t.labels...)
	return d
}

// OrNop returns c, or a NopCollector when c is nil.
func OrNop(c Collector) Collector {
	if c == nil {
		return &NopCollector{}
	}
	return c
}

// =============================================================================
// Interface compliance
// =============================================================================

var (
	_ Collector = (*NopCollector)(nil)
	_ Collector = (*InMemoryCollector)(nil)
)
