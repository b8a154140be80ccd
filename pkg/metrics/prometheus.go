package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// =============================================================================
// Prometheus Collector
// =============================================================================

// PrometheusCollector implements the Collector interface using Prometheus.
type PrometheusCollector struct {
	mu sync.RWMutex

	registry *prometheus.Registry

	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// PrometheusConfig configures the Prometheus collector.
type PrometheusConfig struct {
	// Registry is the Prometheus registry to use (nil = new registry)
	Registry *prometheus.Registry

	// RegisterDefaultMetrics registers the reconx metrics in Defaults
	RegisterDefaultMetrics bool
}

// NewPrometheusCollector creates a new Prometheus metrics collector.
func NewPrometheusCollector(cfg *PrometheusConfig) *PrometheusCollector {
	if cfg == nil {
		cfg = &PrometheusConfig{}
	}

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &PrometheusCollector{
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}

	if cfg.RegisterDefaultMetrics {
		for _, def := range Defaults {
			_ = c.Register(def)
		}
	}

	return c
}

// =============================================================================
// Registration Methods
// =============================================================================

// Register registers def according to its type.
func (c *PrometheusCollector) Register(def MetricDefinition) error {
	switch def.Type {
	case MetricTypeCounter:
		return c.RegisterCounter(def)
	case MetricTypeGauge:
		return c.RegisterGauge(def)
	case MetricTypeHistogram:
		return c.RegisterHistogram(def)
	default:
		return fmt.Errorf("unknown metric type %q for %s", def.Type, def.Name)
	}
}

// RegisterCounter registers a counter metric.
func (c *PrometheusCollector) RegisterCounter(def MetricDefinition) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.counters[def.Name]; exists {
		return nil
	}

	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: def.Name, Help: def.Help},
		def.Labels,
	)
	if err := c.registry.Register(counter); err != nil {
		return err
	}
	c.counters[def.Name] = counter
	return nil
}

// RegisterGauge registers a gauge metric.
func (c *PrometheusCollector) RegisterGauge(def MetricDefinition) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.gauges[def.Name]; exists {
		return nil
	}

	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: def.Name, Help: def.Help},
		def.Labels,
	)
	if err := c.registry.Register(gauge); err != nil {
		return err
	}
	c.gauges[def.Name] = gauge
	return nil
}

// RegisterHistogram registers a histogram metric.
func (c *PrometheusCollector) RegisterHistogram(def MetricDefinition) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.histograms[def.Name]; exists {
		return nil
	}

	buckets := def.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	histogram := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: def.Name, Help: def.Help, Buckets: buckets},
		def.Labels,
	)
	if err := c.registry.Register(histogram); err != nil {
		return err
	}
	c.histograms[def.Name] = histogram
	return nil
}

// =============================================================================
// Collector Interface Implementation
// =============================================================================

func (c *PrometheusCollector) CounterInc(name string, labels ...string) {
	c.CounterAdd(name, 1, labels...)
}

func (c *PrometheusCollector) CounterAdd(name string, value float64, labels ...string) {
	c.mu.RLock()
	counter, ok := c.counters[name]
	c.mu.RUnlock()
	if !ok {
		return // Metric not registered
	}
	counter.WithLabelValues(labelsToValues(labels)...).Add(value)
}

func (c *PrometheusCollector) GaugeSet(name string, value float64, labels ...string) {
	c.mu.RLock()
	gauge, ok := c.gauges[name]
	c.mu.RUnlock()
	if !ok {
		return // Metric not registered
	}
	gauge.WithLabelValues(labelsToValues(labels)...).Set(value)
}

func (c *PrometheusCollector) HistogramObserve(name string, value float64, labels ...string) {
	c.mu.RLock()
	histogram, ok := c.histograms[name]
	c.mu.RUnlock()
	if !ok {
		return // Metric not registered
	}
	histogram.WithLabelValues(labelsToValues(labels)...).Observe(value)
}

// Registry returns the underlying Prometheus registry.
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	return c.registry
}

// WriteTextfile dumps the registry in the Prometheus text exposition format,
// suitable for the node exporter textfile collector. The file is replaced
// atomically.
func (c *PrometheusCollector) WriteTextfile(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create metrics dir: %w", err)
		}
	}
	return prometheus.WriteToTextfile(path, c.registry)
}

// =============================================================================
// Helper Functions
// =============================================================================

// labelsToValues converts label pairs to values only.
// Input: ["label1", "value1", "label2", "value2"]
// Output: ["value1", "value2"]
func labelsToValues(labels []string) []string {
	if len(labels) == 0 {
		return nil
	}
	values := make([]string, 0, len(labels)/2)
	for i := 1; i < len(labels); i += 2 {
		values = append(values, labels[i])
	}
	return values
}

var _ Collector = (*PrometheusCollector)(nil)
