package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInMemoryCollector(t *testing.T) {
	c := NewInMemoryCollector()

	t.Run("Counter", func(t *testing.T) {
		c.CounterInc("test_counter", "label1", "value1")
		c.CounterInc("test_counter", "label1", "value1")
		c.CounterAdd("test_counter", 5, "label1", "value1")

		got := c.GetCounter("test_counter", "label1", "value1")
		if got != 7 {
			t.Errorf("Counter = %v, want %v", got, 7)
		}
		if other := c.GetCounter("test_counter", "label1", "value2"); other != 0 {
			t.Errorf("Counter with other labels = %v, want 0", other)
		}
	})

	t.Run("Gauge", func(t *testing.T) {
		c.GaugeSet("test_gauge", 42)
		c.GaugeSet("test_gauge", 3)
		if got := c.GetGauge("test_gauge"); got != 3 {
			t.Errorf("Gauge = %v, want %v", got, 3)
		}
	})

	t.Run("Histogram", func(t *testing.T) {
		c.HistogramObserve("test_histogram", 1.5, "label1", "value1")
		c.HistogramObserve("test_histogram", 2.5, "label1", "value1")
		c.HistogramObserve("test_histogram", 3.5, "label1", "value1")

		got := c.GetHistogram("test_histogram", "label1", "value1")
		if len(got) != 3 {
			t.Errorf("Histogram observations = %v, want %v", len(got), 3)
		}
	})
}

func TestNopCollector(t *testing.T) {
	c := OrNop(nil)

	// These should all be no-ops and not panic
	c.CounterInc("test", "label", "value")
	c.CounterAdd("test", 5, "label", "value")
	c.GaugeSet("test", 42, "label", "value")
	c.HistogramObserve("test", 1.5, "label", "value")

	mem := NewInMemoryCollector()
	if OrNop(mem) != mem {
		t.Error("OrNop should return a non-nil collector unchanged")
	}
}

func TestTimer(t *testing.T) {
	c := NewInMemoryCollector()
	timer := NewTimer(c, "test_timer", "plugin", "dns_basic")

	time.Sleep(10 * time.Millisecond)

	duration := timer.ObserveDuration()
	if duration < 10*time.Millisecond {
		t.Errorf("Duration = %v, want >= 10ms", duration)
	}

	observations := c.GetHistogram("test_timer", "plugin", "dns_basic")
	if len(observations) != 1 {
		t.Errorf("Histogram observations = %v, want 1", len(observations))
	}
}

func TestPrometheusCollector(t *testing.T) {
	c := NewPrometheusCollector(&PrometheusConfig{RegisterDefaultMetrics: true})

	c.CounterInc(PluginRunsTotal.Name, "plugin", "dns_basic", "status", StatusOK)
	c.CounterInc(PluginRunsTotal.Name, "plugin", "dns_basic", "status", StatusOK)
	c.CounterInc(PluginRunsTotal.Name, "plugin", "whois_parser", "status", StatusFailed)
	c.CounterAdd(StorageAppended.Name, 4)
	c.GaugeSet(PluginsDiscovered.Name, 3)
	c.HistogramObserve(PluginRunDuration.Name, 0.2, "plugin", "dns_basic")

	// Unregistered metrics are ignored.
	c.CounterInc("not_registered", "a", "b")

	n, err := testutil.GatherAndCount(c.Registry(), PluginRunsTotal.Name)
	if err != nil {
		t.Fatalf("GatherAndCount failed: %v", err)
	}
	if n != 2 {
		t.Errorf("plugin runs series = %d, want 2", n)
	}

	expected := `
# HELP reconx_storage_appended_total Total number of findings appended to storage
# TYPE reconx_storage_appended_total counter
reconx_storage_appended_total 4
`
	if err := testutil.GatherAndCompare(c.Registry(), strings.NewReader(expected), StorageAppended.Name); err != nil {
		t.Errorf("unexpected metric output: %v", err)
	}

	if err := c.Register(MetricDefinition{Name: "x", Type: "summary"}); err == nil {
		t.Error("expected error for unknown metric type")
	}
	if err := c.RegisterCounter(ScansTotal); err != nil {
		t.Errorf("re-registering should be a no-op: %v", err)
	}
}

func TestPrometheusCollector_WriteTextfile(t *testing.T) {
	c := NewPrometheusCollector(&PrometheusConfig{RegisterDefaultMetrics: true})
	c.CounterInc(ScansTotal.Name, "status", StatusOK)

	path := filepath.Join(t.TempDir(), "textfile", "reconx.prom")
	if err := c.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !strings.Contains(string(data), `reconx_scans_total{status="ok"} 1`) {
		t.Errorf("textfile missing scan counter:\n%s", data)
	}
}

func TestLabelsToValues(t *testing.T) {
	got := labelsToValues([]string{"plugin", "crtsh_lookup", "status", "ok"})
	if len(got) != 2 || got[0] != "crtsh_lookup" || got[1] != "ok" {
		t.Errorf("labelsToValues = %v", got)
	}
	if labelsToValues(nil) != nil {
		t.Error("labelsToValues(nil) should be nil")
	}
}
