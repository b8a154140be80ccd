package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exploopio/reconx/pkg/audit"
	"github.com/exploopio/reconx/pkg/core"
	"github.com/exploopio/reconx/pkg/errors"
	"github.com/exploopio/reconx/pkg/finding"
	"github.com/exploopio/reconx/pkg/metrics"
	"github.com/exploopio/reconx/pkg/mocks"
	"github.com/exploopio/reconx/pkg/plugin"
	"github.com/exploopio/reconx/pkg/storage"
)

var scanStart = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type auditSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *auditSink) Log(e audit.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *auditSink) types() []audit.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.EventType, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

func sample(module, typ string) finding.Finding {
	return finding.Finding{
		Target:     "example.com",
		ScannedAt:  time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
		Module:     module,
		Type:       typ,
		Confidence: 0.9,
		Priority:   5,
		Evidence:   []finding.Evidence{{Label: "A", Value: []string{"192.0.2.1"}}},
		Meta:       map[string]any{finding.MetaSource: module},
	}
}

type harness struct {
	engine  *Engine
	store   *mocks.MockStore
	metrics *metrics.InMemoryCollector
	audit   *auditSink
	logs    *test.Hook
}

func newHarness(t *testing.T, d Discoverer) *harness {
	t.Helper()
	l, hook := test.NewNullLogger()
	l.SetLevel(logrus.DebugLevel)

	h := &harness{
		store:   &mocks.MockStore{},
		metrics: metrics.NewInMemoryCollector(),
		audit:   &auditSink{},
		logs:    hook,
	}
	h.engine = New("plugins", d, h.store,
		WithLogger(core.NewLogrusLogger(l)),
		WithMetrics(h.metrics),
		WithAudit(h.audit),
		WithClock(func() time.Time { return scanStart }),
		WithScanID(func() string { return "scan-1" }),
	)
	return h
}

func (h *harness) warnings() int {
	n := 0
	for _, e := range h.logs.AllEntries() {
		if e.Level == logrus.WarnLevel {
			n++
		}
	}
	return n
}

func TestRun_IsolatesFailingPlugin(t *testing.T) {
	failing := &mocks.MockPlugin{
		NameVal: "broken",
		RunFn: func(ctx context.Context, target string) ([]finding.Candidate, error) {
			return nil, fmt.Errorf("resolver unreachable")
		},
	}
	h := newHarness(t, &mocks.MockDiscoverer{Plugins: []plugin.Plugin{
		mocks.Returning("alpha", sample("alpha", "dns_a")),
		failing,
		mocks.Returning("gamma", sample("gamma", "certificate"), sample("gamma", "certificate")),
	}})

	fs, err := h.engine.Run(context.Background(), "example.com")
	require.NoError(t, err)

	require.Len(t, fs, 3)
	assert.Equal(t, "alpha", fs[0].Module)
	assert.Equal(t, "gamma", fs[1].Module)
	assert.Equal(t, "gamma", fs[2].Module)

	require.Len(t, h.store.AppendCalls, 1)
	assert.Len(t, h.store.AppendCalls[0], 3)
	assert.Equal(t, 1, h.warnings())

	assert.Equal(t, float64(1), h.metrics.GetCounter(metrics.PluginRunsTotal.Name, "plugin", "broken", "status", metrics.StatusFailed))
	assert.Equal(t, float64(1), h.metrics.GetCounter(metrics.PluginRunsTotal.Name, "plugin", "alpha", "status", metrics.StatusOK))
	assert.Equal(t, float64(2), h.metrics.GetCounter(metrics.FindingsTotal.Name, "plugin", "gamma", "outcome", metrics.OutcomeAccepted))
	assert.Equal(t, float64(1), h.metrics.GetCounter(metrics.ScansTotal.Name, "status", metrics.StatusOK))

	types := h.audit.types()
	assert.Equal(t, audit.EventScanStarted, types[0])
	assert.Contains(t, types, audit.EventPluginFailed)
	assert.Equal(t, audit.EventScanCompleted, types[len(types)-1])
}

func TestRun_RecoversFromPanic(t *testing.T) {
	panicking := &mocks.MockPlugin{
		NameVal: "panicky",
		RunFn: func(ctx context.Context, target string) ([]finding.Candidate, error) {
			panic("nil map")
		},
	}
	h := newHarness(t, &mocks.MockDiscoverer{Plugins: []plugin.Plugin{
		panicking,
		mocks.Returning("alpha", sample("alpha", "dns_a")),
	}})

	fs, err := h.engine.Run(context.Background(), "example.com")
	require.NoError(t, err)
	require.Len(t, fs, 1)
	assert.Equal(t, float64(1), h.metrics.GetCounter(metrics.PluginRunsTotal.Name, "plugin", "panicky", "status", metrics.StatusPanic))
}

func TestRun_NoPlugins(t *testing.T) {
	h := newHarness(t, &mocks.MockDiscoverer{})

	fs, err := h.engine.Run(context.Background(), "example.com")
	require.NoError(t, err)
	assert.NotNil(t, fs)
	assert.Empty(t, fs)
	assert.Equal(t, 1, h.store.InitCalls)
	assert.Empty(t, h.store.AppendCalls, "nothing to store means no append")
}

func TestRun_EmptyAggregateSkipsAppend(t *testing.T) {
	h := newHarness(t, &mocks.MockDiscoverer{Plugins: []plugin.Plugin{mocks.Returning("quiet")}})

	fs, err := h.engine.Run(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Empty(t, fs)
	assert.Empty(t, h.store.AppendCalls)
}

func TestRun_DiscoveryOrder(t *testing.T) {
	slow := &mocks.MockPlugin{
		NameVal: "slow",
		RunFn: func(ctx context.Context, target string) ([]finding.Candidate, error) {
			time.Sleep(50 * time.Millisecond)
			return finding.Encode(sample("slow", "dns_a"))
		},
	}
	h := newHarness(t, &mocks.MockDiscoverer{Plugins: []plugin.Plugin{
		slow,
		mocks.Returning("fast", sample("fast", "dns_a")),
	}})

	fs, err := h.engine.Run(context.Background(), "example.com")
	require.NoError(t, err)
	require.Len(t, fs, 2)
	assert.Equal(t, "slow", fs[0].Module)
	assert.Equal(t, "fast", fs[1].Module)
}

func TestRun_DropsInvalidRecords(t *testing.T) {
	mixed := &mocks.MockPlugin{
		NameVal: "mixed",
		RunFn: func(ctx context.Context, target string) ([]finding.Candidate, error) {
			return []finding.Candidate{
				finding.Candidate(`{"target":"example.com","module":"mixed","type":"t","confidence":1,"priority":2,"evidence":[],"meta":{}}`),
				finding.Candidate(`{"target":"example.com","module":"mixed","type":"t","confidence":"high","priority":2,"evidence":[],"meta":{}}`),
				finding.Candidate(`[1,2,3]`),
			}, nil
		},
	}
	h := newHarness(t, &mocks.MockDiscoverer{Plugins: []plugin.Plugin{mixed}})

	fs, err := h.engine.Run(context.Background(), "example.com")
	require.NoError(t, err)
	require.Len(t, fs, 1)
	assert.Equal(t, scanStart, fs[0].ScannedAt, "missing scanned_at is stamped with the scan start")

	assert.Equal(t, 2, h.warnings())
	assert.Equal(t, float64(2), h.metrics.GetCounter(metrics.FindingsTotal.Name, "plugin", "mixed", "outcome", metrics.OutcomeRejected))
	assert.Equal(t, float64(1), h.metrics.GetCounter(metrics.PluginRunsTotal.Name, "plugin", "mixed", "status", metrics.StatusOK))
}

func TestRun_NormalizesTarget(t *testing.T) {
	p := mocks.Returning("alpha")
	h := newHarness(t, &mocks.MockDiscoverer{Plugins: []plugin.Plugin{p}})

	_, err := h.engine.Run(context.Background(), "https://www.example.com:8443/login?next=/")
	require.NoError(t, err)
	assert.Equal(t, []string{"www.example.com"}, p.Calls())
}

func TestRun_FatalFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*harness, *mocks.MockDiscoverer)
		kind  errors.Kind
	}{
		{
			name: "storage init",
			setup: func(h *harness, d *mocks.MockDiscoverer) {
				h.store.InitFn = func(ctx context.Context) error { return fmt.Errorf("disk full") }
			},
			kind: errors.KindStorage,
		},
		{
			name: "discovery",
			setup: func(h *harness, d *mocks.MockDiscoverer) {
				d.DiscoverFn = func(dir string) (*plugin.Discovery, error) {
					return nil, errors.E(errors.KindInternal, "plugin.Discover", "permission denied")
				}
			},
			kind: errors.KindInternal,
		},
		{
			name: "append",
			setup: func(h *harness, d *mocks.MockDiscoverer) {
				h.store.AppendFn = func(ctx context.Context, fs []finding.Finding) error { return fmt.Errorf("locked") }
			},
			kind: errors.KindStorage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &mocks.MockDiscoverer{Plugins: []plugin.Plugin{mocks.Returning("alpha", sample("alpha", "dns_a"))}}
			h := newHarness(t, d)
			tt.setup(h, d)

			fs, err := h.engine.Run(context.Background(), "example.com")
			require.Error(t, err)
			assert.Nil(t, fs)
			assert.Equal(t, tt.kind, errors.GetKind(err))
			assert.True(t, errors.IsFatal(err))
			assert.Equal(t, float64(1), h.metrics.GetCounter(metrics.ScansTotal.Name, "status", metrics.StatusFailed))
			assert.Contains(t, h.audit.types(), audit.EventScanFailed)
		})
	}
}

func TestRun_LoadFailuresAreAudited(t *testing.T) {
	h := newHarness(t, &mocks.MockDiscoverer{
		Failures: []plugin.Failure{{Dir: "plugins/broken", Err: errors.ErrNoManifest}},
	})

	_, err := h.engine.Run(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Contains(t, h.audit.types(), audit.EventPluginLoadFailed)
}

// A scan of example.com with a real database: every accepted finding is
// appended and counted.
func TestRun_AppendThenCount(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(filepath.Join(t.TempDir(), "reconx.db"))
	require.NoError(t, err)
	defer store.Close()

	d := &mocks.MockDiscoverer{Plugins: []plugin.Plugin{
		mocks.Returning("dns_basic", sample("dns_basic", "dns_a"), sample("dns_basic", "dns_mx")),
		mocks.Returning("whois_parser", sample("whois_parser", "whois_record")),
	}}
	e := New("plugins", d, store)

	fs, err := e.Run(ctx, "example.com")
	require.NoError(t, err)
	require.Len(t, fs, 3)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = e.Run(ctx, "http://example.com/")
	require.NoError(t, err)
	n, err = store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, n, "scans append, never replace")
}

func TestNormalizeTarget(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"example.com", "example.com"},
		{"https://example.com/path", "example.com"},
		{"http://user:pw@Sub.Example.com:8080", "Sub.Example.com"},
		{"ftp://[2001:db8::1]:21/", "2001:db8::1"},
		{"file:///etc/passwd", "file:///etc/passwd"},
		{"http://%zz", "http://%zz"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeTarget(tt.raw))
		})
	}
}

func TestRender(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, nil))
	assert.Equal(t, "[]\n", buf.String())

	buf.Reset()
	require.NoError(t, Render(&buf, []finding.Finding{sample("alpha", "dns_a")}))

	var out []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "2025-02-01T00:00:00.000000Z", out[0]["scanned_at"])
	assert.Contains(t, buf.String(), "\n  {\n    \"target\": \"example.com\"")
}
