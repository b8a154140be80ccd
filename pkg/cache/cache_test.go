package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/exploopio/reconx/pkg/core"
	"github.com/exploopio/reconx/pkg/metrics"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func newTestCache(t *testing.T, opts ...Option) (*Cache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	path := filepath.Join(t.TempDir(), "cache.json")
	return New(path, append([]Option{WithClock(clock.Now)}, opts...)...), clock
}

func TestCache_SetGet(t *testing.T) {
	c, _ := newTestCache(t)

	if err := c.Set("k", map[string]any{"a": 1}, 60*time.Second); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	raw, ok, err := c.Get("k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok {
		t.Fatal("expected entry to be present")
	}
	if string(raw) != `{"a":1}` {
		t.Errorf("value = %s, want {\"a\":1}", raw)
	}

	var v struct{ A int }
	found, err := c.GetInto("k", &v)
	if err != nil || !found || v.A != 1 {
		t.Errorf("GetInto = (%v, %v, %+v)", found, err, v)
	}
}

func TestCache_Expiry(t *testing.T) {
	c, clock := newTestCache(t)

	if err := c.Set("k", "v", 60*time.Second); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := c.Set("other", "v", time.Hour); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	clock.Advance(60 * time.Second)
	if _, ok, _ := c.Get("k"); !ok {
		t.Fatal("entry should still be live at exactly its expiry")
	}

	clock.Advance(time.Second)
	if _, ok, _ := c.Get("k"); ok {
		t.Fatal("entry should be absent after expiry")
	}

	// The expired key is gone from the snapshot; others remain.
	data, err := os.ReadFile(c.Path())
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	var snapshot map[string]json.RawMessage
	if err := json.Unmarshal(data, &snapshot); err != nil {
		t.Fatalf("snapshot is not JSON: %v", err)
	}
	if _, ok := snapshot["k"]; ok {
		t.Error("expired entry should have been evicted from the snapshot")
	}
	if _, ok := snapshot["other"]; !ok {
		t.Error("live entry should remain in the snapshot")
	}
}

func TestCache_NonPositiveTTL(t *testing.T) {
	c, clock := newTestCache(t)

	if err := c.Set("zero", 1, 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := c.Set("negative", 1, -time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if _, ok, _ := c.Get("negative"); ok {
		t.Error("entry with a negative ttl should already be expired")
	}
	if _, ok, _ := c.Get("zero"); !ok {
		t.Error("entry with a zero ttl expires at now, so it is still live at that instant")
	}

	clock.Advance(time.Hour)
	if _, ok, _ := c.Get("zero"); ok {
		t.Error("entry with a zero ttl should not outlive its set time")
	}
}

func TestCache_GetMissingCreatesNothing(t *testing.T) {
	dir := t.TempDir()
	c := New(filepath.Join(dir, "cache.json"))

	_, ok, err := c.Get("missing")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ok {
		t.Error("missing key should be absent")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Get should not create files, found %d", len(entries))
	}
}

func TestCache_SnapshotFormat(t *testing.T) {
	c, clock := newTestCache(t)

	if err := c.Set("crtsh:example.com", []string{"a", "b"}, 10*time.Second); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	data, err := os.ReadFile(c.Path())
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	var snapshot map[string]struct {
		Value   []string `json:"value"`
		Expires float64  `json:"expires"`
	}
	if err := json.Unmarshal(data, &snapshot); err != nil {
		t.Fatalf("unexpected snapshot shape: %v", err)
	}
	e := snapshot["crtsh:example.com"]
	if len(e.Value) != 2 {
		t.Errorf("value = %v", e.Value)
	}
	want := float64(clock.Now().Unix() + 10)
	if e.Expires != want {
		t.Errorf("expires = %v, want %v", e.Expires, want)
	}
}

func TestCache_CorruptSnapshot(t *testing.T) {
	base, hook := test.NewNullLogger()
	c, _ := newTestCache(t, WithLogger(core.NewLogrusLogger(base)))

	if err := os.WriteFile(c.Path(), []byte("{not json"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, ok, err := c.Get("k"); ok || err != nil {
		t.Fatalf("corrupt snapshot should read as empty, got ok=%v err=%v", ok, err)
	}
	if hook.LastEntry() == nil || hook.LastEntry().Level != logrus.WarnLevel {
		t.Fatal("expected a warning about the corrupt snapshot")
	}

	if err := c.Set("k", "v", time.Minute); err != nil {
		t.Fatalf("Set after corruption failed: %v", err)
	}
	if _, ok, _ := c.Get("k"); !ok {
		t.Error("Set should recover a corrupt snapshot")
	}
}

func TestCache_ConcurrentSetsKeepAllKeys(t *testing.T) {
	c, _ := newTestCache(t)

	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := c.Set(fmt.Sprintf("key-%d", i), i, time.Hour); err != nil {
				t.Errorf("Set %d failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		var v int
		ok, err := c.GetInto(fmt.Sprintf("key-%d", i), &v)
		if err != nil || !ok || v != i {
			t.Errorf("key-%d = (%v, %v, %d)", i, ok, err, v)
		}
	}
}

func TestCache_SeparateInstancesShareSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cache.json")
	a := New(path)
	b := New(path)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) { defer wg.Done(); _ = a.Set(fmt.Sprintf("a-%d", i), i, time.Hour) }(i)
		go func(i int) { defer wg.Done(); _ = b.Set(fmt.Sprintf("b-%d", i), i, time.Hour) }(i)
	}
	wg.Wait()

	for i := 0; i < 10; i++ {
		if _, ok, _ := a.Get(fmt.Sprintf("b-%d", i)); !ok {
			t.Errorf("b-%d lost", i)
		}
		if _, ok, _ := b.Get(fmt.Sprintf("a-%d", i)); !ok {
			t.Errorf("a-%d lost", i)
		}
	}
}

func TestCache_Metrics(t *testing.T) {
	m := metrics.NewInMemoryCollector()
	c, clock := newTestCache(t, WithMetrics(m))

	c.Get("k")
	_ = c.Set("k", 1, time.Second)
	c.Get("k")
	clock.Advance(2 * time.Second)
	c.Get("k")

	name := metrics.CacheLookups.Name
	if got := m.GetCounter(name, "result", metrics.CacheMiss); got != 1 {
		t.Errorf("misses = %v, want 1", got)
	}
	if got := m.GetCounter(name, "result", metrics.CacheHit); got != 1 {
		t.Errorf("hits = %v, want 1", got)
	}
	if got := m.GetCounter(name, "result", metrics.CacheExpired); got != 1 {
		t.Errorf("expired = %v, want 1", got)
	}
}

func TestCache_SetRejectsUnserializable(t *testing.T) {
	c, _ := newTestCache(t)
	if err := c.Set("k", make(chan int), time.Minute); err == nil {
		t.Error("expected error for unserializable value")
	}
}
