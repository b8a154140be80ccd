// Package cache provides a file-backed key/value cache with per-entry
// expiry, shared by plugins that make expensive network lookups.
//
// The whole cache lives in one JSON snapshot:
//
//	{"crtsh:example.com": {"value": [...], "expires": 1717171717.5}}
//
// Every mutation takes an in-process mutex and an exclusive advisory lock
// on "<snapshot>.lock", then replaces the snapshot with an atomic rename, so
// concurrent writers in one or more processes never lose each other's keys.
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/exploopio/reconx/pkg/core"
	"github.com/exploopio/reconx/pkg/errors"
	"github.com/exploopio/reconx/pkg/metrics"
)

// entry is one snapshot record.
type entry struct {
	Value   json.RawMessage `json:"value"`
	Expires float64         `json:"expires"`
}

// Cache is a TTL cache persisted to a JSON snapshot file.
type Cache struct {
	path     string
	lockPath string

	mu      sync.Mutex
	now     func() time.Time
	logger  core.Logger
	metrics metrics.Collector
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l core.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Collector) Option {
	return func(c *Cache) { c.metrics = m }
}

// New returns a cache backed by the snapshot at path. Nothing is created on
// disk until the first Set.
func New(path string, opts ...Option) *Cache {
	c := &Cache{
		path:     path,
		lockPath: path + ".lock",
		now:      time.Now,
		logger:   &core.NopLogger{},
		metrics:  &metrics.NopCollector{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Path returns the snapshot location.
func (c *Cache) Path() string {
	return c.path
}

// Get returns the raw value stored under key. An expired entry is removed
// from the snapshot and reported as absent.
func (c *Cache) Get(key string) (json.RawMessage, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := os.Stat(c.path); os.IsNotExist(err) {
		c.metrics.CounterInc(metrics.CacheLookups.Name, "result", metrics.CacheMiss)
		return nil, false, nil
	}

	var (
		value json.RawMessage
		found bool
	)
	err := c.withFileLock(func() error {
		entries := c.load()
		e, ok := entries[key]
		if !ok {
			c.metrics.CounterInc(metrics.CacheLookups.Name, "result", metrics.CacheMiss)
			return nil
		}
		if c.unixNow() > e.Expires {
			delete(entries, key)
			c.metrics.CounterInc(metrics.CacheLookups.Name, "result", metrics.CacheExpired)
			c.logger.Debug("cache entry %s expired", key)
			return c.save(entries)
		}
		c.metrics.CounterInc(metrics.CacheLookups.Name, "result", metrics.CacheHit)
		value, found = e.Value, true
		return nil
	})
	if err != nil {
		return nil, false, errors.E(errors.KindInternal, "cache.Get", err)
	}
	return value, found, nil
}

// GetInto decodes the value under key into v. It reports whether a live
// entry was found.
func (c *Cache) GetInto(key string, v any) (bool, error) {
	raw, ok, err := c.Get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return true, nil
}

// Set stores value under key until now+ttl. A zero or negative ttl stores
// an entry that is already due to expire.
func (c *Cache) Set(key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.E(errors.KindInvalidInput, "cache.Set", "value is not JSON-serializable", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if dir := filepath.Dir(c.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.E(errors.KindInternal, "cache.Set", "create cache directory", err)
		}
	}

	err = c.withFileLock(func() error {
		entries := c.load()
		entries[key] = entry{Value: raw, Expires: c.unixNow() + ttl.Seconds()}
		return c.save(entries)
	})
	if err != nil {
		return errors.E(errors.KindInternal, "cache.Set", err)
	}
	return nil
}

// load reads the snapshot. A missing file is empty; an unparsable one is
// logged and treated as empty. Callers must hold the locks.
func (c *Cache) load() map[string]entry {
	entries := make(map[string]entry)

	data, err := os.ReadFile(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("cache: read %s: %v", c.path, err)
		}
		return entries
	}
	if len(data) == 0 {
		return entries
	}

	if err := json.Unmarshal(data, &entries); err != nil {
		corrupt := errors.E(errors.KindCacheCorruption, "cache.load", c.path, err)
		c.logger.Warn("cache snapshot unreadable, starting empty: %v", corrupt)
		return make(map[string]entry)
	}
	return entries
}

// save replaces the snapshot atomically. Callers must hold the locks.
func (c *Cache) save(entries map[string]entry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.path), filepath.Base(c.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func (c *Cache) withFileLock(fn func() error) error {
	unlock, err := lockFile(c.lockPath)
	if err != nil {
		return fmt.Errorf("lock %s: %w", c.lockPath, err)
	}
	defer unlock()
	return fn()
}

func (c *Cache) unixNow() float64 {
	t := c.now()
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}
