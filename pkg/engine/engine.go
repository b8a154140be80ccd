// Package engine runs every discovered plugin against a target, validates
// what they emit and persists the accepted findings.
//
// Plugins run concurrently, one goroutine each, and are isolated from one
// another: an error or panic in one plugin drops only its contribution.
// Only storage and plugin-directory failures abort a scan.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/exploopio/reconx/pkg/audit"
	"github.com/exploopio/reconx/pkg/core"
	"github.com/exploopio/reconx/pkg/errors"
	"github.com/exploopio/reconx/pkg/finding"
	"github.com/exploopio/reconx/pkg/metrics"
	"github.com/exploopio/reconx/pkg/plugin"
)

// Store persists accepted findings.
type Store interface {
	Init(ctx context.Context) error
	Append(ctx context.Context, fs []finding.Finding) error
}

// Discoverer loads the plugins in a directory.
type Discoverer interface {
	Discover(dir string) (*plugin.Discovery, error)
}

// Engine orchestrates scans.
type Engine struct {
	pluginDir  string
	discoverer Discoverer
	store      Store

	logger  core.Logger
	metrics metrics.Collector
	audit   audit.Recorder
	now     func() time.Time
	newID   func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l core.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithAudit sets the audit recorder.
func WithAudit(r audit.Recorder) Option {
	return func(e *Engine) { e.audit = r }
}

// WithClock sets the clock used to stamp findings that carry no scanned_at.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithScanID sets the generator for per-scan correlation IDs.
func WithScanID(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// New returns an engine that loads plugins from pluginDir through d and
// stores findings in s.
func New(pluginDir string, d Discoverer, s Store, opts ...Option) *Engine {
	e := &Engine{
		pluginDir:  pluginDir,
		discoverer: d,
		store:      s,
		logger:     &core.NopLogger{},
		metrics:    &metrics.NopCollector{},
		audit:      audit.Nop{},
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NormalizeTarget reduces a URL to its host name. Anything else, including
// a URL without a host, is returned unchanged.
func NormalizeTarget(raw string) string {
	if !strings.Contains(raw, "://") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return raw
	}
	return u.Hostname()
}

// Run scans rawTarget with every discovered plugin and returns the accepted
// findings in discovery order. The returned slice is never nil on success.
func (e *Engine) Run(ctx context.Context, rawTarget string) ([]finding.Finding, error) {
	const op = "engine.Run"

	scanID := e.newID()
	target := NormalizeTarget(rawTarget)
	started := e.now()

	e.logger.Info("scan %s started for %s", scanID, target)
	e.audit.Log(audit.Event{
		Type:    audit.EventScanStarted,
		ScanID:  scanID,
		Target:  target,
		Message: fmt.Sprintf("scan of %s started", target),
	})

	if err := e.store.Init(ctx); err != nil {
		return nil, e.fail(scanID, target, started, errors.E(errors.KindStorage, op, "initialize storage", err))
	}

	d, err := e.discoverer.Discover(e.pluginDir)
	if err != nil {
		return nil, e.fail(scanID, target, started, errors.E(errors.GetKind(err), op, "discover plugins", err))
	}
	defer d.Close()

	for _, f := range d.Failures {
		e.audit.Log(audit.Event{
			Type:     audit.EventPluginLoadFailed,
			Severity: audit.SeverityWarning,
			ScanID:   scanID,
			Target:   target,
			Message:  fmt.Sprintf("plugin in %s was not loaded", f.Dir),
			Error:    f.Err.Error(),
		})
	}

	if len(d.Handles) == 0 {
		e.logger.Info("scan %s: no plugins found in %s", scanID, e.pluginDir)
		e.complete(scanID, target, started, 0, 0)
		return []finding.Finding{}, nil
	}

	results := make([][]finding.Finding, len(d.Handles))
	var wg sync.WaitGroup
	for i, h := range d.Handles {
		wg.Add(1)
		go func(i int, h *plugin.Handle) {
			defer wg.Done()
			results[i] = e.runPlugin(ctx, scanID, target, started, h)
		}(i, h)
	}
	wg.Wait()

	aggregate := []finding.Finding{}
	for _, r := range results {
		aggregate = append(aggregate, r...)
	}

	if len(aggregate) > 0 {
		if err := e.store.Append(ctx, aggregate); err != nil {
			return nil, e.fail(scanID, target, started, errors.E(errors.KindStorage, op, "store findings", err))
		}
	}

	e.complete(scanID, target, started, len(d.Handles), len(aggregate))
	return aggregate, nil
}

// runPlugin runs one plugin and returns its valid findings. Failures are
// logged and recorded, never returned.
func (e *Engine) runPlugin(ctx context.Context, scanID, target string, started time.Time, h *plugin.Handle) (accepted []finding.Finding) {
	timer := metrics.NewTimer(e.metrics, metrics.PluginRunDuration.Name, "plugin", h.Name)
	defer timer.ObserveDuration()

	defer func() {
		if r := recover(); r != nil {
			accepted = nil
			e.pluginFailed(scanID, target, h, metrics.StatusPanic, fmt.Errorf("panic: %v", r))
		}
	}()

	candidates, err := h.Plugin.Run(ctx, target)
	if err != nil {
		e.pluginFailed(scanID, target, h, metrics.StatusFailed, err)
		return nil
	}

	for i, c := range candidates {
		f, err := finding.Validate(c)
		if err != nil {
			e.logger.Warn("scan %s: dropping record %d from %s: %v", scanID, i, h.Name, err)
			e.metrics.CounterInc(metrics.FindingsTotal.Name, "plugin", h.Name, "outcome", metrics.OutcomeRejected)
			e.audit.Log(audit.Event{
				Type:     audit.EventFindingRejected,
				Severity: audit.SeverityWarning,
				ScanID:   scanID,
				Target:   target,
				Plugin:   h.Name,
				Message:  fmt.Sprintf("record %d failed validation", i),
				Error:    err.Error(),
			})
			continue
		}
		if f.ScannedAt.IsZero() {
			f.ScannedAt = started
		}
		e.metrics.CounterInc(metrics.FindingsTotal.Name, "plugin", h.Name, "outcome", metrics.OutcomeAccepted)
		accepted = append(accepted, f)
	}

	e.metrics.CounterInc(metrics.PluginRunsTotal.Name, "plugin", h.Name, "status", metrics.StatusOK)
	e.logger.Debug("scan %s: %s returned %d findings", scanID, h.Name, len(accepted))
	return accepted
}

func (e *Engine) pluginFailed(scanID, target string, h *plugin.Handle, status string, err error) {
	e.logger.Warn("scan %s: plugin %s failed: %v", scanID, h.Name, err)
	e.metrics.CounterInc(metrics.PluginRunsTotal.Name, "plugin", h.Name, "status", status)
	e.audit.Log(audit.Event{
		Type:     audit.EventPluginFailed,
		Severity: audit.SeverityWarning,
		ScanID:   scanID,
		Target:   target,
		Plugin:   h.Name,
		Message:  fmt.Sprintf("plugin %s contributed no findings", h.Name),
		Error:    err.Error(),
	})
}

func (e *Engine) complete(scanID, target string, started time.Time, plugins, findings int) {
	e.metrics.CounterInc(metrics.ScansTotal.Name, "status", metrics.StatusOK)
	e.logger.Info("scan %s completed: %d findings from %d plugins", scanID, findings, plugins)
	e.audit.Log(audit.Event{
		Type:     audit.EventScanCompleted,
		ScanID:   scanID,
		Target:   target,
		Message:  fmt.Sprintf("scan of %s completed", target),
		Duration: e.now().Sub(started),
		Details:  map[string]interface{}{"plugins": plugins, "findings": findings},
	})
}

func (e *Engine) fail(scanID, target string, started time.Time, err error) error {
	e.metrics.CounterInc(metrics.ScansTotal.Name, "status", metrics.StatusFailed)
	e.logger.Error("scan %s failed: %v", scanID, err)
	e.audit.Log(audit.Event{
		Type:     audit.EventScanFailed,
		Severity: audit.SeverityError,
		ScanID:   scanID,
		Target:   target,
		Message:  fmt.Sprintf("scan of %s failed", target),
		Error:    err.Error(),
		Duration: e.now().Sub(started),
	})
	return err
}

// Render writes findings as an indented JSON array, "[]" when empty.
func Render(w io.Writer, findings []finding.Finding) error {
	if findings == nil {
		findings = []finding.Finding{}
	}
	out, err := json.MarshalIndent(findings, "", "  ")
	if err != nil {
		return fmt.Errorf("render findings: %w", err)
	}
	out = append(out, '\n')
	_, err = w.Write(out)
	return err
}
