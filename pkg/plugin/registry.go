package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/exploopio/reconx/pkg/core"
	"github.com/exploopio/reconx/pkg/errors"
	"github.com/exploopio/reconx/pkg/metrics"
)

// Registry discovers and loads plugins.
type Registry struct {
	builtins *Builtins
	deps     Deps
	logger   core.Logger
	metrics  metrics.Collector
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger.
func WithLogger(l core.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Collector) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry returns a registry that binds builtin manifests to builtins
// and hands deps to every plugin it constructs.
func NewRegistry(builtins *Builtins, deps Deps, opts ...RegistryOption) *Registry {
	if builtins == nil {
		builtins = NewBuiltins()
	}
	r := &Registry{
		builtins: builtins,
		deps:     deps.WithDefaults(),
		logger:   &core.NopLogger{},
		metrics:  &metrics.NopCollector{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Builtins returns the builtin set the registry binds against.
func (r *Registry) Builtins() *Builtins {
	return r.builtins
}

// Discover loads every plugin under dir. Each direct subdirectory is one
// candidate; candidates that fail to load are recorded in Failures and
// skipped. A missing dir yields an empty Discovery. Any other error reading
// dir is returned.
func (r *Registry) Discover(dir string) (*Discovery, error) {
	const op = "plugin.Discover"

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		r.logger.Warn("plugin directory %s does not exist; no plugins loaded", dir)
		r.metrics.GaugeSet(metrics.PluginsDiscovered.Name, 0)
		return &Discovery{}, nil
	}
	if err != nil {
		return nil, errors.E(errors.KindInternal, op, "read plugin directory", err)
	}

	d := &Discovery{}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		path := filepath.Join(dir, e.Name())

		h, err := r.Load(path)
		if err != nil {
			r.logger.Warn("skipping plugin %s: %v", e.Name(), err)
			r.metrics.CounterInc(metrics.PluginLoadFailures.Name)
			d.Failures = append(d.Failures, Failure{Dir: path, Err: err})
			continue
		}
		r.logger.Debug("loaded plugin %s v%s (%s)", h.Name, h.Version, h.Kind)
		d.Handles = append(d.Handles, h)
	}

	r.metrics.GaugeSet(metrics.PluginsDiscovered.Name, float64(len(d.Handles)))
	return d, nil
}

// Load loads the single plugin in dir.
func (r *Registry) Load(dir string) (*Handle, error) {
	const op = "plugin.Load"

	m, err := LoadManifest(dir)
	if err != nil {
		return nil, err
	}

	var p Plugin
	switch m.Kind {
	case KindBuiltin:
		factory, ok := r.builtins.Lookup(m.Builtin)
		if !ok {
			return nil, errors.E(errors.KindLoadFailure, op, fmt.Sprintf("unknown builtin %q", m.Builtin))
		}
		p, err = factory(m, r.deps)
	case KindExec:
		p, err = NewExecPlugin(dir, m, r.deps)
	case KindGRPC:
		p, err = NewGRPCPlugin(m, r.deps)
	}
	if err != nil {
		return nil, errors.E(errors.KindLoadFailure, op, err)
	}
	if p == nil {
		return nil, errors.E(errors.KindLoadFailure, op, "plugin constructor returned nil")
	}

	return &Handle{
		Name:            p.Name(),
		Version:         p.Version(),
		InputsSupported: p.InputsSupported(),
		Kind:            m.Kind,
		Dir:             dir,
		Plugin:          p,
	}, nil
}
