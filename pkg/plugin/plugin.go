// Package plugin defines the contract every reconx data-collection plugin
// implements and discovers plugins from a directory of manifests.
//
// A plugin directory holds one subdirectory per plugin, each with a
// plugin.yaml manifest. The manifest binds the plugin to one of three
// runtimes: a builtin compiled into the binary, an external executable, or
// a gRPC service.
package plugin

import (
	"context"
	"net/http"
	"slices"
	"time"

	"google.golang.org/grpc"

	"github.com/exploopio/reconx/pkg/core"
	"github.com/exploopio/reconx/pkg/finding"
)

// Plugin is a data-collection plugin.
type Plugin interface {
	// Name identifies the plugin; it becomes the module field of its findings.
	Name() string

	// Version is informational.
	Version() string

	// InputsSupported lists the target kinds the plugin accepts (e.g. "domain").
	InputsSupported() []string

	// Run collects data about target and returns zero or more records.
	// Upstream failures should be reported as records with confidence 0.0;
	// a returned error discards the whole run.
	Run(ctx context.Context, target string) ([]finding.Candidate, error)
}

// Cache is the subset of the TTL cache plugins use.
type Cache interface {
	GetInto(key string, v any) (bool, error)
	Set(key string, value any, ttl time.Duration) error
}

// Deps are the shared collaborators handed to plugin factories and adapters.
type Deps struct {
	Cache      Cache
	Logger     core.Logger
	HTTPClient *http.Client

	// GRPCDialOptions are appended to the defaults when connecting to gRPC
	// plugins.
	GRPCDialOptions []grpc.DialOption

	// Now is the clock used to stamp findings.
	Now func() time.Time
}

// WithDefaults fills unset fields: a no-op logger, a cache that never hits,
// http.DefaultClient and time.Now.
func (d Deps) WithDefaults() Deps {
	if d.Cache == nil {
		d.Cache = noCache{}
	}
	if d.Logger == nil {
		d.Logger = &core.NopLogger{}
	}
	if d.HTTPClient == nil {
		d.HTTPClient = http.DefaultClient
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

type noCache struct{}

func (noCache) GetInto(string, any) (bool, error)    { return false, nil }
func (noCache) Set(string, any, time.Duration) error { return nil }

// Handle is a loaded plugin plus what discovery learned about it.
type Handle struct {
	Name            string
	Version         string
	InputsSupported []string
	Kind            Kind
	Dir             string
	Plugin          Plugin
}

// Supports reports whether the plugin declares input.
func (h *Handle) Supports(input string) bool {
	return slices.Contains(h.InputsSupported, input)
}

// Failure records a plugin directory that could not be loaded.
type Failure struct {
	Dir string
	Err error
}

// Discovery is the result of scanning a plugin directory.
type Discovery struct {
	Handles  []*Handle
	Failures []Failure
}

// Close releases resources held by loaded plugins, such as gRPC
// connections.
func (d *Discovery) Close() error {
	var first error
	for _, h := range d.Handles {
		if c, ok := h.Plugin.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
