// Package mocks provides mock implementations for testing.
package mocks

import (
	"context"
	"sync"

	"github.com/exploopio/reconx/pkg/finding"
	"github.com/exploopio/reconx/pkg/plugin"
)

// =============================================================================
// Mock Plugin
// =============================================================================

// MockPlugin is a mock implementation of plugin.Plugin for testing.
// It is safe for concurrent use.
type MockPlugin struct {
	NameVal    string
	VersionVal string
	InputsVal  []string

	// RunFn is called when Run is invoked
	RunFn func(ctx context.Context, target string) ([]finding.Candidate, error)

	mu       sync.Mutex
	RunCalls []string
}

func (m *MockPlugin) Name() string    { return m.NameVal }
func (m *MockPlugin) Version() string { return m.VersionVal }

func (m *MockPlugin) InputsSupported() []string {
	if m.InputsVal == nil {
		return []string{"domain"}
	}
	return m.InputsVal
}

func (m *MockPlugin) Run(ctx context.Context, target string) ([]finding.Candidate, error) {
	m.mu.Lock()
	m.RunCalls = append(m.RunCalls, target)
	m.mu.Unlock()
	if m.RunFn != nil {
		return m.RunFn(ctx, target)
	}
	return nil, nil
}

// Calls returns the targets Run was invoked with.
func (m *MockPlugin) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.RunCalls...)
}

// Returning builds a MockPlugin that emits fs.
func Returning(name string, fs ...finding.Finding) *MockPlugin {
	return &MockPlugin{
		NameVal:    name,
		VersionVal: "1.0.0",
		RunFn: func(ctx context.Context, target string) ([]finding.Candidate, error) {
			return finding.Encode(fs...)
		},
	}
}

// =============================================================================
// Mock Discoverer
// =============================================================================

// MockDiscoverer returns a fixed discovery for every directory.
type MockDiscoverer struct {
	Plugins  []plugin.Plugin
	Failures []plugin.Failure

	// DiscoverFn overrides the fixed result when set
	DiscoverFn func(dir string) (*plugin.Discovery, error)

	DiscoverCalls []string
}

func (m *MockDiscoverer) Discover(dir string) (*plugin.Discovery, error) {
	m.DiscoverCalls = append(m.DiscoverCalls, dir)
	if m.DiscoverFn != nil {
		return m.DiscoverFn(dir)
	}
	d := &plugin.Discovery{Failures: m.Failures}
	for _, p := range m.Plugins {
		d.Handles = append(d.Handles, &plugin.Handle{
			Name:            p.Name(),
			Version:         p.Version(),
			InputsSupported: p.InputsSupported(),
			Kind:            plugin.KindBuiltin,
			Dir:             dir,
			Plugin:          p,
		})
	}
	return d, nil
}

// =============================================================================
// Mock Store
// =============================================================================

// MockStore is an in-memory stand-in for the findings store.
type MockStore struct {
	// InitFn is called when Init is invoked
	InitFn func(ctx context.Context) error

	// AppendFn is called when Append is invoked
	AppendFn func(ctx context.Context, fs []finding.Finding) error

	mu          sync.Mutex
	InitCalls   int
	AppendCalls [][]finding.Finding
	Findings    []finding.Finding
}

func (m *MockStore) Init(ctx context.Context) error {
	m.mu.Lock()
	m.InitCalls++
	m.mu.Unlock()
	if m.InitFn != nil {
		return m.InitFn(ctx)
	}
	return nil
}

func (m *MockStore) Append(ctx context.Context, fs []finding.Finding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppendCalls = append(m.AppendCalls, fs)
	if m.AppendFn != nil {
		if err := m.AppendFn(ctx, fs); err != nil {
			return err
		}
	}
	m.Findings = append(m.Findings, fs...)
	return nil
}

// Count returns the number of findings appended so far.
func (m *MockStore) Count(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Findings), nil
}

var _ plugin.Plugin = (*MockPlugin)(nil)
