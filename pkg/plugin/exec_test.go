//go:build unix

package plugin

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exploopio/reconx/pkg/errors"
	"github.com/exploopio/reconx/pkg/finding"
)

func writeScript(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte("#!/bin/sh\n"+body), 0755))
}

func execManifest(timeout time.Duration) *Manifest {
	return &Manifest{
		Name:            "shell",
		Version:         "2.0.0",
		InputsSupported: []string{"domain"},
		Kind:            KindExec,
		Exec: &ExecConfig{
			Command: "run.sh",
			Args:    []string{"--json"},
			Timeout: timeout,
			Env:     map[string]string{"GREETING": "hi"},
		},
	}
}

func TestExecPlugin_Run(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "shell")
	writeScript(t, dir, `
[ "$1" = "--json" ] || exit 3
cat <<EOF
[{"target":"$2","module":"shell","type":"$GREETING","confidence":1,"priority":3,"evidence":[],"meta":{"env":"$RECONX_TARGET"}}]
EOF
`)

	p, err := NewExecPlugin(dir, execManifest(0), Deps{})
	require.NoError(t, err)
	assert.Equal(t, "shell", p.Name())
	assert.Equal(t, "2.0.0", p.Version())

	cs, err := p.Run(context.Background(), "example.com")
	require.NoError(t, err)
	require.Len(t, cs, 1)

	f, err := finding.Validate(cs[0])
	require.NoError(t, err)
	assert.Equal(t, "example.com", f.Target)
	assert.Equal(t, "hi", f.Type)
	assert.Equal(t, "example.com", f.Meta["env"])
}

func TestExecPlugin_Failures(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		timeout time.Duration
		kind    errors.Kind
	}{
		{"non-zero exit", "echo broken >&2\nexit 1\n", 0, errors.KindPluginRuntime},
		{"no output", "exit 0\n", 0, errors.KindPluginRuntime},
		{"not json", "echo hello\n", 0, errors.KindPluginRuntime},
		{"object not array", "echo '{}'\n", 0, errors.KindPluginRuntime},
		{"timeout", "sleep 5\n", 100 * time.Millisecond, errors.KindTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "shell")
			writeScript(t, dir, tt.script)

			p, err := NewExecPlugin(dir, execManifest(tt.timeout), Deps{})
			require.NoError(t, err)

			_, err = p.Run(context.Background(), "example.com")
			require.Error(t, err)
			assert.Equal(t, tt.kind, errors.GetKind(err), "unexpected error: %v", err)
		})
	}
}

func TestExecPlugin_ResolveCommand(t *testing.T) {
	dir := t.TempDir()

	_, err := NewExecPlugin(dir, execManifest(0), Deps{})
	assert.Error(t, err, "missing local command should fail to load")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte("#!/bin/sh\n"), 0644))
	_, err = NewExecPlugin(dir, execManifest(0), Deps{})
	assert.Error(t, err, "non-executable command should fail to load")

	m := execManifest(0)
	m.Exec.Command = "sh"
	p, err := NewExecPlugin(dir, m, Deps{})
	require.NoError(t, err, "commands on PATH should resolve")
	assert.True(t, filepath.IsAbs(p.path))
}

func TestRegistry_LoadsExecPlugin(t *testing.T) {
	dir := t.TempDir()
	pd := writeManifest(t, dir, "shell", "name: shell\nversion: 1.2.3\ninputs_supported: [domain]\nkind: exec\nexec:\n  command: run.sh\n  timeout: 30s\n")
	writeScript(t, pd, "echo '[]'\n")

	d, err := NewRegistry(nil, Deps{}).Discover(dir)
	require.NoError(t, err)
	require.Len(t, d.Handles, 1)
	assert.Equal(t, "1.2.3", d.Handles[0].Version)
	assert.Equal(t, KindExec, d.Handles[0].Kind)

	cs, err := d.Handles[0].Plugin.Run(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Empty(t, cs)
}
