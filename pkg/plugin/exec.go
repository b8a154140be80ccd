package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/exploopio/reconx/pkg/errors"
	"github.com/exploopio/reconx/pkg/finding"
)

// waitDelay bounds how long Run waits for orphaned children holding the
// output pipes after the command is killed.
const waitDelay = 2 * time.Second

// ExecPlugin runs an external program per scan. The program receives the
// target as its last argument and in RECONX_TARGET, and must print a JSON
// array of finding objects on stdout.
type ExecPlugin struct {
	manifest *Manifest
	path     string
	dir      string
	deps     Deps
}

// NewExecPlugin resolves the manifest's command. A command that cannot be
// found is a load error.
func NewExecPlugin(dir string, m *Manifest, deps Deps) (*ExecPlugin, error) {
	if m.Exec == nil || m.Exec.Command == "" {
		return nil, fmt.Errorf("exec.command is required")
	}
	path, err := resolveCommand(dir, m.Exec.Command)
	if err != nil {
		return nil, err
	}
	return &ExecPlugin{manifest: m, path: path, dir: dir, deps: deps.WithDefaults()}, nil
}

func resolveCommand(dir, command string) (string, error) {
	local := command
	if !filepath.IsAbs(local) {
		local = filepath.Join(dir, command)
	}
	if info, err := os.Stat(local); err == nil && !info.IsDir() {
		if info.Mode()&0111 == 0 {
			return "", fmt.Errorf("%s is not executable", local)
		}
		abs, err := filepath.Abs(local)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	if strings.ContainsRune(command, filepath.Separator) {
		return "", fmt.Errorf("command %s not found", command)
	}
	path, err := exec.LookPath(command)
	if err != nil {
		return "", fmt.Errorf("command %s not found: %w", command, err)
	}
	return path, nil
}

func (p *ExecPlugin) Name() string              { return p.manifest.Name }
func (p *ExecPlugin) Version() string           { return p.manifest.Version }
func (p *ExecPlugin) InputsSupported() []string { return p.manifest.InputsSupported }

// Run executes the command and decodes its output.
func (p *ExecPlugin) Run(ctx context.Context, target string) ([]finding.Candidate, error) {
	const op = "plugin.ExecPlugin.Run"

	if p.manifest.Exec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.manifest.Exec.Timeout)
		defer cancel()
	}

	args := append(append([]string{}, p.manifest.Exec.Args...), target)
	cmd := exec.CommandContext(ctx, p.path, args...)
	cmd.Dir = p.dir
	cmd.WaitDelay = waitDelay
	cmd.Env = append(os.Environ(), "RECONX_TARGET="+target)

	keys := make([]string, 0, len(p.manifest.Exec.Env))
	for k := range p.manifest.Exec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+p.manifest.Exec.Env[k])
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.E(errors.KindTimeout, op, fmt.Sprintf("%s timed out after %v", p.Name(), p.manifest.Exec.Timeout), err)
		}
		return nil, errors.E(errors.KindPluginRuntime, op,
			fmt.Sprintf("running %s: %s", p.Name(), strings.TrimSpace(stderr.String())), err)
	}

	if s := strings.TrimSpace(stderr.String()); s != "" {
		p.deps.Logger.Debug("%s stderr: %s", p.Name(), s)
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return nil, errors.E(errors.KindPluginRuntime, op, fmt.Sprintf("%s did not output any data", p.Name()))
	}

	var candidates []json.RawMessage
	if err := json.Unmarshal(out, &candidates); err != nil {
		return nil, errors.E(errors.KindPluginRuntime, op, fmt.Sprintf("decoding %s output", p.Name()), err)
	}
	return candidates, nil
}

var _ Plugin = (*ExecPlugin)(nil)
