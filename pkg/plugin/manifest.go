package plugin

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/exploopio/reconx/pkg/core"
	"github.com/exploopio/reconx/pkg/errors"
)

// ManifestFile is the manifest name looked up in each plugin directory.
const ManifestFile = "plugin.yaml"

// Kind selects the runtime that backs a plugin.
type Kind string

const (
	KindBuiltin Kind = "builtin"
	KindExec    Kind = "exec"
	KindGRPC    Kind = "grpc"
)

// Manifest describes one plugin directory.
type Manifest struct {
	Name            string   `yaml:"name"`
	Version         string   `yaml:"version"`
	InputsSupported []string `yaml:"inputs_supported"`
	Kind            Kind     `yaml:"kind"`

	// Builtin is the factory ID for kind: builtin.
	Builtin string `yaml:"builtin,omitempty"`

	Exec *ExecConfig `yaml:"exec,omitempty"`
	GRPC *GRPCConfig `yaml:"grpc,omitempty"`

	// Params are free-form settings handed to builtin factories.
	Params map[string]any `yaml:"params,omitempty"`
}

// ExecConfig configures an external-executable plugin.
type ExecConfig struct {
	// Command is resolved relative to the plugin directory when it names
	// a file there, otherwise through PATH.
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
}

// GRPCConfig configures a gRPC plugin.
type GRPCConfig struct {
	Address string        `yaml:"address"`
	Timeout time.Duration `yaml:"timeout,omitempty"`

	UseTLS             bool `yaml:"use_tls,omitempty"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify,omitempty"`

	// TokenEnv names an environment variable holding a bearer token sent
	// as authorization metadata on every call.
	TokenEnv string `yaml:"token_env,omitempty"`

	KeepAliveTime    time.Duration `yaml:"keepalive_time,omitempty"`
	KeepAliveTimeout time.Duration `yaml:"keepalive_timeout,omitempty"`
	MaxRecvMsgSize   int           `yaml:"max_recv_msg_size,omitempty"`
}

// LoadManifest reads and validates dir/plugin.yaml.
func LoadManifest(dir string) (*Manifest, error) {
	const op = "plugin.LoadManifest"

	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if os.IsNotExist(err) {
		return nil, errors.E(errors.KindLoadFailure, op, errors.ErrNoManifest)
	}
	if err != nil {
		return nil, errors.E(errors.KindLoadFailure, op, "read manifest", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.E(errors.KindLoadFailure, op, "parse manifest", err)
	}
	if err := m.Validate(); err != nil {
		return nil, errors.E(errors.KindLoadFailure, op, err)
	}
	return &m, nil
}

// Validate checks that the manifest carries what its kind needs.
func (m *Manifest) Validate() error {
	v := core.NewValidator()
	v.Required("kind", string(m.Kind))
	v.OneOf("kind", string(m.Kind), []string{string(KindBuiltin), string(KindExec), string(KindGRPC)})

	switch m.Kind {
	case KindBuiltin:
		v.Required("builtin", m.Builtin)
	case KindExec:
		v.Required("name", m.Name)
		if m.Exec == nil {
			v.Add("exec", "is required for kind exec")
		} else {
			v.Required("exec.command", m.Exec.Command)
		}
	case KindGRPC:
		v.Required("name", m.Name)
		if m.GRPC == nil {
			v.Add("grpc", "is required for kind grpc")
		} else {
			v.Required("grpc.address", m.GRPC.Address)
		}
	}
	return v.Validate("plugin.Manifest")
}

// Write stores m as dir/plugin.yaml.
func (m *Manifest) Write(dir string, overwrite bool) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create plugin dir: %w", err)
	}
	path := filepath.Join(dir, ManifestFile)
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// ParamString returns params[key] as a string, or def when unset or empty.
func (m *Manifest) ParamString(key, def string) string {
	if s, ok := m.Params[key].(string); ok && s != "" {
		return s
	}
	return def
}

// ParamDuration parses params[key] as a duration ("3s") or a number of
// seconds. It returns def when the key is unset.
func (m *Manifest) ParamDuration(key string, def time.Duration) (time.Duration, error) {
	switch v := m.Params[key].(type) {
	case nil:
		return def, nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("params.%s: %w", key, err)
		}
		return d, nil
	case int:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("params.%s: unsupported value %v", key, v)
	}
}

// ParamInt returns params[key] as an int, or def when unset. Whole floats
// are accepted since JSON-decoded params carry numbers as float64.
func (m *Manifest) ParamInt(key string, def int) (int, error) {
	switch v := m.Params[key].(type) {
	case nil:
		return def, nil
	case int:
		return v, nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("params.%s: expected an integer, got %v", key, v)
		}
		return int(v), nil
	default:
		return 0, fmt.Errorf("params.%s: expected an integer, got %v", key, v)
	}
}

// ParamFloat returns params[key] as a float64, or def when unset.
func (m *Manifest) ParamFloat(key string, def float64) (float64, error) {
	switch v := m.Params[key].(type) {
	case nil:
		return def, nil
	case int:
		return float64(v), nil
	case float64:
		return v, nil
	default:
		return 0, fmt.Errorf("params.%s: expected a number, got %v", key, v)
	}
}
