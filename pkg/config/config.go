// Package config loads reconx settings from a YAML file and the environment.
//
// Precedence, lowest first: built-in defaults, the YAML file, RECONX_*
// environment variables, then command-line flags (applied by the caller).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/exploopio/reconx/pkg/core"
	"github.com/exploopio/reconx/pkg/errors"
)

// DefaultPath is the config file looked up in the working directory.
const DefaultPath = "reconx.yaml"

// Config is the full reconx configuration.
type Config struct {
	PluginDir    string `yaml:"plugin_dir"`
	CachePath    string `yaml:"cache_path"`
	DatabasePath string `yaml:"database_path"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		File   string `yaml:"file"`
	} `yaml:"log"`

	// AuditLog enables the JSON-lines audit trail when set.
	AuditLog string `yaml:"audit_log"`

	// MetricsFile enables a Prometheus textfile dump after each command.
	MetricsFile string `yaml:"metrics_file"`

	Export struct {
		Compression string `yaml:"compression"`
	} `yaml:"export"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{
		PluginDir:    "plugins",
		CachePath:    "cache.json",
		DatabasePath: "reconx.db",
	}
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.Log.File = "reconx.log"
	cfg.Export.Compression = "none"
	return cfg
}

// Load returns defaults overlaid with the YAML file at path and the
// environment. A missing file is only an error when required is true.
func Load(path string, required bool) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			expanded := os.ExpandEnv(string(data))
			if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
				return nil, errors.E(errors.KindInvalidInput, "config.Load", "parse config", err)
			}
		case os.IsNotExist(err) && !required:
		default:
			return nil, errors.E(errors.KindInvalidInput, "config.Load", "read config", err)
		}
	}

	cfg.ApplyEnv(os.Getenv)
	return cfg, nil
}

// ApplyEnv overrides fields from RECONX_* variables.
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, name string) {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}
	set(&c.PluginDir, "RECONX_PLUGIN_DIR")
	set(&c.CachePath, "RECONX_CACHE_PATH")
	set(&c.DatabasePath, "RECONX_DATABASE_PATH")
	set(&c.Log.Level, "RECONX_LOG_LEVEL")
	set(&c.Log.Format, "RECONX_LOG_FORMAT")
	set(&c.Log.File, "RECONX_LOG_FILE")
	set(&c.AuditLog, "RECONX_AUDIT_LOG")
	set(&c.MetricsFile, "RECONX_METRICS_FILE")
	set(&c.Export.Compression, "RECONX_EXPORT_COMPRESSION")
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	v := core.NewValidator()
	v.Required("plugin_dir", c.PluginDir)
	v.Required("cache_path", c.CachePath)
	v.Required("database_path", c.DatabasePath)
	v.NotDirectory("cache_path", c.CachePath)
	v.NotDirectory("database_path", c.DatabasePath)
	v.OneOf("log.level", c.Log.Level, []string{"debug", "info", "warn", "error"})
	v.OneOf("log.format", c.Log.Format, []string{"text", "json"})
	v.OneOf("export.compression", c.Export.Compression, []string{"none", "zstd", "gzip"})
	return v.Validate("config.Validate")
}

// Write stores c as YAML at path. Existing files are kept unless overwrite
// is set.
func (c *Config) Write(path string, overwrite bool) error {
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if !overwrite {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
