package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/exploopio/reconx/pkg/audit"
	"github.com/exploopio/reconx/pkg/config"
	"github.com/exploopio/reconx/pkg/core"
	"github.com/exploopio/reconx/pkg/metrics"
)

// globalFlags are the persistent flags shared by every command. Flags that
// were not set on the command line leave the configuration untouched.
type globalFlags struct {
	configPath  string
	pluginDir   string
	cachePath   string
	dbPath      string
	logLevel    string
	logFile     string
	auditLog    string
	metricsFile string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:           appName,
		Short:         "Modular reconnaissance orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", config.DefaultPath, "path to config file")
	pf.StringVar(&g.pluginDir, "plugin-dir", "", "plugin directory (default from config: plugins)")
	pf.StringVar(&g.cachePath, "cache", "", "cache snapshot path (default from config: cache.json)")
	pf.StringVar(&g.dbPath, "db", "", "SQLite database path (default from config: reconx.db)")
	pf.StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&g.logFile, "log-file", "", "log file, tee'd with stderr")
	pf.StringVar(&g.auditLog, "audit-log", "", "JSON-lines audit log (disabled when empty)")
	pf.StringVar(&g.metricsFile, "metrics-file", "", "write Prometheus metrics to this file after the command")

	root.AddCommand(
		newScanCmd(g),
		newExportCmd(g),
		newListPluginsCmd(g),
		newInitCmd(g),
		newVersionCmd(),
	)
	return root
}

// loadConfig applies defaults, the config file, the environment and the
// flags that were set, in that order. With requireFile, a --config path that
// does not exist is an error.
func (g *globalFlags) loadConfig(cmd *cobra.Command, requireFile bool) (*config.Config, error) {
	required := requireFile && cmd.Flags().Changed("config")
	cfg, err := config.Load(g.configPath, required)
	if err != nil {
		return nil, err
	}

	overrides := []struct {
		flag string
		src  string
		dst  *string
	}{
		{"plugin-dir", g.pluginDir, &cfg.PluginDir},
		{"cache", g.cachePath, &cfg.CachePath},
		{"db", g.dbPath, &cfg.DatabasePath},
		{"log-level", g.logLevel, &cfg.Log.Level},
		{"log-file", g.logFile, &cfg.Log.File},
		{"audit-log", g.auditLog, &cfg.AuditLog},
		{"metrics-file", g.metricsFile, &cfg.MetricsFile},
	}
	for _, o := range overrides {
		if cmd.Flags().Changed(o.flag) {
			*o.dst = o.src
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// app holds what a command needs at runtime.
type app struct {
	cfg     *config.Config
	logger  *core.LogrusLogger
	metrics *metrics.PrometheusCollector
	audit   audit.Recorder

	closers []func() error
}

func (g *globalFlags) newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := g.loadConfig(cmd, true)
	if err != nil {
		return nil, err
	}

	logger, logCloser, err := core.NewLogger(core.LogOptions{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.NewPrometheusCollector(&metrics.PrometheusConfig{RegisterDefaultMetrics: true}),
		audit:   audit.Nop{},
	}

	if cfg.MetricsFile != "" {
		a.closers = append(a.closers, func() error {
			if err := a.metrics.WriteTextfile(cfg.MetricsFile); err != nil {
				return fmt.Errorf("write metrics: %w", err)
			}
			return nil
		})
	}

	if cfg.AuditLog != "" {
		al, err := audit.NewLogger(&audit.LoggerConfig{LogFile: cfg.AuditLog})
		if err != nil {
			_ = logCloser.Close()
			return nil, err
		}
		a.audit = al
		a.closers = append(a.closers, al.Close)
	}

	a.closers = append(a.closers, logCloser.Close)
	return a, nil
}

// Close runs the cleanup steps in registration order and joins their
// errors.
func (a *app) Close() error {
	var errs []error
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func closeInto(err *error, c io.Closer) {
	if cerr := c.Close(); cerr != nil && *err == nil {
		*err = cerr
	}
}
