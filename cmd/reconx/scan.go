package main

import (
	"github.com/spf13/cobra"

	"github.com/exploopio/reconx/pkg/cache"
	"github.com/exploopio/reconx/pkg/engine"
	"github.com/exploopio/reconx/pkg/plugin"
	"github.com/exploopio/reconx/pkg/plugins"
	"github.com/exploopio/reconx/pkg/storage"
)

func newScanCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "scan <target>",
		Short: "Run every plugin against a domain or URL",
		Long: `Run every plugin in the plugin directory against target and print the
accepted findings as JSON. URLs are reduced to their host name.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			a, err := g.newApp(cmd)
			if err != nil {
				return err
			}
			defer closeInto(&err, a)

			registry := a.registry()

			store, err := storage.Open(a.cfg.DatabasePath,
				storage.WithLogger(a.logger.Component("storage")),
				storage.WithMetrics(a.metrics),
			)
			if err != nil {
				return err
			}
			defer closeInto(&err, store)

			e := engine.New(a.cfg.PluginDir, registry, store,
				engine.WithLogger(a.logger.Component("engine")),
				engine.WithMetrics(a.metrics),
				engine.WithAudit(a.audit),
			)

			findings, err := e.Run(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return engine.Render(cmd.OutOrStdout(), findings)
		},
	}
}

// registry builds a plugin registry over the shipped builtins, sharing one
// cache between all plugins.
func (a *app) registry() *plugin.Registry {
	c := cache.New(a.cfg.CachePath,
		cache.WithLogger(a.logger.Component("cache")),
		cache.WithMetrics(a.metrics),
	)
	deps := plugin.Deps{
		Cache:  c,
		Logger: a.logger.Component("plugin"),
	}
	return plugin.NewRegistry(plugins.NewBuiltins(), deps,
		plugin.WithLogger(a.logger.Component("registry")),
		plugin.WithMetrics(a.metrics),
	)
}
