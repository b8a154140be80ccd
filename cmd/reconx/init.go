package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/exploopio/reconx/pkg/plugin"
	"github.com/exploopio/reconx/pkg/plugins"
)

func newInitCmd(g *globalFlags) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write manifests for the built-in plugins and a default config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// The config file is what init creates, so it may not exist yet.
			cfg, err := g.loadConfig(cmd, false)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()

			b := plugins.NewBuiltins()
			for _, id := range b.IDs() {
				m, _ := b.DefaultManifest(id)
				dir := filepath.Join(cfg.PluginDir, id)
				path := filepath.Join(dir, plugin.ManifestFile)

				if exists(path) && !force {
					fmt.Fprintf(w, "skipped %s (exists)\n", path)
					continue
				}
				if err := m.Write(dir, true); err != nil {
					return err
				}
				fmt.Fprintf(w, "wrote %s\n", path)
			}

			if exists(g.configPath) && !force {
				fmt.Fprintf(w, "skipped %s (exists)\n", g.configPath)
				return nil
			}
			if err := cfg.Write(g.configPath, true); err != nil {
				return err
			}
			fmt.Fprintf(w, "wrote %s\n", g.configPath)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
