package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newListPluginsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list-plugins",
		Short: "List the plugins that load from the plugin directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			a, err := g.newApp(cmd)
			if err != nil {
				return err
			}
			defer closeInto(&err, a)

			d, err := a.registry().Discover(a.cfg.PluginDir)
			if err != nil {
				return err
			}
			defer d.Close()

			w := cmd.OutOrStdout()
			if len(d.Handles) == 0 && len(d.Failures) == 0 {
				fmt.Fprintln(w, "no plugins found")
				return nil
			}
			for _, h := range d.Handles {
				fmt.Fprintf(w, "- %s (v%s)\n", h.Name, h.Version)
			}
			for _, f := range d.Failures {
				fmt.Fprintf(w, "[!] %s: %v\n", f.Dir, f.Err)
			}
			return nil
		},
	}
}
