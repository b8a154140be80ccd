package main

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			rev, ts := "", ""
			if info, ok := debug.ReadBuildInfo(); ok {
				for _, s := range info.Settings {
					switch s.Key {
					case "vcs.revision":
						rev = s.Value
					case "vcs.time":
						ts = s.Value
					}
				}
			}
			if rev != "" || ts != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s (commit %s, built %s)\n", appName, version, short(rev), ts)
				return
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", appName, version)
		},
	}
}

func short(s string) string {
	if len(s) > 7 {
		return s[:7]
	}
	return s
}
