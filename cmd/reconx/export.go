package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/exploopio/reconx/pkg/audit"
	"github.com/exploopio/reconx/pkg/compress"
	"github.com/exploopio/reconx/pkg/storage"
)

func newExportCmd(g *globalFlags) *cobra.Command {
	var (
		format      string
		out         string
		compression string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export stored findings as JSON or CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			a, err := g.newApp(cmd)
			if err != nil {
				return err
			}
			defer closeInto(&err, a)

			f, err := storage.ParseFormat(format)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("compress") {
				compression = a.cfg.Export.Compression
			}
			alg, err := compress.ParseAlgorithm(compression)
			if err != nil {
				return err
			}

			store, err := storage.Open(a.cfg.DatabasePath,
				storage.WithLogger(a.logger.Component("storage")),
				storage.WithMetrics(a.metrics),
			)
			if err != nil {
				return err
			}
			defer closeInto(&err, store)

			if err := store.Init(cmd.Context()); err != nil {
				return err
			}
			n, err := store.ExportFile(cmd.Context(), out, f, alg)
			if err != nil {
				return err
			}

			a.audit.Log(audit.Event{
				Type:    audit.EventExportCompleted,
				Message: fmt.Sprintf("exported %d findings to %s", n, out),
				Details: map[string]interface{}{"format": string(f), "compression": string(alg), "records": n},
			})
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d findings to %s\n", n, out)
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "json", "output format: json or csv")
	cmd.Flags().StringVar(&out, "out", "", "output file")
	cmd.Flags().StringVar(&compression, "compress", "none", "compression: none, zstd or gzip")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}
