package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/NicolasHaas/parley/pkg/datastore"
	"github.com/NicolasHaas/parley/pkg/model"
	"github.com/NicolasHaas/parley/pkg/server"
)

type exportOptions struct {
	kind   string
	sender string
	limit  int64
	offset int64
	out    string
}

func newExportCmd(cfg *server.Config) *cobra.Command {
	var opts exportOptions
	cmd := &cobra.Command{
		Use:   "export-history",
		Short: "Export stored messages as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filters, err := opts.filters()
			if err != nil {
				return err
			}
			log, err := datastore.NewSQLLog(cfg.DBPath)
			if err != nil {
				slog.Error("open database", "path", cfg.DBPath, "err", err)
				return err
			}
			defer log.Close()

			data, err := server.ExportHistoryYAML(cmd.Context(), log, filters)
			if err != nil {
				slog.Error("export history", "err", err)
				return err
			}
			return writeOutput(afero.NewOsFs(), opts.out, data, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.kind, "kind", "", "Only export public or private messages")
	cmd.Flags().StringVar(&opts.sender, "sender", "", "Only export messages from this user")
	cmd.Flags().Int64Var(&opts.limit, "limit", 0, "Maximum number of messages (0 for all)")
	cmd.Flags().Int64Var(&opts.offset, "offset", 0, "Skip this many messages")
	cmd.Flags().StringVarP(&opts.out, "out", "o", "", "Write to file instead of stdout")
	return cmd
}

func (o exportOptions) filters() (model.MessageFilters, error) {
	var f model.MessageFilters
	if o.kind != "" {
		kind := model.MessageKind(o.kind)
		if !kind.Valid() {
			return f, fmt.Errorf("invalid --kind %q (valid: public, private)", o.kind)
		}
		f.LimitToKind = &kind
	}
	if o.sender != "" {
		sender := o.sender
		f.LimitToSender = &sender
	}
	if o.limit < 0 || o.offset < 0 {
		return f, fmt.Errorf("--limit and --offset must not be negative")
	}
	if o.limit > 0 {
		limit := o.limit
		f.PageSize = &limit
	}
	if o.offset > 0 {
		offset := o.offset
		f.Offset = &offset
	}
	return f, nil
}

func writeOutput(fs afero.Fs, path string, data []byte, cmd *cobra.Command) error {
	if path == "" {
		_, err := cmd.OutOrStdout().Write(data)
		return err
	}
	if err := afero.WriteFile(fs, path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	slog.Info("history exported", "path", path, "bytes", len(data))
	return nil
}
