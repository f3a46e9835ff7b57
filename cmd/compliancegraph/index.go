package main

import (
	"errors"
	"fmt"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"compliancegraph/internal/domain"
	"compliancegraph/internal/pipeline"
)

func (a *app) indexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Manage the SQLite document index",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Rebuild the store from disk and mirror it into the index",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			_, report, err := a.loadKnowledge(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			ix, err := a.openIndex(cfg)
			if err != nil {
				return err
			}
			defer ix.Close()

			st, err := pipeline.SyncIndex(cmd.Context(), ix, report)
			if err != nil {
				return fmt.Errorf("sync index: %w", err)
			}
			fmt.Fprintf(a.out, "Index %s: %d upserted, %d removed\n", st.RunID, st.Upserted, st.Deleted)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show index document counts and the last sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			ix, err := a.openIndex(cfg)
			if err != nil {
				return err
			}
			defer ix.Close()

			counts, err := ix.CountByKind(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Index: %s\n", cfg.Path(cfg.Index.DBPath))
			kinds := []domain.RecordKind{domain.KindSTIG, domain.KindSRG, domain.KindCCI}
			for kind := range counts {
				if !slices.Contains(kinds, kind) {
					kinds = append(kinds, kind)
				}
			}
			for _, kind := range kinds {
				fmt.Fprintf(a.out, "  %-5s %s\n", kind, humanize.Comma(int64(counts[kind])))
			}

			runID, finished, err := ix.LastSync(cmd.Context())
			switch {
			case errors.Is(err, domain.ErrNotFound):
				fmt.Fprintln(a.out, "Last sync: never")
			case err != nil:
				return err
			default:
				fmt.Fprintf(a.out, "Last sync: %s (%s)\n", humanize.Time(finished), runID)
			}
			return nil
		},
	})

	return cmd
}
