package cli

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Brownie44l1/freshness-api/internal/report"
	"github.com/Brownie44l1/freshness-api/internal/store"
)

func (a *app) runsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded training runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := store.New(a.cfg.Store.Path)
			if err != nil {
				return err
			}
			defer s.Close()

			runs, err := s.ListRuns(limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No training runs recorded yet.")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTARTED\tSTATUS\tVAL ACC\tDATASET")
			for _, r := range runs {
				acc := "-"
				if r.ValAccuracy != nil {
					acc = fmt.Sprintf("%.2f%%", *r.ValAccuracy*100)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					r.ID[:8], r.StartedAt.Local().Format("2006-01-02 15:04"), r.Status, acc, r.Dataset)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum runs to show")
	return cmd
}

func (a *app) plotCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "plot <run-id>",
		Short: "Render accuracy and loss curves of a training run to PNG",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := store.New(a.cfg.Store.Path)
			if err != nil {
				return err
			}
			defer s.Close()

			run, err := s.GetRun(args[0])
			if err != nil {
				return err
			}
			history, err := s.History(run.ID)
			if err != nil {
				return err
			}

			if dir == "" {
				dir = filepath.Join("plots", run.ID[:8])
			}
			paths, err := report.RenderCurves(history, dir)
			if err != nil {
				return err
			}
			summary, err := report.Summarize(history)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run %s (%s), %d epochs\n", run.ID, run.Status, summary.Epochs)
			fmt.Fprintf(out, "  final val accuracy: %.2f%%\n", summary.FinalValAccuracy*100)
			fmt.Fprintf(out, "  best val accuracy:  %.2f%% (epoch %d)\n", summary.BestValAccuracy*100, summary.BestEpoch)
			fmt.Fprintf(out, "  mean val accuracy:  %.2f%% ± %.2f\n", summary.MeanValAccuracy*100, summary.StdValAccuracy*100)
			for _, p := range paths {
				fmt.Fprintf(out, "  wrote %s\n", p)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&dir, "out", "o", "", "output directory (default plots/<run>)")
	return cmd
}
