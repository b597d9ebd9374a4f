package main

import (
	"fmt"

	"github.com/batchui/batchrun/internal/model"

	"github.com/spf13/cobra"
)

var (
	flagSweepDryRun bool
	flagSweepDays   int
	flagSweepStatus string
	flagSweepStats  bool
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "sweep deletes runs older than the retention period together with their logs",
	Args:  cobra.NoArgs,
	RunE:  doSweep,
}

func init() {
	f := sweepCmd.Flags()
	f.BoolVar(&flagSweepDryRun, "dry-run", false, "only print what would be deleted")
	f.IntVar(&flagSweepDays, "days", 0, "retention period in days - default is retention.retention_days")
	f.StringVar(&flagSweepStatus, "status", "", "only runs in this status - default is retention.status")
	f.BoolVar(&flagSweepStats, "stats", false, "print what is reclaimable instead of sweeping")
}

func doSweep(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	svc, err := newService(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	sweeper := svc.Sweeper()
	opts := sweeper.Status().Options
	if cmd.Flags().Changed("days") {
		opts.RetentionDays = flagSweepDays
	}
	if flagSweepStatus != "" {
		st, err := model.ParseStatus(flagSweepStatus)
		if err != nil {
			return err
		}
		opts.Status = st
	}
	if err := sweeper.Configure(ctx, opts); err != nil {
		return err
	}

	if flagSweepStats {
		stats, err := sweeper.Stats(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), stats)
	}

	summary, err := sweeper.Sweep(ctx, flagSweepDryRun || opts.DryRun)
	if err != nil {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), summary); err != nil {
		return err
	}
	if n := len(summary.Errors); n > 0 {
		return fmt.Errorf("%d of %d runs were not deleted", n, summary.TotalRuns)
	}
	return nil
}
