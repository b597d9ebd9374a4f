package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/batchui/batchrun/internal/model"
	"github.com/batchui/batchrun/internal/store"

	"github.com/spf13/cobra"
)

var (
	flagListScriptID string
	flagListStatus   string
	flagListLimit    int
	flagListPage     int
	flagListSort     string
	flagListDesc     bool
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "runs inspects and deletes the run history",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "list prints a page of runs",
	Args:  cobra.NoArgs,
	RunE:  doRunsList,
}

var runsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "get prints a run, including the log of a completed one",
	Args:  cobra.ExactArgs(1),
	RunE:  doRunsGet,
}

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "stats counts runs per status",
	Args:  cobra.NoArgs,
	RunE:  doRunsStats,
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "delete removes finished runs and their logs",
	Args:  cobra.MinimumNArgs(1),
	RunE:  doRunsDelete,
}

func init() {
	f := runsListCmd.Flags()
	f.StringVar(&flagListScriptID, "script-id", "", "only runs of this script")
	f.StringVar(&flagListStatus, "status", "", "only runs in this status")
	f.IntVar(&flagListLimit, "limit", store.DefaultLimit, "runs per page")
	f.IntVar(&flagListPage, "page", 1, "page to print, 1 based")
	f.StringVar(&flagListSort, "sort", "start_time", "sort column: start_time, end_time, status, progress or script_id")
	f.BoolVar(&flagListDesc, "desc", true, "sort in descending order")

	runsCmd.AddCommand(runsListCmd, runsGetCmd, runsStatsCmd, runsDeleteCmd)
}

func doRunsList(cmd *cobra.Command, _ []string) error {
	filter := store.Filter{
		ScriptID: flagListScriptID,
		Limit:    flagListLimit,
		Page:     flagListPage,
		SortBy:   flagListSort,
		Desc:     flagListDesc,
	}
	if flagListStatus != "" {
		st, err := model.ParseStatus(flagListStatus)
		if err != nil {
			return err
		}
		filter.Status = st
	}

	svc, err := newService(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	page, err := svc.Engine().ListRuns(cmd.Context(), filter)
	if err != nil {
		return err
	}
	return printRuns(cmd.OutOrStdout(), page)
}

func printRuns(out io.Writer, page store.Page) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSCRIPT\tKIND\tSTATUS\tPROGRESS\tSTARTED\tDURATION")
	for _, run := range page.Runs {
		duration := "-"
		if run.EndTime != nil {
			duration = run.EndTime.Sub(run.StartTime).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d%%\t%s\t%s\n",
			run.ID, run.ScriptID, run.Kind, run.Status, run.Progress,
			run.StartTime.Local().Format(time.DateTime), duration)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "page %d/%d, %d runs\n", page.Page, page.TotalPages, page.Total)
	return err
}

func doRunsGet(cmd *cobra.Command, args []string) error {
	svc, err := newService(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	run, err := svc.Engine().GetRunWithLog(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("run %s: %w", args[0], err)
	}
	return printJSON(cmd.OutOrStdout(), run)
}

func doRunsStats(cmd *cobra.Command, _ []string) error {
	svc, err := newService(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	stats, err := svc.Engine().Stats(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), stats)
}

func doRunsDelete(cmd *cobra.Command, args []string) error {
	svc, err := newService(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	n, err := svc.Engine().DeleteRuns(cmd.Context(), args)
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %d of %d runs\n", n, len(args))
	return err
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
