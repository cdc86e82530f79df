package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/offload/internal/report"
	"github.com/BadgerOps/offload/internal/store"
)

var (
	statusProject string
	statusLimit   int
	statusFailed  bool
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [RUN_ID]",
		Short: "Display past offload runs from the history database",
		Long: `Display recent offload runs recorded in the history database
(state.db_path). With a run id, list every transfer of that run.

Use --project to show runs of one project, or --failed to show only
transfers that did not verify.`,
		Example: `  offload status
  offload status --project PRJ-7 --limit 5
  offload status 2f1c0e9a-4b7d-4c3e-9a51-0d6f3b1e2c44 --failed`,
		Args: cobra.MaximumNArgs(1),
		RunE: statusRun,
	}

	cmd.Flags().StringVar(&statusProject, "project", "", "only show runs of this project")
	cmd.Flags().IntVar(&statusLimit, "limit", 20, "maximum number of runs to show")
	cmd.Flags().BoolVar(&statusFailed, "failed", false, "with a run id, show only transfers that did not verify")

	return cmd
}

func statusRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalStore == nil {
		return fmt.Errorf("run history is not enabled (set state.db_path in the config)")
	}

	if len(args) == 1 {
		return printRunDetail(args[0])
	}

	log.Debug("status request", "project", statusProject, "limit", statusLimit)

	runs, err := globalStore.ListRuns(statusProject, statusLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No offload runs recorded")
		return nil
	}

	// Print table header
	fmt.Println("Offload Runs")
	fmt.Println("============")
	fmt.Println("")
	fmt.Printf("%-36s %-16s %-10s %8s %8s %10s %-14s\n", "Run", "Started", "Status", "Verified", "Problems", "Copied", "Verdict")
	fmt.Println(strings.Repeat("-", 110))

	for _, run := range runs {
		verdict := report.VerdictUnsafe
		if run.SafeToFormat {
			verdict = report.VerdictSafe
		}
		fmt.Printf("%-36s %-16s %-10s %8d %8d %10s %-14s\n",
			run.RunID,
			run.StartTime.Local().Format("2006-01-02 15:04"),
			run.Status,
			run.Verified,
			run.Mismatched+run.Failed,
			humanize.IBytes(uint64(run.BytesCopied)),
			verdict,
		)
	}

	fmt.Println("")

	return nil
}

func printRunDetail(runID string) error {
	run, err := globalStore.GetRun(runID)
	if err != nil {
		return err
	}

	fmt.Printf("Run:          %s\n", run.RunID)
	if run.ProjectID != "" {
		fmt.Printf("Project:      %s\n", run.ProjectID)
	}
	if run.ShootDay != "" {
		fmt.Printf("Shoot day:    %s\n", run.ShootDay)
	}
	fmt.Printf("Source:       %s\n", run.Source)
	fmt.Printf("Destinations: %s\n", strings.ReplaceAll(run.Destinations, "\n", ", "))
	fmt.Printf("Status:       %s\n", run.Status)
	if run.ErrorMessage != "" {
		fmt.Printf("Error:        %s\n", run.ErrorMessage)
	}
	fmt.Printf("Started:      %s\n", run.StartTime.Local().Format("2006-01-02 15:04:05"))
	if !run.EndTime.IsZero() {
		fmt.Printf("Finished:     %s\n", run.EndTime.Local().Format("2006-01-02 15:04:05"))
	}
	if run.LedgerHead != "" {
		fmt.Printf("Ledger head:  %s\n", run.LedgerHead)
	}
	fmt.Println("")

	rows, err := globalStore.ListTransferRows(run.ID, "")
	if err != nil {
		return err
	}

	fmt.Printf("%-40s %-24s %-22s %10s\n", "Source", "Destination", "Status", "Size")
	fmt.Println(strings.Repeat("-", 100))
	shown := 0
	for _, r := range rows {
		if statusFailed && r.Status == string(report.StatusVerified) {
			continue
		}
		shown++
		fmt.Printf("%-40s %-24s %-22s %10s\n", r.SourcePath, r.DestinationRoot, r.Status, humanize.IBytes(uint64(r.Size)))
		if r.Error != "" {
			fmt.Printf("    %s: %s\n", r.ErrorKind, r.Error)
		}
	}
	if shown == 0 {
		fmt.Println("No transfers match")
	}
	fmt.Println("")

	verdict := report.VerdictUnsafe
	if run.Status == store.RunCompleted && run.SafeToFormat {
		verdict = report.VerdictSafe
	}
	fmt.Printf("=== %s ===\n", verdict)
	return nil
}
