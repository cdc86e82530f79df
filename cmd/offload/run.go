package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/offload/internal/checksum"
	"github.com/BadgerOps/offload/internal/config"
	"github.com/BadgerOps/offload/internal/engine"
	"github.com/BadgerOps/offload/internal/server"
)

// errNotSafe is returned when a run completes but the source must not be formatted.
var errNotSafe = errors.New("offload not safe to format")

var (
	runSource      string
	runDests       []string
	runAlgorithm   string
	runPolicy      string
	runInclude     []string
	runExclude     []string
	runWorkers     int
	runChunkSize   string
	runFileTimeout string
	runLedger      string
	runReport      string
	runProject     string
	runShootDay    string
	runListen      string
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Offload a source card to every destination and verify each copy",
		Long: `Copy every file under the source to each destination, re-read every copy
to verify its checksum, and append each lifecycle event to the audit ledger.

The run will:
  1. Validate the configuration before touching any file
  2. Discover source files (include/exclude globs, exclude wins)
  3. Check that every destination has room for the whole card
  4. Copy and verify files concurrently, writing each to a partial file first
  5. Print SAFE TO FORMAT only if every copy verified

An overwrite policy must be chosen explicitly: fail leaves existing files
alone, skip re-verifies them (and rewrites them when they differ),
overwrite always rewrites.

Flags override values from the config file. Exit status is 2 when the run
finished but the card is not safe to format.`,
		Example: `  offload run --source /media/CARD_A --dest /mnt/raid --dest /mnt/shuttle --policy fail
  offload run --policy skip --include '*.mov' --include '*.wav' --exclude '.DS_Store'
  offload run --config day03.yaml --report reports/day03.json.zst`,
		Args: cobra.NoArgs,
		RunE: runRun,
	}

	cmd.Flags().StringVar(&runSource, "source", "", "source card or directory")
	cmd.Flags().StringSliceVar(&runDests, "dest", nil, "destination root (repeatable)")
	cmd.Flags().StringVar(&runAlgorithm, "algorithm", "", "checksum algorithm ("+algorithmNames()+")")
	cmd.Flags().StringVar(&runPolicy, "policy", "", "overwrite policy (fail, skip or overwrite)")
	cmd.Flags().StringSliceVar(&runInclude, "include", nil, "glob of files to copy (repeatable)")
	cmd.Flags().StringSliceVar(&runExclude, "exclude", nil, "glob of files to leave out (repeatable)")
	cmd.Flags().IntVar(&runWorkers, "workers", 0, "concurrent copy jobs (default 2x CPUs)")
	cmd.Flags().StringVar(&runChunkSize, "chunk-size", "", "copy buffer size, e.g. 8MB")
	cmd.Flags().StringVar(&runFileTimeout, "file-timeout", "", "fail a single file after this long, e.g. 30m")
	cmd.Flags().StringVar(&runLedger, "ledger", "", "audit ledger path")
	cmd.Flags().StringVar(&runReport, "report", "", "write the report as JSON (zstd when the name ends in .zst)")
	cmd.Flags().StringVar(&runProject, "project", "", "project id recorded in the report")
	cmd.Flags().StringVar(&runShootDay, "shoot-day", "", "shoot day recorded in the report")
	cmd.Flags().StringVar(&runListen, "listen", "", "serve progress and run history over HTTP on this address, e.g. 127.0.0.1:8080")

	return cmd
}

func algorithmNames() string {
	var names []string
	for _, a := range checksum.SupportedAlgorithms() {
		names = append(names, string(a))
	}
	return strings.Join(names, " or ")
}

// applyRunFlags copies explicitly set flags over the loaded config.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("source") {
		cfg.Source = runSource
	}
	if flags.Changed("dest") {
		cfg.Destinations = runDests
	}
	if flags.Changed("algorithm") {
		cfg.Algorithm = runAlgorithm
	}
	if flags.Changed("policy") {
		cfg.OverwritePolicy = runPolicy
	}
	if flags.Changed("include") {
		cfg.Include = runInclude
	}
	if flags.Changed("exclude") {
		cfg.Exclude = runExclude
	}
	if flags.Changed("workers") {
		cfg.Workers = runWorkers
	}
	if flags.Changed("chunk-size") {
		cfg.ChunkSize = runChunkSize
	}
	if flags.Changed("file-timeout") {
		cfg.FileTimeout = runFileTimeout
	}
	if flags.Changed("ledger") {
		cfg.Audit.LogPath = runLedger
	}
	if flags.Changed("report") {
		cfg.ReportPath = runReport
	}
	if flags.Changed("project") {
		cfg.ProjectID = runProject
	}
	if flags.Changed("shoot-day") {
		cfg.ShootDay = runShootDay
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	applyRunFlags(cmd, globalCfg)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("offload requested",
		"source", globalCfg.Source,
		"destinations", globalCfg.Destinations,
		"algorithm", globalCfg.Algorithm,
		"policy", globalCfg.OverwritePolicy,
	)

	offloader := engine.NewOffloader(globalStore, log)
	tracker := engine.NewOffloadTracker("")
	offloader.SetActiveTracker(tracker)

	if runListen != "" {
		srv := server.NewServer(offloader, globalStore, log)
		errc, err := srv.Start(runListen)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn("failed to shut down HTTP server", "error", err)
			}
			if err := <-errc; err != nil {
				log.Warn("HTTP server stopped with error", "error", err)
			}
		}()
	}

	progressDone := make(chan struct{})
	stopProgress := func() {}
	if !quiet {
		finished := make(chan struct{})
		go func() {
			defer close(progressDone)
			watchProgress(os.Stderr, tracker, finished)
		}()
		stopProgress = func() {
			close(finished)
			<-progressDone
		}
	}

	rep, err := offloader.Run(ctx, globalCfg)
	stopProgress()

	if rep != nil {
		fmt.Println()
		if werr := rep.WriteText(os.Stdout); werr != nil {
			log.Warn("failed to print report", "error", werr)
		}
	}
	if err != nil {
		return err
	}
	if !rep.SafeToFormat {
		return fmt.Errorf("%w: %d of %d transfers not verified",
			errNotSafe, rep.Summary.TotalRecords-rep.Summary.Verified, rep.Summary.TotalRecords)
	}
	return nil
}

// watchProgress prints a status line whenever the tracker changes, at most
// twice a second, until finished is closed.
func watchProgress(w io.Writer, tracker *engine.OffloadTracker, finished <-chan struct{}) {
	const interval = 500 * time.Millisecond
	var last time.Time
	for {
		select {
		case <-tracker.Wait():
		case <-finished:
			fmt.Fprintln(w)
			return
		}
		if time.Since(last) < interval {
			continue
		}
		last = time.Now()
		fmt.Fprintf(w, "\r%s", progressLine(tracker.Snapshot()))
	}
}

func progressLine(p engine.RunProgress) string {
	if p.Phase != engine.PhaseCopying {
		return fmt.Sprintf("%-12s %s", p.Phase, p.Message)
	}
	done := p.VerifiedJobs + p.MismatchedJobs + p.FailedJobs
	line := fmt.Sprintf("copying %d/%d  %s / %s  %.0f%%",
		done, p.TotalJobs,
		humanize.IBytes(uint64(p.BytesCopied)), humanize.IBytes(uint64(p.TotalBytes)),
		p.Percent)
	if p.BytesPerSecond > 0 {
		line += fmt.Sprintf("  %s/s", humanize.IBytes(uint64(p.BytesPerSecond)))
	}
	if p.ETA != "" {
		line += "  ETA " + p.ETA
	}
	if p.FailedJobs+p.MismatchedJobs > 0 {
		line += fmt.Sprintf("  (%d problems)", p.FailedJobs+p.MismatchedJobs)
	}
	return line
}
