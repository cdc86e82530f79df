package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BadgerOps/offload/internal/audit"
	"github.com/BadgerOps/offload/internal/checksum"
	"github.com/BadgerOps/offload/internal/config"
	"github.com/BadgerOps/offload/internal/report"
	"github.com/BadgerOps/offload/internal/safety"
	"github.com/BadgerOps/offload/internal/store"
	"github.com/BadgerOps/offload/internal/transfer"
)

var (
	errRunCancelled = errors.New("run cancelled before transfer started")
	errLedgerHalted = errors.New("run stopped after audit ledger failure")
)

// LedgerOpener opens the audit ledger used by a run.
type LedgerOpener func(path string, logger *slog.Logger) (*audit.Ledger, error)

// Offloader discovers source files and drives copy jobs to every destination,
// recording each lifecycle event in the audit ledger.
type Offloader struct {
	store      *store.Store
	logger     *slog.Logger
	openLedger LedgerOpener
	freeSpace  FreeSpaceFunc
	writeHook  transfer.WriteHook
	observer   transfer.Observer

	// activeTracker stays set after a run so callers can read the final
	// snapshot. Protected by trackerMu.
	trackerMu     sync.RWMutex
	activeTracker *OffloadTracker
}

// NewOffloader creates a new Offloader. st may be nil to skip run history.
func NewOffloader(st *store.Store, logger *slog.Logger) *Offloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Offloader{
		store:      st,
		logger:     logger,
		openLedger: audit.Open,
		freeSpace:  DiskFree,
	}
}

// SetLedgerOpener replaces audit.Open.
func (o *Offloader) SetLedgerOpener(fn LedgerOpener) {
	o.openLedger = fn
}

// SetFreeSpaceFunc replaces DiskFree for the pre-flight check.
func (o *Offloader) SetFreeSpaceFunc(fn FreeSpaceFunc) {
	o.freeSpace = fn
}

// SetWriteHook wraps every destination writer.
func (o *Offloader) SetWriteHook(hook transfer.WriteHook) {
	o.writeHook = hook
}

// SetObserver subscribes obs to every transfer status change.
func (o *Offloader) SetObserver(obs transfer.Observer) {
	o.observer = obs
}

// ActiveProgress returns the tracker for the current or last run, or nil.
func (o *Offloader) ActiveProgress() *OffloadTracker {
	o.trackerMu.RLock()
	defer o.trackerMu.RUnlock()
	return o.activeTracker
}

// SetActiveTracker installs a tracker before Run so callers can watch it
// from the start.
func (o *Offloader) SetActiveTracker(t *OffloadTracker) {
	o.trackerMu.Lock()
	defer o.trackerMu.Unlock()
	o.activeTracker = t
}

func (o *Offloader) tracker() *OffloadTracker {
	o.trackerMu.Lock()
	defer o.trackerMu.Unlock()
	if o.activeTracker == nil {
		o.activeTracker = NewOffloadTracker("")
	}
	return o.activeTracker
}

type runStartPayload struct {
	RunID           string   `json:"run_id"`
	ProjectID       string   `json:"project_id,omitempty"`
	ShootDay        string   `json:"shoot_day,omitempty"`
	Source          string   `json:"source"`
	Destinations    []string `json:"destinations"`
	Algorithm       string   `json:"algorithm"`
	OverwritePolicy string   `json:"overwrite_policy"`
	Files           int      `json:"files"`
	Bytes           int64    `json:"bytes"`
	Unreadable      int      `json:"unreadable,omitempty"`
	Workers         int      `json:"workers"`
	User            string   `json:"user,omitempty"`
	Hostname        string   `json:"hostname,omitempty"`
}

type transferPayload struct {
	RunID             string        `json:"run_id"`
	Source            string        `json:"source"`
	Destination       string        `json:"destination"`
	Status            report.Status `json:"status"`
	Size              int64         `json:"size"`
	BytesCopied       int64         `json:"bytes_copied"`
	Skipped           bool          `json:"skipped,omitempty"`
	SourceDigest      string        `json:"source_digest,omitempty"`
	DestinationDigest string        `json:"destination_digest,omitempty"`
	ErrorKind         string        `json:"error_kind,omitempty"`
	Error             string        `json:"error,omitempty"`
}

type runEndPayload struct {
	RunID        string         `json:"run_id"`
	Summary      report.Summary `json:"summary"`
	SafeToFormat bool           `json:"safe_to_format"`
	Verdict      string         `json:"verdict"`
}

type runAbortedPayload struct {
	RunID      string      `json:"run_id"`
	Reason     string      `json:"reason"`
	Completed  int         `json:"completed"`
	NotStarted int         `json:"not_started"`
	Shortfalls []Shortfall `json:"shortfalls,omitempty"`
}

func transferEvent(runID string, rec report.TransferRecord) audit.Event {
	return audit.Event{
		Operation: audit.OpTransferComplete,
		Payload: transferPayload{
			RunID:             runID,
			Source:            rec.SourcePath,
			Destination:       rec.DestinationPath,
			Status:            rec.Status,
			Size:              rec.Size,
			BytesCopied:       rec.BytesCopied,
			Skipped:           rec.Skipped,
			SourceDigest:      rec.SourceDigest.String(),
			DestinationDigest: rec.DestinationDigest.String(),
			ErrorKind:         rec.ErrorKind,
			Error:             rec.Error,
		},
	}
}

// Run executes one offload. The returned report is nil only when the run
// could not start (invalid config, unreadable source, ledger unavailable).
// A report is returned together with an error when the run was aborted:
// *InsufficientSpaceError, an audit.ErrLedgerWriteFailed failure, or the
// context error on cancellation. Per-file failures never produce an error;
// they are recorded and reflected in SafeToFormat.
func (o *Offloader) Run(ctx context.Context, cfg *config.Config) (*report.IngestionReport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	algo, _ := checksum.ParseAlgorithm(cfg.Algorithm)
	policy, _ := transfer.ParsePolicy(cfg.OverwritePolicy)
	timeout, _ := cfg.FileTimeoutDuration()
	workers := cfg.WorkerCount()

	runID := uuid.NewString()
	logger := o.logger.With("run_id", runID)

	tracker := o.tracker()
	tracker.SetRunID(runID)
	tracker.SetPhase(PhaseDiscovering)
	tracker.SetMessage("Discovering files in " + cfg.Source)

	var observers multiObserver
	observers = append(observers, tracker)
	if o.observer != nil {
		observers = append(observers, o.observer)
	}
	copier, err := transfer.NewCopier(transfer.Options{
		Algorithm:   algo,
		Policy:      policy,
		ChunkSize:   cfg.ChunkSizeBytes(),
		FileTimeout: timeout,
		WriteHook:   o.writeHook,
		Observer:    observers,
	}, logger)
	if err != nil {
		tracker.SetPhase(PhaseFailed)
		return nil, err
	}

	ledger, err := o.openLedger(cfg.Audit.LogPath, logger)
	if err != nil {
		tracker.SetPhase(PhaseFailed)
		tracker.SetMessage("Audit ledger unavailable: " + err.Error())
		return nil, fmt.Errorf("opening audit ledger: %w", err)
	}
	defer func() {
		if err := ledger.Close(); err != nil {
			logger.Warn("failed to close audit ledger", "error", err)
		}
	}()
	priorEntries := ledger.Len()

	files, unreadable, err := Discover(cfg.Source, cfg.Include, cfg.Exclude)
	if err != nil {
		tracker.SetPhase(PhaseFailed)
		tracker.SetMessage("Discovery failed: " + err.Error())
		logger.Error("failed to discover source files", "source", cfg.Source, "error", err)
		return nil, err
	}
	var sourceBytes int64
	for _, f := range files {
		sourceBytes += f.Size
	}
	logger.Info("source files discovered", "source", cfg.Source, "files", len(files), "bytes", sourceBytes)
	for _, u := range unreadable {
		logger.Error("source entry unreadable", "source", u.RelPath, "error", u.Err)
	}

	rep := &report.IngestionReport{
		RunID:           runID,
		ProjectID:       cfg.ProjectID,
		ShootDay:        cfg.ShootDay,
		Source:          cfg.Source,
		Destinations:    append([]string(nil), cfg.Destinations...),
		Algorithm:       string(algo),
		OverwritePolicy: string(policy),
		StartTime:       time.Now().UTC(),
		Records:         []report.TransferRecord{},
	}
	rep.Summary.SourceFiles = len(files)
	rep.Summary.SourceBytes = sourceBytes
	rep.Ledger = ledgerSummary(ledger, priorEntries)
	if rep.Ledger.Notice != "" {
		logger.Warn("audit ledger notice", "notice", rep.Ledger.Notice)
	}

	run := o.createRun(rep, logger)

	start := runStartPayload{
		RunID:           runID,
		ProjectID:       cfg.ProjectID,
		ShootDay:        cfg.ShootDay,
		Source:          cfg.Source,
		Destinations:    rep.Destinations,
		Algorithm:       string(algo),
		OverwritePolicy: string(policy),
		Files:           len(files),
		Bytes:           sourceBytes,
		Unreadable:      len(unreadable),
		Workers:         workers,
		User:            currentUser(),
	}
	start.Hostname, _ = os.Hostname()
	if _, err := ledger.Append(audit.OpRunStart, start); err != nil {
		rep.Aborted = true
		rep.AbortReason = "audit ledger write failed: " + err.Error()
		tracker.SetPhase(PhaseFailed)
		return rep, o.finish(rep, ledger, priorEntries, run, cfg, store.RunFailed, err, logger)
	}

	// Pre-flight: every destination must hold what this run will write.
	tracker.SetPhase(PhasePreflight)
	free, shortfalls, err := o.preflight(files, cfg.Destinations, policy, logger)
	if err == nil && len(shortfalls) > 0 {
		err = &InsufficientSpaceError{Shortfalls: shortfalls}
	}
	if err != nil {
		rep.Aborted = true
		rep.AbortReason = err.Error()
		tracker.SetPhase(PhaseFailed)
		tracker.SetMessage(err.Error())
		logger.Error("pre-flight check failed", "error", err)
		if _, lerr := ledger.Append(audit.OpRunAborted, runAbortedPayload{
			RunID:      runID,
			Reason:     err.Error(),
			Shortfalls: shortfalls,
		}); lerr != nil {
			err = errors.Join(err, lerr)
		}
		return rep, o.finish(rep, ledger, priorEntries, run, cfg, store.RunAborted, err, logger)
	}

	// One job per (file, destination), files in lexical order.
	seq := audit.NewSequencer(ledger, workers, logger)
	var jobs []transfer.Job
	var records []report.TransferRecord
	for _, f := range files {
		for _, root := range cfg.Destinations {
			dest, err := safety.SafeJoinUnder(root, f.RelPath)
			if err != nil {
				rec := report.NewRecord(f.RelPath, root, "", f.Size)
				_ = rec.Fail(transfer.KindDestinationUnwritable, fmt.Errorf("%w: %v", transfer.ErrDestinationUnwritable, err))
				records = append(records, rec)
				observers.OnTransferUpdate(rec)
				seq.Post(transferEvent(runID, rec))
				continue
			}
			jobs = append(jobs, transfer.Job{
				Source: f,
				Target: transfer.Target{Root: root, Path: dest, FreeBytes: free[root]},
			})
		}
	}

	// Entries discovery could not inspect fail on every destination.
	for _, u := range unreadable {
		for _, root := range cfg.Destinations {
			dest, _ := safety.SafeJoinUnder(root, u.RelPath)
			rec := report.NewRecord(u.RelPath, root, dest, 0)
			_ = rec.Fail(transfer.KindSourceUnreadable, fmt.Errorf("%w: %v", transfer.ErrSourceUnreadable, u.Err))
			records = append(records, rec)
			observers.OnTransferUpdate(rec)
			seq.Post(transferEvent(runID, rec))
		}
	}

	tracker.SetTotals(len(jobs)+len(records), sourceBytes*int64(len(cfg.Destinations)))
	tracker.SetPhase(PhaseCopying)
	tracker.SetMessage(fmt.Sprintf("Copying %d files to %d destinations", len(files), len(cfg.Destinations)))

	pool := transfer.NewPool(copier, workers, logger)
	pool.SetOnComplete(func(rec report.TransferRecord) {
		seq.Post(transferEvent(runID, rec))
	})
	logger.Info("starting transfers", "jobs", len(jobs), "workers", pool.Workers())
	ledgerFailed := func() {
		logger.Error("audit ledger failed, submitting no further transfers", "error", seq.Err())
	}

	// In-flight jobs finish even when ctx is cancelled; only submission stops.
	jobCh := make(chan transfer.Job)
	results := pool.Run(context.WithoutCancel(ctx), jobCh)
	go func() {
		defer close(jobCh)
		for _, job := range jobs {
			if ctx.Err() != nil {
				return
			}
			select {
			case <-seq.Failed():
				ledgerFailed()
				return
			default:
			}
			select {
			case jobCh <- job:
			case <-ctx.Done():
				return
			case <-seq.Failed():
				ledgerFailed()
				return
			}
		}
	}()

	done := make(map[string]report.TransferRecord, len(jobs))
	for rec := range results {
		done[rec.DestinationPath] = rec
	}
	seqErr := seq.Close()

	notStarted := 0
	for _, job := range jobs {
		rec, ok := done[job.Target.Path]
		if !ok {
			rec = report.NewRecord(job.Source.RelPath, job.Target.Root, job.Target.Path, job.Source.Size)
			if seqErr != nil {
				_ = rec.Fail(transfer.KindFailed, errLedgerHalted)
			} else {
				_ = rec.Fail(transfer.KindCancelled, errRunCancelled)
			}
			notStarted++
		}
		records = append(records, rec)
	}
	rep.Records = records
	rep.EndTime = time.Now().UTC()

	switch {
	case seqErr != nil:
		rep.Aborted = true
		rep.AbortReason = "audit ledger write failed: " + seqErr.Error()
		rep.Finalize()
		tracker.SetPhase(PhaseFailed)
		tracker.SetMessage(rep.AbortReason)
		logger.Error("offload stopped by audit ledger failure", "not_started", notStarted, "error", seqErr)
		return rep, o.finish(rep, ledger, priorEntries, run, cfg, store.RunFailed, seqErr, logger)

	// A cancellation that arrives after the last submission changes nothing.
	case ctx.Err() != nil && notStarted > 0:
		cause := ctx.Err()
		rep.Aborted = true
		rep.AbortReason = "cancelled: " + cause.Error()
		rep.Finalize()
		tracker.SetPhase(PhaseCancelled)
		tracker.SetMessage(fmt.Sprintf("Cancelled with %d transfers not started", notStarted))
		logger.Warn("offload cancelled", "completed", len(done), "not_started", notStarted)
		if _, err := ledger.Append(audit.OpRunAborted, runAbortedPayload{
			RunID:      runID,
			Reason:     rep.AbortReason,
			Completed:  len(done),
			NotStarted: notStarted,
		}); err != nil {
			cause = errors.Join(cause, err)
		}
		return rep, o.finish(rep, ledger, priorEntries, run, cfg, store.RunAborted, cause, logger)
	}

	rep.Finalize()
	if _, err := ledger.Append(audit.OpRunEnd, runEndPayload{
		RunID:        runID,
		Summary:      rep.Summary,
		SafeToFormat: rep.SafeToFormat,
		Verdict:      rep.Verdict,
	}); err != nil {
		rep.Aborted = true
		rep.AbortReason = "audit ledger write failed: " + err.Error()
		rep.Finalize()
		tracker.SetPhase(PhaseFailed)
		return rep, o.finish(rep, ledger, priorEntries, run, cfg, store.RunFailed, err, logger)
	}

	if rep.SafeToFormat {
		tracker.SetPhase(PhaseComplete)
	} else {
		tracker.SetPhase(PhaseFailed)
	}
	tracker.SetMessage(rep.Verdict)

	logger.Info("offload completed",
		"verified", rep.Summary.Verified,
		"mismatched", rep.Summary.Mismatched,
		"failed", rep.Summary.Failed,
		"skipped", rep.Summary.Skipped,
		"bytes_copied", rep.Summary.BytesCopied,
		"safe_to_format", rep.SafeToFormat,
		"duration", rep.Elapsed,
	)

	return rep, o.finish(rep, ledger, priorEntries, run, cfg, store.RunCompleted, nil, logger)
}

// preflight samples free space once per destination and returns the
// destinations that cannot hold the bytes this run will write.
func (o *Offloader) preflight(files []transfer.SourceFile, roots []string, policy transfer.OverwritePolicy, logger *slog.Logger) (map[string]int64, []Shortfall, error) {
	free := make(map[string]int64, len(roots))
	var shortfalls []Shortfall
	for _, root := range roots {
		avail, err := o.freeSpace(root)
		if errors.Is(err, errors.ErrUnsupported) {
			logger.Warn("free space unknown, skipping capacity check", "destination", root)
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", transfer.ErrDestinationUnwritable, err)
		}
		free[root] = avail

		need := requiredBytes(files, root, policy)
		logger.Debug("destination capacity", "destination", root, "required", need, "available", avail)
		if need > avail {
			shortfalls = append(shortfalls, Shortfall{Root: root, Required: need, Available: avail})
		}
	}
	return free, shortfalls, nil
}

// requiredBytes is the source total, less files the skip policy will likely
// keep in place because a same-sized destination already exists.
func requiredBytes(files []transfer.SourceFile, root string, policy transfer.OverwritePolicy) int64 {
	var need int64
	for _, f := range files {
		if policy == transfer.PolicySkip {
			if dest, err := safety.SafeJoinUnder(root, f.RelPath); err == nil {
				if fi, err := os.Stat(dest); err == nil && fi.Mode().IsRegular() && fi.Size() == f.Size {
					continue
				}
			}
		}
		need += f.Size
	}
	return need
}

func ledgerSummary(l *audit.Ledger, priorEntries int) report.LedgerSummary {
	s := report.LedgerSummary{
		Path:       l.Path(),
		Entries:    l.Len(),
		HeadDigest: l.Head(),
	}
	switch {
	case l.CarryOverErr() != nil:
		s.Notice = "previous audit ledger was not carried over: " + l.CarryOverErr().Error()
	case l.Path() == "":
		s.Notice = "audit ledger kept in memory only"
	case priorEntries > 0:
		s.CarriedOver = true
	}
	return s
}

// finish stamps the ledger summary, persists history and writes the report
// file. It returns runErr joined with any report-file error.
func (o *Offloader) finish(rep *report.IngestionReport, ledger *audit.Ledger, priorEntries int, run *store.OffloadRun, cfg *config.Config, status string, runErr error, logger *slog.Logger) error {
	if rep.EndTime.IsZero() {
		rep.EndTime = time.Now().UTC()
	}
	rep.Finalize()
	rep.Ledger = ledgerSummary(ledger, priorEntries)

	o.saveRun(run, rep, status, runErr, logger)

	if cfg.ReportPath != "" {
		if err := rep.WriteJSON(cfg.ReportPath); err != nil {
			logger.Error("failed to write report", "path", cfg.ReportPath, "error", err)
			return errors.Join(runErr, fmt.Errorf("writing report: %w", err))
		}
		logger.Info("report written", "path", cfg.ReportPath)
	}
	return runErr
}

func (o *Offloader) createRun(rep *report.IngestionReport, logger *slog.Logger) *store.OffloadRun {
	if o.store == nil {
		return nil
	}
	run := &store.OffloadRun{
		RunID:           rep.RunID,
		ProjectID:       rep.ProjectID,
		ShootDay:        rep.ShootDay,
		Source:          rep.Source,
		Destinations:    strings.Join(rep.Destinations, "\n"),
		Algorithm:       rep.Algorithm,
		OverwritePolicy: rep.OverwritePolicy,
		StartTime:       rep.StartTime,
		Status:          store.RunRunning,
	}
	if err := o.store.CreateRun(run); err != nil {
		logger.Warn("failed to create run history record", "error", err)
		return nil
	}
	return run
}

func (o *Offloader) saveRun(run *store.OffloadRun, rep *report.IngestionReport, status string, runErr error, logger *slog.Logger) {
	if o.store == nil || run == nil {
		return
	}
	run.EndTime = rep.EndTime
	run.TotalRecords = rep.Summary.TotalRecords
	run.Verified = rep.Summary.Verified
	run.Mismatched = rep.Summary.Mismatched
	run.Failed = rep.Summary.Failed
	run.Skipped = rep.Summary.Skipped
	run.BytesCopied = rep.Summary.BytesCopied
	run.SafeToFormat = rep.SafeToFormat
	run.Status = status
	run.LedgerHead = rep.Ledger.HeadDigest
	if runErr != nil {
		run.ErrorMessage = runErr.Error()
	}
	if err := o.store.UpdateRun(run); err != nil {
		logger.Warn("failed to update run history record", "error", err)
	}

	rows := make([]store.TransferRow, 0, len(rep.Records))
	for _, rec := range rep.Records {
		rows = append(rows, store.TransferRow{
			SourcePath:        rec.SourcePath,
			DestinationRoot:   rec.DestinationRoot,
			DestinationPath:   rec.DestinationPath,
			Size:              rec.Size,
			Status:            string(rec.Status),
			Algorithm:         rep.Algorithm,
			SourceDigest:      rec.SourceDigest.Hex,
			DestinationDigest: rec.DestinationDigest.Hex,
			BytesCopied:       rec.BytesCopied,
			Skipped:           rec.Skipped,
			StartTime:         rec.StartTime,
			EndTime:           rec.EndTime,
			ErrorKind:         rec.ErrorKind,
			Error:             rec.Error,
		})
	}
	if len(rows) == 0 {
		return
	}
	if err := o.store.InsertTransferRows(run.ID, rows); err != nil {
		logger.Warn("failed to store transfer records", "error", err)
	}
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	for _, k := range []string{"USER", "USERNAME"} {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// multiObserver fans a transfer update out to several observers.
type multiObserver []transfer.Observer

func (m multiObserver) OnTransferUpdate(rec report.TransferRecord) {
	for _, o := range m {
		o.OnTransferUpdate(rec)
	}
}
