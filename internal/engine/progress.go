package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/BadgerOps/offload/internal/report"
)

// RunPhase represents the current phase of an offload run.
type RunPhase string

const (
	PhaseDiscovering RunPhase = "discovering"
	PhasePreflight   RunPhase = "preflight"
	PhaseCopying     RunPhase = "copying"
	PhaseComplete    RunPhase = "complete"
	PhaseFailed      RunPhase = "failed"
	PhaseCancelled   RunPhase = "cancelled"
)

// FileEvent records a finished transfer for the recent activity log.
type FileEvent struct {
	Source      string        `json:"source"`
	Destination string        `json:"destination"`
	Status      report.Status `json:"status"`
	Error       string        `json:"error,omitempty"`
	Size        int64         `json:"size,omitempty"`
}

// RunProgress is a snapshot of the current run state, safe for JSON serialization.
type RunProgress struct {
	RunID          string      `json:"run_id"`
	Phase          RunPhase    `json:"phase"`
	TotalJobs      int         `json:"total_jobs"`
	VerifiedJobs   int         `json:"verified_jobs"`
	MismatchedJobs int         `json:"mismatched_jobs"`
	FailedJobs     int         `json:"failed_jobs"`
	SkippedJobs    int         `json:"skipped_jobs"`
	TotalBytes     int64       `json:"total_bytes"`
	BytesCopied    int64       `json:"bytes_copied"`
	Percent        float64     `json:"percent"`
	Active         []ActiveJob `json:"active,omitempty"`
	RecentEvents   []FileEvent `json:"recent_events,omitempty"`
	BytesPerSecond int64       `json:"bytes_per_second"`
	ETA            string      `json:"eta,omitempty"`
	StartTime      time.Time   `json:"start_time"`
	Elapsed        string      `json:"elapsed"`
	Message        string      `json:"message,omitempty"`
}

// ActiveJob is a transfer that has not reached a terminal state.
type ActiveJob struct {
	Source      string        `json:"source"`
	Destination string        `json:"destination"`
	Status      report.Status `json:"status"`
	Size        int64         `json:"size"`
}

// OffloadTracker accumulates transfer updates from pool workers. It
// implements transfer.Observer. Listeners use Wait() to block until the next
// update.
type OffloadTracker struct {
	mu sync.Mutex

	runID        string
	phase        RunPhase
	totalJobs    int
	verified     int
	mismatched   int
	failed       int
	skipped      int
	totalBytes   int64
	bytesCopied  int64
	startTime    time.Time
	message      string
	active       map[string]*ActiveJob // keyed by destination path
	recentEvents []FileEvent

	// close-and-replace: any update closes notify and installs a new channel
	notify chan struct{}
}

// NewOffloadTracker creates a tracker for a run.
func NewOffloadTracker(runID string) *OffloadTracker {
	return &OffloadTracker{
		runID:     runID,
		phase:     PhaseDiscovering,
		startTime: time.Now(),
		active:    make(map[string]*ActiveJob),
		notify:    make(chan struct{}),
	}
}

// Snapshot returns a copy of the current progress state.
func (t *OffloadTracker) Snapshot() RunProgress {
	t.mu.Lock()
	defer t.mu.Unlock()

	done := t.verified + t.mismatched + t.failed
	var pct float64
	if t.totalJobs > 0 {
		pct = float64(done) / float64(t.totalJobs) * 100
	}

	active := make([]ActiveJob, 0, len(t.active))
	for _, a := range t.active {
		active = append(active, *a)
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].Source != active[j].Source {
			return active[i].Source < active[j].Source
		}
		return active[i].Destination < active[j].Destination
	})

	recent := make([]FileEvent, len(t.recentEvents))
	copy(recent, t.recentEvents)

	elapsed := time.Since(t.startTime)
	var bytesPerSecond int64
	var eta string
	if elapsed > time.Second && t.bytesCopied > 0 {
		bytesPerSecond = int64(float64(t.bytesCopied) / elapsed.Seconds())
		if bytesPerSecond > 0 && t.totalBytes > t.bytesCopied {
			remaining := t.totalBytes - t.bytesCopied
			eta = time.Duration(float64(remaining) / float64(bytesPerSecond) * float64(time.Second)).Truncate(time.Second).String()
		}
	}

	return RunProgress{
		RunID:          t.runID,
		Phase:          t.phase,
		TotalJobs:      t.totalJobs,
		VerifiedJobs:   t.verified,
		MismatchedJobs: t.mismatched,
		FailedJobs:     t.failed,
		SkippedJobs:    t.skipped,
		TotalBytes:     t.totalBytes,
		BytesCopied:    t.bytesCopied,
		Percent:        pct,
		Active:         active,
		RecentEvents:   recent,
		BytesPerSecond: bytesPerSecond,
		ETA:            eta,
		StartTime:      t.startTime,
		Elapsed:        elapsed.Truncate(time.Second).String(),
		Message:        t.message,
	}
}

// Wait returns a channel that will be closed when the next update occurs.
func (t *OffloadTracker) Wait() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notify
}

// signal must be called with t.mu held.
func (t *OffloadTracker) signal() {
	close(t.notify)
	t.notify = make(chan struct{})
}

// SetRunID labels the tracker once the run id is known.
func (t *OffloadTracker) SetRunID(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runID = id
	t.signal()
}

// SetPhase updates the current phase.
func (t *OffloadTracker) SetPhase(phase RunPhase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = phase
	t.signal()
}

// SetTotals sets the job count and the bytes those jobs will move.
func (t *OffloadTracker) SetTotals(totalJobs int, totalBytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalJobs = totalJobs
	t.totalBytes = totalBytes
	t.signal()
}

// SetMessage sets a human-readable status message.
func (t *OffloadTracker) SetMessage(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.message = msg
	t.signal()
}

// OnTransferUpdate records a status change of one transfer.
func (t *OffloadTracker) OnTransferUpdate(rec report.TransferRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !rec.Status.Terminal() {
		t.active[rec.DestinationPath] = &ActiveJob{
			Source:      rec.SourcePath,
			Destination: rec.DestinationPath,
			Status:      rec.Status,
			Size:        rec.Size,
		}
		t.signal()
		return
	}

	delete(t.active, rec.DestinationPath)
	switch rec.Status {
	case report.StatusVerified:
		t.verified++
	case report.StatusVerificationMismatch:
		t.mismatched++
	case report.StatusFailed:
		t.failed++
	}
	if rec.Skipped {
		t.skipped++
		// skipped files count as moved so percent and ETA stay honest
		t.bytesCopied += rec.Size
	} else {
		t.bytesCopied += rec.BytesCopied
	}
	t.addRecentEvent(FileEvent{
		Source:      rec.SourcePath,
		Destination: rec.DestinationPath,
		Status:      rec.Status,
		Error:       rec.Error,
		Size:        rec.Size,
	})
	t.signal()
}

// addRecentEvent prepends an event to the rolling log, capping at 20. Must be called with t.mu held.
func (t *OffloadTracker) addRecentEvent(ev FileEvent) {
	t.recentEvents = append([]FileEvent{ev}, t.recentEvents...)
	if len(t.recentEvents) > 20 {
		t.recentEvents = t.recentEvents[:20]
	}
}
