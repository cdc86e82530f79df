package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
)

const (
	VerdictSafe   = "SAFE TO FORMAT"
	VerdictUnsafe = "DO NOT FORMAT"
)

// Summary holds aggregate counts over all records of a run.
type Summary struct {
	TotalRecords int     `json:"total_records"`
	Verified     int     `json:"verified"`
	Mismatched   int     `json:"verification_mismatch"`
	Failed       int     `json:"failed"`
	Incomplete   int     `json:"incomplete,omitempty"`
	Skipped      int     `json:"skipped"`
	SourceFiles  int     `json:"source_files"`
	SourceBytes  int64   `json:"source_bytes"`
	BytesCopied  int64   `json:"bytes_copied"`
	MinSpeedMBps float64 `json:"min_speed_mbps,omitempty"`
	AvgSpeedMBps float64 `json:"avg_speed_mbps,omitempty"`
	MaxSpeedMBps float64 `json:"max_speed_mbps,omitempty"`
}

// LedgerSummary describes the audit ledger state at the end of a run.
type LedgerSummary struct {
	Path        string `json:"path,omitempty"`
	Entries     int    `json:"entries"`
	HeadDigest  string `json:"head_digest"`
	CarriedOver bool   `json:"carried_over"`
	Notice      string `json:"notice,omitempty"`
}

// IngestionReport is the serializable summary of one offload run.
type IngestionReport struct {
	RunID           string           `json:"run_id"`
	ProjectID       string           `json:"project_id,omitempty"`
	ShootDay        string           `json:"shoot_day,omitempty"`
	Source          string           `json:"source"`
	Destinations    []string         `json:"destinations"`
	Algorithm       string           `json:"algorithm"`
	OverwritePolicy string           `json:"overwrite_policy"`
	StartTime       time.Time        `json:"start_time"`
	EndTime         time.Time        `json:"end_time"`
	Elapsed         time.Duration    `json:"elapsed_ns"`
	Records         []TransferRecord `json:"records"`
	Summary         Summary          `json:"summary"`
	SafeToFormat    bool             `json:"safe_to_format"`
	Verdict         string           `json:"verdict"`
	Reasons         []string         `json:"reasons,omitempty"`
	Ledger          LedgerSummary    `json:"ledger"`
	Aborted         bool             `json:"aborted,omitempty"`
	AbortReason     string           `json:"abort_reason,omitempty"`
}

// SortRecords orders records by source path, then destination root.
func SortRecords(records []TransferRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].SourcePath != records[j].SourcePath {
			return records[i].SourcePath < records[j].SourcePath
		}
		return records[i].DestinationRoot < records[j].DestinationRoot
	})
}

// SafeToFormat reports whether every record is verified. An empty set is safe.
func SafeToFormat(records []TransferRecord) bool {
	for _, r := range records {
		if r.Status != StatusVerified {
			return false
		}
	}
	return true
}

// Finalize sorts the records and derives the summary, verdict and reasons.
// It may be called again after records or the abort state change.
func (r *IngestionReport) Finalize() {
	SortRecords(r.Records)

	s := Summary{SourceFiles: r.Summary.SourceFiles, SourceBytes: r.Summary.SourceBytes}
	s.TotalRecords = len(r.Records)
	var speeds []float64
	r.Reasons = nil
	for _, rec := range r.Records {
		s.BytesCopied += rec.BytesCopied
		if rec.Skipped {
			s.Skipped++
		}
		switch rec.Status {
		case StatusVerified:
			s.Verified++
			if sp := rec.SpeedMBps(); sp > 0 {
				speeds = append(speeds, sp)
			}
			continue
		case StatusVerificationMismatch:
			s.Mismatched++
		case StatusFailed:
			s.Failed++
		default:
			s.Incomplete++
		}
		r.Reasons = append(r.Reasons, reasonFor(rec))
	}
	if len(speeds) > 0 {
		s.MinSpeedMBps, s.MaxSpeedMBps = speeds[0], speeds[0]
		var total float64
		for _, sp := range speeds {
			total += sp
			if sp < s.MinSpeedMBps {
				s.MinSpeedMBps = sp
			}
			if sp > s.MaxSpeedMBps {
				s.MaxSpeedMBps = sp
			}
		}
		s.AvgSpeedMBps = total / float64(len(speeds))
	}
	r.Summary = s

	r.SafeToFormat = SafeToFormat(r.Records)
	if r.Aborted {
		// an aborted run never vouches for the card, even with zero records
		r.SafeToFormat = false
		r.Reasons = append(r.Reasons, "run aborted: "+r.AbortReason)
	}
	if r.SafeToFormat {
		r.Verdict = VerdictSafe
	} else {
		r.Verdict = VerdictUnsafe
	}
	if !r.StartTime.IsZero() && !r.EndTime.IsZero() {
		r.Elapsed = r.EndTime.Sub(r.StartTime)
	}
}

func reasonFor(rec TransferRecord) string {
	target := rec.DestinationPath
	if target == "" {
		target = rec.DestinationRoot
	}
	switch rec.Status {
	case StatusVerificationMismatch:
		return fmt.Sprintf("%s -> %s: checksum mismatch (source %s, destination %s)",
			rec.SourcePath, target, rec.SourceDigest.Hex, rec.DestinationDigest.Hex)
	case StatusFailed:
		kind := rec.ErrorKind
		if kind == "" {
			kind = "failed"
		}
		return fmt.Sprintf("%s -> %s: %s: %s", rec.SourcePath, target, kind, rec.Error)
	default:
		return fmt.Sprintf("%s -> %s: not completed (%s)", rec.SourcePath, target, rec.Status)
	}
}

// WriteJSON writes the report to path as indented JSON, zstd-compressed
// when the file name ends in ".zst".
func (r *IngestionReport) WriteJSON(path string) (err error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating report directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating report file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing report file: %w", cerr)
		}
	}()

	var w io.Writer = f
	if strings.HasSuffix(path, ".zst") {
		zw, err := zstd.NewWriter(f)
		if err != nil {
			return fmt.Errorf("creating zstd writer: %w", err)
		}
		defer func() {
			if cerr := zw.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("flushing zstd stream: %w", cerr)
			}
		}()
		w = zw
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	return nil
}

// ReadJSON loads a report written by WriteJSON.
func ReadJSON(path string) (*IngestionReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening report: %w", err)
	}
	defer f.Close()

	var rd io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("creating zstd reader: %w", err)
		}
		defer zr.Close()
		rd = zr
	}

	var rep IngestionReport
	if err := json.NewDecoder(rd).Decode(&rep); err != nil {
		return nil, fmt.Errorf("decoding report: %w", err)
	}
	return &rep, nil
}

// WriteText renders a human-readable summary for terminal output.
func (r *IngestionReport) WriteText(w io.Writer) error {
	var b strings.Builder

	fmt.Fprintf(&b, "Run:          %s\n", r.RunID)
	if r.ProjectID != "" {
		fmt.Fprintf(&b, "Project:      %s\n", r.ProjectID)
	}
	if r.ShootDay != "" {
		fmt.Fprintf(&b, "Shoot day:    %s\n", r.ShootDay)
	}
	fmt.Fprintf(&b, "Source:       %s\n", r.Source)
	fmt.Fprintf(&b, "Destinations: %s\n", strings.Join(r.Destinations, ", "))
	fmt.Fprintf(&b, "Algorithm:    %s\n", r.Algorithm)
	fmt.Fprintf(&b, "Elapsed:      %s\n", r.Elapsed.Truncate(time.Millisecond))
	b.WriteString("\n")
	fmt.Fprintf(&b, "Files:        %d (%s)\n", r.Summary.SourceFiles, humanize.IBytes(uint64(r.Summary.SourceBytes)))
	fmt.Fprintf(&b, "Transfers:    %d\n", r.Summary.TotalRecords)
	fmt.Fprintf(&b, "  Verified:   %d (skipped %d)\n", r.Summary.Verified, r.Summary.Skipped)
	fmt.Fprintf(&b, "  Mismatched: %d\n", r.Summary.Mismatched)
	fmt.Fprintf(&b, "  Failed:     %d\n", r.Summary.Failed)
	fmt.Fprintf(&b, "Copied:       %s\n", humanize.IBytes(uint64(r.Summary.BytesCopied)))
	if r.Summary.AvgSpeedMBps > 0 {
		fmt.Fprintf(&b, "Speed:        avg %.1f MB/s (min %.1f, max %.1f)\n",
			r.Summary.AvgSpeedMBps, r.Summary.MinSpeedMBps, r.Summary.MaxSpeedMBps)
	}
	if r.Ledger.HeadDigest != "" {
		fmt.Fprintf(&b, "Ledger:       %d entries, head %s\n", r.Ledger.Entries, r.Ledger.HeadDigest)
	}
	if r.Ledger.Notice != "" {
		fmt.Fprintf(&b, "  WARNING: %s\n", r.Ledger.Notice)
	}
	if r.Aborted {
		fmt.Fprintf(&b, "\nRUN ABORTED: %s\n", r.AbortReason)
	}

	fmt.Fprintf(&b, "\n=== %s ===\n", r.Verdict)
	for _, reason := range r.Reasons {
		fmt.Fprintf(&b, "  - %s\n", reason)
	}

	_, err := io.WriteString(w, b.String())
	return err
}
