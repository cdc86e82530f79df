package report

import (
	"errors"
	"fmt"
	"time"

	"github.com/BadgerOps/offload/internal/checksum"
)

// Status is the lifecycle state of a TransferRecord.
type Status string

const (
	StatusPending              Status = "pending"
	StatusCopying              Status = "copying"
	StatusVerifying            Status = "verifying"
	StatusVerified             Status = "verified"
	StatusVerificationMismatch Status = "verification_mismatch"
	StatusFailed               Status = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusVerified, StatusVerificationMismatch, StatusFailed:
		return true
	}
	return false
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusCopying:
		return 1
	case StatusVerifying:
		return 2
	case StatusVerified, StatusVerificationMismatch, StatusFailed:
		return 3
	}
	return -1
}

// ErrInvalidTransition is matched by TransitionError.
var ErrInvalidTransition = errors.New("invalid status transition")

// TransitionError describes a rejected status change.
type TransitionError struct {
	From, To Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// TransferRecord is the outcome of copying one source file to one destination.
type TransferRecord struct {
	SourcePath        string          `json:"source_path"`
	DestinationRoot   string          `json:"destination_root"`
	DestinationPath   string          `json:"destination_path"`
	Size              int64           `json:"size"`
	Status            Status          `json:"status"`
	SourceDigest      checksum.Digest `json:"source_digest"`
	DestinationDigest checksum.Digest `json:"destination_digest"`
	BytesCopied       int64           `json:"bytes_copied"`
	Skipped           bool            `json:"skipped,omitempty"`
	StartTime         time.Time       `json:"start_time"`
	EndTime           time.Time       `json:"end_time"`
	ErrorKind         string          `json:"error_kind,omitempty"`
	Error             string          `json:"error,omitempty"`
}

// NewRecord returns a pending record.
func NewRecord(sourcePath, destRoot, destPath string, size int64) TransferRecord {
	return TransferRecord{
		SourcePath:      sourcePath,
		DestinationRoot: destRoot,
		DestinationPath: destPath,
		Size:            size,
		Status:          StatusPending,
	}
}

// Advance moves the record forward. Failed can be entered from any
// non-terminal state; nothing leaves a terminal state.
func (r *TransferRecord) Advance(to Status) error {
	from := r.Status
	if from.Terminal() || to.rank() < 0 {
		return &TransitionError{From: from, To: to}
	}
	if to != StatusFailed {
		if to.rank() <= from.rank() {
			return &TransitionError{From: from, To: to}
		}
		// verified and verification_mismatch are only reachable from verifying
		if to.Terminal() && from != StatusVerifying {
			return &TransitionError{From: from, To: to}
		}
	}
	r.Status = to
	if to.Terminal() {
		r.EndTime = time.Now()
	}
	return nil
}

// Fail marks the record failed with the given kind and error.
func (r *TransferRecord) Fail(kind string, cause error) error {
	if err := r.Advance(StatusFailed); err != nil {
		return err
	}
	r.ErrorKind = kind
	if cause != nil {
		r.Error = cause.Error()
	}
	return nil
}

// Duration is the wall time from start to end of the transfer.
func (r TransferRecord) Duration() time.Duration {
	if r.StartTime.IsZero() || r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// SpeedMBps returns copy throughput in MiB/s, or 0 when nothing was copied.
func (r TransferRecord) SpeedMBps() float64 {
	d := r.Duration()
	if r.BytesCopied == 0 || d <= 0 {
		return 0
	}
	return float64(r.BytesCopied) / d.Seconds() / (1024 * 1024)
}
