package store

import "time"

// Run statuses stored in offload_runs.status.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunAborted   = "aborted"
	RunFailed    = "failed"
)

// OffloadRun records one offload execution
type OffloadRun struct {
	ID              int64
	RunID           string // uuid shared with the ledger and report
	ProjectID       string
	ShootDay        string
	Source          string
	Destinations    string // newline-separated destination roots
	Algorithm       string
	OverwritePolicy string
	StartTime       time.Time
	EndTime         time.Time
	TotalRecords    int
	Verified        int
	Mismatched      int
	Failed          int
	Skipped         int
	BytesCopied     int64
	SafeToFormat    bool
	Status          string // "running", "completed", "aborted", "failed"
	ErrorMessage    string
	LedgerHead      string
}

// TransferRow is the persisted outcome of one (file, destination) pair
type TransferRow struct {
	ID                int64
	RunID             int64
	SourcePath        string
	DestinationRoot   string
	DestinationPath   string
	Size              int64
	Status            string
	Algorithm         string
	SourceDigest      string
	DestinationDigest string
	BytesCopied       int64
	Skipped           bool
	StartTime         time.Time
	EndTime           time.Time
	ErrorKind         string
	Error             string
}
