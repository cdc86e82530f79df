package store

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

// newTestStore creates an in-memory SQLite store for testing
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRun(runID string, start time.Time) *OffloadRun {
	return &OffloadRun{
		RunID:           runID,
		ProjectID:       "PRJ-1",
		ShootDay:        "day-01",
		Source:          "/media/CARD_A",
		Destinations:    "/mnt/raid\n/mnt/shuttle",
		Algorithm:       "sha256",
		OverwritePolicy: "skip",
		StartTime:       start,
		Status:          RunRunning,
	}
}

// ============================================================================
// Store Lifecycle Tests
// ============================================================================

func TestNew(t *testing.T) {
	store := newTestStore(t)

	if store.db == nil {
		t.Error("Expected db to be initialized")
	}
	if store.logger == nil {
		t.Error("Expected logger to be initialized")
	}
}

func TestNewOnDiskReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state", "history.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := New(dbPath, logger)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := s.CreateRun(sampleRun("run-1", time.Now())); err != nil {
		t.Fatalf("CreateRun() failed: %v", err)
	}
	s.Close()

	// migrations must be idempotent on reopen
	s, err = New(dbPath, logger)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	runs, err := s.ListRuns("", 0)
	if err != nil {
		t.Fatalf("ListRuns() failed: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "run-1" {
		t.Errorf("runs after reopen = %+v", runs)
	}
}

func TestClose(t *testing.T) {
	store, err := New(":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	if _, err := store.ListRuns("", 0); err == nil {
		t.Error("Expected error when using closed store, but got nil")
	}
}

// ============================================================================
// OffloadRun Tests
// ============================================================================

func TestCreateAndUpdateRun(t *testing.T) {
	s := newTestStore(t)
	start := time.Now().UTC().Truncate(time.Second)

	run := sampleRun("3f0c", start)
	if err := s.CreateRun(run); err != nil {
		t.Fatalf("CreateRun() failed: %v", err)
	}
	if run.ID == 0 {
		t.Fatal("Expected ID to be set after CreateRun")
	}

	run.EndTime = start.Add(time.Minute)
	run.TotalRecords = 4
	run.Verified = 3
	run.Failed = 1
	run.BytesCopied = 1 << 20
	run.Status = RunCompleted
	run.LedgerHead = "abc123"
	if err := s.UpdateRun(run); err != nil {
		t.Fatalf("UpdateRun() failed: %v", err)
	}

	got, err := s.GetRun("3f0c")
	if err != nil {
		t.Fatalf("GetRun() failed: %v", err)
	}
	if got.Status != RunCompleted || got.Verified != 3 || got.Failed != 1 || got.SafeToFormat {
		t.Errorf("GetRun() = %+v", got)
	}
	if got.LedgerHead != "abc123" || got.BytesCopied != 1<<20 {
		t.Errorf("ledger head / bytes = %q / %d", got.LedgerHead, got.BytesCopied)
	}
	if !got.StartTime.Equal(start) {
		t.Errorf("StartTime = %v, want %v", got.StartTime, start)
	}
	if got.Destinations != "/mnt/raid\n/mnt/shuttle" {
		t.Errorf("Destinations = %q", got.Destinations)
	}
}

func TestUpdateRunNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateRun(&OffloadRun{ID: 999, Status: RunCompleted})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateRun() error = %v, want ErrNotFound", err)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetRun("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun() error = %v, want ErrNotFound", err)
	}
}

func TestCreateRunDuplicateRunID(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateRun(sampleRun("dup", time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateRun(sampleRun("dup", time.Now())); err == nil {
		t.Error("expected unique constraint violation")
	}
}

func TestListRuns(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC()

	for i, id := range []string{"a", "b", "c"} {
		run := sampleRun(id, base.Add(time.Duration(i)*time.Hour))
		if id == "c" {
			run.ProjectID = "PRJ-2"
		}
		if err := s.CreateRun(run); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name    string
		project string
		limit   int
		want    []string
	}{
		{"all newest first", "", 0, []string{"c", "b", "a"}},
		{"limit", "", 2, []string{"c", "b"}},
		{"project filter", "PRJ-1", 0, []string{"b", "a"}},
		{"unknown project", "nope", 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs, err := s.ListRuns(tt.project, tt.limit)
			if err != nil {
				t.Fatalf("ListRuns() failed: %v", err)
			}
			if len(runs) != len(tt.want) {
				t.Fatalf("got %d runs, want %d", len(runs), len(tt.want))
			}
			for i := range runs {
				if runs[i].RunID != tt.want[i] {
					t.Errorf("runs[%d] = %s, want %s", i, runs[i].RunID, tt.want[i])
				}
			}
		})
	}
}

// ============================================================================
// TransferRow Tests
// ============================================================================

func TestInsertAndListTransferRows(t *testing.T) {
	s := newTestStore(t)
	run := sampleRun("r1", time.Now())
	if err := s.CreateRun(run); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	rows := []TransferRow{
		{SourcePath: "b.mov", DestinationRoot: "/mnt/raid", DestinationPath: "/mnt/raid/b.mov", Size: 10, Status: "verified", Algorithm: "sha256", SourceDigest: "aa", DestinationDigest: "aa", BytesCopied: 10, StartTime: now, EndTime: now},
		{SourcePath: "a.mov", DestinationRoot: "/mnt/shuttle", DestinationPath: "/mnt/shuttle/a.mov", Size: 5, Status: "failed", ErrorKind: "destination_unwritable", Error: "no space left on device", StartTime: now, EndTime: now},
		{SourcePath: "a.mov", DestinationRoot: "/mnt/raid", DestinationPath: "/mnt/raid/a.mov", Size: 5, Status: "verified", Skipped: true, StartTime: now, EndTime: now},
	}
	if err := s.InsertTransferRows(run.ID, rows); err != nil {
		t.Fatalf("InsertTransferRows() failed: %v", err)
	}
	for _, r := range rows {
		if r.ID == 0 || r.RunID != run.ID {
			t.Errorf("row not assigned ids: %+v", r)
		}
	}

	all, err := s.ListTransferRows(run.ID, "")
	if err != nil {
		t.Fatalf("ListTransferRows() failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d rows, want 3", len(all))
	}
	wantOrder := [][2]string{{"a.mov", "/mnt/raid"}, {"a.mov", "/mnt/shuttle"}, {"b.mov", "/mnt/raid"}}
	for i, w := range wantOrder {
		if all[i].SourcePath != w[0] || all[i].DestinationRoot != w[1] {
			t.Errorf("row %d = (%s, %s), want %v", i, all[i].SourcePath, all[i].DestinationRoot, w)
		}
	}
	if !all[0].Skipped {
		t.Error("skipped flag not persisted")
	}

	failed, err := s.ListTransferRows(run.ID, "failed")
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].Error != "no space left on device" {
		t.Errorf("failed rows = %+v", failed)
	}
}

func TestInsertTransferRowsIsAtomic(t *testing.T) {
	s := newTestStore(t)
	run := sampleRun("r2", time.Now())
	if err := s.CreateRun(run); err != nil {
		t.Fatal(err)
	}

	dup := TransferRow{SourcePath: "a.mov", DestinationRoot: "/mnt/raid", DestinationPath: "/mnt/raid/a.mov", Status: "verified"}
	if err := s.InsertTransferRows(run.ID, []TransferRow{dup, dup}); err == nil {
		t.Fatal("expected unique constraint violation")
	}

	rows, err := s.ListTransferRows(run.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("partial insert committed %d rows", len(rows))
	}
}
