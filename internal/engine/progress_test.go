package engine

import (
	"testing"
	"time"

	"github.com/BadgerOps/offload/internal/report"
)

func record(src, dest string, status report.Status, size int64) report.TransferRecord {
	rec := report.NewRecord(src, "/dst", dest, size)
	rec.Status = status
	if status.Terminal() {
		rec.BytesCopied = size
	}
	return rec
}

func TestOffloadTrackerCounts(t *testing.T) {
	tr := NewOffloadTracker("run-1")
	tr.SetTotals(4, 400)
	tr.SetPhase(PhaseCopying)

	tr.OnTransferUpdate(record("a.mov", "/dst/a.mov", report.StatusCopying, 100))
	tr.OnTransferUpdate(record("b.mov", "/dst/b.mov", report.StatusVerifying, 100))

	snap := tr.Snapshot()
	if len(snap.Active) != 2 {
		t.Fatalf("Active = %d, want 2", len(snap.Active))
	}
	if snap.Active[0].Source != "a.mov" || snap.Active[1].Status != report.StatusVerifying {
		t.Errorf("Active = %+v", snap.Active)
	}

	tr.OnTransferUpdate(record("a.mov", "/dst/a.mov", report.StatusVerified, 100))
	tr.OnTransferUpdate(record("b.mov", "/dst/b.mov", report.StatusVerificationMismatch, 100))
	failed := record("c.mov", "/dst/c.mov", report.StatusFailed, 100)
	failed.BytesCopied = 0
	failed.Error = "disk full"
	tr.OnTransferUpdate(failed)
	skipped := record("d.mov", "/dst/d.mov", report.StatusVerified, 100)
	skipped.Skipped = true
	skipped.BytesCopied = 0
	tr.OnTransferUpdate(skipped)

	snap = tr.Snapshot()
	if snap.RunID != "run-1" || snap.Phase != PhaseCopying {
		t.Errorf("RunID/Phase = %q/%q", snap.RunID, snap.Phase)
	}
	if snap.VerifiedJobs != 2 || snap.MismatchedJobs != 1 || snap.FailedJobs != 1 || snap.SkippedJobs != 1 {
		t.Errorf("counts = %+v", snap)
	}
	if len(snap.Active) != 0 {
		t.Errorf("Active = %+v, want none", snap.Active)
	}
	if snap.BytesCopied != 300 {
		t.Errorf("BytesCopied = %d, want 300 (skipped size counts as moved)", snap.BytesCopied)
	}
	if snap.Percent != 100 {
		t.Errorf("Percent = %v, want 100", snap.Percent)
	}
	if len(snap.RecentEvents) != 4 || snap.RecentEvents[0].Source != "d.mov" {
		t.Errorf("RecentEvents = %+v", snap.RecentEvents)
	}
	if snap.RecentEvents[1].Error != "disk full" {
		t.Errorf("RecentEvents[1].Error = %q", snap.RecentEvents[1].Error)
	}
}

func TestOffloadTrackerRecentEventsCap(t *testing.T) {
	tr := NewOffloadTracker("")
	for i := 0; i < 30; i++ {
		tr.OnTransferUpdate(record("f.mov", "/dst/f.mov", report.StatusVerified, 1))
	}
	if n := len(tr.Snapshot().RecentEvents); n != 20 {
		t.Errorf("RecentEvents = %d, want 20", n)
	}
}

func TestOffloadTrackerWait(t *testing.T) {
	tr := NewOffloadTracker("")
	ch := tr.Wait()

	select {
	case <-ch:
		t.Fatal("Wait() closed before any update")
	default:
	}

	go tr.SetMessage("copying")

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait() not closed after update")
	}
	if tr.Snapshot().Message != "copying" {
		t.Errorf("Message = %q", tr.Snapshot().Message)
	}
	if tr.Wait() == ch {
		t.Error("Wait() returned the closed channel again")
	}
}
