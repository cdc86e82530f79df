package transfer

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BadgerOps/offload/internal/report"
)

// TestNewPoolDefaultWorkers verifies pool defaults to 1 worker if workers <= 0
func TestNewPoolDefaultWorkers(t *testing.T) {
	c := newTestCopier(t, Options{})

	if got := NewPool(c, 0, testLogger()).Workers(); got != 1 {
		t.Errorf("expected 1 worker (default), got %d", got)
	}
	if got := NewPool(c, -5, testLogger()).Workers(); got != 1 {
		t.Errorf("expected 1 worker (default), got %d", got)
	}
	if got := NewPool(c, 6, testLogger()).Workers(); got != 6 {
		t.Errorf("expected 6 workers, got %d", got)
	}
}

// runAll submits jobs to a fresh Run and collects the records by destination.
func runAll(pool *Pool, jobs []Job) map[string]report.TransferRecord {
	in := make(chan Job)
	go func() {
		defer close(in)
		for _, j := range jobs {
			in <- j
		}
	}()
	out := make(map[string]report.TransferRecord, len(jobs))
	for rec := range pool.Run(context.Background(), in) {
		out[rec.DestinationPath] = rec
	}
	return out
}

// TestPoolRunCompletesEveryJob copies several files to two destinations.
func TestPoolRunCompletesEveryJob(t *testing.T) {
	srcDir := t.TempDir()
	dests := []string{t.TempDir(), t.TempDir()}

	var jobs []Job
	for i := 0; i < 6; i++ {
		src := writeSource(t, srcDir, fmt.Sprintf("clip%d.mov", i), []byte(fmt.Sprintf("content %d", i)))
		for _, d := range dests {
			jobs = append(jobs, jobFor(src, d))
		}
	}

	var completed atomic.Int32
	pool := NewPool(newTestCopier(t, Options{}), 3, testLogger())
	pool.SetOnComplete(func(report.TransferRecord) { completed.Add(1) })

	results := runAll(pool, jobs)
	if len(results) != len(jobs) {
		t.Fatalf("expected %d results, got %d", len(jobs), len(results))
	}
	for _, j := range jobs {
		rec, ok := results[j.Target.Path]
		if !ok {
			t.Errorf("no result for %s", j.Target.Path)
			continue
		}
		if rec.Status != report.StatusVerified {
			t.Errorf("%s status = %s (%s)", j.Target.Path, rec.Status, rec.Error)
		}
	}
	if int(completed.Load()) != len(jobs) {
		t.Errorf("onComplete called %d times, want %d", completed.Load(), len(jobs))
	}
}

func TestPoolRunNoJobs(t *testing.T) {
	pool := NewPool(newTestCopier(t, Options{}), 2, testLogger())
	if got := runAll(pool, nil); len(got) != 0 {
		t.Errorf("expected no results, got %d", len(got))
	}
}

// gateWriter blocks every write until the gate is closed.
type gateWriter struct {
	w      io.Writer
	gate   <-chan struct{}
	active *atomic.Int32
	peak   *atomic.Int32
}

func (g *gateWriter) Write(p []byte) (int, error) {
	n := g.active.Add(1)
	for {
		old := g.peak.Load()
		if n <= old || g.peak.CompareAndSwap(old, n) {
			break
		}
	}
	<-g.gate
	defer g.active.Add(-1)
	return g.w.Write(p)
}

// TestPoolBoundsConcurrencyAndBlocksSubmission checks that no more than
// workers jobs run at once and that submission blocks while they do.
func TestPoolBoundsConcurrencyAndBlocksSubmission(t *testing.T) {
	srcDir, destDir := t.TempDir(), t.TempDir()
	gate := make(chan struct{})
	var active, peak atomic.Int32

	hook := func(_ Target, w io.Writer) io.Writer {
		return &gateWriter{w: w, gate: gate, active: &active, peak: &peak}
	}
	pool := NewPool(newTestCopier(t, Options{WriteHook: hook}), 2, testLogger())

	jobs := make(chan Job)
	results := pool.Run(context.Background(), jobs)

	var srcs []SourceFile
	for i := 0; i < 5; i++ {
		srcs = append(srcs, writeSource(t, srcDir, fmt.Sprintf("f%d.mov", i), []byte("data")))
	}

	var submitted atomic.Int32
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, s := range srcs {
			jobs <- Job{Source: s, Target: Target{Root: destDir, Path: filepath.Join(destDir, s.RelPath)}}
			submitted.Add(1)
		}
		close(jobs)
	}()

	time.Sleep(100 * time.Millisecond)
	if got := submitted.Load(); got > 2 {
		t.Errorf("submitted %d jobs while both workers were blocked, want at most 2", got)
	}

	close(gate)
	count := 0
	for rec := range results {
		if rec.Status != report.StatusVerified {
			t.Errorf("status = %s (%s)", rec.Status, rec.Error)
		}
		count++
	}
	wg.Wait()

	if count != len(srcs) {
		t.Errorf("got %d results, want %d", count, len(srcs))
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrent writers = %d, want <= 2", p)
	}
}
