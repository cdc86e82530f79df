package transfer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/BadgerOps/offload/internal/checksum"
	"github.com/BadgerOps/offload/internal/report"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeSource(t *testing.T, dir, rel string, data []byte) SourceFile {
	t.Helper()
	abs := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return SourceFile{RelPath: rel, AbsPath: abs, Size: int64(len(data)), DiscoveredAt: time.Now()}
}

func newTestCopier(t *testing.T, opts Options) *Copier {
	t.Helper()
	if opts.Algorithm == "" {
		opts.Algorithm = checksum.SHA256
	}
	if opts.Policy == "" {
		opts.Policy = PolicyFail
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = 1024
	}
	c, err := NewCopier(opts, testLogger())
	if err != nil {
		t.Fatalf("NewCopier: %v", err)
	}
	return c
}

func jobFor(src SourceFile, root string) Job {
	return Job{Source: src, Target: Target{Root: root, Path: filepath.Join(root, filepath.FromSlash(src.RelPath))}}
}

// recordingObserver collects every status it is notified of.
type recordingObserver struct {
	mu       sync.Mutex
	statuses []report.Status
}

func (o *recordingObserver) OnTransferUpdate(rec report.TransferRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, rec.Status)
}

// failAfterWriter returns err once limit bytes have been written.
type failAfterWriter struct {
	w       io.Writer
	limit   int64
	written int64
	err     error
}

func (f *failAfterWriter) Write(p []byte) (int, error) {
	if f.written+int64(len(p)) > f.limit {
		return 0, f.err
	}
	n, err := f.w.Write(p)
	f.written += int64(n)
	return n, err
}

// flipWriter corrupts the first byte it sees.
type flipWriter struct {
	w       io.Writer
	flipped bool
}

func (f *flipWriter) Write(p []byte) (int, error) {
	if !f.flipped && len(p) > 0 {
		q := append([]byte(nil), p...)
		q[0] ^= 0xff
		f.flipped = true
		return f.w.Write(q)
	}
	return f.w.Write(p)
}

func TestParsePolicy(t *testing.T) {
	for _, in := range []string{"fail", "skip", "OVERWRITE"} {
		if _, err := ParsePolicy(in); err != nil {
			t.Errorf("ParsePolicy(%q) unexpected error: %v", in, err)
		}
	}
	for _, in := range []string{"", "retry"} {
		if _, err := ParsePolicy(in); err == nil {
			t.Errorf("ParsePolicy(%q) expected error", in)
		}
	}
}

func TestNewCopierRejectsUnsupportedAlgorithm(t *testing.T) {
	_, err := NewCopier(Options{Algorithm: "xxhash64", Policy: PolicyFail}, testLogger())
	if !errors.Is(err, checksum.ErrAlgorithmUnsupported) {
		t.Fatalf("error = %v, want ErrAlgorithmUnsupported", err)
	}
}

// TestCopyRoundTrip verifies the destination hashes to exactly the source digest.
func TestCopyRoundTrip(t *testing.T) {
	srcDir, destDir := t.TempDir(), t.TempDir()
	data := bytes.Repeat([]byte("0123456789abcdef"), 1000)
	src := writeSource(t, srcDir, "DCIM/100/A001.mov", data)

	obs := &recordingObserver{}
	c := newTestCopier(t, Options{Observer: obs})
	rec := c.Copy(context.Background(), jobFor(src, destDir))

	if rec.Status != report.StatusVerified {
		t.Fatalf("status = %s (%s), want verified", rec.Status, rec.Error)
	}
	want := sha256.Sum256(data)
	if rec.SourceDigest.Hex != hex.EncodeToString(want[:]) {
		t.Errorf("source digest = %s, want %x", rec.SourceDigest.Hex, want)
	}
	if !rec.SourceDigest.Equal(rec.DestinationDigest) {
		t.Errorf("digests differ: %s vs %s", rec.SourceDigest, rec.DestinationDigest)
	}
	if rec.BytesCopied != int64(len(data)) {
		t.Errorf("bytes copied = %d, want %d", rec.BytesCopied, len(data))
	}

	got, err := checksum.HashFile(context.Background(), rec.DestinationPath, checksum.SHA256, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(rec.SourceDigest) {
		t.Errorf("independent hash %s != source digest %s", got, rec.SourceDigest)
	}
	if _, err := os.Stat(rec.DestinationPath + PartialSuffix); !os.IsNotExist(err) {
		t.Errorf("partial file left behind: %v", err)
	}

	wantStatuses := []report.Status{report.StatusCopying, report.StatusVerifying, report.StatusVerified}
	if len(obs.statuses) != len(wantStatuses) {
		t.Fatalf("observer saw %v, want %v", obs.statuses, wantStatuses)
	}
	for i := range wantStatuses {
		if obs.statuses[i] != wantStatuses[i] {
			t.Errorf("observer[%d] = %s, want %s", i, obs.statuses[i], wantStatuses[i])
		}
	}
}

func TestCopyEmptyFile(t *testing.T) {
	srcDir, destDir := t.TempDir(), t.TempDir()
	src := writeSource(t, srcDir, "empty.xml", nil)

	rec := newTestCopier(t, Options{Algorithm: checksum.MD5}).Copy(context.Background(), jobFor(src, destDir))
	if rec.Status != report.StatusVerified {
		t.Fatalf("status = %s (%s), want verified", rec.Status, rec.Error)
	}
	if rec.SourceDigest.Hex != "d41d8cd98f00b204e9800998ecf8427e" {
		t.Errorf("md5 of empty file = %s", rec.SourceDigest.Hex)
	}
}

func TestCopyPolicyFailLeavesExistingFile(t *testing.T) {
	srcDir, destDir := t.TempDir(), t.TempDir()
	src := writeSource(t, srcDir, "a.mov", []byte("new"))
	job := jobFor(src, destDir)
	if err := os.WriteFile(job.Target.Path, []byte("existing"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := newTestCopier(t, Options{Policy: PolicyFail}).Copy(context.Background(), job)
	if rec.Status != report.StatusFailed || rec.ErrorKind != KindDestinationUnwritable {
		t.Fatalf("status = %s kind = %s, want failed/destination_unwritable", rec.Status, rec.ErrorKind)
	}
	data, _ := os.ReadFile(job.Target.Path)
	if string(data) != "existing" {
		t.Errorf("existing destination modified: %q", data)
	}
}

// TestCopyPolicySkipIsIdempotent re-runs a verified copy and expects no bytes written.
func TestCopyPolicySkipIsIdempotent(t *testing.T) {
	srcDir, destDir := t.TempDir(), t.TempDir()
	src := writeSource(t, srcDir, "b.wav", bytes.Repeat([]byte{7}, 5000))
	job := jobFor(src, destDir)

	first := newTestCopier(t, Options{Policy: PolicySkip}).Copy(context.Background(), job)
	if first.Status != report.StatusVerified || first.Skipped {
		t.Fatalf("first run: status = %s skipped = %v", first.Status, first.Skipped)
	}
	before, err := os.Stat(job.Target.Path)
	if err != nil {
		t.Fatal(err)
	}

	writes := 0
	hook := func(_ Target, w io.Writer) io.Writer {
		writes++
		return w
	}
	second := newTestCopier(t, Options{Policy: PolicySkip, WriteHook: hook}).Copy(context.Background(), job)
	if second.Status != report.StatusVerified || !second.Skipped {
		t.Fatalf("second run: status = %s skipped = %v", second.Status, second.Skipped)
	}
	if second.BytesCopied != 0 || writes != 0 {
		t.Errorf("skip rewrote destination: bytes=%d writers=%d", second.BytesCopied, writes)
	}
	after, err := os.Stat(job.Target.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !after.ModTime().Equal(before.ModTime()) || !os.SameFile(before, after) {
		t.Error("destination file was replaced")
	}
	if !second.SourceDigest.Equal(first.SourceDigest) {
		t.Error("skip digest differs from original copy digest")
	}
}

func TestCopyPolicySkipRewritesMismatchedDestination(t *testing.T) {
	srcDir, destDir := t.TempDir(), t.TempDir()
	src := writeSource(t, srcDir, "c.mov", []byte("correct contents"))
	job := jobFor(src, destDir)
	if err := os.WriteFile(job.Target.Path, []byte("truncated"), 0o644); err != nil {
		t.Fatal(err)
	}

	obs := &recordingObserver{}
	rec := newTestCopier(t, Options{Policy: PolicySkip, Observer: obs}).Copy(context.Background(), job)
	if rec.Status != report.StatusVerified || rec.Skipped {
		t.Fatalf("status = %s skipped = %v, want verified rewrite", rec.Status, rec.Skipped)
	}
	data, _ := os.ReadFile(job.Target.Path)
	if string(data) != "correct contents" {
		t.Errorf("destination = %q, want rewritten", data)
	}
	for i := 1; i < len(obs.statuses); i++ {
		if obs.statuses[i] == obs.statuses[i-1] {
			t.Errorf("observer saw repeated status: %v", obs.statuses)
		}
	}
}

func TestCopyPolicyOverwrite(t *testing.T) {
	srcDir, destDir := t.TempDir(), t.TempDir()
	src := writeSource(t, srcDir, "d.mov", []byte("fresh"))
	job := jobFor(src, destDir)
	if err := os.WriteFile(job.Target.Path, []byte("fresh"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := newTestCopier(t, Options{Policy: PolicyOverwrite}).Copy(context.Background(), job)
	if rec.Status != report.StatusVerified || rec.Skipped || rec.BytesCopied != 5 {
		t.Fatalf("status = %s skipped = %v bytes = %d", rec.Status, rec.Skipped, rec.BytesCopied)
	}
}

// TestCopyDetectsCorruptionInWritePath corrupts the write stream and expects the
// read-back to catch it.
func TestCopyDetectsCorruptionInWritePath(t *testing.T) {
	srcDir, destDir := t.TempDir(), t.TempDir()
	src := writeSource(t, srcDir, "e.mov", bytes.Repeat([]byte("x"), 4096))

	hook := func(_ Target, w io.Writer) io.Writer { return &flipWriter{w: w} }
	rec := newTestCopier(t, Options{WriteHook: hook}).Copy(context.Background(), jobFor(src, destDir))

	if rec.Status != report.StatusVerificationMismatch {
		t.Fatalf("status = %s, want verification_mismatch", rec.Status)
	}
	if rec.SourceDigest.Equal(rec.DestinationDigest) {
		t.Error("digests should differ")
	}
	if rec.ErrorKind != KindVerificationMismatch {
		t.Errorf("error kind = %q", rec.ErrorKind)
	}
}

// TestCopyDiskFullRemovesPartial simulates ENOSPC mid-copy.
func TestCopyDiskFullRemovesPartial(t *testing.T) {
	srcDir, destDir := t.TempDir(), t.TempDir()
	src := writeSource(t, srcDir, "a.mov", bytes.Repeat([]byte("m"), 10_000))
	job := jobFor(src, destDir)

	hook := func(_ Target, w io.Writer) io.Writer {
		return &failAfterWriter{w: w, limit: 3000, err: syscall.ENOSPC}
	}
	rec := newTestCopier(t, Options{WriteHook: hook}).Copy(context.Background(), job)

	if rec.Status != report.StatusFailed {
		t.Fatalf("status = %s, want failed", rec.Status)
	}
	if rec.ErrorKind != KindDestinationUnwritable {
		t.Errorf("error kind = %s, want %s", rec.ErrorKind, KindDestinationUnwritable)
	}
	if _, err := os.Stat(job.Target.Path); !os.IsNotExist(err) {
		t.Errorf("destination should not exist after failed copy: %v", err)
	}
	if _, err := os.Stat(job.Target.Path + PartialSuffix); !os.IsNotExist(err) {
		t.Errorf("partial file should be removed: %v", err)
	}
}

func TestCopySourceUnreadable(t *testing.T) {
	destDir := t.TempDir()
	src := SourceFile{RelPath: "gone.mov", AbsPath: filepath.Join(t.TempDir(), "gone.mov"), Size: 10}

	rec := newTestCopier(t, Options{}).Copy(context.Background(), jobFor(src, destDir))
	if rec.Status != report.StatusFailed || rec.ErrorKind != KindSourceUnreadable {
		t.Fatalf("status = %s kind = %s, want failed/source_unreadable", rec.Status, rec.ErrorKind)
	}
}

type slowWriter struct {
	w     io.Writer
	delay time.Duration
}

func (s *slowWriter) Write(p []byte) (int, error) {
	time.Sleep(s.delay)
	return s.w.Write(p)
}

func TestCopyFileTimeout(t *testing.T) {
	srcDir, destDir := t.TempDir(), t.TempDir()
	src := writeSource(t, srcDir, "stall.mov", bytes.Repeat([]byte("s"), 64))
	job := jobFor(src, destDir)

	hook := func(_ Target, w io.Writer) io.Writer { return &slowWriter{w: w, delay: 20 * time.Millisecond} }
	c := newTestCopier(t, Options{ChunkSize: 8, FileTimeout: 30 * time.Millisecond, WriteHook: hook})
	rec := c.Copy(context.Background(), job)

	if rec.Status != report.StatusFailed || rec.ErrorKind != KindTimeout {
		t.Fatalf("status = %s kind = %s, want failed/timeout", rec.Status, rec.ErrorKind)
	}
	if _, err := os.Stat(job.Target.Path); !os.IsNotExist(err) {
		t.Errorf("destination should not exist after timeout: %v", err)
	}
}

// blockedWriter never returns until release is closed.
type blockedWriter struct {
	w       io.Writer
	release <-chan struct{}
}

func (b *blockedWriter) Write(p []byte) (int, error) {
	<-b.release
	return b.w.Write(p)
}

func TestCopyFileTimeoutStalledWrite(t *testing.T) {
	srcDir, destDir := t.TempDir(), t.TempDir()
	src := writeSource(t, srcDir, "stuck.mov", bytes.Repeat([]byte("s"), 4096))
	job := jobFor(src, destDir)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	hook := func(_ Target, w io.Writer) io.Writer { return &blockedWriter{w: w, release: release} }
	c := newTestCopier(t, Options{FileTimeout: 50 * time.Millisecond, WriteHook: hook})

	start := time.Now()
	rec := c.Copy(context.Background(), job)
	elapsed := time.Since(start)

	if rec.Status != report.StatusFailed || rec.ErrorKind != KindTimeout {
		t.Fatalf("status = %s kind = %s, want failed/timeout", rec.Status, rec.ErrorKind)
	}
	if elapsed > time.Second {
		t.Errorf("Copy returned after %v, want it bounded by the file timeout", elapsed)
	}
	if _, err := os.Stat(job.Target.Path); !os.IsNotExist(err) {
		t.Errorf("destination should not exist after timeout: %v", err)
	}
	if _, err := os.Stat(job.Target.Path + PartialSuffix); !os.IsNotExist(err) {
		t.Errorf("partial file should be removed after timeout: %v", err)
	}
}

// TestCopyPolicyFailDestinationAppearsDuringCopy creates the destination while
// the partial file is being written.
func TestCopyPolicyFailDestinationAppearsDuringCopy(t *testing.T) {
	srcDir, destDir := t.TempDir(), t.TempDir()
	src := writeSource(t, srcDir, "a.mov", bytes.Repeat([]byte("n"), 64))
	job := jobFor(src, destDir)

	var once sync.Once
	hook := func(target Target, w io.Writer) io.Writer {
		return writerFunc(func(p []byte) (int, error) {
			once.Do(func() {
				if err := os.WriteFile(target.Path, []byte("arrived"), 0o644); err != nil {
					t.Error(err)
				}
			})
			return w.Write(p)
		})
	}

	rec := newTestCopier(t, Options{Policy: PolicyFail, WriteHook: hook}).Copy(context.Background(), job)
	if rec.Status != report.StatusFailed || rec.ErrorKind != KindDestinationUnwritable {
		t.Fatalf("status = %s kind = %s, want failed/destination_unwritable", rec.Status, rec.ErrorKind)
	}
	data, err := os.ReadFile(job.Target.Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "arrived" {
		t.Errorf("destination replaced under the fail policy: %q", data)
	}
	if _, err := os.Stat(job.Target.Path + PartialSuffix); !os.IsNotExist(err) {
		t.Errorf("partial file should be removed: %v", err)
	}
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func TestCopyRemovesStalePartial(t *testing.T) {
	srcDir, destDir := t.TempDir(), t.TempDir()
	src := writeSource(t, srcDir, "f.mov", []byte("complete"))
	job := jobFor(src, destDir)
	if err := os.WriteFile(job.Target.Path+PartialSuffix, []byte("half"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := newTestCopier(t, Options{}).Copy(context.Background(), job)
	if rec.Status != report.StatusVerified {
		t.Fatalf("status = %s (%s), want verified", rec.Status, rec.Error)
	}
}
