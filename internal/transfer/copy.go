package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BadgerOps/offload/internal/checksum"
	"github.com/BadgerOps/offload/internal/report"
)

// PartialSuffix is appended to a destination name while it is being written.
const PartialSuffix = ".offload-partial"

// DefaultChunkSize is the copy buffer size when none is configured.
const DefaultChunkSize = 8 * 1024 * 1024

var (
	ErrSourceUnreadable      = errors.New("source unreadable")
	ErrDestinationUnwritable = errors.New("destination unwritable")
	ErrDestinationExists     = fmt.Errorf("%w: destination exists", ErrDestinationUnwritable)
	ErrVerificationMismatch  = errors.New("verification mismatch")
)

// Error kinds stored in TransferRecord.ErrorKind.
const (
	KindSourceUnreadable      = "source_unreadable"
	KindDestinationUnwritable = "destination_unwritable"
	KindVerificationMismatch  = "verification_mismatch"
	KindTimeout               = "timeout"
	KindCancelled             = "cancelled"
	KindFailed                = "failed"
)

// ErrorKind classifies err for a TransferRecord.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrSourceUnreadable):
		return KindSourceUnreadable
	case errors.Is(err, ErrDestinationUnwritable):
		return KindDestinationUnwritable
	case errors.Is(err, ErrVerificationMismatch):
		return KindVerificationMismatch
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		return KindFailed
	}
}

// OverwritePolicy decides what happens when the destination file already exists.
type OverwritePolicy string

const (
	// PolicyFail records the transfer as failed and leaves the existing file alone.
	PolicyFail OverwritePolicy = "fail"
	// PolicySkip keeps an existing file whose digest matches the source and
	// rewrites it otherwise.
	PolicySkip OverwritePolicy = "skip"
	// PolicyOverwrite always rewrites the destination.
	PolicyOverwrite OverwritePolicy = "overwrite"
)

// ParsePolicy validates a policy name. There is no default.
func ParsePolicy(s string) (OverwritePolicy, error) {
	switch p := OverwritePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyFail, PolicySkip, PolicyOverwrite:
		return p, nil
	case "":
		return "", fmt.Errorf("overwrite policy must be set explicitly (fail, skip or overwrite)")
	default:
		return "", fmt.Errorf("unknown overwrite policy %q (want fail, skip or overwrite)", s)
	}
}

// SourceFile is a file discovered on the source volume.
type SourceFile struct {
	RelPath      string    `json:"rel_path"` // slash separated, relative to the source root
	AbsPath      string    `json:"abs_path"`
	Size         int64     `json:"size"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Target is where one source file is copied to.
type Target struct {
	Root      string `json:"root"`
	Path      string `json:"path"`
	FreeBytes int64  `json:"free_bytes"` // sampled once before the run
}

// Job pairs a source file with one destination.
type Job struct {
	Source SourceFile
	Target Target
}

// Observer receives a copy of the record at every status change.
type Observer interface {
	OnTransferUpdate(rec report.TransferRecord)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(rec report.TransferRecord)

func (f ObserverFunc) OnTransferUpdate(rec report.TransferRecord) { f(rec) }

// WriteHook wraps the destination writer, e.g. to throttle or inject faults.
type WriteHook func(target Target, w io.Writer) io.Writer

// Options configures a Copier.
type Options struct {
	Algorithm   checksum.Algorithm
	Policy      OverwritePolicy
	ChunkSize   int
	FileTimeout time.Duration
	WriteHook   WriteHook
	Observer    Observer
}

// Copier runs copy jobs. A Copier is safe for concurrent use; each call to
// Copy owns its record until it returns.
type Copier struct {
	opts   Options
	logger *slog.Logger
}

// NewCopier validates opts and returns a Copier.
func NewCopier(opts Options, logger *slog.Logger) (*Copier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := checksum.ParseAlgorithm(string(opts.Algorithm)); err != nil {
		return nil, err
	}
	if _, err := ParsePolicy(string(opts.Policy)); err != nil {
		return nil, err
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	return &Copier{opts: opts, logger: logger}, nil
}

// Copy transfers one file and returns its terminal record. Errors are
// captured in the record, never returned.
func (c *Copier) Copy(ctx context.Context, job Job) report.TransferRecord {
	rec := report.NewRecord(job.Source.RelPath, job.Target.Root, job.Target.Path, job.Source.Size)
	rec.StartTime = time.Now()

	if c.opts.FileTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.FileTimeout)
		defer cancel()
	}

	c.advance(&rec, report.StatusCopying)
	if err := c.run(ctx, job, &rec); err != nil {
		_ = rec.Fail(ErrorKind(err), err)
		c.notify(rec)
		c.logger.Error("transfer failed",
			"source", job.Source.RelPath,
			"destination", job.Target.Path,
			"kind", rec.ErrorKind,
			"error", err,
		)
		return rec
	}

	switch rec.Status {
	case report.StatusVerified:
		c.logger.Info("transfer verified",
			"source", job.Source.RelPath,
			"destination", job.Target.Path,
			"bytes", rec.BytesCopied,
			"skipped", rec.Skipped,
		)
	case report.StatusVerificationMismatch:
		c.logger.Error("transfer verification mismatch",
			"source", job.Source.RelPath,
			"destination", job.Target.Path,
			"source_digest", rec.SourceDigest.Hex,
			"destination_digest", rec.DestinationDigest.Hex,
		)
	}
	return rec
}

func (c *Copier) advance(rec *report.TransferRecord, to report.Status) {
	if err := rec.Advance(to); err != nil {
		// only reachable through a programming error in this file
		c.logger.Error("record transition rejected", "source", rec.SourcePath, "error", err)
		return
	}
	c.notify(*rec)
}

func (c *Copier) notify(rec report.TransferRecord) {
	if c.opts.Observer != nil {
		c.opts.Observer.OnTransferUpdate(rec)
	}
}

func (c *Copier) run(ctx context.Context, job Job, rec *report.TransferRecord) error {
	src, err := os.Open(job.Source.AbsPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnreadable, err)
	}
	defer src.Close()

	if _, err := os.Stat(job.Target.Path); err == nil {
		switch c.opts.Policy {
		case PolicyFail:
			return fmt.Errorf("%w: %s", ErrDestinationExists, job.Target.Path)
		case PolicySkip:
			done, err := c.verifyExisting(ctx, src, job, rec)
			if err != nil || done {
				return err
			}
			if _, err := src.Seek(0, io.SeekStart); err != nil {
				return fmt.Errorf("%w: rewinding: %v", ErrSourceUnreadable, err)
			}
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrDestinationUnwritable, err)
	}

	sourceDigest, err := c.write(ctx, src, job, rec)
	if err != nil {
		return err
	}
	rec.SourceDigest = sourceDigest

	c.advance(rec, report.StatusVerifying)

	// Read the destination back through a fresh handle so that corruption
	// anywhere in the write path shows up in the digest.
	destDigest, err := checksum.HashFile(ctx, job.Target.Path, c.opts.Algorithm, c.opts.ChunkSize)
	if err != nil {
		_ = os.Remove(job.Target.Path)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("re-reading destination: %w", ctxErr)
		}
		return fmt.Errorf("%w: re-reading destination: %v", ErrDestinationUnwritable, err)
	}
	rec.DestinationDigest = destDigest

	if sourceDigest.Equal(destDigest) {
		c.advance(rec, report.StatusVerified)
	} else {
		rec.ErrorKind = KindVerificationMismatch
		rec.Error = fmt.Sprintf("%v: source %s, destination %s", ErrVerificationMismatch, sourceDigest, destDigest)
		c.advance(rec, report.StatusVerificationMismatch)
	}
	return nil
}

// verifyExisting hashes the source and the existing destination while the
// record is still copying. It returns done=true when they match and the
// record is verified without writing.
func (c *Copier) verifyExisting(ctx context.Context, src io.Reader, job Job, rec *report.TransferRecord) (bool, error) {
	sourceDigest, err := checksum.HashReader(ctx, src, c.opts.Algorithm, c.opts.ChunkSize)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		return false, fmt.Errorf("%w: %v", ErrSourceUnreadable, err)
	}

	destDigest, err := checksum.HashFile(ctx, job.Target.Path, c.opts.Algorithm, c.opts.ChunkSize)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		return false, fmt.Errorf("%w: reading existing destination: %v", ErrDestinationUnwritable, err)
	}

	if !sourceDigest.Equal(destDigest) {
		c.logger.Warn("existing destination differs from source, overwriting",
			"destination", job.Target.Path,
			"source_digest", sourceDigest.Hex,
			"destination_digest", destDigest.Hex,
		)
		return false, nil
	}

	rec.SourceDigest = sourceDigest
	rec.DestinationDigest = destDigest
	rec.Skipped = true
	c.advance(rec, report.StatusVerifying)
	c.advance(rec, report.StatusVerified)
	return true, nil
}

// stallGrace is how long a timed-out copy waits for a blocked read or write
// to return once its files are closed.
const stallGrace = 100 * time.Millisecond

// write streams src into a partial file, then commits it onto the target.
// When ctx ends first, both files are closed and the partial is removed
// without waiting for a stalled read or write to finish.
func (c *Copier) write(ctx context.Context, src *os.File, job Job, rec *report.TransferRecord) (checksum.Digest, error) {
	if err := os.MkdirAll(filepath.Dir(job.Target.Path), 0o755); err != nil {
		return checksum.Digest{}, fmt.Errorf("%w: %v", ErrDestinationUnwritable, err)
	}

	partial := job.Target.Path + PartialSuffix
	out, err := os.OpenFile(partial, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		// left behind by an interrupted run
		c.logger.Warn("removing stale partial file", "path", partial)
		if rmErr := os.Remove(partial); rmErr != nil {
			return checksum.Digest{}, fmt.Errorf("%w: removing stale partial: %v", ErrDestinationUnwritable, rmErr)
		}
		out, err = os.OpenFile(partial, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	}
	if err != nil {
		return checksum.Digest{}, fmt.Errorf("%w: %v", ErrDestinationUnwritable, err)
	}

	committed := false
	defer func() {
		if out != nil {
			_ = out.Close()
		}
		if !committed {
			_ = os.Remove(partial)
		}
	}()

	stream, err := checksum.NewStream(c.opts.Algorithm)
	if err != nil {
		return checksum.Digest{}, err
	}

	var w io.Writer = out
	if c.opts.WriteHook != nil {
		w = c.opts.WriteHook(job.Target, out)
	}

	type result struct {
		copied int64
		err    error
	}
	done := make(chan result, 1)
	go func() {
		n, err := copyChunks(ctx, src, w, stream, c.opts.ChunkSize)
		done <- result{n, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		_ = out.Close()
		_ = src.Close()
		select {
		case <-done:
		case <-time.After(stallGrace):
			c.logger.Warn("abandoning stalled transfer", "destination", job.Target.Path)
		}
		return checksum.Digest{}, ctx.Err()
	}
	rec.BytesCopied = res.copied
	if res.err != nil {
		return checksum.Digest{}, res.err
	}

	if err := out.Sync(); err != nil {
		return checksum.Digest{}, fmt.Errorf("%w: sync: %v", ErrDestinationUnwritable, err)
	}
	closeErr := out.Close()
	out = nil
	if closeErr != nil {
		return checksum.Digest{}, fmt.Errorf("%w: close: %v", ErrDestinationUnwritable, closeErr)
	}
	if err := c.commit(partial, job.Target.Path); err != nil {
		return checksum.Digest{}, err
	}
	committed = true

	return stream.Finalize()
}

// copyChunks copies src to w in chunkSize pieces, feeding every chunk to stream.
func copyChunks(ctx context.Context, src io.Reader, w io.Writer, stream *checksum.Stream, chunkSize int) (int64, error) {
	buf := make([]byte, chunkSize)
	var copied int64
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return copied, fmt.Errorf("%w: %v", ErrDestinationUnwritable, werr)
			}
			if err := stream.Feed(buf[:n]); err != nil {
				return copied, err
			}
			copied += int64(n)
		}
		if rerr == io.EOF {
			return copied, nil
		}
		if rerr != nil {
			return copied, fmt.Errorf("%w: %v", ErrSourceUnreadable, rerr)
		}
	}
}

// commit moves the finished partial file onto dest. Under the fail policy the
// partial is hard-linked into place, which fails instead of replacing a dest
// that appeared while the copy ran.
func (c *Copier) commit(partial, dest string) error {
	if c.opts.Policy == PolicyFail {
		err := os.Link(partial, dest)
		switch {
		case err == nil:
			if rmErr := os.Remove(partial); rmErr != nil {
				c.logger.Warn("failed to remove partial file after link", "path", partial, "error", rmErr)
			}
			return nil
		case errors.Is(err, fs.ErrExist):
			return fmt.Errorf("%w: %s", ErrDestinationExists, dest)
		}
		// exFAT and FAT volumes have no hard links
		c.logger.Debug("hard link unavailable, renaming", "path", dest, "error", err)
		if _, statErr := os.Lstat(dest); statErr == nil {
			return fmt.Errorf("%w: %s", ErrDestinationExists, dest)
		}
	}
	if err := os.Rename(partial, dest); err != nil {
		return fmt.Errorf("%w: rename: %v", ErrDestinationUnwritable, err)
	}
	return nil
}
