// Package audit implements the append-only, hash-chained ledger that records
// every offload lifecycle event as chain-of-custody evidence.
//
// The ledger is stored as JSON lines, one Entry per line. Each entry's digest
// covers its own fields and the digest of the entry before it, so editing any
// stored field breaks the chain at that entry.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// Operations recorded by the offload engine.
const (
	OpRunStart         = "run_start"
	OpTransferComplete = "transfer_complete"
	OpRunEnd           = "run_end"
	OpRunAborted       = "run_aborted"
	OpLedgerReset      = "ledger_reset"
)

// GenesisDigest is the previous digest of the first entry in every chain.
var GenesisDigest = strings.Repeat("0", sha256.Size*2)

var (
	// ErrLedgerWriteFailed means an entry could not be persisted. It is fatal to the run.
	ErrLedgerWriteFailed = errors.New("audit ledger write failed")
	// ErrLedgerCorrupt means verification found a divergence in the chain.
	ErrLedgerCorrupt = errors.New("audit ledger corrupt")
	// ErrLedgerLocked means another process holds the ledger lock.
	ErrLedgerLocked = errors.New("audit ledger is locked by another process")
)

// Entry is one record in the ledger.
type Entry struct {
	Seq        uint64          `json:"seq"`
	Timestamp  string          `json:"timestamp"`
	Operation  string          `json:"operation"`
	Payload    json.RawMessage `json:"payload"`
	PrevDigest string          `json:"prev_digest"`
	Digest     string          `json:"digest"`
}

// ComputeDigest hashes the entry fields with length prefixes so that no two
// distinct field tuples share an encoding.
func ComputeDigest(seq uint64, timestamp, operation string, payload []byte, prev string) string {
	h := sha256.New()
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], seq)
	h.Write(n[:])
	for _, field := range [][]byte{[]byte(timestamp), []byte(operation), payload, []byte(prev)} {
		binary.BigEndian.PutUint64(n[:], uint64(len(field)))
		h.Write(n[:])
		h.Write(field)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Recompute returns the digest the entry should carry given its stored fields.
func (e Entry) Recompute() string {
	return ComputeDigest(e.Seq, e.Timestamp, e.Operation, e.Payload, e.PrevDigest)
}

// Sink is where encoded entries are persisted. *os.File satisfies it.
type Sink interface {
	io.Writer
	Sync() error
}

// Ledger is an append-only hash chain. Append is safe for concurrent use, but
// the engine funnels all appends through a single Sequencer.
type Ledger struct {
	mu       sync.Mutex
	path     string
	sink     Sink
	closer   io.Closer
	lock     *flock.Flock
	entries  []Entry
	broken   error
	carryErr error
	logger   *slog.Logger
	now      func() time.Time
}

// NewLedger returns an empty ledger writing to sink. A nil sink keeps the
// ledger in memory only.
func NewLedger(sink Sink, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		sink:   sink,
		logger: logger,
		now:    time.Now,
	}
}

// Open loads the ledger at path and prepares it for appending. An empty path
// returns an in-memory ledger.
//
// If the existing file cannot be read or does not verify, it is moved aside,
// a new chain is started with a ledger_reset entry, and CarryOverErr reports
// why the previous ledger was not carried over.
func Open(path string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return NewLedger(nil, logger), nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating ledger directory: %v", ErrLedgerWriteFailed, err)
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking ledger %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLedgerLocked, path)
	}

	l := NewLedger(nil, logger)
	l.path = path
	l.lock = lock

	entries, loadErr := loadEntries(path)
	movedTo := ""
	switch {
	case loadErr == nil:
		l.entries = entries
	case errors.Is(loadErr, os.ErrNotExist):
		// first run against this ledger
	default:
		l.carryErr = loadErr
		movedTo = fmt.Sprintf("%s.unreadable-%s", path, time.Now().UTC().Format("20060102T150405Z"))
		if err := os.Rename(path, movedTo); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("could not move unreadable ledger aside", "path", path, "error", err)
			movedTo = ""
		}
		logger.Warn("audit ledger not carried over, starting a new chain", "path", path, "moved_to", movedTo, "error", loadErr)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("%w: opening %s: %v", ErrLedgerWriteFailed, path, err)
	}
	l.sink = f
	l.closer = f

	if l.carryErr != nil {
		payload := map[string]string{"reason": l.carryErr.Error()}
		if movedTo != "" {
			payload["previous_ledger"] = movedTo
		}
		if _, err := l.Append(OpLedgerReset, payload); err != nil {
			_ = l.Close()
			return nil, err
		}
	}

	logger.Debug("audit ledger opened", "path", path, "entries", len(l.entries))
	return l, nil
}

// loadEntries reads and verifies the ledger file.
func loadEntries(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries, badLine, err := decodeEntries(f)
	if err != nil {
		if badLine >= 0 {
			return nil, fmt.Errorf("%w: line %d: %v", ErrLedgerCorrupt, badLine+1, err)
		}
		return nil, fmt.Errorf("reading ledger: %w", err)
	}
	if res := Verify(entries); !res.Intact {
		return nil, res.Err()
	}
	return entries, nil
}

// decodeEntries parses JSON lines. On a parse failure it returns the index of
// the offending non-empty line; on I/O failure the index is -1.
func decodeEntries(r io.Reader) ([]Entry, int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var entries []Entry
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return entries, len(entries), err
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return entries, -1, err
	}
	return entries, -1, nil
}

// ReadFile returns the entries stored at path without verifying them.
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries, badLine, err := decodeEntries(f)
	if err != nil {
		if badLine >= 0 {
			return entries, fmt.Errorf("%w: line %d: %v", ErrLedgerCorrupt, badLine+1, err)
		}
		return entries, err
	}
	return entries, nil
}

// Append adds one entry to the chain and persists it before returning.
// After a persistence failure the ledger refuses further appends.
func (l *Ledger) Append(operation string, payload any) (Entry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: encoding %s payload: %v", ErrLedgerWriteFailed, operation, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.broken != nil {
		return Entry{}, l.broken
	}

	prev := GenesisDigest
	if n := len(l.entries); n > 0 {
		prev = l.entries[n-1].Digest
	}
	e := Entry{
		Seq:        uint64(len(l.entries)),
		Timestamp:  l.now().UTC().Format(time.RFC3339Nano),
		Operation:  operation,
		Payload:    raw,
		PrevDigest: prev,
	}
	e.Digest = e.Recompute()

	if l.sink != nil {
		line, err := json.Marshal(e)
		if err != nil {
			return Entry{}, fmt.Errorf("%w: encoding entry: %v", ErrLedgerWriteFailed, err)
		}
		line = append(line, '\n')
		if _, err := l.sink.Write(line); err != nil {
			l.broken = fmt.Errorf("%w: entry %d: %v", ErrLedgerWriteFailed, e.Seq, err)
			return Entry{}, l.broken
		}
		if err := l.sink.Sync(); err != nil {
			l.broken = fmt.Errorf("%w: syncing entry %d: %v", ErrLedgerWriteFailed, e.Seq, err)
			return Entry{}, l.broken
		}
	}

	l.entries = append(l.entries, e)
	l.logger.Debug("audit entry appended", "seq", e.Seq, "operation", operation)
	return e, nil
}

// Entries returns a copy of the chain.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Head returns the digest of the last entry, or the genesis digest.
func (l *Ledger) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(l.entries); n > 0 {
		return l.entries[n-1].Digest
	}
	return GenesisDigest
}

// Path returns the backing file, empty for in-memory ledgers.
func (l *Ledger) Path() string {
	return l.path
}

// CarryOverErr reports why an existing ledger file was discarded at Open, or nil.
func (l *Ledger) CarryOverErr() error {
	return l.carryErr
}

// Close releases the file and its lock.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if l.closer != nil {
		if err := l.closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing ledger: %w", err))
		}
		l.closer = nil
	}
	if l.lock != nil {
		if err := l.lock.Unlock(); err != nil {
			errs = append(errs, fmt.Errorf("unlocking ledger: %w", err))
		}
		l.lock = nil
	}
	l.sink = nil
	return errors.Join(errs...)
}
