package checksum

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// Algorithm names a supported digest algorithm.
type Algorithm string

const (
	MD5    Algorithm = "md5"
	SHA256 Algorithm = "sha256"
)

// DefaultChunkSize is used by HashFile when no chunk size is given.
const DefaultChunkSize = 8 * 1024 * 1024

var (
	// ErrAlgorithmUnsupported is returned for algorithm names other than md5 and sha256.
	ErrAlgorithmUnsupported = errors.New("checksum algorithm unsupported")
	// ErrAlgorithmMismatch is returned when comparing digests of different algorithms.
	ErrAlgorithmMismatch = errors.New("checksum algorithms differ")
)

// ParseAlgorithm normalizes and validates an algorithm name.
func ParseAlgorithm(name string) (Algorithm, error) {
	want := Algorithm(strings.ToLower(strings.TrimSpace(name)))
	var names []string
	for _, a := range SupportedAlgorithms() {
		if a == want {
			return a, nil
		}
		names = append(names, string(a))
	}
	return "", fmt.Errorf("%w: %q (want %s)", ErrAlgorithmUnsupported, name, strings.Join(names, " or "))
}

// SupportedAlgorithms lists the algorithm names accepted by ParseAlgorithm.
func SupportedAlgorithms() []Algorithm {
	return []Algorithm{MD5, SHA256}
}

func (a Algorithm) newHash() (hash.Hash, error) {
	switch a {
	case MD5:
		return md5.New(), nil
	case SHA256:
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrAlgorithmUnsupported, string(a))
	}
}

// Digest is the finalized fingerprint of a byte stream.
type Digest struct {
	Algorithm Algorithm `json:"algorithm"`
	Hex       string    `json:"hex"`
	Bytes     int64     `json:"bytes"`
}

// IsZero reports whether the digest was never computed.
func (d Digest) IsZero() bool {
	return d.Hex == ""
}

func (d Digest) String() string {
	if d.IsZero() {
		return ""
	}
	return string(d.Algorithm) + ":" + d.Hex
}

// Compare reports whether two digests describe the same bytes. Digests of
// different algorithms are not comparable.
func (d Digest) Compare(other Digest) (bool, error) {
	if d.Algorithm != other.Algorithm {
		return false, fmt.Errorf("%w: %s vs %s", ErrAlgorithmMismatch, d.Algorithm, other.Algorithm)
	}
	return d.Bytes == other.Bytes && strings.EqualFold(d.Hex, other.Hex), nil
}

// Equal is Compare without the error; mismatched algorithms are never equal.
func (d Digest) Equal(other Digest) bool {
	ok, err := d.Compare(other)
	return err == nil && ok
}

// InvalidUseError is returned when a finalized Stream is used again.
type InvalidUseError struct {
	Op string
}

func (e *InvalidUseError) Error() string {
	return fmt.Sprintf("checksum stream: %s after finalize", e.Op)
}

// Stream hashes bytes incrementally as they are fed. It is not safe for
// concurrent use; each copy job owns its own streams.
type Stream struct {
	algo      Algorithm
	h         hash.Hash
	n         int64
	finalized bool
	digest    Digest
}

// NewStream returns a stream for the given algorithm.
func NewStream(algo Algorithm) (*Stream, error) {
	h, err := algo.newHash()
	if err != nil {
		return nil, err
	}
	return &Stream{algo: algo, h: h}, nil
}

// Algorithm returns the stream's algorithm.
func (s *Stream) Algorithm() Algorithm {
	return s.algo
}

// Feed adds chunk to the digest state.
func (s *Stream) Feed(chunk []byte) error {
	if s.finalized {
		return &InvalidUseError{Op: "feed"}
	}
	// hash.Hash.Write never returns an error
	_, _ = s.h.Write(chunk)
	s.n += int64(len(chunk))
	return nil
}

// Write implements io.Writer so a stream can sit behind io.MultiWriter.
func (s *Stream) Write(p []byte) (int, error) {
	if err := s.Feed(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Finalize freezes the stream and returns its digest.
func (s *Stream) Finalize() (Digest, error) {
	if s.finalized {
		return Digest{}, &InvalidUseError{Op: "finalize"}
	}
	s.finalized = true
	s.digest = Digest{
		Algorithm: s.algo,
		Hex:       hex.EncodeToString(s.h.Sum(nil)),
		Bytes:     s.n,
	}
	return s.digest, nil
}

// HashReader reads r to EOF in chunkSize pieces and returns the digest.
// It returns ctx.Err() as soon as ctx is done, even while a Read is blocked;
// the abandoned Read finishes in the background, so r must not be reused.
func HashReader(ctx context.Context, r io.Reader, algo Algorithm, chunkSize int) (Digest, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	s, err := NewStream(algo)
	if err != nil {
		return Digest{}, err
	}

	type result struct {
		digest Digest
		err    error
	}
	done := make(chan result, 1)
	go func() {
		d, err := hashChunks(ctx, r, s, chunkSize)
		done <- result{d, err}
	}()

	select {
	case res := <-done:
		return res.digest, res.err
	case <-ctx.Done():
		return Digest{}, ctx.Err()
	}
}

func hashChunks(ctx context.Context, r io.Reader, s *Stream, chunkSize int) (Digest, error) {
	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return Digest{}, err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if err := s.Feed(buf[:n]); err != nil {
				return Digest{}, err
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return Digest{}, rerr
		}
	}
	return s.Finalize()
}

// HashFile computes the digest of the file at path. The file is closed when
// ctx ends, which unblocks a stalled read.
func HashFile(ctx context.Context, path string, algo Algorithm, chunkSize int) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, err
	}
	defer f.Close()
	return HashReader(ctx, f, algo, chunkSize)
}
