package audit

import (
	"fmt"
	"os"
)

// VerifyResult is the outcome of replaying a chain.
type VerifyResult struct {
	Intact  bool   `json:"intact"`
	Entries int    `json:"entries"`
	Head    string `json:"head_digest"`
	// FirstDivergence is the sequence number of the first entry whose stored
	// fields do not reproduce the chain. Only meaningful when Intact is false.
	FirstDivergence uint64 `json:"first_divergence,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// Err returns nil for an intact chain, otherwise an error wrapping ErrLedgerCorrupt.
func (r VerifyResult) Err() error {
	if r.Intact {
		return nil
	}
	return fmt.Errorf("%w: entry %d: %s", ErrLedgerCorrupt, r.FirstDivergence, r.Reason)
}

// Verify recomputes every digest from the stored fields and the previous
// stored digest. It never modifies entries.
func Verify(entries []Entry) VerifyResult {
	res := VerifyResult{Intact: true, Entries: len(entries), Head: GenesisDigest}
	prev := GenesisDigest
	for i, e := range entries {
		pos := uint64(i)
		var reason string
		switch {
		case e.Seq != pos:
			reason = fmt.Sprintf("sequence number %d out of order", e.Seq)
		case e.PrevDigest != prev:
			reason = "previous digest does not match the preceding entry"
		case e.Recompute() != e.Digest:
			reason = "digest does not match entry contents"
		}
		if reason != "" {
			res.Intact = false
			res.FirstDivergence = pos
			res.Reason = reason
			return res
		}
		prev = e.Digest
	}
	res.Head = prev
	return res
}

// VerifyFile replays the ledger stored at path. An entry that cannot be
// parsed counts as the first divergence.
func VerifyFile(path string) (VerifyResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("opening ledger: %w", err)
	}
	defer f.Close()

	entries, badLine, err := decodeEntries(f)
	if err != nil {
		if badLine < 0 {
			return VerifyResult{}, fmt.Errorf("reading ledger: %w", err)
		}
		// Entries before the bad line may themselves be broken.
		res := Verify(entries)
		if !res.Intact {
			return res, nil
		}
		return VerifyResult{
			Entries:         badLine + 1,
			Head:            res.Head,
			FirstDivergence: uint64(badLine),
			Reason:          fmt.Sprintf("entry cannot be parsed: %v", err),
		}, nil
	}
	return Verify(entries), nil
}
