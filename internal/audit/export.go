package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// LogVersion identifies the export document layout.
const LogVersion = "1.0"

// ExportDocument is the structured handoff form of a ledger. Verification and
// EntryCount always describe the whole chain; Entries holds only the entries
// that passed Filter.
type ExportDocument struct {
	LogVersion   string       `json:"log_version"`
	ExportedAt   time.Time    `json:"exported_at"`
	Source       string       `json:"source,omitempty"`
	EntryCount   int          `json:"entry_count"`
	Verification VerifyResult `json:"verification"`
	Filter       *Filter      `json:"filter,omitempty"`
	MatchedCount int          `json:"matched_count,omitempty"`
	Entries      []Entry      `json:"entries"`
}

// Export writes the entries that pass f, together with the verification
// result of the whole chain, as one JSON document.
func Export(w io.Writer, source string, entries []Entry, f Filter) error {
	if entries == nil {
		entries = []Entry{}
	}
	doc := ExportDocument{
		LogVersion:   LogVersion,
		ExportedAt:   time.Now().UTC(),
		Source:       source,
		EntryCount:   len(entries),
		Verification: Verify(entries),
		Entries:      f.Apply(entries),
	}
	if !f.IsZero() {
		doc.Filter = &f
		doc.MatchedCount = len(doc.Entries)
	}
	// Not indented: re-indenting would rewrite the payload bytes the digests cover.
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		return fmt.Errorf("encoding ledger export: %w", err)
	}
	return nil
}

// WriteReport renders a human-readable chain-of-custody report of the whole
// chain, listing the entries that pass f.
func WriteReport(w io.Writer, source string, entries []Entry, f Filter) error {
	res := Verify(entries)
	shown := f.Apply(entries)
	rule := strings.Repeat("=", 80)

	var b strings.Builder
	b.WriteString(rule + "\n")
	b.WriteString("CHAIN-OF-CUSTODY AUDIT REPORT\n")
	b.WriteString(rule + "\n\n")
	fmt.Fprintf(&b, "Generated:       %s\n", time.Now().UTC().Format(time.RFC3339))
	if source != "" {
		fmt.Fprintf(&b, "Ledger:          %s\n", source)
	}
	fmt.Fprintf(&b, "Total entries:   %d\n", len(entries))
	if res.Intact {
		b.WriteString("Chain integrity: VALID\n")
	} else {
		fmt.Fprintf(&b, "Chain integrity: COMPROMISED at entry %d (%s)\n", res.FirstDivergence, res.Reason)
	}
	fmt.Fprintf(&b, "Head digest:     %s\n", res.Head)
	if !f.IsZero() {
		fmt.Fprintf(&b, "Filter:          %s\n", f)
		fmt.Fprintf(&b, "Matching:        %d\n", len(shown))
	}
	b.WriteString("\n")

	b.WriteString(rule + "\n")
	b.WriteString("ENTRIES\n")
	b.WriteString(rule + "\n\n")
	for _, e := range shown {
		fmt.Fprintf(&b, "Seq:       %d\n", e.Seq)
		fmt.Fprintf(&b, "Timestamp: %s\n", e.Timestamp)
		fmt.Fprintf(&b, "Operation: %s\n", e.Operation)
		fmt.Fprintf(&b, "Payload:   %s\n", string(e.Payload))
		fmt.Fprintf(&b, "Previous:  %s\n", e.PrevDigest)
		fmt.Fprintf(&b, "Digest:    %s\n\n", e.Digest)
	}
	b.WriteString(rule + "\n")
	b.WriteString("END OF REPORT\n")

	_, err := io.WriteString(w, b.String())
	return err
}
