package audit

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Filter selects the entries that concern one operation or one file. The
// zero Filter matches every entry.
type Filter struct {
	Operation string `json:"operation,omitempty"`
	// File matches the source or destination path recorded in the payload.
	File string `json:"file,omitempty"`
}

// IsZero reports whether f matches every entry.
func (f Filter) IsZero() bool {
	return f.Operation == "" && f.File == ""
}

// Match reports whether e passes the filter.
func (f Filter) Match(e Entry) bool {
	if f.Operation != "" && e.Operation != f.Operation {
		return false
	}
	if f.File == "" {
		return true
	}
	var paths struct {
		Source      string `json:"source"`
		Destination string `json:"destination"`
	}
	if err := json.Unmarshal(e.Payload, &paths); err != nil {
		return false
	}
	return paths.Source == f.File || paths.Destination == f.File
}

// Apply returns the entries that pass the filter, in ledger order.
func (f Filter) Apply(entries []Entry) []Entry {
	if f.IsZero() {
		return entries
	}
	out := []Entry{}
	for _, e := range entries {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	return out
}

func (f Filter) String() string {
	var parts []string
	if f.Operation != "" {
		parts = append(parts, "operation="+f.Operation)
	}
	if f.File != "" {
		parts = append(parts, "file="+f.File)
	}
	return strings.Join(parts, " ")
}

// ParseOperation validates an operation name for a Filter.
func ParseOperation(op string) (string, error) {
	switch op {
	case "", OpRunStart, OpTransferComplete, OpRunEnd, OpRunAborted, OpLedgerReset:
		return op, nil
	}
	return "", fmt.Errorf("unknown ledger operation %q (want %s)", op,
		strings.Join([]string{OpRunStart, OpTransferComplete, OpRunEnd, OpRunAborted, OpLedgerReset}, ", "))
}
