package config

import (
	"fmt"
	"strconv"
	"strings"
)

var sizeSuffixes = []struct {
	suffix string
	mult   int64
}{
	{"TIB", 1 << 40},
	{"GIB", 1 << 30},
	{"MIB", 1 << 20},
	{"KIB", 1 << 10},
	{"TB", 1 << 40},
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"T", 1 << 40},
	{"G", 1 << 30},
	{"M", 1 << 20},
	{"K", 1 << 10},
	{"B", 1},
}

// ParseSize parses a size such as "8MB", "512KiB" or "4m" into bytes.
// All suffixes are binary multiples. A plain number is bytes.
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	numStr, mult := s, int64(1)
	for _, m := range sizeSuffixes {
		if strings.HasSuffix(s, m.suffix) {
			numStr = strings.TrimSpace(strings.TrimSuffix(s, m.suffix))
			mult = m.mult
			break
		}
	}
	if numStr == "" {
		return 0, fmt.Errorf("missing number in size: %s", s)
	}

	n, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size: %s", s)
	}
	if n > (1<<63-1)/mult {
		return 0, fmt.Errorf("size overflows int64: %s", s)
	}
	return n * mult, nil
}
