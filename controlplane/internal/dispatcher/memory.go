package dispatcher

import (
	"strconv"
	"strings"
)

var memorySuffixes = map[string]int64{
	"":   1,
	"k":  1024,
	"kb": 1024,
	"m":  1024 * 1024,
	"mb": 1024 * 1024,
	"g":  1024 * 1024 * 1024,
	"gb": 1024 * 1024 * 1024,
	"t":  1024 * 1024 * 1024 * 1024,
	"tb": 1024 * 1024 * 1024 * 1024,
}

// ParseMemoryLimit converts a human memory limit ("1g", "512m", "1024") to
// bytes using the suffix table from spec.md §4.9. A parse failure returns
// (0, false): the caller applies no limit.
func ParseMemoryLimit(raw string) (int64, bool) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return 0, false
	}

	cut := len(raw)
	for cut > 0 && (raw[cut-1] < '0' || raw[cut-1] > '9') {
		cut--
	}
	digits, suffix := raw[:cut], raw[cut:]

	multiplier, ok := memorySuffixes[suffix]
	if !ok {
		return 0, false
	}

	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n * multiplier, true
}
