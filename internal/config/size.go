package config

import (
	"fmt"
	"strings"
)

var sizeUnits = []struct {
	suffix     string
	multiplier float64
}{
	{"kib", 1 << 10},
	{"mib", 1 << 20},
	{"gib", 1 << 30},
	{"kb", 1_000},
	{"mb", 1_000_000},
	{"gb", 1_000_000_000},
	{"k", 1_000},
	{"m", 1_000_000},
	{"g", 1_000_000_000},
	{"b", 1},
}

// ParseSize parses a human-readable size string to bytes.
// Supports formats: "100", "500kb", "1mb", "100kib", "30mib" (case insensitive).
// Units: kb=1000, mb=1000000 (decimal); kib=1024, mib=1048576 (binary).
func ParseSize(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}

	multiplier := 1.0
	numStr := s
	for _, unit := range sizeUnits {
		if strings.HasSuffix(s, unit.suffix) {
			multiplier = unit.multiplier
			numStr = strings.TrimSuffix(s, unit.suffix)
			break
		}
	}

	numStr = strings.TrimSpace(numStr)
	if numStr == "" {
		return 0, fmt.Errorf("invalid size value: %q", s)
	}

	var value float64
	if _, err := fmt.Sscanf(numStr, "%f", &value); err != nil {
		return 0, fmt.Errorf("invalid size value: %q", s)
	}

	if value < 0 {
		return 0, fmt.Errorf("size cannot be negative: %q", s)
	}

	return int64(value * multiplier), nil
}
