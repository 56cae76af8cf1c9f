package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Common size constants
const (
	Byte     int64 = 1
	KibiByte int64 = 1024
	MebiByte int64 = 1024 * KibiByte
	GibiByte int64 = 1024 * MebiByte
)

var sizePattern = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*([A-Za-z]+)$`)

// ParseByteSize parses sizes like "512", "64KB", "1MiB" or "1.5M" into bytes.
// KB, MB and GB are 1000-based; K, KiB, M, MiB, G and GiB are 1024-based.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("size cannot be negative: %s", s)
		}
		return n, nil
	}

	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid size format: %s (expected format like '512KB', '1MiB')", s)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value: %s", m[1])
	}

	multiplier := unitMultiplier(strings.ToUpper(m[2]))
	if multiplier == 0 {
		return 0, fmt.Errorf("unknown unit: %s (supported: B, KB, MB, GB, KiB, MiB, GiB)", m[2])
	}
	return int64(value * float64(multiplier)), nil
}

func unitMultiplier(unit string) int64 {
	switch unit {
	case "B", "BYTES":
		return Byte
	case "KB":
		return 1000
	case "MB":
		return 1000 * 1000
	case "GB":
		return 1000 * 1000 * 1000
	case "K", "KIB":
		return KibiByte
	case "M", "MIB":
		return MebiByte
	case "G", "GIB":
		return GibiByte
	default:
		return 0
	}
}

// FormatByteSize renders n with the largest binary unit that divides it
// into a value of at least one.
func FormatByteSize(n int64) string {
	switch {
	case n < 0:
		return "invalid"
	case n >= GibiByte:
		return formatUnit(n, GibiByte, "GiB")
	case n >= MebiByte:
		return formatUnit(n, MebiByte, "MiB")
	case n >= KibiByte:
		return formatUnit(n, KibiByte, "KiB")
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func formatUnit(n, unit int64, suffix string) string {
	value := float64(n) / float64(unit)
	if n%unit == 0 {
		return fmt.Sprintf("%.0f %s", value, suffix)
	}
	return fmt.Sprintf("%.1f %s", value, suffix)
}

// ByteSize is a byte count that YAML may spell as a number or a size string.
type ByteSize int64

func (b ByteSize) String() string {
	return FormatByteSize(int64(b))
}

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", value.Line)
	}
	n, err := ParseByteSize(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) MarshalYAML() (interface{}, error) {
	return int64(b), nil
}
