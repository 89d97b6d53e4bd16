// Package utils holds small parsing helpers shared by config and the CLI.
package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Size constants in bytes.
const (
	Byte     int64 = 1
	KiloByte int64 = 1024
	MegaByte int64 = 1024 * KiloByte
	GigaByte int64 = 1024 * MegaByte
	TeraByte int64 = 1024 * GigaByte
)

var sizeExpr = regexp.MustCompile(`^([\d.]+)\s*([A-Za-z]+)$`)

// Decimal units are 1000-based; the single-letter and IEC units are
// 1024-based.
var units = map[string]int64{
	"B":   1,
	"KB":  1000,
	"MB":  1000 * 1000,
	"GB":  1000 * 1000 * 1000,
	"TB":  1000 * 1000 * 1000 * 1000,
	"K":   KiloByte,
	"KIB": KiloByte,
	"M":   MegaByte,
	"MIB": MegaByte,
	"G":   GigaByte,
	"GIB": GigaByte,
	"T":   TeraByte,
	"TIB": TeraByte,
}

// ParseDataSize parses sizes like "512", "100KB", "1.5MiB" or "1M" into
// bytes.
func ParseDataSize(s string) (int64, error) {
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

	m := sizeExpr.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid size %q (expected e.g. 64KB, 1MiB)", s)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value: %s", m[1])
	}
	mult, ok := units[strings.ToUpper(m[2])]
	if !ok {
		return 0, fmt.Errorf("unknown unit %q", m[2])
	}
	return int64(value * float64(mult)), nil
}

// FormatDataSize renders bytes with binary units, e.g. "1.5 MiB".
func FormatDataSize(n int64) string {
	if n < KiloByte {
		return fmt.Sprintf("%d B", n)
	}
	suffixes := []string{"KiB", "MiB", "GiB", "TiB"}
	value := float64(n) / float64(KiloByte)
	i := 0
	for value >= 1024 && i < len(suffixes)-1 {
		value /= 1024
		i++
	}
	s := strconv.FormatFloat(value, 'f', 2, 64)
	s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	return s + " " + suffixes[i]
}

// DataSize is a byte count that reads from and writes to its
// human-friendly form in JSON, YAML and environment variables.
type DataSize int64

// UnmarshalText parses a size with ParseDataSize.
func (d *DataSize) UnmarshalText(text []byte) error {
	n, err := ParseDataSize(string(text))
	if err != nil {
		return err
	}
	*d = DataSize(n)
	return nil
}

// MarshalText returns the size in bytes.
func (d DataSize) MarshalText() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(d), 10)), nil
}

// String returns the formatted size.
func (d DataSize) String() string {
	return FormatDataSize(int64(d))
}
