package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var sizeRe = regexp.MustCompile(`^(0|[1-9][0-9]*) ?([KMGTPE]i?)?B?$`)

// Parse a human readable byte size, e.g. "256MiB", "1GB", "1024".
// Decimal suffixes are powers of 1000, binary suffixes powers of 1024.
func ParseSize(size string) (int64, error) {
	size = strings.TrimSpace(size)

	parts := sizeRe.FindStringSubmatch(size)
	if parts == nil {
		return 0, fmt.Errorf("parse error: %v", size)
	}

	value, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse error: %v", size)
	}

	switch parts[2] {
	case "Ei":
		value *= 1024
		fallthrough
	case "Pi":
		value *= 1024
		fallthrough
	case "Ti":
		value *= 1024
		fallthrough
	case "Gi":
		value *= 1024
		fallthrough
	case "Mi":
		value *= 1024
		fallthrough
	case "Ki":
		value *= 1024

	case "E":
		value *= 1000
		fallthrough
	case "P":
		value *= 1000
		fallthrough
	case "T":
		value *= 1000
		fallthrough
	case "G":
		value *= 1000
		fallthrough
	case "M":
		value *= 1000
		fallthrough
	case "K":
		value *= 1000
	}

	return value, nil
}

var sizeSuffixes = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB", "EiB"}

// Format a byte count as a human readable string.
func HumanByteSize(size int64) string {
	fsize := float64(size)

	i := 0
	for fsize >= 1024 && i < len(sizeSuffixes)-1 {
		fsize /= 1024
		i++
	}

	if i == 0 {
		return fmt.Sprintf("%d%s", size, sizeSuffixes[i])
	}

	return fmt.Sprintf("%.1f%s", fsize, sizeSuffixes[i])
}
