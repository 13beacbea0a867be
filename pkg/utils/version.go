package utils

import (
	"strconv"
	"strings"
)

// VersionLessThan compares two versions and returns true if a is less than b.
// The version format is major.minor.patch
//
// Example: 1.0.0 < 1.0.1
// Example: 1.0.0 < 1.1.0
// Example: 1.0.0 < 2.0.0
func VersionLessThan(a, b string) bool {
	aParts := strings.Split(a, ".")
	bParts := strings.Split(b, ".")

	for i := 0; i < 3; i++ {
		var aPart, bPart int
		if i < len(aParts) {
			aPart, _ = strconv.Atoi(aParts[i])
		}
		if i < len(bParts) {
			bPart, _ = strconv.Atoi(bParts[i])
		}

		if aPart < bPart {
			return true
		}

		if aPart > bPart {
			return false
		}
	}

	return false
}

// VersionMajor returns the major component of a version string.
func VersionMajor(v string) int {
	major, _ := strconv.Atoi(strings.SplitN(v, ".", 2)[0])
	return major
}
