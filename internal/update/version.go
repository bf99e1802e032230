package update

import (
	"strconv"
	"strings"
)

// Compare compares two dotted-numeric version strings.
// Returns:
//
//	-1 if a < b
//	 0 if a == b
//	 1 if a > b
//
// The shorter version is treated as zero-padded, so "1.2" equals "1.2.0".
// Segments that are not non-negative integers count as 0.
//
// If either version is empty, Compare returns 1: a release with missing
// version metadata is treated as newer so the caller falls back to the
// re-extract or reinstall path.
func Compare(a, b string) int {
	if a == "" || b == "" {
		return 1
	}

	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := max(len(as), len(bs))
	for i := range n {
		x := segment(as, i)
		y := segment(bs, i)
		if x != y {
			return compareInt(x, y)
		}
	}
	return 0
}

func segment(parts []string, i int) int {
	if i >= len(parts) {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(parts[i]))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func compareInt(a, b int) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}
