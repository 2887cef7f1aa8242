package util

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatTimestamp renders a position in seconds as "MM:SS". Minutes are
// unbounded, no hour rollover: 3725s -> "62:05". The same string is used for
// display and for features.json, so it must stay stable.
func FormatTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int(seconds)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

// PadTimestamp renders whole seconds as a 6-digit zero-padded string for
// collision-free, lexically sortable thumbnail filenames.
func PadTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%06d", int(seconds))
}

// ParseFrameRate parses frame rate from ffprobe format (e.g., "30/1")
func ParseFrameRate(s string) float64 {
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return 0
	}
	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den == 0 {
		return 0
	}
	return num / den
}
