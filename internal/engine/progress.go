package engine

import (
	"regexp"
	"strconv"
)

var progressRx = regexp.MustCompile(`(?i)PROGRESS:\s*(\d+)`)

// ParseProgress extracts the first PROGRESS: marker of chunk. Values are
// clamped to 100.
func ParseProgress(chunk []byte) (int, bool) {
	m := progressRx.FindSubmatch(chunk)
	if m == nil {
		return 0, false
	}
	p, err := strconv.Atoi(string(m[1]))
	if err != nil || p > 100 {
		// only overflow fails, digits are guaranteed by the pattern
		return 100, true
	}
	return p, true
}
