package textproc

import "strings"

// deltaWindow bounds the overlap search so a pathological partial cannot
// turn delta computation quadratic.
const deltaWindow = 64

// ComputeDelta returns the incremental portion of curr relative to prev.
// If curr extends prev, only the suffix is returned. Otherwise the longest
// suffix of prev (within the search window) that prefixes curr is located
// and the remainder returned, so a recognizer re-emitting overlapping
// context does not resend text the subscriber already has. With no overlap
// at all the full new text is returned.
func ComputeDelta(prev, curr string) string {
	if prev == "" || curr == "" {
		return curr
	}
	if strings.HasPrefix(curr, prev) {
		return curr[len(prev):]
	}

	pr := []rune(prev)
	start := 0
	if len(pr) > deltaWindow {
		start = len(pr) - deltaWindow
	}
	for i := start; i < len(pr); i++ {
		suffix := string(pr[i:])
		if strings.HasPrefix(curr, suffix) {
			return curr[len(suffix):]
		}
	}

	return curr
}
