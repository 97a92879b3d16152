package buffer

import (
	"slices"
	"strings"
	"time"
)

// Trim returns a copy of st that satisfies both scrollback caps, dropping the
// oldest lines first. A state already within bounds is returned unchanged.
// Trim is a pure function: it never modifies st and never fails. For
// degenerate inputs (a single line larger than MaxBytes) the result may have
// zero lines, but it is always compliant.
//
// The byte cap is enforced in two phases: a bulk drop sized by the average
// line length, then a short loop removing single oldest lines to absorb the
// estimation error. Skewed line-size distributions make the loop longer but
// it stays bounded by the estimate's error, not the buffer size.
func Trim(st State) State {
	lines := st.Scrollback
	trimmed := false

	if len(lines) > MaxLines {
		lines = lines[len(lines)-MaxLines:]
		trimmed = true
	}

	size := contentSize(lines)
	if size > MaxBytes {
		trimmed = true

		avg := size / len(lines)
		if avg == 0 {
			avg = 1
		}
		over := size - MaxBytes
		drop := (over + avg - 1) / avg
		if drop > len(lines) {
			drop = len(lines)
		}
		lines = lines[drop:]
		size = contentSize(lines)

		for size > MaxBytes && len(lines) > 0 {
			// dropping the first of n lines removes its bytes plus the
			// joining newline (none when it was the only line)
			size -= len(lines[0]) + 1
			if len(lines) == 1 {
				size = 0
			}
			lines = lines[1:]
		}
	}

	if !trimmed {
		return st
	}

	out := st
	out.Scrollback = slices.Clone(lines)
	out.Content = strings.Join(lines, "\n")
	out.SizeBytes = len(out.Content)
	out.Timestamp = time.Now()
	return out
}
