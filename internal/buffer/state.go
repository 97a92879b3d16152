package buffer

import (
	"strings"
	"time"
)

const (
	// MaxLines is the per-session scrollback line cap.
	MaxLines = 10_000
	// MaxBytes is the per-session scrollback byte cap (50 MiB).
	MaxBytes = 50 * 1024 * 1024
)

// State is a frozen scrollback snapshot for one session. Content is the
// materialized text of Scrollback (lines joined with \n); SizeBytes is
// len(Content). Both are kept on the record because callers consume either
// form without re-deriving it.
type State struct {
	SessionID  string    `json:"sessionId"`
	Content    string    `json:"content"`
	Scrollback []string  `json:"scrollback"`
	CursorX    int       `json:"cursorX"`
	CursorY    int       `json:"cursorY"`
	Cols       uint16    `json:"cols"`
	Rows       uint16    `json:"rows"`
	Timestamp  time.Time `json:"timestamp"`
	SizeBytes  int       `json:"sizeBytes"`
}

// NewState builds a consistent State from scrollback lines: Content and
// SizeBytes are derived, Timestamp is set to now.
func NewState(sessionID string, lines []string, cursorX, cursorY int, cols, rows uint16) State {
	content := strings.Join(lines, "\n")
	return State{
		SessionID:  sessionID,
		Content:    content,
		Scrollback: lines,
		CursorX:    cursorX,
		CursorY:    cursorY,
		Cols:       cols,
		Rows:       rows,
		Timestamp:  time.Now(),
		SizeBytes:  len(content),
	}
}

// Empty returns the state every session starts with: no scrollback, cursor at
// origin, dimensions from the session descriptor.
func Empty(sessionID string, cols, rows uint16) State {
	return NewState(sessionID, nil, 0, 0, cols, rows)
}

// contentSize is the byte length of lines joined with \n, without building
// the joined string.
func contentSize(lines []string) int {
	if len(lines) == 0 {
		return 0
	}
	n := len(lines) - 1
	for _, l := range lines {
		n += len(l)
	}
	return n
}
