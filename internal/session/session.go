package session

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Status describes the lifecycle of a session's process.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

// Session is the durable record for one terminal session. Runtime
// process and rendering state live elsewhere, keyed by ID.
type Session struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	ContextID    string    `json:"contextId,omitempty"`
	WorkingDir   string    `json:"workingDir"`
	Command      string    `json:"command,omitempty"`
	Cols         uint16    `json:"cols"`
	Rows         uint16    `json:"rows"`
	CreatedAt    time.Time `json:"createdAt"`
	LastAccessed time.Time `json:"lastAccessed"`
	Status       Status    `json:"status"`
	ExitCode     int       `json:"exitCode,omitempty"`
}

// Descriptor carries the caller-supplied fields for a new session.
// ContextID names the owning project or tab in the desktop shell.
type Descriptor struct {
	Name       string `json:"name"`
	ContextID  string `json:"contextId,omitempty"`
	WorkingDir string `json:"workingDir"`
	Command    string `json:"command,omitempty"`
	Cols       uint16 `json:"cols,omitempty"`
	Rows       uint16 `json:"rows,omitempty"`
}

// Patch holds optional updates for an existing session. Nil fields
// are left untouched.
type Patch struct {
	Name       *string `json:"name,omitempty"`
	ContextID  *string `json:"contextId,omitempty"`
	WorkingDir *string `json:"workingDir,omitempty"`
}

func generateID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return "s_" + hex.EncodeToString(b)
}
