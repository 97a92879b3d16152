package proc

import "io"

// Spec describes a process to launch inside a pseudo terminal.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	Cols    uint16
	Rows    uint16
}

// Handle is one live pseudo terminal process. Read returns an error
// once the process has exited and the terminal is closed.
type Handle interface {
	io.Reader
	io.Writer
	Resize(cols, rows uint16) error

	// Kill asks the process to terminate, escalating if it does not.
	Kill() error

	// Wait blocks until the process exits and returns its exit code.
	Wait() int
}

// Host launches pseudo terminal processes.
type Host interface {
	Spawn(spec Spec) (Handle, error)
}

// NewHost returns the platform pseudo terminal host.
func NewHost() Host {
	return newPlatformHost()
}
