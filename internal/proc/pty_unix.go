//go:build !windows

package proc

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty/v2"
)

type ptyHost struct{}

func newPlatformHost() Host {
	return ptyHost{}
}

// DefaultShell returns the user's login shell, falling back to sh.
func DefaultShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/sh"
}

func (ptyHost) Spawn(spec Spec) (Handle, error) {
	path, err := exec.LookPath(spec.Command)
	if err != nil {
		return nil, fmt.Errorf("command not found: %s", spec.Command)
	}
	if spec.Dir != "" {
		if info, err := os.Stat(spec.Dir); err != nil || !info.IsDir() {
			return nil, fmt.Errorf("working directory does not exist: %s", spec.Dir)
		}
	}

	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, spec.Env...)

	ws := &pty.Winsize{Cols: spec.Cols, Rows: spec.Rows}
	if ws.Cols == 0 {
		ws.Cols = 80
	}
	if ws.Rows == 0 {
		ws.Rows = 24
	}

	ptmx, err := pty.StartWithSize(cmd, ws)
	if err != nil {
		return nil, fmt.Errorf("failed to start pty: %w", err)
	}

	return &ptyHandle{cmd: cmd, ptmx: ptmx, done: make(chan struct{})}, nil
}

type ptyHandle struct {
	cmd  *exec.Cmd
	mu   sync.Mutex
	ptmx *os.File
	done chan struct{}
}

func (h *ptyHandle) Read(p []byte) (int, error) {
	h.mu.Lock()
	ptmx := h.ptmx
	h.mu.Unlock()
	if ptmx == nil {
		return 0, io.EOF
	}
	return ptmx.Read(p)
}

func (h *ptyHandle) Write(p []byte) (int, error) {
	h.mu.Lock()
	ptmx := h.ptmx
	h.mu.Unlock()
	if ptmx == nil {
		return 0, os.ErrClosed
	}
	return ptmx.Write(p)
}

func (h *ptyHandle) Resize(cols, rows uint16) error {
	h.mu.Lock()
	ptmx := h.ptmx
	h.mu.Unlock()
	if ptmx == nil {
		return os.ErrClosed
	}
	return pty.Setsize(ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

func (h *ptyHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	// SIGTERM to the process; closing the PTY also sends SIGHUP
	_ = h.cmd.Process.Signal(syscall.SIGTERM)

	// give 5 seconds then SIGKILL
	go func() {
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			_ = h.cmd.Process.Kill()
		}
	}()
	return nil
}

func (h *ptyHandle) Wait() int {
	err := h.cmd.Wait()
	code := 0
	if err != nil {
		code = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
	}

	h.mu.Lock()
	if h.ptmx != nil {
		h.ptmx.Close()
		h.ptmx = nil
	}
	h.mu.Unlock()

	close(h.done)
	return code
}
