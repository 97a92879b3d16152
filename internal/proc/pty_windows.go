//go:build windows

package proc

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/UserExistsError/conpty"
	"golang.org/x/sys/windows"
)

type conptyHost struct{}

func newPlatformHost() Host {
	return conptyHost{}
}

// DefaultShell returns the command interpreter.
func DefaultShell() string {
	if comspec := os.Getenv("COMSPEC"); comspec != "" {
		return comspec
	}
	return "powershell.exe"
}

func (conptyHost) Spawn(spec Spec) (Handle, error) {
	path, err := exec.LookPath(spec.Command)
	if err != nil {
		return nil, fmt.Errorf("command not found: %s", spec.Command)
	}

	cols, rows := spec.Cols, spec.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	cmdline := windows.ComposeCommandLine(append([]string{path}, spec.Args...))
	cpty, err := conpty.Start(cmdline,
		conpty.ConPtyDimensions(int(cols), int(rows)),
		conpty.ConPtyWorkDir(spec.Dir),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start pty: %w", err)
	}

	return &conptyHandle{cpty: cpty}, nil
}

type conptyHandle struct {
	cpty *conpty.ConPty
}

func (h *conptyHandle) Read(p []byte) (int, error) {
	return h.cpty.Read(p)
}

func (h *conptyHandle) Write(p []byte) (int, error) {
	return h.cpty.Write(p)
}

func (h *conptyHandle) Resize(cols, rows uint16) error {
	return h.cpty.Resize(int(cols), int(rows))
}

// Kill closes the pseudo console, which terminates the child.
func (h *conptyHandle) Kill() error {
	return h.cpty.Close()
}

func (h *conptyHandle) Wait() int {
	code, err := h.cpty.Wait(context.Background())
	if err != nil {
		return -1
	}
	return int(code)
}
