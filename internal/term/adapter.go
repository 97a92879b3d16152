package term

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/notch-ai/autosteer/internal/buffer"
	"github.com/notch-ai/autosteer/internal/proc"
)

// ErrDisposed is returned by operations on an adapter that has been
// destroyed. No transition leaves the disposed state.
var ErrDisposed = errors.New("terminal adapter disposed")

// AttachState tracks whether an adapter currently owns a surface.
type AttachState int

const (
	Uninitialized AttachState = iota
	Attached
	Detached
	Disposed
)

func (s AttachState) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Attached:
		return "attached"
	case Detached:
		return "detached"
	case Disposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Adapter shuttles output from one pseudo terminal process to at most
// one bound surface, retaining the output so a later surface can be
// bound without losing anything.
type Adapter struct {
	mu       sync.Mutex
	id       string
	attachID string
	state    AttachState
	surface  Surface
	handle   proc.Handle
	logger   *slog.Logger

	// retained output, bounded by the buffer caps
	lines []string
	open  []byte
	size  int

	cols uint16
	rows uint16

	done     chan struct{}
	exitCode int
	exited   bool
}

func New(id string, handle proc.Handle, cols, rows uint16, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}
	return &Adapter{
		id:     id,
		handle: handle,
		state:  Uninitialized,
		cols:   cols,
		rows:   rows,
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (a *Adapter) ID() string {
	return a.id
}

func (a *Adapter) State() AttachState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// AttachID identifies the current binding; it changes on every Bind.
func (a *Adapter) AttachID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attachID
}

func (a *Adapter) Dims() (cols, rows uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cols, a.rows
}

// Done is closed once the backing process has exited.
func (a *Adapter) Done() <-chan struct{} {
	return a.done
}

func (a *Adapter) ExitCode() (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.exitCode, a.exited
}

// Bind attaches a surface, replaying the retained output so the new
// surface renders where the previous one left off. A surface already
// bound is displaced.
func (a *Adapter) Bind(s Surface) (string, error) {
	a.mu.Lock()
	if a.state == Disposed {
		a.mu.Unlock()
		return "", ErrDisposed
	}
	old := a.surface
	a.surface = s
	a.state = Attached
	a.attachID = uuid.New().String()
	attachID := a.attachID
	replay := a.replayLocked()
	cols, rows := a.cols, a.rows
	a.mu.Unlock()

	if old != nil && old != s {
		old.Blur()
		old.Unbind()
		a.logger.Debug("surface displaced", "id", a.id)
	}
	s.Resize(cols, rows)
	if len(replay) > 0 {
		s.Write(replay)
	}
	return attachID, nil
}

// Detach releases the surface and returns a snapshot of the retained
// state. The process keeps running and output keeps accumulating.
func (a *Adapter) Detach() (buffer.State, error) {
	a.mu.Lock()
	if a.state == Disposed {
		a.mu.Unlock()
		return buffer.State{}, ErrDisposed
	}
	st := a.captureLocked()
	s := a.surface
	a.surface = nil
	a.attachID = ""
	a.state = Detached
	a.mu.Unlock()

	if s != nil {
		s.Unbind()
	}
	return st, nil
}

// Feed ingests process output, retains it and forwards it to the
// bound surface. Called from the pool's read loop.
func (a *Adapter) Feed(data []byte) {
	a.mu.Lock()
	if a.state == Disposed {
		a.mu.Unlock()
		return
	}
	a.ingestLocked(data)
	s := a.surface
	attached := a.state == Attached
	a.mu.Unlock()

	if attached && s != nil {
		s.Write(data)
	}
}

// Write sends input to the backing process.
func (a *Adapter) Write(data []byte) error {
	a.mu.Lock()
	if a.state == Disposed {
		a.mu.Unlock()
		return ErrDisposed
	}
	h := a.handle
	a.mu.Unlock()

	if h == nil {
		return os.ErrClosed
	}
	_, err := h.Write(data)
	return err
}

// Resize records the new dimensions, resizes the process and, when a
// surface is bound, the surface as well.
func (a *Adapter) Resize(cols, rows uint16) error {
	a.mu.Lock()
	if a.state == Disposed {
		a.mu.Unlock()
		return ErrDisposed
	}
	a.cols, a.rows = cols, rows
	s := a.surface
	attached := a.state == Attached
	h := a.handle
	exited := a.exited
	a.mu.Unlock()

	if h != nil && !exited {
		if err := h.Resize(cols, rows); err != nil && !errors.Is(err, os.ErrClosed) {
			return err
		}
	}
	if attached && s != nil {
		s.Resize(cols, rows)
	}
	return nil
}

// Capture snapshots the current terminal state. A surface that can
// enumerate its rendered lines wins over the raw retained output.
func (a *Adapter) Capture() buffer.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.captureLocked()
}

func (a *Adapter) captureLocked() buffer.State {
	if a.state == Attached && a.surface != nil {
		if lines := a.surface.Lines(); lines != nil {
			x, y, ok := a.surface.Cursor()
			if !ok {
				x, y = len(a.open), len(lines)
			}
			return buffer.NewState(a.id, lines, x, y, a.cols, a.rows)
		}
	}

	lines := slices.Clone(a.lines)
	x, y := 0, len(lines)
	if len(a.open) > 0 {
		lines = append(lines, string(a.open))
		x, y = len(a.open), len(lines)-1
	}
	return buffer.NewState(a.id, lines, x, y, a.cols, a.rows)
}

// MarkExited records the process exit code and closes Done. The
// adapter stays usable for reattach so the final output remains
// visible.
func (a *Adapter) MarkExited(code int) {
	a.mu.Lock()
	if a.exited {
		a.mu.Unlock()
		return
	}
	a.exited = true
	a.exitCode = code
	a.mu.Unlock()
	close(a.done)
}

// Kill asks the backing process to terminate if it has not already.
func (a *Adapter) Kill() {
	a.mu.Lock()
	h, exited := a.handle, a.exited
	a.mu.Unlock()
	if h != nil && !exited {
		_ = h.Kill()
	}
}

// Dispose releases the surface, drops the retained output and kills
// the process. Every later operation fails with ErrDisposed.
func (a *Adapter) Dispose() {
	a.mu.Lock()
	if a.state == Disposed {
		a.mu.Unlock()
		return
	}
	s := a.surface
	a.surface = nil
	a.attachID = ""
	a.state = Disposed
	a.lines, a.open, a.size = nil, nil, 0
	h := a.handle
	exited := a.exited
	a.mu.Unlock()

	if s != nil {
		s.Dispose()
	}
	if h != nil && !exited {
		_ = h.Kill()
	}
}

func (a *Adapter) Focus() {
	if s := a.attachedSurface("focus"); s != nil {
		s.Focus()
	}
}

func (a *Adapter) Blur() {
	if s := a.attachedSurface("blur"); s != nil {
		s.Blur()
	}
}

func (a *Adapter) ScrollToTop() {
	if s := a.attachedSurface("scrollToTop"); s != nil {
		s.ScrollToTop()
	}
}

func (a *Adapter) ScrollToBottom() {
	if s := a.attachedSurface("scrollToBottom"); s != nil {
		s.ScrollToBottom()
	}
}

// Fit asks the bound surface for its preferred dimensions and applies
// them.
func (a *Adapter) Fit() (cols, rows uint16, ok bool) {
	s := a.attachedSurface("fit")
	if s == nil {
		return 0, 0, false
	}
	cols, rows, ok = s.Fit()
	if !ok {
		return 0, 0, false
	}
	if err := a.Resize(cols, rows); err != nil {
		return 0, 0, false
	}
	return cols, rows, true
}

func (a *Adapter) attachedSurface(op string) Surface {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != Attached || a.surface == nil {
		a.logger.Debug("surface op ignored", "op", op, "id", a.id, "state", a.state.String())
		return nil
	}
	return a.surface
}

// ingestLocked appends output to the retained state, completing lines
// at newlines and dropping the oldest lines once over the caps.
func (a *Adapter) ingestLocked(data []byte) {
	a.open = append(a.open, data...)
	for {
		i := bytes.IndexByte(a.open, '\n')
		if i < 0 {
			break
		}
		line := a.open[:i]
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		a.lines = append(a.lines, string(line))
		a.size += len(line) + 1
		a.open = a.open[i+1:]
	}
	if len(a.open) == 0 {
		a.open = nil
	} else if len(a.open) > buffer.MaxBytes {
		a.open = append([]byte(nil), a.open[len(a.open)-buffer.MaxBytes:]...)
	}

	for len(a.lines) > buffer.MaxLines {
		a.dropOldestLocked()
	}
	for a.size+len(a.open) > buffer.MaxBytes && len(a.lines) > 0 {
		a.dropOldestLocked()
	}
}

func (a *Adapter) dropOldestLocked() {
	a.size -= len(a.lines[0]) + 1
	a.lines[0] = ""
	a.lines = a.lines[1:]
}

// replayLocked renders the retained output as one write for a newly
// bound surface.
func (a *Adapter) replayLocked() []byte {
	if len(a.lines) == 0 && len(a.open) == 0 {
		return nil
	}
	var b bytes.Buffer
	for _, line := range a.lines {
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	b.Write(a.open)
	return b.Bytes()
}
