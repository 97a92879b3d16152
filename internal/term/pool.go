package term

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/notch-ai/autosteer/internal/buffer"
	"github.com/notch-ai/autosteer/internal/proc"
	"github.com/notch-ai/autosteer/internal/session"
)

// Pool keeps at most one adapter per session and routes surface
// bindings, input and resizes to it. Destroying a session disposes
// its adapter and removes the entry.
type Pool struct {
	mu       sync.Mutex
	adapters map[string]*Adapter
	registry *session.Registry
	host     proc.Host
	logger   *slog.Logger
}

type PoolConfig struct {
	Registry *session.Registry
	Host     proc.Host
	Logger   *slog.Logger
}

func NewPool(cfg PoolConfig) *Pool {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Host == nil {
		cfg.Host = proc.NewHost()
	}
	p := &Pool{
		adapters: make(map[string]*Adapter),
		registry: cfg.Registry,
		host:     cfg.Host,
		logger:   cfg.Logger,
	}
	cfg.Registry.OnDestroy = p.handleDestroy
	return p
}

// CreateOrAttach spawns the session's process on first use and binds
// the surface, replaying retained output on reattach. A nil surface
// spawns the process without binding anything. A surface bound while
// another is attached displaces it.
func (p *Pool) CreateOrAttach(id string, surface Surface) (*Adapter, bool, error) {
	rec, ok := p.registry.Get(id)
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}

	p.mu.Lock()
	a, exists := p.adapters[id]
	created := false
	if !exists {
		cols, rows := rec.Cols, rec.Rows
		if cols == 0 || rows == 0 {
			cols, rows = 80, 24
		}
		if surface != nil {
			if c, r, ok := surface.Fit(); ok {
				cols, rows = c, r
			}
		}
		handle, err := p.host.Spawn(launchSpec(rec, cols, rows))
		if err != nil {
			p.mu.Unlock()
			return nil, false, fmt.Errorf("failed to start session process: %w", err)
		}
		a = New(id, handle, cols, rows, p.logger)
		p.adapters[id] = a
		created = true
		p.registry.SetDims(id, cols, rows)
		go p.readLoop(a, handle)
		go p.waitLoop(a, handle)
	}
	p.mu.Unlock()

	if surface != nil {
		if _, err := a.Bind(surface); err != nil {
			return nil, created, err
		}
		p.registry.Touch(id)
	}

	if created {
		p.logger.Info("terminal created", "id", id, "command", rec.Command)
	} else if surface != nil {
		p.logger.Info("terminal attached", "id", id)
	}
	return a, created, nil
}

// Detach unbinds the surface, snapshots the terminal state into the
// buffer store and leaves the process running.
func (p *Pool) Detach(id string) error {
	a, err := p.lookup(id)
	if err != nil {
		return err
	}
	st, err := a.Detach()
	if err != nil {
		return err
	}
	if err := p.registry.SaveState(id, st); err != nil {
		return err
	}
	p.logger.Debug("terminal detached", "id", id)
	return nil
}

// Write sends input to the session's process.
func (p *Pool) Write(id string, data []byte) error {
	a, err := p.lookup(id)
	if err != nil {
		return err
	}
	return a.Write(data)
}

// Resize updates the terminal dimensions for the session and writes
// them through to the session record.
func (p *Pool) Resize(id string, cols, rows uint16) error {
	a, err := p.lookup(id)
	if err != nil {
		return err
	}
	if err := a.Resize(cols, rows); err != nil {
		return err
	}
	p.registry.SetDims(id, cols, rows)
	return nil
}

// Capture snapshots the session's live terminal state.
func (p *Pool) Capture(id string) (buffer.State, error) {
	a, err := p.lookup(id)
	if err != nil {
		return buffer.State{}, err
	}
	if a.State() == Disposed {
		return buffer.State{}, ErrDisposed
	}
	return a.Capture(), nil
}

func (p *Pool) Get(id string) (*Adapter, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.adapters[id]
	return a, ok
}

func (p *Pool) Has(id string) bool {
	_, ok := p.Get(id)
	return ok
}

// Destroy tears the session down. The registry cascade disposes the
// adapter and removes the buffer snapshot.
func (p *Pool) Destroy(id string) error {
	return p.registry.Destroy(id)
}

func (p *Pool) Focus(id string) {
	if a, ok := p.Get(id); ok {
		a.Focus()
	} else {
		p.logIgnored("focus", id)
	}
}

func (p *Pool) Blur(id string) {
	if a, ok := p.Get(id); ok {
		a.Blur()
	} else {
		p.logIgnored("blur", id)
	}
}

func (p *Pool) ScrollToTop(id string) {
	if a, ok := p.Get(id); ok {
		a.ScrollToTop()
	} else {
		p.logIgnored("scrollToTop", id)
	}
}

func (p *Pool) ScrollToBottom(id string) {
	if a, ok := p.Get(id); ok {
		a.ScrollToBottom()
	} else {
		p.logIgnored("scrollToBottom", id)
	}
}

func (p *Pool) Fit(id string) (cols, rows uint16, ok bool) {
	a, found := p.Get(id)
	if !found {
		p.logIgnored("fit", id)
		return 0, 0, false
	}
	cols, rows, ok = a.Fit()
	if ok {
		p.registry.SetDims(id, cols, rows)
	}
	return cols, rows, ok
}

// SyncAll snapshots every live terminal into the buffer store.
// Called before usage sampling so accounting covers attached
// sessions, not just the last detach snapshots.
func (p *Pool) SyncAll() {
	p.mu.Lock()
	adapters := make([]*Adapter, 0, len(p.adapters))
	for _, a := range p.adapters {
		adapters = append(adapters, a)
	}
	p.mu.Unlock()

	for _, a := range adapters {
		_ = p.registry.SaveState(a.ID(), a.Capture())
	}
}

// StopAll snapshots every live terminal, kills the processes and
// waits for them to finish. Called on shutdown.
func (p *Pool) StopAll() {
	p.mu.Lock()
	adapters := make([]*Adapter, 0, len(p.adapters))
	for _, a := range p.adapters {
		adapters = append(adapters, a)
	}
	p.mu.Unlock()

	for _, a := range adapters {
		if st, err := a.Detach(); err == nil {
			_ = p.registry.SaveState(a.ID(), st)
		}
		a.Kill()
	}

	// wait for all to finish
	for _, a := range adapters {
		select {
		case <-a.Done():
		case <-time.After(10 * time.Second):
		}
	}
}

func (p *Pool) lookup(id string) (*Adapter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.adapters[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	return a, nil
}

func (p *Pool) logIgnored(op, id string) {
	p.logger.Debug("surface op ignored", "op", op, "id", id)
}

func (p *Pool) handleDestroy(id string) {
	p.mu.Lock()
	a, ok := p.adapters[id]
	delete(p.adapters, id)
	p.mu.Unlock()
	if !ok {
		return
	}
	a.Dispose()
	p.logger.Info("terminal disposed", "id", id)
}

func (p *Pool) readLoop(a *Adapter, h proc.Handle) {
	buf := make([]byte, 32*1024)
	for {
		n, err := h.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			a.Feed(data)
		}
		if err != nil {
			if err != io.EOF {
				p.logger.Debug("pty read error", "id", a.ID(), "err", err)
			}
			return
		}
	}
}

func (p *Pool) waitLoop(a *Adapter, h proc.Handle) {
	code := h.Wait()

	// final snapshot before the exit is observable
	_ = p.registry.SaveState(a.ID(), a.Capture())
	a.MarkExited(code)
	p.registry.SetStopped(a.ID(), code)
}

func launchSpec(rec session.Session, cols, rows uint16) proc.Spec {
	command := rec.Command
	if command == "" {
		command = proc.DefaultShell()
	}
	fields := strings.Fields(command)
	return proc.Spec{
		Command: fields[0],
		Args:    fields[1:],
		Dir:     rec.WorkingDir,
		Cols:    cols,
		Rows:    rows,
	}
}
