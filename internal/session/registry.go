package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/notch-ai/autosteer/internal/buffer"
)

// MaxSessions caps how many sessions may exist at once. Create
// rejects once the cap is reached; nothing is evicted.
const MaxSessions = 10

var (
	// ErrCapacity is returned by Create when the registry is full.
	ErrCapacity = errors.New("session limit reached")
	// ErrNotFound is returned when an ID resolves to no session.
	ErrNotFound = errors.New("session not found")
)

// Registry owns the session records and their buffer snapshots. All
// methods are safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	buffers  *buffer.Store
	logger   *slog.Logger

	// OnDestroy runs after a session and its buffer are gone. The
	// registry lock is not held.
	OnDestroy func(id string)

	// OnExit runs after a session has been marked stopped. The
	// registry lock is not held.
	OnExit func(id string, exitCode int)
}

type Config struct {
	Buffers *buffer.Store
	Logger  *slog.Logger
}

func NewRegistry(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Buffers == nil {
		cfg.Buffers = buffer.NewStore(cfg.Logger)
	}
	return &Registry{
		sessions: make(map[string]*Session),
		buffers:  cfg.Buffers,
		logger:   cfg.Logger,
	}
}

// Buffers exposes the snapshot store the registry cascades into.
func (r *Registry) Buffers() *buffer.Store {
	return r.buffers
}

// Create registers a new session and seeds an empty buffer snapshot
// for it. It fails with ErrCapacity when MaxSessions already exist.
func (r *Registry) Create(desc Descriptor) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sessions) >= MaxSessions {
		return Session{}, fmt.Errorf("%w: maximum of %d sessions", ErrCapacity, MaxSessions)
	}

	id := generateID()
	now := time.Now()

	name := desc.Name
	if name == "" {
		name = id
	}
	dir := desc.WorkingDir
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = home
		}
	}
	cols, rows := desc.Cols, desc.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	s := &Session{
		ID:           id,
		Name:         name,
		ContextID:    desc.ContextID,
		WorkingDir:   dir,
		Command:      desc.Command,
		Cols:         cols,
		Rows:         rows,
		CreatedAt:    now,
		LastAccessed: now,
		Status:       StatusRunning,
	}
	r.sessions[id] = s
	r.buffers.Save(buffer.Empty(id, cols, rows))

	r.logger.Info("session created", "id", id, "name", name, "dir", dir)
	return *s, nil
}

// Get returns a copy of the session record.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	return ok
}

// Update applies the patch and bumps LastAccessed.
func (r *Registry) Update(id string, p Patch) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if p.Name != nil {
		s.Name = *p.Name
	}
	if p.ContextID != nil {
		s.ContextID = *p.ContextID
	}
	if p.WorkingDir != nil {
		s.WorkingDir = *p.WorkingDir
	}
	s.LastAccessed = time.Now()
	return *s, nil
}

// SetDims records the session's current terminal dimensions. Unknown
// IDs are ignored.
func (r *Registry) SetDims(id string, cols, rows uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.Cols, s.Rows = cols, rows
		s.LastAccessed = time.Now()
	}
}

// Touch bumps LastAccessed without changing anything else. Unknown
// IDs are ignored.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.LastAccessed = time.Now()
	}
}

// SetStopped records the process exit for a session and fires OnExit.
func (r *Registry) SetStopped(id string, exitCode int) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	s.Status = StatusStopped
	s.ExitCode = exitCode
	hook := r.OnExit
	r.mu.Unlock()

	r.logger.Info("session exited", "id", id, "exitCode", exitCode)
	if hook != nil {
		hook(id, exitCode)
	}
}

// Destroy removes the session, drops its buffer snapshot and fires
// OnDestroy so the terminal layer can release its resources.
func (r *Registry) Destroy(id string) error {
	r.mu.Lock()
	if _, ok := r.sessions[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.sessions, id)
	hook := r.OnDestroy
	r.mu.Unlock()

	r.buffers.Remove(id)
	if hook != nil {
		hook(id)
	}
	r.logger.Info("session destroyed", "id", id)
	return nil
}

// SaveState stores a buffer snapshot for the session.
func (r *Registry) SaveState(id string, st buffer.State) error {
	if !r.Has(id) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	st.SessionID = id
	r.buffers.Save(st)
	return nil
}

// RestoreState returns the last saved buffer snapshot. A session that
// never saved anything yields its seeded empty snapshot.
func (r *Registry) RestoreState(id string) (buffer.State, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return buffer.State{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cols, rows := s.Cols, s.Rows
	r.mu.Unlock()

	st, ok := r.buffers.Get(id)
	if !ok {
		st = buffer.Empty(id, cols, rows)
	}
	return st, nil
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// All returns copies of every session, oldest first.
func (r *Registry) All() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, *s)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}

// ClearAll destroys every session and buffer, firing OnDestroy for
// each removed session.
func (r *Registry) ClearAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.sessions = make(map[string]*Session)
	hook := r.OnDestroy
	r.mu.Unlock()

	r.buffers.ClearAll()
	if hook != nil {
		for _, id := range ids {
			hook(id)
		}
	}
	r.logger.Info("registry cleared", "count", len(ids))
}
