package buffer

import (
	"log/slog"
	"slices"
	"sync"
)

// Store owns every session's scrollback state, keyed by session id.
// Save enforces the line/byte caps; lookups are O(1). All methods are safe
// for concurrent use.
type Store struct {
	mu     sync.Mutex
	states map[string]State
	logger *slog.Logger
}

func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		states: make(map[string]State),
		logger: logger,
	}
}

// Save validates st against the caps, trims it if needed, and stores it under
// st.SessionID, overwriting any prior entry. A state already within bounds is
// stored as given (idempotent); SizeBytes is normalized to len(Content) so
// the stored record is always self-consistent. Never fails.
func (st *Store) Save(state State) {
	before := len(state.Scrollback)
	state = Trim(state)
	state.SizeBytes = len(state.Content)

	st.mu.Lock()
	// clone so later append growth in the caller's slice cannot alias the
	// stored scrollback
	state.Scrollback = slices.Clone(state.Scrollback)
	st.states[state.SessionID] = state
	st.mu.Unlock()

	if dropped := before - len(state.Scrollback); dropped > 0 {
		st.logger.Debug("scrollback trimmed",
			"session", state.SessionID,
			"dropped", dropped,
			"lines", len(state.Scrollback),
			"bytes", state.SizeBytes)
	}
}

func (st *Store) Get(sessionID string) (State, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.states[sessionID]
	return s, ok
}

func (st *Store) Has(sessionID string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	_, ok := st.states[sessionID]
	return ok
}

func (st *Store) Remove(sessionID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.states, sessionID)
}

func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.states)
}

// TotalMemoryUsage sums SizeBytes across all stored states. Advisory only;
// it is read by the memory monitor and never gates a save.
func (st *Store) TotalMemoryUsage() int64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	var total int64
	for _, s := range st.states {
		total += int64(s.SizeBytes)
	}
	return total
}

func (st *Store) ClearAll() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.states = make(map[string]State)
}
