package session

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/notch-ai/autosteer/internal/buffer"
)

func newTestRegistry() *Registry {
	return NewRegistry(Config{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestCreate_AssignsIDAndSeedsBuffer(t *testing.T) {
	r := newTestRegistry()
	s, err := r.Create(Descriptor{Name: "build", WorkingDir: "/tmp"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(s.ID, "s_") {
		t.Fatalf("unexpected id %q", s.ID)
	}
	if s.Status != StatusRunning {
		t.Fatalf("expected running status, got %q", s.Status)
	}
	if s.Cols != 80 || s.Rows != 24 {
		t.Fatalf("expected default 80x24, got %dx%d", s.Cols, s.Rows)
	}
	if s.CreatedAt.IsZero() || !s.LastAccessed.Equal(s.CreatedAt) {
		t.Fatal("expected createdAt and lastAccessed set together")
	}
	if !r.Buffers().Has(s.ID) {
		t.Fatal("expected a seeded buffer snapshot")
	}
}

func TestCreate_HonorsDescriptorDimensions(t *testing.T) {
	r := newTestRegistry()
	s, err := r.Create(Descriptor{WorkingDir: "/tmp", ContextID: "tab-1", Cols: 132, Rows: 43})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.Cols != 132 || s.Rows != 43 {
		t.Fatalf("expected 132x43, got %dx%d", s.Cols, s.Rows)
	}
	if s.ContextID != "tab-1" {
		t.Fatalf("expected context id carried over, got %q", s.ContextID)
	}

	st, err := r.RestoreState(s.ID)
	if err != nil {
		t.Fatalf("restore state: %v", err)
	}
	if st.Cols != 132 || st.Rows != 43 {
		t.Fatalf("expected seeded snapshot at 132x43, got %dx%d", st.Cols, st.Rows)
	}
}

func TestSetDims_UpdatesRecord(t *testing.T) {
	r := newTestRegistry()
	s, _ := r.Create(Descriptor{WorkingDir: "/tmp"})

	time.Sleep(2 * time.Millisecond)
	r.SetDims(s.ID, 100, 30)

	got, _ := r.Get(s.ID)
	if got.Cols != 100 || got.Rows != 30 {
		t.Fatalf("expected 100x30, got %dx%d", got.Cols, got.Rows)
	}
	if !got.LastAccessed.After(s.LastAccessed) {
		t.Fatal("expected dimension change to bump lastAccessed")
	}

	// unknown ids are ignored
	r.SetDims("s_missing", 1, 1)
}

func TestCreate_DefaultsNameToID(t *testing.T) {
	r := newTestRegistry()
	s, err := r.Create(Descriptor{WorkingDir: "/tmp"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.Name != s.ID {
		t.Fatalf("expected name to default to id, got %q", s.Name)
	}
}

func TestCreate_RejectsEleventhSession(t *testing.T) {
	r := newTestRegistry()
	for i := 0; i < MaxSessions; i++ {
		if _, err := r.Create(Descriptor{WorkingDir: "/tmp"}); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	_, err := r.Create(Descriptor{WorkingDir: "/tmp"})
	if !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}
	if !strings.Contains(err.Error(), "10") {
		t.Fatalf("expected the limit in the error, got %q", err)
	}
	if r.Count() != MaxSessions {
		t.Fatalf("expected count to stay at %d, got %d", MaxSessions, r.Count())
	}
}

func TestUpdate_BumpsLastAccessed(t *testing.T) {
	r := newTestRegistry()
	s, _ := r.Create(Descriptor{Name: "before", WorkingDir: "/tmp"})

	time.Sleep(2 * time.Millisecond)
	name := "after"
	got, err := r.Update(s.ID, Patch{Name: &name})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Name != "after" {
		t.Fatalf("expected renamed session, got %q", got.Name)
	}
	if got.WorkingDir != "/tmp" {
		t.Fatal("nil patch field must leave the value untouched")
	}
	if !got.LastAccessed.After(s.LastAccessed) {
		t.Fatal("expected update to bump lastAccessed")
	}
}

func TestUpdate_UnknownSession(t *testing.T) {
	r := newTestRegistry()
	if _, err := r.Update("s_missing", Patch{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTouch_BumpsLastAccessed(t *testing.T) {
	r := newTestRegistry()
	s, _ := r.Create(Descriptor{WorkingDir: "/tmp"})

	time.Sleep(2 * time.Millisecond)
	r.Touch(s.ID)
	got, _ := r.Get(s.ID)
	if !got.LastAccessed.After(s.LastAccessed) {
		t.Fatal("expected touch to bump lastAccessed")
	}
}

func TestDestroy_CascadesToBufferAndHook(t *testing.T) {
	r := newTestRegistry()
	var destroyed []string
	r.OnDestroy = func(id string) { destroyed = append(destroyed, id) }

	s, _ := r.Create(Descriptor{WorkingDir: "/tmp"})
	if err := r.SaveState(s.ID, buffer.NewState(s.ID, []string{"output"}, 0, 0, 80, 24)); err != nil {
		t.Fatalf("save state: %v", err)
	}

	if err := r.Destroy(s.ID); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if r.Has(s.ID) {
		t.Fatal("expected session to be gone")
	}
	if r.Buffers().Has(s.ID) {
		t.Fatal("expected buffer snapshot to be removed with the session")
	}
	if len(destroyed) != 1 || destroyed[0] != s.ID {
		t.Fatalf("expected OnDestroy(%q), got %v", s.ID, destroyed)
	}
}

func TestDestroy_UnknownSession(t *testing.T) {
	r := newTestRegistry()
	if err := r.Destroy("s_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveState_RoundTripsThroughRestore(t *testing.T) {
	r := newTestRegistry()
	s, _ := r.Create(Descriptor{WorkingDir: "/tmp"})

	st := buffer.NewState("ignored", []string{"one", "two"}, 3, 1, 120, 40)
	if err := r.SaveState(s.ID, st); err != nil {
		t.Fatalf("save state: %v", err)
	}

	got, err := r.RestoreState(s.ID)
	if err != nil {
		t.Fatalf("restore state: %v", err)
	}
	if got.SessionID != s.ID {
		t.Fatalf("expected snapshot rekeyed to %q, got %q", s.ID, got.SessionID)
	}
	if got.Content != "one\ntwo" {
		t.Fatalf("unexpected content %q", got.Content)
	}
	if got.Cols != 120 || got.Rows != 40 {
		t.Fatalf("unexpected dimensions %dx%d", got.Cols, got.Rows)
	}
}

func TestRestoreState_FreshSessionYieldsSeededSnapshot(t *testing.T) {
	r := newTestRegistry()
	s, _ := r.Create(Descriptor{WorkingDir: "/tmp"})

	got, err := r.RestoreState(s.ID)
	if err != nil {
		t.Fatalf("restore state: %v", err)
	}
	if got.Content != "" || got.Cols != 80 || got.Rows != 24 {
		t.Fatalf("expected empty 80x24 snapshot, got %q %dx%d", got.Content, got.Cols, got.Rows)
	}
}

func TestRestoreState_UnknownSession(t *testing.T) {
	r := newTestRegistry()
	if _, err := r.RestoreState("s_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := r.SaveState("s_missing", buffer.State{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetStopped_FiresOnExit(t *testing.T) {
	r := newTestRegistry()
	var gotID string
	var gotCode int
	r.OnExit = func(id string, exitCode int) {
		gotID = id
		gotCode = exitCode
	}

	s, _ := r.Create(Descriptor{WorkingDir: "/tmp"})
	r.SetStopped(s.ID, 137)

	got, _ := r.Get(s.ID)
	if got.Status != StatusStopped || got.ExitCode != 137 {
		t.Fatalf("expected stopped with code 137, got %q %d", got.Status, got.ExitCode)
	}
	if gotID != s.ID || gotCode != 137 {
		t.Fatalf("expected OnExit(%q, 137), got (%q, %d)", s.ID, gotID, gotCode)
	}
}

func TestClearAll_RemovesEverything(t *testing.T) {
	r := newTestRegistry()
	var destroyed int
	r.OnDestroy = func(string) { destroyed++ }

	r.Create(Descriptor{WorkingDir: "/tmp"})
	r.Create(Descriptor{WorkingDir: "/tmp"})

	r.ClearAll()
	if r.Count() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Count())
	}
	if r.Buffers().Len() != 0 {
		t.Fatal("expected buffer store to be cleared")
	}
	if destroyed != 2 {
		t.Fatalf("expected OnDestroy for both sessions, got %d", destroyed)
	}
}

func TestAll_OldestFirst(t *testing.T) {
	r := newTestRegistry()
	first, _ := r.Create(Descriptor{Name: "first", WorkingDir: "/tmp"})
	time.Sleep(2 * time.Millisecond)
	second, _ := r.Create(Descriptor{Name: "second", WorkingDir: "/tmp"})

	all := r.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(all))
	}
	if all[0].ID != first.ID || all[1].ID != second.ID {
		t.Fatal("expected sessions ordered oldest first")
	}
}
