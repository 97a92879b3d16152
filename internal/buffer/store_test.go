package buffer

import (
	"log/slog"
	"testing"
)

func newTestStore() *Store {
	return NewStore(slog.Default())
}

func TestSave_WithinBoundsIsIdempotent(t *testing.T) {
	st := newTestStore()
	state := NewState("s_1", []string{"one", "two", "three"}, 5, 2, 80, 24)

	st.Save(state)
	first, ok := st.Get("s_1")
	if !ok {
		t.Fatal("expected state after save")
	}

	st.Save(first)
	second, _ := st.Get("s_1")

	if second.Content != state.Content {
		t.Fatalf("content changed across saves: %q -> %q", state.Content, second.Content)
	}
	if len(second.Scrollback) != 3 || second.Scrollback[0] != "one" {
		t.Fatal("scrollback changed across saves")
	}
	if !second.Timestamp.Equal(first.Timestamp) {
		t.Fatal("timestamp changed for a within-bounds re-save")
	}
}

func TestSave_LastWriteWins(t *testing.T) {
	st := newTestStore()
	st.Save(NewState("s_1", []string{"old"}, 0, 0, 80, 24))
	st.Save(NewState("s_1", []string{"new"}, 0, 0, 80, 24))

	got, _ := st.Get("s_1")
	if got.Content != "new" {
		t.Fatalf("expected last write to win, got %q", got.Content)
	}
	if st.Len() != 1 {
		t.Fatalf("expected a single entry, got %d", st.Len())
	}
}

func TestSave_TrimsBeforeStoring(t *testing.T) {
	st := newTestStore()
	st.Save(NewState("s_1", numberedLines(15_000), 0, 0, 80, 24))

	got, ok := st.Get("s_1")
	if !ok {
		t.Fatal("expected state after save")
	}
	if len(got.Scrollback) != MaxLines {
		t.Fatalf("expected %d stored lines, got %d", MaxLines, len(got.Scrollback))
	}
	if got.Scrollback[0] != "Line 5001" {
		t.Fatalf("expected oldest stored line %q, got %q", "Line 5001", got.Scrollback[0])
	}
}

func TestSave_DoesNotAliasCallerSlice(t *testing.T) {
	st := newTestStore()
	lines := []string{"one", "two"}
	st.Save(NewState("s_1", lines, 0, 0, 80, 24))

	lines[0] = "mutated"
	got, _ := st.Get("s_1")
	if got.Scrollback[0] != "one" {
		t.Fatal("stored scrollback aliases the caller's slice")
	}
}

func TestGet_UnknownSessionReportsMissing(t *testing.T) {
	st := newTestStore()
	if _, ok := st.Get("s_missing"); ok {
		t.Fatal("expected missing state for unknown session")
	}
	if st.Has("s_missing") {
		t.Fatal("expected Has to report false for unknown session")
	}
}

func TestRemove_ForgetsSession(t *testing.T) {
	st := newTestStore()
	st.Save(NewState("s_1", []string{"line"}, 0, 0, 80, 24))

	st.Remove("s_1")
	if st.Has("s_1") {
		t.Fatal("expected state to be gone after remove")
	}
	// removing twice is harmless
	st.Remove("s_1")
}

func TestTotalMemoryUsage_SumsStoredSizes(t *testing.T) {
	st := newTestStore()
	st.Save(NewState("s_1", []string{"aaaa"}, 0, 0, 80, 24))
	st.Save(NewState("s_2", []string{"bb", "cc"}, 0, 0, 80, 24))

	// "aaaa" is 4 bytes; "bb\ncc" is 5
	if got := st.TotalMemoryUsage(); got != 9 {
		t.Fatalf("expected 9 bytes total, got %d", got)
	}
}

func TestClearAll_EmptiesStore(t *testing.T) {
	st := newTestStore()
	st.Save(NewState("s_1", []string{"line"}, 0, 0, 80, 24))
	st.Save(NewState("s_2", []string{"line"}, 0, 0, 80, 24))

	st.ClearAll()
	if st.Len() != 0 {
		t.Fatalf("expected empty store, got %d entries", st.Len())
	}
	if st.TotalMemoryUsage() != 0 {
		t.Fatal("expected zero usage after clear")
	}
}
