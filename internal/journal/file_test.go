package journal

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "warden/pkg/logx"
)

func mkEntry(i int, at time.Time) Entry {
	return Entry{
		At:       at,
		Kind:     "task.completed",
		RunID:    "run-" + string(rune('a'+i)),
		Task:     "backup",
		Attempt:  i + 1,
		Duration: time.Duration(i+1) * time.Millisecond,
	}
}

func TestOpenDriverSelection(t *testing.T) {
	for _, driver := range []string{"", "none", "  None  "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%q) err = %v, want nil", driver, err)
		}
		if st != nil {
			t.Fatalf("Open(%q) = %v, want nil store", driver, st)
		}
	}
	if _, err := Open(Config{Driver: "bogus"}, logx.Nop()); err == nil {
		t.Fatal("Open(bogus) err = nil, want error")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("Open(file) without path err = nil, want error")
	}
}

func TestFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal", "runs.jsonl")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	base := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
	for i := 0; i < 5; i++ {
		if err := st.Append(context.Background(), mkEntry(i, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}

	got, err := st.Recent(context.Background(), 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Recent len = %d, want 3", len(got))
	}
	if got[0].RunID != "run-e" || got[2].RunID != "run-c" {
		t.Fatalf("Recent order = %q..%q, want newest first run-e..run-c", got[0].RunID, got[2].RunID)
	}
	want := mkEntry(4, base.Add(4*time.Second))
	if !got[0].At.Equal(want.At) || got[0].Attempt != want.Attempt ||
		got[0].Duration != want.Duration || got[0].Task != want.Task {
		t.Fatalf("Recent[0] = %+v, want %+v", got[0], want)
	}

	// Entries survive a close/reopen cycle.
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	got, err = st.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent after reopen: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("Recent after reopen len = %d, want 5", len(got))
	}
}

func TestFilePruneRewrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.jsonl")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	now := time.Now()
	for i, age := range []time.Duration{48 * time.Hour, 36 * time.Hour, 2 * time.Hour, time.Hour} {
		if err := st.Append(context.Background(), mkEntry(i, now.Add(-age))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	removed, err := st.Prune(context.Background(), now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 2 {
		t.Fatalf("Prune removed = %d, want 2", removed)
	}
	got, err := st.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("after prune len = %d, want 2", len(got))
	}

	// The append handle must follow the rewrite.
	if err := st.Append(context.Background(), mkEntry(9, now)); err != nil {
		t.Fatalf("Append after prune: %v", err)
	}
	got, _ = st.Recent(context.Background(), 10)
	if len(got) != 3 {
		t.Fatalf("after post-prune append len = %d, want 3", len(got))
	}

	removed, err = st.Prune(context.Background(), now.Add(-24*time.Hour))
	if err != nil || removed != 0 {
		t.Fatalf("second Prune = (%d, %v), want (0, nil)", removed, err)
	}
}

func TestFileSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.jsonl")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	if err := st.Append(context.Background(), mkEntry(0, time.Now())); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Simulate a torn write between valid records.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	if _, err := f.WriteString("{\"at\": not json\n"); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	_ = f.Close()

	if err := st.Append(context.Background(), mkEntry(1, time.Now())); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := st.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent len = %d, want 2 valid entries", len(got))
	}
}
