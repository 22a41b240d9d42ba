package tailer_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/luxrun/lux/internal/tailer"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// writeFile truncates path to content.
func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile(%q): %v", path, err)
	}
}

// appendFile appends content to path.
func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("OpenFile(%q): %v", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
}

// pollStrings polls and converts records to strings.
func pollStrings(t *testing.T, tl *tailer.Tailer) []string {
	t.Helper()
	recs, err := tl.Poll()
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = string(r)
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Basic record delivery
// ---------------------------------------------------------------------------

func TestPoll_MissingFileIsATick(t *testing.T) {
	tl := tailer.New(filepath.Join(t.TempDir(), "absent.log"), tailer.Cursor{})
	if got := pollStrings(t, tl); len(got) != 0 {
		t.Errorf("Poll on missing file = %v, want none", got)
	}
}

func TestPoll_DeliversCompleteLinesOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.log")
	writeFile(t, path, "one\ntwo\npar")

	tl := tailer.New(path, tailer.Cursor{})
	defer tl.Close()

	if got := pollStrings(t, tl); !equal(got, []string{"one", "two"}) {
		t.Fatalf("first Poll = %v, want [one two]", got)
	}

	// The partial line completes on a later poll.
	appendFile(t, path, "tial\nthree\n")
	if got := pollStrings(t, tl); !equal(got, []string{"partial", "three"}) {
		t.Fatalf("second Poll = %v, want [partial three]", got)
	}
}

func TestRemainder_SurfacesFinalUnterminatedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.log")
	writeFile(t, path, "one\nlast")

	tl := tailer.New(path, tailer.Cursor{})
	defer tl.Close()

	pollStrings(t, tl)
	if got := string(tl.Remainder()); got != "last" {
		t.Errorf("Remainder = %q, want %q", got, "last")
	}
	if got := tl.Remainder(); got != nil {
		t.Errorf("second Remainder = %q, want nil", got)
	}
}

// ---------------------------------------------------------------------------
// Rotation
// ---------------------------------------------------------------------------

func TestPoll_RotationReopensAtHead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	writeFile(t, path, "old-1\nold-2\n")

	tl := tailer.New(path, tailer.Cursor{})
	defer tl.Close()
	if got := pollStrings(t, tl); !equal(got, []string{"old-1", "old-2"}) {
		t.Fatalf("pre-rotation Poll = %v", got)
	}

	// Rotate: move the old file aside and create a fresh one.
	if err := os.Rename(path, filepath.Join(dir, "audit.log.1")); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	writeFile(t, path, "new-1\nnew-2\n")

	if got := pollStrings(t, tl); !equal(got, []string{"new-1", "new-2"}) {
		t.Errorf("post-rotation Poll = %v, want [new-1 new-2] (head must not be skipped)", got)
	}
}

func TestPoll_TruncationTreatedAsRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	writeFile(t, path, "aaaa\nbbbb\ncccc\n")

	tl := tailer.New(path, tailer.Cursor{})
	defer tl.Close()
	pollStrings(t, tl)

	// Truncate in place to something shorter than the cursor offset.
	writeFile(t, path, "x\n")
	if got := pollStrings(t, tl); !equal(got, []string{"x"}) {
		t.Errorf("post-truncation Poll = %v, want [x]", got)
	}
}

// ---------------------------------------------------------------------------
// Cursor resume
// ---------------------------------------------------------------------------

func TestCursor_ResumeSkipsConsumedRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.log")
	writeFile(t, path, "one\ntwo\n")

	tl := tailer.New(path, tailer.Cursor{})
	pollStrings(t, tl)
	cur := tl.Cursor()
	if err := tl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	appendFile(t, path, "three\n")

	resumed := tailer.New(path, cur)
	defer resumed.Close()
	if got := pollStrings(t, resumed); !equal(got, []string{"three"}) {
		t.Errorf("resumed Poll = %v, want [three] (no loss, no duplication)", got)
	}
}

func TestCursor_ResumeAfterRotationStartsAtHead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "in.log")
	writeFile(t, path, "old\n")

	tl := tailer.New(path, tailer.Cursor{})
	pollStrings(t, tl)
	cur := tl.Cursor()
	tl.Close()

	// Rotate while the stage is down. The old file stays on disk (as
	// rotated logs do), so the new one cannot reuse its inode.
	if err := os.Rename(path, path+".1"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	writeFile(t, path, "fresh\n")

	resumed := tailer.New(path, cur)
	defer resumed.Close()
	if got := pollStrings(t, resumed); !equal(got, []string{"fresh"}) {
		t.Errorf("resumed Poll = %v, want [fresh]", got)
	}
}

// ---------------------------------------------------------------------------
// Cursor store
// ---------------------------------------------------------------------------

func TestCursorStore_RoundTrip(t *testing.T) {
	store, err := tailer.OpenCursorStore(":memory:")
	if err != nil {
		t.Fatalf("OpenCursorStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if _, ok, err := store.Load("audit"); err != nil || ok {
		t.Fatalf("Load on empty store = ok=%v err=%v, want ok=false err=nil", ok, err)
	}

	want := tailer.Cursor{Inode: 12345, Offset: 6789}
	if err := store.Save("audit", want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, ok, err := store.Load("audit")
	if err != nil || !ok {
		t.Fatalf("Load = ok=%v err=%v", ok, err)
	}
	if got != want {
		t.Errorf("Load = %+v, want %+v", got, want)
	}

	// Upsert overwrites.
	want2 := tailer.Cursor{Inode: 12345, Offset: 9999}
	if err := store.Save("audit", want2); err != nil {
		t.Fatalf("Save (update): %v", err)
	}
	got, _, _ = store.Load("audit")
	if got != want2 {
		t.Errorf("Load after update = %+v, want %+v", got, want2)
	}
}

func TestCursorStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursors.db")

	store, err := tailer.OpenCursorStore(path)
	if err != nil {
		t.Fatalf("OpenCursorStore: %v", err)
	}
	want := tailer.Cursor{Inode: 7, Offset: 42}
	if err := store.Save("ebpf", want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := tailer.OpenCursorStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, ok, err := reopened.Load("ebpf")
	if err != nil || !ok {
		t.Fatalf("Load after reopen = ok=%v err=%v", ok, err)
	}
	if got != want {
		t.Errorf("Load after reopen = %+v, want %+v", got, want)
	}
}
