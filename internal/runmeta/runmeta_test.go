package runmeta_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/luxrun/lux/internal/runmeta"
)

// writeMarker creates <dir>/<owner>/<file> with content.
func writeMarker(t *testing.T, dir, owner, file, content string) {
	t.Helper()
	ownerDir := filepath.Join(dir, owner)
	if err := os.MkdirAll(ownerDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(ownerDir, file), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestLoad_MissingDirsYieldNoRoots(t *testing.T) {
	l := runmeta.NewLoader(
		filepath.Join(t.TempDir(), "absent-sessions"),
		filepath.Join(t.TempDir(), "absent-jobs"),
	)
	roots, err := l.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(roots) != 0 {
		t.Errorf("Load = %v, want none", roots)
	}
}

func TestLoad_SessionAndJobMarkers(t *testing.T) {
	sessions := t.TempDir()
	jobs := t.TempDir()
	writeMarker(t, sessions, "session_20260122_001630_de71", "meta.json",
		`{"root_pid": 956, "root_sid": 956, "started_at": "2026-01-22T00:16:30Z"}`)
	writeMarker(t, jobs, "job_0007", "status.json",
		`{"root_pid": 2101, "root_sid": 2101, "started_at": "2026-01-22T00:20:00Z", "ended_at": "2026-01-22T00:21:00Z"}`)

	roots, err := runmeta.NewLoader(sessions, jobs).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(roots) != 2 {
		t.Fatalf("Load returned %d roots, want 2", len(roots))
	}

	byID := map[string]runmeta.Root{}
	for _, r := range roots {
		byID[r.ID] = r
	}

	s := byID["session_20260122_001630_de71"]
	if s.Kind != runmeta.KindSession || s.PID != 956 || s.SID != 956 {
		t.Errorf("session root = %+v", s)
	}
	if !s.Usable() || !s.HasSID() {
		t.Errorf("session root Usable/HasSID = %v/%v, want true/true", s.Usable(), s.HasSID())
	}
	if !s.EndedAt.IsZero() {
		t.Errorf("session EndedAt = %v, want zero", s.EndedAt)
	}

	j := byID["job_0007"]
	if j.Kind != runmeta.KindJob || j.PID != 2101 {
		t.Errorf("job root = %+v", j)
	}
	if j.EndedAt.IsZero() {
		t.Error("job EndedAt is zero, want set")
	}
}

func TestLoad_PidOnlyMarkerIsUsableWithoutSID(t *testing.T) {
	sessions := t.TempDir()
	writeMarker(t, sessions, "s1", "meta.json",
		`{"root_pid": 956, "started_at": "2026-01-22T00:16:30Z"}`)

	roots, err := runmeta.NewLoader(sessions, "").Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(roots) != 1 {
		t.Fatalf("Load returned %d roots, want 1", len(roots))
	}
	if !roots[0].Usable() {
		t.Error("pid-only root not Usable, want usable")
	}
	if roots[0].HasSID() {
		t.Error("pid-only root HasSID = true, want false")
	}
}

func TestLoad_JobWithoutStatusFileIsSkipped(t *testing.T) {
	jobs := t.TempDir()
	// input.json exists but status.json (which carries the markers) does not.
	writeMarker(t, jobs, "job_0001", "input.json", `{"prompt": "do things"}`)

	roots, err := runmeta.NewLoader("", jobs).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(roots) != 0 {
		t.Errorf("Load = %v, want none until status.json appears", roots)
	}
}

func TestLoad_StringTypedPidIsMalformed(t *testing.T) {
	sessions := t.TempDir()
	writeMarker(t, sessions, "bad", "meta.json",
		`{"root_pid": "956", "started_at": "2026-01-22T00:16:30Z"}`)
	writeMarker(t, sessions, "good", "meta.json",
		`{"root_pid": 956, "started_at": "2026-01-22T00:16:30Z"}`)

	l := runmeta.NewLoader(sessions, "")
	roots, err := l.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(roots) != 1 || roots[0].ID != "good" {
		t.Errorf("Load = %v, want only the well-typed marker", roots)
	}
	if l.Malformed != 1 {
		t.Errorf("Malformed = %d, want 1", l.Malformed)
	}
}
