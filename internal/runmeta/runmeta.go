// Package runmeta loads the per-session and per-job markers the harness
// persists under a run directory. The markers anchor attribution: each one
// names the root PID and Linux session id of a harness-launched process
// tree.
//
// Markers are written best-effort by the harness and may be incomplete for
// a while — a job's status.json can appear seconds after its input.json,
// and root_pid/root_sid can land after started_at. The loader therefore
// tolerates missing files and missing fields, and is re-run on a cadence so
// owners born into a live pipeline are picked up.
package runmeta

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// OwnerKind discriminates the two owner flavours a run can contain.
type OwnerKind string

const (
	// KindSession is an interactive TUI invocation.
	KindSession OwnerKind = "session"
	// KindJob is a non-interactive prompt invocation.
	KindJob OwnerKind = "job"
)

// Root is one attribution anchor: a session or job with its observed root
// process identifiers.
type Root struct {
	// Kind is session or job.
	Kind OwnerKind
	// ID is the session or job id (the marker directory name).
	ID string
	// PID is the namespaced root PID; 0 while the harness has not written
	// it yet.
	PID int
	// SID is the Linux session id of the root process; 0 while unknown.
	SID int
	// StartedAt is when the owner began.
	StartedAt time.Time
	// EndedAt is when the owner finished; zero while running. Advisory
	// only: events after EndedAt still attribute, so a late flush at
	// shutdown does not orphan its rows.
	EndedAt time.Time
}

// Usable reports whether the root can anchor PID-based attribution yet.
func (r Root) Usable() bool { return r.PID != 0 }

// HasSID reports whether SID-fallback attribution can fire for this root.
func (r Root) HasSID() bool { return r.SID != 0 }

// marker is the wire shape shared by session meta.json and job status.json.
// root_pid and root_sid must be JSON numbers; a marker carrying strings is
// malformed and the whole file is skipped.
type marker struct {
	RootPID   *int   `json:"root_pid"`
	RootSID   *int   `json:"root_sid"`
	StartedAt string `json:"started_at"`
	EndedAt   string `json:"ended_at"`
}

// Loader scans a run's sessions and jobs directories into Roots.
type Loader struct {
	sessionsDir string
	jobsDir     string

	// Malformed counts marker files skipped because they could not be
	// decoded. No stage reads it: it is neither logged nor exported on
	// /metrics.
	Malformed int
}

// NewLoader returns a Loader over the two marker directories. Either may be
// empty or nonexistent (collector-only runs have no harness metadata).
func NewLoader(sessionsDir, jobsDir string) *Loader {
	return &Loader{sessionsDir: sessionsDir, jobsDir: jobsDir}
}

// Load scans both directories and returns every decodable root. A missing
// directory contributes no roots and no error.
func (l *Loader) Load() ([]Root, error) {
	var roots []Root

	sessions, err := l.scanDir(l.sessionsDir, KindSession, "meta.json")
	if err != nil {
		return nil, err
	}
	roots = append(roots, sessions...)

	jobs, err := l.scanDir(l.jobsDir, KindJob, "status.json")
	if err != nil {
		return nil, err
	}
	roots = append(roots, jobs...)

	return roots, nil
}

// scanDir reads <dir>/<owner_id>/<markerFile> for every subdirectory.
func (l *Loader) scanDir(dir string, kind OwnerKind, markerFile string) ([]Root, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("runmeta: read %s dir %q: %w", kind, dir, err)
	}

	var roots []Root
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name(), markerFile)
		raw, err := os.ReadFile(path)
		if err != nil {
			// Marker not written yet; the owner exists but is not usable.
			continue
		}
		var m marker
		if err := json.Unmarshal(raw, &m); err != nil {
			l.Malformed++
			continue
		}
		r := Root{Kind: kind, ID: e.Name()}
		if m.RootPID != nil {
			r.PID = *m.RootPID
		}
		if m.RootSID != nil {
			r.SID = *m.RootSID
		}
		if m.StartedAt != "" {
			ts, err := time.Parse(time.RFC3339, m.StartedAt)
			if err != nil {
				l.Malformed++
				continue
			}
			r.StartedAt = ts.UTC()
		}
		if m.EndedAt != "" {
			ts, err := time.Parse(time.RFC3339, m.EndedAt)
			if err != nil {
				l.Malformed++
				continue
			}
			r.EndedAt = ts.UTC()
		}
		roots = append(roots, r)
	}
	return roots, nil
}
