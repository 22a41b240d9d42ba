// Package reconcile derives per-session and per-job timeline snapshots from
// the merged timeline. The merged file is rewritten non-monotonically by
// the merger, so one filtering pass can observe a shrinking or reordered
// snapshot; the reconciler re-filters until an owner's row count is stable
// across two consecutive passes.
package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/luxrun/lux/internal/config"
	"github.com/luxrun/lux/internal/runmeta"
)

// snapshotName is the per-owner timeline file written next to the owner's
// markers.
const snapshotName = "timeline.jsonl"

// ownerRef is one reconciliation target.
type ownerRef struct {
	kind runmeta.OwnerKind
	id   string
	dir  string
}

// Reconciler filters the merged timeline into per-owner snapshots.
type Reconciler struct {
	cfg    *config.Reconciler
	logger *slog.Logger

	// sleep is swappable in tests; defaults to time.Sleep.
	sleep func(time.Duration)
}

// New returns a Reconciler for cfg.
func New(cfg *config.Reconciler, logger *slog.Logger) *Reconciler {
	return &Reconciler{cfg: cfg, logger: logger, sleep: time.Sleep}
}

// SetSleepForTest replaces the inter-pass sleep. Tests use it to rewrite
// the merged file between passes without waiting in real time.
func (r *Reconciler) SetSleepForTest(fn func(time.Duration)) { r.sleep = fn }

// ReconcileAll snapshots every owner found under the configured marker
// directories.
func (r *Reconciler) ReconcileAll(ctx context.Context) error {
	owners, err := r.owners()
	if err != nil {
		return err
	}
	for _, o := range owners {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := r.reconcileOwner(o); err != nil {
			return err
		}
	}
	return nil
}

// owners lists reconciliation targets: one per marker subdirectory.
func (r *Reconciler) owners() ([]ownerRef, error) {
	var out []ownerRef
	for _, root := range []struct {
		dir  string
		kind runmeta.OwnerKind
	}{
		{r.cfg.SessionsDir, runmeta.KindSession},
		{r.cfg.JobsDir, runmeta.KindJob},
	} {
		if root.dir == "" {
			continue
		}
		entries, err := os.ReadDir(root.dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("reconcile: read %s dir %q: %w", root.kind, root.dir, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				out = append(out, ownerRef{
					kind: root.kind,
					id:   e.Name(),
					dir:  filepath.Join(root.dir, e.Name()),
				})
			}
		}
	}
	return out, nil
}

// reconcileOwner filters the merged file for one owner until the row count
// is stable across two consecutive passes (or passes run out), then writes
// the snapshot atomically.
func (r *Reconciler) reconcileOwner(o ownerRef) error {
	interval := time.Duration(r.cfg.ReconcileIntervalSec * float64(time.Second))

	var lines [][]byte
	prevCount := -1
	for pass := 0; pass < r.cfg.ReconcilePasses; pass++ {
		if pass > 0 {
			r.sleep(interval)
		}
		var err error
		lines, err = r.filterOwner(o)
		if err != nil {
			return err
		}
		if len(lines) == prevCount {
			break
		}
		prevCount = len(lines)
	}

	r.logger.Debug("owner reconciled",
		slog.String("kind", string(o.kind)),
		slog.String("id", o.id),
		slog.Int("rows", len(lines)),
	)
	return writeSnapshot(filepath.Join(o.dir, snapshotName), lines)
}

// filterOwner returns the merged rows belonging to o, verbatim. Sessions
// match on session_id; jobs match on job_id (their session_id is the
// "unknown" placeholder).
func (r *Reconciler) filterOwner(o ownerRef) ([][]byte, error) {
	raw, err := os.ReadFile(r.cfg.Input.JSONL)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil // merger has not produced output yet
		}
		return nil, fmt.Errorf("reconcile: read merged timeline %q: %w", r.cfg.Input.JSONL, err)
	}

	var keep [][]byte
	for _, line := range bytes.Split(raw, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ids struct {
			SessionID string `json:"session_id"`
			JobID     string `json:"job_id"`
		}
		if err := json.Unmarshal(line, &ids); err != nil {
			continue // merged rows are trusted; a torn read shows up as short count
		}
		switch o.kind {
		case runmeta.KindSession:
			if ids.SessionID == o.id {
				keep = append(keep, line)
			}
		case runmeta.KindJob:
			if ids.JobID == o.id {
				keep = append(keep, line)
			}
		}
	}
	return keep, nil
}

// writeSnapshot writes lines to path with the merger's temp-and-rename
// pattern.
func writeSnapshot(path string, lines [][]byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), snapshotName+".tmp-*")
	if err != nil {
		return fmt.Errorf("reconcile: create temp snapshot: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	for _, line := range lines {
		if _, werr := tmp.Write(append(line, '\n')); werr != nil {
			return fmt.Errorf("reconcile: write temp snapshot: %w", werr)
		}
	}
	if serr := tmp.Sync(); serr != nil {
		return fmt.Errorf("reconcile: sync temp snapshot: %w", serr)
	}
	if cerr := tmp.Close(); cerr != nil {
		return fmt.Errorf("reconcile: close temp snapshot: %w", cerr)
	}
	if rerr := os.Rename(tmp.Name(), path); rerr != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("reconcile: rename snapshot over %q: %w", path, rerr)
	}
	return nil
}
