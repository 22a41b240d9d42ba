// Package merge unions the audit-filtered and eBPF-summary streams into the
// single timeline consumers read. Rows are normalized to a common envelope
// with every per-source field folded under details, sorted deterministically
// on parsed time, and rewritten atomically so a reader never observes a
// torn file.
package merge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/luxrun/lux/internal/config"
	"github.com/luxrun/lux/internal/event"
)

// envelopeKeys are the merged row's common fields; everything else an input
// row carries moves into details. agent_owned is dropped outright — only
// owned rows reach this stage.
var envelopeKeys = map[string]bool{
	"schema_version": true,
	"session_id":     true,
	"job_id":         true,
	"ts":             true,
	"source":         true,
	"event_type":     true,
	"pid":            true,
	"ppid":           true,
	"uid":            true,
	"gid":            true,
	"comm":           true,
	"exe":            true,
	"agent_owned":    true,
}

// row pairs a normalized timeline row with its parsed sort keys.
type row struct {
	out    event.TimelineRow
	ts     time.Time
	source string
	pid    int
	hasPID bool
}

// Merge reads every input, normalizes each line, and returns the rows in
// ts_source_pid order: parsed time ascending, then source lexicographic,
// then pid ascending with missing pids last. Missing input files contribute
// nothing — upstream stages may not have produced output yet. Malformed
// lines are counted into malformed and skipped.
func Merge(inputs []config.MergeInput, schemaVersion string) (rows []event.TimelineRow, malformed int, err error) {
	var all []row
	for _, in := range inputs {
		raw, rerr := os.ReadFile(in.Path)
		if rerr != nil {
			if errors.Is(rerr, os.ErrNotExist) {
				continue
			}
			return nil, malformed, fmt.Errorf("merge: read input %q: %w", in.Path, rerr)
		}
		for _, line := range bytes.Split(raw, []byte("\n")) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			r, ok := normalize(line, in.Source, schemaVersion)
			if !ok {
				malformed++
				continue
			}
			all = append(all, r)
		}
	}

	sort.SliceStable(all, func(i, j int) bool { return less(all[i], all[j]) })

	rows = make([]event.TimelineRow, len(all))
	for i, r := range all {
		rows[i] = r.out
	}
	return rows, malformed, nil
}

// less implements the ts_source_pid strategy. Time comparison is on parsed
// values so nanosecond eBPF rows interleave correctly with millisecond
// audit rows.
func less(a, b row) bool {
	if !a.ts.Equal(b.ts) {
		return a.ts.Before(b.ts)
	}
	if a.source != b.source {
		return a.source < b.source
	}
	switch {
	case a.hasPID && !b.hasPID:
		return true
	case !a.hasPID && b.hasPID:
		return false
	}
	return a.pid < b.pid
}

// normalize decodes one input line into the common envelope + details
// split. Numbers are decoded as json.Number so detail values round-trip
// byte-exactly through the rewrite.
func normalize(line []byte, source, schemaVersion string) (row, bool) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return row{}, false
	}

	tsStr, _ := fields["ts"].(string)
	ts, err := event.ParseTS(tsStr)
	if err != nil {
		return row{}, false
	}

	out := event.TimelineRow{
		SchemaVersion: schemaVersion,
		SessionID:     str(fields, "session_id"),
		JobID:         str(fields, "job_id"),
		TS:            tsStr,
		Source:        source,
		EventType:     str(fields, "event_type"),
		Comm:          str(fields, "comm"),
		Exe:           str(fields, "exe"),
		Details:       make(map[string]any),
	}

	r := row{ts: ts, source: source}
	if pid, ok := intField(fields, "pid"); ok {
		out.PID = &pid
		r.pid = pid
		r.hasPID = true
	}
	if ppid, ok := intField(fields, "ppid"); ok {
		out.PPID = &ppid
	}
	if uid, ok := intField(fields, "uid"); ok {
		out.UID = &uid
	}
	if gid, ok := intField(fields, "gid"); ok {
		out.GID = &gid
	}

	for k, v := range fields {
		if !envelopeKeys[k] {
			out.Details[k] = v
		}
	}

	r.out = out
	return r, true
}

func str(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}

func intField(fields map[string]any, key string) (int, bool) {
	n, ok := fields[key].(json.Number)
	if !ok {
		return 0, false
	}
	v, err := n.Int64()
	if err != nil {
		return 0, false
	}
	return int(v), true
}

// WriteAtomic writes rows to path via a sibling temp file, fsync, and
// rename. The temp file is removed on every failure path so aborted
// rewrites leave no debris.
func WriteAtomic(path string, rows []event.TimelineRow) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("merge: create output dir %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("merge: create temp output: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	for _, r := range rows {
		line, merr := event.EncodeLine(r)
		if merr != nil {
			return merr
		}
		if _, werr := tmp.Write(line); werr != nil {
			return fmt.Errorf("merge: write temp output: %w", werr)
		}
	}
	if serr := tmp.Sync(); serr != nil {
		return fmt.Errorf("merge: sync temp output: %w", serr)
	}
	if cerr := tmp.Close(); cerr != nil {
		return fmt.Errorf("merge: close temp output: %w", cerr)
	}
	if rerr := os.Rename(tmp.Name(), path); rerr != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("merge: rename temp output over %q: %w", path, rerr)
	}
	return nil
}
