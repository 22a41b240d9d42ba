// Package tailer follows a growing, possibly rotated file as a sequence of
// newline-delimited records. It is the shared input primitive of every
// collector stage: the raw audit log and the raw eBPF stream are both
// rotated at their producers' discretion, and a stage restart must be able
// to resume exactly where the previous process stopped.
//
// The tailer never watches the filesystem; it polls. An empty poll is a
// tick, not a failure, and a missing file simply means the producer has not
// started yet.
package tailer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
)

// Mode selects how a stage consumes its input.
type Mode string

const (
	// Oneshot drains the file to end-of-file once and stops.
	Oneshot Mode = "oneshot"
	// Follow keeps polling the file for new records until cancelled.
	Follow Mode = "follow"
)

// ParseMode converts a CLI mode string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case Oneshot, Follow:
		return Mode(s), nil
	}
	return "", fmt.Errorf("tailer: unknown mode %q (want %q or %q)", s, Oneshot, Follow)
}

// Cursor is the resumable position within a stream: the inode of the file
// the offset refers to, and the byte offset of the next unread record.
type Cursor struct {
	Inode  uint64 `json:"inode"`
	Offset int64  `json:"offset"`
}

// Tailer reads complete newline-terminated records from one file.
//
// Rotation handling: if the inode under the path changes, or the file
// shrinks below the cursor offset (truncate-in-place rotation), the tailer
// reopens the new file at offset zero so no records at the head of the new
// file are skipped.
//
// Tailer is not safe for concurrent use; each stage drives its tailers from
// a single loop.
type Tailer struct {
	path string

	file    *os.File
	cursor  Cursor
	partial []byte // bytes after the last newline, carried across polls
}

// New returns a Tailer for path, positioned at resume. A zero Cursor starts
// from the beginning of whatever file currently exists.
func New(path string, resume Cursor) *Tailer {
	return &Tailer{path: path, cursor: resume}
}

// Cursor returns the current resumable position. The offset accounts only
// for fully-consumed records: a partial trailing line is re-read on resume.
func (t *Tailer) Cursor() Cursor { return t.cursor }

// Close releases the underlying file handle. The Tailer may be used again
// after Close; the next Poll reopens the file.
func (t *Tailer) Close() error {
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}

// Poll reads every complete record currently available and returns them in
// order. A nil slice means no new records; that is a tick, not an error.
// Rotation is detected and recovered inside Poll and is never surfaced as
// an error.
func (t *Tailer) Poll() ([][]byte, error) {
	if err := t.ensureOpen(); err != nil {
		return nil, err
	}
	if t.file == nil {
		return nil, nil // file does not exist yet
	}

	rotated, err := t.detectRotation()
	if err != nil {
		return nil, err
	}
	if rotated {
		if err := t.reopen(); err != nil {
			return nil, err
		}
		if t.file == nil {
			return nil, nil
		}
	}

	buf, err := io.ReadAll(t.file)
	if err != nil {
		return nil, fmt.Errorf("tailer: read %q: %w", t.path, err)
	}
	if len(buf) == 0 {
		return nil, nil
	}

	data := buf
	if len(t.partial) > 0 {
		data = append(t.partial, buf...)
		t.partial = nil
	}

	var records [][]byte
	for {
		nl := bytes.IndexByte(data, '\n')
		if nl < 0 {
			break
		}
		line := data[:nl]
		data = data[nl+1:]
		t.cursor.Offset += int64(len(line)) + 1
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		records = append(records, line)
	}
	if len(data) > 0 {
		t.partial = append([]byte(nil), data...)
	}
	return records, nil
}

// Remainder returns any final unterminated line. Oneshot callers invoke it
// once at end-of-file; follow callers never do (the line's newline will
// arrive).
func (t *Tailer) Remainder() []byte {
	if len(t.partial) == 0 {
		return nil
	}
	rec := t.partial
	t.cursor.Offset += int64(len(rec))
	t.partial = nil
	if len(bytes.TrimSpace(rec)) == 0 {
		return nil
	}
	return rec
}

// ensureOpen opens the file if it is not open, seeking to the cursor offset
// when resuming into the same inode, or to zero when the inode differs from
// the cursor's (the file was rotated while the stage was down).
func (t *Tailer) ensureOpen() error {
	if t.file != nil {
		return nil
	}
	f, err := os.Open(t.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("tailer: open %q: %w", t.path, err)
	}

	ino, size, err := statFile(f)
	if err != nil {
		_ = f.Close()
		return err
	}

	switch {
	case t.cursor.Inode == 0:
		// Fresh start: read from the beginning of the current file.
		t.cursor = Cursor{Inode: ino}
	case t.cursor.Inode != ino || size < t.cursor.Offset:
		// Rotated (or truncated) while we were away; do not skip the head.
		t.cursor = Cursor{Inode: ino}
	default:
		if _, err := f.Seek(t.cursor.Offset, io.SeekStart); err != nil {
			_ = f.Close()
			return fmt.Errorf("tailer: seek %q to %d: %w", t.path, t.cursor.Offset, err)
		}
	}
	t.file = f
	return nil
}

// detectRotation reports whether the path now refers to a different inode
// than the open handle, or the current file shrank below the cursor.
func (t *Tailer) detectRotation() (bool, error) {
	cur, err := os.Stat(t.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// File removed; keep draining the open handle this poll, a
			// successor file will be picked up once it appears.
			return false, nil
		}
		return false, fmt.Errorf("tailer: stat %q: %w", t.path, err)
	}
	st, ok := cur.Sys().(*syscall.Stat_t)
	if !ok {
		return false, nil
	}
	if uint64(st.Ino) != t.cursor.Inode {
		return true, nil
	}
	return cur.Size() < t.cursor.Offset, nil
}

// reopen closes the current handle and opens the new file at offset zero.
func (t *Tailer) reopen() error {
	if t.file != nil {
		_ = t.file.Close()
		t.file = nil
	}
	t.partial = nil
	t.cursor = Cursor{}
	return t.ensureOpen()
}

// statFile returns the inode and size of an open file.
func statFile(f *os.File) (uint64, int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, 0, fmt.Errorf("tailer: stat open file: %w", err)
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, fi.Size(), nil
	}
	return uint64(st.Ino), fi.Size(), nil
}
