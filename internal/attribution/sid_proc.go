package attribution

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ProcSIDOracle resolves session ids from /proc/<pid>/stat. It is the
// default oracle for eBPF rows, whose raw events do not carry a session id.
// The lookup is racy by nature — the process may already be gone — and
// callers treat an error as "no session id".
type ProcSIDOracle struct {
	// Root is the proc mount to read from; defaults to "/proc" when empty.
	// Tests point it at a fixture directory.
	Root string
}

// SessionID reads the session field (the sixth field of the stat line,
// after the parenthesised comm, which may itself contain spaces and
// parentheses).
func (o ProcSIDOracle) SessionID(pid int) (int, error) {
	root := o.Root
	if root == "" {
		root = "/proc"
	}
	raw, err := os.ReadFile(fmt.Sprintf("%s/%d/stat", root, pid))
	if err != nil {
		return 0, fmt.Errorf("attribution: read stat for pid %d: %w", pid, err)
	}

	// The comm field is wrapped in parentheses and is the only field that
	// can contain arbitrary bytes; scan from the last ')'.
	s := string(raw)
	end := strings.LastIndexByte(s, ')')
	if end < 0 || end+2 > len(s) {
		return 0, fmt.Errorf("attribution: malformed stat for pid %d", pid)
	}
	fields := strings.Fields(s[end+1:])
	// After comm: state ppid pgrp session ...
	if len(fields) < 4 {
		return 0, fmt.Errorf("attribution: short stat for pid %d", pid)
	}
	sid, err := strconv.Atoi(fields[3])
	if err != nil {
		return 0, fmt.Errorf("attribution: bad session field for pid %d: %w", pid, err)
	}
	return sid, nil
}
