// Package attribution maps observed OS events to the harness-launched
// session or job that caused them. It is the shared core of the audit and
// eBPF filter stages.
//
// Ownership is decided from three inputs: the run's root markers (loaded by
// internal/runmeta), a PID lineage tree built exclusively from audit exec
// events, and — as a fallback for trees torn by startup races or init
// adoption — the Linux session id of the process.
package attribution

import (
	"time"
)

// TreeEntry is one process observed via an audit exec event.
type TreeEntry struct {
	PPID      int
	Comm      string
	Exe       string
	UID       int
	GID       int
	FirstSeen time.Time
	LastSeen  time.Time
}

// PIDTree is the mutable pid → parent map built from exec events. Entries
// are inserted on exec and never removed implicitly — exec events carry no
// exit information — but may be TTL-expired to mitigate PID reuse.
//
// PIDTree is not safe for concurrent use; the owning stage serialises
// access (the eBPF filter holds one mutex over the tree and its pending
// buffer together).
type PIDTree struct {
	// TTL expires entries not refreshed within the window. Zero disables
	// expiry and accepts PID-reuse risk.
	TTL time.Duration

	entries map[int]TreeEntry
}

// NewPIDTree returns an empty tree with the given entry TTL (0 = no expiry).
func NewPIDTree(ttl time.Duration) *PIDTree {
	return &PIDTree{TTL: ttl, entries: make(map[int]TreeEntry)}
}

// Observe inserts or refreshes the entry for pid from an exec event.
func (t *PIDTree) Observe(pid, ppid int, comm, exe string, uid, gid int, ts time.Time) {
	e, ok := t.entries[pid]
	if !ok {
		e = TreeEntry{FirstSeen: ts}
	}
	e.PPID = ppid
	e.Comm = comm
	e.Exe = exe
	e.UID = uid
	e.GID = gid
	e.LastSeen = ts
	t.entries[pid] = e
}

// Lookup returns the live entry for pid, applying lazy TTL expiry against
// now.
func (t *PIDTree) Lookup(pid int, now time.Time) (TreeEntry, bool) {
	e, ok := t.entries[pid]
	if !ok {
		return TreeEntry{}, false
	}
	if t.TTL > 0 && now.Sub(e.LastSeen) > t.TTL {
		delete(t.entries, pid)
		return TreeEntry{}, false
	}
	return e, true
}

// Len reports the number of (possibly stale) entries.
func (t *PIDTree) Len() int { return len(t.entries) }
