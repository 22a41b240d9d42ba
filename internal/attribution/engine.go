package attribution

import (
	"sort"
	"time"

	"github.com/luxrun/lux/internal/runmeta"
)

// maxAncestryDepth bounds the pid → ppid walk. Real process trees are far
// shallower; the cap defends against truncated or cyclic lineage.
const maxAncestryDepth = 64

// Kind classifies a resolution.
type Kind int

const (
	// Unattributed: the event does not belong to any known owner.
	Unattributed Kind = iota
	// Session: the event belongs to an interactive session.
	Session
	// Job: the event belongs to a non-interactive job; its session_id is
	// reported as "unknown".
	Job
	// AgentUnknown: collector-only heuristic match (uid + root comm) with
	// no harness metadata; session_id is "unknown" and there is no job_id.
	AgentUnknown
)

// UnknownSession is the session_id emitted for job-owned and
// heuristic-owned events.
const UnknownSession = "unknown"

// Resolution is the outcome of resolving one event.
type Resolution struct {
	Kind      Kind
	SessionID string
	JobID     string
}

// Owned reports whether the event should be emitted at all.
func (r Resolution) Owned() bool { return r.Kind != Unattributed }

// SIDOracle resolves the Linux session id of a live process. Audit rows
// carry their own ses field and never consult the oracle; eBPF rows do.
type SIDOracle interface {
	// SessionID returns the session id for pid, or an error if the process
	// is gone or unreadable.
	SessionID(pid int) (int, error)
}

// Config tunes the engine.
type Config struct {
	// AgentUID and RootComm drive the collector-only heuristic (step 5):
	// with no harness roots loaded, an event is agent-owned iff its uid
	// equals AgentUID and its comm is in RootComm.
	AgentUID int
	RootComm []string
	// PIDTTL expires pid-tree and cache entries; 0 = never.
	PIDTTL time.Duration
}

// Counters are the engine's drop/fallback statistics, read through
// Engine.Stats. No stage logs them or exports them on /metrics.
type Counters struct {
	// SIDFallback counts resolutions that succeeded only via the session-id
	// fallback.
	SIDFallback int
	// SIDAfterTTL counts SID-fallback resolutions for pids whose cached
	// mapping had TTL-expired — the observable face of the "TTL expiry vs
	// SID fallback" policy choice (SID wins and re-caches).
	SIDAfterTTL int
	// Heuristic counts collector-only uid+comm resolutions.
	Heuristic int
	// Unattributed counts events no rule could place.
	Unattributed int
}

type cacheEntry struct {
	res Resolution
	at  time.Time
}

// Engine resolves (pid, uid, sid, ts) to an owner. It is not safe for
// concurrent use; the owning stage serialises access.
type Engine struct {
	cfg    Config
	tree   *PIDTree
	oracle SIDOracle

	roots []runmeta.Root
	cache map[int]cacheEntry

	// Stats accumulates resolution counters for periodic logging.
	Stats Counters
}

// NewEngine returns an engine over the given pid tree and SID oracle.
// oracle may be nil when every caller supplies the event's own sid (the
// audit filter does).
func NewEngine(cfg Config, tree *PIDTree, oracle SIDOracle) *Engine {
	return &Engine{
		cfg:    cfg,
		tree:   tree,
		oracle: oracle,
		cache:  make(map[int]cacheEntry),
	}
}

// Tree returns the engine's pid tree (shared with the stage's exec intake).
func (e *Engine) Tree() *PIDTree { return e.tree }

// SetRoots replaces the known roots after a marker refresh. When the root set
// changes, the resolution cache is dropped wholesale: markers arriving late must reclassify pids
// (and all their cached descendants) that previously resolved to nothing or
// to the heuristic owner, and a full rebuild is cheap relative to the
// refresh cadence.
func (e *Engine) SetRoots(roots []runmeta.Root) {
	if !rootsEqual(e.roots, roots) {
		e.cache = make(map[int]cacheEntry)
	}
	e.roots = append([]runmeta.Root(nil), roots...)
}

// HasRoots reports whether any usable root marker is loaded.
func (e *Engine) HasRoots() bool {
	for _, r := range e.roots {
		if r.Usable() {
			return true
		}
	}
	return false
}

// ObserveExec feeds one audit exec event into the pid tree.
func (e *Engine) ObserveExec(pid, ppid int, comm, exe string, uid, gid int, ts time.Time) {
	e.tree.Observe(pid, ppid, comm, exe, uid, gid, ts)
}

// Resolve maps one event to its owner. sid is the event's Linux session id
// when the caller already knows it (audit rows carry it); pass a negative
// sid to have the engine consult its oracle.
//
// The precedence is strict: root-pid match, then bounded pid ancestry, then
// the non-expired cache, then SID fallback, then the collector-only
// uid+comm heuristic, then unattributed.
func (e *Engine) Resolve(pid, uid, sid int, comm string, ts time.Time) Resolution {
	// Step 1: the event's own pid is a root.
	if root, ok := e.rootByPID(pid, ts); ok {
		res := ownerResolution(root)
		e.cache[pid] = cacheEntry{res: res, at: ts}
		return res
	}

	// Step 2: walk the lineage. Every visited pid is cached on success.
	visited := make([]int, 0, 8)
	cur := pid
	for depth := 0; depth < maxAncestryDepth; depth++ {
		entry, ok := e.tree.Lookup(cur, ts)
		if !ok {
			break
		}
		visited = append(visited, cur)
		parent := entry.PPID
		if root, ok := e.rootByPID(parent, ts); ok {
			res := ownerResolution(root)
			for _, p := range visited {
				e.cache[p] = cacheEntry{res: res, at: ts}
			}
			return res
		}
		cur = parent
	}

	// Step 3: cached mapping, if not expired.
	hadExpired := false
	if ce, ok := e.cache[pid]; ok {
		if e.cfg.PIDTTL <= 0 || ts.Sub(ce.at) <= e.cfg.PIDTTL {
			return ce.res
		}
		delete(e.cache, pid)
		hadExpired = true
	}

	// Step 4: SID fallback.
	if s := e.sessionIDFor(pid, sid); s > 0 {
		if root, ok := e.rootBySID(s, ts); ok {
			res := ownerResolution(root)
			e.cache[pid] = cacheEntry{res: res, at: ts}
			e.Stats.SIDFallback++
			if hadExpired {
				e.Stats.SIDAfterTTL++
			}
			return res
		}
	}

	// Step 5: collector-only heuristic, active only with no harness roots.
	if !e.HasRoots() && uid == e.cfg.AgentUID && containsString(e.cfg.RootComm, comm) {
		e.Stats.Heuristic++
		return Resolution{Kind: AgentUnknown, SessionID: UnknownSession}
	}

	e.Stats.Unattributed++
	return Resolution{Kind: Unattributed}
}

// sessionIDFor returns the event's session id, consulting the oracle when
// the caller did not supply one.
func (e *Engine) sessionIDFor(pid, sid int) int {
	if sid >= 0 {
		return sid
	}
	if e.oracle == nil {
		return 0
	}
	s, err := e.oracle.SessionID(pid)
	if err != nil {
		return 0
	}
	return s
}

// rootByPID returns the usable root whose PID equals pid, applying the
// deterministic tie-break when several match: the most recent started_at
// that is <= ts, falling back to the earliest candidate when none has
// started yet.
func (e *Engine) rootByPID(pid int, ts time.Time) (runmeta.Root, bool) {
	var candidates []runmeta.Root
	for _, r := range e.roots {
		if r.Usable() && r.PID == pid {
			candidates = append(candidates, r)
		}
	}
	return pickRoot(candidates, ts)
}

// rootBySID returns the root whose SID equals sid, same tie-break.
func (e *Engine) rootBySID(sid int, ts time.Time) (runmeta.Root, bool) {
	var candidates []runmeta.Root
	for _, r := range e.roots {
		if r.Usable() && r.HasSID() && r.SID == sid {
			candidates = append(candidates, r)
		}
	}
	return pickRoot(candidates, ts)
}

// pickRoot applies the tie-break: among candidates whose started_at <= ts,
// the most recent wins; with none started yet (clock skew), the earliest
// candidate wins so the choice stays deterministic. Matches after ended_at
// are allowed — ended_at is advisory.
func pickRoot(candidates []runmeta.Root, ts time.Time) (runmeta.Root, bool) {
	switch len(candidates) {
	case 0:
		return runmeta.Root{}, false
	case 1:
		return candidates[0], true
	}
	sort.Slice(candidates, func(a, b int) bool {
		return candidates[a].StartedAt.Before(candidates[b].StartedAt)
	})
	best := candidates[0]
	for _, c := range candidates {
		if !c.StartedAt.After(ts) {
			best = c
		}
	}
	return best, true
}

func ownerResolution(r runmeta.Root) Resolution {
	switch r.Kind {
	case runmeta.KindJob:
		return Resolution{Kind: Job, SessionID: UnknownSession, JobID: r.ID}
	default:
		return Resolution{Kind: Session, SessionID: r.ID}
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func rootsEqual(a, b []runmeta.Root) bool {
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
