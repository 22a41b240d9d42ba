// Package auditfilter turns raw kernel audit record groups into attributed,
// compact JSONL events: exec rows with derived shell commands and
// filesystem rows scoped to the configured path prefixes. Only agent-owned
// groups are emitted.
package auditfilter

import (
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/luxrun/lux/internal/attribution"
	"github.com/luxrun/lux/internal/auditlog"
	"github.com/luxrun/lux/internal/config"
	"github.com/luxrun/lux/internal/event"
	"github.com/luxrun/lux/internal/stage"
)

// sesUnset is the kernel's "no session" sentinel in the SYSCALL ses field.
const sesUnset = 4294967295

// execSyscalls recognizes exec flavours by number (x86_64) and by name, for
// audit configurations that resolve syscall names.
var execSyscalls = map[string]bool{
	"59": true, "322": true, "execve": true, "execveat": true,
}

// errnoNames maps the errno magnitudes exec failures commonly surface.
var errnoNames = map[int]string{
	1:  "EPERM",
	2:  "ENOENT",
	8:  "ENOEXEC",
	12: "ENOMEM",
	13: "EACCES",
	20: "ENOTDIR",
	26: "ETXTBSY",
	36: "ENAMETOOLONG",
	40: "ELOOP",
}

// pendingGroup is an audit group held in the follow-mode startup buffer
// while its ownership is unresolvable.
type pendingGroup struct {
	group    *auditlog.Group
	deadline time.Time
}

// Filter is the audit filter's per-run state: the attribution engine, the
// fs→cmd linking memory, and the startup buffer.
type Filter struct {
	cfg     *config.AuditFilter
	logger  *slog.Logger
	metrics *stage.Metrics
	engine  *attribution.Engine

	// lastCmd remembers the most recent exec cmd per pid for fs linking
	// (strategy last_exec_same_pid).
	lastCmd map[int]string

	// pending is the follow-mode startup buffer (§ follow-mode buffering):
	// every group that cannot be attributed yet, retried on each root
	// refresh and follow-mode poll until startup_buffer_ms expires.
	pending []pendingGroup
}

// New returns a Filter over an engine the caller keeps refreshed with run
// markers.
func New(cfg *config.AuditFilter, eng *attribution.Engine, m *stage.Metrics, logger *slog.Logger) *Filter {
	return &Filter{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		engine:  eng,
		lastCmd: make(map[int]string),
	}
}

// ProcessGroup handles one complete record group and returns the events to
// emit, in audit_seq order. buffered selects the follow-mode startup
// buffer: when true, unresolved groups are retried later instead of
// dropped. now is the wall clock used for buffer deadlines.
func (f *Filter) ProcessGroup(g *auditlog.Group, buffered bool, now time.Time) []event.AuditEvent {
	evs, resolved := f.tryGroup(g)
	if resolved {
		return evs
	}
	if buffered {
		f.pending = append(f.pending, pendingGroup{
			group:    g,
			deadline: now.Add(time.Duration(f.cfg.StartupBufferMS) * time.Millisecond),
		})
		f.metrics.PendingDepth.Set(float64(len(f.pending)))
		return nil
	}
	f.metrics.EventsDropped.WithLabelValues(stage.DropUnattributed).Inc()
	return nil
}

// FlushPending retries buffered groups and drops the expired ones. Called
// after each root refresh and on every poll tick.
func (f *Filter) FlushPending(now time.Time) []event.AuditEvent {
	if len(f.pending) == 0 {
		return nil
	}
	var out []event.AuditEvent
	kept := f.pending[:0]
	for _, p := range f.pending {
		evs, resolved := f.tryGroup(p.group)
		switch {
		case resolved:
			out = append(out, evs...)
		case now.After(p.deadline):
			f.metrics.EventsDropped.WithLabelValues(stage.DropUnattributed).Inc()
		default:
			kept = append(kept, p)
		}
	}
	f.pending = kept
	f.metrics.PendingDepth.Set(float64(len(f.pending)))
	return out
}

// tryGroup derives events for a group. The second return value reports
// whether ownership was decided: false means "retry later", while true with
// no events means the group was decided and produced nothing (helper
// exclusion, path scoping, non-exec non-fs keys, or syscall-less groups).
func (f *Filter) tryGroup(g *auditlog.Group) ([]event.AuditEvent, bool) {
	sys := g.First("SYSCALL")
	if sys == nil {
		return nil, true
	}

	pid := fieldInt(sys, "pid")
	ppid := fieldInt(sys, "ppid")
	uid := fieldInt(sys, "uid")
	gid := fieldInt(sys, "gid")
	comm := sys.Fields["comm"]
	exe := sys.Fields["exe"]
	key := sys.Fields["key"]
	isExec := execSyscalls[sys.Fields["syscall"]]

	// Keep the lineage tree current before resolving: the exec that brings
	// a pid into existence is the same group that first mentions it.
	if isExec && containsString(f.cfg.Exec.IncludeKeys, key) && sys.Fields["success"] == "yes" {
		f.engine.ObserveExec(pid, ppid, comm, exe, uid, gid, g.Time)
	}

	ses := fieldInt(sys, "ses")
	if ses <= 0 || ses == sesUnset {
		ses = -1
	}
	res := f.engine.Resolve(pid, uid, ses, comm, g.Time)
	if !res.Owned() {
		return nil, false
	}

	base := event.AuditEvent{
		SchemaVersion: f.cfg.SchemaVersion,
		SessionID:     res.SessionID,
		JobID:         res.JobID,
		TS:            event.FormatMilli(g.Time),
		Source:        event.SourceAudit,
		PID:           pid,
		PPID:          ppid,
		UID:           uid,
		GID:           gid,
		Comm:          comm,
		Exe:           exe,
		AuditSeq:      g.Seq,
		AuditKey:      key,
		AgentOwned:    true,
	}

	var out []event.AuditEvent
	if isExec && containsString(f.cfg.Exec.IncludeKeys, key) {
		if ev, ok := f.execEvent(g, sys, base); ok {
			out = append(out, ev)
		}
	}
	// Filesystem derivation is driven by what the PATH records say happened:
	// any group that created or deleted a dirent yields an fs row, as do
	// groups captured under the fs audit keys.
	if containsString(f.cfg.FS.IncludeKeys, key) || key == "fs_meta" || hasCreateOrDelete(g) {
		if ev, ok := f.fsEvent(g, key, base); ok {
			out = append(out, ev)
		}
	}
	return out, true
}

// execEvent derives the exec row: command text, success/exit, and — on
// failure — the errno name and attempted path. Helper executables the
// harness itself spawns are suppressed here.
func (f *Filter) execEvent(g *auditlog.Group, sys *auditlog.Record, base event.AuditEvent) (event.AuditEvent, bool) {
	argv := g.Argv()
	if argv == nil {
		// EXECVE record missing (dropped by the kernel backlog); fall back
		// to proctitle, which carries the argv NUL-joined.
		if pt := g.First("PROCTITLE"); pt != nil {
			argv = strings.Fields(pt.Fields["proctitle"])
		}
	}

	if containsString(f.cfg.Exec.HelperExcludeComm, base.Comm) {
		f.metrics.EventsDropped.WithLabelValues(stage.DropExcluded).Inc()
		return event.AuditEvent{}, false
	}
	joined := shellJoin(argv)
	for _, prefix := range f.cfg.Exec.HelperExcludeArgvPrefix {
		if prefix != "" && strings.HasPrefix(joined, prefix) {
			f.metrics.EventsDropped.WithLabelValues(stage.DropExcluded).Inc()
			return event.AuditEvent{}, false
		}
	}

	ev := base
	ev.EventType = event.TypeExec
	ev.Cmd = f.deriveCmd(base.Comm, argv)
	if cwd := g.First("CWD"); cwd != nil {
		ev.Cwd = cwd.Fields["cwd"]
	}

	success := sys.Fields["success"] == "yes"
	ev.ExecSuccess = &success
	exit := fieldInt(sys, "exit")
	ev.ExecExit = &exit
	if !success {
		if name, ok := errnoNames[-exit]; ok {
			ev.ExecErrnoName = name
		} else if exit < 0 {
			ev.ExecErrnoName = "errno_" + strconv.Itoa(-exit)
		}
		if p := g.First("PATH"); p != nil {
			ev.ExecAttemptedPath = p.Fields["name"]
		} else if len(argv) > 0 {
			ev.ExecAttemptedPath = argv[0]
		}
		// A failed exec leaves the old image running; do not link its cmd.
		return ev, true
	}

	f.lastCmd[base.PID] = ev.Cmd
	return ev, true
}

// deriveCmd extracts the human-meaningful command: for a shell invoked with
// the configured command flag the flag's argument IS the command; anything
// else is the shell-joined argv.
func (f *Filter) deriveCmd(comm string, argv []string) string {
	if containsString(f.cfg.Exec.ShellComm, comm) {
		for i, a := range argv {
			if a == f.cfg.Exec.ShellCmdFlag && i+1 < len(argv) {
				return argv[i+1]
			}
		}
	}
	return shellJoin(argv)
}

// fsEvent derives the filesystem row from the group's PATH records.
func (f *Filter) fsEvent(g *auditlog.Group, key string, base event.AuditEvent) (event.AuditEvent, bool) {
	paths := g.All("PATH")
	if len(paths) == 0 {
		return event.AuditEvent{}, false
	}

	var createName, deleteName, normalName string
	for _, p := range paths {
		name := p.Fields["name"]
		if name == "" || name == "(null)" {
			continue
		}
		switch p.Fields["nametype"] {
		case "CREATE":
			createName = name
		case "DELETE":
			deleteName = name
		case "NORMAL":
			if normalName == "" {
				normalName = name
			}
		}
	}

	ev := base
	switch {
	case createName != "" && deleteName != "":
		ev.EventType = event.TypeFSRename
		ev.Path = createName
	case createName != "":
		ev.EventType = event.TypeFSCreate
		ev.Path = createName
	case deleteName != "":
		ev.EventType = event.TypeFSUnlink
		ev.Path = deleteName
	case key == "fs_meta":
		ev.EventType = event.TypeFSMeta
		ev.Path = firstNonEmpty(normalName, createName, deleteName)
	default:
		ev.EventType = event.TypeFSWrite
		ev.Path = normalName
	}
	if ev.Path == "" {
		return event.AuditEvent{}, false
	}

	// Relative PATH names resolve against the group's CWD record.
	if !strings.HasPrefix(ev.Path, "/") {
		if cwd := g.First("CWD"); cwd != nil && cwd.Fields["cwd"] != "" {
			ev.Path = path.Join(cwd.Fields["cwd"], ev.Path)
		}
	}

	if !f.pathInScope(ev.Path) {
		f.metrics.EventsDropped.WithLabelValues(stage.DropScope).Inc()
		return event.AuditEvent{}, false
	}

	if f.cfg.Linking.AttachCmdToFS {
		if cmd, ok := f.lastCmd[base.PID]; ok {
			ev.Cmd = cmd
		}
	}
	return ev, true
}

// hasCreateOrDelete reports whether any PATH record created or deleted a
// dirent.
func hasCreateOrDelete(g *auditlog.Group) bool {
	for _, p := range g.All("PATH") {
		switch p.Fields["nametype"] {
		case "CREATE", "DELETE":
			return true
		}
	}
	return false
}

// pathInScope reports whether p is under any configured include prefix. An
// empty prefix list keeps everything.
func (f *Filter) pathInScope(p string) bool {
	if len(f.cfg.FS.IncludePathsPrefix) == 0 {
		return true
	}
	for _, prefix := range f.cfg.FS.IncludePathsPrefix {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// shellJoin delegates to the shared audit argv join.
func shellJoin(argv []string) string { return auditlog.ShellJoin(argv) }

// fieldInt parses an integer field, returning 0 when absent or malformed.
func fieldInt(r *auditlog.Record, key string) int {
	n, err := strconv.Atoi(r.Fields[key])
	if err != nil {
		return 0
	}
	return n
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
