package auditfilter_test

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/luxrun/lux/internal/attribution"
	"github.com/luxrun/lux/internal/auditfilter"
	"github.com/luxrun/lux/internal/auditlog"
	"github.com/luxrun/lux/internal/config"
	"github.com/luxrun/lux/internal/event"
	"github.com/luxrun/lux/internal/runmeta"
	"github.com/luxrun/lux/internal/stage"
	"github.com/luxrun/lux/internal/tailer"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// hexUpper hex-encodes s the way the kernel does for unsafe audit values.
func hexUpper(s string) string {
	return strings.ToUpper(hex.EncodeToString([]byte(s)))
}

// testConfig returns an audit filter config rooted in dir.
func testConfig(dir string) *config.AuditFilter {
	cfg := &config.AuditFilter{}
	cfg.SchemaVersion = "1"
	cfg.LogLevel = "error"
	cfg.PollIntervalMS = 10
	cfg.Input.AuditLog = filepath.Join(dir, "audit.log")
	cfg.SessionsDir = filepath.Join(dir, "sessions")
	cfg.JobsDir = filepath.Join(dir, "jobs")
	cfg.Output.JSONL = filepath.Join(dir, "filtered_audit.jsonl")
	cfg.Grouping.Strategy = "audit_seq"
	cfg.Grouping.FlushTimeoutMS = 2000
	cfg.AgentOwnership.UID = 1001
	cfg.AgentOwnership.RootComm = []string{"lux-agent"}
	cfg.Exec.IncludeKeys = []string{"exec"}
	cfg.Exec.ShellComm = []string{"bash", "sh"}
	cfg.Exec.ShellCmdFlag = "-lc"
	cfg.FS.IncludeKeys = []string{"fs_watch"}
	cfg.FS.IncludePathsPrefix = []string{"/work"}
	cfg.Linking.AttachCmdToFS = true
	cfg.Linking.AttachCmdStrategy = "last_exec_same_pid"
	cfg.StartupBufferMS = 3000
	return cfg
}

// writeSessionMarker writes a harness session marker.
func writeSessionMarker(t *testing.T, cfg *config.AuditFilter, id string, pid, sid int) {
	t.Helper()
	dir := filepath.Join(cfg.SessionsDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	meta := `{"root_pid": ` + strconv.Itoa(pid) + `, "root_sid": ` + strconv.Itoa(sid) +
		`, "started_at": "2026-01-22T00:16:00Z"}`
	if err := os.WriteFile(filepath.Join(dir, "meta.json"), []byte(meta), 0o644); err != nil {
		t.Fatal(err)
	}
}

// runOneshot runs the stage to completion over the fixture and returns the
// output lines.
func runOneshot(t *testing.T, cfg *config.AuditFilter) []string {
	t.Helper()
	if err := auditfilter.Run(context.Background(), cfg, stage.NewLogger("error"), tailer.Oneshot); err != nil {
		t.Fatalf("Run: %v", err)
	}
	raw, err := os.ReadFile(cfg.Output.JSONL)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	var lines []string
	for _, l := range strings.Split(string(raw), "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// decodeAudit decodes one output line.
func decodeAudit(t *testing.T, line string) event.AuditEvent {
	t.Helper()
	var ev event.AuditEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		t.Fatalf("decode %q: %v", line, err)
	}
	return ev
}

// shellExecFixture is the raw audit group for
// bash -lc "printf '%s\n' 'hello world' > temp.txt" creating /work/temp.txt.
func shellExecFixture() string {
	cmd := `printf '%s\n' 'hello world' > temp.txt`
	return strings.Join([]string{
		`type=SYSCALL msg=audit(1769040990.535:475): arch=c000003e syscall=59 success=yes exit=0 pid=1123 ppid=956 uid=1001 gid=1001 ses=956 comm="bash" exe="/usr/bin/bash" key="exec"`,
		`type=EXECVE msg=audit(1769040990.535:475): argc=3 a0="bash" a1="-lc" a2=` + hexUpper(cmd),
		`type=CWD msg=audit(1769040990.535:475): cwd="/work"`,
		`type=PATH msg=audit(1769040990.535:475): item=0 name="/work/temp.txt" nametype=CREATE`,
		`type=PROCTITLE msg=audit(1769040990.535:475): proctitle=` + hexUpper("bash\x00-lc\x00"+cmd),
	}, "\n") + "\n"
}

// ---------------------------------------------------------------------------
// End-to-end oneshot: shell exec producing a file
// ---------------------------------------------------------------------------

func TestRun_ShellExecEmitsExecAndLinkedFsCreate(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	writeSessionMarker(t, cfg, "session_20260122_001630_de71", 956, 956)
	if err := os.WriteFile(cfg.Input.AuditLog, []byte(shellExecFixture()), 0o644); err != nil {
		t.Fatal(err)
	}

	lines := runOneshot(t, cfg)
	if len(lines) != 2 {
		t.Fatalf("emitted %d rows, want 2 (exec + fs_create):\n%s", len(lines), strings.Join(lines, "\n"))
	}

	wantCmd := `printf '%s\n' 'hello world' > temp.txt`

	exec := decodeAudit(t, lines[0])
	if exec.EventType != "exec" {
		t.Errorf("rows[0].event_type = %q, want exec", exec.EventType)
	}
	if exec.Cmd != wantCmd {
		t.Errorf("exec.cmd = %q, want %q", exec.Cmd, wantCmd)
	}
	if exec.SessionID != "session_20260122_001630_de71" {
		t.Errorf("exec.session_id = %q", exec.SessionID)
	}
	if exec.TS != "2026-01-22T00:16:30.535Z" {
		t.Errorf("exec.ts = %q", exec.TS)
	}
	if exec.PID != 1123 || exec.PPID != 956 || exec.AuditSeq != 475 {
		t.Errorf("exec envelope = pid=%d ppid=%d seq=%d", exec.PID, exec.PPID, exec.AuditSeq)
	}
	if !exec.AgentOwned {
		t.Error("exec.agent_owned = false, want true")
	}
	if exec.Cwd != "/work" {
		t.Errorf("exec.cwd = %q, want /work", exec.Cwd)
	}

	fs := decodeAudit(t, lines[1])
	if fs.EventType != "fs_create" {
		t.Errorf("rows[1].event_type = %q, want fs_create", fs.EventType)
	}
	if fs.Path != "/work/temp.txt" {
		t.Errorf("fs_create.path = %q, want /work/temp.txt", fs.Path)
	}
	if fs.Cmd != wantCmd {
		t.Errorf("fs_create.cmd = %q, want linked %q", fs.Cmd, wantCmd)
	}
	if fs.SessionID != "session_20260122_001630_de71" {
		t.Errorf("fs_create.session_id = %q", fs.SessionID)
	}
}

func TestRun_OneshotIsByteIdempotent(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	writeSessionMarker(t, cfg, "s1", 956, 956)
	if err := os.WriteFile(cfg.Input.AuditLog, []byte(shellExecFixture()), 0o644); err != nil {
		t.Fatal(err)
	}

	runOneshot(t, cfg)
	first, err := os.ReadFile(cfg.Output.JSONL)
	if err != nil {
		t.Fatal(err)
	}
	runOneshot(t, cfg)
	second, err := os.ReadFile(cfg.Output.JSONL)
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != string(second) {
		t.Error("two oneshot runs over unchanged input differ byte-wise")
	}
}

func TestRun_UnownedGroupsAreDropped(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	writeSessionMarker(t, cfg, "s1", 956, 956)
	// sshd activity from an unrelated tree: ppid not under the root.
	fixture := `type=SYSCALL msg=audit(1769040990.100:12): arch=c000003e syscall=59 success=yes exit=0 pid=400 ppid=1 uid=0 gid=0 ses=4294967295 comm="sshd" exe="/usr/sbin/sshd" key="exec"
type=EXECVE msg=audit(1769040990.100:12): argc=1 a0="sshd"
`
	if err := os.WriteFile(cfg.Input.AuditLog, []byte(fixture), 0o644); err != nil {
		t.Fatal(err)
	}

	if lines := runOneshot(t, cfg); len(lines) != 0 {
		t.Errorf("emitted %d rows for unowned activity, want 0", len(lines))
	}
}

func TestRun_MalformedLinesAreSkippedNotFatal(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	writeSessionMarker(t, cfg, "s1", 956, 956)
	fixture := "garbage line that is not audit\n" + shellExecFixture()
	if err := os.WriteFile(cfg.Input.AuditLog, []byte(fixture), 0o644); err != nil {
		t.Fatal(err)
	}

	if lines := runOneshot(t, cfg); len(lines) != 2 {
		t.Errorf("emitted %d rows with a malformed line present, want 2", len(lines))
	}
}

// ---------------------------------------------------------------------------
// Unit: group handling
// ---------------------------------------------------------------------------

// buildGroup assembles a Group from raw lines.
func buildGroup(t *testing.T, lines ...string) *auditlog.Group {
	t.Helper()
	gr := auditlog.NewGrouper(0)
	for _, l := range lines {
		rec, err := auditlog.ParseRecord(l)
		if err != nil {
			t.Fatalf("ParseRecord(%q): %v", l, err)
		}
		gr.Add(rec, time.Now())
	}
	gs := gr.Drain()
	if len(gs) != 1 {
		t.Fatalf("fixture built %d groups, want 1", len(gs))
	}
	return gs[0]
}

// newFilter builds a Filter with a root at pid 956.
func newFilter(t *testing.T, cfg *config.AuditFilter) *auditfilter.Filter {
	t.Helper()
	eng := attribution.NewEngine(attribution.Config{
		AgentUID: cfg.AgentOwnership.UID,
		RootComm: cfg.AgentOwnership.RootComm,
	}, attribution.NewPIDTree(0), nil)
	eng.SetRoots([]runmeta.Root{{
		Kind: runmeta.KindSession, ID: "s1", PID: 956, SID: 956,
		StartedAt: time.Date(2026, 1, 22, 0, 16, 0, 0, time.UTC),
	}})
	return auditfilter.New(cfg, eng, stage.NewMetrics("audit_filter_test"), stage.NewLogger("error"))
}

func TestProcessGroup_RenameDerivation(t *testing.T) {
	cfg := testConfig(t.TempDir())
	f := newFilter(t, cfg)

	g := buildGroup(t,
		`type=SYSCALL msg=audit(1769040990.600:480): arch=c000003e syscall=82 success=yes exit=0 pid=956 ppid=900 uid=1001 gid=1001 ses=956 comm="mv" exe="/usr/bin/mv" key="fs_watch"`,
		`type=CWD msg=audit(1769040990.600:480): cwd="/work"`,
		`type=PATH msg=audit(1769040990.600:480): item=0 name="old.txt" nametype=DELETE`,
		`type=PATH msg=audit(1769040990.600:480): item=1 name="new.txt" nametype=CREATE`,
	)
	evs := f.ProcessGroup(g, false, time.Now())
	if len(evs) != 1 {
		t.Fatalf("emitted %d events, want 1", len(evs))
	}
	if evs[0].EventType != "fs_rename" {
		t.Errorf("event_type = %q, want fs_rename", evs[0].EventType)
	}
	if evs[0].Path != "/work/new.txt" {
		t.Errorf("path = %q, want /work/new.txt (CREATE name resolved against cwd)", evs[0].Path)
	}
}

func TestProcessGroup_UnlinkDerivation(t *testing.T) {
	cfg := testConfig(t.TempDir())
	f := newFilter(t, cfg)

	g := buildGroup(t,
		`type=SYSCALL msg=audit(1769040990.700:481): arch=c000003e syscall=87 success=yes exit=0 pid=956 ppid=900 uid=1001 gid=1001 ses=956 comm="rm" exe="/usr/bin/rm" key="fs_watch"`,
		`type=PATH msg=audit(1769040990.700:481): item=0 name="/work/gone.txt" nametype=DELETE`,
	)
	evs := f.ProcessGroup(g, false, time.Now())
	if len(evs) != 1 || evs[0].EventType != "fs_unlink" || evs[0].Path != "/work/gone.txt" {
		t.Fatalf("evs = %+v, want one fs_unlink of /work/gone.txt", evs)
	}
}

func TestProcessGroup_FsMetaKey(t *testing.T) {
	cfg := testConfig(t.TempDir())
	f := newFilter(t, cfg)

	g := buildGroup(t,
		`type=SYSCALL msg=audit(1769040990.700:482): arch=c000003e syscall=90 success=yes exit=0 pid=956 ppid=900 uid=1001 gid=1001 ses=956 comm="chmod" exe="/usr/bin/chmod" key="fs_meta"`,
		`type=PATH msg=audit(1769040990.700:482): item=0 name="/work/script.sh" nametype=NORMAL`,
	)
	evs := f.ProcessGroup(g, false, time.Now())
	if len(evs) != 1 || evs[0].EventType != "fs_meta" {
		t.Fatalf("evs = %+v, want one fs_meta", evs)
	}
}

func TestProcessGroup_PathScopingDropsForeignPaths(t *testing.T) {
	cfg := testConfig(t.TempDir())
	f := newFilter(t, cfg)

	g := buildGroup(t,
		`type=SYSCALL msg=audit(1769040990.800:483): arch=c000003e syscall=2 success=yes exit=3 pid=956 ppid=900 uid=1001 gid=1001 ses=956 comm="touch" exe="/usr/bin/touch" key="fs_watch"`,
		`type=PATH msg=audit(1769040990.800:483): item=0 name="/etc/hostile" nametype=CREATE`,
	)
	if evs := f.ProcessGroup(g, false, time.Now()); len(evs) != 0 {
		t.Errorf("emitted %v for out-of-scope path, want none", evs)
	}
}

func TestProcessGroup_HelperExclusion(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Exec.HelperExcludeComm = []string{"lux-shim"}
	f := newFilter(t, cfg)

	g := buildGroup(t,
		`type=SYSCALL msg=audit(1769040990.900:484): arch=c000003e syscall=59 success=yes exit=0 pid=956 ppid=900 uid=1001 gid=1001 ses=956 comm="lux-shim" exe="/usr/local/bin/lux-shim" key="exec"`,
		`type=EXECVE msg=audit(1769040990.900:484): argc=1 a0="lux-shim"`,
	)
	if evs := f.ProcessGroup(g, false, time.Now()); len(evs) != 0 {
		t.Errorf("emitted %v for excluded helper, want none", evs)
	}
}

func TestProcessGroup_HelperArgvPrefixExclusion(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Exec.HelperExcludeArgvPrefix = []string{"git config"}
	f := newFilter(t, cfg)

	g := buildGroup(t,
		`type=SYSCALL msg=audit(1769040991.000:485): arch=c000003e syscall=59 success=yes exit=0 pid=956 ppid=900 uid=1001 gid=1001 ses=956 comm="git" exe="/usr/bin/git" key="exec"`,
		`type=EXECVE msg=audit(1769040991.000:485): argc=3 a0="git" a1="config" a2="user.name"`,
	)
	if evs := f.ProcessGroup(g, false, time.Now()); len(evs) != 0 {
		t.Errorf("emitted %v for excluded argv prefix, want none", evs)
	}
}

func TestProcessGroup_FailedExecCarriesErrno(t *testing.T) {
	cfg := testConfig(t.TempDir())
	f := newFilter(t, cfg)

	g := buildGroup(t,
		`type=SYSCALL msg=audit(1769040991.100:486): arch=c000003e syscall=59 success=no exit=-13 pid=956 ppid=900 uid=1001 gid=1001 ses=956 comm="bash" exe="/usr/bin/bash" key="exec"`,
		`type=EXECVE msg=audit(1769040991.100:486): argc=1 a0="/work/locked.sh"`,
		`type=PATH msg=audit(1769040991.100:486): item=0 name="/work/locked.sh" nametype=NORMAL`,
	)
	evs := f.ProcessGroup(g, false, time.Now())
	if len(evs) != 1 {
		t.Fatalf("emitted %d events, want 1", len(evs))
	}
	ev := evs[0]
	if ev.ExecSuccess == nil || *ev.ExecSuccess {
		t.Error("exec_success = true/absent, want false")
	}
	if ev.ExecExit == nil || *ev.ExecExit != -13 {
		t.Errorf("exec_exit = %v, want -13", ev.ExecExit)
	}
	if ev.ExecErrnoName != "EACCES" {
		t.Errorf("exec_errno_name = %q, want EACCES", ev.ExecErrnoName)
	}
	if ev.ExecAttemptedPath != "/work/locked.sh" {
		t.Errorf("exec_attempted_path = %q", ev.ExecAttemptedPath)
	}
}

// ---------------------------------------------------------------------------
// Startup buffer
// ---------------------------------------------------------------------------

func TestStartupBuffer_ResolvesAfterLateMarkers(t *testing.T) {
	cfg := testConfig(t.TempDir())
	eng := attribution.NewEngine(attribution.Config{AgentUID: 1001}, attribution.NewPIDTree(0), nil)
	f := auditfilter.New(cfg, eng, stage.NewMetrics("audit_filter_buf"), stage.NewLogger("error"))

	g := buildGroup(t,
		`type=SYSCALL msg=audit(1769040990.535:475): arch=c000003e syscall=59 success=yes exit=0 pid=1123 ppid=956 uid=1001 gid=1001 ses=956 comm="bash" exe="/usr/bin/bash" key="exec"`,
		`type=EXECVE msg=audit(1769040990.535:475): argc=1 a0="bash"`,
	)

	now := time.Now()
	if evs := f.ProcessGroup(g, true, now); len(evs) != 0 {
		t.Fatalf("pre-marker ProcessGroup emitted %v, want buffered", evs)
	}

	// Markers land; the buffered group resolves on the next flush.
	eng.SetRoots([]runmeta.Root{{
		Kind: runmeta.KindSession, ID: "s1", PID: 956, SID: 956,
		StartedAt: now.Add(-time.Minute),
	}})
	evs := f.FlushPending(now.Add(time.Second))
	if len(evs) != 1 || evs[0].SessionID != "s1" {
		t.Fatalf("FlushPending = %+v, want one event owned by s1", evs)
	}
}

func TestStartupBuffer_DropsAfterWindow(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.StartupBufferMS = 100
	eng := attribution.NewEngine(attribution.Config{AgentUID: 1001}, attribution.NewPIDTree(0), nil)
	f := auditfilter.New(cfg, eng, stage.NewMetrics("audit_filter_ttl"), stage.NewLogger("error"))

	g := buildGroup(t,
		`type=SYSCALL msg=audit(1769040990.535:475): arch=c000003e syscall=59 success=yes exit=0 pid=1123 ppid=956 uid=1001 gid=1001 ses=956 comm="bash" exe="/usr/bin/bash" key="exec"`,
	)
	now := time.Now()
	f.ProcessGroup(g, true, now)

	// Past the window and still unresolvable: dropped for good.
	if evs := f.FlushPending(now.Add(time.Second)); len(evs) != 0 {
		t.Fatalf("FlushPending after window = %v, want none", evs)
	}
	eng.SetRoots([]runmeta.Root{{Kind: runmeta.KindSession, ID: "s1", PID: 956, StartedAt: now}})
	if evs := f.FlushPending(now.Add(2 * time.Second)); len(evs) != 0 {
		t.Errorf("expired group re-emitted after markers arrived: %v", evs)
	}
}
