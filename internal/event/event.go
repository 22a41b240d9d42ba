// Package event defines the wire shapes the collector stages read and
// write: the audit-filtered envelope, the eBPF-filtered envelope, the
// network summary row, and the merged timeline row.
//
// All output JSON is canonical: UTF-8, one object per line, stable field
// order within a schema version (struct order for envelopes, sorted keys
// for detail maps), timestamps RFC3339 with a Z suffix. Producers rely on
// this for the byte-identical rewrite guarantees downstream consumers test
// against.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Source values for emitted rows.
const (
	SourceAudit = "audit"
	SourceEBPF  = "ebpf"
)

// Audit event types.
const (
	TypeExec     = "exec"
	TypeFSCreate = "fs_create"
	TypeFSWrite  = "fs_write"
	TypeFSRename = "fs_rename"
	TypeFSUnlink = "fs_unlink"
	TypeFSMeta   = "fs_meta"
)

// eBPF event types.
const (
	TypeNetConnect  = "net_connect"
	TypeNetSend     = "net_send"
	TypeDNSQuery    = "dns_query"
	TypeDNSResponse = "dns_response"
	TypeUnixConnect = "unix_connect"
	TypeNetSummary  = "net_summary"
)

// AuditEvent is one row of filtered_audit.jsonl.
type AuditEvent struct {
	SchemaVersion string `json:"schema_version"`
	SessionID     string `json:"session_id"`
	JobID         string `json:"job_id,omitempty"`
	TS            string `json:"ts"`
	Source        string `json:"source"`
	EventType     string `json:"event_type"`
	PID           int    `json:"pid"`
	PPID          int    `json:"ppid"`
	UID           int    `json:"uid"`
	GID           int    `json:"gid"`
	Comm          string `json:"comm"`
	Exe           string `json:"exe"`
	AuditSeq      uint64 `json:"audit_seq"`
	AuditKey      string `json:"audit_key,omitempty"`
	AgentOwned    bool   `json:"agent_owned"`

	// Event-type specific fields.
	Cmd               string `json:"cmd,omitempty"`
	Cwd               string `json:"cwd,omitempty"`
	Path              string `json:"path,omitempty"`
	ExecSuccess       *bool  `json:"exec_success,omitempty"`
	ExecExit          *int   `json:"exec_exit,omitempty"`
	ExecErrnoName     string `json:"exec_errno_name,omitempty"`
	ExecAttemptedPath string `json:"exec_attempted_path,omitempty"`
}

// NetPayload is the typed payload of net_connect / net_send events.
type NetPayload struct {
	DstIP    string `json:"dst_ip"`
	DstPort  int    `json:"dst_port"`
	Protocol string `json:"protocol,omitempty"`
	Bytes    int64  `json:"bytes,omitempty"`
}

// DNSPayload is the typed payload of dns_query / dns_response events.
type DNSPayload struct {
	Transport  string `json:"transport,omitempty"`
	QueryName  string `json:"query_name"`
	QueryType  string `json:"query_type,omitempty"`
	ServerIP   string `json:"server_ip,omitempty"`
	ServerPort int    `json:"server_port,omitempty"`
	AnswerIP   string `json:"answer_ip,omitempty"`
}

// UnixPayload is the typed payload of unix_connect events.
type UnixPayload struct {
	Path     string `json:"path"`
	Abstract bool   `json:"abstract,omitempty"`
	SockType string `json:"sock_type,omitempty"`
}

// EBPFEvent is one row of filtered_ebpf.jsonl.
type EBPFEvent struct {
	SchemaVersion string `json:"schema_version"`
	SessionID     string `json:"session_id"`
	JobID         string `json:"job_id,omitempty"`
	TS            string `json:"ts"`
	Source        string `json:"source"`
	EventType     string `json:"event_type"`
	PID           int    `json:"pid"`
	PPID          int    `json:"ppid"`
	UID           int    `json:"uid"`
	GID           int    `json:"gid"`
	Comm          string `json:"comm"`
	Exe           string `json:"exe,omitempty"`
	CgroupID      uint64 `json:"cgroup_id,omitempty"`
	SyscallResult int64  `json:"syscall_result"`
	AgentOwned    bool   `json:"agent_owned"`
	Cmd           string `json:"cmd,omitempty"`

	Net  *NetPayload  `json:"net,omitempty"`
	DNS  *DNSPayload  `json:"dns,omitempty"`
	Unix *UnixPayload `json:"unix,omitempty"`
}

// NetSummary is one burst row of filtered_ebpf_summary.jsonl.
type NetSummary struct {
	SchemaVersion  string   `json:"schema_version"`
	SessionID      string   `json:"session_id"`
	JobID          string   `json:"job_id,omitempty"`
	TS             string   `json:"ts"` // equals TsFirst; the merger's sort key
	Source         string   `json:"source"`
	EventType      string   `json:"event_type"` // always net_summary
	PID            int      `json:"pid"`
	Comm           string   `json:"comm,omitempty"`
	DstIP          string   `json:"dst_ip"`
	DstPort        int      `json:"dst_port"`
	Protocol       string   `json:"protocol"`
	DNSNames       []string `json:"dns_names"`
	ConnectCount   int      `json:"connect_count"`
	SendCount      int      `json:"send_count"`
	BytesSentTotal int64    `json:"bytes_sent_total"`
	TsFirst        string   `json:"ts_first"`
	TsLast         string   `json:"ts_last"`
	Cmd            string   `json:"cmd,omitempty"`
}

// TimelineRow is one row of the merged filtered_timeline.jsonl: the common
// envelope plus every per-source field folded into Details. agent_owned is
// dropped — only owned rows reach the merger.
type TimelineRow struct {
	SchemaVersion string         `json:"schema_version"`
	SessionID     string         `json:"session_id"`
	JobID         string         `json:"job_id,omitempty"`
	TS            string         `json:"ts"`
	Source        string         `json:"source"`
	EventType     string         `json:"event_type"`
	PID           *int           `json:"pid,omitempty"`
	PPID          *int           `json:"ppid,omitempty"`
	UID           *int           `json:"uid,omitempty"`
	GID           *int           `json:"gid,omitempty"`
	Comm          string         `json:"comm,omitempty"`
	Exe           string         `json:"exe,omitempty"`
	Details       map[string]any `json:"details"`
}

// ParseTS parses an emitted RFC3339 timestamp at any precision.
func ParseTS(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("event: bad timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// FormatMilli renders t as RFC3339 with millisecond precision — the
// precision of audit-derived rows.
func FormatMilli(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// EncodeLine marshals v as one canonical JSONL line, newline-terminated.
// encoding/json emits struct fields in declaration order and map keys
// sorted, which is exactly the stability the output contract needs.
func EncodeLine(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("event: marshal: %w", err)
	}
	return append(raw, '\n'), nil
}
