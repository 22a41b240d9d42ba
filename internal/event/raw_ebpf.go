package event

import (
	"encoding/json"
	"fmt"
)

// RawEBPF is one line of the raw eBPF stream: a tagged variant whose
// event_type discriminates which of the typed payloads is present. Unknown
// variants are represented (Known() == false) so the filter can count and
// drop them; raw field bags never travel past the filter.
type RawEBPF struct {
	EventType     string       `json:"event_type"`
	PID           int          `json:"pid"`
	PPID          int          `json:"ppid"`
	UID           int          `json:"uid"`
	GID           int          `json:"gid"`
	Comm          string       `json:"comm"`
	CgroupID      uint64       `json:"cgroup_id"`
	SyscallResult int64        `json:"syscall_result"`
	TS            string       `json:"ts"`
	Net           *NetPayload  `json:"net"`
	DNS           *DNSPayload  `json:"dns"`
	Unix          *UnixPayload `json:"unix"`
}

// knownEBPFTypes maps each recognized variant to a check that its typed
// payload is present.
var knownEBPFTypes = map[string]func(RawEBPF) bool{
	TypeNetConnect:  func(r RawEBPF) bool { return r.Net != nil },
	TypeNetSend:     func(r RawEBPF) bool { return r.Net != nil },
	TypeDNSQuery:    func(r RawEBPF) bool { return r.DNS != nil },
	TypeDNSResponse: func(r RawEBPF) bool { return r.DNS != nil },
	TypeUnixConnect: func(r RawEBPF) bool { return r.Unix != nil },
}

// Known reports whether the variant is recognized and carries its typed
// payload.
func (r RawEBPF) Known() bool {
	check, ok := knownEBPFTypes[r.EventType]
	return ok && check(r)
}

// ParseRawEBPF decodes one raw line. Invalid JSON and unparseable
// timestamps are data errors the caller counts and skips.
func ParseRawEBPF(line []byte) (RawEBPF, error) {
	var r RawEBPF
	if err := json.Unmarshal(line, &r); err != nil {
		return RawEBPF{}, fmt.Errorf("event: invalid raw ebpf line: %w", err)
	}
	if r.TS == "" {
		return RawEBPF{}, fmt.Errorf("event: raw ebpf line missing ts")
	}
	if _, err := ParseTS(r.TS); err != nil {
		return RawEBPF{}, err
	}
	return r, nil
}
