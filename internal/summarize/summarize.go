// Package summarize collapses filtered eBPF network activity into
// per-destination send bursts so the timeline shows "N sends, M bytes to
// host X" instead of a row per packet. DNS responses are tracked solely to
// name burst destinations; unix socket connects pass through untouched.
package summarize

import (
	"fmt"
	"sort"
	"time"

	"github.com/luxrun/lux/internal/config"
	"github.com/luxrun/lux/internal/event"
	"github.com/luxrun/lux/internal/stage"
)

// dnsPort is excluded from summaries; DNS traffic feeds the name map only.
const dnsPort = 53

// burstKey identifies one aggregation stream.
type burstKey struct {
	sessionID string
	jobID     string
	pid       int
	dstIP     string
	dstPort   int
}

// burst is an open aggregation window.
type burst struct {
	key      burstKey
	comm     string
	cmd      string
	protocol string

	first    time.Time
	last     time.Time
	firstRaw string
	lastRaw  string

	connects int
	sends    int
	bytes    int64
}

// dnsAnswer is one observed dns_response answer.
type dnsAnswer struct {
	name string
	ts   time.Time
}

// Summarizer is the streaming burst aggregator. Feed rows in arrival order
// with Add; closed bursts and passthrough rows come back as output lines.
// Time is event time throughout — the aggregator never consults the wall
// clock, which keeps oneshot reruns byte-identical.
type Summarizer struct {
	cfg     *config.Summarizer
	metrics *stage.Metrics

	gap      time.Duration
	lookback time.Duration

	open map[burstKey]*burst
	dns  map[string][]dnsAnswer // answer_ip → responses, arrival order

	// latest is the maximum event time seen; bursts idle past the gap
	// relative to it are closable in follow mode.
	latest time.Time
}

// New returns a Summarizer for cfg.
func New(cfg *config.Summarizer, m *stage.Metrics) *Summarizer {
	return &Summarizer{
		cfg:      cfg,
		metrics:  m,
		gap:      secondsToDuration(cfg.BurstGapSec),
		lookback: secondsToDuration(cfg.DNSLookbackSec),
		open:     make(map[burstKey]*burst),
		dns:      make(map[string][]dnsAnswer),
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Row is one output line: either a *event.NetSummary or a passthrough
// *event.EBPFEvent.
type Row struct {
	Summary     *event.NetSummary
	Passthrough *event.EBPFEvent

	// sortTS orders rows deterministically in a batch.
	sortTS time.Time
}

// Add ingests one filtered eBPF row and returns any rows ready to emit
// (passthrough rows, plus bursts this row's timestamp closed).
func (s *Summarizer) Add(ev event.EBPFEvent) ([]Row, error) {
	ts, err := event.ParseTS(ev.TS)
	if err != nil {
		return nil, err
	}
	if ts.After(s.latest) {
		s.latest = ts
	}

	// Ownerless rows never reach the timeline.
	if ev.SessionID == "unknown" && ev.JobID == "" && ev.EventType != event.TypeDNSResponse {
		s.metrics.EventsDropped.WithLabelValues(stage.DropUnattributed).Inc()
		return nil, nil
	}

	switch ev.EventType {
	case event.TypeUnixConnect:
		pass := ev
		pass.SchemaVersion = s.cfg.SchemaVersion
		return []Row{{Passthrough: &pass, sortTS: ts}}, nil

	case event.TypeDNSResponse:
		if ev.DNS != nil && ev.DNS.AnswerIP != "" && ev.DNS.QueryName != "" {
			s.dns[ev.DNS.AnswerIP] = append(s.dns[ev.DNS.AnswerIP],
				dnsAnswer{name: ev.DNS.QueryName, ts: ts})
		}
		return nil, nil

	case event.TypeDNSQuery:
		// Queries carry no answer; nothing to track.
		return nil, nil

	case event.TypeNetConnect, event.TypeNetSend:
		if ev.Net == nil {
			return nil, fmt.Errorf("summarize: %s row without net payload", ev.EventType)
		}
		return s.addNet(ev, ts), nil
	}

	s.metrics.EventsDropped.WithLabelValues(stage.DropUnknownType).Inc()
	return nil, nil
}

// addNet folds a connect/send into its burst, closing any burst the gap
// rule says this event cannot extend.
func (s *Summarizer) addNet(ev event.EBPFEvent, ts time.Time) []Row {
	key := burstKey{
		sessionID: ev.SessionID,
		jobID:     ev.JobID,
		pid:       ev.PID,
		dstIP:     ev.Net.DstIP,
		dstPort:   ev.Net.DstPort,
	}

	var out []Row
	b, ok := s.open[key]
	if ok && ts.Sub(b.last) > s.gap {
		// The gap elapsed: this event opens a new burst even for the same
		// destination.
		if row, emit := s.closeBurst(b); emit {
			out = append(out, row)
		}
		delete(s.open, key)
		b, ok = nil, false
	}
	if !ok {
		b = &burst{
			key:      key,
			comm:     ev.Comm,
			cmd:      ev.Cmd,
			protocol: normalizeProtocol(ev.Net.Protocol),
			first:    ts,
			last:     ts,
			firstRaw: ev.TS,
			lastRaw:  ev.TS,
		}
		s.open[key] = b
	}

	if ts.After(b.last) {
		b.last = ts
		b.lastRaw = ev.TS
	}
	if b.cmd == "" {
		b.cmd = ev.Cmd
	}
	switch ev.EventType {
	case event.TypeNetConnect:
		b.connects++
	case event.TypeNetSend:
		b.sends++
		b.bytes += ev.Net.Bytes
	}
	return out
}

// FlushIdle closes bursts whose last activity is more than the gap behind
// the latest observed event time. Follow mode calls this on every poll.
func (s *Summarizer) FlushIdle() []Row {
	var out []Row
	for key, b := range s.open {
		if s.latest.Sub(b.last) > s.gap {
			if row, emit := s.closeBurst(b); emit {
				out = append(out, row)
			}
			delete(s.open, key)
		}
	}
	sortRows(out)
	return out
}

// Finish closes every open burst. Oneshot calls this at end-of-file.
func (s *Summarizer) Finish() []Row {
	var out []Row
	for key, b := range s.open {
		if row, emit := s.closeBurst(b); emit {
			out = append(out, row)
		}
		delete(s.open, key)
	}
	sortRows(out)
	return out
}

// closeBurst materializes a summary row, applying the port-53 exclusion and
// the noise suppression rule.
func (s *Summarizer) closeBurst(b *burst) (Row, bool) {
	if b.key.dstPort == dnsPort {
		s.metrics.EventsDropped.WithLabelValues(stage.DropExcluded).Inc()
		return Row{}, false
	}
	if b.sends <= s.cfg.MinSendCount && b.bytes <= s.cfg.MinBytesSentTotal {
		s.metrics.EventsDropped.WithLabelValues(stage.DropSuppressed).Inc()
		return Row{}, false
	}

	sum := &event.NetSummary{
		SchemaVersion:  s.cfg.SchemaVersion,
		SessionID:      b.key.sessionID,
		JobID:          b.key.jobID,
		TS:             b.firstRaw,
		Source:         event.SourceEBPF,
		EventType:      event.TypeNetSummary,
		PID:            b.key.pid,
		Comm:           b.comm,
		DstIP:          b.key.dstIP,
		DstPort:        b.key.dstPort,
		Protocol:       b.protocol,
		DNSNames:       s.namesFor(b),
		ConnectCount:   b.connects,
		SendCount:      b.sends,
		BytesSentTotal: b.bytes,
		TsFirst:        b.firstRaw,
		TsLast:         b.lastRaw,
		Cmd:            b.cmd,
	}
	return Row{Summary: sum, sortTS: b.first}, true
}

// namesFor collects the deduplicated dns_response names whose answer
// matches the burst destination within [ts_first - lookback, ts_last].
func (s *Summarizer) namesFor(b *burst) []string {
	answers := s.dns[b.key.dstIP]
	if len(answers) == 0 {
		return []string{}
	}
	windowStart := b.first.Add(-s.lookback)
	seen := make(map[string]bool)
	names := []string{}
	for _, a := range answers {
		if a.ts.Before(windowStart) || a.ts.After(b.last) {
			continue
		}
		if !seen[a.name] {
			seen[a.name] = true
			names = append(names, a.name)
		}
	}
	sort.Strings(names)
	return names
}

// normalizeProtocol keeps the best-effort tcp/udp/unknown triple.
func normalizeProtocol(p string) string {
	switch p {
	case "tcp", "udp":
		return p
	}
	return "unknown"
}

// sortRows orders a batch by timestamp, breaking ties by the summary
// identity so rewrites are deterministic.
func sortRows(rows []Row) {
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].sortTS.Equal(rows[j].sortTS) {
			return rows[i].sortTS.Before(rows[j].sortTS)
		}
		return rowTieKey(rows[i]) < rowTieKey(rows[j])
	})
}

func rowTieKey(r Row) string {
	if r.Summary != nil {
		return fmt.Sprintf("%s/%d/%s/%d",
			r.Summary.SessionID, r.Summary.PID, r.Summary.DstIP, r.Summary.DstPort)
	}
	return fmt.Sprintf("%s/%d", r.Passthrough.SessionID, r.Passthrough.PID)
}
