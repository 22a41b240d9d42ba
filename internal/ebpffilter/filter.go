// Package ebpffilter attributes raw eBPF events (network, DNS, and unix
// socket activity) to harness sessions and jobs. The audit exec stream is
// its sole source of PID lineage truth; eBPF events themselves never extend
// the process tree.
package ebpffilter

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/luxrun/lux/internal/attribution"
	"github.com/luxrun/lux/internal/config"
	"github.com/luxrun/lux/internal/event"
	"github.com/luxrun/lux/internal/runmeta"
	"github.com/luxrun/lux/internal/stage"
)

// Filter is the eBPF filter's per-run state. One mutex guards the pid tree
// and the pending buffer together: ownership is re-checked under the lock
// when draining, so an exec arriving between "unresolved" and "enqueued"
// can neither double-enqueue nor strand the event.
type Filter struct {
	cfg     *config.EBPFFilter
	logger  *slog.Logger
	metrics *stage.Metrics

	mu      sync.Mutex
	engine  *attribution.Engine
	pending *pendingBuffer
	lastCmd map[int]string
}

// New returns a Filter over the given engine.
func New(cfg *config.EBPFFilter, eng *attribution.Engine, m *stage.Metrics, logger *slog.Logger) *Filter {
	var pb *pendingBuffer
	if cfg.PendingBuffer.Enabled {
		pb = newPendingBuffer(
			time.Duration(cfg.PendingBuffer.TTLSec)*time.Second,
			cfg.PendingBuffer.MaxPerPID,
			cfg.PendingBuffer.MaxTotal,
		)
	}
	return &Filter{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		engine:  eng,
		pending: pb,
		lastCmd: make(map[int]string),
	}
}

// SetRoots applies a marker refresh and drains any pending events the new
// roots unblock.
func (f *Filter) SetRoots(roots []runmeta.Root, now time.Time) []event.EBPFEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.engine.SetRoots(roots)
	return f.drainLocked(now)
}

// ObserveExec ingests one audit exec record: it grows the pid tree, records
// the pid's command for linking, and drains newly-owned pending events.
// now is the wall clock for TTL accounting.
func (f *Filter) ObserveExec(pid, ppid int, comm, exe, cmd string, uid, gid int, ts, now time.Time) []event.EBPFEvent {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.engine.ObserveExec(pid, ppid, comm, exe, uid, gid, ts)
	if cmd != "" {
		f.lastCmd[pid] = cmd
	}
	return f.drainLocked(now)
}

// Process handles one raw eBPF event. It returns the events to emit now:
// usually zero or one, but an event that resolves a pid can flush that
// pid's queued predecessors first (per-PID FIFO).
func (f *Filter) Process(raw event.RawEBPF, now time.Time) []event.EBPFEvent {
	if !raw.Known() {
		f.metrics.EventsDropped.WithLabelValues(stage.DropUnknownType).Inc()
		return nil
	}
	if !containsString(f.cfg.Include.EventTypes, raw.EventType) {
		f.metrics.EventsDropped.WithLabelValues(stage.DropExcluded).Inc()
		return nil
	}
	if f.excluded(raw) {
		f.metrics.EventsDropped.WithLabelValues(stage.DropExcluded).Inc()
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	ts, err := event.ParseTS(raw.TS)
	if err != nil {
		f.metrics.RecordsMalformed.Inc()
		return nil
	}

	res := f.engine.Resolve(raw.PID, raw.UID, -1, raw.Comm, ts)
	if !res.Owned() {
		if f.pending == nil {
			f.metrics.EventsDropped.WithLabelValues(stage.DropUnattributed).Inc()
			return nil
		}
		if !f.pending.push(raw, now) {
			f.metrics.EventsDropped.WithLabelValues(stage.DropOverflow).Inc()
		}
		f.metrics.PendingDepth.Set(float64(f.pending.size()))
		return nil
	}

	// Keep per-PID FIFO: if this pid still has parked predecessors, the new
	// event queues behind them and the whole run flushes together.
	if f.pending != nil && f.pending.depth(raw.PID) > 0 {
		if !f.pending.push(raw, now) {
			f.metrics.EventsDropped.WithLabelValues(stage.DropOverflow).Inc()
		}
		return f.drainLocked(now)
	}

	return []event.EBPFEvent{f.convert(raw, res)}
}

// DrainPending re-scans the pending buffer (TTL expiry plus any pids the
// latest roots or tree growth unblocked). Called on marker refresh and on
// every poll tick.
func (f *Filter) DrainPending(now time.Time) []event.EBPFEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drainLocked(now)
}

// drainLocked flushes resolvable pending queues. Caller holds f.mu.
func (f *Filter) drainLocked(now time.Time) []event.EBPFEvent {
	if f.pending == nil {
		return nil
	}
	ready, expired := f.pending.drain(now, func(raw event.RawEBPF) bool {
		ts, err := event.ParseTS(raw.TS)
		if err != nil {
			return false
		}
		return f.engine.Resolve(raw.PID, raw.UID, -1, raw.Comm, ts).Owned()
	})
	for i := 0; i < expired; i++ {
		f.metrics.EventsDropped.WithLabelValues(stage.DropTTLExpired).Inc()
	}
	f.metrics.PendingDepth.Set(float64(f.pending.size()))

	var out []event.EBPFEvent
	for _, raw := range ready {
		ts, _ := event.ParseTS(raw.TS)
		res := f.engine.Resolve(raw.PID, raw.UID, -1, raw.Comm, ts)
		if !res.Owned() {
			// Lost the re-check race; never emit an ownerless row.
			f.metrics.EventsDropped.WithLabelValues(stage.DropUnattributed).Inc()
			continue
		}
		out = append(out, f.convert(raw, res))
	}
	return out
}

// convert builds the filtered envelope.
func (f *Filter) convert(raw event.RawEBPF, res attribution.Resolution) event.EBPFEvent {
	ev := event.EBPFEvent{
		SchemaVersion: f.cfg.SchemaVersion,
		SessionID:     res.SessionID,
		JobID:         res.JobID,
		TS:            raw.TS,
		Source:        event.SourceEBPF,
		EventType:     raw.EventType,
		PID:           raw.PID,
		PPID:          raw.PPID,
		UID:           raw.UID,
		GID:           raw.GID,
		Comm:          raw.Comm,
		CgroupID:      raw.CgroupID,
		SyscallResult: raw.SyscallResult,
		AgentOwned:    true,
		Net:           raw.Net,
		DNS:           raw.DNS,
		Unix:          raw.Unix,
	}
	if f.cfg.Linking.AttachCmdToNet {
		if cmd, ok := f.lastCmd[raw.PID]; ok {
			ev.Cmd = cmd
		}
	}
	return ev
}

// excluded applies the comm / unix path / destination exclusion lists.
func (f *Filter) excluded(raw event.RawEBPF) bool {
	if containsString(f.cfg.Exclude.Comm, raw.Comm) {
		return true
	}
	if raw.Unix != nil {
		for _, p := range f.cfg.Exclude.UnixPaths {
			if p != "" && strings.HasPrefix(raw.Unix.Path, p) {
				return true
			}
		}
	}
	if raw.Net != nil {
		for _, port := range f.cfg.Exclude.NetDstPorts {
			if raw.Net.DstPort == port {
				return true
			}
		}
		if containsString(f.cfg.Exclude.NetDstIPs, raw.Net.DstIP) {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
