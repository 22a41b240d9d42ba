package ebpffilter

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/luxrun/lux/internal/attribution"
	"github.com/luxrun/lux/internal/auditlog"
	"github.com/luxrun/lux/internal/config"
	"github.com/luxrun/lux/internal/event"
	"github.com/luxrun/lux/internal/runmeta"
	"github.com/luxrun/lux/internal/stage"
	"github.com/luxrun/lux/internal/tailer"
)

const rootRefreshInterval = 2 * time.Second

// Cursor-store keys. The audit cursor in particular must survive the
// initial ownership scan into the follow phase: losing it between those
// two phases historically skipped execs and orphaned whole subtrees.
const (
	auditCursorStream = "ebpf_filter.audit"
	ebpfCursorStream  = "ebpf_filter.ebpf"
)

// execSyscalls mirrors the audit filter's exec recognition.
var execSyscalls = map[string]bool{
	"59": true, "322": true, "execve": true, "execveat": true,
}

// Run executes the eBPF filter until ctx is cancelled (follow) or both
// inputs are drained (oneshot). The audit and eBPF streams advance
// cooperatively on this one goroutine.
func Run(ctx context.Context, cfg *config.EBPFFilter, logger *slog.Logger, mode tailer.Mode) error {
	metrics := stage.NewMetrics("ebpf_filter")
	health := stage.StartHealth(cfg.HealthAddr, metrics, logger)
	defer health.Stop(context.Background())

	var store *tailer.CursorStore
	var auditResume, ebpfResume tailer.Cursor
	if cfg.CursorDB != "" && mode == tailer.Follow {
		var err error
		store, err = tailer.OpenCursorStore(cfg.CursorDB)
		if err != nil {
			return err
		}
		defer store.Close()
		if cur, ok, err := store.Load(auditCursorStream); err != nil {
			return err
		} else if ok {
			auditResume = cur
		}
		if cur, ok, err := store.Load(ebpfCursorStream); err != nil {
			return err
		} else if ok {
			ebpfResume = cur
		}
	}

	out, err := stage.OpenWriter(cfg.Output.JSONL, mode == tailer.Oneshot)
	if err != nil {
		return err
	}
	defer out.Close()

	eng := attribution.NewEngine(attribution.Config{
		AgentUID: cfg.Ownership.UID,
		RootComm: cfg.Ownership.RootComm,
		PIDTTL:   time.Duration(cfg.Ownership.PIDTTLSec) * time.Second,
	}, attribution.NewPIDTree(time.Duration(cfg.Ownership.PIDTTLSec)*time.Second), attribution.ProcSIDOracle{})
	loader := runmeta.NewLoader(cfg.SessionsDir, cfg.JobsDir)
	filter := New(cfg, eng, metrics, logger)

	auditIn := tailer.New(cfg.Input.AuditLog, auditResume)
	defer auditIn.Close()
	ebpfIn := tailer.New(cfg.Input.EBPFLog, ebpfResume)
	defer ebpfIn.Close()
	grouper := auditlog.NewGrouper(time.Second)

	follow := mode == tailer.Follow
	pollInterval := time.Duration(cfg.PollIntervalMS) * time.Millisecond

	emit := func(evs []event.EBPFEvent) error {
		for _, ev := range evs {
			line, err := event.EncodeLine(ev)
			if err != nil {
				return err
			}
			if err := out.WriteLine(line); err != nil {
				return err
			}
			metrics.EventsEmitted.Inc()
		}
		return nil
	}

	ingestExecGroups := func(groups []*auditlog.Group, now time.Time) error {
		for _, g := range groups {
			sys := g.First("SYSCALL")
			if sys == nil || !execSyscalls[sys.Fields["syscall"]] {
				continue
			}
			if sys.Fields["success"] != "yes" {
				continue
			}
			if len(cfg.Ownership.ExecKeys) > 0 && !containsString(cfg.Ownership.ExecKeys, sys.Fields["key"]) {
				continue
			}
			evs := filter.ObserveExec(
				fieldInt(sys, "pid"), fieldInt(sys, "ppid"),
				sys.Fields["comm"], sys.Fields["exe"],
				auditlog.ShellJoin(g.Argv()),
				fieldInt(sys, "uid"), fieldInt(sys, "gid"),
				g.Time, now,
			)
			if err := emit(evs); err != nil {
				return err
			}
		}
		return nil
	}

	refresh := func(now time.Time) error {
		roots, err := loader.Load()
		if err != nil {
			logger.Warn("marker refresh failed", slog.Any("error", err))
			return nil
		}
		return emit(filter.SetRoots(roots, now))
	}

	if err := refresh(time.Now()); err != nil {
		return err
	}
	lastRefresh := time.Now()

	for {
		now := time.Now()

		if now.Sub(lastRefresh) >= rootRefreshInterval {
			if err := refresh(now); err != nil {
				return err
			}
			lastRefresh = now
		}

		// Advance the audit stream first so lineage leads the events that
		// depend on it.
		auditRecs, aerr := auditIn.Poll()
		if aerr != nil {
			logger.Warn("audit input poll failed", slog.Any("error", aerr))
		}
		for _, raw := range auditRecs {
			rec, perr := auditlog.ParseRecord(string(raw))
			if perr != nil {
				continue // lineage-only stream; malformed lines counted downstream
			}
			if err := ingestExecGroups(grouper.Add(rec, now), now); err != nil {
				return err
			}
		}

		ebpfRecs, eerr := ebpfIn.Poll()
		if eerr != nil {
			logger.Warn("ebpf input poll failed", slog.Any("error", eerr))
		}
		for _, raw := range ebpfRecs {
			rawEv, perr := event.ParseRawEBPF(raw)
			if perr != nil {
				metrics.RecordsMalformed.Inc()
				continue
			}
			metrics.RecordsParsed.Inc()
			if err := emit(filter.Process(rawEv, now)); err != nil {
				return err
			}
		}

		if follow {
			if err := ingestExecGroups(grouper.Flush(now), now); err != nil {
				return err
			}
			if err := emit(filter.DrainPending(now)); err != nil {
				return err
			}
			if store != nil {
				if err := store.Save(auditCursorStream, auditIn.Cursor()); err != nil {
					return err
				}
				if err := store.Save(ebpfCursorStream, ebpfIn.Cursor()); err != nil {
					return err
				}
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(pollInterval):
			}
			continue
		}

		if len(auditRecs) == 0 && len(ebpfRecs) == 0 {
			// Oneshot end-of-file: ingest straggler exec groups, give the
			// pending buffer one final chance, then stop.
			if err := ingestExecGroups(grouper.Drain(), now); err != nil {
				return err
			}
			return emit(filter.DrainPending(now))
		}
	}
}

func fieldInt(r *auditlog.Record, key string) int {
	n, err := strconv.Atoi(r.Fields[key])
	if err != nil {
		return 0
	}
	return n
}
