package auditfilter

import (
	"context"
	"log/slog"
	"time"

	"github.com/luxrun/lux/internal/attribution"
	"github.com/luxrun/lux/internal/auditlog"
	"github.com/luxrun/lux/internal/config"
	"github.com/luxrun/lux/internal/event"
	"github.com/luxrun/lux/internal/runmeta"
	"github.com/luxrun/lux/internal/stage"
	"github.com/luxrun/lux/internal/tailer"
)

// rootRefreshInterval is how often the harness marker directories are
// rescanned; a blocking filesystem scan, so on a cadence rather than per
// event.
const rootRefreshInterval = 2 * time.Second

// cursorStream is the cursor-store key for this stage's input.
const cursorStream = "audit_filter.audit"

// Run executes the audit filter until ctx is cancelled (follow) or
// end-of-file (oneshot). Input I/O problems are retried on the next poll;
// output write errors are fatal and returned.
func Run(ctx context.Context, cfg *config.AuditFilter, logger *slog.Logger, mode tailer.Mode) error {
	metrics := stage.NewMetrics("audit_filter")
	health := stage.StartHealth(cfg.HealthAddr, metrics, logger)
	defer health.Stop(context.Background())

	var (
		store  *tailer.CursorStore
		resume tailer.Cursor
	)
	if cfg.CursorDB != "" && mode == tailer.Follow {
		var err error
		store, err = tailer.OpenCursorStore(cfg.CursorDB)
		if err != nil {
			return err
		}
		defer store.Close()
		if cur, ok, err := store.Load(cursorStream); err != nil {
			return err
		} else if ok {
			resume = cur
		}
	}

	out, err := stage.OpenWriter(cfg.Output.JSONL, mode == tailer.Oneshot)
	if err != nil {
		return err
	}
	defer out.Close()

	eng := attribution.NewEngine(attribution.Config{
		AgentUID: cfg.AgentOwnership.UID,
		RootComm: cfg.AgentOwnership.RootComm,
	}, attribution.NewPIDTree(0), nil)
	loader := runmeta.NewLoader(cfg.SessionsDir, cfg.JobsDir)
	filter := New(cfg, eng, metrics, logger)

	refreshRoots(eng, loader, logger)

	in := tailer.New(cfg.Input.AuditLog, resume)
	defer in.Close()
	grouper := auditlog.NewGrouper(time.Duration(cfg.Grouping.FlushTimeoutMS) * time.Millisecond)

	follow := mode == tailer.Follow
	pollInterval := time.Duration(cfg.PollIntervalMS) * time.Millisecond
	lastRefresh := time.Now()

	emit := func(evs []event.AuditEvent) error {
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

	handleGroups := func(groups []*auditlog.Group, now time.Time) error {
		for _, g := range groups {
			if err := emit(filter.ProcessGroup(g, follow, now)); err != nil {
				return err
			}
		}
		return nil
	}

	for {
		now := time.Now()

		if now.Sub(lastRefresh) >= rootRefreshInterval {
			refreshRoots(eng, loader, logger)
			lastRefresh = now
			if err := emit(filter.FlushPending(now)); err != nil {
				return err
			}
		}

		records, err := in.Poll()
		if err != nil {
			// Input I/O trouble is retried; rotation never reaches here.
			logger.Warn("audit input poll failed", slog.Any("error", err))
		}
		for _, raw := range records {
			rec, perr := auditlog.ParseRecord(string(raw))
			if perr != nil {
				metrics.RecordsMalformed.Inc()
				continue
			}
			metrics.RecordsParsed.Inc()
			if err := handleGroups(grouper.Add(rec, now), now); err != nil {
				return err
			}
		}

		if follow {
			if err := handleGroups(grouper.Flush(now), now); err != nil {
				return err
			}
			if err := emit(filter.FlushPending(now)); err != nil {
				return err
			}
			if store != nil {
				if err := store.Save(cursorStream, in.Cursor()); err != nil {
					return err
				}
			}
			select {
			case <-ctx.Done():
				// Shutdown: close out whatever is in flight, then stop.
				if err := handleGroups(grouper.Drain(), now); err != nil {
					return err
				}
				return nil
			case <-time.After(pollInterval):
			}
			continue
		}

		// Oneshot: a drained poll means end-of-file.
		if len(records) == 0 {
			if rem := in.Remainder(); rem != nil {
				if rec, perr := auditlog.ParseRecord(string(rem)); perr == nil {
					metrics.RecordsParsed.Inc()
					if err := handleGroups(grouper.Add(rec, now), now); err != nil {
						return err
					}
				} else {
					metrics.RecordsMalformed.Inc()
				}
			}
			return handleGroups(grouper.Drain(), now)
		}
	}
}

// refreshRoots reloads harness markers into the engine; a failed scan keeps
// the previous roots.
func refreshRoots(eng *attribution.Engine, loader *runmeta.Loader, logger *slog.Logger) {
	roots, err := loader.Load()
	if err != nil {
		logger.Warn("marker refresh failed", slog.Any("error", err))
		return
	}
	eng.SetRoots(roots)
}
