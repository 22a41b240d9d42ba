package summarize

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/luxrun/lux/internal/config"
	"github.com/luxrun/lux/internal/event"
	"github.com/luxrun/lux/internal/stage"
	"github.com/luxrun/lux/internal/tailer"
)

const cursorStream = "ebpf_summary.input"

// Run executes the summarizer until ctx is cancelled (follow) or
// end-of-file (oneshot).
func Run(ctx context.Context, cfg *config.Summarizer, logger *slog.Logger, mode tailer.Mode) error {
	metrics := stage.NewMetrics("ebpf_summary")
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

	sum := New(cfg, metrics)
	in := tailer.New(cfg.Input.JSONL, resume)
	defer in.Close()

	follow := mode == tailer.Follow
	pollInterval := time.Duration(cfg.PollIntervalMS) * time.Millisecond

	emit := func(rows []Row) error {
		for _, r := range rows {
			var v any
			if r.Summary != nil {
				v = r.Summary
			} else {
				v = r.Passthrough
			}
			line, err := event.EncodeLine(v)
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

	for {
		records, perr := in.Poll()
		if perr != nil {
			logger.Warn("summary input poll failed", slog.Any("error", perr))
		}
		for _, raw := range records {
			var ev event.EBPFEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				metrics.RecordsMalformed.Inc()
				continue
			}
			metrics.RecordsParsed.Inc()
			rows, aerr := sum.Add(ev)
			if aerr != nil {
				metrics.RecordsMalformed.Inc()
				continue
			}
			if err := emit(rows); err != nil {
				return err
			}
		}

		if follow {
			if err := emit(sum.FlushIdle()); err != nil {
				return err
			}
			if store != nil {
				if err := store.Save(cursorStream, in.Cursor()); err != nil {
					return err
				}
			}
			select {
			case <-ctx.Done():
				return emit(sum.Finish())
			case <-time.After(pollInterval):
			}
			continue
		}

		if len(records) == 0 {
			return emit(sum.Finish())
		}
	}
}
