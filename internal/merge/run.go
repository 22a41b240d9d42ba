package merge

import (
	"context"
	"log/slog"
	"time"

	"github.com/luxrun/lux/internal/config"
	"github.com/luxrun/lux/internal/stage"
	"github.com/luxrun/lux/internal/tailer"
)

// Run executes the merger. Oneshot performs a single merge-and-rename;
// follow repeats it on the rewrite interval until cancelled, with a final
// rewrite on shutdown so the snapshot reflects everything read.
func Run(ctx context.Context, cfg *config.Merger, logger *slog.Logger, mode tailer.Mode) error {
	metrics := stage.NewMetrics("merge")
	health := stage.StartHealth(cfg.HealthAddr, metrics, logger)
	defer health.Stop(context.Background())

	rewrite := func() error {
		rows, malformed, err := Merge(cfg.Inputs, cfg.SchemaVersion)
		if err != nil {
			return err
		}
		for i := 0; i < malformed; i++ {
			metrics.RecordsMalformed.Inc()
		}
		if err := WriteAtomic(cfg.Output.JSONL, rows); err != nil {
			return err
		}
		metrics.EventsEmitted.Add(float64(len(rows)))
		logger.Debug("timeline rewritten",
			slog.Int("rows", len(rows)), slog.Int("malformed", malformed))
		return nil
	}

	if mode == tailer.Oneshot {
		return rewrite()
	}

	interval := time.Duration(cfg.RewriteIntervalMS) * time.Millisecond
	for {
		if err := rewrite(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return rewrite()
		case <-time.After(interval):
		}
	}
}
