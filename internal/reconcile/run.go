package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/luxrun/lux/internal/config"
	"github.com/luxrun/lux/internal/stage"
	"github.com/luxrun/lux/internal/tailer"
)

// Run executes the reconciler: one full sweep in oneshot mode, repeated
// sweeps on the reconcile interval in follow mode.
func Run(ctx context.Context, cfg *config.Reconciler, logger *slog.Logger, mode tailer.Mode) error {
	metrics := stage.NewMetrics("reconcile")
	health := stage.StartHealth(cfg.HealthAddr, metrics, logger)
	defer health.Stop(context.Background())

	r := New(cfg, logger)

	if mode == tailer.Oneshot {
		return r.ReconcileAll(ctx)
	}

	interval := time.Duration(cfg.ReconcileIntervalSec * float64(time.Second))
	for {
		if err := r.ReconcileAll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}
