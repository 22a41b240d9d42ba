// Command lux-reconcile derives per-session and per-job timeline snapshots
// from the merged timeline, re-filtering each owner until its row count is
// stable across two consecutive passes.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/luxrun/lux/internal/config"
	"github.com/luxrun/lux/internal/reconcile"
	"github.com/luxrun/lux/internal/stage"
	"github.com/luxrun/lux/internal/tailer"
)

func main() {
	configPath := flag.String("config", "", "path to the stage YAML configuration file")
	follow := flag.Bool("follow", false, "keep reconciling on an interval")
	oneshot := flag.Bool("oneshot", false, "reconcile every owner once and exit")
	flag.Parse()

	mode, err := pickMode(*follow, *oneshot)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lux-reconcile: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadReconciler(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lux-reconcile: %v\n", err)
		os.Exit(1)
	}

	logger := stage.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("reconciler starting",
		slog.String("config", *configPath),
		slog.String("mode", string(mode)),
		slog.String("input", cfg.Input.JSONL),
	)

	ctx, cancel := stage.SignalContext()
	defer cancel()

	if err := reconcile.Run(ctx, cfg, logger, mode); err != nil {
		logger.Error("reconciler failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func pickMode(follow, oneshot bool) (tailer.Mode, error) {
	if follow == oneshot {
		return "", fmt.Errorf("exactly one of --follow or --oneshot is required")
	}
	if follow {
		return tailer.Follow, nil
	}
	return tailer.Oneshot, nil
}
