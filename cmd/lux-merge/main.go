// Command lux-merge unions the audit-filtered and eBPF-summary streams
// into the single sorted timeline file consumers read. The output is
// rewritten atomically on each interval; it is never appended to.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/luxrun/lux/internal/config"
	"github.com/luxrun/lux/internal/merge"
	"github.com/luxrun/lux/internal/stage"
	"github.com/luxrun/lux/internal/tailer"
)

func main() {
	configPath := flag.String("config", "", "path to the stage YAML configuration file")
	follow := flag.Bool("follow", false, "keep rewriting the output on an interval")
	oneshot := flag.Bool("oneshot", false, "merge once and exit")
	flag.Parse()

	mode, err := pickMode(*follow, *oneshot)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lux-merge: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadMerger(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lux-merge: %v\n", err)
		os.Exit(1)
	}

	logger := stage.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("merger starting",
		slog.String("config", *configPath),
		slog.String("mode", string(mode)),
		slog.Int("inputs", len(cfg.Inputs)),
		slog.String("output", cfg.Output.JSONL),
	)

	ctx, cancel := stage.SignalContext()
	defer cancel()

	if err := merge.Run(ctx, cfg, logger, mode); err != nil {
		logger.Error("merger failed", slog.Any("error", err))
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
