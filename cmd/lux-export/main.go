// Command lux-export archives the merged timeline into PostgreSQL so
// reviewers can query a run's history after its directory is pruned.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/luxrun/lux/internal/config"
	"github.com/luxrun/lux/internal/export"
	"github.com/luxrun/lux/internal/stage"
	"github.com/luxrun/lux/internal/tailer"
)

func main() {
	configPath := flag.String("config", "", "path to the stage YAML configuration file")
	follow := flag.Bool("follow", false, "keep sweeping the timeline as it is rewritten")
	oneshot := flag.Bool("oneshot", false, "sweep the timeline once and exit")
	flag.Parse()

	mode, err := pickMode(*follow, *oneshot)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lux-export: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadExport(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lux-export: %v\n", err)
		os.Exit(1)
	}

	logger := stage.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("exporter starting",
		slog.String("config", *configPath),
		slog.String("mode", string(mode)),
		slog.String("input", cfg.Input.JSONL),
		slog.String("run_id", cfg.RunID),
	)

	ctx, cancel := stage.SignalContext()
	defer cancel()

	if err := export.Run(ctx, cfg, logger, mode); err != nil {
		logger.Error("exporter failed", slog.Any("error", err))
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
