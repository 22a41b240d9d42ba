// Command lux-ebpf-summary collapses filtered eBPF events into
// per-destination send bursts with DNS name correlation, passing unix
// socket connects through untouched.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/luxrun/lux/internal/config"
	"github.com/luxrun/lux/internal/stage"
	"github.com/luxrun/lux/internal/summarize"
	"github.com/luxrun/lux/internal/tailer"
)

func main() {
	configPath := flag.String("config", "", "path to the stage YAML configuration file")
	follow := flag.Bool("follow", false, "keep following the input after the initial scan")
	oneshot := flag.Bool("oneshot", false, "drain the input once and exit")
	flag.Parse()

	mode, err := pickMode(*follow, *oneshot)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lux-ebpf-summary: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadSummarizer(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lux-ebpf-summary: %v\n", err)
		os.Exit(1)
	}

	logger := stage.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("summarizer starting",
		slog.String("config", *configPath),
		slog.String("mode", string(mode)),
		slog.String("input", cfg.Input.JSONL),
		slog.String("output", cfg.Output.JSONL),
	)

	ctx, cancel := stage.SignalContext()
	defer cancel()

	if err := summarize.Run(ctx, cfg, logger, mode); err != nil {
		logger.Error("summarizer failed", slog.Any("error", err))
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
