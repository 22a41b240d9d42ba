// Command lux-audit-filter turns the raw kernel audit log of a run into
// attributed, compact JSONL events. It loads one YAML configuration file,
// runs until end-of-file (--oneshot) or until SIGTERM (--follow), and exits
// nonzero on invalid configuration or a fatal output error.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/luxrun/lux/internal/auditfilter"
	"github.com/luxrun/lux/internal/config"
	"github.com/luxrun/lux/internal/stage"
	"github.com/luxrun/lux/internal/tailer"
)

func main() {
	configPath := flag.String("config", "", "path to the stage YAML configuration file")
	follow := flag.Bool("follow", false, "keep following the input after the initial scan")
	oneshot := flag.Bool("oneshot", false, "drain the input once and exit")
	flag.Parse()

	mode, err := pickMode(*follow, *oneshot)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lux-audit-filter: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadAuditFilter(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lux-audit-filter: %v\n", err)
		os.Exit(1)
	}

	logger := stage.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("audit filter starting",
		slog.String("config", *configPath),
		slog.String("mode", string(mode)),
		slog.String("input", cfg.Input.AuditLog),
		slog.String("output", cfg.Output.JSONL),
	)

	ctx, cancel := stage.SignalContext()
	defer cancel()

	if err := auditfilter.Run(ctx, cfg, logger, mode); err != nil {
		logger.Error("audit filter failed", slog.Any("error", err))
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
