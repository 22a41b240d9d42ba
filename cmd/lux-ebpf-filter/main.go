// Command lux-ebpf-filter attributes the raw eBPF event stream of a run
// (network, DNS, unix socket activity) using the audit exec stream as its
// source of PID lineage, and emits attributed JSONL events.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/luxrun/lux/internal/config"
	"github.com/luxrun/lux/internal/ebpffilter"
	"github.com/luxrun/lux/internal/stage"
	"github.com/luxrun/lux/internal/tailer"
)

func main() {
	configPath := flag.String("config", "", "path to the stage YAML configuration file")
	follow := flag.Bool("follow", false, "keep following the inputs after the initial scan")
	oneshot := flag.Bool("oneshot", false, "drain the inputs once and exit")
	flag.Parse()

	mode, err := pickMode(*follow, *oneshot)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lux-ebpf-filter: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadEBPFFilter(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lux-ebpf-filter: %v\n", err)
		os.Exit(1)
	}

	logger := stage.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("ebpf filter starting",
		slog.String("config", *configPath),
		slog.String("mode", string(mode)),
		slog.String("audit_input", cfg.Input.AuditLog),
		slog.String("ebpf_input", cfg.Input.EBPFLog),
		slog.String("output", cfg.Output.JSONL),
	)

	ctx, cancel := stage.SignalContext()
	defer cancel()

	if err := ebpffilter.Run(ctx, cfg, logger, mode); err != nil {
		logger.Error("ebpf filter failed", slog.Any("error", err))
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
