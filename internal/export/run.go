package export

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/luxrun/lux/internal/config"
	"github.com/luxrun/lux/internal/event"
	"github.com/luxrun/lux/internal/stage"
	"github.com/luxrun/lux/internal/tailer"
)

// Run executes the exporter. The merged timeline is re-read wholesale on
// every change (the merger rewrites, never appends); content-hash dedupe in
// the store makes re-reads idempotent.
func Run(ctx context.Context, cfg *config.Export, logger *slog.Logger, mode tailer.Mode) error {
	metrics := stage.NewMetrics("export")
	health := stage.StartHealth(cfg.HealthAddr, metrics, logger)
	defer health.Stop(context.Background())

	store, err := New(ctx, cfg.DatabaseURL, cfg.BatchSize,
		time.Duration(cfg.FlushIntervalMS)*time.Millisecond)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	sweep := func() error {
		n, err := exportFile(ctx, store, cfg, metrics)
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Debug("timeline swept", slog.Int("rows", n))
		}
		return nil
	}

	if mode == tailer.Oneshot {
		if err := sweep(); err != nil {
			return err
		}
		return store.Flush(ctx)
	}

	pollInterval := time.Duration(cfg.PollIntervalMS) * time.Millisecond
	var lastMod time.Time
	for {
		if fi, err := os.Stat(cfg.Input.JSONL); err == nil && fi.ModTime().After(lastMod) {
			lastMod = fi.ModTime()
			if err := sweep(); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return store.Flush(context.Background())
		case <-time.After(pollInterval):
		}
	}
}

// exportFile reads the merged file and enqueues every row.
func exportFile(ctx context.Context, store *Store, cfg *config.Export, metrics *stage.Metrics) (int, error) {
	raw, err := os.ReadFile(cfg.Input.JSONL)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	n := 0
	for _, line := range bytes.Split(raw, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var tr event.TimelineRow
		if err := json.Unmarshal(line, &tr); err != nil {
			metrics.RecordsMalformed.Inc()
			continue
		}
		ts, err := event.ParseTS(tr.TS)
		if err != nil {
			metrics.RecordsMalformed.Inc()
			continue
		}
		metrics.RecordsParsed.Inc()

		row := Row{
			RunID:     cfg.RunID,
			SessionID: tr.SessionID,
			JobID:     tr.JobID,
			TS:        ts,
			Source:    tr.Source,
			EventType: tr.EventType,
			PID:       tr.PID,
			Comm:      tr.Comm,
			Raw:       append([]byte(nil), line...),
		}
		if err := store.Insert(ctx, row); err != nil {
			return n, err
		}
		metrics.EventsEmitted.Inc()
		n++
	}
	return n, nil
}
