// Package stage holds the runtime shared by every collector stage binary:
// leveled logging, Prometheus counters, the localhost health listener, the
// shutdown signal context, and the JSONL output writer.
//
// A stage is one long-lived single-threaded process. Real parallelism
// exists only across stages, which compose through files; inside a stage
// the main loop advances input cursors and output emission cooperatively.
package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewLogger builds a text slog.Logger at the configured level, writing to
// stderr so stage stdout stays clean.
func NewLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// SignalContext returns a context cancelled on SIGTERM or SIGINT. On
// receipt a stage flushes its current output record, closes files, and
// exits.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics are the per-stage counters surfaced on /metrics. They are not
// written to the log.
type Metrics struct {
	RecordsParsed    prometheus.Counter
	RecordsMalformed prometheus.Counter
	EventsEmitted    prometheus.Counter
	EventsDropped    *prometheus.CounterVec
	PendingDepth     prometheus.Gauge

	registry *prometheus.Registry
}

// Drop reasons used across stages.
const (
	DropUnattributed = "unattributed"
	DropExcluded     = "excluded"
	DropTTLExpired   = "ttl_expired"
	DropOverflow     = "buffer_overflow"
	DropSuppressed   = "suppressed"
	DropUnknownType  = "unknown_type"
	DropScope        = "out_of_scope"
)

// NewMetrics registers the stage counter set on a fresh registry.
func NewMetrics(stageName string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		RecordsParsed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lux", Subsystem: stageName, Name: "records_parsed_total",
			Help: "Raw input records parsed successfully.",
		}),
		RecordsMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lux", Subsystem: stageName, Name: "records_malformed_total",
			Help: "Raw input records skipped as malformed.",
		}),
		EventsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lux", Subsystem: stageName, Name: "events_emitted_total",
			Help: "Events written to the stage output.",
		}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lux", Subsystem: stageName, Name: "events_dropped_total",
			Help: "Events dropped, by reason.",
		}, []string{"reason"}),
		PendingDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lux", Subsystem: stageName, Name: "pending_depth",
			Help: "Records currently buffered awaiting resolution.",
		}),
		registry: reg,
	}
	reg.MustRegister(m.RecordsParsed, m.RecordsMalformed, m.EventsEmitted, m.EventsDropped, m.PendingDepth)
	return m
}

// ---------------------------------------------------------------------------
// Health listener
// ---------------------------------------------------------------------------

// HealthServer serves GET /healthz and GET /metrics on a localhost address.
// It is stage observability only; an empty address disables it.
type HealthServer struct {
	srv *http.Server
}

// StartHealth starts the listener in the background. Returns nil (and does
// nothing) when addr is empty.
func StartHealth(addr string, m *Metrics, logger *slog.Logger) *HealthServer {
	if addr == "" {
		return nil
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"status":"ok"}`)
	})
	r.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health listener failed", slog.String("addr", addr), slog.Any("error", err))
		}
	}()
	logger.Info("health listener started", slog.String("addr", addr))
	return &HealthServer{srv: srv}
}

// Stop shuts the listener down. Safe on a nil receiver.
func (h *HealthServer) Stop(ctx context.Context) {
	if h == nil {
		return
	}
	_ = h.srv.Shutdown(ctx)
}

// ---------------------------------------------------------------------------
// Output writer
// ---------------------------------------------------------------------------

// Writer appends complete JSONL records to a stage's output file. Each
// record is written with a single Write call so no partial record can land;
// a write failure is fatal to the stage, which the surrounding supervisor
// restarts.
type Writer struct {
	file *os.File
	path string
}

// OpenWriter opens the output file, creating parent directories. truncate
// selects oneshot semantics (rewrite) over follow semantics (append).
func OpenWriter(path string, truncate bool) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("stage: create output dir for %q: %w", path, err)
	}
	flags := os.O_CREATE | os.O_WRONLY
	if truncate {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("stage: open output %q: %w", path, err)
	}
	return &Writer{file: f, path: path}, nil
}

// WriteLine appends one newline-terminated record.
func (w *Writer) WriteLine(line []byte) error {
	if _, err := w.file.Write(line); err != nil {
		return fmt.Errorf("stage: write output %q: %w", w.path, err)
	}
	return nil
}

// Close syncs and closes the output file.
func (w *Writer) Close() error {
	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		return fmt.Errorf("stage: sync output %q: %w", w.path, err)
	}
	return w.file.Close()
}
