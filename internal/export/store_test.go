//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/export/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package export_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/luxrun/lux/internal/config"
	"github.com/luxrun/lux/internal/export"
	"github.com/luxrun/lux/internal/stage"
	"github.com/luxrun/lux/internal/tailer"
)

const testRunID = "lux__2026_02_12_12_23_54"

// setupStore starts a PostgreSQL container and returns a connected Store.
func setupStore(t *testing.T) (*export.Store, string) {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("lux_test"),
		tcpostgres.WithUsername("lux"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = pgContainer.Terminate(context.Background()) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	store, err := export.New(ctx, connStr, 10, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("export.New: %v", err)
	}
	t.Cleanup(func() { store.Close(context.Background()) })
	return store, connStr
}

func ts(t *testing.T, s string) time.Time {
	t.Helper()
	v, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestStore_InsertFlushAndQuery(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	raw := []byte(`{"schema_version":"1","session_id":"s1","ts":"2026-01-22T00:16:30.535Z","source":"audit","event_type":"exec","pid":1123,"details":{"cmd":"ls"}}`)
	pid := 1123
	row := export.Row{
		RunID: testRunID, SessionID: "s1",
		TS: ts(t, "2026-01-22T00:16:30.535Z"), Source: "audit",
		EventType: "exec", PID: &pid, Comm: "bash", Raw: raw,
	}
	if err := store.Insert(ctx, row); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := store.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	n, err := store.CountRows(ctx, testRunID)
	if err != nil {
		t.Fatalf("CountRows: %v", err)
	}
	if n != 1 {
		t.Errorf("CountRows = %d, want 1", n)
	}

	got, err := store.OwnerRows(ctx, testRunID, "s1", "")
	if err != nil {
		t.Fatalf("OwnerRows: %v", err)
	}
	if len(got) != 1 || got[0].EventType != "exec" || got[0].PID == nil || *got[0].PID != 1123 {
		t.Errorf("OwnerRows = %+v", got)
	}
}

func TestStore_DuplicateRowsAreDeduplicated(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	raw := []byte(`{"schema_version":"1","session_id":"s1","ts":"2026-01-22T00:16:30.535Z","source":"audit","event_type":"exec","details":{}}`)
	row := export.Row{
		RunID: testRunID, SessionID: "s1",
		TS: ts(t, "2026-01-22T00:16:30.535Z"), Source: "audit",
		EventType: "exec", Raw: raw,
	}
	for i := 0; i < 3; i++ {
		if err := store.Insert(ctx, row); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	if err := store.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	n, err := store.CountRows(ctx, testRunID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("CountRows = %d after duplicate inserts, want 1", n)
	}
}

func TestRun_OneshotSweepsMergedTimeline(t *testing.T) {
	store, connStr := setupStore(t)
	ctx := context.Background()

	dir := t.TempDir()
	timeline := filepath.Join(dir, "filtered_timeline.jsonl")
	content := `{"schema_version":"1","session_id":"s1","ts":"2026-01-22T00:16:30.535Z","source":"audit","event_type":"exec","pid":1123,"comm":"bash","details":{"cmd":"ls"}}
{"schema_version":"1","session_id":"unknown","job_id":"job_0007","ts":"2026-01-22T00:16:31.000Z","source":"ebpf","event_type":"net_summary","pid":2101,"comm":"node","details":{"dst_ip":"1.2.3.4"}}
`
	if err := os.WriteFile(timeline, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Export{}
	cfg.SchemaVersion = "1"
	cfg.LogLevel = "error"
	cfg.PollIntervalMS = 50
	cfg.Input.JSONL = timeline
	cfg.DatabaseURL = connStr
	cfg.RunID = testRunID
	cfg.BatchSize = 10
	cfg.FlushIntervalMS = 50

	if err := export.Run(ctx, cfg, stage.NewLogger("error"), tailer.Oneshot); err != nil {
		t.Fatalf("Run: %v", err)
	}

	n, err := store.CountRows(ctx, testRunID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("CountRows = %d, want 2", n)
	}

	// Sweeping again changes nothing: dedupe on content hash.
	if err := export.Run(ctx, cfg, stage.NewLogger("error"), tailer.Oneshot); err != nil {
		t.Fatalf("Run (second): %v", err)
	}
	n, _ = store.CountRows(ctx, testRunID)
	if n != 2 {
		t.Errorf("CountRows = %d after rerun, want 2", n)
	}
}
