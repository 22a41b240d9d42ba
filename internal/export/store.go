// Package export archives merged timeline rows into PostgreSQL so
// reviewers can query history after run directories are pruned. Ingestion
// is batched: rows accumulate in memory and flush either when the batch
// fills or when the background ticker fires, whichever comes first.
//
// Because the merger rewrites its output wholesale, the exporter re-reads
// the entire timeline on every change; inserts are deduplicated on a
// content hash, so re-reading is idempotent.
package export

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBatchSize is the number of rows held in memory before an
	// automatic flush.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes a
	// partial batch.
	DefaultFlushInterval = time.Second
)

// Row is one archived timeline row. Raw is the verbatim JSONL line; the
// extracted columns exist for querying.
type Row struct {
	RunID     string
	SessionID string
	JobID     string
	TS        time.Time
	Source    string
	EventType string
	PID       *int
	Comm      string
	Raw       []byte
}

// hash is the dedupe key: a run-scoped content digest.
func (r Row) hash() string {
	sum := sha256.Sum256(r.Raw)
	return hex.EncodeToString(sum[:])
}

// Store is the PostgreSQL-backed archival layer.
type Store struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []Row
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// schema is applied on New; idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS timeline_rows (
    run_id     TEXT        NOT NULL,
    row_hash   TEXT        NOT NULL,
    session_id TEXT        NOT NULL,
    job_id     TEXT        NOT NULL DEFAULT '',
    ts         TIMESTAMPTZ NOT NULL,
    source     TEXT        NOT NULL,
    event_type TEXT        NOT NULL,
    pid        INTEGER,
    comm       TEXT        NOT NULL DEFAULT '',
    raw        JSONB       NOT NULL,
    exported_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (run_id, row_hash)
);
CREATE INDEX IF NOT EXISTS idx_timeline_rows_owner
    ON timeline_rows (run_id, session_id, job_id, ts);
`

// New opens a pgxpool connection, pings the database, applies the schema,
// and starts the background flush goroutine.
//
// batchSize ≤ 0 is replaced with DefaultBatchSize; flushInterval ≤ 0 with
// DefaultFlushInterval.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Store, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("export: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("export: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("export: apply schema: %w", err)
	}

	s := &Store{
		pool:          pool,
		batch:         make([]Row, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Close stops the background flush goroutine, flushes remaining rows, and
// closes the pool. Safe to call more than once.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
		// already closed
	default:
		close(s.stopCh)
		<-s.doneCh
		_ = s.Flush(ctx)
	}
	s.pool.Close()
}

// flushLoop ticks on flushInterval and flushes partial batches.
func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// Insert enqueues one row, flushing when the batch fills.
func (s *Store) Insert(ctx context.Context, r Row) error {
	s.mu.Lock()
	s.batch = append(s.batch, r)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush writes every buffered row in one pgx batch. Duplicate rows (same
// run and content hash) are silently skipped.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	rows := s.batch
	s.batch = make([]Row, 0, s.batchSize)
	s.mu.Unlock()

	b := &pgx.Batch{}
	for _, r := range rows {
		b.Queue(
			`INSERT INTO timeline_rows
			     (run_id, row_hash, session_id, job_id, ts, source, event_type, pid, comm, raw)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (run_id, row_hash) DO NOTHING`,
			r.RunID, r.hash(), r.SessionID, r.JobID, r.TS, r.Source,
			r.EventType, r.PID, r.Comm, string(r.Raw),
		)
	}
	br := s.pool.SendBatch(ctx, b)
	defer br.Close()
	for range rows {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("export: batch insert: %w", err)
		}
	}
	return nil
}

// CountRows returns the number of archived rows for a run.
func (s *Store) CountRows(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM timeline_rows WHERE run_id = $1`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("export: count rows: %w", err)
	}
	return n, nil
}

// OwnerRows returns the archived rows for one owner in timeline order.
func (s *Store) OwnerRows(ctx context.Context, runID, sessionID, jobID string) ([]Row, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, session_id, job_id, ts, source, event_type, pid, comm, raw::text
		   FROM timeline_rows
		  WHERE run_id = $1 AND session_id = $2 AND job_id = $3
		  ORDER BY ts, source, pid NULLS LAST`,
		runID, sessionID, jobID)
	if err != nil {
		return nil, fmt.Errorf("export: query owner rows: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var raw string
		if err := rows.Scan(&r.RunID, &r.SessionID, &r.JobID, &r.TS, &r.Source,
			&r.EventType, &r.PID, &r.Comm, &raw); err != nil {
			return nil, fmt.Errorf("export: scan owner row: %w", err)
		}
		r.Raw = []byte(raw)
		out = append(out, r)
	}
	return out, rows.Err()
}
