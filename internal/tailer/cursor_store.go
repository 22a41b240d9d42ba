// SQLite-backed cursor persistence. A follow-mode stage saves its input
// cursors here so a restart resumes without losing or re-emitting records;
// the eBPF filter additionally uses it to hand its audit cursor from the
// initial ownership scan to the follow phase without a gap.
package tailer

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// CursorStore persists per-stream cursors in a WAL-mode SQLite database.
// It is safe for concurrent use. The zero value is not usable; create one
// with OpenCursorStore.
type CursorStore struct {
	db *sql.DB
}

// OpenCursorStore opens (or creates) the cursor database at path and applies
// the schema. If path is ":memory:", cursors live only for the process
// lifetime, which is suitable for tests and for stages run in oneshot mode.
func OpenCursorStore(path string) (*CursorStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("tailer: open cursor db %q: %w", path, err)
	}

	// SQLite allows only one writer at a time; a single pooled connection
	// serialises concurrent Save calls without "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tailer: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tailer: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(cursorDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tailer: apply cursor schema: %w", err)
	}
	return &CursorStore{db: db}, nil
}

const cursorDDL = `
CREATE TABLE IF NOT EXISTS stream_cursor (
    stream     TEXT    PRIMARY KEY,
    inode      INTEGER NOT NULL,
    offset     INTEGER NOT NULL,
    updated_at TEXT    NOT NULL
);
`

// Load returns the saved cursor for stream. The second return value is
// false when no cursor has been saved yet.
func (s *CursorStore) Load(stream string) (Cursor, bool, error) {
	var (
		inode int64
		c     Cursor
	)
	err := s.db.QueryRow(
		`SELECT inode, offset FROM stream_cursor WHERE stream = ?`, stream,
	).Scan(&inode, &c.Offset)
	if errors.Is(err, sql.ErrNoRows) {
		return Cursor{}, false, nil
	}
	if err != nil {
		return Cursor{}, false, fmt.Errorf("tailer: load cursor %q: %w", stream, err)
	}
	c.Inode = uint64(inode)
	return c, true, nil
}

// Save upserts the cursor for stream.
func (s *CursorStore) Save(stream string, c Cursor) error {
	_, err := s.db.Exec(
		`INSERT INTO stream_cursor (stream, inode, offset, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(stream) DO UPDATE SET
		     inode = excluded.inode,
		     offset = excluded.offset,
		     updated_at = excluded.updated_at`,
		stream, int64(c.Inode), c.Offset, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("tailer: save cursor %q: %w", stream, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *CursorStore) Close() error {
	return s.db.Close()
}
