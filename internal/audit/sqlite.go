// ABOUTME: SQLite-backed audit recorder using modernc.org/sqlite.
// ABOUTME: Writes asynchronously through a buffered channel; never blocks callers.

package audit

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"log/slog"
	_ "modernc.org/sqlite"
)

// recordBufferSize is the async write buffer. Entries beyond it are
// dropped with a counter rather than blocking the forwarders.
const recordBufferSize = 256

const schema = `
CREATE TABLE IF NOT EXISTS forward_audit (
	audit_id    TEXT PRIMARY KEY,
	direction   TEXT NOT NULL,
	message_id  TEXT NOT NULL,
	counterpart TEXT NOT NULL,
	success     INTEGER NOT NULL,
	detail      TEXT,
	ts          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_forward_audit_ts ON forward_audit(ts);
CREATE INDEX IF NOT EXISTS idx_forward_audit_message ON forward_audit(message_id);
`

// SQLiteRecorder persists audit entries to a SQLite database. Record is
// fire-and-forget: entries go through a buffered channel to a single
// writer goroutine, and write failures are logged, never surfaced.
type SQLiteRecorder struct {
	db      *sql.DB
	ch      chan Entry
	done    chan struct{}
	dropped atomic.Int64
	logger  *slog.Logger
}

// NewSQLite opens (or creates) the audit database at path. Parent
// directories are created if needed. Pass ":memory:" for an ephemeral
// database.
func NewSQLite(path string, logger *slog.Logger) (*SQLiteRecorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "audit")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating audit directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}

	// WAL keeps audit writes from stalling behind readers.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}

	r := &SQLiteRecorder{
		db:     db,
		ch:     make(chan Entry, recordBufferSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	go r.writeLoop()

	logger.Info("audit store initialized", "path", path)
	return r, nil
}

// Record queues an entry for persistence. If the buffer is full the entry
// is dropped and counted; audit writes must never stall the forwarders.
func (r *SQLiteRecorder) Record(e Entry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	select {
	case r.ch <- e:
	default:
		n := r.dropped.Add(1)
		r.logger.Warn("audit buffer full, dropping entry",
			"message_id", e.MessageID,
			"dropped_total", n,
		)
	}
}

// Dropped returns how many entries have been dropped due to a full buffer.
func (r *SQLiteRecorder) Dropped() int64 {
	return r.dropped.Load()
}

// writeLoop persists queued entries until Close drains the channel.
func (r *SQLiteRecorder) writeLoop() {
	defer close(r.done)

	for e := range r.ch {
		_, err := r.db.Exec(
			`INSERT INTO forward_audit (audit_id, direction, message_id, counterpart, success, detail, ts)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.ID,
			e.Direction,
			e.MessageID,
			e.Counterpart,
			boolToInt(e.Success),
			e.Detail,
			e.Timestamp.UTC().Format(time.RFC3339),
		)
		if err != nil {
			r.logger.Error("writing audit entry", "error", err, "message_id", e.MessageID)
		}
	}
}

// Recent returns up to limit entries, newest first. Used by tests and the
// status surface; not part of the hot path.
func (r *SQLiteRecorder) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.Query(
		`SELECT audit_id, direction, message_id, counterpart, success, detail, ts
		 FROM forward_audit ORDER BY ts DESC, audit_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var success int
		var ts string
		if err := rows.Scan(&e.ID, &e.Direction, &e.MessageID, &e.Counterpart, &success, &e.Detail, &ts); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Success = success != 0
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			e.Timestamp = parsed
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close flushes queued entries and closes the database.
func (r *SQLiteRecorder) Close() error {
	close(r.ch)
	<-r.done
	return r.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
