package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/rohankatakam/retailgraph/internal/errors"
	"github.com/rohankatakam/retailgraph/internal/logging"
)

// Stage names where in the pipeline an event was given up on
type Stage string

const (
	StagePublish Stage = "publish"
	StageDecode  Stage = "decode"
	StageApply   Stage = "apply"
)

// Entry represents a dead letter queue entry
type Entry struct {
	ID           int64     `db:"id"`
	EventKey     string    `db:"event_key"` // event id, or partition/offset when undecodable
	Stage        Stage     `db:"stage"`
	Partition    int       `db:"partition_id"` // -1 for publish failures
	Offset       int64     `db:"stream_offset"`
	ErrorType    string    `db:"error_type"`
	ErrorMessage string    `db:"error_message"`
	Payload      []byte    `db:"payload"`
	RetryCount   int       `db:"retry_count"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// NewEntry builds an entry from the failing error, classifying it for triage
func NewEntry(stage Stage, key string, partition int, offset int64, payload []byte, cause error) Entry {
	return Entry{
		EventKey:     key,
		Stage:        stage,
		Partition:    partition,
		Offset:       offset,
		ErrorType:    errors.GetType(cause).String(),
		ErrorMessage: cause.Error(),
		Payload:      payload,
	}
}

// Sink receives events the pipeline could not apply
type Sink interface {
	Record(ctx context.Context, e Entry) error
}

// Queue is a SQL-backed Sink (SQLite locally, Postgres when shared)
type Queue struct {
	db     *sqlx.DB
	driver string
	logger *slog.Logger
}

var _ Sink = (*Queue)(nil)

// Open connects to driver ("sqlite3" or "postgres") and creates the table
func Open(ctx context.Context, driver, dsn string) (*Queue, error) {
	if driver == "sqlite3" && dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, errors.WrapConfig(err, "create dead-letter directory")
		}
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, errors.WrapConfig(err, fmt.Sprintf("connect to %s dead-letter store", driver))
	}

	if driver == "sqlite3" {
		// one connection: keeps :memory: databases alive and avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
		db.Exec("PRAGMA journal_mode = WAL")
	}

	q := NewQueue(db, driver)
	if err := q.initSchema(ctx); err != nil {
		db.Close()
		return nil, errors.WrapConfig(err, "init dead-letter schema")
	}
	return q, nil
}

// NewQueue wraps an existing connection; the table must already exist
func NewQueue(db *sqlx.DB, driver string) *Queue {
	return &Queue{
		db:     db,
		driver: driver,
		logger: logging.Component("dlq"),
	}
}

func (q *Queue) initSchema(ctx context.Context) error {
	idColumn, blob := "id INTEGER PRIMARY KEY", "BLOB"
	if q.driver == "postgres" {
		idColumn, blob = "id BIGSERIAL PRIMARY KEY", "BYTEA"
	}

	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS dead_letters (
		%s,
		event_key TEXT NOT NULL,
		stage TEXT NOT NULL,
		partition_id INTEGER NOT NULL,
		stream_offset BIGINT NOT NULL,
		error_type TEXT NOT NULL,
		error_message TEXT NOT NULL,
		payload %s,
		retry_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (event_key, stage)
	)`, idColumn, blob)

	if _, err := q.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	_, err := q.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_dead_letters_updated ON dead_letters (updated_at)`)
	return err
}

// Record adds an entry. A redelivered event already in the queue for the same
// stage increments retry_count instead of adding a row.
func (q *Queue) Record(ctx context.Context, e Entry) error {
	now := time.Now().UTC()

	_, err := q.db.ExecContext(ctx, q.db.Rebind(`
		INSERT INTO dead_letters (event_key, stage, partition_id, stream_offset, error_type, error_message, payload, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (event_key, stage) DO UPDATE
		SET retry_count = dead_letters.retry_count + 1,
		    error_type = excluded.error_type,
		    error_message = excluded.error_message,
		    payload = excluded.payload,
		    updated_at = excluded.updated_at
	`), e.EventKey, string(e.Stage), e.Partition, e.Offset, e.ErrorType, e.ErrorMessage, e.Payload, now, now)
	if err != nil {
		return errors.TransientError(err, "enqueue dead letter")
	}

	q.logger.Warn("event dead-lettered",
		"event_key", e.EventKey,
		"stage", e.Stage,
		"partition", e.Partition,
		"offset", e.Offset,
		"error_type", e.ErrorType,
		"error", e.ErrorMessage,
	)
	return nil
}

// Stats contains dead-letter statistics
type Stats struct {
	TotalEntries int           `json:"total_entries"`
	Redelivered  int           `json:"redelivered"` // entries seen more than once
	ByStage      map[Stage]int `json:"by_stage"`
}

// GetStats returns counts per stage
func (q *Queue) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByStage: map[Stage]int{}}

	rows, err := q.db.QueryxContext(ctx, `
		SELECT stage, COUNT(*) AS total, SUM(CASE WHEN retry_count > 0 THEN 1 ELSE 0 END) AS redelivered
		FROM dead_letters
		GROUP BY stage
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get DLQ stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			stage              string
			total, redelivered int
		)
		if err := rows.Scan(&stage, &total, &redelivered); err != nil {
			return nil, fmt.Errorf("failed to scan DLQ stats: %w", err)
		}
		stats.ByStage[Stage(stage)] = total
		stats.TotalEntries += total
		stats.Redelivered += redelivered
	}
	return stats, rows.Err()
}

// GetRecentFailures returns the N most recently updated entries, optionally
// filtered by stage
func (q *Queue) GetRecentFailures(ctx context.Context, stage Stage, limit int) ([]Entry, error) {
	query := `SELECT * FROM dead_letters`
	args := []any{}
	if stage != "" {
		query += ` WHERE stage = ?`
		args = append(args, string(stage))
	}
	query += ` ORDER BY updated_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var entries []Entry
	if err := q.db.SelectContext(ctx, &entries, q.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query recent failures: %w", err)
	}
	return entries, nil
}

// MarkResolved removes an entry after it has been replayed by hand
func (q *Queue) MarkResolved(ctx context.Context, id int64) error {
	result, err := q.db.ExecContext(ctx, q.db.Rebind(`DELETE FROM dead_letters WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete DLQ entry: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		q.logger.Info("dead letter resolved", "id", id)
	}
	return nil
}

// PurgeOld removes entries created before now-olderThan
func (q *Queue) PurgeOld(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	result, err := q.db.ExecContext(ctx, q.db.Rebind(`DELETE FROM dead_letters WHERE created_at < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge old DLQ entries: %w", err)
	}

	n, _ := result.RowsAffected()
	if n > 0 {
		q.logger.Info("purged old DLQ entries", "count", n, "older_than", olderThan)
	}
	return int(n), nil
}

// Close closes the connection
func (q *Queue) Close() error {
	return q.db.Close()
}

// MemorySink collects entries in memory, for tests and dry runs
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

// Record appends the entry
func (m *MemorySink) Record(ctx context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

// Entries returns a copy of what has been recorded
func (m *MemorySink) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}
