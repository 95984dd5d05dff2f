package checkpoint

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rohankatakam/retailgraph/internal/errors"
	"github.com/rohankatakam/retailgraph/internal/logging"
)

// PostgresStore keeps checkpoints in a shared Postgres table, for consumers
// that move between hosts.
type PostgresStore struct {
	pool      *pgxpool.Pool
	namespace string
	logger    *slog.Logger
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres connects, pings and creates the checkpoint table
func OpenPostgres(ctx context.Context, dsn, namespace string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.WrapConfig(err, "create postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.WrapConfig(err, "connect to postgres checkpoint store")
	}

	s := &PostgresStore{
		pool:      pool,
		namespace: namespace,
		logger:    logging.Component("checkpoint_store", "namespace", namespace),
	}
	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS stream_checkpoints (
			namespace TEXT NOT NULL,
			partition_id INTEGER NOT NULL,
			next_offset BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (namespace, partition_id)
		)`); err != nil {
		pool.Close()
		return nil, errors.WrapConfig(err, "create checkpoint table")
	}

	s.logger.Info("checkpoint store connected")
	return s, nil
}

// Load returns the stored offset for partition
func (s *PostgresStore) Load(ctx context.Context, partition int) (int64, bool, error) {
	var offset int64
	err := s.pool.QueryRow(ctx,
		`SELECT next_offset FROM stream_checkpoints WHERE namespace = $1 AND partition_id = $2`,
		s.namespace, partition).Scan(&offset)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load checkpoint: %w", err)
	}
	return offset, true, nil
}

// Save upserts the offset, keeping the greater of stored and new
func (s *PostgresStore) Save(ctx context.Context, partition int, offset int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stream_checkpoints (namespace, partition_id, next_offset, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (namespace, partition_id) DO UPDATE
		SET next_offset = GREATEST(stream_checkpoints.next_offset, EXCLUDED.next_offset),
		    updated_at = NOW()
	`, s.namespace, partition, offset)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Clear deletes the partition's checkpoint
func (s *PostgresStore) Clear(ctx context.Context, partition int) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM stream_checkpoints WHERE namespace = $1 AND partition_id = $2`,
		s.namespace, partition)
	return err
}

// List returns all checkpoints for the namespace
func (s *PostgresStore) List(ctx context.Context) ([]Checkpoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT partition_id, next_offset FROM stream_checkpoints WHERE namespace = $1 ORDER BY partition_id`,
		s.namespace)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		if err := rows.Scan(&cp.Partition, &cp.Offset); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Close closes the pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
