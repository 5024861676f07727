package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time interface check.
var _ Writer = (*PostgresWriter)(nil)

// schema creates the single append-only record table. Payloads are stored as
// jsonb so that analytics queries can index into them without schema churn.
const schema = `
CREATE TABLE IF NOT EXISTS relay_records (
	id         BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	kind       TEXT        NOT NULL,
	payload    JSONB       NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS relay_records_kind_idx ON relay_records (kind, created_at);
`

// PostgresWriter persists records into a single append-only table.
// All operations are safe for concurrent use.
type PostgresWriter struct {
	pool *pgxpool.Pool
}

// NewPostgresWriter establishes a connection pool to the database at dsn,
// verifies connectivity, and ensures the record table exists.
func NewPostgresWriter(ctx context.Context, dsn string) (*PostgresWriter, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("sink: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("sink: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sink: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sink: migrate: %w", err)
	}

	return &PostgresWriter{pool: pool}, nil
}

// Write inserts one record.
func (w *PostgresWriter) Write(ctx context.Context, kind Kind, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sink: marshal payload: %w", err)
	}
	if _, err := w.pool.Exec(ctx,
		`INSERT INTO relay_records (kind, payload) VALUES ($1, $2)`,
		string(kind), data,
	); err != nil {
		return fmt.Errorf("sink: insert %s: %w", kind, err)
	}
	return nil
}

// SessionStats returns the most recent tool-execution payloads for the
// session, newest first. Backs the query_user_analytics voice tool.
func (w *PostgresWriter) SessionStats(ctx context.Context, sessionID string, limit int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := w.pool.Query(ctx,
		`SELECT payload FROM relay_records
		 WHERE kind = $1 AND payload->>'session_id' = $2
		 ORDER BY created_at DESC LIMIT $3`,
		string(KindToolExecution), sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sink: query stats: %w", err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("sink: scan stats: %w", err)
		}
		payload := map[string]any{}
		if err := json.Unmarshal(data, &payload); err != nil {
			continue
		}
		out = append(out, payload)
	}
	return out, rows.Err()
}

// Ping probes database connectivity; used by the readiness check.
func (w *PostgresWriter) Ping(ctx context.Context) error {
	return w.pool.Ping(ctx)
}

// Close releases all connections held by the pool.
func (w *PostgresWriter) Close() {
	w.pool.Close()
}
