package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists generation records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS lipsync_generations (
			session_id TEXT PRIMARY KEY,
			character_id TEXT NOT NULL,
			status TEXT NOT NULL,
			error_kind TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			checkpoint TEXT NOT NULL DEFAULT '',
			audio_bytes BIGINT NOT NULL DEFAULT 0,
			output_bytes BIGINT NOT NULL DEFAULT 0,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_lipsync_generations_character_created ON lipsync_generations (character_id, created_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, record Record) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO lipsync_generations
		 (session_id, character_id, status, error_kind, error, checkpoint, audio_bytes, output_bytes, duration_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (session_id) DO UPDATE SET
		   status = EXCLUDED.status,
		   error_kind = EXCLUDED.error_kind,
		   error = EXCLUDED.error,
		   output_bytes = EXCLUDED.output_bytes,
		   duration_ms = EXCLUDED.duration_ms`,
		record.SessionID,
		record.CharacterID,
		string(record.Status),
		record.ErrorKind,
		record.Error,
		record.Checkpoint,
		record.AudioBytes,
		record.OutputBytes,
		record.DurationMS,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save generation: %w", err)
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, characterID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.pool.Query(ctx,
		`SELECT session_id, character_id, status, error_kind, error, checkpoint, audio_bytes, output_bytes, duration_ms, created_at
		 FROM lipsync_generations
		 WHERE ($1 = '' OR character_id = $1)
		 ORDER BY created_at DESC LIMIT $2`,
		characterID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query generations: %w", err)
	}
	defer rows.Close()

	items := make([]Record, 0, limit)
	for rows.Next() {
		var (
			r      Record
			status string
		)
		if err := rows.Scan(&r.SessionID, &r.CharacterID, &status, &r.ErrorKind, &r.Error, &r.Checkpoint,
			&r.AudioBytes, &r.OutputBytes, &r.DurationMS, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan generation row: %w", err)
		}
		r.Status = Status(status)
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate generation rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Mode() string { return "postgres" }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
