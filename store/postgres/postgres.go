// Package postgres implements cogito.ReflectionSink using PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cogito-sh/cogito"
)

// Store persists reflections in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ cogito.ReflectionSink = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates the reflections table and its indexes. Safe to call multiple
// times.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS reflections (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL DEFAULT '',
			task_type TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reflections_type ON reflections(task_type, created_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init reflections: %w", err)
		}
	}
	return nil
}

// SaveReflection upserts a reflection.
func (s *Store) SaveReflection(ctx context.Context, r cogito.Reflection) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reflections (id, task_id, task_type, content, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET content = EXCLUDED.content`,
		r.ID, r.TaskID, r.TaskType, r.Content, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save reflection: %w", err)
	}
	return nil
}

// RecentReflections returns the newest reflections for a task type, newest
// first.
func (s *Store) RecentReflections(ctx context.Context, taskType string, limit int) ([]cogito.Reflection, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, task_type, content, created_at
		 FROM reflections WHERE task_type = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		taskType, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent reflections: %w", err)
	}
	defer rows.Close()

	var out []cogito.Reflection
	for rows.Next() {
		var r cogito.Reflection
		var createdAt time.Time
		if err := rows.Scan(&r.ID, &r.TaskID, &r.TaskType, &r.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan reflection: %w", err)
		}
		r.CreatedAt = createdAt
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reflections: %w", err)
	}
	return out, nil
}
