// Package sqlite implements cogito.ReflectionSink using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/cogito-sh/cogito"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation including timing and row counts.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store persists reflections in a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ cogito.ReflectionSink = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates the reflections table and its indexes.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS reflections (
		id TEXT PRIMARY KEY,
		task_id TEXT,
		task_type TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_reflections_type ON reflections(task_type, created_at)`)
	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// SaveReflection inserts or replaces a reflection.
func (s *Store) SaveReflection(ctx context.Context, r cogito.Reflection) error {
	start := time.Now()
	s.logger.Debug("sqlite: save reflection", "id", r.ID, "task_type", r.TaskType)

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO reflections (id, task_id, task_type, content, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.TaskID, r.TaskType, r.Content, r.CreatedAt.UnixMilli(),
	)
	if err != nil {
		s.logger.Error("sqlite: save reflection failed", "id", r.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("save reflection: %w", err)
	}
	s.logger.Debug("sqlite: save reflection ok", "id", r.ID, "duration", time.Since(start))
	return nil
}

// RecentReflections returns the newest reflections for a task type, newest
// first.
func (s *Store) RecentReflections(ctx context.Context, taskType string, limit int) ([]cogito.Reflection, error) {
	start := time.Now()
	s.logger.Debug("sqlite: recent reflections", "task_type", taskType, "limit", limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, task_type, content, created_at
		 FROM reflections WHERE task_type = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		taskType, limit,
	)
	if err != nil {
		s.logger.Error("sqlite: recent reflections failed", "task_type", taskType, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("recent reflections: %w", err)
	}
	defer rows.Close()

	var out []cogito.Reflection
	for rows.Next() {
		var r cogito.Reflection
		var createdAt int64
		if err := rows.Scan(&r.ID, &r.TaskID, &r.TaskType, &r.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan reflection: %w", err)
		}
		r.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reflections: %w", err)
	}
	s.logger.Debug("sqlite: recent reflections ok", "count", len(out), "duration", time.Since(start))
	return out, nil
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	return s.db.Close()
}
