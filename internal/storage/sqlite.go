package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/chansync/internal/model"
)

const schema = `
	CREATE TABLE IF NOT EXISTS channels (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_channels_owner_id ON channels(owner_id);

	CREATE TABLE IF NOT EXISTS schedules (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		channel_id TEXT NOT NULL,
		cron_expression TEXT NOT NULL,
		active INTEGER NOT NULL,
		last_run_at DATETIME,
		next_run_at DATETIME,
		run_count INTEGER NOT NULL DEFAULT 0,
		max_runs INTEGER,
		settings TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_schedules_active ON schedules(active);
	CREATE INDEX IF NOT EXISTS idx_schedules_owner_id ON schedules(owner_id);

	CREATE TABLE IF NOT EXISTS credentials (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		channel_id TEXT NOT NULL,
		access_token TEXT NOT NULL,
		refresh_token TEXT NOT NULL,
		scopes TEXT,
		expires_at DATETIME,
		active INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_credentials_active_pair
		ON credentials(owner_id, channel_id) WHERE active = 1;

	CREATE TABLE IF NOT EXISTS channel_snapshots (
		channel_id TEXT NOT NULL,
		snapshot_date TEXT NOT NULL,
		subscribers INTEGER NOT NULL,
		views INTEGER NOT NULL,
		item_count INTEGER NOT NULL,
		revenue REAL,
		captured_at DATETIME NOT NULL,
		PRIMARY KEY (channel_id, snapshot_date)
	);

	CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		published_at DATETIME,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_items_channel_id ON items(channel_id);

	CREATE TABLE IF NOT EXISTS item_snapshots (
		item_id TEXT NOT NULL,
		channel_id TEXT NOT NULL,
		snapshot_date TEXT NOT NULL,
		views INTEGER NOT NULL,
		likes INTEGER NOT NULL,
		comments INTEGER NOT NULL,
		revenue REAL,
		captured_at DATETIME NOT NULL,
		PRIMARY KEY (item_id, snapshot_date)
	);

	CREATE TABLE IF NOT EXISTS sync_runs (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		schedule_id TEXT,
		owner_id TEXT NOT NULL,
		channel_id TEXT NOT NULL,
		trigger TEXT NOT NULL,
		status TEXT NOT NULL,
		kind TEXT,
		error TEXT,
		summary TEXT,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		duration INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_sync_runs_job_id ON sync_runs(job_id);
	CREATE INDEX IF NOT EXISTS idx_sync_runs_schedule_id ON sync_runs(schedule_id);
	CREATE INDEX IF NOT EXISTS idx_sync_runs_channel_id ON sync_runs(channel_id);
	CREATE INDEX IF NOT EXISTS idx_sync_runs_started_at ON sync_runs(started_at);
`

// SQLite implements Gateway on top of an SQLite database
type SQLite struct {
	logger *zap.Logger
	db     *sql.DB
	now    func() time.Time
}

var _ Gateway = (*SQLite)(nil)

// NewSQLite opens (and migrates) the SQLite database at dsn.
// Use "file:<name>?mode=memory&cache=shared" for an in-memory database.
func NewSQLite(logger *zap.Logger, dsn string) (*SQLite, error) {
	if !strings.Contains(dsn, "mode=memory") {
		dsn = withParams(dsn, "_busy_timeout=5000", "_journal_mode=WAL")
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer at a time
	db.SetMaxOpenConns(1)

	s := &SQLite{
		logger: logger.Named("storage"),
		db:     db,
		now:    time.Now,
	}

	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func withParams(dsn string, params ...string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

// initialize creates the necessary tables if they don't exist
func (s *SQLite) initialize() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLite) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func notFound(entity, id string) error {
	return model.Errorf(model.KindNotFound, "%s %s not found", entity, id)
}

func checkAffected(result sql.Result, entity, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return notFound(entity, id)
	}
	return nil
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
