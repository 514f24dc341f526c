package lock

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"hash/fnv"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// DefaultPollInterval is how often a contended advisory lock is retried
const DefaultPollInterval = 250 * time.Millisecond

// PostgresLeaser grants leases across processes with Postgres session-level
// advisory locks. Each held lease pins one pooled connection.
type PostgresLeaser struct {
	logger       *zap.Logger
	db           *sql.DB
	pollInterval time.Duration
}

// NewPostgresLeaser creates a lease manager on db
func NewPostgresLeaser(logger *zap.Logger, db *sql.DB, pollInterval time.Duration) *PostgresLeaser {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &PostgresLeaser{
		logger:       logger.Named("lease"),
		db:           db,
		pollInterval: pollInterval,
	}
}

// OpenPostgres opens a lib/pq connection pool and verifies it
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return db, nil
}

// LockID maps a lease key onto the bigint advisory lock space
func LockID(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}

// Acquire implements LeaseManager.Acquire
func (p *PostgresLeaser) Acquire(ctx context.Context, key string) (Lease, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, busy(key, ctx.Err())
		}
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}

	id := LockID(key)
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		var locked bool
		err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", id).Scan(&locked)
		if err != nil {
			conn.Close()
			if ctx.Err() != nil {
				return nil, busy(key, ctx.Err())
			}
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}
		if locked {
			return &pgLease{logger: p.logger, conn: conn, key: key, id: id}, nil
		}

		select {
		case <-ctx.Done():
			conn.Close()
			return nil, busy(key, ctx.Err())
		case <-ticker.C:
		}
	}
}

type pgLease struct {
	logger *zap.Logger
	conn   *sql.Conn
	key    string
	id     int64
}

func (l *pgLease) Release(ctx context.Context) error {
	defer l.conn.Close()

	var unlocked bool
	if err := l.conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", l.id).Scan(&unlocked); err != nil {
		// the session may still hold the lock, so it must not go back to the pool
		l.conn.Raw(func(any) error { return driver.ErrBadConn })
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if !unlocked {
		l.logger.Warn("Advisory lock was not held on release", zap.String("key", l.key))
	}
	return nil
}
