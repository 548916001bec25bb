package lock

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Postgres takes session-level advisory locks on a dedicated connection.
// The lock has no lease: it is held until released or until the holder's
// connection ends.
type Postgres struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgres(db *sql.DB, logger *zap.Logger) *Postgres {
	return &Postgres{db: db, logger: logger.Named("lock")}
}

// advisoryKey maps a lock key onto the bigint advisory lock space
func advisoryKey(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}

func (p *Postgres) Acquire(ctx context.Context, key string) (func(), error) {
	id := advisoryKey(key)

	conn, err := p.db.Conn(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrNotAcquired
		}
		return nil, fmt.Errorf("failed to get lock connection: %w", err)
	}

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, id); err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, ErrNotAcquired
		}
		return nil, fmt.Errorf("failed to take advisory lock: %w", err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if _, err := conn.ExecContext(releaseCtx, `SELECT pg_advisory_unlock($1)`, id); err != nil {
				// closing the session drops the lock anyway
				p.logger.Warn("failed to release advisory lock", zap.Error(err))
			}
			conn.Close()
		})
	}, nil
}
