package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrLockHeld means another session owns the advisory lock.
var ErrLockHeld = errors.New("advisory lock held by another session")

// Lock is a session-level Postgres advisory lock. It pins one pooled
// connection until Release, and the server drops it if the process dies.
type Lock struct {
	conn *pgxpool.Conn
	key  int64
}

// AcquireLock takes the advisory lock for key without waiting.
func AcquireLock(ctx context.Context, pool *pgxpool.Pool, key int64) (*Lock, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok); err != nil {
		conn.Release()
		return nil, fmt.Errorf("try advisory lock %d: %w", key, err)
	}
	if !ok {
		conn.Release()
		return nil, fmt.Errorf("advisory lock %d: %w", key, ErrLockHeld)
	}
	return &Lock{conn: conn, key: key}, nil
}

// Release unlocks and returns the connection to the pool.
func (l *Lock) Release(ctx context.Context) error {
	defer l.conn.Release()
	if _, err := l.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", l.key); err != nil {
		return fmt.Errorf("advisory unlock %d: %w", l.key, err)
	}
	return nil
}
