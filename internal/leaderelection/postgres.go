package leaderelection

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresLocker takes a session-scoped advisory lock on a dedicated
// connection. All instances sharing a database must use the same key.
type PostgresLocker struct {
	db  *sql.DB
	key int64
}

func NewPostgresLocker(db *sql.DB, key int64) *PostgresLocker {
	return &PostgresLocker{db: db, key: key}
}

func (l *PostgresLocker) TryAcquire(ctx context.Context) (Session, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("dedicated connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.key).Scan(&acquired); err != nil {
		conn.Close()
		return nil, fmt.Errorf("advisory lock %d: %w", l.key, err)
	}
	if !acquired {
		conn.Close()
		return nil, nil
	}
	return &pgSession{conn: conn, key: l.key}, nil
}

type pgSession struct {
	conn *sql.Conn
	key  int64
}

func (s *pgSession) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// Release unlocks and returns the connection to the pool. Closing the
// connection alone would leave the lock held by the pooled session.
func (s *pgSession) Release(ctx context.Context) error {
	defer s.conn.Close()
	var released bool
	if err := s.conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", s.key).Scan(&released); err != nil {
		return fmt.Errorf("advisory unlock %d: %w", s.key, err)
	}
	if !released {
		return fmt.Errorf("advisory unlock %d: lock was not held", s.key)
	}
	return nil
}
