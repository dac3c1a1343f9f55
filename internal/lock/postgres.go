package lock

import (
	"context"
	"database/sql"
	"hash/fnv"
	"sync"
	"time"
)

// Postgres advisory lock. The string key is hashed to the int64 that
// pg_try_advisory_lock expects; the lock is bound to a dedicated session.
type Postgres struct {
	db       *sql.DB
	key      string
	id       int64
	interval time.Duration

	mu   sync.Mutex
	conn *sql.Conn
}

func NewPostgres(db *sql.DB, key string) *Postgres {
	return &Postgres{db: db, key: key, id: hashToInt64(key), interval: DefaultPollInterval}
}

func (p *Postgres) TryAcquire(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return true, nil
	}
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return false, err
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", p.id).Scan(&acquired); err != nil {
		_ = conn.Close()
		return false, err
	}
	if !acquired {
		_ = conn.Close()
		return false, nil
	}
	p.conn = conn
	return true, nil
}

func (p *Postgres) AcquireOrWait(ctx context.Context, timeout time.Duration) error {
	return poll(ctx, p.key, timeout, p.interval, p.TryAcquire)
}

func (p *Postgres) Release(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return false, nil
	}
	var released bool
	err := p.conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", p.id).Scan(&released)
	closeErr := p.conn.Close()
	p.conn = nil
	if err != nil {
		return false, err
	}
	return released, closeErr
}

func (p *Postgres) IsHeld(ctx context.Context) (bool, error) {
	var held bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS (
  SELECT 1 FROM pg_locks
  WHERE locktype = 'advisory' AND objsubid = 1
    AND ((classid::bigint << 32) | objid::bigint) = $1
)`, p.id).Scan(&held)
	return held, err
}

func (p *Postgres) Key() string { return p.key }

// hashToInt64 converts a string key to a non-negative int64 with FNV-1a.
func hashToInt64(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64() & 0x7FFFFFFFFFFFFFFF) //nolint:gosec // masked to non-negative range
}
