package lock

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// MySQL advisory lock using GET_LOCK/RELEASE_LOCK on a dedicated connection.
// The server drops the lock if that connection dies.
type MySQL struct {
	db       *sql.DB
	key      string
	interval time.Duration

	mu   sync.Mutex
	conn *sql.Conn
	held bool
}

func NewMySQL(db *sql.DB, key string) *MySQL {
	return &MySQL{db: db, key: key, interval: DefaultPollInterval}
}

func (m *MySQL) TryAcquire(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held {
		return true, nil
	}
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return false, err
	}
	// GET_LOCK(name, 0) never blocks; waiting is done by poll.
	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", m.key).Scan(&got); err != nil {
		_ = conn.Close()
		return false, err
	}
	if !got.Valid || got.Int64 != 1 {
		_ = conn.Close()
		return false, nil
	}
	m.conn = conn
	m.held = true
	return true, nil
}

func (m *MySQL) AcquireOrWait(ctx context.Context, timeout time.Duration) error {
	return poll(ctx, m.key, timeout, m.interval, m.TryAcquire)
}

func (m *MySQL) Release(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.held || m.conn == nil {
		return false, nil
	}
	var rel sql.NullInt64
	err := m.conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", m.key).Scan(&rel)
	m.held = false
	closeErr := m.conn.Close()
	m.conn = nil
	if err != nil {
		return false, err
	}
	return rel.Valid && rel.Int64 == 1, closeErr
}

func (m *MySQL) IsHeld(ctx context.Context) (bool, error) {
	var owner sql.NullInt64
	if err := m.db.QueryRowContext(ctx, "SELECT IS_USED_LOCK(?)", m.key).Scan(&owner); err != nil {
		return false, err
	}
	return owner.Valid, nil
}

func (m *MySQL) Key() string { return m.key }
