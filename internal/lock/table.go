package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mirajehossain/migrun/internal/db"
)

// Table emulates an advisory lock with a single row guarded by its primary
// key, for engines without named locks (SQLite). There is no session
// auto-release: a crashed holder leaves the row behind until removed.
type Table struct {
	db        *sql.DB
	dialect   db.Dialect
	changelog string
	table     string
	key       string
	interval  time.Duration

	mu    sync.Mutex
	token string
}

// NewTable builds a lock on the <changelog>_lock table; call Ensure first.
func NewTable(sqlDB *sql.DB, dialect db.Dialect, changelogTable string) *Table {
	return &Table{
		db:        sqlDB,
		dialect:   dialect,
		changelog: changelogTable,
		table:     db.LockTable(changelogTable),
		key:       db.LockTable(changelogTable),
		interval:  DefaultPollInterval,
	}
}

func (t *Table) Ensure(ctx context.Context) error {
	_, err := t.db.ExecContext(ctx, t.dialect.LockTableStatement(t.changelog))
	return err
}

func (t *Table) TryAcquire(ctx context.Context) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.token != "" {
		return true, nil
	}
	token := uuid.NewString()
	_, insErr := t.db.ExecContext(ctx, t.dialect.Rebind(fmt.Sprintf(
		"INSERT INTO %s (id, owner, acquired_at) VALUES (1, ?, ?)", t.table)), token, time.Now().UTC())
	if insErr == nil {
		t.token = token
		return true, nil
	}
	// A failed insert is contention only if the row is really there.
	held, err := t.IsHeld(ctx)
	if err != nil {
		return false, errors.Join(insErr, err)
	}
	if held {
		return false, nil
	}
	return false, insErr
}

func (t *Table) AcquireOrWait(ctx context.Context, timeout time.Duration) error {
	return poll(ctx, t.key, timeout, t.interval, t.TryAcquire)
}

func (t *Table) Release(ctx context.Context) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.token == "" {
		return false, nil
	}
	res, err := t.db.ExecContext(ctx, t.dialect.Rebind(fmt.Sprintf(
		"DELETE FROM %s WHERE id = 1 AND owner = ?", t.table)), t.token)
	t.token = ""
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (t *Table) IsHeld(ctx context.Context) (bool, error) {
	var n int
	err := t.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE id = 1", t.table)).Scan(&n)
	return n > 0, err
}

func (t *Table) Key() string { return t.key }
