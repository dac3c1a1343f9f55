// Package lock serializes migration runs across processes. All backends
// share one coarse key per changelog table; a run holds it for the whole
// batch or rollback.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultPollInterval is how often AcquireOrWait retries TryAcquire.
const DefaultPollInterval = 100 * time.Millisecond

var ErrLockTimeout = errors.New("migration lock wait timeout")

// Manager is the exclusive right to run migrations. Each value represents
// one caller; two values with the same key compete for the same lock.
type Manager interface {
	// TryAcquire returns false immediately when another caller holds the lock.
	TryAcquire(ctx context.Context) (bool, error)
	// AcquireOrWait polls TryAcquire until it succeeds or timeout elapses,
	// in which case the error wraps ErrLockTimeout.
	AcquireOrWait(ctx context.Context, timeout time.Duration) error
	// Release reports false when this caller did not hold the lock.
	Release(ctx context.Context) (bool, error)
	// IsHeld reports whether anyone holds the lock. Informational only.
	IsHeld(ctx context.Context) (bool, error)
	Key() string
}

func KeyFor(database, table string) string {
	return fmt.Sprintf("migrun:%s:%s", database, table)
}

// poll drives AcquireOrWait for every backend. The first attempt happens
// before any sleep, so a zero timeout means a single try.
func poll(ctx context.Context, key string, timeout, interval time.Duration, try func(context.Context) (bool, error)) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		ok, err := try(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w: key %s not acquired within %s", ErrLockTimeout, key, timeout)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for lock %s: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}
}
