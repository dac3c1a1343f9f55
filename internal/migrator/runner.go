package migrator

import (
	"context"
	"database/sql"
	"fmt"
	"os/user"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mirajehossain/migrun/internal/db"
	"github.com/mirajehossain/migrun/internal/lock"
	"github.com/mirajehossain/migrun/internal/logger"
	"github.com/mirajehossain/migrun/internal/metrics"
)

// Executor runs one script body against the target database as a unit.
type Executor interface {
	Run(ctx context.Context, script string) error
}

// ProgressFunc is called with stage start, success, skip or error.
type ProgressFunc func(stage string, s Script, e *Entry, err error)

// Runner is the caller-facing API. Every mutating call holds Lock for its
// whole duration and releases it explicitly on every path.
type Runner struct {
	Storage     *Storage
	Exec        Executor
	Lock        lock.Manager
	AppliedBy   string
	LockTimeout time.Duration
	// DryRun plans without executing scripts or writing rows.
	DryRun   bool
	Log      *logger.Logger
	Metrics  *metrics.Metrics
	Progress ProgressFunc

	now func() time.Time
}

func NewRunner(database *sql.DB, dialect db.Dialect, table string, l lock.Manager, appliedBy string) *Runner {
	return &Runner{
		Storage:     &Storage{DB: database, Dialect: dialect, Table: table},
		Exec:        db.NewTxExecutor(database),
		Lock:        l,
		AppliedBy:   appliedBy,
		LockTimeout: 30 * time.Second,
		Log:         logger.Nop(),
	}
}

func defaultAppliedBy() string {
	u, err := user.Current()
	if err == nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}

// Ensure creates the changelog tables (and the lock table when the lock
// needs one) and fills in AppliedBy.
func (r *Runner) Ensure(ctx context.Context) error {
	if err := r.Storage.Ensure(ctx); err != nil {
		return err
	}
	if e, ok := r.Lock.(interface{ Ensure(context.Context) error }); ok {
		if err := e.Ensure(ctx); err != nil {
			return fmt.Errorf("ensure lock table: %w", err)
		}
	}
	if strings.TrimSpace(r.AppliedBy) == "" {
		r.AppliedBy = defaultAppliedBy()
	}
	return nil
}

func (r *Runner) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now().UTC().Truncate(time.Microsecond)
}

func (r *Runner) progress(stage string, s Script, e *Entry, err error) {
	if r.Progress != nil {
		r.Progress(stage, s, e, err)
	}
}

// withLock runs fn while holding the migration lock. Release uses a context
// detached from ctx so a cancelled caller still frees the lock.
func (r *Runner) withLock(ctx context.Context, op string, fn func(ctx context.Context) error) (err error) {
	start := time.Now()
	if err := r.Lock.AcquireOrWait(ctx, r.LockTimeout); err != nil {
		r.Metrics.ObserveLockWait(time.Since(start), false)
		r.Log.Warn("lock.unavailable", map[string]any{"op": op, "key": r.Lock.Key(), "error": err.Error()})
		return err
	}
	r.Metrics.ObserveLockWait(time.Since(start), true)
	r.Log.Debug("lock.acquired", map[string]any{"op": op, "key": r.Lock.Key(), "wait_ms": time.Since(start).Milliseconds()})

	defer func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		released, relErr := r.Lock.Release(relCtx)
		if relErr != nil {
			r.Log.Error("lock.release_failed", map[string]any{"op": op, "key": r.Lock.Key(), "error": relErr.Error()})
			if err == nil {
				err = fmt.Errorf("release lock %s: %w", r.Lock.Key(), relErr)
			}
			return
		}
		if !released {
			r.Log.Warn("lock.lost", map[string]any{"op": op, "key": r.Lock.Key()})
		}
	}()
	return fn(ctx)
}

// RunBatch applies scripts in the given order under the lock. It stops at
// the first hard failure; scripts applied before it stay applied.
func (r *Runner) RunBatch(ctx context.Context, scripts []Script) (*BatchResult, error) {
	res := &BatchResult{RunID: uuid.NewString()}
	batch := make([]Script, 0, len(scripts))
	for _, s := range scripts {
		n, err := s.normalized()
		if err != nil {
			return res, err
		}
		batch = append(batch, n)
	}

	err := r.withLock(ctx, "batch", func(ctx context.Context) error {
		state := &batchState{runID: res.RunID}
		for _, s := range batch {
			sr, err := r.apply(ctx, state, s)
			res.Results = append(res.Results, sr)
			if err != nil {
				return err
			}
		}
		return nil
	})

	fields := map[string]any{
		"run_id":  res.RunID,
		"applied": res.Count(OutcomeApplied),
		"skipped": res.Count(OutcomeSkipped) + res.Count(OutcomeBaseline),
		"dry_run": r.DryRun,
	}
	if r.DryRun {
		fields["planned"] = res.Count(OutcomePlanned)
	}
	if err != nil {
		fields["error"] = err.Error()
		r.Log.Error("batch.aborted", fields)
		return res, err
	}
	r.Log.Info("batch.complete", fields)
	return res, nil
}

// Pending returns the scripts a batch would execute right now, without
// taking the lock. Versions covered by the baseline are left out.
func (r *Runner) Pending(ctx context.Context, scripts []Script) ([]Script, error) {
	var versions []string
	for _, s := range scripts {
		if s.Kind == KindVersioned {
			versions = append(versions, s.Version)
		}
	}
	pending, err := r.Storage.Pending(ctx, versions)
	if err != nil {
		return nil, err
	}
	base, err := r.Storage.Baseline(ctx)
	if err != nil {
		return nil, err
	}
	todo := make(map[string]struct{}, len(pending))
	for _, v := range pending {
		// covered by the baseline; a batch reports these skipped-baseline
		if base != nil && CompareVersions(v, base.Version) <= 0 {
			continue
		}
		todo[v] = struct{}{}
	}
	var out []Script
	for _, s := range scripts {
		switch s.Kind {
		case KindVersioned:
			if _, ok := todo[s.Version]; ok {
				out = append(out, s)
			}
		case KindRepeatable:
			n, err := s.normalized()
			if err != nil {
				return nil, err
			}
			sum, found, err := r.Storage.RepeatableChecksum(ctx, n.ScriptName)
			if err != nil {
				return nil, err
			}
			if !found || sum != n.Checksum() {
				out = append(out, s)
			}
		}
	}
	return out, nil
}

func (r *Runner) Status(ctx context.Context) (*Status, error) {
	cur, err := r.Storage.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}
	total, last, err := r.Storage.Summary(ctx)
	if err != nil {
		return nil, err
	}
	held, err := r.Lock.IsHeld(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock status: %w", err)
	}
	return &Status{CurrentVersion: cur, TotalSuccessful: total, LastMigrationAt: last, IsLocked: held}, nil
}

func (r *Runner) History(ctx context.Context, limit int) ([]Entry, error) {
	return r.Storage.History(ctx, limit)
}

func (r *Runner) RollbackHistory(ctx context.Context, limit int) ([]RollbackLogEntry, error) {
	return r.Storage.RollbackHistory(ctx, limit)
}

// SetBaseline clears the changelog and starts tracking from version.
// Unless force is set it refuses to touch a changelog that has rows.
func (r *Runner) SetBaseline(ctx context.Context, version, description string, force bool) (*Entry, error) {
	if strings.TrimSpace(version) == "" {
		return nil, fmt.Errorf("%w: baseline needs a version", ErrInvalidScript)
	}
	var out *Entry
	err := r.withLock(ctx, "baseline", func(ctx context.Context) error {
		n, err := r.Storage.Count(ctx)
		if err != nil {
			return err
		}
		if n > 0 && !force {
			return fmt.Errorf("%w: %d rows would be deleted; pass force to baseline anyway", ErrBaselineNotEmpty, n)
		}
		e := Entry{
			Version:     version,
			Description: description,
			Kind:        KindBaseline,
			ScriptName:  "B" + version + "__" + description,
			ExecutedAt:  r.clock(),
			ExecutedBy:  r.AppliedBy,
			Success:     true,
			RunID:       uuid.NewString(),
		}
		if r.DryRun {
			out = &e
			return nil
		}
		id, err := r.Storage.SetBaseline(ctx, e)
		if err != nil {
			return err
		}
		e.ID = id
		out = &e
		r.Log.Warn("baseline.set", map[string]any{"version": version, "rows_removed": n})
		return nil
	})
	return out, err
}
