package migrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Register stores the inverse script of version, replacing any earlier one.
func (r *Runner) Register(ctx context.Context, version, script string) error {
	if version == "" {
		return fmt.Errorf("%w: rollback script needs a version", ErrInvalidScript)
	}
	return r.Storage.RegisterRollback(ctx, version, script)
}

// RegisterAll registers the rollback content of every versioned script
// that carries one and returns how many were stored. Dry runs store nothing.
func (r *Runner) RegisterAll(ctx context.Context, scripts []Script) (int, error) {
	if r.DryRun {
		return 0, nil
	}
	n := 0
	for _, s := range scripts {
		if s.Kind != KindVersioned || s.RollbackContent == "" {
			continue
		}
		if err := r.Register(ctx, s.Version, s.RollbackContent); err != nil {
			return n, fmt.Errorf("register rollback for %s: %w", s.Version, err)
		}
		n++
	}
	return n, nil
}

// RollbackOne reverts a single applied version. It does not touch later
// versions; reverting several is the caller's job, newest first.
func (r *Runner) RollbackOne(ctx context.Context, version string) (*RollbackResult, error) {
	var out *RollbackResult
	err := r.withLock(ctx, "rollback", func(ctx context.Context) error {
		res, err := r.rollback(ctx, uuid.NewString(), version)
		out = res
		return err
	})
	return out, err
}

// RollbackLast reverts the n most recently applied versions, newest first,
// under one lock. It stops at the first failure.
func (r *Runner) RollbackLast(ctx context.Context, n int) ([]RollbackResult, error) {
	if n <= 0 {
		return nil, nil
	}
	var out []RollbackResult
	err := r.withLock(ctx, "rollback", func(ctx context.Context) error {
		rows, err := r.Storage.LastApplied(ctx, n)
		if err != nil {
			return err
		}
		runID := uuid.NewString()
		for _, row := range rows {
			res, err := r.rollback(ctx, runID, row.Version)
			if res != nil {
				out = append(out, *res)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

func (r *Runner) rollback(ctx context.Context, runID, version string) (*RollbackResult, error) {
	entry, err := r.Storage.LatestSuccessful(ctx, version)
	if err != nil {
		return nil, err
	}
	script, ok, err := r.Storage.RollbackScript(ctx, version)
	if err != nil {
		return nil, fmt.Errorf("read rollback script of %s: %w", version, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRollbackAvailable, version)
	}
	res := &RollbackResult{Version: version, Reverted: entry}
	if r.DryRun {
		r.Log.Info("rollback.plan", map[string]any{"version": version, "changelog_id": entry.ID})
		return res, nil
	}

	executedAt := r.clock()
	start := time.Now()
	runErr := r.Exec.Run(ctx, script)
	ms := time.Since(start).Milliseconds()

	logEntry := RollbackLogEntry{
		Version:     version,
		ChangelogID: entry.ID,
		Script:      script,
		ExecutedAt:  executedAt,
		ExecutedBy:  r.AppliedBy,
		Success:     runErr == nil,
		DurationMS:  &ms,
		RunID:       runID,
	}
	if runErr != nil {
		logEntry.Error = runErr.Error()
	}
	recCtx := context.WithoutCancel(ctx)
	id, logErr := r.Storage.AppendRollbackLog(recCtx, logEntry)
	logEntry.ID = id
	res.Log = logEntry

	if runErr != nil {
		r.Metrics.ObserveRollback("failed")
		r.Log.Error("rollback.error", map[string]any{"version": version, "error": runErr.Error()})
		err := fmt.Errorf("%w: rollback of %s: %w", ErrExecution, version, runErr)
		if logErr != nil {
			err = errors.Join(err, fmt.Errorf("record rollback attempt: %w", logErr))
		}
		return res, err
	}
	if logErr != nil {
		return res, fmt.Errorf("rollback of %s ran but was not recorded: %w", version, logErr)
	}
	if err := r.Storage.MarkRolledBack(recCtx, entry.ID); err != nil {
		return res, err
	}
	res.Reverted.Success = false
	r.Metrics.ObserveRollback("success")
	r.Log.Info("rollback.applied", map[string]any{"version": version, "changelog_id": entry.ID, "duration_ms": ms})
	return res, nil
}
