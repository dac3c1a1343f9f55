package migrator

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type batchState struct {
	runID string
	// planned is the highest version accepted so far in a dry run, standing
	// in for the rows a real run would have written.
	planned string
}

// apply drives one script through its state machine. A non-nil error
// aborts the batch.
func (r *Runner) apply(ctx context.Context, state *batchState, s Script) (ScriptResult, error) {
	res := ScriptResult{Version: s.Version, ScriptName: s.ScriptName, Kind: s.Kind}
	sum := s.Checksum()

	var run bool
	var err error
	switch s.Kind {
	case KindVersioned:
		run, err = r.decideVersioned(ctx, state, s, sum, &res)
	case KindRepeatable:
		run, err = r.decideRepeatable(ctx, s, sum, &res)
	}
	if err != nil {
		if res.Outcome == "" {
			res.Outcome = OutcomeRejected
		}
		res.Err = err
		r.Metrics.ObserveScript(string(s.Kind), string(res.Outcome), 0, false)
		r.Log.Error("migrate.rejected", map[string]any{"script": s.ScriptName, "version": s.Version, "error": err.Error()})
		r.progress("error", s, nil, err)
		return res, err
	}
	if !run {
		r.Metrics.ObserveScript(string(s.Kind), string(res.Outcome), 0, false)
		r.Log.Debug("migrate.skip", map[string]any{"script": s.ScriptName, "version": s.Version, "outcome": string(res.Outcome)})
		r.progress("skip", s, nil, nil)
		if res.Outcome == OutcomeSkipped {
			if err := r.registerRollback(ctx, s); err != nil {
				res.Err = err
				return res, err
			}
		}
		return res, nil
	}
	if r.DryRun {
		res.Outcome = OutcomePlanned
		if s.Kind == KindVersioned {
			state.planned = s.Version
		}
		r.Log.Info("migrate.plan", map[string]any{"script": s.ScriptName, "version": s.Version, "checksum": sum})
		return res, nil
	}
	return res, r.execute(ctx, state.runID, s, sum, &res)
}

func (r *Runner) decideVersioned(ctx context.Context, state *batchState, s Script, sum string, res *ScriptResult) (bool, error) {
	applied, err := r.Storage.IsVersionApplied(ctx, s.Version)
	if err != nil {
		return false, fmt.Errorf("check version %s: %w", s.Version, err)
	}
	if applied {
		stored, _, err := r.Storage.StoredChecksum(ctx, s.Version)
		if err != nil {
			return false, fmt.Errorf("read checksum of %s: %w", s.Version, err)
		}
		if stored == sum {
			res.Outcome = OutcomeSkipped
			return false, nil
		}
		return false, fmt.Errorf("%w: %s was applied with checksum %s, script now has %s",
			ErrChecksumMismatch, s.ScriptName, short(stored), short(sum))
	}

	base, err := r.Storage.Baseline(ctx)
	if err != nil {
		return false, fmt.Errorf("read baseline: %w", err)
	}
	if base != nil && CompareVersions(s.Version, base.Version) <= 0 {
		res.Outcome = OutcomeBaseline
		return false, nil
	}

	current, err := r.Storage.CurrentVersion(ctx)
	if err != nil {
		return false, fmt.Errorf("read current version: %w", err)
	}
	if state.planned != "" && (current == NoVersion || CompareVersions(state.planned, current) > 0) {
		current = state.planned
	}
	if current != NoVersion && CompareVersions(s.Version, current) <= 0 {
		return false, fmt.Errorf("%w: %s is not after current version %s", ErrSequencing, s.ScriptName, current)
	}
	return true, nil
}

func (r *Runner) decideRepeatable(ctx context.Context, s Script, sum string, res *ScriptResult) (bool, error) {
	stored, found, err := r.Storage.RepeatableChecksum(ctx, s.ScriptName)
	if err != nil {
		return false, fmt.Errorf("read checksum of %s: %w", s.ScriptName, err)
	}
	if found && stored == sum {
		res.Outcome = OutcomeSkipped
		return false, nil
	}
	return true, nil
}

// execute runs the script once and records the attempt either way. The
// record is written even if ctx was cancelled during the run.
func (r *Runner) execute(ctx context.Context, runID string, s Script, sum string, res *ScriptResult) error {
	r.progress("start", s, nil, nil)
	executedAt := r.clock()
	start := time.Now()
	runErr := r.Exec.Run(ctx, s.Content)
	took := time.Since(start)
	ms := took.Milliseconds()

	entry := Entry{
		Version:     s.Version,
		Description: s.Description,
		Kind:        s.Kind,
		ScriptName:  s.ScriptName,
		Checksum:    sum,
		DurationMS:  &ms,
		ExecutedAt:  executedAt,
		ExecutedBy:  r.AppliedBy,
		Success:     runErr == nil,
		RunID:       runID,
	}
	recCtx := context.WithoutCancel(ctx)
	id, appendErr := r.Storage.Append(recCtx, entry)
	if appendErr == nil {
		entry.ID = id
		res.Entry = &entry
	}

	if runErr != nil {
		res.Outcome = OutcomeFailed
		err := fmt.Errorf("%w: %s: %w", ErrExecution, s.ScriptName, runErr)
		if appendErr != nil {
			err = errors.Join(err, fmt.Errorf("record failed attempt: %w", appendErr))
		}
		res.Err = err
		r.Metrics.ObserveScript(string(s.Kind), string(OutcomeFailed), took, true)
		r.Log.Error("migrate.error", map[string]any{"script": s.ScriptName, "version": s.Version, "duration_ms": ms, "error": runErr.Error()})
		r.progress("error", s, res.Entry, err)
		return err
	}
	if appendErr != nil {
		res.Outcome = OutcomeFailed
		res.Err = fmt.Errorf("%s ran but was not recorded: %w", s.ScriptName, appendErr)
		r.Metrics.ObserveScript(string(s.Kind), string(OutcomeFailed), took, true)
		r.Log.Error("migrate.unrecorded", map[string]any{"script": s.ScriptName, "version": s.Version, "error": appendErr.Error()})
		r.progress("error", s, nil, res.Err)
		return res.Err
	}

	res.Outcome = OutcomeApplied
	r.Metrics.ObserveScript(string(s.Kind), string(OutcomeApplied), took, true)
	r.Log.Info("migrate.applied", map[string]any{"script": s.ScriptName, "version": s.Version, "kind": string(s.Kind), "duration_ms": ms})
	r.progress("success", s, res.Entry, nil)
	if err := r.registerRollback(recCtx, s); err != nil {
		res.Err = err
		r.Log.Error("migrate.register_rollback_failed", map[string]any{"script": s.ScriptName, "version": s.Version, "error": err.Error()})
		return err
	}
	return nil
}

func (r *Runner) registerRollback(ctx context.Context, s Script) error {
	if s.Kind != KindVersioned || s.RollbackContent == "" || r.DryRun {
		return nil
	}
	if err := r.Storage.RegisterRollback(ctx, s.Version, s.RollbackContent); err != nil {
		return fmt.Errorf("register rollback for %s: %w", s.Version, err)
	}
	return nil
}

func short(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
