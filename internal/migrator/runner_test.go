package migrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirajehossain/migrun/internal/lock"
	"github.com/mirajehossain/migrun/internal/metrics"
)

func TestRunBatchAppliesVersionedOnce(t *testing.T) {
	ctx := context.Background()
	r, sqlDB := newTestRunner(t, nil)
	batch := []Script{versioned("001", "create_table", "CREATE TABLE users (id INTEGER PRIMARY KEY, email TEXT);")}

	res, err := r.RunBatch(ctx, batch)
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, OutcomeApplied, res.Results[0].Outcome)
	assert.Equal(t, "V001__create_table", res.Results[0].ScriptName)
	assert.True(t, tableExists(t, sqlDB, "users"))

	st, err := r.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "001", st.CurrentVersion)
	assert.EqualValues(t, 1, st.TotalSuccessful)
	assert.False(t, st.IsLocked)
	require.NotNil(t, st.LastMigrationAt)

	// Same batch again: the table already exists, so any re-execution would fail.
	res, err = r.RunBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Results[0].Outcome)
	assert.Nil(t, res.Results[0].Entry)

	hist, err := r.History(ctx, 1)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "001", hist[0].Version)
	assert.True(t, hist[0].Success)
	assert.Equal(t, 1, countRows(t, sqlDB, `SELECT COUNT(*) FROM schema_changelog WHERE version = '001'`))
}

func TestRunBatchChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	r, sqlDB := newTestRunner(t, nil)
	_, err := r.RunBatch(ctx, []Script{versioned("001", "create_table", "CREATE TABLE users (id INTEGER);")})
	require.NoError(t, err)

	res, err := r.RunBatch(ctx, []Script{versioned("001", "create_table", "CREATE TABLE users (id INTEGER, name TEXT);")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChecksumMismatch), err)
	assert.Contains(t, err.Error(), "V001__create_table")
	assert.Equal(t, OutcomeRejected, res.Results[0].Outcome)
	assert.Equal(t, 1, countRows(t, sqlDB, `SELECT COUNT(*) FROM schema_changelog`))
}

func TestRunBatchChecksumIgnoresWhitespaceRuns(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRunner(t, nil)
	_, err := r.RunBatch(ctx, []Script{versioned("1", "a", "CREATE TABLE a (id INTEGER);")})
	require.NoError(t, err)

	res, err := r.RunBatch(ctx, []Script{versioned("1", "a", "CREATE TABLE a (\n  id INTEGER\n);\n")})
	require.Error(t, err, "token spacing inside parentheses changes the checksum")
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	assert.Equal(t, OutcomeRejected, res.Results[0].Outcome)

	res, err = r.RunBatch(ctx, []Script{versioned("1", "a", "  CREATE   TABLE a (id   INTEGER);\r\n")})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Results[0].Outcome)
}

func TestRunBatchRepeatable(t *testing.T) {
	ctx := context.Background()
	r, sqlDB := newTestRunner(t, nil)
	_, err := r.RunBatch(ctx, []Script{versioned("001", "setup", `
CREATE TABLE users (id INTEGER PRIMARY KEY, email TEXT);
CREATE TABLE view_runs (n INTEGER);`)})
	require.NoError(t, err)

	views := repeatable("views", `
DROP VIEW IF EXISTS user_emails;
CREATE VIEW user_emails AS SELECT email FROM users;
INSERT INTO view_runs (n) VALUES (1);`)

	for i := 0; i < 2; i++ {
		res, err := r.RunBatch(ctx, []Script{views})
		require.NoError(t, err)
		want := OutcomeApplied
		if i == 1 {
			want = OutcomeSkipped
		}
		assert.Equal(t, want, res.Results[0].Outcome, "run %d", i)
	}
	assert.True(t, tableExists(t, sqlDB, "user_emails"))
	assert.Equal(t, 1, countRows(t, sqlDB, `SELECT COUNT(*) FROM view_runs`))

	views.Content += "\nINSERT INTO view_runs (n) VALUES (2);"
	res, err := r.RunBatch(ctx, []Script{views})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Results[0].Outcome)
	assert.Equal(t, 3, countRows(t, sqlDB, `SELECT COUNT(*) FROM view_runs`))
	assert.Equal(t, 2, countRows(t, sqlDB, `SELECT COUNT(*) FROM schema_changelog WHERE script_name = 'R__views' AND success = 1`))

	// Repeatables never move the current version.
	st, err := r.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "001", st.CurrentVersion)
}

func TestRunBatchFailureAndResume(t *testing.T) {
	ctx := context.Background()
	r, sqlDB := newTestRunner(t, nil)
	v1 := versioned("001", "users", "CREATE TABLE users (id INTEGER);")
	v3 := versioned("003", "later", "CREATE TABLE later (id INTEGER);")
	broken := versioned("002", "orders", "CREATE TABLE orders (id INTEGER); INSERT INTO no_such_table VALUES (1);")

	res, err := r.RunBatch(ctx, []Script{v1, broken, v3})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExecution)
	assert.Contains(t, err.Error(), "V002__orders")
	assert.Contains(t, err.Error(), "no_such_table")
	require.Len(t, res.Results, 2, "scripts after the failure are not attempted")
	assert.Equal(t, OutcomeApplied, res.Results[0].Outcome)
	assert.Equal(t, OutcomeFailed, res.Results[1].Outcome)
	require.NotNil(t, res.Results[1].Entry)
	assert.False(t, res.Results[1].Entry.Success)
	assert.False(t, tableExists(t, sqlDB, "orders"))
	assert.False(t, tableExists(t, sqlDB, "later"))

	hist, err := r.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "002", hist[0].Version)
	assert.False(t, hist[0].Success)
	assert.Equal(t, "001", hist[1].Version)
	assert.True(t, hist[1].Success)
	assert.Equal(t, res.RunID, hist[0].RunID)
	assert.Equal(t, hist[0].RunID, hist[1].RunID)

	held, err := r.Lock.IsHeld(ctx)
	require.NoError(t, err)
	assert.False(t, held, "lock must be released after an aborted batch")

	fixed := versioned("002", "orders", "CREATE TABLE orders (id INTEGER);")
	res, err = r.RunBatch(ctx, []Script{v1, fixed, v3})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Results[0].Outcome)
	assert.Equal(t, OutcomeApplied, res.Results[1].Outcome)
	assert.Equal(t, OutcomeApplied, res.Results[2].Outcome)
	assert.Equal(t, 1, countRows(t, sqlDB, `SELECT COUNT(*) FROM schema_changelog WHERE version = '001'`))

	st, err := r.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "003", st.CurrentVersion)
}

func TestRunBatchRejectsOutOfSequenceVersion(t *testing.T) {
	ctx := context.Background()
	r, sqlDB := newTestRunner(t, nil)
	_, err := r.RunBatch(ctx, []Script{versioned("2", "b", "CREATE TABLE b (id INTEGER);")})
	require.NoError(t, err)

	res, err := r.RunBatch(ctx, []Script{versioned("1.5", "a", "CREATE TABLE a (id INTEGER);")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSequencing)
	assert.Equal(t, OutcomeRejected, res.Results[0].Outcome)
	assert.False(t, tableExists(t, sqlDB, "a"))
	assert.Equal(t, 1, countRows(t, sqlDB, `SELECT COUNT(*) FROM schema_changelog`))

	// Numeric comparison: 10 sorts after 2.
	_, err = r.RunBatch(ctx, []Script{versioned("10", "c", "CREATE TABLE c (id INTEGER);")})
	require.NoError(t, err)
}

func TestRunBatchRejectsInvalidScripts(t *testing.T) {
	r, _ := newTestRunner(t, nil)
	_, err := r.RunBatch(context.Background(), []Script{{Kind: KindVersioned, Content: "SELECT 1;"}})
	assert.ErrorIs(t, err, ErrInvalidScript)
	_, err = r.RunBatch(context.Background(), []Script{{Kind: KindBaseline, Version: "1"}})
	assert.ErrorIs(t, err, ErrInvalidScript)
}

func TestRunBatchDryRun(t *testing.T) {
	ctx := context.Background()
	r, sqlDB := newTestRunner(t, nil)
	r.DryRun = true

	res, err := r.RunBatch(ctx, []Script{
		versioned("001", "a", "CREATE TABLE a (id INTEGER);"),
		versioned("002", "b", "CREATE TABLE b (id INTEGER);"),
		repeatable("v", "CREATE VIEW v AS SELECT 1;"),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Count(OutcomePlanned))
	assert.False(t, tableExists(t, sqlDB, "a"))
	assert.Equal(t, 0, countRows(t, sqlDB, `SELECT COUNT(*) FROM schema_changelog`))

	// A dry run still catches ordering problems inside the batch.
	_, err = r.RunBatch(ctx, []Script{
		versioned("002", "b", "CREATE TABLE b (id INTEGER);"),
		versioned("001", "a", "CREATE TABLE a (id INTEGER);"),
	})
	assert.ErrorIs(t, err, ErrSequencing)
}

func TestRunBatchLockTimeout(t *testing.T) {
	ctx := context.Background()
	reg := lock.NewMemoryRegistry().WithPollInterval(10 * time.Millisecond)
	r, sqlDB := newTestRunner(t, reg)
	r.LockTimeout = 50 * time.Millisecond

	other := reg.Handle(r.Lock.Key())
	ok, err := other.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = r.RunBatch(ctx, []Script{versioned("1", "a", "CREATE TABLE a (id INTEGER);")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.False(t, tableExists(t, sqlDB, "a"))

	st, err := r.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.IsLocked)

	released, err := other.Release(ctx)
	require.NoError(t, err)
	require.True(t, released)
	_, err = r.RunBatch(ctx, []Script{versioned("1", "a", "CREATE TABLE a (id INTEGER);")})
	require.NoError(t, err)
}

func TestRunBatchReleasesLockOnCancelledContext(t *testing.T) {
	r, _ := newTestRunner(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	r.Exec = executorFunc(func(context.Context, string) error {
		cancel()
		return context.Canceled
	})

	_, err := r.RunBatch(ctx, []Script{versioned("1", "a", "SELECT 1;")})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	held, err := r.Lock.IsHeld(context.Background())
	require.NoError(t, err)
	assert.False(t, held)

	// The failed attempt is recorded even though ctx was cancelled.
	hist, err := r.History(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.False(t, hist[0].Success)
}

func TestRunBatchProgress(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRunner(t, nil)
	var stages []string
	r.Progress = func(stage string, s Script, e *Entry, err error) {
		stages = append(stages, stage+":"+s.ScriptName)
	}
	batch := []Script{versioned("1", "a", "CREATE TABLE a (id INTEGER);"), versioned("2", "b", "bogus sql")}
	_, err := r.RunBatch(ctx, batch)
	require.Error(t, err)
	_, _ = r.RunBatch(ctx, batch[:1])

	assert.Equal(t, []string{
		"start:V1__a", "success:V1__a",
		"start:V2__b", "error:V2__b",
		"skip:V1__a",
	}, stages)
}

func TestPending(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRunner(t, nil)
	all := []Script{
		versioned("1", "a", "CREATE TABLE a (id INTEGER);"),
		versioned("2", "b", "CREATE TABLE b (id INTEGER);"),
		repeatable("v", "DROP VIEW IF EXISTS v; CREATE VIEW v AS SELECT id FROM a;"),
	}
	_, err := r.RunBatch(ctx, all[:1])
	require.NoError(t, err)

	pending, err := r.Pending(ctx, all)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "2", pending[0].Version)
	assert.Equal(t, KindRepeatable, pending[1].Kind)
}

func TestSetBaseline(t *testing.T) {
	ctx := context.Background()
	r, sqlDB := newTestRunner(t, nil)

	_, err := r.RunBatch(ctx, []Script{versioned("1", "a", "CREATE TABLE a (id INTEGER);")})
	require.NoError(t, err)

	_, err = r.SetBaseline(ctx, "5", "existing schema", false)
	require.ErrorIs(t, err, ErrBaselineNotEmpty)
	assert.Equal(t, 1, countRows(t, sqlDB, `SELECT COUNT(*) FROM schema_changelog`))

	e, err := r.SetBaseline(ctx, "5", "existing schema", true)
	require.NoError(t, err)
	assert.Equal(t, KindBaseline, e.Kind)
	assert.NotZero(t, e.ID)

	hist, err := r.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, KindBaseline, hist[0].Kind)

	st, err := r.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "5", st.CurrentVersion)
	assert.EqualValues(t, 0, st.TotalSuccessful)

	res, err := r.RunBatch(ctx, []Script{
		versioned("3", "old", "this never runs"),
		versioned("5", "covered", "neither does this"),
		versioned("6", "new", "CREATE TABLE f (id INTEGER);"),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeBaseline, res.Results[0].Outcome)
	assert.Equal(t, OutcomeBaseline, res.Results[1].Outcome)
	assert.Equal(t, OutcomeApplied, res.Results[2].Outcome)
}

func TestSetBaselineOnEmptyChangelog(t *testing.T) {
	r, _ := newTestRunner(t, nil)
	_, err := r.SetBaseline(context.Background(), "", "x", false)
	assert.ErrorIs(t, err, ErrInvalidScript)

	e, err := r.SetBaseline(context.Background(), "1.0", "initial", false)
	require.NoError(t, err)
	assert.Equal(t, "B1.0__initial", e.ScriptName)
}

type executorFunc func(ctx context.Context, script string) error

func (f executorFunc) Run(ctx context.Context, script string) error { return f(ctx, script) }

func TestPendingSkipsVersionsCoveredByBaseline(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRunner(t, nil)
	_, err := r.SetBaseline(ctx, "5", "existing schema", false)
	require.NoError(t, err)

	all := []Script{
		versioned("3", "old", "SELECT 3;"),
		versioned("5", "covered", "SELECT 5;"),
		versioned("6", "new", "CREATE TABLE f (id INTEGER);"),
	}
	pending, err := r.Pending(ctx, all)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "6", pending[0].Version)

	r.DryRun = true
	res, err := r.RunBatch(ctx, all)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count(OutcomePlanned), "status and up must agree")
}

func scriptCount(t *testing.T, reg *prometheus.Registry, outcome string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, f := range families {
		if f.GetName() != "migrun_scripts_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "outcome" && l.GetValue() == outcome {
					total += m.GetCounter().GetValue()
				}
			}
		}
	}
	return total
}

func TestRunBatchUnrecordedScriptCountsAsFailed(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRunner(t, nil)
	reg := prometheus.NewRegistry()
	r.Metrics = metrics.New(reg)

	// The script succeeds but removes the table its own record goes to.
	res, err := r.RunBatch(ctx, []Script{versioned("1", "drop_changelog", "DROP TABLE schema_changelog;")})
	require.Error(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, OutcomeFailed, res.Results[0].Outcome)
	assert.Error(t, res.Results[0].Err)
	assert.Equal(t, 1.0, scriptCount(t, reg, string(OutcomeFailed)))
	assert.Equal(t, 0.0, scriptCount(t, reg, string(OutcomeApplied)))
}

func TestRunBatchRollbackRegistrationFailureIsReported(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRunner(t, nil)
	s := versioned("1", "drop_rollbacks", "DROP TABLE schema_changelog_rollback_scripts;")
	s.RollbackContent = "SELECT 1;"

	res, err := r.RunBatch(ctx, []Script{s})
	require.Error(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, OutcomeApplied, res.Results[0].Outcome)
	require.Error(t, res.Results[0].Err)
	assert.Equal(t, err, res.Results[0].Err)
	assert.Contains(t, err.Error(), "register rollback for 1")
}
