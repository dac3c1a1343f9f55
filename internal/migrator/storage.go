package migrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mirajehossain/migrun/internal/db"
)

// Storage is the changelog: an append-only table of execution attempts.
// Rows are never updated except by MarkRolledBack and never deleted except
// by SetBaseline.
type Storage struct {
	DB      *sql.DB
	Dialect db.Dialect
	Table   string
}

const entryColumns = "id, version, description, kind, script_name, checksum, execution_ms, executed_at, executed_by, success, run_id"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e    Entry
		kind string
		dur  sql.NullInt64
	)
	if err := row.Scan(&e.ID, &e.Version, &e.Description, &kind, &e.ScriptName, &e.Checksum, &dur, &e.ExecutedAt, &e.ExecutedBy, &e.Success, &e.RunID); err != nil {
		return Entry{}, err
	}
	e.Kind = Kind(kind)
	if dur.Valid {
		ms := dur.Int64
		e.DurationMS = &ms
	}
	e.ExecutedAt = e.ExecutedAt.UTC()
	return e, nil
}

// q expands every %[1]s in format to the changelog table and rebinds
// placeholders for the dialect.
func (s *Storage) q(format string) string {
	return s.Dialect.Rebind(fmt.Sprintf(format, s.Table))
}

func (s *Storage) Ensure(ctx context.Context) error {
	for _, stmt := range s.Dialect.EnsureStatements(s.Table) {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure changelog tables: %w", err)
		}
	}
	return nil
}

func (s *Storage) IsVersionApplied(ctx context.Context, version string) (bool, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM %[1]s WHERE version = ? AND kind = ? AND success = ?`),
		version, string(KindVersioned), true).Scan(&n)
	return n > 0, err
}

// StoredChecksum returns the fingerprint of the current successful row of a
// versioned migration.
func (s *Storage) StoredChecksum(ctx context.Context, version string) (string, bool, error) {
	return s.latestChecksum(ctx, s.q(`SELECT checksum FROM %[1]s WHERE version = ? AND kind = ? AND success = ? ORDER BY executed_at DESC, id DESC LIMIT 1`),
		version, string(KindVersioned), true)
}

// RepeatableChecksum returns the fingerprint of the most recent successful
// run of a repeatable script.
func (s *Storage) RepeatableChecksum(ctx context.Context, scriptName string) (string, bool, error) {
	return s.latestChecksum(ctx, s.q(`SELECT checksum FROM %[1]s WHERE script_name = ? AND kind = ? AND success = ? ORDER BY executed_at DESC, id DESC LIMIT 1`),
		scriptName, string(KindRepeatable), true)
}

func (s *Storage) latestChecksum(ctx context.Context, query string, args ...any) (string, bool, error) {
	var sum string
	err := s.DB.QueryRowContext(ctx, query, args...).Scan(&sum)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return sum, true, nil
}

// Append persists one row and returns the id the database assigned.
func (s *Storage) Append(ctx context.Context, e Entry) (int64, error) {
	return appendEntry(ctx, s.DB, s.Dialect, s.Table, e)
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func appendEntry(ctx context.Context, x execQuerier, d db.Dialect, table string, e Entry) (int64, error) {
	var dur sql.NullInt64
	if e.DurationMS != nil {
		dur = sql.NullInt64{Int64: *e.DurationMS, Valid: true}
	}
	query := d.Rebind(fmt.Sprintf(`INSERT INTO %s (version, description, kind, script_name, checksum, execution_ms, executed_at, executed_by, success, run_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, table))
	args := []any{e.Version, e.Description, string(e.Kind), e.ScriptName, e.Checksum, dur, e.ExecutedAt.UTC(), e.ExecutedBy, e.Success, e.RunID}
	if d.Returning() {
		var id int64
		err := x.QueryRowContext(ctx, query+" RETURNING id", args...).Scan(&id)
		return id, err
	}
	res, err := x.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// CurrentVersion is the version of the most recently executed successful
// versioned or baseline row, or NoVersion.
func (s *Storage) CurrentVersion(ctx context.Context) (string, error) {
	var v string
	err := s.DB.QueryRowContext(ctx, s.q(`SELECT version FROM %[1]s WHERE success = ? AND kind IN (?, ?) ORDER BY executed_at DESC, id DESC LIMIT 1`),
		true, string(KindVersioned), string(KindBaseline)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return NoVersion, nil
	}
	return v, err
}

// Pending filters candidates down to versions with no successful row,
// keeping the caller's order.
func (s *Storage) Pending(ctx context.Context, candidates []string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, s.q(`SELECT DISTINCT version FROM %[1]s WHERE kind = ? AND success = ?`),
		string(KindVersioned), true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	applied := map[string]struct{}{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := applied[c]; !ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// History returns up to limit rows, most recent first. limit <= 0 means all.
func (s *Storage) History(ctx context.Context, limit int) ([]Entry, error) {
	query := s.q(`SELECT ` + entryColumns + ` FROM %[1]s ORDER BY id DESC`)
	var args []any
	if limit > 0 {
		query += s.Dialect.Rebind(" LIMIT ?")
		args = append(args, limit)
	}
	return s.queryEntries(ctx, query, args...)
}

// LastApplied returns the n most recent successful versioned rows, newest
// first: the order in which they must be rolled back.
func (s *Storage) LastApplied(ctx context.Context, n int) ([]Entry, error) {
	return s.queryEntries(ctx, s.q(`SELECT `+entryColumns+` FROM %[1]s WHERE kind = ? AND success = ? ORDER BY executed_at DESC, id DESC LIMIT ?`),
		string(KindVersioned), true, n)
}

func (s *Storage) queryEntries(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestSuccessful returns the current successful row of a versioned
// migration, or ErrVersionNotFound.
func (s *Storage) LatestSuccessful(ctx context.Context, version string) (Entry, error) {
	row := s.DB.QueryRowContext(ctx, s.q(`SELECT `+entryColumns+` FROM %[1]s WHERE version = ? AND kind = ? AND success = ? ORDER BY executed_at DESC, id DESC LIMIT 1`),
		version, string(KindVersioned), true)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrVersionNotFound, version)
	}
	return e, err
}

// Baseline returns the baseline row if the changelog has one.
func (s *Storage) Baseline(ctx context.Context) (*Entry, error) {
	row := s.DB.QueryRowContext(ctx, s.q(`SELECT `+entryColumns+` FROM %[1]s WHERE kind = ? AND success = ? ORDER BY id DESC LIMIT 1`),
		string(KindBaseline), true)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// MarkRolledBack clears the success flag of one row. The row stays.
func (s *Storage) MarkRolledBack(ctx context.Context, id int64) error {
	res, err := s.DB.ExecContext(ctx, s.q(`UPDATE %[1]s SET success = ? WHERE id = ?`), false, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("mark changelog row %d rolled back: %d rows affected", id, n)
	}
	return nil
}

func (s *Storage) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM %[1]s`)).Scan(&n)
	return n, err
}

// Summary counts successful versioned and repeatable rows and returns the
// time of the latest one.
func (s *Storage) Summary(ctx context.Context) (int64, *time.Time, error) {
	var n int64
	if err := s.DB.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM %[1]s WHERE success = ? AND kind IN (?, ?)`),
		true, string(KindVersioned), string(KindRepeatable)).Scan(&n); err != nil {
		return 0, nil, err
	}
	if n == 0 {
		return 0, nil, nil
	}
	var last time.Time
	if err := s.DB.QueryRowContext(ctx, s.q(`SELECT executed_at FROM %[1]s WHERE success = ? AND kind IN (?, ?) ORDER BY executed_at DESC, id DESC LIMIT 1`),
		true, string(KindVersioned), string(KindRepeatable)).Scan(&last); err != nil {
		return 0, nil, err
	}
	last = last.UTC()
	return n, &last, nil
}

// SetBaseline wipes the changelog and records a single baseline row, in one
// transaction. Destructive; callers guard it.
func (s *Storage) SetBaseline(ctx context.Context, e Entry) (int64, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM %[1]s`)); err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	e.Kind = KindBaseline
	e.Success = true
	id, err := appendEntry(ctx, tx, s.Dialect, s.Table, e)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	return id, tx.Commit()
}
