package migrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mirajehossain/migrun/internal/checksum"
	"github.com/mirajehossain/migrun/internal/db"
)

// RegisterRollback upserts the inverse script of a version; the last
// registration wins.
func (s *Storage) RegisterRollback(ctx context.Context, version, script string) error {
	_, err := s.DB.ExecContext(ctx, s.Dialect.UpsertRollbackScript(s.Table),
		version, script, checksum.SHA256([]byte(script)), time.Now().UTC())
	return err
}

// RollbackScript returns the registered inverse script of a version.
func (s *Storage) RollbackScript(ctx context.Context, version string) (string, bool, error) {
	var script string
	err := s.DB.QueryRowContext(ctx, s.Dialect.Rebind(fmt.Sprintf(
		`SELECT script FROM %s WHERE version = ?`, db.RollbackScriptsTable(s.Table))), version).Scan(&script)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return script, true, nil
}

func (s *Storage) AppendRollbackLog(ctx context.Context, e RollbackLogEntry) (int64, error) {
	var dur sql.NullInt64
	if e.DurationMS != nil {
		dur = sql.NullInt64{Int64: *e.DurationMS, Valid: true}
	}
	var errText sql.NullString
	if e.Error != "" {
		errText = sql.NullString{String: e.Error, Valid: true}
	}
	query := s.Dialect.Rebind(fmt.Sprintf(`INSERT INTO %s (version, changelog_id, script, executed_at, executed_by, success, execution_ms, error, run_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, db.RollbackLogTable(s.Table)))
	args := []any{e.Version, e.ChangelogID, e.Script, e.ExecutedAt.UTC(), e.ExecutedBy, e.Success, dur, errText, e.RunID}
	if s.Dialect.Returning() {
		var id int64
		err := s.DB.QueryRowContext(ctx, query+" RETURNING id", args...).Scan(&id)
		return id, err
	}
	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// RollbackHistory returns rollback attempts, most recent first.
func (s *Storage) RollbackHistory(ctx context.Context, limit int) ([]RollbackLogEntry, error) {
	query := fmt.Sprintf(`SELECT id, version, changelog_id, script, executed_at, executed_by, success, execution_ms, error, run_id
FROM %s ORDER BY id DESC`, db.RollbackLogTable(s.Table))
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, s.Dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RollbackLogEntry
	for rows.Next() {
		var (
			e       RollbackLogEntry
			dur     sql.NullInt64
			errText sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Version, &e.ChangelogID, &e.Script, &e.ExecutedAt, &e.ExecutedBy, &e.Success, &dur, &errText, &e.RunID); err != nil {
			return nil, err
		}
		if dur.Valid {
			ms := dur.Int64
			e.DurationMS = &ms
		}
		e.Error = errText.String
		e.ExecutedAt = e.ExecutedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
