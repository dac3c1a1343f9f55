package db

import (
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

// OpenSQLite pins the pool to one connection: SQLite allows a single writer
// and an in-memory database only lives as long as its connection. Times are
// written in a fixed sortable layout so ORDER BY executed_at works.
func OpenSQLite(dsn string) (*sql.DB, error) {
	if !strings.Contains(dsn, "busy_timeout") {
		dsn = appendParam(dsn, "_pragma=busy_timeout(5000)")
	}
	if !strings.Contains(dsn, "_time_format") {
		dsn = appendParam(dsn, "_time_format=sqlite")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)
	return db, nil
}
