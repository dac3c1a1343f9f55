package db

import (
	"database/sql"
	"fmt"
)

// Open connects to driver ("mysql", "postgres" or "sqlite") and returns the
// dialect the changelog storage should speak.
func Open(driver, dsn string) (*sql.DB, Dialect, error) {
	switch driver {
	case "mysql":
		d, err := OpenMySQL(dsn)
		return d, MySQL, err
	case "postgres", "pgx":
		d, err := OpenPostgres(dsn)
		return d, Postgres, err
	case "sqlite", "sqlite3":
		d, err := OpenSQLite(dsn)
		return d, SQLite, err
	default:
		return nil, Dialect{}, fmt.Errorf("unsupported driver %q", driver)
	}
}
