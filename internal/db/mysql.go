package db

import (
	"database/sql"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// OpenMySQL forces parseTime (changelog timestamps scan into time.Time) and
// multiStatements (one script may hold many statements).
func OpenMySQL(dsn string) (*sql.DB, error) {
	lower := strings.ToLower(dsn)
	if !strings.Contains(lower, "parsetime=") {
		dsn = appendParam(dsn, "parseTime=true")
	}
	if !strings.Contains(lower, "multistatements=") {
		dsn = appendParam(dsn, "multiStatements=true")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func appendParam(dsn, kv string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + kv
	}
	return dsn + "?" + kv
}
