package db

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect captures the SQL differences between the supported databases.
type Dialect struct {
	Name string

	numbered      bool // $1, $2 placeholders
	returning     bool // INSERT ... RETURNING id
	idColumn      string
	timeType      string
	inlineIndexes bool
	tableOptions  string
	upsertClause  string
}

var (
	MySQL = Dialect{
		Name:          "mysql",
		idColumn:      "BIGINT PRIMARY KEY AUTO_INCREMENT",
		timeType:      "DATETIME(6)",
		inlineIndexes: true,
		tableOptions:  " ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
		upsertClause:  "ON DUPLICATE KEY UPDATE script=VALUES(script), checksum=VALUES(checksum), registered_at=VALUES(registered_at)",
	}
	Postgres = Dialect{
		Name:         "postgres",
		numbered:     true,
		returning:    true,
		idColumn:     "BIGSERIAL PRIMARY KEY",
		timeType:     "TIMESTAMPTZ",
		upsertClause: "ON CONFLICT (version) DO UPDATE SET script=excluded.script, checksum=excluded.checksum, registered_at=excluded.registered_at",
	}
	SQLite = Dialect{
		Name:         "sqlite",
		returning:    true,
		idColumn:     "INTEGER PRIMARY KEY AUTOINCREMENT",
		timeType:     "TIMESTAMP",
		upsertClause: "ON CONFLICT (version) DO UPDATE SET script=excluded.script, checksum=excluded.checksum, registered_at=excluded.registered_at",
	}
)

// Rebind rewrites ? placeholders for dialects that number them.
func (d Dialect) Rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// Returning reports whether inserts can hand back the generated id inline.
func (d Dialect) Returning() bool { return d.returning }

func RollbackScriptsTable(table string) string { return table + "_rollback_scripts" }
func RollbackLogTable(table string) string     { return table + "_rollback_log" }
func LockTable(table string) string            { return table + "_lock" }

// EnsureStatements returns idempotent DDL for the changelog and rollback
// tables, one statement per entry.
func (d Dialect) EnsureStatements(table string) []string {
	idx := indexPrefix(table)
	changelogIdx := ""
	if d.inlineIndexes {
		changelogIdx = fmt.Sprintf(",\n  KEY %s_version (version, kind),\n  KEY %s_script (script_name)", idx, idx)
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id %s,
  version VARCHAR(128) NOT NULL,
  description VARCHAR(255) NOT NULL,
  kind VARCHAR(16) NOT NULL,
  script_name VARCHAR(255) NOT NULL,
  checksum VARCHAR(64) NOT NULL,
  execution_ms BIGINT NULL,
  executed_at %s NOT NULL,
  executed_by VARCHAR(255) NOT NULL,
  success BOOLEAN NOT NULL,
  run_id VARCHAR(36) NOT NULL%s
)%s`, table, d.idColumn, d.timeType, changelogIdx, d.tableOptions),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  version VARCHAR(128) NOT NULL PRIMARY KEY,
  script TEXT NOT NULL,
  checksum VARCHAR(64) NOT NULL,
  registered_at %s NOT NULL
)%s`, RollbackScriptsTable(table), d.timeType, d.tableOptions),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id %s,
  version VARCHAR(128) NOT NULL,
  changelog_id BIGINT NOT NULL,
  script TEXT NOT NULL,
  executed_at %s NOT NULL,
  executed_by VARCHAR(255) NOT NULL,
  success BOOLEAN NOT NULL,
  execution_ms BIGINT NULL,
  error TEXT NULL,
  run_id VARCHAR(36) NOT NULL
)%s`, RollbackLogTable(table), d.idColumn, d.timeType, d.tableOptions),
	}
	if !d.inlineIndexes {
		stmts = append(stmts,
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_version ON %s (version, kind)", idx, table),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_script ON %s (script_name)", idx, table),
		)
	}
	return stmts
}

// LockTableStatement creates the single-row table used by the table lock.
func (d Dialect) LockTableStatement(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id INT NOT NULL PRIMARY KEY,
  owner VARCHAR(64) NOT NULL,
  acquired_at %s NOT NULL
)%s`, LockTable(table), d.timeType, d.tableOptions)
}

// UpsertRollbackScript inserts or replaces the rollback script of a version.
func (d Dialect) UpsertRollbackScript(table string) string {
	return d.Rebind(fmt.Sprintf(
		"INSERT INTO %s (version, script, checksum, registered_at) VALUES (?, ?, ?, ?) %s",
		RollbackScriptsTable(table), d.upsertClause))
}

func indexPrefix(table string) string {
	return "idx_" + strings.ReplaceAll(table, ".", "_")
}
