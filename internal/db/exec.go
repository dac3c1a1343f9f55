package db

import (
	"context"
	"database/sql"
	"strings"
)

// TxExecutor runs each script inside its own transaction. Engines that
// auto-commit DDL (MySQL) only get statement-level atomicity.
type TxExecutor struct {
	DB *sql.DB
}

func NewTxExecutor(db *sql.DB) *TxExecutor { return &TxExecutor{DB: db} }

func (e *TxExecutor) Run(ctx context.Context, script string) error {
	if strings.TrimSpace(script) == "" {
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, script); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
