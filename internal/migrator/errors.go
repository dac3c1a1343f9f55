package migrator

import (
	"errors"

	"github.com/mirajehossain/migrun/internal/lock"
)

var (
	// ErrChecksumMismatch: an applied versioned script was edited.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrSequencing: a new versioned script does not sort after the current version.
	ErrSequencing = errors.New("version out of sequence")
	// ErrExecution wraps the database error of a failed script or rollback.
	ErrExecution           = errors.New("script execution failed")
	ErrVersionNotFound     = errors.New("version not applied")
	ErrNoRollbackAvailable = errors.New("no rollback script registered")
	ErrBaselineNotEmpty    = errors.New("changelog is not empty")
	ErrInvalidScript       = errors.New("invalid script")

	ErrLockTimeout = lock.ErrLockTimeout
)
