package migrator

import (
	"fmt"
	"time"

	"github.com/mirajehossain/migrun/internal/checksum"
)

type Kind string

const (
	KindVersioned  Kind = "versioned"
	KindRepeatable Kind = "repeatable"
	KindBaseline   Kind = "baseline"
)

// NoVersion is what CurrentVersion reports for an empty changelog.
const NoVersion = "none"

// Entry is one changelog row: a single execution attempt.
type Entry struct {
	ID          int64
	Version     string
	Description string
	Kind        Kind
	ScriptName  string
	Checksum    string
	DurationMS  *int64
	ExecutedAt  time.Time
	ExecutedBy  string
	Success     bool
	RunID       string
}

// Script is what the loader hands the runner. Version is empty for
// repeatable scripts; ScriptName identifies repeatables across runs.
type Script struct {
	Version         string
	Kind            Kind
	Description     string
	ScriptName      string
	Content         string
	RollbackContent string
}

func (s Script) Checksum() string { return checksum.Of(s.Content) }

// normalized fills ScriptName from the naming convention when the caller
// left it empty and rejects scripts the runner cannot place.
func (s Script) normalized() (Script, error) {
	switch s.Kind {
	case KindVersioned:
		if s.Version == "" {
			return s, fmt.Errorf("%w: versioned script %q has no version", ErrInvalidScript, s.ScriptName)
		}
		if s.ScriptName == "" {
			s.ScriptName = "V" + s.Version + "__" + s.Description
		}
	case KindRepeatable:
		if s.ScriptName == "" && s.Description == "" {
			return s, fmt.Errorf("%w: repeatable script needs a name", ErrInvalidScript)
		}
		if s.ScriptName == "" {
			s.ScriptName = "R__" + s.Description
		}
	default:
		return s, fmt.Errorf("%w: kind %q cannot run in a batch", ErrInvalidScript, s.Kind)
	}
	return s, nil
}

type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeBaseline Outcome = "skipped-baseline"
	OutcomePlanned  Outcome = "would-apply"
	OutcomeFailed   Outcome = "failed"
	OutcomeRejected Outcome = "rejected"
)

type ScriptResult struct {
	Version    string
	ScriptName string
	Kind       Kind
	Outcome    Outcome
	// Entry is the changelog row written for this script, if any.
	Entry *Entry
	Err   error
}

type BatchResult struct {
	RunID   string
	Results []ScriptResult
}

// Count returns how many scripts ended with outcome o.
func (b *BatchResult) Count(o Outcome) int {
	n := 0
	for _, r := range b.Results {
		if r.Outcome == o {
			n++
		}
	}
	return n
}

type RollbackLogEntry struct {
	ID          int64
	Version     string
	ChangelogID int64
	Script      string
	ExecutedAt  time.Time
	ExecutedBy  string
	Success     bool
	DurationMS  *int64
	Error       string
	RunID       string
}

type RollbackResult struct {
	Version string
	// Reverted is the changelog row whose success flag was cleared.
	Reverted Entry
	Log      RollbackLogEntry
}

type Status struct {
	CurrentVersion  string
	TotalSuccessful int64
	LastMigrationAt *time.Time
	IsLocked        bool
}
