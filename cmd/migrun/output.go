package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/mirajehossain/migrun/internal/migrator"
)

type printer struct {
	w      io.Writer
	format string
}

func newPrinter(w io.Writer, format string) (*printer, error) {
	switch format {
	case "text", "json", "yaml":
		return &printer{w: w, format: format}, nil
	}
	return nil, fmt.Errorf("unknown --format %q (want text, json or yaml)", format)
}

type entryView struct {
	ID          int64     `json:"id" yaml:"id"`
	Version     string    `json:"version" yaml:"version"`
	Kind        string    `json:"kind" yaml:"kind"`
	Script      string    `json:"script" yaml:"script"`
	Description string    `json:"description" yaml:"description"`
	Checksum    string    `json:"checksum" yaml:"checksum"`
	DurationMS  *int64    `json:"duration_ms,omitempty" yaml:"duration_ms,omitempty"`
	ExecutedAt  time.Time `json:"executed_at" yaml:"executed_at"`
	ExecutedBy  string    `json:"executed_by" yaml:"executed_by"`
	Success     bool      `json:"success" yaml:"success"`
	RunID       string    `json:"run_id" yaml:"run_id"`
}

func viewOf(e migrator.Entry) entryView {
	return entryView{
		ID: e.ID, Version: e.Version, Kind: string(e.Kind), Script: e.ScriptName, Description: e.Description,
		Checksum: e.Checksum, DurationMS: e.DurationMS, ExecutedAt: e.ExecutedAt, ExecutedBy: e.ExecutedBy,
		Success: e.Success, RunID: e.RunID,
	}
}

type pendingView struct {
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
	Kind    string `json:"kind" yaml:"kind"`
	Script  string `json:"script" yaml:"script"`
}

type statusView struct {
	CurrentVersion  string        `json:"current_version" yaml:"current_version"`
	TotalSuccessful int64         `json:"total_successful" yaml:"total_successful"`
	LastMigrationAt *time.Time    `json:"last_migration_at,omitempty" yaml:"last_migration_at,omitempty"`
	Locked          bool          `json:"locked" yaml:"locked"`
	Pending         []pendingView `json:"pending" yaml:"pending"`
}

type resultView struct {
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
	Script  string `json:"script" yaml:"script"`
	Outcome string `json:"outcome" yaml:"outcome"`
	Error   string `json:"error,omitempty" yaml:"error,omitempty"`
}

type batchView struct {
	RunID   string       `json:"run_id" yaml:"run_id"`
	Results []resultView `json:"results" yaml:"results"`
}

type rollbackView struct {
	Version     string `json:"version" yaml:"version"`
	ChangelogID int64  `json:"changelog_id" yaml:"changelog_id"`
	// State is rolled-back, failed or planned (dry run).
	State       string `json:"state" yaml:"state"`
	DurationMS  *int64 `json:"duration_ms,omitempty" yaml:"duration_ms,omitempty"`
	Error       string `json:"error,omitempty" yaml:"error,omitempty"`
}

func (p *printer) encode(v any) {
	switch p.format {
	case "json":
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)
		_ = enc.Encode(v)
		_ = enc.Close()
	}
}

func (p *printer) status(st *migrator.Status, pending []migrator.Script) {
	v := statusView{
		CurrentVersion:  st.CurrentVersion,
		TotalSuccessful: st.TotalSuccessful,
		LastMigrationAt: st.LastMigrationAt,
		Locked:          st.IsLocked,
		Pending:         []pendingView{},
	}
	for _, s := range pending {
		v.Pending = append(v.Pending, pendingView{Version: s.Version, Kind: string(s.Kind), Script: s.ScriptName})
	}
	if p.format != "text" {
		p.encode(v)
		return
	}
	last := "never"
	if st.LastMigrationAt != nil {
		last = humanize.Time(*st.LastMigrationAt)
	}
	fmt.Fprintf(p.w, "current version: %s\n", v.CurrentVersion)
	fmt.Fprintf(p.w, "applied:         %s\n", humanize.Comma(v.TotalSuccessful))
	fmt.Fprintf(p.w, "last migration:  %s\n", last)
	fmt.Fprintf(p.w, "locked:          %t\n", v.Locked)
	fmt.Fprintf(p.w, "pending:         %d\n", len(v.Pending))
	for _, pv := range v.Pending {
		fmt.Fprintf(p.w, "  %-10s %-12s %s\n", pv.Kind, pv.Version, pv.Script)
	}
}

func (p *printer) history(entries []migrator.Entry) {
	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, viewOf(e))
	}
	if p.format != "text" {
		p.encode(views)
		return
	}
	for _, v := range views {
		state := "ok"
		if !v.Success {
			state = "failed"
		}
		took := "-"
		if v.DurationMS != nil {
			took = (time.Duration(*v.DurationMS) * time.Millisecond).String()
		}
		fmt.Fprintf(p.w, "%6d %-12s %-32s %-6s %8s %s by %s\n",
			v.ID, v.Version, v.Script, state, took, humanize.Time(v.ExecutedAt), v.ExecutedBy)
	}
}

func (p *printer) batch(res *migrator.BatchResult) {
	if res == nil {
		return
	}
	v := batchView{RunID: res.RunID, Results: []resultView{}}
	for _, r := range res.Results {
		rv := resultView{Version: r.Version, Script: r.ScriptName, Outcome: string(r.Outcome)}
		if r.Err != nil {
			rv.Error = r.Err.Error()
		}
		v.Results = append(v.Results, rv)
	}
	if p.format != "text" {
		p.encode(v)
		return
	}
	for _, rv := range v.Results {
		line := fmt.Sprintf("%-16s %s", rv.Outcome, rv.Script)
		if rv.Error != "" {
			line += ": " + rv.Error
		}
		fmt.Fprintln(p.w, line)
	}
	fmt.Fprintf(p.w, "run %s: %d applied, %d planned, %d skipped\n", v.RunID,
		res.Count(migrator.OutcomeApplied), res.Count(migrator.OutcomePlanned),
		res.Count(migrator.OutcomeSkipped)+res.Count(migrator.OutcomeBaseline))
}

func (p *printer) rollbacks(results []migrator.RollbackResult) {
	views := make([]rollbackView, 0, len(results))
	for _, r := range results {
		state := "rolled-back"
		switch {
		case r.Log.ExecutedAt.IsZero():
			state = "planned"
		case !r.Log.Success:
			state = "failed"
		}
		views = append(views, rollbackView{
			Version: r.Version, ChangelogID: r.Reverted.ID, State: state,
			DurationMS: r.Log.DurationMS, Error: r.Log.Error,
		})
	}
	if p.format != "text" {
		p.encode(views)
		return
	}
	for _, v := range views {
		line := fmt.Sprintf("%-12s %s", v.Version, v.State)
		if v.Error != "" {
			line += ": " + v.Error
		}
		fmt.Fprintln(p.w, line)
	}
}
