// Package taskfile defines the supervisor's durable document: the set of
// TaskRecords, their lifecycle fields, and the Config that governs leasing,
// retries, and verification. It mirrors the unified task domain model the
// teacher keeps at internal/domain/task (Task, Status, Transition) but
// narrows it to the single-process, file-backed supervisor described by the
// specification: one TaskFile, one lock, many short-lived workers.
package taskfile

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a TaskRecord.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusBlocked    Status = "blocked"
	StatusAbandoned  Status = "abandoned"
	StatusCanceled   Status = "canceled"
)

// IsTerminal reports whether status never transitions out.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCanceled:
		return true
	default:
		return false
	}
}

func (s Status) valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusBlocked, StatusAbandoned, StatusCanceled:
		return true
	default:
		return false
	}
}

// Priority orders eligible tasks when several are claimable; lower wins.
type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
)

// Rank returns a sort weight, lowest first.
func (p Priority) Rank() int {
	switch p {
	case PriorityP0:
		return 0
	case PriorityP2:
		return 2
	default:
		return 1
	}
}

// Claim records which worker holds a task and for how long.
type Claim struct {
	ClaimedBy      string    `json:"claimed_by"`
	RunID          string    `json:"run_id"`
	ClaimedAt      time.Time `json:"claimed_at"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
	Attempt        int       `json:"attempt"`
}

// VerifyResult captures the external verification script's outcome.
type VerifyResult struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	Evidence string `json:"evidence,omitempty"`
}

// GitResult captures the version-control commit step's outcome, if any.
type GitResult struct {
	Commit string `json:"commit,omitempty"`
	Branch string `json:"branch,omitempty"`
}

// Result is written on a terminal in_progress -> completed transition.
type Result struct {
	Verify  *VerifyResult `json:"verify,omitempty"`
	Git     *GitResult    `json:"git,omitempty"`
	Summary string        `json:"summary,omitempty"`
}

// HistoryEntry is appended on every terminal transition out of in_progress.
type HistoryEntry struct {
	Attempt int       `json:"attempt"`
	RunID   string    `json:"run_id"`
	Status  Status    `json:"status"`
	Error   string    `json:"error,omitempty"`
	EndedAt time.Time `json:"ended_at"`
}

// TaskRecord is one unit of declarative work.
type TaskRecord struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Status      Status   `json:"status"`
	Priority    Priority `json:"priority,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`

	Claim  *Claim  `json:"claim,omitempty"`
	Result *Result `json:"result,omitempty"`

	History []HistoryEntry `json:"history"`
	Notes   string         `json:"notes,omitempty"`
}

// AttemptNumber returns the attempt the task is on (history length + 1).
func (t *TaskRecord) AttemptNumber() int {
	return len(t.History) + 1
}

// Config governs the scheduling and verification policy for the whole file.
type Config struct {
	LeaseTTLSeconds int  `json:"lease_ttl_seconds"`
	MaxAttempts     int  `json:"max_attempts"`
	VerifyRequired  bool `json:"verify_required"`
	RetentionDays   int  `json:"retention_days"`
	MaxRunsMB       int  `json:"max_runs_mb"`
	MaxFailures     int  `json:"max_failures"`
}

// DefaultConfig returns the baseline scheduling and retention configuration.
func DefaultConfig() Config {
	return Config{
		LeaseTTLSeconds: 900,
		MaxAttempts:     3,
		VerifyRequired:  true,
		RetentionDays:   7,
		MaxRunsMB:       100,
		MaxFailures:     5,
	}
}

// LeaseTTL returns the configured lease lifetime as a time.Duration.
func (c Config) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSeconds) * time.Second
}

// ApplyDefaults fills zero-valued fields with DefaultConfig's values, so a
// partially-specified override document (intake, CLI flags) only needs to
// set what it changes.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.LeaseTTLSeconds == 0 {
		c.LeaseTTLSeconds = d.LeaseTTLSeconds
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = d.RetentionDays
	}
	if c.MaxRunsMB == 0 {
		c.MaxRunsMB = d.MaxRunsMB
	}
	if c.MaxFailures == 0 {
		c.MaxFailures = d.MaxFailures
	}
}

// CurrentVersion is the TaskFile schema version this package writes.
const CurrentVersion = "2.0"

// TaskFile is the single persistent document the Atomic Store guards.
type TaskFile struct {
	Version      string       `json:"version"`
	LastModified time.Time    `json:"last_modified"`
	Config       Config       `json:"config"`
	Tasks        []TaskRecord `json:"tasks"`
}

// New returns an empty, well-formed TaskFile.
func New() *TaskFile {
	cfg := DefaultConfig()
	return &TaskFile{Version: CurrentVersion, Config: cfg, Tasks: nil}
}

// Find returns a pointer to the task with the given id, or nil.
func (f *TaskFile) Find(id string) *TaskRecord {
	for i := range f.Tasks {
		if f.Tasks[i].ID == id {
			return &f.Tasks[i]
		}
	}
	return nil
}

// Clone deep-copies the TaskFile so a mutation function can transform its
// own copy without aliasing the caller's in-memory state (Atomic Store
// guarantee: readers never observe a torn intermediate).
func (f *TaskFile) Clone() *TaskFile {
	out := &TaskFile{
		Version:      f.Version,
		LastModified: f.LastModified,
		Config:       f.Config,
		Tasks:        make([]TaskRecord, len(f.Tasks)),
	}
	for i, t := range f.Tasks {
		out.Tasks[i] = t.clone()
	}
	return out
}

func (t TaskRecord) clone() TaskRecord {
	out := t
	if t.DependsOn != nil {
		out.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.Claim != nil {
		c := *t.Claim
		out.Claim = &c
	}
	if t.Result != nil {
		r := *t.Result
		if t.Result.Verify != nil {
			v := *t.Result.Verify
			r.Verify = &v
		}
		if t.Result.Git != nil {
			g := *t.Result.Git
			r.Git = &g
		}
		out.Result = &r
	}
	out.History = append([]HistoryEntry(nil), t.History...)
	return out
}

// Validate checks the structural invariants required before a TaskFile is
// accepted, independent of any single transition: unique ids, dependencies
// that resolve, and an acyclic dependency graph.
func (f *TaskFile) Validate() error {
	seen := make(map[string]bool, len(f.Tasks))
	for _, t := range f.Tasks {
		if t.ID == "" {
			return fmt.Errorf("taskfile: task with empty id")
		}
		if seen[t.ID] {
			return fmt.Errorf("taskfile: duplicate task id %q", t.ID)
		}
		seen[t.ID] = true
		if !t.Status.valid() {
			return fmt.Errorf("taskfile: task %q has invalid status %q", t.ID, t.Status)
		}
	}
	for _, t := range f.Tasks {
		for _, dep := range t.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("taskfile: task %q depends on unknown task %q", t.ID, dep)
			}
		}
	}
	if cycle := findCycle(f.Tasks); cycle != "" {
		return fmt.Errorf("taskfile: dependency cycle detected at %q", cycle)
	}
	return nil
}

// findCycle returns the id of a task participating in a dependency cycle,
// or "" if the graph is acyclic.
func findCycle(tasks []TaskRecord) string {
	byID := make(map[string]TaskRecord, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(tasks))
	var visit func(id string) string
	visit = func(id string) string {
		switch color[id] {
		case gray:
			return id
		case black:
			return ""
		}
		color[id] = gray
		for _, dep := range byID[id].DependsOn {
			if found := visit(dep); found != "" {
				return found
			}
		}
		color[id] = black
		return ""
	}
	for _, t := range tasks {
		if color[t.ID] == white {
			if found := visit(t.ID); found != "" {
				return found
			}
		}
	}
	return ""
}

// DependenciesSatisfied reports whether every dependency of t is completed.
func (f *TaskFile) DependenciesSatisfied(t *TaskRecord) bool {
	for _, dep := range t.DependsOn {
		d := f.Find(dep)
		if d == nil || d.Status != StatusCompleted {
			return false
		}
	}
	return true
}
