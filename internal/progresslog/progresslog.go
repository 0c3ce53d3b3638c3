// Package progresslog implements the Progress Log: an append-only,
// never-rewritten audit trail of every state transition and
// supervisor-level event. It is deliberately independent of the
// operational slog sink the rest of the supervisor uses (cmd/supervisor)
// because its format is a durable contract for human operators, not a
// debugging stream.
package progresslog

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Log appends timestamped blocks to a single file.
type Log struct {
	path string
}

// Open returns a Log bound to path. The file is created on first append if
// it doesn't already exist; it is never truncated.
func Open(path string) *Log {
	return &Log{path: path}
}

// Event describes one state-transition or supervisor-level occurrence.
type Event struct {
	Kind       string // e.g. "transition", "claim", "reclaim", "alert"
	TaskID     string
	RunID      string
	From       string
	To         string
	Attempt    int
	VerifyExit *int
	Commit     string
	Duration   time.Duration
	Reason     string
}

// Append writes one multi-line block for ev, timestamped now.
func (l *Log) Append(now time.Time, ev Event) error {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n", now.UTC().Format(time.RFC3339), ev.Kind)
	if ev.TaskID != "" {
		fmt.Fprintf(&b, "  task_id: %s\n", ev.TaskID)
	}
	if ev.RunID != "" {
		fmt.Fprintf(&b, "  run_id: %s\n", ev.RunID)
	}
	if ev.From != "" || ev.To != "" {
		fmt.Fprintf(&b, "  from: %s\n  to: %s\n", ev.From, ev.To)
	}
	if ev.Attempt > 0 {
		fmt.Fprintf(&b, "  attempt: %d\n", ev.Attempt)
	}
	if ev.VerifyExit != nil {
		fmt.Fprintf(&b, "  verify_exit_code: %d\n", *ev.VerifyExit)
	}
	if ev.Commit != "" {
		fmt.Fprintf(&b, "  commit: %s\n", ev.Commit)
	}
	if ev.Duration > 0 {
		fmt.Fprintf(&b, "  duration: %s\n", ev.Duration)
	}
	if ev.Reason != "" {
		fmt.Fprintf(&b, "  reason: %s\n", ev.Reason)
	}
	b.WriteString("\n")
	return l.appendRaw(b.String())
}

// HumanHelpPacket describes an irrecoverable situation requiring operator
// action.
type HumanHelpPacket struct {
	TaskID           string
	RunID            string
	Reason           string
	SuggestedActions []string
}

// AppendHumanHelpPacket writes a structured block distinct from a plain
// Event, so operators (and simple grep-based tooling) can find
// human-required situations without parsing every transition block.
func (l *Log) AppendHumanHelpPacket(now time.Time, p HumanHelpPacket) error {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] human_help_packet\n", now.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "  task_id: %s\n", p.TaskID)
	if p.RunID != "" {
		fmt.Fprintf(&b, "  run_id: %s\n", p.RunID)
	}
	fmt.Fprintf(&b, "  reason: %s\n", p.Reason)
	for _, action := range p.SuggestedActions {
		fmt.Fprintf(&b, "  suggested_action: %s\n", action)
	}
	b.WriteString("\n")
	return l.appendRaw(b.String())
}

func (l *Log) appendRaw(block string) error {
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("progresslog: open: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(block); err != nil {
		return fmt.Errorf("progresslog: write: %w", err)
	}
	return f.Sync()
}
