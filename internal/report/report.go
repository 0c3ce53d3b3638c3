// Package report implements the Reporter: a read-only view over the task
// file and run archives, rendered to a terminal status board and persisted
// as status.md. Color and table rendering follow cmd/cobra_cli.go's
// palette (fatih/color SprintFunc helpers); status.md's YAML front matter
// is written with gopkg.in/yaml.v3, the same library used for layered
// config.
package report

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	"github.com/cklxx/supervisor/internal/taskfile"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
)

// RunSummary is a condensed view of one archived run, sourced from
// runs/<run_id>.json.
type RunSummary struct {
	RunID     string
	TaskID    string
	Status    string
	StartedAt time.Time
	Duration  time.Duration
	TimedOut  bool
}

// Snapshot is everything the Reporter needs to render a status board;
// building it is the supervisor's responsibility so Reporter stays
// decoupled from the scheduling loop.
type Snapshot struct {
	GeneratedAt   time.Time
	Tasks         []taskfile.TaskRecord
	RecentRuns    []RunSummary
	ArchiveBytes  int64
	AlertActive   bool
}

// Counts tallies tasks by status.
func (s Snapshot) Counts() map[taskfile.Status]int {
	out := map[taskfile.Status]int{}
	for _, t := range s.Tasks {
		out[t.Status]++
	}
	return out
}

// Blocked returns tasks currently requiring human intervention.
func (s Snapshot) Blocked() []taskfile.TaskRecord {
	var out []taskfile.TaskRecord
	for _, t := range s.Tasks {
		if t.Status == taskfile.StatusBlocked {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WriteTerminal renders a colorized status board to w.
func WriteTerminal(w io.Writer, s Snapshot) {
	counts := s.Counts()
	fmt.Fprintf(w, "status as of %s\n", s.GeneratedAt.UTC().Format(time.RFC3339))
	if s.AlertActive {
		fmt.Fprintln(w, red("ALERT active — operator action required"))
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"status", "count"})
	for _, status := range []taskfile.Status{
		taskfile.StatusPending, taskfile.StatusInProgress, taskfile.StatusCompleted,
		taskfile.StatusFailed, taskfile.StatusBlocked, taskfile.StatusAbandoned, taskfile.StatusCanceled,
	} {
		n := counts[status]
		label := string(status)
		switch status {
		case taskfile.StatusCompleted:
			label = green(label)
		case taskfile.StatusFailed, taskfile.StatusBlocked:
			label = red(label)
		case taskfile.StatusInProgress:
			label = yellow(label)
		default:
			label = gray(label)
		}
		table.Append([]string{label, fmt.Sprintf("%d", n)})
	}
	table.Render()

	if blocked := s.Blocked(); len(blocked) > 0 {
		fmt.Fprintln(w, red("blocked tasks:"))
		bt := tablewriter.NewWriter(w)
		bt.SetHeader([]string{"id", "description", "attempts", "notes"})
		for _, t := range blocked {
			bt.Append([]string{t.ID, t.Description, fmt.Sprintf("%d", len(t.History)), t.Notes})
		}
		bt.Render()
	}

	if len(s.RecentRuns) > 0 {
		fmt.Fprintln(w, "recent runs:")
		rt := tablewriter.NewWriter(w)
		rt.SetHeader([]string{"run_id", "task_id", "status", "duration", "timed_out"})
		for _, r := range s.RecentRuns {
			rt.Append([]string{r.RunID, r.TaskID, r.Status, r.Duration.String(), fmt.Sprintf("%t", r.TimedOut)})
		}
		rt.Render()
	}

	fmt.Fprintf(w, "archive usage: %d bytes\n", s.ArchiveBytes)
}

// frontMatter is the YAML header of status.md; the markdown body below it
// is the human-readable board.
type frontMatter struct {
	GeneratedAt  string         `yaml:"generated_at"`
	Counts       map[string]int `yaml:"counts"`
	AlertActive  bool           `yaml:"alert_active"`
	ArchiveBytes int64          `yaml:"archive_bytes"`
}

// WriteStatusFile atomically writes status.md: a YAML front matter block
// followed by the same board rendered by WriteTerminal, minus color codes.
func WriteStatusFile(path string, s Snapshot) error {
	counts := map[string]int{}
	for status, n := range s.Counts() {
		counts[string(status)] = n
	}
	fm := frontMatter{
		GeneratedAt:  s.GeneratedAt.UTC().Format(time.RFC3339),
		Counts:       counts,
		AlertActive:  s.AlertActive,
		ArchiveBytes: s.ArchiveBytes,
	}
	header, err := yaml.Marshal(fm)
	if err != nil {
		return fmt.Errorf("report: encode front matter: %w", err)
	}

	tmp, err := os.CreateTemp(os.TempDir(), "status-*.md")
	if err != nil {
		return fmt.Errorf("report: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	fmt.Fprintf(tmp, "---\n%s---\n\n", header)
	color.NoColor = true
	WriteTerminal(tmp, s)
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("report: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("report: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("report: rename: %w", err)
	}
	return nil
}
