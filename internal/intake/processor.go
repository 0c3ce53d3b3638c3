package intake

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cklxx/supervisor/internal/clock"
	"github.com/cklxx/supervisor/internal/store"
	"github.com/cklxx/supervisor/internal/taskfile"
)

// Gate is one document-level check run before a document is allowed to
// commit (schema validator, secret scanner, verify script). Any non-nil
// error aborts the whole document.
type Gate func(doc *Document) error

// Processor watches an inbox directory and applies the transactional
// pipeline: parse, validate, resolve collisions, merge, gate, commit,
// archive.
type Processor struct {
	Store              *store.Store
	Clock              clock.Clock
	InboxDir           string
	ProcessedDir       string
	RequirementsDoc    string // path to the external requirements document
	Gates              []Gate
}

// NewProcessor builds a Processor rooted at inboxDir, writing processed
// documents under inboxDir/processed.
func NewProcessor(st *store.Store, c clock.Clock, inboxDir, requirementsDoc string, gates ...Gate) *Processor {
	return &Processor{
		Store:           st,
		Clock:           c,
		InboxDir:        inboxDir,
		ProcessedDir:    filepath.Join(inboxDir, "processed"),
		RequirementsDoc: requirementsDoc,
		Gates:           gates,
	}
}

// Outcome reports what happened to one document.
type Outcome struct {
	Filename    string
	Accepted    bool
	TaskIDs     []string
	FailureNote string
}

// ProcessAll processes every regular file directly under InboxDir (not its
// processed subdirectory), in filename order.
func (p *Processor) ProcessAll(ctx context.Context) ([]Outcome, error) {
	entries, err := os.ReadDir(p.InboxDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("intake: read inbox: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var outcomes []Outcome
	for _, name := range names {
		outcome, err := p.ProcessOne(ctx, name)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// ProcessOne runs the full pipeline for a single document named filename
// under InboxDir.
func (p *Processor) ProcessOne(ctx context.Context, filename string) (Outcome, error) {
	path := filepath.Join(p.InboxDir, filename)
	raw, err := os.ReadFile(path)
	if err != nil {
		return Outcome{Filename: filename}, fmt.Errorf("intake: read %s: %w", filename, err)
	}

	doc, err := Parse(raw)
	if err != nil {
		return p.abort(filename, raw, err)
	}

	for _, gate := range p.Gates {
		if err := gate(doc); err != nil {
			return p.abort(filename, raw, fmt.Errorf("gate failed: %w", err))
		}
	}

	result, err := p.Store.Mutate(ctx, func(tf *taskfile.TaskFile) (*taskfile.TaskFile, any, error) {
		existingIDs := map[string]bool{}
		for _, t := range tf.Tasks {
			existingIDs[t.ID] = true
		}

		seedIDs := map[string]bool{}
		records := make([]taskfile.TaskRecord, 0, len(doc.Seeds))
		resolved := map[string]string{} // original seed id -> final id
		for _, seed := range doc.Seeds {
			if seedIDs[seed.ID] {
				return nil, nil, fmt.Errorf("intake: duplicate seed id %q within document", seed.ID)
			}
			seedIDs[seed.ID] = true

			finalID := seed.ID
			if existingIDs[finalID] {
				finalID = resolveCollision(finalID, existingIDs)
			}
			existingIDs[finalID] = true
			resolved[seed.ID] = finalID

			priority, err := normalizedPriority(seed.Priority)
			if err != nil {
				return nil, nil, fmt.Errorf("intake: seed %q: %w", seed.ID, err)
			}

			records = append(records, taskfile.TaskRecord{
				ID:          finalID,
				Description: formatDescription(seed),
				Status:      taskfile.StatusPending,
				Priority:    priority,
			})
		}

		for i := range records {
			seed := doc.Seeds[i]
			for _, dep := range seed.DependsOn {
				if final, ok := resolved[dep]; ok {
					records[i].DependsOn = append(records[i].DependsOn, final)
				} else if existingIDs[dep] {
					records[i].DependsOn = append(records[i].DependsOn, dep)
				} else {
					return nil, nil, fmt.Errorf("intake: seed %q depends on unresolved id %q", seed.ID, dep)
				}
			}
		}

		tf.Tasks = append(tf.Tasks, records...)
		applyParamOverrides(&tf.Config, doc.Params)

		taskIDs := make([]string, 0, len(records))
		for _, r := range records {
			taskIDs = append(taskIDs, r.ID)
		}
		return tf, taskIDs, nil
	})
	if err != nil {
		return p.abort(filename, raw, err)
	}

	if doc.Requirements != "" && p.RequirementsDoc != "" {
		if err := appendRequirements(p.RequirementsDoc, doc.Requirements); err != nil {
			return Outcome{Filename: filename}, err
		}
	}

	if err := p.moveToProcessed(filename); err != nil {
		return Outcome{Filename: filename}, err
	}

	return Outcome{Filename: filename, Accepted: true, TaskIDs: result.([]string)}, nil
}

func (p *Processor) abort(filename string, raw []byte, cause error) (Outcome, error) {
	annotated := fmt.Sprintf("%s\n\n<!-- intake rejected: %s -->\n", string(raw), cause.Error())
	path := filepath.Join(p.InboxDir, filename)
	if err := os.WriteFile(path, []byte(annotated), 0o644); err != nil {
		return Outcome{Filename: filename}, fmt.Errorf("intake: annotate %s: %w", filename, err)
	}
	return Outcome{Filename: filename, Accepted: false, FailureNote: cause.Error()}, nil
}

func (p *Processor) moveToProcessed(filename string) error {
	if err := os.MkdirAll(p.ProcessedDir, 0o755); err != nil {
		return fmt.Errorf("intake: mkdir processed: %w", err)
	}
	src := filepath.Join(p.InboxDir, filename)
	dst := filepath.Join(p.ProcessedDir, filename)
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("intake: move to processed: %w", err)
	}
	return nil
}

func resolveCollision(id string, existing map[string]bool) string {
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s-%d", id, n)
		if !existing[candidate] {
			return candidate
		}
	}
}

func formatDescription(seed TaskSeed) string {
	var b strings.Builder
	b.WriteString(seed.Goal)
	if seed.Acceptance != "" {
		fmt.Fprintf(&b, "\nacceptance: %s", seed.Acceptance)
	}
	if seed.Constraints != "" {
		fmt.Fprintf(&b, "\nconstraints: %s", seed.Constraints)
	}
	if seed.Verification != "" {
		fmt.Fprintf(&b, "\nverification: %s", seed.Verification)
	}
	if seed.Scope != "" {
		fmt.Fprintf(&b, "\nscope: %s", seed.Scope)
	}
	return b.String()
}

func applyParamOverrides(cfg *taskfile.Config, params map[string]any) {
	if v, ok := intField(params, "lease_ttl_seconds"); ok {
		cfg.LeaseTTLSeconds = v
	}
	if v, ok := intField(params, "max_attempts"); ok {
		cfg.MaxAttempts = v
	}
	if v, ok := intField(params, "retention_days"); ok {
		cfg.RetentionDays = v
	}
	if v, ok := intField(params, "max_runs_mb"); ok {
		cfg.MaxRunsMB = v
	}
	if v, ok := intField(params, "max_failures"); ok {
		cfg.MaxFailures = v
	}
	if v, ok := params["verify_required"].(bool); ok {
		cfg.VerifyRequired = v
	}
}

func intField(params map[string]any, key string) (int, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func appendRequirements(path, prose string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("intake: open requirements doc: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "\n%s\n", prose); err != nil {
		return fmt.Errorf("intake: append requirements: %w", err)
	}
	return f.Sync()
}
