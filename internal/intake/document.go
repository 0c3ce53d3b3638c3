// Package intake implements the Intake Processor: turning a
// lightly-structured requirement document into seeded TaskRecords merged
// into the task file. Section-by-section parsing with a required/optional
// split mirrors config.LayeredConfigManager's layering
// (internal/config/layered.go: core required, project and advanced
// optional, merged last-wins); the `运行参数` block is parsed as YAML with
// gopkg.in/yaml.v3, the same library reached for whenever a config block
// needs structure beyond flat key=value pairs.
package intake

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cklxx/supervisor/internal/taskfile"
)

const (
	sectionStatus       = "Status"
	sectionRequirements = "项目要求"
	sectionParams       = "运行参数"
	sectionTaskSeeds    = "Task Seeds"
)

// ParseError describes a document that failed to parse; the document is
// left in place with this reason annotated inline.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "intake: " + e.Reason }

// TaskSeed is one entry under Task Seeds.
type TaskSeed struct {
	ID           string
	Goal         string
	Acceptance   string
	Constraints  string
	Verification string
	Scope        string
	Priority     string
	DependsOn    []string
}

// Document is the parsed, not-yet-validated contents of one inbox file.
type Document struct {
	Status       string
	Requirements string
	Params       map[string]any
	Seeds        []TaskSeed
}

// Parse splits raw into labeled sections and decodes Task Seeds. It rejects
// the document if Status, 项目要求, or Task Seeds is missing; 运行参数 is
// optional.
func Parse(raw []byte) (*Document, error) {
	sections, order, err := splitSections(raw)
	if err != nil {
		return nil, err
	}
	for _, required := range []string{sectionStatus, sectionRequirements, sectionTaskSeeds} {
		if _, ok := sections[required]; !ok {
			return nil, &ParseError{Reason: fmt.Sprintf("missing required section %q", required)}
		}
	}

	doc := &Document{
		Status:       strings.TrimSpace(sections[sectionStatus]),
		Requirements: strings.TrimSpace(sections[sectionRequirements]),
		Params:       map[string]any{},
	}

	if raw, ok := sections[sectionParams]; ok && strings.TrimSpace(raw) != "" {
		if err := yaml.Unmarshal([]byte(raw), &doc.Params); err != nil {
			return nil, &ParseError{Reason: fmt.Sprintf("%s: invalid yaml: %v", sectionParams, err)}
		}
	}

	seeds, err := parseTaskSeeds(sections[sectionTaskSeeds])
	if err != nil {
		return nil, err
	}
	doc.Seeds = seeds

	_ = order // section order isn't semantically meaningful once split
	return doc, nil
}

// splitSections scans "## <name>" markdown headers and returns each
// header's raw body.
func splitSections(raw []byte) (map[string]string, []string, error) {
	sections := map[string]string{}
	var order []string
	var current string
	var body strings.Builder

	flush := func() {
		if current != "" {
			sections[current] = body.String()
			body.Reset()
		}
	}

	scanner := bufio.NewScanner(strings.NewReader(string(raw)))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "## ") {
			flush()
			current = strings.TrimSpace(strings.TrimPrefix(line, "## "))
			order = append(order, current)
			continue
		}
		if current != "" {
			body.WriteString(line)
			body.WriteString("\n")
		}
	}
	flush()
	if err := scanner.Err(); err != nil {
		return nil, nil, &ParseError{Reason: "scan: " + err.Error()}
	}
	if len(sections) == 0 {
		return nil, nil, &ParseError{Reason: "no labeled sections found"}
	}
	return sections, order, nil
}

// parseTaskSeeds decodes a YAML list under Task Seeds. Each item's fields
// are: goal, acceptance, constraints, verification, scope, priority,
// depends_on, plus an optional id.
func parseTaskSeeds(raw string) ([]TaskSeed, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, &ParseError{Reason: "Task Seeds section is empty"}
	}

	var items []map[string]any
	if err := yaml.Unmarshal([]byte(raw), &items); err != nil {
		return nil, &ParseError{Reason: fmt.Sprintf("Task Seeds: invalid yaml: %v", err)}
	}

	seeds := make([]TaskSeed, 0, len(items))
	for i, item := range items {
		seed := TaskSeed{
			ID:           stringField(item, "id"),
			Goal:         stringField(item, "goal"),
			Acceptance:   stringField(item, "acceptance"),
			Constraints:  stringField(item, "constraints"),
			Verification: stringField(item, "verification"),
			Scope:        stringField(item, "scope"),
			Priority:     stringField(item, "priority"),
		}
		if seed.Goal == "" {
			return nil, &ParseError{Reason: fmt.Sprintf("Task Seeds[%d]: missing goal", i)}
		}
		if seed.ID == "" {
			seed.ID = "seed-" + strconv.Itoa(i+1)
		}
		if deps, ok := item["depends_on"].([]any); ok {
			for _, d := range deps {
				if s, ok := d.(string); ok {
					seed.DependsOn = append(seed.DependsOn, s)
				}
			}
		}
		seeds = append(seeds, seed)
	}
	return seeds, nil
}

func stringField(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// normalizedPriority maps a seed's priority field to one of {P0,P1,P2}. An
// unset priority defaults to P1; any other value that isn't one of the
// three recognized priorities is rejected rather than silently coerced.
func normalizedPriority(p string) (taskfile.Priority, error) {
	switch strings.ToUpper(strings.TrimSpace(p)) {
	case "":
		return taskfile.PriorityP1, nil
	case "P0":
		return taskfile.PriorityP0, nil
	case "P1":
		return taskfile.PriorityP1, nil
	case "P2":
		return taskfile.PriorityP2, nil
	default:
		return "", fmt.Errorf("invalid priority %q: must be one of P0, P1, P2", p)
	}
}
