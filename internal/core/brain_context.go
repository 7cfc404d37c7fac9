package core

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
	"time"
)

const maxDocumentBytes = 16 << 10

// Document is a vision or goals document fed to the Brain.
type Document struct {
	Name    string
	Content string
}

// DocumentSource provides a user's planning documents.
type DocumentSource interface {
	Documents(ctx context.Context, userID string) ([]Document, error)
}

// FileDocuments reads markdown documents from Dir and Dir/<user>.
type FileDocuments struct {
	Dir string
}

// Documents implements DocumentSource.
func (f FileDocuments) Documents(_ context.Context, userID string) ([]Document, error) {
	if f.Dir == "" {
		return nil, nil
	}
	var docs []Document
	for _, dir := range []string{f.Dir, filepath.Join(f.Dir, userID)} {
		matches, err := filepath.Glob(filepath.Join(dir, "*.md"))
		if err != nil {
			return nil, err
		}
		sort.Strings(matches)
		for _, path := range matches {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read document %s: %w", path, err)
			}
			if len(data) > maxDocumentBytes {
				data = data[:maxDocumentBytes]
			}
			docs = append(docs, Document{Name: filepath.Base(path), Content: strings.TrimSpace(string(data))})
		}
	}
	return docs, nil
}

// ExecutionSummary is a compact view of a recent execution.
type ExecutionSummary struct {
	ID        int64
	Kind      string
	TargetID  int64
	Status    ExecutionStatus
	Error     string
	CostUSD   float64
	StartedAt time.Time
}

// BrainContext is everything a Brain cycle sees.
type BrainContext struct {
	UserID           string
	Now              time.Time
	Documents        []Document
	Metrics          []*Metric
	RecentExecutions []ExecutionSummary
	Routines         []*Routine
	PendingTasks     []*Task
	ApprovedTasks    []*Task
	Services         []string
	Memory           []*MemoryEntry
}

func summarizeExecution(e *Execution) ExecutionSummary {
	s := ExecutionSummary{ID: e.ID, Status: e.Status, CostUSD: e.CostUSD, StartedAt: e.StartedAt}
	switch {
	case e.RoutineID != nil:
		s.Kind, s.TargetID = "routine", *e.RoutineID
	case e.TaskID != nil:
		s.Kind, s.TargetID = "task", *e.TaskID
	default:
		s.Kind = string(e.Trigger)
	}
	if e.ErrorMessage != nil {
		s.Error = truncate(*e.ErrorMessage, 300)
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var brainTemplate = template.Must(template.New("brain").Funcs(template.FuncMap{
	"ts":       func(t time.Time) string { return t.Format(time.RFC3339) },
	"optts":    optTime,
	"truncate": truncate,
}).Parse(`You are the planning brain for user {{.UserID}}. It is {{ts .Now}}.
Your job in this cycle has two steps.

1. Review every pending task proposal below and approve or reject it with reasoning.
   Approvals may assign the task to a routine (assign_to_module_id) or an agent (assign_to_agent_id).
2. Choose exactly one next action: run one routine or run one approved task.

{{if .Documents}}## Vision and goals
{{range .Documents}}### {{.Name}}
{{.Content}}

{{end}}{{end}}## Metrics
{{if .Metrics}}{{range .Metrics}}- {{.Name}}: {{printf "%g" .Value}} (as of {{ts .CapturedAt}})
{{end}}{{else}}No metrics available.
{{end}}
## Recent executions
{{if .RecentExecutions}}{{range .RecentExecutions}}- #{{.ID}} {{.Kind}}{{if .TargetID}} {{.TargetID}}{{end}}: {{.Status}} at {{ts .StartedAt}}{{if .Error}} ({{.Error}}){{end}}
{{end}}{{else}}Nothing has run yet.
{{end}}
## Enabled routines
{{if .Routines}}{{range .Routines}}- routine {{.ID}} "{{.Name}}" type={{.Type}} frequency={{.Frequency}} agent={{.AgentID}} last_run={{optts .LastRunAt}} goal: {{truncate .Config.Goal 200}}
{{end}}{{else}}No active routines.
{{end}}
## Pending task proposals
{{if .PendingTasks}}{{range .PendingTasks}}- task {{.ID}} [{{.Priority}}] {{.Title}}: {{truncate .Description 300}}{{if .SuggestionReasoning}} (why: {{truncate .SuggestionReasoning 200}}){{end}}
{{end}}{{else}}None.
{{end}}
## Approved tasks awaiting work
{{if .ApprovedTasks}}{{range .ApprovedTasks}}- task {{.ID}} [{{.Priority}}] {{.Title}}{{if .AssignedToAgentID}} agent={{.AssignedToAgentID}}{{end}}
{{end}}{{else}}None.
{{end}}
## Connected services
{{if .Services}}{{range .Services}}- {{.}}
{{end}}{{else}}None.
{{end}}
## Memory from earlier cycles
{{if .Memory}}{{range .Memory}}- [{{.Kind}} {{ts .CreatedAt}}] {{truncate .Content 400}}
{{end}}{{else}}No memory yet.
{{end}}
End your answer with one JSON object in a ` + "```json" + ` block:
{
  "task_reviews": [{"task_id": 1, "decision": "approve", "reasoning": "...", "assign_to_module_id": 2}],
  "action": "run_routine" or "run_task",
  "target_id": <routine id or task id>,
  "agent_id": <agent for run_task, optional>,
  "reasoning": "why this is the most valuable next step",
  "priority": "low|medium|high|urgent",
  "parameters": {}
}
`))

func optTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Format(time.RFC3339)
}

// RenderBrainPrompt renders the Brain instruction payload.
func RenderBrainPrompt(bc *BrainContext) (string, error) {
	var buf bytes.Buffer
	if err := brainTemplate.Execute(&buf, bc); err != nil {
		return "", fmt.Errorf("render brain prompt: %w", err)
	}
	return buf.String(), nil
}
