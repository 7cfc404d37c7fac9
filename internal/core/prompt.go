package core

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"agentcrew/internal/capability"
)

// RunConfig is an agent config with routine overrides applied.
type RunConfig struct {
	Capabilities       []string
	CapabilitySettings map[string]map[string]string
	MaxTurns           int
	Model              string
}

// MergeConfig layers routine overrides on top of the agent config. Routine
// keys win; capability lists are unioned in agent-then-routine order.
func MergeConfig(agent AgentConfig, routine *RoutineConfig) RunConfig {
	out := RunConfig{
		Capabilities:       append([]string(nil), agent.Capabilities...),
		CapabilitySettings: make(map[string]map[string]string),
		MaxTurns:           agent.MaxTurns,
		Model:              agent.Model,
	}
	for name, settings := range agent.CapabilitySettings {
		out.CapabilitySettings[name] = copySettings(settings)
	}
	if routine == nil {
		return out
	}
	for _, name := range routine.Capabilities {
		out.Capabilities = appendUnique(out.Capabilities, name)
	}
	for name, settings := range routine.CapabilitySettings {
		merged := out.CapabilitySettings[name]
		if merged == nil {
			merged = make(map[string]string, len(settings))
		}
		for k, v := range settings {
			merged[k] = v
		}
		out.CapabilitySettings[name] = merged
	}
	if routine.MaxTurns > 0 {
		out.MaxTurns = routine.MaxTurns
	}
	if routine.Model != "" {
		out.Model = routine.Model
	}
	return out
}

// typeCapabilities are injected for routines of a given type.
var typeCapabilities = map[RoutineType][]capability.Kind{
	RoutineTypeCode:      {capability.SourceControl, capability.RepositoryAnalysis},
	RoutineTypeAnalytics: {capability.Analytics},
	RoutineTypeContent:   {capability.MediaGeneration},
	RoutineTypeOutreach:  {capability.Messaging},
}

// WithTypeCapabilities adds the capabilities a routine type always needs.
func (c RunConfig) WithTypeCapabilities(t RoutineType) RunConfig {
	for _, kind := range typeCapabilities[t] {
		c.Capabilities = appendUnique(c.Capabilities, string(kind))
	}
	return c
}

func appendUnique(list []string, name string) []string {
	for _, existing := range list {
		if existing == name {
			return list
		}
	}
	return append(list, name)
}

func copySettings(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func writeDateContext(b *strings.Builder, now time.Time) {
	fmt.Fprintf(b, "Current date and time: %s (%s).\n", now.Format("Monday, 2 January 2006 15:04 MST"), now.Format(time.RFC3339))
}

// BuildRoutinePrompt composes the instructions for one routine run.
func BuildRoutinePrompt(agent *Agent, routine *Routine, now time.Time, repoPath string, capabilities []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.\n", agent.Name)
	if role := strings.TrimSpace(agent.Role); role != "" {
		b.WriteString("\n## Role\n")
		b.WriteString(role)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\n## Routine: %s (%s, %s)\n", routine.Name, routine.Type, routine.Frequency)
	if goal := strings.TrimSpace(routine.Config.Goal); goal != "" {
		b.WriteString("Goal: ")
		b.WriteString(goal)
		b.WriteString("\n")
	}
	if len(routine.Config.Guardrails) > 0 {
		b.WriteString("\n## Guardrails\n")
		for _, g := range routine.Config.Guardrails {
			fmt.Fprintf(&b, "- %s\n", g)
		}
	}
	if repoPath != "" {
		fmt.Fprintf(&b, "\nA snapshot of the repository is checked out at %s. Work from the local copy.\n", repoPath)
	}
	writeCapabilities(&b, capabilities)
	b.WriteString("\n## Context\n")
	writeDateContext(&b, now)
	if routine.LastRunAt != nil {
		fmt.Fprintf(&b, "Previous run: %s.\n", routine.LastRunAt.Format(time.RFC3339))
	} else {
		b.WriteString("This is the first run of this routine.\n")
	}
	b.WriteString("\nWhen you finish, reply with a short summary of what you did and anything that needs a human.\n")
	return b.String()
}

// BuildTaskPrompt composes the instructions for one task run.
func BuildTaskPrompt(agent *Agent, task *Task, now time.Time, capabilities []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.\n", agent.Name)
	if role := strings.TrimSpace(agent.Role); role != "" {
		b.WriteString("\n## Role\n")
		b.WriteString(role)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\n## Task #%d: %s\nPriority: %s\n", task.ID, task.Title, task.Priority)
	if desc := strings.TrimSpace(task.Description); desc != "" {
		b.WriteString("\n")
		b.WriteString(desc)
		b.WriteString("\n")
	}
	why := strings.TrimSpace(task.ApprovalReasoning)
	if why == "" {
		why = strings.TrimSpace(task.SuggestionReasoning)
	}
	if why != "" {
		b.WriteString("\n## Why this matters\n")
		b.WriteString(why)
		b.WriteString("\n")
	}
	if blocker := strings.TrimSpace(task.BlockedReason); blocker != "" {
		b.WriteString("\n## Earlier blocker\n")
		b.WriteString(blocker)
		b.WriteString("\nCheck whether it still applies before proceeding.\n")
	}
	writeCapabilities(&b, capabilities)
	b.WriteString("\n## Context\n")
	writeDateContext(&b, now)
	b.WriteString("\nFinish with a concise completion summary: what changed, where, and any follow-up.\n")
	return b.String()
}

func writeCapabilities(b *strings.Builder, capabilities []string) {
	if len(capabilities) == 0 {
		return
	}
	sorted := append([]string(nil), capabilities...)
	sort.Strings(sorted)
	b.WriteString("\n## Available tools\n")
	b.WriteString(strings.Join(sorted, ", "))
	b.WriteString("\n")
}
