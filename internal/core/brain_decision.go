package core

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// ReviewVerdict is the Brain's ruling on a pending task proposal.
type ReviewVerdict string

const (
	ReviewApprove ReviewVerdict = "approve"
	ReviewReject  ReviewVerdict = "reject"
)

// TaskReview is one proposal reconciliation emitted by the Brain.
type TaskReview struct {
	TaskID           int64         `json:"task_id"`
	Decision         ReviewVerdict `json:"decision"`
	Reasoning        string        `json:"reasoning"`
	AssignToModuleID *int64        `json:"assign_to_module_id,omitempty"`
	AssignToAgentID  *int64        `json:"assign_to_agent_id,omitempty"`
}

// Status is the task state the review moves its task into.
func (r TaskReview) Status() TaskStatus {
	if r.Decision == ReviewApprove {
		return TaskStatusApproved
	}
	return TaskStatusRejected
}

// BrainOutput is the structured object the Brain must end its answer with.
type BrainOutput struct {
	TaskReviews []TaskReview   `json:"task_reviews,omitempty"`
	Action      DecisionAction `json:"action"`
	TargetID    *int64         `json:"target_id"`
	AgentID     *int64         `json:"agent_id,omitempty"`
	ModuleID    *int64         `json:"module_id,omitempty"`
	Reasoning   string         `json:"reasoning"`
	Priority    string         `json:"priority,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ParseBrainOutput extracts and validates the decision object from engine output.
// Missing action, reasoning or target id is a parse failure.
func ParseBrainOutput(text string) (*BrainOutput, error) {
	raw := extractDecisionJSON(text)
	if raw == "" {
		return nil, fmt.Errorf("no decision object in output: %w", ErrDecisionParse)
	}
	var out BrainOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode decision: %v: %w", err, ErrDecisionParse)
	}
	out.Reasoning = strings.TrimSpace(out.Reasoning)
	switch {
	case out.Action == "":
		return nil, fmt.Errorf("action is required: %w", ErrDecisionParse)
	case out.Action != ActionRunRoutine && out.Action != ActionRunTask:
		return nil, fmt.Errorf("unknown action %q: %w", out.Action, ErrDecisionParse)
	case out.Reasoning == "":
		return nil, fmt.Errorf("reasoning is required: %w", ErrDecisionParse)
	case out.TargetID == nil || *out.TargetID <= 0:
		return nil, fmt.Errorf("target_id is required: %w", ErrDecisionParse)
	}
	for i, review := range out.TaskReviews {
		if review.TaskID <= 0 {
			return nil, fmt.Errorf("task_reviews[%d]: task_id is required: %w", i, ErrDecisionParse)
		}
		if review.Decision != ReviewApprove && review.Decision != ReviewReject {
			return nil, fmt.Errorf("task_reviews[%d]: decision must be approve or reject: %w", i, ErrDecisionParse)
		}
		if strings.TrimSpace(review.Reasoning) == "" {
			return nil, fmt.Errorf("task_reviews[%d]: reasoning is required: %w", i, ErrDecisionParse)
		}
	}
	return &out, nil
}

// extractDecisionJSON returns the last JSON object carrying an "action" key,
// preferring fenced code blocks.
func extractDecisionJSON(text string) string {
	if matches := fencedJSON.FindAllStringSubmatch(text, -1); len(matches) > 0 {
		for i := len(matches) - 1; i >= 0; i-- {
			if hasActionKey(matches[i][1]) {
				return matches[i][1]
			}
		}
	}
	var found string
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(text[i:]))
		var obj map[string]json.RawMessage
		if err := dec.Decode(&obj); err != nil {
			continue
		}
		end := i + int(dec.InputOffset())
		if _, ok := obj["action"]; ok {
			found = text[i:end]
		}
		i = end - 1
	}
	return found
}

func hasActionKey(raw string) bool {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return false
	}
	_, ok := obj["action"]
	return ok
}
