// Package policy applies Rego guardrails to Brain decisions before dispatch.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/rego"

	"agentcrew/internal/core"
)

// Engine evaluates data.brain_policy.decision.
type Engine struct {
	query rego.PreparedEvalQuery
}

var _ core.DecisionPolicy = (*Engine)(nil)

// NewEngine prepares the given Rego module.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.brain_policy.decision"),
		rego.Module("brain_policy.rego", policyContent),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}
	return &Engine{query: query}, nil
}

// Load reads a policy file, or uses DefaultPolicy when path is empty.
func Load(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	return NewEngine(ctx, string(data))
}

// Evaluate returns the verdict for one decision. A policy that yields nothing allows.
func (e *Engine) Evaluate(ctx context.Context, in core.PolicyInput) (core.PolicyVerdict, error) {
	input, err := toInput(in)
	if err != nil {
		return core.PolicyVerdict{}, err
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return core.PolicyVerdict{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return core.PolicyVerdict{Decision: "allow", Reason: "default"}, nil
	}

	switch val := results[0].Expressions[0].Value.(type) {
	case string:
		return core.PolicyVerdict{Decision: val}, nil
	case map[string]any:
		verdict := core.PolicyVerdict{}
		verdict.Decision, _ = val["decision"].(string)
		verdict.Reason, _ = val["reason"].(string)
		if verdict.Decision == "" {
			return core.PolicyVerdict{}, fmt.Errorf("policy result has no decision")
		}
		return verdict, nil
	default:
		return core.PolicyVerdict{}, fmt.Errorf("unexpected policy result type %T", val)
	}
}

func toInput(in core.PolicyInput) (map[string]any, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode policy input: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode policy input: %w", err)
	}
	return out, nil
}

// DefaultPolicy blocks unknown actions, paused routines and targets that
// keep failing.
const DefaultPolicy = `
package brain_policy

known_actions := {"run_routine", "run_task"}

deny contains "unknown action" if {
	not known_actions[input.action]
}

deny contains "routine is not active" if {
	input.action == "run_routine"
	input.target_status != "active"
}

deny contains msg if {
	input.recent_failures >= 3
	msg := sprintf("target failed %d times in a row", [input.recent_failures])
}

default decision := {"decision": "allow"}

decision := {"decision": "block", "reason": concat("; ", sort(deny))} if {
	count(deny) > 0
}
`
