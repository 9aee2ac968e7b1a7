// Package guardrail applies post-hoc checks to a step's structured output
// and emits tri-state verdicts.
//
// Suites are pluggable predicates over the already-produced output; none of
// them re-derives a decision. The two built-ins cover schema/normalization
// quality and the policy decision embedded by the arbiter step.
package guardrail

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/kumo-ai/seiri/internal/model"
)

// Suite names for the built-in checks.
const (
	SuiteSchema = "schema"
	SuitePolicy = "policy"
)

// Policy decisions embedded in arbiter output.
const (
	DecisionAllow = "ALLOW"
	DecisionWarn  = "WARN"
	DecisionBlock = "BLOCK"
)

// StepOutput is the evaluator's view of one step's structured output.
type StepOutput struct {
	// Raw is the tool-call arguments as returned by the model.
	Raw json.RawMessage
	// Valid reports whether Raw parsed and validated against the agent's
	// tool schema; ValidationErr carries the failure detail when it did not.
	Valid         bool
	ValidationErr string
	// Unresolved lists field names the step reported as unknown/unresolved.
	Unresolved []string
	// PolicyDecision is the ALLOW/BLOCK/WARN value embedded in the output,
	// empty when the step carries none.
	PolicyDecision string
}

// Suite is one pluggable post-hoc check.
type Suite interface {
	Name() string
	// Applicable reports whether the suite has anything to say about out.
	Applicable(out StepOutput) bool
	Evaluate(out StepOutput) (model.Verdict, map[string]any)
}

// Evaluator runs registered suites over step outputs.
type Evaluator struct {
	suites []Suite
}

// NewEvaluator creates an Evaluator with the built-in schema and policy
// suites plus any extras.
func NewEvaluator(extra ...Suite) *Evaluator {
	suites := []Suite{schemaSuite{}, policySuite{}}
	return &Evaluator{suites: append(suites, extra...)}
}

// Evaluate runs every applicable suite and returns one GuardrailResult per
// suite, bound to nodeRunID.
func (e *Evaluator) Evaluate(nodeRunID uuid.UUID, out StepOutput) []model.GuardrailResult {
	var results []model.GuardrailResult
	for _, s := range e.suites {
		if !s.Applicable(out) {
			continue
		}
		verdict, details := s.Evaluate(out)
		results = append(results, model.GuardrailResult{
			ID:        uuid.New(),
			NodeRunID: nodeRunID,
			Suite:     s.Name(),
			Verdict:   verdict,
			Details:   details,
			CreatedAt: time.Now().UTC(),
		})
	}
	return results
}

// schemaSuite checks structural quality: a schema violation is a hard fail,
// unresolved fields are advisory.
type schemaSuite struct{}

func (schemaSuite) Name() string               { return SuiteSchema }
func (schemaSuite) Applicable(StepOutput) bool { return true }

func (schemaSuite) Evaluate(out StepOutput) (model.Verdict, map[string]any) {
	if !out.Valid {
		return model.VerdictFail, map[string]any{"error": out.ValidationErr}
	}
	if len(out.Unresolved) > 0 {
		return model.VerdictWarn, map[string]any{"unresolved_fields": out.Unresolved}
	}
	return model.VerdictPass, nil
}

// policySuite records the arbiter's embedded decision 1:1. Decision
// derivation happened upstream in the AI-backed step; this suite only maps
// it onto a verdict.
type policySuite struct{}

func (policySuite) Name() string { return SuitePolicy }

func (policySuite) Applicable(out StepOutput) bool {
	return out.PolicyDecision != ""
}

func (policySuite) Evaluate(out StepOutput) (model.Verdict, map[string]any) {
	details := map[string]any{"decision": out.PolicyDecision}
	switch out.PolicyDecision {
	case DecisionAllow:
		return model.VerdictPass, details
	case DecisionWarn:
		return model.VerdictWarn, details
	case DecisionBlock:
		return model.VerdictFail, details
	default:
		details["error"] = "unrecognized policy decision"
		return model.VerdictWarn, details
	}
}

// CompileToolSchema compiles an agent's tool parameter schema once for
// reuse across steps.
func CompileToolSchema(params json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(params))
	if err != nil {
		return nil, fmt.Errorf("guardrail: parse tool schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tool.json", doc); err != nil {
		return nil, fmt.Errorf("guardrail: add tool schema resource: %w", err)
	}
	schema, err := compiler.Compile("tool.json")
	if err != nil {
		return nil, fmt.Errorf("guardrail: compile tool schema: %w", err)
	}
	return schema, nil
}

// Inspect parses raw tool-call arguments, validates them against schema,
// and extracts the advisory fields the built-in suites consume.
func Inspect(schema *jsonschema.Schema, raw json.RawMessage) StepOutput {
	out := StepOutput{Raw: raw}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		out.ValidationErr = fmt.Sprintf("invalid JSON: %v", err)
		return out
	}
	if err := schema.Validate(inst); err != nil {
		out.ValidationErr = err.Error()
		return out
	}
	out.Valid = true

	obj, ok := inst.(map[string]any)
	if !ok {
		return out
	}
	if fields, ok := obj["unresolved_fields"].([]any); ok {
		for _, f := range fields {
			if s, ok := f.(string); ok {
				out.Unresolved = append(out.Unresolved, s)
			}
		}
	}
	if decision, ok := obj["policy_decision"].(string); ok {
		out.PolicyDecision = decision
	}
	return out
}
