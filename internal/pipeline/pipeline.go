// Package pipeline sequences the AI-backed steps that turn an unstructured
// document into persisted entities, facts, and verdicts.
//
// The orchestrator is the only component with cross-step knowledge. Each
// run is a single-threaded sequence of suspending network calls: resolve
// binding → render prompt → invoke adapter → parse forced tool output →
// persist → guardrails → feed forward. The explicit state machine keeps the
// Failed state reachable from every step uniformly.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"text/template"
	"time"

	"github.com/google/uuid"

	"github.com/kumo-ai/seiri/internal/binding"
	"github.com/kumo-ai/seiri/internal/guardrail"
	"github.com/kumo-ai/seiri/internal/invoke"
	"github.com/kumo-ai/seiri/internal/model"
	"github.com/kumo-ai/seiri/internal/tracker"
)

// ErrMalformedStepOutput is returned when a step's response carries no
// forced tool invocation, or its arguments fail the agent's tool schema.
// A data-quality failure: the run ends in error, but every record already
// written stays queryable.
var ErrMalformedStepOutput = errors.New("pipeline: malformed step output")

// Step identifies one stage of the chain.
type Step string

const (
	StepExtract   Step = "extract"
	StepNormalize Step = "normalize"
	StepValidate  Step = "validate"
	StepArbitrate Step = "arbitrate"
)

// Steps is the fixed execution order.
var Steps = []Step{StepExtract, StepNormalize, StepValidate, StepArbitrate}

// ParseStep validates a step name from the API path.
func ParseStep(s string) (Step, error) {
	switch Step(s) {
	case StepExtract, StepNormalize, StepValidate, StepArbitrate:
		return Step(s), nil
	default:
		return "", fmt.Errorf("unknown step %q", s)
	}
}

// AgentName returns the agent configured to run this step.
func (s Step) AgentName() string {
	switch s {
	case StepExtract:
		return "extractor"
	case StepNormalize:
		return "normalizer"
	case StepValidate:
		return "validator"
	default:
		return "arbiter"
	}
}

// State is the orchestrator's position in the chain.
type State int

const (
	StateExtracting State = iota
	StateNormalizing
	StateValidating
	StateArbitrating
	StateDone
	StateFailed
)

// next returns the state after a successful transition out of s.
func next(s State) State {
	switch s {
	case StateExtracting:
		return StateNormalizing
	case StateNormalizing:
		return StateValidating
	case StateValidating:
		return StateArbitrating
	case StateArbitrating:
		return StateDone
	default:
		return StateFailed
	}
}

// stepFor maps an active state to the step it executes.
func stepFor(s State) (Step, bool) {
	switch s {
	case StateExtracting:
		return StepExtract, true
	case StateNormalizing:
		return StepNormalize, true
	case StateValidating:
		return StepValidate, true
	case StateArbitrating:
		return StepArbitrate, true
	default:
		return "", false
	}
}

// ConfigSource loads agent configurations and prompt versions.
// Implemented by the storage package.
type ConfigSource interface {
	GetAgentConfigByName(ctx context.Context, name string) (model.AgentConfig, error)
	GetPromptVersion(ctx context.Context, id uuid.UUID) (model.PromptVersion, error)
}

// Invoker performs canonical AI calls. Satisfied by *invoke.Adapter.
type Invoker interface {
	Invoke(ctx context.Context, call invoke.Call) (invoke.Result, error)
}

// Options tune how the orchestrator shapes canonical calls. Unsupported
// controls are dropped by the adapter per capability, so these are safe to
// set globally.
type Options struct {
	StepTimeout     time.Duration
	MaxOutputTokens int
	Temperature     *float64
	Seed            *int64
}

// Orchestrator executes pipeline runs.
type Orchestrator struct {
	invoker   Invoker
	resolver  *binding.Resolver
	tracker   *tracker.Tracker
	evaluator *guardrail.Evaluator
	configs   ConfigSource
	opts      Options
	logger    *slog.Logger
}

// New creates an Orchestrator.
func New(invoker Invoker, resolver *binding.Resolver, trk *tracker.Tracker, evaluator *guardrail.Evaluator, configs ConfigSource, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 60 * time.Second
	}
	return &Orchestrator{
		invoker:   invoker,
		resolver:  resolver,
		tracker:   trk,
		evaluator: evaluator,
		configs:   configs,
		opts:      opts,
		logger:    logger,
	}
}

// StepResult is the outcome of one executed step.
type StepResult struct {
	Run     model.Run
	NodeRun model.NodeRun
	Output  json.RawMessage
	// Blocked is set when the policy suite returned a fail verdict; the
	// run ends in error but the step's records are all persisted.
	Blocked bool
}

// PipelineResult is the outcome of a whole-chain execution.
type PipelineResult struct {
	Run    model.Run
	Status model.RunStatus
	Steps  []StepResult
}

// Execute runs the full extract → normalize → validate → arbitrate chain,
// feeding each step's structured output forward. Any step's unrecoverable
// failure transitions to Failed, ends the run in error, and preserves every
// record written so far.
func (o *Orchestrator) Execute(ctx context.Context, environment, documentText string) (PipelineResult, error) {
	run, err := o.tracker.BeginRun(ctx, environment)
	if err != nil {
		return PipelineResult{}, err
	}

	snapshot := binding.NewSnapshot(o.resolver)
	input, err := json.Marshal(map[string]string{"document_text": documentText})
	if err != nil {
		return PipelineResult{}, fmt.Errorf("pipeline: marshal input: %w", err)
	}

	result := PipelineResult{Run: run, Status: model.RunStatusSuccess}
	var metrics model.RunMetrics

	state := StateExtracting
	for {
		step, active := stepFor(state)
		if !active {
			break
		}

		stepRes, stepErr := o.executeStep(ctx, run, snapshot, step, input)
		if stepRes.NodeRun.ID != uuid.Nil {
			result.Steps = append(result.Steps, stepRes)
			metrics.TokensIn += stepRes.NodeRun.TokensIn
			metrics.TokensOut += stepRes.NodeRun.TokensOut
			metrics.NodeRuns++
		}
		if stepErr != nil {
			state = StateFailed
			result.Status = model.RunStatusError
			o.endRun(ctx, run, model.RunStatusError, metrics)
			return result, stepErr
		}
		if stepRes.Blocked {
			state = StateFailed
			result.Status = model.RunStatusError
			o.endRun(ctx, run, model.RunStatusError, metrics)
			return result, nil
		}

		input = stepRes.Output
		state = next(state)
	}

	metrics.DurationMs = time.Since(run.StartedAt).Milliseconds()
	o.endRun(ctx, run, model.RunStatusSuccess, metrics)
	return result, nil
}

// ExecuteStep runs a single step against an existing run, for the per-step
// trigger surface. The arbitrate step, a policy block, or any failure
// finalizes the run; earlier successful steps leave it running.
func (o *Orchestrator) ExecuteStep(ctx context.Context, run model.Run, step Step, input json.RawMessage) (StepResult, error) {
	snapshot := binding.NewSnapshot(o.resolver)
	res, err := o.executeStep(ctx, run, snapshot, step, input)

	metrics := model.RunMetrics{
		TokensIn:   res.NodeRun.TokensIn,
		TokensOut:  res.NodeRun.TokensOut,
		NodeRuns:   1,
		DurationMs: time.Since(run.StartedAt).Milliseconds(),
	}
	switch {
	case err != nil || res.Blocked:
		o.endRun(ctx, run, model.RunStatusError, metrics)
	case step == StepArbitrate:
		o.endRun(ctx, run, model.RunStatusSuccess, metrics)
	}
	return res, err
}

// executeStep performs one state transition: resolve binding, build the
// canonical call, invoke, parse the forced tool invocation, persist, run
// guardrails. It never mutates a prior step's persisted record.
func (o *Orchestrator) executeStep(ctx context.Context, run model.Run, snapshot *binding.Snapshot, step Step, input json.RawMessage) (StepResult, error) {
	result := StepResult{Run: run}

	agent, err := o.configs.GetAgentConfigByName(ctx, step.AgentName())
	if err != nil {
		return result, fmt.Errorf("pipeline: load agent %q: %w", step.AgentName(), err)
	}

	// Binding resolved through the run's snapshot: concurrent operator
	// changes never shift configuration mid-run.
	bnd, err := snapshot.Resolve(ctx, agent.ID, run.Environment, time.Now().UTC())
	if err != nil {
		return result, err
	}
	prompt, err := o.configs.GetPromptVersion(ctx, bnd.PromptVersionID)
	if err != nil {
		return result, fmt.Errorf("pipeline: load prompt version %s: %w", bnd.PromptVersionID, err)
	}

	rendered, err := renderPrompt(prompt.Template, run.Environment, input)
	if err != nil {
		return result, fmt.Errorf("pipeline: render prompt for %q: %w", agent.Name, err)
	}

	// The tool schema is operator configuration; an uncompilable schema
	// aborts the step before any provider call, like the other config errors.
	schema, err := guardrail.CompileToolSchema(agent.ToolSchema.Parameters)
	if err != nil {
		return result, fmt.Errorf("pipeline: compile tool schema for %q: %w", agent.Name, err)
	}

	call := invoke.Call{
		ModelFamily: agent.PreferredModelFamily,
		Messages: []invoke.Message{
			{Role: "system", Content: rendered},
			{Role: "user", Content: string(input)},
		},
		Tools: []invoke.Tool{{
			Name:        agent.ToolSchema.Name,
			Description: agent.ToolSchema.Description,
			Parameters:  agent.ToolSchema.Parameters,
		}},
		ForcedTool:      agent.ToolSchema.Name,
		Temperature:     o.opts.Temperature,
		Seed:            o.opts.Seed,
		MaxOutputTokens: o.opts.MaxOutputTokens,
	}
	if agent.ReasoningEffort != nil {
		call.ReasoningEffort = *agent.ReasoningEffort
	}

	stepCtx, cancel := context.WithTimeout(ctx, o.opts.StepTimeout)
	start := time.Now()
	aiResult, callErr := o.invoker.Invoke(stepCtx, call)
	cancel()

	// One attempted fallback when the preferred family's provider failed.
	// Safe to re-invoke: nothing is persisted before the structured output
	// is validated.
	if callErr != nil && agent.FallbackModelFamily != nil && isProviderFailure(callErr) {
		o.logger.Warn("pipeline: preferred family failed, trying fallback",
			"agent", agent.Name,
			"preferred", agent.PreferredModelFamily,
			"fallback", *agent.FallbackModelFamily,
			"error", callErr,
		)
		fallbackCall := call
		fallbackCall.ModelFamily = *agent.FallbackModelFamily
		stepCtx, cancel = context.WithTimeout(ctx, o.opts.StepTimeout)
		aiResult, callErr = o.invoker.Invoke(stepCtx, fallbackCall)
		cancel()
	}
	latency := time.Since(start)

	params := tracker.NodeRunParams{
		Run:            run,
		Agent:          agent,
		Binding:        bnd,
		RenderedPrompt: rendered,
		Call:           call,
		Inputs:         input,
		Latency:        latency,
	}

	if callErr != nil {
		params.CallErr = callErr
		if nodeRun, recErr := o.tracker.RecordNodeRun(ctx, params); recErr != nil {
			o.logger.Error("pipeline: record failed step", "error", recErr)
		} else {
			result.NodeRun = nodeRun
		}
		return result, callErr
	}
	params.Result = &aiResult

	// (d) The step's single forced tool invocation is its structured
	// output; absence is a malformed-output failure.
	toolInv, found := forcedInvocation(aiResult, agent.ToolSchema.Name)
	if !found {
		malformed := fmt.Errorf("%w: no %q tool invocation in response", ErrMalformedStepOutput, agent.ToolSchema.Name)
		params.CallErr = malformed
		nodeRun, recErr := o.tracker.RecordNodeRun(ctx, params)
		if recErr != nil {
			o.logger.Error("pipeline: record malformed step", "error", recErr)
		}
		result.NodeRun = nodeRun
		o.saveVerdicts(ctx, o.evaluator.Evaluate(nodeRun.ID, guardrail.StepOutput{
			ValidationErr: "missing forced tool invocation",
		}))
		return result, malformed
	}

	out := guardrail.Inspect(schema, toolInv.Arguments)

	if !out.Valid {
		malformed := fmt.Errorf("%w: %s", ErrMalformedStepOutput, out.ValidationErr)
		params.CallErr = malformed
		nodeRun, recErr := o.tracker.RecordNodeRun(ctx, params)
		if recErr != nil {
			o.logger.Error("pipeline: record malformed step", "error", recErr)
		}
		result.NodeRun = nodeRun
		o.saveVerdicts(ctx, o.evaluator.Evaluate(nodeRun.ID, out))
		return result, malformed
	}

	params.Outputs = toolInv.Arguments
	nodeRun, err := o.tracker.RecordNodeRun(ctx, params)
	if err != nil {
		return result, err
	}
	result.NodeRun = nodeRun
	result.Output = toolInv.Arguments

	verdicts := o.evaluator.Evaluate(nodeRun.ID, out)
	o.saveVerdicts(ctx, verdicts)
	for _, v := range verdicts {
		if v.Suite == guardrail.SuitePolicy && v.Verdict == model.VerdictFail {
			result.Blocked = true
		}
	}
	return result, nil
}

func (o *Orchestrator) saveVerdicts(ctx context.Context, verdicts []model.GuardrailResult) {
	for _, v := range verdicts {
		if err := o.tracker.SaveGuardrailResult(ctx, v); err != nil {
			o.logger.Error("pipeline: save guardrail result", "suite", v.Suite, "error", err)
		}
	}
}

// endRun finalizes the run, logging rather than failing on a double-end:
// every failure path has already written its terminal NodeRun status.
func (o *Orchestrator) endRun(ctx context.Context, run model.Run, status model.RunStatus, metrics model.RunMetrics) {
	if err := o.tracker.EndRun(ctx, run.ID, status, metrics); err != nil {
		o.logger.Error("pipeline: end run", "run_id", run.ID, "status", string(status), "error", err)
	}
}

// forcedInvocation finds the step's forced tool call in the result.
func forcedInvocation(result invoke.Result, name string) (invoke.ToolInvocation, bool) {
	for _, inv := range result.ToolInvocations {
		if inv.Name == name {
			return inv, true
		}
	}
	return invoke.ToolInvocation{}, false
}

// renderPrompt executes the prompt template with the step input.
type promptData struct {
	Environment string
	Input       string
}

func renderPrompt(tmpl, environment string, input json.RawMessage) (string, error) {
	t, err := template.New("prompt").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, promptData{Environment: environment, Input: string(input)}); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}
	return buf.String(), nil
}

// isProviderFailure reports whether err is worth a fallback attempt, as
// opposed to a configuration error that would fail identically.
func isProviderFailure(err error) bool {
	var perr *invoke.ProviderError
	return errors.As(err, &perr) || errors.Is(err, invoke.ErrProviderTimeout)
}
