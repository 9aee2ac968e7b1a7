package pipeline_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kumo-ai/seiri/internal/binding"
	"github.com/kumo-ai/seiri/internal/guardrail"
	"github.com/kumo-ai/seiri/internal/invoke"
	"github.com/kumo-ai/seiri/internal/model"
	"github.com/kumo-ai/seiri/internal/pipeline"
	"github.com/kumo-ai/seiri/internal/testutil"
	"github.com/kumo-ai/seiri/internal/tracker"
)

// fixture wires an orchestrator over in-memory fakes: scripted invoker,
// static agent/prompt/binding configuration, and a recording store.
type fixture struct {
	invoker *fakeInvoker
	configs *fakeConfigs
	store   *memStore
	orch    *pipeline.Orchestrator
}

type fakeInvoker struct {
	calls []invoke.Call
	// results are keyed by forced tool name.
	results map[string]invoke.Result
	// failFamilies scripts a per-family error.
	failFamilies map[string]error
}

func (f *fakeInvoker) Invoke(_ context.Context, call invoke.Call) (invoke.Result, error) {
	f.calls = append(f.calls, call)
	if err, ok := f.failFamilies[call.ModelFamily]; ok {
		return invoke.Result{}, err
	}
	res, ok := f.results[call.ForcedTool]
	if !ok {
		return invoke.Result{}, fmt.Errorf("unscripted tool %q", call.ForcedTool)
	}
	return res, nil
}

type fakeConfigs struct {
	agents   map[string]model.AgentConfig
	prompts  map[uuid.UUID]model.PromptVersion
	bindings []model.PromptBinding
}

func (f *fakeConfigs) GetAgentConfigByName(_ context.Context, name string) (model.AgentConfig, error) {
	a, ok := f.agents[name]
	if !ok {
		return model.AgentConfig{}, fmt.Errorf("unknown agent %q", name)
	}
	return a, nil
}

func (f *fakeConfigs) GetPromptVersion(_ context.Context, id uuid.UUID) (model.PromptVersion, error) {
	p, ok := f.prompts[id]
	if !ok {
		return model.PromptVersion{}, fmt.Errorf("unknown prompt version %s", id)
	}
	return p, nil
}

func (f *fakeConfigs) ListBindings(_ context.Context, agentID uuid.UUID, environment string) ([]model.PromptBinding, error) {
	var out []model.PromptBinding
	for _, b := range f.bindings {
		if b.AgentID == agentID && b.Environment == environment {
			out = append(out, b)
		}
	}
	return out, nil
}

type memStore struct {
	runs      map[uuid.UUID]model.Run
	nodeRuns  []model.NodeRun
	messages  []model.MessageLogEntry
	guardrail []model.GuardrailResult
}

func newMemStore() *memStore {
	return &memStore{runs: make(map[uuid.UUID]model.Run)}
}

func (m *memStore) CreateRun(_ context.Context, run model.Run) error {
	m.runs[run.ID] = run
	return nil
}

func (m *memStore) EndRun(_ context.Context, runID uuid.UUID, status model.RunStatus, endedAt time.Time, metrics model.RunMetrics) (bool, error) {
	run, ok := m.runs[runID]
	if !ok || run.Status != model.RunStatusRunning {
		return false, nil
	}
	run.Status = status
	run.EndedAt = &endedAt
	run.Metrics = metrics
	m.runs[runID] = run
	return true, nil
}

func (m *memStore) GetRun(_ context.Context, runID uuid.UUID) (model.Run, error) {
	run, ok := m.runs[runID]
	if !ok {
		return model.Run{}, fmt.Errorf("run %s not found", runID)
	}
	return run, nil
}

func (m *memStore) CreateNodeRun(_ context.Context, nodeRun model.NodeRun, messages []model.MessageLogEntry) error {
	m.nodeRuns = append(m.nodeRuns, nodeRun)
	m.messages = append(m.messages, messages...)
	return nil
}

func (m *memStore) CreateGuardrailResult(_ context.Context, result model.GuardrailResult) error {
	m.guardrail = append(m.guardrail, result)
	return nil
}

const objectSchema = `{
	"type": "object",
	"required": ["%s"],
	"properties": {
		"%s": {"type": "array"},
		"unresolved_fields": {"type": "array", "items": {"type": "string"}},
		"policy_decision": {"type": "string"}
	}
}`

func newFixture(t *testing.T) *fixture {
	t.Helper()

	configs := &fakeConfigs{
		agents:  make(map[string]model.AgentConfig),
		prompts: make(map[uuid.UUID]model.PromptVersion),
	}

	// One agent per step, each forcing its own tool over its own schema.
	payloadField := map[string]string{
		"extractor":  "entities",
		"normalizer": "entities",
		"validator":  "facts",
		"arbiter":    "facts",
	}
	for _, step := range pipeline.Steps {
		name := step.AgentName()
		field := payloadField[name]
		agent := model.AgentConfig{
			ID:                   uuid.New(),
			Name:                 name,
			PreferredModelFamily: "family-a",
			ToolSchema: model.ToolSchema{
				Name:       "emit_" + name,
				Parameters: json.RawMessage(fmt.Sprintf(objectSchema, field, field)),
			},
		}
		configs.agents[name] = agent

		pv := model.PromptVersion{
			ID:       uuid.New(),
			AgentID:  agent.ID,
			Version:  1,
			Template: "You are the " + name + " in {{.Environment}}. Input: {{.Input}}",
		}
		configs.prompts[pv.ID] = pv
		configs.bindings = append(configs.bindings, model.PromptBinding{
			ID:              uuid.New(),
			AgentID:         agent.ID,
			Environment:     "dev",
			PromptVersionID: pv.ID,
			EffectiveFrom:   time.Now().UTC().Add(-time.Hour),
			TrafficWeight:   100,
		})
	}

	inv := &fakeInvoker{
		results: map[string]invoke.Result{
			"emit_extractor":  toolResult("emit_extractor", `{"entities":[{"name":"acme"}]}`),
			"emit_normalizer": toolResult("emit_normalizer", `{"entities":[{"name":"Acme Corp"}]}`),
			"emit_validator":  toolResult("emit_validator", `{"facts":[{"name":"Acme Corp"}]}`),
			"emit_arbiter":    toolResult("emit_arbiter", `{"facts":[{"name":"Acme Corp"}],"policy_decision":"ALLOW"}`),
		},
		failFamilies: make(map[string]error),
	}

	store := newMemStore()
	orch := pipeline.New(
		inv,
		binding.NewResolver(configs),
		tracker.New(store),
		guardrail.NewEvaluator(),
		configs,
		pipeline.Options{StepTimeout: time.Second, MaxOutputTokens: 1024},
		testutil.TestLogger(),
	)
	return &fixture{invoker: inv, configs: configs, store: store, orch: orch}
}

func toolResult(tool, args string) invoke.Result {
	return invoke.Result{
		TokensIn:  10,
		TokensOut: 4,
		ToolInvocations: []invoke.ToolInvocation{
			{ID: "c1", Name: tool, Arguments: json.RawMessage(args)},
		},
	}
}

func TestExecuteFullChain(t *testing.T) {
	f := newFixture(t)

	result, err := f.orch.Execute(context.Background(), "dev", "Acme acquired Initech.")
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusSuccess, result.Status)
	require.Len(t, result.Steps, 4)
	assert.JSONEq(t,
		`{"facts":[{"name":"Acme Corp"}],"policy_decision":"ALLOW"}`,
		string(result.Steps[3].Output),
	)

	// Each step consumed the previous step's structured output.
	require.Len(t, f.invoker.calls, 4)
	assert.JSONEq(t, `{"document_text":"Acme acquired Initech."}`, f.invoker.calls[0].Messages[1].Content)
	assert.JSONEq(t, `{"entities":[{"name":"acme"}]}`, f.invoker.calls[1].Messages[1].Content)
	assert.JSONEq(t, `{"facts":[{"name":"Acme Corp"}]}`, f.invoker.calls[3].Messages[1].Content)

	// Prompts were rendered against the binding's template.
	assert.Contains(t, f.invoker.calls[0].Messages[0].Content, "You are the extractor in dev")

	// The run is finalized exactly once, with accumulated metrics.
	run := f.store.runs[result.Run.ID]
	assert.Equal(t, model.RunStatusSuccess, run.Status)
	require.NotNil(t, run.EndedAt)
	assert.Equal(t, 4, run.Metrics.NodeRuns)
	assert.Equal(t, 40, run.Metrics.TokensIn)
	assert.Equal(t, 16, run.Metrics.TokensOut)

	// Every step recorded a node run and a passing schema verdict.
	assert.Len(t, f.store.nodeRuns, 4)
	pass := 0
	for _, g := range f.store.guardrail {
		if g.Suite == guardrail.SuiteSchema && g.Verdict == model.VerdictPass {
			pass++
		}
	}
	assert.Equal(t, 4, pass)
}

func TestExecuteMalformedOutputFailsRun(t *testing.T) {
	f := newFixture(t)
	// Extractor returns output violating its schema (entities missing).
	f.invoker.results["emit_extractor"] = toolResult("emit_extractor", `{"wrong":true}`)

	result, err := f.orch.Execute(context.Background(), "dev", "doc")
	require.ErrorIs(t, err, pipeline.ErrMalformedStepOutput)
	assert.Equal(t, model.RunStatusError, result.Status)
	require.Len(t, result.Steps, 1)

	// The failed attempt is recorded, not rolled back.
	require.Len(t, f.store.nodeRuns, 1)
	assert.Equal(t, model.NodeRunStatusError, f.store.nodeRuns[0].Status)
	require.NotNil(t, f.store.nodeRuns[0].Error)

	var schemaFail bool
	for _, g := range f.store.guardrail {
		if g.Suite == guardrail.SuiteSchema && g.Verdict == model.VerdictFail {
			schemaFail = true
		}
	}
	assert.True(t, schemaFail)

	assert.Equal(t, model.RunStatusError, f.store.runs[result.Run.ID].Status)
}

func TestExecuteMissingForcedToolFailsRun(t *testing.T) {
	f := newFixture(t)
	f.invoker.results["emit_extractor"] = invoke.Result{Text: "here are your entities: acme"}

	_, err := f.orch.Execute(context.Background(), "dev", "doc")
	require.ErrorIs(t, err, pipeline.ErrMalformedStepOutput)
	require.Len(t, f.store.nodeRuns, 1)
	assert.Equal(t, model.NodeRunStatusError, f.store.nodeRuns[0].Status)
}

func TestExecuteBlockedByPolicy(t *testing.T) {
	f := newFixture(t)
	f.invoker.results["emit_arbiter"] = toolResult("emit_arbiter",
		`{"facts":[{"name":"Acme Corp"}],"policy_decision":"BLOCK"}`)

	result, err := f.orch.Execute(context.Background(), "dev", "doc")
	// A policy block is a controlled outcome, not a Go error.
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusError, result.Status)
	require.Len(t, result.Steps, 4)
	assert.True(t, result.Steps[3].Blocked)

	// All four node runs persist, including the blocked one.
	assert.Len(t, f.store.nodeRuns, 4)
	assert.Equal(t, model.RunStatusError, f.store.runs[result.Run.ID].Status)
}

func TestExecuteFallbackFamilyOnProviderFailure(t *testing.T) {
	f := newFixture(t)

	fallback := "family-b"
	extractor := f.configs.agents["extractor"]
	extractor.FallbackModelFamily = &fallback
	f.configs.agents["extractor"] = extractor

	// Preferred family's provider is down; fallback succeeds.
	f.invoker.failFamilies["family-a"] = &invoke.ProviderError{Status: 503, Body: "down"}

	ctx := context.Background()
	trk := tracker.New(f.store)
	run, err := trk.BeginRun(ctx, "dev")
	require.NoError(t, err)

	res, err := f.orch.ExecuteStep(ctx, run, pipeline.StepExtract,
		json.RawMessage(`{"document_text":"doc"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, res.Output)

	require.Len(t, f.invoker.calls, 2, "expected preferred then fallback attempt")
	assert.Equal(t, "family-a", f.invoker.calls[0].ModelFamily)
	assert.Equal(t, "family-b", f.invoker.calls[1].ModelFamily)
	assert.Equal(t, model.NodeRunStatusSuccess, f.store.nodeRuns[0].Status)
}

func TestExecuteFallbackNotAttemptedForConfigErrors(t *testing.T) {
	f := newFixture(t)

	fallback := "family-b"
	extractor := f.configs.agents["extractor"]
	extractor.FallbackModelFamily = &fallback
	f.configs.agents["extractor"] = extractor

	// A non-provider failure (e.g. unknown family) must not trigger a retry.
	f.invoker.failFamilies["family-a"] = fmt.Errorf("registry: unknown model family")

	_, err := f.orch.Execute(context.Background(), "dev", "doc")
	require.Error(t, err)
	assert.Len(t, f.invoker.calls, 1)
}

func TestExecuteUncompilableToolSchemaAbortsBeforeInvoke(t *testing.T) {
	f := newFixture(t)

	// An uncompilable schema is operator misconfiguration: the step must
	// abort before any provider call, leaving nothing half-recorded.
	extractor := f.configs.agents["extractor"]
	extractor.ToolSchema.Parameters = json.RawMessage(`{"type": 42}`)
	f.configs.agents["extractor"] = extractor

	result, err := f.orch.Execute(context.Background(), "dev", "doc")
	require.Error(t, err)
	assert.ErrorContains(t, err, "compile tool schema")

	assert.Empty(t, f.invoker.calls, "provider must not be called with a broken schema")
	assert.Empty(t, f.store.nodeRuns)
	assert.Equal(t, model.RunStatusError, f.store.runs[result.Run.ID].Status)
}

func TestExecuteStepArbitrateFinalizesRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	trk := tracker.New(f.store)
	run, err := trk.BeginRun(ctx, "dev")
	require.NoError(t, err)

	res, err := f.orch.ExecuteStep(ctx, run, pipeline.StepArbitrate,
		json.RawMessage(`{"facts":[{"name":"Acme Corp"}]}`))
	require.NoError(t, err)
	assert.False(t, res.Blocked)

	assert.Equal(t, model.RunStatusSuccess, f.store.runs[run.ID].Status)
}

func TestExecuteStepIntermediateLeavesRunOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	trk := tracker.New(f.store)
	run, err := trk.BeginRun(ctx, "dev")
	require.NoError(t, err)

	_, err = f.orch.ExecuteStep(ctx, run, pipeline.StepExtract,
		json.RawMessage(`{"document_text":"doc"}`))
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusRunning, f.store.runs[run.ID].Status)
}

func TestParseStep(t *testing.T) {
	for _, s := range pipeline.Steps {
		got, err := pipeline.ParseStep(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := pipeline.ParseStep("transmogrify")
	require.Error(t, err)
}
