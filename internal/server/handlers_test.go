package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
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
	"github.com/kumo-ai/seiri/internal/server"
	"github.com/kumo-ai/seiri/internal/testutil"
	"github.com/kumo-ai/seiri/internal/tracker"
)

type scriptedInvoker struct {
	results map[string]invoke.Result
	errs    map[string]error
}

func (s *scriptedInvoker) Invoke(_ context.Context, call invoke.Call) (invoke.Result, error) {
	if err, ok := s.errs[call.ForcedTool]; ok {
		return invoke.Result{}, err
	}
	res, ok := s.results[call.ForcedTool]
	if !ok {
		return invoke.Result{}, fmt.Errorf("unscripted tool %q", call.ForcedTool)
	}
	return res, nil
}

type staticConfigs struct {
	agents   map[string]model.AgentConfig
	prompts  map[uuid.UUID]model.PromptVersion
	bindings []model.PromptBinding
}

func (s *staticConfigs) GetAgentConfigByName(_ context.Context, name string) (model.AgentConfig, error) {
	a, ok := s.agents[name]
	if !ok {
		return model.AgentConfig{}, fmt.Errorf("unknown agent %q", name)
	}
	return a, nil
}

func (s *staticConfigs) GetPromptVersion(_ context.Context, id uuid.UUID) (model.PromptVersion, error) {
	p, ok := s.prompts[id]
	if !ok {
		return model.PromptVersion{}, fmt.Errorf("unknown prompt version %s", id)
	}
	return p, nil
}

func (s *staticConfigs) ListBindings(_ context.Context, agentID uuid.UUID, environment string) ([]model.PromptBinding, error) {
	var out []model.PromptBinding
	for _, b := range s.bindings {
		if b.AgentID == agentID && b.Environment == environment {
			out = append(out, b)
		}
	}
	return out, nil
}

type recordingStore struct {
	runs     map[uuid.UUID]model.Run
	nodeRuns []model.NodeRun
	verdicts []model.GuardrailResult
}

func newRecordingStore() *recordingStore {
	return &recordingStore{runs: make(map[uuid.UUID]model.Run)}
}

func (m *recordingStore) CreateRun(_ context.Context, run model.Run) error {
	m.runs[run.ID] = run
	return nil
}

func (m *recordingStore) EndRun(_ context.Context, runID uuid.UUID, status model.RunStatus, endedAt time.Time, metrics model.RunMetrics) (bool, error) {
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

func (m *recordingStore) GetRun(_ context.Context, runID uuid.UUID) (model.Run, error) {
	run, ok := m.runs[runID]
	if !ok {
		return model.Run{}, fmt.Errorf("run %s not found", runID)
	}
	return run, nil
}

func (m *recordingStore) CreateNodeRun(_ context.Context, nodeRun model.NodeRun, _ []model.MessageLogEntry) error {
	m.nodeRuns = append(m.nodeRuns, nodeRun)
	return nil
}

func (m *recordingStore) CreateGuardrailResult(_ context.Context, result model.GuardrailResult) error {
	m.verdicts = append(m.verdicts, result)
	return nil
}

// handlersFixture wires Handlers over an orchestrator with scripted fakes.
// The DB and JWT manager stay nil; the tests here never reach them.
type handlersFixture struct {
	invoker  *scriptedInvoker
	configs  *staticConfigs
	store    *recordingStore
	handlers *server.Handlers
}

const handlerSchema = `{
	"type": "object",
	"required": ["entities"],
	"properties": {"entities": {"type": "array"}, "policy_decision": {"type": "string"}}
}`

func newHandlersFixture(t *testing.T) *handlersFixture {
	t.Helper()

	configs := &staticConfigs{
		agents:  make(map[string]model.AgentConfig),
		prompts: make(map[uuid.UUID]model.PromptVersion),
	}
	inv := &scriptedInvoker{
		results: make(map[string]invoke.Result),
		errs:    make(map[string]error),
	}

	for _, step := range pipeline.Steps {
		name := step.AgentName()
		agent := model.AgentConfig{
			ID:                   uuid.New(),
			Name:                 name,
			PreferredModelFamily: "family-a",
			ToolSchema: model.ToolSchema{
				Name:       "emit_" + name,
				Parameters: json.RawMessage(handlerSchema),
			},
		}
		configs.agents[name] = agent

		pv := model.PromptVersion{
			ID:       uuid.New(),
			AgentID:  agent.ID,
			Version:  1,
			Template: "You are the " + name + ". Input: {{.Input}}",
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

		inv.results["emit_"+name] = invoke.Result{
			TokensIn:  10,
			TokensOut: 4,
			ToolInvocations: []invoke.ToolInvocation{
				{Name: "emit_" + name, Arguments: json.RawMessage(`{"entities":[{"name":"acme"}]}`)},
			},
		}
	}

	store := newRecordingStore()
	trk := tracker.New(store)
	orch := pipeline.New(
		inv,
		binding.NewResolver(configs),
		trk,
		guardrail.NewEvaluator(),
		configs,
		pipeline.Options{StepTimeout: time.Second, MaxOutputTokens: 1024},
		testutil.TestLogger(),
	)

	h := server.NewHandlers(server.HandlersDeps{
		Orchestrator:        orch,
		Tracker:             trk,
		Logger:              testutil.TestLogger(),
		MaxRequestBodyBytes: 1 << 20,
	})
	return &handlersFixture{invoker: inv, configs: configs, store: store, handlers: h}
}

func postJSON(t *testing.T, target, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestHandleRunPipelineNoActiveBinding(t *testing.T) {
	f := newHandlersFixture(t)
	// Environment with no bindings at all: resolution fails at the first step.
	rec := httptest.NewRecorder()
	f.handlers.HandleRunPipeline(rec,
		postJSON(t, "/v1/pipeline", `{"environment":"staging","document_text":"doc"}`))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), model.ErrCodeNotFound)
	assert.Contains(t, rec.Body.String(), "no active binding")
	// The begun run rides along in the error details and is finalized.
	assert.Contains(t, rec.Body.String(), "run_id")
	require.Len(t, f.store.runs, 1)
	for _, run := range f.store.runs {
		assert.Equal(t, model.RunStatusError, run.Status)
	}
}

func TestHandleRunPipelinePartialFailureReportsError(t *testing.T) {
	f := newHandlersFixture(t)
	// Extract succeeds, normalize's provider is down.
	f.invoker.errs["emit_normalizer"] = &invoke.ProviderError{Status: 503, Body: "upstream down"}

	rec := httptest.NewRecorder()
	f.handlers.HandleRunPipeline(rec,
		postJSON(t, "/v1/pipeline", `{"environment":"dev","document_text":"doc"}`))

	require.Equal(t, http.StatusOK, rec.Code)

	var env struct {
		Data model.PipelineResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, model.RunStatusError, env.Data.Status)
	require.Len(t, env.Data.Steps, 2)
	assert.Equal(t, "model provider request failed", env.Data.Error)
	// The upstream body never leaks into the response.
	assert.NotContains(t, rec.Body.String(), "upstream down")
}

func TestHandleStepEnvironmentMismatch(t *testing.T) {
	f := newHandlersFixture(t)

	run := model.Run{
		ID:          uuid.New(),
		Environment: "prod",
		Status:      model.RunStatusRunning,
		StartedAt:   time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateRun(context.Background(), run))

	body := fmt.Sprintf(`{"run_id":%q,"environment":"dev","document_text":"doc"}`, run.ID)
	req := postJSON(t, "/v1/steps/extract", body)
	req.SetPathValue("step", "extract")
	rec := httptest.NewRecorder()
	f.handlers.HandleStep(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "belongs to environment prod")
	assert.Empty(t, f.store.nodeRuns, "mismatched request must not execute")
}

func TestHandleStepRejectsNonCanonicalRunID(t *testing.T) {
	f := newHandlersFixture(t)

	bare := strings.ReplaceAll(uuid.New().String(), "-", "")
	body := fmt.Sprintf(`{"run_id":%q,"environment":"dev","document_text":"doc"}`, bare)
	req := postJSON(t, "/v1/steps/extract", body)
	req.SetPathValue("step", "extract")
	rec := httptest.NewRecorder()
	f.handlers.HandleStep(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid run_id")
}

func TestHandleGetRunRejectsNonCanonicalID(t *testing.T) {
	f := newHandlersFixture(t)

	braced := "{" + uuid.New().String() + "}"
	req := httptest.NewRequest(http.MethodGet, "/v1/runs/"+braced, nil)
	req.SetPathValue("run_id", braced)
	rec := httptest.NewRecorder()
	f.handlers.HandleGetRun(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid run_id")
}
