package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kumo-ai/seiri/internal/auth"
	"github.com/kumo-ai/seiri/internal/binding"
	"github.com/kumo-ai/seiri/internal/invoke"
	"github.com/kumo-ai/seiri/internal/model"
	"github.com/kumo-ai/seiri/internal/pipeline"
	"github.com/kumo-ai/seiri/internal/registry"
	"github.com/kumo-ai/seiri/internal/storage"
	"github.com/kumo-ai/seiri/internal/tracker"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	jwtMgr              *auth.JWTManager
	orchestrator        *pipeline.Orchestrator
	tracker             *tracker.Tracker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	Orchestrator        *pipeline.Orchestrator
	Tracker             *tracker.Tracker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		orchestrator:        d.Orchestrator,
		tracker:             d.Tracker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleAuthToken handles POST /auth/token. Exchanges a caller_id and API
// key for a short-lived JWT.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.CallerID == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "caller_id and api_key are required")
		return
	}

	caller, err := h.db.GetCallerByCallerID(r.Context(), req.CallerID)
	if err != nil {
		// Burn an equivalent hash so timing does not reveal caller existence.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	valid, err := auth.VerifyAPIKey(req.APIKey, caller.APIKeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(caller)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleStep handles POST /v1/steps/{step}. Executes one pipeline step
// synchronously: a new run is begun when run_id is absent, otherwise the
// step extends the identified run.
func (h *Handlers) HandleStep(w http.ResponseWriter, r *http.Request) {
	step, err := pipeline.ParseStep(r.PathValue("step"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.StepRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	input, err := stepInput(step, req)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var run model.Run
	if req.RunID == "" {
		run, err = h.tracker.BeginRun(r.Context(), req.Environment)
		if err != nil {
			h.writeInternalError(w, r, "failed to begin run", err)
			return
		}
	} else {
		runID, perr := parseCanonicalUUID(req.RunID)
		if perr != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run_id: "+req.RunID)
			return
		}
		run, err = h.tracker.GetRun(r.Context(), runID)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		if run.Status != model.RunStatusRunning {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				fmt.Sprintf("run %s already ended with status %s", run.ID, run.Status))
			return
		}
		if run.Environment != req.Environment {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				fmt.Sprintf("run %s belongs to environment %s", run.ID, run.Environment))
			return
		}
	}

	res, err := h.orchestrator.ExecuteStep(r.Context(), run, step, input)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if res.Blocked {
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeInvalidInput,
			"step output blocked by policy guardrail")
		return
	}

	writeJSON(w, r, http.StatusOK, model.StepResponse{
		RunID:            run.ID.String(),
		NodeRunID:        res.NodeRun.ID.String(),
		StructuredOutput: res.Output,
		Metrics: model.StepMetrics{
			TokensIn:  res.NodeRun.TokensIn,
			TokensOut: res.NodeRun.TokensOut,
			LatencyMs: res.NodeRun.LatencyMs,
		},
	})
}

// HandleRunPipeline handles POST /v1/pipeline. Executes the full chain in
// one request and returns per-step outputs.
func (h *Handlers) HandleRunPipeline(w http.ResponseWriter, r *http.Request) {
	var req model.PipelineRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	result, err := h.orchestrator.Execute(r.Context(), req.Environment, req.DocumentText)
	if err != nil && len(result.Steps) == 0 {
		// Nothing executed: surface the error with its proper status. The
		// run, if one was begun, is already finalized and queryable.
		status, code, msg := classifyDomainError(err)
		h.logger.Error("pipeline run failed before first step",
			"run_id", result.Run.ID, "error", err, "request_id", RequestIDFromContext(r.Context()))
		var details map[string]any
		if result.Run.ID != uuid.Nil {
			details = map[string]any{"run_id": result.Run.ID.String()}
		}
		writeErrorDetails(w, r, status, code, msg, details)
		return
	}

	resp := model.PipelineResponse{
		RunID:  result.Run.ID.String(),
		Status: result.Status,
	}
	if err != nil {
		// Partial progress: the recorded steps are returned alongside the
		// caller-safe failure reason.
		_, _, msg := classifyDomainError(err)
		resp.Error = msg
		h.logger.Error("pipeline run failed after partial progress",
			"run_id", result.Run.ID, "error", err, "request_id", RequestIDFromContext(r.Context()))
	}
	for _, s := range result.Steps {
		resp.Steps = append(resp.Steps, model.StepResponse{
			RunID:            result.Run.ID.String(),
			NodeRunID:        s.NodeRun.ID.String(),
			StructuredOutput: s.Output,
			Metrics: model.StepMetrics{
				TokensIn:  s.NodeRun.TokensIn,
				TokensOut: s.NodeRun.TokensOut,
				LatencyMs: s.NodeRun.LatencyMs,
			},
		})
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleGetRun handles GET /v1/runs/{run_id}. Returns the run and its
// recorded node runs.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run, err := h.db.GetRun(r.Context(), runID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	nodeRuns, err := h.db.ListNodeRuns(r.Context(), runID)
	if err != nil {
		h.writeInternalError(w, r, "failed to list node runs", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.RunDetail{Run: run, NodeRuns: nodeRuns})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	})
}

// stepInput selects the request field that carries a step's input and
// shapes it the way the prompt templates expect.
func stepInput(step pipeline.Step, req model.StepRequest) (json.RawMessage, error) {
	switch step {
	case pipeline.StepExtract:
		if req.DocumentText == "" {
			return nil, fmt.Errorf("document_text is required for the extract step")
		}
		return json.Marshal(map[string]string{"document_text": req.DocumentText})
	case pipeline.StepNormalize, pipeline.StepValidate:
		if len(req.Entities) == 0 {
			return nil, fmt.Errorf("entities is required for the %s step", step)
		}
		return req.Entities, nil
	case pipeline.StepArbitrate:
		if len(req.Facts) == 0 {
			return nil, fmt.Errorf("facts is required for the arbitrate step")
		}
		return req.Facts, nil
	default:
		return nil, fmt.Errorf("unknown step: %s", step)
	}
}

// classifyDomainError maps a domain error to an HTTP status, API error
// code, and caller-safe message. Configuration and resolution errors are
// surfaced verbatim; provider errors are summarized so response bodies
// never echo upstream payloads.
func classifyDomainError(err error) (status int, code, msg string) {
	var provErr *invoke.ProviderError
	switch {
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, registry.ErrUnknownModelFamily),
		errors.Is(err, binding.ErrNoActiveBinding):
		return http.StatusNotFound, model.ErrCodeNotFound, err.Error()
	case errors.As(err, &provErr), errors.Is(err, invoke.ErrProviderTimeout):
		return http.StatusInternalServerError, model.ErrCodeProviderError, "model provider request failed"
	case errors.Is(err, pipeline.ErrMalformedStepOutput):
		return http.StatusInternalServerError, model.ErrCodeProviderError, "model returned malformed step output"
	default:
		return http.StatusInternalServerError, model.ErrCodeInternalError, "request failed"
	}
}

// writeDomainError maps domain errors to HTTP statuses and API error codes.
func (h *Handlers) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := classifyDomainError(err)
	if status >= 500 {
		h.logger.Error("request failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
	}
	writeError(w, r, status, code, msg)
}

// writeInternalError logs the underlying error and returns an opaque 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

func parseRunID(r *http.Request) (uuid.UUID, error) {
	runIDStr := r.PathValue("run_id")
	if runIDStr == "" {
		return uuid.Nil, fmt.Errorf("run_id is required")
	}
	return parseCanonicalUUID(runIDStr)
}

// parseCanonicalUUID accepts only the canonical hyphenated representation.
// uuid.Parse alone also admits braced, urn-prefixed, and bare-hex forms.
func parseCanonicalUUID(s string) (uuid.UUID, error) {
	if len(s) != 36 {
		return uuid.Nil, fmt.Errorf("invalid run_id: %s", s)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid run_id: %s", s)
	}
	return id, nil
}
